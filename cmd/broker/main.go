package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AccessibilityObservatory/r5/internal/api"
	"github.com/AccessibilityObservatory/r5/internal/broker"
	"github.com/AccessibilityObservatory/r5/internal/config"
	"github.com/AccessibilityObservatory/r5/internal/eventbus"
	"github.com/AccessibilityObservatory/r5/internal/files"
	"github.com/AccessibilityObservatory/r5/internal/launcher"
	"github.com/AccessibilityObservatory/r5/internal/observability"
	"github.com/AccessibilityObservatory/r5/internal/persistence"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTrace, err := observability.InitTracingFromEnv("r5-broker")
	if err != nil {
		log.Error("init tracing", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTrace(context.Background()) }()

	if err := os.MkdirAll(cfg.WorkDir, 0o755); err != nil {
		log.Error("create work dir", "dir", cfg.WorkDir, "error", err)
		os.Exit(1)
	}

	storage, err := newStorage(cfg)
	if err != nil {
		log.Error("configure storage", "error", err)
		os.Exit(1)
	}

	localBus := eventbus.NewLocalBus(log)
	bus := eventbus.Bus(localBus)
	if cfg.EventBus == "nats" {
		natsBus, err := eventbus.NewNATSBus(cfg.NATSURL, cfg.NATSPrefix, log)
		if err != nil {
			log.Error("connect event bus", "error", err)
			os.Exit(1)
		}
		defer natsBus.Close()
		bus = eventbus.Tee{localBus, natsBus}
	}

	wl, err := newLauncher(cfg, log)
	if err != nil {
		log.Error("configure launcher", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var db *persistence.DB
	if cfg.DatabaseURI != "" {
		connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		db, err = persistence.Connect(connectCtx, cfg.DatabaseURI, cfg.DatabaseName, log)
		cancel()
		if err != nil {
			log.Error("connect database", "error", err)
			os.Exit(1)
		}
		db.SubscribeTo(localBus)
	}

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	b := broker.New(broker.Config{
		Offline:            cfg.Offline,
		MaxWorkers:         cfg.MaxWorkers,
		TestTaskRedelivery: cfg.TestTaskRedelivery,
	}, storage, bus, wl, metrics, log)

	server := api.NewServer(b, cfg.WorkDir, cfg.RedeliveryTimeout, log)
	mux := http.NewServeMux()
	mux.Handle("/", server.Handler())
	mux.Handle("/metrics", promhttp.Handler())

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: mux}
	go func() {
		log.Info("broker listening", "addr", cfg.ListenAddr, "offline", cfg.Offline)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	b.Shutdown()
	if db != nil {
		if err := db.Close(shutdownCtx); err != nil {
			log.Warn("close database", "error", err)
		}
	}
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: l}))
}

func newStorage(cfg config.Config) (files.Storage, error) {
	switch cfg.Storage {
	case "minio":
		return files.NewMinIOStorage(files.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
	default:
		return files.NewLocalStorage(cfg.LocalStorage)
	}
}

func newLauncher(cfg config.Config, log *slog.Logger) (launcher.WorkerLauncher, error) {
	switch cfg.Launcher {
	case "local":
		return &launcher.Local{BinaryPath: cfg.WorkerBinary, BrokerURL: cfg.BrokerURL, Log: log}, nil
	case "docker":
		return launcher.NewDocker(cfg.WorkerImage, cfg.BrokerURL, cfg.DockerNetwork, log)
	default:
		return launcher.Nop{}, nil
	}
}
