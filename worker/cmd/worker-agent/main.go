package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/AccessibilityObservatory/r5/worker/internal/compute"
	"github.com/AccessibilityObservatory/r5/worker/internal/config"
	"github.com/AccessibilityObservatory/r5/worker/internal/runtime"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()
	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	computer := &compute.Computer{Router: compute.NewSyntheticRouter(), Log: log}
	rt := runtime.New(cfg, computer, log)

	log.Info("worker starting",
		"workerId", cfg.WorkerID,
		"network", cfg.NetworkID,
		"version", cfg.WorkerVersion,
		"parallelism", cfg.MaxParallelTasks)
	if err := rt.Run(ctx); err != nil {
		log.Error("worker runtime stopped", "error", err)
		os.Exit(1)
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
