// Package config assembles the broker configuration from, in order of
// precedence: environment variables, an optional YAML file named by
// R5_CONFIG, and defaults. Entry points load a .env file first, so local
// development needs no exported variables at all.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	ListenAddr string `yaml:"listenAddr"`

	DatabaseURI  string `yaml:"databaseUri"`
	DatabaseName string `yaml:"databaseName"`

	Offline            bool `yaml:"offline"`
	MaxWorkers         int  `yaml:"maxWorkers"`
	TestTaskRedelivery bool `yaml:"testTaskRedelivery"`

	RedeliveryTimeout time.Duration `yaml:"redeliveryTimeout"`

	// WorkDir holds in-progress assembler files.
	WorkDir string `yaml:"workDir"`

	// Storage selects where finished result files go: "local" or "minio".
	Storage        string `yaml:"storage"`
	LocalStorage   string `yaml:"localStorageDir"`
	MinIOEndpoint  string `yaml:"minioEndpoint"`
	MinIOAccessKey string `yaml:"minioAccessKey"`
	MinIOSecretKey string `yaml:"minioSecretKey"`
	MinIOBucket    string `yaml:"minioBucket"`
	MinIOUseSSL    bool   `yaml:"minioUseSSL"`

	// Launcher selects how workers are started: "none", "local" or "docker".
	Launcher      string `yaml:"launcher"`
	WorkerBinary  string `yaml:"workerBinary"`
	WorkerImage   string `yaml:"workerImage"`
	DockerNetwork string `yaml:"dockerNetwork"`
	BrokerURL     string `yaml:"brokerUrl"`

	// EventBus selects "local" or "nats".
	EventBus   string `yaml:"eventBus"`
	NATSURL    string `yaml:"natsUrl"`
	NATSPrefix string `yaml:"natsPrefix"`

	LogLevel string `yaml:"logLevel"`
}

func Defaults() Config {
	return Config{
		ListenAddr:        ":7070",
		DatabaseName:      "analysis",
		Offline:           true,
		MaxWorkers:        1000,
		RedeliveryTimeout: 10 * time.Minute,
		WorkDir:           "/tmp/r5-broker",
		Storage:           "local",
		LocalStorage:      "/tmp/r5-results",
		Launcher:          "none",
		BrokerURL:         "http://localhost:7070",
		EventBus:          "local",
		NATSPrefix:        "r5.events",
		LogLevel:          "info",
	}
}

// Load builds the effective configuration. A missing R5_CONFIG file is an
// error; an unset R5_CONFIG just skips the file layer.
func Load() (Config, error) {
	cfg := Defaults()
	if path := os.Getenv("R5_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	if cfg.MaxWorkers <= 0 {
		return cfg, fmt.Errorf("maxWorkers must be positive, got %d", cfg.MaxWorkers)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.ListenAddr, "R5_LISTEN_ADDR")
	setString(&cfg.DatabaseURI, "R5_DATABASE_URI")
	setString(&cfg.DatabaseName, "R5_DATABASE_NAME")
	setBool(&cfg.Offline, "R5_OFFLINE")
	setInt(&cfg.MaxWorkers, "R5_MAX_WORKERS")
	setBool(&cfg.TestTaskRedelivery, "R5_TEST_TASK_REDELIVERY")
	setDuration(&cfg.RedeliveryTimeout, "R5_REDELIVERY_TIMEOUT")
	setString(&cfg.WorkDir, "R5_WORK_DIR")
	setString(&cfg.Storage, "R5_STORAGE")
	setString(&cfg.LocalStorage, "R5_LOCAL_STORAGE_DIR")
	setString(&cfg.MinIOEndpoint, "R5_MINIO_ENDPOINT")
	setString(&cfg.MinIOAccessKey, "R5_MINIO_ACCESS_KEY")
	setString(&cfg.MinIOSecretKey, "R5_MINIO_SECRET_KEY")
	setString(&cfg.MinIOBucket, "R5_MINIO_BUCKET")
	setBool(&cfg.MinIOUseSSL, "R5_MINIO_USE_SSL")
	setString(&cfg.Launcher, "R5_LAUNCHER")
	setString(&cfg.WorkerBinary, "R5_WORKER_BINARY")
	setString(&cfg.WorkerImage, "R5_WORKER_IMAGE")
	setString(&cfg.DockerNetwork, "R5_DOCKER_NETWORK")
	setString(&cfg.BrokerURL, "R5_BROKER_URL")
	setString(&cfg.EventBus, "R5_EVENT_BUS")
	setString(&cfg.NATSURL, "R5_NATS_URL")
	setString(&cfg.NATSPrefix, "R5_NATS_PREFIX")
	setString(&cfg.LogLevel, "R5_LOG_LEVEL")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "yes", "YES":
		*dst = true
	case "0", "false", "FALSE", "no", "NO":
		*dst = false
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
