package config

import (
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type Config struct {
	WorkerID      string
	BrokerURL     string
	NetworkID     string
	WorkerVersion string

	// MaxParallelTasks bounds concurrent propagations; defaults to core count
	// since the kernel is purely CPU-bound.
	MaxParallelTasks int
	PollInterval     time.Duration
	MaxTasksPerPoll  int

	// SinglePoint enables the interactive surface endpoint on ListenAddr.
	SinglePoint bool
	ListenAddr  string

	// IdleShutdown exits the process after this long without work; zero
	// disables. Cloud workers use it to release instances off-hours.
	IdleShutdown time.Duration

	LogLevel string
}

func FromEnv() Config {
	workerID := getenv("R5_WORKER_ID", "")
	if workerID == "" {
		workerID = "worker-" + uuid.New().String()
	}
	return Config{
		WorkerID:         workerID,
		BrokerURL:        getenv("R5_BROKER_URL", "http://localhost:7070"),
		NetworkID:        getenv("R5_NETWORK_ID", "default"),
		WorkerVersion:    getenv("R5_WORKER_VERSION", "dev"),
		MaxParallelTasks: getenvInt("R5_MAX_PARALLEL_TASKS", runtime.NumCPU()),
		PollInterval:     time.Duration(getenvInt("R5_POLL_MILLIS", 1000)) * time.Millisecond,
		MaxTasksPerPoll:  getenvInt("R5_MAX_TASKS_PER_POLL", 16),
		SinglePoint:      getenvBool("R5_SINGLE_POINT", false),
		ListenAddr:       getenv("R5_WORKER_LISTEN_ADDR", ":7080"),
		IdleShutdown:     time.Duration(getenvInt("R5_IDLE_SHUTDOWN_MINUTES", 0)) * time.Minute,
		LogLevel:         getenv("R5_LOG_LEVEL", "info"),
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getenvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}
