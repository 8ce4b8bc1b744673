// Package launcher abstracts how new workers come into existence. The broker
// decides how many to ask for; a WorkerLauncher makes a best-effort attempt
// to start them without ever blocking the caller.
package launcher

import (
	"context"
	"log/slog"
	"os/exec"
	"time"

	"github.com/AccessibilityObservatory/r5/pkg/clusterapi"
)

// WorkerLauncher starts workers with a network already assigned. Launch is
// asynchronous and unacknowledged: workers that actually come up will appear
// in the catalog through their polls.
type WorkerLauncher interface {
	Launch(category clusterapi.WorkerCategory, tags map[string]string, nOnDemand, nSpot int)
}

// Nop discards launch requests. Used offline and in tests.
type Nop struct{}

func (Nop) Launch(clusterapi.WorkerCategory, map[string]string, int, int) {}

// Local starts worker-agent processes on this machine. Spot and on-demand
// collapse to the same thing locally; the distinction only matters to cloud
// launchers.
type Local struct {
	// BinaryPath is the worker-agent executable.
	BinaryPath string
	// BrokerURL is handed to workers so they poll back to us.
	BrokerURL string
	Log       *slog.Logger
}

func (l *Local) Launch(category clusterapi.WorkerCategory, tags map[string]string, nOnDemand, nSpot int) {
	n := nOnDemand + nSpot
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	go func() {
		for i := 0; i < n; i++ {
			cmd := exec.Command(l.BinaryPath)
			cmd.Env = append(cmd.Environ(),
				"R5_BROKER_URL="+l.BrokerURL,
				"R5_NETWORK_ID="+category.NetworkID,
				"R5_WORKER_VERSION="+category.WorkerVersion,
			)
			if err := cmd.Start(); err != nil {
				log.Error("start local worker", "category", category, "error", err)
				return
			}
			log.Info("started local worker", "category", category, "pid", cmd.Process.Pid)
			go func() { _ = cmd.Wait() }()
		}
	}()
}

var _ WorkerLauncher = (*Local)(nil)
var _ WorkerLauncher = Nop{}

// launchTimeout bounds how long any launcher implementation may spend
// starting one worker.
const launchTimeout = 2 * time.Minute

func launchContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), launchTimeout)
}
