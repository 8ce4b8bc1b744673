// Package runtime is the worker's main loop: short-poll the broker, fan the
// received tasks out over a bounded pool, and post one result per origin.
// Polls continue even when the worker is saturated; the poll is also the
// heartbeat that keeps the broker's catalog accurate.
package runtime

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/AccessibilityObservatory/r5/pkg/clusterapi"
	"github.com/AccessibilityObservatory/r5/worker/internal/compute"
	"github.com/AccessibilityObservatory/r5/worker/internal/config"
)

type Runtime struct {
	cfg        config.Config
	computer   *compute.Computer
	httpClient *http.Client
	log        *slog.Logger

	tasksInFlight atomic.Int64
	lastWork      atomic.Int64 // unix nanos of the last task activity
}

func New(cfg config.Config, computer *compute.Computer, log *slog.Logger) *Runtime {
	if log == nil {
		log = slog.Default()
	}
	return &Runtime{
		cfg:        cfg,
		computer:   computer,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

// Run polls until the context is canceled, the idle shutdown elapses, or the
// single-point server fails.
func (r *Runtime) Run(ctx context.Context) error {
	r.lastWork.Store(time.Now().UnixNano())
	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error { return r.pollLoop(ctx) })
	if r.cfg.SinglePoint {
		group.Go(func() error { return r.serveSinglePoint(ctx) })
	}
	err := group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runtime) pollLoop(ctx context.Context) error {
	sem := semaphore.NewWeighted(int64(r.cfg.MaxParallelTasks))
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if r.idleTooLong() {
			r.log.Info("idle shutdown", "idle", r.cfg.IdleShutdown)
			return nil
		}

		tasks, err := r.poll(ctx)
		if err != nil {
			r.log.Warn("poll failed", "error", err)
			continue
		}
		for _, task := range tasks {
			if err := sem.Acquire(ctx, 1); err != nil {
				return err
			}
			r.tasksInFlight.Add(1)
			r.lastWork.Store(time.Now().UnixNano())
			task := task
			go func() {
				defer sem.Release(1)
				defer r.tasksInFlight.Add(-1)
				defer r.lastWork.Store(time.Now().UnixNano())
				result := r.computer.HandleRegionalTask(ctx, task)
				if err := r.postResult(ctx, result); err != nil {
					r.log.Warn("post result failed", "jobId", task.JobID, "taskId", task.TaskID, "error", err)
				}
			}()
		}
	}
}

func (r *Runtime) idleTooLong() bool {
	if r.cfg.IdleShutdown <= 0 {
		return false
	}
	if r.tasksInFlight.Load() > 0 {
		return false
	}
	last := time.Unix(0, r.lastWork.Load())
	return time.Since(last) > r.cfg.IdleShutdown
}

// poll sends the worker's status and returns whatever tasks the broker has.
// Capacity already in use reduces what we ask for, never what we report.
func (r *Runtime) poll(ctx context.Context) ([]clusterapi.RegionalTask, error) {
	inFlight := int(r.tasksInFlight.Load())
	maxRequested := r.cfg.MaxParallelTasks - inFlight
	if maxRequested < 0 {
		maxRequested = 0
	}
	if maxRequested > r.cfg.MaxTasksPerPoll {
		maxRequested = r.cfg.MaxTasksPerPoll
	}
	status := clusterapi.WorkerStatus{
		WorkerID: r.cfg.WorkerID,
		Category: clusterapi.WorkerCategory{
			NetworkID:     r.cfg.NetworkID,
			WorkerVersion: r.cfg.WorkerVersion,
		},
		MaxTasksRequested:  maxRequested,
		TasksInFlight:      inFlight,
		SinglePointCapable: r.cfg.SinglePoint,
		Cores:              runtime.NumCPU(),
	}
	body, err := json.Marshal(status)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BrokerURL+"/api/poll", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("broker poll returned %s", resp.Status)
	}
	var pollResp clusterapi.PollResponse
	if err := json.NewDecoder(resp.Body).Decode(&pollResp); err != nil {
		return nil, err
	}
	return pollResp.Tasks, nil
}

func (r *Runtime) postResult(ctx context.Context, result clusterapi.RegionalWorkResult) error {
	body, err := json.Marshal(result)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BrokerURL+"/api/results", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("broker results returned %s", resp.Status)
	}
	return nil
}

// serveSinglePoint answers interactive travel-time-surface requests directly,
// bypassing the regional queue.
func (r *Runtime) serveSinglePoint(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/single", func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var task clusterapi.AnalysisTask
		if err := json.NewDecoder(req.Body).Decode(&task); err != nil {
			http.Error(w, "malformed analysis task", http.StatusBadRequest)
			return
		}
		// Surface tasks always produce times, whatever the template says.
		task.RecordTimes = true
		if err := task.Validate(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.lastWork.Store(time.Now().UnixNano())
		w.Header().Set("Content-Type", "application/octet-stream")
		if err := r.computer.HandleSurfaceTask(req.Context(), task, w); err != nil {
			r.log.Error("surface task failed", "error", err)
			return
		}
	})
	server := &http.Server{Addr: r.cfg.ListenAddr, Handler: mux}
	errCh := make(chan error, 1)
	go func() {
		r.log.Info("single point endpoint listening", "addr", r.cfg.ListenAddr)
		errCh <- server.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}
