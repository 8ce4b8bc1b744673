// Package api is the broker's HTTP surface: the worker-facing poll and
// results endpoints and the operator-facing job and worker endpoints.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/AccessibilityObservatory/r5/internal/assembler"
	"github.com/AccessibilityObservatory/r5/internal/broker"
	"github.com/AccessibilityObservatory/r5/internal/observability"
	"github.com/AccessibilityObservatory/r5/pkg/clusterapi"
)

type Server struct {
	broker            *broker.Broker
	workDir           string
	defaultRedelivery time.Duration
	log               *slog.Logger
}

func NewServer(b *broker.Broker, workDir string, defaultRedelivery time.Duration, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{broker: b, workDir: workDir, defaultRedelivery: defaultRedelivery, log: log}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/poll", s.handlePoll)
	mux.HandleFunc("/api/results", s.handleResults)
	mux.HandleFunc("/api/jobs", s.handleJobs)
	mux.HandleFunc("/api/jobs/", s.handleJobByID)
	mux.HandleFunc("/api/workers", s.handleWorkers)
	mux.HandleFunc("/api/workers/address", s.handleWorkerAddress)
	return withTracing(withLogging(mux, s.log))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePoll serves worker short polls. The status is cataloged first so the
// poll acts as a heartbeat even when no tasks match.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var status clusterapi.WorkerStatus
	if err := json.NewDecoder(r.Body).Decode(&status); err != nil {
		writeError(w, http.StatusBadRequest, "malformed worker status")
		return
	}
	if status.WorkerID == "" {
		writeError(w, http.StatusBadRequest, "workerId is required")
		return
	}
	if status.IPAddress == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			status.IPAddress = host
		}
	}
	s.broker.RecordWorkerObservation(status)
	tasks := s.broker.GetSomeWork(status.Category, status.MaxTasksRequested)
	if tasks == nil {
		tasks = []clusterapi.RegionalTask{}
	}
	writeJSON(w, http.StatusOK, clusterapi.PollResponse{Tasks: tasks})
}

// handleResults accepts one work result. The response is 200 regardless:
// the worker can do nothing useful with a failure, and results for deleted
// jobs are dropped by design.
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var result clusterapi.RegionalWorkResult
	if err := json.NewDecoder(r.Body).Decode(&result); err != nil {
		writeError(w, http.StatusBadRequest, "malformed work result")
		return
	}
	s.broker.HandleRegionalWorkResult(result)
	writeJSON(w, http.StatusOK, map[string]bool{"accepted": true})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.broker.GetAllJobStatuses())
	case http.MethodPost:
		s.handleSubmitJob(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req clusterapi.SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed submit request")
		return
	}
	if err := req.Template.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}
	nTasks := req.NOrigins
	if nTasks <= 0 {
		nTasks = req.Template.Width * req.Template.Height
	}

	redelivery := s.defaultRedelivery
	if req.RedeliverySec > 0 {
		redelivery = secondsDuration(req.RedeliverySec)
	}
	if s.broker.FindJob(jobID) != nil {
		writeError(w, http.StatusConflict, broker.ErrDuplicateJob.Error()+": "+jobID)
		return
	}
	job := broker.NewJob(jobID, req.Template, nTasks, redelivery, req.Tags)
	asm, err := assembler.New(jobID, req.Template, nTasks, s.workDir, s.log)
	if err != nil {
		s.log.Error("create assembler", "jobId", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "could not create result assembler")
		return
	}
	if err := s.broker.EnqueueRegionalJob(job, asm); err != nil {
		_ = asm.Terminate()
		if errors.Is(err, broker.ErrDuplicateJob) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, clusterapi.SubmitJobResponse{JobID: jobID})
}

func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if jobID == "" || strings.Contains(jobID, "/") {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		for _, status := range s.broker.GetAllJobStatuses() {
			if status.JobID == jobID {
				writeJSON(w, http.StatusOK, status)
				return
			}
		}
		writeError(w, http.StatusNotFound, "job not found")
	case http.MethodDelete:
		if !s.broker.DeleteJob(jobID) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.broker.Catalog().Observations())
}

// handleWorkerAddress resolves a single-point-capable worker for a category
// so interactive requests can be proxied to it.
func (s *Server) handleWorkerAddress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	category := clusterapi.WorkerCategory{
		NetworkID:     r.URL.Query().Get("networkId"),
		WorkerVersion: r.URL.Query().Get("workerVersion"),
	}
	address := s.broker.GetWorkerAddress(category)
	if address == "" {
		writeError(w, http.StatusNotFound, "no single point worker for category")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": address})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func secondsDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

func withLogging(next http.Handler, log *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Debug("http request", "method", r.Method, "path", r.URL.Path)
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func withTracing(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := observability.StartSpan(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		defer span.End()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		if traceID := span.SpanContext().TraceID().String(); traceID != "" {
			sw.Header().Set("X-Trace-ID", traceID)
		}
		next.ServeHTTP(sw, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", sw.status))
	})
}
