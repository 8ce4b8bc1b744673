// Package eventbus carries fire-and-forget lifecycle events out of the
// broker: job started/completed/canceled, worker fleet requests, and errors.
// Sending never blocks broker hot paths and delivery failures are logged,
// not propagated.
package eventbus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/AccessibilityObservatory/r5/pkg/clusterapi"
)

type RegionalAnalysisState string

const (
	RegionalAnalysisStarted   RegionalAnalysisState = "STARTED"
	RegionalAnalysisCompleted RegionalAnalysisState = "COMPLETED"
	RegionalAnalysisCanceled  RegionalAnalysisState = "CANCELED"
)

type WorkerRole string

const (
	WorkerRoleRegional    WorkerRole = "REGIONAL"
	WorkerRoleSinglePoint WorkerRole = "SINGLE_POINT"
)

// Event is implemented by every message the bus can carry. Kind becomes the
// subject suffix on brokered transports.
type Event interface {
	Kind() string
}

type RegionalAnalysisEvent struct {
	JobID       string                    `json:"jobId"`
	State       RegionalAnalysisState     `json:"state"`
	Category    clusterapi.WorkerCategory `json:"category"`
	NTasksTotal int                       `json:"nTasksTotal,omitempty"`
	Tags        map[string]string         `json:"tags,omitempty"`
}

func (RegionalAnalysisEvent) Kind() string { return "regional-analysis" }

type WorkerEvent struct {
	Role     WorkerRole                `json:"role"`
	Category clusterapi.WorkerCategory `json:"category"`
	Action   string                    `json:"action"`
	Count    int                       `json:"count"`
}

func (WorkerEvent) Kind() string { return "worker" }

const WorkerRequested = "REQUESTED"

type ErrorEvent struct {
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
	// JobID is set when the error is attributable to one job.
	JobID string `json:"jobId,omitempty"`
}

func (ErrorEvent) Kind() string { return "error" }

// Bus delivers events somewhere. Send must not block and must not fail the
// caller.
type Bus interface {
	Send(event Event)
}

// LocalBus fans events out to in-process subscribers synchronously. Handlers
// are expected to be fast; anything slow should hop onto its own goroutine.
type LocalBus struct {
	mu       sync.RWMutex
	handlers []func(Event)
	log      *slog.Logger
}

func NewLocalBus(log *slog.Logger) *LocalBus {
	if log == nil {
		log = slog.Default()
	}
	return &LocalBus{log: log}
}

func (b *LocalBus) Subscribe(handler func(Event)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, handler)
}

func (b *LocalBus) Send(event Event) {
	b.mu.RLock()
	handlers := b.handlers
	b.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.log.Error("event handler panicked", "kind", event.Kind(), "panic", r)
				}
			}()
			h(event)
		}()
	}
}

// NATSBus publishes events as JSON to <prefix>.<kind> subjects on core NATS.
// Events are telemetry, not state: a dropped publish is logged and forgotten,
// which is why plain publish is used rather than a persistent stream.
type NATSBus struct {
	conn   *nats.Conn
	prefix string
	log    *slog.Logger
}

func NewNATSBus(url, prefix string, log *slog.Logger) (*NATSBus, error) {
	if log == nil {
		log = slog.Default()
	}
	if prefix == "" {
		prefix = "r5.events"
	}
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url,
		nats.Name("r5-broker"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return &NATSBus{conn: conn, prefix: prefix, log: log}, nil
}

func (b *NATSBus) Send(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		b.log.Error("marshal event", "kind", event.Kind(), "error", err)
		return
	}
	if err := b.conn.Publish(b.prefix+"."+event.Kind(), payload); err != nil {
		b.log.Warn("publish event", "kind", event.Kind(), "error", err)
	}
}

func (b *NATSBus) Close() {
	b.conn.Close()
}

// Tee sends every event to all underlying buses.
type Tee []Bus

func (t Tee) Send(event Event) {
	for _, b := range t {
		b.Send(event)
	}
}
