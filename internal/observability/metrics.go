// Package observability wires Prometheus metrics and OpenTelemetry tracing
// for the broker process.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the broker's instrument set. A nil *Metrics is valid and
// records nothing, so library code never has to check.
type Metrics struct {
	TasksDelivered   *prometheus.CounterVec
	TasksCompleted   *prometheus.CounterVec
	ResultsDiscarded *prometheus.CounterVec
	JobsActive       prometheus.Gauge
	WorkersRequested *prometheus.CounterVec
	WorkersObserved  prometheus.Gauge
	PollRequests     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		TasksDelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "r5", Subsystem: "broker", Name: "tasks_delivered_total",
			Help: "Regional tasks handed to workers, including redeliveries.",
		}, []string{"network"}),
		TasksCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "r5", Subsystem: "broker", Name: "tasks_completed_total",
			Help: "Regional tasks whose completion bit transitioned to set.",
		}, []string{"network"}),
		ResultsDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "r5", Subsystem: "broker", Name: "results_discarded_total",
			Help: "Work results dropped, by reason.",
		}, []string{"reason"}),
		JobsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "r5", Subsystem: "broker", Name: "jobs_active",
			Help: "Jobs currently delivering tasks.",
		}),
		WorkersRequested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "r5", Subsystem: "broker", Name: "workers_requested_total",
			Help: "Workers requested from the launcher, by role.",
		}, []string{"role"}),
		WorkersObserved: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "r5", Subsystem: "broker", Name: "workers_observed",
			Help: "Workers with a fresh catalog observation.",
		}),
		PollRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "r5", Subsystem: "broker", Name: "poll_requests_total",
			Help: "Worker poll requests served.",
		}),
	}
	reg.MustRegister(
		m.TasksDelivered, m.TasksCompleted, m.ResultsDiscarded, m.JobsActive,
		m.WorkersRequested, m.WorkersObserved, m.PollRequests,
	)
	return m
}

func (m *Metrics) IncTasksDelivered(network string, n int) {
	if m == nil {
		return
	}
	m.TasksDelivered.WithLabelValues(network).Add(float64(n))
}

func (m *Metrics) IncTasksCompleted(network string) {
	if m == nil {
		return
	}
	m.TasksCompleted.WithLabelValues(network).Inc()
}

func (m *Metrics) IncResultsDiscarded(reason string) {
	if m == nil {
		return
	}
	m.ResultsDiscarded.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetJobsActive(n int) {
	if m == nil {
		return
	}
	m.JobsActive.Set(float64(n))
}

func (m *Metrics) IncWorkersRequested(role string, n int) {
	if m == nil {
		return
	}
	m.WorkersRequested.WithLabelValues(role).Add(float64(n))
}

func (m *Metrics) SetWorkersObserved(n int) {
	if m == nil {
		return
	}
	m.WorkersObserved.Set(float64(n))
}

func (m *Metrics) IncPollRequests() {
	if m == nil {
		return
	}
	m.PollRequests.Inc()
}
