package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for a compute node
type Metrics struct {
	ProcessesByState   *prometheus.GaugeVec
	ProcessTransitions *prometheus.CounterVec
	PortAllocFailures  prometheus.Counter
	StartupDuration    prometheus.Histogram
	CompletionDuration *prometheus.HistogramVec
	CompletionErrors   *prometheus.CounterVec
	HeartbeatFailures  prometheus.Counter
	OrphansReaped      prometheus.Counter
	ControlRequests    *prometheus.CounterVec
}

// NewMetrics creates all node metrics on reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ProcessesByState: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ailightning",
			Subsystem: "node",
			Name:      "processes",
			Help:      "Inference processes by health state",
		}, []string{"state"}),
		ProcessTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ailightning",
			Subsystem: "node",
			Name:      "process_transitions_total",
			Help:      "Inference process state transitions",
		}, []string{"state"}),
		PortAllocFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ailightning",
			Subsystem: "node",
			Name:      "port_allocation_failures_total",
			Help:      "Port allocations that found no free port in range",
		}),
		StartupDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ailightning",
			Subsystem: "node",
			Name:      "process_startup_seconds",
			Help:      "Time from spawn to readiness",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		CompletionDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ailightning",
			Subsystem: "node",
			Name:      "completion_seconds",
			Help:      "Completion proxy latency",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"mode"}),
		CompletionErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ailightning",
			Subsystem: "node",
			Name:      "completion_errors_total",
			Help:      "Failed completion calls by error code",
		}, []string{"code"}),
		HeartbeatFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ailightning",
			Subsystem: "node",
			Name:      "heartbeat_failures_total",
			Help:      "Heartbeats the coordinator did not accept",
		}),
		OrphansReaped: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ailightning",
			Subsystem: "node",
			Name:      "orphans_reaped_total",
			Help:      "Inference processes left by a previous run and killed at startup",
		}),
		ControlRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ailightning",
			Subsystem: "node",
			Name:      "control_requests_total",
			Help:      "Control API requests by operation and status",
		}, []string{"operation", "status"}),
	}
}

// RecordTransition moves one process from one state gauge to another.
// An empty from means the process is new.
func (m *Metrics) RecordTransition(from, to string) {
	if from != "" {
		m.ProcessesByState.WithLabelValues(from).Dec()
	}
	if to != "" {
		m.ProcessesByState.WithLabelValues(to).Inc()
		m.ProcessTransitions.WithLabelValues(to).Inc()
	}
}

func (m *Metrics) RecordCompletion(mode string, seconds float64) {
	m.CompletionDuration.WithLabelValues(mode).Observe(seconds)
}

func (m *Metrics) RecordCompletionError(code string) {
	m.CompletionErrors.WithLabelValues(code).Inc()
}

func (m *Metrics) RecordControlRequest(operation, status string) {
	m.ControlRequests.WithLabelValues(operation, status).Inc()
}
