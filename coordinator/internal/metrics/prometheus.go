package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics of the coordinator
type Metrics struct {
	// Request metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionTransitions *prometheus.CounterVec
	ActiveSessions     prometheus.Gauge
	Refunds            *prometheus.CounterVec

	// Registry metrics
	NodeSelections *prometheus.CounterVec
	LiveNodes      prometheus.Gauge

	// Settlement metrics
	Settlements      *prometheus.CounterVec
	SettledAmount    *prometheus.CounterVec
	PayoutDuration   prometheus.Histogram
	RemoteCallTiming *prometheus.HistogramVec

	// Sweeper metrics
	SweepRuns     *prometheus.CounterVec
	SweepDuration prometheus.Histogram
}

// NewMetrics creates and registers the coordinator metrics on reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_requests_total",
				Help: "Total number of API requests processed",
			},
			[]string{"route", "status"},
		),

		RequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coordinator_request_duration_seconds",
				Help:    "Duration of API request processing",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route"},
		),

		SessionTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_session_transitions_total",
				Help: "Session state transitions",
			},
			[]string{"from", "to"},
		),

		ActiveSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_active_sessions",
				Help: "Sessions currently active, as seen by the last sweep",
			},
		),

		Refunds: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_refunds_total",
				Help: "Refunds issued to users",
			},
			[]string{"reason"},
		),

		NodeSelections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_node_selections_total",
				Help: "Node selection outcomes",
			},
			[]string{"model", "outcome"},
		),

		LiveNodes: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_live_nodes",
				Help: "Nodes with a fresh heartbeat",
			},
		),

		Settlements: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_settlements_total",
				Help: "Settlements by method",
			},
			[]string{"method"},
		),

		SettledAmount: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_settled_amount_total",
				Help: "Amount paid to node operators by method",
			},
			[]string{"method"},
		),

		PayoutDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "coordinator_payout_duration_seconds",
				Help:    "Duration of direct payout attempts",
				Buckets: prometheus.DefBuckets,
			},
		),

		RemoteCallTiming: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "coordinator_node_call_duration_seconds",
				Help:    "Duration of calls to node control APIs",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"operation", "status"},
		),

		SweepRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_sweep_actions_total",
				Help: "Sessions acted on by the background sweep",
			},
			[]string{"action"},
		),

		SweepDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "coordinator_sweep_duration_seconds",
				Help:    "Duration of a full sweep",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

// RecordRequest records an API request
func (m *Metrics) RecordRequest(route, status string, duration float64) {
	m.RequestsTotal.WithLabelValues(route, status).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(duration)
}

// RecordTransition records a session state transition
func (m *Metrics) RecordTransition(from, to string) {
	m.SessionTransitions.WithLabelValues(from, to).Inc()
}

// RecordRefund records a refund
func (m *Metrics) RecordRefund(reason string) {
	m.Refunds.WithLabelValues(reason).Inc()
}

// RecordSelection records a node selection outcome
func (m *Metrics) RecordSelection(model, outcome string) {
	m.NodeSelections.WithLabelValues(model, outcome).Inc()
}

// RecordSettlement records a completed settlement
func (m *Metrics) RecordSettlement(method string, amount int64) {
	m.Settlements.WithLabelValues(method).Inc()
	m.SettledAmount.WithLabelValues(method).Add(float64(amount))
}

// RecordNodeCall records a call to a node's control API
func (m *Metrics) RecordNodeCall(operation, status string, duration float64) {
	m.RemoteCallTiming.WithLabelValues(operation, status).Observe(duration)
}

// RecordSweepAction records a sweep action
func (m *Metrics) RecordSweepAction(action string) {
	m.SweepRuns.WithLabelValues(action).Inc()
}
