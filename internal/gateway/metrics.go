package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus instruments, exposed alongside
// the status method per spec §6 Health. Grounded on the teacher's
// internal/observability.Metrics (promauto-registered Counter/Gauge/
// HistogramVecs), trimmed to the surfaces this gateway actually drives:
// requests, runs, and queue depth.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RunsStarted     *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	ActiveSessions  prometheus.Gauge
	QueueDepth      *prometheus.GaugeVec
	PermissionWaits *prometheus.CounterVec
}

// NewMetrics registers the gateway's metrics with reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry across package-level test runs.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentblob_gateway_requests_total",
				Help: "Total number of gateway requests by method and outcome.",
			},
			[]string{"method", "outcome"},
		),
		RunsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentblob_gateway_runs_started_total",
				Help: "Total number of runs admitted by kind.",
			},
			[]string{"kind"},
		),
		RunDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentblob_gateway_run_duration_seconds",
				Help:    "Run wall-clock duration from admission to a terminal state.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"kind", "state"},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentblob_gateway_active_sessions",
				Help: "Current number of live gateway sessions.",
			},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentblob_gateway_session_queue_depth",
				Help: "Current FIFO depth per session.",
			},
			[]string{"session_id"},
		),
		PermissionWaits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentblob_gateway_permission_waits_total",
				Help: "Total permission.respond requests processed by outcome.",
			},
			[]string{"outcome"},
		),
	}
}
