// Package metrics holds the engine's Prometheus collectors. One Metrics
// value is created at startup and shared by the poller, notifier, and
// recovery executor; tests use NewNop for an isolated registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "argus"

// Metrics bundles every collector the engine updates.
type Metrics struct {
	// Scheduler loop.
	TicksTotal       prometheus.Counter
	TicksFailed      prometheus.Counter
	SchedulerRunning prometheus.Gauge

	// Evaluations. ChecksSkipped is labelled by reason: maintenance,
	// in_flight, queue_full.
	ChecksExecuted prometheus.Counter
	ChecksSkipped  *prometheus.CounterVec

	// Probes, labelled by monitor type (and error kind for failures).
	ProbeDuration *prometheus.HistogramVec
	ProbeErrors   *prometheus.CounterVec

	// Alerting.
	ActiveAlerts  prometheus.Gauge
	Notifications *prometheus.CounterVec // channel, status
	RecoveryRuns  *prometheus.CounterVec // status
}

// New registers the engine collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		TicksTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_total",
			Help:      "Scheduler ticks issued.",
		}),
		TicksFailed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "ticks_failed_total",
			Help:      "Ticks that failed to load due monitors.",
		}),
		SchedulerRunning: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "running",
			Help:      "1 while the scheduler is running.",
		}),
		ChecksExecuted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_executed_total",
			Help:      "Monitor evaluations completed.",
		}),
		ChecksSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_skipped_total",
			Help:      "Due monitors skipped instead of evaluated.",
		}, []string{"reason"}),
		ProbeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_duration_seconds",
			Help:      "Wall time of probe execution.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		ProbeErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_errors_total",
			Help:      "Probes that produced an error sample.",
		}, []string{"type", "kind"}),
		ActiveAlerts: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "alerts_active",
			Help:      "Open alerts (status other than recovered).",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by channel and outcome.",
		}, []string{"channel", "status"}),
		RecoveryRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recovery_attempts_total",
			Help:      "Recovery command executions by outcome.",
		}, []string{"status"}),
	}
}

// NewNop returns collectors bound to a private registry, for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
