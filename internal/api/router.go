// Package api exposes the local control plane: scheduler lifecycle,
// on-demand checks, alert acknowledgement and recovery, health and
// Prometheus metrics.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/utils/clock"

	"github.com/argusmon/argus/internal/channels"
	"github.com/argusmon/argus/internal/middleware"
	"github.com/argusmon/argus/internal/poller"
	"github.com/argusmon/argus/internal/repository"
)

// Scheduler is the control surface the handlers drive.
type Scheduler interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsRunning() bool
	StartedAt() time.Time
	StoppedAt() time.Time
	ExecuteNow(ctx context.Context, monitorID uuid.UUID) (*poller.ExecuteResult, error)
}

// RecoveryStarter launches recovery attempts for an alert.
type RecoveryStarter interface {
	TriggerRecovery(ctx context.Context, alertID uuid.UUID) (int, error)
}

// Dependencies carries everything the control-plane handlers need.
type Dependencies struct {
	Repo      repository.Repository
	Scheduler Scheduler
	Recovery  RecoveryStarter
	Events    *channels.EventChannels
	Clock     clock.Clock
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
}

// NewRouter creates and configures the control-plane router
func NewRouter(deps *Dependencies) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Logger(logger))

	// Initialize handlers
	healthHandler := NewHealthHandler(deps.Repo)
	schedulerHandler := NewSchedulerHandler(deps.Scheduler, deps.Clock)
	monitorHandler := NewMonitorHandler(deps.Scheduler)
	alertHandler := NewAlertHandler(deps.Repo, deps.Events, deps.Recovery, deps.Clock)

	// Probes and telemetry
	r.Get("/healthz", healthHandler.Healthz)
	r.Get("/readyz", healthHandler.Readyz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Scheduler lifecycle
	r.Route("/scheduler", func(r chi.Router) {
		r.Post("/start", schedulerHandler.Start)
		r.Post("/stop", schedulerHandler.Stop)
		r.Get("/status", schedulerHandler.Status)
	})

	// On-demand checks
	r.Post("/monitors/{id}/execute", monitorHandler.Execute)

	// Alerts
	r.Route("/alerts", func(r chi.Router) {
		r.Get("/", alertHandler.List)
		r.Post("/{id}/acknowledge", alertHandler.Acknowledge)
		r.Post("/{id}/recover", alertHandler.Recover)
	})

	return r
}
