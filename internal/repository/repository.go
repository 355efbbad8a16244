// Package repository abstracts the durable store for monitors, states,
// samples, and alerts. Two implementations exist: Memory for tests and dev
// mode, Postgres for production.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/argusmon/argus/internal/models"
)

var (
	// ErrNotFound is returned when the requested entity does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write loses an optimistic-concurrency
	// race or would violate a uniqueness invariant.
	ErrConflict = errors.New("conflict")
	// ErrUnavailable is returned when the store cannot be reached. Callers
	// back off and retry; the scheduler keeps ticking.
	ErrUnavailable = errors.New("repository unavailable")
)

// AlertFilter narrows ListAlerts. Nil fields match everything.
type AlertFilter struct {
	Status    *models.AlertStatus
	Severity  *models.AlertSeverity
	MonitorID *uuid.UUID
	OpenOnly  bool // status != recovered
	Limit     int  // capped at 1000
}

// Repository is the single shared store used by every subsystem. All
// methods are safe for concurrent use.
type Repository interface {
	// Monitors. The engine treats monitor configs as immutable; the write
	// methods exist for provisioning and tests.
	CreateMonitor(ctx context.Context, m *models.Monitor) error
	UpdateMonitor(ctx context.Context, m *models.Monitor) error
	DeleteMonitor(ctx context.Context, id uuid.UUID) error
	GetMonitor(ctx context.Context, id uuid.UUID) (*models.Monitor, error)
	GetMonitorByName(ctx context.Context, name string) (*models.Monitor, error)
	ListMonitors(ctx context.Context) ([]*models.Monitor, error)
	// ListDueMonitors returns active, started monitors whose state makes
	// them due at asOf: last_check_time unset, or asOf-last >= period.
	// Ordered by severity (critical first), then most overdue first.
	ListDueMonitors(ctx context.Context, asOf time.Time) ([]*models.Monitor, error)

	// Monitor states. PutState is guarded with compare-and-set on the
	// previously observed UpdatedAt; zero prev asserts the state is new.
	GetState(ctx context.Context, monitorID uuid.UUID) (*models.MonitorState, error)
	PutState(ctx context.Context, st *models.MonitorState, prev time.Time) error

	// Samples (append-only).
	AppendSample(ctx context.Context, s *models.Sample) error
	LatestSample(ctx context.Context, monitorID uuid.UUID) (*models.Sample, error)
	LastSamples(ctx context.Context, monitorID uuid.UUID, n int) ([]*models.Sample, error)
	// PruneSamples deletes all but the newest keep samples per monitor and
	// returns the number removed.
	PruneSamples(ctx context.Context, keep int) (int64, error)

	// Alerts. CreateAlert enforces at most one non-terminal alert per
	// monitor and returns ErrConflict otherwise.
	CreateAlert(ctx context.Context, a *models.Alert) error
	UpdateAlert(ctx context.Context, a *models.Alert) error
	GetAlert(ctx context.Context, id uuid.UUID) (*models.Alert, error)
	ActiveAlertByMonitor(ctx context.Context, monitorID uuid.UUID) (*models.Alert, error)
	ListAlerts(ctx context.Context, f AlertFilter) ([]*models.Alert, error)

	// Recovery attempts, embedded in the alert. Append assigns the next
	// dense attempt number and refuses a second running attempt with
	// ErrConflict. Update matches by attempt number.
	AppendRecoveryAttempt(ctx context.Context, alertID uuid.UUID, attempt models.RecoveryAttempt) (int, error)
	UpdateRecoveryAttempt(ctx context.Context, alertID uuid.UUID, attempt models.RecoveryAttempt) error

	// Notification log entries, embedded in the alert. Append persists the
	// entry before any send happens; Update flips its status afterwards,
	// matching by (event_type, channel, recipient).
	AppendNotification(ctx context.Context, alertID uuid.UUID, entry models.NotificationLogEntry) error
	UpdateNotification(ctx context.Context, alertID uuid.UUID, entry models.NotificationLogEntry) error

	// Ping reports whether the store is reachable.
	Ping(ctx context.Context) error
	Close()
}

// MaxAlertList caps ListAlerts results.
const MaxAlertList = 1000
