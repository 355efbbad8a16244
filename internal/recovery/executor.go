// Package recovery runs a monitor's recovery action against an open alert.
// At most one attempt per alert runs at a time; the repository's append
// guard serializes concurrent triggers.
package recovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/argusmon/argus/internal/config"
	"github.com/argusmon/argus/internal/metrics"
	"github.com/argusmon/argus/internal/models"
	"github.com/argusmon/argus/internal/repository"
)

var (
	// ErrNoAction is returned for monitors without a recovery action.
	ErrNoAction = errors.New("monitor has no recovery action")
	// ErrInProgress is returned when an attempt is already running.
	ErrInProgress = errors.New("recovery already in progress")
	// ErrExhausted is returned once the per-alert attempt cap is reached.
	ErrExhausted = errors.New("recovery attempts exhausted")
	// ErrAlertClosed is returned for alerts that already recovered.
	ErrAlertClosed = errors.New("alert already recovered")
)

// closeGrace bounds the bookkeeping writes that settle a finished attempt.
const closeGrace = 10 * time.Second

// Executor opens, runs, and settles recovery attempts. One per engine.
type Executor struct {
	repo    repository.Repository
	cfg     config.RecoveryConfig
	metrics *metrics.Metrics
	clock   clock.Clock
	logger  *slog.Logger

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc

	wg sync.WaitGroup
}

// NewExecutor creates a recovery executor.
func NewExecutor(repo repository.Repository, cfg config.RecoveryConfig, m *metrics.Metrics, clk clock.Clock, logger *slog.Logger) *Executor {
	return &Executor{
		repo:    repo,
		cfg:     cfg,
		metrics: m,
		clock:   clk,
		logger:  logger.With("component", "recovery"),
		cancels: make(map[uuid.UUID]context.CancelFunc),
	}
}

// TriggerRecovery opens a recovery attempt for the alert and runs the
// monitor's action in the background. Returns the attempt number.
// Idempotent under concurrency: when an attempt is already running every
// other caller gets ErrInProgress.
func (e *Executor) TriggerRecovery(ctx context.Context, alertID uuid.UUID) (int, error) {
	al, err := e.repo.GetAlert(ctx, alertID)
	if err != nil {
		return 0, fmt.Errorf("load alert: %w", err)
	}
	if al.Status.Terminal() {
		return 0, fmt.Errorf("alert %s: %w", alertID, ErrAlertClosed)
	}

	mon, err := e.repo.GetMonitor(ctx, al.MonitorID)
	if err != nil {
		return 0, fmt.Errorf("load monitor: %w", err)
	}
	if mon.RecoveryAction == "" {
		return 0, fmt.Errorf("monitor %s: %w", mon.Name, ErrNoAction)
	}
	if len(al.RecoveryAttempts) >= e.cfg.MaxAttempts {
		return 0, fmt.Errorf("alert %s after %d attempts: %w", alertID, len(al.RecoveryAttempts), ErrExhausted)
	}

	attempt := models.RecoveryAttempt{
		Action:    mon.RecoveryAction,
		StartedAt: e.clock.Now(),
		Status:    models.RecoveryRunning,
	}
	// The append is the serialization point: it refuses a second running
	// attempt, so exactly one concurrent caller proceeds past here.
	n, err := e.repo.AppendRecoveryAttempt(ctx, alertID, attempt)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return 0, fmt.Errorf("alert %s: %w", alertID, ErrInProgress)
		}
		return 0, fmt.Errorf("open recovery attempt: %w", err)
	}
	attempt.AttemptNumber = n

	// Re-read so the status flip writes the row that includes the attempt.
	if fresh, err := e.repo.GetAlert(ctx, alertID); err == nil {
		fresh.Status = models.AlertInRecovery
		if err := e.repo.UpdateAlert(ctx, fresh); err != nil {
			e.logger.WarnContext(ctx, "alert status flip failed",
				"alert_id", alertID, "error", err)
		}
	}

	startedAt := attempt.StartedAt
	if err := e.mutateState(ctx, mon.ID, func(st *models.MonitorState) {
		st.RecoveryInProgress = true
		st.RecoveryAttemptCount = n
		st.LastRecoveryAttempt = &startedAt
	}); err != nil {
		e.logger.WarnContext(ctx, "recovery state bookkeeping failed",
			"monitor_id", mon.ID, "error", err)
	}

	e.wg.Add(1)
	go e.run(alertID, mon, attempt)
	return n, nil
}

// Shutdown cancels running attempts and waits for their bookkeeping to
// land, up to the context deadline.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes the action and settles the attempt. Bookkeeping runs on a
// fresh context so a cancelled run still closes its attempt.
func (e *Executor) run(alertID uuid.UUID, mon *models.Monitor, attempt models.RecoveryAttempt) {
	defer e.wg.Done()

	execCtx, cancel := context.WithTimeout(context.Background(), e.cfg.Timeout())
	e.track(alertID, cancel)
	defer e.untrack(alertID)

	e.logger.Info("recovery attempt started",
		"alert_id", alertID,
		"monitor", mon.Name,
		"attempt", attempt.AttemptNumber,
		"action", mon.RecoveryAction)

	cmd := exec.CommandContext(execCtx, "sh", "-c", mon.RecoveryAction)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	runErr := cmd.Run()

	completed := e.clock.Now()
	attempt.CompletedAt = &completed
	attempt.Logs = truncateOutput(output.Bytes(), e.cfg.OutputCap())

	switch {
	case runErr == nil:
		attempt.Status = models.RecoverySuccess
	case errors.Is(execCtx.Err(), context.DeadlineExceeded):
		attempt.Status = models.RecoveryFailed
		attempt.ErrorMessage = fmt.Sprintf("timed out after %v", e.cfg.Timeout())
	case errors.Is(execCtx.Err(), context.Canceled):
		attempt.Status = models.RecoveryFailed
		attempt.ErrorMessage = "cancelled during shutdown"
	default:
		attempt.Status = models.RecoveryFailed
		attempt.ErrorMessage = runErr.Error()
	}

	wctx, wcancel := context.WithTimeout(context.Background(), closeGrace)
	defer wcancel()

	if err := e.repo.UpdateRecoveryAttempt(wctx, alertID, attempt); err != nil {
		e.logger.ErrorContext(wctx, "recovery attempt close failed",
			"alert_id", alertID, "attempt", attempt.AttemptNumber, "error", err)
	}

	// The alert stays in_recovery; only the state machine closes the
	// episode, once the checks come back healthy.
	if err := e.mutateState(wctx, mon.ID, func(st *models.MonitorState) {
		st.RecoveryInProgress = false
	}); err != nil {
		e.logger.WarnContext(wctx, "recovery state bookkeeping failed",
			"monitor_id", mon.ID, "error", err)
	}

	e.metrics.RecoveryRuns.WithLabelValues(string(attempt.Status)).Inc()

	log := e.logger.Info
	if attempt.Status == models.RecoveryFailed {
		log = e.logger.Warn
	}
	log("recovery attempt finished",
		"alert_id", alertID,
		"monitor", mon.Name,
		"attempt", attempt.AttemptNumber,
		"status", attempt.Status,
		"error", attempt.ErrorMessage)

	if attempt.Status == models.RecoveryFailed && attempt.AttemptNumber >= e.cfg.MaxAttempts {
		e.logger.Warn("recovery exhausted",
			"alert_id", alertID, "monitor", mon.Name, "attempts", attempt.AttemptNumber)
	}
}

func (e *Executor) track(alertID uuid.UUID, cancel context.CancelFunc) {
	e.mu.Lock()
	e.cancels[alertID] = cancel
	e.mu.Unlock()
}

func (e *Executor) untrack(alertID uuid.UUID) {
	e.mu.Lock()
	cancel := e.cancels[alertID]
	delete(e.cancels, alertID)
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// mutateState applies fn to the current state row and writes it back,
// retrying when a concurrent evaluator write lands first.
func (e *Executor) mutateState(ctx context.Context, monitorID uuid.UUID, fn func(*models.MonitorState)) error {
	for i := 0; i < 3; i++ {
		st, err := e.repo.GetState(ctx, monitorID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil // no state row yet; the next evaluation rebuilds it
			}
			return err
		}
		prev := st.UpdatedAt
		fn(st)
		err = e.repo.PutState(ctx, st, prev)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("state for monitor %s: %w", monitorID, repository.ErrConflict)
}

func truncateOutput(b []byte, limit int) string {
	if limit > 0 && len(b) > limit {
		return string(b[:limit]) + "\n[output truncated]"
	}
	return string(b)
}
