package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/argusmon/argus/internal/channels"
	"github.com/argusmon/argus/internal/models"
	"github.com/argusmon/argus/internal/probe"
	"github.com/argusmon/argus/internal/repository"
)

// recomputeDepth bounds how many recent samples a state rebuild inspects.
const recomputeDepth = 50

// Evaluator folds probe samples into monitor state and alerts. All
// transitions for one monitor are serialized by a per-monitor mutex;
// different monitors proceed in parallel.
type Evaluator struct {
	repo   repository.Repository
	hub    *channels.EventChannels
	clock  clock.Clock
	logger *slog.Logger

	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewEvaluator creates an evaluator over the given repository and event hub.
func NewEvaluator(repo repository.Repository, hub *channels.EventChannels, clk clock.Clock, logger *slog.Logger) *Evaluator {
	return &Evaluator{
		repo:   repo,
		hub:    hub,
		clock:  clk,
		logger: logger.With("component", "evaluator"),
		locks:  make(map[uuid.UUID]*sync.Mutex),
	}
}

// lockMonitor returns the mutex serializing transitions for one monitor,
// creating it on first use.
func (e *Evaluator) lockMonitor(id uuid.UUID) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	return l
}

// Evaluate persists one sample and advances the monitor's state machine.
// Writes happen in the crash-safe order sample, alert, state; a missing
// state row is therefore always recomputable from what did land.
func (e *Evaluator) Evaluate(ctx context.Context, mon *models.Monitor, sample *models.Sample) error {
	l := e.lockMonitor(mon.ID)
	l.Lock()
	defer l.Unlock()

	if err := e.repo.AppendSample(ctx, sample); err != nil {
		return fmt.Errorf("append sample: %w", err)
	}

	if sample.Status == models.StatusError {
		kind, _ := sample.Metadata.String(probe.MetaErrorKind)
		e.hub.PublishProbeTrouble(channels.ProbeTroubleEvent{
			MonitorID:   mon.ID,
			MonitorName: mon.Name,
			Type:        mon.Type,
			Kind:        kind,
			Error:       sample.ErrorMessage,
			Timestamp:   e.clock.Now(),
		})
	}

	// A state CAS conflict means another writer advanced the row; re-read
	// once and fold the sample into the fresh copy. A second conflict drops
	// this sample's counter update, the next sample re-counts.
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		err := e.apply(ctx, mon, sample)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrConflict) {
			return err
		}
		lastErr = err
	}
	e.logger.WarnContext(ctx, "state write kept conflicting, dropping counter update",
		"monitor_id", mon.ID, "monitor", mon.Name, "error", lastErr)
	return nil
}

// apply runs one counter update plus transition pass against fresh state.
func (e *Evaluator) apply(ctx context.Context, mon *models.Monitor, sample *models.Sample) error {
	st, prev, err := e.loadState(ctx, mon.ID)
	if err != nil {
		return err
	}
	oldStatus := st.CurrentStatus

	if sample.Status.Failure() {
		st.ConsecutiveFailures++
		st.ConsecutiveSuccesses = 0
	} else {
		st.ConsecutiveSuccesses++
		st.ConsecutiveFailures = 0
	}
	ts := sample.Timestamp
	st.LastCheckTime = &ts
	st.LastValue = sample.Value
	st.LastError = sample.ErrorMessage

	al, err := e.activeAlert(ctx, mon.ID)
	if err != nil {
		return err
	}

	now := e.clock.Now()
	hardFailure := sample.Status == models.StatusAlarm || sample.Status == models.StatusError

	switch {
	// Open a warning alert.
	case al == nil && sample.Status == models.StatusWarning && st.ConsecutiveFailures >= mon.ConsecutiveWarning:
		al = e.newAlert(mon, sample, st, models.AlertWarning, now)
		if err := e.repo.CreateAlert(ctx, al); err != nil {
			return fmt.Errorf("create alert: %w", err)
		}
		st.ActiveAlertID = &al.ID
		st.RecoveryInProgress = false
		st.RecoveryAttemptCount = 0
		e.publishAlert(ctx, models.EventTriggered, mon, al, now)

	// Escalate an open warning alert to alarm severity.
	case al != nil && al.Severity == models.AlertWarning && hardFailure && st.ConsecutiveFailures >= mon.ConsecutiveAlarm:
		al.Severity = models.AlertAlarm
		al.CurrentValue = sample.Value
		al.ThresholdValue = crossedThreshold(mon, sample)
		al.ConsecutiveFailures = st.ConsecutiveFailures
		al.Message = alertMessage(mon, sample, models.AlertAlarm, st.ConsecutiveFailures)
		if err := e.repo.UpdateAlert(ctx, al); err != nil {
			return fmt.Errorf("escalate alert: %w", err)
		}
		e.publishAlert(ctx, models.EventEscalated, mon, al, now)

	// Open an alarm alert directly.
	case al == nil && hardFailure && st.ConsecutiveFailures >= mon.ConsecutiveAlarm:
		al = e.newAlert(mon, sample, st, models.AlertAlarm, now)
		if err := e.repo.CreateAlert(ctx, al); err != nil {
			return fmt.Errorf("create alert: %w", err)
		}
		st.ActiveAlertID = &al.ID
		st.RecoveryInProgress = false
		st.RecoveryAttemptCount = 0
		e.publishAlert(ctx, models.EventTriggered, mon, al, now)

	// Close the alert after enough consecutive successes.
	case al != nil && st.ConsecutiveSuccesses >= mon.ResetAfterOK:
		al.Status = models.AlertRecovered
		al.RecoveredAt = &now
		if err := e.repo.UpdateAlert(ctx, al); err != nil {
			return fmt.Errorf("recover alert: %w", err)
		}
		st.ActiveAlertID = nil
		st.RecoveryInProgress = false
		e.publishAlert(ctx, models.EventRecovered, mon, al, now)
		al = nil
	}

	if al != nil {
		st.CurrentStatus = statusForAlert(al.Severity)
	} else {
		st.CurrentStatus = sample.Status
	}

	if err := e.repo.PutState(ctx, st, prev); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return err
		}
		return fmt.Errorf("write state: %w", err)
	}

	if st.CurrentStatus != oldStatus {
		e.hub.PublishStateChange(channels.StateChangeEvent{
			MonitorID:   mon.ID,
			MonitorName: mon.Name,
			OldStatus:   oldStatus,
			NewStatus:   st.CurrentStatus,
			Failures:    st.ConsecutiveFailures,
			Timestamp:   now,
		})
	}
	return nil
}

// RecomputeState rebuilds a missing state row from the open alert and the
// most recent samples. Run once per monitor on engine start; a crash
// between the alert write and the state write leaves exactly this gap.
// Reports whether a rebuild happened.
func (e *Evaluator) RecomputeState(ctx context.Context, mon *models.Monitor) (bool, error) {
	l := e.lockMonitor(mon.ID)
	l.Lock()
	defer l.Unlock()

	_, err := e.repo.GetState(ctx, mon.ID)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return false, fmt.Errorf("load state: %w", err)
	}

	st := models.NewMonitorState(mon.ID)

	samples, err := e.repo.LastSamples(ctx, mon.ID, recomputeDepth)
	if err != nil {
		return false, fmt.Errorf("load samples: %w", err)
	}
	if len(samples) > 0 {
		newest := samples[0]
		ts := newest.Timestamp
		st.LastCheckTime = &ts
		st.LastValue = newest.Value
		st.LastError = newest.ErrorMessage
		st.CurrentStatus = newest.Status
		for _, s := range samples {
			if s.Status.Failure() != newest.Status.Failure() {
				break
			}
			if s.Status.Failure() {
				st.ConsecutiveFailures++
			} else {
				st.ConsecutiveSuccesses++
			}
		}
	}

	al, err := e.activeAlert(ctx, mon.ID)
	if err != nil {
		return false, err
	}
	if al != nil {
		st.ActiveAlertID = &al.ID
		st.CurrentStatus = statusForAlert(al.Severity)
		st.RecoveryAttemptCount = len(al.RecoveryAttempts)
		if running := al.RunningAttempt(); running != nil {
			st.RecoveryInProgress = true
			startedAt := running.StartedAt
			st.LastRecoveryAttempt = &startedAt
		} else if n := len(al.RecoveryAttempts); n > 0 {
			startedAt := al.RecoveryAttempts[n-1].StartedAt
			st.LastRecoveryAttempt = &startedAt
		}
	}

	if err := e.repo.PutState(ctx, st, time.Time{}); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return false, nil // lost the race to a concurrent writer
		}
		return false, fmt.Errorf("write state: %w", err)
	}
	e.logger.InfoContext(ctx, "recomputed monitor state",
		"monitor_id", mon.ID,
		"monitor", mon.Name,
		"consecutive_failures", st.ConsecutiveFailures,
		"consecutive_successes", st.ConsecutiveSuccesses,
		"active_alert", st.ActiveAlertID != nil)
	return true, nil
}

func (e *Evaluator) loadState(ctx context.Context, id uuid.UUID) (*models.MonitorState, time.Time, error) {
	st, err := e.repo.GetState(ctx, id)
	switch {
	case err == nil:
		return st, st.UpdatedAt, nil
	case errors.Is(err, repository.ErrNotFound):
		return models.NewMonitorState(id), time.Time{}, nil
	default:
		return nil, time.Time{}, fmt.Errorf("load state: %w", err)
	}
}

func (e *Evaluator) activeAlert(ctx context.Context, id uuid.UUID) (*models.Alert, error) {
	al, err := e.repo.ActiveAlertByMonitor(ctx, id)
	switch {
	case err == nil:
		return al, nil
	case errors.Is(err, repository.ErrNotFound):
		return nil, nil
	default:
		return nil, fmt.Errorf("load active alert: %w", err)
	}
}

func (e *Evaluator) newAlert(mon *models.Monitor, sample *models.Sample, st *models.MonitorState, severity models.AlertSeverity, now time.Time) *models.Alert {
	return &models.Alert{
		MonitorID:           mon.ID,
		MonitorName:         mon.Name,
		Severity:            severity,
		Status:              models.AlertActive,
		TriggeredAt:         now,
		CurrentValue:        sample.Value,
		ThresholdValue:      crossedThreshold(mon, sample),
		ConsecutiveFailures: st.ConsecutiveFailures,
		Message:             alertMessage(mon, sample, severity, st.ConsecutiveFailures),
		Metadata:            alertMetadata(sample),
	}
}

// publishAlert hands the lifecycle event to the notifier. The publish sits
// between the alert write and the state write so a state CAS conflict
// cannot swallow a notification; the notifier's dedup log absorbs the rare
// duplicate.
func (e *Evaluator) publishAlert(ctx context.Context, event models.AlertEvent, mon *models.Monitor, al *models.Alert, now time.Time) {
	delivered := e.hub.PublishAlert(ctx, channels.AlertSignal{
		Event:     event,
		Monitor:   mon,
		Alert:     al,
		Timestamp: now,
	})
	if !delivered {
		e.logger.WarnContext(ctx, "alert event not delivered, hub shutting down",
			"monitor_id", mon.ID, "alert_id", al.ID, "event", event)
	}
}

func statusForAlert(sev models.AlertSeverity) models.SampleStatus {
	if sev == models.AlertAlarm {
		return models.StatusAlarm
	}
	return models.StatusWarning
}

// alertMessage renders the deterministic alert line. Certificate and log
// probes supply their own wording through sample metadata.
func alertMessage(mon *models.Monitor, sample *models.Sample, severity models.AlertSeverity, failures int) string {
	if msg, ok := sample.Metadata.String(probe.MetaMessage); ok && msg != "" {
		return msg
	}
	return fmt.Sprintf("%s %s: value=%s threshold=%s after %d failures",
		mon.Name, severity, formatValue(sample.Value), formatValue(crossedThreshold(mon, sample)), failures)
}

func formatValue(v *float64) string {
	if v == nil {
		return "null"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func crossedThreshold(mon *models.Monitor, sample *models.Sample) *float64 {
	if sample.Value == nil {
		return nil
	}
	return mon.Thresholds.Crossed(*sample.Value, sample.Status)
}

func alertMetadata(sample *models.Sample) models.Metadata {
	if len(sample.Metadata) == 0 {
		return nil
	}
	md := make(models.Metadata, len(sample.Metadata))
	for k, v := range sample.Metadata {
		md[k] = v
	}
	return md
}
