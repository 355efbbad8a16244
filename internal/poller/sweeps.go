package poller

import (
	"context"
	"time"

	"github.com/argusmon/argus/internal/channels"
	"github.com/argusmon/argus/internal/models"
	"github.com/argusmon/argus/internal/repository"
)

// reminderSweepEvery is how often long-running alerts are re-examined. The
// reminder window itself comes from config.
const reminderSweepEvery = time.Hour

// escalationSweepEvery matches the minute granularity of escalation delays.
const escalationSweepEvery = time.Minute

// retentionSweep periodically prunes samples down to the configured count
// per monitor.
func (s *Scheduler) retentionSweep(ctx context.Context, done <-chan struct{}) {
	defer s.loopWG.Done()

	ticker := s.clock.NewTicker(s.cfg.Retention.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			removed, err := s.repo.PruneSamples(ctx, s.cfg.Retention.SamplesPerMonitor)
			if err != nil {
				s.logger.WarnContext(ctx, "sample prune failed", "error", err)
				continue
			}
			if removed > 0 {
				s.logger.InfoContext(ctx, "pruned samples",
					"removed", removed, "keep", s.cfg.Retention.SamplesPerMonitor)
			}
		}
	}
}

// reminderSweep re-notifies unacknowledged alarm alerts that stay open
// past the reminder window, at most once per window. The durable
// notification log is the source of truth; a pass inside the same window
// finds the logged reminder and stays quiet.
func (s *Scheduler) reminderSweep(ctx context.Context, done <-chan struct{}) {
	defer s.loopWG.Done()

	window := s.cfg.Notifications.ReminderInterval()
	if window <= 0 {
		return // reminders disabled
	}
	ticker := s.clock.NewTicker(reminderSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.sweepReminders(ctx, window)
		}
	}
}

func (s *Scheduler) sweepReminders(ctx context.Context, window time.Duration) {
	now := s.clock.Now()
	severity := models.AlertAlarm
	alerts, err := s.repo.ListAlerts(ctx, repository.AlertFilter{Severity: &severity, OpenOnly: true})
	if err != nil {
		s.logger.WarnContext(ctx, "reminder sweep failed", "error", err)
		return
	}

	for _, al := range alerts {
		if al.Acknowledged() {
			continue
		}
		if now.Sub(al.TriggeredAt) < window {
			continue
		}
		if last := lastReminderAt(al); !last.IsZero() && now.Sub(last) < window {
			continue
		}
		mon, err := s.repo.GetMonitor(ctx, al.MonitorID)
		if err != nil {
			continue // monitor removed from under the alert
		}
		s.hub.PublishAlert(ctx, channels.AlertSignal{
			Event:     models.EventReminder,
			Monitor:   mon,
			Alert:     al,
			Timestamp: now,
		})
	}
}

// lastReminderAt returns the newest reminder delivery time, zero when none.
func lastReminderAt(al *models.Alert) time.Time {
	var last time.Time
	for _, n := range al.NotificationsSent {
		if n.EventType == models.EventReminder && n.SentAt.After(last) {
			last = n.SentAt
		}
	}
	return last
}

// escalationSweep dispatches the single supplementary round for warning
// alerts that stay open and unacknowledged past the monitor's escalation
// delay.
func (s *Scheduler) escalationSweep(ctx context.Context, done <-chan struct{}) {
	defer s.loopWG.Done()

	ticker := s.clock.NewTicker(escalationSweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C():
			s.sweepEscalations(ctx)
		}
	}
}

// sweepEscalations publishes an escalation event per overdue warning alert.
// The notifier's per-tuple log keeps the round single even though the sweep
// keeps finding the alert; a status-driven escalation counts as the round.
func (s *Scheduler) sweepEscalations(ctx context.Context) {
	now := s.clock.Now()
	severity := models.AlertWarning
	alerts, err := s.repo.ListAlerts(ctx, repository.AlertFilter{Severity: &severity, OpenOnly: true})
	if err != nil {
		s.logger.WarnContext(ctx, "escalation sweep failed", "error", err)
		return
	}

	for _, al := range alerts {
		if al.Acknowledged() || hadEscalationRound(al) {
			continue
		}
		mon, err := s.repo.GetMonitor(ctx, al.MonitorID)
		if err != nil {
			continue
		}
		delay := mon.Notification.EscalationDelay()
		if delay <= 0 || now.Sub(al.TriggeredAt) < delay {
			continue
		}
		s.hub.PublishAlert(ctx, channels.AlertSignal{
			Event:     models.EventEscalated,
			Monitor:   mon,
			Alert:     al,
			Timestamp: now,
		})
	}
}

// hadEscalationRound reports whether any escalation delivery was already
// attempted for this alert.
func hadEscalationRound(al *models.Alert) bool {
	for _, n := range al.NotificationsSent {
		if n.EventType == models.EventEscalated {
			return true
		}
	}
	return false
}
