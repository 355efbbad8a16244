// Package notify fans alert lifecycle events out to the configured
// channels. Delivery is at-most-once per (alert, event, channel, recipient):
// the durable notifications_sent log is written before any transport is
// touched, and a logged tuple is never attempted again.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	cache "github.com/patrickmn/go-cache"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/argusmon/argus/internal/channels"
	"github.com/argusmon/argus/internal/config"
	"github.com/argusmon/argus/internal/metrics"
	"github.com/argusmon/argus/internal/models"
	"github.com/argusmon/argus/internal/recovery"
	"github.com/argusmon/argus/internal/repository"
)

// maxParallelSends bounds concurrent transport calls within one fan-out.
const maxParallelSends = 4

// Dedup cache lifetimes. The cache only short-circuits repeats arriving
// within a few ticks; the durable log stays the source of truth. Both are
// far below the minimum reminder window (1h) so no legitimate resend is
// ever suppressed.
const (
	dedupCacheTTL   = 10 * time.Minute
	dedupCachePurge = 30 * time.Minute
)

// RecoveryTrigger starts a recovery attempt for an alert. Implemented by
// the recovery executor; swapped for a stub in tests.
type RecoveryTrigger interface {
	TriggerRecovery(ctx context.Context, alertID uuid.UUID) (int, error)
}

// Notifier consumes alert signals and delivers them to every resolved
// (recipient, channel) pair. One Notifier runs per engine.
type Notifier struct {
	repo    repository.Repository
	cfg     config.NotificationsConfig
	senders map[models.Channel]Sender
	metrics *metrics.Metrics
	clock   clock.Clock
	logger  *slog.Logger

	// recent short-circuits tuples already handled moments ago, saving a
	// repository read per duplicate signal.
	recent *cache.Cache

	recovery RecoveryTrigger

	mu        sync.Mutex
	isStarted bool
	done      chan struct{}
	wg        sync.WaitGroup
}

// target is one resolved delivery.
type target struct {
	ch        models.Channel
	recipient string
}

// New builds a notifier with the default transport per channel. The call
// channel has no voice transport and rides the SMS gateway.
func New(repo repository.Repository, cfg config.NotificationsConfig, m *metrics.Metrics, clk clock.Clock, logger *slog.Logger) *Notifier {
	return &Notifier{
		repo: repo,
		cfg:  cfg,
		senders: map[models.Channel]Sender{
			models.ChannelEmail:   NewEmailSender(cfg.SMTP),
			models.ChannelSMS:     NewGatewaySender(models.ChannelSMS, cfg.SMSGatewayURL),
			models.ChannelCall:    NewGatewaySender(models.ChannelCall, cfg.SMSGatewayURL),
			models.ChannelWebhook: NewGatewaySender(models.ChannelWebhook, cfg.WebhookGatewayURL),
			models.ChannelSlack:   NewSlackSender(cfg.SlackWebhookURL),
		},
		metrics: m,
		clock:   clk,
		logger:  logger.With("component", "notifier"),
		recent:  cache.New(dedupCacheTTL, dedupCachePurge),
	}
}

// SetSender replaces the transport for one channel.
func (n *Notifier) SetSender(ch models.Channel, s Sender) {
	n.senders[ch] = s
}

// SetRecoveryTrigger wires the recovery executor. Alarm-grade trigger and
// escalation events then start recovery automatically when the monitor
// carries a recovery action.
func (n *Notifier) SetRecoveryTrigger(rt RecoveryTrigger) {
	n.recovery = rt
}

// Start begins consuming alert signals from the hub.
func (n *Notifier) Start(ctx context.Context, hub *channels.EventChannels) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.isStarted {
		return fmt.Errorf("notifier already started")
	}
	n.isStarted = true
	n.done = make(chan struct{})

	n.wg.Add(1)
	go n.consume(ctx, hub)
	return nil
}

// Stop halts consumption and waits for the in-flight dispatch to finish.
func (n *Notifier) Stop() {
	n.mu.Lock()
	if !n.isStarted {
		n.mu.Unlock()
		return
	}
	n.isStarted = false
	close(n.done)
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *Notifier) consume(ctx context.Context, hub *channels.EventChannels) {
	defer n.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-n.done:
			return
		case sig, ok := <-hub.Alerts:
			if !ok {
				return
			}
			n.Dispatch(ctx, sig)
		}
	}
}

// Dispatch fans one alert event out to every resolved pair. Safe to call
// with a stale alert snapshot: the durable log is re-read first and decides
// what still needs sending.
func (n *Notifier) Dispatch(ctx context.Context, sig channels.AlertSignal) {
	mon, al := sig.Monitor, sig.Alert
	if mon == nil || al == nil {
		return
	}

	switch sig.Event {
	case models.EventTriggered:
		n.metrics.ActiveAlerts.Inc()
	case models.EventRecovered:
		n.metrics.ActiveAlerts.Dec()
	}

	// Fresh copy: dedup decisions must run against the persisted log, not
	// the snapshot captured at publish time.
	if fresh, err := n.repo.GetAlert(ctx, al.ID); err == nil {
		al = fresh
	} else if errors.Is(err, repository.ErrNotFound) {
		n.logger.WarnContext(ctx, "alert vanished before dispatch",
			"alert_id", al.ID, "event", sig.Event)
		return
	}

	targets := n.plan(sig.Event, mon, al)
	if len(targets) > 0 {
		subject, text, html, err := render(sig.Event, mon, al, sig.Timestamp)
		if err != nil {
			n.logger.ErrorContext(ctx, "notification render failed",
				"alert_id", al.ID, "event", sig.Event, "error", err)
			return
		}

		var g errgroup.Group
		g.SetLimit(maxParallelSends)
		errs := make([]error, len(targets))
		for i, t := range targets {
			i, t := i, t
			g.Go(func() error {
				errs[i] = n.deliver(ctx, sig.Event, mon, al, t, subject, text, html)
				return nil
			})
		}
		_ = g.Wait() // closures report through errs, never the group

		if err := multierr.Combine(errs...); err != nil {
			n.logger.WarnContext(ctx, "notification fan-out finished with failures",
				"alert_id", al.ID, "event", sig.Event,
				"targets", len(targets), "error", err)
		} else {
			n.logger.InfoContext(ctx, "notifications dispatched",
				"alert_id", al.ID, "event", sig.Event, "targets", len(targets))
		}
	}

	n.maybeTriggerRecovery(ctx, sig.Event, mon, al)
}

// plan resolves the (recipient, channel) pairs still owed a delivery for
// this event, dropping tuples already present in the durable log.
func (n *Notifier) plan(event models.AlertEvent, mon *models.Monitor, al *models.Alert) []target {
	now := n.clock.Now()
	var out []target
	seen := make(map[string]struct{})
	for i := range mon.AlarmingCandidates {
		cand := &mon.AlarmingCandidates[i]
		for _, ch := range n.channelsFor(event, cand, mon, al) {
			addr := cand.Address(ch)
			if addr == "" {
				continue
			}
			key := dedupKey(al.ID, event, ch, addr)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			// Reminders repeat across windows, so they skip the hot cache
			// and rely on the timestamped durable log alone.
			if event != models.EventReminder {
				if _, hot := n.recent.Get(key); hot {
					continue
				}
			}
			if n.attempted(event, al, ch, addr, now) {
				continue
			}
			out = append(out, target{ch: ch, recipient: addr})
		}
	}
	return out
}

// channelsFor resolves the channel set for one recipient. Escalation
// events notify the union of the warning and alarm sets so nobody who
// heard the warning misses the upgrade.
func (n *Notifier) channelsFor(event models.AlertEvent, cand *models.AlarmingCandidate, mon *models.Monitor, al *models.Alert) []models.Channel {
	if event == models.EventEscalated {
		return lo.Union(
			cand.ChannelsFor(models.AlertWarning, mon.Notification),
			cand.ChannelsFor(models.AlertAlarm, mon.Notification),
		)
	}
	return cand.ChannelsFor(al.Severity, mon.Notification)
}

// attempted reports whether the durable log already covers this tuple. For
// reminders only entries inside the current window block; an entry from an
// earlier window is a separate tuple.
func (n *Notifier) attempted(event models.AlertEvent, al *models.Alert, ch models.Channel, addr string, now time.Time) bool {
	if event != models.EventReminder {
		return al.HasNotification(event, ch, addr)
	}
	window := n.cfg.ReminderInterval()
	for _, entry := range al.NotificationsSent {
		if entry.EventType != event || entry.Channel != ch || entry.Recipient != addr {
			continue
		}
		if window <= 0 || now.Sub(entry.SentAt) < window {
			return true
		}
	}
	return false
}

// deliver appends the pending log entry, sends, then settles the entry.
// The append is the dedup commit point: once it lands, this tuple is never
// attempted again regardless of transport outcome.
func (n *Notifier) deliver(ctx context.Context, event models.AlertEvent, mon *models.Monitor, al *models.Alert, t target, subject, text, html string) error {
	sender, ok := n.senders[t.ch]
	if !ok || sender == nil {
		return fmt.Errorf("no sender for channel %s", t.ch)
	}

	entry := models.NotificationLogEntry{
		EventType: event,
		Channel:   t.ch,
		Recipient: t.recipient,
		SentAt:    n.clock.Now(),
		Status:    models.NotifyPending,
	}
	if err := n.repo.AppendNotification(ctx, al.ID, entry); err != nil {
		return fmt.Errorf("record notification for %s/%s: %w", t.ch, t.recipient, err)
	}
	if event != models.EventReminder {
		n.recent.Set(dedupKey(al.ID, event, t.ch, t.recipient), struct{}{}, cache.DefaultExpiration)
	}

	msgID, sendErr := sender.Send(ctx, &Payload{
		Event:     event,
		Channel:   t.ch,
		Recipient: t.recipient,
		Subject:   subject,
		Text:      text,
		HTML:      html,
		Monitor:   mon,
		Alert:     al,
	})

	entry.SentAt = n.clock.Now()
	if sendErr != nil {
		entry.Status = models.NotifyFailed
		entry.ErrorMessage = sendErr.Error()
	} else {
		entry.Status = models.NotifySent
		entry.MessageID = msgID
	}
	n.metrics.Notifications.WithLabelValues(string(t.ch), string(entry.Status)).Inc()

	if err := n.repo.UpdateNotification(ctx, al.ID, entry); err != nil {
		n.logger.ErrorContext(ctx, "notification status write failed",
			"alert_id", al.ID, "event", event, "channel", t.ch,
			"recipient", t.recipient, "error", err)
	}

	if sendErr != nil {
		n.logger.WarnContext(ctx, "notification delivery failed",
			"alert_id", al.ID, "event", event, "channel", t.ch,
			"recipient", t.recipient, "error", sendErr)
		return fmt.Errorf("%s to %s: %w", t.ch, t.recipient, sendErr)
	}
	return nil
}

// maybeTriggerRecovery starts the recovery loop for alarm-grade trigger
// and escalation events. Refusals (already running, exhausted, closed) are
// normal outcomes, not errors.
func (n *Notifier) maybeTriggerRecovery(ctx context.Context, event models.AlertEvent, mon *models.Monitor, al *models.Alert) {
	if n.recovery == nil || mon.RecoveryAction == "" {
		return
	}
	if event != models.EventTriggered && event != models.EventEscalated {
		return
	}
	if al.Severity != models.AlertAlarm {
		return
	}
	if _, err := n.recovery.TriggerRecovery(ctx, al.ID); err != nil {
		switch {
		case errors.Is(err, recovery.ErrInProgress),
			errors.Is(err, recovery.ErrExhausted),
			errors.Is(err, recovery.ErrAlertClosed),
			errors.Is(err, recovery.ErrNoAction):
			n.logger.DebugContext(ctx, "recovery not started",
				"alert_id", al.ID, "reason", err)
		default:
			n.logger.WarnContext(ctx, "recovery trigger failed",
				"alert_id", al.ID, "error", err)
		}
	}
}

func dedupKey(alertID uuid.UUID, event models.AlertEvent, ch models.Channel, addr string) string {
	return alertID.String() + "|" + string(event) + "|" + string(ch) + "|" + addr
}
