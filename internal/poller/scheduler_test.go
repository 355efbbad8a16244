package poller

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/argusmon/argus/internal/channels"
	"github.com/argusmon/argus/internal/config"
	"github.com/argusmon/argus/internal/metrics"
	"github.com/argusmon/argus/internal/models"
	"github.com/argusmon/argus/internal/probe"
	"github.com/argusmon/argus/internal/repository"
)

func schedConfig() *config.Config {
	return &config.Config{
		Scheduler: config.SchedulerConfig{
			TickIntervalSeconds:  30,
			WorkerPoolSize:       2,
			ShutdownGraceSeconds: 5,
			JitterMaxMS:          0,
		},
		Retention:     config.RetentionConfig{SamplesPerMonitor: 1000, SweepIntervalMinutes: 60},
		Notifications: config.NotificationsConfig{ReminderIntervalHours: 24},
	}
}

// schedFixture builds a scheduler over a memory store and a fake clock
// pinned to a Monday morning. Tickers never fire unless stepped, so tests
// drive dispatch through ExecuteDue directly.
func schedFixture(t *testing.T, cfg *config.Config) (*Scheduler, *repository.Memory, *channels.EventChannels, *clocktesting.FakeClock) {
	t.Helper()
	repo := repository.NewMemory()
	hub := channels.NewEventChannels(channels.EventChannelsConfig{
		AlertBufferSize: 64, StateBufferSize: 64, ProbeBufferSize: 64,
	})
	clk := clocktesting.NewFakeClock(time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eval := NewEvaluator(repo, hub, clk, logger)
	s := newScheduler(repo, probe.GetRegistry(), eval, hub, cfg, clk, metrics.NewNop(), logger)
	return s, repo, hub, clk
}

func TestSchedulerLifecycle(t *testing.T) {
	ctx := context.Background()
	s, _, _, _ := schedFixture(t, schedConfig())

	if s.IsRunning() {
		t.Fatal("fresh scheduler reports running")
	}
	if err := s.Stop(ctx); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop on stopped scheduler = %v, want ErrNotRunning", err)
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !s.IsRunning() {
		t.Error("scheduler not running after Start")
	}
	if s.StartedAt().IsZero() {
		t.Error("StartedAt is zero after Start")
	}
	if err := s.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}

	if err := s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if s.IsRunning() {
		t.Error("scheduler still running after Stop")
	}
	if s.StoppedAt().IsZero() {
		t.Error("StoppedAt is zero after Stop")
	}

	// The lifecycle is restartable, not one-shot.
	if err := s.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop after restart: %v", err)
	}
}

// A monitor inside its maintenance window is skipped without probing:
// no sample is stored and last_check_time stays unset, so the monitor is
// still due once the window closes.
func TestExecuteDueSkipsMaintenance(t *testing.T) {
	ctx := context.Background()
	s, repo, _, _ := schedFixture(t, schedConfig()) // clock pinned at 09:30

	mon := pollerMonitor("db-primary")
	mon.MaintenanceWindows = []models.MaintenanceWindow{{Start: "09:00", End: "10:00"}}
	if err := repo.CreateMonitor(ctx, mon); err != nil {
		t.Fatalf("CreateMonitor: %v", err)
	}

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop(ctx)

	summary, err := s.ExecuteDue(ctx)
	if err != nil {
		t.Fatalf("ExecuteDue: %v", err)
	}
	if summary.Total != 1 || summary.Executed != 0 || summary.Skipped != 1 {
		t.Errorf("summary = %+v, want total=1 executed=0 skipped=1", summary)
	}
	if len(summary.Results) != 1 || summary.Results[0].Outcome != OutcomeSkippedMaintenance {
		t.Errorf("results = %+v, want one %s", summary.Results, OutcomeSkippedMaintenance)
	}

	if _, err := repo.LatestSample(ctx, mon.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("LatestSample after skip = %v, want ErrNotFound", err)
	}
	st, err := repo.GetState(ctx, mon.ID)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if st.LastCheckTime != nil {
		t.Errorf("last_check_time advanced to %v during maintenance", st.LastCheckTime)
	}
}

// Dispatch decisions are per monitor: an in-flight monitor is skipped, and
// once the queue is full the rest of the batch is skipped too. Workers are
// deliberately not started so the queue never drains mid-test.
func TestExecuteDueDispatchOutcomes(t *testing.T) {
	ctx := context.Background()
	s, repo, _, _ := schedFixture(t, schedConfig())

	first := pollerMonitor("core-router")
	first.Severity = models.SeverityCritical
	second := pollerMonitor("app-server")
	second.Severity = models.SeverityHigh
	third := pollerMonitor("lab-switch")
	third.Severity = models.SeverityLow
	for _, mon := range []*models.Monitor{first, second, third} {
		if err := repo.CreateMonitor(ctx, mon); err != nil {
			t.Fatalf("CreateMonitor(%s): %v", mon.Name, err)
		}
	}

	s.mu.Lock()
	s.phase = lifecycleRunning
	s.pipeline = channels.NewEvalPipeline(channels.EvalPipelineConfig{QueueSize: 1})
	s.mu.Unlock()

	if !s.tryAcquire(second.ID) {
		t.Fatal("could not mark monitor in flight")
	}

	summary, err := s.ExecuteDue(ctx)
	if err != nil {
		t.Fatalf("ExecuteDue: %v", err)
	}
	if summary.Total != 3 || summary.Executed != 1 || summary.Skipped != 2 {
		t.Fatalf("summary = %+v, want total=3 executed=1 skipped=2", summary)
	}
	if summary.Results[0].Name != "core-router" {
		t.Errorf("first dispatched = %s, want the critical monitor", summary.Results[0].Name)
	}

	outcomes := map[string]string{}
	for _, res := range summary.Results {
		outcomes[res.Name] = res.Outcome
	}
	want := map[string]string{
		"core-router": OutcomeExecuted,
		"app-server":  OutcomeSkippedInFlight,
		"lab-switch":  OutcomeSkippedQueueFull,
	}
	for name, outcome := range want {
		if outcomes[name] != outcome {
			t.Errorf("outcome[%s] = %s, want %s", name, outcomes[name], outcome)
		}
	}
}

func TestExecuteNow(t *testing.T) {
	ctx := context.Background()

	t.Run("NotRunning", func(t *testing.T) {
		s, repo, _, _ := schedFixture(t, schedConfig())
		mon := pollerMonitor("idle")
		if err := repo.CreateMonitor(ctx, mon); err != nil {
			t.Fatal(err)
		}
		if _, err := s.ExecuteNow(ctx, mon.ID); !errors.Is(err, ErrNotRunning) {
			t.Errorf("ExecuteNow = %v, want ErrNotRunning", err)
		}
	})

	t.Run("UnknownMonitor", func(t *testing.T) {
		s, _, _, _ := schedFixture(t, schedConfig())
		if err := s.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer s.Stop(ctx)
		if _, err := s.ExecuteNow(ctx, uuid.New()); !errors.Is(err, repository.ErrNotFound) {
			t.Errorf("ExecuteNow = %v, want ErrNotFound", err)
		}
	})

	t.Run("Maintenance", func(t *testing.T) {
		s, repo, _, _ := schedFixture(t, schedConfig())
		mon := pollerMonitor("under-repair")
		mon.MaintenanceWindows = []models.MaintenanceWindow{{Start: "09:00", End: "10:00"}}
		if err := repo.CreateMonitor(ctx, mon); err != nil {
			t.Fatal(err)
		}
		if err := s.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer s.Stop(ctx)
		if _, err := s.ExecuteNow(ctx, mon.ID); !errors.Is(err, ErrMaintenance) {
			t.Errorf("ExecuteNow = %v, want ErrMaintenance", err)
		}
	})

	t.Run("InFlight", func(t *testing.T) {
		s, repo, _, _ := schedFixture(t, schedConfig())
		mon := pollerMonitor("busy")
		if err := repo.CreateMonitor(ctx, mon); err != nil {
			t.Fatal(err)
		}
		if err := s.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer s.Stop(ctx)
		if !s.tryAcquire(mon.ID) {
			t.Fatal("could not mark monitor in flight")
		}
		defer s.release(mon.ID)
		if _, err := s.ExecuteNow(ctx, mon.ID); !errors.Is(err, ErrEvaluationInFlight) {
			t.Errorf("ExecuteNow = %v, want ErrEvaluationInFlight", err)
		}
	})

	t.Run("Success", func(t *testing.T) {
		s, repo, _, clk := schedFixture(t, schedConfig())
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		mon := pollerMonitor("web")
		mon.Check = models.CheckConfig{URL: &models.URLCheck{Target: server.URL + "/health"}}
		if err := repo.CreateMonitor(ctx, mon); err != nil {
			t.Fatal(err)
		}
		if err := s.Start(ctx); err != nil {
			t.Fatal(err)
		}
		defer s.Stop(ctx)

		result, err := s.ExecuteNow(ctx, mon.ID)
		if err != nil {
			t.Fatalf("ExecuteNow: %v", err)
		}
		if result.Status != models.StatusOK || !result.Success {
			t.Errorf("result = %+v, want ok/success", result)
		}

		if _, err := repo.LatestSample(ctx, mon.ID); err != nil {
			t.Errorf("sample was not stored: %v", err)
		}
		st, err := repo.GetState(ctx, mon.ID)
		if err != nil {
			t.Fatalf("GetState: %v", err)
		}
		if st.LastCheckTime == nil || !st.LastCheckTime.Equal(clk.Now()) {
			t.Errorf("last_check_time = %v, want %v", st.LastCheckTime, clk.Now())
		}
	})
}

// Reminders fire for alarm alerts older than the window, at most once per
// window, with the durable notification log as the only memory.
func TestSweepReminders(t *testing.T) {
	ctx := context.Background()
	s, repo, hub, clk := schedFixture(t, schedConfig())
	window := 24 * time.Hour

	mon := pollerMonitor("stale")
	if err := repo.CreateMonitor(ctx, mon); err != nil {
		t.Fatal(err)
	}
	fresh := pollerMonitor("fresh")
	if err := repo.CreateMonitor(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	old := &models.Alert{
		MonitorID:   mon.ID,
		MonitorName: mon.Name,
		Severity:    models.AlertAlarm,
		Status:      models.AlertActive,
		TriggeredAt: clk.Now().Add(-25 * time.Hour),
		Message:     "stale alarm",
	}
	if err := repo.CreateAlert(ctx, old); err != nil {
		t.Fatal(err)
	}
	recent := &models.Alert{
		MonitorID:   fresh.ID,
		MonitorName: fresh.Name,
		Severity:    models.AlertAlarm,
		Status:      models.AlertActive,
		TriggeredAt: clk.Now().Add(-time.Hour),
		Message:     "fresh alarm",
	}
	if err := repo.CreateAlert(ctx, recent); err != nil {
		t.Fatal(err)
	}

	s.sweepReminders(ctx, window)
	signals := drainAlertSignals(hub)
	if len(signals) != 1 {
		t.Fatalf("got %d signals, want 1 reminder", len(signals))
	}
	if signals[0].Event != models.EventReminder || signals[0].Alert.ID != old.ID {
		t.Errorf("signal = %+v, want reminder for the stale alert", signals[0])
	}

	// Log the reminder delivery; the next pass inside the window is quiet.
	entry := models.NotificationLogEntry{
		EventType: models.EventReminder,
		Channel:   models.ChannelEmail,
		Recipient: "oncall@example.net",
		SentAt:    clk.Now(),
		Status:    models.NotifySent,
	}
	if err := repo.AppendNotification(ctx, old.ID, entry); err != nil {
		t.Fatal(err)
	}
	s.sweepReminders(ctx, window)
	if got := drainAlertSignals(hub); len(got) != 0 {
		t.Fatalf("got %d signals inside the window, want 0", len(got))
	}

	// A full window later the alert is reminded again.
	clk.Step(25 * time.Hour)
	s.sweepReminders(ctx, window)
	signals = drainAlertSignals(hub)
	var reminded []uuid.UUID
	for _, sig := range signals {
		if sig.Event == models.EventReminder {
			reminded = append(reminded, sig.Alert.ID)
		}
	}
	if len(reminded) != 2 {
		t.Fatalf("after the window both alarms qualify, got %d reminders", len(reminded))
	}
}

// A warning alert active past the escalation delay gets one supplementary
// escalation round; logging any escalation delivery makes the round final.
func TestSweepEscalations(t *testing.T) {
	ctx := context.Background()
	s, repo, hub, clk := schedFixture(t, schedConfig())

	overdue := pollerMonitor("unattended")
	overdue.Notification.EnableEscalation = true
	overdue.Notification.EscalationDelayMinutes = 30
	fresh := pollerMonitor("just-warned")
	fresh.Notification.EnableEscalation = true
	fresh.Notification.EscalationDelayMinutes = 30
	plain := pollerMonitor("no-policy")
	for _, mon := range []*models.Monitor{overdue, fresh, plain} {
		if err := repo.CreateMonitor(ctx, mon); err != nil {
			t.Fatalf("CreateMonitor(%s): %v", mon.Name, err)
		}
	}

	mkAlert := func(mon *models.Monitor, age time.Duration) *models.Alert {
		al := &models.Alert{
			MonitorID:   mon.ID,
			MonitorName: mon.Name,
			Severity:    models.AlertWarning,
			Status:      models.AlertActive,
			TriggeredAt: clk.Now().Add(-age),
			Message:     mon.Name + " warning",
		}
		if err := repo.CreateAlert(ctx, al); err != nil {
			t.Fatalf("CreateAlert(%s): %v", mon.Name, err)
		}
		return al
	}
	target := mkAlert(overdue, 31*time.Minute)
	mkAlert(fresh, 5*time.Minute)
	mkAlert(plain, 2*time.Hour)

	s.sweepEscalations(ctx)
	signals := drainAlertSignals(hub)
	if len(signals) != 1 {
		t.Fatalf("got %d signals, want 1 escalation", len(signals))
	}
	if signals[0].Event != models.EventEscalated || signals[0].Alert.ID != target.ID {
		t.Errorf("signal = %+v, want escalation for the overdue alert", signals[0])
	}
	if signals[0].Alert.Severity != models.AlertWarning {
		t.Errorf("policy escalation changed severity to %s", signals[0].Alert.Severity)
	}

	// One logged escalation delivery closes the policy for this alert.
	entry := models.NotificationLogEntry{
		EventType: models.EventEscalated,
		Channel:   models.ChannelEmail,
		Recipient: "oncall@example.net",
		SentAt:    clk.Now(),
		Status:    models.NotifySent,
	}
	if err := repo.AppendNotification(ctx, target.ID, entry); err != nil {
		t.Fatal(err)
	}

	// An hour later only the previously fresh alert qualifies; the logged
	// round stays final and the no-policy alert stays quiet.
	clk.Step(time.Hour)
	s.sweepEscalations(ctx)
	signals = drainAlertSignals(hub)
	if len(signals) != 1 {
		t.Fatalf("got %d signals after stepping, want 1", len(signals))
	}
	if signals[0].Alert.ID == target.ID || signals[0].Monitor.Name != "just-warned" {
		t.Errorf("signal = %+v, want escalation for just-warned only", signals[0])
	}
}

func TestJitterCeiling(t *testing.T) {
	cfg := schedConfig()
	cfg.Scheduler.JitterMaxMS = 250
	s, _, _, _ := schedFixture(t, cfg)

	for i := 0; i < 100; i++ {
		j := s.jitter()
		if j < 0 || j >= 250*time.Millisecond {
			t.Fatalf("jitter = %s, want [0, 250ms)", j)
		}
	}

	cfg.Scheduler.JitterMaxMS = 0
	if j := s.jitter(); j != 0 {
		t.Errorf("jitter with zero ceiling = %s, want 0", j)
	}
}
