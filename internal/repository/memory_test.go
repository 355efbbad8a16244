package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/argusmon/argus/internal/models"
)

func testMonitor(name string) *models.Monitor {
	return &models.Monitor{
		Name:               name,
		Type:               models.TypeURL,
		PeriodMinutes:      5,
		TimeoutSeconds:     10,
		Active:             true,
		Running:            true,
		Severity:           models.SeverityHigh,
		ConsecutiveWarning: 2,
		ConsecutiveAlarm:   3,
		ResetAfterOK:       2,
		Check:              models.CheckConfig{URL: &models.URLCheck{Target: "https://example.com/health"}},
	}
}

func testAlert(monitorID uuid.UUID, name string, at time.Time) *models.Alert {
	return &models.Alert{
		MonitorID:   monitorID,
		MonitorName: name,
		Severity:    models.AlertAlarm,
		Status:      models.AlertActive,
		TriggeredAt: at,
		Message:     name + " alarm: value=12.00 threshold=10.00 after 3 failures",
	}
}

func TestMonitorCRUD(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()

	mon := testMonitor("api-gateway")
	if err := repo.CreateMonitor(ctx, mon); err != nil {
		t.Fatalf("CreateMonitor: %v", err)
	}
	if mon.ID == uuid.Nil {
		t.Fatal("CreateMonitor did not assign an ID")
	}
	if mon.CreatedAt.IsZero() || mon.UpdatedAt.IsZero() {
		t.Fatal("CreateMonitor did not stamp timestamps")
	}

	if err := repo.CreateMonitor(ctx, testMonitor("api-gateway")); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate name: got %v, want ErrConflict", err)
	}

	got, err := repo.GetMonitor(ctx, mon.ID)
	if err != nil {
		t.Fatalf("GetMonitor: %v", err)
	}
	if got.Name != "api-gateway" {
		t.Errorf("GetMonitor name = %q", got.Name)
	}

	byName, err := repo.GetMonitorByName(ctx, "api-gateway")
	if err != nil {
		t.Fatalf("GetMonitorByName: %v", err)
	}
	if byName.ID != mon.ID {
		t.Errorf("GetMonitorByName id = %s, want %s", byName.ID, mon.ID)
	}

	if _, err := repo.GetMonitor(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetMonitor unknown: got %v, want ErrNotFound", err)
	}

	other := testMonitor("billing")
	if err := repo.CreateMonitor(ctx, other); err != nil {
		t.Fatalf("CreateMonitor: %v", err)
	}

	// Renaming onto an existing name must be refused.
	renamed := *other
	renamed.Name = "api-gateway"
	if err := repo.UpdateMonitor(ctx, &renamed); !errors.Is(err, ErrConflict) {
		t.Fatalf("rename collision: got %v, want ErrConflict", err)
	}

	renamed.Name = "billing-v2"
	if err := repo.UpdateMonitor(ctx, &renamed); err != nil {
		t.Fatalf("UpdateMonitor: %v", err)
	}
	if _, err := repo.GetMonitorByName(ctx, "billing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("old name still resolves after rename: %v", err)
	}
	if _, err := repo.GetMonitorByName(ctx, "billing-v2"); err != nil {
		t.Fatalf("new name does not resolve: %v", err)
	}

	missing := testMonitor("ghost")
	missing.ID = uuid.New()
	if err := repo.UpdateMonitor(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateMonitor unknown: got %v, want ErrNotFound", err)
	}

	list, err := repo.ListMonitors(ctx)
	if err != nil {
		t.Fatalf("ListMonitors: %v", err)
	}
	if len(list) != 2 || list[0].Name != "api-gateway" || list[1].Name != "billing-v2" {
		t.Fatalf("ListMonitors = %d entries, want name-sorted pair", len(list))
	}

	if err := repo.DeleteMonitor(ctx, mon.ID); err != nil {
		t.Fatalf("DeleteMonitor: %v", err)
	}
	if err := repo.DeleteMonitor(ctx, mon.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("DeleteMonitor twice: got %v, want ErrNotFound", err)
	}
}

func TestListDueMonitors(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	now := time.Now()

	fresh := testMonitor("fresh")
	stale := testMonitor("stale")
	unchecked := testMonitor("unchecked")
	urgent := testMonitor("urgent")
	urgent.Severity = models.SeverityCritical
	stopped := testMonitor("stopped")
	stopped.Running = false
	inactive := testMonitor("inactive")
	inactive.Active = false

	for _, m := range []*models.Monitor{fresh, stale, unchecked, urgent, stopped, inactive} {
		if err := repo.CreateMonitor(ctx, m); err != nil {
			t.Fatalf("CreateMonitor(%s): %v", m.Name, err)
		}
	}

	putChecked := func(m *models.Monitor, ago time.Duration) {
		st := models.NewMonitorState(m.ID)
		ts := now.Add(-ago)
		st.LastCheckTime = &ts
		if err := repo.PutState(ctx, st, time.Time{}); err != nil {
			t.Fatalf("PutState(%s): %v", m.Name, err)
		}
	}
	putChecked(fresh, time.Minute)    // period is 5m, checked 1m ago
	putChecked(stale, 10*time.Minute) // overdue
	putChecked(urgent, 6*time.Minute) // overdue, but less so than stale

	// Critical severity sorts first; within a severity the never-checked
	// monitor outranks the merely overdue one.
	due, err := repo.ListDueMonitors(ctx, now)
	if err != nil {
		t.Fatalf("ListDueMonitors: %v", err)
	}
	names := make([]string, len(due))
	for i, m := range due {
		names[i] = m.Name
	}
	want := []string{"urgent", "unchecked", "stale"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Fatalf("due = %v, want %v", names, want)
	}

	// Exactly one period elapsed counts as due.
	due, err = repo.ListDueMonitors(ctx, now.Add(4*time.Minute))
	if err != nil {
		t.Fatalf("ListDueMonitors: %v", err)
	}
	names = names[:0]
	for _, m := range due {
		names = append(names, m.Name)
	}
	want = []string{"urgent", "unchecked", "stale", "fresh"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Fatalf("due after period = %v, want %v", names, want)
	}
}

func TestPutStateCAS(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	mon := testMonitor("cas")
	if err := repo.CreateMonitor(ctx, mon); err != nil {
		t.Fatalf("CreateMonitor: %v", err)
	}

	st := models.NewMonitorState(mon.ID)
	if err := repo.PutState(ctx, st, time.Time{}); err != nil {
		t.Fatalf("initial PutState: %v", err)
	}
	if st.UpdatedAt.IsZero() {
		t.Fatal("PutState did not report the stored timestamp")
	}

	// A second insert for the same monitor must be refused.
	if err := repo.PutState(ctx, models.NewMonitorState(mon.ID), time.Time{}); !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate insert: got %v, want ErrConflict", err)
	}

	first := st.UpdatedAt
	st.ConsecutiveFailures = 1
	st.CurrentStatus = models.StatusWarning
	if err := repo.PutState(ctx, st, first); err != nil {
		t.Fatalf("CAS update: %v", err)
	}
	if !st.UpdatedAt.After(first) {
		t.Fatalf("UpdatedAt did not advance: %v -> %v", first, st.UpdatedAt)
	}

	// Writing against the superseded timestamp loses the race.
	stale := models.NewMonitorState(mon.ID)
	stale.ConsecutiveFailures = 99
	if err := repo.PutState(ctx, stale, first); !errors.Is(err, ErrConflict) {
		t.Fatalf("stale CAS: got %v, want ErrConflict", err)
	}

	got, err := repo.GetState(ctx, mon.ID)
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if got.ConsecutiveFailures != 1 || got.CurrentStatus != models.StatusWarning {
		t.Fatalf("state = %+v, stale write must not stick", got)
	}
}

func TestSamples(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	mon := testMonitor("samples")
	if err := repo.CreateMonitor(ctx, mon); err != nil {
		t.Fatalf("CreateMonitor: %v", err)
	}

	if _, err := repo.LatestSample(ctx, mon.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LatestSample empty: got %v, want ErrNotFound", err)
	}

	base := time.Now()
	for i := 0; i < 5; i++ {
		v := float64(100 + i)
		s := &models.Sample{
			MonitorID:      mon.ID,
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
			Value:          &v,
			Status:         models.StatusOK,
			ResponseTimeMs: int64(10 + i),
		}
		if err := repo.AppendSample(ctx, s); err != nil {
			t.Fatalf("AppendSample(%d): %v", i, err)
		}
		if s.ID == uuid.Nil {
			t.Fatalf("AppendSample(%d) did not assign an ID", i)
		}
	}

	latest, err := repo.LatestSample(ctx, mon.ID)
	if err != nil {
		t.Fatalf("LatestSample: %v", err)
	}
	if *latest.Value != 104 {
		t.Errorf("latest value = %v, want 104", *latest.Value)
	}

	last, err := repo.LastSamples(ctx, mon.ID, 3)
	if err != nil {
		t.Fatalf("LastSamples: %v", err)
	}
	if len(last) != 3 || *last[0].Value != 104 || *last[2].Value != 102 {
		t.Fatalf("LastSamples = %d entries, want newest-first 104..102", len(last))
	}

	// Asking for more than stored returns what exists.
	all, err := repo.LastSamples(ctx, mon.ID, 50)
	if err != nil {
		t.Fatalf("LastSamples(50): %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("LastSamples(50) = %d entries, want 5", len(all))
	}

	removed, err := repo.PruneSamples(ctx, 2)
	if err != nil {
		t.Fatalf("PruneSamples: %v", err)
	}
	if removed != 3 {
		t.Errorf("pruned %d samples, want 3", removed)
	}
	kept, _ := repo.LastSamples(ctx, mon.ID, 50)
	if len(kept) != 2 || *kept[0].Value != 104 || *kept[1].Value != 103 {
		t.Fatalf("prune kept %d entries, want newest two", len(kept))
	}
}

func TestAlertLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	mon := testMonitor("alerting")
	if err := repo.CreateMonitor(ctx, mon); err != nil {
		t.Fatalf("CreateMonitor: %v", err)
	}

	now := time.Now()
	first := testAlert(mon.ID, mon.Name, now)
	if err := repo.CreateAlert(ctx, first); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}
	if first.ID == uuid.Nil {
		t.Fatal("CreateAlert did not assign an ID")
	}

	// One open episode per monitor.
	if err := repo.CreateAlert(ctx, testAlert(mon.ID, mon.Name, now)); !errors.Is(err, ErrConflict) {
		t.Fatalf("second open alert: got %v, want ErrConflict", err)
	}

	open, err := repo.ActiveAlertByMonitor(ctx, mon.ID)
	if err != nil {
		t.Fatalf("ActiveAlertByMonitor: %v", err)
	}
	if open.ID != first.ID {
		t.Fatalf("open alert = %s, want %s", open.ID, first.ID)
	}

	recoveredAt := now.Add(10 * time.Minute)
	open.Status = models.AlertRecovered
	open.RecoveredAt = &recoveredAt
	if err := repo.UpdateAlert(ctx, open); err != nil {
		t.Fatalf("UpdateAlert: %v", err)
	}
	if _, err := repo.ActiveAlertByMonitor(ctx, mon.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ActiveAlertByMonitor after recovery: got %v, want ErrNotFound", err)
	}

	// A recovered episode no longer blocks a new one.
	second := testAlert(mon.ID, mon.Name, now.Add(20*time.Minute))
	second.Severity = models.AlertWarning
	if err := repo.CreateAlert(ctx, second); err != nil {
		t.Fatalf("CreateAlert after recovery: %v", err)
	}

	tests := []struct {
		name   string
		filter AlertFilter
		want   int
	}{
		{"all", AlertFilter{}, 2},
		{"open only", AlertFilter{OpenOnly: true}, 1},
		{"by status", AlertFilter{Status: statusPtr(models.AlertRecovered)}, 1},
		{"by severity", AlertFilter{Severity: severityPtr(models.AlertWarning)}, 1},
		{"by monitor", AlertFilter{MonitorID: &mon.ID}, 2},
		{"other monitor", AlertFilter{MonitorID: uuidPtr(uuid.New())}, 0},
		{"limited", AlertFilter{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := repo.ListAlerts(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListAlerts: %v", err)
			}
			if len(got) != tt.want {
				t.Fatalf("ListAlerts = %d entries, want %d", len(got), tt.want)
			}
		})
	}

	// Newest first.
	all, _ := repo.ListAlerts(ctx, AlertFilter{})
	if all[0].ID != second.ID {
		t.Fatalf("ListAlerts[0] = %s, want newest %s", all[0].ID, second.ID)
	}
}

func TestRecoveryAttempts(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	mon := testMonitor("restarter")
	if err := repo.CreateMonitor(ctx, mon); err != nil {
		t.Fatalf("CreateMonitor: %v", err)
	}
	alert := testAlert(mon.ID, mon.Name, time.Now())
	if err := repo.CreateAlert(ctx, alert); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}

	running := models.RecoveryAttempt{
		Action:    "systemctl restart nginx",
		StartedAt: time.Now(),
		Status:    models.RecoveryRunning,
	}
	n, err := repo.AppendRecoveryAttempt(ctx, alert.ID, running)
	if err != nil {
		t.Fatalf("AppendRecoveryAttempt: %v", err)
	}
	if n != 1 {
		t.Fatalf("attempt number = %d, want 1", n)
	}

	// Only one running attempt at a time.
	if _, err := repo.AppendRecoveryAttempt(ctx, alert.ID, running); !errors.Is(err, ErrConflict) {
		t.Fatalf("concurrent attempt: got %v, want ErrConflict", err)
	}

	done := time.Now()
	finished := running
	finished.AttemptNumber = 1
	finished.Status = models.RecoveryFailed
	finished.CompletedAt = &done
	finished.ErrorMessage = "exit status 1"
	if err := repo.UpdateRecoveryAttempt(ctx, alert.ID, finished); err != nil {
		t.Fatalf("UpdateRecoveryAttempt: %v", err)
	}

	n, err = repo.AppendRecoveryAttempt(ctx, alert.ID, running)
	if err != nil {
		t.Fatalf("AppendRecoveryAttempt after completion: %v", err)
	}
	if n != 2 {
		t.Fatalf("attempt number = %d, want dense 2", n)
	}

	ghost := finished
	ghost.AttemptNumber = 9
	if err := repo.UpdateRecoveryAttempt(ctx, alert.ID, ghost); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update unknown attempt: got %v, want ErrNotFound", err)
	}
	if _, err := repo.AppendRecoveryAttempt(ctx, uuid.New(), running); !errors.Is(err, ErrNotFound) {
		t.Fatalf("append to unknown alert: got %v, want ErrNotFound", err)
	}

	got, err := repo.GetAlert(ctx, alert.ID)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if len(got.RecoveryAttempts) != 2 {
		t.Fatalf("attempts = %d, want 2", len(got.RecoveryAttempts))
	}
	if got.RecoveryAttempts[0].Status != models.RecoveryFailed {
		t.Errorf("attempt 1 status = %s, want failed", got.RecoveryAttempts[0].Status)
	}
}

func TestNotificationLog(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory()
	mon := testMonitor("notified")
	if err := repo.CreateMonitor(ctx, mon); err != nil {
		t.Fatalf("CreateMonitor: %v", err)
	}
	alert := testAlert(mon.ID, mon.Name, time.Now())
	if err := repo.CreateAlert(ctx, alert); err != nil {
		t.Fatalf("CreateAlert: %v", err)
	}

	entry := models.NotificationLogEntry{
		EventType: models.EventTriggered,
		Channel:   models.ChannelEmail,
		Recipient: "ops@example.com",
		SentAt:    time.Now(),
		Status:    models.NotifyPending,
	}
	if err := repo.AppendNotification(ctx, alert.ID, entry); err != nil {
		t.Fatalf("AppendNotification: %v", err)
	}

	// Reminders repeat the same tuple; the log keeps every occurrence.
	later := entry
	later.EventType = models.EventReminder
	if err := repo.AppendNotification(ctx, alert.ID, later); err != nil {
		t.Fatalf("AppendNotification reminder: %v", err)
	}
	if err := repo.AppendNotification(ctx, alert.ID, later); err != nil {
		t.Fatalf("AppendNotification second reminder: %v", err)
	}

	sent := later
	sent.Status = models.NotifySent
	sent.MessageID = "msg-42"
	if err := repo.UpdateNotification(ctx, alert.ID, sent); err != nil {
		t.Fatalf("UpdateNotification: %v", err)
	}

	got, err := repo.GetAlert(ctx, alert.ID)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if len(got.NotificationsSent) != 3 {
		t.Fatalf("log = %d entries, want 3", len(got.NotificationsSent))
	}
	// Newest matching tuple got the status, older reminder stays pending.
	if got.NotificationsSent[2].Status != models.NotifySent || got.NotificationsSent[2].MessageID != "msg-42" {
		t.Errorf("newest reminder = %+v, want sent/msg-42", got.NotificationsSent[2])
	}
	if got.NotificationsSent[1].Status != models.NotifyPending {
		t.Errorf("older reminder = %+v, want untouched", got.NotificationsSent[1])
	}

	miss := sent
	miss.Recipient = "nobody@example.com"
	if err := repo.UpdateNotification(ctx, alert.ID, miss); !errors.Is(err, ErrNotFound) {
		t.Fatalf("update unknown tuple: got %v, want ErrNotFound", err)
	}
}

func statusPtr(s models.AlertStatus) *models.AlertStatus       { return &s }
func severityPtr(s models.AlertSeverity) *models.AlertSeverity { return &s }
func uuidPtr(id uuid.UUID) *uuid.UUID                          { return &id }
