package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/argusmon/argus/internal/models"
)

// Memory holds everything in process. Used by unit tests and the dev-mode
// 'memory' database driver.
type Memory struct {
	mu       sync.RWMutex
	monitors map[uuid.UUID]*models.Monitor
	byName   map[string]uuid.UUID
	states   map[uuid.UUID]*models.MonitorState
	samples  map[uuid.UUID][]*models.Sample // append order = time order
	alerts   map[uuid.UUID]*models.Alert
}

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		monitors: make(map[uuid.UUID]*models.Monitor),
		byName:   make(map[string]uuid.UUID),
		states:   make(map[uuid.UUID]*models.MonitorState),
		samples:  make(map[uuid.UUID][]*models.Sample),
		alerts:   make(map[uuid.UUID]*models.Alert),
	}
}

var _ Repository = (*Memory)(nil)

func cloneState(st *models.MonitorState) *models.MonitorState {
	c := *st
	return &c
}

func cloneSample(s *models.Sample) *models.Sample {
	c := *s
	if s.Metadata != nil {
		c.Metadata = make(models.Metadata, len(s.Metadata))
		for k, v := range s.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func cloneAlert(a *models.Alert) *models.Alert {
	c := *a
	c.RecoveryAttempts = append([]models.RecoveryAttempt(nil), a.RecoveryAttempts...)
	c.NotificationsSent = append([]models.NotificationLogEntry(nil), a.NotificationsSent...)
	if a.Metadata != nil {
		c.Metadata = make(models.Metadata, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (m *Memory) CreateMonitor(_ context.Context, mon *models.Monitor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byName[mon.Name]; exists {
		return fmt.Errorf("monitor name %q: %w", mon.Name, ErrConflict)
	}
	if mon.ID == uuid.Nil {
		mon.ID = uuid.New()
	}
	if _, exists := m.monitors[mon.ID]; exists {
		return fmt.Errorf("monitor %s: %w", mon.ID, ErrConflict)
	}
	now := time.Now()
	if mon.CreatedAt.IsZero() {
		mon.CreatedAt = now
	}
	mon.UpdatedAt = now
	m.monitors[mon.ID] = mon
	m.byName[mon.Name] = mon.ID
	return nil
}

func (m *Memory) UpdateMonitor(_ context.Context, mon *models.Monitor) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, ok := m.monitors[mon.ID]
	if !ok {
		return fmt.Errorf("monitor %s: %w", mon.ID, ErrNotFound)
	}
	if other, exists := m.byName[mon.Name]; exists && other != mon.ID {
		return fmt.Errorf("monitor name %q: %w", mon.Name, ErrConflict)
	}
	delete(m.byName, old.Name)
	mon.UpdatedAt = time.Now()
	m.monitors[mon.ID] = mon
	m.byName[mon.Name] = mon.ID
	return nil
}

func (m *Memory) DeleteMonitor(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mon, ok := m.monitors[id]
	if !ok {
		return fmt.Errorf("monitor %s: %w", id, ErrNotFound)
	}
	delete(m.monitors, id)
	delete(m.byName, mon.Name)
	delete(m.states, id)
	delete(m.samples, id)
	return nil
}

func (m *Memory) GetMonitor(_ context.Context, id uuid.UUID) (*models.Monitor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mon, ok := m.monitors[id]
	if !ok {
		return nil, fmt.Errorf("monitor %s: %w", id, ErrNotFound)
	}
	return mon, nil
}

func (m *Memory) GetMonitorByName(_ context.Context, name string) (*models.Monitor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byName[name]
	if !ok {
		return nil, fmt.Errorf("monitor %q: %w", name, ErrNotFound)
	}
	return m.monitors[id], nil
}

func (m *Memory) ListMonitors(_ context.Context) ([]*models.Monitor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*models.Monitor, 0, len(m.monitors))
	for _, mon := range m.monitors {
		out = append(out, mon)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Memory) ListDueMonitors(_ context.Context, asOf time.Time) ([]*models.Monitor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	type dueEntry struct {
		mon   *models.Monitor
		dueAt time.Time // zero when never checked
	}
	var due []dueEntry
	for _, mon := range m.monitors {
		if !mon.Active || !mon.Running {
			continue
		}
		st, ok := m.states[mon.ID]
		if !ok || st.LastCheckTime == nil {
			due = append(due, dueEntry{mon: mon})
			continue
		}
		if asOf.Sub(*st.LastCheckTime) >= mon.Period() {
			due = append(due, dueEntry{mon: mon, dueAt: st.LastCheckTime.Add(mon.Period())})
		}
	}
	sort.Slice(due, func(i, j int) bool {
		ri, rj := due[i].mon.Severity.Rank(), due[j].mon.Severity.Rank()
		if ri != rj {
			return ri > rj
		}
		if !due[i].dueAt.Equal(due[j].dueAt) {
			return due[i].dueAt.Before(due[j].dueAt)
		}
		return due[i].mon.Name < due[j].mon.Name
	})
	out := make([]*models.Monitor, len(due))
	for i, e := range due {
		out[i] = e.mon
	}
	return out, nil
}

func (m *Memory) GetState(_ context.Context, monitorID uuid.UUID) (*models.MonitorState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st, ok := m.states[monitorID]
	if !ok {
		return nil, fmt.Errorf("state for monitor %s: %w", monitorID, ErrNotFound)
	}
	return cloneState(st), nil
}

func (m *Memory) PutState(_ context.Context, st *models.MonitorState, prev time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.states[st.MonitorID]
	if prev.IsZero() {
		if ok {
			return fmt.Errorf("state for monitor %s already exists: %w", st.MonitorID, ErrConflict)
		}
	} else {
		if !ok || !existing.UpdatedAt.Equal(prev) {
			return fmt.Errorf("state for monitor %s changed concurrently: %w", st.MonitorID, ErrConflict)
		}
	}

	now := time.Now()
	if !now.After(prev) {
		now = prev.Add(time.Nanosecond)
	}
	c := cloneState(st)
	c.UpdatedAt = now
	m.states[st.MonitorID] = c
	st.UpdatedAt = now
	return nil
}

func (m *Memory) AppendSample(_ context.Context, s *models.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	m.samples[s.MonitorID] = append(m.samples[s.MonitorID], cloneSample(s))
	return nil
}

func (m *Memory) LatestSample(_ context.Context, monitorID uuid.UUID) (*models.Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.samples[monitorID]
	if len(list) == 0 {
		return nil, fmt.Errorf("samples for monitor %s: %w", monitorID, ErrNotFound)
	}
	return cloneSample(list[len(list)-1]), nil
}

func (m *Memory) LastSamples(_ context.Context, monitorID uuid.UUID, n int) ([]*models.Sample, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := m.samples[monitorID]
	if n > len(list) {
		n = len(list)
	}
	out := make([]*models.Sample, 0, n)
	// newest first
	for i := len(list) - 1; i >= len(list)-n; i-- {
		out = append(out, cloneSample(list[i]))
	}
	return out, nil
}

func (m *Memory) PruneSamples(_ context.Context, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for id, list := range m.samples {
		if len(list) <= keep {
			continue
		}
		removed += int64(len(list) - keep)
		m.samples[id] = append([]*models.Sample(nil), list[len(list)-keep:]...)
	}
	return removed, nil
}

func (m *Memory) CreateAlert(_ context.Context, a *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.alerts {
		if existing.MonitorID == a.MonitorID && !existing.Status.Terminal() {
			return fmt.Errorf("monitor %s already has open alert %s: %w", a.MonitorID, existing.ID, ErrConflict)
		}
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.UpdatedAt = time.Now()
	m.alerts[a.ID] = cloneAlert(a)
	return nil
}

func (m *Memory) UpdateAlert(_ context.Context, a *models.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.alerts[a.ID]; !ok {
		return fmt.Errorf("alert %s: %w", a.ID, ErrNotFound)
	}
	a.UpdatedAt = time.Now()
	m.alerts[a.ID] = cloneAlert(a)
	return nil
}

func (m *Memory) GetAlert(_ context.Context, id uuid.UUID) (*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, ErrNotFound)
	}
	return cloneAlert(a), nil
}

func (m *Memory) ActiveAlertByMonitor(_ context.Context, monitorID uuid.UUID) (*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, a := range m.alerts {
		if a.MonitorID == monitorID && !a.Status.Terminal() {
			return cloneAlert(a), nil
		}
	}
	return nil, fmt.Errorf("open alert for monitor %s: %w", monitorID, ErrNotFound)
}

func (m *Memory) ListAlerts(_ context.Context, f AlertFilter) ([]*models.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Alert
	for _, a := range m.alerts {
		if f.Status != nil && a.Status != *f.Status {
			continue
		}
		if f.Severity != nil && a.Severity != *f.Severity {
			continue
		}
		if f.MonitorID != nil && a.MonitorID != *f.MonitorID {
			continue
		}
		if f.OpenOnly && a.Status.Terminal() {
			continue
		}
		out = append(out, cloneAlert(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TriggeredAt.After(out[j].TriggeredAt) })

	limit := f.Limit
	if limit <= 0 || limit > MaxAlertList {
		limit = MaxAlertList
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) AppendRecoveryAttempt(_ context.Context, alertID uuid.UUID, attempt models.RecoveryAttempt) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[alertID]
	if !ok {
		return 0, fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}
	if a.RunningAttempt() != nil {
		return 0, fmt.Errorf("alert %s already has a running recovery attempt: %w", alertID, ErrConflict)
	}
	attempt.AttemptNumber = len(a.RecoveryAttempts) + 1
	a.RecoveryAttempts = append(a.RecoveryAttempts, attempt)
	a.UpdatedAt = time.Now()
	return attempt.AttemptNumber, nil
}

func (m *Memory) UpdateRecoveryAttempt(_ context.Context, alertID uuid.UUID, attempt models.RecoveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[alertID]
	if !ok {
		return fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}
	for i := range a.RecoveryAttempts {
		if a.RecoveryAttempts[i].AttemptNumber == attempt.AttemptNumber {
			a.RecoveryAttempts[i] = attempt
			a.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("alert %s attempt %d: %w", alertID, attempt.AttemptNumber, ErrNotFound)
}

func (m *Memory) AppendNotification(_ context.Context, alertID uuid.UUID, entry models.NotificationLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[alertID]
	if !ok {
		return fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}
	a.NotificationsSent = append(a.NotificationsSent, entry)
	a.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) UpdateNotification(_ context.Context, alertID uuid.UUID, entry models.NotificationLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[alertID]
	if !ok {
		return fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}
	// Reminder tuples repeat across windows; update the newest entry.
	for i := len(a.NotificationsSent) - 1; i >= 0; i-- {
		n := a.NotificationsSent[i]
		if n.EventType == entry.EventType && n.Channel == entry.Channel && n.Recipient == entry.Recipient {
			a.NotificationsSent[i] = entry
			a.UpdatedAt = time.Now()
			return nil
		}
	}
	return fmt.Errorf("alert %s notification (%s,%s,%s): %w",
		alertID, entry.EventType, entry.Channel, entry.Recipient, ErrNotFound)
}

func (m *Memory) Ping(context.Context) error {
	return nil
}

func (m *Memory) Close() {}
