package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/argusmon/argus/internal/models"
)

// Postgres implements Repository on a pgx connection pool. Embedded arrays
// (recovery attempts, notification log) live in JSONB columns on the alert
// row; their append operations are single atomic statements.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wraps an initialized pool.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

var _ Repository = (*Postgres)(nil)

// classify maps driver errors onto the repository sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	var pge *pgconn.PgError
	if errors.As(err, &pge) {
		switch pge.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s: %w", op, ErrConflict)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	// No server response at all: connection-class failure.
	return fmt.Errorf("%s: %v: %w", op, err, ErrUnavailable)
}

const monitorCols = `id, name, type, period_minutes, timeout_seconds, active, running,
	maintenance_windows, severity, thresholds, expected_status_codes,
	positive_pattern, negative_pattern, consecutive_warning, consecutive_alarm,
	reset_after_m_ok, check_config, alarming_candidate, notification_settings,
	recovery_action, created_at, updated_at`

const stateCols = `monitor_id, current_status, consecutive_failures, consecutive_successes,
	last_check_time, last_value, last_error, active_alert_id,
	recovery_in_progress, recovery_attempt_count, last_recovery_attempt, updated_at`

const sampleCols = `id, monitor_id, ts, value, status, response_time_ms, metadata, error_message`

const alertCols = `id, monitor_id, monitor_name, severity, status, triggered_at,
	acknowledged_at, acknowledged_by, acknowledge_note, recovered_at,
	current_value, threshold_value, consecutive_failures, message, metadata,
	recovery_attempts, notifications_sent, updated_at`

func (p *Postgres) CreateMonitor(ctx context.Context, m *models.Monitor) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now

	_, err := p.pool.Exec(ctx, `
		INSERT INTO monitors (`+monitorCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7,
			COALESCE($8, '[]'::jsonb), $9, $10, COALESCE($11, '[]'::jsonb),
			$12, $13, $14, $15,
			$16, $17, COALESCE($18, '[]'::jsonb), $19,
			$20, $21, $22)`,
		m.ID, m.Name, m.Type, m.PeriodMinutes, m.TimeoutSeconds, m.Active, m.Running,
		m.MaintenanceWindows, m.Severity, m.Thresholds, m.ExpectedStatusCodes,
		m.PositivePattern, m.NegativePattern, m.ConsecutiveWarning, m.ConsecutiveAlarm,
		m.ResetAfterOK, m.Check, m.AlarmingCandidates, m.Notification,
		m.RecoveryAction, m.CreatedAt, m.UpdatedAt,
	)
	return classify("create monitor", err)
}

func (p *Postgres) UpdateMonitor(ctx context.Context, m *models.Monitor) error {
	m.UpdatedAt = time.Now()
	tag, err := p.pool.Exec(ctx, `
		UPDATE monitors SET
			name = $2, type = $3, period_minutes = $4, timeout_seconds = $5,
			active = $6, running = $7, maintenance_windows = COALESCE($8, '[]'::jsonb),
			severity = $9, thresholds = $10, expected_status_codes = COALESCE($11, '[]'::jsonb),
			positive_pattern = $12, negative_pattern = $13,
			consecutive_warning = $14, consecutive_alarm = $15, reset_after_m_ok = $16,
			check_config = $17, alarming_candidate = COALESCE($18, '[]'::jsonb),
			notification_settings = $19, recovery_action = $20, updated_at = $21
		WHERE id = $1`,
		m.ID, m.Name, m.Type, m.PeriodMinutes, m.TimeoutSeconds,
		m.Active, m.Running, m.MaintenanceWindows,
		m.Severity, m.Thresholds, m.ExpectedStatusCodes,
		m.PositivePattern, m.NegativePattern,
		m.ConsecutiveWarning, m.ConsecutiveAlarm, m.ResetAfterOK,
		m.Check, m.AlarmingCandidates,
		m.Notification, m.RecoveryAction, m.UpdatedAt,
	)
	if err != nil {
		return classify("update monitor", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("monitor %s: %w", m.ID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) DeleteMonitor(ctx context.Context, id uuid.UUID) error {
	tag, err := p.pool.Exec(ctx, `DELETE FROM monitors WHERE id = $1`, id)
	if err != nil {
		return classify("delete monitor", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("monitor %s: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) GetMonitor(ctx context.Context, id uuid.UUID) (*models.Monitor, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+monitorCols+` FROM monitors WHERE id = $1`, id)
	if err != nil {
		return nil, classify("get monitor", err)
	}
	m, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[models.Monitor])
	if err != nil {
		return nil, classify("get monitor", err)
	}
	return m, nil
}

func (p *Postgres) GetMonitorByName(ctx context.Context, name string) (*models.Monitor, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+monitorCols+` FROM monitors WHERE name = $1`, name)
	if err != nil {
		return nil, classify("get monitor by name", err)
	}
	m, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[models.Monitor])
	if err != nil {
		return nil, classify("get monitor by name", err)
	}
	return m, nil
}

func (p *Postgres) ListMonitors(ctx context.Context) ([]*models.Monitor, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+monitorCols+` FROM monitors ORDER BY name`)
	if err != nil {
		return nil, classify("list monitors", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[models.Monitor])
	if err != nil {
		return nil, classify("list monitors", err)
	}
	return out, nil
}

func (p *Postgres) ListDueMonitors(ctx context.Context, asOf time.Time) ([]*models.Monitor, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+monitorCols+` FROM monitors m
		WHERE m.active AND m.running
		  AND NOT EXISTS (
			SELECT 1 FROM monitor_states s
			WHERE s.monitor_id = m.id
			  AND s.last_check_time IS NOT NULL
			  AND s.last_check_time + make_interval(mins => m.period_minutes) > $1
		  )
		ORDER BY
		  CASE m.severity WHEN 'critical' THEN 3 WHEN 'high' THEN 2 WHEN 'medium' THEN 1 ELSE 0 END DESC,
		  (SELECT s.last_check_time + make_interval(mins => m.period_minutes)
		     FROM monitor_states s WHERE s.monitor_id = m.id) ASC NULLS FIRST,
		  m.name`, asOf)
	if err != nil {
		return nil, classify("list due monitors", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[models.Monitor])
	if err != nil {
		return nil, classify("list due monitors", err)
	}
	return out, nil
}

func (p *Postgres) GetState(ctx context.Context, monitorID uuid.UUID) (*models.MonitorState, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+stateCols+` FROM monitor_states WHERE monitor_id = $1`, monitorID)
	if err != nil {
		return nil, classify("get state", err)
	}
	st, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[models.MonitorState])
	if err != nil {
		return nil, classify("get state", err)
	}
	return st, nil
}

func (p *Postgres) PutState(ctx context.Context, st *models.MonitorState, prev time.Time) error {
	if prev.IsZero() {
		err := p.pool.QueryRow(ctx, `
			INSERT INTO monitor_states (`+stateCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, clock_timestamp())
			RETURNING updated_at`,
			st.MonitorID, st.CurrentStatus, st.ConsecutiveFailures, st.ConsecutiveSuccesses,
			st.LastCheckTime, st.LastValue, st.LastError, st.ActiveAlertID,
			st.RecoveryInProgress, st.RecoveryAttemptCount, st.LastRecoveryAttempt,
		).Scan(&st.UpdatedAt)
		return classify("put state", err)
	}

	err := p.pool.QueryRow(ctx, `
		UPDATE monitor_states SET
			current_status = $3, consecutive_failures = $4, consecutive_successes = $5,
			last_check_time = $6, last_value = $7, last_error = $8, active_alert_id = $9,
			recovery_in_progress = $10, recovery_attempt_count = $11,
			last_recovery_attempt = $12, updated_at = clock_timestamp()
		WHERE monitor_id = $1 AND updated_at = $2
		RETURNING updated_at`,
		st.MonitorID, prev,
		st.CurrentStatus, st.ConsecutiveFailures, st.ConsecutiveSuccesses,
		st.LastCheckTime, st.LastValue, st.LastError, st.ActiveAlertID,
		st.RecoveryInProgress, st.RecoveryAttemptCount, st.LastRecoveryAttempt,
	).Scan(&st.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("state for monitor %s changed concurrently: %w", st.MonitorID, ErrConflict)
	}
	return classify("put state", err)
}

func (p *Postgres) AppendSample(ctx context.Context, s *models.Sample) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO metrics (`+sampleCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE($7, '{}'::jsonb), $8)`,
		s.ID, s.MonitorID, s.Timestamp, s.Value, s.Status, s.ResponseTimeMs,
		s.Metadata, s.ErrorMessage,
	)
	return classify("append sample", err)
}

func (p *Postgres) LatestSample(ctx context.Context, monitorID uuid.UUID) (*models.Sample, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+sampleCols+` FROM metrics
		WHERE monitor_id = $1 ORDER BY ts DESC LIMIT 1`, monitorID)
	if err != nil {
		return nil, classify("latest sample", err)
	}
	s, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[models.Sample])
	if err != nil {
		return nil, classify("latest sample", err)
	}
	return s, nil
}

func (p *Postgres) LastSamples(ctx context.Context, monitorID uuid.UUID, n int) ([]*models.Sample, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+sampleCols+` FROM metrics
		WHERE monitor_id = $1 ORDER BY ts DESC LIMIT $2`, monitorID, n)
	if err != nil {
		return nil, classify("last samples", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[models.Sample])
	if err != nil {
		return nil, classify("last samples", err)
	}
	return out, nil
}

func (p *Postgres) PruneSamples(ctx context.Context, keep int) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM metrics WHERE id IN (
			SELECT id FROM (
				SELECT id, row_number() OVER (PARTITION BY monitor_id ORDER BY ts DESC) AS rn
				FROM metrics
			) ranked
			WHERE ranked.rn > $1
		)`, keep)
	if err != nil {
		return 0, classify("prune samples", err)
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) CreateAlert(ctx context.Context, a *models.Alert) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	a.UpdatedAt = time.Now()
	_, err := p.pool.Exec(ctx, `
		INSERT INTO alerts (`+alertCols+`)
		VALUES ($1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10,
			$11, $12, $13, $14, COALESCE($15, '{}'::jsonb),
			COALESCE($16, '[]'::jsonb), COALESCE($17, '[]'::jsonb), $18)`,
		a.ID, a.MonitorID, a.MonitorName, a.Severity, a.Status, a.TriggeredAt,
		a.AcknowledgedAt, a.AcknowledgedBy, a.AcknowledgeNote, a.RecoveredAt,
		a.CurrentValue, a.ThresholdValue, a.ConsecutiveFailures, a.Message, a.Metadata,
		a.RecoveryAttempts, a.NotificationsSent, a.UpdatedAt,
	)
	return classify("create alert", err)
}

func (p *Postgres) UpdateAlert(ctx context.Context, a *models.Alert) error {
	a.UpdatedAt = time.Now()
	tag, err := p.pool.Exec(ctx, `
		UPDATE alerts SET
			severity = $2, status = $3,
			acknowledged_at = $4, acknowledged_by = $5, acknowledge_note = $6,
			recovered_at = $7, current_value = $8, threshold_value = $9,
			consecutive_failures = $10, message = $11,
			metadata = COALESCE($12, '{}'::jsonb),
			recovery_attempts = COALESCE($13, '[]'::jsonb),
			notifications_sent = COALESCE($14, '[]'::jsonb),
			updated_at = $15
		WHERE id = $1`,
		a.ID, a.Severity, a.Status,
		a.AcknowledgedAt, a.AcknowledgedBy, a.AcknowledgeNote,
		a.RecoveredAt, a.CurrentValue, a.ThresholdValue,
		a.ConsecutiveFailures, a.Message,
		a.Metadata, a.RecoveryAttempts, a.NotificationsSent,
		a.UpdatedAt,
	)
	if err != nil {
		return classify("update alert", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("alert %s: %w", a.ID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) GetAlert(ctx context.Context, id uuid.UUID) (*models.Alert, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+alertCols+` FROM alerts WHERE id = $1`, id)
	if err != nil {
		return nil, classify("get alert", err)
	}
	a, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[models.Alert])
	if err != nil {
		return nil, classify("get alert", err)
	}
	return a, nil
}

func (p *Postgres) ActiveAlertByMonitor(ctx context.Context, monitorID uuid.UUID) (*models.Alert, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+alertCols+` FROM alerts
		WHERE monitor_id = $1 AND status <> 'recovered'
		LIMIT 1`, monitorID)
	if err != nil {
		return nil, classify("active alert by monitor", err)
	}
	a, err := pgx.CollectOneRow(rows, pgx.RowToAddrOfStructByName[models.Alert])
	if err != nil {
		return nil, classify("active alert by monitor", err)
	}
	return a, nil
}

func (p *Postgres) ListAlerts(ctx context.Context, f AlertFilter) ([]*models.Alert, error) {
	q := `SELECT ` + alertCols + ` FROM alerts`
	var conds []string
	var args []interface{}
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != nil {
		conds = append(conds, "status = "+arg(*f.Status))
	}
	if f.Severity != nil {
		conds = append(conds, "severity = "+arg(*f.Severity))
	}
	if f.MonitorID != nil {
		conds = append(conds, "monitor_id = "+arg(*f.MonitorID))
	}
	if f.OpenOnly {
		conds = append(conds, "status <> 'recovered'")
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	limit := f.Limit
	if limit <= 0 || limit > MaxAlertList {
		limit = MaxAlertList
	}
	q += " ORDER BY triggered_at DESC LIMIT " + arg(limit)

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classify("list alerts", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[models.Alert])
	if err != nil {
		return nil, classify("list alerts", err)
	}
	return out, nil
}

func (p *Postgres) AppendRecoveryAttempt(ctx context.Context, alertID uuid.UUID, attempt models.RecoveryAttempt) (int, error) {
	// Single statement: refuse when a running attempt exists, assign the
	// next dense attempt number from the current array length.
	var n int
	err := p.pool.QueryRow(ctx, `
		UPDATE alerts
		SET recovery_attempts = recovery_attempts ||
				jsonb_set($2::jsonb, '{attempt_number}', to_jsonb(jsonb_array_length(recovery_attempts) + 1)),
			updated_at = clock_timestamp()
		WHERE id = $1
		  AND NOT jsonb_path_exists(recovery_attempts, '$[*] ? (@.status == "running")')
		RETURNING jsonb_array_length(recovery_attempts)`,
		alertID, attempt,
	).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if qerr := p.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM alerts WHERE id = $1)`, alertID).Scan(&exists); qerr != nil {
			return 0, classify("append recovery attempt", qerr)
		}
		if exists {
			return 0, fmt.Errorf("alert %s already has a running recovery attempt: %w", alertID, ErrConflict)
		}
		return 0, fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}
	if err != nil {
		return 0, classify("append recovery attempt", err)
	}
	return n, nil
}

func (p *Postgres) UpdateRecoveryAttempt(ctx context.Context, alertID uuid.UUID, attempt models.RecoveryAttempt) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return classify("update recovery attempt", err)
	}
	defer tx.Rollback(ctx)

	var attempts []models.RecoveryAttempt
	err = tx.QueryRow(ctx,
		`SELECT recovery_attempts FROM alerts WHERE id = $1 FOR UPDATE`, alertID).Scan(&attempts)
	if err != nil {
		return classify("update recovery attempt", err)
	}

	found := false
	for i := range attempts {
		if attempts[i].AttemptNumber == attempt.AttemptNumber {
			attempts[i] = attempt
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("alert %s attempt %d: %w", alertID, attempt.AttemptNumber, ErrNotFound)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE alerts SET recovery_attempts = $2, updated_at = clock_timestamp()
		WHERE id = $1`, alertID, attempts); err != nil {
		return classify("update recovery attempt", err)
	}
	return classify("update recovery attempt", tx.Commit(ctx))
}

func (p *Postgres) AppendNotification(ctx context.Context, alertID uuid.UUID, entry models.NotificationLogEntry) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE alerts
		SET notifications_sent = notifications_sent || $2::jsonb,
			updated_at = clock_timestamp()
		WHERE id = $1`, alertID, entry)
	if err != nil {
		return classify("append notification", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("alert %s: %w", alertID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) UpdateNotification(ctx context.Context, alertID uuid.UUID, entry models.NotificationLogEntry) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return classify("update notification", err)
	}
	defer tx.Rollback(ctx)

	var sent []models.NotificationLogEntry
	err = tx.QueryRow(ctx,
		`SELECT notifications_sent FROM alerts WHERE id = $1 FOR UPDATE`, alertID).Scan(&sent)
	if err != nil {
		return classify("update notification", err)
	}

	// Reminder tuples repeat across windows; update the newest entry.
	found := false
	for i := len(sent) - 1; i >= 0; i-- {
		if sent[i].EventType == entry.EventType && sent[i].Channel == entry.Channel && sent[i].Recipient == entry.Recipient {
			sent[i] = entry
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("alert %s notification (%s,%s,%s): %w",
			alertID, entry.EventType, entry.Channel, entry.Recipient, ErrNotFound)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE alerts SET notifications_sent = $2, updated_at = clock_timestamp()
		WHERE id = $1`, alertID, sent); err != nil {
		return classify("update notification", err)
	}
	return classify("update notification", tx.Commit(ctx))
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %v: %w", err, ErrUnavailable)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}
