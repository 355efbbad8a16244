package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MonitorType identifies which probe evaluates a monitor.
type MonitorType string

const (
	TypeURL         MonitorType = "url"
	TypeAPIPost     MonitorType = "api_post"
	TypePing        MonitorType = "ping"
	TypeSSH         MonitorType = "ssh"
	TypeAWS         MonitorType = "aws"
	TypeCertificate MonitorType = "certificate"
	TypeLog         MonitorType = "log"
	TypeCPU         MonitorType = "cpu"
	TypeMem         MonitorType = "mem"
	TypeDisk        MonitorType = "disk"
	TypeCustom      MonitorType = "custom"
)

// MonitorTypes lists every known monitor type. Validation is total:
// anything outside this set is rejected, never silently ignored.
var MonitorTypes = []MonitorType{
	TypeURL, TypeAPIPost, TypePing, TypeSSH, TypeAWS,
	TypeCertificate, TypeLog, TypeCPU, TypeMem, TypeDisk, TypeCustom,
}

// Valid reports whether t is a known monitor type.
func (t MonitorType) Valid() bool {
	for _, known := range MonitorTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Severity is the operator-assigned importance of a monitor.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities for scheduling tie-breaks (critical first).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

// SampleStatus classifies a single observation.
type SampleStatus string

const (
	StatusOK      SampleStatus = "ok"
	StatusWarning SampleStatus = "warning"
	StatusAlarm   SampleStatus = "alarm"
	StatusError   SampleStatus = "error"
)

// Failure reports whether the status counts toward consecutive_failures.
func (s SampleStatus) Failure() bool {
	return s != StatusOK
}

// AlertSeverity is the two-level severity of an alert episode.
type AlertSeverity string

const (
	AlertWarning AlertSeverity = "warning"
	AlertAlarm   AlertSeverity = "alarm"
)

// AlertStatus tracks the alert lifecycle.
type AlertStatus string

const (
	AlertActive       AlertStatus = "active"
	AlertInRecovery   AlertStatus = "in_recovery"
	AlertAcknowledged AlertStatus = "acknowledged"
	AlertRecovered    AlertStatus = "recovered"
)

// Terminal reports whether the alert episode is closed.
func (s AlertStatus) Terminal() bool {
	return s == AlertRecovered
}

// RecoveryStatus tracks a single recovery attempt.
type RecoveryStatus string

const (
	RecoveryRunning RecoveryStatus = "running"
	RecoverySuccess RecoveryStatus = "success"
	RecoveryFailed  RecoveryStatus = "failed"
)

// NotifyStatus tracks a single notification delivery.
type NotifyStatus string

const (
	NotifyPending NotifyStatus = "pending"
	NotifySent    NotifyStatus = "sent"
	NotifyFailed  NotifyStatus = "failed"
)

// AlertEvent names the notification-worthy lifecycle events.
type AlertEvent string

const (
	EventTriggered    AlertEvent = "alert_triggered"
	EventEscalated    AlertEvent = "alert_escalated"
	EventAcknowledged AlertEvent = "alert_acknowledged"
	EventRecovered    AlertEvent = "alert_recovered"
	EventReminder     AlertEvent = "reminder"
)

// Channel is a notification transport.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelCall    Channel = "call"
	ChannelSlack   Channel = "slack"
	ChannelWebhook Channel = "webhook"
)

// Monitor is a user-defined check plus its schedule, thresholds, and
// notification targets. Immutable from the engine's perspective.
type Monitor struct {
	ID   uuid.UUID   `json:"id" db:"id"`
	Name string      `json:"name" db:"name" validate:"required,max=255"`
	Type MonitorType `json:"type" db:"type" validate:"required"`

	PeriodMinutes  int  `json:"period_minutes" db:"period_minutes" validate:"min=1,max=1440"`
	TimeoutSeconds int  `json:"timeout_seconds" db:"timeout_seconds" validate:"min=5,max=300"`
	Active         bool `json:"active" db:"active"`
	Running        bool `json:"running" db:"running"`

	MaintenanceWindows []MaintenanceWindow `json:"maintenance_windows,omitempty" db:"maintenance_windows"`

	Severity            Severity   `json:"severity" db:"severity" validate:"required,oneof=low medium high critical"`
	Thresholds          Thresholds `json:"thresholds" db:"thresholds"`
	ExpectedStatusCodes []int      `json:"expected_status_codes,omitempty" db:"expected_status_codes"`
	PositivePattern     string     `json:"positive_pattern,omitempty" db:"positive_pattern"`
	NegativePattern     string     `json:"negative_pattern,omitempty" db:"negative_pattern"`

	ConsecutiveWarning int `json:"consecutive_warning" db:"consecutive_warning" validate:"min=1"`
	ConsecutiveAlarm   int `json:"consecutive_alarm" db:"consecutive_alarm" validate:"min=1"`
	ResetAfterOK       int `json:"reset_after_m_ok" db:"reset_after_m_ok" validate:"min=1"`

	Check CheckConfig `json:"check" db:"check_config"`

	AlarmingCandidates []AlarmingCandidate  `json:"alarming_candidate,omitempty" db:"alarming_candidate"`
	Notification       NotificationSettings `json:"notification_settings" db:"notification_settings"`

	RecoveryAction string `json:"recovery_action,omitempty" db:"recovery_action"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Period returns the check period as a duration.
func (m *Monitor) Period() time.Duration {
	return time.Duration(m.PeriodMinutes) * time.Minute
}

// Timeout returns the probe deadline as a duration.
func (m *Monitor) Timeout() time.Duration {
	return time.Duration(m.TimeoutSeconds) * time.Second
}

// InMaintenance reports whether t falls inside any maintenance window.
func (m *Monitor) InMaintenance(t time.Time) bool {
	for _, w := range m.MaintenanceWindows {
		if w.Contains(t) {
			return true
		}
	}
	return false
}

// MonitorState is the mutable per-monitor evaluation state. Mutated only
// under the evaluator's per-monitor lock.
type MonitorState struct {
	MonitorID            uuid.UUID    `json:"monitor_id" db:"monitor_id"`
	CurrentStatus        SampleStatus `json:"current_status" db:"current_status"`
	ConsecutiveFailures  int          `json:"consecutive_failures" db:"consecutive_failures"`
	ConsecutiveSuccesses int          `json:"consecutive_successes" db:"consecutive_successes"`
	LastCheckTime        *time.Time   `json:"last_check_time,omitempty" db:"last_check_time"`
	LastValue            *float64     `json:"last_value,omitempty" db:"last_value"`
	LastError            string       `json:"last_error,omitempty" db:"last_error"`
	ActiveAlertID        *uuid.UUID   `json:"active_alert_id,omitempty" db:"active_alert_id"`
	RecoveryInProgress   bool         `json:"recovery_in_progress" db:"recovery_in_progress"`
	RecoveryAttemptCount int          `json:"recovery_attempt_count" db:"recovery_attempt_count"`
	LastRecoveryAttempt  *time.Time   `json:"last_recovery_attempt,omitempty" db:"last_recovery_attempt"`
	UpdatedAt            time.Time    `json:"updated_at" db:"updated_at"`
}

// NewMonitorState returns the initial state for a monitor.
func NewMonitorState(monitorID uuid.UUID) *MonitorState {
	return &MonitorState{
		MonitorID:     monitorID,
		CurrentStatus: StatusOK,
	}
}

// Sample is a single observation produced by a probe.
type Sample struct {
	ID             uuid.UUID    `json:"id" db:"id"`
	MonitorID      uuid.UUID    `json:"monitor_id" db:"monitor_id"`
	Timestamp      time.Time    `json:"timestamp" db:"ts"`
	Value          *float64     `json:"value,omitempty" db:"value"`
	Status         SampleStatus `json:"status" db:"status"`
	ResponseTimeMs int64        `json:"response_time_ms" db:"response_time_ms"`
	Metadata       Metadata     `json:"metadata,omitempty" db:"metadata"`
	ErrorMessage   string       `json:"error_message,omitempty" db:"error_message"`
}

// Alert is a durable record of one abnormal-condition episode.
type Alert struct {
	ID                  uuid.UUID     `json:"id" db:"id"`
	MonitorID           uuid.UUID     `json:"monitor_id" db:"monitor_id"`
	MonitorName         string        `json:"monitor_name" db:"monitor_name"`
	Severity            AlertSeverity `json:"severity" db:"severity"`
	Status              AlertStatus   `json:"status" db:"status"`
	TriggeredAt         time.Time     `json:"triggered_at" db:"triggered_at"`
	AcknowledgedAt      *time.Time    `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	AcknowledgedBy      string        `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	AcknowledgeNote     string        `json:"acknowledge_note,omitempty" db:"acknowledge_note"`
	RecoveredAt         *time.Time    `json:"recovered_at,omitempty" db:"recovered_at"`
	CurrentValue        *float64      `json:"current_value,omitempty" db:"current_value"`
	ThresholdValue      *float64      `json:"threshold_value,omitempty" db:"threshold_value"`
	ConsecutiveFailures int           `json:"consecutive_failures" db:"consecutive_failures"`
	Message             string        `json:"message" db:"message"`
	Metadata            Metadata      `json:"metadata,omitempty" db:"metadata"`

	RecoveryAttempts  []RecoveryAttempt      `json:"recovery_attempts" db:"recovery_attempts"`
	NotificationsSent []NotificationLogEntry `json:"notifications_sent" db:"notifications_sent"`

	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Acknowledged reports whether the alert has been acknowledged, regardless
// of later status changes.
func (a *Alert) Acknowledged() bool {
	return a.AcknowledgedAt != nil
}

// HasNotification reports whether a delivery was already attempted for the
// (event, channel, recipient) tuple.
func (a *Alert) HasNotification(event AlertEvent, ch Channel, recipient string) bool {
	for _, n := range a.NotificationsSent {
		if n.EventType == event && n.Channel == ch && n.Recipient == recipient {
			return true
		}
	}
	return false
}

// RunningAttempt returns the currently running recovery attempt, if any.
func (a *Alert) RunningAttempt() *RecoveryAttempt {
	for i := range a.RecoveryAttempts {
		if a.RecoveryAttempts[i].Status == RecoveryRunning {
			return &a.RecoveryAttempts[i]
		}
	}
	return nil
}

// RecoveryAttempt is one execution of the monitor's recovery action.
type RecoveryAttempt struct {
	AttemptNumber int            `json:"attempt_number"`
	Action        string         `json:"action"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   *time.Time     `json:"completed_at,omitempty"`
	Status        RecoveryStatus `json:"status"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Logs          string         `json:"logs"`
}

// NotificationLogEntry records one delivery attempt for an alert event.
type NotificationLogEntry struct {
	EventType    AlertEvent   `json:"event_type"`
	Channel      Channel      `json:"channel"`
	Recipient    string       `json:"recipient"`
	SentAt       time.Time    `json:"sent_at"`
	Status       NotifyStatus `json:"status"`
	MessageID    string       `json:"message_id,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
}

// Metadata is the structured per-sample / per-alert detail bag.
type Metadata map[string]interface{}

func (md Metadata) Value() (driver.Value, error) {
	if md == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(md)
}

// Int reads an integer field, tolerating the float64 JSON round-trip.
func (md Metadata) Int(key string) (int, bool) {
	switch v := md[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// String reads a string field.
func (md Metadata) String(key string) (string, bool) {
	s, ok := md[key].(string)
	return s, ok
}
