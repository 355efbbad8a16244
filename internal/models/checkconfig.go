package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CheckConfig is the type-specific configuration variant. Exactly the field
// matching Monitor.Type must be set; Monitor.Validate enforces this.
type CheckConfig struct {
	URL         *URLCheck         `json:"url,omitempty"`
	APIPost     *APIPostCheck     `json:"api_post,omitempty"`
	Ping        *PingCheck        `json:"ping,omitempty"`
	SSH         *SSHCheck         `json:"ssh,omitempty"`
	AWS         *AWSCheck         `json:"aws,omitempty"`
	Certificate *CertificateCheck `json:"certificate,omitempty"`
	Log         *LogCheck         `json:"log,omitempty"`
	System      *SystemCheck      `json:"system,omitempty"`
	Custom      *CustomCheck      `json:"custom,omitempty"`
}

// URLCheck probes an HTTP endpoint with GET.
type URLCheck struct {
	Target  string            `json:"target" validate:"required,url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// APIPostCheck probes an HTTP endpoint with a JSON POST body.
type APIPostCheck struct {
	Target   string            `json:"target" validate:"required,url"`
	PostBody string            `json:"post_body" validate:"required"`
	Headers  map[string]string `json:"headers,omitempty"`
}

// PingCheck sends ICMP echo requests.
type PingCheck struct {
	Host           string `json:"host" validate:"required"`
	Count          int    `json:"count,omitempty" validate:"omitempty,min=1,max=20"` // default 3
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`                         // per-echo, default monitor timeout / count
}

// EchoCount returns the configured echo count or the default.
func (p *PingCheck) EchoCount() int {
	if p.Count <= 0 {
		return 3
	}
	return p.Count
}

// SSHTarget holds connection settings for SSH-based probes.
type SSHTarget struct {
	Host       string `json:"host" validate:"required"`
	Port       int    `json:"port,omitempty"` // default 22
	User       string `json:"user" validate:"required"`
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"private_key,omitempty"` // PEM
}

// Addr returns host:port with the default SSH port applied.
func (t *SSHTarget) Addr() string {
	port := t.Port
	if port <= 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", t.Host, port)
}

// Validate checks that at least one auth method is present.
func (t *SSHTarget) Validate() error {
	if t.Password == "" && t.PrivateKey == "" {
		return fmt.Errorf("either password or private_key is required for ssh")
	}
	return nil
}

// SSHCheck runs a command on a remote host over SSH.
type SSHCheck struct {
	SSHTarget
	Command string `json:"command" validate:"required"`
}

// AWSCheck reads one CloudWatch metric datapoint.
type AWSCheck struct {
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	Region          string `json:"region" validate:"required"`
	Service         string `json:"service" validate:"required"` // CloudWatch namespace, e.g. "AWS/EC2"
	ResourceID      string `json:"resource_id" validate:"required"`
	MetricName      string `json:"metric_name" validate:"required"`
	Statistic       string `json:"statistic,omitempty"`      // default "Average"
	DimensionName   string `json:"dimension_name,omitempty"` // default derived from service
}

// dimensionDefaults maps CloudWatch namespaces to their primary dimension.
var dimensionDefaults = map[string]string{
	"AWS/EC2":    "InstanceId",
	"AWS/RDS":    "DBInstanceIdentifier",
	"AWS/Lambda": "FunctionName",
	"AWS/ELB":    "LoadBalancerName",
	"AWS/SQS":    "QueueName",
}

// Dimension returns the dimension name, deriving it from the namespace when
// not set explicitly.
func (a *AWSCheck) Dimension() string {
	if a.DimensionName != "" {
		return a.DimensionName
	}
	if d, ok := dimensionDefaults[a.Service]; ok {
		return d
	}
	return "InstanceId"
}

// Stat returns the statistic with the default applied.
func (a *AWSCheck) Stat() string {
	if a.Statistic == "" {
		return "Average"
	}
	return a.Statistic
}

// CertificateCheck inspects TLS certificate expiry.
type CertificateCheck struct {
	Hostname             string `json:"hostname" validate:"required"`
	Port                 int    `json:"port,omitempty"`                   // default 443
	WarningThresholdDays int    `json:"warning_threshold_days,omitempty"` // default 30
	AlarmThresholdDays   int    `json:"alarm_threshold_days,omitempty"`   // default 7
}

// Addr returns hostname:port with the default HTTPS port applied.
func (c *CertificateCheck) Addr() string {
	port := c.Port
	if port <= 0 {
		port = 443
	}
	return fmt.Sprintf("%s:%d", c.Hostname, port)
}

// WarnDays returns the warning threshold with the default applied.
func (c *CertificateCheck) WarnDays() int {
	if c.WarningThresholdDays <= 0 {
		return 30
	}
	return c.WarningThresholdDays
}

// AlarmDays returns the alarm threshold with the default applied.
func (c *CertificateCheck) AlarmDays() int {
	if c.AlarmThresholdDays <= 0 {
		return 7
	}
	return c.AlarmThresholdDays
}

// LogCheck scans a log file for pattern matches, locally or over SSH.
type LogCheck struct {
	Path     string     `json:"path" validate:"required"`
	Pattern  string     `json:"pattern" validate:"required"`
	Category string     `json:"category,omitempty"` // maps to remediation hints
	MaxLines int        `json:"max_lines,omitempty"` // matched lines kept in metadata, default 10
	SSH      *SSHTarget `json:"ssh,omitempty"`       // nil = local file
}

// LineCap returns the matched-line cap with the default applied.
func (l *LogCheck) LineCap() int {
	if l.MaxLines <= 0 {
		return 10
	}
	return l.MaxLines
}

// SystemCheck reads cpu, memory, or disk usage. The resource is implied by
// the monitor type; nil SSH means the local host.
type SystemCheck struct {
	Mountpoint string     `json:"mountpoint,omitempty"` // disk only, default "/"
	SSH        *SSHTarget `json:"ssh,omitempty"`
}

// CustomCheck runs an admin-configured local command.
type CustomCheck struct {
	Command string `json:"command" validate:"required"`
}

// Thresholds holds the optional numeric classification bounds. Any subset
// may be absent.
type Thresholds struct {
	LowWarning  *float64 `json:"low_warning,omitempty"`
	HighWarning *float64 `json:"high_warning,omitempty"`
	LowAlarm    *float64 `json:"low_alarm,omitempty"`
	HighAlarm   *float64 `json:"high_alarm,omitempty"`
}

// Classify maps a numeric value to a status. Alarm bounds win over warning
// bounds when both are crossed.
func (t Thresholds) Classify(v float64) SampleStatus {
	if t.HighAlarm != nil && v >= *t.HighAlarm {
		return StatusAlarm
	}
	if t.LowAlarm != nil && v <= *t.LowAlarm {
		return StatusAlarm
	}
	if t.HighWarning != nil && v >= *t.HighWarning {
		return StatusWarning
	}
	if t.LowWarning != nil && v <= *t.LowWarning {
		return StatusWarning
	}
	return StatusOK
}

// Crossed returns the bound responsible for the given status, for alert
// messages. Nil when no bound applies.
func (t Thresholds) Crossed(v float64, status SampleStatus) *float64 {
	switch status {
	case StatusAlarm:
		if t.HighAlarm != nil && v >= *t.HighAlarm {
			return t.HighAlarm
		}
		if t.LowAlarm != nil && v <= *t.LowAlarm {
			return t.LowAlarm
		}
	case StatusWarning:
		if t.HighWarning != nil && v >= *t.HighWarning {
			return t.HighWarning
		}
		if t.LowWarning != nil && v <= *t.LowWarning {
			return t.LowWarning
		}
	}
	return nil
}

// Empty reports whether no bound is configured.
func (t Thresholds) Empty() bool {
	return t.LowWarning == nil && t.HighWarning == nil && t.LowAlarm == nil && t.HighAlarm == nil
}

// Validate checks bound ordering where pairs are present.
func (t Thresholds) Validate() error {
	if t.HighWarning != nil && t.HighAlarm != nil && *t.HighWarning > *t.HighAlarm {
		return fmt.Errorf("high_warning must not exceed high_alarm")
	}
	if t.LowWarning != nil && t.LowAlarm != nil && *t.LowWarning < *t.LowAlarm {
		return fmt.Errorf("low_warning must not be below low_alarm")
	}
	return nil
}

// NotificationSettings holds monitor-wide channel defaults and the
// escalation policy.
type NotificationSettings struct {
	WarningChannels        []Channel `json:"warning_channels,omitempty"`
	AlarmChannels          []Channel `json:"alarm_channels,omitempty"`
	EnableEscalation       bool      `json:"enable_escalation,omitempty"`
	EscalationDelayMinutes int       `json:"escalation_delay_minutes,omitempty"`
}

// ChannelsFor returns the monitor-wide channel set for an alert severity.
func (n NotificationSettings) ChannelsFor(sev AlertSeverity) []Channel {
	if sev == AlertAlarm {
		return n.AlarmChannels
	}
	return n.WarningChannels
}

// EscalationDelay returns the configured escalation delay, zero when the
// policy is disabled.
func (n NotificationSettings) EscalationDelay() time.Duration {
	if !n.EnableEscalation || n.EscalationDelayMinutes < 1 {
		return 0
	}
	return time.Duration(n.EscalationDelayMinutes) * time.Minute
}

// AlarmingCandidate is one notification recipient. The wire form accepts
// either a bare email string or a full contact record; UnmarshalJSON
// canonicalises to the record form.
type AlarmingCandidate struct {
	Name        string                      `json:"name,omitempty"`
	Email       string                      `json:"email,omitempty" validate:"omitempty,email"`
	Mobile      string                      `json:"mobile,omitempty"`
	Role        string                      `json:"role,omitempty"`
	Preferences map[AlertSeverity][]Channel `json:"notification_preferences,omitempty"`
}

func (c *AlarmingCandidate) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var email string
		if err := json.Unmarshal(b, &email); err != nil {
			return err
		}
		*c = AlarmingCandidate{Email: strings.TrimSpace(email)}
		return nil
	}
	type record AlarmingCandidate // avoid recursing into this method
	var r record
	if err := json.Unmarshal(b, &r); err != nil {
		return err
	}
	*c = AlarmingCandidate(r)
	return nil
}

// ChannelsFor returns the recipient's channel preferences for a severity,
// falling back to the monitor-wide settings when unset.
func (c *AlarmingCandidate) ChannelsFor(sev AlertSeverity, fallback NotificationSettings) []Channel {
	if chs, ok := c.Preferences[sev]; ok && len(chs) > 0 {
		return chs
	}
	return fallback.ChannelsFor(sev)
}

// Address returns the recipient address for a channel, empty when the
// contact has no usable address for it.
func (c *AlarmingCandidate) Address(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return c.Email
	case ChannelSMS, ChannelCall:
		return c.Mobile
	default:
		// slack and webhook deliver to monitor/engine-level URLs; the
		// recipient identity is still recorded for dedup.
		if c.Email != "" {
			return c.Email
		}
		return c.Name
	}
}
