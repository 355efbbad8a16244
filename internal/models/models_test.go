package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func floatPtr(v float64) *float64 {
	return &v
}

// validURLMonitor returns a monitor that passes validation; tests mutate it.
func validURLMonitor() *Monitor {
	return &Monitor{
		ID:                 uuid.New(),
		Name:               "web-frontend",
		Type:               TypeURL,
		PeriodMinutes:      5,
		TimeoutSeconds:     30,
		Active:             true,
		Running:            true,
		Severity:           SeverityHigh,
		ConsecutiveWarning: 2,
		ConsecutiveAlarm:   3,
		ResetAfterOK:       2,
		ExpectedStatusCodes: []int{200},
		Check: CheckConfig{
			URL: &URLCheck{Target: "https://example.test/health"},
		},
	}
}

func TestMonitorValidate(t *testing.T) {
	testCases := []struct {
		name      string
		mutate    func(*Monitor)
		shouldErr bool
	}{
		{
			"Valid URL monitor",
			func(m *Monitor) {},
			false,
		},
		{
			"Unknown type",
			func(m *Monitor) { m.Type = "snmp" },
			true,
		},
		{
			"Missing name",
			func(m *Monitor) { m.Name = "" },
			true,
		},
		{
			"Period too large",
			func(m *Monitor) { m.PeriodMinutes = 2000 },
			true,
		},
		{
			"Timeout too small",
			func(m *Monitor) { m.TimeoutSeconds = 1 },
			true,
		},
		{
			"Zero hysteresis",
			func(m *Monitor) { m.ConsecutiveAlarm = 0 },
			true,
		},
		{
			"Config variant missing",
			func(m *Monitor) { m.Check = CheckConfig{} },
			true,
		},
		{
			"Config variant mismatch",
			func(m *Monitor) {
				m.Check = CheckConfig{Ping: &PingCheck{Host: "example.test"}}
			},
			true,
		},
		{
			"Two config variants set",
			func(m *Monitor) {
				m.Check.Ping = &PingCheck{Host: "example.test"}
			},
			true,
		},
		{
			"Bad positive pattern",
			func(m *Monitor) { m.PositivePattern = "([" },
			true,
		},
		{
			"Status code out of range",
			func(m *Monitor) { m.ExpectedStatusCodes = []int{200, 999} },
			true,
		},
		{
			"Threshold ordering violated",
			func(m *Monitor) {
				m.Thresholds = Thresholds{HighWarning: floatPtr(90), HighAlarm: floatPtr(80)}
			},
			true,
		},
		{
			"Escalation without delay",
			func(m *Monitor) {
				m.Notification = NotificationSettings{EnableEscalation: true}
			},
			true,
		},
		{
			"Bad maintenance window clock",
			func(m *Monitor) {
				m.MaintenanceWindows = []MaintenanceWindow{{Start: "9am", End: "10:00"}}
			},
			true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := validURLMonitor()
			tc.mutate(m)
			err := m.Validate()

			if tc.shouldErr && err == nil {
				t.Error("Expected validation error, but got none")
			}
			if !tc.shouldErr && err != nil {
				t.Errorf("Expected no error, but got: %v", err)
			}
			if tc.shouldErr && err != nil && !errors.Is(err, ErrConfigInvalid) {
				t.Errorf("Expected error to wrap ErrConfigInvalid, got: %v", err)
			}
		})
	}
}

func TestMonitorValidatePerType(t *testing.T) {
	testCases := []struct {
		name      string
		monType   MonitorType
		check     CheckConfig
		shouldErr bool
	}{
		{
			"Valid SSH with password",
			TypeSSH,
			CheckConfig{SSH: &SSHCheck{
				SSHTarget: SSHTarget{Host: "db1.internal", User: "ops", Password: "secret"},
				Command:   "uptime",
			}},
			false,
		},
		{
			"SSH missing auth",
			TypeSSH,
			CheckConfig{SSH: &SSHCheck{
				SSHTarget: SSHTarget{Host: "db1.internal", User: "ops"},
				Command:   "uptime",
			}},
			true,
		},
		{
			"Valid certificate",
			TypeCertificate,
			CheckConfig{Certificate: &CertificateCheck{Hostname: "example.test"}},
			false,
		},
		{
			"Valid AWS",
			TypeAWS,
			CheckConfig{AWS: &AWSCheck{
				Region: "us-east-1", Service: "AWS/EC2",
				ResourceID: "i-0abc", MetricName: "CPUUtilization",
			}},
			false,
		},
		{
			"AWS missing region",
			TypeAWS,
			CheckConfig{AWS: &AWSCheck{
				Service: "AWS/EC2", ResourceID: "i-0abc", MetricName: "CPUUtilization",
			}},
			true,
		},
		{
			"Log with bad pattern",
			TypeLog,
			CheckConfig{Log: &LogCheck{Path: "/var/log/app.log", Pattern: "(["}},
			true,
		},
		{
			"CPU local",
			TypeCPU,
			CheckConfig{System: &SystemCheck{}},
			false,
		},
		{
			"Disk over SSH missing auth",
			TypeDisk,
			CheckConfig{System: &SystemCheck{SSH: &SSHTarget{Host: "db1", User: "ops"}}},
			true,
		},
		{
			"Valid custom command",
			TypeCustom,
			CheckConfig{Custom: &CustomCheck{Command: "check_raid.sh"}},
			false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			m := validURLMonitor()
			m.Type = tc.monType
			m.Check = tc.check
			err := m.Validate()

			if tc.shouldErr && err == nil {
				t.Error("Expected validation error, but got none")
			}
			if !tc.shouldErr && err != nil {
				t.Errorf("Expected no error, but got: %v", err)
			}
		})
	}
}

func TestThresholdsClassify(t *testing.T) {
	th := Thresholds{
		LowWarning:  floatPtr(20),
		HighWarning: floatPtr(80),
		LowAlarm:    floatPtr(10),
		HighAlarm:   floatPtr(95),
	}

	testCases := []struct {
		name  string
		value float64
		want  SampleStatus
	}{
		{"Nominal", 50, StatusOK},
		{"High warning", 85, StatusWarning},
		{"High alarm wins over warning", 96, StatusAlarm},
		{"Low warning", 15, StatusWarning},
		{"Low alarm", 5, StatusAlarm},
		{"Exactly on high alarm", 95, StatusAlarm},
		{"Exactly on high warning", 80, StatusWarning},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := th.Classify(tc.value); got != tc.want {
				t.Errorf("Classify(%v) = %s, want %s", tc.value, got, tc.want)
			}
		})
	}

	if got := (Thresholds{}).Classify(1e9); got != StatusOK {
		t.Errorf("Empty thresholds should classify everything ok, got %s", got)
	}
}

func TestThresholdsCrossed(t *testing.T) {
	th := Thresholds{HighWarning: floatPtr(80), HighAlarm: floatPtr(95)}

	if got := th.Crossed(96, StatusAlarm); got == nil || *got != 95 {
		t.Errorf("Expected crossed bound 95, got %v", got)
	}
	if got := th.Crossed(85, StatusWarning); got == nil || *got != 80 {
		t.Errorf("Expected crossed bound 80, got %v", got)
	}
	if got := th.Crossed(50, StatusOK); got != nil {
		t.Errorf("Expected no crossed bound for ok, got %v", got)
	}
}

func TestAlarmingCandidateUnmarshal(t *testing.T) {
	t.Run("Bare email string", func(t *testing.T) {
		var c AlarmingCandidate
		if err := json.Unmarshal([]byte(`"ops@example.test"`), &c); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if c.Email != "ops@example.test" {
			t.Errorf("Expected canonicalised email, got %q", c.Email)
		}
	})

	t.Run("Contact record", func(t *testing.T) {
		raw := `{
			"name": "on-call",
			"email": "oncall@example.test",
			"mobile": "+15550001111",
			"notification_preferences": {"alarm": ["email", "sms"], "warning": ["email"]}
		}`
		var c AlarmingCandidate
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if c.Name != "on-call" || c.Mobile != "+15550001111" {
			t.Errorf("Record fields not decoded: %+v", c)
		}
		if got := len(c.Preferences[AlertAlarm]); got != 2 {
			t.Errorf("Expected 2 alarm channels, got %d", got)
		}
	})

	t.Run("Mixed list", func(t *testing.T) {
		raw := `["first@example.test", {"email": "second@example.test"}]`
		var list []AlarmingCandidate
		if err := json.Unmarshal([]byte(raw), &list); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if len(list) != 2 || list[0].Email != "first@example.test" || list[1].Email != "second@example.test" {
			t.Errorf("Mixed list not canonicalised: %+v", list)
		}
	})
}

func TestCandidateChannelResolution(t *testing.T) {
	fallback := NotificationSettings{
		WarningChannels: []Channel{ChannelEmail},
		AlarmChannels:   []Channel{ChannelEmail, ChannelSMS},
	}

	withPrefs := AlarmingCandidate{
		Email:       "a@example.test",
		Preferences: map[AlertSeverity][]Channel{AlertAlarm: {ChannelSlack}},
	}
	if got := withPrefs.ChannelsFor(AlertAlarm, fallback); len(got) != 1 || got[0] != ChannelSlack {
		t.Errorf("Expected preference channels, got %v", got)
	}
	if got := withPrefs.ChannelsFor(AlertWarning, fallback); len(got) != 1 || got[0] != ChannelEmail {
		t.Errorf("Expected fallback warning channels, got %v", got)
	}

	bare := AlarmingCandidate{Email: "b@example.test"}
	if got := bare.ChannelsFor(AlertAlarm, fallback); len(got) != 2 {
		t.Errorf("Expected fallback alarm channels, got %v", got)
	}
}

func TestAlertHelpers(t *testing.T) {
	alert := &Alert{
		NotificationsSent: []NotificationLogEntry{
			{EventType: EventTriggered, Channel: ChannelEmail, Recipient: "a@example.test", Status: NotifySent},
		},
	}

	if !alert.HasNotification(EventTriggered, ChannelEmail, "a@example.test") {
		t.Error("Expected existing notification tuple to be found")
	}
	if alert.HasNotification(EventEscalated, ChannelEmail, "a@example.test") {
		t.Error("Different event type should be a distinct tuple")
	}
	if alert.HasNotification(EventTriggered, ChannelSMS, "a@example.test") {
		t.Error("Different channel should be a distinct tuple")
	}

	if alert.RunningAttempt() != nil {
		t.Error("Expected no running attempt")
	}
	alert.RecoveryAttempts = append(alert.RecoveryAttempts, RecoveryAttempt{AttemptNumber: 1, Status: RecoveryRunning})
	if got := alert.RunningAttempt(); got == nil || got.AttemptNumber != 1 {
		t.Errorf("Expected running attempt #1, got %+v", got)
	}
}

func TestSeverityRank(t *testing.T) {
	order := []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow}
	for i := 0; i < len(order)-1; i++ {
		if order[i].Rank() <= order[i+1].Rank() {
			t.Errorf("Expected %s to rank above %s", order[i], order[i+1])
		}
	}
}
