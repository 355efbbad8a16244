package notify

import (
	"strings"
	"testing"
	"time"

	"github.com/argusmon/argus/internal/models"
)

func renderMonitor(name string, typ models.MonitorType) *models.Monitor {
	return &models.Monitor{Name: name, Type: typ}
}

func renderAlert(sev models.AlertSeverity) *models.Alert {
	return &models.Alert{
		MonitorName:         "web",
		Severity:            sev,
		Status:              models.AlertActive,
		TriggeredAt:         time.Date(2025, 6, 2, 11, 45, 0, 0, time.UTC),
		ConsecutiveFailures: 3,
		Message:             "web alarm: value=812 threshold=500 after 3 failures",
	}
}

func TestEventSubjects(t *testing.T) {
	mon := renderMonitor("web", models.TypeURL)
	cases := []struct {
		event models.AlertEvent
		sev   models.AlertSeverity
		want  string
	}{
		{models.EventTriggered, models.AlertAlarm, "[argus] ALARM: web"},
		{models.EventTriggered, models.AlertWarning, "[argus] WARNING: web"},
		{models.EventEscalated, models.AlertAlarm, "[argus] ESCALATED: web"},
		{models.EventAcknowledged, models.AlertAlarm, "[argus] ACKNOWLEDGED: web"},
		{models.EventRecovered, models.AlertAlarm, "[argus] RECOVERED: web"},
		{models.EventReminder, models.AlertAlarm, "[argus] STILL ALARM: web"},
		{models.EventReminder, models.AlertWarning, "[argus] STILL WARNING: web"},
	}
	for _, tc := range cases {
		got := eventSubject(tc.event, mon, renderAlert(tc.sev))
		if got != tc.want {
			t.Errorf("%s/%s subject = %q, want %q", tc.event, tc.sev, got, tc.want)
		}
	}
}

func TestRenderBodies(t *testing.T) {
	mon := renderMonitor("web", models.TypeURL)
	al := renderAlert(models.AlertAlarm)
	value, threshold := 812.0, 500.0
	al.CurrentValue = &value
	al.ThresholdValue = &threshold

	subject, text, html, err := render(models.EventTriggered, mon, al, time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if subject != "[argus] ALARM: web" {
		t.Errorf("subject = %q", subject)
	}

	for _, want := range []string{
		"Alert triggered: web",
		"web (url)",
		"Value:      812 (threshold 500)",
		"Failures:   3 consecutive",
		al.Message,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("text body missing %q:\n%s", want, text)
		}
	}
	if strings.Contains(text, "Certificate details") {
		t.Error("non-certificate monitor rendered a certificate section")
	}

	if !strings.Contains(html, "<h2>Alert triggered: web</h2>") {
		t.Errorf("html body missing headline:\n%s", html)
	}
	if !strings.Contains(html, "812 (threshold 500)") {
		t.Error("html body missing value row")
	}
}

func TestRenderAcknowledgement(t *testing.T) {
	mon := renderMonitor("web", models.TypeURL)
	al := renderAlert(models.AlertAlarm)
	al.Status = models.AlertAcknowledged
	al.AcknowledgedBy = "meera"
	al.AcknowledgeNote = "rolling back the deploy"

	_, text, _, err := render(models.EventAcknowledged, mon, al, time.Now())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(text, "Acknowledged by meera: rolling back the deploy.") {
		t.Errorf("text body missing acknowledgement line:\n%s", text)
	}
}

func TestRenderCertificateSection(t *testing.T) {
	mon := renderMonitor("edge-tls", models.TypeCertificate)
	al := renderAlert(models.AlertAlarm)
	al.MonitorName = "edge-tls"
	// Float and []interface{} mirror a JSON round-trip through the store.
	al.Metadata = models.Metadata{
		"daysRemaining": float64(5),
		"notAfter":      "2025-06-07T12:00:00Z",
		"issuer":        "R11",
		"commonName":    "example.test",
		"sans":          []interface{}{"example.test", "www.example.test"},
	}

	_, text, html, err := render(models.EventTriggered, mon, al, time.Now())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{
		"Certificate details",
		"Expires in: 5 days (not after 2025-06-07T12:00:00Z)",
		"Issuer:     R11",
		"Subject:    example.test",
		"SANs:       example.test, www.example.test",
		"Renew the certificate before the expiry date.",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("text body missing %q:\n%s", want, text)
		}
	}
	if !strings.Contains(html, "<h3>Certificate details</h3>") {
		t.Error("html body missing certificate section")
	}

	t.Run("MissingMetadataSkipsSection", func(t *testing.T) {
		bare := renderAlert(models.AlertAlarm)
		_, text, _, err := render(models.EventTriggered, mon, bare, time.Now())
		if err != nil {
			t.Fatalf("render: %v", err)
		}
		if strings.Contains(text, "Certificate details") {
			t.Error("certificate section rendered without expiry metadata")
		}
	})
}
