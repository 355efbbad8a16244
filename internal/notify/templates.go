package notify

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strconv"
	"strings"
	texttemplate "text/template"
	"time"

	"github.com/argusmon/argus/internal/models"
)

const productName = "argus"

// templateData is the view rendered into both body variants.
type templateData struct {
	Title       string
	Monitor     string
	Type        string
	Severity    string
	Status      string
	Message     string
	Value       string
	Threshold   string
	Failures    int
	TriggeredAt string
	EventAt     string

	AcknowledgedBy  string
	AcknowledgeNote string
	RecoveredAt     string

	Certificate *certificateData
}

// certificateData carries the expiry details the certificate probe stored
// on the alert, plus remediation hints.
type certificateData struct {
	DaysRemaining int
	NotAfter      string
	Issuer        string
	CommonName    string
	SANs          []string
	Hints         []string
}

var certificateHints = []string{
	"Renew the certificate before the expiry date.",
	"If renewal is automated, check why the automation has not replaced it.",
	"After renewal, confirm the served chain and re-run the check.",
}

var eventTitles = map[models.AlertEvent]string{
	models.EventTriggered:    "Alert triggered",
	models.EventEscalated:    "Alert escalated",
	models.EventAcknowledged: "Alert acknowledged",
	models.EventRecovered:    "Alert recovered",
	models.EventReminder:     "Alert still active",
}

const textBodySrc = `{{.Title}}: {{.Monitor}}

Monitor:    {{.Monitor}} ({{.Type}})
Severity:   {{.Severity}}
Status:     {{.Status}}
Triggered:  {{.TriggeredAt}}
{{- if .Value}}
Value:      {{.Value}}{{if .Threshold}} (threshold {{.Threshold}}){{end}}
{{- end}}
{{- if .Failures}}
Failures:   {{.Failures}} consecutive
{{- end}}

{{.Message}}
{{- if .AcknowledgedBy}}

Acknowledged by {{.AcknowledgedBy}}{{if .AcknowledgeNote}}: {{.AcknowledgeNote}}{{end}}.
{{- end}}
{{- if .RecoveredAt}}

Recovered at {{.RecoveredAt}}.
{{- end}}
{{- if .Certificate}}

Certificate details:
  Expires in: {{.Certificate.DaysRemaining}} days{{if .Certificate.NotAfter}} (not after {{.Certificate.NotAfter}}){{end}}
{{- if .Certificate.Issuer}}
  Issuer:     {{.Certificate.Issuer}}
{{- end}}
{{- if .Certificate.CommonName}}
  Subject:    {{.Certificate.CommonName}}
{{- end}}
{{- if .Certificate.SANs}}
  SANs:       {{join .Certificate.SANs ", "}}
{{- end}}

Suggested actions:
{{- range .Certificate.Hints}}
  - {{.}}
{{- end}}
{{- end}}
`

const htmlBodySrc = `<!DOCTYPE html>
<html>
<body style="font-family: sans-serif; color: #222222;">
<h2>{{.Title}}: {{.Monitor}}</h2>
<table cellpadding="4">
<tr><td><b>Monitor</b></td><td>{{.Monitor}} ({{.Type}})</td></tr>
<tr><td><b>Severity</b></td><td>{{.Severity}}</td></tr>
<tr><td><b>Status</b></td><td>{{.Status}}</td></tr>
<tr><td><b>Triggered</b></td><td>{{.TriggeredAt}}</td></tr>
{{- if .Value}}
<tr><td><b>Value</b></td><td>{{.Value}}{{if .Threshold}} (threshold {{.Threshold}}){{end}}</td></tr>
{{- end}}
{{- if .Failures}}
<tr><td><b>Failures</b></td><td>{{.Failures}} consecutive</td></tr>
{{- end}}
</table>
<p>{{.Message}}</p>
{{- if .AcknowledgedBy}}
<p>Acknowledged by {{.AcknowledgedBy}}{{if .AcknowledgeNote}}: {{.AcknowledgeNote}}{{end}}.</p>
{{- end}}
{{- if .RecoveredAt}}
<p>Recovered at {{.RecoveredAt}}.</p>
{{- end}}
{{- if .Certificate}}
<h3>Certificate details</h3>
<table cellpadding="4">
<tr><td><b>Expires in</b></td><td>{{.Certificate.DaysRemaining}} days{{if .Certificate.NotAfter}} (not after {{.Certificate.NotAfter}}){{end}}</td></tr>
{{- if .Certificate.Issuer}}
<tr><td><b>Issuer</b></td><td>{{.Certificate.Issuer}}</td></tr>
{{- end}}
{{- if .Certificate.CommonName}}
<tr><td><b>Subject</b></td><td>{{.Certificate.CommonName}}</td></tr>
{{- end}}
{{- if .Certificate.SANs}}
<tr><td><b>SANs</b></td><td>{{join .Certificate.SANs ", "}}</td></tr>
{{- end}}
</table>
<p>Suggested actions:</p>
<ul>
{{- range .Certificate.Hints}}
<li>{{.}}</li>
{{- end}}
</ul>
{{- end}}
</body>
</html>
`

var (
	textBody = texttemplate.Must(texttemplate.New("text").
			Funcs(texttemplate.FuncMap{"join": strings.Join}).Parse(textBodySrc))
	htmlBody = htmltemplate.Must(htmltemplate.New("html").
			Funcs(htmltemplate.FuncMap{"join": strings.Join}).Parse(htmlBodySrc))
)

// render produces the subject plus the plain-text and HTML bodies for one
// alert event.
func render(event models.AlertEvent, mon *models.Monitor, al *models.Alert, at time.Time) (subject, text, html string, err error) {
	data := buildData(event, mon, al, at)
	var tbuf, hbuf bytes.Buffer
	if err := textBody.Execute(&tbuf, data); err != nil {
		return "", "", "", fmt.Errorf("render text body: %w", err)
	}
	if err := htmlBody.Execute(&hbuf, data); err != nil {
		return "", "", "", fmt.Errorf("render html body: %w", err)
	}
	return eventSubject(event, mon, al), tbuf.String(), hbuf.String(), nil
}

// eventSubject builds the one-line summary used as the email subject and
// the Slack headline.
func eventSubject(event models.AlertEvent, mon *models.Monitor, al *models.Alert) string {
	switch event {
	case models.EventTriggered:
		return fmt.Sprintf("[%s] %s: %s", productName, strings.ToUpper(string(al.Severity)), mon.Name)
	case models.EventEscalated:
		return fmt.Sprintf("[%s] ESCALATED: %s", productName, mon.Name)
	case models.EventAcknowledged:
		return fmt.Sprintf("[%s] ACKNOWLEDGED: %s", productName, mon.Name)
	case models.EventRecovered:
		return fmt.Sprintf("[%s] RECOVERED: %s", productName, mon.Name)
	case models.EventReminder:
		return fmt.Sprintf("[%s] STILL %s: %s", productName, strings.ToUpper(string(al.Severity)), mon.Name)
	default:
		return fmt.Sprintf("[%s] %s: %s", productName, event, mon.Name)
	}
}

func buildData(event models.AlertEvent, mon *models.Monitor, al *models.Alert, at time.Time) *templateData {
	title := eventTitles[event]
	if title == "" {
		title = string(event)
	}
	d := &templateData{
		Title:       title,
		Monitor:     mon.Name,
		Type:        string(mon.Type),
		Severity:    string(al.Severity),
		Status:      string(al.Status),
		Message:     al.Message,
		Failures:    al.ConsecutiveFailures,
		TriggeredAt: al.TriggeredAt.UTC().Format(time.RFC3339),
		EventAt:     at.UTC().Format(time.RFC3339),
	}
	if al.CurrentValue != nil {
		d.Value = strconv.FormatFloat(*al.CurrentValue, 'f', -1, 64)
	}
	if al.ThresholdValue != nil {
		d.Threshold = strconv.FormatFloat(*al.ThresholdValue, 'f', -1, 64)
	}
	if al.AcknowledgedBy != "" {
		d.AcknowledgedBy = al.AcknowledgedBy
		d.AcknowledgeNote = al.AcknowledgeNote
	}
	if al.RecoveredAt != nil {
		d.RecoveredAt = al.RecoveredAt.UTC().Format(time.RFC3339)
	}
	if mon.Type == models.TypeCertificate {
		d.Certificate = certificateView(al.Metadata)
	}
	return d
}

// certificateView extracts the probe-supplied certificate fields from the
// alert metadata. Numbers tolerate the float64 JSON round-trip.
func certificateView(md models.Metadata) *certificateData {
	if md == nil {
		return nil
	}
	days, ok := md.Int("daysRemaining")
	if !ok {
		return nil
	}
	c := &certificateData{DaysRemaining: days, Hints: certificateHints}
	c.NotAfter, _ = md.String("notAfter")
	c.Issuer, _ = md.String("issuer")
	c.CommonName, _ = md.String("commonName")
	c.SANs = stringSlice(md["sans"])
	return c
}

func stringSlice(v interface{}) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
