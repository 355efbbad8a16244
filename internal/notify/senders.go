package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	retry "github.com/avast/retry-go"
	"github.com/slack-go/slack"
	mail "github.com/wneessen/go-mail"

	"github.com/argusmon/argus/internal/config"
	"github.com/argusmon/argus/internal/models"
)

// Payload is one rendered notification ready for transport.
type Payload struct {
	Event     models.AlertEvent
	Channel   models.Channel
	Recipient string
	Subject   string
	Text      string
	HTML      string
	Monitor   *models.Monitor
	Alert     *models.Alert
}

// Sender delivers a payload over one transport. Implementations return the
// carrier's message id when it provides one.
type Sender interface {
	Send(ctx context.Context, p *Payload) (messageID string, err error)
}

// sendTimeout bounds a single transport attempt.
const sendTimeout = 30 * time.Second

// sendSchedule is the fixed backoff between attempts inside one delivery:
// the first retry after 1s, then 4s, then 15s.
var sendSchedule = []time.Duration{time.Second, 4 * time.Second, 15 * time.Second}

// withRetry runs send with the fixed schedule: the initial attempt plus one
// retry per schedule entry. Errors wrapped with retry.Unrecoverable stop
// the retrying immediately.
func withRetry(ctx context.Context, send func() error) error {
	return retry.Do(
		send,
		retry.Context(ctx),
		retry.Attempts(uint(len(sendSchedule))+1),
		retry.LastErrorOnly(true),
		retry.DelayType(func(n uint, _ error, _ *retry.Config) time.Duration {
			if int(n) < len(sendSchedule) {
				return sendSchedule[n]
			}
			return sendSchedule[len(sendSchedule)-1]
		}),
	)
}

// EmailSender delivers over SMTP. The client dials per send, so
// construction never touches the network.
type EmailSender struct {
	cfg config.SMTPConfig
}

func NewEmailSender(cfg config.SMTPConfig) *EmailSender {
	return &EmailSender{cfg: cfg}
}

func (s *EmailSender) Send(ctx context.Context, p *Payload) (string, error) {
	if s.cfg.Host == "" {
		return "", retry.Unrecoverable(fmt.Errorf("smtp host not configured"))
	}

	msg := mail.NewMsg()
	if err := msg.From(s.cfg.From); err != nil {
		return "", retry.Unrecoverable(fmt.Errorf("smtp sender %q: %w", s.cfg.From, err))
	}
	if err := msg.To(p.Recipient); err != nil {
		return "", retry.Unrecoverable(fmt.Errorf("smtp recipient %q: %w", p.Recipient, err))
	}
	msg.Subject(p.Subject)
	msg.SetBodyString(mail.TypeTextPlain, p.Text)
	msg.AddAlternativeString(mail.TypeTextHTML, p.HTML)
	msg.SetMessageID()

	opts := []mail.Option{
		mail.WithPort(s.cfg.Port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithTimeout(sendTimeout),
	}
	if s.cfg.User != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.cfg.User),
			mail.WithPassword(s.cfg.Password),
		)
	}
	client, err := mail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return "", retry.Unrecoverable(fmt.Errorf("smtp client: %w", err))
	}

	err = withRetry(ctx, func() error {
		return client.DialAndSendWithContext(ctx, msg)
	})
	if err != nil {
		return "", fmt.Errorf("smtp send: %w", err)
	}
	return msg.GetMessageID(), nil
}

// gatewayRequest is the JSON body posted to the SMS and webhook gateways.
type gatewayRequest struct {
	Channel     string    `json:"channel"`
	Recipient   string    `json:"recipient"`
	Event       string    `json:"event"`
	MonitorID   string    `json:"monitor_id"`
	Monitor     string    `json:"monitor"`
	AlertID     string    `json:"alert_id"`
	Severity    string    `json:"severity"`
	Status      string    `json:"status"`
	Subject     string    `json:"subject"`
	Message     string    `json:"message"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// GatewaySender posts JSON to a configured gateway URL. SMS, call, and
// generic webhook deliveries all use one of these; call traffic shares the
// SMS gateway because no voice transport exists.
type GatewaySender struct {
	channel models.Channel
	url     string
	client  *http.Client
}

func NewGatewaySender(ch models.Channel, url string) *GatewaySender {
	return &GatewaySender{
		channel: ch,
		url:     url,
		client:  &http.Client{Timeout: sendTimeout},
	}
}

func (s *GatewaySender) Send(ctx context.Context, p *Payload) (string, error) {
	if s.url == "" {
		return "", retry.Unrecoverable(fmt.Errorf("%s gateway url not configured", s.channel))
	}

	body, err := json.Marshal(gatewayRequest{
		Channel:     string(s.channel),
		Recipient:   p.Recipient,
		Event:       string(p.Event),
		MonitorID:   p.Monitor.ID.String(),
		Monitor:     p.Monitor.Name,
		AlertID:     p.Alert.ID.String(),
		Severity:    string(p.Alert.Severity),
		Status:      string(p.Alert.Status),
		Subject:     p.Subject,
		Message:     p.Text,
		TriggeredAt: p.Alert.TriggeredAt,
	})
	if err != nil {
		return "", retry.Unrecoverable(fmt.Errorf("encode %s payload: %w", s.channel, err))
	}

	var messageID string
	err = withRetry(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return retry.Unrecoverable(fmt.Errorf("build %s request: %w", s.channel, err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := s.client.Do(req)
		if err != nil {
			return fmt.Errorf("post %s gateway: %w", s.channel, err)
		}
		defer resp.Body.Close()

		messageID = resp.Header.Get("X-Message-Id")
		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("%s gateway returned %d", s.channel, resp.StatusCode)
		case resp.StatusCode >= 300:
			// The gateway rejected the request itself; retrying the same
			// body cannot succeed.
			return retry.Unrecoverable(fmt.Errorf("%s gateway returned %d", s.channel, resp.StatusCode))
		default:
			return nil
		}
	})
	if err != nil {
		return "", err
	}
	return messageID, nil
}

// SlackSender posts to an incoming-webhook URL.
type SlackSender struct {
	url string
}

func NewSlackSender(url string) *SlackSender {
	return &SlackSender{url: url}
}

func (s *SlackSender) Send(ctx context.Context, p *Payload) (string, error) {
	if s.url == "" {
		return "", retry.Unrecoverable(fmt.Errorf("slack webhook url not configured"))
	}

	msg := &slack.WebhookMessage{
		Username: productName,
		Text:     p.Subject,
		Attachments: []slack.Attachment{{
			Color:  slackColor(p.Event, p.Alert),
			Title:  p.Subject,
			Text:   p.Text,
			Footer: productName,
		}},
	}
	err := withRetry(ctx, func() error {
		return slack.PostWebhookContext(ctx, s.url, msg)
	})
	if err != nil {
		return "", fmt.Errorf("slack webhook: %w", err)
	}
	return "", nil
}

func slackColor(event models.AlertEvent, al *models.Alert) string {
	switch event {
	case models.EventRecovered:
		return "good"
	case models.EventAcknowledged:
		return "#439FE0"
	default:
		if al != nil && al.Severity == models.AlertAlarm {
			return "danger"
		}
		return "warning"
	}
}
