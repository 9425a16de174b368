package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/incidentops/internal/alerting/service/incident"
)

// LogSink writes a structured log entry per alert.
type LogSink struct {
	logger zerolog.Logger
}

func NewLogSink(l *zerolog.Logger) *LogSink {
	if l == nil {
		lg := log.Logger.With().Str("component", incident.LogComponent).Logger()
		l = &lg
	}
	return &LogSink{logger: *l}
}

func (s *LogSink) Name() string { return ChannelLog }

func (s *LogSink) Send(ctx context.Context, a *Alert) error {
	var ev *zerolog.Event
	switch a.Urgency {
	case UrgencyImmediate:
		ev = s.logger.Error()
	case UrgencyHigh:
		ev = s.logger.Warn()
	default:
		ev = s.logger.Info()
	}
	ev.Str("incident_id", a.Incident.ID).
		Str("title", a.Incident.Title).
		Str("severity", string(a.Incident.Severity)).
		Str("status", string(a.Incident.Status)).
		Str("target", a.Incident.Component).
		Str("urgency", string(a.Urgency)).
		Bool("escalation", a.Escalation).
		Str("delivery_id", a.DeliveryID).
		Msg(a.AlertType)
	return nil
}

// HTTPOptions controls delivery for the HTTP based sinks.
type HTTPOptions struct {
	Client *http.Client
	// Attempts is the total number of tries per delivery, at least 1.
	Attempts        int
	InitialInterval time.Duration
}

func (o HTTPOptions) withDefaults() HTTPOptions {
	if o.Client == nil {
		o.Client = &http.Client{Timeout: 10 * time.Second}
	}
	if o.Attempts <= 0 {
		o.Attempts = 1
	}
	if o.InitialInterval <= 0 {
		o.InitialInterval = 500 * time.Millisecond
	}
	return o
}

// poster POSTs JSON with exponential backoff. 4xx responses are not retried.
type poster struct {
	url  string
	opts HTTPOptions
}

func (p *poster) post(ctx context.Context, deliveryID string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.InitialInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.opts.Attempts-1)), ctx)

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Delivery-ID", deliveryID)
		resp, err := p.opts.Client.Do(req)
		if err != nil {
			return fmt.Errorf("failed to execute request: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err = fmt.Errorf("endpoint returned status %d: %s", resp.StatusCode, string(respBody))
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, policy)
}

// WebhookSink POSTs the full alert payload.
type WebhookSink struct{ poster }

func NewWebhookSink(url string, opts HTTPOptions) *WebhookSink {
	return &WebhookSink{poster{url: url, opts: opts.withDefaults()}}
}

func (s *WebhookSink) Name() string { return ChannelWebhook }

func (s *WebhookSink) Send(ctx context.Context, a *Alert) error {
	return s.post(ctx, a.DeliveryID, a)
}

// SlackSink posts a text message to a Slack incoming webhook.
type SlackSink struct{ poster }

func NewSlackSink(url string, opts HTTPOptions) *SlackSink {
	return &SlackSink{poster{url: url, opts: opts.withDefaults()}}
}

func (s *SlackSink) Name() string { return ChannelSlack }

type slackMessage struct {
	Text string `json:"text"`
}

func (s *SlackSink) Send(ctx context.Context, a *Alert) error {
	text := a.Summary()
	if a.Incident.Description != "" {
		text += "\n" + a.Incident.Description
	}
	return s.post(ctx, a.DeliveryID, slackMessage{Text: text})
}

// smsMaxLen is the single-segment SMS limit.
const smsMaxLen = 160

// SMSSink posts a short message to an SMS gateway.
type SMSSink struct {
	poster
	recipients []string
}

func NewSMSSink(url string, recipients []string, opts HTTPOptions) *SMSSink {
	return &SMSSink{poster: poster{url: url, opts: opts.withDefaults()}, recipients: recipients}
}

func (s *SMSSink) Name() string { return ChannelSMS }

type smsMessage struct {
	To      []string `json:"to"`
	Message string   `json:"message"`
}

func (s *SMSSink) Send(ctx context.Context, a *Alert) error {
	if len(s.recipients) == 0 {
		return fmt.Errorf("no SMS recipients configured")
	}
	msg := fmt.Sprintf("%s (%s)", a.Subject(), a.Incident.ID)
	if r := []rune(msg); len(r) > smsMaxLen {
		msg = string(r[:smsMaxLen])
	}
	return s.post(ctx, a.DeliveryID, smsMessage{To: s.recipients, Message: msg})
}
