package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gopkg.in/gomail.v2"
)

// EmailConfig is the SMTP relay used by EmailSink.
type EmailConfig struct {
	SMTPHost string
	SMTPPort int
	Username string
	Password string
	From     string
	To       []string
	// UseTLS selects implicit TLS (465) instead of STARTTLS.
	UseTLS bool
}

// Sender is satisfied by *gomail.Dialer.
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

type EmailSink struct {
	cfg    EmailConfig
	sender Sender
}

func NewEmailSink(cfg EmailConfig) *EmailSink {
	d := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.Username, cfg.Password)
	d.SSL = cfg.UseTLS
	return &EmailSink{cfg: cfg, sender: d}
}

// NewEmailSinkWithSender is used when the SMTP transport is provided by the caller.
func NewEmailSinkWithSender(cfg EmailConfig, sender Sender) *EmailSink {
	return &EmailSink{cfg: cfg, sender: sender}
}

func (e *EmailSink) Name() string { return ChannelEmail }

func (e *EmailSink) Send(ctx context.Context, a *Alert) error {
	if len(e.cfg.To) == 0 {
		return fmt.Errorf("no recipients provided for email")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", e.cfg.From)
	m.SetHeader("To", e.cfg.To...)
	m.SetHeader("Subject", a.Subject())
	m.SetHeader("X-Delivery-ID", a.DeliveryID)
	m.SetBody("text/plain", emailBody(a))

	if err := e.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	return nil
}

func emailBody(a *Alert) string {
	in := a.Incident
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", a.AlertType)
	fmt.Fprintf(&b, "Incident:   %s\n", in.ID)
	fmt.Fprintf(&b, "Title:      %s\n", in.Title)
	fmt.Fprintf(&b, "Severity:   %s\n", in.Severity)
	fmt.Fprintf(&b, "Status:     %s\n", in.Status)
	fmt.Fprintf(&b, "Component:  %s\n", in.Component)
	fmt.Fprintf(&b, "Urgency:    %s\n", a.Urgency)
	fmt.Fprintf(&b, "Started:    %s\n", in.StartTime.UTC().Format(time.RFC3339))
	if a.Escalation {
		b.WriteString("Escalated:  yes\n")
	}
	if in.Impact != "" {
		fmt.Fprintf(&b, "\nImpact: %s\n", in.Impact)
	}
	if in.Description != "" {
		fmt.Fprintf(&b, "\n%s\n", in.Description)
	}
	return b.String()
}
