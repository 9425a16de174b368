package notification

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/qiniu/incidentops/internal/alerting/service/incident"
)

// Channel names accepted in the incident channel list.
const (
	ChannelLog     = "log"
	ChannelWebhook = "webhook"
	ChannelEmail   = "email"
	ChannelSlack   = "slack"
	ChannelSMS     = "sms"
)

type Urgency string

const (
	UrgencyLow       Urgency = "low"
	UrgencyMedium    Urgency = "medium"
	UrgencyHigh      Urgency = "high"
	UrgencyImmediate Urgency = "immediate"
)

// UrgencyFor maps an incident severity to delivery urgency. Escalations are always immediate.
func UrgencyFor(sev incident.Severity, escalation bool) Urgency {
	if escalation || sev == incident.SeverityCritical {
		return UrgencyImmediate
	}
	switch sev {
	case incident.SeverityHigh:
		return UrgencyHigh
	case incident.SeverityMedium:
		return UrgencyMedium
	default:
		return UrgencyLow
	}
}

// Alert is the payload handed to every sink.
type Alert struct {
	DeliveryID string             `json:"deliveryId"`
	Channel    string             `json:"channel"`
	AlertType  string             `json:"alertType"`
	Urgency    Urgency            `json:"urgency"`
	Escalation bool               `json:"escalation"`
	SentAt     time.Time          `json:"sentAt"`
	Incident   *incident.Incident `json:"incident"`
}

// Subject is a one-line summary used by chat, SMS and email sinks.
func (a *Alert) Subject() string {
	return fmt.Sprintf("[%s] %s: %s", strings.ToUpper(string(a.Urgency)), a.AlertType, a.Incident.Title)
}

// Summary adds the incident identity and state to Subject.
func (a *Alert) Summary() string {
	in := a.Incident
	return fmt.Sprintf("%s (%s) severity=%s status=%s component=%s", a.Subject(), in.ID, in.Severity, in.Status, in.Component)
}

// Sink delivers alerts to one channel.
type Sink interface {
	Name() string
	Send(ctx context.Context, alert *Alert) error
}
