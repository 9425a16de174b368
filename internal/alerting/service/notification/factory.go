package notification

import (
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/qiniu/incidentops/internal/config"
)

// NewFromConfig builds a dispatcher for the incident channel list. Sinks are created only for
// channels that are both listed and configured; listed channels without an endpoint are reported.
func NewFromConfig(inc config.IncidentConfig, n config.NotifyConfig, opts ...DispatcherOption) *Dispatcher {
	timeout := config.ParseDuration(n.Timeout, 10*time.Second)
	httpOpts := HTTPOptions{
		Client:   &http.Client{Timeout: timeout},
		Attempts: inc.RetryAttempts,
	}

	var sinks []Sink
	for _, ch := range inc.Channels {
		switch strings.ToLower(strings.TrimSpace(ch)) {
		case ChannelLog:
			sinks = append(sinks, NewLogSink(nil))
		case ChannelWebhook:
			if n.WebhookURL != "" {
				sinks = append(sinks, NewWebhookSink(n.WebhookURL, httpOpts))
			}
		case ChannelSlack:
			if n.SlackWebhookURL != "" {
				sinks = append(sinks, NewSlackSink(n.SlackWebhookURL, httpOpts))
			}
		case ChannelSMS:
			if n.SMSGatewayURL != "" {
				sinks = append(sinks, NewSMSSink(n.SMSGatewayURL, n.SMSRecipients, httpOpts))
			}
		case ChannelEmail:
			if n.SMTP.Host != "" {
				sinks = append(sinks, NewEmailSink(EmailConfig{
					SMTPHost: n.SMTP.Host,
					SMTPPort: n.SMTP.Port,
					Username: n.SMTP.User,
					Password: n.SMTP.Password,
					From:     n.SMTP.From,
					To:       n.SMTP.To,
					UseTLS:   n.SMTP.Port == 465,
				}))
			}
		}
	}
	for _, ch := range inc.Channels {
		if !hasSink(sinks, ch) {
			log.Warn().Str("channel", ch).Msg("notification channel listed but not configured, alerts to it are dropped")
		}
	}
	// every attempt may use the full client timeout, plus room for backoff sleeps
	deliveryTimeout := 2 * timeout * time.Duration(max(inc.RetryAttempts, 1))
	return NewDispatcher(inc.Channels, sinks, append([]DispatcherOption{WithTimeout(deliveryTimeout)}, opts...)...)
}

func hasSink(sinks []Sink, ch string) bool {
	ch = strings.ToLower(strings.TrimSpace(ch))
	for _, s := range sinks {
		if s.Name() == ch {
			return true
		}
	}
	return false
}
