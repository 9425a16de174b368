package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/incidentops/internal/alerting/service/incident"
	"github.com/qiniu/incidentops/internal/alerting/telemetry"
)

// DefaultTimeout bounds one delivery, retries included.
const DefaultTimeout = 30 * time.Second

// Dispatcher fans incident alerts out to the globally configured channels. Each channel is
// delivered on its own goroutine so a slow or failing sink never delays the others or the caller.
type Dispatcher struct {
	channels []string
	sinks    map[string]Sink
	timeout  time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	wg sync.WaitGroup
}

type DispatcherOption func(*Dispatcher)

func WithTimeout(d time.Duration) DispatcherOption { return func(x *Dispatcher) { x.timeout = d } }

func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(x *Dispatcher) { x.now = now }
}

func WithDispatcherLogger(l zerolog.Logger) DispatcherOption {
	return func(x *Dispatcher) { x.logger = l }
}

func NewDispatcher(channels []string, sinks []Sink, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sinks:   make(map[string]Sink, len(sinks)),
		timeout: DefaultTimeout,
		now:     time.Now,
		logger:  log.Logger.With().Str("component", incident.LogComponent).Logger(),
	}
	for _, c := range channels {
		c = strings.ToLower(strings.TrimSpace(c))
		if c != "" {
			d.channels = append(d.channels, c)
		}
	}
	for _, s := range sinks {
		d.sinks[strings.ToLower(s.Name())] = s
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Channels returns the configured channel names in delivery order.
func (d *Dispatcher) Channels() []string { return append([]string(nil), d.channels...) }

// SendAlert implements incident.Notifier. It returns once every delivery has been started.
func (d *Dispatcher) SendAlert(ctx context.Context, in *incident.Incident, alertType string, escalation bool) {
	if in == nil {
		return
	}
	urgency := UrgencyFor(in.Severity, escalation)
	base := context.WithoutCancel(ctx)
	for _, ch := range d.channels {
		sink, ok := d.sinks[ch]
		if !ok {
			d.logger.Warn().Str("channel", ch).Str("incident_id", in.ID).Msg("no sink configured for notification channel")
			telemetry.Notification(ch, fmt.Errorf("no sink"))
			continue
		}
		alert := &Alert{
			DeliveryID: uuid.NewString(),
			Channel:    ch,
			AlertType:  alertType,
			Urgency:    urgency,
			Escalation: escalation,
			SentAt:     d.now(),
			Incident:   in.Clone(),
		}
		d.wg.Add(1)
		go d.deliver(base, sink, alert)
	}
}

// Wait blocks until all started deliveries finished or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sink Sink, alert *Alert) {
	defer d.wg.Done()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	err := d.send(ctx, sink, alert)
	telemetry.Notification(alert.Channel, err)
	if err != nil {
		d.logger.Error().
			Err(err).
			Str("channel", alert.Channel).
			Str("incident_id", alert.Incident.ID).
			Str("alert_type", alert.AlertType).
			Str("delivery_id", alert.DeliveryID).
			Msg("notification delivery failed")
		return
	}
	d.logger.Debug().Str("channel", alert.Channel).Str("incident_id", alert.Incident.ID).Str("delivery_id", alert.DeliveryID).Msg("notification delivered")
}

func (d *Dispatcher) send(ctx context.Context, sink Sink, alert *Alert) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("sink %s panicked: %v", sink.Name(), p)
		}
	}()
	return sink.Send(ctx, alert)
}

var _ incident.Notifier = (*Dispatcher)(nil)
