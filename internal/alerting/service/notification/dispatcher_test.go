package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/incidentops/internal/alerting/service/incident"
	"github.com/qiniu/incidentops/internal/config"
)

func sampleIncident(sev incident.Severity) *incident.Incident {
	return &incident.Incident{
		ID:          "INC-TEST-0001",
		Title:       "Database connection pool exhausted",
		Description: "p99 latency above 2s",
		Severity:    sev,
		Status:      incident.StatusOpen,
		Component:   "database",
		Impact:      "checkout failing",
		StartTime:   time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
	}
}

type recordingSink struct {
	name string
	err  error
	mu   sync.Mutex
	got  []*Alert
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Send(ctx context.Context, a *Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, a)
	return s.err
}

func (s *recordingSink) alerts() []*Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Alert(nil), s.got...)
}

type panickingSink struct{}

func (panickingSink) Name() string                             { return "pager" }
func (panickingSink) Send(ctx context.Context, a *Alert) error { panic("pager exploded") }

func waitAll(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
}

func TestUrgencyFor(t *testing.T) {
	tests := []struct {
		sev        incident.Severity
		escalation bool
		want       Urgency
	}{
		{incident.SeverityCritical, false, UrgencyImmediate},
		{incident.SeverityHigh, false, UrgencyHigh},
		{incident.SeverityHigh, true, UrgencyImmediate},
		{incident.SeverityMedium, false, UrgencyMedium},
		{incident.SeverityLow, false, UrgencyLow},
		{incident.SeverityInfo, false, UrgencyLow},
		{incident.SeverityLow, true, UrgencyImmediate},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, UrgencyFor(tt.sev, tt.escalation), "%s escalation=%v", tt.sev, tt.escalation)
	}
}

func TestDispatcher_FanOut(t *testing.T) {
	logSink := &recordingSink{name: ChannelLog}
	hook := &recordingSink{name: ChannelWebhook}
	now := time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC)
	d := NewDispatcher([]string{"log", " Webhook "}, []Sink{logSink, hook},
		WithDispatcherClock(func() time.Time { return now }),
		WithDispatcherLogger(zerolog.Nop()),
	)

	in := sampleIncident(incident.SeverityHigh)
	d.SendAlert(context.Background(), in, incident.AlertCreated, false)
	waitAll(t, d)

	for _, s := range []*recordingSink{logSink, hook} {
		got := s.alerts()
		require.Len(t, got, 1, s.name)
		a := got[0]
		assert.Equal(t, s.name, a.Channel)
		assert.Equal(t, incident.AlertCreated, a.AlertType)
		assert.Equal(t, UrgencyHigh, a.Urgency)
		assert.False(t, a.Escalation)
		assert.Equal(t, now, a.SentAt)
		assert.Equal(t, in.ID, a.Incident.ID)
		assert.NotEmpty(t, a.DeliveryID)
	}
	assert.NotEqual(t, logSink.alerts()[0].DeliveryID, hook.alerts()[0].DeliveryID)
	assert.Equal(t, []string{"log", "webhook"}, d.Channels())
}

func TestDispatcher_FailureIsolation(t *testing.T) {
	failing := &recordingSink{name: ChannelSlack, err: errors.New("slack down")}
	ok := &recordingSink{name: ChannelLog}
	d := NewDispatcher([]string{"pager", "slack", "missing", "log"}, []Sink{panickingSink{}, failing, ok},
		WithDispatcherLogger(zerolog.Nop()),
	)

	assert.NotPanics(t, func() {
		d.SendAlert(context.Background(), sampleIncident(incident.SeverityCritical), incident.AlertEscalated, true)
		waitAll(t, d)
	})
	assert.Len(t, failing.alerts(), 1)
	require.Len(t, ok.alerts(), 1)
	assert.Equal(t, UrgencyImmediate, ok.alerts()[0].Urgency)
	assert.True(t, ok.alerts()[0].Escalation)
}

func TestDispatcher_SurvivesCallerCancel(t *testing.T) {
	s := &recordingSink{name: ChannelLog}
	d := NewDispatcher([]string{"log"}, []Sink{s}, WithDispatcherLogger(zerolog.Nop()))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d.SendAlert(ctx, sampleIncident(incident.SeverityLow), incident.AlertCreated, false)
	waitAll(t, d)
	assert.Len(t, s.alerts(), 1)
}

func TestDispatcher_ImplementsNotifier(t *testing.T) {
	s := &recordingSink{name: ChannelLog}
	d := NewDispatcher([]string{"log"}, []Sink{s}, WithDispatcherLogger(zerolog.Nop()))
	mgr := incident.NewManager(incident.NewMemoryStore(), incident.WithNotifier(d), incident.WithLogger(zerolog.Nop()))

	_, err := mgr.Create(context.Background(), incident.NewIncident{Title: "cache miss storm", Severity: incident.SeverityMedium, Component: "cache"})
	require.NoError(t, err)
	waitAll(t, d)
	require.Len(t, s.alerts(), 1)
	assert.Equal(t, incident.AlertCreated, s.alerts()[0].AlertType)
	assert.Equal(t, UrgencyMedium, s.alerts()[0].Urgency)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	l := zerolog.New(&buf)
	sink := NewLogSink(&l)

	a := &Alert{DeliveryID: "d-1", AlertType: incident.AlertCreated, Urgency: UrgencyImmediate, Incident: sampleIncident(incident.SeverityCritical)}
	require.NoError(t, sink.Send(context.Background(), a))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, incident.AlertCreated, entry["message"])
	assert.Equal(t, "INC-TEST-0001", entry["incident_id"])
	assert.Equal(t, "critical", entry["severity"])
	assert.Equal(t, "open", entry["status"])
	assert.Equal(t, "immediate", entry["urgency"])
	assert.Equal(t, "database", entry["target"])
}

func TestNewFromConfig(t *testing.T) {
	inc := config.IncidentConfig{Channels: []string{"log", "webhook", "email", "sms"}, RetryAttempts: 2}
	d := NewFromConfig(inc, config.NotifyConfig{WebhookURL: "http://hooks.local/incident", Timeout: "1s"}, WithDispatcherLogger(zerolog.Nop()))

	assert.Equal(t, []string{"log", "webhook", "email", "sms"}, d.Channels())
	assert.Contains(t, d.sinks, ChannelLog)
	assert.Contains(t, d.sinks, ChannelWebhook)
	assert.NotContains(t, d.sinks, ChannelEmail)
	assert.NotContains(t, d.sinks, ChannelSMS)
	assert.Equal(t, 4*time.Second, d.timeout)
}
