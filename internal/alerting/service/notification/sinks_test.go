package notification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/gomail.v2"

	"github.com/qiniu/incidentops/internal/alerting/service/incident"
)

type capture struct {
	mu        sync.Mutex
	bodies    [][]byte
	delivery  []string
	calls     atomic.Int32
	statusSeq []int
}

func (c *capture) handler(w http.ResponseWriter, r *http.Request) {
	n := int(c.calls.Add(1))
	body, _ := io.ReadAll(r.Body)
	c.mu.Lock()
	c.bodies = append(c.bodies, body)
	c.delivery = append(c.delivery, r.Header.Get("X-Delivery-ID"))
	c.mu.Unlock()
	status := http.StatusOK
	if n <= len(c.statusSeq) {
		status = c.statusSeq[n-1]
	}
	w.WriteHeader(status)
}

func newCapture(t *testing.T, statuses ...int) (*capture, string) {
	t.Helper()
	c := &capture{statusSeq: statuses}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	t.Cleanup(srv.Close)
	return c, srv.URL
}

func fastHTTP(attempts int) HTTPOptions {
	return HTTPOptions{Attempts: attempts, InitialInterval: time.Millisecond}
}

func sampleAlert() *Alert {
	return &Alert{
		DeliveryID: "5f8e2c9a-delivery",
		AlertType:  incident.AlertCreated,
		Urgency:    UrgencyImmediate,
		Incident:   sampleIncident(incident.SeverityCritical),
	}
}

func TestWebhookSink_DeliversPayload(t *testing.T) {
	c, url := newCapture(t)
	sink := NewWebhookSink(url, fastHTTP(1))

	require.NoError(t, sink.Send(context.Background(), sampleAlert()))
	require.Len(t, c.bodies, 1)
	assert.Equal(t, "5f8e2c9a-delivery", c.delivery[0])

	var got Alert
	require.NoError(t, json.Unmarshal(c.bodies[0], &got))
	assert.Equal(t, incident.AlertCreated, got.AlertType)
	assert.Equal(t, UrgencyImmediate, got.Urgency)
	assert.Equal(t, "INC-TEST-0001", got.Incident.ID)
}

func TestWebhookSink_Retry(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		statuses  []int
		wantCalls int32
		wantErr   bool
	}{
		{"recovers after server errors", 3, []int{500, 502}, 3, false},
		{"gives up after attempts", 2, []int{500, 500, 500}, 2, true},
		{"client error is permanent", 3, []int{400}, 1, true},
		{"rate limited is retried", 2, []int{429}, 2, false},
		{"zero attempts means one try", 0, []int{503}, 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, url := newCapture(t, tt.statuses...)
			err := NewWebhookSink(url, fastHTTP(tt.attempts)).Send(context.Background(), sampleAlert())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.wantCalls, c.calls.Load())
		})
	}
}

func TestSlackSink(t *testing.T) {
	c, url := newCapture(t)
	require.NoError(t, NewSlackSink(url, fastHTTP(1)).Send(context.Background(), sampleAlert()))

	var msg map[string]string
	require.NoError(t, json.Unmarshal(c.bodies[0], &msg))
	assert.True(t, strings.HasPrefix(msg["text"], "[IMMEDIATE] Incident Created: Database connection pool exhausted (INC-TEST-0001)"))
	assert.Contains(t, msg["text"], "severity=critical")
	assert.Contains(t, msg["text"], "p99 latency above 2s")
}

func TestSMSSink(t *testing.T) {
	c, url := newCapture(t)
	a := sampleAlert()
	a.Incident.Title = strings.Repeat("x", 300)
	require.NoError(t, NewSMSSink(url, []string{"+15550100"}, fastHTTP(1)).Send(context.Background(), a))

	var msg smsMessage
	require.NoError(t, json.Unmarshal(c.bodies[0], &msg))
	assert.Equal(t, []string{"+15550100"}, msg.To)
	assert.Len(t, []rune(msg.Message), smsMaxLen)

	assert.Error(t, NewSMSSink(url, nil, fastHTTP(1)).Send(context.Background(), a))
}

type fakeSender struct {
	sent []*gomail.Message
	err  error
}

func (f *fakeSender) DialAndSend(m ...*gomail.Message) error {
	f.sent = append(f.sent, m...)
	return f.err
}

func TestEmailSink(t *testing.T) {
	sender := &fakeSender{}
	sink := NewEmailSinkWithSender(EmailConfig{From: "incidentops@example.com", To: []string{"oncall@example.com"}}, sender)

	require.NoError(t, sink.Send(context.Background(), sampleAlert()))
	require.Len(t, sender.sent, 1)
	m := sender.sent[0]
	assert.Equal(t, []string{"[IMMEDIATE] Incident Created: Database connection pool exhausted"}, m.GetHeader("Subject"))
	assert.Equal(t, []string{"oncall@example.com"}, m.GetHeader("To"))

	body := emailBody(sampleAlert())
	assert.Contains(t, body, "Incident:   INC-TEST-0001")
	assert.Contains(t, body, "Impact: checkout failing")

	noRecipients := NewEmailSinkWithSender(EmailConfig{From: "incidentops@example.com"}, sender)
	assert.Error(t, noRecipients.Send(context.Background(), sampleAlert()))

	sender.err = assert.AnError
	assert.ErrorIs(t, sink.Send(context.Background(), sampleAlert()), assert.AnError)
}
