package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/incidentops/internal/alerting/service/incident"
	"github.com/qiniu/incidentops/internal/alerting/service/receiver"
	"github.com/qiniu/incidentops/internal/alerting/service/ruleset"
)

func init() { gin.SetMode(gin.TestMode) }

type testServer struct {
	router    *gin.Engine
	incidents *incident.Manager
	rules     *ruleset.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	s := &testServer{
		router:    gin.New(),
		incidents: incident.NewManager(incident.NewMemoryStore(), incident.WithLogger(zerolog.Nop())),
		rules:     ruleset.NewManager(ruleset.NewMemStore(), nil, nil),
	}
	NewApi(s.router, Deps{Incidents: s.incidents, Rules: s.rules, Receiver: receiver.NewHandler(s.incidents, nil)})
	return s
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeInto[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeInto[map[string]map[string]string](t, w)
	return body["error"]["code"]
}

func (s *testServer) create(t *testing.T, severity string) *incident.Incident {
	t.Helper()
	w := s.do(t, http.MethodPost, "/v1/incidents",
		`{"title":"API latency","description":"p99 > 2s","severity":"`+severity+`","component":"api","impact":"slow checkout"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeInto[*incident.Incident](t, w)
}

func TestCreateAndGetIncident(t *testing.T) {
	s := newTestServer(t)
	in := s.create(t, "high")
	assert.Equal(t, incident.StatusOpen, in.Status)
	assert.Equal(t, incident.SeverityHigh, in.Severity)
	require.NotEmpty(t, in.Timeline)
	assert.Equal(t, incident.EventCreated, in.Timeline[0].Type)

	w := s.do(t, http.MethodGet, "/v1/incidents/"+in.ID, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, in.ID, decodeInto[*incident.Incident](t, w).ID)

	w = s.do(t, http.MethodGet, "/v1/incidents/INC-MISSING", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(t, w))
}

func TestCreateIncident_Invalid(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"missing title", `{"severity":"low","component":"api"}`},
		{"unknown severity", `{"title":"x","severity":"P0","component":"api"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/v1/incidents", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "INVALID_PARAMETER", errorCode(t, w))
		})
	}
}

func TestListIncidents(t *testing.T) {
	s := newTestServer(t)
	s.create(t, "high")
	s.create(t, "low")

	w := s.do(t, http.MethodGet, "/v1/incidents", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeInto[listIncidentsResponse](t, w).Items, 2)

	w = s.do(t, http.MethodGet, "/v1/incidents?severity=low", "")
	require.Equal(t, http.StatusOK, w.Code)
	items := decodeInto[listIncidentsResponse](t, w).Items
	require.Len(t, items, 1)
	assert.Equal(t, incident.SeverityLow, items[0].Severity)

	w = s.do(t, http.MethodGet, "/v1/incidents?status=resolved", "")
	assert.Empty(t, decodeInto[listIncidentsResponse](t, w).Items)

	for _, q := range []string{"status=bogus", "severity=P9", "limit=0", "limit=x"} {
		w = s.do(t, http.MethodGet, "/v1/incidents?"+q, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestIncidentLifecycle(t *testing.T) {
	s := newTestServer(t)
	in := s.create(t, "medium")
	base := "/v1/incidents/" + in.ID

	w := s.do(t, http.MethodPost, base+"/acknowledge", `{"actor":"alice"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decodeInto[*incident.Incident](t, w)
	assert.Equal(t, incident.StatusAcknowledged, got.Status)
	assert.Equal(t, "alice", got.Assignee)

	// close is only allowed once resolved
	w = s.do(t, http.MethodPost, base+"/close", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INVALID_TRANSITION", errorCode(t, w))

	w = s.do(t, http.MethodPatch, base, `{"status":"resolved","resolution":"rolled back","actor":"alice","note":"fixed"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got = decodeInto[*incident.Incident](t, w)
	assert.Equal(t, incident.StatusResolved, got.Status)
	assert.Equal(t, "rolled back", got.Resolution)
	require.NotNil(t, got.EndTime)

	w = s.do(t, http.MethodPatch, base, `{"status":"open"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, http.MethodPost, base+"/close", `{"actor":"bob"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, incident.StatusClosed, decodeInto[*incident.Incident](t, w).Status)

	w = s.do(t, http.MethodPatch, "/v1/incidents/INC-MISSING", `{"title":"x"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestEscalateIncident(t *testing.T) {
	s := newTestServer(t)
	in := s.create(t, "high")

	w := s.do(t, http.MethodPost, "/v1/incidents/"+in.ID+"/escalate", `{"reason":"customer impact growing"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	got := decodeInto[*incident.Incident](t, w)
	assert.True(t, got.Escalated)
	require.NotNil(t, got.EscalationTime)

	w = s.do(t, http.MethodPost, "/v1/incidents/"+in.ID+"/escalate", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, got.EscalationTime.Unix(), decodeInto[*incident.Incident](t, w).EscalationTime.Unix())

	w = s.do(t, http.MethodPost, "/v1/incidents/INC-MISSING/escalate", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRecoverIncident_NoRunner(t *testing.T) {
	s := newTestServer(t)
	in := s.create(t, "critical")

	w := s.do(t, http.MethodPost, "/v1/incidents/"+in.ID+"/recover", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]bool{"started": false}, decodeInto[map[string]bool](t, w))
}

func TestIncidentMetrics(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/v1/incidents/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	empty := decodeInto[incident.AlertMetrics](t, w)
	assert.Zero(t, empty.TotalAlerts)
	assert.NotNil(t, empty.RecentIncidents)

	s.create(t, "high")
	w = s.do(t, http.MethodGet, "/v1/incidents/metrics", "")
	m := decodeInto[incident.AlertMetrics](t, w)
	assert.Equal(t, 1, m.TotalAlerts)
	assert.Equal(t, 1, m.ActiveIncidents)
	assert.Equal(t, 1, m.AlertFrequency[incident.SeverityHigh])
	assert.Len(t, m.RecentIncidents, 1)
}

const ruleBody = `{
  "id": "queue_backlog",
  "metric": "queue_depth",
  "operator": ">=",
  "threshold": 1000,
  "severity": "high",
  "cooldown": "10m",
  "filters": {"service": "billing"}
}`

func TestRuleRoutes(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/v1/alert-rules", ruleBody)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	v := decodeInto[ruleView](t, w)
	assert.Equal(t, "queue_backlog", v.ID)
	assert.Equal(t, "gte", v.Operator)
	assert.Equal(t, "10m0s", v.Cooldown)
	assert.Equal(t, "5m0s", v.Window)
	assert.Equal(t, "avg", v.Aggregation)
	require.NotNil(t, v.Enabled)
	assert.True(t, *v.Enabled)

	w = s.do(t, http.MethodPost, "/v1/alert-rules/queue_backlog/disable", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, *decodeInto[ruleView](t, w).Enabled)

	enabled, err := s.rules.Enabled(context.Background())
	require.NoError(t, err)
	assert.Empty(t, enabled)

	w = s.do(t, http.MethodPost, "/v1/alert-rules/queue_backlog/enable", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, *decodeInto[ruleView](t, w).Enabled)

	w = s.do(t, http.MethodGet, "/v1/alert-rules", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeInto[listRulesResponse](t, w).Items, 1)

	w = s.do(t, http.MethodGet, "/v1/alert-rules/queue_backlog", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, http.MethodDelete, "/v1/alert-rules/queue_backlog", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = s.do(t, http.MethodGet, "/v1/alert-rules/queue_backlog", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = s.do(t, http.MethodPost, "/v1/alert-rules/queue_backlog/enable", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRegisterRule_Invalid(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		body string
	}{
		{"not json", `{`},
		{"bad operator", `{"id":"a","metric":"m","operator":"!=","severity":"low"}`},
		{"bad duration", `{"id":"a","metric":"m","operator":"gt","severity":"low","cooldown":"soon"}`},
		{"missing metric", `{"id":"a","operator":"gt","severity":"low"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := s.do(t, http.MethodPost, "/v1/alert-rules", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
}

func TestReceiverRouteMounted(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, http.MethodPost, "/v1/integrations/alertmanager/webhook", `{"alerts":[]}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
