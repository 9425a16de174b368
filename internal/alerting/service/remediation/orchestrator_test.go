package remediation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qiniu/incidentops/internal/alerting/service/incident"
)

func staticHealth(score float64) HealthScoreSource {
	return HealthScoreFunc(func(ctx context.Context, component string) (float64, error) { return score, nil })
}

type harness struct {
	mgr   *incident.Manager
	orch  *Orchestrator
	slept []time.Duration
}

func newHarness(t *testing.T, reg *Registry, health HealthScoreSource) *harness {
	t.Helper()
	h := &harness{}
	h.mgr = incident.NewManager(incident.NewMemoryStore(),
		incident.WithAutoResponse(true),
		incident.WithLogger(zerolog.Nop()),
	)
	cfg := DefaultConfig()
	h.orch = NewOrchestrator(h.mgr, reg, health, cfg,
		WithSleep(func(d time.Duration) { h.slept = append(h.slept, d) }),
		WithObservationWindows(NewMemoryObservationWindowManager(nil)),
		WithOrchestratorLogger(zerolog.Nop()),
	)
	h.mgr.SetRecoveryRunner(h.orch)
	return h
}

func (h *harness) createAndWait(t *testing.T, component string) *incident.Incident {
	t.Helper()
	ctx := context.Background()
	in, err := h.mgr.Create(ctx, incident.NewIncident{
		Title:     component + " outage",
		Severity:  incident.SeverityCritical,
		Component: component,
		Impact:    "requests failing",
	})
	require.NoError(t, err)

	// Shutdown waits for the background orchestration to finish.
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.mgr.Shutdown(shutdownCtx))

	got, err := h.mgr.Get(ctx, in.ID)
	require.NoError(t, err)
	return got
}

func eventTypes(in *incident.Incident) []incident.EventType {
	out := make([]incident.EventType, 0, len(in.Timeline))
	for _, ev := range in.Timeline {
		out = append(out, ev.Type)
	}
	return out
}

func TestOrchestrator_HealthyRecoveryResolves(t *testing.T) {
	h := newHarness(t, DefaultRegistry(), staticHealth(0.95))
	got := h.createAndWait(t, "cache")

	assert.Equal(t, incident.StatusResolved, got.Status)
	assert.True(t, got.Recovery.AutoRecovered)
	assert.True(t, got.Recovery.Successful)
	assert.Equal(t, 2, got.Recovery.Attempts)
	assert.False(t, got.Escalated)
	require.NotNil(t, got.EndTime)

	types := eventTypes(got)
	assert.Equal(t, incident.EventCreated, types[0])
	assert.Contains(t, types, incident.EventUpdated)
	assert.Contains(t, types, incident.EventRecoveryAttempted)
	assert.Contains(t, types, incident.EventAutoResolved)

	// one delay between the two cache actions, then stabilization
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, h.slept)
}

func TestOrchestrator_UnhealthyRecoveryEscalates(t *testing.T) {
	h := newHarness(t, DefaultRegistry(), staticHealth(0.3))
	got := h.createAndWait(t, "cache")

	assert.True(t, got.Escalated)
	assert.NotNil(t, got.EscalationTime)
	assert.Equal(t, incident.StatusInvestigating, got.Status)
	assert.Nil(t, got.EndTime)
	assert.True(t, got.HasEvent(incident.EventEscalated))
	assert.False(t, got.HasEvent(incident.EventAutoResolved))
}

func TestOrchestrator_FailingActionsStillVerify(t *testing.T) {
	reg := NewRegistry()
	reg.Register("Payments",
		Action{Name: "restart", Run: func(ctx context.Context) error { return errors.New("restart refused") }},
		Action{Name: "panic", Run: func(ctx context.Context) error { panic("boom") }},
		Action{Name: "drain", Run: func(ctx context.Context) error { return errors.New("drain timeout") }},
	)

	for _, tc := range []struct {
		name   string
		score  float64
		status incident.Status
	}{
		{"healthy after failures", 0.9, incident.StatusResolved},
		{"unhealthy after failures", 0.1, incident.StatusInvestigating},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, reg, staticHealth(tc.score))
			got := h.createAndWait(t, "payments")

			assert.Equal(t, tc.status, got.Status)
			assert.Equal(t, 3, got.Recovery.Attempts)

			attempted := 0
			for _, ev := range got.Timeline {
				if ev.Type == incident.EventRecoveryAttempted {
					attempted++
					assert.Equal(t, false, ev.Data["success"])
				}
			}
			assert.Equal(t, 3, attempted)
		})
	}
}

func TestOrchestrator_HealthErrorEscalates(t *testing.T) {
	health := HealthScoreFunc(func(ctx context.Context, component string) (float64, error) {
		return 0, errors.New("prometheus unreachable")
	})
	h := newHarness(t, DefaultRegistry(), health)
	got := h.createAndWait(t, "database")

	assert.True(t, got.Escalated)
	assert.Equal(t, 3, got.Recovery.Attempts)
}

func TestOrchestrator_UnknownComponentRunsFallback(t *testing.T) {
	h := newHarness(t, DefaultRegistry(), staticHealth(0.99))
	got := h.createAndWait(t, "billing")

	require.Equal(t, 1, got.Recovery.Attempts)
	for _, ev := range got.Timeline {
		if ev.Type == incident.EventRecoveryAttempted {
			assert.Equal(t, FallbackAction, ev.Data["action"])
		}
	}
}

func TestOrchestrator_RegressionDuringObservation(t *testing.T) {
	ctx := context.Background()
	windows := NewMemoryObservationWindowManager(nil)
	mgr := incident.NewManager(incident.NewMemoryStore(), incident.WithLogger(zerolog.Nop()))
	orch := NewOrchestrator(mgr, DefaultRegistry(), staticHealth(0.95), DefaultConfig(),
		WithSleep(func(time.Duration) {}),
		WithObservationWindows(windows),
		WithOrchestratorLogger(zerolog.Nop()),
	)
	mgr.SetRecoveryRunner(orch)

	first, err := mgr.Create(ctx, incident.NewIncident{Title: "api down", Severity: incident.SeverityHigh, Component: "api"})
	require.NoError(t, err)
	orch.Recover(ctx, first.ID)

	w, err := windows.CheckObservation(ctx, "API")
	require.NoError(t, err)
	require.NotNil(t, w)
	assert.Equal(t, first.ID, w.IncidentID)

	second, err := mgr.Create(ctx, incident.NewIncident{Title: "api down again", Severity: incident.SeverityHigh, Component: "api"})
	require.NoError(t, err)
	assert.Contains(t, second.Tags, "regression")

	w, err = windows.CheckObservation(ctx, "api")
	require.NoError(t, err)
	assert.Nil(t, w)
}

func TestOrchestrator_SkipsResolvedIncident(t *testing.T) {
	ctx := context.Background()
	mgr := incident.NewManager(incident.NewMemoryStore(), incident.WithLogger(zerolog.Nop()))
	orch := NewOrchestrator(mgr, DefaultRegistry(), staticHealth(0.95), DefaultConfig(),
		WithSleep(func(time.Duration) {}),
		WithOrchestratorLogger(zerolog.Nop()),
	)

	in, err := mgr.Create(ctx, incident.NewIncident{Title: "x", Severity: incident.SeverityLow, Component: "api"})
	require.NoError(t, err)
	resolved := incident.StatusResolved
	_, err = mgr.Update(ctx, in.ID, incident.Patch{Status: &resolved}, "alice", "")
	require.NoError(t, err)

	orch.Recover(ctx, in.ID)
	got, err := mgr.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.Recovery.Attempts)

	orch.Recover(ctx, "INC-MISSING")
}
