package incident

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate_Empty(t *testing.T) {
	m := Aggregate(nil, time.Now())

	assert.Equal(t, 0, m.TotalAlerts)
	assert.Equal(t, 0, m.ActiveIncidents)
	assert.Equal(t, 0, m.ResolvedIncidents)
	assert.Equal(t, time.Duration(0), m.AverageResolutionTime)
	assert.Equal(t, 0.0, m.EscalationRate)
	assert.Equal(t, 0.0, m.AutoRecoveryRate)
	assert.NotNil(t, m.RecentIncidents)
	assert.Empty(t, m.RecentIncidents)
	for _, s := range Severities {
		assert.Equal(t, 0, m.AlertFrequency[s], s)
	}
}

func TestAggregate(t *testing.T) {
	now := time.Date(2024, 5, 2, 12, 0, 0, 0, time.UTC)
	end := func(start time.Time, d time.Duration) *time.Time { e := start.Add(d); return &e }

	old := now.Add(-48 * time.Hour)
	incidents := []*Incident{
		{ID: "a", Severity: SeverityCritical, Status: StatusResolved, StartTime: now.Add(-time.Hour), EndTime: end(now.Add(-time.Hour), 10*time.Minute), Duration: 10 * time.Minute, Recovery: Recovery{AutoRecovered: true}},
		{ID: "b", Severity: SeverityHigh, Status: StatusInvestigating, StartTime: now.Add(-2 * time.Hour), Escalated: true},
		{ID: "c", Severity: SeverityHigh, Status: StatusClosed, StartTime: old, EndTime: end(old, 30*time.Minute), Duration: 30 * time.Minute},
		{ID: "d", Severity: SeverityLow, Status: StatusOpen, StartTime: now.Add(-30 * time.Minute)},
	}

	m := Aggregate(incidents, now)

	assert.Equal(t, 4, m.TotalAlerts)
	assert.Equal(t, 2, m.ActiveIncidents)
	assert.Equal(t, 2, m.ResolvedIncidents)
	assert.Equal(t, m.TotalAlerts, m.ActiveIncidents+m.ResolvedIncidents)
	assert.Equal(t, 20*time.Minute, m.AverageResolutionTime)
	assert.InDelta(t, 25.0, m.EscalationRate, 0.001)
	assert.InDelta(t, 25.0, m.AutoRecoveryRate, 0.001)
	assert.Equal(t, 1, m.AlertFrequency[SeverityCritical])
	assert.Equal(t, 2, m.AlertFrequency[SeverityHigh])
	assert.Equal(t, 0, m.AlertFrequency[SeverityMedium])
	assert.Equal(t, 1, m.AlertFrequency[SeverityLow])

	require.Len(t, m.RecentIncidents, 3)
	assert.Equal(t, "d", m.RecentIncidents[0].ID)
	assert.Equal(t, "a", m.RecentIncidents[1].ID)
	assert.Equal(t, "b", m.RecentIncidents[2].ID)
}

func TestAggregate_RecentCapped(t *testing.T) {
	now := time.Now()
	var incidents []*Incident
	for i := 0; i < 15; i++ {
		incidents = append(incidents, &Incident{
			ID:        string(rune('a' + i)),
			Severity:  SeverityInfo,
			Status:    StatusOpen,
			StartTime: now.Add(-time.Duration(i) * time.Minute),
		})
	}
	m := Aggregate(incidents, now)
	require.Len(t, m.RecentIncidents, recentLimit)
	assert.Equal(t, "a", m.RecentIncidents[0].ID)
	for i := 1; i < len(m.RecentIncidents); i++ {
		assert.False(t, m.RecentIncidents[i].StartTime.After(m.RecentIncidents[i-1].StartTime))
	}
}

type staticHealth map[string]float64

func (h staticHealth) ComponentHealth(ctx context.Context) map[string]float64 { return h }

func TestManager_Metrics(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestManager(t, WithHealthReporter(staticHealth{"cache": 0.9}))

	empty, err := m.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.TotalAlerts)
	assert.Empty(t, empty.RecentIncidents)

	in, err := m.Create(ctx, sampleIncident(SeverityHigh))
	require.NoError(t, err)
	_, err = m.Escalate(ctx, in.ID, "")
	require.NoError(t, err)

	got, err := m.Metrics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TotalAlerts)
	assert.Equal(t, 1, got.ActiveIncidents)
	assert.InDelta(t, 100.0, got.EscalationRate, 0.001)
	assert.Equal(t, 0.9, got.ComponentHealth["cache"])
	require.Len(t, got.RecentIncidents, 1)
}
