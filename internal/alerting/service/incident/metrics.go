package incident

import (
	"sort"
	"time"
)

const (
	recentWindow = 24 * time.Hour
	recentLimit  = 10
)

// AlertMetrics is derived from the store on every read and never persisted.
type AlertMetrics struct {
	TotalAlerts           int                `json:"totalAlerts"`
	ActiveIncidents       int                `json:"activeIncidents"`
	ResolvedIncidents     int                `json:"resolvedIncidents"`
	AverageResolutionTime time.Duration      `json:"averageResolutionTime"`
	EscalationRate        float64            `json:"escalationRate"`
	AutoRecoveryRate      float64            `json:"autoRecoveryRate"`
	AlertFrequency        map[Severity]int   `json:"alertFrequency"`
	ComponentHealth       map[string]float64 `json:"componentHealth"`
	RecentIncidents       []*Incident        `json:"recentIncidents"`
}

// Aggregate computes AlertMetrics over incidents as of now. Rates are percentages in [0,100].
func Aggregate(incidents []*Incident, now time.Time) AlertMetrics {
	m := AlertMetrics{
		TotalAlerts:     len(incidents),
		AlertFrequency:  make(map[Severity]int, len(Severities)),
		ComponentHealth: map[string]float64{},
		RecentIncidents: []*Incident{},
	}
	for _, s := range Severities {
		m.AlertFrequency[s] = 0
	}

	var (
		resolvedTotal time.Duration
		resolvedN     int
		escalated     int
		autoRecovered int
	)
	cutoff := now.Add(-recentWindow)
	for _, in := range incidents {
		if in.Status.Done() {
			m.ResolvedIncidents++
		} else {
			m.ActiveIncidents++
		}
		if in.EndTime != nil {
			resolvedTotal += in.Duration
			resolvedN++
		}
		if in.Escalated {
			escalated++
		}
		if in.Recovery.AutoRecovered {
			autoRecovered++
		}
		m.AlertFrequency[in.Severity]++
		if !in.StartTime.Before(cutoff) {
			m.RecentIncidents = append(m.RecentIncidents, in)
		}
	}

	if resolvedN > 0 {
		m.AverageResolutionTime = resolvedTotal / time.Duration(resolvedN)
	}
	if m.TotalAlerts > 0 {
		m.EscalationRate = float64(escalated) / float64(m.TotalAlerts) * 100
		m.AutoRecoveryRate = float64(autoRecovered) / float64(m.TotalAlerts) * 100
	}

	sort.SliceStable(m.RecentIncidents, func(i, j int) bool {
		return m.RecentIncidents[i].StartTime.After(m.RecentIncidents[j].StartTime)
	})
	if len(m.RecentIncidents) > recentLimit {
		m.RecentIncidents = m.RecentIncidents[:recentLimit]
	}
	return m
}
