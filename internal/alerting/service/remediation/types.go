package remediation

import (
	"context"
	"time"

	"github.com/qiniu/incidentops/internal/alerting/service/incident"
)

// Action is one named recovery step. Run may fail; the orchestrator logs the failure and moves on.
type Action struct {
	Name string
	Run  func(ctx context.Context) error
}

// HealthScoreSource reports a component's health in [0,1]; higher is healthier.
type HealthScoreSource interface {
	HealthScore(ctx context.Context, component string) (float64, error)
}

// HealthScoreFunc adapts a plain function to HealthScoreSource.
type HealthScoreFunc func(ctx context.Context, component string) (float64, error)

func (f HealthScoreFunc) HealthScore(ctx context.Context, component string) (float64, error) {
	return f(ctx, component)
}

// Lifecycle is the part of the incident manager the orchestrator drives.
type Lifecycle interface {
	Get(ctx context.Context, id string) (*incident.Incident, error)
	Update(ctx context.Context, id string, p incident.Patch, actor, note string) (*incident.Incident, error)
	RecordRecoveryAttempt(ctx context.Context, id, action string, actionErr error) (*incident.Incident, error)
	AutoResolve(ctx context.Context, id, resolution string, viaRecovery bool) (*incident.Incident, error)
	Escalate(ctx context.Context, id, reason string) (*incident.Incident, error)
}

// ObservationWindow is the watch period that follows a successful automated recovery.
type ObservationWindow struct {
	Duration   time.Duration `json:"duration"`
	Component  string        `json:"component"`
	IncidentID string        `json:"incident_id"`
	StartTime  time.Time     `json:"start_time"`
	EndTime    time.Time     `json:"end_time"`
	IsActive   bool          `json:"is_active"`
}

// ObservationWindowManager tracks at most one window per component. Expired windows read as absent.
type ObservationWindowManager interface {
	StartObservation(ctx context.Context, component, incidentID string, duration time.Duration) error
	CheckObservation(ctx context.Context, component string) (*ObservationWindow, error)
	CancelObservation(ctx context.Context, component string) error
}
