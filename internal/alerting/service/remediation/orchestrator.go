package remediation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/incidentops/internal/alerting/service/incident"
	"github.com/qiniu/incidentops/internal/alerting/telemetry"
)

const (
	outcomeResolved  = "resolved"
	outcomeEscalated = "escalated"
	outcomeAborted   = "aborted"
)

type Config struct {
	// ActionDelay is the pause between consecutive actions.
	ActionDelay time.Duration
	// Stabilization is the pause between the last action and the health check.
	Stabilization time.Duration
	// HealthThreshold must be exceeded for the recovery to count as verified.
	HealthThreshold float64
	// MaxAttempts caps the actions run per orchestration; 0 runs the whole plan.
	MaxAttempts       int
	ObservationWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		ActionDelay:       5 * time.Second,
		Stabilization:     10 * time.Second,
		HealthThreshold:   0.8,
		MaxAttempts:       3,
		ObservationWindow: DefaultObservationDuration,
	}
}

// Orchestrator drives automated recovery for one incident at a time per call:
// investigating, then each planned action, then a health check that either resolves or escalates.
type Orchestrator struct {
	incidents Lifecycle
	registry  *Registry
	health    HealthScoreSource
	windows   ObservationWindowManager
	cfg       Config
	logger    zerolog.Logger

	// sleepFn allows overriding for tests
	sleepFn func(time.Duration)
	now     func() time.Time
}

type OrchestratorOption func(*Orchestrator)

func WithObservationWindows(w ObservationWindowManager) OrchestratorOption {
	return func(o *Orchestrator) { o.windows = w }
}

func WithSleep(fn func(time.Duration)) OrchestratorOption {
	return func(o *Orchestrator) { o.sleepFn = fn }
}

func WithOrchestratorLogger(l zerolog.Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

func WithOrchestratorClock(now func() time.Time) OrchestratorOption {
	return func(o *Orchestrator) { o.now = now }
}

func NewOrchestrator(incidents Lifecycle, registry *Registry, health HealthScoreSource, cfg Config, opts ...OrchestratorOption) *Orchestrator {
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.HealthThreshold <= 0 {
		cfg.HealthThreshold = 0.8
	}
	o := &Orchestrator{
		incidents: incidents,
		registry:  registry,
		health:    health,
		cfg:       cfg,
		logger:    log.Logger.With().Str("component", incident.LogComponent).Logger(),
		sleepFn:   time.Sleep,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Recover runs the orchestration for id to completion. It never panics out and never retries:
// an unverified recovery ends in escalation.
func (o *Orchestrator) Recover(ctx context.Context, id string) {
	start := o.now()
	outcome := outcomeAborted
	defer func() { telemetry.ObserveRecovery(o.now().Sub(start), outcome) }()

	in, err := o.incidents.Get(ctx, id)
	if err != nil {
		o.logger.Error().Err(err).Str("incident_id", id).Msg("load incident for recovery failed")
		return
	}
	if in.Status.Done() {
		o.logger.Info().Str("incident_id", id).Str("status", string(in.Status)).Msg("incident already resolved, skipping recovery")
		return
	}

	investigating := incident.StatusInvestigating
	if _, err := o.incidents.Update(ctx, id, incident.Patch{Status: &investigating}, incident.ActorSystem, "Automated recovery started"); err != nil {
		if errors.Is(err, incident.ErrNotFound) {
			return
		}
		// keep going: the recovery itself does not depend on the status
		o.logger.Warn().Err(err).Str("incident_id", id).Msg("move incident to investigating failed")
	}

	actions := o.registry.Actions(in.Component)
	if o.cfg.MaxAttempts > 0 && len(actions) > o.cfg.MaxAttempts {
		actions = actions[:o.cfg.MaxAttempts]
	}
	for i, a := range actions {
		if i > 0 && o.cfg.ActionDelay > 0 {
			o.sleepFn(o.cfg.ActionDelay)
		}
		actErr := o.run(ctx, a)
		telemetry.RecoveryAction(actErr)
		if actErr != nil {
			o.logger.Error().Err(actErr).
				Str("incident_id", id).
				Str("target", in.Component).
				Str("action", a.Name).
				Msg("recovery action failed")
		}
		if _, err := o.incidents.RecordRecoveryAttempt(ctx, id, a.Name, actErr); err != nil {
			o.logger.Error().Err(err).Str("incident_id", id).Str("action", a.Name).Msg("record recovery attempt failed")
		}
	}

	if o.cfg.Stabilization > 0 {
		o.sleepFn(o.cfg.Stabilization)
	}

	score := o.healthScore(ctx, in.Component)
	if score > o.cfg.HealthThreshold {
		resolution := fmt.Sprintf("Automated recovery succeeded (health score %.2f)", score)
		if _, err := o.incidents.AutoResolve(ctx, id, resolution, true); err != nil {
			o.logger.Error().Err(err).Str("incident_id", id).Msg("auto-resolve after recovery failed")
			return
		}
		outcome = outcomeResolved
		o.startObservation(ctx, in.Component, id)
		o.logger.Info().Str("incident_id", id).Float64("health_score", score).Msg("automated recovery verified")
		return
	}

	reason := fmt.Sprintf("automated recovery could not be verified (health score %.2f)", score)
	if _, err := o.incidents.Escalate(ctx, id, reason); err != nil {
		o.logger.Error().Err(err).Str("incident_id", id).Msg("escalate after failed recovery failed")
		return
	}
	outcome = outcomeEscalated
}

// CheckRegression reports whether component is inside a post-recovery observation window.
// A hit cancels the window.
func (o *Orchestrator) CheckRegression(ctx context.Context, component string) bool {
	if o.windows == nil {
		return false
	}
	w, err := o.windows.CheckObservation(ctx, component)
	if err != nil {
		o.logger.Error().Err(err).Str("target", component).Msg("check observation window failed")
		return false
	}
	if w == nil {
		return false
	}
	o.logger.Warn().
		Str("target", component).
		Str("recovered_incident_id", w.IncidentID).
		Time("window_end", w.EndTime).
		Msg("new incident during observation window, recovery regressed")
	if err := o.windows.CancelObservation(ctx, component); err != nil {
		o.logger.Error().Err(err).Str("target", component).Msg("cancel observation window failed")
	}
	return true
}

func (o *Orchestrator) startObservation(ctx context.Context, component, id string) {
	if o.windows == nil || o.cfg.ObservationWindow <= 0 {
		return
	}
	if err := o.windows.StartObservation(ctx, component, id, o.cfg.ObservationWindow); err != nil {
		o.logger.Error().Err(err).Str("incident_id", id).Str("target", component).Msg("start observation window failed")
	}
}

func (o *Orchestrator) healthScore(ctx context.Context, component string) float64 {
	if o.health == nil {
		return 0
	}
	score, err := o.health.HealthScore(ctx, component)
	if err != nil {
		o.logger.Error().Err(err).Str("target", component).Msg("health score query failed, treating as unhealthy")
		return 0
	}
	return score
}

// run executes a with panic isolation.
func (o *Orchestrator) run(ctx context.Context, a Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action %q panicked: %v", a.Name, r)
		}
	}()
	if a.Run == nil {
		return nil
	}
	return a.Run(ctx)
}
