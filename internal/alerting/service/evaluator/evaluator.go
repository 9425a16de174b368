package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/qiniu/incidentops/internal/alerting/service/incident"
	"github.com/qiniu/incidentops/internal/alerting/service/ruleset"
	"github.com/qiniu/incidentops/internal/alerting/telemetry"
)

// FiringComponent is the component recorded on incidents created by rule fires.
const FiringComponent = "monitoring"

// Query describes one metric read: the metric aggregated over a trailing window.
type Query struct {
	Metric      string
	Window      time.Duration
	Aggregation ruleset.Aggregation
	Filters     ruleset.LabelMap
	// Expr is the rendered PromQL form of the fields above.
	Expr string
}

// MetricSource returns a single scalar for q. Reads must be free of side effects.
type MetricSource interface {
	MetricValue(ctx context.Context, q Query) (float64, error)
}

// MetricSourceFunc adapts a function to MetricSource.
type MetricSourceFunc func(ctx context.Context, q Query) (float64, error)

func (f MetricSourceFunc) MetricValue(ctx context.Context, q Query) (float64, error) { return f(ctx, q) }

// Rules is the registry view the evaluator needs.
type Rules interface {
	Enabled(ctx context.Context) ([]*ruleset.AlertRule, error)
	MarkTriggered(ctx context.Context, id string, at time.Time) error
}

// Incidents is the lifecycle view the evaluator needs.
type Incidents interface {
	Create(ctx context.Context, req incident.NewIncident) (*incident.Incident, error)
	Get(ctx context.Context, id string) (*incident.Incident, error)
	AutoResolve(ctx context.Context, id, resolution string, viaRecovery bool) (*incident.Incident, error)
	EscalateStale(ctx context.Context, timeout time.Duration, minSeverity incident.Severity) int
}

type Config struct {
	Interval time.Duration
	// EscalationTimeout escalates unacknowledged incidents of at least EscalationSeverity; 0 disables.
	EscalationTimeout  time.Duration
	EscalationSeverity incident.Severity
}

// ruleState is per-rule memory kept between ticks.
type ruleState struct {
	breachSince    *time.Time
	incidentID     string
	recoveredSince *time.Time
	// lastFired holds cooldown when the store could not record the fire.
	lastFired *time.Time
}

func (st *ruleState) cooling(r *ruleset.AlertRule, now time.Time) bool {
	if r.InCooldown(now) {
		return true
	}
	return st.lastFired != nil && r.Cooldown > 0 && now.Sub(*st.lastFired) < r.Cooldown
}

type Evaluator struct {
	rules     Rules
	metrics   MetricSource
	incidents Incidents
	cfg       Config
	now       func() time.Time
	logger    zerolog.Logger

	running atomic.Bool
	wg      sync.WaitGroup

	mu     sync.Mutex
	states map[string]*ruleState
}

type Option func(*Evaluator)

func WithClock(now func() time.Time) Option { return func(e *Evaluator) { e.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(e *Evaluator) { e.logger = l } }

func New(rules Rules, metrics MetricSource, incidents Incidents, cfg Config, opts ...Option) *Evaluator {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.EscalationSeverity == "" {
		cfg.EscalationSeverity = incident.SeverityHigh
	}
	e := &Evaluator{
		rules:     rules,
		metrics:   metrics,
		incidents: incidents,
		cfg:       cfg,
		now:       time.Now,
		logger:    log.Logger.With().Str("component", incident.LogComponent).Logger(),
		states:    make(map[string]*ruleState),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start runs Tick on every interval until ctx is done, then waits for a running tick to finish.
// A tick still running when the next one is due causes that next tick to be skipped.
func (e *Evaluator) Start(ctx context.Context) {
	t := time.NewTicker(e.cfg.Interval)
	defer t.Stop()
	e.logger.Info().Dur("interval", e.cfg.Interval).Msg("alert evaluator started")
	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			e.logger.Info().Msg("alert evaluator stopped")
			return
		case <-t.C:
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.Tick(ctx)
			}()
		}
	}
}

// Tick evaluates every enabled rule once. It returns false when another tick was still running.
func (e *Evaluator) Tick(ctx context.Context) bool {
	if !e.running.CompareAndSwap(false, true) {
		e.logger.Warn().Msg("previous evaluation still running, skipping tick")
		return false
	}
	defer e.running.Store(false)

	now := e.now()
	rules, err := e.rules.Enabled(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("load alert rules failed")
		return true
	}

	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		seen[r.ID] = struct{}{}
		e.evaluateSafe(ctx, r, now)
	}
	e.pruneStates(seen)

	if e.cfg.EscalationTimeout > 0 {
		if n := e.incidents.EscalateStale(ctx, e.cfg.EscalationTimeout, e.cfg.EscalationSeverity); n > 0 {
			e.logger.Warn().Int("count", n).Msg("escalated unacknowledged incidents")
		}
	}
	return true
}

func (e *Evaluator) evaluateSafe(ctx context.Context, r *ruleset.AlertRule, now time.Time) {
	defer func() {
		if p := recover(); p != nil {
			telemetry.RuleEvaluationFailed()
			e.logger.Error().Str("rule_id", r.ID).Interface("panic", p).Msg("alert rule evaluation panicked")
		}
	}()
	e.evaluate(ctx, r, now)
}

func (e *Evaluator) evaluate(ctx context.Context, r *ruleset.AlertRule, now time.Time) {
	st := e.state(r.ID)
	watchRecovery := r.Recovery.AutoResolve && st.incidentID != ""
	cooling := st.cooling(r, now)
	if cooling && !watchRecovery {
		return
	}

	value, err := e.metrics.MetricValue(ctx, Query{
		Metric:      r.Metric,
		Window:      r.Window,
		Aggregation: r.Aggregation,
		Filters:     r.Filters,
		Expr:        r.Query(),
	})
	if err != nil {
		telemetry.RuleEvaluationFailed()
		e.logger.Error().Err(err).Str("rule_id", r.ID).Str("metric", r.Metric).Msg("metric evaluation failed")
		return
	}

	if watchRecovery {
		e.checkRecovery(ctx, r, st, value, now)
	}
	if cooling {
		return
	}

	if !r.Breached(value) {
		st.breachSince = nil
		return
	}
	if st.breachSince == nil {
		t := now
		st.breachSince = &t
	}
	if now.Sub(*st.breachSince) < r.Duration {
		e.logger.Debug().Str("rule_id", r.ID).Float64("value", value).Time("breach_since", *st.breachSince).Msg("breach not sustained yet")
		return
	}
	e.fire(ctx, r, st, value, now)
}

func (e *Evaluator) fire(ctx context.Context, r *ruleset.AlertRule, st *ruleState, value float64, now time.Time) {
	desc := fmt.Sprintf("%s is %.2f (%s over %s %s %.2f)",
		r.Metric, value, r.Aggregation, r.Window, r.Operator.Symbol(), r.Threshold)
	if r.Description != "" {
		desc = r.Description + ": " + desc
	}
	in, err := e.incidents.Create(ctx, incident.NewIncident{
		Title:       r.Name,
		Description: desc,
		Severity:    r.Severity,
		Component:   FiringComponent,
		Impact:      fmt.Sprintf("Alert rule %s breached", r.ID),
		Metadata: map[string]any{
			"rule_id":   r.ID,
			"metric":    r.Metric,
			"threshold": r.Threshold,
			"operator":  string(r.Operator),
			"value":     value,
			"filters":   ruleset.CanonicalLabelKey(r.Filters),
			"channels":  append([]string(nil), r.Channels...),
		},
	})
	if err != nil {
		// lastTriggered is left untouched so the next tick retries
		e.logger.Error().Err(err).Str("rule_id", r.ID).Msg("create incident for alert rule failed")
		return
	}
	if err := e.rules.MarkTriggered(ctx, r.ID, now); err != nil {
		e.logger.Error().Err(err).Str("rule_id", r.ID).Msg("mark alert rule triggered failed")
	}
	telemetry.RuleFired(r.ID)
	e.logger.Warn().
		Str("rule_id", r.ID).
		Str("incident_id", in.ID).
		Float64("value", value).
		Float64("threshold", r.Threshold).
		Msg("alert rule fired")

	fired := now
	st.lastFired = &fired
	st.breachSince = nil
	st.recoveredSince = nil
	st.incidentID = in.ID
}

func (e *Evaluator) checkRecovery(ctx context.Context, r *ruleset.AlertRule, st *ruleState, value float64, now time.Time) {
	cur, err := e.incidents.Get(ctx, st.incidentID)
	if err != nil {
		if !errors.Is(err, incident.ErrNotFound) {
			e.logger.Error().Err(err).Str("rule_id", r.ID).Str("incident_id", st.incidentID).Msg("load rule incident failed")
			return
		}
		st.incidentID, st.recoveredSince = "", nil
		return
	}
	if cur.Status.Done() {
		st.incidentID, st.recoveredSince = "", nil
		return
	}
	if !r.Recovered(value) {
		st.recoveredSince = nil
		return
	}
	if st.recoveredSince == nil {
		t := now
		st.recoveredSince = &t
	}
	if now.Sub(*st.recoveredSince) < r.Recovery.Duration {
		return
	}

	resolution := fmt.Sprintf("%s recovered to %.2f (recovery threshold %.2f) for %s", r.Metric, value, r.Recovery.Threshold, r.Recovery.Duration)
	if _, err := e.incidents.AutoResolve(ctx, st.incidentID, resolution, false); err != nil {
		e.logger.Error().Err(err).Str("rule_id", r.ID).Str("incident_id", st.incidentID).Msg("auto-resolve rule incident failed")
		return
	}
	e.logger.Info().Str("rule_id", r.ID).Str("incident_id", st.incidentID).Float64("value", value).Msg("rule incident auto-resolved")
	st.incidentID, st.recoveredSince = "", nil
}

func (e *Evaluator) state(id string) *ruleState {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.states[id]
	if !ok {
		st = &ruleState{}
		e.states[id] = st
	}
	return st
}

// pruneStates forgets rules that were disabled or deleted.
func (e *Evaluator) pruneStates(seen map[string]struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id := range e.states {
		if _, ok := seen[id]; !ok {
			delete(e.states, id)
		}
	}
}
