package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/qiniu/incidentops/internal/alerting/telemetry"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	// LogComponent tags every log entry emitted by the incident subsystem.
	LogComponent = "INCIDENT_RESPONSE"
	// ActorSystem marks changes made by the engine itself.
	ActorSystem = "system"
)

const (
	AlertCreated      = "Incident Created"
	AlertEscalated    = "Incident Escalated"
	AlertResolved     = "Incident Resolved"
	alertStatusPrefix = "Status Changed: "
)

// errNoop aborts a mutation without writing to the store.
var errNoop = errors.New("noop")

type notice struct {
	alertType  string
	escalation bool
}

// Manager owns the incident lifecycle. All mutations of one incident are serialized.
type Manager struct {
	store        Store
	notifier     Notifier
	health       HealthReporter
	autoResponse bool
	now          func() time.Time
	logger       zerolog.Logger

	locks keyedMutex

	mu              sync.Mutex
	recovery        RecoveryRunner
	recoveryStarted map[string]struct{}
	recoveryActive  map[string]struct{}
	closed          bool
	inflight        sync.WaitGroup
}

type Option func(*Manager)

func WithNotifier(n Notifier) Option { return func(m *Manager) { m.notifier = n } }

func WithRecovery(r RecoveryRunner) Option { return func(m *Manager) { m.recovery = r } }

// WithAutoResponse enables automated recovery for critical incidents.
func WithAutoResponse(enabled bool) Option { return func(m *Manager) { m.autoResponse = enabled } }

func WithHealthReporter(h HealthReporter) Option { return func(m *Manager) { m.health = h } }

func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

func WithLogger(l zerolog.Logger) Option { return func(m *Manager) { m.logger = l } }

func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:           store,
		now:             time.Now,
		logger:          log.Logger.With().Str("component", LogComponent).Logger(),
		recoveryStarted: make(map[string]struct{}),
		recoveryActive:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetRecoveryRunner wires the orchestrator after construction; the orchestrator itself needs the manager.
func (m *Manager) SetRecoveryRunner(r RecoveryRunner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recovery = r
}

func (m *Manager) runner() RecoveryRunner {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recovery
}

// Create registers a new open incident, notifies, and for critical incidents starts automated
// recovery in the background when auto-response is enabled.
func (m *Manager) Create(ctx context.Context, req NewIncident) (*Incident, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	now := m.now()

	var extra []string
	if r := m.runner(); r != nil && r.CheckRegression(ctx, req.Component) {
		extra = append(extra, "regression")
	}

	in := &Incident{
		ID:               NewID(now),
		Title:            req.Title,
		Description:      req.Description,
		Severity:         req.Severity,
		Status:           StatusOpen,
		Component:        req.Component,
		StartTime:        now,
		Impact:           req.Impact,
		Metrics:          Snapshot{SuccessRate: 100},
		Tags:             DeriveTags(req.Severity, req.Component, now, extra...),
		RelatedIncidents: []string{},
		Metadata:         cloneMap(req.Metadata),
	}
	appendEvent(in, now, EventCreated, "Incident created: "+req.Title, "", map[string]any{
		"severity":  string(req.Severity),
		"component": req.Component,
	})

	if err := m.store.Create(ctx, in); err != nil {
		return nil, fmt.Errorf("create incident: %w", err)
	}
	telemetry.IncidentCreated(string(in.Severity))
	m.logger.Warn().
		Str("incident_id", in.ID).
		Str("severity", string(in.Severity)).
		Str("incident_component", in.Component).
		Str("title", in.Title).
		Msg("incident created")

	m.notify(ctx, in, notice{alertType: AlertCreated})

	if in.Severity == SeverityCritical && m.autoResponse {
		m.startRecovery(in.ID)
	}
	return in.Clone(), nil
}

// Get returns a snapshot of id or ErrNotFound.
func (m *Manager) Get(ctx context.Context, id string) (*Incident, error) {
	return m.store.Get(ctx, id)
}

// List returns incidents matching f, newest first.
func (m *Manager) List(ctx context.Context, f Filter) ([]*Incident, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	out := make([]*Incident, 0, len(all))
	for _, in := range all {
		if !f.match(in) {
			continue
		}
		out = append(out, in)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// Update shallow-merges p into the incident and records an "updated" event. Unknown ids yield
// ErrNotFound without touching any timeline. The first transition to resolved fixes EndTime and
// Duration; later updates never recompute them.
func (m *Manager) Update(ctx context.Context, id string, p Patch, actor, note string) (*Incident, error) {
	return m.mutate(ctx, id, func(in *Incident, now time.Time) ([]notice, error) {
		return applyPatch(in, p, now, actor, note)
	})
}

// Acknowledge moves the incident to acknowledged and assigns it to actor.
func (m *Manager) Acknowledge(ctx context.Context, id, actor string) (*Incident, error) {
	return m.mutate(ctx, id, func(in *Incident, now time.Time) ([]notice, error) {
		if in.Status == StatusAcknowledged {
			return nil, errNoop
		}
		if !CanTransition(in.Status, StatusAcknowledged) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, in.Status, StatusAcknowledged)
		}
		in.Status = StatusAcknowledged
		if actor != "" {
			in.Assignee = actor
		}
		appendEvent(in, now, EventAcknowledged, "Incident acknowledged", actor, nil)
		return statusNotices(in), nil
	})
}

// Close is the operator action that retires a resolved incident.
func (m *Manager) Close(ctx context.Context, id, actor string) (*Incident, error) {
	return m.mutate(ctx, id, func(in *Incident, now time.Time) ([]notice, error) {
		if in.Status != StatusResolved {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, in.Status, StatusClosed)
		}
		in.Status = StatusClosed
		appendEvent(in, now, EventClosed, "Incident closed", actor, nil)
		return statusNotices(in), nil
	})
}

// Escalate flags the incident for human attention. It fires at most once per incident;
// later calls return the current snapshot unchanged.
func (m *Manager) Escalate(ctx context.Context, id, reason string) (*Incident, error) {
	fired := false
	in, err := m.mutate(ctx, id, func(in *Incident, now time.Time) ([]notice, error) {
		if in.Escalated {
			return nil, errNoop
		}
		in.Escalated = true
		t := now
		in.EscalationTime = &t
		desc := "Incident escalated"
		if reason != "" {
			desc += ": " + reason
		}
		appendEvent(in, now, EventEscalated, desc, ActorSystem, nil)
		fired = true
		return []notice{{alertType: AlertEscalated, escalation: true}}, nil
	})
	if err != nil {
		return nil, err
	}
	if fired {
		telemetry.Escalated()
		m.logger.Error().
			Str("incident_id", id).
			Str("severity", string(in.Severity)).
			Str("reason", reason).
			Msg("incident escalated")
	}
	return in, nil
}

// RecordRecoveryAttempt bumps the attempt counter and appends a recovery_attempted event whether
// or not the action succeeded.
func (m *Manager) RecordRecoveryAttempt(ctx context.Context, id, action string, actionErr error) (*Incident, error) {
	return m.mutate(ctx, id, func(in *Incident, now time.Time) ([]notice, error) {
		in.Recovery.Attempts++
		t := now
		in.Recovery.LastAttempt = &t
		data := map[string]any{
			"action":  action,
			"attempt": in.Recovery.Attempts,
			"success": actionErr == nil,
		}
		desc := fmt.Sprintf("Recovery action %q (attempt %d) completed", action, in.Recovery.Attempts)
		if actionErr != nil {
			data["error"] = actionErr.Error()
			desc = fmt.Sprintf("Recovery action %q (attempt %d) failed: %v", action, in.Recovery.Attempts, actionErr)
		}
		appendEvent(in, now, EventRecoveryAttempted, desc, ActorSystem, data)
		return nil, nil
	})
}

// AutoResolve resolves the incident on behalf of the engine and appends an auto_resolved event.
// viaRecovery marks the recovery state as successful and auto-recovered. Incidents that are
// already resolved or closed are returned unchanged.
func (m *Manager) AutoResolve(ctx context.Context, id, resolution string, viaRecovery bool) (*Incident, error) {
	return m.mutate(ctx, id, func(in *Incident, now time.Time) ([]notice, error) {
		if in.Status.Done() {
			return nil, errNoop
		}
		if viaRecovery {
			in.Recovery.Successful = true
			in.Recovery.AutoRecovered = true
		}
		status := StatusResolved
		notices, err := applyPatch(in, Patch{Status: &status, Resolution: &resolution}, now, ActorSystem, "Automatically resolved")
		if err != nil {
			return nil, err
		}
		appendEvent(in, now, EventAutoResolved, resolution, ActorSystem, map[string]any{"viaRecovery": viaRecovery})
		return append(notices, notice{alertType: AlertResolved}), nil
	})
}

// TriggerRecovery starts automated recovery for id unless it already ran or the manager is shut down.
func (m *Manager) TriggerRecovery(ctx context.Context, id string) (bool, error) {
	if _, err := m.store.Get(ctx, id); err != nil {
		return false, err
	}
	return m.startRecovery(id), nil
}

// EscalateStale escalates unacknowledged, unresolved incidents of at least minSeverity that
// started more than timeout ago. Investigating incidents are skipped while their automated
// recovery is still running. It returns the number of incidents escalated.
func (m *Manager) EscalateStale(ctx context.Context, timeout time.Duration, minSeverity Severity) int {
	if timeout <= 0 {
		return 0
	}
	all, err := m.store.List(ctx)
	if err != nil {
		m.logger.Error().Err(err).Msg("list incidents for escalation watchdog failed")
		return 0
	}
	now := m.now()
	n := 0
	for _, in := range all {
		if in.Escalated || !in.Severity.AtLeast(minSeverity) {
			continue
		}
		switch in.Status {
		case StatusOpen:
		case StatusInvestigating:
			if m.recovering(in.ID) {
				continue
			}
		default:
			continue
		}
		age := now.Sub(in.StartTime)
		if age < timeout {
			continue
		}
		out, err := m.Escalate(ctx, in.ID, fmt.Sprintf("unacknowledged for %s", age.Truncate(time.Second)))
		if err != nil {
			m.logger.Error().Err(err).Str("incident_id", in.ID).Msg("escalation watchdog failed")
			continue
		}
		if out.EscalationTime != nil && !out.EscalationTime.Before(now) {
			n++
		}
	}
	return n
}

// Metrics recomputes AlertMetrics from the current store contents.
func (m *Manager) Metrics(ctx context.Context) (*AlertMetrics, error) {
	all, err := m.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	am := Aggregate(all, m.now())
	if m.health != nil {
		for k, v := range m.health.ComponentHealth(ctx) {
			am.ComponentHealth[k] = v
		}
	}
	return &am, nil
}

// Shutdown stops new recovery orchestrations and waits for in-flight ones until ctx is done.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) recovering(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.recoveryActive[id]
	return ok
}

func (m *Manager) startRecovery(id string) bool {
	m.mu.Lock()
	if m.recovery == nil || m.closed {
		m.mu.Unlock()
		return false
	}
	if _, ok := m.recoveryStarted[id]; ok {
		m.mu.Unlock()
		return false
	}
	m.recoveryStarted[id] = struct{}{}
	m.recoveryActive[id] = struct{}{}
	runner := m.recovery
	m.inflight.Add(1)
	m.mu.Unlock()

	m.logger.Info().Str("incident_id", id).Msg("starting automated recovery")
	go func() {
		defer m.inflight.Done()
		defer func() {
			m.mu.Lock()
			delete(m.recoveryActive, id)
			m.mu.Unlock()
		}()
		runner.Recover(context.Background(), id)
	}()
	return true
}

func (m *Manager) mutate(ctx context.Context, id string, fn func(in *Incident, now time.Time) ([]notice, error)) (*Incident, error) {
	unlock := m.locks.Lock(id)
	in, err := m.store.Get(ctx, id)
	if err != nil {
		unlock()
		return nil, err
	}
	notices, err := fn(in, m.now())
	if errors.Is(err, errNoop) {
		unlock()
		return in, nil
	}
	if err != nil {
		unlock()
		return nil, err
	}
	if err := m.store.Update(ctx, in); err != nil {
		unlock()
		return nil, fmt.Errorf("update incident %s: %w", id, err)
	}
	unlock()

	for _, n := range notices {
		m.notify(ctx, in, n)
	}
	return in, nil
}

func (m *Manager) notify(ctx context.Context, in *Incident, n notice) {
	if m.notifier == nil {
		return
	}
	m.notifier.SendAlert(ctx, in.Clone(), n.alertType, n.escalation)
}

func applyPatch(in *Incident, p Patch, now time.Time, actor, note string) ([]notice, error) {
	prev := in.Status
	if p.Status != nil {
		if !p.Status.Valid() {
			return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, *p.Status)
		}
		if !CanTransition(prev, *p.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, *p.Status)
		}
	}
	if p.Severity != nil && !p.Severity.Valid() {
		return nil, fmt.Errorf("%w: unknown severity %q", ErrInvalidIncident, *p.Severity)
	}

	var fields []string
	set := func(name string, apply func()) {
		apply()
		fields = append(fields, name)
	}
	if p.Title != nil {
		set("title", func() { in.Title = *p.Title })
	}
	if p.Description != nil {
		set("description", func() { in.Description = *p.Description })
	}
	if p.Severity != nil {
		set("severity", func() { in.Severity = *p.Severity })
	}
	if p.AffectedUsers != nil {
		set("affectedUsers", func() { n := *p.AffectedUsers; in.AffectedUsers = &n })
	}
	if p.Impact != nil {
		set("impact", func() { in.Impact = *p.Impact })
	}
	if p.RootCause != nil {
		set("rootCause", func() { in.RootCause = *p.RootCause })
	}
	if p.Resolution != nil {
		set("resolution", func() { in.Resolution = *p.Resolution })
	}
	if p.Assignee != nil {
		set("assignee", func() { in.Assignee = *p.Assignee })
	}
	if p.Metrics != nil {
		set("metrics", func() { in.Metrics = *p.Metrics })
	}
	if p.RelatedIncidents != nil {
		set("relatedIncidents", func() { in.RelatedIncidents = append([]string(nil), p.RelatedIncidents...) })
	}

	statusChanged := p.Status != nil && *p.Status != prev
	if p.Status != nil {
		in.Status = *p.Status
		fields = append(fields, "status")
	}

	desc := strings.TrimSpace(note)
	if desc == "" {
		desc = "Incident updated"
	}
	data := map[string]any{"fields": fields}
	if statusChanged {
		desc += fmt.Sprintf(" (status changed from %s to %s)", prev, in.Status)
		data["previousStatus"] = string(prev)
		data["status"] = string(in.Status)
	}
	appendEvent(in, now, EventUpdated, desc, actor, data)

	if !statusChanged {
		return nil, nil
	}
	if in.Status == StatusResolved && in.EndTime == nil {
		end := now
		in.EndTime = &end
		in.Duration = end.Sub(in.StartTime)
		appendEvent(in, now, EventResolved, "Incident resolved", actor, nil)
	}
	return statusNotices(in), nil
}

func statusNotices(in *Incident) []notice {
	if in.Severity != SeverityCritical {
		return nil
	}
	return []notice{{alertType: alertStatusPrefix + string(in.Status)}}
}

// appendEvent keeps the timeline non-decreasing in time even if the clock steps backwards.
func appendEvent(in *Incident, now time.Time, t EventType, desc, actor string, data map[string]any) {
	ts := now
	if n := len(in.Timeline); n > 0 && ts.Before(in.Timeline[n-1].Timestamp) {
		ts = in.Timeline[n-1].Timestamp
	}
	in.Timeline = append(in.Timeline, TimelineEvent{
		Timestamp:   ts,
		Type:        t,
		Description: desc,
		Actor:       actor,
		Data:        data,
	})
}
