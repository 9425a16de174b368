package incident

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned for unknown incident ids. Callers treat it as an expected race.
	ErrNotFound = errors.New("incident not found")
	// ErrInvalidTransition rejects status changes outside the lifecycle graph.
	ErrInvalidTransition = errors.New("invalid incident status transition")
	// ErrInvalidIncident rejects create requests with missing or malformed fields.
	ErrInvalidIncident = errors.New("invalid incident")
)

// Severity is ordered critical > high > medium > low > info.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Severities lists every tier from highest to lowest.
var Severities = []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}

// Rank returns 0 for unknown values, 1 for info up to 5 for critical.
func (s Severity) Rank() int {
	switch s {
	case SeverityInfo:
		return 1
	case SeverityLow:
		return 2
	case SeverityMedium:
		return 3
	case SeverityHigh:
		return 4
	case SeverityCritical:
		return 5
	default:
		return 0
	}
}

func (s Severity) Valid() bool { return s.Rank() > 0 }

// AtLeast reports whether s is as severe as o or more.
func (s Severity) AtLeast(o Severity) bool { return s.Rank() >= o.Rank() }

func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}

type Status string

const (
	StatusOpen          Status = "open"
	StatusAcknowledged  Status = "acknowledged"
	StatusInvestigating Status = "investigating"
	StatusResolved      Status = "resolved"
	StatusClosed        Status = "closed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusAcknowledged, StatusInvestigating, StatusResolved, StatusClosed:
		return true
	}
	return false
}

// Done reports whether the incident no longer counts as active.
func (s Status) Done() bool { return s == StatusResolved || s == StatusClosed }

func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown status %q", v)
	}
	return s, nil
}

var transitions = map[Status][]Status{
	StatusOpen:          {StatusAcknowledged, StatusInvestigating, StatusResolved},
	StatusAcknowledged:  {StatusInvestigating, StatusResolved},
	StatusInvestigating: {StatusAcknowledged, StatusResolved},
	StatusResolved:      {StatusClosed},
	StatusClosed:        nil,
}

// CanTransition reports whether from -> to follows the lifecycle graph. Same-status is allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type EventType string

const (
	EventCreated           EventType = "created"
	EventUpdated           EventType = "updated"
	EventAcknowledged      EventType = "acknowledged"
	EventEscalated         EventType = "escalated"
	EventResolved          EventType = "resolved"
	EventRecoveryAttempted EventType = "recovery_attempted"
	EventAutoResolved      EventType = "auto_resolved"
	EventClosed            EventType = "closed"
)

type TimelineEvent struct {
	Timestamp   time.Time      `json:"timestamp"`
	Type        EventType      `json:"type"`
	Description string         `json:"description"`
	Actor       string         `json:"actor,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
}

type Recovery struct {
	Attempts      int        `json:"attempts"`
	LastAttempt   *time.Time `json:"lastAttempt,omitempty"`
	Successful    bool       `json:"successful"`
	AutoRecovered bool       `json:"autoRecovered"`
}

// Snapshot is informational and never recomputed by the engine.
type Snapshot struct {
	ErrorCount       int64   `json:"errorCount"`
	AffectedRequests int64   `json:"affectedRequests"`
	DowntimeMs       int64   `json:"downtimeMs"`
	ResponseTimeMs   float64 `json:"responseTimeMs"`
	SuccessRate      float64 `json:"successRate"`
}

type Incident struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Description      string          `json:"description"`
	Severity         Severity        `json:"severity"`
	Status           Status          `json:"status"`
	Component        string          `json:"component"`
	StartTime        time.Time       `json:"startTime"`
	EndTime          *time.Time      `json:"endTime,omitempty"`
	Duration         time.Duration   `json:"duration,omitempty"`
	AffectedUsers    *int            `json:"affectedUsers,omitempty"`
	Impact           string          `json:"impact"`
	RootCause        string          `json:"rootCause,omitempty"`
	Resolution       string          `json:"resolution,omitempty"`
	Assignee         string          `json:"assignee,omitempty"`
	Escalated        bool            `json:"escalated"`
	EscalationTime   *time.Time      `json:"escalationTime,omitempty"`
	Recovery         Recovery        `json:"recovery"`
	Metrics          Snapshot        `json:"metrics"`
	Timeline         []TimelineEvent `json:"timeline"`
	Tags             []string        `json:"tags"`
	RelatedIncidents []string        `json:"relatedIncidents"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
}

// HasEvent reports whether the timeline contains at least one event of type t.
func (in *Incident) HasEvent(t EventType) bool {
	for _, ev := range in.Timeline {
		if ev.Type == t {
			return true
		}
	}
	return false
}

// Clone returns a copy that shares no mutable state with in.
// Metadata and event payload values are copied one level deep.
func (in *Incident) Clone() *Incident {
	if in == nil {
		return nil
	}
	out := *in
	if in.EndTime != nil {
		t := *in.EndTime
		out.EndTime = &t
	}
	if in.EscalationTime != nil {
		t := *in.EscalationTime
		out.EscalationTime = &t
	}
	if in.AffectedUsers != nil {
		n := *in.AffectedUsers
		out.AffectedUsers = &n
	}
	if in.Recovery.LastAttempt != nil {
		t := *in.Recovery.LastAttempt
		out.Recovery.LastAttempt = &t
	}
	out.Timeline = make([]TimelineEvent, len(in.Timeline))
	for i, ev := range in.Timeline {
		ev.Data = cloneMap(ev.Data)
		out.Timeline[i] = ev
	}
	out.Tags = append([]string(nil), in.Tags...)
	out.RelatedIncidents = append([]string(nil), in.RelatedIncidents...)
	out.Metadata = cloneMap(in.Metadata)
	return &out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// NewIncident carries the caller-supplied fields of a create request.
type NewIncident struct {
	Title       string         `json:"title"`
	Description string         `json:"description"`
	Severity    Severity       `json:"severity"`
	Component   string         `json:"component"`
	Impact      string         `json:"impact"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (n *NewIncident) validate() error {
	if strings.TrimSpace(n.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidIncident)
	}
	if strings.TrimSpace(n.Component) == "" {
		return fmt.Errorf("%w: component is required", ErrInvalidIncident)
	}
	if !n.Severity.Valid() {
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidIncident, n.Severity)
	}
	return nil
}

// Patch is a shallow merge: nil fields are left untouched.
type Patch struct {
	Title            *string   `json:"title,omitempty"`
	Description      *string   `json:"description,omitempty"`
	Severity         *Severity `json:"severity,omitempty"`
	Status           *Status   `json:"status,omitempty"`
	AffectedUsers    *int      `json:"affectedUsers,omitempty"`
	Impact           *string   `json:"impact,omitempty"`
	RootCause        *string   `json:"rootCause,omitempty"`
	Resolution       *string   `json:"resolution,omitempty"`
	Assignee         *string   `json:"assignee,omitempty"`
	Metrics          *Snapshot `json:"metrics,omitempty"`
	RelatedIncidents []string  `json:"relatedIncidents,omitempty"`
}

// Filter narrows List results. Zero values match everything.
type Filter struct {
	Status    Status
	Severity  Severity
	Component string
	Limit     int
}

func (f Filter) match(in *Incident) bool {
	if f.Status != "" && in.Status != f.Status {
		return false
	}
	if f.Severity != "" && in.Severity != f.Severity {
		return false
	}
	if f.Component != "" && !strings.EqualFold(in.Component, f.Component) {
		return false
	}
	return true
}

// Store abstracts incident persistence so a durable backend can replace the in-memory map.
// Get returns ErrNotFound for unknown ids. Implementations store copies.
type Store interface {
	Create(ctx context.Context, in *Incident) error
	Get(ctx context.Context, id string) (*Incident, error)
	Update(ctx context.Context, in *Incident) error
	List(ctx context.Context) ([]*Incident, error)
}

// Notifier fans incident events out to notification channels.
type Notifier interface {
	SendAlert(ctx context.Context, in *Incident, alertType string, escalation bool)
}

// RecoveryRunner is the automated-recovery side of the lifecycle.
type RecoveryRunner interface {
	// Recover runs the orchestration for id to completion.
	Recover(ctx context.Context, id string)
	// CheckRegression reports whether component was still under observation after a recovery.
	CheckRegression(ctx context.Context, component string) bool
}

// HealthReporter supplies per-component health scores for AlertMetrics.
type HealthReporter interface {
	ComponentHealth(ctx context.Context) map[string]float64
}
