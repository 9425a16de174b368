package ruleset

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/qiniu/incidentops/internal/alerting/service/incident"
)

var (
	ErrRuleNotFound = errors.New("alert rule not found")
	ErrInvalidRule  = errors.New("invalid alert rule")
)

// Operator compares an aggregated metric value against a rule threshold.
type Operator string

const (
	OpGT  Operator = "gt"
	OpLT  Operator = "lt"
	OpEQ  Operator = "eq"
	OpGTE Operator = "gte"
	OpLTE Operator = "lte"
)

var operatorSymbols = map[string]Operator{
	">": OpGT, "<": OpLT, "=": OpEQ, "==": OpEQ, ">=": OpGTE, "<=": OpLTE,
	"gt": OpGT, "lt": OpLT, "eq": OpEQ, "gte": OpGTE, "lte": OpLTE,
}

// ParseOperator accepts both the symbolic (">=") and named ("gte") forms.
func ParseOperator(s string) (Operator, error) {
	if op, ok := operatorSymbols[strings.ToLower(strings.TrimSpace(s))]; ok {
		return op, nil
	}
	return "", fmt.Errorf("%w: unknown operator %q", ErrInvalidRule, s)
}

func (o Operator) Valid() bool {
	switch o {
	case OpGT, OpLT, OpEQ, OpGTE, OpLTE:
		return true
	}
	return false
}

const eqEpsilon = 1e-9

// Compare reports whether value op threshold holds.
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpGT:
		return value > threshold
	case OpLT:
		return value < threshold
	case OpGTE:
		return value >= threshold
	case OpLTE:
		return value <= threshold
	case OpEQ:
		return math.Abs(value-threshold) < eqEpsilon
	}
	return false
}

// Symbol renders the operator for PromQL and messages.
func (o Operator) Symbol() string {
	switch o {
	case OpGT:
		return ">"
	case OpLT:
		return "<"
	case OpGTE:
		return ">="
	case OpLTE:
		return "<="
	case OpEQ:
		return "=="
	}
	return string(o)
}

type Aggregation string

const (
	AggAvg   Aggregation = "avg"
	AggSum   Aggregation = "sum"
	AggMax   Aggregation = "max"
	AggMin   Aggregation = "min"
	AggCount Aggregation = "count"
)

func (a Aggregation) Valid() bool {
	switch a {
	case AggAvg, AggSum, AggMax, AggMin, AggCount:
		return true
	}
	return false
}

// LabelMap is a normalized set of metric label filters (see normalize.go).
type LabelMap map[string]string

// RecoveryPolicy resolves a rule's open incident once the metric is back on the healthy side of
// Threshold for at least Duration.
type RecoveryPolicy struct {
	AutoResolve bool          `json:"autoResolve" yaml:"autoResolve"`
	Threshold   float64       `json:"threshold" yaml:"threshold"`
	Duration    time.Duration `json:"duration" yaml:"duration"`
}

// AlertRule is a named threshold policy evaluated on every evaluator tick.
type AlertRule struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Metric      string            `json:"metric"`
	Operator    Operator          `json:"operator"`
	Threshold   float64           `json:"threshold"`
	Duration    time.Duration     `json:"duration"` // breach must be sustained this long; 0 fires immediately
	Severity    incident.Severity `json:"severity"`
	Enabled     bool              `json:"enabled"`
	Channels    []string          `json:"channels"`
	Cooldown    time.Duration     `json:"cooldown"`
	// LastTriggered changes only when the rule actually fires.
	LastTriggered *time.Time     `json:"lastTriggered,omitempty"`
	Window        time.Duration  `json:"window"`
	Aggregation   Aggregation    `json:"aggregation"`
	Filters       LabelMap       `json:"filters,omitempty"`
	Recovery      RecoveryPolicy `json:"recovery"`
}

const DefaultWindow = 5 * time.Minute

func (r *AlertRule) applyDefaults() {
	r.ID = strings.TrimSpace(r.ID)
	if r.Name == "" {
		r.Name = r.ID
	}
	if r.Window == 0 {
		r.Window = DefaultWindow
	}
	if r.Aggregation == "" {
		r.Aggregation = AggAvg
	}
	if r.Channels == nil {
		r.Channels = []string{}
	}
}

func (r *AlertRule) Validate() error {
	switch {
	case r.ID == "":
		return fmt.Errorf("%w: id is required", ErrInvalidRule)
	case strings.TrimSpace(r.Metric) == "":
		return fmt.Errorf("%w: metric is required", ErrInvalidRule)
	case !r.Operator.Valid():
		return fmt.Errorf("%w: unknown operator %q", ErrInvalidRule, r.Operator)
	case !isFinite(r.Threshold):
		return fmt.Errorf("%w: threshold must be finite", ErrInvalidRule)
	case !r.Severity.Valid():
		return fmt.Errorf("%w: unknown severity %q", ErrInvalidRule, r.Severity)
	case !r.Aggregation.Valid():
		return fmt.Errorf("%w: unknown aggregation %q", ErrInvalidRule, r.Aggregation)
	case r.Window <= 0:
		return fmt.Errorf("%w: window must be positive", ErrInvalidRule)
	case r.Duration < 0 || r.Cooldown < 0 || r.Recovery.Duration < 0:
		return fmt.Errorf("%w: durations must not be negative", ErrInvalidRule)
	case r.Recovery.AutoResolve && !isFinite(r.Recovery.Threshold):
		return fmt.Errorf("%w: recovery threshold must be finite", ErrInvalidRule)
	}
	return nil
}

// InCooldown reports whether the rule fired less than Cooldown ago.
func (r *AlertRule) InCooldown(now time.Time) bool {
	if r.LastTriggered == nil || r.Cooldown <= 0 {
		return false
	}
	return now.Sub(*r.LastTriggered) < r.Cooldown
}

// Breached applies the rule condition to value.
func (r *AlertRule) Breached(value float64) bool {
	return r.Operator.Compare(value, r.Threshold)
}

// Recovered reports whether value is on the healthy side of the recovery threshold:
// below it for upper-bound rules (gt, gte, eq) and above it for lower-bound rules (lt, lte).
func (r *AlertRule) Recovered(value float64) bool {
	switch r.Operator {
	case OpLT, OpLTE:
		return value > r.Recovery.Threshold
	default:
		return value < r.Recovery.Threshold
	}
}

// Query renders <agg>_over_time(metric{filters}[window]).
func (r *AlertRule) Query() string {
	var b strings.Builder
	b.WriteString(string(r.Aggregation))
	b.WriteString("_over_time(")
	b.WriteString(r.Metric)
	if len(r.Filters) > 0 {
		keys := make([]string, 0, len(r.Filters))
		for k := range r.Filters {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(strconv.Quote(r.Filters[k]))
		}
		b.WriteByte('}')
	}
	b.WriteByte('[')
	b.WriteString(promDuration(r.Window))
	b.WriteString("])")
	return b.String()
}

// promDuration renders d with the largest whole unit Prometheus understands.
func promDuration(d time.Duration) string {
	switch {
	case d%time.Hour == 0:
		return strconv.FormatInt(int64(d/time.Hour), 10) + "h"
	case d%time.Minute == 0:
		return strconv.FormatInt(int64(d/time.Minute), 10) + "m"
	case d%time.Second == 0:
		return strconv.FormatInt(int64(d/time.Second), 10) + "s"
	default:
		return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
	}
}

func (r *AlertRule) Clone() *AlertRule {
	if r == nil {
		return nil
	}
	out := *r
	if r.LastTriggered != nil {
		t := *r.LastTriggered
		out.LastTriggered = &t
	}
	if r.Channels != nil {
		out.Channels = append(make([]string, 0, len(r.Channels)), r.Channels...)
	}
	if r.Filters != nil {
		out.Filters = make(LabelMap, len(r.Filters))
		for k, v := range r.Filters {
			out.Filters[k] = v
		}
	}
	return &out
}

// ChangeLog captures rule registry changes for auditing.
type ChangeLog struct {
	ID           string    // external id for de-duplication
	RuleID       string    // rule id
	ChangeType   string    // Create | Update | Enable | Disable | Delete
	OldThreshold *float64  // nil if not applicable
	NewThreshold *float64  // nil if not applicable
	ChangeTime   time.Time // when the change happened
}

// Store abstracts rule persistence. Get returns ErrRuleNotFound for unknown ids.
type Store interface {
	UpsertRule(ctx context.Context, r *AlertRule) error
	GetRule(ctx context.Context, id string) (*AlertRule, error)
	ListRules(ctx context.Context) ([]*AlertRule, error)
	DeleteRule(ctx context.Context, id string) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	MarkTriggered(ctx context.Context, id string, at time.Time) error

	InsertChangeLog(ctx context.Context, log *ChangeLog) error

	// Transaction helper. Implementation must call fn with a transactional Store
	// that respects atomicity for the ops executed within.
	WithTx(ctx context.Context, fn func(Store) error) error
}

func isFinite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
