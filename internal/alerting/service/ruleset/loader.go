package ruleset

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/qiniu/incidentops/internal/alerting/service/incident"
)

// ruleFile is the YAML layout of a rules file:
//
//	rules:
//	  - id: queue_backlog
//	    metric: queue_depth
//	    operator: ">"
//	    threshold: 1000
//	    severity: high
//	    window: 5m
//	    cooldown: 10m
type ruleFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// RuleSpec is the wire form of a rule shared by rule files and the HTTP API. Durations are Go
// duration strings ("90s", "5m").
type RuleSpec struct {
	ID          string            `yaml:"id" json:"id"`
	Name        string            `yaml:"name" json:"name,omitempty"`
	Description string            `yaml:"description" json:"description,omitempty"`
	Metric      string            `yaml:"metric" json:"metric"`
	Operator    string            `yaml:"operator" json:"operator"`
	Threshold   float64           `yaml:"threshold" json:"threshold"`
	Duration    string            `yaml:"duration" json:"duration,omitempty"`
	Severity    string            `yaml:"severity" json:"severity"`
	Enabled     *bool             `yaml:"enabled" json:"enabled,omitempty"`
	Channels    []string          `yaml:"channels" json:"channels,omitempty"`
	Cooldown    string            `yaml:"cooldown" json:"cooldown,omitempty"`
	Window      string            `yaml:"window" json:"window,omitempty"`
	Aggregation string            `yaml:"aggregation" json:"aggregation,omitempty"`
	Filters     map[string]string `yaml:"filters" json:"filters,omitempty"`
	Recovery    RecoverySpec      `yaml:"recovery" json:"recovery"`
}

type RecoverySpec struct {
	AutoResolve bool    `yaml:"autoResolve" json:"autoResolve"`
	Threshold   float64 `yaml:"threshold" json:"threshold"`
	Duration    string  `yaml:"duration" json:"duration,omitempty"`
}

// LoadFile parses a YAML rules file. Rules default to enabled.
func LoadFile(path string) ([]*AlertRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) ([]*AlertRule, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode rules file: %w", err)
	}
	out := make([]*AlertRule, 0, len(f.Rules))
	for i, e := range f.Rules {
		r, err := e.ToRule()
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, e.ID, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// ToRule parses the spec. Defaults are applied later by Manager.Register.
func (e RuleSpec) ToRule() (*AlertRule, error) {
	op, err := ParseOperator(e.Operator)
	if err != nil {
		return nil, err
	}
	sev, err := incident.ParseSeverity(e.Severity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	r := &AlertRule{
		ID:          e.ID,
		Name:        e.Name,
		Description: e.Description,
		Metric:      e.Metric,
		Operator:    op,
		Threshold:   e.Threshold,
		Severity:    sev,
		Enabled:     e.Enabled == nil || *e.Enabled,
		Channels:    e.Channels,
		Aggregation: Aggregation(e.Aggregation),
		Filters:     LabelMap(e.Filters),
		Recovery:    RecoveryPolicy{AutoResolve: e.Recovery.AutoResolve, Threshold: e.Recovery.Threshold},
	}
	for _, f := range []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"duration", e.Duration, &r.Duration},
		{"cooldown", e.Cooldown, &r.Cooldown},
		{"window", e.Window, &r.Window},
		{"recovery.duration", e.Recovery.Duration, &r.Recovery.Duration},
	} {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidRule, f.name, err)
		}
		*f.dst = d
	}
	return r, nil
}

// BootstrapOptions controls which rules are loaded at startup.
type BootstrapOptions struct {
	RulesFile    string
	SeedDefaults bool
	Thresholds   Thresholds
	Channels     []string
}

// Bootstrap seeds the stock rules that are not yet in the store, then registers every rule from
// the rules file (file rules override stored ones). It returns the number of rules registered.
func Bootstrap(ctx context.Context, m *Manager, opts BootstrapOptions) (int, error) {
	n := 0
	if opts.SeedDefaults {
		for _, r := range DefaultRules(opts.Thresholds, opts.Channels) {
			if _, err := m.Get(ctx, r.ID); err == nil {
				continue
			} else if !errors.Is(err, ErrRuleNotFound) {
				return n, fmt.Errorf("lookup rule %s: %w", r.ID, err)
			}
			if _, err := m.Register(ctx, r); err != nil {
				return n, fmt.Errorf("seed rule %s: %w", r.ID, err)
			}
			n++
		}
	}
	if opts.RulesFile != "" {
		rules, err := LoadFile(opts.RulesFile)
		if err != nil {
			return n, err
		}
		for _, r := range rules {
			if len(r.Channels) == 0 {
				r.Channels = append([]string(nil), opts.Channels...)
			}
			if _, err := m.Register(ctx, r); err != nil {
				return n, fmt.Errorf("register rule %s: %w", r.ID, err)
			}
			n++
		}
	}
	log.Info().Str("component", incident.LogComponent).Int("rules", n).Msg("alert rules bootstrapped")
	return n, nil
}

// Spec renders r in wire form. Zero durations are omitted.
func (r *AlertRule) Spec() RuleSpec {
	enabled := r.Enabled
	var filters map[string]string
	if len(r.Filters) > 0 {
		filters = make(map[string]string, len(r.Filters))
		for k, v := range r.Filters {
			filters[k] = v
		}
	}
	return RuleSpec{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Metric:      r.Metric,
		Operator:    string(r.Operator),
		Threshold:   r.Threshold,
		Duration:    specDuration(r.Duration),
		Severity:    string(r.Severity),
		Enabled:     &enabled,
		Channels:    append([]string(nil), r.Channels...),
		Cooldown:    specDuration(r.Cooldown),
		Window:      specDuration(r.Window),
		Aggregation: string(r.Aggregation),
		Filters:     filters,
		Recovery: RecoverySpec{
			AutoResolve: r.Recovery.AutoResolve,
			Threshold:   r.Recovery.Threshold,
			Duration:    specDuration(r.Recovery.Duration),
		},
	}
}

func specDuration(d time.Duration) string {
	if d == 0 {
		return ""
	}
	return d.String()
}
