package ruleset

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Manager is the rule registry. It validates rules, persists them with a change log and keeps the
// exporter gauges in sync.
type Manager struct {
	store    Store
	exporter *Exporter
	aliasMap map[string]string
	now      func() time.Time
}

// NewManager wires a registry over store. exporter may be nil. aliasMap canonicalizes filter keys,
// e.g. "service_name" -> "service".
func NewManager(store Store, exporter *Exporter, aliasMap map[string]string) *Manager {
	if aliasMap == nil {
		aliasMap = map[string]string{}
	}
	return &Manager{store: store, exporter: exporter, aliasMap: aliasMap, now: time.Now}
}

// Register creates or replaces a rule. LastTriggered of an existing rule is preserved.
func (m *Manager) Register(ctx context.Context, r *AlertRule) (*AlertRule, error) {
	if r == nil {
		return nil, fmt.Errorf("%w: nil rule", ErrInvalidRule)
	}
	rule := r.Clone()
	rule.applyDefaults()
	rule.Filters = NormalizeLabels(rule.Filters, m.aliasMap)
	if err := rule.Validate(); err != nil {
		return nil, err
	}

	err := m.store.WithTx(ctx, func(tx Store) error {
		old, err := tx.GetRule(ctx, rule.ID)
		if err != nil && !errors.Is(err, ErrRuleNotFound) {
			return err
		}
		if old != nil && rule.LastTriggered == nil {
			rule.LastTriggered = old.LastTriggered
		}
		if err := tx.UpsertRule(ctx, rule); err != nil {
			return err
		}
		change := "Create"
		var oldTh *float64
		if old != nil {
			change = "Update"
			oldTh = &old.Threshold
		}
		newTh := rule.Threshold
		return tx.InsertChangeLog(ctx, m.changeLog(rule.ID, change, oldTh, &newTh))
	})
	if err != nil {
		return nil, err
	}
	m.exporter.Sync(rule)
	return rule.Clone(), nil
}

func (m *Manager) Get(ctx context.Context, id string) (*AlertRule, error) {
	return m.store.GetRule(ctx, id)
}

func (m *Manager) List(ctx context.Context) ([]*AlertRule, error) {
	return m.store.ListRules(ctx)
}

// Enabled returns the rules the evaluator should consider on this tick.
func (m *Manager) Enabled(ctx context.Context) ([]*AlertRule, error) {
	all, err := m.store.ListRules(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, r := range all {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Manager) SetEnabled(ctx context.Context, id string, enabled bool) (*AlertRule, error) {
	var rule *AlertRule
	err := m.store.WithTx(ctx, func(tx Store) error {
		if err := tx.SetEnabled(ctx, id, enabled); err != nil {
			return err
		}
		change := "Disable"
		if enabled {
			change = "Enable"
		}
		if err := tx.InsertChangeLog(ctx, m.changeLog(id, change, nil, nil)); err != nil {
			return err
		}
		r, err := tx.GetRule(ctx, id)
		rule = r
		return err
	})
	if err != nil {
		return nil, err
	}
	m.exporter.Sync(rule)
	return rule, nil
}

// Delete removes a rule. Rules are never deleted automatically.
func (m *Manager) Delete(ctx context.Context, id string) error {
	err := m.store.WithTx(ctx, func(tx Store) error {
		if err := tx.DeleteRule(ctx, id); err != nil {
			return err
		}
		return tx.InsertChangeLog(ctx, m.changeLog(id, "Delete", nil, nil))
	})
	if err != nil {
		return err
	}
	m.exporter.Delete(id)
	return nil
}

// MarkTriggered records an actual fire of rule id at the given time.
func (m *Manager) MarkTriggered(ctx context.Context, id string, at time.Time) error {
	return m.store.MarkTriggered(ctx, id, at)
}

func (m *Manager) changeLog(ruleID, change string, oldTh, newTh *float64) *ChangeLog {
	return &ChangeLog{
		ID:           uuid.NewString(),
		RuleID:       ruleID,
		ChangeType:   change,
		OldThreshold: oldTh,
		NewThreshold: newTh,
		ChangeTime:   m.now().UTC(),
	}
}
