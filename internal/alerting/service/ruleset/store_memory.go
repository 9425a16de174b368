package ruleset

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStore keeps rules in process. Writes outside WithTx wait for a running transaction, so a
// read-modify-write inside fn cannot interleave with MarkTriggered or SetEnabled.
type MemStore struct {
	tx    sync.Mutex
	mu    sync.RWMutex
	rules map[string]*AlertRule
	logs  []*ChangeLog
}

func NewMemStore() *MemStore {
	return &MemStore{rules: map[string]*AlertRule{}}
}

func (m *MemStore) UpsertRule(ctx context.Context, r *AlertRule) error {
	m.tx.Lock()
	defer m.tx.Unlock()
	return m.upsertRule(ctx, r)
}

func (m *MemStore) upsertRule(ctx context.Context, r *AlertRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.ID] = r.Clone()
	return nil
}

func (m *MemStore) GetRule(ctx context.Context, id string) (*AlertRule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	return r.Clone(), nil
}

func (m *MemStore) ListRules(ctx context.Context) ([]*AlertRule, error) {
	m.mu.RLock()
	out := make([]*AlertRule, 0, len(m.rules))
	for _, r := range m.rules {
		out = append(out, r.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemStore) DeleteRule(ctx context.Context, id string) error {
	m.tx.Lock()
	defer m.tx.Unlock()
	return m.deleteRule(ctx, id)
}

func (m *MemStore) deleteRule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rules[id]; !ok {
		return ErrRuleNotFound
	}
	delete(m.rules, id)
	return nil
}

func (m *MemStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	m.tx.Lock()
	defer m.tx.Unlock()
	return m.setEnabled(ctx, id, enabled)
}

func (m *MemStore) setEnabled(ctx context.Context, id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return ErrRuleNotFound
	}
	r.Enabled = enabled
	return nil
}

func (m *MemStore) MarkTriggered(ctx context.Context, id string, at time.Time) error {
	m.tx.Lock()
	defer m.tx.Unlock()
	return m.markTriggered(ctx, id, at)
}

func (m *MemStore) markTriggered(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return ErrRuleNotFound
	}
	t := at
	r.LastTriggered = &t
	return nil
}

func (m *MemStore) InsertChangeLog(ctx context.Context, log *ChangeLog) error {
	m.tx.Lock()
	defer m.tx.Unlock()
	return m.insertChangeLog(ctx, log)
}

func (m *MemStore) insertChangeLog(ctx context.Context, log *ChangeLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *log
	m.logs = append(m.logs, &cp)
	return nil
}

// ChangeLogs returns recorded change logs in insertion order.
func (m *MemStore) ChangeLogs() []*ChangeLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]*ChangeLog(nil), m.logs...)
}

func (m *MemStore) WithTx(ctx context.Context, fn func(Store) error) error {
	m.tx.Lock()
	defer m.tx.Unlock()
	return fn(memTx{m})
}

// memTx is the view handed to WithTx callbacks. Its writes skip the transaction lock already held.
type memTx struct {
	*MemStore
}

func (t memTx) UpsertRule(ctx context.Context, r *AlertRule) error { return t.upsertRule(ctx, r) }

func (t memTx) DeleteRule(ctx context.Context, id string) error { return t.deleteRule(ctx, id) }

func (t memTx) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return t.setEnabled(ctx, id, enabled)
}

func (t memTx) MarkTriggered(ctx context.Context, id string, at time.Time) error {
	return t.markTriggered(ctx, id, at)
}

func (t memTx) InsertChangeLog(ctx context.Context, log *ChangeLog) error {
	return t.insertChangeLog(ctx, log)
}

func (t memTx) WithTx(ctx context.Context, fn func(Store) error) error { return fn(t) }
