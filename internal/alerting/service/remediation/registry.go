package remediation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/qiniu/incidentops/internal/alerting/service/incident"
	"github.com/rs/zerolog/log"
)

// FallbackAction is run for components with no registered plan.
const FallbackAction = "system check"

// Registry maps a component name (case-insensitive) to its ordered recovery plan.
// Named actions can also be defined once in a catalog and referenced by plans loaded from a PlanStore.
type Registry struct {
	mu       sync.RWMutex
	plans    map[string][]Action
	catalog  map[string]Action
	fallback Action
}

func NewRegistry() *Registry {
	return &Registry{
		plans:    make(map[string][]Action),
		catalog:  make(map[string]Action),
		fallback: logAction(FallbackAction),
	}
}

func componentKey(c string) string { return strings.ToLower(strings.TrimSpace(c)) }

// Define adds actions to the catalog used by LoadPlans.
func (r *Registry) Define(actions ...Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range actions {
		r.catalog[a.Name] = a
	}
}

// Register replaces the plan for component. The actions are also added to the catalog.
func (r *Registry) Register(component string, actions ...Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans[componentKey(component)] = append([]Action(nil), actions...)
	for _, a := range actions {
		r.catalog[a.Name] = a
	}
}

// Actions returns the ordered plan for component, or the single fallback action.
func (r *Registry) Actions(component string) []Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if plan, ok := r.plans[componentKey(component)]; ok {
		return append([]Action(nil), plan...)
	}
	return []Action{r.fallback}
}

// Components lists the components that have an explicit plan.
func (r *Registry) Components() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plans))
	for c := range r.plans {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// LoadPlans replaces plans with those stored in ps. Action names must already be in the catalog;
// plans referencing unknown actions are skipped and reported in the returned error.
func (r *Registry) LoadPlans(ctx context.Context, ps PlanStore) error {
	plans, err := ps.ListPlans(ctx)
	if err != nil {
		return fmt.Errorf("list recovery plans: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var bad []string
	for _, p := range plans {
		actions := make([]Action, 0, len(p.Actions))
		ok := true
		for _, name := range p.Actions {
			a, found := r.catalog[name]
			if !found {
				bad = append(bad, fmt.Sprintf("%s/%s", p.Component, name))
				ok = false
				break
			}
			actions = append(actions, a)
		}
		if ok {
			r.plans[componentKey(p.Component)] = actions
		}
	}
	if len(bad) > 0 {
		return fmt.Errorf("unknown recovery actions: %s", strings.Join(bad, ", "))
	}
	return nil
}

// DefaultRegistry seeds the stock plans for database, cache and api components.
// The stock actions only log; real integrations replace them through Register.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("database",
		logAction("restart connection pool"),
		logAction("clear query cache"),
		logAction("failover to replica"),
	)
	r.Register("cache",
		logAction("flush cache"),
		logAction("restart cache service"),
	)
	r.Register("api",
		logAction("restart workers"),
		logAction("scale out instances"),
		logAction("reset rate limiters"),
	)
	return r
}

func logAction(name string) Action {
	return Action{
		Name: name,
		Run: func(ctx context.Context) error {
			log.Info().Str("component", incident.LogComponent).Str("action", name).Msg("executing recovery action")
			return nil
		},
	}
}
