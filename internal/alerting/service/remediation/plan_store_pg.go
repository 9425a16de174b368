package remediation

import (
	"context"
	"database/sql"
	"fmt"
)

// Plan is a stored recovery plan: an ordered list of catalog action names for one component.
type Plan struct {
	Component string   `json:"component"`
	Actions   []string `json:"actions"`
}

// PlanStore lists stored recovery plans.
type PlanStore interface {
	ListPlans(ctx context.Context) ([]Plan, error)
}

// PlanSchema creates the table read by PgPlanStore.
const PlanSchema = `CREATE TABLE IF NOT EXISTS recovery_plans (
	component TEXT NOT NULL,
	position  INT  NOT NULL,
	action    TEXT NOT NULL,
	PRIMARY KEY (component, position)
)`

// PgPlanStore reads recovery plans from PostgreSQL.
type PgPlanStore struct {
	DB *sql.DB
}

func NewPgPlanStore(db *sql.DB) *PgPlanStore {
	return &PgPlanStore{DB: db}
}

// EnsureSchema creates the recovery_plans table when missing.
func (s *PgPlanStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.DB.ExecContext(ctx, PlanSchema); err != nil {
		return fmt.Errorf("failed to create recovery_plans: %w", err)
	}
	return nil
}

// SavePlan replaces the stored plan for p.Component.
func (s *PgPlanStore) SavePlan(ctx context.Context, p Plan) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM recovery_plans WHERE component = $1`, p.Component); err != nil {
		return fmt.Errorf("failed to clear plan %s: %w", p.Component, err)
	}
	for i, a := range p.Actions {
		if _, err := tx.ExecContext(ctx, `INSERT INTO recovery_plans (component, position, action) VALUES ($1, $2, $3)`, p.Component, i, a); err != nil {
			return fmt.Errorf("failed to insert plan step %s/%d: %w", p.Component, i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit plan %s: %w", p.Component, err)
	}
	return nil
}

// ListPlans returns every stored plan with actions in position order.
func (s *PgPlanStore) ListPlans(ctx context.Context) ([]Plan, error) {
	const q = `SELECT component, action FROM recovery_plans ORDER BY component, position`

	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list recovery plans: %w", err)
	}
	defer rows.Close()

	var plans []Plan
	for rows.Next() {
		var component, action string
		if err := rows.Scan(&component, &action); err != nil {
			return nil, fmt.Errorf("failed to scan recovery plan: %w", err)
		}
		if n := len(plans); n > 0 && plans[n-1].Component == component {
			plans[n-1].Actions = append(plans[n-1].Actions, action)
			continue
		}
		plans = append(plans, Plan{Component: component, Actions: []string{action}})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating recovery plans: %w", err)
	}
	return plans, nil
}
