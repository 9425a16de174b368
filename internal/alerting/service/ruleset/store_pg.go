package ruleset

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/qiniu/incidentops/internal/alerting/service/incident"
)

// Schema creates the tables used by PgStore.
const Schema = `
CREATE TABLE IF NOT EXISTS alert_rules (
	id                 TEXT PRIMARY KEY,
	name               TEXT NOT NULL,
	description        TEXT NOT NULL DEFAULT '',
	metric             TEXT NOT NULL,
	operator           TEXT NOT NULL,
	threshold          DOUBLE PRECISION NOT NULL,
	duration           INTERVAL NOT NULL DEFAULT '0',
	severity           TEXT NOT NULL,
	enabled            BOOLEAN NOT NULL DEFAULT TRUE,
	channels           JSONB NOT NULL DEFAULT '[]',
	cooldown           INTERVAL NOT NULL DEFAULT '0',
	last_triggered     TIMESTAMPTZ,
	eval_window        INTERVAL NOT NULL,
	aggregation        TEXT NOT NULL,
	filters            JSONB NOT NULL DEFAULT '{}',
	auto_resolve       BOOLEAN NOT NULL DEFAULT FALSE,
	recovery_threshold DOUBLE PRECISION NOT NULL DEFAULT 0,
	recovery_duration  INTERVAL NOT NULL DEFAULT '0'
);
CREATE TABLE IF NOT EXISTS alert_rule_change_logs (
	id            TEXT PRIMARY KEY,
	rule_id       TEXT NOT NULL,
	change_type   TEXT NOT NULL,
	old_threshold DOUBLE PRECISION,
	new_threshold DOUBLE PRECISION,
	change_time   TIMESTAMPTZ NOT NULL
);`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PgStore is a PostgreSQL-backed Store. Interval columns go through pgtype.Interval.
type PgStore struct {
	DB *sql.DB
	q  querier
}

func NewPgStore(db *sql.DB) *PgStore { return &PgStore{DB: db, q: db} }

// EnsureSchema creates the rule tables when missing.
func (s *PgStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.q.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("ensure rule schema: %w", err)
	}
	return nil
}

func (s *PgStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.DB == nil {
		// already inside a transaction
		return fn(s)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&PgStore{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PgStore) UpsertRule(ctx context.Context, r *AlertRule) error {
	channels, err := json.Marshal(r.Channels)
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}
	filters, err := json.Marshal(r.Filters)
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}
	var last any
	if r.LastTriggered != nil {
		last = *r.LastTriggered
	}
	const q = `
	INSERT INTO alert_rules(id, name, description, metric, operator, threshold, duration, severity, enabled,
		channels, cooldown, last_triggered, eval_window, aggregation, filters, auto_resolve, recovery_threshold, recovery_duration)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11, $12, $13, $14, $15::jsonb, $16, $17, $18)
	ON CONFLICT (id) DO UPDATE SET
		name = EXCLUDED.name,
		description = EXCLUDED.description,
		metric = EXCLUDED.metric,
		operator = EXCLUDED.operator,
		threshold = EXCLUDED.threshold,
		duration = EXCLUDED.duration,
		severity = EXCLUDED.severity,
		enabled = EXCLUDED.enabled,
		channels = EXCLUDED.channels,
		cooldown = EXCLUDED.cooldown,
		last_triggered = COALESCE(EXCLUDED.last_triggered, alert_rules.last_triggered),
		eval_window = EXCLUDED.eval_window,
		aggregation = EXCLUDED.aggregation,
		filters = EXCLUDED.filters,
		auto_resolve = EXCLUDED.auto_resolve,
		recovery_threshold = EXCLUDED.recovery_threshold,
		recovery_duration = EXCLUDED.recovery_duration
	`
	_, err = s.q.ExecContext(ctx, q,
		r.ID, r.Name, r.Description, r.Metric, string(r.Operator), r.Threshold,
		durationToPgInterval(r.Duration), string(r.Severity), r.Enabled, string(channels),
		durationToPgInterval(r.Cooldown), last, durationToPgInterval(r.Window), string(r.Aggregation),
		string(filters), r.Recovery.AutoResolve, r.Recovery.Threshold, durationToPgInterval(r.Recovery.Duration),
	)
	if err != nil {
		return fmt.Errorf("upsert rule: %w", err)
	}
	return nil
}

const selectRule = `SELECT id, name, description, metric, operator, threshold, duration, severity, enabled,
	channels, cooldown, last_triggered, eval_window, aggregation, filters, auto_resolve, recovery_threshold, recovery_duration
	FROM alert_rules`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*AlertRule, error) {
	var (
		r                                    AlertRule
		op, sev, agg, channels, filters      string
		duration, cooldown, window, recovery string
		last                                 sql.NullTime
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &r.Metric, &op, &r.Threshold, &duration, &sev, &r.Enabled,
		&channels, &cooldown, &last, &window, &agg, &filters, &r.Recovery.AutoResolve, &r.Recovery.Threshold, &recovery); err != nil {
		return nil, err
	}
	r.Operator = Operator(op)
	r.Severity = incident.Severity(sev)
	r.Aggregation = Aggregation(agg)
	if last.Valid {
		t := last.Time
		r.LastTriggered = &t
	}
	if err := json.Unmarshal([]byte(channels), &r.Channels); err != nil {
		return nil, fmt.Errorf("decode channels: %w", err)
	}
	r.Filters = LabelMap{}
	if err := json.Unmarshal([]byte(filters), &r.Filters); err != nil {
		return nil, fmt.Errorf("decode filters: %w", err)
	}
	for _, f := range []struct {
		raw string
		dst *time.Duration
	}{
		{duration, &r.Duration},
		{cooldown, &r.Cooldown},
		{window, &r.Window},
		{recovery, &r.Recovery.Duration},
	} {
		d, err := parsePgInterval(f.raw)
		if err != nil {
			return nil, err
		}
		*f.dst = d
	}
	return &r, nil
}

func (s *PgStore) GetRule(ctx context.Context, id string) (*AlertRule, error) {
	r, err := scanRule(s.q.QueryRowContext(ctx, selectRule+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrRuleNotFound
		}
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return r, nil
}

func (s *PgStore) ListRules(ctx context.Context) ([]*AlertRule, error) {
	rows, err := s.q.QueryContext(ctx, selectRule+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()
	var res []*AlertRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		res = append(res, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return res, nil
}

func (s *PgStore) DeleteRule(ctx context.Context, id string) error {
	return s.execOne(ctx, "delete rule", `DELETE FROM alert_rules WHERE id = $1`, id)
}

func (s *PgStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	return s.execOne(ctx, "set enabled", `UPDATE alert_rules SET enabled = $2 WHERE id = $1`, id, enabled)
}

func (s *PgStore) MarkTriggered(ctx context.Context, id string, at time.Time) error {
	return s.execOne(ctx, "mark triggered", `UPDATE alert_rules SET last_triggered = $2 WHERE id = $1`, id, at)
}

func (s *PgStore) execOne(ctx context.Context, op, q string, args ...any) error {
	res, err := s.q.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func (s *PgStore) InsertChangeLog(ctx context.Context, log *ChangeLog) error {
	const q = `
	INSERT INTO alert_rule_change_logs(id, rule_id, change_type, old_threshold, new_threshold, change_time)
	VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := s.q.ExecContext(ctx, q, log.ID, log.RuleID, log.ChangeType, log.OldThreshold, log.NewThreshold, log.ChangeTime)
	if err != nil {
		return fmt.Errorf("insert change log: %w", err)
	}
	return nil
}

const microsPerDay = int64(24 * time.Hour / time.Microsecond)

// durationToPgInterval splits d into whole days and the microsecond remainder. Months are never used.
func durationToPgInterval(d time.Duration) pgtype.Interval {
	us := d.Microseconds()
	return pgtype.Interval{
		Microseconds: us % microsPerDay,
		Days:         int32(us / microsPerDay),
		Valid:        true,
	}
}

// pgIntervalToDuration rejects month components, whose length in time is not fixed.
func pgIntervalToDuration(iv pgtype.Interval) (time.Duration, error) {
	if !iv.Valid {
		return 0, fmt.Errorf("interval is null")
	}
	if iv.Months != 0 {
		return 0, fmt.Errorf("interval with months is not supported: %d months", iv.Months)
	}
	return time.Duration(iv.Days)*24*time.Hour + time.Duration(iv.Microseconds)*time.Microsecond, nil
}

// parsePgInterval decodes the text form returned by the lib/pq driver.
func parsePgInterval(raw string) (time.Duration, error) {
	var iv pgtype.Interval
	if err := iv.Scan(raw); err != nil {
		return 0, fmt.Errorf("parse interval %q: %w", raw, err)
	}
	return pgIntervalToDuration(iv)
}
