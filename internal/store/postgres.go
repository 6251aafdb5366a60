package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS signal_events (
	id             TEXT PRIMARY KEY,
	source         TEXT NOT NULL,
	device_id      TEXT NOT NULL,
	location       TEXT NOT NULL DEFAULT '',
	capability     TEXT NOT NULL,
	event_type     TEXT NOT NULL,
	event_sub_type TEXT NOT NULL DEFAULT '',
	value          DOUBLE PRECISION,
	ts             TIMESTAMPTZ NOT NULL,
	topic          TEXT NOT NULL,
	payload        JSONB NOT NULL,
	device_kind    TEXT NOT NULL,
	category       TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS sensor_readings (
	id        BIGSERIAL PRIMARY KEY,
	device_id TEXT NOT NULL,
	metric    TEXT NOT NULL,
	value     DOUBLE PRECISION NOT NULL,
	unit      TEXT NOT NULL DEFAULT '',
	ts        TIMESTAMPTZ NOT NULL,
	event_id  TEXT NOT NULL REFERENCES signal_events(id)
);
CREATE INDEX IF NOT EXISTS sensor_readings_device_idx ON sensor_readings (device_id, id DESC);
CREATE TABLE IF NOT EXISTS trigger_events (
	seq          BIGSERIAL PRIMARY KEY,
	id           TEXT NOT NULL UNIQUE,
	device_id    TEXT NOT NULL,
	capability   TEXT NOT NULL,
	trigger_type TEXT NOT NULL,
	sub_type     TEXT NOT NULL DEFAULT '',
	value        BOOLEAN,
	ts           TIMESTAMPTZ NOT NULL,
	event_id     TEXT NOT NULL REFERENCES signal_events(id)
);
CREATE TABLE IF NOT EXISTS custom_trigger_rules (
	id               TEXT PRIMARY KEY,
	name             TEXT NOT NULL,
	enabled          BOOLEAN NOT NULL,
	device_id        TEXT NOT NULL,
	metric           TEXT NOT NULL,
	operator         TEXT NOT NULL,
	threshold        DOUBLE PRECISION NOT NULL,
	threshold2       DOUBLE PRECISION,
	cooldown_seconds INTEGER NOT NULL DEFAULT 0,
	last_fired_at    TIMESTAMPTZ,
	created_at       TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS custom_rule_logs (
	seq       BIGSERIAL PRIMARY KEY,
	id        TEXT NOT NULL UNIQUE,
	rule_id   TEXT NOT NULL,
	rule_name TEXT NOT NULL,
	condition TEXT NOT NULL,
	value     DOUBLE PRECISION NOT NULL,
	device_id TEXT NOT NULL,
	event_id  TEXT NOT NULL,
	fired_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS automation_rules (
	id                TEXT PRIMARY KEY,
	name              TEXT NOT NULL,
	enabled           BOOLEAN NOT NULL,
	trigger_mode      TEXT NOT NULL,
	condition_mode    TEXT NOT NULL,
	cooldown_seconds  INTEGER NOT NULL DEFAULT 0,
	last_triggered_at TIMESTAMPTZ,
	execution_count   BIGINT NOT NULL DEFAULT 0,
	triggers          JSONB NOT NULL,
	conditions        JSONB NOT NULL,
	actions           JSONB NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS automation_logs (
	seq          BIGSERIAL PRIMARY KEY,
	id           TEXT NOT NULL UNIQUE,
	rule_id      TEXT NOT NULL,
	rule_name    TEXT NOT NULL,
	execution_id TEXT NOT NULL,
	phase        TEXT NOT NULL,
	action_index INTEGER NOT NULL,
	action_type  TEXT NOT NULL DEFAULT '',
	message      TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	ts           TIMESTAMPTZ NOT NULL
);
`

// PostgresStore implements Store on PostgreSQL through a pgx pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to url and creates missing tables.
func NewPostgresStore(ctx context.Context, url string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// sqlLimit maps a non-positive limit to NULL, which Postgres treats as
// no limit.
func sqlLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func (s *PostgresStore) SaveProjection(ctx context.Context, p Projection) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		ev := p.Event
		_, err := tx.Exec(ctx, `INSERT INTO signal_events
			(id, source, device_id, location, capability, event_type, event_sub_type, value, ts, topic, payload, device_kind, category)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			ev.ID, ev.Source, ev.DeviceID, ev.Location, ev.Capability, ev.EventType, ev.EventSubType,
			ev.Value, ev.Timestamp, ev.Topic, []byte(ev.Payload), ev.DeviceKind, string(ev.Category))
		if err != nil {
			return fmt.Errorf("insert event: %w", err)
		}
		for _, t := range p.Triggers {
			_, err := tx.Exec(ctx, `INSERT INTO trigger_events
				(id, device_id, capability, trigger_type, sub_type, value, ts, event_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				t.ID, t.DeviceID, t.Capability, t.TriggerType, t.SubType, t.Value, t.Timestamp, t.EventID)
			if err != nil {
				return fmt.Errorf("insert trigger: %w", err)
			}
		}
		for _, r := range p.Readings {
			_, err := tx.Exec(ctx, `INSERT INTO sensor_readings
				(device_id, metric, value, unit, ts, event_id)
				VALUES ($1, $2, $3, $4, $5, $6)`,
				r.DeviceID, r.Metric, r.Value, r.Unit, r.Timestamp, r.EventID)
			if err != nil {
				return fmt.Errorf("insert reading: %w", err)
			}
		}
		return nil
	})
}

func (s *PostgresStore) ListReadings(ctx context.Context, deviceID string, limit int) ([]SensorReading, error) {
	rows, err := s.pool.Query(ctx, `SELECT device_id, metric, value, unit, ts, event_id
		FROM sensor_readings WHERE ($1 = '' OR device_id = $1)
		ORDER BY id DESC LIMIT $2`, deviceID, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SensorReading
	for rows.Next() {
		var r SensorReading
		if err := rows.Scan(&r.DeviceID, &r.Metric, &r.Value, &r.Unit, &r.Timestamp, &r.EventID); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListTriggers(ctx context.Context, deviceID string, limit int) ([]TriggerEvent, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, device_id, capability, trigger_type, sub_type, value, ts, event_id
		FROM trigger_events WHERE ($1 = '' OR device_id = $1)
		ORDER BY seq DESC LIMIT $2`, deviceID, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TriggerEvent
	for rows.Next() {
		var t TriggerEvent
		if err := rows.Scan(&t.ID, &t.DeviceID, &t.Capability, &t.TriggerType, &t.SubType, &t.Value, &t.Timestamp, &t.EventID); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

const customRuleColumns = `id, name, enabled, device_id, metric, operator, threshold, threshold2,
	cooldown_seconds, last_fired_at, created_at`

func scanCustomRule(row pgx.Row) (*CustomTriggerRule, error) {
	var r CustomTriggerRule
	err := row.Scan(&r.ID, &r.Name, &r.Enabled, &r.DeviceID, &r.Metric, &r.Operator,
		&r.Threshold, &r.Threshold2, &r.CooldownSeconds, &r.LastFiredAt, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) ListCustomRules(ctx context.Context, deviceID, metric string) ([]*CustomTriggerRule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+customRuleColumns+` FROM custom_trigger_rules
		WHERE ($1 = '' OR lower(device_id) = lower($1))
		AND ($2 = '' OR lower(metric) = lower($2))
		ORDER BY created_at`, deviceID, metric)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*CustomTriggerRule
	for rows.Next() {
		r, err := scanCustomRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *PostgresStore) GetCustomRule(ctx context.Context, id string) (*CustomTriggerRule, error) {
	r, err := scanCustomRule(s.pool.QueryRow(ctx,
		`SELECT `+customRuleColumns+` FROM custom_trigger_rules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("custom rule %s: %w", id, ErrNotFound)
	}
	return r, err
}

func (s *PostgresStore) SaveCustomRule(ctx context.Context, r *CustomTriggerRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO custom_trigger_rules (`+customRuleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET name = $2, enabled = $3, device_id = $4, metric = $5,
			operator = $6, threshold = $7, threshold2 = $8, cooldown_seconds = $9, last_fired_at = $10`,
		r.ID, r.Name, r.Enabled, r.DeviceID, r.Metric, r.Operator, r.Threshold, r.Threshold2,
		r.CooldownSeconds, r.LastFiredAt, r.CreatedAt)
	return err
}

func (s *PostgresStore) DeleteCustomRule(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM custom_trigger_rules WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) ClaimCustomRuleFire(ctx context.Context, id string, now time.Time) (bool, error) {
	claimed := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var cooldown int
		var last *time.Time
		err := tx.QueryRow(ctx, `SELECT cooldown_seconds, last_fired_at
			FROM custom_trigger_rules WHERE id = $1 FOR UPDATE`, id).Scan(&cooldown, &last)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("custom rule %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if !cooledDown(last, time.Duration(cooldown)*time.Second, now) {
			return nil
		}
		if _, err := tx.Exec(ctx, `UPDATE custom_trigger_rules SET last_fired_at = $2 WHERE id = $1`, id, now); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (s *PostgresStore) AppendCustomRuleLog(ctx context.Context, l *CustomRuleLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO custom_rule_logs
		(id, rule_id, rule_name, condition, value, device_id, event_id, fired_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		l.ID, l.RuleID, l.RuleName, l.Condition, l.Value, l.DeviceID, l.EventID, l.FiredAt)
	return err
}

func (s *PostgresStore) ListCustomRuleLogs(ctx context.Context, ruleID string, limit int) ([]*CustomRuleLog, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, rule_id, rule_name, condition, value, device_id, event_id, fired_at
		FROM custom_rule_logs WHERE ($1 = '' OR rule_id = $1)
		ORDER BY seq DESC LIMIT $2`, ruleID, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*CustomRuleLog
	for rows.Next() {
		var l CustomRuleLog
		if err := rows.Scan(&l.ID, &l.RuleID, &l.RuleName, &l.Condition, &l.Value, &l.DeviceID, &l.EventID, &l.FiredAt); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

const automationRuleColumns = `id, name, enabled, trigger_mode, condition_mode, cooldown_seconds,
	last_triggered_at, execution_count, triggers, conditions, actions, created_at`

func scanAutomationRule(row pgx.Row) (*AutomationRule, error) {
	var r AutomationRule
	var triggers, conditions, actions []byte
	err := row.Scan(&r.ID, &r.Name, &r.Enabled, &r.TriggerMode, &r.ConditionMode, &r.CooldownSeconds,
		&r.LastTriggeredAt, &r.ExecutionCount, &triggers, &conditions, &actions, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(triggers, &r.Triggers); err != nil {
		return nil, fmt.Errorf("decode triggers of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
		return nil, fmt.Errorf("decode conditions of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal(actions, &r.Actions); err != nil {
		return nil, fmt.Errorf("decode actions of %s: %w", r.ID, err)
	}
	return &r, nil
}

func (s *PostgresStore) ListAutomationRules(ctx context.Context) ([]*AutomationRule, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+automationRuleColumns+` FROM automation_rules ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*AutomationRule
	for rows.Next() {
		r, err := scanAutomationRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (s *PostgresStore) GetAutomationRule(ctx context.Context, id string) (*AutomationRule, error) {
	r, err := scanAutomationRule(s.pool.QueryRow(ctx,
		`SELECT `+automationRuleColumns+` FROM automation_rules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("automation rule %s: %w", id, ErrNotFound)
	}
	return r, err
}

func (s *PostgresStore) SaveAutomationRule(ctx context.Context, r *AutomationRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	triggers, err := json.Marshal(r.Triggers)
	if err != nil {
		return err
	}
	conditions, err := json.Marshal(nonNil(r.Conditions))
	if err != nil {
		return err
	}
	actions, err := json.Marshal(r.Actions)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `INSERT INTO automation_rules (`+automationRuleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET name = $2, enabled = $3, trigger_mode = $4, condition_mode = $5,
			cooldown_seconds = $6, last_triggered_at = $7, execution_count = $8,
			triggers = $9, conditions = $10, actions = $11`,
		r.ID, r.Name, r.Enabled, r.TriggerMode, r.ConditionMode, r.CooldownSeconds,
		r.LastTriggeredAt, r.ExecutionCount, triggers, conditions, actions, r.CreatedAt)
	return err
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func (s *PostgresStore) DeleteAutomationRule(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM automation_rules WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) BeginAutomationRun(ctx context.Context, id string, now time.Time) (bool, error) {
	claimed := false
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var cooldown int
		var last *time.Time
		err := tx.QueryRow(ctx, `SELECT cooldown_seconds, last_triggered_at
			FROM automation_rules WHERE id = $1 FOR UPDATE`, id).Scan(&cooldown, &last)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("automation rule %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		if !cooledDown(last, time.Duration(cooldown)*time.Second, now) {
			return nil
		}
		if _, err := tx.Exec(ctx, `UPDATE automation_rules SET last_triggered_at = $2 WHERE id = $1`, id, now); err != nil {
			return err
		}
		claimed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (s *PostgresStore) CompleteAutomationRun(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE automation_rules
		SET execution_count = execution_count + 1,
			last_triggered_at = COALESCE(last_triggered_at, $2)
		WHERE id = $1`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("automation rule %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) AppendAutomationLog(ctx context.Context, e *AutomationLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO automation_logs
		(id, rule_id, rule_name, execution_id, phase, action_index, action_type, message, error, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.RuleID, e.RuleName, e.ExecutionID, e.Phase, e.ActionIndex, e.ActionType, e.Message, e.Error, e.Timestamp)
	return err
}

func (s *PostgresStore) ListAutomationLogs(ctx context.Context, ruleID string, limit int) ([]*AutomationLogEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, rule_id, rule_name, execution_id, phase, action_index, action_type, message, error, ts
		FROM automation_logs WHERE ($1 = '' OR rule_id = $1)
		ORDER BY seq DESC LIMIT $2`, ruleID, sqlLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*AutomationLogEntry
	for rows.Next() {
		var e AutomationLogEntry
		if err := rows.Scan(&e.ID, &e.RuleID, &e.RuleName, &e.ExecutionID, &e.Phase, &e.ActionIndex,
			&e.ActionType, &e.Message, &e.Error, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
