package store

import (
	"context"
	"database/sql"
	"time"
)

// AgentStatus is the persisted runtime status of a registered agent
// (spec.md §3 "Agent" runtime status + configuration fields).
type AgentStatus struct {
	Name            string
	IsActive        bool
	LastRun         *time.Time
	RunCount        int64
	ErrorCount      int64
	LastError       string
	BaseIntervalMin int
	Enabled         bool
	BaseWeight      float64
	Rank            int
	LastScore       float64
	DaysSinceEval   int
}

// UpsertAgentStatus creates or updates an agent's row. Agents are never
// destroyed, only disabled (spec.md §3 "Lifecycle").
func (s *Store) UpsertAgentStatus(ctx context.Context, a AgentStatus) error {
	return s.withTx(ctx, "upsert_agent_status", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO agent_status (name, is_active, last_run, run_count, error_count, last_error,
			                           base_interval_min, enabled, base_weight, rank, last_score, days_since_eval)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				is_active=excluded.is_active,
				last_run=excluded.last_run,
				run_count=excluded.run_count,
				error_count=excluded.error_count,
				last_error=excluded.last_error,
				base_interval_min=excluded.base_interval_min,
				enabled=excluded.enabled,
				base_weight=excluded.base_weight,
				rank=excluded.rank,
				last_score=excluded.last_score,
				days_since_eval=excluded.days_since_eval`,
			a.Name, boolToInt(a.IsActive), a.LastRun, a.RunCount, a.ErrorCount, a.LastError,
			a.BaseIntervalMin, boolToInt(a.Enabled), a.BaseWeight, a.Rank, a.LastScore, a.DaysSinceEval,
		)
		return err
	})
}

// GetAgentStatus loads one agent's status row.
func (s *Store) GetAgentStatus(ctx context.Context, name string) (AgentStatus, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT name, is_active, last_run, run_count, error_count, last_error,
		       base_interval_min, enabled, base_weight, rank, last_score, days_since_eval
		FROM agent_status WHERE name = ?`, name)
	return scanAgentStatus(row)
}

// ListAgentStatuses returns every stored agent status row, ordered by
// name.
func (s *Store) ListAgentStatuses(ctx context.Context) ([]AgentStatus, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, is_active, last_run, run_count, error_count, last_error,
		       base_interval_min, enabled, base_weight, rank, last_score, days_since_eval
		FROM agent_status ORDER BY name`)
	if err != nil {
		return nil, wrap("list_agent_statuses", err)
	}
	defer rows.Close()

	var out []AgentStatus
	for rows.Next() {
		a, err := scanAgentStatusRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func scanAgentStatus(row *sql.Row) (AgentStatus, error) {
	var a AgentStatus
	var isActive, enabled int
	var lastRun sql.NullTime
	if err := row.Scan(&a.Name, &isActive, &lastRun, &a.RunCount, &a.ErrorCount, &a.LastError,
		&a.BaseIntervalMin, &enabled, &a.BaseWeight, &a.Rank, &a.LastScore, &a.DaysSinceEval); err != nil {
		return AgentStatus{}, wrap("get_agent_status scan", err)
	}
	a.IsActive = isActive != 0
	a.Enabled = enabled != 0
	if lastRun.Valid {
		t := lastRun.Time
		a.LastRun = &t
	}
	return a, nil
}

func scanAgentStatusRows(rows *sql.Rows) (AgentStatus, error) {
	var a AgentStatus
	var isActive, enabled int
	var lastRun sql.NullTime
	if err := rows.Scan(&a.Name, &isActive, &lastRun, &a.RunCount, &a.ErrorCount, &a.LastError,
		&a.BaseIntervalMin, &enabled, &a.BaseWeight, &a.Rank, &a.LastScore, &a.DaysSinceEval); err != nil {
		return AgentStatus{}, wrap("list_agent_statuses scan", err)
	}
	a.IsActive = isActive != 0
	a.Enabled = enabled != 0
	if lastRun.Valid {
		t := lastRun.Time
		a.LastRun = &t
	}
	return a, nil
}
