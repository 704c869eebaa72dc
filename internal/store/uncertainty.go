package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// UncertaintyEventRow is the persisted form of spec.md §3's
// "UncertaintyEvent".
type UncertaintyEventRow struct {
	ID                int64
	TS                time.Time
	Label             string
	Score             float64
	Spike             bool
	Disagreement      float64
	Votes             []map[string]any
	ActiveRegime      string
	CadenceMultiplier float64
	DecayMultiplier   float64
}

// InsertUncertaintyEvent persists one uncertainty-loop cycle (spec.md §4.D
// step 5).
func (s *Store) InsertUncertaintyEvent(ctx context.Context, e UncertaintyEventRow) error {
	votesJSON, err := json.Marshal(e.Votes)
	if err != nil {
		return wrap("insert_uncertainty_event marshal votes", err)
	}
	return s.withTx(ctx, "insert_uncertainty_event", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO uncertainty_events (ts, label, score, spike, disagreement, votes_json, active_regime, cadence_multiplier, decay_multiplier)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.TS, e.Label, e.Score, boolToInt(e.Spike), e.Disagreement, string(votesJSON), e.ActiveRegime, e.CadenceMultiplier, e.DecayMultiplier,
		)
		return err
	})
}

// RecentUncertaintyEvents returns the last N uncertainty events, most
// recent last, for the regime-transition early-warning scan
// (SPEC_FULL.md §4.D supplement).
func (s *Store) RecentUncertaintyEvents(ctx context.Context, limit int) ([]UncertaintyEventRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, label, score, spike, disagreement, votes_json, active_regime, cadence_multiplier, decay_multiplier
		FROM uncertainty_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrap("recent_uncertainty_events", err)
	}
	defer rows.Close()

	var out []UncertaintyEventRow
	for rows.Next() {
		var e UncertaintyEventRow
		var spike int
		var votesJSON string
		if err := rows.Scan(&e.ID, &e.TS, &e.Label, &e.Score, &spike, &e.Disagreement, &votesJSON,
			&e.ActiveRegime, &e.CadenceMultiplier, &e.DecayMultiplier); err != nil {
			return nil, wrap("recent_uncertainty_events scan", err)
		}
		e.Spike = spike != 0
		_ = json.Unmarshal([]byte(votesJSON), &e.Votes)
		out = append(out, e)
	}
	// reverse so most recent is last, matching eventlog.IterEvents' convention
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, rows.Err()
}
