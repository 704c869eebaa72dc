package store

import (
	"context"
	"database/sql"
	"time"
)

// CouncilResult is one provider's raw vote for a finding (spec.md §3
// "llm_votes", §4.H step 2/5).
type CouncilResult struct {
	Model      string
	OK         bool
	LatencyMs  int64
	RawText    string
	Verdict    string
	Confidence float64
	Error      string
	CreatedAt  time.Time
}

// CouncilVotingStat tracks per-agent, per-regime council outcomes
// (spec.md §3 "CouncilVotingStat"), used by the allocator's fail-first
// penalty (§4.F).
type CouncilVotingStat struct {
	AgentName      string
	Regime         string
	VotesAct       int64
	VotesWatch     int64
	VotesIgnore    int64
	FirstFailureTS *time.Time
	LastIgnoreTS   *time.Time
	LastUpdated    *time.Time
}

func (c CouncilVotingStat) TotalVotes() int64 {
	return c.VotesAct + c.VotesWatch + c.VotesIgnore
}

// IgnoreRate is the fail_rate consumed by the allocator's fail-first
// penalty (spec.md §4.F).
func (c CouncilVotingStat) IgnoreRate() float64 {
	total := c.TotalVotes()
	if total == 0 {
		return 0
	}
	return float64(c.VotesIgnore) / float64(total)
}

// bumpVotingStatTx upserts the counters inside the same transaction as
// ApplyAnalysis, so the stat bump is atomic with the finding write-back.
func bumpVotingStatTx(ctx context.Context, tx *sql.Tx, agentName, regime, action string) error {
	if agentName == "" {
		return nil
	}
	now := time.Now().UTC()

	var actInc, watchInc, ignoreInc int
	switch action {
	case "ACT":
		actInc = 1
	case "WATCH":
		watchInc = 1
	case "IGNORE":
		ignoreInc = 1
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO council_voting_stats (agent_name, regime, votes_act, votes_watch, votes_ignore, first_failure_ts, last_ignore_ts, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_name, regime) DO UPDATE SET
			votes_act = votes_act + excluded.votes_act,
			votes_watch = votes_watch + excluded.votes_watch,
			votes_ignore = votes_ignore + excluded.votes_ignore,
			first_failure_ts = COALESCE(council_voting_stats.first_failure_ts, excluded.first_failure_ts),
			last_ignore_ts = CASE WHEN excluded.votes_ignore > 0 THEN excluded.last_ignore_ts ELSE council_voting_stats.last_ignore_ts END,
			last_updated = excluded.last_updated`,
		agentName, regime, actInc, watchInc, ignoreInc,
		nullableTimeIf(ignoreInc > 0, now), nullableTimeIf(ignoreInc > 0, now), now,
	)
	return err
}

func nullableTimeIf(cond bool, t time.Time) any {
	if !cond {
		return nil
	}
	return t
}

// CouncilVotingStatFor loads the counters for one agent in one regime;
// a zero-value stat (no rows) is a valid "no history yet" result.
func (s *Store) CouncilVotingStatFor(ctx context.Context, agentName, regime string) (CouncilVotingStat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_name, regime, votes_act, votes_watch, votes_ignore, first_failure_ts, last_ignore_ts, last_updated
		FROM council_voting_stats WHERE agent_name = ? AND regime = ?`, agentName, regime)

	var c CouncilVotingStat
	var firstFailure, lastIgnore, lastUpdated sql.NullTime
	err := row.Scan(&c.AgentName, &c.Regime, &c.VotesAct, &c.VotesWatch, &c.VotesIgnore, &firstFailure, &lastIgnore, &lastUpdated)
	if err == sql.ErrNoRows {
		return CouncilVotingStat{AgentName: agentName, Regime: regime}, nil
	}
	if err != nil {
		return CouncilVotingStat{}, wrap("council_voting_stat_for scan", err)
	}
	if firstFailure.Valid {
		t := firstFailure.Time
		c.FirstFailureTS = &t
	}
	if lastIgnore.Valid {
		t := lastIgnore.Time
		c.LastIgnoreTS = &t
	}
	if lastUpdated.Valid {
		t := lastUpdated.Time
		c.LastUpdated = &t
	}
	return c, nil
}
