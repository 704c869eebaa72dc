package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/rsmolarz/marketctl/internal/agent"
)

// Finding is the persisted, analyzable form of an agent.FindingDraft
// (spec.md §3 "Finding"). Analysis fields are mutated at most once by the
// Triple-Confirmation Gate unless a force-reanalyze flag is set.
type Finding struct {
	ID          int64
	AgentName   string
	Timestamp   time.Time
	Symbol      string
	MarketType  string
	Title       string
	Description string
	Severity    agent.Severity
	Confidence  float64
	Metadata    map[string]any

	ConsensusAction     string
	ConsensusConfidence float64
	LLMVotes            map[string]string
	LLMDisagreement     bool
	AutoAnalyzed        bool
	TARegime            string
	AnalyzedAt          *time.Time
	Alerted             bool
	TACouncil           json.RawMessage
	FundCouncil         json.RawMessage
	RealEstateCouncil   json.RawMessage
}

// InsertFinding persists a new finding from an agent run and returns its id.
func (s *Store) InsertFinding(ctx context.Context, f Finding) (int64, error) {
	meta, err := json.Marshal(f.Metadata)
	if err != nil {
		return 0, wrap("insert_finding marshal metadata", err)
	}
	var id int64
	err = s.withTx(ctx, "insert_finding", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO findings (agent_name, ts, symbol, market_type, title, description, severity, confidence, metadata_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.AgentName, f.Timestamp, f.Symbol, f.MarketType, f.Title, f.Description, string(f.Severity), f.Confidence, string(meta),
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	return id, err
}

// GetFinding loads one finding by id.
func (s *Store) GetFinding(ctx context.Context, id int64) (Finding, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_name, ts, symbol, market_type, title, description, severity, confidence, metadata_json,
		       consensus_action, consensus_confidence, llm_votes_json, llm_disagreement, auto_analyzed,
		       ta_regime, analyzed_at, alerted
		FROM findings WHERE id = ?`, id)
	return scanFinding(row)
}

func scanFinding(row *sql.Row) (Finding, error) {
	var f Finding
	var severity string
	var metaJSON, votesJSON string
	var disagreement, autoAnalyzed, alerted int
	var analyzedAt sql.NullTime

	err := row.Scan(&f.ID, &f.AgentName, &f.Timestamp, &f.Symbol, &f.MarketType, &f.Title, &f.Description,
		&severity, &f.Confidence, &metaJSON,
		&f.ConsensusAction, &f.ConsensusConfidence, &votesJSON, &disagreement, &autoAnalyzed,
		&f.TARegime, &analyzedAt, &alerted)
	if err != nil {
		return Finding{}, wrap("get_finding scan", err)
	}
	f.Severity = agent.Severity(severity)
	f.LLMDisagreement = disagreement != 0
	f.AutoAnalyzed = autoAnalyzed != 0
	f.Alerted = alerted != 0
	if analyzedAt.Valid {
		t := analyzedAt.Time
		f.AnalyzedAt = &t
	}
	_ = json.Unmarshal([]byte(metaJSON), &f.Metadata)
	_ = json.Unmarshal([]byte(votesJSON), &f.LLMVotes)
	return f, nil
}

// RecentFindings returns up to limit findings, newest first.
func (s *Store) RecentFindings(ctx context.Context, limit int) ([]Finding, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_name, ts, symbol, market_type, title, description, severity, confidence, metadata_json,
		       consensus_action, consensus_confidence, llm_votes_json, llm_disagreement, auto_analyzed,
		       ta_regime, analyzed_at, alerted
		FROM findings ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrap("recent_findings", err)
	}
	defer rows.Close()

	var out []Finding
	for rows.Next() {
		var f Finding
		var severity, metaJSON, votesJSON string
		var disagreement, autoAnalyzed, alerted int
		var analyzedAt sql.NullTime
		if err := rows.Scan(&f.ID, &f.AgentName, &f.Timestamp, &f.Symbol, &f.MarketType, &f.Title, &f.Description,
			&severity, &f.Confidence, &metaJSON,
			&f.ConsensusAction, &f.ConsensusConfidence, &votesJSON, &disagreement, &autoAnalyzed,
			&f.TARegime, &analyzedAt, &alerted); err != nil {
			return nil, wrap("recent_findings scan", err)
		}
		f.Severity = agent.Severity(severity)
		f.LLMDisagreement = disagreement != 0
		f.AutoAnalyzed = autoAnalyzed != 0
		f.Alerted = alerted != 0
		if analyzedAt.Valid {
			t := analyzedAt.Time
			f.AnalyzedAt = &t
		}
		_ = json.Unmarshal([]byte(metaJSON), &f.Metadata)
		_ = json.Unmarshal([]byte(votesJSON), &f.LLMVotes)
		out = append(out, f)
	}
	return out, rows.Err()
}

// AnalysisUpdate is the write-back performed by the Triple-Confirmation
// Gate (spec.md §4.H step 5): the finding's analysis fields plus the raw
// CouncilResult rows and the CouncilVotingStat counter bump, committed
// atomically in one transaction.
type AnalysisUpdate struct {
	FindingID           int64
	ConsensusAction      string
	ConsensusConfidence  float64
	LLMVotes             map[string]string
	LLMDisagreement      bool
	TARegime             string
	AnalyzedAt           time.Time
	CouncilResults       []CouncilResult
	VotingStatAgent      string
	VotingStatRegime     string
	// Force bypasses the auto_analyzed guard below, for an explicit
	// reanalyze call. Callers that already analyzed once must set this;
	// otherwise the write is a no-op (spec.md §4.H "calling the gate
	// twice without force=true is a no-op on the second call").
	Force bool
}

// ApplyAnalysis commits the gate's decision and its supporting council
// rows atomically; it never partially commits (spec.md §4.A contract).
// The UPDATE is guarded by auto_analyzed so a concurrent or repeated call
// without Force can never overwrite an already-analyzed finding, even if
// the caller's own AutoAnalyzed check raced.
func (s *Store) ApplyAnalysis(ctx context.Context, u AnalysisUpdate) error {
	votesJSON, err := json.Marshal(u.LLMVotes)
	if err != nil {
		return wrap("apply_analysis marshal votes", err)
	}
	return s.withTx(ctx, "apply_analysis", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE findings SET consensus_action=?, consensus_confidence=?, llm_votes_json=?,
			       llm_disagreement=?, auto_analyzed=1, ta_regime=?, analyzed_at=?
			WHERE id=? AND (auto_analyzed=0 OR ?)`,
			u.ConsensusAction, u.ConsensusConfidence, string(votesJSON), boolToInt(u.LLMDisagreement),
			u.TARegime, u.AnalyzedAt, u.FindingID, boolToInt(u.Force),
		)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil || n == 0 {
			return err
		}
		for _, cr := range u.CouncilResults {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO council_results (finding_id, model, ok, latency_ms, raw_text, verdict, confidence, error, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				u.FindingID, cr.Model, boolToInt(cr.OK), cr.LatencyMs, cr.RawText, cr.Verdict, cr.Confidence, cr.Error, cr.CreatedAt,
			); err != nil {
				return err
			}
		}
		return bumpVotingStatTx(ctx, tx, u.VotingStatAgent, u.VotingStatRegime, u.ConsensusAction)
	})
}

// MarkAlerted sets alerted=true only on a successful send (spec.md §4.H
// step 6, §7 "a failure in alerting leaves alerted=false so a later
// retry may fire exactly once").
func (s *Store) MarkAlerted(ctx context.Context, findingID int64) error {
	return s.withTx(ctx, "mark_alerted", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE findings SET alerted=1 WHERE id=?`, findingID)
		return err
	})
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
