// Package store implements the relational findings/status/council store
// (spec.md §4.A, §3, §6 "Findings store schema"). Grounded on
// AlejandroRuiz99-polybot/internal/adapters/storage (hand-written
// CREATE TABLE IF NOT EXISTS schema executed at construction, plain
// database/sql, no ORM) using modernc.org/sqlite, a pure-Go, cgo-free
// driver — see DESIGN.md for why gorm+mysql was not carried forward.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/rsmolarz/marketctl/internal/observ"
)

const schema = `
CREATE TABLE IF NOT EXISTS findings (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_name           TEXT NOT NULL,
    ts                   DATETIME NOT NULL,
    symbol               TEXT NOT NULL DEFAULT '',
    market_type          TEXT NOT NULL DEFAULT '',
    title                TEXT NOT NULL,
    description          TEXT NOT NULL DEFAULT '',
    severity             TEXT NOT NULL,
    confidence           REAL NOT NULL,
    metadata_json        TEXT NOT NULL DEFAULT '{}',
    consensus_action     TEXT NOT NULL DEFAULT '',
    consensus_confidence REAL NOT NULL DEFAULT 0,
    llm_votes_json       TEXT NOT NULL DEFAULT '{}',
    llm_disagreement     INTEGER NOT NULL DEFAULT 0,
    auto_analyzed        INTEGER NOT NULL DEFAULT 0,
    ta_regime            TEXT NOT NULL DEFAULT '',
    analyzed_at          DATETIME,
    alerted              INTEGER NOT NULL DEFAULT 0,
    ta_council_json      TEXT NOT NULL DEFAULT '',
    fund_council_json    TEXT NOT NULL DEFAULT '',
    real_estate_council_json TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS findings_agent ON findings(agent_name);
CREATE INDEX IF NOT EXISTS findings_severity ON findings(severity);
CREATE INDEX IF NOT EXISTS findings_alerted ON findings(alerted);

CREATE TABLE IF NOT EXISTS agent_status (
    name              TEXT PRIMARY KEY,
    is_active         INTEGER NOT NULL DEFAULT 0,
    last_run          DATETIME,
    run_count         INTEGER NOT NULL DEFAULT 0,
    error_count       INTEGER NOT NULL DEFAULT 0,
    last_error        TEXT NOT NULL DEFAULT '',
    base_interval_min INTEGER NOT NULL DEFAULT 15,
    enabled           INTEGER NOT NULL DEFAULT 1,
    base_weight       REAL NOT NULL DEFAULT 1.0,
    rank              INTEGER NOT NULL DEFAULT 0,
    last_score        REAL NOT NULL DEFAULT 0,
    days_since_eval   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS uncertainty_events (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    ts                 DATETIME NOT NULL,
    label              TEXT NOT NULL,
    score              REAL NOT NULL,
    spike              INTEGER NOT NULL DEFAULT 0,
    disagreement       REAL NOT NULL DEFAULT 0,
    votes_json         TEXT NOT NULL DEFAULT '[]',
    active_regime      TEXT NOT NULL DEFAULT '',
    cadence_multiplier REAL NOT NULL DEFAULT 1.0,
    decay_multiplier   REAL NOT NULL DEFAULT 1.0
);

CREATE TABLE IF NOT EXISTS council_results (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    finding_id  INTEGER NOT NULL,
    model       TEXT NOT NULL,
    ok          INTEGER NOT NULL DEFAULT 0,
    latency_ms  INTEGER NOT NULL DEFAULT 0,
    raw_text    TEXT NOT NULL DEFAULT '',
    verdict     TEXT NOT NULL DEFAULT '',
    confidence  REAL NOT NULL DEFAULT 0,
    error       TEXT NOT NULL DEFAULT '',
    created_at  DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS council_results_finding ON council_results(finding_id);

CREATE TABLE IF NOT EXISTS council_voting_stats (
    agent_name       TEXT NOT NULL,
    regime           TEXT NOT NULL,
    votes_act        INTEGER NOT NULL DEFAULT 0,
    votes_watch      INTEGER NOT NULL DEFAULT 0,
    votes_ignore     INTEGER NOT NULL DEFAULT 0,
    first_failure_ts DATETIME,
    last_ignore_ts   DATETIME,
    last_updated     DATETIME,
    PRIMARY KEY (agent_name, regime)
);
`

// Store is the relational persistence layer. The connection pool is
// capped at four connections; SQLite itself admits one writer at a time
// (spec.md §5), and the busy_timeout pragma makes a blocked writer wait up
// to five seconds. WAL mode lets readers proceed alongside the writer.
type Store struct {
	db *sql.DB
}

// Open creates the database file's parent directory, opens the
// connection, enables WAL + foreign keys, and applies the schema.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, wrap("mkdir", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, wrap("open", err)
	}
	db.SetMaxOpenConns(4)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, wrap("pragma journal_mode", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, wrap("pragma foreign_keys", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, wrap("schema", err)
	}

	observ.Log("store_opened", map[string]any{"path": path})
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on success and rolling
// back on any error (spec.md §4.A "commits or rolls back atomically").
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		observ.IncCounter("store_errors_total", map[string]string{"op": op})
		return wrap(op, err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		observ.IncCounter("store_errors_total", map[string]string{"op": op})
		return wrap(op, err)
	}
	if err := tx.Commit(); err != nil {
		observ.IncCounter("store_errors_total", map[string]string{"op": op})
		return wrap(op, fmt.Errorf("commit: %w", err))
	}
	return nil
}
