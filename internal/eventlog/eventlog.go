// Package eventlog implements the append-only telemetry event log
// (spec.md §4.A, §3 TelemetryEvent). Grounded on the teacher's
// internal/outbox/outbox.go (append-only JSONL, MkdirAll + O_APPEND) and
// internal/risk/events.go (tolerant line-by-line replay that skips
// malformed lines instead of failing the read).
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rsmolarz/marketctl/internal/observ"
)

// Event is one line of the append-only log. Envelope carries arbitrary
// extra fields an agent may attach; known fields are promoted to typed
// struct fields so the drawdown governor and scheduler don't need to
// re-parse the envelope.
type Event struct {
	TS        time.Time      `json:"ts"`
	Agent     string         `json:"agent"`
	Reward    *float64       `json:"reward,omitempty"`
	LatencyMs *int64         `json:"latency_ms,omitempty"`
	CostUSD   *float64       `json:"cost_usd,omitempty"`
	Errors    *string        `json:"errors,omitempty"`
	RunID     string         `json:"run_id,omitempty"`
	Envelope  map[string]any `json:"envelope,omitempty"`
}

// Log is a crash-safe, append-only JSONL event log. Appends are
// serialized behind a single mutex (spec.md §5 "event-log appends are
// serialized behind a single ... sync.Mutex"), matching the teacher's
// single-file-handle-per-call append pattern.
type Log struct {
	mu   sync.Mutex
	path string
}

// Open prepares the log's directory (mirroring outbox.New's MkdirAll) and
// returns a ready-to-use Log. The file itself is created lazily on first
// append, matching the teacher's O_APPEND|O_CREATE convention.
func Open(path string) (*Log, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("eventlog: mkdir %s: %w", dir, err)
		}
	}
	return &Log{path: path}, nil
}

// Append writes one event as a single JSON line. O(1): open-append-close,
// no read-modify-write. Crash-safety here means a process crash mid-write
// leaves at most one partial trailing line, which IterEvents skips on the
// next read.
func (l *Log) Append(e Event) error {
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("eventlog: marshal: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("eventlog: open %s: %w", l.path, err)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%s\n", b); err != nil {
		return fmt.Errorf("eventlog: write: %w", err)
	}
	observ.IncCounter("eventlog_appends_total", map[string]string{"agent": e.Agent})
	return nil
}

// IterEvents returns the last N events, most recent last, tolerating a
// missing file (empty log) and skipping malformed lines with a debug log
// rather than failing the whole read (spec.md §4.A contract).
func (l *Log) IterEvents(lastN int) ([]Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("eventlog: open %s: %w", l.path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var all []Event
	lineNum := 0
	malformed := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var e Event
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			malformed++
			observ.Log("eventlog_malformed_line", map[string]any{
				"line": lineNum,
				"err":  err.Error(),
			})
			continue
		}
		all = append(all, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("eventlog: scan: %w", err)
	}
	if malformed > 0 {
		observ.IncCounterBy("eventlog_malformed_lines_total", nil, float64(malformed))
	}

	if lastN > 0 && len(all) > lastN {
		all = all[len(all)-lastN:]
	}
	return all, nil
}

// EarlyWarning is published alongside ordinary events when the uncertainty
// package's regime-transition watch (SPEC_FULL.md §4.D supplement) detects
// a cluster of agent failures during a provisional-signal window.
type EarlyWarning struct {
	TS            time.Time `json:"ts"`
	Agents        []string  `json:"agents"`
	WindowMinutes int       `json:"window_minutes"`
	FailureRate   float64   `json:"failure_rate"`
}

// AppendEarlyWarning records the supplemental telemetry event; it shares
// the same log file and line format, tagged via Envelope so ordinary
// readers that only care about rewards can ignore it.
func (l *Log) AppendEarlyWarning(w EarlyWarning) error {
	return l.Append(Event{
		TS:    w.TS,
		Agent: "control-plane",
		Envelope: map[string]any{
			"kind":           "early_warning",
			"agents":         w.Agents,
			"window_minutes": w.WindowMinutes,
			"failure_rate":   w.FailureRate,
		},
	})
}
