package uncertainty

import (
	"sync"
	"time"

	"github.com/rsmolarz/marketctl/internal/eventlog"
	"github.com/rsmolarz/marketctl/internal/observ"
)

// FailureWindow is the rolling window used by the regime-transition early
// warning supplement (SPEC_FULL.md §4.D): while a spike is active, agent
// outcomes are tracked and a warning fires once at least two agents each
// show a 70%+ failure rate within the window.
const FailureWindow = 90 * time.Minute

const (
	earlyWarningMinAgents     = 2
	earlyWarningFailThreshold = 0.70
	earlyWarningMinSamples    = 3
)

type outcome struct {
	ts      time.Time
	success bool
}

// FailureTracker accumulates per-agent outcomes recorded during spike
// windows and raises an early warning through the event log when enough
// agents are consistently failing. Grounded on
// original_source/meta/uncertainty_failure.py's rolling-window failure
// count, reworked here as an in-memory ring trimmed on each record.
type FailureTracker struct {
	mu      sync.Mutex
	history map[string][]outcome
}

func NewFailureTracker() *FailureTracker {
	return &FailureTracker{history: make(map[string][]outcome)}
}

// RecordOutcome appends one agent run outcome and trims entries older than
// FailureWindow. Call this only while the uncertainty loop's last State has
// Spike == true (spec.md's early warning is scoped to provisional-signal
// windows, not steady-state operation).
func (t *FailureTracker) RecordOutcome(agent string, success bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-FailureWindow)
	entries := append(t.history[agent], outcome{ts: now, success: success})
	kept := entries[:0]
	for _, o := range entries {
		if o.ts.After(cutoff) {
			kept = append(kept, o)
		}
	}
	t.history[agent] = kept
}

// failingAgents returns agents whose window has enough samples and a
// failure rate at or above earlyWarningFailThreshold, with each agent's
// failure rate.
func (t *FailureTracker) failingAgents(now time.Time) map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := now.Add(-FailureWindow)
	out := map[string]float64{}
	for agent, entries := range t.history {
		total, failed := 0, 0
		for _, o := range entries {
			if o.ts.Before(cutoff) {
				continue
			}
			total++
			if !o.success {
				failed++
			}
		}
		if total < earlyWarningMinSamples {
			continue
		}
		rate := float64(failed) / float64(total)
		if rate >= earlyWarningFailThreshold {
			out[agent] = rate
		}
	}
	return out
}

// CheckAndWarn evaluates the current failure map and, if at least
// earlyWarningMinAgents agents qualify, appends an EarlyWarning to log.
// Returns the warning if one was raised.
func (t *FailureTracker) CheckAndWarn(log *eventlog.Log, now time.Time) *eventlog.EarlyWarning {
	failing := t.failingAgents(now)
	if len(failing) < earlyWarningMinAgents {
		return nil
	}

	agents := make([]string, 0, len(failing))
	var worst float64
	for agent, rate := range failing {
		agents = append(agents, agent)
		if rate > worst {
			worst = rate
		}
	}

	w := eventlog.EarlyWarning{
		TS:            now,
		Agents:        agents,
		WindowMinutes: int(FailureWindow / time.Minute),
		FailureRate:   worst,
	}
	if log != nil {
		if err := log.AppendEarlyWarning(w); err != nil {
			observ.Log("early_warning_append_failed", map[string]any{"err": err.Error()})
			return nil
		}
	}
	observ.IncCounter("regime_transition_early_warnings_total", nil)
	return &w
}
