// Package drawdown implements the portfolio-level circuit breaker
// (spec.md §4.B). Algorithm grounded on
// original_source/services/drawdown_governor.py's drawdown_governor()
// (hard-halt at 1.5×dd_limit, soft-throttle
// max(0.2, 1-(|dd|-|limit|)/(0.5|limit|))) — chosen over the file's second,
// divergent compute_drawdown_state() function per DESIGN.md's Open
// Question resolution. Struct shape (size-multiplier/warning-pause state,
// observ gauges on recompute) grounded on internal/risk/drawdown.go's
// DrawdownManager.
package drawdown

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/rsmolarz/marketctl/internal/eventlog"
	"github.com/rsmolarz/marketctl/internal/observ"
)

// RiskState is the Drawdown Governor's output, consumed by the allocator
// (§4.F) and scheduler (§4.G step 6).
type RiskState struct {
	OK             bool
	Halt           bool
	RiskMultiplier float64
	Drawdown       float64 // negative; min_i dd_i
}

// Governor is a pure function of the event-log prefix, wrapped in a
// cached-snapshot struct so readers (allocator, scheduler) can consult the
// last computed RiskState without re-reading the log on every check
// (spec.md §4.B "Pure function ... idempotent per (log, limit)").
type Governor struct {
	mu      sync.RWMutex
	limit   float64 // dd_limit, negative
	windowN int
	last    RiskState
}

// New constructs a Governor for the given dd_limit (negative) and replay
// window (default 5000, spec.md §4.B step 1).
func New(limit float64, windowN int) *Governor {
	if windowN <= 0 {
		windowN = 5000
	}
	return &Governor{limit: limit, windowN: windowN, last: RiskState{OK: true, RiskMultiplier: 1.0}}
}

// Evaluate reads the last windowN events, folds rewards into an equity
// curve with shopspring/decimal (so replay determinism is exact,
// independent of float summation order — spec.md §8's round-trip law),
// computes running peak/drawdown, and applies the dd_limit thresholds.
func (g *Governor) Evaluate(ctx context.Context, log *eventlog.Log) (RiskState, error) {
	events, err := log.IterEvents(g.windowN)
	if err != nil {
		return RiskState{}, err
	}

	eq := decimal.Zero
	peak := decimal.Zero
	minDD := decimal.Zero
	first := true

	for _, e := range events {
		if e.Reward == nil {
			continue
		}
		eq = eq.Add(decimal.NewFromFloat(*e.Reward))
		if first || eq.GreaterThan(peak) {
			peak = eq
			first = false
		}
		dd := eq.Sub(peak)
		if dd.LessThan(minDD) {
			minDD = dd
		}
	}

	dd, _ := minDD.Float64()
	state := applyThresholds(dd, g.limit)

	observ.SetGauge("drawdown_current", dd, nil)
	observ.SetGauge("drawdown_risk_multiplier", state.RiskMultiplier, nil)
	observ.SetGauge("drawdown_halt", boolGauge(state.Halt), nil)

	g.mu.Lock()
	prevHalt := g.last.Halt
	g.last = state
	g.mu.Unlock()

	if state.Halt && !prevHalt {
		observ.IncCounter("drawdown_halts_total", nil)
		observ.Log("drawdown_hard_halt", map[string]any{"dd": dd, "limit": g.limit})
	}

	return state, nil
}

// applyThresholds implements spec.md §4.B step 4 exactly.
func applyThresholds(dd, limit float64) RiskState {
	if dd <= 1.5*limit {
		return RiskState{OK: false, Halt: true, RiskMultiplier: 0, Drawdown: dd}
	}
	if dd <= limit {
		over := absf(dd) - absf(limit)
		span := 0.5 * absf(limit)
		mult := 1.0
		if span > 0 {
			mult = 1.0 - over/span
		}
		if mult < 0.2 {
			mult = 0.2
		}
		return RiskState{OK: false, Halt: false, RiskMultiplier: mult, Drawdown: dd}
	}
	return RiskState{OK: true, Halt: false, RiskMultiplier: 1.0, Drawdown: dd}
}

func absf(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Last returns the most recently computed RiskState without touching the
// event log (single-writer/many-reader snapshot, spec.md §5).
func (g *Governor) Last() RiskState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.last
}
