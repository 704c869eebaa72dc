// Package ta implements the deterministic technical-analysis vote used by
// the Triple-Confirmation Gate's first step (spec.md §4.H step 1).
// Grounded on original_source/ta/ta_engine.py's rsi/ta_vote: Wilder-style
// RSI(14) via a simple rolling mean of gains/losses, MA(20)/MA(50) simple
// moving averages, and the same ACT/WATCH/IGNORE thresholds.
package ta

import (
	"context"
	"math"

	"github.com/rsmolarz/marketctl/internal/priceseries"
)

// Vote is the TA verdict for one symbol (spec.md §4.H step 1).
type Vote string

const (
	Act    Vote = "ACT"
	Watch  Vote = "WATCH"
	Ignore Vote = "IGNORE"
)

// Result carries the vote, its score, and the indicators it was derived
// from, for logging and for the UI status surface.
type Result struct {
	Vote      Vote
	Score     float64
	Reason    string
	Price     float64
	RSI14     float64
	MA20      float64
	MA50      float64
	TrendUp   bool
	TrendDown bool
}

const minBars = 60

// insufficientData is spec.md §4.H step 1's "insufficient data" case.
func insufficientData(reason string) Result {
	return Result{Vote: Watch, Score: 0.5, Reason: reason}
}

// Evaluate loads symbol's recent price series and computes the TA vote.
// A load error or a frame shorter than minBars both degrade to WATCH@0.5
// (spec.md §6 "empty or short series degrades TA to WATCH").
func Evaluate(ctx context.Context, src priceseries.Source, symbol string) Result {
	frame, err := src.LoadSymbolFrame(ctx, symbol)
	if err != nil {
		return insufficientData("price series unavailable: " + err.Error())
	}
	if len(frame) < minBars {
		return insufficientData("insufficient price history")
	}
	return evaluateCloses(frame.Closes())
}

func evaluateCloses(closes []float64) Result {
	n := len(closes)
	px := closes[n-1]
	ma20 := sma(closes, 20)
	ma50 := sma(closes, 50)
	r := rsi14(closes)
	if math.IsNaN(r) {
		r = 50.0
	}

	trendUp := px > ma20 && ma20 > ma50
	trendDown := px < ma20 && ma20 < ma50

	res := Result{Price: px, RSI14: r, MA20: ma20, MA50: ma50, TrendUp: trendUp, TrendDown: trendDown}

	switch {
	case trendUp && r >= 55:
		res.Vote, res.Score, res.Reason = Act, 0.85, "trend_up + RSI confirmed"
	case trendDown && r <= 45:
		res.Vote, res.Score, res.Reason = Act, 0.85, "trend_down + RSI confirmed"
	case trendUp || trendDown:
		res.Vote, res.Score, res.Reason = Watch, 0.60, "trend present, RSI mixed"
	default:
		res.Vote, res.Score, res.Reason = Ignore, 0.25, "no trend confirmation"
	}
	return res
}

// sma is the simple moving average of the last period closes.
func sma(closes []float64, period int) float64 {
	n := len(closes)
	if n < period {
		period = n
	}
	if period == 0 {
		return math.NaN()
	}
	var sum float64
	for _, c := range closes[n-period:] {
		sum += c
	}
	return sum / float64(period)
}

// rsi14 computes the Wilder RSI over a 14-period rolling mean of
// gains/losses, matching ta_engine.py's simple (non-exponential) rolling
// mean implementation rather than Wilder's true smoothing.
func rsi14(closes []float64) float64 {
	const period = 14
	n := len(closes)
	if n < period+1 {
		return math.NaN()
	}

	deltas := make([]float64, n-1)
	for i := 1; i < n; i++ {
		deltas[i-1] = closes[i] - closes[i-1]
	}

	window := deltas[len(deltas)-period:]
	var gainSum, lossSum float64
	for _, d := range window {
		if d > 0 {
			gainSum += d
		} else {
			lossSum += -d
		}
	}
	gain := gainSum / period
	loss := lossSum / period
	if loss == 0 {
		loss = 1e-9
	}
	rs := gain / loss
	return 100 - (100 / (1 + rs))
}
