package ta

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rsmolarz/marketctl/internal/priceseries"
)

func TestEvaluateInsufficientHistoryDegradesToWatch(t *testing.T) {
	src := priceseries.NewMemorySource()
	closes := make([]float64, 10)
	for i := range closes {
		closes[i] = 100
	}
	frame := make(priceseries.Frame, len(closes))
	for i, c := range closes {
		frame[i] = priceseries.Bar{Close: c}
	}
	src.Set("AAPL", frame)

	res := Evaluate(context.Background(), src, "AAPL")
	assert.Equal(t, Watch, res.Vote)
	assert.Equal(t, 0.5, res.Score)
}

func TestEvaluateUnknownSymbolDegradesToWatch(t *testing.T) {
	src := priceseries.NewMemorySource()
	res := Evaluate(context.Background(), src, "NOPE")
	assert.Equal(t, Watch, res.Vote)
}

func TestEvaluateUptrendWithConfirmingRSIVotesAct(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100 + float64(i)
	}
	res := evaluateCloses(closes)
	assert.Equal(t, Act, res.Vote)
	assert.True(t, res.TrendUp)
	assert.GreaterOrEqual(t, res.RSI14, 55.0)
}

func TestEvaluateFlatSeriesVotesIgnore(t *testing.T) {
	closes := make([]float64, 60)
	for i := range closes {
		closes[i] = 100
	}
	res := evaluateCloses(closes)
	assert.Equal(t, Ignore, res.Vote)
}

func TestSMAUsesAvailableHistoryWhenShorterThanPeriod(t *testing.T) {
	closes := []float64{1, 2, 3}
	assert.Equal(t, 2.0, sma(closes, 50))
}

func TestRSI14AllGainsSaturatesHigh(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = float64(i)
	}
	r := rsi14(closes)
	assert.Greater(t, r, 95.0)
}

func TestRSI14AllLossesSaturatesLow(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = float64(20 - i)
	}
	r := rsi14(closes)
	assert.Less(t, r, 5.0)
}
