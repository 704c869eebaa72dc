package regime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyRiskOnFeaturesScoreRiskOn(t *testing.T) {
	c := NewClassifier(0, 0, 0)
	state := c.Classify(Features{SPYReturn20: 0.05, VIX: 12, Rate10Y20Change: 0})
	assert.Equal(t, RiskOn, state.Active)
	assert.Greater(t, state.Confidence, 0.0)
}

func TestClassifyHighVIXScoresVolSpike(t *testing.T) {
	c := NewClassifier(0, 0, 0)
	state := c.Classify(Features{SPYReturn20: -0.05, VIX: 40, Rate10Y20Change: 0})
	assert.Equal(t, VolSpike, state.Active)
}

func TestClassifyHysteresisKeepsPreviousRegime(t *testing.T) {
	c := NewClassifier(0, 0, 0)
	first := c.Classify(Features{SPYReturn20: 0.05, VIX: 12})
	require.Equal(t, RiskOn, first.Active)

	// A mild nudge toward risk_off shouldn't flip the active regime if
	// risk_on's probability is still above the hysteresis threshold.
	second := c.Classify(Features{SPYReturn20: -0.001, VIX: 12})
	assert.Equal(t, first.Active, second.Active)
}

func TestClassifyTransitionFlagsLowConfidence(t *testing.T) {
	c := NewClassifier(0, 0, 0)
	state := c.Classify(Features{})
	if state.Confidence < 0.60 {
		assert.True(t, state.Transition)
	} else {
		assert.False(t, state.Transition)
	}
}

func TestResetClearsHysteresis(t *testing.T) {
	c := NewClassifier(0, 0, 0)
	c.Classify(Features{SPYReturn20: 0.05, VIX: 12})
	c.Reset()
	assert.Equal(t, Unknown, c.prevActive)
}

func TestProbabilitiesSumToOne(t *testing.T) {
	c := NewClassifier(0, 0, 0)
	state := c.Classify(Features{SPYReturn20: 0.02, VIX: 20, Rate10Y20Change: 0.6})
	var sum float64
	for _, p := range state.Probabilities {
		sum += p
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
}
