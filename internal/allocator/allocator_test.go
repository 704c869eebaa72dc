package allocator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsmolarz/marketctl/internal/eventlog"
)

func reward(v float64) *float64 { return &v }

func TestNewAppliesDefaultsForZeroValues(t *testing.T) {
	a := New(0, 0, 0, 0)
	assert.Equal(t, defaultWindow, a.window)
	assert.Equal(t, defaultExploration, a.exploration)
	assert.Equal(t, defaultHalfLife, a.halfLife)
	assert.Equal(t, defaultMinDecay, a.minDecay)
}

func TestIngestEventsSkipsMissingAgentOrReward(t *testing.T) {
	a := New(10, 0, 0, 0)
	a.IngestEvents([]eventlog.Event{
		{Agent: "", Reward: reward(1)},
		{Agent: "agent-a", Reward: nil},
		{Agent: "agent-a", Reward: reward(0.5)},
	})
	assert.Equal(t, 1, a.state("agent-a").count)
}

func TestIngestEventsTrimsToWindow(t *testing.T) {
	a := New(3, 0, 0, 0)
	var events []eventlog.Event
	for i := 0; i < 10; i++ {
		events = append(events, eventlog.Event{Agent: "agent-a", Reward: reward(float64(i))})
	}
	a.IngestEvents(events)

	st := a.state("agent-a")
	assert.Equal(t, 10, st.count)
	require.Len(t, st.rewards, 3)
	assert.Equal(t, []float64{7, 8, 9}, st.rewards)
}

func TestScoreRewardsHigherMeanHigher(t *testing.T) {
	a := New(50, 1.5, 200, 0.15)
	var hot, cold []eventlog.Event
	for i := 0; i < 20; i++ {
		hot = append(hot, eventlog.Event{Agent: "hot", Reward: reward(1.0)})
		cold = append(cold, eventlog.Event{Agent: "cold", Reward: reward(-1.0)})
	}
	a.IngestEvents(hot)
	a.IngestEvents(cold)

	hotScore := a.Score("hot", ScoreInputs{TotalPulls: 40})
	coldScore := a.Score("cold", ScoreInputs{TotalPulls: 40})
	assert.Greater(t, hotScore, coldScore)
}

func TestScoreUncertaintyDampensScore(t *testing.T) {
	a := New(50, 1.5, 200, 0.15)
	var events []eventlog.Event
	for i := 0; i < 20; i++ {
		events = append(events, eventlog.Event{Agent: "agent-a", Reward: reward(1.0)})
	}
	a.IngestEvents(events)

	calm := a.Score("agent-a", ScoreInputs{TotalPulls: 20, Uncertainty: 0})
	uncertain := a.Score("agent-a", ScoreInputs{TotalPulls: 20, Uncertainty: 0.9})
	assert.Greater(t, calm, uncertain)
}

func TestRewardVarianceRequiresAtLeastTwoSamples(t *testing.T) {
	a := New(50, 0, 0, 0)
	assert.Equal(t, 0.0, a.RewardVariance("agent-a"))

	a.IngestEvents([]eventlog.Event{{Agent: "agent-a", Reward: reward(1.0)}})
	assert.Equal(t, 0.0, a.RewardVariance("agent-a"))

	a.IngestEvents([]eventlog.Event{{Agent: "agent-a", Reward: reward(3.0)}})
	assert.Greater(t, a.RewardVariance("agent-a"), 0.0)
}

func TestEffectiveBudgetForFloorsAtTen(t *testing.T) {
	assert.Equal(t, 10, effectiveBudgetFor(20, 0.1, 1.0))
	assert.Equal(t, 20, effectiveBudgetFor(20, 1.0, 1.0))
	assert.Equal(t, 10, effectiveBudgetFor(20, 1.0, 0))
}

func TestApplyFailFirstPenaltyOnlyAppliesAboveThresholds(t *testing.T) {
	untouched := applyFailFirstPenalty(1.0, 0.4, 0.9)
	assert.Equal(t, 1.0, untouched)

	untouched2 := applyFailFirstPenalty(1.0, 0.9, 0.1)
	assert.Equal(t, 1.0, untouched2)

	penalized := applyFailFirstPenalty(1.0, 0.9, 0.9)
	assert.Less(t, penalized, 1.0)
	assert.GreaterOrEqual(t, penalized, 0.5)
}

func TestAssignQuotasRespectsMinMaxAndTiesBreakByLowerCount(t *testing.T) {
	agents := []string{"a", "b"}
	scores := map[string]float64{"a": 1.0, "b": 1.0}
	counts := map[string]int{"a": 5, "b": 1}

	quotas := assignQuotas(agents, scores, nil, nil, 10, func(ag string) int { return counts[ag] })

	assert.Equal(t, 10, quotas["a"]+quotas["b"])
	assert.GreaterOrEqual(t, quotas["b"], quotas["a"])
}

func TestAssignQuotasHonorsMaxRuns(t *testing.T) {
	agents := []string{"a", "b"}
	scores := map[string]float64{"a": 2.0, "b": 1.0}
	maxRuns := map[string]int{"a": 2}

	quotas := assignQuotas(agents, scores, nil, maxRuns, 10, func(string) int { return 0 })

	assert.LessOrEqual(t, quotas["a"], 2)
	assert.Equal(t, 10, quotas["a"]+quotas["b"])
}

func TestFindRedundantAgentsFlagsCorrelatedFirings(t *testing.T) {
	var firings []string
	for i := 0; i < 30; i++ {
		firings = append(firings, "leader", "follower")
	}
	redundant := findRedundantAgents(firings)
	assert.True(t, redundant["follower"])
}

func TestFindRedundantAgentsIgnoresShortHistory(t *testing.T) {
	redundant := findRedundantAgents([]string{"a", "b", "a", "b"})
	assert.Empty(t, redundant)
}

func TestAllocateEndToEndProducesQuotasSummingToBudget(t *testing.T) {
	a := New(50, 1.5, 200, 0.15)
	a.IngestEvents([]eventlog.Event{
		{Agent: "agent-a", Reward: reward(1.0), TS: time.Now()},
		{Agent: "agent-b", Reward: reward(0.1), TS: time.Now()},
	})

	result := a.Allocate([]string{"agent-a", "agent-b"}, Options{
		TotalBudgetRuns:  20,
		AgentUncertainty: map[string]float64{"agent-a": 0.1, "agent-b": 0.1},
	})

	assert.Equal(t, 20, result.Quotas["agent-a"]+result.Quotas["agent-b"])
	assert.Contains(t, result.Scores, "agent-a")
	assert.Contains(t, result.Scores, "agent-b")
}
