package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rsmolarz/marketctl/internal/agent"
	"github.com/rsmolarz/marketctl/internal/drawdown"
	"github.com/rsmolarz/marketctl/internal/gate"
	"github.com/rsmolarz/marketctl/internal/priceseries"
	"github.com/rsmolarz/marketctl/internal/store"
)

type fakeAgent struct {
	name    string
	drafts  []agent.FindingDraft
	err     error
	panics  bool
	invoked *bool
}

func (f *fakeAgent) Name() string { return f.name }

func (f *fakeAgent) Analyze(ctx context.Context) ([]agent.FindingDraft, error) {
	if f.invoked != nil {
		*f.invoked = true
	}
	if f.panics {
		panic("boom")
	}
	return f.drafts, f.err
}

type fakeKillSwitch struct{ killed map[string]bool }

func (f fakeKillSwitch) IsKilled(name string) bool { return f.killed[name] }

type fakeRanking struct{ disabled map[string]bool }

func (f fakeRanking) Enabled(name string) bool { return !f.disabled[name] }

type fakeWeights struct{ weights map[string]float64 }

func (f fakeWeights) Weight(name string) float64 { return f.weights[name] }

func newTestScheduler(deps Deps) *Scheduler {
	return New(nil, deps)
}

func registered(s *Scheduler, name string) agent.Registration {
	reg := agent.Registration{
		Agent:           &fakeAgent{name: name},
		BaseIntervalMin: 5,
		Enabled:         true,
	}
	s.Register(reg)
	return reg
}

func TestGateAllowsSystemAgentsRegardlessOfOtherGates(t *testing.T) {
	s := newTestScheduler(Deps{
		KillSwitch: fakeKillSwitch{killed: map[string]bool{"a": true}},
	})
	registered(s, "a")
	e := s.agents["a"]
	e.reg.System = true

	reason, skip := s.gate(e)
	assert.False(t, skip)
	assert.Empty(t, reason)
}

func TestGateForcedBypassesAllGates(t *testing.T) {
	s := newTestScheduler(Deps{
		KillSwitch: fakeKillSwitch{killed: map[string]bool{"a": true}},
	})
	registered(s, "a")
	e := s.agents["a"]
	e.forced = true

	_, skip := s.gate(e)
	assert.False(t, skip)
}

func TestGateSkipsKilledAgent(t *testing.T) {
	s := newTestScheduler(Deps{
		KillSwitch: fakeKillSwitch{killed: map[string]bool{"a": true}},
	})
	registered(s, "a")

	reason, skip := s.gate(s.agents["a"])
	assert.True(t, skip)
	assert.Equal(t, SkipKilled, reason)
}

func TestGateSkipsDisabledAgent(t *testing.T) {
	s := newTestScheduler(Deps{
		Ranking: fakeRanking{disabled: map[string]bool{"a": true}},
	})
	registered(s, "a")

	reason, skip := s.gate(s.agents["a"])
	assert.True(t, skip)
	assert.Equal(t, SkipDisabled, reason)
}

func TestGateSkipsMutedByRegimeBelowEpsilon(t *testing.T) {
	s := newTestScheduler(Deps{
		Weights: fakeWeights{weights: map[string]float64{"a": 0.001}},
	})
	registered(s, "a")

	reason, skip := s.gate(s.agents["a"])
	assert.True(t, skip)
	assert.Equal(t, SkipMutedByRegime, reason)
}

func TestGateNotHaltedBeforeDrawdownEvaluate(t *testing.T) {
	risk := drawdown.New(0, 0)
	s := newTestScheduler(Deps{Risk: risk})
	registered(s, "a")
	s.agents["a"].reg.Agent = &fakeAgent{name: "a"}

	_ = risk // halt is only set via Evaluate; the default Last() is OK, so with
	// no Evaluate call the gate should NOT be drawdown-halted.
	reason, skip := s.gate(s.agents["a"])
	assert.False(t, skip)
	assert.Empty(t, reason)
}

func TestGatePassesCleanAgent(t *testing.T) {
	s := newTestScheduler(Deps{})
	registered(s, "a")

	reason, skip := s.gate(s.agents["a"])
	assert.False(t, skip)
	assert.Empty(t, reason)
}

func TestInvokeAgentRecoversFromPanic(t *testing.T) {
	s := newTestScheduler(Deps{})
	a := &fakeAgent{name: "a", panics: true}

	drafts, err := s.invokeAgent(context.Background(), a)
	assert.Nil(t, drafts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestInvokeAgentPropagatesError(t *testing.T) {
	s := newTestScheduler(Deps{})
	wantErr := errors.New("boom")
	a := &fakeAgent{name: "a", err: wantErr}

	_, err := s.invokeAgent(context.Background(), a)
	assert.ErrorIs(t, err, wantErr)
}

func TestPersistFindingsReturnsEmptyWhenStoreNil(t *testing.T) {
	s := newTestScheduler(Deps{})
	ids := s.persistFindings(context.Background(), "a", []agent.FindingDraft{{Title: "x"}})
	assert.Empty(t, ids)
}

func TestSafelyRecoversFromPanicInStep(t *testing.T) {
	s := newTestScheduler(Deps{})
	called := false
	assert.NotPanics(t, func() {
		s.safely("step", "agent-a", func() {
			called = true
			panic("boom")
		})
	})
	assert.True(t, called)
}

func TestRegisterStartsInRegisteredState(t *testing.T) {
	s := newTestScheduler(Deps{})
	registered(s, "a")
	assert.Equal(t, StateRegistered, s.agents["a"].state)
}

func TestStartTransitionsToScheduledAndStopToStopped(t *testing.T) {
	s := newTestScheduler(Deps{})
	registered(s, "a")

	require.NoError(t, s.Start("a", false))
	assert.Equal(t, StateScheduled, s.agents["a"].state)

	s.Stop("a")
	assert.Equal(t, StateStopped, s.agents["a"].state)
}

func TestStartUnknownAgentReturnsError(t *testing.T) {
	s := newTestScheduler(Deps{})
	err := s.Start("nope", false)
	assert.Error(t, err)
}

func TestUpdateIntervalUnknownAgentReturnsError(t *testing.T) {
	s := newTestScheduler(Deps{})
	err := s.UpdateInterval("nope", 0)
	assert.Error(t, err)
}

func openTestDB(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunGateWithoutForceIsNoOpOnSecondCall(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, err := db.InsertFinding(ctx, store.Finding{
		AgentName: "agent-a",
		Timestamp: time.Now().UTC(),
		Symbol:    "AAPL",
		Title:     "critical spike",
		Severity:  agent.SeverityCritical,
	})
	require.NoError(t, err)

	eval := gate.NewEvaluator(nil, priceseries.NewMemorySource(), 0, nil, nil)
	s := newTestScheduler(Deps{Store: db, GateEval: eval})

	s.runGate(ctx, id, "agent-a", false)
	f, err := db.GetFinding(ctx, id)
	require.NoError(t, err)
	require.True(t, f.AutoAnalyzed)
	firstConfidence := f.ConsensusConfidence
	firstAnalyzedAt := f.AnalyzedAt

	s.runGate(ctx, id, "agent-a", false)
	f, err = db.GetFinding(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, firstConfidence, f.ConsensusConfidence)
	assert.Equal(t, firstAnalyzedAt, f.AnalyzedAt)
}

func TestRunGateWithForceReanalyzes(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	id, err := db.InsertFinding(ctx, store.Finding{
		AgentName: "agent-a",
		Timestamp: time.Now().UTC(),
		Symbol:    "AAPL",
		Title:     "critical spike",
		Severity:  agent.SeverityCritical,
	})
	require.NoError(t, err)

	eval := gate.NewEvaluator(nil, priceseries.NewMemorySource(), 0, nil, nil)
	s := newTestScheduler(Deps{Store: db, GateEval: eval})

	s.runGate(ctx, id, "agent-a", false)
	f, err := db.GetFinding(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, f.AnalyzedAt)

	s.runGate(ctx, id, "agent-a", true)
	f, err = db.GetFinding(ctx, id)
	require.NoError(t, err)
	require.True(t, f.AutoAnalyzed)
	require.NotNil(t, f.AnalyzedAt)
}

func TestRunNowSkipsKilledAgentWithoutInvokingAnalyze(t *testing.T) {
	invoked := false
	a := &fakeAgent{name: "a", invoked: &invoked}
	s := newTestScheduler(Deps{
		KillSwitch: fakeKillSwitch{killed: map[string]bool{"a": true}},
	})
	reg := agent.Registration{Agent: a, BaseIntervalMin: 5}
	s.Register(reg)

	s.RunNow(context.Background(), "a")
	assert.False(t, invoked)
}
