// Package decay implements the two orthogonal decay functions combined
// multiplicatively by the UCB allocator (spec.md §4.C). Grounded on
// original_source/meta/decay.py (AgentDecayModel, REGIME_HALF_LIFE table,
// decay_multiplier(age_steps, regime)) and allocator.py's composition of
// both (_decay_factor, _agent_model_decay).
package decay

import (
	"math"
	"sync"
)

const (
	// MinFloor bounds every decay multiplier below (spec.md §4.C).
	MinFloor = 0.15

	defaultHalfLife = 200.0
	emaAlpha        = 0.1
	restoreRate     = 0.10
	baseDecayRate   = 0.05
)

// RegimeHalfLives is spec.md §4.C's half-life table, overridable via
// config.RegimeHalfLife.
type RegimeHalfLives struct {
	RiskOn     float64
	RiskOff    float64
	Transition float64
	Shock      float64
	Unknown    float64
}

// DefaultRegimeHalfLives matches spec.md §4.C exactly.
func DefaultRegimeHalfLives() RegimeHalfLives {
	return RegimeHalfLives{RiskOn: 120, RiskOff: 40, Transition: 20, Shock: 10, Unknown: 60}
}

func (r RegimeHalfLives) lookup(regime string) float64 {
	switch regime {
	case "risk_on":
		return r.RiskOn
	case "risk_off":
		return r.RiskOff
	case "transition":
		return r.Transition
	case "shock":
		return r.Shock
	default:
		return r.Unknown
	}
}

// RegimeDecayMultiplier is spec.md §4.C function 1:
// decay = exp(-age/half_life(regime)), bounded at MinFloor.
func RegimeDecayMultiplier(ageSteps float64, regime string, table RegimeHalfLives) float64 {
	hl := table.lookup(regime)
	if hl <= 0 {
		hl = defaultHalfLife
	}
	v := math.Exp(-ageSteps / hl)
	if v < MinFloor {
		return MinFloor
	}
	return v
}

// agentState tracks one agent's reward-recency decay (spec.md §4.C
// function 2).
type agentState struct {
	decay    float64
	rewardEMA float64
}

// AgentDecayModel maintains each agent's reward-recency decay multiplier:
// an internal EMA of rewards plus an uncertainty-scaled acceleration.
// Higher uncertainty accelerates decay; positive rewards restore it
// toward 1.0. Bounded in [MinFloor, 1.0].
type AgentDecayModel struct {
	mu     sync.RWMutex
	agents map[string]*agentState
}

// NewAgentDecayModel constructs an empty model; agents are seeded lazily
// on first Update, starting at full decay (1.0).
func NewAgentDecayModel() *AgentDecayModel {
	return &AgentDecayModel{agents: map[string]*agentState{}}
}

// Update folds one reward observation (and the current system-wide
// uncertainty score) into agent's decay state.
func (m *AgentDecayModel) Update(agentName string, reward float64, uncertainty float64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.agents[agentName]
	if !ok {
		st = &agentState{decay: 1.0}
		m.agents[agentName] = st
	}
	st.rewardEMA = emaAlpha*reward + (1-emaAlpha)*st.rewardEMA

	if reward > 0 {
		st.decay = math.Min(1.0, st.decay+restoreRate*(1-uncertainty))
	} else {
		accel := 1.0 + 2.0*uncertainty
		st.decay = math.Max(MinFloor, st.decay-baseDecayRate*accel)
	}
}

// Get returns agent's current reward-recency decay, defaulting to 1.0
// (no history yet) for unseen agents.
func (m *AgentDecayModel) Get(agentName string) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.agents[agentName]
	if !ok {
		return 1.0
	}
	return st.decay
}

// Series returns a normalized snapshot of every tracked agent's decay,
// scaled so the maximum tracked value is 1.0 — mirroring allocator.py's
// _agent_model_decay() normalization of AgentDecayModel.series().
func (m *AgentDecayModel) Series() map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]float64, len(m.agents))
	max := 0.0
	for name, st := range m.agents {
		out[name] = st.decay
		if st.decay > max {
			max = st.decay
		}
	}
	if max <= 0 {
		return out
	}
	for name, v := range out {
		out[name] = math.Max(MinFloor, v/max)
	}
	return out
}
