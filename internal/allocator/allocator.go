// Package allocator implements the UCB Allocator (spec.md §4.F): given a
// fixed run budget and the set of active agents, it scores each agent by
// a decay-weighted upper-confidence-bound estimate and assigns per-agent
// run quotas for the interval. Grounded on
// original_source/meta/allocator.py's UCBAllocator (score/_decay_factor/
// _agent_model_decay/allocate) and meta/redundancy.py's correlation-based
// penalty, translated from a ring-buffer-via-deque to a fixed-capacity Go
// slice.
package allocator

import (
	"math"
	"sort"
	"sync"

	"github.com/rsmolarz/marketctl/internal/agent"
	"github.com/rsmolarz/marketctl/internal/decay"
	"github.com/rsmolarz/marketctl/internal/eventlog"
)

const (
	defaultWindow      = 500
	defaultExploration = 1.5
	defaultHalfLife    = 200.0
	defaultMinDecay    = 0.15
	epsilon            = 0.01
)

type agentState struct {
	rewards      []float64 // ring buffer, oldest first, capped at window
	count        int
	lastPositive int // count value at last reward > 0; 0 means "never"
}

func (s *agentState) push(window int, reward float64) {
	s.rewards = append(s.rewards, reward)
	if len(s.rewards) > window {
		s.rewards = s.rewards[len(s.rewards)-window:]
	}
	s.count++
	if reward > 0 {
		s.lastPositive = s.count
	}
}

// Allocator holds the per-agent reward history and tunables (spec.md §4.F
// "State").
type Allocator struct {
	mu          sync.Mutex
	window      int
	exploration float64
	halfLife    float64
	minDecay    float64

	globalDecayMultiplier float64
	states                map[string]*agentState
}

func New(window int, exploration, halfLife, minDecay float64) *Allocator {
	if window <= 0 {
		window = defaultWindow
	}
	if exploration <= 0 {
		exploration = defaultExploration
	}
	if halfLife <= 0 {
		halfLife = defaultHalfLife
	}
	if minDecay <= 0 {
		minDecay = defaultMinDecay
	}
	return &Allocator{
		window:                window,
		exploration:           exploration,
		halfLife:              halfLife,
		minDecay:              minDecay,
		globalDecayMultiplier: 1.0,
		states:                make(map[string]*agentState),
	}
}

// IngestEvents replays reward-bearing telemetry events into the ring
// buffers (mirrors allocator.py's ingest_events, reading the same
// event log instead of re-scanning JSONL by hand).
func (a *Allocator) IngestEvents(events []eventlog.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range events {
		if e.Agent == "" || e.Reward == nil {
			continue
		}
		st, ok := a.states[e.Agent]
		if !ok {
			st = &agentState{}
			a.states[e.Agent] = st
		}
		st.push(a.window, *e.Reward)
	}
}

func (a *Allocator) state(name string) *agentState {
	st, ok := a.states[name]
	if !ok {
		st = &agentState{}
		a.states[name] = st
	}
	return st
}

// internalDecayFactor is allocator.py's _decay_factor: exponential decay
// since the agent's last positive reward, bounded at minDecay.
func (a *Allocator) internalDecayFactor(name string) float64 {
	st := a.state(name)
	if st.lastPositive == 0 {
		return a.minDecay
	}
	age := st.count - st.lastPositive
	if age < 0 {
		age = 0
	}
	d := math.Exp(-math.Ln2 * float64(age) / a.halfLife)
	return math.Max(d, a.minDecay)
}

// modelDecayFor is allocator.py's _agent_model_decay: the normalized
// recent-history decay contributed by the AgentDecayModel EMA, via its
// Series() cross-agent normalization.
func modelDecayFor(name string, model *decay.AgentDecayModel, minDecay float64) float64 {
	if model == nil {
		return 1.0
	}
	series := model.Series()
	if len(series) == 0 {
		return 1.0
	}
	v, ok := series[name]
	if !ok {
		return 1.0
	}
	return math.Min(1.0, math.Max(minDecay, v))
}

// ScoreInputs bundles the cross-cutting state the score function needs
// beyond an agent's own reward history (spec.md §4.F score formula).
type ScoreInputs struct {
	TotalPulls         int
	Uncertainty        float64 // per-agent uncertainty, e.g. from council disagreement
	Regime             string
	DecayModel         *decay.AgentDecayModel
	RegimeHalfLives    decay.RegimeHalfLives
}

// Score computes spec.md §4.F's score_i for one agent.
func (a *Allocator) Score(name string, in ScoreInputs) float64 {
	a.mu.Lock()
	st := a.state(name)
	rewards := append([]float64(nil), st.rewards...)
	n := st.count
	internalDecay := a.internalDecayFactor(name)
	globalMult := a.globalDecayMultiplier
	a.mu.Unlock()

	if n < 1 {
		n = 1
	}
	var mean float64
	if len(rewards) > 0 {
		var sum float64
		for _, r := range rewards {
			sum += r
		}
		mean = sum / float64(len(rewards))
	}

	totalPulls := in.TotalPulls
	if totalPulls < 2 {
		totalPulls = 2
	}
	bonus := a.exploration * math.Sqrt(math.Log(float64(totalPulls))/float64(n))

	modelDecay := modelDecayFor(name, in.DecayModel, a.minDecay)
	regimeDecay := decay.RegimeDecayMultiplier(float64(len(rewards)), in.Regime, in.RegimeHalfLives)
	uncertaintyDecay := math.Max(0.2, 1.0-in.Uncertainty)

	d := internalDecay * modelDecay * regimeDecay * globalMult * uncertaintyDecay
	return d * (mean + bonus)
}

// RewardVariance returns the population variance of name's reward ring
// buffer, used by the orchestrator's quarantine check to flag
// high-variance agents against the drawdown governor.
func (a *Allocator) RewardVariance(name string) float64 {
	a.mu.Lock()
	rewards := append([]float64(nil), a.state(name).rewards...)
	a.mu.Unlock()

	if len(rewards) < 2 {
		return 0
	}
	var sum float64
	for _, r := range rewards {
		sum += r
	}
	mean := sum / float64(len(rewards))
	var variance float64
	for _, r := range rewards {
		d := r - mean
		variance += d * d
	}
	return variance / float64(len(rewards))
}

// SetGlobalDecayMultiplier is the scheduler-supplied global decay passed
// down from the uncertainty loop (allocator.py's uncertainty_decay arg).
func (a *Allocator) SetGlobalDecayMultiplier(m float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.globalDecayMultiplier = m
}

// Options bundles everything Allocate needs beyond the agent list
// (spec.md §4.F allocate + post-processing gates).
type Options struct {
	MinRuns            map[string]int
	MaxRuns            map[string]int
	TotalBudgetRuns     int
	AgentUncertainty    map[string]float64
	Regime              string
	DecayModel          *decay.AgentDecayModel
	RegimeHalfLives     decay.RegimeHalfLives
	RecentAgentFirings  []string // most-recent-last agent_name per finding, for redundancy detection
	FailRateByAgent     map[string]float64 // CouncilVotingStat.IgnoreRate() per agent in the active regime
	UncertaintyScalar   float64 // uncertainty loop's DecayMultiplier, scales effective budget
	RiskMultiplier      float64 // drawdown governor's RiskMultiplier, scales effective capital
	Clusters            map[string]agent.Cluster
}

// Result is one allocation cycle's output.
type Result struct {
	Quotas map[string]int
	Scores map[string]float64
}

// Allocate runs the full pipeline: score every agent, apply the
// redundancy penalty, assign quotas by descending score with a
// deterministic tie-break, then apply the post-processing gates (fail-
// first penalty, drawdown/uncertainty budget scaling, cluster
// substitution) (spec.md §4.F).
func (a *Allocator) Allocate(agents []string, opts Options) Result {
	a.mu.Lock()
	totalCount := 0
	for _, ag := range agents {
		totalCount += a.state(ag).count
	}
	a.mu.Unlock()
	totalPulls := totalCount + 1

	redundant := findRedundantAgents(opts.RecentAgentFirings)

	scores := make(map[string]float64, len(agents))
	for _, ag := range agents {
		s := a.Score(ag, ScoreInputs{
			TotalPulls:      totalPulls,
			Uncertainty:     opts.AgentUncertainty[ag],
			Regime:          opts.Regime,
			DecayModel:      opts.DecayModel,
			RegimeHalfLives: opts.RegimeHalfLives,
		})
		if redundant[ag] {
			s *= redundancyPenalty
		}
		s = applyFailFirstPenalty(s, opts.AgentUncertainty[ag], opts.FailRateByAgent[ag])
		scores[ag] = s
	}

	effectiveBudget := effectiveBudgetFor(opts.TotalBudgetRuns, opts.UncertaintyScalar, opts.RiskMultiplier)

	quotas := assignQuotas(agents, scores, opts.MinRuns, opts.MaxRuns, effectiveBudget, func(ag string) int {
		return a.state(ag).count
	})

	substituteClusters(quotas, scores, opts.Clusters)

	return Result{Quotas: quotas, Scores: scores}
}

// applyFailFirstPenalty is spec.md §4.F's post-processing gate:
// "when uncertainty >= 0.5, multiply by max(0.5, 1 - fail_rate*0.5*(uncertainty-0.5)/0.5)
// where fail_rate = ignore_rate ... if fail_rate > 0.2".
func applyFailFirstPenalty(score, uncertainty, failRate float64) float64 {
	if uncertainty < 0.5 || failRate <= 0.2 {
		return score
	}
	mult := math.Max(0.5, 1.0-failRate*0.5*(uncertainty-0.5)/0.5)
	return score * mult
}

// effectiveBudgetFor is spec.md §4.F: "B_eff = max(10, round(B ·
// decay_multiplier))", with the drawdown risk multiplier further scaling
// the effective capital that budget represents.
func effectiveBudgetFor(budget int, uncertaintyDecayMultiplier, riskMultiplier float64) int {
	if uncertaintyDecayMultiplier <= 0 {
		uncertaintyDecayMultiplier = 1.0
	}
	if riskMultiplier <= 0 {
		riskMultiplier = 1.0
	}
	eff := math.Round(float64(budget) * uncertaintyDecayMultiplier * riskMultiplier)
	if eff < 10 {
		eff = 10
	}
	return int(eff)
}

// assignQuotas is allocator.py's allocate(): start from min_runs, then
// round-robin the remaining budget across agents ranked by descending
// score (ties broken by ascending current count, so a higher count loses
// ties), respecting max_runs.
func assignQuotas(agents []string, scores map[string]float64, minRuns, maxRuns map[string]int, budget int, countOf func(string) int) map[string]int {
	quotas := make(map[string]int, len(agents))
	sum := 0
	for _, ag := range agents {
		q := minRuns[ag]
		quotas[ag] = q
		sum += q
	}
	remaining := budget - sum
	if remaining < 0 {
		remaining = 0
	}

	ranked := append([]string(nil), agents...)
	sort.SliceStable(ranked, func(i, j int) bool {
		if scores[ranked[i]] != scores[ranked[j]] {
			return scores[ranked[i]] > scores[ranked[j]]
		}
		return countOf(ranked[i]) < countOf(ranked[j])
	})

	if len(ranked) == 0 {
		return quotas
	}

	maxOf := func(ag string) int {
		if m, ok := maxRuns[ag]; ok {
			return m
		}
		return budget
	}

	i := 0
	for remaining > 0 {
		ag := ranked[i%len(ranked)]
		if quotas[ag] < maxOf(ag) {
			quotas[ag]++
			remaining--
		}
		i++
		if i > len(ranked)*(budget+1) {
			break // all agents at max_runs; avoid spinning forever
		}
	}
	return quotas
}

// substituteClusters is spec.md §4.F's substitution rule: an agent whose
// effective weight (score) falls below epsilon has its quota redirected,
// within its declared cluster only, to the cluster's current best
// performer.
func substituteClusters(quotas map[string]int, scores map[string]float64, clusters map[string]agent.Cluster) {
	if len(clusters) == 0 {
		return
	}
	byCluster := map[agent.Cluster][]string{}
	for ag, c := range clusters {
		byCluster[c] = append(byCluster[c], ag)
	}

	for _, members := range byCluster {
		best := ""
		bestScore := math.Inf(-1)
		for _, ag := range members {
			if scores[ag] > bestScore {
				best, bestScore = ag, scores[ag]
			}
		}
		if best == "" {
			continue
		}
		for _, ag := range members {
			if ag == best {
				continue
			}
			if scores[ag] < epsilon && quotas[ag] > 0 {
				quotas[best] += quotas[ag]
				quotas[ag] = 0
			}
		}
	}
}
