// Package scheduler implements the Agent Scheduler (spec.md §4.G): it
// owns agent lifecycles, triggers runs at interval boundaries subject to
// the run-gating order, and performs the post-commit side effects
// (triple-confirmation gate, deal hooks, decay/regime updates). Grounded
// on the teacher's internal/risk package for the telemetry-recorder
// shape (agent/latency_ms/error/reward) and on
// benedict-anokye-davies-atlas-ai's worker pool for bounded concurrency
// (adapted in pool.go).
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rsmolarz/marketctl/internal/agent"
	"github.com/rsmolarz/marketctl/internal/decay"
	"github.com/rsmolarz/marketctl/internal/drawdown"
	"github.com/rsmolarz/marketctl/internal/eventlog"
	"github.com/rsmolarz/marketctl/internal/gate"
	"github.com/rsmolarz/marketctl/internal/observ"
	"github.com/rsmolarz/marketctl/internal/store"
)

// State is one agent's lifecycle state (spec.md §4.G "State machine per agent").
type State string

const (
	StateRegistered State = "REGISTERED"
	StateScheduled  State = "SCHEDULED"
	StateRunning    State = "RUNNING"
	StateIdle       State = "IDLE"
	StateStopped    State = "STOPPED"
)

// SkipReason explains why a trigger did not run the agent.
type SkipReason string

const (
	SkipKilled        SkipReason = "killed"
	SkipDisabled      SkipReason = "disabled"
	SkipMutedByRegime SkipReason = "muted by regime"
	SkipDrawdownHalt  SkipReason = "drawdown halt"
)

// DealHook is invoked once per finding for agents declared deal-producing
// (spec.md §4.G step 9c: "one deal per finding, idempotent on
// (finding_id)"). The core treats its effect as opaque domain glue.
type DealHook interface {
	OnFinding(ctx context.Context, agentName string, findingID int64, f agent.FindingDraft) error
}

// KillSwitch reports whether an agent has been forced off, independent
// of its static Registration.Enabled (spec.md §4.G step 3).
type KillSwitch interface {
	IsKilled(agentName string) bool
}

// Ranking reports an agent's dynamically-toggleable enabled flag
// (spec.md §4.G step 4), distinct from the kill switch.
type Ranking interface {
	Enabled(agentName string) bool
}

// RegimeWeights exposes the current per-agent regime weight snapshot
// (spec.md §4.G step 5, written by §4.E's rotation).
type RegimeWeights interface {
	Weight(agentName string) float64
}

type agentEntry struct {
	reg      agent.Registration
	state    State
	interval time.Duration
	forced   bool
	cancel   context.CancelFunc
	busy     bool // per-agent serialization: a missed tick is dropped, not queued
}

// Scheduler drives every registered agent's interval triggers onto a
// bounded worker pool while honoring the run-gating order.
type Scheduler struct {
	mu      sync.Mutex
	agents  map[string]*agentEntry
	pool    *pool
	log     *zap.Logger

	db       *store.Store
	events   *eventlog.Log
	gateEval *gate.Evaluator
	dealHook DealHook
	decay    *decay.AgentDecayModel

	killSwitch KillSwitch
	ranking    Ranking
	weights    RegimeWeights
	risk       *drawdown.Governor

	activeRegime func() string

	epsilon float64
}

// Deps bundles the Scheduler's external collaborators.
type Deps struct {
	Store        *store.Store
	Events       *eventlog.Log
	GateEval     *gate.Evaluator
	DealHook     DealHook
	DecayModel   *decay.AgentDecayModel
	KillSwitch   KillSwitch
	Ranking      Ranking
	Weights      RegimeWeights
	Risk         *drawdown.Governor
	ActiveRegime func() string
	NumWorkers   int
	QueueSize    int
}

const defaultEpsilon = 0.01

func New(logger *zap.Logger, deps Deps) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		agents:       make(map[string]*agentEntry),
		pool:         newPool(logger, deps.NumWorkers, deps.QueueSize),
		log:          logger,
		db:           deps.Store,
		events:       deps.Events,
		gateEval:     deps.GateEval,
		dealHook:     deps.DealHook,
		decay:        deps.DecayModel,
		killSwitch:   deps.KillSwitch,
		ranking:      deps.Ranking,
		weights:      deps.Weights,
		risk:         deps.Risk,
		activeRegime: deps.ActiveRegime,
		epsilon:      defaultEpsilon,
	}
	numWorkers := deps.NumWorkers
	if numWorkers <= 0 {
		numWorkers = 8
	}
	s.pool.start(numWorkers)
	return s
}

// Register adds an agent in REGISTERED state without scheduling it.
func (s *Scheduler) Register(reg agent.Registration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[reg.Agent.Name()] = &agentEntry{
		reg:      reg,
		state:    StateRegistered,
		interval: time.Duration(reg.BaseIntervalMin) * time.Minute,
	}
}

// Start registers an interval trigger for agentName (spec.md §4.G
// "start(agent, force?)"). force=true bypasses the kill-switch/ranking/
// regime-weight/drawdown gates (steps 3-6) on every subsequent trigger
// until the next Start call without force.
func (s *Scheduler) Start(agentName string, force bool) error {
	s.mu.Lock()
	e, ok := s.agents[agentName]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: unknown agent %q", agentName)
	}
	if e.cancel != nil {
		e.cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.forced = force
	e.state = StateScheduled
	interval := e.interval
	s.mu.Unlock()

	go s.triggerLoop(ctx, agentName, interval)
	return nil
}

// Stop cancels agentName's trigger; a currently running invocation is
// allowed to finish (spec.md §4.G "stop(agent)").
func (s *Scheduler) Stop(agentName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.agents[agentName]
	if !ok {
		return
	}
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
	e.state = StateStopped
}

// UpdateInterval re-schedules agentName; the prior trigger is replaced
// (spec.md §4.G "update_interval(agent, m)").
func (s *Scheduler) UpdateInterval(agentName string, interval time.Duration) error {
	s.mu.Lock()
	e, ok := s.agents[agentName]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: unknown agent %q", agentName)
	}
	e.interval = interval
	wasScheduled := e.state == StateScheduled || e.state == StateRunning || e.state == StateIdle
	forced := e.forced
	s.mu.Unlock()

	if wasScheduled {
		return s.Start(agentName, forced)
	}
	return nil
}

// RunNow triggers an out-of-band one-shot run, subject to the same
// gating as an interval trigger (spec.md §4.G "run_now(agent)").
func (s *Scheduler) RunNow(ctx context.Context, agentName string) {
	s.fire(ctx, agentName)
}

func (s *Scheduler) triggerLoop(ctx context.Context, agentName string, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fire(ctx, agentName)
		}
	}
}

// fire evaluates the run-gating order and, if it passes, submits the run
// to the worker pool. A busy agent (run already in flight) drops this
// tick instead of queuing it (spec.md §4.G "Concurrency model").
func (s *Scheduler) fire(ctx context.Context, agentName string) {
	s.mu.Lock()
	e, ok := s.agents[agentName]
	if !ok {
		s.mu.Unlock()
		return
	}
	if e.busy {
		s.mu.Unlock()
		observ.IncCounter("scheduler_missed_ticks_total", map[string]string{"agent": agentName})
		return
	}
	if reason, skip := s.gate(e); skip {
		s.mu.Unlock()
		observ.IncCounter("scheduler_skipped_total", map[string]string{"agent": agentName, "reason": string(reason)})
		return
	}
	e.busy = true
	e.state = StateRunning
	reg := e.reg
	s.mu.Unlock()

	submitted := s.pool.submit(context.WithoutCancel(ctx), func(taskCtx context.Context) {
		s.runOnce(taskCtx, reg)
		s.mu.Lock()
		e.busy = false
		e.state = StateIdle
		s.mu.Unlock()
	})
	if !submitted {
		s.mu.Lock()
		e.busy = false
		e.state = StateIdle
		s.mu.Unlock()
		observ.IncCounter("scheduler_queue_full_total", map[string]string{"agent": agentName})
	}
}

// gate implements spec.md §4.G's run-gating order.
func (s *Scheduler) gate(e *agentEntry) (SkipReason, bool) {
	if e.reg.System {
		return "", false
	}
	if e.forced {
		return "", false
	}
	name := e.reg.Agent.Name()
	if s.killSwitch != nil && s.killSwitch.IsKilled(name) {
		return SkipKilled, true
	}
	if s.ranking != nil && !s.ranking.Enabled(name) {
		return SkipDisabled, true
	}
	if s.weights != nil && s.weights.Weight(name) < s.epsilon {
		return SkipMutedByRegime, true
	}
	if s.risk != nil && s.risk.Last().Halt {
		return SkipDrawdownHalt, true
	}
	return "", false
}

// runOnce is the run protocol (spec.md §4.G "Run protocol"): wrap the
// agent call with a telemetry recorder, persist the run's findings, then
// perform the best-effort, isolated post-commit side effects. Each finding
// is inserted in its own transaction, not in one transaction per run: a
// finding whose insert fails is logged and skipped while the others stay
// committed.
func (s *Scheduler) runOnce(ctx context.Context, reg agent.Registration) {
	name := reg.Agent.Name()
	runID := uuid.NewString()
	start := time.Now()

	drafts, runErr := s.invokeAgent(ctx, reg.Agent)
	latency := time.Since(start)

	var errMsg *string
	if runErr != nil {
		msg := runErr.Error()
		errMsg = &msg
	}
	reward := float64(len(drafts))

	if s.events != nil {
		latencyMs := latency.Milliseconds()
		_ = s.events.Append(eventlog.Event{
			Agent:     name,
			Reward:    &reward,
			LatencyMs: &latencyMs,
			Errors:    errMsg,
			RunID:     runID,
		})
	}
	observ.RecordDuration("agent_run_latency", latency, map[string]string{"agent": name})
	if runErr != nil {
		observ.IncCounter("agent_run_errors_total", map[string]string{"agent": name})
		observ.Log("agent_run_failed", map[string]any{"agent": name, "run_id": runID, "err": runErr.Error()})
		return
	}

	ids := s.persistFindings(ctx, name, drafts)

	uncertaintyScore := 0.0 // best-effort: the uncertainty loop publishes this separately
	if s.decay != nil {
		s.decay.Update(name, reward, uncertaintyScore)
	}

	s.postCommit(ctx, reg, drafts, ids)
}

// invokeAgent recovers from agent panics, converting them into an error
// result rather than killing the scheduler (spec.md §6 "Analyze must not
// block indefinitely; the scheduler ... recovers from panics").
func (s *Scheduler) invokeAgent(ctx context.Context, a agent.Agent) (drafts []agent.FindingDraft, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent %s panicked: %v", a.Name(), r)
		}
	}()
	return a.Analyze(ctx)
}

func (s *Scheduler) persistFindings(ctx context.Context, agentName string, drafts []agent.FindingDraft) []int64 {
	if s.db == nil {
		return nil
	}
	ids := make([]int64, 0, len(drafts))
	now := time.Now().UTC()
	for _, d := range drafts {
		id, err := s.db.InsertFinding(ctx, store.Finding{
			AgentName:   agentName,
			Timestamp:   now,
			Symbol:      d.Symbol,
			MarketType:  d.MarketType,
			Title:       d.Title,
			Description: d.Description,
			Severity:    d.Severity,
			Confidence:  d.Confidence,
			Metadata:    d.Metadata,
		})
		if err != nil {
			observ.Log("finding_persist_failed", map[string]any{"agent": agentName, "err": err.Error()})
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// postCommit runs spec.md §4.G's best-effort, isolated post-commit side
// effects; a panic or error in any one step never fails the run.
func (s *Scheduler) postCommit(ctx context.Context, reg agent.Registration, drafts []agent.FindingDraft, ids []int64) {
	name := reg.Agent.Name()
	for i, d := range drafts {
		if i >= len(ids) {
			break
		}
		id := ids[i]

		if d.Severity == agent.SeverityCritical {
			s.safely("gate", name, func() {
				s.runGate(ctx, id, name, false)
			})
		}
		if reg.DealProducing && s.dealHook != nil {
			s.safely("deal_hook", name, func() {
				if err := s.dealHook.OnFinding(ctx, name, id, d); err != nil {
					observ.Log("deal_hook_failed", map[string]any{"agent": name, "finding_id": id, "err": err.Error()})
				}
			})
		}
	}
}

// runGate evaluates and persists the Triple-Confirmation Gate's decision
// for one finding. Without force, a finding already analyzed is a no-op
// (spec.md §4.H): the council never re-runs and nothing is re-persisted.
func (s *Scheduler) runGate(ctx context.Context, findingID int64, agentName string, force bool) {
	if s.gateEval == nil || s.db == nil {
		return
	}
	f, err := s.db.GetFinding(ctx, findingID)
	if err != nil {
		observ.Log("gate_load_finding_failed", map[string]any{"finding_id": findingID, "err": err.Error()})
		return
	}
	if f.AutoAnalyzed && !force {
		return
	}
	regime := ""
	if s.activeRegime != nil {
		regime = s.activeRegime()
	}
	decision := s.gateEval.Evaluate(ctx, f, force)
	if err := s.gateEval.Persist(ctx, s.db, f, decision, regime, force); err != nil {
		observ.Log("gate_persist_failed", map[string]any{"finding_id": findingID, "agent": agentName, "err": err.Error()})
	}
}

// safely isolates one post-commit step: a panic here is logged and
// swallowed, never escaping to fail the run (spec.md §4.G "each best-
// effort and isolated by try/recover").
func (s *Scheduler) safely(step, agentName string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			observ.Log("post_commit_step_panicked", map[string]any{"step": step, "agent": agentName, "panic": fmt.Sprint(r)})
		}
	}()
	fn()
}

// Shutdown cancels every agent's trigger and drains the worker pool,
// waiting up to grace before forcibly dropping pending work (spec.md
// §4.G "shutdown cancels all triggers ... then forcibly drops pending
// work").
func (s *Scheduler) Shutdown(grace time.Duration) {
	s.mu.Lock()
	for _, e := range s.agents {
		if e.cancel != nil {
			e.cancel()
		}
		e.state = StateStopped
	}
	s.mu.Unlock()
	s.pool.stop(grace)
}
