// Package controlplane is the composition root (spec.md §4.I): it wires
// the regime classifier, UCB allocator, uncertainty loop, drawdown
// governor, and agent scheduler together under a single-writer-per-slot
// discipline, and owns the periodic job schedule that binds them
// (rebalance -> allocator, regime rotation -> shared weights -> scheduler
// gating).
package controlplane

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rsmolarz/marketctl/internal/agent"
	"github.com/rsmolarz/marketctl/internal/allocator"
	"github.com/rsmolarz/marketctl/internal/config"
	"github.com/rsmolarz/marketctl/internal/decay"
	"github.com/rsmolarz/marketctl/internal/drawdown"
	"github.com/rsmolarz/marketctl/internal/email"
	"github.com/rsmolarz/marketctl/internal/eventlog"
	"github.com/rsmolarz/marketctl/internal/gate"
	"github.com/rsmolarz/marketctl/internal/llm"
	"github.com/rsmolarz/marketctl/internal/priceseries"
	"github.com/rsmolarz/marketctl/internal/regime"
	"github.com/rsmolarz/marketctl/internal/scheduler"
	"github.com/rsmolarz/marketctl/internal/store"
	"github.com/rsmolarz/marketctl/internal/uncertainty"
)

// ControlPlane owns every long-lived component and the shared snapshots
// the scheduler and allocator read (spec.md §5 "UncertaintyEvent and
// RegimeState writes are monotone: readers see either old or new, never
// mixed").
type ControlPlane struct {
	cfg    config.Root
	logger *zap.Logger

	db          *store.Store
	events      *eventlog.Log
	priceSource priceseries.Source

	classifier      *regime.Classifier
	alloc           *allocator.Allocator
	uncertaintyLoop *uncertainty.Loop
	failureTracker  *uncertainty.FailureTracker
	riskGov         *drawdown.Governor
	decayModel      *decay.AgentDecayModel
	gateEval        *gate.Evaluator
	mailer          email.Sender
	jobs            *scheduler.JobRunner
	sched           *scheduler.Scheduler

	regs []agent.Registration

	// single-writer snapshots: each slot has exactly one writer goroutine
	// (the corresponding background job) and many readers via the
	// snapshot() accessors below.
	regimeMu    sync.RWMutex
	regimeState regime.State

	weightsMu sync.RWMutex
	weights   map[string]float64

	uncertaintyMu sync.RWMutex
	uncertaintyState uncertainty.State

	rankingMu sync.RWMutex
	disabled  map[string]bool

	killedMu sync.RWMutex
	killed   map[string]bool

	skillsMu sync.RWMutex
	skills   map[string]regime.AgentSkill // per agent, for the active regime only

	clusters map[string]agent.Cluster

	broadcaster Broadcaster
}

// Broadcaster pushes a named event to connected admin-surface websocket
// clients; satisfied by *admin.Server. Kept as a local interface so this
// package never imports admin.
type Broadcaster interface {
	Broadcast(event string, payload any)
}

// Deps bundles everything the caller must supply to build a ControlPlane;
// agent-specific wiring (registrations, skills, clusters, price source)
// is domain glue the core treats opaquely.
type Deps struct {
	Config       config.Root
	Logger       *zap.Logger
	Store        *store.Store
	Events       *eventlog.Log
	PriceSource  priceseries.Source
	Registrations []agent.Registration
	Clusters     map[string]agent.Cluster
	DealHook     scheduler.DealHook
}

func New(deps Deps) *ControlPlane {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	providers := buildProviders(deps.Config.Providers)
	mailer := email.NewSMTPSender(deps.Config.Email)

	cp := &ControlPlane{
		cfg:             deps.Config,
		logger:          logger,
		db:              deps.Store,
		events:          deps.Events,
		priceSource:     deps.PriceSource,
		classifier:      regime.NewClassifier(0, 0, 0),
		alloc:           allocator.New(deps.Config.Allocator.Window, deps.Config.Allocator.Exploration, float64(deps.Config.Allocator.HalfLife), deps.Config.Allocator.MinDecay),
		uncertaintyLoop: uncertainty.New(providers, deps.Config.Council.Timeout()),
		failureTracker:  uncertainty.NewFailureTracker(),
		riskGov:         drawdown.New(deps.Config.Drawdown.Limit, 5000),
		decayModel:      decay.NewAgentDecayModel(),
		mailer:          mailer,
		weights:         map[string]float64{},
		disabled:        map[string]bool{},
		killed:          map[string]bool{},
		skills:          map[string]regime.AgentSkill{},
		clusters:        deps.Clusters,
		regs:            deps.Registrations,
	}
	cp.gateEval = gate.NewEvaluator(providers, deps.PriceSource, deps.Config.Council.Timeout(), mailer, deps.Config.Email.To)

	cp.sched = scheduler.New(logger, scheduler.Deps{
		Store:        deps.Store,
		Events:       deps.Events,
		GateEval:     cp.gateEval,
		DealHook:     deps.DealHook,
		DecayModel:   cp.decayModel,
		KillSwitch:   killSwitchAdapter{cp},
		Ranking:      rankingAdapter{cp},
		Weights:      weightsAdapter{cp},
		Risk:         cp.riskGov,
		ActiveRegime: cp.ActiveRegime,
	})

	cp.jobs = scheduler.NewJobRunner(logger, cp.cadenceMultiplier)
	cp.registerJobs()
	return cp
}

func buildProviders(cfg config.ProvidersConfig) []llm.Provider {
	var providers []llm.Provider
	if cfg.OpenAI.Enabled {
		providers = append(providers, llm.NewOpenAIProvider(cfg.OpenAI.APIKeyEnv, cfg.OpenAI.Model, cfg.OpenAI.BaseURL, 60))
	}
	if cfg.Anthropic.Enabled {
		providers = append(providers, llm.NewAnthropicProvider(cfg.Anthropic.APIKeyEnv, cfg.Anthropic.Model, cfg.Anthropic.BaseURL, 60))
	}
	if cfg.Gemini.Enabled {
		providers = append(providers, llm.NewGeminiProvider(cfg.Gemini.APIKeyEnv, cfg.Gemini.Model, cfg.Gemini.BaseURL, 60))
	}
	return providers
}

// killSwitchAdapter/rankingAdapter/weightsAdapter satisfy the scheduler's
// collaborator interfaces by reading the ControlPlane's guarded maps,
// keeping the scheduler package decoupled from controlplane's types.
type killSwitchAdapter struct{ cp *ControlPlane }

func (a killSwitchAdapter) IsKilled(name string) bool {
	a.cp.killedMu.RLock()
	defer a.cp.killedMu.RUnlock()
	return a.cp.killed[name]
}

type rankingAdapter struct{ cp *ControlPlane }

func (a rankingAdapter) Enabled(name string) bool {
	a.cp.rankingMu.RLock()
	defer a.cp.rankingMu.RUnlock()
	return !a.cp.disabled[name]
}

type weightsAdapter struct{ cp *ControlPlane }

func (a weightsAdapter) Weight(name string) float64 {
	a.cp.weightsMu.RLock()
	defer a.cp.weightsMu.RUnlock()
	if w, ok := a.cp.weights[name]; ok {
		return w
	}
	return 1.0 // agents with no regime-weight entry yet are not muted
}

// ActiveRegime returns the current regime label for readers outside the
// control plane (the gate's ta_regime write-back, the admin surface).
func (cp *ControlPlane) ActiveRegime() string {
	cp.regimeMu.RLock()
	defer cp.regimeMu.RUnlock()
	if cp.regimeState.Active == "" {
		return string(regime.Unknown)
	}
	return string(cp.regimeState.Active)
}

// RegimeSnapshot returns the last published regime.State.
func (cp *ControlPlane) RegimeSnapshot() regime.State {
	cp.regimeMu.RLock()
	defer cp.regimeMu.RUnlock()
	return cp.regimeState
}

// UncertaintySnapshot returns the last published uncertainty.State.
func (cp *ControlPlane) UncertaintySnapshot() uncertainty.State {
	cp.uncertaintyMu.RLock()
	defer cp.uncertaintyMu.RUnlock()
	return cp.uncertaintyState
}

// RiskSnapshot returns the last computed drawdown.RiskState.
func (cp *ControlPlane) RiskSnapshot() drawdown.RiskState {
	return cp.riskGov.Last()
}

// Snapshot bundles every published state slot for the admin surface's
// status endpoint.
type Snapshot struct {
	Regime      regime.State
	Uncertainty uncertainty.State
	Risk        drawdown.RiskState
	Weights     map[string]float64
}

// Snapshot returns a consistent-enough read of every state slot; each
// slot is read under its own lock (spec.md §5's "readers see either old
// or new, never mixed" applies per-slot, not across slots).
func (cp *ControlPlane) Snapshot() Snapshot {
	cp.weightsMu.RLock()
	weights := make(map[string]float64, len(cp.weights))
	for k, v := range cp.weights {
		weights[k] = v
	}
	cp.weightsMu.RUnlock()

	return Snapshot{
		Regime:      cp.RegimeSnapshot(),
		Uncertainty: cp.UncertaintySnapshot(),
		Risk:        cp.RiskSnapshot(),
		Weights:     weights,
	}
}

// PreviewAllocation runs the UCB allocator over the registered agents
// without consuming run budget, for the admin surface's dry-run endpoint.
func (cp *ControlPlane) PreviewAllocation(opts allocator.Options) allocator.Result {
	names := cp.agentNames()
	if opts.Clusters == nil {
		opts.Clusters = cp.clusters
	}
	return cp.alloc.Allocate(names, opts)
}

// StartAgent/StopAgent delegate to the scheduler for the admin surface's
// per-agent controls.
func (cp *ControlPlane) StartAgent(name string, force bool) error { return cp.sched.Start(name, force) }
func (cp *ControlPlane) StopAgent(name string)                    { cp.sched.Stop(name) }

// StatusJSON renders the current Snapshot as JSON for the admin surface's
// status endpoint, satisfying admin.Controller without that package
// importing controlplane's types directly.
func (cp *ControlPlane) StatusJSON() ([]byte, error) {
	return json.Marshal(cp.Snapshot())
}

func (cp *ControlPlane) cadenceMultiplier() float64 {
	cp.uncertaintyMu.RLock()
	defer cp.uncertaintyMu.RUnlock()
	if cp.uncertaintyState.CadenceMultiplier <= 0 {
		return 1.0
	}
	return cp.uncertaintyState.CadenceMultiplier
}

// SetSkill records agent's historical skill for the currently active
// regime (admin/backfill surface; the regime rotation job reads it on
// its next cycle).
func (cp *ControlPlane) SetSkill(agentName string, skill regime.AgentSkill) {
	cp.skillsMu.Lock()
	defer cp.skillsMu.Unlock()
	cp.skills[agentName] = skill
}

// SetKilled toggles an agent's kill-switch state (admin surface, spec.md
// §4.G step 3).
func (cp *ControlPlane) SetKilled(agentName string, killed bool) {
	cp.killedMu.Lock()
	defer cp.killedMu.Unlock()
	cp.killed[agentName] = killed
}

// SetEnabled toggles an agent's ranking-enabled flag (spec.md §4.G step 4).
func (cp *ControlPlane) SetEnabled(agentName string, enabled bool) {
	cp.rankingMu.Lock()
	defer cp.rankingMu.Unlock()
	cp.disabled[agentName] = !enabled
}

// Start registers every agent with the scheduler, starts its trigger, and
// launches the periodic job runner.
func (cp *ControlPlane) Start(ctx context.Context) {
	for _, reg := range cp.regs {
		cp.sched.Register(reg)
	}
	for _, reg := range cp.regs {
		_ = cp.sched.Start(reg.Agent.Name(), false)
	}
	cp.jobs.Start(ctx)
	cp.logger.Info("control plane started", zap.Int("agents", len(cp.regs)))
}

// Shutdown stops the job runner and drains the scheduler within grace.
func (cp *ControlPlane) Shutdown(grace time.Duration) {
	cp.jobs.Stop()
	cp.sched.Shutdown(grace)
}

// SetBroadcaster attaches the admin surface's websocket push channel; the
// control plane is usable without one (broadcasts are simply skipped).
func (cp *ControlPlane) SetBroadcaster(b Broadcaster) {
	cp.broadcaster = b
}

func (cp *ControlPlane) broadcast(event string, payload any) {
	if cp.broadcaster != nil {
		cp.broadcaster.Broadcast(event, payload)
	}
}
