package controlplane

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rsmolarz/marketctl/internal/allocator"
	"github.com/rsmolarz/marketctl/internal/decay"
	"github.com/rsmolarz/marketctl/internal/regime"
	"github.com/rsmolarz/marketctl/internal/scheduler"
	"github.com/rsmolarz/marketctl/internal/store"
)

const (
	recentEventWindow   = 2000
	recentFindingWindow = 300
	quarantineVarianceFloor = 0.0001
)

// registerJobs binds the control plane's periodic jobs to the job runner
// using the cadences in scheduler/jobs.go (spec.md §4.G).
func (cp *ControlPlane) registerJobs() {
	cp.jobs.Register("rebalance", scheduler.RebalanceCadence, cp.runRebalance)
	cp.jobs.Register("telemetry_rollup", scheduler.TelemetryRollupCadence, cp.runTelemetryRollup)
	cp.jobs.Register("quarantine_check", scheduler.QuarantineCheckCadence, cp.runQuarantineCheck)
	cp.jobs.Register("regime_rotation", scheduler.RegimeRotationCadence, cp.runRegimeRotation)
	cp.jobs.Register("uncertainty_update", scheduler.UncertaintyUpdateCadence, cp.runUncertaintyUpdate)
	cp.jobs.Register("regime_transition_watch", scheduler.RegimeTransitionWatchCadence, cp.runRegimeTransitionWatch)
	cp.jobs.Register("daily_digest", scheduler.DailyDigestCadence, cp.runDailyDigest)
	cp.jobs.Register("weekly_memo", scheduler.WeeklyMemoCadence, cp.runWeeklyMemo)
}

// runRebalance is the allocator's single writer: it ingests recent
// telemetry events and recomputes each agent's score, writing the scores
// into the regime-weight snapshot the scheduler's gate reads. It computes
// no quotas and does not change agent intervals; the run budget is split
// only by a separate Allocate call.
func (cp *ControlPlane) runRebalance(ctx context.Context) {
	events, err := cp.events.IterEvents(recentEventWindow)
	if err != nil {
		cp.logger.Warn("rebalance: read event log", zap.Error(err))
		return
	}
	cp.alloc.IngestEvents(events)

	uState := cp.UncertaintySnapshot()
	rState := cp.RegimeSnapshot()
	names := cp.agentNames()
	scores := make(map[string]float64, len(names))
	halfLives := cp.regimeHalfLives()
	for _, name := range names {
		scores[name] = cp.alloc.Score(name, allocator.ScoreInputs{
			Uncertainty:     uState.Score,
			Regime:          string(rState.Active),
			DecayModel:      cp.decayModel,
			RegimeHalfLives: halfLives,
		})
	}

	cp.weightsMu.Lock()
	for name, score := range scores {
		cp.weights[name] = score
	}
	cp.weightsMu.Unlock()
}

// runTelemetryRollup re-evaluates the drawdown governor, logs how many
// recent findings the store holds and, while the uncertainty loop reports
// a spike, records the outcome of each recent telemetry event in the
// failure tracker. It writes nothing to the relational store and does not
// compact the event log.
func (cp *ControlPlane) runTelemetryRollup(ctx context.Context) {
	if _, err := cp.riskGov.Evaluate(ctx, cp.events); err != nil {
		cp.logger.Warn("telemetry rollup: drawdown evaluate", zap.Error(err))
	}

	findings, err := cp.db.RecentFindings(ctx, recentFindingWindow)
	if err != nil {
		cp.logger.Warn("telemetry rollup: read findings", zap.Error(err))
		return
	}
	cp.logger.Debug("telemetry rollup", zap.Int("findings", len(findings)))

	if !cp.UncertaintySnapshot().Spike {
		return
	}
	events, err := cp.events.IterEvents(recentEventWindow)
	if err != nil {
		cp.logger.Warn("telemetry rollup: read event log", zap.Error(err))
		return
	}
	for _, ev := range events {
		if ev.Agent == "" {
			continue
		}
		success := ev.Errors == nil && ev.Reward != nil && *ev.Reward > 0
		cp.failureTracker.RecordOutcome(ev.Agent, success, ev.TS)
	}
}

// runQuarantineCheck flags agents whose reward variance has collapsed to
// near zero over the rolling window — a sign of a stuck or degenerate
// agent rather than a genuinely low-signal one — by disabling them via
// the ranking adapter so the scheduler's gate mutes them without a human
// having to notice first.
func (cp *ControlPlane) runQuarantineCheck(ctx context.Context) {
	for _, name := range cp.agentNames() {
		if cp.alloc.RewardVariance(name) <= quarantineVarianceFloor {
			cp.rankingMu.Lock()
			cp.disabled[name] = true
			cp.rankingMu.Unlock()
		}
	}
}

// runRegimeRotation reloads market features, reclassifies the regime,
// and republishes both the regime snapshot and the rotated per-agent
// weights. It is the regime state's single writer (spec.md §4.I).
func (cp *ControlPlane) runRegimeRotation(ctx context.Context) {
	features := regime.LoadFeatures(ctx, cp.priceSource)
	state := cp.classifier.Classify(features)

	cp.regimeMu.Lock()
	cp.regimeState = state
	cp.regimeMu.Unlock()

	cp.skillsMu.RLock()
	skills := make(map[string]regime.AgentSkill, len(cp.skills))
	for k, v := range cp.skills {
		skills[k] = v
	}
	cp.skillsMu.RUnlock()

	base := make(map[string]float64, len(cp.regs))
	for _, reg := range cp.regs {
		base[reg.Agent.Name()] = 1.0
	}
	rotated := regime.Rotate(base, skills, state.Confidence)

	cp.weightsMu.Lock()
	for name, w := range rotated {
		cp.weights[name] = w
	}
	cp.weightsMu.Unlock()

	cp.broadcast("regime_update", state)
}

// runUncertaintyUpdate is the uncertainty state's single writer: it runs
// the council/TA uncertainty loop and publishes the resulting cadence and
// decay multipliers for every other job and the scheduler to read.
func (cp *ControlPlane) runUncertaintyUpdate(ctx context.Context) {
	findings, err := cp.db.RecentFindings(ctx, 20)
	if err != nil {
		cp.logger.Warn("uncertainty update: read findings", zap.Error(err))
		return
	}
	summary := summarizeFindings(findings)
	state := cp.uncertaintyLoop.Run(ctx, summary, cp.ActiveRegime())

	cp.uncertaintyMu.Lock()
	cp.uncertaintyState = state
	cp.uncertaintyMu.Unlock()

	if err := state.Persist(ctx, cp.db); err != nil {
		cp.logger.Warn("uncertainty update: persist", zap.Error(err))
	}

	cp.broadcast("uncertainty_update", state)
}

// runRegimeTransitionWatch scans the failure tracker for agents whose
// recent success rate has collapsed and appends an EarlyWarning event if
// the threshold trips.
func (cp *ControlPlane) runRegimeTransitionWatch(ctx context.Context) {
	if warning := cp.failureTracker.CheckAndWarn(cp.events, time.Now()); warning != nil {
		cp.logger.Warn("early warning raised",
			zap.Strings("agents", warning.Agents),
			zap.Float64("failure_rate", warning.FailureRate))
	}
}

func summarizeFindings(findings []store.Finding) string {
	if len(findings) == 0 {
		return "no recent findings"
	}
	var b strings.Builder
	for _, f := range findings {
		fmt.Fprintf(&b, "- [%s] %s/%s: %s (confidence %.2f)\n", f.Severity, f.AgentName, f.Symbol, f.Title, f.Confidence)
	}
	return b.String()
}

// runDailyDigest and runWeeklyMemo are domain-glue notification jobs: the
// digest content is assembled elsewhere (admin surface), this job is
// solely responsible for the periodic send.
func (cp *ControlPlane) runDailyDigest(ctx context.Context) {
	if !cp.cfg.Email.Enabled {
		return
	}
	rs := cp.RiskSnapshot()
	subject := "Daily digest"
	body := fmt.Sprintf("Active regime: %s\nDrawdown halted: %v\n", cp.ActiveRegime(), rs.Halt)
	if err := cp.mailer.Send(ctx, cp.cfg.Email.To, subject, body, ""); err != nil {
		cp.logger.Warn("daily digest send failed", zap.Error(err))
	}
}

func (cp *ControlPlane) runWeeklyMemo(ctx context.Context) {
	if !cp.cfg.Email.Enabled {
		return
	}
	subject := "Weekly memo"
	body := fmt.Sprintf("Active regime: %s\n", cp.ActiveRegime())
	if err := cp.mailer.Send(ctx, cp.cfg.Email.To, subject, body, ""); err != nil {
		cp.logger.Warn("weekly memo send failed", zap.Error(err))
	}
}

// regimeHalfLives converts the configured overrides to decay.RegimeHalfLives,
// falling back to spec.md §4.C's defaults for any zero (unset) entry.
func (cp *ControlPlane) regimeHalfLives() decay.RegimeHalfLives {
	d := decay.DefaultRegimeHalfLives()
	cfg := cp.cfg.RegimeHalfLife
	if cfg.RiskOn > 0 {
		d.RiskOn = cfg.RiskOn
	}
	if cfg.RiskOff > 0 {
		d.RiskOff = cfg.RiskOff
	}
	if cfg.Transition > 0 {
		d.Transition = cfg.Transition
	}
	if cfg.Shock > 0 {
		d.Shock = cfg.Shock
	}
	if cfg.Unknown > 0 {
		d.Unknown = cfg.Unknown
	}
	return d
}

func (cp *ControlPlane) agentNames() []string {
	names := make([]string, 0, len(cp.regs))
	for _, reg := range cp.regs {
		names = append(names, reg.Agent.Name())
	}
	return names
}
