// Package uncertainty implements the uncertainty & regime control loop's
// LLM-council aggregation (spec.md §4.D). Grounded on
// original_source/meta/regime_council.py (_normalize_probs, entropy,
// mean_variance_across_models) and uncertainty_policy.py /
// uncertainty_decay.py for the cadence/decay-multiplier derivation and
// recovery hysteresis. Parallel provider fan-out uses
// golang.org/x/sync/errgroup with a per-call context.WithTimeout,
// grounded on internal/transport/http.go's context-cancellation idiom.
package uncertainty

import (
	"context"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rsmolarz/marketctl/internal/llm"
	"github.com/rsmolarz/marketctl/internal/observ"
)

// Label is one of the fixed uncertainty labels (spec.md §3
// "UncertaintyEvent.label").
type Label string

const (
	Calm       Label = "calm"
	RiskOff    Label = "risk_off"
	Transition Label = "transition"
	Shock      Label = "shock"
)

// Vote is one provider's raw assessment (spec.md §4.D step 2).
type Vote struct {
	Provider    string
	Uncertainty float64
	Label       Label
	Confidence  float64
}

type voteJSON struct {
	Uncertainty float64 `json:"uncertainty"`
	Label       string  `json:"label"`
	Confidence  float64 `json:"confidence"`
}

// State is the aggregated output published every cycle (spec.md §3
// "UncertaintyEvent").
type State struct {
	Timestamp         time.Time
	Label             Label
	Score             float64
	Spike             bool
	Disagreement      float64
	Votes             []Vote
	ActiveRegime      string
	CadenceMultiplier float64
	DecayMultiplier   float64
}

// Loop owns the provider fan-out and the single-writer snapshot of the
// last computed State (spec.md §9 "explicit ControlPlane value" —
// uncertainty's slot of it).
type Loop struct {
	providers []llm.Provider
	timeout   time.Duration

	mu   sync.RWMutex
	last State
}

// New constructs a Loop. An empty providers slice is valid: the pipeline
// then always falls back to the single hard-coded vote (spec.md §4.D
// step 2).
func New(providers []llm.Provider, perCallTimeout time.Duration) *Loop {
	if perCallTimeout <= 0 {
		perCallTimeout = 20 * time.Second
	}
	return &Loop{
		providers: providers,
		timeout:   perCallTimeout,
		last:      State{Label: Calm, CadenceMultiplier: 1.0, DecayMultiplier: 1.0},
	}
}

const systemPrompt = `You are a market uncertainty classifier. Respond with strict JSON only:
{"uncertainty": <0..1>, "label": "calm|risk_off|transition|shock", "confidence": <0..1>}`

// Run fans the findings summary + active regime snapshot out to every
// configured provider in parallel, aggregates the usable votes, derives
// cadence/decay controls with hysteresis against the previous State, and
// returns (and caches) the new State.
func (l *Loop) Run(ctx context.Context, findingsSummary, activeRegime string) State {
	votes := l.collectVotes(ctx, findingsSummary, activeRegime)
	if len(votes) == 0 {
		votes = []Vote{fallbackVote()}
		observ.IncCounter("uncertainty_fallback_votes_total", nil)
	}

	score := aggregateScore(votes)
	label := aggregateLabel(votes)
	disagreement := aggregateDisagreement(votes)
	spike := score >= 0.65 || disagreement >= 0.60

	cadence, decay := labelControls(label)
	cadence = math.Min(cadence, 1+2*score)

	l.mu.Lock()
	prev := l.last
	calming := !spike && score < 0.35
	if calming {
		decay = math.Min(1.0, prev.DecayMultiplier+0.10)
		cadence = math.Max(1.0, prev.CadenceMultiplier-0.15)
	} else {
		// Worsening: tighten monotonically — decay never recovers, cadence
		// never slows, relative to the previous cycle.
		decay = math.Min(decay, prev.DecayMultiplier)
		cadence = math.Max(cadence, prev.CadenceMultiplier)
	}

	state := State{
		Timestamp:         time.Now().UTC(),
		Label:             label,
		Score:             score,
		Spike:             spike,
		Disagreement:      disagreement,
		Votes:             votes,
		ActiveRegime:      activeRegime,
		CadenceMultiplier: cadence,
		DecayMultiplier:   decay,
	}
	l.last = state
	l.mu.Unlock()

	observ.SetGauge("uncertainty_score", score, nil)
	observ.SetGauge("uncertainty_disagreement", disagreement, nil)
	observ.SetGauge("uncertainty_cadence_multiplier", cadence, nil)
	observ.SetGauge("uncertainty_decay_multiplier", decay, nil)
	if spike {
		observ.IncCounter("uncertainty_spikes_total", nil)
	}
	return state
}

// Last returns the most recently published State without recomputing it
// (readers: allocator, scheduler).
func (l *Loop) Last() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.last
}

// collectVotes fans out to every provider concurrently via errgroup, each
// call bounded by its own context.WithTimeout; a timed-out or erroring
// provider's vote is simply dropped, never aborting the group (spec.md
// §4.D "Cancellation").
func (l *Loop) collectVotes(ctx context.Context, findingsSummary, activeRegime string) []Vote {
	if len(l.providers) == 0 {
		return nil
	}

	results := make([]*Vote, len(l.providers))
	g, gctx := errgroup.WithContext(ctx)
	userPrompt := "Recent findings:\n" + findingsSummary + "\nActive regime: " + activeRegime

	for i, p := range l.providers {
		i, p := i, p
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, l.timeout)
			defer cancel()

			text, err := p.Call(callCtx, systemPrompt, userPrompt)
			if err != nil {
				observ.IncCounter("uncertainty_provider_errors_total", map[string]string{"provider": p.Name()})
				return nil // dropped vote, not an aborted gate
			}

			var parsed voteJSON
			if !llm.SafeJSONExtract(text, &parsed) {
				observ.IncCounter("uncertainty_provider_parse_errors_total", map[string]string{"provider": p.Name()})
				return nil
			}

			results[i] = &Vote{
				Provider:    p.Name(),
				Uncertainty: clamp01(parsed.Uncertainty),
				Label:       normalizeLabel(parsed.Label),
				Confidence:  clamp01(parsed.Confidence),
			}
			return nil
		})
	}
	_ = g.Wait() // errors are per-provider and already absorbed above

	var votes []Vote
	for _, v := range results {
		if v != nil {
			votes = append(votes, *v)
		}
	}
	return votes
}

func fallbackVote() Vote {
	return Vote{Provider: "fallback", Uncertainty: 0.3, Label: Calm, Confidence: 0.5}
}

func normalizeLabel(s string) Label {
	switch Label(s) {
	case Calm, RiskOff, Transition, Shock:
		return Label(s)
	default:
		return Calm
	}
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// aggregateScore is spec.md §4.D step 3: score = Σ(conf_i·uncertainty_i) / Σ(conf_i).
func aggregateScore(votes []Vote) float64 {
	var num, den float64
	for _, v := range votes {
		num += v.Confidence * v.Uncertainty
		den += v.Confidence
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// aggregateLabel is spec.md §4.D step 3: label = argmax_L Σ_{vote_i.label=L} conf_i.
func aggregateLabel(votes []Vote) Label {
	weights := map[Label]float64{}
	for _, v := range votes {
		weights[v.Label] += v.Confidence
	}
	best := Calm
	bestW := -1.0
	for _, l := range []Label{Calm, RiskOff, Transition, Shock} {
		if w := weights[l]; w > bestW {
			best = l
			bestW = w
		}
	}
	return best
}

// aggregateDisagreement is spec.md §4.D step 3:
// disagreement = std_dev(uncertainty_i)/0.35, clamped to [0,1].
func aggregateDisagreement(votes []Vote) float64 {
	if len(votes) < 2 {
		return 0
	}
	mean := 0.0
	for _, v := range votes {
		mean += v.Uncertainty
	}
	mean /= float64(len(votes))

	var variance float64
	for _, v := range votes {
		d := v.Uncertainty - mean
		variance += d * d
	}
	variance /= float64(len(votes))
	stddev := math.Sqrt(variance)

	return clamp01(stddev / 0.35)
}

// labelControls is spec.md §4.D step 4's base (cadence, decay) table.
func labelControls(l Label) (cadence, decay float64) {
	switch l {
	case Shock:
		return 3.0, 0.35
	case Transition:
		return 2.0, 0.55
	case RiskOff:
		return 1.7, 0.65
	default:
		return 1.0, 1.0
	}
}
