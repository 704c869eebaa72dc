// Package gate implements the Triple-Confirmation Gate (spec.md §4.H):
// for a single finding, combine a deterministic TA vote with a 3-LLM
// council consensus into one decision, persist it, and fire at most one
// idempotent alert. Grounded on original_source/services/ta_confirm.py's
// combined_confidence (0.65 council + 0.35 TA) and should_act, and
// original_source/meta/regime_council.py's defensive per-provider JSON
// parsing and consensus-by-vote-count logic.
package gate

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rsmolarz/marketctl/internal/agent"
	"github.com/rsmolarz/marketctl/internal/email"
	"github.com/rsmolarz/marketctl/internal/llm"
	"github.com/rsmolarz/marketctl/internal/observ"
	"github.com/rsmolarz/marketctl/internal/priceseries"
	"github.com/rsmolarz/marketctl/internal/store"
	"github.com/rsmolarz/marketctl/internal/ta"
)

const (
	minAgree             = 2
	maxKeyDrivers        = 6
	maxWhatToVerify      = 5
	spikeConfidenceScale = 0.75
	councilWeight        = 0.65
	taWeight             = 0.35
)

// Verdict mirrors ta.Vote's three values at the council layer (spec.md
// §4.H step 2).
type Verdict string

const (
	Act    Verdict = "ACT"
	Watch  Verdict = "WATCH"
	Ignore Verdict = "IGNORE"
)

// Positioning is the council's suggested stance (spec.md §4.H step 2).
type Positioning struct {
	Bias              string   `json:"bias"`
	SuggestedActions  []string `json:"suggested_actions"`
}

type councilVoteJSON struct {
	Verdict          string      `json:"verdict"`
	Severity         string      `json:"severity"`
	Confidence       float64     `json:"confidence"`
	KeyDrivers       []string    `json:"key_drivers"`
	WhatToVerify     []string    `json:"what_to_verify"`
	TimeHorizon      string      `json:"time_horizon"`
	Positioning      Positioning `json:"positioning"`
	OneParagraphSummary string   `json:"one_paragraph_summary"`
}

// ProviderVote is one successfully parsed council vote.
type ProviderVote struct {
	Provider     string
	Verdict      Verdict
	Confidence   float64
	KeyDrivers   []string
	WhatToVerify []string
}

// Consensus is spec.md §4.H step 3's output.
type Consensus struct {
	Verdict         Verdict
	Confidence      float64
	Disagreement    bool
	KeyDrivers      []string
	WhatToVerify    []string
	Votes           []ProviderVote
}

// Decision is the gate's full output for one finding (spec.md §4.H steps
// 4-5).
type Decision struct {
	TA                  ta.Result
	Council             Consensus
	CombinedConfidence  float64
	AnalyzedAt          time.Time
}

// Evaluator runs the gate for one finding at a time.
type Evaluator struct {
	providers      []llm.Provider
	priceSource    priceseries.Source
	perCallTimeout time.Duration
	mailer         email.Sender
	alertTo        []string
}

func NewEvaluator(providers []llm.Provider, priceSource priceseries.Source, perCallTimeout time.Duration, mailer email.Sender, alertTo []string) *Evaluator {
	if perCallTimeout <= 0 {
		perCallTimeout = 20 * time.Second
	}
	return &Evaluator{providers: providers, priceSource: priceSource, perCallTimeout: perCallTimeout, mailer: mailer, alertTo: alertTo}
}

const councilSystemPrompt = `You are a market research council member. Given a finding, respond with strict JSON only:
{"verdict": "ACT|WATCH|IGNORE", "severity": "...", "confidence": <0..1>, "key_drivers": ["..."], "what_to_verify": ["..."], "time_horizon": "...", "positioning": {"bias": "...", "suggested_actions": ["..."]}, "one_paragraph_summary": "..."}`

// Evaluate computes the TA vote, then runs the LLM council, whose provider
// calls execute in parallel (spec.md §4.H "Concurrency": the three LLM
// calls must execute in parallel; total wall time is bounded by the
// council timeout, not their sum), and combines the two. A finding already analyzed is a no-op unless force is set (spec.md
// §4.H "calling the gate twice without force=true is a no-op"): the zero
// Decision is returned and the caller's Persist call is expected to skip
// too.
func (e *Evaluator) Evaluate(ctx context.Context, f store.Finding, force bool) Decision {
	if f.AutoAnalyzed && !force {
		return Decision{}
	}

	taRes := ta.Evaluate(ctx, e.priceSource, f.Symbol)
	votes := e.collectCouncilVotes(ctx, f)
	consensus := aggregateConsensus(votes)

	combined := councilWeight*consensus.Confidence + taWeight*taRes.Score

	return Decision{
		TA:                 taRes,
		Council:            consensus,
		CombinedConfidence: combined,
		AnalyzedAt:         time.Now().UTC(),
	}
}

func (e *Evaluator) collectCouncilVotes(ctx context.Context, f store.Finding) []ProviderVote {
	if len(e.providers) == 0 {
		return nil
	}

	results := make([]*ProviderVote, len(e.providers))
	g, gctx := errgroup.WithContext(ctx)
	userPrompt := findingPrompt(f)

	for i, p := range e.providers {
		i, p := i, p
		g.Go(func() error {
			callCtx, cancel := context.WithTimeout(gctx, e.perCallTimeout)
			defer cancel()

			text, err := p.Call(callCtx, councilSystemPrompt, userPrompt)
			if err != nil {
				observ.IncCounter("gate_council_errors_total", map[string]string{"provider": p.Name()})
				return nil
			}
			var parsed councilVoteJSON
			if !llm.SafeJSONExtract(text, &parsed) {
				observ.IncCounter("gate_council_parse_errors_total", map[string]string{"provider": p.Name()})
				return nil
			}
			results[i] = &ProviderVote{
				Provider:     p.Name(),
				Verdict:      normalizeVerdict(parsed.Verdict),
				Confidence:   clamp01(parsed.Confidence),
				KeyDrivers:   parsed.KeyDrivers,
				WhatToVerify: parsed.WhatToVerify,
			}
			return nil
		})
	}
	_ = g.Wait()

	var votes []ProviderVote
	for _, v := range results {
		if v != nil {
			votes = append(votes, *v)
		}
	}
	return votes
}

func findingPrompt(f store.Finding) string {
	return "Title: " + f.Title + "\nDescription: " + f.Description + "\nSymbol: " + f.Symbol + "\nSeverity: " + string(f.Severity)
}

func normalizeVerdict(s string) Verdict {
	switch Verdict(s) {
	case Act, Watch, Ignore:
		return Verdict(s)
	default:
		return Watch
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

// aggregateConsensus is spec.md §4.H step 3.
func aggregateConsensus(votes []ProviderVote) Consensus {
	if len(votes) == 0 {
		return Consensus{Verdict: Watch, Confidence: 0, Disagreement: true}
	}

	counts := map[Verdict]int{}
	weights := map[Verdict]float64{}
	for _, v := range votes {
		counts[v.Verdict]++
		weights[v.Verdict] += v.Confidence
	}

	order := []Verdict{Act, Watch, Ignore}
	topVerdict, topCount := Watch, -1
	for _, v := range order {
		if counts[v] > topCount {
			topVerdict, topCount = v, counts[v]
		}
	}
	secondCount := -1
	for _, v := range order {
		if v == topVerdict {
			continue
		}
		if counts[v] > secondCount {
			secondCount = counts[v]
		}
	}

	spike := false
	if topCount < minAgree {
		spike = true
		best, bestW := Watch, -1.0
		for _, v := range order {
			if weights[v] > bestW {
				best, bestW = v, weights[v]
			}
		}
		topVerdict = best
	} else {
		spike = secondCount == topCount
	}

	meanConf := meanConfidenceFor(votes, topVerdict)
	if spike {
		meanConf *= spikeConfidenceScale
	}

	return Consensus{
		Verdict:      topVerdict,
		Confidence:   meanConf,
		Disagreement: spike,
		KeyDrivers:   mergeCapped(votes, func(v ProviderVote) []string { return v.KeyDrivers }, maxKeyDrivers),
		WhatToVerify: mergeCapped(votes, func(v ProviderVote) []string { return v.WhatToVerify }, maxWhatToVerify),
		Votes:        votes,
	}
}

func meanConfidenceFor(votes []ProviderVote, verdict Verdict) float64 {
	var sum float64
	var n int
	for _, v := range votes {
		if v.Verdict != verdict {
			continue
		}
		sum += v.Confidence
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// mergeCapped merges field lists across votes preserving first-seen
// order, deduped, capped at max.
func mergeCapped(votes []ProviderVote, field func(ProviderVote) []string, max int) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range votes {
		for _, item := range field(v) {
			if item == "" || seen[item] {
				continue
			}
			seen[item] = true
			out = append(out, item)
			if len(out) >= max {
				return out
			}
		}
	}
	return out
}

// shouldAlert is spec.md §4.H step 6's idempotent alert rule.
func shouldAlert(f store.Finding, d Decision) bool {
	return f.Severity == agent.SeverityCritical &&
		d.Council.Verdict == Act &&
		d.TA.Vote == ta.Act &&
		!f.Alerted
}

// Persist writes the decision back to the store atomically (spec.md
// §4.H step 5) and, if the alert rule fires, sends exactly one email and
// marks the finding alerted on success (step 6). A send failure is
// non-fatal and leaves alerted=false for a later retry. A finding already
// analyzed is a no-op unless force is set, matching Evaluate.
func (e *Evaluator) Persist(ctx context.Context, db *store.Store, f store.Finding, d Decision, activeRegime string, force bool) error {
	if f.AutoAnalyzed && !force {
		return nil
	}

	votes := map[string]string{}
	for _, v := range d.Council.Votes {
		votes[v.Provider] = string(v.Verdict)
	}

	var councilRows []store.CouncilResult
	now := time.Now().UTC()
	for _, v := range d.Council.Votes {
		councilRows = append(councilRows, store.CouncilResult{
			Model:      v.Provider,
			OK:         true,
			Verdict:    string(v.Verdict),
			Confidence: v.Confidence,
			CreatedAt:  now,
		})
	}

	update := store.AnalysisUpdate{
		FindingID:           f.ID,
		ConsensusAction:     string(d.Council.Verdict),
		ConsensusConfidence: d.CombinedConfidence,
		LLMVotes:            votes,
		LLMDisagreement:     d.Council.Disagreement,
		TARegime:            activeRegime,
		AnalyzedAt:          d.AnalyzedAt,
		CouncilResults:      councilRows,
		VotingStatAgent:      f.AgentName,
		VotingStatRegime:     activeRegime,
		Force:                force,
	}
	if err := db.ApplyAnalysis(ctx, update); err != nil {
		return err
	}
	f.ConsensusAction = update.ConsensusAction

	if !shouldAlert(f, d) || e.mailer == nil || len(e.alertTo) == 0 {
		return nil
	}

	subject := "Critical finding: " + f.Symbol + " — " + f.Title
	text := f.Description
	if err := e.mailer.Send(ctx, e.alertTo, subject, text, ""); err != nil {
		observ.IncCounter("gate_alert_send_errors_total", map[string]string{"agent": f.AgentName})
		return nil
	}
	observ.IncCounter("gate_alerts_sent_total", map[string]string{"agent": f.AgentName})
	return db.MarkAlerted(ctx, f.ID)
}
