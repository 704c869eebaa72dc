// Package agent defines the capability interface implemented by every
// market-signal agent plugged into the control plane (spec.md §6 "Agent
// contract", §9 "duck-typed agents" redesign flag).
package agent

import "context"

// Severity is the ordinal scale a Finding's severity is drawn from.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the fixed severity set.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// FindingDraft is what an agent returns from a single run; the scheduler
// persists it into a full Finding (internal/store) after assigning an id.
type FindingDraft struct {
	Title       string
	Description string
	Severity    Severity
	Confidence  float64 // must be in [0,1]
	Symbol      string  // optional
	MarketType  string  // optional
	Metadata    map[string]any
}

// Agent is the capability interface every pluggable market-signal agent
// must satisfy. Analyze must not block indefinitely; the scheduler wraps
// every call with a context deadline and recovers from panics, converting
// both into an AgentExecutionFailed result rather than killing the process.
type Agent interface {
	Name() string
	Analyze(ctx context.Context) ([]FindingDraft, error)
}

// Cluster is a static partition label used by the allocator's
// substitution rule (spec.md §4.F): agents sharing a cluster may have
// their quota redistributed to the cluster's best performer, never across
// clusters.
type Cluster string

// Registration is the static, boot-time description of an agent's
// scheduling defaults — analogous to the teacher's YAML-configured
// thresholds, but for agent cadence instead of risk gates. Concrete
// per-agent intervals are mutated at runtime by the scheduler and
// allocator; Registration only supplies the initial values.
type Registration struct {
	Agent          Agent
	BaseIntervalMin int
	Enabled        bool
	BaseWeight     float64
	Cluster        Cluster
	System         bool // system agents bypass all scheduler gates (spec.md §4.G step 1)
	DealProducing  bool // scheduler fires DealHook for this agent's findings (spec.md §4.G step 9c)
}
