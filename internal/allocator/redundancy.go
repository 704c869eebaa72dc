package allocator

import (
	"math"
	"sort"
)

// corrThreshold and corrLookback mirror
// original_source/meta/redundancy.py's CORR_THRESHOLD/CORR_LOOKBACK.
const (
	corrThreshold    = 0.85
	corrLookback     = 300
	redundancyPenalty = 0.3
	minSeriesLen     = 20
)

// firingVectors builds one binary firing vector per agent over the given
// timestamp-ordered finding agent names, matching
// compute_agent_signal_vectors' by-timestamp grouping collapsed here to a
// by-finding-slot grouping (the relational store's query already orders
// by recency).
func firingVectors(agentsByFinding []string) (agents []string, vectors map[string][]int) {
	seen := map[string]bool{}
	for _, a := range agentsByFinding {
		if !seen[a] {
			seen[a] = true
			agents = append(agents, a)
		}
	}
	sort.Strings(agents)

	vectors = make(map[string][]int, len(agents))
	for _, a := range agents {
		vectors[a] = make([]int, 0, len(agentsByFinding))
	}
	for _, fired := range agentsByFinding {
		for _, a := range agents {
			v := 0
			if a == fired {
				v = 1
			}
			vectors[a] = append(vectors[a], v)
		}
	}
	return agents, vectors
}

// findRedundantAgents returns the set of agents whose firing vector
// correlates at or above corrThreshold with an earlier (lexically
// smaller-indexed) agent's — those get the redundancy penalty
// (spec.md §4.F, original_source/meta/redundancy.py find_redundant_agents).
func findRedundantAgents(agentsByFinding []string) map[string]bool {
	if len(agentsByFinding) > corrLookback {
		agentsByFinding = agentsByFinding[len(agentsByFinding)-corrLookback:]
	}
	agents, vectors := firingVectors(agentsByFinding)
	redundant := map[string]bool{}
	for i, a1 := range agents {
		for _, a2 := range agents[i+1:] {
			v1, v2 := vectors[a1], vectors[a2]
			if len(v1) < minSeriesLen {
				continue
			}
			corr, ok := pearson(v1, v2)
			if ok && corr >= corrThreshold {
				redundant[a2] = true
			}
		}
	}
	return redundant
}

// pearson computes the Pearson correlation coefficient of two equal-length
// int series; returns (0, false) if variance is zero (correlation
// undefined, matching numpy's NaN case).
func pearson(x, y []int) (float64, bool) {
	n := len(x)
	if n == 0 || n != len(y) {
		return 0, false
	}
	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += float64(x[i])
		sumY += float64(y[i])
	}
	meanX, meanY := sumX/float64(n), sumY/float64(n)

	var num, denX, denY float64
	for i := 0; i < n; i++ {
		dx := float64(x[i]) - meanX
		dy := float64(y[i]) - meanY
		num += dx * dy
		denX += dx * dx
		denY += dy * dy
	}
	if denX == 0 || denY == 0 {
		return 0, false
	}
	return num / math.Sqrt(denX*denY), true
}
