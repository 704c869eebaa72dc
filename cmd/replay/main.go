// Command replay reads an existing event log and prints what the
// drawdown governor and UCB allocator would compute from it, without
// starting the scheduler or touching the relational store. Useful for
// sanity-checking a log offline or previewing a rebalance before it runs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/olekukonko/tablewriter"

	"github.com/rsmolarz/marketctl/internal/allocator"
	"github.com/rsmolarz/marketctl/internal/drawdown"
	"github.com/rsmolarz/marketctl/internal/eventlog"
)

func main() {
	logPath := flag.String("log", "", "path to the event log JSONL file")
	ddLimit := flag.Float64("dd-limit", -0.08, "drawdown limit, negative (spec.md default -0.08)")
	window := flag.Int("window", 500, "allocator reward window")
	flag.Parse()

	if *logPath == "" {
		log.Fatal("replay: -log is required")
	}

	elog, err := eventlog.Open(*logPath)
	if err != nil {
		log.Fatalf("replay: open event log: %v", err)
	}

	gov := drawdown.New(*ddLimit, 5000)
	risk, err := gov.Evaluate(context.Background(), elog)
	if err != nil {
		log.Fatalf("replay: drawdown evaluate: %v", err)
	}
	printJSON("drawdown", risk)

	events, err := elog.IterEvents(*window)
	if err != nil {
		log.Fatalf("replay: read events: %v", err)
	}

	alloc := allocator.New(*window, 0, 0, 0)
	alloc.IngestEvents(events)

	seen := map[string]bool{}
	var agents []string
	for _, ev := range events {
		if ev.Agent != "" && !seen[ev.Agent] {
			seen[ev.Agent] = true
			agents = append(agents, ev.Agent)
		}
	}

	scores := make(map[string]float64, len(agents))
	for _, name := range agents {
		scores[name] = alloc.Score(name, allocator.ScoreInputs{})
	}
	printJSON("allocator_scores", scores)
	printScoreTable(agents, scores, alloc)
}

// printScoreTable renders the same scores as a human-readable table,
// sorted highest-score first, so a dry run can be eyeballed without
// piping through jq.
func printScoreTable(agents []string, scores map[string]float64, alloc *allocator.Allocator) {
	sort.Slice(agents, func(i, j int) bool { return scores[agents[i]] > scores[agents[j]] })

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Agent", "Score", "Reward Variance")
	for _, name := range agents {
		table.Append(
			name,
			fmt.Sprintf("%.4f", scores[name]),
			fmt.Sprintf("%.6f", alloc.RewardVariance(name)),
		)
	}
	table.Render()
}

func printJSON(label string, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("replay: marshal %s: %v", label, err)
	}
	fmt.Printf("%s: %s\n", label, b)
}
