package uncertainty

import (
	"context"

	"github.com/rsmolarz/marketctl/internal/store"
)

// Row converts a State into the relational store's persisted shape
// (spec.md §4.D step 5: "the event is persisted alongside the telemetry
// log").
func (s State) Row() store.UncertaintyEventRow {
	votes := make([]map[string]any, 0, len(s.Votes))
	for _, v := range s.Votes {
		votes = append(votes, map[string]any{
			"provider":    v.Provider,
			"uncertainty": v.Uncertainty,
			"label":       string(v.Label),
			"confidence":  v.Confidence,
		})
	}
	return store.UncertaintyEventRow{
		TS:                s.Timestamp,
		Label:             string(s.Label),
		Score:             s.Score,
		Spike:             s.Spike,
		Disagreement:      s.Disagreement,
		Votes:             votes,
		ActiveRegime:      s.ActiveRegime,
		CadenceMultiplier: s.CadenceMultiplier,
		DecayMultiplier:   s.DecayMultiplier,
	}
}

// Persist writes the State to the relational store.
func (s State) Persist(ctx context.Context, db *store.Store) error {
	return db.InsertUncertaintyEvent(ctx, s.Row())
}
