package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCouncilVotingStatIgnoreRateAndTotalVotes(t *testing.T) {
	c := CouncilVotingStat{VotesAct: 2, VotesWatch: 1, VotesIgnore: 1}
	assert.Equal(t, int64(4), c.TotalVotes())
	assert.Equal(t, 0.25, c.IgnoreRate())
}

func TestCouncilVotingStatIgnoreRateZeroVotes(t *testing.T) {
	c := CouncilVotingStat{}
	assert.Equal(t, 0.0, c.IgnoreRate())
}

func TestCouncilVotingStatForReturnsZeroValueWhenMissing(t *testing.T) {
	db := openTestStore(t)
	c, err := db.CouncilVotingStatFor(context.Background(), "agent-a", "risk_on")
	require.NoError(t, err)
	assert.Equal(t, "agent-a", c.AgentName)
	assert.Equal(t, int64(0), c.TotalVotes())
}

func TestApplyAnalysisBumpsVotingStatsAtomically(t *testing.T) {
	db := openTestStore(t)
	ctx := context.Background()

	id, err := db.InsertFinding(ctx, Finding{
		AgentName: "agent-a",
		Timestamp: time.Now().UTC(),
		Title:     "spike",
	})
	require.NoError(t, err)

	require.NoError(t, db.ApplyAnalysis(ctx, AnalysisUpdate{
		FindingID:        id,
		ConsensusAction:  "IGNORE",
		AnalyzedAt:       time.Now().UTC(),
		VotingStatAgent:  "agent-a",
		VotingStatRegime: "risk_on",
	}))

	stat, err := db.CouncilVotingStatFor(ctx, "agent-a", "risk_on")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stat.VotesIgnore)
	assert.Equal(t, int64(1), stat.TotalVotes())
	require.NotNil(t, stat.LastIgnoreTS)
}
