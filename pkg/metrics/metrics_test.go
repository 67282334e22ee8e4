package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordJob_SuccessRate(t *testing.T) {
	r := NewRegistry()
	r.RecordJob(true)
	r.RecordJob(true)
	r.RecordJob(false)

	snap := r.Snapshot()
	assert.Equal(t, int64(3), snap.JobsTotal)
	assert.Equal(t, int64(2), snap.JobsSucceeded)
	assert.InDelta(t, 2.0/3.0, snap.SuccessRate, 1e-9)
}

func TestRecordStage_MeanMinMax(t *testing.T) {
	r := NewRegistry()
	r.RecordStage("analysis", 2*time.Second)
	r.RecordStage("analysis", 4*time.Second)
	r.RecordStage("analysis", 9*time.Second)
	r.RecordStage("parsing", 100*time.Millisecond)

	snap := r.Snapshot()
	analysis := snap.Stages["analysis"]
	assert.Equal(t, int64(3), analysis.Count)
	assert.Equal(t, 5*time.Second, analysis.Mean)
	assert.Equal(t, 2*time.Second, analysis.Min)
	assert.Equal(t, 9*time.Second, analysis.Max)
	assert.Equal(t, int64(1), snap.Stages["parsing"].Count)
}

func TestRecordTokens_AggregationAndCost(t *testing.T) {
	r := NewRegistry()
	r.RecordTokens("openai", "gpt-4o-mini", 1000, 500)
	r.RecordTokens("openai", "gpt-4o-mini", 1000, 500)
	r.RecordTokens("anthropic", "claude-3-5-haiku-latest", 2000, 0)

	snap := r.Snapshot()
	require.Len(t, snap.Tokens, 2)

	var openaiStats TokenStats
	for _, ts := range snap.Tokens {
		if ts.Provider == "openai" {
			openaiStats = ts
		}
	}
	assert.Equal(t, int64(2000), openaiStats.PromptTokens)
	assert.Equal(t, int64(1000), openaiStats.CompletionTokens)
	assert.Equal(t, int64(3000), openaiStats.TotalTokens)
	// 2 * (1.0 * 0.00015 + 0.5 * 0.0006)
	assert.InDelta(t, 0.0009, openaiStats.CostUSD, 1e-9)
	assert.Greater(t, snap.TotalCostUSD, openaiStats.CostUSD)
}

func TestRecordTokens_UnknownModelFallsBackToProviderRate(t *testing.T) {
	r := NewRegistry()
	r.RecordTokens("openai", "gpt-future", 1000, 0)
	snap := r.Snapshot()
	require.Len(t, snap.Tokens, 1)
	assert.InDelta(t, 0.00015, snap.Tokens[0].CostUSD, 1e-9)
}

func TestSnapshot_Projection(t *testing.T) {
	r := NewRegistry()
	r.since = time.Now().Add(-time.Hour)
	r.RecordTokens("openai", "gpt-4o-mini", 1_000_000, 0)

	snap := r.Snapshot()
	assert.InDelta(t, snap.TotalCostUSD, snap.Projection.HourlyUSD, snap.TotalCostUSD*0.01)
	assert.InDelta(t, snap.Projection.HourlyUSD*24, snap.Projection.DailyUSD, 1e-9)
	assert.InDelta(t, snap.Projection.DailyUSD*30, snap.Projection.MonthlyUSD, 1e-6)
}
