package flags

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUseNewPipeline_DisabledRoutesLegacy(t *testing.T) {
	f := New(Config{RolloutPercentage: 1.0, Whitelist: []string{"user-1"}})
	assert.False(t, f.UseNewPipeline("user-1", "job-1"), "disabled flag overrides whitelist and rollout")
}

func TestUseNewPipeline_WhitelistWins(t *testing.T) {
	f := New(Config{
		Enabled:   map[string]bool{FlagNewPipeline: true},
		Whitelist: []string{"user-1"},
	})
	assert.True(t, f.UseNewPipeline("user-1", ""))
	assert.False(t, f.UseNewPipeline("user-2", ""), "no rollout, not whitelisted")
}

func TestUseNewPipeline_RolloutIsDeterministic(t *testing.T) {
	f := New(Config{
		Enabled:           map[string]bool{FlagNewPipeline: true},
		RolloutPercentage: 0.5,
	})
	first := f.UseNewPipeline("user-x", "job-42")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, f.UseNewPipeline("user-x", "job-42"), "same job id must route identically")
	}
}

func TestUseNewPipeline_RolloutProportion(t *testing.T) {
	f := New(Config{
		Enabled:           map[string]bool{FlagNewPipeline: true},
		RolloutPercentage: 0.5,
	})
	routed := 0
	const total = 1000
	for i := 0; i < total; i++ {
		if f.UseNewPipeline("user-x", fmt.Sprintf("job-%d", i)) {
			routed++
		}
	}
	assert.InDelta(t, total/2, routed, total/10, "roughly half of jobs route to the new path")
}

func TestUseNewPipeline_FullAndZeroRollout(t *testing.T) {
	full := New(Config{Enabled: map[string]bool{FlagNewPipeline: true}, RolloutPercentage: 1.0})
	zero := New(Config{Enabled: map[string]bool{FlagNewPipeline: true}})
	for i := 0; i < 50; i++ {
		jobID := fmt.Sprintf("job-%d", i)
		assert.True(t, full.UseNewPipeline("u", jobID))
		assert.False(t, zero.UseNewPipeline("u", jobID))
	}
}

func TestIsEnabledAndUpdate(t *testing.T) {
	f := New(Config{Enabled: map[string]bool{FlagLLMValidation: true}})
	assert.True(t, f.IsEnabled(FlagLLMValidation))
	assert.False(t, f.IsEnabled(FlagEvidenceTracking))

	f.Update(Config{Enabled: map[string]bool{FlagEvidenceTracking: true}})
	assert.False(t, f.IsEnabled(FlagLLMValidation))
	assert.True(t, f.IsEnabled(FlagEvidenceTracking))
}

func TestSnapshot(t *testing.T) {
	f := New(Config{
		Enabled:           map[string]bool{FlagNewPipeline: true},
		RolloutPercentage: 0.25,
		Whitelist:         []string{"user-1"},
	})
	snap := f.Snapshot()
	assert.True(t, snap.Enabled[FlagNewPipeline])
	assert.Equal(t, 0.25, snap.RolloutPercentage)
	assert.Equal(t, []string{"user-1"}, snap.Whitelist)
}
