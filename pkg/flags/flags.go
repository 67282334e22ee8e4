// Package flags routes jobs between the legacy and new pipeline paths via
// feature toggles, a user whitelist, and a deterministic percentage rollout.
package flags

import (
	"crypto/md5"
	"encoding/binary"
	"sync"
)

// Names of the supported toggles.
const (
	FlagNewPipeline            = "USE_NEW_PIPELINE"
	FlagLLMValidation          = "USE_LLM_VALIDATION"
	FlagAgentMessaging         = "USE_AGENT_MESSAGING"
	FlagHallucinationDetection = "USE_HALLUCINATION_DETECTION"
	FlagEvidenceTracking       = "USE_EVIDENCE_TRACKING"
)

// Config seeds the flag set.
type Config struct {
	Enabled           map[string]bool
	RolloutPercentage float64  // [0,1]; applies to FlagNewPipeline routing
	Whitelist         []string // user ids always routed to the new path
}

// Flags answers routing and toggle queries. Safe for concurrent use;
// Update swaps the state atomically.
type Flags struct {
	mu        sync.RWMutex
	enabled   map[string]bool
	rollout   float64
	whitelist map[string]struct{}
}

// New builds the flag set from config.
func New(cfg Config) *Flags {
	f := &Flags{}
	f.Update(cfg)
	return f
}

// Update replaces the flag state.
func (f *Flags) Update(cfg Config) {
	enabled := make(map[string]bool, len(cfg.Enabled))
	for k, v := range cfg.Enabled {
		enabled[k] = v
	}
	whitelist := make(map[string]struct{}, len(cfg.Whitelist))
	for _, id := range cfg.Whitelist {
		whitelist[id] = struct{}{}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.enabled = enabled
	f.rollout = cfg.RolloutPercentage
	f.whitelist = whitelist
}

// IsEnabled reports a plain toggle.
func (f *Flags) IsEnabled(name string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.enabled[name]
}

// UseNewPipeline decides the routing for one job: disabled flag routes
// legacy; whitelisted users route new; otherwise the rollout percentage
// applies, keyed on the job id so a retried job lands on the same path.
func (f *Flags) UseNewPipeline(userID, jobID string) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.enabled[FlagNewPipeline] {
		return false
	}
	if _, ok := f.whitelist[userID]; ok {
		return true
	}
	if f.rollout <= 0 || jobID == "" {
		return false
	}
	return rolloutBucket(jobID) < f.rollout*100
}

// Snapshot returns the current state for the API surface.
func (f *Flags) Snapshot() Config {
	f.mu.RLock()
	defer f.mu.RUnlock()

	enabled := make(map[string]bool, len(f.enabled))
	for k, v := range f.enabled {
		enabled[k] = v
	}
	whitelist := make([]string, 0, len(f.whitelist))
	for id := range f.whitelist {
		whitelist = append(whitelist, id)
	}
	return Config{Enabled: enabled, RolloutPercentage: f.rollout, Whitelist: whitelist}
}

// rolloutBucket maps a job id onto [0,100) deterministically.
func rolloutBucket(jobID string) float64 {
	sum := md5.Sum([]byte(jobID))
	n := binary.BigEndian.Uint64(sum[:8])
	return float64(n % 100)
}
