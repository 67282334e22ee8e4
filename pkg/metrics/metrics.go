// Package metrics aggregates job outcomes, per-stage durations, and LLM
// token spend for the operational endpoints.
package metrics

import (
	"sync"
	"time"
)

// providerRates maps provider/model pairs to USD per 1k tokens
// (prompt, completion). Unknown models fall back to the provider default.
var providerRates = map[string][2]float64{
	"openai/gpt-4o-mini":                {0.00015, 0.0006},
	"openai/text-embedding-3-small":     {0.00002, 0},
	"anthropic/claude-3-5-haiku-latest": {0.0008, 0.004},
	"gemini/gemini-2.0-flash":           {0.0001, 0.0004},
	"openai":                            {0.00015, 0.0006},
	"anthropic":                         {0.0008, 0.004},
	"gemini":                            {0.0001, 0.0004},
}

// StageStats aggregates durations for one stage.
type StageStats struct {
	Count  int64         `json:"count"`
	Mean   time.Duration `json:"mean"`
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	totalD time.Duration
}

// TokenStats aggregates LLM usage for one provider/model pair.
type TokenStats struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// CostProjection extrapolates the observed spend rate.
type CostProjection struct {
	HourlyUSD  float64 `json:"hourly_usd"`
	DailyUSD   float64 `json:"daily_usd"`
	MonthlyUSD float64 `json:"monthly_usd"`
}

// Snapshot is the exported aggregate view.
type Snapshot struct {
	JobsTotal     int64                 `json:"jobs_total"`
	JobsSucceeded int64                 `json:"jobs_succeeded"`
	JobsFailed    int64                 `json:"jobs_failed"`
	SuccessRate   float64               `json:"success_rate"`
	Stages        map[string]StageStats `json:"stages"`
	Tokens        []TokenStats          `json:"tokens"`
	TotalCostUSD  float64               `json:"total_cost_usd"`
	Projection    CostProjection        `json:"projection"`
	Since         time.Time             `json:"since"`
}

// Registry collects metrics from the pipeline. Safe for concurrent use.
type Registry struct {
	mu        sync.Mutex
	since     time.Time
	succeeded int64
	failed    int64
	stages    map[string]*StageStats
	tokens    map[string]*TokenStats // provider/model
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		since:  time.Now(),
		stages: make(map[string]*StageStats),
		tokens: make(map[string]*TokenStats),
	}
}

// RecordJob counts one finished job.
func (r *Registry) RecordJob(success bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if success {
		r.succeeded++
	} else {
		r.failed++
	}
}

// RecordStage folds one stage duration into the aggregate.
func (r *Registry) RecordStage(stage string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.stages[stage]
	if !ok {
		s = &StageStats{Min: d, Max: d}
		r.stages[stage] = s
	}
	s.Count++
	s.totalD += d
	s.Mean = s.totalD / time.Duration(s.Count)
	if d < s.Min {
		s.Min = d
	}
	if d > s.Max {
		s.Max = d
	}
}

// RecordTokens accumulates LLM usage and its cost.
func (r *Registry) RecordTokens(provider, model string, prompt, completion int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := provider + "/" + model
	t, ok := r.tokens[key]
	if !ok {
		t = &TokenStats{Provider: provider, Model: model}
		r.tokens[key] = t
	}
	t.PromptTokens += int64(prompt)
	t.CompletionTokens += int64(completion)
	t.TotalTokens += int64(prompt + completion)

	rates, ok := providerRates[key]
	if !ok {
		rates = providerRates[provider]
	}
	t.CostUSD += float64(prompt)/1000*rates[0] + float64(completion)/1000*rates[1]
}

// Snapshot exports the current aggregates with cost projections based on
// the spend rate since startup.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := Snapshot{
		JobsTotal:     r.succeeded + r.failed,
		JobsSucceeded: r.succeeded,
		JobsFailed:    r.failed,
		Stages:        make(map[string]StageStats, len(r.stages)),
		Since:         r.since,
	}
	if snap.JobsTotal > 0 {
		snap.SuccessRate = float64(r.succeeded) / float64(snap.JobsTotal)
	}
	for name, s := range r.stages {
		snap.Stages[name] = *s
	}
	for _, t := range r.tokens {
		snap.Tokens = append(snap.Tokens, *t)
		snap.TotalCostUSD += t.CostUSD
	}

	if elapsed := time.Since(r.since).Hours(); elapsed > 0 {
		hourly := snap.TotalCostUSD / elapsed
		snap.Projection = CostProjection{
			HourlyUSD:  hourly,
			DailyUSD:   hourly * 24,
			MonthlyUSD: hourly * 24 * 30,
		}
	}
	return snap
}
