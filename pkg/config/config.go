// Package config loads and validates resumeflow configuration from the
// environment, with optional YAML overrides for operational tuning.
package config

import (
	"fmt"
	"log/slog"
	"time"
)

// AnalysisMode selects how aggressively the analyst escalates to additional
// LLM providers.
type AnalysisMode string

const (
	// ModePhase1 stops after the progressive second opinion.
	ModePhase1 AnalysisMode = "phase_1"
	// ModePhase2 allows a third-provider deep verification pass.
	ModePhase2 AnalysisMode = "phase_2"
)

// Config is the umbrella configuration object used throughout the application.
// It is built once at startup by Load() and treated as read-only afterwards.
type Config struct {
	// Connectivity
	SupabaseURL            string
	SupabaseServiceRoleKey string
	DatabaseURL            string
	RedisURL               string
	OpenAIAPIKey           string
	GeminiAPIKey           string
	AnthropicAPIKey        string
	WebhookURL             string
	WebhookSecret          string
	APIKey                 string
	AllowedOrigins         []string

	// Behaviour
	Environment            string // "production" gates /debug
	AnalysisMode           AnalysisMode
	MinTextLength          int
	LLMConfidenceThreshold float64
	UseConditionalLLM      bool
	UseParallelLLM         bool
	UseSplitQueues         bool
	LogLevel               slog.Level

	// EncryptionKey is the decoded 32-byte AES master key.
	EncryptionKey []byte

	// Timeouts / retries
	LLMTimeout        time.Duration
	LLMConnectTimeout time.Duration
	LLMMaxRetries     int
	StorageTimeout    time.Duration
	StorageMaxRetries int
	WebhookTimeout    time.Duration
	WebhookMaxRetries int
	StageTimeout      time.Duration
	PipelineTimeout   time.Duration

	// Feature flags (§ feature rollout)
	Flags FlagsConfig

	// Queue and worker pool configuration
	Queue *QueueConfig
}

// FlagsConfig holds feature-flag settings read from the environment.
type FlagsConfig struct {
	UseNewPipeline            bool
	UseLLMValidation          bool
	UseAgentMessaging         bool
	UseHallucinationDetection bool
	UseEvidenceTracking       bool

	// RolloutPercentage is in [0,1]; applied via stable job-id hashing.
	RolloutPercentage float64
	// UserWhitelist always routes listed user IDs to the new pipeline.
	UserWhitelist []string
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if len(c.EncryptionKey) != 32 {
		return fmt.Errorf("encryption key must be 32 bytes, got %d", len(c.EncryptionKey))
	}
	if c.AnalysisMode != ModePhase1 && c.AnalysisMode != ModePhase2 {
		return fmt.Errorf("invalid analysis mode %q", c.AnalysisMode)
	}
	if c.LLMConfidenceThreshold < 0 || c.LLMConfidenceThreshold > 1 {
		return fmt.Errorf("LLM confidence threshold must be in [0,1], got %v", c.LLMConfidenceThreshold)
	}
	if c.Flags.RolloutPercentage < 0 || c.Flags.RolloutPercentage > 1 {
		return fmt.Errorf("rollout percentage must be in [0,1], got %v", c.Flags.RolloutPercentage)
	}
	if c.LLMMaxRetries < 0 || c.WebhookMaxRetries < 0 || c.StorageMaxRetries < 0 {
		return fmt.Errorf("retry counts must be non-negative")
	}
	return c.Queue.Validate()
}

// IsProduction reports whether the process runs with production hardening
// (debug endpoints disabled).
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ProviderCount returns how many LLM providers have credentials configured.
func (c *Config) ProviderCount() int {
	n := 0
	for _, key := range []string{c.OpenAIAPIKey, c.GeminiAPIKey, c.AnthropicAPIKey} {
		if key != "" {
			n++
		}
	}
	return n
}
