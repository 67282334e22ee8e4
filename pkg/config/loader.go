package config

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// overridesFile is the optional YAML file (relative to configDir) that can
// tune queue parameters without rebuilding. Environment variables always win
// for secrets and connectivity.
const overridesFile = "resumeflow.yaml"

// yamlOverrides is the subset of configuration tunable via YAML.
type yamlOverrides struct {
	Queue *QueueConfig `yaml:"queue"`
}

// Load reads .env from configDir (best effort), parses environment variables
// into a Config, applies YAML queue overrides, and validates the result.
func Load(configDir string) (*Config, error) {
	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment",
			"path", envPath, "error", err)
	}

	key, err := decodeEncryptionKey(os.Getenv("ENCRYPTION_KEY"))
	if err != nil {
		return nil, fmt.Errorf("invalid ENCRYPTION_KEY: %w", err)
	}

	cfg := &Config{
		SupabaseURL:            os.Getenv("SUPABASE_URL"),
		SupabaseServiceRoleKey: os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		RedisURL:               getEnv("REDIS_URL", "redis://localhost:6379/0"),
		OpenAIAPIKey:           os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:           os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:        os.Getenv("ANTHROPIC_API_KEY"),
		WebhookURL:             os.Getenv("WEBHOOK_URL"),
		WebhookSecret:          os.Getenv("WEBHOOK_SECRET"),
		APIKey:                 os.Getenv("API_KEY"),
		AllowedOrigins:         splitCSV(os.Getenv("ALLOWED_ORIGINS")),

		Environment:            getEnv("ENVIRONMENT", "development"),
		AnalysisMode:           AnalysisMode(getEnv("ANALYSIS_MODE", string(ModePhase1))),
		MinTextLength:          getEnvInt("MIN_TEXT_LENGTH", 100),
		LLMConfidenceThreshold: getEnvFloat("LLM_CONFIDENCE_THRESHOLD", 0.85),
		UseConditionalLLM:      getEnvBool("USE_CONDITIONAL_LLM", true),
		UseParallelLLM:         getEnvBool("USE_PARALLEL_LLM", false),
		UseSplitQueues:         getEnvBool("USE_SPLIT_QUEUES", true),
		LogLevel:               parseLogLevel(getEnv("LOG_LEVEL", "info")),
		EncryptionKey:          key,

		LLMTimeout:        getEnvSeconds("LLM_TIMEOUT_SECONDS", 120*time.Second),
		LLMConnectTimeout: getEnvSeconds("LLM_CONNECT_TIMEOUT", 10*time.Second),
		LLMMaxRetries:     getEnvInt("LLM_MAX_RETRIES", 3),
		StorageTimeout:    getEnvSeconds("STORAGE_TIMEOUT_SECONDS", 30*time.Second),
		StorageMaxRetries: getEnvInt("STORAGE_MAX_RETRIES", 3),
		WebhookTimeout:    getEnvSeconds("WEBHOOK_TIMEOUT_SECONDS", 30*time.Second),
		WebhookMaxRetries: getEnvInt("WEBHOOK_MAX_RETRIES", 3),
		StageTimeout:      getEnvSeconds("STAGE_TIMEOUT_SECONDS", 120*time.Second),
		PipelineTimeout:   getEnvSeconds("PIPELINE_TIMEOUT_SECONDS", 600*time.Second),

		Flags: FlagsConfig{
			UseNewPipeline:            getEnvBool("USE_NEW_PIPELINE", false),
			UseLLMValidation:          getEnvBool("USE_LLM_VALIDATION", false),
			UseAgentMessaging:         getEnvBool("USE_AGENT_MESSAGING", false),
			UseHallucinationDetection: getEnvBool("USE_HALLUCINATION_DETECTION", true),
			UseEvidenceTracking:       getEnvBool("USE_EVIDENCE_TRACKING", true),
			RolloutPercentage:         getEnvFloat("NEW_PIPELINE_ROLLOUT_PERCENTAGE", 0),
			UserWhitelist:             splitCSV(os.Getenv("NEW_PIPELINE_USER_IDS")),
		},

		Queue: DefaultQueueConfig(),
	}

	if err := applyYAMLOverrides(cfg, filepath.Join(configDir, overridesFile)); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	slog.Info("Configuration loaded",
		"environment", cfg.Environment,
		"analysis_mode", cfg.AnalysisMode,
		"providers", cfg.ProviderCount(),
		"split_queues", cfg.UseSplitQueues)

	return cfg, nil
}

// applyYAMLOverrides merges queue settings from the optional overrides file.
// A missing file is not an error.
func applyYAMLOverrides(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	var overrides yamlOverrides
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if overrides.Queue == nil {
		return nil
	}

	// Non-zero override values win over the defaults.
	if err := mergo.Merge(cfg.Queue, overrides.Queue, mergo.WithOverride); err != nil {
		return fmt.Errorf("failed to merge queue overrides: %w", err)
	}
	slog.Info("Applied YAML queue overrides", "path", path)
	return nil
}

// decodeEncryptionKey accepts either a 64-hex-character key or a raw 32-byte
// string. Empty input yields an all-zero development key with a loud warning.
func decodeEncryptionKey(raw string) ([]byte, error) {
	if raw == "" {
		slog.Warn("ENCRYPTION_KEY not set — using zero key; encrypted fields are NOT protected")
		return make([]byte, 32), nil
	}
	if len(raw) == 64 {
		key, err := hex.DecodeString(raw)
		if err == nil {
			return key, nil
		}
		// 64 bytes that are not hex fall through to the raw check below.
	}
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	return nil, fmt.Errorf("must be 64 hex characters or 32 raw bytes, got %d bytes", len(raw))
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
		slog.Warn("Ignoring non-integer environment value", "key", key, "value", value)
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
		slog.Warn("Ignoring non-numeric environment value", "key", key, "value", value)
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
		slog.Warn("Ignoring non-boolean environment value", "key", key, "value", value)
	}
	return defaultValue
}

// getEnvSeconds parses an integer number of seconds.
func getEnvSeconds(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
		slog.Warn("Ignoring invalid duration environment value", "key", key, "value", value)
	}
	return defaultValue
}
