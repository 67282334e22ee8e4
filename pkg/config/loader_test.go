package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEncryptionKey_Hex(t *testing.T) {
	key, err := decodeEncryptionKey("00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	require.NoError(t, err)
	assert.Len(t, key, 32)
	assert.Equal(t, byte(0x00), key[0])
	assert.Equal(t, byte(0xff), key[31])
}

func TestDecodeEncryptionKey_Raw32(t *testing.T) {
	key, err := decodeEncryptionKey("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestDecodeEncryptionKey_Empty(t *testing.T) {
	key, err := decodeEncryptionKey("")
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 32), key, "empty key falls back to zero development key")
}

func TestDecodeEncryptionKey_Invalid(t *testing.T) {
	_, err := decodeEncryptionKey("too-short")
	assert.Error(t, err)
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ModePhase1, cfg.AnalysisMode)
	assert.Equal(t, 100, cfg.MinTextLength)
	assert.InDelta(t, 0.85, cfg.LLMConfidenceThreshold, 1e-9)
	assert.Equal(t, 120*time.Second, cfg.LLMTimeout)
	assert.Equal(t, 10*time.Second, cfg.LLMConnectTimeout)
	assert.Equal(t, 3, cfg.LLMMaxRetries)
	assert.Equal(t, 5*time.Minute, cfg.Queue.FastJobTimeout)
	assert.Equal(t, 20*time.Minute, cfg.Queue.SlowJobTimeout)
	assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second}, cfg.Queue.FastRetryIntervals)
	assert.Equal(t, int64(50), cfg.Queue.BackpressureThreshold)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	t.Setenv("ANALYSIS_MODE", "phase_2")
	t.Setenv("LLM_TIMEOUT_SECONDS", "60")
	t.Setenv("USE_PARALLEL_LLM", "true")
	t.Setenv("NEW_PIPELINE_ROLLOUT_PERCENTAGE", "0.25")
	t.Setenv("NEW_PIPELINE_USER_IDS", "user-a, user-b")
	t.Setenv("ALLOWED_ORIGINS", "https://app.example.com")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, ModePhase2, cfg.AnalysisMode)
	assert.Equal(t, 60*time.Second, cfg.LLMTimeout)
	assert.True(t, cfg.UseParallelLLM)
	assert.InDelta(t, 0.25, cfg.Flags.RolloutPercentage, 1e-9)
	assert.Equal(t, []string{"user-a", "user-b"}, cfg.Flags.UserWhitelist)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.AllowedOrigins)
}

func TestLoad_YAMLQueueOverrides(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	dir := t.TempDir()
	yaml := []byte("queue:\n  fast_workers: 8\n  backpressure_threshold: 100\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, overridesFile), yaml, 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Queue.FastWorkers)
	assert.Equal(t, int64(100), cfg.Queue.BackpressureThreshold)
	// Untouched values keep their defaults.
	assert.Equal(t, 2, cfg.Queue.SlowWorkers)
}

func TestLoad_InvalidAnalysisMode(t *testing.T) {
	t.Setenv("ENCRYPTION_KEY", "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	t.Setenv("ANALYSIS_MODE", "phase_9")
	_, err := Load(t.TempDir())
	assert.Error(t, err)
}

func TestProviderCount(t *testing.T) {
	cfg := &Config{OpenAIAPIKey: "a", AnthropicAPIKey: "b"}
	assert.Equal(t, 2, cfg.ProviderCount())
}
