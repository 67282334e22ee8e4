// Resumeflow server — provides the HTTP API, manages queue workers, and
// orchestrates résumé processing end to end.
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/redis/go-redis/v9"

	"github.com/talentbase/resumeflow/pkg/analyst"
	"github.com/talentbase/resumeflow/pkg/api"
	"github.com/talentbase/resumeflow/pkg/cleanup"
	"github.com/talentbase/resumeflow/pkg/config"
	"github.com/talentbase/resumeflow/pkg/docparse"
	"github.com/talentbase/resumeflow/pkg/embedder"
	"github.com/talentbase/resumeflow/pkg/flags"
	"github.com/talentbase/resumeflow/pkg/httppool"
	"github.com/talentbase/resumeflow/pkg/llm"
	"github.com/talentbase/resumeflow/pkg/metrics"
	"github.com/talentbase/resumeflow/pkg/persistence"
	"github.com/talentbase/resumeflow/pkg/pipeline"
	"github.com/talentbase/resumeflow/pkg/privacy"
	"github.com/talentbase/resumeflow/pkg/queue"
	"github.com/talentbase/resumeflow/pkg/storage"
	"github.com/talentbase/resumeflow/pkg/validator"
	"github.com/talentbase/resumeflow/pkg/version"
	"github.com/talentbase/resumeflow/pkg/webhook"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// resolvePodID determines the pod identifier for multi-replica coordination.
// Priority: POD_ID env > HOSTNAME env > "local"
func resolvePodID() string {
	if id := os.Getenv("POD_ID"); id != "" {
		return id
	}
	if hostname := os.Getenv("HOSTNAME"); hostname != "" {
		return hostname
	}
	return "local"
}

func main() {
	configDir := flag.String("config-dir",
		getEnv("CONFIG_DIR", "."),
		"Path to configuration directory")
	flag.Parse()

	httpPort := getEnv("HTTP_PORT", "8080")
	podID := resolvePodID()

	// 1. Load configuration (.env + environment + YAML queue overrides)
	cfg, err := config.Load(*configDir)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	logger.Info("Starting resumeflow",
		"version", version.Full(),
		"http_port", httpPort,
		"pod_id", podID,
		"environment", cfg.Environment)

	// Must happen before anything grabs the shared pool.
	httppool.SetConnectTimeout(cfg.LLMConnectTimeout)

	ctx := context.Background()

	// 2. Connect to PostgreSQL and apply pending migrations
	dbClient, err := persistence.NewClient(ctx, persistence.Config{
		DSN:             cfg.DatabaseURL,
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	})
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logger.Error("Error closing database client", "error", err)
		}
	}()
	store := persistence.NewStore(dbClient, logger)
	logger.Info("Connected to PostgreSQL database")

	// 3. Connect to Redis and build the queue broker
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("Invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(redisOpts)
	defer func() { _ = rdb.Close() }()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Error("Failed to connect to redis", "error", err)
		os.Exit(1)
	}
	broker := queue.NewBroker(rdb, cfg.Queue, podID, logger)
	logger.Info("Connected to redis", "addr", redisOpts.Addr)

	// 3a. One-time startup orphan recovery for jobs this pod abandoned
	if _, err := broker.RecoverOrphans(ctx); err != nil {
		logger.Error("Startup orphan recovery failed", "error", err)
		// Non-fatal — continue
	}

	// 4. LLM providers, ordered by authority
	retryPolicy := llm.RetryPolicy{
		BaseInterval: 1 * time.Second,
		MaxInterval:  8 * time.Second,
		MaxRetries:   cfg.LLMMaxRetries,
	}
	var providers []llm.Provider
	var providerNames []string
	if cfg.OpenAIAPIKey != "" {
		providers = append(providers, llm.NewOpenAIProvider(cfg.OpenAIAPIKey, ""))
		providerNames = append(providerNames, "openai")
	}
	if cfg.GeminiAPIKey != "" {
		gemini, err := llm.NewGeminiProvider(cfg.GeminiAPIKey, "")
		if err != nil {
			logger.Error("Failed to initialize Gemini provider", "error", err)
			os.Exit(1)
		}
		providers = append(providers, gemini)
		providerNames = append(providerNames, "gemini")
	}
	if cfg.AnthropicAPIKey != "" {
		providers = append(providers, llm.NewAnthropicProvider(cfg.AnthropicAPIKey, ""))
		providerNames = append(providerNames, "anthropic")
	}
	if len(providers) == 0 {
		logger.Error("No LLM provider credentials configured")
		os.Exit(1)
	}
	mgr := llm.NewManager(cfg.LLMTimeout, retryPolicy, providers...)
	authority := providerNames[0]
	logger.Info("LLM providers initialized", "providers", providerNames, "authority", authority)

	strategy := analyst.StrategyProgressive
	if cfg.UseParallelLLM {
		strategy = analyst.StrategyParallel
	}
	resumeAnalyst := analyst.New(mgr, analyst.Options{
		Strategy:            strategy,
		Providers:           providerNames,
		ConfidenceThreshold: cfg.LLMConfidenceThreshold,
		DeepVerification:    cfg.AnalysisMode == config.ModePhase2,
	}, logger)

	var verifier pipeline.FieldVerifier
	if len(providerNames) >= 2 {
		verifier = validator.NewVerifier(mgr, providerNames, logger)
	}

	// 5. Embeddings, crypto, masking, storage, webhook
	openaiCfg := openai.DefaultConfig(cfg.OpenAIAPIKey)
	openaiCfg.HTTPClient = httppool.Shared()
	emb := embedder.New(openai.NewClientWithConfig(openaiCfg), retryPolicy, logger)

	cipher, err := privacy.NewCipher(cfg.EncryptionKey)
	if err != nil {
		logger.Error("Failed to initialize cipher", "error", err)
		os.Exit(1)
	}
	masker := privacy.NewMasker()
	storageClient := storage.Shared(cfg.SupabaseURL, cfg.SupabaseServiceRoleKey, "resumes", storage.Options{
		Timeout:    cfg.StorageTimeout,
		MaxRetries: cfg.StorageMaxRetries,
	})
	notifier := webhook.New(cfg.WebhookURL, cfg.WebhookSecret, cfg.WebhookTimeout, cfg.WebhookMaxRetries, logger)

	featureFlags := flags.New(flags.Config{
		Enabled: map[string]bool{
			flags.FlagNewPipeline:            cfg.Flags.UseNewPipeline,
			flags.FlagLLMValidation:          cfg.Flags.UseLLMValidation,
			flags.FlagAgentMessaging:         cfg.Flags.UseAgentMessaging,
			flags.FlagHallucinationDetection: cfg.Flags.UseHallucinationDetection,
			flags.FlagEvidenceTracking:       cfg.Flags.UseEvidenceTracking,
		},
		RolloutPercentage: cfg.Flags.RolloutPercentage,
		Whitelist:         cfg.Flags.UserWhitelist,
	})
	registry := metrics.NewRegistry()
	parser := docparse.New(cfg.MinTextLength, logger)

	// 6. Orchestrator and worker pool
	orch := pipeline.NewOrchestrator(pipeline.Deps{
		Storage:   storageClient,
		Parser:    parser,
		Analyst:   resumeAnalyst,
		Verifier:  verifier,
		Embedder:  emb,
		Masker:    masker,
		Cipher:    cipher,
		Store:     store,
		DB:        dbClient.DB(),
		Notifier:  notifier,
		Metrics:   registry,
		Flags:     featureFlags,
		Authority: authority,
		Logger:    logger,

		StageTimeout:    cfg.StageTimeout,
		PipelineTimeout: cfg.PipelineTimeout,
	})

	isPermanent := func(err error) bool {
		return persistence.Permanent(persistence.Classify(err))
	}
	workerPool := queue.NewWorkerPool(podID, broker, cfg.Queue, orch, isPermanent)
	if err := workerPool.Start(ctx); err != nil {
		logger.Error("Failed to start worker pool", "error", err)
		os.Exit(1)
	}

	// 6a. Retention purge for soft-deleted candidate versions
	retention := cleanup.NewService(store, cleanup.DefaultRetention, time.Hour, logger)
	retention.Start(ctx)
	defer retention.Stop()

	// 7. HTTP server
	httpServer := api.NewServer(api.Deps{
		Cfg:     cfg,
		Runner:  orch,
		Parser:  parser,
		Broker:  broker,
		Pool:    workerPool,
		DB:      dbClient,
		Metrics: registry,
		Flags:   featureFlags,
		Logger:  logger,
	})

	// 8. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(":" + httpPort); err != nil && err != http.ErrServerClosed {
			logger.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	logger.Info("Resumeflow started successfully",
		"pod_id", podID,
		"fast_workers", cfg.Queue.FastWorkers,
		"slow_workers", cfg.Queue.SlowWorkers)

	// 9. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		logger.Error("Server error triggered shutdown", "error", err)
	}

	// 10. Graceful shutdown: drain workers, then the HTTP listener
	workerShutdownCtx, workerCancel := context.WithTimeout(ctx, cfg.Queue.GracefulShutdownTimeout)
	defer workerCancel()

	done := make(chan struct{})
	go func() {
		workerPool.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Worker pool stopped gracefully")
	case <-workerShutdownCtx.Done():
		logger.Warn("Shutdown timeout exceeded — in-flight jobs will be orphan-recovered")
	}

	httpShutdownCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	logger.Info("Shutdown complete")
}
