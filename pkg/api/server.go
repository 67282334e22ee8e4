// Package api exposes the résumé pipeline over HTTP: synchronous parse and
// analysis endpoints, queue admission, DLQ administration, and operational
// surfaces (health, metrics, feature flags).
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/talentbase/resumeflow/pkg/config"
	"github.com/talentbase/resumeflow/pkg/docparse"
	"github.com/talentbase/resumeflow/pkg/flags"
	"github.com/talentbase/resumeflow/pkg/metrics"
	"github.com/talentbase/resumeflow/pkg/persistence"
	"github.com/talentbase/resumeflow/pkg/pipeline"
	"github.com/talentbase/resumeflow/pkg/queue"
	"github.com/talentbase/resumeflow/pkg/router"
)

// PipelineRunner is the orchestrator surface the handlers drive.
type PipelineRunner interface {
	Process(ctx context.Context, job *queue.Job, data []byte) *pipeline.RunResult
	ProcessText(ctx context.Context, job *queue.Job, text string, opts pipeline.TextOptions) *pipeline.RunResult
}

// DocParser extracts text for the /parse endpoint.
type DocParser interface {
	Parse(data []byte, t router.FileType) (*docparse.Result, error)
}

// DBHealth reports database reachability for the detailed health check.
type DBHealth interface {
	Health(ctx context.Context) (*persistence.HealthStatus, error)
}

// Deps wires the server's collaborators. Broker and Pool may be nil when
// the process runs without queue workers (synchronous-only deployments).
type Deps struct {
	Cfg     *config.Config
	Runner  PipelineRunner
	Parser  DocParser
	Broker  *queue.Broker
	Pool    *queue.WorkerPool
	DB      DBHealth
	Metrics *metrics.Registry
	Flags   *flags.Flags
	Logger  *slog.Logger
}

// Server is the HTTP surface.
type Server struct {
	deps   Deps
	engine *gin.Engine
	http   *http.Server
	log    *slog.Logger
}

// NewServer builds the gin engine with all routes and middleware mounted.
func NewServer(deps Deps) *Server {
	if deps.Cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		deps: deps,
		log:  deps.Logger.With("component", "api"),
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(s.requestLog())
	engine.Use(s.cors())

	// Health stays unauthenticated for load balancers.
	engine.GET("/health", s.handleHealth)

	v1 := engine.Group("/api/v1", s.auth())
	{
		v1.POST("/parse", s.handleParse)
		v1.POST("/analyze", s.handleAnalyze)
		v1.POST("/process", s.handleProcess)
		v1.POST("/pipeline", s.handlePipeline)

		v1.POST("/queue/enqueue", s.handleEnqueue)
		v1.GET("/queue/status", s.handleQueueStatus)

		v1.GET("/dlq/stats", s.handleDLQStats)
		v1.GET("/dlq/entries", s.handleDLQEntries)
		v1.GET("/dlq/entry/:id", s.handleDLQEntry)
		v1.POST("/dlq/retry/:id", s.handleDLQRetry)
		v1.DELETE("/dlq/entry/:id", s.handleDLQDelete)
		v1.DELETE("/dlq/clear", s.handleDLQClear)

		v1.GET("/metrics", s.handleMetrics)
		v1.GET("/metrics/health", s.handleMetricsHealth)
		v1.GET("/metrics/recent", s.handleMetricsRecent)
		v1.GET("/metrics/llm-cost", s.handleMetricsCost)

		v1.GET("/feature-flags", s.handleFlags)
		v1.GET("/feature-flags/check", s.handleFlagsCheck)
		v1.POST("/feature-flags/reload", s.handleFlagsReload)

		if !deps.Cfg.IsProduction() {
			v1.GET("/debug", s.handleDebug)
		}
	}

	s.engine = engine
	return s
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Start serves until the listener fails or Shutdown runs.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("http server listening", "addr", addr)
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
