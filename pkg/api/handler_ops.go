package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/talentbase/resumeflow/pkg/flags"
)

func (s *Server) handleHealth(c *gin.Context) {
	if c.Query("detailed") == "" {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
		return
	}

	ctx := c.Request.Context()
	out := gin.H{"status": "ok", "environment": s.deps.Cfg.Environment}
	healthy := true

	if s.deps.DB != nil {
		db, err := s.deps.DB.Health(ctx)
		if err != nil {
			healthy = false
			out["database"] = gin.H{"healthy": false, "error": err.Error()}
		} else {
			out["database"] = db
		}
	}
	if s.deps.Pool != nil {
		pool := s.deps.Pool.Health(ctx)
		out["queue"] = pool
		healthy = healthy && pool.IsHealthy
	}
	out["providers_configured"] = s.deps.Cfg.ProviderCount()

	if !healthy {
		out["status"] = "degraded"
		c.JSON(http.StatusServiceUnavailable, out)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Metrics.Snapshot())
}

func (s *Server) handleMetricsHealth(c *gin.Context) {
	snap := s.deps.Metrics.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"jobs_total":   snap.JobsTotal,
		"success_rate": snap.SuccessRate,
	})
}

func (s *Server) handleMetricsRecent(c *gin.Context) {
	snap := s.deps.Metrics.Snapshot()
	c.JSON(http.StatusOK, gin.H{"stages": snap.Stages})
}

func (s *Server) handleMetricsCost(c *gin.Context) {
	snap := s.deps.Metrics.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"tokens":         snap.Tokens,
		"total_cost_usd": snap.TotalCostUSD,
		"projection":     snap.Projection,
	})
}

func (s *Server) handleFlags(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Flags.Snapshot())
}

func (s *Server) handleFlagsCheck(c *gin.Context) {
	userID := c.Query("user_id")
	jobID := c.Query("job_id")
	c.JSON(http.StatusOK, gin.H{
		"user_id":          userID,
		"job_id":           jobID,
		"use_new_pipeline": s.deps.Flags.UseNewPipeline(userID, jobID),
	})
}

// handleFlagsReload re-seeds the flag set from the startup configuration,
// reverting any runtime overrides.
func (s *Server) handleFlagsReload(c *gin.Context) {
	fc := s.deps.Cfg.Flags
	s.deps.Flags.Update(flags.Config{
		Enabled: map[string]bool{
			flags.FlagNewPipeline:            fc.UseNewPipeline,
			flags.FlagLLMValidation:          fc.UseLLMValidation,
			flags.FlagAgentMessaging:         fc.UseAgentMessaging,
			flags.FlagHallucinationDetection: fc.UseHallucinationDetection,
			flags.FlagEvidenceTracking:       fc.UseEvidenceTracking,
		},
		RolloutPercentage: fc.RolloutPercentage,
		Whitelist:         fc.UserWhitelist,
	})
	c.JSON(http.StatusOK, gin.H{"success": true, "flags": s.deps.Flags.Snapshot()})
}

var startedAt = time.Now()

// handleDebug is mounted outside production only.
func (s *Server) handleDebug(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"environment": s.deps.Cfg.Environment,
		"uptime_s":    int(time.Since(startedAt).Seconds()),
		"goroutines":  runtime.NumGoroutine(),
		"go_version":  runtime.Version(),
		"flags":       s.deps.Flags.Snapshot(),
	})
}
