package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/talentbase/resumeflow/pkg/queue"
)

type enqueueRequest struct {
	JobID    string `json:"job_id"`
	UserID   string `json:"user_id" binding:"required"`
	FilePath string `json:"file_path" binding:"required"`
	FileName string `json:"file_name" binding:"required"`
	Mode     string `json:"mode"`
}

// handleEnqueue admits a job to the queue. Slow-lane uploads are refused
// while the slow queue is over the back-pressure threshold, so a burst of
// HWP conversions cannot pile up unbounded work.
func (s *Server) handleEnqueue(c *gin.Context) {
	if s.deps.Broker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "error": "queue not configured"})
		return
	}
	var req enqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	job := queue.NewJob(req.UserID, req.FilePath, req.FileName)
	if req.JobID != "" {
		job.JobID = req.JobID
	}
	if req.Mode != "" {
		job.Kwargs = map[string]any{"mode": req.Mode}
	}

	if job.Lane == queue.LaneSlow {
		throttle, err := s.deps.Broker.ShouldThrottle(c.Request.Context())
		if err == nil && throttle {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"success": false, "job_id": job.JobID,
				"error": "slow queue is over capacity, retry later",
			})
			return
		}
	}

	if err := s.deps.Broker.Enqueue(c.Request.Context(), job); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "enqueue failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true, "job_id": job.JobID,
		"rq_job_id": job.JobID, "status": "queued", "lane": string(job.Lane),
	})
}

func (s *Server) handleQueueStatus(c *gin.Context) {
	if s.deps.Broker == nil {
		c.JSON(http.StatusOK, gin.H{"available": false})
		return
	}
	ctx := c.Request.Context()
	fast, errF := s.deps.Broker.Depth(ctx, queue.LaneFast)
	slow, errS := s.deps.Broker.Depth(ctx, queue.LaneSlow)
	c.JSON(http.StatusOK, gin.H{
		"available":          errF == nil && errS == nil,
		"parse_queue_size":   fast,
		"process_queue_size": slow,
	})
}

func (s *Server) handleDLQStats(c *gin.Context) {
	stats, err := s.deps.Broker.DLQStats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "dlq stats unavailable"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleDLQEntries(c *gin.Context) {
	entries, err := s.deps.Broker.DLQList(c.Request.Context(), queue.DLQFilter{
		JobType: c.Query("job_type"),
		UserID:  c.Query("user_id"),
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "dlq list unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

func (s *Server) handleDLQEntry(c *gin.Context) {
	entry, err := s.deps.Broker.DLQGet(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "dlq entry not found"})
		return
	}
	c.JSON(http.StatusOK, entry)
}

func (s *Server) handleDLQRetry(c *gin.Context) {
	job, err := s.deps.Broker.DLQRetry(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "dlq entry not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "job_id": job.JobID, "lane": string(job.Lane)})
}

func (s *Server) handleDLQDelete(c *gin.Context) {
	if err := s.deps.Broker.DLQDelete(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "dlq entry not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (s *Server) handleDLQClear(c *gin.Context) {
	ctx := c.Request.Context()
	entries, err := s.deps.Broker.DLQList(ctx, queue.DLQFilter{})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "dlq list unavailable"})
		return
	}
	cleared := 0
	for _, e := range entries {
		if err := s.deps.Broker.DLQDelete(ctx, e.DLQID); err == nil {
			cleared++
		}
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "cleared": cleared})
}
