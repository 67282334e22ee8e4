package api

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/talentbase/resumeflow/pkg/config"
	"github.com/talentbase/resumeflow/pkg/models"
	"github.com/talentbase/resumeflow/pkg/persistence"
	"github.com/talentbase/resumeflow/pkg/pipeline"
	"github.com/talentbase/resumeflow/pkg/queue"
	"github.com/talentbase/resumeflow/pkg/router"
)

// handleParse classifies and extracts text from an uploaded file without
// running the rest of the pipeline.
func (s *Server) handleParse(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error_message": "missing file"})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error_message": "unreadable file"})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error_message": "unreadable file"})
		return
	}

	cls := router.Classify(data, fh.Filename)
	if cls.Rejected {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"success": false, "file_type": string(cls.Type),
			"is_encrypted": cls.Encrypted, "error_message": cls.RejectReason,
			"warnings": cls.Warnings,
		})
		return
	}

	res, err := s.deps.Parser.Parse(data, cls.Type)
	if err != nil {
		code := persistence.Classify(err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"success": false, "file_type": string(cls.Type),
			"is_encrypted":  code == persistence.CodeEncrypted,
			"error_message": persistence.UserMessage(code, c.GetHeader("Accept-Language")),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"text":         res.CleanedText,
		"file_type":    string(cls.Type),
		"parse_method": res.ParseMethod,
		"page_count":   res.PageCount,
		"is_encrypted": false,
		"warnings":     res.Warnings,
	})
}

type analyzeRequest struct {
	Text   string `json:"text" binding:"required"`
	UserID string `json:"user_id" binding:"required"`
	JobID  string `json:"job_id"`
	Mode   string `json:"mode"`
}

// handleAnalyze runs PII masking plus the LLM cross-check over raw text and
// returns the structured record without persisting anything.
func (s *Server) handleAnalyze(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	job := textJob(req.JobID, req.UserID)

	start := time.Now()
	res := s.deps.Runner.ProcessText(c.Request.Context(), job, req.Text, pipeline.TextOptions{
		MaskPII: true,
	})
	if res.Status != models.StatusCompleted {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"success": false, "error_code": string(res.ErrorCode),
			"error": persistence.UserMessage(res.ErrorCode, c.GetHeader("Accept-Language")),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":            true,
		"data":               res.Candidate,
		"confidence_score":   res.Candidate.OverallConfidence,
		"field_confidence":   res.Candidate.FieldConfidence,
		"warnings":           res.Warnings,
		"processing_time_ms": time.Since(start).Milliseconds(),
		"mode":               modeOrDefault(req.Mode, s.deps.Cfg),
	})
}

type processRequest struct {
	Text               string `json:"text" binding:"required"`
	UserID             string `json:"user_id" binding:"required"`
	JobID              string `json:"job_id"`
	Mode               string `json:"mode"`
	GenerateEmbeddings bool   `json:"generate_embeddings"`
	MaskPII            bool   `json:"mask_pii"`
	SaveToDB           bool   `json:"save_to_db"`
	SourceFile         string `json:"source_file"`
	FileType           string `json:"file_type"`
}

// handleProcess runs the text pipeline end to end, optionally with
// embeddings and persistence.
func (s *Server) handleProcess(c *gin.Context) {
	var req processRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}
	job := textJob(req.JobID, req.UserID)
	job.Filename = req.SourceFile

	start := time.Now()
	res := s.deps.Runner.ProcessText(c.Request.Context(), job, req.Text, pipeline.TextOptions{
		MaskPII:            req.MaskPII,
		GenerateEmbeddings: req.GenerateEmbeddings,
		SaveToDB:           req.SaveToDB,
	})
	if res.Status != models.StatusCompleted {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"success": false, "error_code": string(res.ErrorCode),
			"error": persistence.UserMessage(res.ErrorCode, c.GetHeader("Accept-Language")),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":            true,
		"candidate_id":       res.CandidateID,
		"data":               res.Candidate,
		"confidence_score":   res.Candidate.OverallConfidence,
		"pii_count":          res.PIICount,
		"pii_types":          res.PIITypes,
		"chunks_saved":       res.ChunksSaved,
		"embedding_tokens":   res.EmbeddingTokens,
		"warnings":           res.Warnings,
		"processing_time_ms": time.Since(start).Milliseconds(),
	})
}

type pipelineRequest struct {
	FileURL             string `json:"file_url" binding:"required"`
	FileName            string `json:"file_name" binding:"required"`
	UserID              string `json:"user_id" binding:"required"`
	JobID               string `json:"job_id"`
	Mode                string `json:"mode"`
	IsRetry             bool   `json:"is_retry"`
	SkipCreditDeduction bool   `json:"skip_credit_deduction"`
}

// handlePipeline runs the full file pipeline synchronously to completion.
func (s *Server) handlePipeline(c *gin.Context) {
	var req pipelineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": err.Error()})
		return
	}

	job := queue.NewJob(req.UserID, req.FileURL, req.FileName)
	if req.JobID != "" {
		job.JobID = req.JobID
	}
	if req.SkipCreditDeduction {
		job.Kwargs = map[string]any{"credit_debited": true}
	}

	res := s.deps.Runner.Process(c.Request.Context(), job, nil)
	if res.Status != models.StatusCompleted {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"success": false, "job_id": job.JobID,
			"message": persistence.UserMessage(res.ErrorCode, c.GetHeader("Accept-Language")),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true, "job_id": job.JobID,
		"message": "pipeline completed", "candidate_id": res.CandidateID,
	})
}

func textJob(jobID, userID string) *queue.Job {
	job := &queue.Job{
		JobID:      jobID,
		UserID:     userID,
		JobType:    "resume_processing",
		Lane:       queue.LaneFast,
		EnqueuedAt: time.Now(),
	}
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	return job
}

func modeOrDefault(mode string, cfg *config.Config) string {
	if mode != "" {
		return mode
	}
	return string(cfg.AnalysisMode)
}
