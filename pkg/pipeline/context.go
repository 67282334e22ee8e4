// Package pipeline carries the shared state of one résumé run through its
// stages and orchestrates stage execution.
package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/talentbase/resumeflow/pkg/models"
	"github.com/talentbase/resumeflow/pkg/pii"
)

// Stage names, in execution order.
const (
	StageParsing       = "parsing"
	StagePIIExtraction = "pii_extraction"
	StageIdentityCheck = "identity_check"
	StageAnalysis      = "analysis"
	StageValidation    = "validation"
	StagePrivacy       = "privacy"
	StageEmbedding     = "embedding"
	StageSave          = "save"
)

// stageOrder drives progression and progress reporting.
var stageOrder = []string{
	StageParsing, StagePIIExtraction, StageIdentityCheck, StageAnalysis,
	StageValidation, StagePrivacy, StageEmbedding, StageSave,
}

// checkpointTTL bounds how long a saved checkpoint may be resumed.
const checkpointTTL = 120 * time.Second

// StageResult records the outcome of one completed stage.
type StageResult struct {
	Stage      string        `json:"stage"`
	OK         bool          `json:"ok"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Context is the mutable state of one pipeline run. PII lives only in
// PII and CurrentData; everything that crosses an LLM boundary reads
// MaskedText instead.
type Context struct {
	RunID    string
	JobID    string
	UserID   string
	Filename string

	// Stage inputs/outputs
	RawInput   []byte
	ParsedText string
	PageCount  int
	MaskedText string

	PII         *pii.Extraction
	CurrentData *models.Candidate

	// Bookkeeping
	StageResults  []StageResult
	Evidence      *EvidenceStore
	Decisions     *DecisionManager
	Hallucination *HallucinationDetector
	Warnings      *WarningCollector
	Audit         *AuditLog
	Guardrails    *GuardrailChecker

	Metadata  map[string]any
	StartedAt time.Time

	checkpointStage string
	checkpointAt    time.Time
}

// NewContext creates the run state for one job. authority names the agent
// whose proposals win unresolvable conflicts.
func NewContext(jobID, userID, filename, authority string, raw []byte) *Context {
	return &Context{
		RunID:       uuid.NewString(),
		JobID:       jobID,
		UserID:      userID,
		Filename:    filename,
		RawInput:    raw,
		CurrentData: &models.Candidate{},
		Evidence:    NewEvidenceStore(),
		Decisions:   NewDecisionManager(authority),
		Warnings:    NewWarningCollector(),
		Audit:       NewAuditLog(),
		Guardrails:  NewGuardrailChecker(0),
		Metadata:    make(map[string]any),
		StartedAt:   time.Now(),
	}
}

// FinishStage records a stage outcome and an audit event.
func (c *Context) FinishStage(stage string, start time.Time, err error) {
	res := StageResult{
		Stage:      stage,
		OK:         err == nil,
		Duration:   time.Since(start),
		FinishedAt: time.Now(),
	}
	if err != nil {
		res.Error = err.Error()
	}
	c.StageResults = append(c.StageResults, res)
	c.Audit.Record(stage, "stage_finished", map[string]any{
		"ok":          res.OK,
		"duration_ms": res.Duration.Milliseconds(),
	})
}

// Checkpoint marks the last fully completed stage so a retried job can skip
// ahead, as long as it resumes within the checkpoint TTL.
func (c *Context) Checkpoint(stage string) {
	c.checkpointStage = stage
	c.checkpointAt = time.Now()
}

// ResumeStage returns the stage to resume from. An expired or absent
// checkpoint restarts the run from the first stage.
func (c *Context) ResumeStage() string {
	if c.checkpointStage == "" || time.Since(c.checkpointAt) > checkpointTTL {
		return stageOrder[0]
	}
	for i, s := range stageOrder {
		if s == c.checkpointStage && i+1 < len(stageOrder) {
			return stageOrder[i+1]
		}
	}
	return stageOrder[0]
}

// Progress returns completed and total stage counts.
func (c *Context) Progress() (done, total int) {
	return len(c.StageResults), len(stageOrder)
}
