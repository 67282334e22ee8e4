package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/talentbase/resumeflow/pkg/analyst"
	"github.com/talentbase/resumeflow/pkg/docparse"
	"github.com/talentbase/resumeflow/pkg/embedder"
	"github.com/talentbase/resumeflow/pkg/flags"
	"github.com/talentbase/resumeflow/pkg/llm"
	"github.com/talentbase/resumeflow/pkg/metrics"
	"github.com/talentbase/resumeflow/pkg/models"
	"github.com/talentbase/resumeflow/pkg/persistence"
	"github.com/talentbase/resumeflow/pkg/pii"
	"github.com/talentbase/resumeflow/pkg/privacy"
	"github.com/talentbase/resumeflow/pkg/queue"
	"github.com/talentbase/resumeflow/pkg/router"
	"github.com/talentbase/resumeflow/pkg/validator"
	"github.com/talentbase/resumeflow/pkg/webhook"
)

// Downloader fetches the uploaded file from object storage.
type Downloader interface {
	Download(ctx context.Context, path string) ([]byte, error)
}

// Parser turns a classified file into cleaned text.
type Parser interface {
	Parse(data []byte, t router.FileType) (*docparse.Result, error)
}

// Analyzer runs the LLM cross-check over masked text.
type Analyzer interface {
	Analyze(ctx context.Context, maskedText string) (*analyst.Result, error)
}

// FieldVerifier runs the optional LLM validation layer.
type FieldVerifier interface {
	VerifyFields(ctx context.Context, c *models.Candidate, text string) ([]validator.FieldResult, map[string]llm.Usage, error)
}

// ChunkEmbedder produces vectors for candidate chunks.
type ChunkEmbedder interface {
	EmbedChunks(ctx context.Context, chunks []embedder.Chunk) (*embedder.Result, error)
}

// Notifier posts progressive status updates.
type Notifier interface {
	Notify(ctx context.Context, event webhook.Event) error
}

// CandidateStore is the persistence surface the orchestrator drives.
type CandidateStore interface {
	FindDuplicate(ctx context.Context, r *persistence.Record) (*persistence.Match, error)
	Supersede(ctx context.Context, existingID string, log *persistence.ActionLog) error
	Insert(ctx context.Context, r *persistence.Record, log *persistence.ActionLog) (string, error)
	InsertChunks(ctx context.Context, candidateID string, chunks []persistence.ChunkRow, log *persistence.ActionLog) error
	SoftDelete(ctx context.Context, id string, code persistence.ErrorCode, message string) error
	RestoreLatest(ctx context.Context, parentID string) error
	HasCredit(ctx context.Context, userID string) (bool, error)
	DebitCredit(ctx context.Context, userID string) (bool, error)
}

// DBExecer is the handle compensation rollback replays against.
type DBExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Storage   Downloader
	Parser    Parser
	Analyst   Analyzer
	Verifier  FieldVerifier // nil disables the LLM validation layer
	Embedder  ChunkEmbedder
	Masker    *privacy.Masker
	Cipher    *privacy.Cipher
	Store     CandidateStore
	DB        DBExecer
	Notifier  Notifier
	Metrics   *metrics.Registry
	Flags     *flags.Flags
	Authority string // agent whose proposals win unresolvable conflicts
	Logger    *slog.Logger

	// StageTimeout bounds each stage; PipelineTimeout replaces the default
	// whole-run wall-clock budget. Zero keeps the defaults.
	StageTimeout    time.Duration
	PipelineTimeout time.Duration
}

// Orchestrator runs the stage machine for one job at a time. It is
// stateless across runs; all per-run state lives in the Context.
type Orchestrator struct {
	deps Deps
	log  *slog.Logger
}

// NewOrchestrator builds the stage machine.
func NewOrchestrator(deps Deps) *Orchestrator {
	return &Orchestrator{deps: deps, log: deps.Logger.With("component", "orchestrator")}
}

// RunResult is the terminal outcome of one pipeline run.
type RunResult struct {
	CandidateID string                `json:"candidate_id,omitempty"`
	Status      models.Status         `json:"status"`
	Candidate   *models.Candidate     `json:"candidate,omitempty"`
	Warnings    []Warning             `json:"warnings,omitempty"`
	ErrorCode   persistence.ErrorCode `json:"error_code,omitempty"`
	Error       string                `json:"error,omitempty"`
	Duplicate   *persistence.Match    `json:"duplicate,omitempty"`
	TokensUsed  int                   `json:"tokens_used"`
	ChunksSaved int                   `json:"chunks_saved"`
	Stages      []StageResult         `json:"stages"`

	EmbeddingTokens int      `json:"embedding_tokens"`
	PIICount        int      `json:"pii_count"`
	PIITypes        []string `json:"pii_types,omitempty"`
}

// collectMetadata copies the stage-reported run facts out of the context.
func (r *RunResult) collectMetadata(pctx *Context) {
	if id, ok := pctx.Metadata["candidate_id"].(string); ok {
		r.CandidateID = id
	}
	if m, ok := pctx.Metadata["duplicate"].(*persistence.Match); ok {
		r.Duplicate = m
	}
	if n, ok := pctx.Metadata["tokens_used"].(int); ok {
		r.TokensUsed = n
	}
	if n, ok := pctx.Metadata["chunks_saved"].(int); ok {
		r.ChunksSaved = n
	}
	if n, ok := pctx.Metadata["embedding_tokens"].(int); ok {
		r.EmbeddingTokens = n
	}
	if n, ok := pctx.Metadata["pii_count"].(int); ok {
		r.PIICount = n
	}
	if types, ok := pctx.Metadata["pii_types"].([]string); ok {
		r.PIITypes = types
	}
}

// Execute satisfies the queue worker contract: fetch, process, notify.
// The returned error drives the queue's retry/DLQ policy.
func (o *Orchestrator) Execute(ctx context.Context, job *queue.Job) error {
	res := o.Process(ctx, job, nil)
	if res.Status == models.StatusCompleted {
		return nil
	}
	return fmt.Errorf("%s: %s", res.ErrorCode, res.Error)
}

// Process runs the full pipeline for one job. data may carry the file bytes
// directly (synchronous API path); when nil the file is downloaded from
// storage. All failures are folded into the returned RunResult; webhooks
// and metrics are emitted before returning.
func (o *Orchestrator) Process(ctx context.Context, job *queue.Job, data []byte) *RunResult {
	pctx := NewContext(job.JobID, job.UserID, job.Filename, o.deps.Authority, data)
	if o.deps.PipelineTimeout > 0 {
		pctx.Guardrails = NewGuardrailChecker(o.deps.PipelineTimeout)
	}
	o.log.Info("pipeline run started",
		"run_id", pctx.RunID, "job_id", job.JobID, "user_id", job.UserID,
		"filename", job.Filename, "lane", job.Lane,
		"new_pipeline", o.deps.Flags.UseNewPipeline(job.UserID, job.JobID))
	o.notify(ctx, job.JobID, "processing", nil, nil)

	err := o.runStages(ctx, job, pctx, nil)

	res := &RunResult{
		Candidate: pctx.CurrentData,
		Warnings:  pctx.Warnings.All(),
		Stages:    pctx.StageResults,
	}
	res.collectMetadata(pctx)

	if err != nil {
		code := persistence.Classify(err)
		res.Status = models.StatusFailed
		if persistence.Rejectable(code) {
			res.Status = models.StatusRejected
		}
		res.ErrorCode = code
		res.Error = err.Error()
		pctx.Audit.Record("finalize", "run_failed", map[string]any{
			"code": string(code), "error": err.Error(),
		})
		o.deps.Metrics.RecordJob(false)
		o.notify(ctx, job.JobID, string(res.Status), nil, &webhook.Error{
			Code:    string(code),
			Message: persistence.UserMessage(code, "ko"),
		})
		o.log.Warn("pipeline run failed",
			"run_id", pctx.RunID, "job_id", job.JobID, "code", code, "error", err)
		return res
	}

	res.Status = models.StatusCompleted
	o.deps.Metrics.RecordJob(true)
	o.notify(ctx, job.JobID, "completed", map[string]any{
		"candidate_id":       res.CandidateID,
		"overall_confidence": pctx.CurrentData.OverallConfidence,
		"warning_count":      len(res.Warnings),
	}, nil)
	o.log.Info("pipeline run completed",
		"run_id", pctx.RunID, "job_id", job.JobID, "candidate_id", res.CandidateID,
		"confidence", pctx.CurrentData.OverallConfidence,
		"tokens", res.TokensUsed, "llm_calls", pctx.Guardrails.TotalCalls())
	return res
}

// TextOptions tune the text-input entry point used by the synchronous API.
type TextOptions struct {
	MaskPII            bool
	GenerateEmbeddings bool
	SaveToDB           bool
	SkipCredit         bool
}

// ProcessText runs the pipeline over already-extracted text, skipping the
// parsing stage. Used by the synchronous /analyze and /process handlers.
func (o *Orchestrator) ProcessText(ctx context.Context, job *queue.Job, text string, opts TextOptions) *RunResult {
	pctx := NewContext(job.JobID, job.UserID, job.Filename, o.deps.Authority, nil)
	if o.deps.PipelineTimeout > 0 {
		pctx.Guardrails = NewGuardrailChecker(o.deps.PipelineTimeout)
	}
	pctx.ParsedText = docparse.CleanText(text)
	if opts.SkipCredit {
		markDebited(job)
	}

	skip := map[string]bool{StageParsing: true}
	if !opts.GenerateEmbeddings {
		skip[StageEmbedding] = true
	}
	if !opts.SaveToDB {
		skip[StagePrivacy] = true
		skip[StageEmbedding] = true
		skip[StageSave] = true
		pctx.Metadata["analysis_only"] = true
	} else if !opts.SkipCredit {
		ok, err := o.deps.Store.HasCredit(ctx, job.UserID)
		if err == nil && !ok {
			o.deps.Metrics.RecordJob(false)
			return &RunResult{
				Status:    models.StatusRejected,
				ErrorCode: persistence.CodeInsufficientCredits,
				Error:     fmt.Sprintf("insufficient credits for user %s", job.UserID),
			}
		}
	}
	if !opts.MaskPII {
		skip[StagePIIExtraction] = true
		pctx.MaskedText = pctx.ParsedText
		pctx.Hallucination = NewHallucinationDetector(pctx.ParsedText)
	}

	err := o.runStages(ctx, job, pctx, skip)

	res := &RunResult{
		Candidate: pctx.CurrentData,
		Warnings:  pctx.Warnings.All(),
		Stages:    pctx.StageResults,
	}
	res.collectMetadata(pctx)
	if err != nil {
		code := persistence.Classify(err)
		res.Status = models.StatusFailed
		if persistence.Rejectable(code) {
			res.Status = models.StatusRejected
		}
		res.ErrorCode = code
		res.Error = err.Error()
		o.deps.Metrics.RecordJob(false)
		return res
	}
	res.Status = models.StatusCompleted
	o.deps.Metrics.RecordJob(true)
	return res
}

func (o *Orchestrator) runStages(ctx context.Context, job *queue.Job, pctx *Context, skip map[string]bool) error {
	stages := []struct {
		name string
		fn   func(context.Context, *queue.Job, *Context) error
	}{
		{StageParsing, o.stageParsing},
		{StagePIIExtraction, o.stagePIIExtraction},
		{StageIdentityCheck, o.stageIdentityCheck},
		{StageAnalysis, o.stageAnalysis},
		{StageValidation, o.stageValidation},
		{StagePrivacy, o.stagePrivacy},
		{StageEmbedding, o.stageEmbedding},
		{StageSave, o.stageSave},
	}
	for _, s := range stages {
		if skip[s.name] {
			continue
		}
		if err := pctx.Guardrails.CheckDeadline(); err != nil {
			return err
		}
		start := time.Now()
		err := o.runStage(ctx, s.fn, job, pctx)
		pctx.FinishStage(s.name, start, err)
		o.deps.Metrics.RecordStage(s.name, time.Since(start))
		if err != nil {
			return fmt.Errorf("stage %s: %w", s.name, err)
		}
		pctx.Checkpoint(s.name)
	}
	return nil
}

// runStage bounds a single stage with the configured timeout.
func (o *Orchestrator) runStage(ctx context.Context, fn func(context.Context, *queue.Job, *Context) error, job *queue.Job, pctx *Context) error {
	if o.deps.StageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.deps.StageTimeout)
		defer cancel()
	}
	return fn(ctx, job, pctx)
}

// stageParsing checks credit, fetches the file when needed, classifies it,
// and extracts the text.
func (o *Orchestrator) stageParsing(ctx context.Context, job *queue.Job, pctx *Context) error {
	ok, err := o.deps.Store.HasCredit(ctx, job.UserID)
	if err != nil {
		return fmt.Errorf("credit lookup: %w", err)
	}
	if !ok {
		return fmt.Errorf("insufficient credits for user %s", job.UserID)
	}

	if pctx.RawInput == nil {
		data, err := o.deps.Storage.Download(ctx, job.FilePath)
		if err != nil {
			return fmt.Errorf("download %s: %w", job.FilePath, err)
		}
		pctx.RawInput = data
	}

	cls := router.Classify(pctx.RawInput, job.Filename)
	if cls.Rejected {
		return fmt.Errorf("file rejected: %s", cls.RejectReason)
	}
	pctx.Metadata["file_type"] = string(cls.Type)

	parsed, err := o.deps.Parser.Parse(pctx.RawInput, cls.Type)
	if err != nil {
		return err
	}
	pctx.ParsedText = parsed.CleanedText
	pctx.PageCount = parsed.PageCount
	pctx.Metadata["parse_method"] = parsed.ParseMethod
	pctx.Metadata["sections"] = parsed.Sections
	// Original bytes are no longer needed; let them go before analysis.
	pctx.RawInput = nil

	o.notify(ctx, job.JobID, "parsed", map[string]any{
		"file_type":  string(cls.Type),
		"page_count": parsed.PageCount,
	}, nil)
	return nil
}

func (o *Orchestrator) stagePIIExtraction(_ context.Context, job *queue.Job, pctx *Context) error {
	ex := pii.Extract(pctx.ParsedText, job.Filename)
	pctx.PII = ex
	if ex.MaskedText != "" {
		pctx.MaskedText = ex.MaskedText
	} else {
		pctx.MaskedText = pctx.ParsedText
	}
	pctx.Hallucination = NewHallucinationDetector(pctx.ParsedText)

	types := make([]string, 0, 3)
	if ex.Name.Found() {
		types = append(types, "name")
	}
	if ex.Phone.Found() {
		types = append(types, "phone")
	}
	if ex.Email.Found() {
		types = append(types, "email")
	}
	pctx.Metadata["pii_count"] = len(types)
	pctx.Metadata["pii_types"] = types

	pctx.Audit.Record(StagePIIExtraction, "pii_extracted", map[string]any{
		"name_found":  ex.Name.Found(),
		"phone_found": ex.Phone.Found(),
		"email_found": ex.Email.Found(),
	})
	return nil
}

// stageIdentityCheck rejects documents carrying more than one identity
// before any credit-consuming work runs.
func (o *Orchestrator) stageIdentityCheck(_ context.Context, _ *queue.Job, pctx *Context) error {
	names := pii.AllNames(pctx.ParsedText)
	phones := pii.AllPhones(pctx.ParsedText)
	emails := pii.AllEmails(pctx.ParsedText)
	if len(names) > 1 || len(phones) > 1 || len(emails) > 1 {
		return fmt.Errorf("multiple identities detected: %d names, %d phones, %d emails",
			len(names), len(phones), len(emails))
	}
	return nil
}

func (o *Orchestrator) stageAnalysis(ctx context.Context, job *queue.Job, pctx *Context) error {
	res, err := o.deps.Analyst.Analyze(ctx, pctx.MaskedText)
	if err != nil {
		return err
	}

	for _, p := range res.ProvidersCalled {
		if gerr := pctx.Guardrails.RecordCall(StageAnalysis); gerr != nil {
			return gerr
		}
		u := res.Usage[p]
		o.deps.Metrics.RecordTokens(p, "", u.Prompt, u.Completion)
	}
	pctx.Metadata["tokens_used"] = res.TotalTokens()

	pctx.CurrentData = res.Candidate
	for _, w := range res.Warnings {
		pctx.Warnings.Add(Warning{
			Code: w.Code, Severity: Severity(w.Severity),
			Field: w.Field, Message: w.Message, Stage: StageAnalysis,
		})
	}

	if o.deps.Flags.IsEnabled(flags.FlagEvidenceTracking) {
		o.trackEvidence(pctx, res)
	}

	o.notify(ctx, job.JobID, "analyzed", map[string]any{
		"overall_confidence": res.Candidate.OverallConfidence,
		"providers":          res.ProvidersCalled,
	}, nil)
	return nil
}

// trackEvidence records the fused values as evidence and each provider's
// own pre-merge claim as a proposal, so decisions reflect real
// disagreements instead of echoing the merged value back per provider.
func (o *Orchestrator) trackEvidence(pctx *Context, res *analyst.Result) {
	for field, conf := range res.FieldConfidence {
		value := fmt.Sprintf("%v", res.Payload[field])
		pctx.Evidence.Add(field, Evidence{
			Value:          value,
			Provider:       strings.Join(res.ProvidersCalled, "+"),
			Confidence:     conf,
			CrossValidated: len(res.ProvidersCalled) > 1,
		})
		for _, p := range res.ProvidersCalled {
			payload, ok := res.ProviderPayloads[p]
			if !ok {
				continue // provider failed; it made no claim
			}
			pctx.Decisions.Propose(Proposal{
				Agent: p, Field: field, Value: payload[field], Confidence: conf,
			})
		}
		if d, err := pctx.Decisions.Decide(field); err == nil {
			pctx.Audit.Record(StageAnalysis, "decision", map[string]any{
				"field": field, "method": string(d.Method), "conflict": d.HadConflict,
			})
		}
	}
}

func (o *Orchestrator) stageValidation(ctx context.Context, job *queue.Job, pctx *Context) error {
	c := pctx.CurrentData

	for _, issue := range validator.ApplyRules(c) {
		pctx.Warnings.Add(Warning{
			Code: WarnLowConfidence, Severity: SeverityLow,
			Field: issue.Field, Message: issue.Message, Stage: StageValidation,
		})
	}

	if o.deps.Verifier != nil && o.deps.Flags.IsEnabled(flags.FlagLLMValidation) {
		results, usage, err := o.deps.Verifier.VerifyFields(ctx, c, pctx.MaskedText)
		if err != nil {
			// Verification is advisory; a broken verifier must not fail a run.
			o.log.Warn("llm validation failed", "job_id", job.JobID, "error", err)
		} else {
			for p, u := range usage {
				o.deps.Metrics.RecordTokens(p, "", u.Prompt, u.Completion)
			}
			for _, fr := range results {
				for i := 0; i < fr.Providers; i++ {
					if gerr := pctx.Guardrails.RecordCall(StageValidation); gerr != nil {
						return gerr
					}
				}
				if fr.Corrected {
					pctx.Warnings.Add(Warning{
						Code: WarnMismatchResolved, Severity: SeverityMedium,
						Field:   fr.Field,
						Message: fmt.Sprintf("value corrected to %q by verification", fr.NewValue),
						Stage:   StageValidation,
					})
				}
			}
		}
	}

	if o.deps.Flags.IsEnabled(flags.FlagHallucinationDetection) {
		o.detectHallucinations(pctx)
	}

	if c.OverallConfidence > 0 && c.OverallConfidence < 0.5 {
		pctx.Warnings.Add(Warning{
			Code: WarnLowConfidence, Severity: SeverityMedium, Stage: StageValidation,
			Message: fmt.Sprintf("overall confidence %.2f is below 0.5", c.OverallConfidence),
		})
	}

	persistable := o.restoreContacts(pctx)
	if analysisOnly, _ := pctx.Metadata["analysis_only"].(bool); !analysisOnly && !persistable {
		return fmt.Errorf("missing required fields: need name, a contact, and one career entry")
	}
	return nil
}

// detectHallucinations checks the free-form extracted fields against the
// parsed document. Contact fields are skipped: they hold placeholders.
func (o *Orchestrator) detectHallucinations(pctx *Context) {
	c := pctx.CurrentData
	checks := map[string]string{
		"current_company":  c.CurrentCompany,
		"current_position": c.CurrentPosition,
	}
	for i, career := range c.Careers {
		checks[fmt.Sprintf("careers[%d].company", i)] = career.Company
	}
	for field, value := range checks {
		if value == "" {
			continue
		}
		if !pctx.Hallucination.Check(field, value) {
			pctx.Warnings.Add(Warning{
				Code: WarnHallucination, Severity: SeverityHigh,
				Field:   field,
				Message: fmt.Sprintf("%q does not appear in the document", value),
				Stage:   StageValidation,
			})
		}
	}
}

// restoreContacts swaps LLM placeholders back to the extracted originals.
// Returns false when nothing could be restored and the record might still
// be unpersistable.
func (o *Orchestrator) restoreContacts(pctx *Context) bool {
	c, ex := pctx.CurrentData, pctx.PII
	if ex == nil {
		return c.Persistable()
	}
	if (c.Name == "" || c.Name == pii.PlaceholderName) && ex.Name.Found() {
		c.Name = ex.Name.Value
	}
	if (c.Phone == "" || c.Phone == pii.PlaceholderPhone) && ex.Phone.Found() {
		c.Phone = ex.Phone.Value
	} else if c.Phone == pii.PlaceholderPhone {
		c.Phone = ""
	}
	if (c.Email == "" || c.Email == pii.PlaceholderEmail) && ex.Email.Found() {
		c.Email = ex.Email.Value
	} else if c.Email == pii.PlaceholderEmail {
		c.Email = ""
	}
	return c.Persistable()
}

// stagePrivacy builds the durable record: masked display strings, encrypted
// originals, dedup hashes, and a PII sweep over the narrative fields.
func (o *Orchestrator) stagePrivacy(_ context.Context, job *queue.Job, pctx *Context) error {
	c := pctx.CurrentData
	m := o.deps.Masker

	rec := &persistence.Record{
		UserID:    job.UserID,
		JobID:     job.JobID,
		Name:      c.Name,
		BirthYear: c.BirthYear,
		Candidate: c,
	}

	if c.Phone != "" {
		canonical := pii.NormalizePhone(c.Phone)
		if canonical == "" {
			canonical = c.Phone
		}
		enc, err := o.deps.Cipher.Encrypt(canonical)
		if err != nil {
			return fmt.Errorf("encrypting phone: %w", err)
		}
		rec.PhoneEncrypted = enc
		rec.MaskedPhone = m.MaskPhone(canonical)
		rec.PhoneHash = privacy.PhoneDedupHash(canonical)
		rec.PhonePrefixHash = privacy.DedupHash(persistence.PhonePrefix(digitsOnly(canonical)))
	}
	if c.Email != "" {
		enc, err := o.deps.Cipher.Encrypt(c.Email)
		if err != nil {
			return fmt.Errorf("encrypting email: %w", err)
		}
		rec.EmailEncrypted = enc
		rec.MaskedEmail = m.MaskEmail(c.Email)
		rec.EmailHash = privacy.DedupHash(c.Email)
	}
	if c.Address != "" {
		rec.MaskedAddress = m.MaskAddress(c.Address)
	}

	// The JSONB copy keeps only masked contact values.
	c.Phone = rec.MaskedPhone
	c.Email = rec.MaskedEmail
	c.Address = rec.MaskedAddress
	c.Summary = m.SweepText(c.Summary)
	for i := range c.Careers {
		c.Careers[i].Description = m.SweepText(c.Careers[i].Description)
	}
	for i := range c.Projects {
		c.Projects[i].Description = m.SweepText(c.Projects[i].Description)
	}

	for _, w := range pctx.Warnings.All() {
		rec.Warnings = append(rec.Warnings, w)
	}
	pctx.Metadata["record"] = rec
	return nil
}

func (o *Orchestrator) stageEmbedding(ctx context.Context, _ *queue.Job, pctx *Context) error {
	c := pctx.CurrentData
	in := embedder.ChunkInput{
		Name:            c.Name,
		ExpYears:        c.ExpYears,
		CurrentCompany:  c.CurrentCompany,
		CurrentPosition: c.CurrentPosition,
		Summary:         c.Summary,
		Strengths:       c.Strengths,
		Skills:          c.Skills,
		RawText:         pctx.MaskedText, // chunk content never carries PII
	}
	for _, career := range c.Careers {
		in.Careers = append(in.Careers, embedder.CareerEntry{
			Company: career.Company, Position: career.Position,
			StartDate: career.StartDate, EndDate: career.EndDate,
			Description: career.Description,
		})
	}
	for _, p := range c.Projects {
		in.Projects = append(in.Projects, embedder.ProjectEntry{
			Name: p.Name, Role: p.Role, Period: p.Period,
			TechStack: p.TechStack, Description: p.Description,
		})
	}
	for _, e := range c.Educations {
		in.Educations = append(in.Educations, embedder.EducationEntry{
			School: e.School, Major: e.Major, Degree: e.Degree,
		})
	}

	chunks, truncated := embedder.BuildChunks(in)
	if truncated {
		pctx.Warnings.Add(Warning{
			Code: WarnTruncation, Severity: SeverityLow, Stage: StageEmbedding,
			Message: "raw text exceeded the full-chunk bound and was cut",
		})
	}

	res, err := o.deps.Embedder.EmbedChunks(ctx, chunks)
	if err != nil {
		// The record is still worth saving; it just is not vector-searchable.
		pctx.Warnings.Add(Warning{
			Code: WarnEmbeddingFailed, Severity: SeverityHigh, Stage: StageEmbedding,
			Message: fmt.Sprintf("embedding failed for all %d chunks: %v", len(chunks), err),
		})
		return nil
	}
	if res.Partial {
		pctx.Warnings.Add(Warning{
			Code: WarnEmbeddingFailed, Severity: SeverityMedium, Stage: StageEmbedding,
			Message: fmt.Sprintf("%d of %d chunks failed to embed", len(res.FailedIndexes), len(chunks)),
		})
	}

	rows := make([]persistence.ChunkRow, 0, len(res.Embedded))
	for _, ec := range res.Embedded {
		rows = append(rows, persistence.ChunkRow{
			Index:    ec.Chunk.Index,
			Type:     string(ec.Chunk.Type),
			Content:  ec.Chunk.Content,
			Metadata: ec.Chunk.Metadata,
			Vector:   ec.Vector,
		})
	}
	pctx.Metadata["chunks"] = rows
	pctx.Metadata["embedding_tokens"] = res.TokensUsed
	return nil
}

// stageSave runs the dedup waterfall, version stacking, chunk insertion and
// the single credit debit, under a compensation log that unwinds everything
// on failure.
func (o *Orchestrator) stageSave(ctx context.Context, job *queue.Job, pctx *Context) error {
	rec, _ := pctx.Metadata["record"].(*persistence.Record)
	if rec == nil {
		return fmt.Errorf("missing required fields: no record assembled")
	}
	chunks, _ := pctx.Metadata["chunks"].([]persistence.ChunkRow)

	alog := persistence.NewActionLog(o.log)

	match, err := o.deps.Store.FindDuplicate(ctx, rec)
	if err != nil {
		return err
	}
	if match != nil {
		pctx.Metadata["duplicate"] = match
		pctx.Audit.Record(StageSave, "duplicate_found", map[string]any{
			"rule": match.Rule, "confidence": match.Confidence, "existing_id": match.CandidateID,
		})
		if err := o.deps.Store.Supersede(ctx, match.CandidateID, alog); err != nil {
			return err
		}
		rec.ParentID = match.CandidateID
	}

	id, err := o.deps.Store.Insert(ctx, rec, alog)
	if err != nil {
		o.rollback(ctx, alog, job.JobID)
		return err
	}
	pctx.Metadata["candidate_id"] = id

	if len(chunks) > 0 {
		if err := o.deps.Store.InsertChunks(ctx, id, chunks, alog); err != nil {
			o.abandon(ctx, alog, job, rec, id, err)
			return err
		}
	}

	// Debit exactly once: new records only, never on a version update, and
	// never again on a retry that already paid.
	if match == nil && !jobDebited(job) {
		ok, err := o.deps.Store.DebitCredit(ctx, job.UserID)
		if err != nil {
			err = fmt.Errorf("credit debit: %w", err)
			o.abandon(ctx, alog, job, rec, id, err)
			return err
		}
		if !ok {
			err := fmt.Errorf("insufficient credits for user %s", job.UserID)
			o.abandon(ctx, alog, job, rec, id, err)
			return err
		}
		markDebited(job)
	}

	alog.Commit()
	pctx.Metadata["chunks_saved"] = len(chunks)
	pctx.Audit.Record(StageSave, "saved", map[string]any{
		"candidate_id": id, "chunks": len(chunks), "versioned": match != nil,
	})
	return nil
}

func (o *Orchestrator) rollback(ctx context.Context, alog *persistence.ActionLog, jobID string) {
	if err := alog.Rollback(ctx, o.deps.DB); err != nil {
		o.log.Error("compensation rollback incomplete", "job_id", jobID, "error", err)
	}
}

// abandon handles a failure after the new candidate row was inserted: the
// row is soft-deleted so the purge batch removes it later, the superseded
// parent is re-promoted to latest, and the remaining compensations (prior
// chunks, version flip) are replayed.
func (o *Orchestrator) abandon(ctx context.Context, alog *persistence.ActionLog, job *queue.Job, rec *persistence.Record, id string, cause error) {
	code := persistence.Classify(cause)
	if err := o.deps.Store.SoftDelete(ctx, id, code, cause.Error()); err != nil {
		o.log.Error("soft delete of abandoned candidate failed",
			"job_id", job.JobID, "candidate_id", id, "error", err)
	}
	if rec.ParentID != "" {
		if err := o.deps.Store.RestoreLatest(ctx, rec.ParentID); err != nil {
			o.log.Error("parent restore failed",
				"job_id", job.JobID, "parent_id", rec.ParentID, "error", err)
		}
	}
	o.rollback(ctx, alog, job.JobID)
}

func (o *Orchestrator) notify(ctx context.Context, jobID, status string, result map[string]any, werr *webhook.Error) {
	if o.deps.Notifier == nil {
		return
	}
	event := webhook.Event{JobID: jobID, Status: status, Error: werr}
	if result != nil {
		event.Result = result
	}
	if err := o.deps.Notifier.Notify(ctx, event); err != nil {
		o.log.Warn("status notification failed", "job_id", jobID, "status", status, "error", err)
	}
}

func jobDebited(job *queue.Job) bool {
	v, ok := job.Kwargs["credit_debited"].(bool)
	return ok && v
}

func markDebited(job *queue.Job) {
	if job.Kwargs == nil {
		job.Kwargs = make(map[string]any)
	}
	job.Kwargs["credit_debited"] = true
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
