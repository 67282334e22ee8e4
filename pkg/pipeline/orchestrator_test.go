package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talentbase/resumeflow/pkg/analyst"
	"github.com/talentbase/resumeflow/pkg/docparse"
	"github.com/talentbase/resumeflow/pkg/embedder"
	"github.com/talentbase/resumeflow/pkg/flags"
	"github.com/talentbase/resumeflow/pkg/llm"
	"github.com/talentbase/resumeflow/pkg/metrics"
	"github.com/talentbase/resumeflow/pkg/models"
	"github.com/talentbase/resumeflow/pkg/persistence"
	"github.com/talentbase/resumeflow/pkg/privacy"
	"github.com/talentbase/resumeflow/pkg/queue"
	"github.com/talentbase/resumeflow/pkg/validator"
	"github.com/talentbase/resumeflow/pkg/webhook"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// docxBytes builds a minimal DOCX carrying one identity and enough text.
func docxBytes(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	doc := `<?xml version="1.0"?><w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`
	for _, line := range bytes.Split([]byte(body), []byte("\n")) {
		doc += `<w:p><w:r><w:t>` + string(line) + `</w:t></w:r></w:p>`
	}
	doc += `</w:body></w:document>`
	_, err = w.Write([]byte(doc))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const resumeBody = `홍길동
백엔드 개발자, 연락처 010-1234-5678, hong@example.com
경력
네이버에서 5년간 검색 인프라 개발을 담당했습니다.
기술
Go, PostgreSQL, Redis`

type fakeStorage struct {
	data      []byte
	err       error
	downloads int
}

func (f *fakeStorage) Download(_ context.Context, _ string) ([]byte, error) {
	f.downloads++
	return f.data, f.err
}

type fakeAnalyst struct {
	result *analyst.Result
	err    error
	calls  int
}

func (f *fakeAnalyst) Analyze(context.Context, string) (*analyst.Result, error) {
	f.calls++
	return f.result, f.err
}

type fakeVerifier struct {
	results []validator.FieldResult
	calls   int
}

func (f *fakeVerifier) VerifyFields(context.Context, *models.Candidate, string) ([]validator.FieldResult, map[string]llm.Usage, error) {
	f.calls++
	return f.results, map[string]llm.Usage{"openai": {Prompt: 100, Completion: 20, Total: 120}}, nil
}

type fakeEmbedder struct {
	err     error
	partial bool
	tokens  int
}

func (f *fakeEmbedder) EmbedChunks(_ context.Context, chunks []embedder.Chunk) (*embedder.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	res := &embedder.Result{TokensUsed: f.tokens}
	for i, c := range chunks {
		if f.partial && i == 0 {
			res.FailedIndexes = append(res.FailedIndexes, c.Index)
			continue
		}
		res.Embedded = append(res.Embedded, embedder.EmbeddedChunk{Chunk: c, Vector: make([]float32, 4)})
	}
	res.Partial = len(res.FailedIndexes) > 0 && len(res.Embedded) > 0
	return res, nil
}

type fakeStore struct {
	hasCredit    bool
	creditErr    error
	debitOK      bool
	match        *persistence.Match
	supersedeErr error
	insertErr    error
	chunksErr    error

	inserted       *persistence.Record
	insertedChunks []persistence.ChunkRow
	supersedes     int
	debits         int
	softDeleted    []string
	softDeleteCode persistence.ErrorCode
	restoredParent string
}

func (f *fakeStore) FindDuplicate(context.Context, *persistence.Record) (*persistence.Match, error) {
	return f.match, nil
}

func (f *fakeStore) Supersede(_ context.Context, _ string, log *persistence.ActionLog) error {
	f.supersedes++
	if f.supersedeErr != nil {
		return f.supersedeErr
	}
	log.Push(persistence.Action{Table: "candidates", Op: persistence.OpRestore, ID: "old-1",
		Previous: map[string]any{"is_latest": true}})
	return nil
}

func (f *fakeStore) Insert(_ context.Context, r *persistence.Record, _ *persistence.ActionLog) (string, error) {
	if f.insertErr != nil {
		return "", f.insertErr
	}
	f.inserted = r
	return "cand-1", nil
}

func (f *fakeStore) SoftDelete(_ context.Context, id string, code persistence.ErrorCode, _ string) error {
	f.softDeleted = append(f.softDeleted, id)
	f.softDeleteCode = code
	return nil
}

func (f *fakeStore) RestoreLatest(_ context.Context, parentID string) error {
	f.restoredParent = parentID
	return nil
}

func (f *fakeStore) InsertChunks(_ context.Context, _ string, chunks []persistence.ChunkRow, log *persistence.ActionLog) error {
	if f.chunksErr != nil {
		return f.chunksErr
	}
	f.insertedChunks = chunks
	log.Push(persistence.Action{Table: "candidate_chunks", Op: persistence.OpDelete,
		ID: "cand-1", IDColumn: "candidate_id"})
	return nil
}

func (f *fakeStore) HasCredit(context.Context, string) (bool, error) {
	return f.hasCredit, f.creditErr
}

func (f *fakeStore) DebitCredit(context.Context, string) (bool, error) {
	f.debits++
	return f.debitOK, nil
}

type fakeExec struct{ queries []string }

func (f *fakeExec) ExecContext(_ context.Context, query string, _ ...any) (sql.Result, error) {
	f.queries = append(f.queries, query)
	return nil, nil
}

type fakeNotifier struct{ events []webhook.Event }

func (f *fakeNotifier) Notify(_ context.Context, e webhook.Event) error {
	f.events = append(f.events, e)
	return nil
}

func (f *fakeNotifier) statuses() []string {
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.Status
	}
	return out
}

func analystResult() *analyst.Result {
	c := &models.Candidate{
		Name:            "[NAME]",
		Phone:           "[PHONE]",
		Email:           "[EMAIL]",
		ExpYears:        5,
		CurrentCompany:  "네이버",
		CurrentPosition: "백엔드 개발자",
		Careers: []models.Career{{
			Company: "네이버", Position: "백엔드 개발자",
			StartDate: "2019-03", Description: "검색 인프라 개발",
		}},
		Skills:  []string{"Go", "PostgreSQL", "Redis"},
		Summary: "검색 인프라를 담당한 백엔드 개발자입니다.",
		FieldConfidence: map[string]float64{
			"name": 1.0, "exp_years": 0.9, "careers": 0.9, "skills": 0.95, "summary": 0.8,
		},
	}
	c.OverallConfidence = models.ComputeOverallConfidence(c.FieldConfidence)
	return &analyst.Result{
		Candidate:       c,
		Payload:         map[string]any{"name": "[NAME]", "exp_years": 5.0},
		FieldConfidence: c.FieldConfidence,
		Usage:           map[string]llm.Usage{"openai": {Prompt: 2000, Completion: 400, Total: 2400}},
		ProvidersCalled: []string{"openai"},
	}
}

type harness struct {
	orch     *Orchestrator
	storage  *fakeStorage
	analyst  *fakeAnalyst
	store    *fakeStore
	exec     *fakeExec
	notifier *fakeNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cipher, err := privacy.NewCipher(bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)

	h := &harness{
		storage:  &fakeStorage{data: docxBytes(t, resumeBody)},
		analyst:  &fakeAnalyst{result: analystResult()},
		store:    &fakeStore{hasCredit: true, debitOK: true},
		exec:     &fakeExec{},
		notifier: &fakeNotifier{},
	}
	h.orch = NewOrchestrator(Deps{
		Storage:  h.storage,
		Parser:   docparse.New(10, testLogger()),
		Analyst:  h.analyst,
		Embedder: &fakeEmbedder{tokens: 128},
		Masker:   privacy.NewMasker(),
		Cipher:   cipher,
		Store:    h.store,
		DB:       h.exec,
		Notifier: h.notifier,
		Metrics:  metrics.NewRegistry(),
		Flags: flags.New(flags.Config{Enabled: map[string]bool{
			flags.FlagNewPipeline:            true,
			flags.FlagHallucinationDetection: true,
			flags.FlagEvidenceTracking:       true,
		}}),
		Authority: "openai",
		Logger:    testLogger(),
	})
	return h
}

func testJob() *queue.Job {
	return &queue.Job{
		JobID: "job-1", UserID: "user-1", JobType: "resume_processing",
		FilePath: "uploads/r.docx", Filename: "이력서_홍길동.docx", Lane: queue.LaneFast,
	}
}

func TestProcess_HappyPathNewCandidate(t *testing.T) {
	h := newHarness(t)
	res := h.orch.Process(context.Background(), testJob(), nil)

	require.Equal(t, models.StatusCompleted, res.Status, "error: %s", res.Error)
	assert.Equal(t, "cand-1", res.CandidateID)
	assert.Equal(t, 1, h.storage.downloads)
	assert.Equal(t, 1, h.analyst.calls)
	assert.Equal(t, 1, h.store.debits)
	assert.Zero(t, h.store.supersedes)
	assert.Equal(t, []string{"processing", "parsed", "analyzed", "completed"}, h.notifier.statuses())

	rec := h.store.inserted
	require.NotNil(t, rec)
	assert.Equal(t, "홍길동", rec.Name)
	assert.NotEmpty(t, rec.PhoneEncrypted)
	assert.NotEmpty(t, rec.PhoneHash)
	assert.NotEmpty(t, rec.EmailHash)
	assert.Equal(t, "010-****-5678", rec.MaskedPhone)
	assert.Contains(t, rec.MaskedEmail, "@example.com")
	assert.NotContains(t, rec.Candidate.Phone, "1234", "plaintext phone must not reach the JSONB copy")
	assert.NotEmpty(t, h.store.insertedChunks)
	assert.Equal(t, 8, len(res.Stages))
}

func TestProcess_InsufficientCreditsRejectsUpfront(t *testing.T) {
	h := newHarness(t)
	h.store.hasCredit = false

	res := h.orch.Process(context.Background(), testJob(), nil)
	assert.Equal(t, models.StatusRejected, res.Status)
	assert.Equal(t, persistence.CodeInsufficientCredits, res.ErrorCode)
	assert.Zero(t, h.storage.downloads, "no download before the credit gate")
	assert.Zero(t, h.analyst.calls)
	assert.Equal(t, []string{"processing", "rejected"}, h.notifier.statuses())
}

func TestProcess_MultiIdentityRejectedBeforeAnalysis(t *testing.T) {
	h := newHarness(t)
	h.storage.data = docxBytes(t, resumeBody+"\n추천인 김철수 010-9999-8888 kim@other.com")

	res := h.orch.Process(context.Background(), testJob(), nil)
	assert.Equal(t, models.StatusRejected, res.Status)
	assert.Equal(t, persistence.CodeMultiIdentity, res.ErrorCode)
	assert.Zero(t, h.analyst.calls, "no LLM spend on a rejected file")
	assert.Zero(t, h.store.debits)
}

func TestProcess_EncryptedFileRejected(t *testing.T) {
	h := newHarness(t)
	h.orch.deps.Parser.(*docparse.Parser).Register("DOCX", docparse.ExtractorFunc(
		func([]byte) (docparse.Extraction, error) {
			return docparse.Extraction{Encrypted: true}, nil
		}))

	res := h.orch.Process(context.Background(), testJob(), nil)
	assert.Equal(t, models.StatusRejected, res.Status)
	assert.Equal(t, persistence.CodeEncrypted, res.ErrorCode)
}

func TestProcess_DuplicateStacksVersionWithoutDebit(t *testing.T) {
	h := newHarness(t)
	h.store.match = &persistence.Match{CandidateID: "old-1", Confidence: 1.0, Rule: "phone_hash"}

	res := h.orch.Process(context.Background(), testJob(), nil)
	require.Equal(t, models.StatusCompleted, res.Status, "error: %s", res.Error)
	assert.Equal(t, 1, h.store.supersedes)
	assert.Equal(t, "old-1", h.store.inserted.ParentID)
	assert.Zero(t, h.store.debits, "version updates never consume credit")
	require.NotNil(t, res.Duplicate)
	assert.Equal(t, "phone_hash", res.Duplicate.Rule)
}

func TestProcess_RaceConditionFailsWithoutDebit(t *testing.T) {
	h := newHarness(t)
	h.store.match = &persistence.Match{CandidateID: "old-1", Confidence: 1.0, Rule: "phone_hash"}
	h.store.supersedeErr = persistence.ErrRaceCondition

	res := h.orch.Process(context.Background(), testJob(), nil)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, persistence.CodeRaceCondition, res.ErrorCode)
	assert.Zero(t, h.store.debits)
}

func TestProcess_ChunkFailureSoftDeletesNewRow(t *testing.T) {
	h := newHarness(t)
	h.store.chunksErr = fmt.Errorf("candidate_chunks insert failed: connection reset")

	res := h.orch.Process(context.Background(), testJob(), nil)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, []string{"cand-1"}, h.store.softDeleted,
		"the inserted row is marked deleted for the purge batch, not hard-deleted")
	assert.Empty(t, h.store.restoredParent, "no parent on a fresh insert")
	assert.Zero(t, h.store.debits)
}

func TestProcess_LateFailureOnUpdateRestoresParent(t *testing.T) {
	h := newHarness(t)
	h.store.match = &persistence.Match{CandidateID: "old-1", Confidence: 1.0, Rule: "phone_hash"}
	h.store.chunksErr = fmt.Errorf("candidate_chunks insert failed: connection reset")

	res := h.orch.Process(context.Background(), testJob(), nil)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, []string{"cand-1"}, h.store.softDeleted)
	assert.Equal(t, "old-1", h.store.restoredParent,
		"the superseded version becomes latest again when the new one dies")
	require.NotEmpty(t, h.exec.queries, "the version flip is also unwound via compensation")
	assert.Contains(t, h.exec.queries[len(h.exec.queries)-1], "UPDATE candidates SET")
}

func TestProcess_DebitFailureSoftDeletesWithCode(t *testing.T) {
	h := newHarness(t)
	h.store.debitOK = false

	res := h.orch.Process(context.Background(), testJob(), nil)
	assert.Equal(t, models.StatusRejected, res.Status)
	assert.Equal(t, persistence.CodeInsufficientCredits, res.ErrorCode)
	assert.Equal(t, []string{"cand-1"}, h.store.softDeleted)
	assert.Equal(t, persistence.CodeInsufficientCredits, h.store.softDeleteCode)
}

func TestProcess_InsertFailureRollsBackSupersede(t *testing.T) {
	h := newHarness(t)
	h.store.match = &persistence.Match{CandidateID: "old-1", Confidence: 1.0, Rule: "phone_hash"}
	h.store.insertErr = fmt.Errorf("inserting candidate: connection reset")

	res := h.orch.Process(context.Background(), testJob(), nil)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Empty(t, h.store.softDeleted, "nothing to soft-delete when the insert itself failed")
	require.NotEmpty(t, h.exec.queries)
	assert.Contains(t, h.exec.queries[0], "UPDATE candidates SET")
}

func TestProcess_RetryAlreadyDebitedSkipsDebit(t *testing.T) {
	h := newHarness(t)
	job := testJob()
	job.Kwargs = map[string]any{"credit_debited": true}

	res := h.orch.Process(context.Background(), job, nil)
	require.Equal(t, models.StatusCompleted, res.Status)
	assert.Zero(t, h.store.debits)
}

func TestProcess_FirstDebitMarksJob(t *testing.T) {
	h := newHarness(t)
	job := testJob()

	res := h.orch.Process(context.Background(), job, nil)
	require.Equal(t, models.StatusCompleted, res.Status)
	assert.Equal(t, true, job.Kwargs["credit_debited"])
}

func TestProcess_MissingRequiredFields(t *testing.T) {
	h := newHarness(t)
	h.analyst.result.Candidate.Careers = nil

	res := h.orch.Process(context.Background(), testJob(), nil)
	assert.Equal(t, models.StatusRejected, res.Status)
	assert.Equal(t, persistence.CodeMissingRequiredFields, res.ErrorCode)
}

func TestProcess_EmbeddingFailureStillSaves(t *testing.T) {
	h := newHarness(t)
	h.orch.deps.Embedder = &fakeEmbedder{err: fmt.Errorf("embedding request timed out")}

	res := h.orch.Process(context.Background(), testJob(), nil)
	require.Equal(t, models.StatusCompleted, res.Status, "error: %s", res.Error)
	assert.Empty(t, h.store.insertedChunks)

	var found bool
	for _, w := range res.Warnings {
		if w.Code == WarnEmbeddingFailed {
			found = true
		}
	}
	assert.True(t, found, "expected an EMBEDDING_FAILED warning")
}

func TestProcess_PartialEmbeddingWarnsAndSavesRest(t *testing.T) {
	h := newHarness(t)
	h.orch.deps.Embedder = &fakeEmbedder{partial: true}

	res := h.orch.Process(context.Background(), testJob(), nil)
	require.Equal(t, models.StatusCompleted, res.Status)
	assert.NotEmpty(t, h.store.insertedChunks)

	var found bool
	for _, w := range res.Warnings {
		if w.Code == WarnEmbeddingFailed {
			found = true
		}
	}
	assert.True(t, found)
}

func TestProcess_ReportsPIICountsAndEmbeddingTokens(t *testing.T) {
	h := newHarness(t)
	res := h.orch.Process(context.Background(), testJob(), nil)

	require.Equal(t, models.StatusCompleted, res.Status, "error: %s", res.Error)
	assert.Equal(t, 3, res.PIICount)
	assert.Equal(t, []string{"name", "phone", "email"}, res.PIITypes)
	assert.Equal(t, 128, res.EmbeddingTokens, "token count comes from the embedder, not the analyst")
	assert.Equal(t, 2400, res.TokensUsed)
	assert.Equal(t, len(h.store.insertedChunks), res.ChunksSaved)
}

func TestProcess_MultipleLabeledNamesRejected(t *testing.T) {
	h := newHarness(t)
	h.storage.data = docxBytes(t, "이름: 홍길동\n연락처 010-1234-5678, hong@example.com\n경력\n네이버 5년\n이름: 김철수")

	res := h.orch.Process(context.Background(), testJob(), nil)
	assert.Equal(t, models.StatusRejected, res.Status)
	assert.Equal(t, persistence.CodeMultiIdentity, res.ErrorCode)
	assert.Zero(t, h.analyst.calls)
}

func TestProcess_UnreadableFileFailsInsteadOfRejecting(t *testing.T) {
	h := newHarness(t)
	h.storage.data = []byte("plain bytes, no recognizable container")

	res := h.orch.Process(context.Background(), testJob(), nil)
	assert.Equal(t, models.StatusFailed, res.Status,
		"a file we cannot read is a processing failure, not a document rejection")
	assert.Equal(t, persistence.CodeParseFailed, res.ErrorCode)
}

func TestTrackEvidence_ProviderDisagreementFlagsConflict(t *testing.T) {
	h := newHarness(t)
	res := analystResult()
	res.ProvidersCalled = []string{"openai", "gemini"}
	res.FieldConfidence = map[string]float64{"exp_years": 0.9}
	res.ProviderPayloads = map[string]map[string]any{
		"openai": {"exp_years": 5.0},
		"gemini": {"exp_years": 7.0},
	}

	pctx := NewContext("job-1", "user-1", "r.docx", "openai", nil)
	h.orch.trackEvidence(pctx, res)

	d, ok := pctx.Decisions.Decisions()["exp_years"]
	require.True(t, ok)
	assert.True(t, d.HadConflict, "each provider's own value must be proposed, not the merge")
	assert.Equal(t, DecisionAuthorityThenConfidence, d.Method)
	assert.Equal(t, 5.0, d.Value, "authority wins the tie")
}

func TestTrackEvidence_AgreementHasNoConflict(t *testing.T) {
	h := newHarness(t)
	res := analystResult()
	res.ProvidersCalled = []string{"openai", "gemini"}
	res.FieldConfidence = map[string]float64{"exp_years": 1.0}
	res.ProviderPayloads = map[string]map[string]any{
		"openai": {"exp_years": 5.0},
		"gemini": {"exp_years": 5.0},
	}

	pctx := NewContext("job-1", "user-1", "r.docx", "openai", nil)
	h.orch.trackEvidence(pctx, res)

	d := pctx.Decisions.Decisions()["exp_years"]
	assert.False(t, d.HadConflict)
	assert.Equal(t, DecisionUnanimous, d.Method)
}

type blockedAnalyst struct{}

func (blockedAnalyst) Analyze(ctx context.Context, _ string) (*analyst.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestProcess_StageTimeoutBoundsAStuckStage(t *testing.T) {
	h := newHarness(t)
	h.orch.deps.Analyst = blockedAnalyst{}
	h.orch.deps.StageTimeout = 5 * time.Millisecond

	res := h.orch.Process(context.Background(), testJob(), nil)
	assert.Equal(t, models.StatusFailed, res.Status)
	assert.Equal(t, persistence.CodeLLMTimeout, res.ErrorCode)
}

func TestExecute_ReturnsErrorForFailedRun(t *testing.T) {
	h := newHarness(t)
	h.store.hasCredit = false

	err := h.orch.Execute(context.Background(), testJob())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "INSUFFICIENT_CREDITS")

	h.store.hasCredit = true
	assert.NoError(t, h.orch.Execute(context.Background(), testJob()))
}
