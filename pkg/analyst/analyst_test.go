package analyst

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talentbase/resumeflow/pkg/llm"
)

// stubProvider returns a fixed body for every call.
type stubProvider struct {
	name  string
	body  string
	err   error
	calls int
}

func (s *stubProvider) Name() string         { return s.name }
func (s *stubProvider) SupportsSchema() bool { return s.name == "openai" }

func (s *stubProvider) Complete(context.Context, llm.Request) (string, string, llm.Usage, error) {
	s.calls++
	return s.body, s.name + "-model", llm.Usage{Prompt: 100, Completion: 50, Total: 150}, s.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newAnalyst(t *testing.T, opts Options, providers ...llm.Provider) *Analyst {
	t.Helper()
	policy := llm.RetryPolicy{BaseInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxRetries: 0}
	mgr := llm.NewManager(time.Second, policy, providers...)
	return New(mgr, opts, testLogger())
}

const strongBody = `{
  "name": "[NAME]", "phone": "[PHONE]", "email": "[EMAIL]",
  "exp_years": 7.5, "current_company": "Acme",
  "careers": [{"company": "Acme", "position": "Backend Engineer", "start_date": "2019-03"}],
  "skills": ["Go", "PostgreSQL"],
  "educations": [{"school": "SNU", "degree": "Bachelor"}],
  "summary": "Backend engineer with seven years of experience building payment systems."
}`

func TestProgressive_AcceptsAuthorityAlone(t *testing.T) {
	a := &stubProvider{name: "openai", body: strongBody}
	b := &stubProvider{name: "anthropic", body: strongBody}
	an := newAnalyst(t, Options{Providers: []string{"openai", "anthropic"}}, a, b)

	res, err := an.Analyze(context.Background(), "masked text")
	require.NoError(t, err)

	assert.Equal(t, 1, a.calls)
	assert.Zero(t, b.calls, "high-confidence authority response must not escalate")
	assert.Equal(t, []string{"openai"}, res.ProvidersCalled)
	assert.Equal(t, "[NAME]", res.Candidate.Name)
	assert.Equal(t, 7.5, res.Candidate.ExpYears)
	assert.Equal(t, 150, res.TotalTokens())
}

func TestProgressive_EscalatesOnMissingCritical(t *testing.T) {
	weak := `{"name": "", "careers": [], "skills": []}`
	a := &stubProvider{name: "openai", body: weak}
	b := &stubProvider{name: "anthropic", body: strongBody}
	an := newAnalyst(t, Options{Providers: []string{"openai", "anthropic"}}, a, b)

	res, err := an.Analyze(context.Background(), "masked text")
	require.NoError(t, err)

	assert.Equal(t, 1, b.calls, "missing criticals must escalate to the second provider")
	assert.Equal(t, []string{"openai", "anthropic"}, res.ProvidersCalled)
	// Non-critical fill: absent base keys come from the later provider.
	assert.Equal(t, "Acme", res.Candidate.CurrentCompany)
	assert.Equal(t, "[NAME]", res.Candidate.Name, "empty base critical is filled from the sole voter")
}

func TestProgressive_DeepVerificationCallsThird(t *testing.T) {
	weak := `{"name": "J", "careers": [], "skills": []}`
	a := &stubProvider{name: "openai", body: weak}
	b := &stubProvider{name: "anthropic", body: weak}
	c := &stubProvider{name: "gemini", body: strongBody}
	an := newAnalyst(t, Options{
		Providers:        []string{"openai", "anthropic", "gemini"},
		DeepVerification: true,
	}, a, b, c)

	res, err := an.Analyze(context.Background(), "masked text")
	require.NoError(t, err)
	assert.Equal(t, 1, c.calls)
	assert.Len(t, res.ProvidersCalled, 3)
}

func TestParallel_MergesAllProviders(t *testing.T) {
	a := &stubProvider{name: "openai", body: strongBody}
	b := &stubProvider{name: "anthropic", body: strongBody}
	an := newAnalyst(t, Options{
		Strategy:  StrategyParallel,
		Providers: []string{"openai", "anthropic"},
	}, a, b)

	res, err := an.Analyze(context.Background(), "masked text")
	require.NoError(t, err)
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)
	assert.Equal(t, 1.0, res.FieldConfidence["name"], "unanimous critical field scores 1.0")
	assert.Equal(t, 300, res.TotalTokens())
}

func TestAnalyze_AllProvidersFail(t *testing.T) {
	a := &stubProvider{name: "openai", body: "", err: assertError("invalid api key")}
	an := newAnalyst(t, Options{Providers: []string{"openai"}}, a)

	_, err := an.Analyze(context.Background(), "masked text")
	assert.Error(t, err)
}

type assertError string

func (e assertError) Error() string { return string(e) }

func TestMerge_MajorityVote(t *testing.T) {
	responses := []response{
		{Provider: "openai", Payload: map[string]any{"name": "Jane Doe"}},
		{Provider: "anthropic", Payload: map[string]any{"name": "jane doe"}},
		{Provider: "gemini", Payload: map[string]any{"name": "June Doe"}},
	}
	payload, conf, warnings := merge(responses)

	assert.Equal(t, "Jane Doe", payload["name"], "majority winner keeps its reporter's formatting")
	assert.Equal(t, 0.85, conf["name"])
	require.Len(t, warnings, 1)
	assert.Equal(t, warnMismatchResolved, warnings[0].Code)
	assert.Contains(t, warnings[0].Message, "gemini")
}

func TestMerge_AllDisagreeKeepsBase(t *testing.T) {
	responses := []response{
		{Provider: "openai", Payload: map[string]any{"email": "a@x.com"}},
		{Provider: "anthropic", Payload: map[string]any{"email": "b@x.com"}},
		{Provider: "gemini", Payload: map[string]any{"email": "c@x.com"}},
	}
	payload, conf, warnings := merge(responses)

	assert.Equal(t, "a@x.com", payload["email"])
	assert.Equal(t, 0.4, conf["email"])
	require.Len(t, warnings, 1)
	assert.Equal(t, warnMismatch, warnings[0].Code)
	assert.Equal(t, "high", warnings[0].Severity)
}

func TestMerge_NonCriticalFirstNonNull(t *testing.T) {
	responses := []response{
		{Provider: "openai", Payload: map[string]any{"name": "Jane", "summary": ""}},
		{Provider: "anthropic", Payload: map[string]any{"name": "Jane", "summary": "Seasoned engineer.", "address": "Seoul"}},
		{Provider: "gemini", Payload: map[string]any{"summary": "Different summary."}},
	}
	payload, _, _ := merge(responses)

	assert.Equal(t, "Seasoned engineer.", payload["summary"], "first non-null wins")
	assert.Equal(t, "Seoul", payload["address"])
}

func TestSummarize(t *testing.T) {
	full := map[string]any{
		"name":  "Jane Doe",
		"phone": "[PHONE]",
		"email": "jane@example.com",
		"careers": []any{map[string]any{"company": "Acme"}},
		"skills":  []any{"Go"},
		"educations": []any{map[string]any{"school": "SNU"}},
		"summary": "Backend engineer with seven years of experience.",
	}
	s := summarize(full)
	assert.InDelta(t, 1.0, s.Score, 1e-9)
	assert.Empty(t, s.MissingCritical)

	empty := summarize(map[string]any{})
	assert.Zero(t, empty.Score)
	assert.ElementsMatch(t, []string{"name", "phone", "email"}, empty.MissingCritical)
}

func TestScoreCritical(t *testing.T) {
	assert.Equal(t, 1.0, scoreCritical("phone", "010-1234-5678"))
	assert.Equal(t, 1.0, scoreCritical("phone", "[PHONE]"))
	assert.Equal(t, 0.7, scoreCritical("phone", "call me"))
	assert.Equal(t, 0.0, scoreCritical("phone", "  "))
	assert.Equal(t, 1.0, scoreCritical("email", "a@b.co"))
	assert.Equal(t, 0.7, scoreCritical("email", "not-an-email"))
	assert.Equal(t, 0.7, scoreCritical("name", "J"))
}
