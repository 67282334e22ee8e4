package embedder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talentbase/resumeflow/pkg/llm"
)

func sampleInput() ChunkInput {
	return ChunkInput{
		Name:            "Jane Doe",
		ExpYears:        7.5,
		CurrentCompany:  "Acme",
		CurrentPosition: "Backend Engineer",
		Summary:         "Backend engineer focused on payments.",
		Strengths:       []string{"ownership"},
		Skills:          []string{"Go", "PostgreSQL", "AWS", "React", "Negotiation"},
		Careers: []CareerEntry{
			{Company: "Acme", Position: "Backend Engineer", StartDate: "2019-03", Description: "Built the ledger."},
			{Company: "Globex", Position: "Engineer", StartDate: "2016-01", EndDate: "2019-02"},
		},
		Projects:   []ProjectEntry{{Name: "Ledger", Role: "Lead", Period: "2020", TechStack: []string{"Go"}}},
		Educations: []EducationEntry{{School: "SNU", Major: "CS", Degree: "Bachelor"}},
		RawText:    strings.Repeat("resume text ", 50),
	}
}

func TestBuildChunks_Types(t *testing.T) {
	chunks, truncated := BuildChunks(sampleInput())
	require.NotEmpty(t, chunks)
	assert.False(t, truncated)

	byType := make(map[ChunkType]int)
	for i, c := range chunks {
		assert.Equal(t, i, c.Index, "indexes are contiguous")
		byType[c.Type]++
	}
	assert.Equal(t, 1, byType[ChunkSummary])
	assert.Equal(t, 2, byType[ChunkCareer])
	assert.Equal(t, 1, byType[ChunkProject])
	assert.Equal(t, 1, byType[ChunkSkill])
	assert.Equal(t, 1, byType[ChunkEducation])
	assert.Equal(t, 1, byType[ChunkRawFull])
	assert.GreaterOrEqual(t, byType[ChunkRawSection], 1)
}

func TestBuildChunks_RawFullTruncation(t *testing.T) {
	in := ChunkInput{RawText: strings.Repeat("a", maxRawFullChars+100)}
	chunks, truncated := BuildChunks(in)

	assert.True(t, truncated)
	for _, c := range chunks {
		if c.Type == ChunkRawFull {
			assert.Len(t, c.Content, maxRawFullChars)
		}
	}
}

func TestBuildChunks_KoreanWindow(t *testing.T) {
	korean := strings.Repeat("가나다라마바사아", 400) // 3200 Hangul runes
	sections := slide(korean, koreanWindow, koreanOverlap)
	assert.True(t, koreanHeavy(korean))
	require.GreaterOrEqual(t, len(sections), 2)
	assert.Equal(t, koreanWindow, len([]rune(sections[0])))

	// Consecutive windows overlap by the configured amount.
	first := []rune(sections[0])
	second := []rune(sections[1])
	assert.Equal(t, string(first[len(first)-koreanOverlap:]), string(second[:koreanOverlap]))
}

func TestSlide_ShortTextSingleWindow(t *testing.T) {
	sections := slide("short", defaultWindow, defaultOverlap)
	assert.Equal(t, []string{"short"}, sections)
}

func TestSkillChunk_Grouping(t *testing.T) {
	out := skillChunk([]string{"Go", "React", "PostgreSQL", "AWS", "Negotiation"})
	assert.Contains(t, out, "programming: Go")
	assert.Contains(t, out, "frameworks: React")
	assert.Contains(t, out, "databases: PostgreSQL")
	assert.Contains(t, out, "cloud: AWS")
	assert.Contains(t, out, "other: Negotiation")
}

func TestEducationChunk_HighestDegreeFirst(t *testing.T) {
	out := educationChunk([]EducationEntry{
		{School: "SNU", Major: "CS", Degree: "Bachelor"},
		{School: "KAIST", Major: "CS", Degree: "Master"},
	})
	assert.True(t, strings.HasPrefix(out, "Highest: Master, KAIST"))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 25, EstimateTokens(strings.Repeat("가", 10)))
	assert.Equal(t, 25, EstimateTokens(strings.Repeat("a", 100)))
}

// fakeEmbeddingAPI scripts batch and per-chunk behaviour.
type fakeEmbeddingAPI struct {
	batchErr   error
	skipIndex  int // index omitted from the batch response; -1 disables
	singleErrs map[string]error
	calls      int
}

func vectorOf(dim int) []float32 { return make([]float32, dim) }

func (f *fakeEmbeddingAPI) CreateEmbeddings(_ context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error) {
	f.calls++
	req := conv.Convert()
	inputs := req.Input.([]string)

	if len(inputs) > 1 && f.batchErr != nil {
		return openai.EmbeddingResponse{}, f.batchErr
	}
	if len(inputs) == 1 {
		if err, ok := f.singleErrs[inputs[0]]; ok && err != nil {
			return openai.EmbeddingResponse{}, err
		}
	}

	var data []openai.Embedding
	for i := range inputs {
		if len(inputs) > 1 && i == f.skipIndex {
			continue
		}
		data = append(data, openai.Embedding{Index: i, Embedding: vectorOf(Dimensions)})
	}
	return openai.EmbeddingResponse{
		Data:  data,
		Usage: openai.Usage{TotalTokens: 10 * len(data)},
	}, nil
}

func fastRetry() llm.RetryPolicy {
	return llm.RetryPolicy{BaseInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxRetries: 1}
}

func testChunks(n int) []Chunk {
	chunks := make([]Chunk, n)
	for i := range chunks {
		chunks[i] = Chunk{Index: i, Type: ChunkRawSection, Content: "section-" + string(rune('a'+i))}
	}
	return chunks
}

func newEmbedder(api embeddingAPI) *Embedder {
	return New(api, fastRetry(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestEmbedChunks_BatchSuccess(t *testing.T) {
	api := &fakeEmbeddingAPI{skipIndex: -1}
	e := newEmbedder(api)

	res, err := e.EmbedChunks(context.Background(), testChunks(3))
	require.NoError(t, err)

	assert.Len(t, res.Embedded, 3)
	assert.Empty(t, res.FailedIndexes)
	assert.False(t, res.Partial)
	assert.Equal(t, 1, api.calls, "one batch call suffices")
	assert.Equal(t, 30, res.TokensUsed)
}

func TestEmbedChunks_BatchFailureFallsBackPerChunk(t *testing.T) {
	api := &fakeEmbeddingAPI{batchErr: errors.New("503 service unavailable"), skipIndex: -1}
	e := newEmbedder(api)

	res, err := e.EmbedChunks(context.Background(), testChunks(3))
	require.NoError(t, err)

	assert.Len(t, res.Embedded, 3)
	assert.Equal(t, 4, api.calls, "one failed batch plus three singles")
}

func TestEmbedChunks_PartialSuccess(t *testing.T) {
	api := &fakeEmbeddingAPI{
		skipIndex:  1,
		singleErrs: map[string]error{"section-b": errors.New("invalid input")},
	}
	e := newEmbedder(api)

	res, err := e.EmbedChunks(context.Background(), testChunks(3))
	require.NoError(t, err, "partial success is not an error")

	assert.Len(t, res.Embedded, 2)
	assert.Equal(t, []int{1}, res.FailedIndexes)
	assert.True(t, res.Partial)
}

func TestEmbedChunks_AllFail(t *testing.T) {
	api := &fakeEmbeddingAPI{
		batchErr:   errors.New("503 service unavailable"),
		singleErrs: map[string]error{"section-a": errors.New("invalid input")},
	}
	e := newEmbedder(api)

	res, err := e.EmbedChunks(context.Background(), testChunks(1))
	assert.Error(t, err)
	assert.Empty(t, res.Embedded)
}

func TestEmbedChunks_Empty(t *testing.T) {
	api := &fakeEmbeddingAPI{skipIndex: -1}
	e := newEmbedder(api)

	res, err := e.EmbedChunks(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, res.Embedded)
	assert.Zero(t, api.calls)
}
