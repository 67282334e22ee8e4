package embedder

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"

	"github.com/talentbase/resumeflow/pkg/llm"
)

// Dimensions is the embedding vector size persisted alongside chunks.
const Dimensions = 1536

// embeddingAPI is the slice of the OpenAI client the embedder uses.
type embeddingAPI interface {
	CreateEmbeddings(ctx context.Context, conv openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// EmbeddedChunk pairs a chunk with its vector.
type EmbeddedChunk struct {
	Chunk  Chunk
	Vector []float32
}

// Result is the embedding outcome for one candidate. Partial means at
// least one chunk embedded and at least one failed; persistence proceeds
// with the failed chunks excluded.
type Result struct {
	Embedded      []EmbeddedChunk
	FailedIndexes []int
	Partial       bool
	TokensUsed    int
}

// Embedder generates vectors through the OpenAI embeddings endpoint.
type Embedder struct {
	client embeddingAPI
	model  openai.EmbeddingModel
	policy llm.RetryPolicy
	logger *slog.Logger
}

// New creates an Embedder. The model must emit 1536-dimension vectors.
func New(client embeddingAPI, policy llm.RetryPolicy, logger *slog.Logger) *Embedder {
	return &Embedder{
		client: client,
		model:  openai.SmallEmbedding3,
		policy: policy,
		logger: logger.With("component", "embedder"),
	}
}

// EmbedChunks submits all chunks as one batch; on batch failure or missing
// vectors it retries each unresolved chunk individually with back-off. An
// error is returned only when every chunk fails.
func (e *Embedder) EmbedChunks(ctx context.Context, chunks []Chunk) (*Result, error) {
	if len(chunks) == 0 {
		return &Result{}, nil
	}

	res := &Result{}
	vectors := make([][]float32, len(chunks))

	inputs := make([]string, len(chunks))
	for i, c := range chunks {
		inputs[i] = c.Content
	}
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      inputs,
		Model:      e.model,
		Dimensions: Dimensions,
	})
	if err != nil {
		e.logger.Warn("batch embedding failed, falling back to per-chunk retries",
			"chunks", len(chunks), "error", err)
	} else {
		res.TokensUsed += resp.Usage.TotalTokens
		for _, item := range resp.Data {
			if item.Index >= 0 && item.Index < len(vectors) && len(item.Embedding) == Dimensions {
				vectors[item.Index] = item.Embedding
			}
		}
	}

	for i := range chunks {
		if vectors[i] != nil {
			continue
		}
		vec, tokens, err := e.embedOne(ctx, chunks[i].Content)
		res.TokensUsed += tokens
		if err != nil {
			e.logger.Warn("chunk embedding failed after retries",
				"chunk_index", chunks[i].Index, "chunk_type", chunks[i].Type, "error", err)
			res.FailedIndexes = append(res.FailedIndexes, chunks[i].Index)
			continue
		}
		vectors[i] = vec
	}

	for i, c := range chunks {
		if vectors[i] != nil {
			res.Embedded = append(res.Embedded, EmbeddedChunk{Chunk: c, Vector: vectors[i]})
		}
	}
	res.Partial = len(res.Embedded) > 0 && len(res.FailedIndexes) > 0

	if len(res.Embedded) == 0 {
		return res, fmt.Errorf("embedding failed for all %d chunks", len(chunks))
	}
	return res, nil
}

// embedOne embeds a single input under the shared retry policy.
func (e *Embedder) embedOne(ctx context.Context, content string) ([]float32, int, error) {
	var vec []float32
	var tokens int

	op := func() error {
		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input:      []string{content},
			Model:      e.model,
			Dimensions: Dimensions,
		})
		if err != nil {
			if llm.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		tokens += resp.Usage.TotalTokens
		if len(resp.Data) == 0 || len(resp.Data[0].Embedding) != Dimensions {
			return backoff.Permanent(fmt.Errorf("embedding response missing %d-dim vector", Dimensions))
		}
		vec = resp.Data[0].Embedding
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(e.policy.Backoff(), ctx)); err != nil {
		return nil, tokens, err
	}
	return vec, tokens, nil
}
