package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/talentbase/resumeflow/pkg/httppool"
)

// DefaultGeminiModel is used when no model override is supplied.
const DefaultGeminiModel = "gemini-2.0-flash"

// GeminiProvider adapts the Gemini API. The response MIME type is pinned to
// JSON, but the schema itself is prompt-embedded (no strict enforcement), so
// the manager runs repair on the output.
type GeminiProvider struct {
	client *genai.Client
	model  string
}

// NewGeminiProvider creates a Gemini provider using the shared HTTP pool.
func NewGeminiProvider(apiKey, model string) (*GeminiProvider, error) {
	if model == "" {
		model = DefaultGeminiModel
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: httppool.Shared(),
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return &GeminiProvider{client: client, model: model}, nil
}

func (p *GeminiProvider) Name() string         { return "gemini" }
func (p *GeminiProvider) SupportsSchema() bool { return false }

// Complete performs one generation. System messages become the system
// instruction; user/assistant turns map to user/model contents.
func (p *GeminiProvider) Complete(ctx context.Context, req Request) (string, string, Usage, error) {
	cfg := &genai.GenerateContentConfig{
		Temperature:      genai.Ptr(req.Temperature),
		ResponseMIMEType: "application/json",
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			cfg.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: m.Content}},
			}
		case RoleAssistant:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleModel,
				Parts: []*genai.Part{{Text: m.Content}},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  genai.RoleUser,
				Parts: []*genai.Part{{Text: m.Content}},
			})
		}
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, cfg)
	if err != nil {
		return "", p.model, Usage{}, fmt.Errorf("gemini completion: %w", err)
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage = Usage{
			Prompt:     int(resp.UsageMetadata.PromptTokenCount),
			Completion: int(resp.UsageMetadata.CandidatesTokenCount),
			Total:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return resp.Text(), p.model, usage, nil
}
