package llm

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"github.com/talentbase/resumeflow/pkg/httppool"
)

// DefaultOpenAIModel is used when no model override is supplied.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAIProvider adapts the OpenAI chat completion API. This is the only
// configured provider with server-side JSON schema enforcement, which makes
// it the authority (provider A) in merge conflicts.
type OpenAIProvider struct {
	client *openai.Client
	model  string
}

// NewOpenAIProvider creates an OpenAI provider using the shared HTTP pool.
func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = DefaultOpenAIModel
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.HTTPClient = httppool.Shared()
	return &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (p *OpenAIProvider) Name() string         { return "openai" }
func (p *OpenAIProvider) SupportsSchema() bool { return true }

// Complete performs one chat completion with strict schema enforcement.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (string, string, Usage, error) {
	messages := make([]openai.ChatCompletionMessage, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = openai.ChatCompletionMessage{
			Role:    string(m.Role),
			Content: m.Content,
		}
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.Schema != nil {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   req.Schema.Name,
				Schema: json.RawMessage(req.Schema.Definition),
				Strict: true,
			},
		}
	}

	resp, err := p.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return "", p.model, Usage{}, fmt.Errorf("openai completion: %w", err)
	}
	usage := Usage{
		Prompt:     resp.Usage.PromptTokens,
		Completion: resp.Usage.CompletionTokens,
		Total:      resp.Usage.TotalTokens,
	}
	if len(resp.Choices) == 0 {
		return "", resp.Model, usage, fmt.Errorf("openai completion: empty choices")
	}
	return resp.Choices[0].Message.Content, resp.Model, usage, nil
}
