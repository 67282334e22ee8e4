package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/talentbase/resumeflow/pkg/httppool"
)

// DefaultAnthropicModel is used when no model override is supplied.
const DefaultAnthropicModel = "claude-3-5-haiku-latest"

// AnthropicProvider adapts the Anthropic Messages API. Schema enforcement is
// prompt-embedded; the manager repairs the response.
type AnthropicProvider struct {
	client anthropic.Client
	model  string
}

// NewAnthropicProvider creates an Anthropic provider using the shared HTTP pool.
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	if model == "" {
		model = DefaultAnthropicModel
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(
			option.WithAPIKey(apiKey),
			option.WithHTTPClient(httppool.Shared()),
		),
		model: model,
	}
}

func (p *AnthropicProvider) Name() string         { return "anthropic" }
func (p *AnthropicProvider) SupportsSchema() bool { return false }

// Complete performs one message completion. System messages are lifted into
// the dedicated system field; the rest become user/assistant turns.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (string, string, Usage, error) {
	var system []anthropic.TextBlockParam
	var turns []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case RoleAssistant:
			turns = append(turns, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			turns = append(turns, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(p.model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(float64(req.Temperature)),
		System:      system,
		Messages:    turns,
	})
	if err != nil {
		return "", p.model, Usage{}, fmt.Errorf("anthropic completion: %w", err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	usage := Usage{
		Prompt:     int(msg.Usage.InputTokens),
		Completion: int(msg.Usage.OutputTokens),
		Total:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return sb.String(), string(msg.Model), usage, nil
}
