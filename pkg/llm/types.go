// Package llm provides a multi-provider client for structured-output LLM
// calls with per-call retry, schema injection for providers without
// server-side enforcement, and a three-stage JSON repair path.
package llm

import (
	"context"
	"encoding/json"
)

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Schema describes the JSON structure the model must return.
type Schema struct {
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
}

// Request is a provider-agnostic structured-output request.
type Request struct {
	Messages    []Message
	Schema      *Schema
	Temperature float32
	MaxTokens   int
}

// Usage reports token consumption for one call.
type Usage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// Add accumulates another usage record.
func (u *Usage) Add(other Usage) {
	u.Prompt += other.Prompt
	u.Completion += other.Completion
	u.Total += other.Total
}

// Response is the outcome of one structured call.
type Response struct {
	OK         bool            `json:"ok"`
	ParsedJSON map[string]any  `json:"parsed_json,omitempty"`
	RawText    string          `json:"raw_text"`
	Provider   string          `json:"provider"`
	Model      string          `json:"model"`
	Usage      Usage           `json:"usage"`
	Error      string          `json:"error,omitempty"`
	Retries    int             `json:"retries"`
	Raw        json.RawMessage `json:"-"`
}

// Provider is one configured LLM backend.
type Provider interface {
	// Name identifies the provider ("openai", "gemini", "anthropic").
	Name() string

	// SupportsSchema reports whether the backend enforces the JSON schema
	// server-side. For providers that do not, the manager embeds the schema
	// in the system prompt and repairs the response.
	SupportsSchema() bool

	// Complete performs one chat completion. Implementations must honor ctx
	// cancellation by aborting the underlying transport.
	Complete(ctx context.Context, req Request) (text string, model string, usage Usage, err error)
}
