package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrUnknownProvider is returned when a call names a provider that was not
// configured.
var ErrUnknownProvider = errors.New("unknown LLM provider")

// Manager fans structured-output calls out to configured providers, applying
// schema injection, per-call retry with exponential back-off, and JSON
// repair uniformly.
type Manager struct {
	providers map[string]Provider
	order     []string
	policy    RetryPolicy
	timeout   time.Duration
}

// NewManager creates a manager over the given providers. Order is
// significant: the first provider is the authority in merge conflicts.
func NewManager(timeout time.Duration, policy RetryPolicy, providers ...Provider) *Manager {
	m := &Manager{
		providers: make(map[string]Provider, len(providers)),
		policy:    policy,
		timeout:   timeout,
	}
	for _, p := range providers {
		if _, dup := m.providers[p.Name()]; dup {
			continue
		}
		m.providers[p.Name()] = p
		m.order = append(m.order, p.Name())
	}
	slog.Info("LLM manager initialized", "providers", m.order, "timeout", timeout)
	return m
}

// Providers returns the configured provider names in authority order.
func (m *Manager) Providers() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// Has reports whether the named provider is configured.
func (m *Manager) Has(name string) bool {
	_, ok := m.providers[name]
	return ok
}

// CallStructured performs one structured-output call. It never panics and
// never returns a nil response; failures are reported via Response.OK and
// Response.Error so fan-out callers can gather results without exceptions.
func (m *Manager) CallStructured(ctx context.Context, provider string, req Request) *Response {
	p, ok := m.providers[provider]
	if !ok {
		return &Response{Provider: provider, Error: ErrUnknownProvider.Error()}
	}

	effective := req
	if req.Schema != nil && !p.SupportsSchema() {
		effective.Messages = injectSchema(req.Messages, req.Schema)
	}

	resp := &Response{Provider: provider}
	attempts := 0

	operation := func() error {
		attempts++
		callCtx, cancel := context.WithTimeout(ctx, m.timeout)
		defer cancel()

		text, model, usage, err := p.Complete(callCtx, effective)
		resp.Usage.Add(usage)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
				// The transport was closed, but the remote side may have
				// finished the generation.
				slog.Warn("LLM call timed out — upstream request may have been billed even though the response was discarded",
					"provider", provider, "timeout", m.timeout)
				return fmt.Errorf("timeout after %v: %w", m.timeout, err)
			}
			if IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		resp.RawText = text
		resp.Model = model
		return nil
	}

	err := backoff.Retry(operation, backoff.WithContext(m.policy.Backoff(), ctx))
	resp.Retries = attempts - 1
	if err != nil {
		resp.Error = err.Error()
		return resp
	}

	if req.Schema != nil {
		parsed, err := RepairJSON(resp.RawText)
		if err != nil {
			// JSON parse failures are permanent: retrying the same payload
			// through repair will not change the outcome.
			resp.Error = err.Error()
			return resp
		}
		resp.ParsedJSON = parsed
	}

	resp.OK = true
	return resp
}

// Gather calls every named provider concurrently and returns one response
// per provider, in input order. Responses are never nil.
func (m *Manager) Gather(ctx context.Context, providers []string, req Request) []*Response {
	results := make([]*Response, len(providers))
	done := make(chan int, len(providers))
	for i, name := range providers {
		go func(i int, name string) {
			results[i] = m.CallStructured(ctx, name, req)
			done <- i
		}(i, name)
	}
	for range providers {
		<-done
	}
	return results
}

// injectSchema appends the schema contract to the system message (creating
// one if absent) for providers without server-side enforcement.
func injectSchema(messages []Message, schema *Schema) []Message {
	instruction := fmt.Sprintf(
		"\n\nRespond with exactly one JSON object conforming to the JSON Schema below. Output nothing outside the JSON.\nSchema %q:\n%s",
		schema.Name, string(schema.Definition))

	out := make([]Message, len(messages))
	copy(out, messages)
	for i, msg := range out {
		if msg.Role == RoleSystem {
			out[i].Content += instruction
			return out
		}
	}
	return append([]Message{{Role: RoleSystem, Content: instruction}}, out...)
}
