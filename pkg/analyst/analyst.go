// Package analyst fuses structured outputs from several LLM providers into
// one candidate record with per-field confidence, spending as few calls as
// the configured strategy allows.
package analyst

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/talentbase/resumeflow/pkg/llm"
	"github.com/talentbase/resumeflow/pkg/models"
)

// Strategy selects how providers are consulted.
type Strategy string

const (
	StrategyProgressive Strategy = "progressive"
	StrategyParallel    Strategy = "parallel"
)

// Options configure an Analyst.
type Options struct {
	Strategy            Strategy
	Providers           []string // call order; index 0 is the authority
	ConfidenceThreshold float64  // progressive acceptance threshold
	DeepVerification    bool     // allow a third-provider escalation
	Temperature         float32
}

// Result is the fused analysis output.
type Result struct {
	Candidate       *models.Candidate
	Payload         map[string]any
	FieldConfidence map[string]float64
	Warnings        []Warning
	Usage           map[string]llm.Usage // per provider, for cost attribution
	ProvidersCalled []string

	// ProviderPayloads holds each provider's pre-merge payload so evidence
	// tracking can record what each one actually claimed, not the fusion.
	ProviderPayloads map[string]map[string]any
}

// TotalTokens sums usage across providers.
func (r *Result) TotalTokens() int {
	n := 0
	for _, u := range r.Usage {
		n += u.Total
	}
	return n
}

// Analyst drives the cross-check strategies over an llm.Manager.
type Analyst struct {
	mgr    *llm.Manager
	opts   Options
	logger *slog.Logger
}

// New creates an Analyst. Providers not registered with the manager are
// skipped at call time.
func New(mgr *llm.Manager, opts Options, logger *slog.Logger) *Analyst {
	if opts.ConfidenceThreshold == 0 {
		opts.ConfidenceThreshold = 0.85
	}
	if opts.Strategy == "" {
		opts.Strategy = StrategyProgressive
	}
	return &Analyst{mgr: mgr, opts: opts, logger: logger.With("component", "analyst")}
}

// Analyze extracts the candidate record from masked document text.
func (a *Analyst) Analyze(ctx context.Context, maskedText string) (*Result, error) {
	providers := a.availableProviders()
	if len(providers) == 0 {
		return nil, fmt.Errorf("no configured LLM providers")
	}

	var responses []response
	usage := make(map[string]llm.Usage)
	called := make([]string, 0, len(providers))

	switch a.opts.Strategy {
	case StrategyParallel:
		results := a.mgr.Gather(ctx, providers, a.request(maskedText))
		for _, resp := range results {
			u := usage[resp.Provider]
			u.Add(resp.Usage)
			usage[resp.Provider] = u
			called = append(called, resp.Provider)
			if resp.OK {
				responses = append(responses, response{Provider: resp.Provider, Payload: resp.ParsedJSON})
			} else {
				a.logger.Warn("provider failed during parallel analysis",
					"provider", resp.Provider, "error", resp.Error)
			}
		}
	default:
		for i, provider := range providers {
			resp := a.mgr.CallStructured(ctx, provider, a.request(maskedText))
			u := usage[provider]
			u.Add(resp.Usage)
			usage[provider] = u
			called = append(called, provider)
			if !resp.OK {
				a.logger.Warn("provider failed during progressive analysis",
					"provider", provider, "error", resp.Error)
				continue
			}
			responses = append(responses, response{Provider: provider, Payload: resp.ParsedJSON})

			s := summarize(resp.ParsedJSON)
			if i == 0 && s.Score >= a.opts.ConfidenceThreshold && len(s.MissingCritical) == 0 {
				a.logger.Info("authority response accepted without escalation",
					"provider", provider, "score", s.Score)
				break
			}
			// One escalation by default; deep verification allows a third.
			if i == 1 && !a.opts.DeepVerification {
				break
			}
			if i == 1 && s.Score >= a.opts.ConfidenceThreshold {
				break
			}
			if i == 2 {
				break
			}
		}
	}

	if len(responses) == 0 {
		return &Result{Usage: usage, ProvidersCalled: called},
			fmt.Errorf("all providers failed: %v", called)
	}

	payload, fieldConf, warnings := merge(responses)
	cand, err := decodeCandidate(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding merged payload: %w", err)
	}

	// Per-field confidence from the merge plus the authority's summary
	// score for fields the merge did not grade.
	base := summarize(responses[0].Payload).Score
	for _, field := range []string{"name", "exp_years", "careers", "skills", "educations", "summary"} {
		if _, ok := fieldConf[field]; !ok && !isEmptyValue(payload[field]) {
			fieldConf[field] = base
		}
	}
	cand.FieldConfidence = fieldConf
	cand.OverallConfidence = models.ComputeOverallConfidence(fieldConf)

	byProvider := make(map[string]map[string]any, len(responses))
	for _, r := range responses {
		byProvider[r.Provider] = r.Payload
	}

	return &Result{
		Candidate:        cand,
		Payload:          payload,
		FieldConfidence:  fieldConf,
		Warnings:         warnings,
		Usage:            usage,
		ProvidersCalled:  called,
		ProviderPayloads: byProvider,
	}, nil
}

func (a *Analyst) availableProviders() []string {
	out := make([]string, 0, len(a.opts.Providers))
	for _, p := range a.opts.Providers {
		if a.mgr.Has(p) {
			out = append(out, p)
		}
	}
	return out
}

func (a *Analyst) request(maskedText string) llm.Request {
	return llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: extractionSystemPrompt},
			{Role: llm.RoleUser, Content: maskedText},
		},
		Schema:      resumeSchema(),
		Temperature: a.opts.Temperature,
	}
}

// decodeCandidate converts the merged payload into the typed record via a
// JSON round trip so provider quirks (numbers as float64, missing keys)
// land in zero values instead of errors.
func decodeCandidate(payload map[string]any) (*models.Candidate, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	var cand models.Candidate
	if err := json.Unmarshal(raw, &cand); err != nil {
		return nil, err
	}
	return &cand, nil
}
