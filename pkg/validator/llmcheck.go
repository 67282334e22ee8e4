package validator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/talentbase/resumeflow/pkg/llm"
	"github.com/talentbase/resumeflow/pkg/models"
)

// complexFields get LLM verification; the rest are covered by rules alone.
var complexFields = []string{
	"exp_years", "current_company", "current_position", "careers", "skills", "summary",
}

const maxExcerptChars = 2000

const verificationSchemaJSON = `{
  "type": "object",
  "properties": {
    "is_valid": {"type": "boolean"},
    "confidence": {"type": "number"},
    "found_in_text": {"type": "boolean"},
    "reasoning": {"type": "string"},
    "suggested_correction": {"type": ["string", "null"]}
  },
  "required": ["is_valid", "confidence", "found_in_text", "reasoning"]
}`

const verificationPrompt = `You verify one extracted résumé field against the document excerpt. Judge whether the extracted value is supported by the excerpt. Return JSON per the schema. Suggest a correction only when the value is wrong and the excerpt shows the right one.`

// Verdict is one provider's judgement of one field.
type Verdict struct {
	IsValid             bool    `json:"is_valid"`
	Confidence          float64 `json:"confidence"`
	FoundInText         bool    `json:"found_in_text"`
	Reasoning           string  `json:"reasoning"`
	SuggestedCorrection string  `json:"suggested_correction"`
}

// FieldResult is the aggregated verification outcome for one field.
type FieldResult struct {
	Field         string  `json:"field"`
	Valid         bool    `json:"valid"`
	Corrected     bool    `json:"corrected"`
	NewValue      string  `json:"new_value,omitempty"`
	AgreementRate float64 `json:"agreement_rate"` // fraction of providers agreeing with the majority
	Providers     int     `json:"providers"`
}

// Verifier runs the LLM verification layer.
type Verifier struct {
	mgr       *llm.Manager
	providers []string // >= 2 enables cross-validation
	logger    *slog.Logger
}

// NewVerifier creates a Verifier over the given providers.
func NewVerifier(mgr *llm.Manager, providers []string, logger *slog.Logger) *Verifier {
	return &Verifier{mgr: mgr, providers: providers, logger: logger.With("component", "validator")}
}

// VerifyFields checks the complex fields of the candidate against an
// excerpt of the document. Invalid fields with a suggested correction are
// replaced in place; per-field confidence moves +-0.1, clamped to [0,1].
// Usage is returned per provider for cost attribution.
func (v *Verifier) VerifyFields(ctx context.Context, c *models.Candidate, text string) ([]FieldResult, map[string]llm.Usage, error) {
	if len(v.providers) == 0 {
		return nil, nil, fmt.Errorf("no verification providers configured")
	}
	excerpt := truncateRunes(text, maxExcerptChars)
	usage := make(map[string]llm.Usage)
	results := make([]FieldResult, 0, len(complexFields))

	for _, field := range complexFields {
		value := fieldString(c, field)
		if strings.TrimSpace(value) == "" {
			continue
		}

		verdicts := make([]Verdict, 0, len(v.providers))
		for _, provider := range v.providers {
			resp := v.mgr.CallStructured(ctx, provider, v.request(field, value, excerpt))
			u := usage[provider]
			u.Add(resp.Usage)
			usage[provider] = u
			if !resp.OK {
				v.logger.Warn("field verification call failed",
					"provider", provider, "field", field, "error", resp.Error)
				continue
			}
			verdicts = append(verdicts, decodeVerdict(resp.ParsedJSON))
		}
		if len(verdicts) == 0 {
			continue
		}

		res := aggregate(field, verdicts)
		if res.Corrected {
			applyCorrection(c, field, res.NewValue)
		}
		adjustConfidence(c, field, res.Valid)
		results = append(results, res)
	}
	return results, usage, nil
}

func (v *Verifier) request(field, value, excerpt string) llm.Request {
	user := fmt.Sprintf("Field: %s\nExtracted value: %s\n\nDocument excerpt:\n%s", field, value, excerpt)
	return llm.Request{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: verificationPrompt},
			{Role: llm.RoleUser, Content: user},
		},
		Schema: &llm.Schema{Name: "field_verification", Definition: json.RawMessage(verificationSchemaJSON)},
	}
}

// aggregate folds the verdicts: majority vote on is_valid; the agreement
// rate records how unanimous the providers were. A correction applies only
// when the majority says invalid and a suggestion exists.
func aggregate(field string, verdicts []Verdict) FieldResult {
	validVotes := 0
	var suggestion string
	for _, vd := range verdicts {
		if vd.IsValid {
			validVotes++
		} else if suggestion == "" && strings.TrimSpace(vd.SuggestedCorrection) != "" {
			suggestion = strings.TrimSpace(vd.SuggestedCorrection)
		}
	}
	valid := 2*validVotes >= len(verdicts)
	majority := validVotes
	if !valid {
		majority = len(verdicts) - validVotes
	}
	res := FieldResult{
		Field:         field,
		Valid:         valid,
		AgreementRate: float64(majority) / float64(len(verdicts)),
		Providers:     len(verdicts),
	}
	if !valid && suggestion != "" {
		res.Corrected = true
		res.NewValue = suggestion
	}
	return res
}

func decodeVerdict(payload map[string]any) Verdict {
	var vd Verdict
	raw, err := json.Marshal(payload)
	if err == nil {
		_ = json.Unmarshal(raw, &vd)
	}
	return vd
}

// fieldString renders the current field value for the prompt.
func fieldString(c *models.Candidate, field string) string {
	switch field {
	case "exp_years":
		if c.ExpYears == 0 {
			return ""
		}
		return fmt.Sprintf("%.1f", c.ExpYears)
	case "current_company":
		return c.CurrentCompany
	case "current_position":
		return c.CurrentPosition
	case "careers":
		parts := make([]string, 0, len(c.Careers))
		for _, job := range c.Careers {
			parts = append(parts, fmt.Sprintf("%s / %s (%s~%s)", job.Company, job.Position, job.StartDate, job.EndDate))
		}
		return strings.Join(parts, "; ")
	case "skills":
		return strings.Join(c.Skills, ", ")
	case "summary":
		return c.Summary
	}
	return ""
}

// applyCorrection writes a suggested correction back onto scalar fields.
// List fields keep their values; only their confidence moves.
func applyCorrection(c *models.Candidate, field, value string) {
	switch field {
	case "current_company":
		c.CurrentCompany = CanonicalCompany(value)
	case "current_position":
		c.CurrentPosition = value
	case "summary":
		c.Summary = value
	case "exp_years":
		var years float64
		if _, err := fmt.Sscanf(value, "%f", &years); err == nil {
			c.ExpYears = years
		}
	}
}

func adjustConfidence(c *models.Candidate, field string, valid bool) {
	if c.FieldConfidence == nil {
		c.FieldConfidence = make(map[string]float64)
	}
	delta := 0.1
	if !valid {
		delta = -0.1
	}
	conf := c.FieldConfidence[field] + delta
	if conf < 0 {
		conf = 0
	} else if conf > 1 {
		conf = 1
	}
	c.FieldConfidence[field] = conf
	c.OverallConfidence = models.ComputeOverallConfidence(c.FieldConfidence)
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
