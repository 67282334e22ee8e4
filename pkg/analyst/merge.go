package analyst

import (
	"fmt"
	"strings"
)

// Warning is a non-fatal cross-check finding.
type Warning struct {
	Code     string `json:"code"`
	Severity string `json:"severity"` // low | high
	Field    string `json:"field"`
	Message  string `json:"message"`
}

const (
	warnMismatchResolved = "MISMATCH_RESOLVED"
	warnMismatch         = "MISMATCH"
)

// response pairs a provider name with its parsed payload, in call order;
// index 0 is the base (authority) response.
type response struct {
	Provider string
	Payload  map[string]any
}

// merge fuses n >= 1 provider payloads. The first response is the base.
// Critical fields are compared in normalized form: unanimity keeps the
// base's formatting at 1.0; a strict majority takes the majority value at
// 0.85 with a warning naming the dissenters; total disagreement keeps the
// base value at 0.4 with a high-severity warning. Non-critical keys absent
// from the base are filled from later providers, first non-null wins.
func merge(responses []response) (map[string]any, map[string]float64, []Warning) {
	base := cloneMap(responses[0].Payload)
	fieldConf := make(map[string]float64)
	var warnings []Warning

	if len(responses) == 1 {
		return base, fieldConf, nil
	}

	for _, field := range criticalFields {
		votes := make(map[string][]string) // normalized value -> providers
		order := make([]string, 0, len(responses))
		for _, r := range responses {
			raw, _ := r.Payload[field].(string)
			norm := strings.ToLower(strings.TrimSpace(raw))
			if norm == "" {
				continue
			}
			if _, seen := votes[norm]; !seen {
				order = append(order, norm)
			}
			votes[norm] = append(votes[norm], r.Provider)
		}
		if len(votes) == 0 {
			continue
		}
		if len(votes) == 1 {
			if existing, _ := base[field].(string); strings.TrimSpace(existing) == "" {
				base[field] = payloadValue(responses, field, votes[order[0]][0])
			}
			fieldConf[field] = 1.0
			continue
		}

		total := 0
		for _, providers := range votes {
			total += len(providers)
		}
		if norm, ok := majorityValue(votes, order, total); ok {
			base[field] = payloadValue(responses, field, votes[norm][0])
			fieldConf[field] = 0.85
			warnings = append(warnings, Warning{
				Code:     warnMismatchResolved,
				Severity: "low",
				Field:    field,
				Message: fmt.Sprintf("majority value kept for %s; dissenting: %s",
					field, strings.Join(dissenters(votes, norm), ", ")),
			})
			continue
		}

		// All disagree: keep the base value but flag loudly.
		fieldConf[field] = 0.4
		warnings = append(warnings, Warning{
			Code:     warnMismatch,
			Severity: "high",
			Field:    field,
			Message:  fmt.Sprintf("providers disagree on %s with no majority", field),
		})
	}

	// Non-critical fill: first non-null from later providers.
	for _, r := range responses[1:] {
		for key, val := range r.Payload {
			if isCritical(key) || val == nil {
				continue
			}
			if existing, ok := base[key]; !ok || isEmptyValue(existing) {
				base[key] = val
			}
		}
	}

	return base, fieldConf, warnings
}

func isCritical(field string) bool {
	for _, f := range criticalFields {
		if f == field {
			return true
		}
	}
	return false
}

// majorityValue returns the normalized value held by a strict majority,
// scanning in first-seen order for determinism.
func majorityValue(votes map[string][]string, order []string, total int) (string, bool) {
	for _, norm := range order {
		if 2*len(votes[norm]) > total {
			return norm, true
		}
	}
	return "", false
}

// payloadValue returns the original (non-normalized) value the given
// provider reported for the field.
func payloadValue(responses []response, field, provider string) string {
	for _, r := range responses {
		if r.Provider == provider {
			v, _ := r.Payload[field].(string)
			return v
		}
	}
	return ""
}

func dissenters(votes map[string][]string, winner string) []string {
	var out []string
	for norm, providers := range votes {
		if norm != winner {
			out = append(out, providers...)
		}
	}
	return out
}

func isEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []any:
		return len(t) == 0
	}
	return false
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
