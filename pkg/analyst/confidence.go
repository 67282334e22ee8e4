package analyst

import (
	"regexp"
	"strings"
)

// criticalFields are cross-checked by format and across providers.
var criticalFields = []string{"name", "phone", "email"}

var (
	phoneFormatRe = regexp.MustCompile(`^\+?[\d][\d\s.-]{7,14}$`)
	emailFormatRe = regexp.MustCompile(`^[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}$`)
)

// placeholderValue reports whether v is a masking placeholder. Placeholders
// prove the model read the field from the document without exposing it.
func placeholderValue(v string) bool {
	switch v {
	case "[NAME]", "[PHONE]", "[EMAIL]":
		return true
	}
	return false
}

// scoreCritical grades one critical field value: 1.0 for a well-formed
// value (or a masking placeholder), 0.7 for present but non-canonical,
// 0.0 for missing.
func scoreCritical(field, value string) float64 {
	v := strings.TrimSpace(value)
	if v == "" {
		return 0.0
	}
	if placeholderValue(v) {
		return 1.0
	}
	switch field {
	case "name":
		if len([]rune(v)) >= 2 {
			return 1.0
		}
	case "phone":
		if phoneFormatRe.MatchString(v) {
			return 1.0
		}
	case "email":
		if emailFormatRe.MatchString(v) {
			return 1.0
		}
	}
	return 0.7
}

// summary is the acceptance signal for the progressive strategy.
type summary struct {
	Score           float64
	MissingCritical []string
}

// summarize computes the confidence summary for one provider payload: the
// mean of the critical-field scores plus up to a 0.2 bonus for substantive
// careers, skills, educations, and summary sections.
func summarize(payload map[string]any) summary {
	var s summary
	var total float64
	for _, field := range criticalFields {
		v, _ := payload[field].(string)
		score := scoreCritical(field, v)
		total += score
		if score == 0 {
			s.MissingCritical = append(s.MissingCritical, field)
		}
	}
	s.Score = total / float64(len(criticalFields))

	var bonus float64
	if nonEmptyList(payload["careers"]) {
		bonus += 0.05
	}
	if nonEmptyList(payload["skills"]) {
		bonus += 0.05
	}
	if nonEmptyList(payload["educations"]) {
		bonus += 0.05
	}
	if text, _ := payload["summary"].(string); len([]rune(strings.TrimSpace(text))) >= 30 {
		bonus += 0.05
	}
	s.Score += bonus
	if s.Score > 1 {
		s.Score = 1
	}
	return s
}

func nonEmptyList(v any) bool {
	list, ok := v.([]any)
	return ok && len(list) > 0
}
