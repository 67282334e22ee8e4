package pipeline

import "strings"

// HallucinationDetector checks extracted values against the source text.
// A value that never appears in the document (in any loose form) is flagged
// as suspected hallucination rather than silently accepted.
type HallucinationDetector struct {
	source  string // lowercased source text
	flagged []string
}

// NewHallucinationDetector builds a detector over the given document text.
func NewHallucinationDetector(sourceText string) *HallucinationDetector {
	return &HallucinationDetector{source: strings.ToLower(sourceText)}
}

// Check reports whether the value is grounded in the source text. Short
// values (under 3 runes) and empty values are never flagged; comparison is
// case-insensitive and whitespace-normalized. Ungrounded fields are recorded.
func (d *HallucinationDetector) Check(field, value string) bool {
	v := strings.ToLower(strings.TrimSpace(value))
	if len([]rune(v)) < 3 {
		return true
	}
	if strings.Contains(d.source, v) {
		return true
	}
	// Multi-token values pass when most tokens are individually grounded;
	// LLMs routinely reorder or reformat spans they did read.
	tokens := strings.Fields(v)
	if len(tokens) > 1 {
		found := 0
		for _, tok := range tokens {
			if strings.Contains(d.source, tok) {
				found++
			}
		}
		if 2*found >= len(tokens) {
			return true
		}
	}
	d.flagged = append(d.flagged, field)
	return false
}

// Flagged returns the fields whose values were not grounded in the source.
func (d *HallucinationDetector) Flagged() []string { return d.flagged }
