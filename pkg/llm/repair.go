package llm

import (
	"encoding/json"
	"errors"
	"regexp"
	"strings"
)

// ErrNoJSON is returned when no parseable JSON object could be recovered
// from the model output.
var ErrNoJSON = errors.New("no parseable JSON object in response")

var fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// RepairJSON recovers a JSON object from model output in three stages:
// strict parse, fenced-code extraction, then the first balanced {…} span.
func RepairJSON(raw string) (map[string]any, error) {
	trimmed := strings.TrimSpace(raw)

	// Stage 1: strict parse.
	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
		return obj, nil
	}

	// Stage 2: fenced code block.
	if m := fencedBlockRe.FindStringSubmatch(trimmed); m != nil {
		if err := json.Unmarshal([]byte(m[1]), &obj); err == nil {
			return obj, nil
		}
	}

	// Stage 3: first balanced brace span.
	if span := balancedSpan(trimmed); span != "" {
		if err := json.Unmarshal([]byte(span), &obj); err == nil {
			return obj, nil
		}
	}

	return nil, ErrNoJSON
}

// balancedSpan returns the first {…} substring with balanced braces,
// ignoring braces inside string literals.
func balancedSpan(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}
