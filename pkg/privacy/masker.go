// Package privacy masks personally identifiable information in candidate
// records before display and encrypts contact originals before storage.
// Created once at application startup; thread-safe and stateless aside from
// compiled patterns.
package privacy

import (
	"log/slog"
	"regexp"
	"strings"
)

// CompiledPattern holds a pre-compiled sweep pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// sweepPatterns are applied to nested free-text fields (summaries, career
// and project descriptions) where PII may appear inline.
var sweepPatterns = []CompiledPattern{
	{
		Name:        "phone",
		Regex:       regexp.MustCompile(`01[016789][\s.\-]?\d{3,4}[\s.\-]?\d{4}`),
		Replacement: "[MASKED_PHONE]",
	},
	{
		Name:        "email",
		Regex:       regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
		Replacement: "[MASKED_EMAIL]",
	},
	{
		Name:        "national_id",
		Regex:       regexp.MustCompile(`\d{6}[\s\-]?[1-4]\d{6}`),
		Replacement: "[MASKED_NATIONAL_ID]",
	},
	{
		Name:        "credit_card",
		Regex:       regexp.MustCompile(`\d{4}[\s\-]?\d{4}[\s\-]?\d{4}[\s\-]?\d{4}`),
		Replacement: "[MASKED_CARD]",
	},
	{
		Name:        "passport",
		Regex:       regexp.MustCompile(`\b[A-Z]{1,2}\d{7,8}\b`),
		Replacement: "[MASKED_PASSPORT]",
	},
}

// Masker applies display masking to candidate contact fields and sweeps
// nested text for stray PII.
type Masker struct {
	patterns []CompiledPattern
}

// NewMasker creates a masker with the built-in sweep patterns.
func NewMasker() *Masker {
	slog.Info("Privacy masker initialized", "sweep_patterns", len(sweepPatterns))
	return &Masker{patterns: sweepPatterns}
}

// MaskPhone reveals the first block and the last 4 digits, starring the
// middle: 010-1234-5678 → 010-****-5678.
func (m *Masker) MaskPhone(phone string) string {
	if phone == "" {
		return ""
	}
	parts := strings.Split(phone, "-")
	if len(parts) == 3 {
		return parts[0] + "-" + strings.Repeat("*", len(parts[1])) + "-" + parts[2]
	}
	if len(phone) <= 4 {
		return strings.Repeat("*", len(phone))
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}

// MaskEmail reveals two leading characters of the local part and the full
// domain: jane.doe@example.com → ja******@example.com.
func (m *Masker) MaskEmail(email string) string {
	at := strings.Index(email, "@")
	if at <= 0 {
		return email
	}
	local, domain := email[:at], email[at:]
	if len(local) <= 2 {
		return strings.Repeat("*", len(local)) + domain
	}
	return local[:2] + strings.Repeat("*", len(local)-2) + domain
}

// MaskAddress keeps the first two whitespace-delimited tokens and stars the
// rest, preserving coarse region while hiding the street address.
func (m *Masker) MaskAddress(address string) string {
	tokens := strings.Fields(address)
	if len(tokens) <= 2 {
		return address
	}
	masked := make([]string, len(tokens))
	copy(masked, tokens[:2])
	for i := 2; i < len(tokens); i++ {
		masked[i] = strings.Repeat("*", len([]rune(tokens[i])))
	}
	return strings.Join(masked, " ")
}

// SweepText masks inline PII patterns (phone, email, national ID, credit
// card, passport) inside a free-text field.
func (m *Masker) SweepText(text string) string {
	masked := text
	for _, p := range m.patterns {
		masked = p.Regex.ReplaceAllString(masked, p.Replacement)
	}
	return masked
}

// SweepAll applies SweepText to each string in place and returns the slice.
func (m *Masker) SweepAll(texts []string) []string {
	for i, t := range texts {
		texts[i] = m.SweepText(t)
	}
	return texts
}
