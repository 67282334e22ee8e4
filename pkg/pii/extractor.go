// Package pii extracts candidate identity fields (name, phone, email) from
// résumé text and filenames using regex heuristics only — no network calls.
// It also builds the masked text that is the only form of the document ever
// sent across the LLM boundary.
package pii

import (
	"regexp"
	"strings"
	"unicode"
)

// Source tags where a field value was found.
type Source string

const (
	SourceFilename   Source = "filename"
	SourceTextHeader Source = "text_header"
	SourceRegex      Source = "regex"
)

// Confidence assigned per extraction source.
const (
	confFilename = 0.85
	confHeader   = 0.70
	confPhone    = 0.95
	confEmail    = 0.95
)

// Field is one extracted identity value with provenance.
type Field struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Source     Source  `json:"source"`
}

// Found reports whether the field holds a value.
func (f Field) Found() bool { return f.Value != "" }

// Extraction is the complete PII extraction result for one document.
type Extraction struct {
	Name  Field `json:"name"`
	Phone Field `json:"phone"`
	Email Field `json:"email"`

	// MaskedText is the document text with every occurrence of the
	// extracted values replaced by placeholders.
	MaskedText string `json:"-"`

	// MaskMap maps placeholder → original for restoring values after the
	// LLM round trip.
	MaskMap map[string]string `json:"-"`
}

// Placeholders substituted into masked text.
const (
	PlaceholderName  = "[NAME]"
	PlaceholderPhone = "[PHONE]"
	PlaceholderEmail = "[EMAIL]"
)

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)

	// Korean mobile numbers (01X), with separators optional, plus a generic
	// international fallback of 9–12 digits.
	phoneKoreanRe  = regexp.MustCompile(`01[016789][\s.\-]?\d{3,4}[\s.\-]?\d{4}`)
	phoneGenericRe = regexp.MustCompile(`\+?\d[\d\s.\-]{7,14}\d`)

	digitsRe = regexp.MustCompile(`\D`)

	// Keywords stripped from filenames before treating the remainder as a
	// candidate name, across the scripts we commonly see.
	filenameKeywordRe = regexp.MustCompile(`(?i)(이력서|경력기술서|자기소개서|resume|résumé|curriculum\s*vitae|cv|이력|경력|profile|portfolio|final|최종|v?\d+)`)
	filenameSepRe     = regexp.MustCompile(`[_\-.()\[\]{}]+`)

	latinNameRe = regexp.MustCompile(`^[A-Za-z]+(?:\s[A-Za-z]+){1,3}$`)

	// Labeled name lines ("이름: 홍길동", "Name: Jane Doe"). Free-standing
	// tokens are too noisy to count toward an identity signal.
	nameLabelRe = regexp.MustCompile(`(?mi)^\s*(?:이름|성\s*명|name)\s*[:：]\s*(.+)$`)

	// Section headings that must never be mistaken for a name when scanning
	// the top of the document.
	headerBlacklist = []string{
		"이력서", "경력기술서", "자기소개서", "인적사항", "학력", "경력", "기술",
		"resume", "curriculum vitae", "profile", "summary", "experience",
		"education", "skills", "contact", "objective",
	}
)

// Extract runs all extractors over the document and assembles the masked
// text. filename may be empty.
func Extract(text, filename string) *Extraction {
	ex := &Extraction{MaskMap: make(map[string]string)}

	ex.Name = extractName(text, filename)
	ex.Phone = extractPhone(text)
	ex.Email = extractEmail(text)
	ex.MaskedText = ex.mask(text)
	return ex
}

// extractName tries the filename first, then the first 200 characters of the
// document body.
func extractName(text, filename string) Field {
	if name := nameFromFilename(filename); name != "" {
		return Field{Value: name, Confidence: confFilename, Source: SourceFilename}
	}
	if name := nameFromHeader(text); name != "" {
		return Field{Value: name, Confidence: confHeader, Source: SourceTextHeader}
	}
	return Field{}
}

// nameFromFilename strips extensions and résumé keywords, then accepts a
// 2–4 character CJK token or a 2+-token Latin sequence.
func nameFromFilename(filename string) string {
	if filename == "" {
		return ""
	}
	base := filename
	if i := strings.LastIndex(base, "/"); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.Index(base, "."); i >= 0 {
		base = base[:i]
	}
	base = filenameKeywordRe.ReplaceAllString(base, " ")
	base = filenameSepRe.ReplaceAllString(base, " ")

	for _, token := range strings.Fields(base) {
		if isCJKName(token) {
			return token
		}
	}
	cleaned := strings.TrimSpace(strings.Join(strings.Fields(base), " "))
	if latinNameRe.MatchString(cleaned) {
		return cleaned
	}
	return ""
}

// nameFromHeader scans the first 200 characters for a standalone name line.
func nameFromHeader(text string) string {
	head := text
	if runes := []rune(head); len(runes) > 200 {
		head = string(runes[:200])
	}
	for _, line := range strings.Split(head, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || isBlacklistedHeading(line) {
			continue
		}
		if isCJKName(line) {
			return line
		}
		if latinNameRe.MatchString(line) {
			return line
		}
	}
	return ""
}

func isBlacklistedHeading(line string) bool {
	lower := strings.ToLower(line)
	for _, h := range headerBlacklist {
		if strings.Contains(lower, h) {
			return true
		}
	}
	return false
}

// isCJKName reports whether s is a 2–4 rune token made of CJK characters.
func isCJKName(s string) bool {
	runes := []rune(s)
	if len(runes) < 2 || len(runes) > 4 {
		return false
	}
	for _, r := range runes {
		if !unicode.Is(unicode.Hangul, r) && !unicode.Is(unicode.Han, r) {
			return false
		}
	}
	return true
}

func extractPhone(text string) Field {
	match := phoneKoreanRe.FindString(text)
	if match == "" {
		match = phoneGenericRe.FindString(text)
	}
	if match == "" {
		return Field{}
	}
	normalized := NormalizePhone(match)
	if normalized == "" {
		return Field{}
	}
	return Field{Value: normalized, Confidence: confPhone, Source: SourceRegex}
}

func extractEmail(text string) Field {
	match := emailRe.FindString(text)
	if match == "" {
		return Field{}
	}
	return Field{Value: strings.ToLower(match), Confidence: confEmail, Source: SourceRegex}
}

// NormalizePhone reduces a phone match to digits and re-inserts hyphens in
// the canonical form. Returns "" when the digit count is implausible.
func NormalizePhone(raw string) string {
	digits := digitsRe.ReplaceAllString(raw, "")
	switch {
	case len(digits) == 11 && strings.HasPrefix(digits, "01"):
		return digits[:3] + "-" + digits[3:7] + "-" + digits[7:]
	case len(digits) == 10 && strings.HasPrefix(digits, "01"):
		return digits[:3] + "-" + digits[3:6] + "-" + digits[6:]
	case len(digits) >= 9 && len(digits) <= 12:
		// Non-Korean number: keep digits grouped from the right.
		return digits[:len(digits)-8] + "-" + digits[len(digits)-8:len(digits)-4] + "-" + digits[len(digits)-4:]
	}
	return ""
}

// PhoneVariants returns the formats a phone number plausibly appears in, so
// masking catches every rendering of the same digits.
func PhoneVariants(canonical string) []string {
	digits := digitsRe.ReplaceAllString(canonical, "")
	variants := []string{canonical, digits}
	parts := strings.Split(canonical, "-")
	if len(parts) == 3 {
		variants = append(variants,
			strings.Join(parts, " "),
			strings.Join(parts, "."),
		)
	}
	return variants
}

// mask substitutes placeholders for each extracted value and records the
// reverse mapping.
func (ex *Extraction) mask(text string) string {
	masked := text
	if ex.Name.Found() {
		masked = strings.ReplaceAll(masked, ex.Name.Value, PlaceholderName)
		ex.MaskMap[PlaceholderName] = ex.Name.Value
	}
	if ex.Phone.Found() {
		for _, v := range PhoneVariants(ex.Phone.Value) {
			masked = strings.ReplaceAll(masked, v, PlaceholderPhone)
		}
		ex.MaskMap[PlaceholderPhone] = ex.Phone.Value
	}
	if ex.Email.Found() {
		// Replace via the regex, not the stored value: the value is
		// lower-cased for dedup hashing, but the document may render the
		// address in any casing and every rendering must be masked.
		masked = emailRe.ReplaceAllString(masked, PlaceholderEmail)
		ex.MaskMap[PlaceholderEmail] = ex.Email.Value
	}
	return masked
}

// AllPhones returns every distinct normalized phone number in the text.
// Used by the multi-identity check.
func AllPhones(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range phoneKoreanRe.FindAllString(text, -1) {
		if n := NormalizePhone(m); n != "" && !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	return out
}

// AllNames returns every distinct explicitly labeled name in the text.
// Used by the multi-identity check alongside AllPhones and AllEmails.
func AllNames(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range nameLabelRe.FindAllStringSubmatch(text, -1) {
		name := strings.TrimSpace(m[1])
		if !isCJKName(name) && !latinNameRe.MatchString(name) {
			continue
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// AllEmails returns every distinct lower-cased email address in the text.
func AllEmails(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, m := range emailRe.FindAllString(text, -1) {
		lower := strings.ToLower(m)
		if !seen[lower] {
			seen[lower] = true
			out = append(out, lower)
		}
	}
	return out
}
