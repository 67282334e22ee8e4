// Package docparse turns a classified résumé file into plain text. Format
// extractors plug in behind the Extractor interface; ZIP-based formats
// (DOCX, HWPX) ship with native extractors, the binary formats (PDF, DOC,
// HWP) are registered by the process that owns the converter.
package docparse

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/talentbase/resumeflow/pkg/router"
)

// Extraction is the raw output of one format extractor.
type Extraction struct {
	Text      string
	PageCount int
	Encrypted bool
}

// Extractor pulls plain text out of one container format.
type Extractor interface {
	Extract(data []byte) (Extraction, error)
}

// ExtractorFunc adapts a function to the Extractor interface.
type ExtractorFunc func(data []byte) (Extraction, error)

func (f ExtractorFunc) Extract(data []byte) (Extraction, error) { return f(data) }

// Result is what the pipeline consumes downstream.
type Result struct {
	RawText     string            `json:"raw_text"`
	CleanedText string            `json:"cleaned_text"`
	Sections    map[string]string `json:"sections,omitempty"`
	ParseMethod string            `json:"parse_method"`
	PageCount   int               `json:"page_count"`
	Confidence  float64           `json:"confidence"`
	Warnings    []string          `json:"warnings,omitempty"`
}

// Parser dispatches to the registered extractor for the file type and
// applies cleanup plus minimum-content checks on the extracted text.
type Parser struct {
	extractors    map[router.FileType]Extractor
	minTextLength int
	logger        *slog.Logger
}

// New builds a Parser with the native ZIP-format extractors pre-registered.
func New(minTextLength int, logger *slog.Logger) *Parser {
	p := &Parser{
		extractors:    make(map[router.FileType]Extractor),
		minTextLength: minTextLength,
		logger:        logger.With("component", "docparse"),
	}
	p.Register(router.TypeDOCX, ExtractorFunc(extractDOCX))
	p.Register(router.TypeHWPX, ExtractorFunc(extractHWPX))
	return p
}

// Register installs (or replaces) the extractor for a file type.
func (p *Parser) Register(t router.FileType, e Extractor) { p.extractors[t] = e }

// Supports reports whether an extractor is registered for the type.
func (p *Parser) Supports(t router.FileType) bool {
	_, ok := p.extractors[t]
	return ok
}

// Parse extracts and cleans the text for one classified file. Error messages
// are phrased so the failure taxonomy classifies them without extra context.
func (p *Parser) Parse(data []byte, t router.FileType) (*Result, error) {
	ex, ok := p.extractors[t]
	if !ok {
		return nil, fmt.Errorf("unsupported file type %s: no extractor registered", t)
	}

	out, err := ex.Extract(data)
	if err != nil {
		return nil, fmt.Errorf("extract %s text: %w", t, err)
	}
	if out.Encrypted {
		return nil, fmt.Errorf("%s file is encrypted", t)
	}

	cleaned := CleanText(out.Text)
	if strings.TrimSpace(cleaned) == "" {
		return nil, fmt.Errorf("no extractable text in %s file, likely a scanned image", t)
	}
	if len([]rune(cleaned)) < p.minTextLength {
		return nil, fmt.Errorf("text too short: %d characters extracted from %s file", len([]rune(cleaned)), t)
	}

	res := &Result{
		RawText:     out.Text,
		CleanedText: cleaned,
		Sections:    SplitSections(cleaned),
		ParseMethod: strings.ToLower(string(t)) + "_native",
		PageCount:   out.PageCount,
		Confidence:  parseConfidence(out.Text, cleaned),
	}
	p.logger.Debug("parsed document",
		"type", t, "raw_chars", len(out.Text), "cleaned_chars", len(cleaned),
		"sections", len(res.Sections), "pages", res.PageCount)
	return res, nil
}

var (
	controlRe    = regexp.MustCompile(`[\x00-\x08\x0b\x0c\x0e-\x1f]`)
	spaceRunRe   = regexp.MustCompile(`[ \t]{2,}`)
	newlineRunRe = regexp.MustCompile(`\n{3,}`)
)

// CleanText normalizes whitespace and strips control characters while
// keeping paragraph boundaries (double newlines survive).
func CleanText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = controlRe.ReplaceAllString(s, "")
	s = spaceRunRe.ReplaceAllString(s, " ")
	s = newlineRunRe.ReplaceAllString(s, "\n\n")

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// sectionHeadings maps heading aliases (Korean and English) onto canonical
// section names used by the section map.
var sectionHeadings = []struct {
	name    string
	aliases []string
}{
	{"career", []string{"경력", "경력사항", "업무 경험", "work experience", "experience", "employment"}},
	{"education", []string{"학력", "학력사항", "education"}},
	{"skills", []string{"기술", "보유 기술", "기술 스택", "skills", "technical skills", "tech stack"}},
	{"projects", []string{"프로젝트", "주요 프로젝트", "projects"}},
	{"summary", []string{"자기소개", "소개", "요약", "summary", "about", "profile"}},
	{"certificates", []string{"자격증", "수상", "certificates", "certifications", "awards"}},
}

// SplitSections finds heading lines and slices the text between them. A line
// is a heading when it is short and matches an alias after trimming
// decoration. Text before the first heading is not kept as a section.
func SplitSections(text string) map[string]string {
	lines := strings.Split(text, "\n")
	sections := make(map[string]string)
	current := ""
	var buf []string

	flush := func() {
		if current == "" {
			return
		}
		body := strings.TrimSpace(strings.Join(buf, "\n"))
		if body != "" {
			if prev, ok := sections[current]; ok {
				body = prev + "\n" + body
			}
			sections[current] = body
		}
	}

	for _, line := range lines {
		if name, ok := headingFor(line); ok {
			flush()
			current = name
			buf = buf[:0]
			continue
		}
		buf = append(buf, line)
	}
	flush()
	return sections
}

func headingFor(line string) (string, bool) {
	trimmed := strings.TrimSpace(strings.Trim(strings.TrimSpace(line), "#*-=:·[]<>【】"))
	if trimmed == "" || len([]rune(trimmed)) > 30 {
		return "", false
	}
	lower := strings.ToLower(trimmed)
	for _, h := range sectionHeadings {
		for _, alias := range h.aliases {
			if lower == alias {
				return h.name, true
			}
		}
	}
	return "", false
}

// parseConfidence scores how much of the raw text survived cleanup. Heavy
// loss suggests a noisy extraction (OCR artifacts, broken encoding).
func parseConfidence(raw, cleaned string) float64 {
	if len(raw) == 0 {
		return 0
	}
	ratio := float64(len(cleaned)) / float64(len(raw))
	switch {
	case ratio >= 0.9:
		return 1.0
	case ratio >= 0.7:
		return 0.9
	case ratio >= 0.5:
		return 0.7
	default:
		return 0.5
	}
}
