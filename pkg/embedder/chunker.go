// Package embedder splits a candidate record into semantic chunks and
// generates 1536-dimension embedding vectors for them.
package embedder

import (
	"fmt"
	"strings"
)

// ChunkType labels what a chunk represents.
type ChunkType string

const (
	ChunkSummary    ChunkType = "summary"
	ChunkCareer     ChunkType = "career"
	ChunkProject    ChunkType = "project"
	ChunkSkill      ChunkType = "skill"
	ChunkEducation  ChunkType = "education"
	ChunkRawFull    ChunkType = "raw_full"
	ChunkRawSection ChunkType = "raw_section"
)

const (
	maxSummaryChars = 2000
	maxRawFullChars = 8000

	defaultWindow  = 1500
	defaultOverlap = 300
	koreanWindow   = 2000
	koreanOverlap  = 500
)

// Chunk is one embeddable unit of candidate content.
type Chunk struct {
	Index    int            `json:"chunk_index"`
	Type     ChunkType      `json:"chunk_type"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ChunkInput is what the chunker needs from the pipeline.
type ChunkInput struct {
	Name            string
	ExpYears        float64
	CurrentCompany  string
	CurrentPosition string
	Summary         string
	Strengths       []string
	Skills          []string
	Careers         []CareerEntry
	Projects        []ProjectEntry
	Educations      []EducationEntry
	RawText         string
}

// CareerEntry mirrors the candidate career fields the chunker renders.
type CareerEntry struct {
	Company, Position, StartDate, EndDate, Description string
}

// ProjectEntry mirrors the candidate project fields the chunker renders.
type ProjectEntry struct {
	Name, Role, Period, Description string
	TechStack                       []string
}

// EducationEntry mirrors the candidate education fields the chunker renders.
type EducationEntry struct {
	School, Major, Degree string
}

// BuildChunks produces the chunk set for one candidate. truncated reports
// that the raw text exceeded the raw_full bound and was cut.
func BuildChunks(in ChunkInput) (chunks []Chunk, truncated bool) {
	add := func(t ChunkType, content string, meta map[string]any) {
		content = strings.TrimSpace(content)
		if content == "" {
			return
		}
		chunks = append(chunks, Chunk{Index: len(chunks), Type: t, Content: content, Metadata: meta})
	}

	add(ChunkSummary, summaryChunk(in), nil)

	for _, job := range in.Careers {
		var b strings.Builder
		fmt.Fprintf(&b, "%s | %s | %s ~ %s", job.Company, job.Position, job.StartDate, orPresent(job.EndDate))
		if job.Description != "" {
			b.WriteString("\n" + job.Description)
		}
		add(ChunkCareer, b.String(), map[string]any{"company": job.Company})
	}

	for _, p := range in.Projects {
		var b strings.Builder
		fmt.Fprintf(&b, "%s | %s | %s", p.Name, p.Role, p.Period)
		if len(p.TechStack) > 0 {
			b.WriteString("\nStack: " + strings.Join(p.TechStack, ", "))
		}
		if p.Description != "" {
			b.WriteString("\n" + p.Description)
		}
		add(ChunkProject, b.String(), map[string]any{"project": p.Name})
	}

	if len(in.Skills) > 0 {
		add(ChunkSkill, skillChunk(in.Skills), nil)
	}

	if len(in.Educations) > 0 {
		add(ChunkEducation, educationChunk(in.Educations), nil)
	}

	raw := strings.TrimSpace(in.RawText)
	if raw != "" {
		full := raw
		if len([]rune(full)) > maxRawFullChars {
			full = string([]rune(full)[:maxRawFullChars])
			truncated = true
		}
		add(ChunkRawFull, full, nil)

		window, overlap := defaultWindow, defaultOverlap
		if koreanHeavy(raw) {
			window, overlap = koreanWindow, koreanOverlap
		}
		for i, section := range slide(raw, window, overlap) {
			add(ChunkRawSection, section, map[string]any{"section": i})
		}
	}

	return chunks, truncated
}

// summaryChunk combines the headline facts into one retrieval-friendly
// paragraph, bounded to maxSummaryChars.
func summaryChunk(in ChunkInput) string {
	var parts []string
	if in.Name != "" {
		parts = append(parts, in.Name)
	}
	if in.ExpYears > 0 {
		parts = append(parts, fmt.Sprintf("%.1f years of experience", in.ExpYears))
	}
	if in.CurrentCompany != "" || in.CurrentPosition != "" {
		parts = append(parts, strings.TrimSpace(in.CurrentPosition+" at "+in.CurrentCompany))
	}
	if in.Summary != "" {
		parts = append(parts, in.Summary)
	}
	if len(in.Strengths) > 0 {
		parts = append(parts, "Strengths: "+strings.Join(in.Strengths, ", "))
	}
	if len(in.Skills) > 0 {
		top := in.Skills
		if len(top) > 5 {
			top = top[:5]
		}
		parts = append(parts, "Key skills: "+strings.Join(top, ", "))
	}
	out := strings.Join(parts, ". ")
	if runes := []rune(out); len(runes) > maxSummaryChars {
		out = string(runes[:maxSummaryChars])
	}
	return out
}

var skillGroups = []struct {
	label    string
	keywords []string
}{
	{"programming", []string{"go", "golang", "python", "java", "kotlin", "c++", "c#", "javascript", "typescript", "ruby", "rust", "swift", "scala", "php"}},
	{"frameworks", []string{"spring", "django", "flask", "rails", "react", "vue", "angular", "gin", "echo", "fastapi", "express", "next.js", "nest"}},
	{"databases", []string{"postgres", "postgresql", "mysql", "oracle", "mongodb", "redis", "elasticsearch", "dynamodb", "mariadb", "sqlite", "mssql"}},
	{"cloud", []string{"aws", "gcp", "azure", "kubernetes", "docker", "terraform", "lambda", "ec2", "s3", "cloudfront"}},
}

// skillChunk groups skills into programming/frameworks/databases/cloud/other.
func skillChunk(skills []string) string {
	grouped := make(map[string][]string)
	for _, skill := range skills {
		lower := strings.ToLower(skill)
		label := "other"
	match:
		for _, g := range skillGroups {
			for _, kw := range g.keywords {
				if strings.Contains(lower, kw) {
					label = g.label
					break match
				}
			}
		}
		grouped[label] = append(grouped[label], skill)
	}

	var b strings.Builder
	for _, label := range []string{"programming", "frameworks", "databases", "cloud", "other"} {
		if list := grouped[label]; len(list) > 0 {
			fmt.Fprintf(&b, "%s: %s\n", label, strings.Join(list, ", "))
		}
	}
	return b.String()
}

var degreeRank = map[string]int{
	"HighSchool": 1, "Associate": 2, "Bachelor": 3, "Master": 4, "Doctorate": 5,
}

func educationChunk(entries []EducationEntry) string {
	highest := entries[0]
	for _, e := range entries[1:] {
		if degreeRank[e.Degree] > degreeRank[highest.Degree] {
			highest = e
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Highest: %s, %s, %s\n", highest.Degree, highest.School, highest.Major)
	for _, e := range entries {
		fmt.Fprintf(&b, "- %s / %s / %s\n", e.School, e.Major, e.Degree)
	}
	return b.String()
}

// slide cuts text into overlapping rune windows. The final window is kept
// even when short so no tail text is lost.
func slide(text string, window, overlap int) []string {
	runes := []rune(text)
	if len(runes) <= window {
		return []string{text}
	}
	step := window - overlap
	var out []string
	for start := 0; start < len(runes); start += step {
		end := start + window
		if end >= len(runes) {
			out = append(out, string(runes[start:]))
			break
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

// koreanHeavy reports whether over half the non-whitespace runes fall in
// the Hangul syllable block.
func koreanHeavy(text string) bool {
	var hangul, total int
	for _, r := range text {
		if r == ' ' || r == '\n' || r == '\t' || r == '\r' {
			continue
		}
		total++
		if r >= 0xAC00 && r <= 0xD7A3 {
			hangul++
		}
	}
	return total > 0 && 2*hangul > total
}

// EstimateTokens approximates the embedding token count when no tokenizer
// is available: Korean runs denser than Latin text.
func EstimateTokens(text string) int {
	var korean, other int
	for _, r := range text {
		if r >= 0xAC00 && r <= 0xD7A3 {
			korean++
		} else {
			other++
		}
	}
	return int(float64(korean)*2.5 + float64(other)/4)
}

func orPresent(end string) string {
	if end == "" {
		return "present"
	}
	return end
}
