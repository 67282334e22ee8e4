package pipeline

import "time"

// Severity grades a pipeline warning.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Warning codes raised by the stages.
const (
	WarnMismatchResolved = "MISMATCH_RESOLVED"
	WarnMismatch         = "MISMATCH"
	WarnTruncation       = "TRUNCATION"
	WarnEmbeddingFailed  = "EMBEDDING_FAILED"
	WarnRaceCondition    = "RACE_CONDITION"
	WarnHallucination    = "HALLUCINATION_SUSPECTED"
	WarnLowConfidence    = "LOW_CONFIDENCE"
)

// Warning is a non-fatal finding surfaced to the caller alongside the result.
type Warning struct {
	Code     string    `json:"code"`
	Severity Severity  `json:"severity"`
	Field    string    `json:"field,omitempty"`
	Message  string    `json:"message"`
	Stage    string    `json:"stage,omitempty"`
	RaisedAt time.Time `json:"raised_at"`
}

// WarningCollector accumulates warnings across stages.
type WarningCollector struct {
	warnings []Warning
}

// NewWarningCollector creates an empty collector.
func NewWarningCollector() *WarningCollector {
	return &WarningCollector{}
}

// Add records a warning, stamping it if needed.
func (c *WarningCollector) Add(w Warning) {
	if w.RaisedAt.IsZero() {
		w.RaisedAt = time.Now()
	}
	if w.Severity == "" {
		w.Severity = SeverityLow
	}
	c.warnings = append(c.warnings, w)
}

// All returns the warnings in insertion order.
func (c *WarningCollector) All() []Warning {
	return c.warnings
}

// HasSeverity reports whether any warning at or above the given severity
// was recorded.
func (c *WarningCollector) HasSeverity(min Severity) bool {
	rank := map[Severity]int{SeverityLow: 0, SeverityMedium: 1, SeverityHigh: 2}
	for _, w := range c.warnings {
		if rank[w.Severity] >= rank[min] {
			return true
		}
	}
	return false
}

// Count returns the number of recorded warnings.
func (c *WarningCollector) Count() int { return len(c.warnings) }
