package pipeline

import "time"

const (
	auditCapacity  = 500
	auditDropRatio = 0.2 // fraction of oldest entries dropped when full
)

// AuditEntry records one pipeline event for post-hoc inspection.
type AuditEntry struct {
	Stage     string         `json:"stage"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// AuditLog is a bounded event log. When it reaches capacity, the oldest
// 20% of entries are dropped in one batch so appends stay cheap.
type AuditLog struct {
	entries []AuditEntry
	dropped int
}

// NewAuditLog creates an empty log.
func NewAuditLog() *AuditLog {
	return &AuditLog{entries: make([]AuditEntry, 0, auditCapacity)}
}

// Record appends an event, evicting the oldest batch at capacity.
func (l *AuditLog) Record(stage, event string, detail map[string]any) {
	if len(l.entries) >= auditCapacity {
		drop := int(float64(auditCapacity) * auditDropRatio)
		l.entries = append(l.entries[:0], l.entries[drop:]...)
		l.dropped += drop
	}
	l.entries = append(l.entries, AuditEntry{
		Stage:     stage,
		Event:     event,
		Detail:    detail,
		Timestamp: time.Now(),
	})
}

// Entries returns the retained entries, oldest first.
func (l *AuditLog) Entries() []AuditEntry { return l.entries }

// Dropped returns how many entries were evicted over the log's lifetime.
func (l *AuditLog) Dropped() int { return l.dropped }
