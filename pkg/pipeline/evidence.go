package pipeline

// Evidence pairs a field value with the provenance that justified it: the
// provider, its reasoning, and the source snippet from the document.
type Evidence struct {
	Value          string   `json:"value"`
	Provider       string   `json:"provider"`
	Confidence     float64  `json:"confidence"` // [0,1]
	Reasoning      string   `json:"reasoning"`
	SourceSnippet  string   `json:"source_snippet"`
	Validators     []string `json:"validators,omitempty"`
	CrossValidated bool     `json:"cross_validated"`
}

// maxEvidencePerField bounds the evidence list per field.
const maxEvidencePerField = 10

// EvidenceStore tracks evidence per field name.
type EvidenceStore struct {
	byField map[string][]Evidence
}

// NewEvidenceStore creates an empty store.
func NewEvidenceStore() *EvidenceStore {
	return &EvidenceStore{byField: make(map[string][]Evidence)}
}

// Add appends evidence for a field, clamping confidence to [0,1] and
// dropping the oldest entry once the per-field bound is reached.
func (s *EvidenceStore) Add(field string, ev Evidence) {
	if ev.Confidence < 0 {
		ev.Confidence = 0
	} else if ev.Confidence > 1 {
		ev.Confidence = 1
	}
	list := append(s.byField[field], ev)
	if len(list) > maxEvidencePerField {
		list = list[len(list)-maxEvidencePerField:]
	}
	s.byField[field] = list
}

// Get returns the evidence recorded for a field, oldest first.
func (s *EvidenceStore) Get(field string) []Evidence {
	return s.byField[field]
}

// Fields returns the field names with at least one evidence entry.
func (s *EvidenceStore) Fields() []string {
	fields := make([]string, 0, len(s.byField))
	for f := range s.byField {
		fields = append(fields, f)
	}
	return fields
}

// Count returns the total number of evidence entries.
func (s *EvidenceStore) Count() int {
	n := 0
	for _, list := range s.byField {
		n += len(list)
	}
	return n
}
