// Package models defines the candidate domain types shared across the
// pipeline stages and the persistence layer.
package models

// Status is the lifecycle state of a candidate record.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusParsed     Status = "parsed"
	StatusAnalyzed   Status = "analyzed"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeleted    Status = "deleted"
	StatusRejected   Status = "rejected"
)

// Career is one employment entry.
type Career struct {
	Company     string `json:"company"`
	Position    string `json:"position"`
	StartDate   string `json:"start_date"` // YYYY-MM
	EndDate     string `json:"end_date"`   // YYYY-MM, empty while current
	IsCurrent   bool   `json:"is_current"`
	Description string `json:"description"`
}

// Education is one education entry.
type Education struct {
	School    string `json:"school"`
	Major     string `json:"major"`
	Degree    string `json:"degree"` // normalized: HighSchool/Associate/Bachelor/Master/Doctorate
	StartDate string `json:"start_date"`
	EndDate   string `json:"end_date"`
}

// Project is one project entry.
type Project struct {
	Name        string   `json:"name"`
	Role        string   `json:"role"`
	Period      string   `json:"period"`
	TechStack   []string `json:"tech_stack"`
	Description string   `json:"description"`
}

// Candidate is the progressively constructed record for one résumé.
type Candidate struct {
	// Identity / contact
	Name      string `json:"name"`
	Phone     string `json:"phone"`
	Email     string `json:"email"`
	Address   string `json:"address"`
	BirthYear int    `json:"birth_year,omitempty"`

	// Profile
	ExpYears        float64 `json:"exp_years"`
	CurrentCompany  string  `json:"current_company"`
	CurrentPosition string  `json:"current_position"`

	// Structured sections
	Careers    []Career    `json:"careers"`
	Educations []Education `json:"educations"`
	Skills     []string    `json:"skills"`
	Projects   []Project   `json:"projects"`
	URLs       []string    `json:"urls"`

	// Narrative
	Summary     string   `json:"summary"`
	Strengths   []string `json:"strengths"`
	MatchReason string   `json:"match_reason"` // one-sentence recruiter hook

	// Confidence
	FieldConfidence   map[string]float64 `json:"field_confidence"`
	OverallConfidence float64            `json:"overall_confidence"`
}

// confidenceWeights drive the overall-confidence weighted mean. Fields
// absent from FieldConfidence are dropped from numerator and denominator.
var confidenceWeights = map[string]float64{
	"name":       0.15,
	"exp_years":  0.20,
	"careers":    0.25,
	"skills":     0.20,
	"educations": 0.10,
	"summary":    0.10,
}

// ComputeOverallConfidence returns the weighted mean of the per-field
// confidences over the weighted subset. Returns 0 when none are present.
func ComputeOverallConfidence(fieldConfidence map[string]float64) float64 {
	var num, den float64
	for field, weight := range confidenceWeights {
		conf, ok := fieldConfidence[field]
		if !ok {
			continue
		}
		num += weight * conf
		den += weight
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// Persistable reports whether the record meets the minimum save criterion:
// a name, at least one contact field, and at least one career entry.
func (c *Candidate) Persistable() bool {
	return c.Name != "" && (c.Phone != "" || c.Email != "") && len(c.Careers) > 0
}
