package pipeline

import (
	"fmt"
	"sort"
	"time"
)

// DecisionMethod names how a field conflict was resolved.
type DecisionMethod string

const (
	DecisionSingle                  DecisionMethod = "single"
	DecisionUnanimous               DecisionMethod = "unanimous"
	DecisionMajorityVote            DecisionMethod = "majority_vote"
	DecisionAuthorityThenConfidence DecisionMethod = "authority_then_confidence"
)

// Proposal is one agent's candidate value for a field. A later proposal from
// the same agent for the same field overwrites the earlier one.
type Proposal struct {
	Agent      string    `json:"agent"`
	Field      string    `json:"field"`
	Value      any       `json:"value"`
	Confidence float64   `json:"confidence"`
	Reasoning  string    `json:"reasoning,omitempty"`
	ProposedAt time.Time `json:"proposed_at"`
}

// Decision is the resolved value for a field plus how it was reached.
type Decision struct {
	Field       string         `json:"field"`
	Value       any            `json:"value"`
	Confidence  float64        `json:"confidence"`
	Method      DecisionMethod `json:"method"`
	HadConflict bool           `json:"had_conflict"`
	Agents      []string       `json:"agents"`
	DecidedAt   time.Time      `json:"decided_at"`
}

// DecisionManager collects proposals per field and resolves them into
// decisions. Not safe for concurrent use; each pipeline run owns one.
type DecisionManager struct {
	proposals map[string]map[string]Proposal // field -> agent -> proposal
	decisions map[string]Decision
	authority string // agent whose value wins ties under authority_then_confidence
}

// NewDecisionManager creates a manager with the given authority agent.
func NewDecisionManager(authority string) *DecisionManager {
	return &DecisionManager{
		proposals: make(map[string]map[string]Proposal),
		decisions: make(map[string]Decision),
		authority: authority,
	}
}

// Propose records an agent's value for a field, overwriting any earlier
// proposal from the same agent for that field.
func (m *DecisionManager) Propose(p Proposal) {
	if p.ProposedAt.IsZero() {
		p.ProposedAt = time.Now()
	}
	byAgent, ok := m.proposals[p.Field]
	if !ok {
		byAgent = make(map[string]Proposal)
		m.proposals[p.Field] = byAgent
	}
	byAgent[p.Agent] = p
}

// Proposals returns the current proposals for a field, sorted by agent name
// for deterministic iteration.
func (m *DecisionManager) Proposals(field string) []Proposal {
	byAgent := m.proposals[field]
	agents := make([]string, 0, len(byAgent))
	for a := range byAgent {
		agents = append(agents, a)
	}
	sort.Strings(agents)
	out := make([]Proposal, 0, len(agents))
	for _, a := range agents {
		out = append(out, byAgent[a])
	}
	return out
}

// Decide resolves the proposals for a field:
//   - one proposal: single, its value and confidence, no conflict
//   - all values equal: unanimous, confidence 1.0
//   - a strict majority agrees: majority_vote, confidence 0.85
//   - otherwise: authority_then_confidence — the authority agent's value if it
//     proposed, else the highest-confidence proposal
func (m *DecisionManager) Decide(field string) (Decision, error) {
	props := m.Proposals(field)
	if len(props) == 0 {
		return Decision{}, fmt.Errorf("no proposals for field %q", field)
	}

	agents := make([]string, len(props))
	for i, p := range props {
		agents[i] = p.Agent
	}

	d := Decision{Field: field, Agents: agents, DecidedAt: time.Now()}
	switch {
	case len(props) == 1:
		d.Value = props[0].Value
		d.Confidence = props[0].Confidence
		d.Method = DecisionSingle
	default:
		counts := make(map[string]int)
		byKey := make(map[string]Proposal)
		for _, p := range props {
			key := fmt.Sprintf("%v", p.Value)
			counts[key]++
			if _, seen := byKey[key]; !seen {
				byKey[key] = p
			}
		}
		if len(counts) == 1 {
			d.Value = props[0].Value
			d.Confidence = 1.0
			d.Method = DecisionUnanimous
			break
		}
		d.HadConflict = true
		if key, ok := majorityKey(counts, len(props)); ok {
			d.Value = byKey[key].Value
			d.Confidence = 0.85
			d.Method = DecisionMajorityVote
			break
		}
		d.Method = DecisionAuthorityThenConfidence
		if p, ok := m.proposalBy(field, m.authority); ok {
			d.Value = p.Value
			d.Confidence = p.Confidence
		} else {
			best := props[0]
			for _, p := range props[1:] {
				if p.Confidence > best.Confidence {
					best = p
				}
			}
			d.Value = best.Value
			d.Confidence = best.Confidence
		}
	}

	m.decisions[field] = d
	return d, nil
}

func (m *DecisionManager) proposalBy(field, agent string) (Proposal, bool) {
	p, ok := m.proposals[field][agent]
	return p, ok
}

// majorityKey returns the value key holding a strict majority, if any.
func majorityKey(counts map[string]int, total int) (string, bool) {
	for key, n := range counts {
		if 2*n > total {
			return key, true
		}
	}
	return "", false
}

// Decisions returns all resolved decisions keyed by field.
func (m *DecisionManager) Decisions() map[string]Decision {
	out := make(map[string]Decision, len(m.decisions))
	for k, v := range m.decisions {
		out[k] = v
	}
	return out
}

// ConflictCount returns how many decided fields had conflicting proposals.
func (m *DecisionManager) ConflictCount() int {
	n := 0
	for _, d := range m.decisions {
		if d.HadConflict {
			n++
		}
	}
	return n
}
