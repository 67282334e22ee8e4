package pipeline

import (
	"fmt"
	"time"
)

// Guardrail limits for one pipeline run.
const (
	defaultPipelineBudget = 10 * time.Minute
	maxLLMCallsPerRun     = 30
	maxCallsPerStage      = 12
)

// GuardrailChecker enforces per-run resource limits: a wall-clock budget
// for the whole pipeline and LLM call budgets overall and per stage.
type GuardrailChecker struct {
	startedAt    time.Time
	budget       time.Duration
	totalCalls   int
	callsByStage map[string]int
	violations   []string
}

// NewGuardrailChecker starts the clock for a run. A non-positive budget
// falls back to the default wall-clock limit.
func NewGuardrailChecker(budget time.Duration) *GuardrailChecker {
	if budget <= 0 {
		budget = defaultPipelineBudget
	}
	return &GuardrailChecker{
		startedAt:    time.Now(),
		budget:       budget,
		callsByStage: make(map[string]int),
	}
}

// RecordCall counts one LLM call against the stage and total budgets and
// returns an error when a budget is exceeded. The call is still counted so
// repeated violations keep accumulating evidence.
func (g *GuardrailChecker) RecordCall(stage string) error {
	g.totalCalls++
	g.callsByStage[stage]++

	if g.callsByStage[stage] > maxCallsPerStage {
		v := fmt.Sprintf("stage %s exceeded %d LLM calls", stage, maxCallsPerStage)
		g.violations = append(g.violations, v)
		return fmt.Errorf("guardrail: %s", v)
	}
	if g.totalCalls > maxLLMCallsPerRun {
		v := fmt.Sprintf("run exceeded %d LLM calls", maxLLMCallsPerRun)
		g.violations = append(g.violations, v)
		return fmt.Errorf("guardrail: %s", v)
	}
	return nil
}

// CheckDeadline returns an error once the run has consumed its wall-clock
// budget.
func (g *GuardrailChecker) CheckDeadline() error {
	if elapsed := time.Since(g.startedAt); elapsed > g.budget {
		v := fmt.Sprintf("run exceeded %s wall-clock budget (elapsed %s)",
			g.budget, elapsed.Round(time.Second))
		g.violations = append(g.violations, v)
		return fmt.Errorf("guardrail: %s", v)
	}
	return nil
}

// TotalCalls returns the LLM calls counted so far.
func (g *GuardrailChecker) TotalCalls() int { return g.totalCalls }

// Violations returns every recorded violation message.
func (g *GuardrailChecker) Violations() []string { return g.violations }
