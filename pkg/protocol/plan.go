package protocol

import "fmt"

// CompensationSpec names the undo action recorded when a step succeeds. It
// is invoked in reverse insertion order if a later critical step fails under
// the FALLBACK strategy.
type CompensationSpec struct {
	Tool  string         `json:"tool" mapstructure:"tool"`
	Input map[string]any `json:"input,omitempty" mapstructure:"input"`
}

// PlanStep is one tool invocation within an ordered plan. Index is dense and
// zero-based; TraceID matches the originating request.
type PlanStep struct {
	Tool         string            `json:"tool" mapstructure:"tool"`
	Input        map[string]any    `json:"input,omitempty" mapstructure:"input"`
	Reason       string            `json:"reason,omitempty" mapstructure:"reason"`
	TraceID      string            `json:"trace_id" mapstructure:"trace_id"`
	Index        int               `json:"index" mapstructure:"index"`
	Critical     bool              `json:"critical,omitempty" mapstructure:"critical"`
	Compensation *CompensationSpec `json:"compensation,omitempty" mapstructure:"compensation"`

	// Fanout holds independent sub-steps executed concurrently with a
	// settle-all discipline; their results are merged into this step's
	// output and failures are reported as warnings, not short-circuits.
	Fanout []PlanStep `json:"fanout,omitempty" mapstructure:"fanout"`
}

// ValidatePlan checks that a plan is non-empty, within the step budget, and
// densely indexed from zero with a uniform trace id.
func ValidatePlan(steps []PlanStep, maxSteps int, traceID string) error {
	if len(steps) == 0 {
		return fmt.Errorf("plan must contain at least one step")
	}
	if maxSteps > 0 && len(steps) > maxSteps {
		return fmt.Errorf("plan has %d steps, exceeding the limit of %d", len(steps), maxSteps)
	}
	for i, step := range steps {
		if step.Index != i {
			return fmt.Errorf("plan step %d carries index %d; indexes must be dense", i, step.Index)
		}
		if step.Tool == "" {
			return fmt.Errorf("plan step %d names no tool", i)
		}
		if step.TraceID != traceID {
			return fmt.Errorf("plan step %d carries trace id %q, want %q", i, step.TraceID, traceID)
		}
	}
	return nil
}
