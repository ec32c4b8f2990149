package orchestrator

import (
	"fmt"

	"github.com/substratelabs/maestro/pkg/failure"
	"github.com/substratelabs/maestro/pkg/protocol"
)

// Strategy selects how step failures propagate through a run.
type Strategy string

const (
	// FailFast stops at the first surfaced failure. The default.
	FailFast Strategy = "FAIL_FAST"

	// Continue records non-terminal failures as warnings and keeps
	// going; the run can complete with partial results.
	Continue Strategy = "CONTINUE"

	// Retry leans on the per-step retry policy; once that is exhausted
	// the failure propagates like FailFast.
	Retry Strategy = "RETRY"

	// Fallback reroutes the unfinished plan to the routing decision's
	// fallback target once, and undoes completed compensatable steps
	// when the run still fails.
	Fallback Strategy = "FALLBACK"
)

func (s Strategy) valid() bool {
	switch s {
	case FailFast, Continue, Retry, Fallback:
		return true
	}
	return false
}

func (s Strategy) withDefault() Strategy {
	if s == "" {
		return FailFast
	}
	return s
}

// Disposition is what the run loop does with a surfaced failure.
type Disposition string

const (
	DispositionFail     Disposition = "FAIL"
	DispositionContinue Disposition = "CONTINUE"
	DispositionFallback Disposition = "FALLBACK"
)

// HandleError maps a failure to its disposition under the given
// strategy. Security and budget failures bypass every strategy.
func (o *Orchestrator) HandleError(err error, strategy Strategy) Disposition {
	mode := failure.Classify(err)
	if mode.Terminal() || mode == failure.PolicyBudget {
		return DispositionFail
	}
	switch strategy.withDefault() {
	case Continue:
		return DispositionContinue
	case Fallback:
		return DispositionFallback
	default:
		// FailFast. Retry is exercised inside the worker before the
		// error ever surfaces, so it fails here too.
		return DispositionFail
	}
}

// OrchestrationError is the terminal error of a failed run. Metadata
// carries the failure mode and, when any step succeeded before the
// failure, a partial_result summary.
type OrchestrationError struct {
	Stage       Stage                     `json:"stage"`
	Message     string                    `json:"message"`
	Context     protocol.ExecutionContext `json:"context"`
	Cause       error                     `json:"-"`
	Recoverable bool                      `json:"recoverable"`
	Metadata    map[string]any            `json:"metadata,omitempty"`
}

func (e *OrchestrationError) Error() string {
	return fmt.Sprintf("orchestration failed at %s: %s", e.Stage, e.Message)
}

func (e *OrchestrationError) Unwrap() error { return e.Cause }
