package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mitchellh/mapstructure"
	"golang.org/x/sync/semaphore"

	"github.com/substratelabs/maestro/pkg/failure"
	"github.com/substratelabs/maestro/pkg/guardrail"
	"github.com/substratelabs/maestro/pkg/guardrail/approval"
	"github.com/substratelabs/maestro/pkg/memory"
	"github.com/substratelabs/maestro/pkg/observability"
	"github.com/substratelabs/maestro/pkg/protocol"
	"github.com/substratelabs/maestro/pkg/retry"
	"github.com/substratelabs/maestro/pkg/tool"
)

// DefaultFanoutLimit caps how many fanout sub-steps run at once.
const DefaultFanoutLimit = 4

// WorkerConfig shapes step execution.
type WorkerConfig struct {
	// RetryPolicy is the backoff schedule for retryable failures.
	RetryPolicy retry.Policy
	// Estimator prices tool inputs in tokens for budget checks.
	Estimator guardrail.TokenEstimator
	// FanoutLimit bounds concurrent fanout sub-steps.
	FanoutLimit int64
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.RetryPolicy.MaxAttempts == 0 {
		c.RetryPolicy = retry.DefaultPolicy()
	}
	if c.Estimator == nil {
		c.Estimator = guardrail.HeuristicEstimator{}
	}
	if c.FanoutLimit <= 0 {
		c.FanoutLimit = DefaultFanoutLimit
	}
	return c
}

// ExecOptions modify a single Execute call.
type ExecOptions struct {
	// ContinueOnError records a step failure and moves on instead of
	// stopping the plan. Budget refusals and security violations stop
	// execution regardless.
	ContinueOnError bool
}

// StepResult is the outcome of one plan step.
type StepResult struct {
	Step     protocol.PlanStep   `json:"step"`
	Output   any                 `json:"output,omitempty"`
	Err      error               `json:"-"`
	Mode     failure.FailureMode `json:"failure_mode,omitempty"`
	Attempts int                 `json:"attempts"`
	Duration time.Duration       `json:"duration"`
	Warnings []string            `json:"warnings,omitempty"`
	Skipped  bool                `json:"skipped,omitempty"`
}

// Failed reports whether the step ended in error.
func (r StepResult) Failed() bool { return r.Err != nil }

// CompensationRecord is a registered undo action for a completed step.
type CompensationRecord struct {
	StepIndex int            `json:"step_index"`
	Tool      string         `json:"tool"`
	Input     map[string]any `json:"input,omitempty"`
}

// ExecOutcome aggregates an Execute call. Compensations are recorded in
// completion order; Compensate runs them in reverse.
type ExecOutcome struct {
	Results       []StepResult
	Output        any
	Compensations []CompensationRecord
	Trace         []protocol.TraceEntry
}

// Failures returns the results that ended in error.
func (o ExecOutcome) Failures() []StepResult {
	var failed []StepResult
	for _, r := range o.Results {
		if r.Failed() {
			failed = append(failed, r)
		}
	}
	return failed
}

// Worker executes plan steps against the tool registry under the profile's
// guardrails. Each step passes through resolution, input validation, the
// approval gate, and the budget check before its handler runs; the budget
// is charged only after success.
type Worker struct {
	*BaseAgent
	registry  *tool.Registry
	mem       *memory.Memory
	policy    *guardrail.Policy
	approvals *approval.Broker
	cfg       WorkerConfig
	collector *observability.Collector
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithPolicy installs the profile guardrail consulted before every call.
func WithPolicy(p *guardrail.Policy) WorkerOption {
	return func(w *Worker) { w.policy = p }
}

// WithApprovals installs the human-in-the-loop broker.
func WithApprovals(b *approval.Broker) WorkerOption {
	return func(w *Worker) { w.approvals = b }
}

// WithWorkerConfig overrides the default execution parameters.
func WithWorkerConfig(cfg WorkerConfig) WorkerOption {
	return func(w *Worker) { w.cfg = cfg.withDefaults() }
}

// WithWorkerCollector routes events to a specific collector.
func WithWorkerCollector(c *observability.Collector) WorkerOption {
	return func(w *Worker) { w.collector = c }
}

func NewWorker(reg *tool.Registry, mem *memory.Memory, opts ...WorkerOption) *Worker {
	w := &Worker{
		BaseAgent: NewBaseAgent("worker"),
		registry:  reg,
		mem:       mem,
		cfg:       WorkerConfig{}.withDefaults(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.collector == nil {
		w.collector = observability.Get()
	}
	return w
}

// Process implements the canonical agent contract: plan steps in via
// inputs["steps"], step results out.
func (w *Worker) Process(ctx context.Context, req protocol.AgentRequest) protocol.AgentResponse {
	if err := w.BeginWork(); err != nil {
		return w.notReadyResponse(err)
	}
	defer w.EndWork()

	if err := req.Validate(); err != nil {
		return protocol.NewErrorResponse(
			protocol.NewAgentError(protocol.ErrorTypeValidation, err.Error()))
	}

	steps, err := decodeSteps(req.Inputs["steps"])
	if err != nil {
		return protocol.NewErrorResponse(
			protocol.NewAgentError(protocol.ErrorTypeValidation, err.Error()))
	}

	execCtx := protocol.NewExecutionContext(req.Metadata.TraceID).
		WithProfile(req.Metadata.Profile)

	outcome, err := w.Execute(ctx, steps, execCtx, ExecOptions{})
	if err != nil {
		resp := protocol.NewErrorResponse(failure.ToAgentError(err)).WithTrace(outcome.Trace)
		if len(outcome.Results) > 0 {
			resp = resp.WithMetadata("completed_steps", completedCount(outcome.Results))
		}
		return resp
	}
	return protocol.NewSuccessResponse(map[string]any{
		"output":  outcome.Output,
		"results": summarizeResults(outcome.Results),
	}).WithTrace(outcome.Trace)
}

func decodeSteps(raw any) ([]protocol.PlanStep, error) {
	if raw == nil {
		return nil, fmt.Errorf("request inputs carry no steps")
	}
	if steps, ok := raw.([]protocol.PlanStep); ok {
		return steps, nil
	}
	var steps []protocol.PlanStep
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &steps,
		TagName: "mapstructure",
	})
	if err != nil {
		return nil, fmt.Errorf("building step decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return nil, fmt.Errorf("decoding steps: %w", err)
	}
	return steps, nil
}

func completedCount(results []StepResult) int {
	n := 0
	for _, r := range results {
		if !r.Failed() && !r.Skipped {
			n++
		}
	}
	return n
}

func summarizeResults(results []StepResult) []map[string]any {
	out := make([]map[string]any, len(results))
	for i, r := range results {
		entry := map[string]any{
			"index":    r.Step.Index,
			"tool":     r.Step.Tool,
			"attempts": r.Attempts,
		}
		if r.Failed() {
			entry["error"] = r.Err.Error()
			entry["failure_mode"] = string(r.Mode)
		} else if !r.Skipped {
			entry["output"] = r.Output
		}
		if r.Skipped {
			entry["skipped"] = true
		}
		if len(r.Warnings) > 0 {
			entry["warnings"] = r.Warnings
		}
		out[i] = entry
	}
	return out
}

// Execute runs the plan in order. The returned error is the first step
// failure that stopped execution; the outcome always carries whatever
// completed before it, so callers can salvage partial progress.
func (w *Worker) Execute(ctx context.Context, steps []protocol.PlanStep, execCtx protocol.ExecutionContext, opts ExecOptions) (ExecOutcome, error) {
	traceID := execCtx.TraceID()
	outcome := ExecOutcome{
		Trace: []protocol.TraceEntry{
			protocol.NewTraceEntry("exec:start", traceID, map[string]any{"steps_count": len(steps)}),
		},
	}

	if len(steps) == 0 {
		return outcome, failure.New(failure.UserInvalidInput, "plan contains no steps")
	}

	var firstErr error
	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			// Deadline expiry classifies as a timeout; cancellation
			// propagates raw so callers can report it as such.
			if errors.Is(err, context.DeadlineExceeded) {
				firstErr = failure.Wrap(failure.SystemTimeout, err)
			} else {
				firstErr = err
			}
			break
		}

		result := w.executeStep(ctx, step, execCtx)
		outcome.Results = append(outcome.Results, result)

		if result.Failed() {
			outcome.Trace = append(outcome.Trace, protocol.NewTraceEntry("step:error", traceID, map[string]any{
				"index":        step.Index,
				"tool":         step.Tool,
				"failure_mode": string(result.Mode),
			}))
			w.collector.Emit(observability.NewEvent(observability.EventErrorOccurred, traceID, map[string]any{
				observability.AttrTool:      step.Tool,
				observability.AttrStep:      step.Index,
				observability.AttrErrorType: string(result.Mode),
			}).WithError(result.Err))

			if result.Mode.Terminal() || result.Mode == failure.PolicyBudget {
				firstErr = result.Err
				break
			}
			if !opts.ContinueOnError {
				firstErr = result.Err
				break
			}
			continue
		}

		outcome.Trace = append(outcome.Trace, protocol.NewTraceEntry("step:complete", traceID, map[string]any{
			"index": step.Index,
			"tool":  step.Tool,
		}))
		outcome.Output = result.Output
		if step.Compensation != nil {
			outcome.Compensations = append(outcome.Compensations, CompensationRecord{
				StepIndex: step.Index,
				Tool:      step.Compensation.Tool,
				Input:     step.Compensation.Input,
			})
		}
	}

	event := "exec:complete"
	if firstErr != nil {
		event = "exec:aborted"
	}
	outcome.Trace = append(outcome.Trace, protocol.NewTraceEntry(event, traceID, map[string]any{
		"completed": completedCount(outcome.Results),
		"total":     len(steps),
	}))
	return outcome, firstErr
}

// executeStep runs one step through the full gate pipeline. Fanout
// sub-steps run concurrently after the parent tool succeeds; their
// failures are reported as warnings, never as the step's error.
func (w *Worker) executeStep(ctx context.Context, step protocol.PlanStep, execCtx protocol.ExecutionContext) StepResult {
	result := StepResult{Step: step}
	started := time.Now()

	output, attempts, err := w.invokeTool(ctx, step, execCtx)
	result.Attempts = attempts
	result.Duration = time.Since(started)
	if err != nil {
		result.Err = err
		result.Mode = failure.Classify(err)
		return result
	}
	result.Output = output

	if len(step.Fanout) > 0 {
		merged, warnings := w.executeFanout(ctx, step, execCtx, output)
		result.Output = merged
		result.Warnings = warnings
		result.Duration = time.Since(started)
	}
	return result
}

// invokeTool is the gate pipeline for a single tool call: resolve,
// validate, approve, check budget, then run the handler under the retry
// schedule. The budget is charged only after the handler succeeds.
func (w *Worker) invokeTool(ctx context.Context, step protocol.PlanStep, execCtx protocol.ExecutionContext) (any, int, error) {
	traceID := execCtx.TraceID()

	spec, ok := w.registry.Get(step.Tool)
	if !ok {
		return nil, 0, failure.New(failure.UserInvalidInput, "tool %q is not registered", step.Tool)
	}
	if w.policy != nil {
		if err := w.policy.CheckTool(step.Tool); err != nil {
			return nil, 0, err
		}
	}

	effective, err := spec.ValidateInput(step.Input)
	if err != nil {
		return nil, 0, err
	}
	if err := spec.Sandbox().EnforceInputs(effective); err != nil {
		return nil, 0, err
	}

	if err := w.gateApproval(ctx, spec, step, effective, execCtx); err != nil {
		return nil, 0, err
	}

	tokens := guardrail.EstimateInputs(w.cfg.Estimator, effective)
	if w.policy != nil {
		allowed, warning := w.policy.BudgetGuard(spec.Cost, tokens)
		if !allowed {
			w.collector.Emit(observability.NewEvent(observability.EventBudgetExceeded, traceID, map[string]any{
				observability.AttrTool: step.Tool,
				"cost":                 spec.Cost,
				"tokens":               tokens,
			}).WithStatus(observability.StatusError))
			return nil, 0, failure.New(failure.PolicyBudget,
				"tool %s: call would exceed the %s profile budget", step.Tool, w.policy.Profile())
		}
		if warning {
			w.collector.Emit(observability.NewEvent(observability.EventBudgetWarning, traceID, map[string]any{
				observability.AttrTool: step.Tool,
				"utilization":          w.policy.Utilization(),
			}).WithStatus(observability.StatusWarning))
		}
	}

	var attempts int
	output, err := retry.DoValue(ctx, w.cfg.RetryPolicy,
		func(err error) bool { return failure.Classify(err).Retryable() },
		func(ctx context.Context) (any, error) {
			attempts++
			w.collector.Emit(observability.NewEvent(observability.EventToolCallStart, traceID, map[string]any{
				observability.AttrTool: step.Tool,
				observability.AttrStep: step.Index,
				"attempt":              attempts,
			}))

			invokeCtx := ctx
			if spec.TimeoutSeconds > 0 {
				var cancel context.CancelFunc
				invokeCtx, cancel = context.WithTimeout(ctx,
					time.Duration(spec.TimeoutSeconds*float64(time.Second)))
				defer cancel()
			}

			callStart := time.Now()
			out, err := spec.Handler(invokeCtx, effective, execCtx)
			if err != nil {
				mode := failure.Classify(err)
				w.collector.Emit(observability.NewEvent(observability.EventToolCallError, traceID, map[string]any{
					observability.AttrTool:      step.Tool,
					observability.AttrStep:      step.Index,
					observability.AttrErrorType: string(mode),
					"attempt":                   attempts,
				}).WithError(err).WithDuration(time.Since(callStart)))
				if _, classified := failure.ModeOf(err); classified {
					return nil, err
				}
				return nil, failure.Wrap(mode, err)
			}

			w.collector.Emit(observability.NewEvent(observability.EventToolCallComplete, traceID, map[string]any{
				observability.AttrTool: step.Tool,
				observability.AttrStep: step.Index,
			}).WithDuration(time.Since(callStart)))
			return out, nil
		})
	if err != nil {
		return nil, attempts, err
	}

	if w.policy != nil {
		used := w.policy.Charge(spec.Cost, tokens)
		w.collector.Emit(observability.NewEvent(observability.EventBudgetUpdated, traceID, map[string]any{
			observability.AttrTool: step.Tool,
			"cost":                 used.Cost,
			"calls":                used.Calls,
			"tokens":               used.Tokens,
		}))
	}

	w.rememberResult(ctx, spec.Name, step, execCtx)
	return output, attempts, nil
}

// gateApproval blocks on the human-in-the-loop broker when the spec or the
// profile policy requires it. Expiry and denial both classify as
// POLICY_APPROVAL_DENIED; only a context error propagates as-is.
func (w *Worker) gateApproval(ctx context.Context, spec *tool.Spec, step protocol.PlanStep, inputs map[string]any, execCtx protocol.ExecutionContext) error {
	required := spec.ApprovalRequired
	timeoutSeconds := spec.ApprovalTimeoutSeconds
	if w.policy != nil {
		if rule, ok := w.policy.ApprovalFor(spec.Name); ok {
			required = rule.Required
			if rule.TimeoutSeconds > 0 {
				timeoutSeconds = rule.TimeoutSeconds
			}
		}
	}
	if !required {
		return nil
	}
	if timeoutSeconds <= 0 {
		timeoutSeconds = tool.DefaultApprovalTimeoutSeconds
	}
	if w.approvals == nil {
		return failure.New(failure.PolicyApprovalDenied,
			"tool %s: approval required but no broker is configured", spec.Name)
	}

	traceID := execCtx.TraceID()
	w.collector.Emit(observability.NewEvent(observability.EventApprovalRequested, traceID, map[string]any{
		observability.AttrTool: spec.Name,
		observability.AttrStep: step.Index,
	}))

	decision, err := w.approvals.Await(ctx, approval.Request{
		Tool:    spec.Name,
		TraceID: traceID,
		Profile: execCtx.Profile(),
		Inputs:  observability.Redact(inputs),
		Reason:  step.Reason,
	}, time.Duration(timeoutSeconds*float64(time.Second)))
	if err != nil {
		return err
	}

	switch {
	case decision.Approved():
		w.collector.Emit(observability.NewEvent(observability.EventApprovalReceived, traceID, map[string]any{
			observability.AttrTool:     spec.Name,
			observability.AttrDecision: string(decision.Status),
		}))
		return nil
	case decision.Status == approval.StatusExpired:
		w.collector.Emit(observability.NewEvent(observability.EventApprovalTimeout, traceID, map[string]any{
			observability.AttrTool: spec.Name,
		}).WithStatus(observability.StatusError))
		return failure.New(failure.PolicyApprovalDenied,
			"tool %s: approval timed out after %gs", spec.Name, timeoutSeconds)
	default:
		w.collector.Emit(observability.NewEvent(observability.EventApprovalReceived, traceID, map[string]any{
			observability.AttrTool:     spec.Name,
			observability.AttrDecision: string(decision.Status),
		}).WithStatus(observability.StatusError))
		return failure.New(failure.PolicyApprovalDenied,
			"tool %s: approval denied by %s", spec.Name, decision.DecidedBy)
	}
}

// executeFanout runs the step's sub-steps concurrently with a settle-all
// discipline: every sub-step runs to completion, failures become warnings,
// and outputs merge with the parent's into one map keyed by tool name.
func (w *Worker) executeFanout(ctx context.Context, step protocol.PlanStep, execCtx protocol.ExecutionContext, parentOutput any) (map[string]any, []string) {
	sem := semaphore.NewWeighted(w.cfg.FanoutLimit)
	results := make([]StepResult, len(step.Fanout))

	var wg sync.WaitGroup
	for i, sub := range step.Fanout {
		wg.Add(1)
		go func(i int, sub protocol.PlanStep) {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = StepResult{Step: sub, Err: failure.Wrap(failure.SystemTimeout, err),
					Mode: failure.SystemTimeout}
				return
			}
			defer sem.Release(1)
			results[i] = w.executeStep(ctx, sub, execCtx)
		}(i, sub)
	}
	wg.Wait()

	merged := map[string]any{step.Tool: parentOutput}
	var warnings []string
	for i, r := range results {
		if r.Failed() {
			warnings = append(warnings, fmt.Sprintf("fanout step %s: %v", r.Step.Tool, r.Err))
			continue
		}
		key := r.Step.Tool
		if _, taken := merged[key]; taken {
			key = fmt.Sprintf("%s#%d", key, i)
		}
		merged[key] = r.Output
	}
	return merged, warnings
}

// Compensate runs recorded undo actions in reverse order. Compensation is
// best-effort: failures are logged and counted, never raised, so a
// half-compensated plan still reports every action it attempted.
func (w *Worker) Compensate(ctx context.Context, records []CompensationRecord, execCtx protocol.ExecutionContext) int {
	executed := 0
	for i := len(records) - 1; i >= 0; i-- {
		rec := records[i]
		spec, ok := w.registry.Get(rec.Tool)
		if !ok {
			slog.Warn("compensation tool not registered",
				"tool", rec.Tool, "step_index", rec.StepIndex)
			continue
		}
		effective, err := spec.ValidateInput(rec.Input)
		if err != nil {
			slog.Warn("compensation input rejected",
				"tool", rec.Tool, "step_index", rec.StepIndex, "error", err)
			continue
		}
		if _, err := spec.Handler(ctx, effective, execCtx); err != nil {
			slog.Warn("compensation failed",
				"tool", rec.Tool, "step_index", rec.StepIndex, "error", err)
			continue
		}
		executed++
	}
	return executed
}

// rememberResult records a completed call in profile memory. Memory refusal
// never fails the step.
func (w *Worker) rememberResult(ctx context.Context, toolName string, step protocol.PlanStep, execCtx protocol.ExecutionContext) {
	if w.mem == nil {
		return
	}
	scope := w.mem.Scope(execCtx.Profile())
	text := fmt.Sprintf("completed %s for step %d", toolName, step.Index)
	if err := scope.Remember(ctx, text, map[string]any{
		"trace_id": execCtx.TraceID(),
		"tool":     toolName,
	}); err != nil {
		slog.Debug("memory write failed", "tool", toolName, "error", err)
		return
	}
	w.collector.Emit(observability.NewEvent(observability.EventMemoryUpdated, execCtx.TraceID(), map[string]any{
		observability.AttrTool:    toolName,
		observability.AttrProfile: execCtx.Profile(),
	}))
}
