// Package orchestrator drives a request from goal to terminal event:
// plan, route to a pooled worker, execute, aggregate. It coordinates the
// planner and the worker pool and owns their lifecycles; domain logic
// stays in the agents and their tools.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/substratelabs/maestro/pkg/agent"
	"github.com/substratelabs/maestro/pkg/failure"
	"github.com/substratelabs/maestro/pkg/observability"
	"github.com/substratelabs/maestro/pkg/protocol"
)

const (
	// compensationTimeout bounds the undo pass after a cancelled or
	// failed run. The pass runs on a fresh context because the run's
	// own context is usually already dead by then.
	compensationTimeout = 30 * time.Second

	// terminalGrace is how long the terminal event waits for a consumer
	// that stopped reading before the stream closes without it.
	terminalGrace = 5 * time.Second
)

// Stage is one phase of an orchestration run.
type Stage string

const (
	StageInitialize Stage = "INITIALIZE"
	StagePlan       Stage = "PLAN"
	StageRoute      Stage = "ROUTE"
	StageExecute    Stage = "EXECUTE"
	StageAggregate  Stage = "AGGREGATE"
	StageComplete   Stage = "COMPLETE"
	StageFailed     Stage = "FAILED"
	StageCancelled  Stage = "CANCELLED"
)

// Terminal reports whether the stage ends a run.
func (s Stage) Terminal() bool {
	return s == StageComplete || s == StageFailed || s == StageCancelled
}

// StageEvent is one element of the orchestration stream.
type StageEvent struct {
	Stage   Stage                     `json:"stage"`
	Data    map[string]any            `json:"data,omitempty"`
	Context protocol.ExecutionContext `json:"context"`
}

// member is one registered worker plus its advertised capabilities.
type member struct {
	id     string
	worker *agent.Worker
	caps   []string
}

// Orchestrator coordinates one planner and a pool of workers. Runs are
// concurrent; the routing counter, the pool, and the active-run set are
// each guarded by their own mutex.
type Orchestrator struct {
	*agent.BaseAgent

	planner   *agent.Planner
	policy    RoutingPolicy
	collector *observability.Collector

	mu      sync.Mutex
	pool    []*member
	rrState uint64

	runMu     sync.Mutex
	active    map[uint64]context.CancelFunc
	nextRunID uint64
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithRoutingPolicy replaces the default round-robin policy.
func WithRoutingPolicy(p RoutingPolicy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithCollector routes events to a specific collector.
func WithCollector(c *observability.Collector) Option {
	return func(o *Orchestrator) { o.collector = c }
}

// New builds an orchestrator around the given planner. Startup brings
// the planner up with it; Shutdown cancels in-flight runs and shuts the
// planner and every pooled worker down.
func New(planner *agent.Planner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		planner: planner,
		policy:  RoundRobin{},
		active:  make(map[uint64]context.CancelFunc),
	}
	o.BaseAgent = agent.NewBaseAgent("orchestrator",
		agent.WithStartupHook(o.startPlanner),
		agent.WithShutdownHook(o.drainPool),
	)
	for _, opt := range opts {
		opt(o)
	}
	if o.collector == nil {
		o.collector = observability.Get()
	}
	return o
}

func (o *Orchestrator) startPlanner(ctx context.Context) error {
	if o.planner == nil {
		return fmt.Errorf("orchestrator requires a planner")
	}
	if o.planner.Lifecycle().Is(agent.StateReady, agent.StateBusy) {
		return nil
	}
	return o.planner.Startup(ctx, agent.StartupConfig{CleanupOnError: true})
}

// drainPool is the shutdown hook: cancel every in-flight run, then shut
// down the pooled workers and the planner. In-flight runs observe the
// cancellation and finish with CANCELLED.
func (o *Orchestrator) drainPool(ctx context.Context) error {
	o.runMu.Lock()
	cancels := make([]context.CancelFunc, 0, len(o.active))
	for id, cancel := range o.active {
		cancels = append(cancels, cancel)
		delete(o.active, id)
	}
	o.runMu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}

	o.mu.Lock()
	members := o.pool
	o.pool = nil
	o.mu.Unlock()
	for _, m := range members {
		m.worker.Shutdown(ctx)
	}
	if o.planner != nil {
		o.planner.Shutdown(ctx)
	}
	return nil
}

// Register adds a worker to the pool under the given id, starting it
// first if it has never been started. Capabilities are the tool names
// the worker advertises to capability-based routing; none means the
// worker accepts any task.
func (o *Orchestrator) Register(ctx context.Context, id string, w *agent.Worker, capabilities ...string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("worker id is required")
	}
	if w == nil {
		return fmt.Errorf("worker %q is nil", id)
	}
	if !w.Lifecycle().Is(agent.StateReady, agent.StateBusy) {
		if err := w.Startup(ctx, agent.StartupConfig{CleanupOnError: true}); err != nil {
			return fmt.Errorf("start worker %q: %w", id, err)
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, m := range o.pool {
		if m.id == id {
			return fmt.Errorf("worker %q is already registered", id)
		}
	}
	o.pool = append(o.pool, &member{id: id, worker: w, caps: capabilities})
	slog.Info("worker registered", "worker", id, "pool_size", len(o.pool))
	return nil
}

// Deregister removes a worker from the pool and shuts it down.
func (o *Orchestrator) Deregister(ctx context.Context, id string) error {
	o.mu.Lock()
	var removed *member
	for i, m := range o.pool {
		if m.id == id {
			removed = m
			o.pool = append(o.pool[:i], o.pool[i+1:]...)
			break
		}
	}
	o.mu.Unlock()

	if removed == nil {
		return fmt.Errorf("worker %q is not registered", id)
	}
	removed.worker.Shutdown(ctx)
	slog.Info("worker deregistered", "worker", id)
	return nil
}

// Pool snapshots the members in registration order.
func (o *Orchestrator) Pool() []AgentInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	infos := make([]AgentInfo, 0, len(o.pool))
	for _, m := range o.pool {
		infos = append(infos, o.infoLocked(m))
	}
	return infos
}

// available filters the pool down to members able to take work now.
func (o *Orchestrator) available() []AgentInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []AgentInfo
	for _, m := range o.pool {
		if m.worker.Lifecycle().Is(agent.StateReady, agent.StateBusy) {
			out = append(out, o.infoLocked(m))
		}
	}
	return out
}

func (o *Orchestrator) infoLocked(m *member) AgentInfo {
	return AgentInfo{
		ID:           m.id,
		Capabilities: append([]string(nil), m.caps...),
		State:        m.worker.Lifecycle().State(),
	}
}

func (o *Orchestrator) memberByID(id string) *member {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, m := range o.pool {
		if m.id == id {
			return m
		}
	}
	return nil
}

// MakeRoutingDecision applies the routing policy to a snapshot of the
// policy state. It is pure: repeated calls with the same inputs return
// the same decision, and nothing is committed until a run acts on one.
func (o *Orchestrator) MakeRoutingDecision(task Task, execCtx protocol.ExecutionContext, agents []AgentInfo) RoutingDecision {
	o.mu.Lock()
	state := o.rrState
	o.mu.Unlock()
	return o.policy.Decide(task, execCtx, agents, state)
}

// commitRoute advances the policy state once a decision is acted on.
func (o *Orchestrator) commitRoute() {
	o.mu.Lock()
	o.rrState++
	o.mu.Unlock()
}

// Orchestrate starts a run and returns its event stream. Events are
// produced lazily on an unbuffered channel; the consumer stops a run by
// cancelling ctx and draining until the channel closes. Every run emits
// exactly one terminal stage, then the channel closes.
func (o *Orchestrator) Orchestrate(ctx context.Context, goal string, execCtx protocol.ExecutionContext, strategy Strategy) <-chan StageEvent {
	return o.orchestrate(ctx, goal, execCtx, strategy, nil)
}

// Run adapts an inbound request: it fills a missing trace id, binds the
// isolation profile, and applies the request's end-to-end deadline.
func (o *Orchestrator) Run(ctx context.Context, req protocol.AgentRequest, strategy Strategy) (<-chan StageEvent, error) {
	if strings.TrimSpace(req.Goal) == "" {
		return nil, failure.New(failure.UserInvalidInput, "goal is required")
	}
	traceID := req.Metadata.TraceID
	if traceID == "" {
		traceID = uuid.NewString()
	}
	execCtx := protocol.NewExecutionContext(traceID).WithProfile(req.Metadata.Profile)

	var cleanup context.CancelFunc
	if d := req.Metadata.Timeout(); d > 0 {
		ctx, cleanup = context.WithTimeout(ctx, d)
	}
	return o.orchestrate(ctx, req.Goal, execCtx, strategy, cleanup), nil
}

// Process implements the canonical agent contract: the request is run to
// its terminal stage and that stage becomes the response. The error
// strategy rides in inputs["strategy"]; a run that completed around step
// failures under CONTINUE reports PARTIAL.
func (o *Orchestrator) Process(ctx context.Context, req protocol.AgentRequest) protocol.AgentResponse {
	strategy := FailFast
	if raw, ok := req.Inputs["strategy"].(string); ok && raw != "" {
		strategy = Strategy(strings.ToUpper(raw))
	}
	events, err := o.Run(ctx, req, strategy)
	if err != nil {
		return protocol.NewErrorResponse(failure.ToAgentError(err))
	}

	var terminal StageEvent
	for ev := range events {
		if ev.Stage.Terminal() {
			terminal = ev
		}
	}

	switch terminal.Stage {
	case StageComplete:
		resp := protocol.NewSuccessResponse(terminal.Data["result"])
		if partial, _ := terminal.Data["partial"].(bool); partial {
			resp.Status = protocol.StatusPartial
		}
		if trace, ok := terminal.Data["trace"].([]protocol.TraceEntry); ok {
			resp = resp.WithTrace(trace)
		}
		return resp
	case StageCancelled:
		return protocol.NewCancelledResponse()
	default:
		oerr, ok := terminal.Data["error"].(*OrchestrationError)
		if !ok {
			return protocol.NewErrorResponse(protocol.NewAgentError(
				protocol.ErrorTypeExecution, "run ended without a verdict"))
		}
		resp := protocol.NewErrorResponse(failure.ToAgentError(oerr.Cause))
		if partial, ok := oerr.Metadata["partial_result"]; ok {
			resp = resp.WithMetadata("partial_result", partial)
		}
		return resp
	}
}

func (o *Orchestrator) orchestrate(ctx context.Context, goal string, execCtx protocol.ExecutionContext, strategy Strategy, cleanup context.CancelFunc) <-chan StageEvent {
	events := make(chan StageEvent)
	go func() {
		if cleanup != nil {
			defer cleanup()
		}
		o.runPipeline(ctx, goal, execCtx, strategy, events)
	}()
	return events
}

// runState carries everything the terminal finalizer needs.
type runState struct {
	goal     string
	strategy Strategy
	execCtx  protocol.ExecutionContext
	events   chan<- StageEvent
	started  time.Time
	phase    Stage

	err      *OrchestrationError
	results  []agent.StepResult
	compens  []agent.CompensationRecord
	undoer   *agent.Worker
	output   any
	warnings []string
	partial  bool
	trace    []protocol.TraceEntry
	aborted  bool
}

func (o *Orchestrator) runPipeline(ctx context.Context, goal string, execCtx protocol.ExecutionContext, strategy Strategy, events chan<- StageEvent) {
	defer close(events)

	st := &runState{
		goal:     goal,
		strategy: strategy.withDefault(),
		execCtx:  execCtx,
		events:   events,
		started:  time.Now(),
		phase:    StageInitialize,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	runID := o.trackRun(cancel)
	defer o.untrackRun(runID)

	traceID := execCtx.TraceID()
	o.collector.StartTrace(traceID, map[string]any{observability.AttrGoal: goal})
	defer o.finalize(ctx, st)

	st.trace = append(st.trace, protocol.NewTraceEntry("orchestrate:start", traceID, map[string]any{
		"strategy": string(st.strategy),
	}))
	if !o.emit(ctx, st, StageInitialize, map[string]any{
		"goal":     goal,
		"strategy": string(st.strategy),
		"profile":  execCtx.Profile(),
	}) {
		return
	}
	if !st.strategy.valid() {
		o.fail(st, StageInitialize, failure.New(failure.UserInvalidInput,
			"unknown error strategy %q", string(strategy)))
		return
	}
	if err := o.BeginWork(); err != nil {
		o.fail(st, StageInitialize, failure.Wrap(failure.SystemUnavailable, err))
		return
	}
	defer o.EndWork()

	// PLAN
	st.phase = StagePlan
	steps, planTrace, err := o.planner.Plan(ctx, goal, execCtx)
	st.trace = append(st.trace, planTrace...)
	if err != nil {
		if ctx.Err() == nil {
			o.fail(st, StagePlan, err)
		}
		return
	}
	summaries := make([]map[string]any, 0, len(steps))
	for _, s := range steps {
		summaries = append(summaries, map[string]any{
			"index":  s.Index,
			"tool":   s.Tool,
			"reason": s.Reason,
		})
	}
	if !o.emit(ctx, st, StagePlan, map[string]any{
		"steps_count": len(steps),
		"steps":       summaries,
	}) {
		return
	}

	// ROUTE
	st.phase = StageRoute
	task := taskFromPlan(goal, steps)
	agents := o.available()
	if len(agents) == 0 {
		o.fail(st, StageRoute, failure.New(failure.SystemUnavailable, "worker pool is empty"))
		return
	}
	decision := o.MakeRoutingDecision(task, execCtx, agents)
	if decision.Target == "" {
		o.fail(st, StageRoute, failure.New(failure.SystemUnavailable,
			"routing produced no target: %s", decision.Reason))
		return
	}
	o.commitRoute()
	target := o.memberByID(decision.Target)
	if target == nil {
		o.fail(st, StageRoute, failure.New(failure.SystemUnavailable,
			"routed worker %q left the pool", decision.Target))
		return
	}
	o.emitRouteEvent(traceID, decision, false)
	st.trace = append(st.trace, protocol.NewTraceEntry("route:decision", traceID, map[string]any{
		"target": decision.Target,
		"policy": decision.Policy,
	}))
	routeData := map[string]any{
		"target": decision.Target,
		"reason": decision.Reason,
		"policy": decision.Policy,
	}
	if decision.Fallback != "" {
		routeData["fallback"] = decision.Fallback
	}
	if !o.emit(ctx, st, StageRoute, routeData) {
		return
	}

	// EXECUTE
	st.phase = StageExecute
	opts := agent.ExecOptions{ContinueOnError: st.strategy == Continue}
	outcome, execErr := target.worker.Execute(ctx, steps, execCtx, opts)
	o.absorb(st, target.worker, outcome)
	o.emitStepEvents(ctx, st, outcome.Results)
	if st.aborted || ctx.Err() != nil {
		return
	}
	if execErr != nil {
		execErr = o.applyStrategy(ctx, st, steps, decision, execErr)
		if st.aborted || ctx.Err() != nil {
			return
		}
		if execErr != nil {
			o.fail(st, StageExecute, execErr)
			return
		}
	}

	// AGGREGATE
	st.phase = StageAggregate
	completed, failed := tallyResults(st.results)
	st.partial = failed > 0
	st.output = lastOutput(st.results)
	aggData := map[string]any{
		"output":          st.output,
		"steps_completed": completed,
		"steps_failed":    failed,
	}
	if len(st.warnings) > 0 {
		aggData["warnings"] = st.warnings
	}
	if !o.emit(ctx, st, StageAggregate, aggData) {
		return
	}
	st.phase = StageComplete
}

// applyStrategy decides what to do with an error Execute surfaced. Only
// a FALLBACK disposition recovers; everything else propagates.
func (o *Orchestrator) applyStrategy(ctx context.Context, st *runState, steps []protocol.PlanStep, decision RoutingDecision, execErr error) error {
	if o.HandleError(execErr, st.strategy) != DispositionFallback {
		return execErr
	}
	return o.failover(ctx, st, steps, decision, execErr)
}

// failover reroutes the unfinished tail of the plan to the decision's
// fallback target. It runs at most once per run; steps that already
// succeeded are not repeated, so their charges stand.
func (o *Orchestrator) failover(ctx context.Context, st *runState, steps []protocol.PlanStep, decision RoutingDecision, execErr error) error {
	if decision.Fallback == "" || decision.Fallback == decision.Target {
		return execErr
	}
	fb := o.memberByID(decision.Fallback)
	if fb == nil {
		slog.Warn("fallback worker left the pool", "worker", decision.Fallback)
		return execErr
	}
	remaining := remainingSteps(steps, st.results)
	if len(remaining) == 0 {
		return execErr
	}

	traceID := st.execCtx.TraceID()
	fbDecision := RoutingDecision{
		Target: decision.Fallback,
		Policy: decision.Policy,
		Reason: fmt.Sprintf("fallback after failure on %s: %v", decision.Target, execErr),
	}
	o.emitRouteEvent(traceID, fbDecision, true)
	st.trace = append(st.trace, protocol.NewTraceEntry("route:fallback", traceID, map[string]any{
		"target": fbDecision.Target,
		"from":   decision.Target,
	}))
	if !o.emit(ctx, st, StageRoute, map[string]any{
		"target": fbDecision.Target,
		"reason": fbDecision.Reason,
		"policy": fbDecision.Policy,
	}) {
		return execErr
	}

	outcome, err := fb.worker.Execute(ctx, remaining, st.execCtx, agent.ExecOptions{})
	o.absorb(st, fb.worker, outcome)
	o.emitStepEvents(ctx, st, outcome.Results)
	if err != nil {
		return err
	}
	st.warnings = append(st.warnings, fmt.Sprintf(
		"step %d recovered on fallback %s", remaining[0].Index, fbDecision.Target))
	return nil
}

// absorb folds one Execute outcome into the run state.
func (o *Orchestrator) absorb(st *runState, w *agent.Worker, outcome agent.ExecOutcome) {
	st.results = append(st.results, outcome.Results...)
	st.compens = append(st.compens, outcome.Compensations...)
	st.trace = append(st.trace, outcome.Trace...)
	st.warnings = append(st.warnings, collectWarnings(outcome.Results)...)
	if len(outcome.Results) > 0 {
		st.undoer = w
	}
}

func (o *Orchestrator) emitStepEvents(ctx context.Context, st *runState, results []agent.StepResult) {
	for _, r := range results {
		data := map[string]any{
			"step":        r.Step.Index,
			"tool":        r.Step.Tool,
			"attempts":    r.Attempts,
			"duration_ms": durationMS(r.Duration),
		}
		switch {
		case r.Skipped:
			data["status"] = "skipped"
		case r.Failed():
			data["status"] = "failed"
			data["error"] = r.Err.Error()
			data["failure_mode"] = string(r.Mode)
		default:
			data["status"] = "success"
		}
		if len(r.Warnings) > 0 {
			data["warnings"] = r.Warnings
		}
		if !o.emit(ctx, st, StageExecute, data) {
			return
		}
	}
}

// emit sends one non-terminal stage event. A false return means the run
// context ended; the caller should unwind and let the finalizer speak.
func (o *Orchestrator) emit(ctx context.Context, st *runState, stage Stage, data map[string]any) bool {
	if st.aborted {
		return false
	}
	select {
	case st.events <- StageEvent{Stage: stage, Data: data, Context: st.execCtx}:
		return true
	case <-ctx.Done():
		st.aborted = true
		return false
	}
}

func (o *Orchestrator) fail(st *runState, stage Stage, err error) {
	if st.err != nil {
		return
	}
	st.err = o.newError(stage, st, err)
}

func (o *Orchestrator) newError(stage Stage, st *runState, err error) *OrchestrationError {
	mode := failure.Classify(err)
	meta := map[string]any{"failure_mode": string(mode)}
	if partial := partialResult(st.results); len(partial) > 0 {
		meta["partial_result"] = partial
	}
	return &OrchestrationError{
		Stage:       stage,
		Message:     err.Error(),
		Context:     st.execCtx,
		Cause:       err,
		Recoverable: mode.Retryable(),
		Metadata:    meta,
	}
}

// finalize emits the single terminal stage for the run, runs any due
// compensation, and closes out the trace. It runs exactly once, from
// the pipeline's defer.
func (o *Orchestrator) finalize(ctx context.Context, st *runState) {
	traceID := st.execCtx.TraceID()
	duration := time.Since(st.started)

	var ev StageEvent
	success := false
	switch {
	case st.err != nil:
		data := map[string]any{
			"error":       st.err,
			"duration_ms": durationMS(duration),
		}
		if st.strategy == Fallback {
			data["compensated"] = o.compensate(st)
		}
		ev = StageEvent{Stage: StageFailed, Data: data, Context: st.execCtx}
		o.emitRunError(traceID, st.err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		oerr := o.newError(st.phase, st, failure.Wrap(failure.SystemTimeout, ctx.Err()))
		ev = StageEvent{Stage: StageFailed, Data: map[string]any{
			"error":       oerr,
			"compensated": o.compensate(st),
			"duration_ms": durationMS(duration),
		}, Context: st.execCtx}
		o.emitRunError(traceID, oerr)
	case ctx.Err() != nil:
		ev = StageEvent{Stage: StageCancelled, Data: map[string]any{
			"reason":      "run cancelled",
			"compensated": o.compensate(st),
			"duration_ms": durationMS(duration),
		}, Context: st.execCtx}
	default:
		success = true
		st.trace = append(st.trace, protocol.NewTraceEntry("orchestrate:complete", traceID, map[string]any{
			"partial": st.partial,
		}))
		ev = StageEvent{Stage: StageComplete, Data: map[string]any{
			"result":      st.output,
			"partial":     st.partial,
			"duration_ms": durationMS(duration),
			"trace":       st.trace,
		}, Context: st.execCtx}
	}

	o.sendTerminal(st, ev)
	o.collector.EndTrace(traceID, success)
	slog.Info("orchestration finished",
		"trace_id", traceID,
		"stage", string(ev.Stage),
		"duration_ms", durationMS(duration))
}

// sendTerminal delivers the terminal event, waiting a bounded grace
// period for consumers that already stopped reading.
func (o *Orchestrator) sendTerminal(st *runState, ev StageEvent) {
	timer := time.NewTimer(terminalGrace)
	defer timer.Stop()
	select {
	case st.events <- ev:
	case <-timer.C:
		slog.Warn("terminal event dropped, consumer stopped reading",
			"trace_id", st.execCtx.TraceID(), "stage", string(ev.Stage))
	}
}

// compensate runs the accumulated undo records in reverse on a fresh,
// bounded context. Best effort: the count of successful undos is
// reported, failures are logged by the worker and never raised.
func (o *Orchestrator) compensate(st *runState) int {
	if len(st.compens) == 0 || st.undoer == nil {
		return 0
	}
	cctx, cancel := context.WithTimeout(context.Background(), compensationTimeout)
	defer cancel()
	n := st.undoer.Compensate(cctx, st.compens, st.execCtx)
	st.compens = nil
	return n
}

func (o *Orchestrator) emitRouteEvent(traceID string, d RoutingDecision, fallback bool) {
	kind := d.Policy
	if fallback {
		kind = "fallback"
	}
	o.collector.Emit(observability.NewEvent(observability.EventRouteDecision, traceID, map[string]any{
		observability.AttrTarget:   d.Target,
		observability.AttrDecision: kind,
		observability.AttrStage:    string(StageRoute),
		"reason":                   d.Reason,
	}))
}

func (o *Orchestrator) emitRunError(traceID string, oerr *OrchestrationError) {
	o.collector.Emit(observability.NewEvent(observability.EventErrorOccurred, traceID, map[string]any{
		observability.AttrStage:     string(oerr.Stage),
		observability.AttrErrorType: fmt.Sprint(oerr.Metadata["failure_mode"]),
	}).WithError(oerr))
}

func (o *Orchestrator) trackRun(cancel context.CancelFunc) uint64 {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	o.nextRunID++
	id := o.nextRunID
	o.active[id] = cancel
	return id
}

func (o *Orchestrator) untrackRun(id uint64) {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	delete(o.active, id)
}

// remainingSteps returns the plan suffix starting at the step whose
// latest attempt failed. Results are in execution order, so the failed
// step is the last one recorded.
func remainingSteps(steps []protocol.PlanStep, results []agent.StepResult) []protocol.PlanStep {
	if len(results) == 0 {
		return steps
	}
	last := results[len(results)-1]
	if !last.Failed() {
		return nil
	}
	idx := last.Step.Index
	if idx < 0 || idx >= len(steps) {
		return nil
	}
	return steps[idx:]
}

// tallyResults counts per-index outcomes, honoring the latest attempt
// when a step ran more than once.
func tallyResults(results []agent.StepResult) (completed, failed int) {
	latest := make(map[int]agent.StepResult, len(results))
	for _, r := range results {
		latest[r.Step.Index] = r
	}
	for _, r := range latest {
		switch {
		case r.Failed():
			failed++
		case !r.Skipped:
			completed++
		}
	}
	return completed, failed
}

// lastOutput is the output of the most recent successful step.
func lastOutput(results []agent.StepResult) any {
	for i := len(results) - 1; i >= 0; i-- {
		if !results[i].Failed() && !results[i].Skipped {
			return results[i].Output
		}
	}
	return nil
}

// partialResult summarizes the successful steps of a run that did not
// complete, for the terminal error's metadata.
func partialResult(results []agent.StepResult) []map[string]any {
	var out []map[string]any
	for _, r := range results {
		if r.Failed() || r.Skipped {
			continue
		}
		out = append(out, map[string]any{
			"step":   r.Step.Index,
			"tool":   r.Step.Tool,
			"output": r.Output,
		})
	}
	return out
}

func collectWarnings(results []agent.StepResult) []string {
	var out []string
	for _, r := range results {
		out = append(out, r.Warnings...)
		if r.Failed() {
			out = append(out, fmt.Sprintf("step %d (%s) failed: %v", r.Step.Index, r.Step.Tool, r.Err))
		}
	}
	return out
}

func durationMS(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
