package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/substratelabs/maestro/pkg/memory"
	"github.com/substratelabs/maestro/pkg/observability"
	"github.com/substratelabs/maestro/pkg/protocol"
	"github.com/substratelabs/maestro/pkg/tool"
)

// Memory-hit bonus weights. A tool earns MemoryBonusPerHit for each
// memory hit that mentions every term of its name, bounded by
// MemoryBonusCap so advisory context can reorder near-ties but never
// outvote the goal overlap.
const (
	MemoryBonusPerHit = 0.1
	MemoryBonusCap    = 0.2
)

// DefaultMaxSteps bounds plans when the config does not.
const DefaultMaxSteps = 10

// ZeroScorePolicy decides what a goal matching no tool produces.
type ZeroScorePolicy string

const (
	// ZeroScoreEcho plans a single echo step carrying the goal.
	ZeroScoreEcho ZeroScorePolicy = "echo"
	// ZeroScoreError rejects the goal as unplannable.
	ZeroScoreError ZeroScorePolicy = "error"
)

// PlannerConfig shapes plan construction.
type PlannerConfig struct {
	// MaxSteps is the upper bound on plan length.
	MaxSteps int
	// TopK is the memory consultation depth.
	TopK int
	// ZeroScore selects the fallback when no tool scores above zero.
	ZeroScore ZeroScorePolicy
	// EchoTool names the fallback tool for ZeroScoreEcho.
	EchoTool string
}

func (c PlannerConfig) withDefaults() PlannerConfig {
	if c.MaxSteps <= 0 {
		c.MaxSteps = DefaultMaxSteps
	}
	if c.TopK <= 0 {
		c.TopK = memory.DefaultTopK
	}
	if c.ZeroScore == "" {
		c.ZeroScore = ZeroScoreEcho
	}
	if c.EchoTool == "" {
		c.EchoTool = "echo"
	}
	return c
}

// ToolChecker admits or rejects a tool for the current profile. The
// guardrail policy satisfies this.
type ToolChecker interface {
	CheckTool(name string) error
}

// Planner turns a goal into an ordered, executable plan of registry
// tools. Planning is deterministic: the same goal against the same
// registry and memory snapshot yields the identical plan.
type Planner struct {
	*BaseAgent
	registry  *tool.Registry
	mem       *memory.Memory
	checker   ToolChecker
	cfg       PlannerConfig
	collector *observability.Collector
}

// PlannerOption configures a Planner.
type PlannerOption func(*Planner)

// WithPlannerConfig overrides the default planning parameters.
func WithPlannerConfig(cfg PlannerConfig) PlannerOption {
	return func(p *Planner) { p.cfg = cfg.withDefaults() }
}

// WithToolChecker installs the per-profile tool admission check.
func WithToolChecker(c ToolChecker) PlannerOption {
	return func(p *Planner) { p.checker = c }
}

// WithPlannerCollector routes events to a specific collector.
func WithPlannerCollector(c *observability.Collector) PlannerOption {
	return func(p *Planner) { p.collector = c }
}

func NewPlanner(reg *tool.Registry, mem *memory.Memory, opts ...PlannerOption) *Planner {
	p := &Planner{
		BaseAgent: NewBaseAgent("planner"),
		registry:  reg,
		mem:       mem,
		cfg:       PlannerConfig{}.withDefaults(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.collector == nil {
		p.collector = observability.Get()
	}
	return p
}

// Process implements the canonical agent contract: the request's goal in,
// an ordered plan out as result["steps"].
func (p *Planner) Process(ctx context.Context, req protocol.AgentRequest) protocol.AgentResponse {
	if err := p.BeginWork(); err != nil {
		return p.notReadyResponse(err)
	}
	defer p.EndWork()

	if err := req.Validate(); err != nil {
		return protocol.NewErrorResponse(
			protocol.NewAgentError(protocol.ErrorTypeValidation, err.Error()))
	}

	execCtx := protocol.NewExecutionContext(req.Metadata.TraceID).
		WithProfile(req.Metadata.Profile)

	steps, trace, err := p.Plan(ctx, req.Goal, execCtx)
	if err != nil {
		return protocol.NewErrorResponse(protocol.AsAgentError(err)).WithTrace(trace)
	}
	return protocol.NewSuccessResponse(map[string]any{"steps": steps}).WithTrace(trace)
}

// Plan ranks every admitted registry tool against the goal, consults
// memory for advisory context, and emits the ordered steps. Scores are
// the goal-term overlap ratio plus a bounded memory bonus; ties resolve
// by registration order. The goal itself is remembered for future plans.
func (p *Planner) Plan(ctx context.Context, goal string, execCtx protocol.ExecutionContext) ([]protocol.PlanStep, []protocol.TraceEntry, error) {
	started := time.Now()
	traceID := execCtx.TraceID()
	trace := []protocol.TraceEntry{
		protocol.NewTraceEntry("plan:start", traceID, map[string]any{"goal": goal}),
	}

	goalTerms := goalTermBag(goal)
	if len(goalTerms) == 0 {
		return nil, trace, protocol.NewAgentError(protocol.ErrorTypeValidation,
			"goal contains no plannable terms")
	}
	if p.registry.Count() == 0 {
		return nil, trace, protocol.NewAgentError(protocol.ErrorTypeValidation,
			"tool registry is empty")
	}

	// Memory is advisory: planning proceeds without it, and a failed
	// search degrades to an empty hit set rather than failing the plan.
	var hits []memory.Hit
	if p.mem != nil {
		scope := p.mem.Scope(execCtx.Profile())
		found, err := scope.Search(ctx, goal, p.cfg.TopK)
		if err != nil {
			slog.Debug("memory consultation failed", "agent", p.Name(), "error", err)
		} else {
			hits = found
		}
	}

	candidates := p.scoreCandidates(goalTerms, hits)
	if len(candidates) == 0 {
		return nil, trace, protocol.NewAgentError(protocol.ErrorTypeValidation,
			fmt.Sprintf("no tool is admitted for profile %q", execCtx.Profile()))
	}

	steps, err := p.selectSteps(candidates, goal, traceID)
	if err != nil {
		return nil, trace, err
	}

	if err := protocol.ValidatePlan(steps, p.cfg.MaxSteps, traceID); err != nil {
		return nil, trace, protocol.NewAgentError(protocol.ErrorTypeValidation, err.Error())
	}

	stepSummaries := make([]map[string]any, len(steps))
	for i, step := range steps {
		stepSummaries[i] = map[string]any{
			"index":  step.Index,
			"tool":   step.Tool,
			"reason": step.Reason,
		}
	}
	trace = append(trace,
		protocol.NewTraceEntry("plan:steps", traceID, map[string]any{"steps": stepSummaries}),
		protocol.NewTraceEntry("plan:complete", traceID, map[string]any{
			"steps_count": len(steps),
			"memory_hits": len(hits),
		}),
	)

	if p.mem != nil {
		scope := p.mem.Scope(execCtx.Profile())
		if err := scope.Remember(ctx, goal, map[string]any{"trace_id": traceID}); err == nil {
			p.collector.Emit(observability.NewEvent(observability.EventMemoryUpdated, traceID,
				map[string]any{observability.AttrProfile: execCtx.Profile()}))
		}
	}

	p.collector.Emit(observability.NewEvent(observability.EventPlanCreated, traceID, map[string]any{
		observability.AttrStepsCount: len(steps),
		observability.AttrGoal:       goal,
	}).WithDuration(time.Since(started)))

	return steps, trace, nil
}

// candidate is one admitted tool with its score.
type candidate struct {
	spec  *tool.Spec
	score float64
	order int
}

func (p *Planner) scoreCandidates(goalTerms map[string]struct{}, hits []memory.Hit) []candidate {
	specs := p.registry.List()
	bonuses := memoryBonuses(specs, hits)

	var candidates []candidate
	for i, spec := range specs {
		if p.checker != nil && p.checker.CheckTool(spec.Name) != nil {
			continue
		}
		score := overlapScore(goalTerms, spec.TermBag())
		if score > 0 {
			score += bonuses[spec.Name]
		}
		candidates = append(candidates, candidate{spec: spec, score: score, order: i})
	}
	return candidates
}

// selectSteps orders candidates and takes the top N, where N is the step
// budget clamped to the candidate count. An all-zero scoreboard falls
// back per config: a single echo step, or a validation error.
func (p *Planner) selectSteps(candidates []candidate, goal, traceID string) ([]protocol.PlanStep, error) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if candidates[i].order != candidates[j].order {
			return candidates[i].order < candidates[j].order
		}
		return candidates[i].spec.Name < candidates[j].spec.Name
	})

	if candidates[0].score == 0 {
		if p.cfg.ZeroScore == ZeroScoreError {
			return nil, protocol.NewAgentError(protocol.ErrorTypeValidation,
				fmt.Sprintf("no tool matches goal %q", goal))
		}
		if _, ok := p.registry.Get(p.cfg.EchoTool); !ok {
			return nil, protocol.NewAgentError(protocol.ErrorTypeValidation,
				fmt.Sprintf("no tool matches goal %q and fallback tool %q is not registered",
					goal, p.cfg.EchoTool))
		}
		return []protocol.PlanStep{{
			Tool:    p.cfg.EchoTool,
			Input:   map[string]any{"goal": goal},
			Reason:  "score=0.000 fallback",
			TraceID: traceID,
			Index:   0,
		}}, nil
	}

	n := p.cfg.MaxSteps
	if n > len(candidates) {
		n = len(candidates)
	}

	steps := make([]protocol.PlanStep, 0, n)
	for i := 0; i < n; i++ {
		step := protocol.PlanStep{
			Tool:    candidates[i].spec.Name,
			Input:   map[string]any{"goal": goal},
			Reason:  fmt.Sprintf("score=%.3f", candidates[i].score),
			TraceID: traceID,
			Index:   i,
		}
		if undo := candidates[i].spec.CompensationTool; undo != "" {
			step.Critical = true
			step.Compensation = &protocol.CompensationSpec{
				Tool:  undo,
				Input: map[string]any{"goal": goal},
			}
		}
		steps = append(steps, step)
	}
	return steps, nil
}

// memoryBonuses grants each tool a bounded additive bonus for memory hits
// that mention every term of the tool's name.
func memoryBonuses(specs []*tool.Spec, hits []memory.Hit) map[string]float64 {
	if len(hits) == 0 {
		return nil
	}
	hitTerms := make([]map[string]struct{}, len(hits))
	for i, hit := range hits {
		terms := make(map[string]struct{})
		for _, term := range tool.Tokenize(hit.Text) {
			terms[term] = struct{}{}
		}
		hitTerms[i] = terms
	}

	bonuses := make(map[string]float64, len(specs))
	for _, spec := range specs {
		nameTerms := tool.Tokenize(spec.Name)
		if len(nameTerms) == 0 {
			continue
		}
		var bonus float64
		for _, terms := range hitTerms {
			if containsAll(terms, nameTerms) {
				bonus += MemoryBonusPerHit
			}
		}
		if bonus > MemoryBonusCap {
			bonus = MemoryBonusCap
		}
		if bonus > 0 {
			bonuses[spec.Name] = bonus
		}
	}
	return bonuses
}

func containsAll(set map[string]struct{}, terms []string) bool {
	for _, term := range terms {
		if _, ok := set[term]; !ok {
			return false
		}
	}
	return true
}

func overlapScore(goalTerms map[string]struct{}, toolTerms map[string]struct{}) float64 {
	if len(goalTerms) == 0 {
		return 0
	}
	var overlap int
	for term := range goalTerms {
		if _, ok := toolTerms[term]; ok {
			overlap++
		}
	}
	return float64(overlap) / float64(len(goalTerms))
}

// stopwords excluded from goal term bags. Small on purpose: planning
// over-filters badly when the list grows.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "and": {}, "or": {}, "to": {}, "of": {},
	"in": {}, "on": {}, "for": {}, "with": {}, "at": {}, "by": {}, "from": {},
	"is": {}, "are": {}, "be": {}, "it": {}, "as": {}, "this": {}, "that": {},
	"do": {}, "does": {}, "me": {}, "my": {}, "i": {}, "you": {}, "please": {},
	"can": {}, "could": {}, "would": {}, "should": {},
}

func goalTermBag(goal string) map[string]struct{} {
	bag := make(map[string]struct{})
	for _, term := range tool.Tokenize(goal) {
		if _, stop := stopwords[term]; stop {
			continue
		}
		bag[term] = struct{}{}
	}
	return bag
}
