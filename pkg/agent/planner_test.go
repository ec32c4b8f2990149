package agent

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratelabs/maestro/pkg/guardrail"
	"github.com/substratelabs/maestro/pkg/memory"
	"github.com/substratelabs/maestro/pkg/observability"
	"github.com/substratelabs/maestro/pkg/protocol"
	"github.com/substratelabs/maestro/pkg/tool"
)

func passHandler(_ context.Context, inputs map[string]any, _ protocol.ExecutionContext) (any, error) {
	return inputs["goal"], nil
}

func newTestRegistry(t *testing.T, names ...string) *tool.Registry {
	t.Helper()
	reg := tool.NewRegistry()
	for _, name := range names {
		require.NoError(t, reg.Register(&tool.Spec{
			Name:      name,
			Namespace: tool.NamespaceBuiltin,
			Handler:   passHandler,
		}))
	}
	return reg
}

func newTestMemory(t *testing.T) *memory.Memory {
	t.Helper()
	store, err := memory.NewLocalStore()
	require.NoError(t, err)
	return memory.New(store)
}

func newTestCollector() *observability.Collector {
	return observability.New(observability.DefaultConfig())
}

func TestPlanner_PlanIsDeterministic(t *testing.T) {
	reg := newTestRegistry(t, "search_flights", "compare_prices", "echo")
	mem := newTestMemory(t)
	p := NewPlanner(reg, mem,
		WithPlannerConfig(PlannerConfig{MaxSteps: 2}),
		WithPlannerCollector(newTestCollector()))
	execCtx := protocol.NewExecutionContext("tr-1")

	var first []protocol.PlanStep
	for i := 0; i < 10; i++ {
		steps, _, err := p.Plan(context.Background(), "find cheap flights", execCtx)
		require.NoError(t, err)
		require.Len(t, steps, 2)
		if i == 0 {
			first = steps
			continue
		}
		assert.Equal(t, first[0].Tool, steps[0].Tool, "run %d", i)
		assert.Equal(t, first[1].Tool, steps[1].Tool, "run %d", i)
	}

	// Only search_flights overlaps the goal; the zero-score tie resolves
	// by registration order.
	assert.Equal(t, "search_flights", first[0].Tool)
	assert.Equal(t, "compare_prices", first[1].Tool)
	assert.Equal(t, "score=0.333", first[0].Reason)
}

func TestPlanner_StepShape(t *testing.T) {
	reg := newTestRegistry(t, "search_flights", "compare_prices")
	p := NewPlanner(reg, newTestMemory(t), WithPlannerCollector(newTestCollector()))
	execCtx := protocol.NewExecutionContext("tr-shape")

	steps, _, err := p.Plan(context.Background(), "search flights", execCtx)
	require.NoError(t, err)
	require.NotEmpty(t, steps)

	for i, step := range steps {
		assert.Equal(t, i, step.Index)
		assert.Equal(t, "tr-shape", step.TraceID)
		assert.Equal(t, map[string]any{"goal": "search flights"}, step.Input)
		assert.NotEmpty(t, step.Reason)
	}
	require.NoError(t, protocol.ValidatePlan(steps, 10, "tr-shape"))
}

func TestPlanner_MemoryBonusReordersTies(t *testing.T) {
	reg := newTestRegistry(t, "book_flight", "book_hotel")
	mem := newTestMemory(t)
	scope := mem.Scope(protocol.DefaultProfile)
	require.NoError(t, scope.Remember(context.Background(),
		"book_hotel handled the trip booking", nil))

	p := NewPlanner(reg, mem, WithPlannerCollector(newTestCollector()))
	execCtx := protocol.NewExecutionContext("tr-bonus")

	steps, _, err := p.Plan(context.Background(), "book trip", execCtx)
	require.NoError(t, err)
	require.Len(t, steps, 2)

	// Both tools overlap only on "book" (0.5); the remembered hit names
	// book_hotel, so its bonus breaks the tie.
	assert.Equal(t, "book_hotel", steps[0].Tool)
	assert.Equal(t, "score=0.600", steps[0].Reason)
	assert.Equal(t, "book_flight", steps[1].Tool)
	assert.Equal(t, "score=0.500", steps[1].Reason)
}

func TestPlanner_MemoryBonusIsCapped(t *testing.T) {
	reg := newTestRegistry(t, "ship_crate", "ship_box")
	mem := newTestMemory(t)
	scope := mem.Scope(protocol.DefaultProfile)
	for i := 0; i < 3; i++ {
		require.NoError(t, scope.Remember(context.Background(),
			fmt.Sprintf("ship_box run %d", i), nil))
	}

	p := NewPlanner(reg, mem, WithPlannerCollector(newTestCollector()))
	execCtx := protocol.NewExecutionContext("tr-cap")

	steps, _, err := p.Plan(context.Background(), "ship package", execCtx)
	require.NoError(t, err)
	require.Len(t, steps, 2)

	// Three matching hits would add 0.3; the cap holds the bonus at 0.2.
	assert.Equal(t, "ship_box", steps[0].Tool)
	assert.Equal(t, "score=0.700", steps[0].Reason)
}

func TestPlanner_ZeroScoreFallsBackToEcho(t *testing.T) {
	reg := newTestRegistry(t, "echo", "search_flights")
	p := NewPlanner(reg, newTestMemory(t), WithPlannerCollector(newTestCollector()))
	execCtx := protocol.NewExecutionContext("tr-zero")

	steps, _, err := p.Plan(context.Background(), "quantum entanglement", execCtx)
	require.NoError(t, err)
	require.Len(t, steps, 1)

	assert.Equal(t, "echo", steps[0].Tool)
	assert.Equal(t, map[string]any{"goal": "quantum entanglement"}, steps[0].Input)
	assert.Equal(t, 0, steps[0].Index)
	assert.Contains(t, steps[0].Reason, "fallback")
}

func TestPlanner_ZeroScoreErrorPolicy(t *testing.T) {
	reg := newTestRegistry(t, "search_flights")
	p := NewPlanner(reg, newTestMemory(t),
		WithPlannerConfig(PlannerConfig{ZeroScore: ZeroScoreError}),
		WithPlannerCollector(newTestCollector()))
	execCtx := protocol.NewExecutionContext("tr-zero-err")

	_, _, err := p.Plan(context.Background(), "quantum entanglement", execCtx)
	require.Error(t, err)

	agentErr := protocol.AsAgentError(err)
	assert.Equal(t, protocol.ErrorTypeValidation, agentErr.Type)
}

func TestPlanner_ZeroScoreEchoMissingTool(t *testing.T) {
	reg := newTestRegistry(t, "search_flights")
	p := NewPlanner(reg, newTestMemory(t), WithPlannerCollector(newTestCollector()))
	execCtx := protocol.NewExecutionContext("tr-no-echo")

	_, _, err := p.Plan(context.Background(), "quantum entanglement", execCtx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "echo")
}

func TestPlanner_EmptyRegistry(t *testing.T) {
	p := NewPlanner(tool.NewRegistry(), newTestMemory(t),
		WithPlannerCollector(newTestCollector()))
	execCtx := protocol.NewExecutionContext("tr-empty")

	_, _, err := p.Plan(context.Background(), "do something", execCtx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registry is empty")
}

func TestPlanner_StopwordOnlyGoal(t *testing.T) {
	p := NewPlanner(newTestRegistry(t, "echo"), newTestMemory(t),
		WithPlannerCollector(newTestCollector()))
	execCtx := protocol.NewExecutionContext("tr-stop")

	_, _, err := p.Plan(context.Background(), "the and of", execCtx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no plannable terms")
}

func TestPlanner_MaxStepsClampsPlanLength(t *testing.T) {
	reg := newTestRegistry(t, "scan_a", "scan_b", "scan_c", "scan_d", "scan_e")

	tests := []struct {
		name     string
		maxSteps int
		want     int
	}{
		{"budget below candidates", 3, 3},
		{"budget above candidates", 10, 5},
		{"budget of one", 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPlanner(reg, newTestMemory(t),
				WithPlannerConfig(PlannerConfig{MaxSteps: tt.maxSteps}),
				WithPlannerCollector(newTestCollector()))
			execCtx := protocol.NewExecutionContext("tr-clamp")

			steps, _, err := p.Plan(context.Background(), "scan everything", execCtx)
			require.NoError(t, err)
			assert.Len(t, steps, tt.want)
		})
	}
}

func TestPlanner_SkipsBlockedTools(t *testing.T) {
	reg := newTestRegistry(t, "search_flights", "search_hotels")
	policy := guardrail.New(guardrail.Config{
		Profile:       "restricted",
		ToolAllowlist: []string{"search_hotels"},
	})
	p := NewPlanner(reg, newTestMemory(t),
		WithToolChecker(policy),
		WithPlannerCollector(newTestCollector()))
	execCtx := protocol.NewExecutionContext("tr-blocked").WithProfile("restricted")

	steps, _, err := p.Plan(context.Background(), "search flights and hotels", execCtx)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "search_hotels", steps[0].Tool)
}

func TestPlanner_RemembersGoal(t *testing.T) {
	mem := newTestMemory(t)
	p := NewPlanner(newTestRegistry(t, "search_flights"), mem,
		WithPlannerCollector(newTestCollector()))
	execCtx := protocol.NewExecutionContext("tr-remember")

	_, _, err := p.Plan(context.Background(), "search flights to lisbon", execCtx)
	require.NoError(t, err)

	hits, err := mem.Scope(protocol.DefaultProfile).Search(
		context.Background(), "search flights to lisbon", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "search flights to lisbon", hits[0].Text)
	assert.Equal(t, "tr-remember", fmt.Sprint(hits[0].Metadata["trace_id"]))
}

func TestPlanner_EmitsPlanCreated(t *testing.T) {
	collector := newTestCollector()
	p := NewPlanner(newTestRegistry(t, "search_flights"), newTestMemory(t),
		WithPlannerCollector(collector))
	execCtx := protocol.NewExecutionContext("tr-events")

	_, _, err := p.Plan(context.Background(), "search flights", execCtx)
	require.NoError(t, err)

	events := collector.EventsForTrace("tr-events")
	require.NotEmpty(t, events)

	var sawPlan, sawMemory bool
	for _, e := range events {
		switch e.EventType {
		case observability.EventPlanCreated:
			sawPlan = true
			assert.Equal(t, 1, e.Attributes[observability.AttrStepsCount])
			assert.Greater(t, e.DurationMS, 0.0)
		case observability.EventMemoryUpdated:
			sawMemory = true
		}
	}
	assert.True(t, sawPlan, "plan_created missing")
	assert.True(t, sawMemory, "memory_updated missing")
}

func TestPlanner_Process(t *testing.T) {
	p := NewPlanner(newTestRegistry(t, "search_flights", "echo"), newTestMemory(t),
		WithPlannerCollector(newTestCollector()))
	require.NoError(t, p.Startup(context.Background(), StartupConfig{}))

	resp := p.Process(context.Background(), protocol.AgentRequest{
		Goal:     "search flights",
		Task:     "plan",
		Metadata: protocol.RequestMetadata{TraceID: "tr-proc"},
	})

	require.Equal(t, protocol.StatusSuccess, resp.Status, "error: %v", resp.Error)
	result, ok := resp.Result.(map[string]any)
	require.True(t, ok)
	steps, ok := result["steps"].([]protocol.PlanStep)
	require.True(t, ok)
	assert.NotEmpty(t, steps)
	assert.NotEmpty(t, resp.Trace)

	// The planner returns to READY after serving.
	assert.Equal(t, StateReady, p.Lifecycle().State())
}

func TestPlanner_ProcessRejectsInvalidRequest(t *testing.T) {
	p := NewPlanner(newTestRegistry(t, "echo"), newTestMemory(t),
		WithPlannerCollector(newTestCollector()))
	require.NoError(t, p.Startup(context.Background(), StartupConfig{}))

	resp := p.Process(context.Background(), protocol.AgentRequest{Task: "plan"})

	require.Equal(t, protocol.StatusError, resp.Status)
	assert.Equal(t, protocol.ErrorTypeValidation, resp.Error.Type)
}

func TestPlanner_ProcessBeforeStartup(t *testing.T) {
	p := NewPlanner(newTestRegistry(t, "echo"), newTestMemory(t),
		WithPlannerCollector(newTestCollector()))

	resp := p.Process(context.Background(), protocol.AgentRequest{
		Goal:     "anything",
		Task:     "plan",
		Metadata: protocol.RequestMetadata{TraceID: "tr-cold"},
	})

	require.Equal(t, protocol.StatusError, resp.Status)
	assert.Contains(t, resp.Error.Message, "not ready")
}

func TestPlanner_AttachesDeclaredCompensation(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(&tool.Spec{
		Name:             "create_resource",
		Namespace:        tool.NamespaceBuiltin,
		Handler:          passHandler,
		CompensationTool: "undo_resource",
	}))
	require.NoError(t, reg.Register(&tool.Spec{
		Name:      "undo_resource",
		Namespace: tool.NamespaceBuiltin,
		Handler:   passHandler,
	}))
	p := NewPlanner(reg, newTestMemory(t),
		WithPlannerConfig(PlannerConfig{MaxSteps: 1}),
		WithPlannerCollector(newTestCollector()))

	steps, _, err := p.Plan(context.Background(), "create resource",
		protocol.NewExecutionContext("tr-undo"))

	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "create_resource", steps[0].Tool)
	assert.True(t, steps[0].Critical)
	require.NotNil(t, steps[0].Compensation)
	assert.Equal(t, "undo_resource", steps[0].Compensation.Tool)
	assert.Equal(t, "create resource", steps[0].Compensation.Input["goal"])
}
