package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func endedTrace(id string, ok bool, d time.Duration) StructuredEvent {
	event := NewEvent(EventTraceEnded, id, nil).WithDuration(d)
	if !ok {
		event = event.WithStatus(StatusError)
	}
	return event
}

func TestSuccessRate(t *testing.T) {
	s := NewSignals()
	assert.Zero(t, s.SuccessRate())

	s.Observe(endedTrace("t1", true, time.Second))
	s.Observe(endedTrace("t2", true, time.Second))
	s.Observe(endedTrace("t3", false, time.Second))
	s.Observe(endedTrace("t4", true, time.Second))

	assert.InDelta(t, 75.0, s.SuccessRate(), 0.001)
}

func TestToolErrorRateAndCounts(t *testing.T) {
	s := NewSignals()

	complete := func(tool string) {
		s.Observe(NewEvent(EventToolCallComplete, "t", map[string]any{
			AttrTool: tool,
		}).WithDuration(10 * time.Millisecond))
	}
	fail := func(tool, errType string) {
		s.Observe(NewEvent(EventToolCallError, "t", map[string]any{
			AttrTool:      tool,
			AttrErrorType: errType,
		}).WithStatus(StatusError))
	}

	complete("search_flights")
	complete("search_flights")
	complete("echo")
	fail("search_flights", "SYSTEM_NETWORK")

	assert.InDelta(t, 25.0, s.ToolErrorRate(), 0.001)

	snap := s.Snapshot()
	toolCalls := snap["tool_calls"].(map[string]int64)
	assert.Equal(t, int64(3), toolCalls["search_flights"])
	assert.Equal(t, int64(1), toolCalls["echo"])

	toolErrors := snap["tool_errors"].(map[string]int64)
	assert.Equal(t, int64(1), toolErrors["search_flights"])

	errorTypes := snap["errors_by_type"].(map[string]int64)
	assert.Equal(t, int64(1), errorTypes["SYSTEM_NETWORK"])
}

func TestMeanStepsPerTask(t *testing.T) {
	s := NewSignals()
	assert.Zero(t, s.MeanStepsPerTask())

	s.Observe(NewEvent(EventPlanCreated, "t1", map[string]any{AttrStepsCount: 2}))
	s.Observe(NewEvent(EventPlanCreated, "t2", map[string]any{AttrStepsCount: 4}))

	assert.InDelta(t, 3.0, s.MeanStepsPerTask(), 0.001)
}

func TestLatencyQuantiles(t *testing.T) {
	s := NewSignals()

	// 1..100 ms in order; nearest-rank quantiles are exact.
	for i := 1; i <= 100; i++ {
		s.Observe(endedTrace("t", true, time.Duration(i)*time.Millisecond))
	}

	p50, p95, p99 := s.Quantiles(LatencyEndToEnd)
	assert.InDelta(t, 50.0, p50, 0.001)
	assert.InDelta(t, 95.0, p95, 0.001)
	assert.InDelta(t, 99.0, p99, 0.001)
}

func TestLatencyWindowIsBounded(t *testing.T) {
	s := NewSignals()

	for i := 0; i < WindowSize+500; i++ {
		s.Observe(endedTrace("t", true, time.Millisecond))
	}

	snap := s.Snapshot()
	latencies := snap["latency_ms"].(map[string]any)
	endToEnd := latencies[LatencyEndToEnd].(map[string]any)
	assert.Equal(t, WindowSize, endToEnd["count"])
}

func TestPerToolLatencyWindow(t *testing.T) {
	s := NewSignals()

	s.Observe(NewEvent(EventToolCallComplete, "t", map[string]any{
		AttrTool: "calc",
	}).WithDuration(40 * time.Millisecond))

	p50, _, _ := s.Quantiles(ToolLatencyKey("calc"))
	assert.InDelta(t, 40.0, p50, 0.001)
}

func TestApprovalWaitLatency(t *testing.T) {
	s := NewSignals()

	s.Observe(NewEvent(EventApprovalReceived, "t", nil).WithDuration(120 * time.Millisecond))
	s.Observe(NewEvent(EventApprovalTimeout, "t", nil).WithStatus(StatusWarning).WithDuration(300 * time.Millisecond))

	_, _, p99 := s.Quantiles(LatencyApprovalWait)
	assert.InDelta(t, 300.0, p99, 0.001)
}

func TestBudgetCounters(t *testing.T) {
	s := NewSignals()

	s.Observe(NewEvent(EventBudgetWarning, "t", nil).WithStatus(StatusWarning))
	s.Observe(NewEvent(EventBudgetWarning, "t", nil).WithStatus(StatusWarning))
	s.Observe(NewEvent(EventBudgetExceeded, "t", nil).WithStatus(StatusError))

	snap := s.Snapshot()
	budget := snap["budget"].(map[string]int64)
	assert.Equal(t, int64(2), budget["warnings"])
	assert.Equal(t, int64(1), budget["exceeded"])
}

func TestSnapshotShape(t *testing.T) {
	s := NewSignals()
	s.Observe(endedTrace("t1", true, 10*time.Millisecond))

	snap := s.Snapshot()
	for _, key := range []string{
		"success_rate", "traces", "tool_calls", "tool_errors",
		"tool_error_rate", "errors_by_type", "mean_steps_per_task",
		"budget", "latency_ms",
	} {
		require.Contains(t, snap, key)
	}
	assert.InDelta(t, 100.0, snap["success_rate"].(float64), 0.001)
}

func TestSignalsReset(t *testing.T) {
	s := NewSignals()
	s.Observe(endedTrace("t1", true, time.Second))
	s.Observe(NewEvent(EventBudgetExceeded, "t1", nil))

	s.Reset()

	assert.Zero(t, s.SuccessRate())
	snap := s.Snapshot()
	budget := snap["budget"].(map[string]int64)
	assert.Zero(t, budget["exceeded"])
	traces := snap["traces"].(map[string]int64)
	assert.Zero(t, traces["total"])
}
