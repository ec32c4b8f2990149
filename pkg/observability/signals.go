package observability

import (
	"fmt"
	"sort"
	"sync"
)

// WindowSize bounds every rolling latency window to the most recent
// samples, so quantiles track current behavior rather than process
// history.
const WindowSize = 1000

// Latency window keys. Per-tool windows use ToolLatencyKey.
const (
	LatencyEndToEnd     = "end_to_end"
	LatencyPlan         = "plan"
	LatencyRoute        = "route"
	LatencyApprovalWait = "approval_wait"
)

// ToolLatencyKey names the rolling window for one tool's call durations.
func ToolLatencyKey(tool string) string {
	return "tool:" + tool
}

// window is a fixed-size ring of float64 samples.
type window struct {
	samples []float64
	next    int
	full    bool
}

func newWindow() *window {
	return &window{samples: make([]float64, 0, WindowSize)}
}

func (w *window) add(v float64) {
	if len(w.samples) < WindowSize {
		w.samples = append(w.samples, v)
		return
	}
	w.full = true
	w.samples[w.next] = v
	w.next = (w.next + 1) % WindowSize
}

func (w *window) count() int {
	return len(w.samples)
}

// quantiles returns p50, p95 and p99 over the current samples using
// nearest-rank on a sorted copy.
func (w *window) quantiles() (p50, p95, p99 float64) {
	if len(w.samples) == 0 {
		return 0, 0, 0
	}
	sorted := make([]float64, len(w.samples))
	copy(sorted, w.samples)
	sort.Float64s(sorted)
	return rank(sorted, 0.50), rank(sorted, 0.95), rank(sorted, 0.99)
}

func rank(sorted []float64, q float64) float64 {
	idx := int(q*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Signals aggregates golden signals over the event stream: success rate,
// rolling latency quantiles, error rates and counts, plan sizes, and
// budget trip counters. All mutation is under one mutex; updates are
// O(1), quantiles are computed on read.
type Signals struct {
	mu sync.Mutex

	totalTraces   int64
	successTraces int64

	toolCalls  map[string]int64
	toolErrors map[string]int64
	errorTypes map[string]int64

	latencies map[string]*window

	stepsSum   float64
	stepsTasks int64

	budgetWarnings int64
	budgetExceeded int64
}

func NewSignals() *Signals {
	return &Signals{
		toolCalls:  make(map[string]int64),
		toolErrors: make(map[string]int64),
		errorTypes: make(map[string]int64),
		latencies:  make(map[string]*window),
	}
}

// Observe folds one event into the aggregates. Events the signals do not
// track pass through untouched.
func (s *Signals) Observe(e StructuredEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch e.EventType {
	case EventPlanCreated:
		if n, ok := attrFloat(e.Attributes, AttrStepsCount); ok {
			s.stepsSum += n
			s.stepsTasks++
		}
		s.recordLatencyLocked(LatencyPlan, e.DurationMS)

	case EventRouteDecision:
		s.recordLatencyLocked(LatencyRoute, e.DurationMS)

	case EventToolCallComplete:
		if tool, ok := attrString(e.Attributes, AttrTool); ok {
			s.toolCalls[tool]++
			s.recordLatencyLocked(ToolLatencyKey(tool), e.DurationMS)
		}

	case EventToolCallError:
		if tool, ok := attrString(e.Attributes, AttrTool); ok {
			s.toolCalls[tool]++
			s.toolErrors[tool]++
		}
		if et, ok := attrString(e.Attributes, AttrErrorType); ok {
			s.errorTypes[et]++
		}

	case EventErrorOccurred:
		if et, ok := attrString(e.Attributes, AttrErrorType); ok {
			s.errorTypes[et]++
		}

	case EventBudgetWarning:
		s.budgetWarnings++

	case EventBudgetExceeded:
		s.budgetExceeded++

	case EventApprovalReceived, EventApprovalTimeout:
		s.recordLatencyLocked(LatencyApprovalWait, e.DurationMS)

	case EventTraceEnded:
		s.totalTraces++
		if e.Status == StatusSuccess {
			s.successTraces++
		}
		s.recordLatencyLocked(LatencyEndToEnd, e.DurationMS)
	}
}

func (s *Signals) recordLatencyLocked(key string, ms float64) {
	if ms <= 0 {
		return
	}
	w, ok := s.latencies[key]
	if !ok {
		w = newWindow()
		s.latencies[key] = w
	}
	w.add(ms)
}

// SuccessRate is succeeded/total traces as a percentage, 0 before any
// trace ends.
func (s *Signals) SuccessRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.totalTraces == 0 {
		return 0
	}
	return float64(s.successTraces) / float64(s.totalTraces) * 100
}

// ToolErrorRate is errored/total tool calls as a percentage across all
// tools.
func (s *Signals) ToolErrorRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var calls, errs int64
	for _, n := range s.toolCalls {
		calls += n
	}
	for _, n := range s.toolErrors {
		errs += n
	}
	if calls == 0 {
		return 0
	}
	return float64(errs) / float64(calls) * 100
}

// MeanStepsPerTask averages plan sizes over every plan_created event seen.
func (s *Signals) MeanStepsPerTask() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stepsTasks == 0 {
		return 0
	}
	return s.stepsSum / float64(s.stepsTasks)
}

// Quantiles returns p50/p95/p99 for one latency window, zeros when it has
// no samples yet.
func (s *Signals) Quantiles(key string) (p50, p95, p99 float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.latencies[key]
	if !ok {
		return 0, 0, 0
	}
	return w.quantiles()
}

// Snapshot renders every aggregate as a JSON-ready map.
func (s *Signals) Snapshot() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	var calls, errs int64
	toolCalls := make(map[string]int64, len(s.toolCalls))
	for tool, n := range s.toolCalls {
		toolCalls[tool] = n
		calls += n
	}
	toolErrors := make(map[string]int64, len(s.toolErrors))
	for tool, n := range s.toolErrors {
		toolErrors[tool] = n
		errs += n
	}
	errorTypes := make(map[string]int64, len(s.errorTypes))
	for et, n := range s.errorTypes {
		errorTypes[et] = n
	}

	latencies := make(map[string]any, len(s.latencies))
	for key, w := range s.latencies {
		p50, p95, p99 := w.quantiles()
		latencies[key] = map[string]any{
			"count": w.count(),
			"p50":   round2(p50),
			"p95":   round2(p95),
			"p99":   round2(p99),
		}
	}

	successRate := 0.0
	if s.totalTraces > 0 {
		successRate = float64(s.successTraces) / float64(s.totalTraces) * 100
	}
	toolErrorRate := 0.0
	if calls > 0 {
		toolErrorRate = float64(errs) / float64(calls) * 100
	}
	meanSteps := 0.0
	if s.stepsTasks > 0 {
		meanSteps = s.stepsSum / float64(s.stepsTasks)
	}

	return map[string]any{
		"success_rate": round2(successRate),
		"traces": map[string]int64{
			"total":     s.totalTraces,
			"succeeded": s.successTraces,
		},
		"tool_calls":          toolCalls,
		"tool_errors":         toolErrors,
		"tool_error_rate":     round2(toolErrorRate),
		"errors_by_type":      errorTypes,
		"mean_steps_per_task": round2(meanSteps),
		"budget": map[string]int64{
			"warnings": s.budgetWarnings,
			"exceeded": s.budgetExceeded,
		},
		"latency_ms": latencies,
	}
}

// Reset zeroes every aggregate. Intended for tests.
func (s *Signals) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.totalTraces = 0
	s.successTraces = 0
	s.toolCalls = make(map[string]int64)
	s.toolErrors = make(map[string]int64)
	s.errorTypes = make(map[string]int64)
	s.latencies = make(map[string]*window)
	s.stepsSum = 0
	s.stepsTasks = 0
	s.budgetWarnings = 0
	s.budgetExceeded = 0
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}

func attrString(attrs map[string]any, key string) (string, bool) {
	if attrs == nil {
		return "", false
	}
	v, ok := attrs[key]
	if !ok {
		return "", false
	}
	switch s := v.(type) {
	case string:
		return s, true
	case fmt.Stringer:
		return s.String(), true
	default:
		return fmt.Sprint(v), true
	}
}

func attrFloat(attrs map[string]any, key string) (float64, bool) {
	if attrs == nil {
		return 0, false
	}
	switch n := attrs[key].(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
