package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// recordingExporter captures events synchronously for assertions.
type recordingExporter struct {
	mu     sync.Mutex
	events []StructuredEvent
}

func (r *recordingExporter) Name() string { return "recording" }

func (r *recordingExporter) Export(event StructuredEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recordingExporter) Failures() uint64 { return 0 }
func (r *recordingExporter) Close() error     { return nil }

func (r *recordingExporter) recorded() []StructuredEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StructuredEvent, len(r.events))
	copy(out, r.events)
	return out
}

type failingSink struct{}

func (failingSink) Deliver(StructuredEvent) error { return errors.New("transport down") }
func (failingSink) Close() error                  { return nil }

func TestEmitBuffersAndExports(t *testing.T) {
	rec := &recordingExporter{}
	c := New(DefaultConfig(), rec)

	c.Emit(NewEvent(EventPlanCreated, "trace-1", map[string]any{AttrStepsCount: 2}))

	events := c.Events()
	require.Len(t, events, 1)
	assert.Equal(t, EventPlanCreated, events[0].EventType)
	assert.Equal(t, "trace-1", events[0].TraceID)

	exported := rec.recorded()
	require.Len(t, exported, 1)
	assert.Equal(t, EventPlanCreated, exported[0].EventType)
}

func TestEmitRedactsHandAssembledEvents(t *testing.T) {
	rec := &recordingExporter{}
	c := New(DefaultConfig(), rec)

	c.Emit(StructuredEvent{
		EventType: EventToolCallStart,
		TraceID:   "trace-1",
		Attributes: map[string]any{
			"tool":       "write_file",
			"auth_token": "leaky",
		},
	})

	events := c.Events()
	require.Len(t, events, 1)
	assert.Equal(t, RedactedValue, events[0].Attr("auth_token"))
	assert.Equal(t, "write_file", events[0].Attr("tool"))
	assert.Equal(t, StatusSuccess, events[0].Status)
	assert.NotZero(t, events[0].Timestamp)

	exported := rec.recorded()
	require.Len(t, exported, 1)
	assert.Equal(t, RedactedValue, exported[0].Attr("auth_token"))
}

func TestBatchModeExportsOnFlush(t *testing.T) {
	rec := &recordingExporter{}
	c := New(Config{BufferSize: 100, AutoExport: false}, rec)

	c.Emit(NewEvent(EventRouteDecision, "trace-1", nil))
	c.Emit(NewEvent(EventToolCallStart, "trace-1", nil))
	assert.Empty(t, rec.recorded())

	c.Flush()
	assert.Len(t, rec.recorded(), 2)

	// Already-exported events are not re-sent.
	c.Flush()
	assert.Len(t, rec.recorded(), 2)

	// Buffer stays for introspection.
	assert.Len(t, c.Events(), 2)
}

func TestBufferEvictsOldestAtCapacity(t *testing.T) {
	c := New(Config{BufferSize: 10, AutoExport: true})

	for i := 0; i < 25; i++ {
		c.Emit(NewEvent(EventToolCallStart, "trace-1", map[string]any{"index": i}))
	}

	events := c.Events()
	assert.LessOrEqual(t, len(events), 10)

	first, ok := attrFloat(events[0].Attributes, "index")
	require.True(t, ok)
	assert.Greater(t, first, 0.0)

	last, ok := attrFloat(events[len(events)-1].Attributes, "index")
	require.True(t, ok)
	assert.Equal(t, 24.0, last)
}

func TestBatchModeAutoFlushesAtCapacity(t *testing.T) {
	rec := &recordingExporter{}
	c := New(Config{BufferSize: 5, AutoExport: false}, rec)

	for i := 0; i < 5; i++ {
		c.Emit(NewEvent(EventToolCallStart, "trace-1", nil))
	}

	// Hitting capacity exports the pending run before eviction.
	assert.Len(t, rec.recorded(), 5)
	assert.Len(t, c.Events(), 4)
}

func TestStartEndTrace(t *testing.T) {
	c := New(DefaultConfig())

	c.StartTrace("trace-9", map[string]any{AttrGoal: "book travel"})
	time.Sleep(5 * time.Millisecond)
	c.EndTrace("trace-9", true)

	events := c.EventsForTrace("trace-9")
	require.Len(t, events, 2)
	assert.Equal(t, EventTraceStarted, events[0].EventType)
	assert.Equal(t, EventTraceEnded, events[1].EventType)
	assert.Equal(t, StatusSuccess, events[1].Status)
	assert.Greater(t, events[1].DurationMS, 0.0)

	assert.InDelta(t, 100.0, c.GoldenSignals().SuccessRate(), 0.001)
}

func TestEndTraceFailure(t *testing.T) {
	c := New(DefaultConfig())

	c.StartTrace("trace-10", nil)
	c.EndTrace("trace-10", false)

	events := c.EventsForTrace("trace-10")
	require.Len(t, events, 2)
	assert.Equal(t, StatusError, events[1].Status)
	assert.Zero(t, c.GoldenSignals().SuccessRate())
}

func TestEndTraceUnknownIDHasNoDuration(t *testing.T) {
	c := New(DefaultConfig())

	c.EndTrace("never-started", true)

	events := c.EventsForTrace("never-started")
	require.Len(t, events, 1)
	assert.Zero(t, events[0].DurationMS)
}

func TestEventsForTraceFilters(t *testing.T) {
	c := New(DefaultConfig())

	c.Emit(NewEvent(EventToolCallStart, "trace-a", nil))
	c.Emit(NewEvent(EventToolCallStart, "trace-b", nil))
	c.Emit(NewEvent(EventToolCallComplete, "trace-a", nil))

	forA := c.EventsForTrace("trace-a")
	require.Len(t, forA, 2)
	assert.Equal(t, EventToolCallStart, forA[0].EventType)
	assert.Equal(t, EventToolCallComplete, forA[1].EventType)
}

func TestEmitAfterShutdownIsNoop(t *testing.T) {
	c := New(DefaultConfig())
	require.NoError(t, c.Shutdown(context.Background()))

	c.Emit(NewEvent(EventToolCallStart, "trace-1", nil))
	assert.Empty(t, c.Events())

	// Second shutdown is idempotent.
	assert.NoError(t, c.Shutdown(context.Background()))
}

func TestResetMetricsClearsAggregates(t *testing.T) {
	c := New(DefaultConfig())
	c.StartTrace("trace-1", nil)
	c.EndTrace("trace-1", true)

	c.ResetMetrics()

	assert.Empty(t, c.Events())
	assert.Zero(t, c.GoldenSignals().SuccessRate())
}

func TestQueuedExporterCountsDeliveryFailures(t *testing.T) {
	exp := NewQueuedExporter("failing", failingSink{}, 4)

	exp.Export(NewEvent(EventToolCallStart, "trace-1", nil))
	require.NoError(t, exp.Close())

	assert.Equal(t, uint64(1), exp.Failures())
}

func TestQueuedExporterDropsWhenFull(t *testing.T) {
	gate := make(chan struct{})
	sink := &gatedSink{gate: gate}
	exp := NewQueuedExporter("slow", sink, 1)

	for i := 0; i < 5; i++ {
		exp.Export(NewEvent(EventToolCallStart, "trace-1", nil))
	}
	close(gate)
	require.NoError(t, exp.Close())

	assert.GreaterOrEqual(t, exp.Failures(), uint64(1))
}

type gatedSink struct {
	gate <-chan struct{}
}

func (s *gatedSink) Deliver(StructuredEvent) error {
	<-s.gate
	return nil
}

func (s *gatedSink) Close() error { return nil }

func TestConsoleExporterWritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	exp := NewConsoleExporter(&buf)

	exp.Export(NewEvent(EventPlanCreated, "trace-1", map[string]any{AttrStepsCount: 3}))
	require.NoError(t, exp.Close())

	var decoded StructuredEvent
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, EventPlanCreated, decoded.EventType)
	assert.Equal(t, "trace-1", decoded.TraceID)
}

func TestSQLiteSinkPersistsEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	sink, err := NewSQLiteSink(path)
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Deliver(NewEvent(EventToolCallComplete, "trace-1", map[string]any{AttrTool: "echo"})))
	require.NoError(t, sink.Deliver(NewEvent(EventTraceEnded, "trace-2", nil)))

	count, err := sink.EventCount("trace-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	total, err := sink.EventCount("")
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestWebhookSinkPostsJSON(t *testing.T) {
	received := make(chan StructuredEvent, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		var event StructuredEvent
		assert.NoError(t, json.Unmarshal(body, &event))
		received <- event
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, WithWebhookHeader("X-Source", "maestro"))
	require.NoError(t, sink.Deliver(NewEvent(EventBudgetWarning, "trace-1", nil)))

	select {
	case event := <-received:
		assert.Equal(t, EventBudgetWarning, event.EventType)
	case <-time.After(time.Second):
		t.Fatal("webhook not delivered")
	}
}

func TestSpanSinkEmitsSpans(t *testing.T) {
	inMemory := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(inMemory))
	sink := NewSpanSink(provider, provider.Shutdown)

	event := NewEvent(EventToolCallComplete, "trace-1", map[string]any{AttrTool: "calc"}).
		WithDuration(25 * time.Millisecond)
	require.NoError(t, sink.Deliver(event))

	spans := inMemory.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, string(EventToolCallComplete), spans[0].Name)

	require.NoError(t, sink.Close())
}

func TestPrometheusHandlerServesMetrics(t *testing.T) {
	c := New(DefaultConfig())
	c.Emit(NewEvent(EventToolCallComplete, "trace-1", map[string]any{AttrTool: "echo"}).
		WithDuration(5 * time.Millisecond))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	c.PrometheusHandler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "maestro_events_total")
	assert.Contains(t, body, "maestro_tool_calls_total")
}

func TestSingletonInitGetReset(t *testing.T) {
	defer Reset()

	first := Init(DefaultConfig())
	assert.Same(t, first, Get())

	second := Init(DefaultConfig())
	assert.NotSame(t, first, second)
	assert.Same(t, second, Get())

	Reset()
	third := Get()
	assert.NotSame(t, second, third)
}

func TestExporterFailuresSnapshot(t *testing.T) {
	exp := NewQueuedExporter("failing", failingSink{}, 4)
	c := New(DefaultConfig(), exp)

	c.Emit(NewEvent(EventToolCallStart, "trace-1", nil))
	require.NoError(t, c.Shutdown(context.Background()))

	failures := c.ExporterFailures()
	assert.Equal(t, uint64(1), failures["failing"])
}

func TestSnapshotIsJSONEncodable(t *testing.T) {
	c := New(DefaultConfig())
	c.StartTrace("trace-1", nil)
	c.EndTrace("trace-1", true)

	data, err := json.Marshal(c.Snapshot())
	require.NoError(t, err)
	assert.Contains(t, string(data), "success_rate")
}

func TestEmitConcurrently(t *testing.T) {
	c := New(Config{BufferSize: 10_000, AutoExport: true})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				c.Emit(NewEvent(EventToolCallStart, fmt.Sprintf("trace-%d", g), nil))
			}
		}(g)
	}
	wg.Wait()

	assert.Len(t, c.Events(), 400)
}
