package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// DefaultBufferSize bounds the collector's in-memory event buffer.
const DefaultBufferSize = 1000

type Config struct {
	// BufferSize caps the in-memory event buffer; at capacity the oldest
	// tenth is evicted after pending events are flushed.
	BufferSize int
	// AutoExport streams each event to exporters on emit. When false,
	// events accumulate until Flush or the buffer reaches capacity.
	AutoExport bool
}

func DefaultConfig() Config {
	return Config{BufferSize: DefaultBufferSize, AutoExport: true}
}

// Collector ingests structured events, maintains golden signals and
// Prometheus metrics over them, and fans them out to exporters. All entry
// points are safe for concurrent use and never propagate exporter
// failures to callers.
type Collector struct {
	mu        sync.Mutex
	cfg       Config
	buffer    []StructuredEvent
	exported  int
	signals   *Signals
	metrics   *Metrics
	exporters []Exporter
	traces    map[string]time.Time
	closed    bool
}

// New builds a collector. A metrics backend that fails to initialize is
// logged and skipped rather than failing the whole pipeline.
func New(cfg Config, exporters ...Exporter) *Collector {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	metrics, err := NewMetrics()
	if err != nil {
		slog.Error("prometheus metrics unavailable", "error", err)
		metrics = nil
	}
	return &Collector{
		cfg:       cfg,
		signals:   NewSignals(),
		metrics:   metrics,
		exporters: exporters,
		traces:    make(map[string]time.Time),
	}
}

// Emit ingests one event: redacts its attributes, buffers it, folds it
// into the signals and metrics, and fans it out per AutoExport. Emitting
// on a closed collector is a silent no-op.
func (c *Collector) Emit(event StructuredEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}

	// Redaction runs here even though NewEvent already redacts, so a
	// hand-assembled event cannot leak a sensitive value.
	event.Attributes = Redact(event.Attributes)
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixNano()
	}
	if event.Status == "" {
		event.Status = StatusSuccess
	}

	c.buffer = append(c.buffer, event)
	c.signals.Observe(event)
	c.metrics.Observe(context.Background(), event)

	if c.cfg.AutoExport {
		for _, exp := range c.exporters {
			exp.Export(event)
		}
		c.exported = len(c.buffer)
	}

	if len(c.buffer) >= c.cfg.BufferSize {
		c.flushLocked()
		c.evictLocked()
	}
}

// StartTrace records the wall-clock start for a trace and emits
// trace_started.
func (c *Collector) StartTrace(traceID string, attrs map[string]any) {
	c.mu.Lock()
	if !c.closed {
		c.traces[traceID] = time.Now()
	}
	c.mu.Unlock()
	c.Emit(NewEvent(EventTraceStarted, traceID, attrs))
}

// EndTrace closes out a trace, emitting trace_ended with the end-to-end
// duration. Unknown trace ids still emit, without a duration.
func (c *Collector) EndTrace(traceID string, success bool) {
	c.mu.Lock()
	started, known := c.traces[traceID]
	delete(c.traces, traceID)
	c.mu.Unlock()

	event := NewEvent(EventTraceEnded, traceID, nil)
	if !success {
		event = event.WithStatus(StatusError)
	}
	if known {
		event = event.WithDuration(time.Since(started))
	}
	c.Emit(event)
}

// Flush fans out any events not yet exported. The buffer is retained for
// introspection; only the export watermark advances.
func (c *Collector) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

func (c *Collector) flushLocked() {
	for _, event := range c.buffer[c.exported:] {
		for _, exp := range c.exporters {
			exp.Export(event)
		}
	}
	c.exported = len(c.buffer)
}

func (c *Collector) evictLocked() {
	n := len(c.buffer) / 10
	if n < 1 {
		n = 1
	}
	remaining := make([]StructuredEvent, len(c.buffer)-n)
	copy(remaining, c.buffer[n:])
	c.buffer = remaining
	c.exported -= n
	if c.exported < 0 {
		c.exported = 0
	}
}

// Events returns a copy of the buffered events in emission order.
func (c *Collector) Events() []StructuredEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]StructuredEvent, len(c.buffer))
	copy(out, c.buffer)
	return out
}

// EventsForTrace filters the buffer to one trace, preserving order.
func (c *Collector) EventsForTrace(traceID string) []StructuredEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []StructuredEvent
	for _, event := range c.buffer {
		if event.TraceID == traceID {
			out = append(out, event)
		}
	}
	return out
}

// GoldenSignals exposes the live aggregates.
func (c *Collector) GoldenSignals() *Signals {
	return c.signals
}

// Snapshot is the JSON-ready view of the golden signals.
func (c *Collector) Snapshot() map[string]any {
	return c.signals.Snapshot()
}

// PrometheusHandler serves this collector's metrics registry.
func (c *Collector) PrometheusHandler() http.Handler {
	return c.metrics.Handler()
}

// ExporterFailures reports each exporter's dropped/failed delivery count.
func (c *Collector) ExporterFailures() map[string]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]uint64, len(c.exporters))
	for _, exp := range c.exporters {
		out[exp.Name()] = exp.Failures()
	}
	return out
}

// ResetMetrics zeroes the signal aggregates and drops buffered events.
// Prometheus counters are monotonic and left alone.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	c.buffer = nil
	c.exported = 0
	c.mu.Unlock()
	c.signals.Reset()
}

// Shutdown flushes pending events, closes every exporter and the metrics
// provider, and marks the collector closed. Later Emits are no-ops.
// Errors are aggregated for logging; shutdown itself never panics.
func (c *Collector) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.flushLocked()
	c.closed = true
	exporters := c.exporters
	c.mu.Unlock()

	var firstErr error
	for _, exp := range exporters {
		if err := exp.Close(); err != nil {
			slog.Warn("exporter close failed", "exporter", exp.Name(), "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("closing %s exporter: %w", exp.Name(), err)
			}
		}
	}
	if err := c.metrics.Shutdown(ctx); err != nil {
		slog.Warn("metrics shutdown failed", "error", err)
		if firstErr == nil {
			firstErr = fmt.Errorf("shutting down metrics: %w", err)
		}
	}
	return firstErr
}

var (
	globalMu sync.Mutex
	global   *Collector
)

// Init installs a fresh collector as the process singleton, shutting down
// any previous one. Tests use Init/Reset to run against an isolated
// instance.
func Init(cfg Config, exporters ...Exporter) *Collector {
	c := New(cfg, exporters...)
	globalMu.Lock()
	prev := global
	global = c
	globalMu.Unlock()
	shutdownPrevious(prev)
	return c
}

// Get returns the process collector, lazily creating a default one with
// no exporters. Callers that want exporters attach them via Init.
func Get() *Collector {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		global = New(DefaultConfig())
	}
	return global
}

// Reset shuts down and discards the process collector. The next Get
// starts from a clean slate.
func Reset() {
	globalMu.Lock()
	prev := global
	global = nil
	globalMu.Unlock()
	shutdownPrevious(prev)
}

func shutdownPrevious(prev *Collector) {
	if prev == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := prev.Shutdown(ctx); err != nil {
		slog.Warn("previous collector shutdown failed", "error", err)
	}
}
