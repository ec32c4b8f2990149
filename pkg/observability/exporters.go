package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize bounds an exporter's internal queue. Events beyond it
// are dropped and counted as failures rather than blocking the collector.
const DefaultQueueSize = 256

// Exporter receives every event the collector accepts. Export must return
// immediately; delivery happens on the exporter's own goroutine. Failures
// are swallowed and counted, never raised back into the collector.
type Exporter interface {
	Name() string
	Export(event StructuredEvent)
	Failures() uint64
	Close() error
}

// Sink is the delivery half of a queued exporter. Deliver runs on the
// exporter goroutine and may block; its errors increment the failure
// counter.
type Sink interface {
	Deliver(event StructuredEvent) error
	Close() error
}

type queuedExporter struct {
	name      string
	sink      Sink
	queue     chan StructuredEvent
	done      chan struct{}
	failures  atomic.Uint64
	closeOnce sync.Once
}

// NewQueuedExporter wraps a sink with a bounded queue and a single drain
// goroutine. size <= 0 uses DefaultQueueSize.
func NewQueuedExporter(name string, sink Sink, size int) Exporter {
	if size <= 0 {
		size = DefaultQueueSize
	}
	q := &queuedExporter{
		name:  name,
		sink:  sink,
		queue: make(chan StructuredEvent, size),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *queuedExporter) Name() string { return q.name }

func (q *queuedExporter) Export(event StructuredEvent) {
	defer func() {
		// Export after Close sends on a closed channel; swallow it and
		// count the event as dropped.
		if recover() != nil {
			q.failures.Add(1)
		}
	}()
	select {
	case q.queue <- event:
	default:
		q.failures.Add(1)
	}
}

func (q *queuedExporter) run() {
	defer close(q.done)
	for event := range q.queue {
		if err := q.sink.Deliver(event); err != nil {
			q.failures.Add(1)
			slog.Debug("exporter delivery failed",
				"exporter", q.name,
				"event_type", event.EventType,
				"error", err)
		}
	}
}

func (q *queuedExporter) Failures() uint64 {
	return q.failures.Load()
}

// Close drains queued events, then closes the sink.
func (q *queuedExporter) Close() error {
	var err error
	q.closeOnce.Do(func() {
		close(q.queue)
		<-q.done
		err = q.sink.Close()
	})
	return err
}

// ConsoleSink writes one JSON line per event. It is the offline default:
// correctness never depends on a network endpoint being up.
type ConsoleSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewConsoleSink(w io.Writer) *ConsoleSink {
	if w == nil {
		w = os.Stdout
	}
	return &ConsoleSink{w: w}
}

func (c *ConsoleSink) Deliver(event StructuredEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encoding event: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := fmt.Fprintln(c.w, string(data)); err != nil {
		return fmt.Errorf("writing event: %w", err)
	}
	return nil
}

func (c *ConsoleSink) Close() error { return nil }

// NewConsoleExporter is a queued exporter over a ConsoleSink. A nil
// writer goes to stdout.
func NewConsoleExporter(w io.Writer) Exporter {
	return NewQueuedExporter("console", NewConsoleSink(w), DefaultQueueSize)
}
