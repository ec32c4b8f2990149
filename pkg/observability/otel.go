package observability

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracerConfig selects the span backend. With no endpoint, spans go to
// the given writer as stdout-format JSON, keeping the pipeline fully
// offline.
type TracerConfig struct {
	Enabled      bool
	Endpoint     string
	SamplingRate float64
	ServiceName  string
	Writer       io.Writer
}

// InitTracer builds a tracer provider per the config and installs it as
// the process default. Disabled config yields a noop provider.
func InitTracer(ctx context.Context, cfg TracerConfig) (trace.TracerProvider, error) {
	if !cfg.Enabled {
		return noop.NewTracerProvider(), nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "maestro"
	}
	if cfg.SamplingRate <= 0 {
		cfg.SamplingRate = 1.0
	}

	var exporter sdktrace.SpanExporter
	var err error
	if cfg.Endpoint != "" {
		exporter, err = otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, fmt.Errorf("creating OTLP exporter: %w", err)
		}
	} else {
		var opts []stdouttrace.Option
		if cfg.Writer != nil {
			opts = append(opts, stdouttrace.WithWriter(cfg.Writer))
		}
		exporter, err = stdouttrace.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("creating stdout exporter: %w", err)
		}
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(cfg.SamplingRate)),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	return tp, nil
}

// SpanSink renders each event as a zero-or-short-duration span on the
// given tracer, which carries it to whatever backend the provider was
// initialized with.
type SpanSink struct {
	tracer   trace.Tracer
	shutdown func(context.Context) error
}

// NewSpanSink wraps a provider. shutdown may be nil when the sink does
// not own the provider's lifecycle.
func NewSpanSink(provider trace.TracerProvider, shutdown func(context.Context) error) *SpanSink {
	return &SpanSink{
		tracer:   provider.Tracer("maestro/observability"),
		shutdown: shutdown,
	}
}

func (s *SpanSink) Deliver(event StructuredEvent) error {
	start := time.Unix(0, event.Timestamp)
	if event.DurationMS > 0 {
		start = start.Add(-time.Duration(event.DurationMS * float64(time.Millisecond)))
	}

	attrs := []attribute.KeyValue{
		attribute.String("maestro.trace_id", event.TraceID),
		attribute.String("maestro.status", string(event.Status)),
	}
	for k, v := range event.Attributes {
		attrs = append(attrs, attribute.String("maestro.attr."+k, fmt.Sprint(v)))
	}

	_, span := s.tracer.Start(context.Background(), string(event.EventType),
		trace.WithTimestamp(start),
		trace.WithAttributes(attrs...),
	)
	if event.ErrorMessage != "" {
		span.SetAttributes(attribute.String("maestro.error", event.ErrorMessage))
	}
	span.End(trace.WithTimestamp(time.Unix(0, event.Timestamp)))
	return nil
}

func (s *SpanSink) Close() error {
	if s.shutdown == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.shutdown(ctx)
}

// NewOTLPExporter initializes a tracer provider for cfg and returns a
// queued exporter that ships every event as a span.
func NewOTLPExporter(ctx context.Context, cfg TracerConfig) (Exporter, error) {
	cfg.Enabled = true
	provider, err := InitTracer(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var shutdown func(context.Context) error
	if sdk, ok := provider.(*sdktrace.TracerProvider); ok {
		shutdown = sdk.Shutdown
	}
	return NewQueuedExporter("otlp", NewSpanSink(provider, shutdown), DefaultQueueSize), nil
}
