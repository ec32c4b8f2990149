package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Metrics exposes the collector's counters and histograms as Prometheus
// text. Every instance carries its own registry so init/reset cycles in
// tests never trip duplicate registration.
type Metrics struct {
	registry *prometheus.Registry
	provider *sdkmetric.MeterProvider

	events         metric.Int64Counter
	toolCalls      metric.Int64Counter
	toolErrors     metric.Int64Counter
	toolDuration   metric.Float64Histogram
	taskDuration   metric.Float64Histogram
	planSteps      metric.Int64Histogram
	budgetWarnings metric.Int64Counter
	budgetExceeded metric.Int64Counter
	approvals      metric.Int64Counter
}

func NewMetrics() (*Metrics, error) {
	registry := prometheus.NewRegistry()

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("maestro")

	m := &Metrics{registry: registry, provider: provider}

	if m.events, err = meter.Int64Counter(
		"maestro_events_total",
		metric.WithDescription("Structured events ingested by the collector"),
	); err != nil {
		return nil, fmt.Errorf("creating events counter: %w", err)
	}

	if m.toolCalls, err = meter.Int64Counter(
		"maestro_tool_calls_total",
		metric.WithDescription("Completed tool invocations"),
	); err != nil {
		return nil, fmt.Errorf("creating tool calls counter: %w", err)
	}

	if m.toolErrors, err = meter.Int64Counter(
		"maestro_tool_errors_total",
		metric.WithDescription("Failed tool invocations"),
	); err != nil {
		return nil, fmt.Errorf("creating tool errors counter: %w", err)
	}

	if m.toolDuration, err = meter.Float64Histogram(
		"maestro_tool_duration_seconds",
		metric.WithDescription("Tool invocation duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("creating tool duration histogram: %w", err)
	}

	if m.taskDuration, err = meter.Float64Histogram(
		"maestro_task_duration_seconds",
		metric.WithDescription("End-to-end run duration in seconds"),
	); err != nil {
		return nil, fmt.Errorf("creating task duration histogram: %w", err)
	}

	if m.planSteps, err = meter.Int64Histogram(
		"maestro_plan_steps",
		metric.WithDescription("Steps per created plan"),
	); err != nil {
		return nil, fmt.Errorf("creating plan steps histogram: %w", err)
	}

	if m.budgetWarnings, err = meter.Int64Counter(
		"maestro_budget_warnings_total",
		metric.WithDescription("Budget warning threshold crossings"),
	); err != nil {
		return nil, fmt.Errorf("creating budget warnings counter: %w", err)
	}

	if m.budgetExceeded, err = meter.Int64Counter(
		"maestro_budget_exceeded_total",
		metric.WithDescription("Budget ceiling refusals"),
	); err != nil {
		return nil, fmt.Errorf("creating budget exceeded counter: %w", err)
	}

	if m.approvals, err = meter.Int64Counter(
		"maestro_approval_decisions_total",
		metric.WithDescription("Approval gate outcomes"),
	); err != nil {
		return nil, fmt.Errorf("creating approvals counter: %w", err)
	}

	return m, nil
}

// Observe records the Prometheus-side view of one event. Safe on a nil
// receiver and with partially constructed instruments.
func (m *Metrics) Observe(ctx context.Context, e StructuredEvent) {
	if m == nil || m.events == nil {
		return
	}

	m.events.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", string(e.EventType)),
		attribute.String("status", string(e.Status)),
	))

	switch e.EventType {
	case EventToolCallComplete:
		tool, _ := attrString(e.Attributes, AttrTool)
		attrs := metric.WithAttributes(attribute.String("tool", tool))
		m.toolCalls.Add(ctx, 1, attrs)
		if e.DurationMS > 0 {
			m.toolDuration.Record(ctx, e.DurationMS/1000, attrs)
		}

	case EventToolCallError:
		tool, _ := attrString(e.Attributes, AttrTool)
		errType, _ := attrString(e.Attributes, AttrErrorType)
		m.toolCalls.Add(ctx, 1, metric.WithAttributes(attribute.String("tool", tool)))
		m.toolErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("error_type", errType),
		))

	case EventPlanCreated:
		if n, ok := attrFloat(e.Attributes, AttrStepsCount); ok {
			m.planSteps.Record(ctx, int64(n))
		}

	case EventBudgetWarning:
		m.budgetWarnings.Add(ctx, 1)

	case EventBudgetExceeded:
		m.budgetExceeded.Add(ctx, 1)

	case EventApprovalReceived:
		decision, _ := attrString(e.Attributes, AttrDecision)
		m.approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", decision)))

	case EventApprovalTimeout:
		m.approvals.Add(ctx, 1, metric.WithAttributes(attribute.String("decision", "timeout")))

	case EventTraceEnded:
		if e.DurationMS > 0 {
			m.taskDuration.Record(ctx, e.DurationMS/1000, metric.WithAttributes(
				attribute.String("status", string(e.Status)),
			))
		}
	}
}

// Handler serves this instance's registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil || m.provider == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
