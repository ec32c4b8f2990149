// Package observability collects structured events from every stage of a
// run, aggregates golden signals over them, and fans them out to pluggable
// exporters. The collector is a process-wide singleton with an explicit
// init/shutdown pair so tests can swap it out.
//
// Attribute maps are redacted before an event is stored or exported; see
// Redact for the key rules.
package observability

import (
	"time"
)

// EventType identifies what happened. The set below is closed; emitters
// must not invent ad-hoc types.
type EventType string

const (
	EventPlanCreated       EventType = "plan_created"
	EventRouteDecision     EventType = "route_decision"
	EventToolCallStart     EventType = "tool_call_start"
	EventToolCallComplete  EventType = "tool_call_complete"
	EventToolCallError     EventType = "tool_call_error"
	EventBudgetWarning     EventType = "budget_warning"
	EventBudgetExceeded    EventType = "budget_exceeded"
	EventBudgetUpdated     EventType = "budget_updated"
	EventApprovalRequested EventType = "approval_requested"
	EventApprovalReceived  EventType = "approval_received"
	EventApprovalTimeout   EventType = "approval_timeout"
	EventMemoryUpdated     EventType = "memory_updated"
	EventErrorOccurred     EventType = "error_occurred"
	EventTraceStarted      EventType = "trace_started"
	EventTraceEnded        EventType = "trace_ended"
)

// EventStatus is the coarse outcome attached to an event.
type EventStatus string

const (
	StatusSuccess EventStatus = "success"
	StatusError   EventStatus = "error"
	StatusWarning EventStatus = "warning"
)

// Well-known attribute keys. Signal aggregation keys off these, so
// emitters should prefer them over free-form names.
const (
	AttrTool       = "tool"
	AttrStep       = "step"
	AttrStage      = "stage"
	AttrTarget     = "target"
	AttrDecision   = "decision"
	AttrErrorType  = "error_type"
	AttrStepsCount = "steps_count"
	AttrProfile    = "profile"
	AttrGoal       = "goal"
)

// StructuredEvent is the unit the collector ingests. Timestamp is Unix
// nanoseconds. Attributes are redacted at construction; emit-side
// redaction runs again so hand-built events cannot leak either.
type StructuredEvent struct {
	EventType    EventType      `json:"event_type"`
	TraceID      string         `json:"trace_id"`
	Timestamp    int64          `json:"timestamp"`
	Status       EventStatus    `json:"status"`
	Attributes   map[string]any `json:"attributes,omitempty"`
	DurationMS   float64        `json:"duration_ms,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// NewEvent builds an event stamped now with status success. attrs may be
// nil; when present it is redacted and copied, never aliased.
func NewEvent(eventType EventType, traceID string, attrs map[string]any) StructuredEvent {
	return StructuredEvent{
		EventType:  eventType,
		TraceID:    traceID,
		Timestamp:  time.Now().UnixNano(),
		Status:     StatusSuccess,
		Attributes: Redact(attrs),
	}
}

// WithStatus returns a copy with the given status.
func (e StructuredEvent) WithStatus(status EventStatus) StructuredEvent {
	e.Status = status
	return e
}

// WithDuration returns a copy carrying the elapsed time in milliseconds.
func (e StructuredEvent) WithDuration(d time.Duration) StructuredEvent {
	e.DurationMS = float64(d) / float64(time.Millisecond)
	return e
}

// WithError returns a copy with status error and the error's message. A
// nil error leaves the event unchanged.
func (e StructuredEvent) WithError(err error) StructuredEvent {
	if err == nil {
		return e
	}
	e.Status = StatusError
	e.ErrorMessage = err.Error()
	return e
}

// WithAttr returns a copy with one attribute added, redacting on the way
// in. The original attribute map is not mutated.
func (e StructuredEvent) WithAttr(key string, value any) StructuredEvent {
	attrs := make(map[string]any, len(e.Attributes)+1)
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	if SensitiveKey(key) {
		attrs[key] = RedactedValue
	} else {
		attrs[key] = redactValue(value)
	}
	e.Attributes = attrs
	return e
}

// Attr returns a named attribute, nil when absent.
func (e StructuredEvent) Attr(key string) any {
	if e.Attributes == nil {
		return nil
	}
	return e.Attributes[key]
}
