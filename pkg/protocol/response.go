package protocol

import (
	"fmt"
	"time"
)

// Status is the outcome discriminator of an AgentResponse.
type Status string

const (
	StatusSuccess   Status = "SUCCESS"
	StatusError     Status = "ERROR"
	StatusPartial   Status = "PARTIAL"
	StatusPending   Status = "PENDING"
	StatusCancelled Status = "CANCELLED"
)

// TraceEntry is one event record in a response trace. Entries always carry
// at least "event" and "trace_id".
type TraceEntry map[string]any

// NewTraceEntry builds a trace entry for the given event name and trace id.
// Extra attribute maps are merged in order.
func NewTraceEntry(event, traceID string, extra ...map[string]any) TraceEntry {
	entry := TraceEntry{
		"event":    event,
		"trace_id": traceID,
	}
	for _, m := range extra {
		for k, v := range m {
			entry[k] = v
		}
	}
	return entry
}

// AgentResponse is the canonical outbound message produced by every agent.
type AgentResponse struct {
	Status    Status         `json:"status"`
	Result    any            `json:"result,omitempty"`
	Error     *AgentError    `json:"error,omitempty"`
	Trace     []TraceEntry   `json:"trace,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// NewSuccessResponse builds a SUCCESS response around a result value.
func NewSuccessResponse(result any) AgentResponse {
	return AgentResponse{
		Status:    StatusSuccess,
		Result:    result,
		Timestamp: nowUTC(),
	}
}

// NewErrorResponse builds an ERROR response around an AgentError.
func NewErrorResponse(err *AgentError) AgentResponse {
	return AgentResponse{
		Status:    StatusError,
		Error:     err,
		Timestamp: nowUTC(),
	}
}

// NewCancelledResponse builds a CANCELLED response.
func NewCancelledResponse() AgentResponse {
	return AgentResponse{
		Status:    StatusCancelled,
		Timestamp: nowUTC(),
	}
}

// WithTrace returns a copy of the response carrying the given trace.
func (r AgentResponse) WithTrace(trace []TraceEntry) AgentResponse {
	r.Trace = trace
	return r
}

// WithMetadata returns a copy of the response with one metadata entry set.
func (r AgentResponse) WithMetadata(key string, value any) AgentResponse {
	md := make(map[string]any, len(r.Metadata)+1)
	for k, v := range r.Metadata {
		md[k] = v
	}
	md[key] = value
	r.Metadata = md
	return r
}

// Validate enforces the response invariants: SUCCESS requires a result,
// ERROR requires an error value, and the timestamp must be set.
func (r AgentResponse) Validate() error {
	switch r.Status {
	case StatusSuccess:
		if r.Result == nil {
			return fmt.Errorf("SUCCESS response requires a result")
		}
	case StatusError:
		if r.Error == nil {
			return fmt.Errorf("ERROR response requires an error")
		}
	case StatusPartial, StatusPending, StatusCancelled:
	default:
		return fmt.Errorf("unknown response status %q", r.Status)
	}
	if r.Timestamp == "" {
		return fmt.Errorf("response timestamp must be set")
	}
	return nil
}

func nowUTC() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
