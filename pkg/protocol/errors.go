package protocol

import "fmt"

// ErrorType classifies an AgentError for propagation decisions.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeExecution  ErrorType = "EXECUTION"
	ErrorTypeTimeout    ErrorType = "TIMEOUT"
	ErrorTypeResource   ErrorType = "RESOURCE"
	ErrorTypePermission ErrorType = "PERMISSION"
	ErrorTypeNetwork    ErrorType = "NETWORK"
	ErrorTypeUnknown    ErrorType = "UNKNOWN"
)

// AgentError is the uniform error value carried by ERROR responses. It is
// treated as immutable after construction.
type AgentError struct {
	Type         ErrorType         `json:"type"`
	Message      string            `json:"message"`
	Details      map[string]any    `json:"details,omitempty"`
	Recoverable  bool              `json:"recoverable"`
	RetryAfter   float64           `json:"retry_after,omitempty"`
	TraceContext map[string]string `json:"trace_context,omitempty"`
}

// NewAgentError creates an error of the given type. Recoverable defaults to
// false; use the chaining helpers to flip it or attach details.
func NewAgentError(errType ErrorType, message string) *AgentError {
	return &AgentError{
		Type:    errType,
		Message: message,
	}
}

// Error implements the error interface.
func (e *AgentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// WithDetails returns a copy carrying the given detail entries.
func (e *AgentError) WithDetails(details map[string]any) *AgentError {
	out := *e
	out.Details = make(map[string]any, len(details))
	for k, v := range details {
		out.Details[k] = v
	}
	return &out
}

// WithRecoverable returns a copy with the recoverable hint set.
func (e *AgentError) WithRecoverable(recoverable bool) *AgentError {
	out := *e
	out.Recoverable = recoverable
	return &out
}

// WithRetryAfter returns a copy advising callers to wait the given number of
// seconds before retrying.
func (e *AgentError) WithRetryAfter(seconds float64) *AgentError {
	out := *e
	out.RetryAfter = seconds
	return &out
}

// WithTraceContext returns a copy carrying trace correlation entries.
func (e *AgentError) WithTraceContext(tc map[string]string) *AgentError {
	out := *e
	out.TraceContext = make(map[string]string, len(tc))
	for k, v := range tc {
		out.TraceContext[k] = v
	}
	return &out
}

// AsAgentError converts an arbitrary error to an AgentError. Errors that
// already are AgentErrors pass through unchanged; anything else becomes an
// EXECUTION error with the original message.
func AsAgentError(err error) *AgentError {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*AgentError); ok {
		return ae
	}
	return NewAgentError(ErrorTypeExecution, err.Error())
}
