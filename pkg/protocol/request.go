package protocol

import (
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
)

// RequestMetadata carries the routing and policy attributes of a request.
type RequestMetadata struct {
	TraceID        string            `json:"trace_id" mapstructure:"trace_id"`
	Profile        string            `json:"profile,omitempty" mapstructure:"profile"`
	Priority       int               `json:"priority,omitempty" mapstructure:"priority"`
	TimeoutSeconds float64           `json:"timeout_seconds,omitempty" mapstructure:"timeout_seconds"`
	ParentContext  map[string]string `json:"parent_context,omitempty" mapstructure:"parent_context"`
	Tags           []string          `json:"tags,omitempty" mapstructure:"tags"`
}

// Timeout returns the end-to-end deadline as a duration, zero when unset.
func (m RequestMetadata) Timeout() time.Duration {
	if m.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(m.TimeoutSeconds * float64(time.Second))
}

// AgentRequest is the canonical inbound message accepted by every agent.
// It is immutable once built; Validate enforces the construction rules.
type AgentRequest struct {
	Goal           string          `json:"goal" mapstructure:"goal"`
	Task           string          `json:"task" mapstructure:"task"`
	Metadata       RequestMetadata `json:"metadata" mapstructure:"metadata"`
	Inputs         map[string]any  `json:"inputs,omitempty" mapstructure:"inputs"`
	Context        map[string]any  `json:"context,omitempty" mapstructure:"context"`
	Constraints    []string        `json:"constraints,omitempty" mapstructure:"constraints"`
	ExpectedOutput string          `json:"expected_output,omitempty" mapstructure:"expected_output"`
}

// Validate checks the invariants of a request: non-empty goal and task, a
// trace id, and a priority within [0, 10].
func (r AgentRequest) Validate() error {
	if r.Goal == "" {
		return fmt.Errorf("request goal must not be empty")
	}
	if r.Task == "" {
		return fmt.Errorf("request task must not be empty")
	}
	if r.Metadata.TraceID == "" {
		return fmt.Errorf("request metadata must carry a trace id")
	}
	if r.Metadata.Priority < 0 || r.Metadata.Priority > 10 {
		return fmt.Errorf("request priority %d out of range [0, 10]", r.Metadata.Priority)
	}
	return nil
}

// ToMap renders the request as a plain map, preserving value types. The
// result feeds FromMap losslessly.
func (r AgentRequest) ToMap() map[string]any {
	md := map[string]any{
		"trace_id": r.Metadata.TraceID,
	}
	if r.Metadata.Profile != "" {
		md["profile"] = r.Metadata.Profile
	}
	if r.Metadata.Priority != 0 {
		md["priority"] = r.Metadata.Priority
	}
	if r.Metadata.TimeoutSeconds != 0 {
		md["timeout_seconds"] = r.Metadata.TimeoutSeconds
	}
	if len(r.Metadata.ParentContext) > 0 {
		md["parent_context"] = r.Metadata.ParentContext
	}
	if len(r.Metadata.Tags) > 0 {
		md["tags"] = r.Metadata.Tags
	}

	out := map[string]any{
		"goal":     r.Goal,
		"task":     r.Task,
		"metadata": md,
	}
	if len(r.Inputs) > 0 {
		out["inputs"] = r.Inputs
	}
	if len(r.Context) > 0 {
		out["context"] = r.Context
	}
	if len(r.Constraints) > 0 {
		out["constraints"] = r.Constraints
	}
	if r.ExpectedOutput != "" {
		out["expected_output"] = r.ExpectedOutput
	}
	return out
}

// RequestFromMap decodes a request from its map form and validates it.
func RequestFromMap(m map[string]any) (AgentRequest, error) {
	var req AgentRequest
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  &req,
		TagName: "mapstructure",
	})
	if err != nil {
		return AgentRequest{}, fmt.Errorf("building request decoder: %w", err)
	}
	if err := dec.Decode(m); err != nil {
		return AgentRequest{}, fmt.Errorf("decoding request: %w", err)
	}
	if err := req.Validate(); err != nil {
		return AgentRequest{}, err
	}
	return req, nil
}
