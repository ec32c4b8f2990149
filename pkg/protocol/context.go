package protocol

import "encoding/json"

// ExecutionContext is the immutable per-request context threaded through
// planning, routing, tool execution, memory writes, and every emitted event.
// It is constructed once at request entry; derived contexts are produced by
// the With* methods, which always return a new value. Because it is never
// mutated after creation it is safe to share across goroutines without locks.
type ExecutionContext struct {
	traceID        string
	requestID      string
	userID         string
	memoryScope    string
	conversationID string
	sessionID      string
	profile        string
	metadata       map[string]string
	parent         *ExecutionContext
}

// DefaultProfile is the isolation scope used when none is specified.
const DefaultProfile = "default"

// NewExecutionContext creates a context for the given trace id with the
// default profile. The trace id is required and must be unique per request;
// callers that have none should generate one before constructing the context.
func NewExecutionContext(traceID string) ExecutionContext {
	return ExecutionContext{
		traceID: traceID,
		profile: DefaultProfile,
	}
}

// TraceID returns the trace id propagated to every event of this request.
func (c ExecutionContext) TraceID() string { return c.traceID }

// RequestID returns the caller-supplied request id, if any.
func (c ExecutionContext) RequestID() string { return c.requestID }

// UserID returns the requesting user id, if any.
func (c ExecutionContext) UserID() string { return c.userID }

// MemoryScope returns the memory scope key, if any.
func (c ExecutionContext) MemoryScope() string { return c.memoryScope }

// ConversationID returns the conversation id, if any.
func (c ExecutionContext) ConversationID() string { return c.conversationID }

// SessionID returns the session id, if any.
func (c ExecutionContext) SessionID() string { return c.sessionID }

// Profile returns the isolation profile, never empty.
func (c ExecutionContext) Profile() string {
	if c.profile == "" {
		return DefaultProfile
	}
	return c.profile
}

// Parent returns the parent context for nested orchestrations, or nil.
func (c ExecutionContext) Parent() *ExecutionContext { return c.parent }

// Metadata returns the value for a metadata key.
func (c ExecutionContext) Metadata(key string) (string, bool) {
	v, ok := c.metadata[key]
	return v, ok
}

// MetadataMap returns a copy of all metadata entries.
func (c ExecutionContext) MetadataMap() map[string]string {
	out := make(map[string]string, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}

// WithRequestID derives a context with the given request id.
func (c ExecutionContext) WithRequestID(id string) ExecutionContext {
	c.requestID = id
	return c
}

// WithUserID derives a context with the given user id.
func (c ExecutionContext) WithUserID(id string) ExecutionContext {
	c.userID = id
	return c
}

// WithMemoryScope derives a context with the given memory scope.
func (c ExecutionContext) WithMemoryScope(scope string) ExecutionContext {
	c.memoryScope = scope
	return c
}

// WithConversationID derives a context with the given conversation id.
func (c ExecutionContext) WithConversationID(id string) ExecutionContext {
	c.conversationID = id
	return c
}

// WithSessionID derives a context with the given session id.
func (c ExecutionContext) WithSessionID(id string) ExecutionContext {
	c.sessionID = id
	return c
}

// WithProfile derives a context bound to the given isolation profile.
func (c ExecutionContext) WithProfile(profile string) ExecutionContext {
	if profile == "" {
		profile = DefaultProfile
	}
	c.profile = profile
	return c
}

// WithMetadata derives a context with one metadata entry added. The
// receiver's metadata map is copied, never aliased.
func (c ExecutionContext) WithMetadata(key, value string) ExecutionContext {
	md := make(map[string]string, len(c.metadata)+1)
	for k, v := range c.metadata {
		md[k] = v
	}
	md[key] = value
	c.metadata = md
	return c
}

// Child derives a context for a nested orchestration. The child carries its
// own trace id and records the receiver as its parent; profile and identity
// fields are inherited.
func (c ExecutionContext) Child(traceID string) ExecutionContext {
	parent := c
	child := c
	child.traceID = traceID
	child.parent = &parent
	return child
}

// contextJSON is the serialized face of an ExecutionContext as it appears in
// stage events and response traces.
type contextJSON struct {
	TraceID        string            `json:"trace_id"`
	RequestID      string            `json:"request_id,omitempty"`
	UserID         string            `json:"user_id,omitempty"`
	MemoryScope    string            `json:"memory_scope,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	SessionID      string            `json:"session_id,omitempty"`
	Profile        string            `json:"profile"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Parent         *contextJSON      `json:"parent,omitempty"`
}

func (c ExecutionContext) toJSON() *contextJSON {
	out := &contextJSON{
		TraceID:        c.traceID,
		RequestID:      c.requestID,
		UserID:         c.userID,
		MemoryScope:    c.memoryScope,
		ConversationID: c.conversationID,
		SessionID:      c.sessionID,
		Profile:        c.Profile(),
	}
	if len(c.metadata) > 0 {
		out.Metadata = c.MetadataMap()
	}
	if c.parent != nil {
		out.Parent = c.parent.toJSON()
	}
	return out
}

// MarshalJSON serializes the context for event payloads.
func (c ExecutionContext) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.toJSON())
}

// UnmarshalJSON rebuilds a context from its serialized form.
func (c *ExecutionContext) UnmarshalJSON(data []byte) error {
	var raw contextJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = fromJSON(&raw)
	return nil
}

func fromJSON(raw *contextJSON) ExecutionContext {
	ctx := ExecutionContext{
		traceID:        raw.TraceID,
		requestID:      raw.RequestID,
		userID:         raw.UserID,
		memoryScope:    raw.MemoryScope,
		conversationID: raw.ConversationID,
		sessionID:      raw.SessionID,
		profile:        raw.Profile,
	}
	if len(raw.Metadata) > 0 {
		ctx.metadata = make(map[string]string, len(raw.Metadata))
		for k, v := range raw.Metadata {
			ctx.metadata[k] = v
		}
	}
	if raw.Parent != nil {
		parent := fromJSON(raw.Parent)
		ctx.parent = &parent
	}
	return ctx
}
