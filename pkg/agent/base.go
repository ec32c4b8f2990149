package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/substratelabs/maestro/pkg/memory"
	"github.com/substratelabs/maestro/pkg/protocol"
)

// Agent is the canonical contract: one processing entry point plus the
// lifecycle protocol. Role-specific behavior (planning, execution,
// dispatch) lives behind Process.
type Agent interface {
	Name() string
	Process(ctx context.Context, req protocol.AgentRequest) protocol.AgentResponse
	Startup(ctx context.Context, cfg StartupConfig) error
	Shutdown(ctx context.Context)
	Lifecycle() *Lifecycle
}

// StartupConfig bounds and shapes agent startup.
type StartupConfig struct {
	// TimeoutSeconds bounds the whole startup; zero means unbounded.
	TimeoutSeconds float64
	// CleanupOnError rolls a failed startup back to TERMINATED. When
	// false the agent is left mid-initialization for inspection and the
	// error carries that fact.
	CleanupOnError bool
}

// StartupError reports a failed or illegal startup.
type StartupError struct {
	Agent string
	Err   error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("agent %s: startup failed: %v", e.Agent, e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// StateOwner classifies who may mutate a state key.
type StateOwner string

const (
	OwnerAgent        StateOwner = "AGENT"
	OwnerMemory       StateOwner = "MEMORY"
	OwnerOrchestrator StateOwner = "ORCHESTRATOR"
	OwnerShared       StateOwner = "SHARED"
)

// StateViolationError reports a write to a key the agent does not own.
type StateViolationError struct {
	Agent string
	Key   string
	Owner StateOwner
}

func (e *StateViolationError) Error() string {
	return fmt.Sprintf("agent %s: key %q is owned by %s and cannot be written by the agent",
		e.Agent, e.Key, e.Owner)
}

// Ownership prefixes. Keys outside these prefixes are AGENT-scoped and
// cleared on shutdown; memory.-keys persist through the memory API and
// orchestrator.-keys are read-only to agents.
const (
	prefixMemory       = "memory."
	prefixOrchestrator = "orchestrator."
	prefixShared       = "shared."
)

// BaseAgent carries the lifecycle, ephemeral state, and startup/shutdown
// discipline shared by every role. Roles embed it and supply hooks.
type BaseAgent struct {
	name      string
	lifecycle *Lifecycle

	// lifecycleMu serializes startup/shutdown so both are idempotent and
	// their side effects run at most once.
	lifecycleMu sync.Mutex

	stateMu   sync.Mutex
	state     map[string]any
	ownership map[string]StateOwner

	busyMu    sync.Mutex
	busyDepth int

	mem *memory.Scope

	onStartup  func(ctx context.Context) error
	onShutdown func(ctx context.Context) error
}

// BaseOption configures a BaseAgent.
type BaseOption func(*BaseAgent)

// WithMemoryScope attaches the profile-scoped memory flushed on shutdown.
func WithMemoryScope(scope *memory.Scope) BaseOption {
	return func(b *BaseAgent) { b.mem = scope }
}

// WithStartupHook runs during startup after AGENT state is reset.
func WithStartupHook(fn func(ctx context.Context) error) BaseOption {
	return func(b *BaseAgent) { b.onStartup = fn }
}

// WithShutdownHook runs during shutdown before memory flush. Its error is
// logged, never raised.
func WithShutdownHook(fn func(ctx context.Context) error) BaseOption {
	return func(b *BaseAgent) { b.onShutdown = fn }
}

// WithStateOwner pins the ownership of one key, overriding the prefix
// rules.
func WithStateOwner(key string, owner StateOwner) BaseOption {
	return func(b *BaseAgent) { b.ownership[key] = owner }
}

func NewBaseAgent(name string, opts ...BaseOption) *BaseAgent {
	b := &BaseAgent{
		name:      name,
		lifecycle: NewLifecycle(name),
		state:     make(map[string]any),
		ownership: make(map[string]StateOwner),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *BaseAgent) Name() string          { return b.name }
func (b *BaseAgent) Lifecycle() *Lifecycle { return b.lifecycle }

// Memory returns the agent's memory scope, nil when detached.
func (b *BaseAgent) Memory() *memory.Scope { return b.mem }

// OwnsState classifies a key: explicit pins first, then the prefix rules,
// then AGENT.
func (b *BaseAgent) OwnsState(key string) StateOwner {
	b.stateMu.Lock()
	owner, pinned := b.ownership[key]
	b.stateMu.Unlock()
	if pinned {
		return owner
	}
	switch {
	case strings.HasPrefix(key, prefixMemory):
		return OwnerMemory
	case strings.HasPrefix(key, prefixOrchestrator):
		return OwnerOrchestrator
	case strings.HasPrefix(key, prefixShared):
		return OwnerShared
	default:
		return OwnerAgent
	}
}

// SetState writes an AGENT or SHARED key. Writes to MEMORY or
// ORCHESTRATOR keys return a StateViolationError; MEMORY keys belong
// behind the memory API and ORCHESTRATOR keys are read-only to agents.
func (b *BaseAgent) SetState(key string, value any) error {
	owner := b.OwnsState(key)
	if owner != OwnerAgent && owner != OwnerShared {
		return &StateViolationError{Agent: b.name, Key: key, Owner: owner}
	}
	b.stateMu.Lock()
	b.state[key] = value
	b.stateMu.Unlock()
	return nil
}

// GetState reads a key from the ephemeral state.
func (b *BaseAgent) GetState(key string) (any, bool) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	v, ok := b.state[key]
	return v, ok
}

// StateKeys returns the keys currently held in ephemeral state.
func (b *BaseAgent) StateKeys() []string {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	keys := make([]string, 0, len(b.state))
	for k := range b.state {
		keys = append(keys, k)
	}
	return keys
}

// Startup brings the agent to READY. It is idempotent: a READY agent
// returns immediately without re-running side effects. A terminated agent
// is not reusable. On hook failure the agent either rolls back to
// TERMINATED (CleanupOnError) or stays mid-initialization, and a
// StartupError is returned either way.
func (b *BaseAgent) Startup(ctx context.Context, cfg StartupConfig) error {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	switch b.lifecycle.State() {
	case StateReady:
		return nil
	case StateTerminated:
		return &StartupError{Agent: b.name, Err: fmt.Errorf("terminated agents are not reusable")}
	case StateBusy, StatePaused, StateShuttingDown:
		return &StartupError{Agent: b.name,
			Err: fmt.Errorf("cannot start from state %s", b.lifecycle.State())}
	}

	if cfg.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx,
			time.Duration(cfg.TimeoutSeconds*float64(time.Second)))
		defer cancel()
	}

	if err := b.lifecycle.TransitionTo(StateInitializing); err != nil {
		return &StartupError{Agent: b.name, Err: err}
	}

	// AGENT-scope state starts empty on every successful startup.
	b.stateMu.Lock()
	b.state = make(map[string]any)
	b.stateMu.Unlock()

	if b.onStartup != nil {
		if err := b.onStartup(ctx); err != nil {
			if cfg.CleanupOnError {
				b.rollback(ctx)
				return &StartupError{Agent: b.name, Err: err}
			}
			return &StartupError{Agent: b.name,
				Err: fmt.Errorf("%w (partial state retained)", err)}
		}
	}
	if err := ctx.Err(); err != nil {
		if cfg.CleanupOnError {
			b.rollback(ctx)
		}
		return &StartupError{Agent: b.name, Err: err}
	}

	if err := b.lifecycle.TransitionTo(StateReady); err != nil {
		return &StartupError{Agent: b.name, Err: err}
	}
	return nil
}

func (b *BaseAgent) rollback(ctx context.Context) {
	if b.onShutdown != nil {
		if err := b.onShutdown(ctx); err != nil {
			slog.Warn("startup rollback hook failed", "agent", b.name, "error", err)
		}
	}
	b.clearState()
	_ = b.lifecycle.TransitionTo(StateShuttingDown)
	_ = b.lifecycle.TransitionTo(StateTerminated)
}

// Shutdown drains the agent to TERMINATED. It never returns an error and
// never panics: hook and flush failures are logged and swallowed. Dirty
// memory is flushed, AGENT state is cleared, and the final state is
// always TERMINATED. A second call is a no-op.
func (b *BaseAgent) Shutdown(ctx context.Context) {
	b.lifecycleMu.Lock()
	defer b.lifecycleMu.Unlock()

	if b.lifecycle.State() == StateTerminated {
		return
	}
	if err := b.lifecycle.TransitionTo(StateShuttingDown); err != nil {
		slog.Warn("shutdown transition failed", "agent", b.name, "error", err)
	}

	if b.onShutdown != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("shutdown hook panicked", "agent", b.name, "panic", r)
				}
			}()
			if err := b.onShutdown(ctx); err != nil {
				slog.Warn("shutdown hook failed", "agent", b.name, "error", err)
			}
		}()
	}

	if b.mem != nil {
		if err := b.mem.Flush(ctx); err != nil {
			slog.Warn("memory flush failed during shutdown", "agent", b.name, "error", err)
		}
	}

	b.clearState()

	if err := b.lifecycle.TransitionTo(StateTerminated); err != nil {
		slog.Warn("terminate transition failed", "agent", b.name, "error", err)
	}
}

func (b *BaseAgent) clearState() {
	b.stateMu.Lock()
	b.state = make(map[string]any)
	b.stateMu.Unlock()
}

// BeginWork flips READY to BUSY for the first concurrent request and
// counts depth for the rest. It fails when the agent is not serving.
func (b *BaseAgent) BeginWork() error {
	b.busyMu.Lock()
	defer b.busyMu.Unlock()

	if b.busyDepth > 0 {
		b.busyDepth++
		return nil
	}
	if state := b.lifecycle.State(); state != StateReady {
		return fmt.Errorf("agent %s is not ready (state %s)", b.name, state)
	}
	if err := b.lifecycle.TransitionTo(StateBusy); err != nil {
		return err
	}
	b.busyDepth = 1
	return nil
}

// EndWork undoes one BeginWork; the last one returns the agent to READY.
func (b *BaseAgent) EndWork() {
	b.busyMu.Lock()
	defer b.busyMu.Unlock()

	if b.busyDepth == 0 {
		return
	}
	b.busyDepth--
	if b.busyDepth == 0 && b.lifecycle.State() == StateBusy {
		if err := b.lifecycle.TransitionTo(StateReady); err != nil {
			slog.Warn("busy exit transition failed", "agent", b.name, "error", err)
		}
	}
}

// Pause moves a READY agent to PAUSED.
func (b *BaseAgent) Pause() error {
	return b.lifecycle.TransitionTo(StatePaused)
}

// Resume moves a PAUSED agent back to READY.
func (b *BaseAgent) Resume() error {
	return b.lifecycle.TransitionTo(StateReady)
}

// notReadyResponse is the uniform ERROR response for a request that
// reaches an agent outside READY.
func (b *BaseAgent) notReadyResponse(err error) protocol.AgentResponse {
	return protocol.NewErrorResponse(
		protocol.NewAgentError(protocol.ErrorTypeExecution, err.Error()))
}
