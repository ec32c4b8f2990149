package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratelabs/maestro/pkg/memory"
	"github.com/substratelabs/maestro/pkg/protocol"
)

func TestBaseAgent_StartupReachesReady(t *testing.T) {
	b := NewBaseAgent("test")

	require.NoError(t, b.Startup(context.Background(), StartupConfig{}))
	assert.Equal(t, StateReady, b.Lifecycle().State())

	history := b.Lifecycle().History()
	require.Len(t, history, 2)
	assert.Equal(t, StateInitializing, history[0].To)
	assert.Equal(t, StateReady, history[1].To)
}

func TestBaseAgent_StartupIdempotent(t *testing.T) {
	calls := 0
	b := NewBaseAgent("test", WithStartupHook(func(context.Context) error {
		calls++
		return nil
	}))

	require.NoError(t, b.Startup(context.Background(), StartupConfig{}))
	require.NoError(t, b.Startup(context.Background(), StartupConfig{}))
	require.NoError(t, b.Startup(context.Background(), StartupConfig{}))

	// Side effects run at most once; repeat calls are no-ops.
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateReady, b.Lifecycle().State())
}

func TestBaseAgent_StartupHookFailureWithCleanup(t *testing.T) {
	shutdownCalls := 0
	b := NewBaseAgent("test",
		WithStartupHook(func(context.Context) error {
			return errors.New("db unreachable")
		}),
		WithShutdownHook(func(context.Context) error {
			shutdownCalls++
			return nil
		}),
	)

	err := b.Startup(context.Background(), StartupConfig{CleanupOnError: true})
	require.Error(t, err)

	var startupErr *StartupError
	require.ErrorAs(t, err, &startupErr)
	assert.Equal(t, "test", startupErr.Agent)

	// Rollback drains the agent all the way to TERMINATED.
	assert.Equal(t, StateTerminated, b.Lifecycle().State())
	assert.Equal(t, 1, shutdownCalls)
}

func TestBaseAgent_StartupHookFailureWithoutCleanup(t *testing.T) {
	b := NewBaseAgent("test", WithStartupHook(func(context.Context) error {
		return errors.New("db unreachable")
	}))

	err := b.Startup(context.Background(), StartupConfig{CleanupOnError: false})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "partial state retained")
	assert.Equal(t, StateInitializing, b.Lifecycle().State())
}

func TestBaseAgent_StartupTimeout(t *testing.T) {
	b := NewBaseAgent("test", WithStartupHook(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}))

	err := b.Startup(context.Background(), StartupConfig{
		TimeoutSeconds: 0.05,
		CleanupOnError: true,
	})
	require.Error(t, err)
	assert.Equal(t, StateTerminated, b.Lifecycle().State())
}

func TestBaseAgent_TerminatedNotReusable(t *testing.T) {
	b := NewBaseAgent("test")
	require.NoError(t, b.Startup(context.Background(), StartupConfig{}))
	b.Shutdown(context.Background())

	err := b.Startup(context.Background(), StartupConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not reusable")
}

func TestBaseAgent_StartupResetsAgentState(t *testing.T) {
	b := NewBaseAgent("test")
	require.NoError(t, b.SetState("scratch", 42))

	require.NoError(t, b.Startup(context.Background(), StartupConfig{}))

	_, ok := b.GetState("scratch")
	assert.False(t, ok)
}

func TestBaseAgent_ShutdownAlwaysTerminates(t *testing.T) {
	tests := []struct {
		name string
		opts []BaseOption
	}{
		{"clean", nil},
		{"hook error swallowed", []BaseOption{
			WithShutdownHook(func(context.Context) error { return errors.New("flush failed") }),
		}},
		{"hook panic swallowed", []BaseOption{
			WithShutdownHook(func(context.Context) error { panic("boom") }),
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBaseAgent("test", tt.opts...)
			require.NoError(t, b.Startup(context.Background(), StartupConfig{}))
			require.NoError(t, b.SetState("scratch", 1))

			b.Shutdown(context.Background())

			assert.Equal(t, StateTerminated, b.Lifecycle().State())
			assert.Empty(t, b.StateKeys())
		})
	}
}

func TestBaseAgent_ShutdownIdempotent(t *testing.T) {
	calls := 0
	b := NewBaseAgent("test", WithShutdownHook(func(context.Context) error {
		calls++
		return nil
	}))
	require.NoError(t, b.Startup(context.Background(), StartupConfig{}))

	b.Shutdown(context.Background())
	b.Shutdown(context.Background())

	assert.Equal(t, 1, calls)
	assert.Equal(t, StateTerminated, b.Lifecycle().State())
}

func TestBaseAgent_ShutdownFromUninitialized(t *testing.T) {
	b := NewBaseAgent("test")

	b.Shutdown(context.Background())

	assert.Equal(t, StateTerminated, b.Lifecycle().State())
}

func TestBaseAgent_ShutdownFlushesMemory(t *testing.T) {
	store, err := memory.NewLocalStore()
	require.NoError(t, err)
	scope := memory.New(store).Scope("default")
	require.NoError(t, scope.Remember(context.Background(), "pending fact", nil))

	b := NewBaseAgent("test", WithMemoryScope(scope))
	require.NoError(t, b.Startup(context.Background(), StartupConfig{}))

	b.Shutdown(context.Background())

	// Flushed memory survives the agent; only AGENT state is cleared.
	hits, err := scope.Search(context.Background(), "pending fact", 1)
	require.NoError(t, err)
	assert.NotEmpty(t, hits)
}

func TestBaseAgent_OwnsState(t *testing.T) {
	b := NewBaseAgent("test", WithStateOwner("pinned", OwnerOrchestrator))

	tests := []struct {
		key   string
		owner StateOwner
	}{
		{"scratch", OwnerAgent},
		{"memory.facts", OwnerMemory},
		{"orchestrator.route", OwnerOrchestrator},
		{"shared.flag", OwnerShared},
		{"pinned", OwnerOrchestrator},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.owner, b.OwnsState(tt.key), "key %q", tt.key)
	}
}

func TestBaseAgent_SetStateEnforcesOwnership(t *testing.T) {
	b := NewBaseAgent("test")

	require.NoError(t, b.SetState("scratch", 1))
	require.NoError(t, b.SetState("shared.flag", true))

	for _, key := range []string{"memory.facts", "orchestrator.route"} {
		err := b.SetState(key, "x")
		require.Error(t, err, "key %q", key)

		var violation *StateViolationError
		require.ErrorAs(t, err, &violation)
		assert.Equal(t, key, violation.Key)

		_, ok := b.GetState(key)
		assert.False(t, ok, "rejected write must not land")
	}
}

func TestBaseAgent_BusyTracking(t *testing.T) {
	b := NewBaseAgent("test")
	require.NoError(t, b.Startup(context.Background(), StartupConfig{}))

	require.NoError(t, b.BeginWork())
	assert.Equal(t, StateBusy, b.Lifecycle().State())

	// Nested work keeps the agent busy until the last exit.
	require.NoError(t, b.BeginWork())
	b.EndWork()
	assert.Equal(t, StateBusy, b.Lifecycle().State())

	b.EndWork()
	assert.Equal(t, StateReady, b.Lifecycle().State())
}

func TestBaseAgent_BeginWorkRequiresReady(t *testing.T) {
	b := NewBaseAgent("test")

	err := b.BeginWork()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not ready")
}

func TestBaseAgent_PauseResume(t *testing.T) {
	b := NewBaseAgent("test")
	require.NoError(t, b.Startup(context.Background(), StartupConfig{}))

	require.NoError(t, b.Pause())
	assert.Equal(t, StatePaused, b.Lifecycle().State())
	require.Error(t, b.BeginWork())

	require.NoError(t, b.Resume())
	assert.Equal(t, StateReady, b.Lifecycle().State())
	require.NoError(t, b.BeginWork())
	b.EndWork()
}

func TestBaseAgent_NotReadyResponse(t *testing.T) {
	b := NewBaseAgent("test")

	resp := b.notReadyResponse(errors.New("agent test is not ready"))

	assert.Equal(t, protocol.StatusError, resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.ErrorTypeExecution, resp.Error.Type)
}

func TestBaseAgent_StartupWhilePausedRejected(t *testing.T) {
	b := NewBaseAgent("test")
	require.NoError(t, b.Startup(context.Background(), StartupConfig{}))
	require.NoError(t, b.Pause())

	err := b.Startup(context.Background(), StartupConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot start from state PAUSED")

	// Still paused and resumable afterwards.
	require.NoError(t, b.Resume())
	assert.Equal(t, StateReady, b.Lifecycle().State())
}

func TestBaseAgent_StartupHookSeesDeadline(t *testing.T) {
	var sawDeadline bool
	b := NewBaseAgent("test", WithStartupHook(func(ctx context.Context) error {
		_, sawDeadline = ctx.Deadline()
		return nil
	}))

	require.NoError(t, b.Startup(context.Background(), StartupConfig{TimeoutSeconds: 5}))
	assert.True(t, sawDeadline)
}
