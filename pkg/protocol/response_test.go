package protocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAgentResponse_Validate(t *testing.T) {
	t.Run("success requires result", func(t *testing.T) {
		resp := NewSuccessResponse("ok")
		assert.NoError(t, resp.Validate())

		resp.Result = nil
		assert.Error(t, resp.Validate())
	})

	t.Run("error requires error value", func(t *testing.T) {
		resp := NewErrorResponse(NewAgentError(ErrorTypeExecution, "boom"))
		assert.NoError(t, resp.Validate())

		resp.Error = nil
		assert.Error(t, resp.Validate())
	})

	t.Run("cancelled needs neither", func(t *testing.T) {
		resp := NewCancelledResponse()
		assert.NoError(t, resp.Validate())
	})

	t.Run("unknown status rejected", func(t *testing.T) {
		resp := AgentResponse{Status: Status("MAYBE"), Timestamp: nowUTC()}
		assert.Error(t, resp.Validate())
	})

	t.Run("missing timestamp rejected", func(t *testing.T) {
		resp := AgentResponse{Status: StatusSuccess, Result: 1}
		assert.Error(t, resp.Validate())
	})
}

func TestAgentResponse_TimestampIsUTC(t *testing.T) {
	resp := NewSuccessResponse(42)

	ts, err := time.Parse(time.RFC3339Nano, resp.Timestamp)
	require.NoError(t, err)
	assert.Equal(t, time.UTC, ts.Location())
	assert.WithinDuration(t, time.Now().UTC(), ts, 5*time.Second)
}

func TestAgentResponse_WithMetadataCopies(t *testing.T) {
	base := NewSuccessResponse("ok")
	withMeta := base.WithMetadata("duration_ms", 12.5)

	assert.Nil(t, base.Metadata)
	assert.Equal(t, 12.5, withMeta.Metadata["duration_ms"])

	second := withMeta.WithMetadata("cache_hit", true)
	_, ok := withMeta.Metadata["cache_hit"]
	assert.False(t, ok)
	assert.Equal(t, true, second.Metadata["cache_hit"])
}

func TestNewTraceEntry(t *testing.T) {
	entry := NewTraceEntry("plan:start", "trace-1", map[string]any{"steps": 2})

	assert.Equal(t, "plan:start", entry["event"])
	assert.Equal(t, "trace-1", entry["trace_id"])
	assert.Equal(t, 2, entry["steps"])
}

func TestAgentError_Error(t *testing.T) {
	err := NewAgentError(ErrorTypeTimeout, "deadline exceeded")
	assert.Equal(t, "TIMEOUT: deadline exceeded", err.Error())
	assert.False(t, err.Recoverable)
}

func TestAgentError_ChainingCopies(t *testing.T) {
	base := NewAgentError(ErrorTypeNetwork, "connection refused")
	enriched := base.
		WithRecoverable(true).
		WithRetryAfter(2).
		WithDetails(map[string]any{"host": "upstream"}).
		WithTraceContext(map[string]string{"trace_id": "t-1"})

	assert.False(t, base.Recoverable)
	assert.Zero(t, base.RetryAfter)
	assert.Nil(t, base.Details)

	assert.True(t, enriched.Recoverable)
	assert.Equal(t, 2.0, enriched.RetryAfter)
	assert.Equal(t, "upstream", enriched.Details["host"])
	assert.Equal(t, "t-1", enriched.TraceContext["trace_id"])
}

func TestAsAgentError(t *testing.T) {
	assert.Nil(t, AsAgentError(nil))

	ae := NewAgentError(ErrorTypeValidation, "bad input")
	assert.Same(t, ae, AsAgentError(ae))

	wrapped := AsAgentError(assert.AnError)
	assert.Equal(t, ErrorTypeExecution, wrapped.Type)
}

func TestValidatePlan(t *testing.T) {
	steps := []PlanStep{
		{Tool: "search_flights", TraceID: "t-1", Index: 0},
		{Tool: "compare_prices", TraceID: "t-1", Index: 1},
	}

	t.Run("valid plan", func(t *testing.T) {
		assert.NoError(t, ValidatePlan(steps, 10, "t-1"))
	})

	t.Run("empty plan", func(t *testing.T) {
		assert.Error(t, ValidatePlan(nil, 10, "t-1"))
	})

	t.Run("too many steps", func(t *testing.T) {
		assert.Error(t, ValidatePlan(steps, 1, "t-1"))
	})

	t.Run("sparse index", func(t *testing.T) {
		bad := []PlanStep{
			{Tool: "a", TraceID: "t-1", Index: 0},
			{Tool: "b", TraceID: "t-1", Index: 2},
		}
		assert.Error(t, ValidatePlan(bad, 10, "t-1"))
	})

	t.Run("foreign trace id", func(t *testing.T) {
		assert.Error(t, ValidatePlan(steps, 10, "t-2"))
	})

	t.Run("missing tool", func(t *testing.T) {
		bad := []PlanStep{{TraceID: "t-1", Index: 0}}
		assert.Error(t, ValidatePlan(bad, 10, "t-1"))
	})
}
