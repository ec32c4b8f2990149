package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/substratelabs/maestro/pkg/protocol"
)

func TestFailureMode_Retryable(t *testing.T) {
	retryable := []FailureMode{SystemNetwork, SystemTimeout, SystemUnavailable}
	for _, m := range retryable {
		assert.True(t, m.Retryable(), "%s should be retryable", m)
	}

	permanent := []FailureMode{
		UserInvalidInput, AgentLogic, PolicyBudget, PolicyApprovalDenied, PolicySecurity,
	}
	for _, m := range permanent {
		assert.False(t, m.Retryable(), "%s should not be retryable", m)
	}
}

func TestFailureMode_Terminal(t *testing.T) {
	assert.True(t, PolicySecurity.Terminal())
	assert.False(t, PolicyBudget.Terminal())
	assert.False(t, SystemTimeout.Terminal())
}

func TestClassify_ExplicitClassificationWins(t *testing.T) {
	err := New(PolicyBudget, "calls exhausted")
	assert.Equal(t, PolicyBudget, Classify(err))

	// Explicit mode survives wrapping.
	wrapped := fmt.Errorf("step 2: %w", err)
	assert.Equal(t, PolicyBudget, Classify(wrapped))
}

func TestClassify_AgentErrorTypes(t *testing.T) {
	tests := []struct {
		errType protocol.ErrorType
		want    FailureMode
	}{
		{protocol.ErrorTypeValidation, UserInvalidInput},
		{protocol.ErrorTypeTimeout, SystemTimeout},
		{protocol.ErrorTypeNetwork, SystemNetwork},
		{protocol.ErrorTypeResource, SystemUnavailable},
		{protocol.ErrorTypePermission, PolicyApprovalDenied},
		{protocol.ErrorTypeExecution, AgentLogic},
		{protocol.ErrorTypeUnknown, AgentLogic},
	}

	for _, tt := range tests {
		t.Run(string(tt.errType), func(t *testing.T) {
			err := protocol.NewAgentError(tt.errType, "boom")
			assert.Equal(t, tt.want, Classify(err))
		})
	}
}

func TestClassify_Keywords(t *testing.T) {
	tests := []struct {
		msg  string
		want FailureMode
	}{
		{"operation timeout after 5s", SystemTimeout},
		{"dial tcp: connection refused", SystemNetwork},
		{"lookup upstream: no such host", SystemNetwork},
		{"service unavailable (503)", SystemUnavailable},
		{"access forbidden by sandbox", PolicySecurity},
		{"validation failed for field x", UserInvalidInput},
		{"something odd happened", AgentLogic},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(errors.New(tt.msg)))
		})
	}
}

func TestClassify_ContextDeadline(t *testing.T) {
	assert.Equal(t, SystemTimeout, Classify(context.DeadlineExceeded))
}

func TestFailure_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	f := Wrap(SystemNetwork, cause)

	require.NotNil(t, f)
	assert.ErrorIs(t, f, cause)
	assert.Contains(t, f.Error(), "SYSTEM_NETWORK")
	assert.Contains(t, f.Error(), "root cause")
}

func TestWrap_NilIsNil(t *testing.T) {
	assert.Nil(t, Wrap(SystemNetwork, nil))
}

func TestToAgentError(t *testing.T) {
	err := New(SystemNetwork, "connection refused")
	ae := ToAgentError(err)

	assert.Equal(t, protocol.ErrorTypeNetwork, ae.Type)
	assert.True(t, ae.Recoverable)
	assert.Equal(t, string(SystemNetwork), ae.Details["failure_mode"])

	denied := New(PolicyApprovalDenied, "operator said no")
	ae = ToAgentError(denied)
	assert.Equal(t, protocol.ErrorTypePermission, ae.Type)
	assert.False(t, ae.Recoverable)
}
