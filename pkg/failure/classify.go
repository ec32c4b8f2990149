package failure

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/substratelabs/maestro/pkg/protocol"
)

// Classify resolves an arbitrary error to its failure mode. Precedence:
// explicit classification (a *Failure), the typed response error, well-known
// stdlib errors, message keywords, and finally AGENT_LOGIC.
func Classify(err error) FailureMode {
	if err == nil {
		return AgentLogic
	}

	if mode, ok := ModeOf(err); ok {
		return mode
	}

	var agentErr *protocol.AgentError
	if errors.As(err, &agentErr) {
		return fromErrorType(agentErr.Type)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return SystemTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return SystemTimeout
		}
		return SystemNetwork
	}

	return fromKeywords(err.Error())
}

func fromErrorType(t protocol.ErrorType) FailureMode {
	switch t {
	case protocol.ErrorTypeValidation:
		return UserInvalidInput
	case protocol.ErrorTypeTimeout:
		return SystemTimeout
	case protocol.ErrorTypeNetwork:
		return SystemNetwork
	case protocol.ErrorTypeResource:
		return SystemUnavailable
	case protocol.ErrorTypePermission:
		return PolicyApprovalDenied
	default:
		return AgentLogic
	}
}

func fromKeywords(msg string) FailureMode {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "deadline exceeded"):
		return SystemTimeout
	case strings.Contains(lower, "network"),
		strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "dns"):
		return SystemNetwork
	case strings.Contains(lower, "unavailable"), strings.Contains(lower, "bad gateway"):
		return SystemUnavailable
	case strings.Contains(lower, "forbidden"):
		return PolicySecurity
	case strings.Contains(lower, "validation"), strings.Contains(lower, "invalid input"):
		return UserInvalidInput
	default:
		return AgentLogic
	}
}

// ToAgentError converts a classified error into the response contract's
// error value, carrying the mode in the details and the retryability in the
// recoverable hint.
func ToAgentError(err error) *protocol.AgentError {
	mode := Classify(err)
	return protocol.NewAgentError(mode.ErrorType(), err.Error()).
		WithRecoverable(mode.Retryable()).
		WithDetails(map[string]any{"failure_mode": string(mode)})
}
