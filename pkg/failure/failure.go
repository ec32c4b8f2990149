// Package failure defines the canonical failure taxonomy. Every error that
// surfaces from tool execution classifies into exactly one FailureMode; the
// mode decides retryability and how the error maps onto the response contract.
package failure

import (
	"errors"
	"fmt"

	"github.com/substratelabs/maestro/pkg/protocol"
)

// FailureMode is the canonical classification of a failure.
type FailureMode string

const (
	UserInvalidInput     FailureMode = "USER_INVALID_INPUT"
	AgentLogic           FailureMode = "AGENT_LOGIC"
	SystemNetwork        FailureMode = "SYSTEM_NETWORK"
	SystemTimeout        FailureMode = "SYSTEM_TIMEOUT"
	SystemUnavailable    FailureMode = "SYSTEM_UNAVAILABLE"
	PolicyBudget         FailureMode = "POLICY_BUDGET"
	PolicyApprovalDenied FailureMode = "POLICY_APPROVAL_DENIED"
	PolicySecurity       FailureMode = "POLICY_SECURITY"
)

// Retryable reports whether a retry may recover from this mode.
func (m FailureMode) Retryable() bool {
	switch m {
	case SystemNetwork, SystemTimeout, SystemUnavailable:
		return true
	default:
		return false
	}
}

// Terminal reports whether the mode bypasses every propagation strategy.
// Security violations always terminate the request.
func (m FailureMode) Terminal() bool {
	return m == PolicySecurity
}

// ErrorType maps the mode onto the response contract's error type.
func (m FailureMode) ErrorType() protocol.ErrorType {
	switch m {
	case UserInvalidInput:
		return protocol.ErrorTypeValidation
	case SystemTimeout:
		return protocol.ErrorTypeTimeout
	case SystemNetwork:
		return protocol.ErrorTypeNetwork
	case SystemUnavailable, PolicyBudget:
		return protocol.ErrorTypeResource
	case PolicyApprovalDenied, PolicySecurity:
		return protocol.ErrorTypePermission
	default:
		return protocol.ErrorTypeExecution
	}
}

// Failure is an error carrying its classification. It wraps the underlying
// cause so errors.Is/As keep working through it.
type Failure struct {
	Mode FailureMode
	Err  error
}

// New builds a classified failure from a format string.
func New(mode FailureMode, format string, args ...any) *Failure {
	return &Failure{Mode: mode, Err: fmt.Errorf(format, args...)}
}

// Wrap classifies an existing error. A nil err yields nil.
func Wrap(mode FailureMode, err error) *Failure {
	if err == nil {
		return nil
	}
	return &Failure{Mode: mode, Err: err}
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %v", f.Mode, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// ModeOf returns the failure mode of an already-classified error and whether
// it carried one.
func ModeOf(err error) (FailureMode, bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Mode, true
	}
	return "", false
}
