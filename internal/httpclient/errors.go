package httpclient

import (
	"fmt"
	"time"
)

// RetryableError reports a request that failed after exhausting retries,
// carrying the delay a caller should wait before trying again.
type RetryableError struct {
	StatusCode int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("HTTP %d: %s (retry after %v)", e.StatusCode, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable reports that waiting and retrying can succeed.
func (e *RetryableError) IsRetryable() bool {
	return true
}
