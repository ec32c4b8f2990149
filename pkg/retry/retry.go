// Package retry implements bounded exponential backoff with jitter.
// Only errors the caller marks retryable are attempted again; everything
// else surfaces immediately.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"
)

// Policy describes a backoff schedule. The nth retry waits
// min(MaxDelay, InitialDelay·Multiplier^n) scaled by (1 ± Jitter).
type Policy struct {
	MaxAttempts  int           `json:"max_attempts" mapstructure:"max_attempts"`
	InitialDelay time.Duration `json:"initial_delay" mapstructure:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay" mapstructure:"max_delay"`
	Multiplier   float64       `json:"multiplier" mapstructure:"multiplier"`
	Jitter       float64       `json:"jitter" mapstructure:"jitter"`
}

// DefaultPolicy returns the standard schedule: three attempts, 2s initial
// delay, 60s ceiling, doubling, ±20% jitter.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
	}
}

// Validate rejects schedules that cannot make progress.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry policy needs at least one attempt, got %d", p.MaxAttempts)
	}
	if p.InitialDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry multiplier must be >= 1, got %g", p.Multiplier)
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("retry jitter must be in [0, 1), got %g", p.Jitter)
	}
	return nil
}

// Delay returns the backoff before retry n (zero-based) without jitter.
func (p Policy) Delay(retryIndex int) time.Duration {
	if retryIndex < 0 {
		retryIndex = 0
	}
	d := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(retryIndex))
	if max := float64(p.MaxDelay); p.MaxDelay > 0 && d > max {
		d = max
	}
	return time.Duration(d)
}

// DelayWithJitter returns the backoff before retry n scaled by (1 ± Jitter).
func (p Policy) DelayWithJitter(retryIndex int) time.Duration {
	d := float64(p.Delay(retryIndex))
	if p.Jitter > 0 {
		d *= 1 + (rand.Float64()*2-1)*p.Jitter
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Do runs fn up to MaxAttempts times. shouldRetry decides whether a failure
// is worth another attempt; a nil shouldRetry retries everything. The context
// is honored both between attempts and during backoff waits.
func Do(ctx context.Context, p Policy, shouldRetry func(error) bool, fn func(context.Context) error) error {
	_, err := DoValue(ctx, p, shouldRetry, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for functions that produce a value.
func DoValue[T any](ctx context.Context, p Policy, shouldRetry func(error) bool, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := p.Validate(); err != nil {
		return zero, err
	}

	var lastErr error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if shouldRetry != nil && !shouldRetry(err) {
			return zero, err
		}
		if attempt == p.MaxAttempts {
			break
		}

		delay := p.DelayWithJitter(attempt - 1)
		slog.Debug("retrying after failure",
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"delay", delay,
			"error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, fmt.Errorf("all %d attempts failed: %w", p.MaxAttempts, lastErr)
}
