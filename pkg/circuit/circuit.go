// Package circuit provides a circuit breaker for flaky external
// dependencies. CLOSED trips to OPEN after a run of consecutive failures;
// once the cooldown elapses, HALF_OPEN admits a single probe whose outcome
// either closes the breaker or reopens it.
package circuit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the breaker position.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// ErrOpen is returned when the breaker rejects a call outright.
var ErrOpen = errors.New("circuit breaker is open")

// Config tunes a breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that trips
	// CLOSED to OPEN.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive probe successes that
	// closes a HALF_OPEN breaker.
	SuccessThreshold int
	// Cooldown is how long OPEN lasts before HALF_OPEN admits a probe.
	Cooldown time.Duration
	// OnStateChange, if set, is notified of transitions. It runs on its own
	// goroutine so slow observers never block callers.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig trips after five consecutive failures, cools down for
// thirty seconds, and closes again after one successful probe.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Cooldown:         30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

// Breaker guards calls to one named dependency. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config

	mu            sync.Mutex
	state         State
	failures      int
	successes     int
	openedAt      time.Time
	probeInFlight bool

	now func() time.Time
}

// New creates a closed breaker.
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		state: StateClosed,
		now:   time.Now,
	}
}

// Name returns the dependency name this breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current position, accounting for cooldown expiry.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// Execute runs fn under the breaker. When the breaker is OPEN, or HALF_OPEN
// with the probe slot taken, it returns ErrOpen without calling fn.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	b.record(err == nil)
	return err
}

// ExecuteValue runs a value-producing fn under a breaker.
func ExecuteValue[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.admit(); err != nil {
		return zero, err
	}

	v, err := fn(ctx)
	b.record(err == nil)
	if err != nil {
		return zero, err
	}
	return v, nil
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpenLocked()

	switch b.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if b.probeInFlight {
			return fmt.Errorf("%s: %w", b.name, ErrOpen)
		}
		b.probeInFlight = true
		return nil
	default:
		return fmt.Errorf("%s: %w", b.name, ErrOpen)
	}
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen {
		b.probeInFlight = false
	}

	if success {
		b.failures = 0
		if b.state == StateHalfOpen {
			b.successes++
			if b.successes >= b.cfg.SuccessThreshold {
				b.transitionLocked(StateClosed)
			}
		}
		return
	}

	b.successes = 0
	switch b.state {
	case StateHalfOpen:
		// A failed probe reopens immediately.
		b.openedAt = b.now()
		b.transitionLocked(StateOpen)
	case StateClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = b.now()
			b.transitionLocked(StateOpen)
		}
	}
}

// maybeHalfOpenLocked moves OPEN to HALF_OPEN once the cooldown elapsed.
func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.transitionLocked(StateHalfOpen)
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to != StateHalfOpen {
		b.probeInFlight = false
	}
	if to == StateClosed {
		b.failures = 0
		b.successes = 0
	}

	slog.Debug("circuit breaker state change",
		"breaker", b.name,
		"from", string(from),
		"to", string(to))

	if b.cfg.OnStateChange != nil {
		go b.cfg.OnStateChange(b.name, from, to)
	}
}

// Registry hands out one breaker per dependency name.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	cfg      Config
}

// NewRegistry creates a registry whose breakers share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		cfg:      cfg,
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b = New(name, r.cfg)
	r.breakers[name] = b
	return b
}

// States snapshots every breaker's current state.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.State()
	}
	return out
}
