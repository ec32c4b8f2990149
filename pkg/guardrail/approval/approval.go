// Package approval mediates human-in-the-loop gates for tool calls. A
// worker blocks on the broker until a decision arrives or the tool's
// approval timeout expires; expiry reads as denial. Deciders can resolve
// requests programmatically; otherwise a human resolves them through the
// transport adapter.
package approval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Status of an approval request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

var (
	ErrNotFound       = errors.New("approval request not found")
	ErrAlreadyDecided = errors.New("approval request already decided")
)

// Request describes one approval-gated tool call. Inputs are redacted by
// the caller before they reach any display surface.
type Request struct {
	ID        string         `json:"id"`
	Tool      string         `json:"tool"`
	TraceID   string         `json:"trace_id"`
	Profile   string         `json:"profile"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`
}

// Decision is the outcome of a request.
type Decision struct {
	Status    Status    `json:"status"`
	Note      string    `json:"note,omitempty"`
	DecidedBy string    `json:"decided_by,omitempty"`
	DecidedAt time.Time `json:"decided_at"`
}

// Approved reports whether the decision admits the call.
func (d Decision) Approved() bool { return d.Status == StatusApproved }

// Decider can resolve a request without waiting for a human. Returning
// ok=false leaves the request pending.
type Decider interface {
	Decide(ctx context.Context, req Request) (Decision, bool)
}

// DeciderFunc adapts a function to the Decider interface.
type DeciderFunc func(ctx context.Context, req Request) (Decision, bool)

func (f DeciderFunc) Decide(ctx context.Context, req Request) (Decision, bool) {
	return f(ctx, req)
}

// Auto returns a decider that resolves every request with the given status.
func Auto(status Status, note string) Decider {
	return DeciderFunc(func(_ context.Context, _ Request) (Decision, bool) {
		return Decision{Status: status, Note: note, DecidedBy: "auto", DecidedAt: time.Now().UTC()}, true
	})
}

type pendingRequest struct {
	req     Request
	ch      chan Decision
	decided bool
}

// Broker tracks pending approval requests and delivers decisions to the
// awaiting worker.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*pendingRequest
	decider Decider
	counter atomic.Int64

	onRequested func(Request)
	onDecided   func(Request, Decision)
}

// Option configures a broker.
type Option func(*Broker)

// WithDecider installs a programmatic decider consulted before a request
// goes pending.
func WithDecider(d Decider) Option {
	return func(b *Broker) { b.decider = d }
}

// WithCallbacks observes request and decision lifecycle. Either callback
// may be nil.
func WithCallbacks(onRequested func(Request), onDecided func(Request, Decision)) Option {
	return func(b *Broker) {
		b.onRequested = onRequested
		b.onDecided = onDecided
	}
}

func NewBroker(opts ...Option) *Broker {
	b := &Broker{pending: make(map[string]*pendingRequest)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Await submits a request and blocks until it is decided, the timeout
// expires, or ctx is cancelled. Expiry returns a StatusExpired decision,
// which callers treat as denial. The only error returned is ctx's.
func (b *Broker) Await(ctx context.Context, req Request, timeout time.Duration) (Decision, error) {
	now := time.Now().UTC()
	if req.ID == "" {
		req.ID = fmt.Sprintf("apr_%d_%d", now.UnixNano(), b.counter.Add(1))
	}
	req.CreatedAt = now
	req.ExpiresAt = now.Add(timeout)

	if b.decider != nil {
		if decision, ok := b.decider.Decide(ctx, req); ok {
			if b.onDecided != nil {
				b.onDecided(req, decision)
			}
			return decision, nil
		}
	}

	entry := &pendingRequest{req: req, ch: make(chan Decision, 1)}
	b.mu.Lock()
	b.pending[req.ID] = entry
	b.mu.Unlock()

	if b.onRequested != nil {
		b.onRequested(req)
	}

	defer func() {
		b.mu.Lock()
		delete(b.pending, req.ID)
		b.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case decision := <-entry.ch:
		return decision, nil
	case <-timer.C:
		if decision, ok := b.expire(entry); ok {
			// A decision landed as the timer fired; honor it.
			return decision, nil
		}
		decision := Decision{Status: StatusExpired, DecidedAt: time.Now().UTC()}
		if b.onDecided != nil {
			b.onDecided(req, decision)
		}
		return decision, nil
	case <-ctx.Done():
		b.expire(entry)
		return Decision{}, ctx.Err()
	}
}

// expire marks the entry decided so Resolve stops accepting it. A decision
// that beat the timer is drained and returned instead.
func (b *Broker) expire(entry *pendingRequest) (Decision, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if entry.decided {
		select {
		case decision := <-entry.ch:
			return decision, true
		default:
		}
		return Decision{}, false
	}
	entry.decided = true
	return Decision{}, false
}

// Resolve delivers a decision for a pending request. The send happens
// under the broker lock, so a decision is either fully delivered or the
// request reads as already decided; there is no half state visible.
func (b *Broker) Resolve(id string, approved bool, decidedBy, note string) error {
	b.mu.Lock()
	entry, ok := b.pending[id]
	if !ok {
		b.mu.Unlock()
		return ErrNotFound
	}
	if entry.decided {
		b.mu.Unlock()
		return ErrAlreadyDecided
	}
	entry.decided = true

	status := StatusDenied
	if approved {
		status = StatusApproved
	}
	decision := Decision{
		Status:    status,
		Note:      note,
		DecidedBy: decidedBy,
		DecidedAt: time.Now().UTC(),
	}
	entry.ch <- decision
	b.mu.Unlock()

	if b.onDecided != nil {
		b.onDecided(entry.req, decision)
	}
	return nil
}

// Approve resolves a pending request as approved.
func (b *Broker) Approve(id, decidedBy, note string) error {
	return b.Resolve(id, true, decidedBy, note)
}

// Deny resolves a pending request as denied.
func (b *Broker) Deny(id, decidedBy, note string) error {
	return b.Resolve(id, false, decidedBy, note)
}

// ListPending returns the requests still awaiting a decision, oldest first.
func (b *Broker) ListPending() []Request {
	b.mu.Lock()
	defer b.mu.Unlock()

	reqs := make([]Request, 0, len(b.pending))
	for _, entry := range b.pending {
		if !entry.decided {
			reqs = append(reqs, entry.req)
		}
	}
	sort.SliceStable(reqs, func(i, j int) bool { return reqs[i].CreatedAt.Before(reqs[j].CreatedAt) })
	return reqs
}

// PendingCount returns the number of undecided requests.
func (b *Broker) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, entry := range b.pending {
		if !entry.decided {
			n++
		}
	}
	return n
}
