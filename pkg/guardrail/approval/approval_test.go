package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_AutoDecider(t *testing.T) {
	b := NewBroker(WithDecider(Auto(StatusApproved, "policy allows")))

	decision, err := b.Await(context.Background(), Request{Tool: "write_file", TraceID: "t1"}, time.Second)
	require.NoError(t, err)
	assert.True(t, decision.Approved())
	assert.Equal(t, "policy allows", decision.Note)
	assert.Zero(t, b.PendingCount())
}

func TestBroker_ManualApprove(t *testing.T) {
	var requested Request
	var wg sync.WaitGroup
	b := NewBroker(WithCallbacks(func(req Request) {
		requested = req
		wg.Done()
	}, nil))

	wg.Add(1)
	done := make(chan Decision, 1)
	go func() {
		decision, err := b.Await(context.Background(), Request{Tool: "deploy", TraceID: "t1"}, 5*time.Second)
		assert.NoError(t, err)
		done <- decision
	}()

	wg.Wait()
	require.NotEmpty(t, requested.ID)
	assert.Equal(t, "deploy", requested.Tool)
	assert.Equal(t, 1, b.PendingCount())

	require.NoError(t, b.Approve(requested.ID, "operator", "looks fine"))

	decision := <-done
	assert.Equal(t, StatusApproved, decision.Status)
	assert.Equal(t, "operator", decision.DecidedBy)
	assert.Equal(t, "looks fine", decision.Note)
	assert.Zero(t, b.PendingCount())
}

func TestBroker_ManualDeny(t *testing.T) {
	requested := make(chan Request, 1)
	b := NewBroker(WithCallbacks(func(req Request) { requested <- req }, nil))

	done := make(chan Decision, 1)
	go func() {
		decision, err := b.Await(context.Background(), Request{Tool: "deploy", TraceID: "t1"}, 5*time.Second)
		assert.NoError(t, err)
		done <- decision
	}()

	req := <-requested
	require.NoError(t, b.Deny(req.ID, "operator", "not in this environment"))

	decision := <-done
	assert.Equal(t, StatusDenied, decision.Status)
	assert.False(t, decision.Approved())
}

func TestBroker_Timeout(t *testing.T) {
	b := NewBroker()

	start := time.Now()
	decision, err := b.Await(context.Background(), Request{Tool: "deploy", TraceID: "t1"}, 20*time.Millisecond)
	require.NoError(t, err)

	assert.Equal(t, StatusExpired, decision.Status)
	assert.False(t, decision.Approved())
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Zero(t, b.PendingCount())
}

func TestBroker_ContextCancelled(t *testing.T) {
	b := NewBroker()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := b.Await(ctx, Request{Tool: "deploy", TraceID: "t1"}, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBroker_ResolveErrors(t *testing.T) {
	b := NewBroker()

	assert.ErrorIs(t, b.Approve("missing", "op", ""), ErrNotFound)

	requested := make(chan Request, 1)
	b = NewBroker(WithCallbacks(func(req Request) { requested <- req }, nil))

	go func() {
		_, _ = b.Await(context.Background(), Request{Tool: "deploy"}, 5*time.Second)
	}()

	req := <-requested
	require.NoError(t, b.Approve(req.ID, "op", ""))
	assert.ErrorIs(t, b.Deny(req.ID, "op", ""), ErrAlreadyDecided)
}

func TestBroker_ListPending(t *testing.T) {
	requested := make(chan Request, 2)
	b := NewBroker(WithCallbacks(func(req Request) { requested <- req }, nil))

	for _, tool := range []string{"first", "second"} {
		tool := tool
		go func() {
			_, _ = b.Await(context.Background(), Request{Tool: tool}, 5*time.Second)
		}()
		<-requested
	}

	pending := b.ListPending()
	require.Len(t, pending, 2)
	assert.Equal(t, "first", pending[0].Tool)
	assert.Equal(t, "second", pending[1].Tool)

	for _, req := range pending {
		require.NoError(t, b.Deny(req.ID, "op", "cleanup"))
	}
	assert.Zero(t, b.PendingCount())
}

func TestBroker_DecidedCallback(t *testing.T) {
	decided := make(chan Decision, 1)
	b := NewBroker(
		WithDecider(Auto(StatusDenied, "never")),
		WithCallbacks(nil, func(_ Request, d Decision) { decided <- d }),
	)

	decision, err := b.Await(context.Background(), Request{Tool: "deploy"}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, decision.Status)
	assert.Equal(t, StatusDenied, (<-decided).Status)
}
