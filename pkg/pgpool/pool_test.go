package pgpool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vela-db/pgengine/pkg/engine"
	"github.com/vela-db/pgengine/pkg/pguri"
)

func newTestPool(size int) *Pool {
	uri := pguri.ConnectionURI{Host: "127.0.0.1", Port: 5432, User: "postgres", Database: "postgres"}
	return New(uri, engine.Options{}, size)
}

func TestPool_WaiterGrantedInFIFOOrder(t *testing.T) {
	p := newTestPool(1)

	first := &waiter{ready: make(chan struct{})}
	second := &waiter{ready: make(chan struct{})}
	p.waiters.PushBack(first)
	p.waiters.PushBack(second)

	e := &engine.Engine{}
	p.mu.Lock()
	granted := p.handOff(e)
	require.True(t, granted)

	select {
	case <-first.ready:
	default:
		t.Fatal("expected the first-queued waiter to be granted, not the second")
	}
	select {
	case <-second.ready:
		t.Fatal("second waiter should still be waiting")
	default:
	}
	assert.Same(t, e, first.e)
	assert.Equal(t, 1, p.waiters.Len())
}

func TestPool_HandOffSkipsCanceledWaiters(t *testing.T) {
	p := newTestPool(1)

	canceled := &waiter{ready: make(chan struct{})}
	canceled.canceled.Store(true)
	live := &waiter{ready: make(chan struct{})}
	p.waiters.PushBack(canceled)
	p.waiters.PushBack(live)

	e := &engine.Engine{}
	p.mu.Lock()
	granted := p.handOff(e)
	require.True(t, granted)

	assert.Same(t, e, live.e)
	select {
	case <-canceled.ready:
		t.Fatal("a canceled waiter must never be granted the engine")
	default:
	}
}

func TestPool_HandOffReturnsFalseWhenNoWaiters(t *testing.T) {
	p := newTestPool(1)
	p.mu.Lock()
	granted := p.handOff(&engine.Engine{})
	assert.False(t, granted)
	p.mu.Unlock()
}

func TestPool_AcquireCancellationDropsWaiterCleanly(t *testing.T) {
	p := newTestPool(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	p.mu.Lock()
	p.live = p.size // force the wait path
	p.mu.Unlock()

	_, err := p.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, 0, p.waiters.Len(), "a canceled waiter must remove itself from the queue")
}

func TestPool_AcquireReturnsFreeEngineWithoutWaiting(t *testing.T) {
	p := newTestPool(1)
	want := &engine.Engine{}
	p.ready.PushBack(want)

	got, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.Same(t, want, got)
	assert.Equal(t, 0, p.ready.Len())
}

func TestPool_AcquireAfterCloseFails(t *testing.T) {
	p := newTestPool(1)
	require.NoError(t, p.Close())

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPool_CloseWakesQueuedWaitersWithError(t *testing.T) {
	p := newTestPool(1)
	p.mu.Lock()
	p.live = p.size
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := p.Acquire(context.Background())
		done <- err
	}()

	// Give the goroutine time to enqueue itself as a waiter.
	assertEventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.waiters.Len() == 1
	})

	require.NoError(t, p.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("Close did not wake the queued waiter")
	}
}

func TestPool_NotificationForwardsToChannel(t *testing.T) {
	p := newTestPool(1)
	p.Notification(nil, "channel_a", "payload")

	select {
	case n := <-p.Notifications():
		assert.Equal(t, Notification{Channel: "channel_a", Payload: "payload"}, n)
	default:
		t.Fatal("expected a buffered notification")
	}
}

func TestPool_Stats(t *testing.T) {
	p := newTestPool(3)
	p.ready.PushBack(&engine.Engine{})
	p.live = 1

	s := p.Stats()
	assert.Equal(t, Stats{Size: 3, Live: 1, Ready: 1, Waiting: 0}, s)
}

func assertEventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition was never satisfied")
}
