// Package pgpool is a small reference implementation of
// engine.PoolCollaborator: a free-list of ready engines plus fair
// FIFO waiters, so pkg/engine's pool-facing contract is exercised
// end-to-end. It intentionally stops short of a full database facade —
// no DSN-to-pool-sizing policy, no multi-database routing, no
// self-healing replacement of dead connections.
//
// The Acquire/Release naming and checked-out-until-released contract
// follow slavakl/postgremq's connection pool; the waiter queue itself
// is a mutex-guarded container/list FIFO with a canceled flag checked
// under the lock, in the spirit of mulldb's own mutex-guarded
// server-side connection bookkeeping in server/server.go.
package pgpool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/vela-db/pgengine/pkg/engine"
	"github.com/vela-db/pgengine/pkg/pguri"
)

// ErrPoolClosed is returned by Acquire once the pool has been closed.
var ErrPoolClosed = errors.New("pgpool: pool is closed")

var _ engine.PoolCollaborator = (*Pool)(nil)

// Notification is one NOTIFY delivery forwarded from any engine in the
// pool, per engine.PoolCollaborator's Notification callback.
type Notification struct {
	Channel string
	Payload string
}

// Pool manages a fixed-size set of *engine.Engine connections to a
// single ConnectionURI.
type Pool struct {
	uri  pguri.ConnectionURI
	opts engine.Options
	size int
	log  *slog.Logger

	mu      sync.Mutex
	ready   *list.List // *engine.Engine
	waiters *list.List // *waiter
	live    int
	closed  bool

	notifyCh chan Notification
}

type waiter struct {
	e        *engine.Engine
	err      error
	ready    chan struct{}
	canceled atomic.Bool
}

// New constructs a Pool that will maintain up to size connections to
// uri. Call Open to establish the initial connections before Acquire.
func New(uri pguri.ConnectionURI, opts engine.Options, size int) *Pool {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Pool{
		uri:      uri,
		opts:     opts,
		size:     size,
		log:      opts.Logger,
		ready:    list.New(),
		waiters:  list.New(),
		notifyCh: make(chan Notification, 64),
	}
}

// Open eagerly connects size engines, so a burst of early Acquire
// callers observe a warm pool rather than paying connect latency
// serially. It stops and returns the first error encountered; engines
// already connected remain usable via Acquire.
func (p *Pool) Open(ctx context.Context) error {
	for i := 0; i < p.size; i++ {
		e := engine.New(p.uri, p.opts, p)
		if err := e.Connect(ctx); err != nil {
			return fmt.Errorf("pgpool: connecting engine %d/%d: %w", i+1, p.size, err)
		}
		p.mu.Lock()
		p.live++
		p.ready.PushBack(e)
		p.mu.Unlock()
	}
	return nil
}

// Acquire returns a ready engine, connecting a new one if the pool is
// under its size limit, or waiting in FIFO order for one to be
// released or freed otherwise.
func (p *Pool) Acquire(ctx context.Context) (*engine.Engine, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if front := p.ready.Front(); front != nil {
		p.ready.Remove(front)
		p.mu.Unlock()
		return front.Value.(*engine.Engine), nil
	}
	if p.live < p.size {
		p.live++
		p.mu.Unlock()

		e := engine.New(p.uri, p.opts, p)
		if err := e.Connect(ctx); err != nil {
			p.mu.Lock()
			p.live--
			p.mu.Unlock()
			return nil, err
		}
		return e, nil
	}

	w := &waiter{ready: make(chan struct{})}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	select {
	case <-w.ready:
		return w.e, w.err
	case <-ctx.Done():
		w.canceled.Store(true)
		select {
		case <-w.ready:
			return w.e, w.err
		default:
		}
		p.mu.Lock()
		p.waiters.Remove(elem)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Release returns e to the pool, handing it directly to the oldest
// waiter if one is queued, or otherwise placing it back on the free
// list. A disconnected engine is dropped without replacement, per this
// package's no-self-healing scope limit (see package doc).
func (p *Pool) Release(e *engine.Engine) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		_ = e.Close()
		return
	}
	if !e.Connected() {
		p.live--
		p.mu.Unlock()
		return
	}
	if p.handOff(e) {
		return
	}
	p.ready.PushBack(e)
	p.mu.Unlock()
}

// handOff must be called with p.mu held. It looks for the oldest
// non-canceled waiter, grants it e, and unlocks before returning true;
// if no waiter can take e, it returns false with the lock still held.
// Canceled entries it passes over are removed from the list.
func (p *Pool) handOff(e *engine.Engine) bool {
	for el := p.waiters.Front(); el != nil; {
		next := el.Next()
		w := el.Value.(*waiter)
		p.waiters.Remove(el)
		if w.canceled.Load() {
			el = next
			continue
		}
		w.e = e
		close(w.ready)
		p.mu.Unlock()
		return true
	}
	return false
}

// Close closes every idle engine and any waiters queued at the time of
// the call. Engines currently checked out via Acquire are closed as
// they're Released afterward.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true

	for el := p.ready.Front(); el != nil; el = el.Next() {
		e := el.Value.(*engine.Engine)
		go e.Close()
	}
	p.ready.Init()

	for el := p.waiters.Front(); el != nil; el = el.Next() {
		w := el.Value.(*waiter)
		w.err = ErrPoolClosed
		close(w.ready)
	}
	p.waiters.Init()
	p.mu.Unlock()
	return nil
}

// EngineReady implements engine.PoolCollaborator. This pool manages
// checkout state explicitly via Acquire/Release, so a readiness
// signal from an engine already tracked here needs no action beyond
// observability.
func (p *Pool) EngineReady(e *engine.Engine) {
	p.log.Debug("pgpool: engine ready", "state", e.ReadyState())
}

// EngineDisconnected implements engine.PoolCollaborator: it removes e
// from the free list if present (it may be sitting idle when the
// connection drops) and decrements the live count so a future Acquire
// can dial a replacement.
func (p *Pool) EngineDisconnected(e *engine.Engine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for el := p.ready.Front(); el != nil; el = el.Next() {
		if el.Value.(*engine.Engine) == e {
			p.ready.Remove(el)
			break
		}
	}
	p.live--
	if p.live < 0 {
		p.live = 0
	}
	p.log.Warn("pgpool: engine disconnected")
}

// Notification implements engine.PoolCollaborator, forwarding NOTIFY
// deliveries to Notifications(). When the buffer is full the new
// notification is logged and discarded, rather than blocking the owning
// engine's single goroutine.
func (p *Pool) Notification(_ *engine.Engine, channel, payload string) {
	select {
	case p.notifyCh <- Notification{Channel: channel, Payload: payload}:
	default:
		p.log.Warn("pgpool: notification channel full, dropping", "channel", channel)
	}
}

// Notifications returns the channel NOTIFY deliveries are published on.
func (p *Pool) Notifications() <-chan Notification { return p.notifyCh }

// Stats reports the pool's current occupancy.
type Stats struct {
	Size    int
	Live    int
	Ready   int
	Waiting int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:    p.size,
		Live:    p.live,
		Ready:   p.ready.Len(),
		Waiting: p.waiters.Len(),
	}
}
