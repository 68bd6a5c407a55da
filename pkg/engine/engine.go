// Package engine implements the per-connection state machine: connect,
// TLS bring-up, authentication, and the query dispatch loop,
// culminating in ordered teardown. Connect performs the dial, TLS and
// startup steps on the caller's goroutine and then starts run; from
// that point exactly one goroutine (run) owns all mutable engine state,
// and SimpleQuery, HandleQuery and Close hand their requests to it over
// a channel rather than taking a lock, so no engine state is ever
// touched from two goroutines at once. This extends pkg/transport's ChanReader hand-off discipline,
// itself adapted from mulldb's server/connection.go per-connection
// goroutine model, to a full request/response actor loop.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/vela-db/pgengine/pkg/auth"
	"github.com/vela-db/pgengine/pkg/pgerr"
	"github.com/vela-db/pgengine/pkg/pguri"
	"github.com/vela-db/pgengine/pkg/query"
	"github.com/vela-db/pgengine/pkg/transport"
)

// State is one node of the connection's lifecycle state machine.
type State int

const (
	StateInit State = iota
	StateTCPConnected
	StateTLSReady
	StateAwaitingAuth
	StateAuthDone
	StateReadyForQuery
	StateQueryActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "Init"
	case StateTCPConnected:
		return "TcpConnected"
	case StateTLSReady:
		return "TlsReady"
	case StateAwaitingAuth:
		return "AwaitingAuth"
	case StateAuthDone:
		return "AuthDone"
	case StateReadyForQuery:
		return "ReadyForQuery"
	case StateQueryActive:
		return "QueryActive"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// PoolCollaborator is the external connection pool's view of an
// Engine: the callbacks a pool needs to track readiness, disconnects,
// and LISTEN/NOTIFY delivery without reaching into engine internals.
type PoolCollaborator interface {
	EngineReady(e *Engine)
	EngineDisconnected(e *Engine)
	Notification(e *Engine, channel, payload string)
}

// Metrics is the subset of pkg/observability's Prometheus surface the
// engine drives; kept as an interface here so the engine package
// itself carries no direct prometheus import.
type Metrics interface {
	ConnectAttempt()
	ConnectSucceeded()
	ConnectFailed()
	QueryStarted()
	QueryCompleted(ok bool)
	Disconnected()
}

// Options configures one Engine.
type Options struct {
	Transport transport.Options
	Env       pguri.Env
	Logger    *slog.Logger
	Metrics   Metrics
}

// Engine is one connection's state machine.
type Engine struct {
	uri  pguri.ConnectionURI
	opts Options
	pool PoolCollaborator
	log  *slog.Logger
	met  Metrics

	connectStarted atomic.Bool
	connected      atomic.Bool
	readyState     atomic.Value // string: "" or "I"/"T"/"E"
	paramStatus    atomic.Value // map[string]string, replaced wholesale

	transport *transport.Transport
	authState *auth.State

	// Fields below this line are touched only by the run goroutine.
	state          State
	activeQuery    *query.Query
	flowControl    <-chan bool
	wantRead       bool
	continuePending bool
	backendKeyData *pgproto3.BackendKeyData

	cmds     chan any
	closed   chan struct{}
	teardown sync.Once
	readyOne sync.Once

	connectResult chan error
}

// New constructs an Engine for uri. Connect must be called before any
// other method.
func New(uri pguri.ConnectionURI, opts Options, pool PoolCollaborator) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	e := &Engine{
		uri:    uri,
		opts:   opts,
		pool:   pool,
		log:    opts.Logger,
		met:    opts.Metrics,
		cmds:   make(chan any),
		closed: make(chan struct{}),
	}
	e.readyState.Store("")
	e.paramStatus.Store(map[string]string{})
	e.wantRead = true
	return e
}

// Connected reports whether the engine currently believes it has a
// live connection. Safe for concurrent use.
func (e *Engine) Connected() bool { return e.connected.Load() }

// ReadyState returns "" while busy/not yet ready, or the single-byte
// transaction status ("I"/"T"/"E") once ReadyForQuery has been seen.
func (e *Engine) ReadyState() string { return e.readyState.Load().(string) }

// ParameterStatus returns the last value the backend reported for key.
func (e *Engine) ParameterStatus(key string) (string, bool) {
	v, ok := e.paramStatus.Load().(map[string]string)[key]
	return v, ok
}

func (e *Engine) setParameterStatus(key, value string) {
	old := e.paramStatus.Load().(map[string]string)
	next := make(map[string]string, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[key] = value
	e.paramStatus.Store(next)
}

// Connect dials, negotiates TLS, sends the startup message, and drives
// authentication through to the first ReadyForQuery. A second call on
// the same Engine fails with ErrAlreadyConnected.
func (e *Engine) Connect(ctx context.Context) error {
	if !e.connectStarted.CompareAndSwap(false, true) {
		return pgerr.ErrAlreadyConnected
	}
	if e.met != nil {
		e.met.ConnectAttempt()
	}

	conn, err := transport.DialRaw(ctx, e.uri, e.uri.Keepalives)
	if err != nil {
		e.failConnect()
		e.runTeardown()
		return err
	}
	e.state = StateTCPConnected

	tlsConn, err := transport.NegotiateTLS(ctx, conn, e.uri.SSLMode, e.uri.Host, e.opts.Transport.TLSConfig)
	if err != nil {
		conn.Close()
		e.failConnect()
		e.runTeardown()
		return err
	}
	conn = tlsConn
	e.state = StateTLSReady

	e.transport = transport.New(conn, e.opts.Transport)

	e.transport.Frontend().Send(&pgproto3.StartupMessage{
		ProtocolVersion: pgproto3.ProtocolVersionNumber,
		Parameters:      e.uri.StartupParameters(),
	})
	if err := e.transport.Flush(); err != nil {
		e.failConnect()
		e.runTeardown()
		return fmt.Errorf("%w: sending startup message: %v", pgerr.ErrConnectFailed, err)
	}
	e.state = StateAwaitingAuth

	env := e.opts.Env
	if env == nil {
		env = pguri.OSEnv{}
	}
	password, err := pguri.ResolvePassword(env, e.uri)
	if err != nil {
		e.failConnect()
		e.runTeardown()
		return err
	}
	e.authState = auth.New(e.uri.User, password)

	e.connectResult = make(chan error, 1)
	go e.run()

	select {
	case err := <-e.connectResult:
		if err != nil {
			e.failConnect()
		} else {
			e.connected.Store(true)
			if e.met != nil {
				e.met.ConnectSucceeded()
			}
		}
		return err
	case <-ctx.Done():
		e.Close()
		e.failConnect()
		return ctx.Err()
	}
}

func (e *Engine) failConnect() {
	if e.met != nil {
		e.met.ConnectFailed()
	}
}

// Close tears down the engine. Idempotent. Callers should invoke it
// after Connect has returned (successfully or not); calling it
// concurrently with an in-flight Connect is not supported, since
// connect and teardown share ownership of engine state serially
// rather than through a lock.
func (e *Engine) Close() error {
	select {
	case <-e.closed:
		return nil
	default:
	}
	if e.connectStarted.Load() {
		select {
		case e.cmds <- closeCmd{}:
		case <-e.closed:
			return nil
		}
	} else {
		e.runTeardown()
	}
	<-e.closed
	return nil
}

// Done is closed once teardown has completed.
func (e *Engine) Done() <-chan struct{} { return e.closed }
