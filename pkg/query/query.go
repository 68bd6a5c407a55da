// Package query defines the Query object the engine consumes and
// updates over the life of one simple or extended query: bind
// parameters, a row sink, the completion/ready-to-stream futures, and
// the COPY IN streaming and flow-control surfaces. The engine
// (pkg/engine) owns dispatch; this package only holds the shared
// state and the one-shot future primitives, each resolved at most once
// through a sync.Once-guarded channel send or close.
package query

import (
	"context"
	"io"
	"sync"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/vela-db/pgengine/pkg/pgerr"
)

// RowSink receives the decoded results of one query. Implementations
// must not block indefinitely; Row is called on the engine's single
// owning goroutine.
type RowSink interface {
	SetRowDescription(desc *pgproto3.RowDescription)
	Row(values [][]byte)
	Finish()
}

// Result is what a Query's Completed future resolves with.
type Result struct {
	// Tag is the backend's CommandComplete tag, e.g. "SELECT 1".
	Tag string
	// Err is non-nil if the query failed; typically a *pgerr.Err built
	// from a backend ErrorResponse, or pgerr.ErrDisconnected if the
	// engine tears down before the query completes.
	Err error
}

// Mode distinguishes the simple-query path from the extended one;
// SimpleQuery and HandleQuery set it. Whether Close/Sync follow
// immediately or wait on COPY IN completion is decided by CopyInSource,
// not by Mode.
type Mode int

const (
	ModeSimple Mode = iota
	ModeExtended
)

// Query is one request-response cycle against a connected engine.
// Exactly one Query may be active on an engine at a time.
type Query struct {
	SQL    string
	Params [][]byte
	Sink   RowSink
	Mode   Mode

	// CopyInSource is a pull-based byte source for COPY IN payloads. Nil
	// unless the query issues a COPY ... FROM STDIN. The engine reads it
	// to exhaustion, sending CopyData for each non-empty chunk, then
	// sends CopyDone, Close, Sync.
	CopyInSource io.Reader

	// FlowControl emits true=resume, false=pause. The engine subscribes
	// lazily on the first DataRow and toggles the transport's want_read
	// gate accordingly; nil means "always resume" (no backpressure).
	FlowControl <-chan bool

	RowDescription *pgproto3.RowDescription

	completed     chan Result
	completeOnce  sync.Once
	readyToStream chan struct{}
	streamOnce    sync.Once
}

// New builds a Query ready to be handed to the engine.
func New(sql string, params [][]byte, sink RowSink) *Query {
	return &Query{
		SQL:           sql,
		Params:        params,
		Sink:          sink,
		completed:     make(chan Result, 1),
		readyToStream: make(chan struct{}),
	}
}

// Succeed resolves the Completed future with a successful tag. Safe to
// call at most meaningfully once; later calls are no-ops.
func (q *Query) Succeed(tag string) {
	q.completeOnce.Do(func() {
		q.completed <- Result{Tag: tag}
	})
}

// Fail resolves the Completed future with an error.
func (q *Query) Fail(err error) {
	q.completeOnce.Do(func() {
		q.completed <- Result{Err: err}
	})
}

// Wait blocks until the query completes or ctx is cancelled.
func (q *Query) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-q.completed:
		return r, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// MarkReadyToStream resolves the ReadyToStream future, signalling that
// the server sent CopyInResponse and the engine is about to start
// draining CopyInSource.
func (q *Query) MarkReadyToStream() {
	q.streamOnce.Do(func() { close(q.readyToStream) })
}

// ReadyToStream is closed once MarkReadyToStream has run.
func (q *Query) ReadyToStream() <-chan struct{} { return q.readyToStream }

// FailIfPending is called during teardown to guarantee the Completed
// future always resolves.
func (q *Query) FailIfPending() {
	q.Fail(pgerr.ErrDisconnected)
}
