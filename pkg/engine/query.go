package engine

import (
	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/vela-db/pgengine/pkg/pgerr"
	"github.com/vela-db/pgengine/pkg/query"
)

type simpleQueryCmd struct {
	q   *query.Query
	ack chan error
}

type extendedQueryCmd struct {
	q   *query.Query
	ack chan error
}

// SimpleQuery runs q as a single Query message. Requires the engine
// to be ReadyForQuery and idle; fails with ErrBusy if a query is
// already active, or ErrDisconnected if not connected. It returns
// once the request has been accepted (not once it completes); await
// q.Wait to observe the result.
func (e *Engine) SimpleQuery(q *query.Query) error {
	q.Mode = query.ModeSimple
	return e.submitQuery(simpleQueryCmd{q: q, ack: make(chan error, 1)})
}

// HandleQuery runs q via the extended-query protocol (Parse/Bind/
// Describe/Execute[/Close/Sync]). This is the single extended-query
// surface; there is no separate "query" alias.
func (e *Engine) HandleQuery(q *query.Query) error {
	q.Mode = query.ModeExtended
	return e.submitQuery(extendedQueryCmd{q: q, ack: make(chan error, 1)})
}

func (e *Engine) submitQuery(cmd any) error {
	var ack chan error
	switch c := cmd.(type) {
	case simpleQueryCmd:
		ack = c.ack
	case extendedQueryCmd:
		ack = c.ack
	}

	select {
	case e.cmds <- cmd:
	case <-e.closed:
		return pgerr.ErrDisconnected
	}

	select {
	case err := <-ack:
		return err
	case <-e.closed:
		return pgerr.ErrDisconnected
	}
}

func (e *Engine) startSimpleQuery(q *query.Query) error {
	if err := e.guardIdle(); err != nil {
		return err
	}

	e.activeQuery = q
	e.state = StateQueryActive
	e.readyState.Store("")

	e.transport.Frontend().Send(&pgproto3.Query{String: q.SQL})
	if err := e.transport.Flush(); err != nil {
		e.activeQuery = nil
		e.state = StateReadyForQuery
		return err
	}
	if e.met != nil {
		e.met.QueryStarted()
	}
	return nil
}

func (e *Engine) startExtendedQuery(q *query.Query) error {
	if err := e.guardIdle(); err != nil {
		return err
	}

	e.activeQuery = q
	e.state = StateQueryActive
	e.readyState.Store("")

	fe := e.transport.Frontend()
	fe.Send(&pgproto3.Parse{Query: q.SQL})
	fe.Send(&pgproto3.Bind{Parameters: q.Params})
	fe.Send(&pgproto3.Describe{ObjectType: 'P'})
	fe.Send(&pgproto3.Execute{})
	if q.CopyInSource == nil {
		fe.Send(&pgproto3.Close{ObjectType: 'S'})
		fe.Send(&pgproto3.Sync{})
	}

	if err := e.transport.Flush(); err != nil {
		e.activeQuery = nil
		e.state = StateReadyForQuery
		return err
	}
	if e.met != nil {
		e.met.QueryStarted()
	}
	return nil
}

// guardIdle enforces that no new query may begin until ReadyForQuery
// for the prior one: Busy while a query is active (including one that
// has already failed but whose ReadyForQuery has not yet arrived),
// Disconnected otherwise.
func (e *Engine) guardIdle() error {
	if e.activeQuery != nil || e.state == StateQueryActive {
		return pgerr.ErrBusy
	}
	if e.state != StateReadyForQuery {
		return pgerr.ErrDisconnected
	}
	return nil
}
