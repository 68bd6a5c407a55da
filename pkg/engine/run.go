package engine

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/vela-db/pgengine/pkg/transport"
)

// run is the sole goroutine that ever mutates engine state after
// Connect launches it. It multiplexes three event sources: commands
// from external callers (SimpleQuery/HandleQuery/Close), decoded
// backend messages from the transport, and the active query's
// flow-control signal once subscribed.
func (e *Engine) run() {
	reading := e.transport.Reading()

	for {
		select {
		case cmd := <-e.cmds:
			if !e.handleCommand(cmd) {
				return
			}

		case res := <-reading:
			if !e.handleRead(res) {
				return
			}

		case want, ok := <-e.flowControl:
			if !ok {
				e.flowControl = nil
				continue
			}
			e.setWantRead(want)
		}
	}
}

func (e *Engine) handleRead(res transport.ReadResult[pgproto3.BackendMessage]) bool {
	if res.Error != nil {
		e.log.Debug("connection closed", "error", res.Error, "state", e.state)
		e.disconnect()
		return false
	}

	if err := e.dispatch(res.Value); err != nil {
		e.log.Error("dispatch error, closing connection", "error", err, "state", e.state)
		e.disconnect()
		return false
	}

	if e.state == StateClosed {
		return false
	}

	e.afterMessage()
	return true
}

func (e *Engine) afterMessage() {
	if e.wantRead {
		e.transport.Continue()
	} else {
		e.continuePending = true
	}
}

func (e *Engine) setWantRead(want bool) {
	e.wantRead = want
	if want && e.continuePending {
		e.continuePending = false
		e.transport.Continue()
	}
}

func (e *Engine) disconnect() {
	if e.met != nil && e.connected.Load() {
		e.met.Disconnected()
	}
	e.runTeardown()
	if e.pool != nil {
		e.pool.EngineDisconnected(e)
	}
}

func (e *Engine) handleCommand(cmd any) bool {
	switch c := cmd.(type) {
	case closeCmd:
		if e.met != nil && e.connected.Load() {
			e.met.Disconnected()
		}
		e.runTeardown()
		return false

	case simpleQueryCmd:
		c.ack <- e.startSimpleQuery(c.q)
		return e.state != StateClosed

	case extendedQueryCmd:
		c.ack <- e.startExtendedQuery(c.q)
		return e.state != StateClosed

	default:
		panic(fmt.Sprintf("pgengine: engine: unknown command %T", cmd))
	}
}
