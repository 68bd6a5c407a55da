package engine

import "github.com/vela-db/pgengine/pkg/pgerr"

type closeCmd struct{}

// runTeardown performs an ordered, idempotent teardown of every piece
// of engine state. It is safe to call from the Connect goroutine
// before run() has started (no data race, since run() has not yet
// begun touching engine state) or from within run() itself.
func (e *Engine) runTeardown() {
	e.teardown.Do(func() {
		// 1. fail active query with Disconnected.
		if e.activeQuery != nil {
			e.activeQuery.FailIfPending()
			e.activeQuery = nil
		}
		// 2/3. idle and authenticated futures: modeled by connected/state,
		// finished below.
		// 4. finish connected observable.
		e.connected.Store(false)
		e.readyState.Store("")
		// 5/6. finish outgoing sink / incoming source.
		if e.transport != nil {
			e.transport.Cancel()
		}
		// 7. close socket and detach.
		if e.transport != nil {
			_ = e.transport.Close()
		}
		// 8. cancel outstanding connection future.
		if e.connectResult != nil {
			select {
			case e.connectResult <- pgerr.ErrDisconnected:
			default:
			}
		}
		// 9. finish every parameter observable.
		e.paramStatus.Store(map[string]string{})
		// 10. drop per-connection protocol state (auth exchange and
		// flow-control subscription); the codec goes with the closed
		// transport.
		e.authState = nil
		e.flowControl = nil

		e.state = StateClosed
		close(e.closed)
	})
}
