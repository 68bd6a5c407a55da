package engine

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/vela-db/pgengine/pkg/pgerr"
)

// dispatch is a pure function of (engine state, backend message),
// expressed as a Go type switch over pgproto3's message types, in the
// same shape as jackc/pgconn's client-role message dispatch. Any
// returned error is treated as fatal for the connection.
func (e *Engine) dispatch(msg pgproto3.BackendMessage) error {
	switch m := msg.(type) {
	case *pgproto3.AuthenticationOk,
		*pgproto3.AuthenticationCleartextPassword,
		*pgproto3.AuthenticationMD5Password,
		*pgproto3.AuthenticationSASL,
		*pgproto3.AuthenticationSASLContinue,
		*pgproto3.AuthenticationSASLFinal,
		*pgproto3.AuthenticationGSS,
		*pgproto3.AuthenticationGSSContinue:
		return e.dispatchAuth(msg)

	case *pgproto3.ParameterStatus:
		e.setParameterStatus(m.Name, m.Value)
		return nil

	case *pgproto3.BackendKeyData:
		e.backendKeyData = m
		e.log.Debug("backend key data received", "pid", m.ProcessID)
		return nil

	case *pgproto3.ReadyForQuery:
		return e.dispatchReadyForQuery(m)

	case *pgproto3.RowDescription:
		if e.activeQuery == nil {
			e.log.Warn("row_description with no active query, discarding")
			return nil
		}
		e.activeQuery.RowDescription = m
		e.activeQuery.Sink.SetRowDescription(m)
		return nil

	case *pgproto3.DataRow:
		return e.dispatchDataRow(m)

	case *pgproto3.CommandComplete:
		return e.dispatchCommandComplete(m)

	case *pgproto3.EmptyQueryResponse, *pgproto3.NoData,
		*pgproto3.ParseComplete, *pgproto3.BindComplete, *pgproto3.CloseComplete:
		e.log.Debug("query lifecycle event", "type", fmt.Sprintf("%T", msg))
		return nil

	case *pgproto3.NoticeResponse:
		e.log.Info("server notice", "message", m.Message, "severity", m.Severity)
		return nil

	case *pgproto3.ErrorResponse:
		return e.dispatchErrorResponse(m)

	case *pgproto3.CopyInResponse:
		return e.dispatchCopyInResponse()

	case *pgproto3.CopyOutResponse:
		return nil

	case *pgproto3.CopyData:
		if e.activeQuery == nil {
			e.log.Warn("copy_data with no active query, discarding")
			return nil
		}
		e.activeQuery.Sink.Row([][]byte{m.Data})
		return nil

	case *pgproto3.CopyDone:
		return nil

	case *pgproto3.NotificationResponse:
		if e.pool != nil {
			e.pool.Notification(e, m.Channel, m.Payload)
		}
		return nil

	default:
		e.log.Warn("unknown backend message kind", "type", fmt.Sprintf("%T", msg))
		return nil
	}
}

func (e *Engine) dispatchAuth(msg pgproto3.BackendMessage) error {
	if err := e.authState.HandleMessage(e.transport.Frontend(), msg); err != nil {
		return err
	}
	if e.authState.Done() {
		e.state = StateAuthDone
	}
	return nil
}

func (e *Engine) dispatchReadyForQuery(m *pgproto3.ReadyForQuery) error {
	if e.activeQuery != nil {
		e.activeQuery = nil
	}
	e.flowControl = nil
	e.continuePending = false
	e.wantRead = true

	e.readyState.Store(string(m.TxStatus))
	e.state = StateReadyForQuery

	e.readyOne.Do(func() {
		e.connected.Store(true)
		select {
		case e.connectResult <- nil:
		default:
		}
	})

	if e.pool != nil {
		e.pool.EngineReady(e)
	}
	return nil
}

func (e *Engine) dispatchDataRow(m *pgproto3.DataRow) error {
	if e.activeQuery == nil {
		e.log.Warn("data_row with no active query, discarding")
		return nil
	}
	if e.flowControl == nil && e.activeQuery.FlowControl != nil {
		e.flowControl = e.activeQuery.FlowControl
	}
	e.activeQuery.Sink.Row(m.Values)
	return nil
}

func (e *Engine) dispatchCommandComplete(m *pgproto3.CommandComplete) error {
	e.flowControl = nil
	if e.activeQuery == nil {
		e.log.Warn("command_complete with no active query, discarding")
		return nil
	}
	q := e.activeQuery
	q.Sink.Finish()
	if e.met != nil {
		e.met.QueryCompleted(true)
	}
	q.Succeed(string(m.CommandTag))
	return nil
}

func (e *Engine) dispatchErrorResponse(m *pgproto3.ErrorResponse) error {
	err := pgerr.FromErrorResponse(m)
	if e.activeQuery != nil {
		q := e.activeQuery
		e.activeQuery = nil
		e.flowControl = nil
		q.Sink.Finish()
		if e.met != nil {
			e.met.QueryCompleted(false)
		}
		q.Fail(err)
		return nil
	}
	e.log.Error("server error with no active query", "code", err.Code, "message", err.Message)
	return nil
}

// dispatchCopyInResponse drains the active query's CopyInSource to
// exhaustion and issues CopyDone/Close/Sync. It runs synchronously on
// the owning goroutine: PostgreSQL does not interleave meaningful
// protocol traffic with an in-progress COPY IN besides an
// ErrorResponse aborting it, which this engine will observe only
// after the copy finishes and Sync is sent.
func (e *Engine) dispatchCopyInResponse() error {
	if e.activeQuery == nil {
		return fmt.Errorf("pgengine: engine: copy_in_response with no active query")
	}
	q := e.activeQuery
	q.MarkReadyToStream()

	fe := e.transport.Frontend()
	buf := make([]byte, 64*1024)
	for {
		n, readErr := q.CopyInSource.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			fe.Send(&pgproto3.CopyData{Data: chunk})
		}
		if readErr != nil {
			break
		}
	}

	fe.Send(&pgproto3.CopyDone{})
	fe.Send(&pgproto3.Close{ObjectType: 'S'})
	fe.Send(&pgproto3.Sync{})
	return e.transport.Flush()
}
