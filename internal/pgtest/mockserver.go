// Package pgtest is a pgmock-backed mock PostgreSQL server for
// pkg/engine's tests, built on github.com/jackc/pgmock the same way
// jackc/pgconn's own pgconn_test.go scripts a fake backend, to drive
// the client-role scenarios this engine exercises: the happy-query
// path, an error followed by recovery, and NOTIFY delivery.
package pgtest

import (
	"net"
	"testing"

	"github.com/jackc/pgmock"
	"github.com/jackc/pgproto3/v2"
)

// MockServer accepts one connection and drives it through a scripted
// sequence of backend-role protocol steps.
type MockServer struct {
	Script   *pgmock.Script
	Listener net.Listener
	t        *testing.T
}

// New creates a mock server listening on an ephemeral loopback port,
// scripted with steps.
func New(t *testing.T, steps ...pgmock.Step) *MockServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("pgtest: failed to listen: %v", err)
	}

	return &MockServer{
		Script:   &pgmock.Script{Steps: steps},
		Listener: listener,
		t:        t,
	}
}

// Addr returns "host:port" for use in a pguri.ConnectionURI.
func (m *MockServer) Addr() string { return m.Listener.Addr().String() }

// Serve accepts a single connection and runs the script against it.
// Call it in its own goroutine and collect the error over a channel.
func (m *MockServer) Serve() error {
	conn, err := m.Listener.Accept()
	if err != nil {
		return err
	}
	defer conn.Close()

	backend := pgproto3.NewBackend(pgproto3.NewChunkReader(conn), conn)
	return m.Script.Run(backend)
}

// Close stops accepting new connections.
func (m *MockServer) Close() error { return m.Listener.Close() }

// TrustAuth returns the steps for a startup handshake that requires no
// password at all (PostgreSQL's "trust" auth method).
func TrustAuth() []pgmock.Step {
	return pgmock.AcceptUnauthenticatedConnRequestSteps()
}

// ExpectQuery expects a simple-query-protocol Query message.
func ExpectQuery(sql string) pgmock.Step {
	return pgmock.ExpectMessage(&pgproto3.Query{String: sql})
}

// ExpectParse expects the Parse message an extended-query begins with.
func ExpectParse(sql string) pgmock.Step {
	return pgmock.ExpectMessage(&pgproto3.Parse{Query: sql})
}

// RowDescription sends column metadata.
func RowDescription(fields []pgproto3.FieldDescription) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.RowDescription{Fields: fields})
}

// DataRow sends one row of column values.
func DataRow(values [][]byte) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.DataRow{Values: values})
}

// CommandComplete sends the tag ending a query.
func CommandComplete(tag string) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.CommandComplete{CommandTag: []byte(tag)})
}

// ReadyForQuery sends the transaction-status byte marking idle time.
func ReadyForQuery(status byte) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.ReadyForQuery{TxStatus: status})
}

// ErrorResponse sends a backend error.
func ErrorResponse(severity, code, message string) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.ErrorResponse{
		Severity: severity,
		Code:     code,
		Message:  message,
	})
}

// NotificationResponse sends an asynchronous NOTIFY delivery.
func NotificationResponse(pid uint32, channel, payload string) pgmock.Step {
	return pgmock.SendMessage(&pgproto3.NotificationResponse{
		PID:     pid,
		Channel: channel,
		Payload: payload,
	})
}

// WaitForClose waits for the client to close the connection.
func WaitForClose() pgmock.Step {
	return pgmock.WaitForClose()
}

// SimpleQuerySteps scripts the common expect-query/complete/ready cycle.
func SimpleQuerySteps(sql, tag string) []pgmock.Step {
	return []pgmock.Step{
		ExpectQuery(sql),
		CommandComplete(tag),
		ReadyForQuery('I'),
	}
}

// SimpleSelectSteps scripts a SELECT returning rows before completing.
func SimpleSelectSteps(sql string, fields []pgproto3.FieldDescription, rows [][][]byte, tag string) []pgmock.Step {
	steps := []pgmock.Step{
		ExpectQuery(sql),
		RowDescription(fields),
	}
	for _, row := range rows {
		steps = append(steps, DataRow(row))
	}
	return append(steps, CommandComplete(tag), ReadyForQuery('I'))
}

// FailingQuerySteps scripts a query that the backend rejects.
func FailingQuerySteps(sql, severity, code, message string) []pgmock.Step {
	return []pgmock.Step{
		ExpectQuery(sql),
		ErrorResponse(severity, code, message),
		ReadyForQuery('E'),
	}
}
