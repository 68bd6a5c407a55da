// Package pgerr defines the error kinds this engine surfaces, per the
// engine's error-handling design: connect/auth failures propagate as
// sentinel errors, while a backend ErrorResponse becomes an *Err
// carrying the SQLSTATE and severity through to the failing query.
package pgerr

import (
	"errors"
	"fmt"
	"runtime"

	"github.com/jackc/pgx/v5/pgproto3"
)

// Sentinel errors for connect/auth/query-lifecycle failures.
var (
	ErrAlreadyConnected             = errors.New("pgengine: connect called on an already-connecting or connected engine")
	ErrConnectFailed                = errors.New("pgengine: socket-level connect failure")
	ErrTLSRefused                   = errors.New("pgengine: server refused TLS and sslmode=require")
	ErrUnexpectedSSLResponse        = errors.New("pgengine: server sent an unexpected byte in response to SSLRequest")
	ErrServerClosedDuringSSL        = errors.New("pgengine: server closed the connection during SSL negotiation")
	ErrAuthMechanismUnsupported     = errors.New("pgengine: unsupported authentication mechanism")
	ErrScramBadIterationCount       = errors.New("pgengine: SCRAM server sent an iteration count below 1")
	ErrScramServerSignatureMismatch = errors.New("pgengine: SCRAM server signature did not match expected value")
	ErrBusy                         = errors.New("pgengine: a query is already active on this engine")
	ErrDisconnected                 = errors.New("pgengine: connection was lost")
	ErrConfig                       = errors.New("pgengine: invalid configuration")
)

// Err wraps a PostgreSQL ErrorResponse, matching the wire fields the
// spec requires callers be able to inspect: a five-digit SQLSTATE and
// severity, plus whatever else the backend sent.
type Err struct {
	Severity string
	Code     string
	Message  string
	Detail   string
	Hint     string
	Where    string

	// File/Line record where in this codebase the error was constructed,
	// useful for engine-synthesized errors (protocol violations) as
	// opposed to ones relayed verbatim from the server.
	File string
	Line int32

	// Cause is set for engine-synthesized errors that wrap another Go error.
	Cause error
}

var _ error = (*Err)(nil)

func (e *Err) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s %s: %s: %s", e.Severity, e.Code, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s %s: %s", e.Severity, e.Code, e.Message)
}

func (e *Err) Unwrap() error {
	return e.Cause
}

// FromErrorResponse converts a backend ErrorResponse into an *Err.
func FromErrorResponse(msg *pgproto3.ErrorResponse) *Err {
	return &Err{
		Severity: msg.Severity,
		Code:     msg.Code,
		Message:  msg.Message,
		Detail:   msg.Detail,
		Hint:     msg.Hint,
		Where:    msg.Where,
	}
}

// New constructs an engine-synthesized error at the given severity/code,
// recording the call site the way the teacher's NewErr does.
func New(severity, code, message string, cause error) *Err {
	_, file, line, _ := runtime.Caller(1)
	return &Err{
		Severity: severity,
		Code:     code,
		Message:  message,
		File:     file,
		Line:     int32(line),
		Cause:    cause,
	}
}

// Severity values PostgreSQL reports on ErrorResponse.
const (
	SeverityError = "ERROR"
	SeverityFatal = "FATAL"
)
