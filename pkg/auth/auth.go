// Package auth drives one connection's authentication exchange: given
// the backend's chosen mechanism, it produces the frontend messages
// that complete authentication, using pguri-resolved credentials.
//
// The dispatch shape mirrors jackc/pgconn's client-role
// rxAuthenticationX (a switch over the Authentication* message kind,
// responding to Cleartext and MD5 by sending a PasswordMessage), and
// mulldb's server/connection.go shows the same startup-handshake
// framing from the opposite role. SCRAM math is delegated to pkg/scram.
package auth

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/vela-db/pgengine/pkg/pgerr"
	"github.com/vela-db/pgengine/pkg/scram"
)

// scramMechanism is the only SASL mechanism this engine offers; channel
// binding variants (SCRAM-SHA-256-PLUS) are not supported.
const scramMechanism = "SCRAM-SHA-256"

// Sender is the subset of pgproto3.Frontend the auth engine needs to
// issue frontend messages; satisfied by *pgproto3.Frontend and by test
// doubles.
type Sender interface {
	Send(msg pgproto3.FrontendMessage)
	Flush() error
}

// State drives one connection's authentication exchange. It is not
// safe for concurrent use; the owning engine goroutine drives it
// exclusively.
type State struct {
	user     string
	password string

	scramFirst *scram.ClientFirst
	scramFinal *scram.ClientFinal
	done       bool
}

// New creates an authentication State for the given credentials.
func New(user, password string) *State {
	return &State{user: user, password: password}
}

// Done reports whether AuthenticationOk has been observed.
func (s *State) Done() bool { return s.done }

// HandleMessage dispatches one Authentication* backend message,
// writing (and flushing) whatever frontend response is required. It
// returns nil for AuthenticationOk (the caller should stop
// calling HandleMessage and move on to ParameterStatus/BackendKeyData
// handling), and a non-nil error for any failure or unsupported
// mechanism.
func (s *State) HandleMessage(sender Sender, msg pgproto3.BackendMessage) error {
	switch m := msg.(type) {
	case *pgproto3.AuthenticationOk:
		s.done = true
		return nil

	case *pgproto3.AuthenticationCleartextPassword:
		sender.Send(&pgproto3.PasswordMessage{Password: s.password})
		return sender.Flush()

	case *pgproto3.AuthenticationMD5Password:
		digest := md5Password(s.user, s.password, m.Salt)
		sender.Send(&pgproto3.PasswordMessage{Password: digest})
		return sender.Flush()

	case *pgproto3.AuthenticationSASL:
		return s.beginSCRAM(sender, m.AuthMechanisms)

	case *pgproto3.AuthenticationSASLContinue:
		return s.continueSCRAM(sender, m.Data)

	case *pgproto3.AuthenticationSASLFinal:
		return s.finishSCRAM(m.Data)

	case *pgproto3.AuthenticationGSS, *pgproto3.AuthenticationGSSContinue:
		// The upstream client this engine is modeled on declares handlers
		// for these that throw "not yet implemented" rather than
		// attempting real GSS semantics; do the same. pgproto3 has no
		// message types for SSPI or Kerberos V5 requests, so this switch
		// does not handle them.
		return pgerr.ErrAuthMechanismUnsupported

	case *pgproto3.ErrorResponse:
		return pgerr.FromErrorResponse(m)

	default:
		return fmt.Errorf("pgengine: auth: unexpected message %T during authentication", msg)
	}
}

func (s *State) beginSCRAM(sender Sender, mechanisms []string) error {
	supported := false
	for _, mech := range mechanisms {
		if mech == scramMechanism {
			supported = true
			break
		}
	}
	if !supported {
		return pgerr.ErrAuthMechanismUnsupported
	}

	first, err := scram.NewClientFirst()
	if err != nil {
		return err
	}
	s.scramFirst = &first

	sender.Send(&pgproto3.SASLInitialResponse{
		AuthMechanism: scramMechanism,
		Data:          []byte(first.Message),
	})
	return sender.Flush()
}

func (s *State) continueSCRAM(sender Sender, data []byte) error {
	if s.scramFirst == nil {
		return fmt.Errorf("pgengine: auth: AuthenticationSASLContinue received before SASLInitialResponse was sent")
	}

	serverFirst, err := scram.ParseServerFirst(string(data))
	if err != nil {
		return err
	}
	if serverFirst.Rounds < 1 {
		return pgerr.ErrScramBadIterationCount
	}

	final, err := scram.ComputeClientFinal(s.password, *s.scramFirst, serverFirst)
	if err != nil {
		return err
	}
	s.scramFinal = &final

	sender.Send(&pgproto3.SASLResponse{Data: []byte(final.Message)})
	return sender.Flush()
}

func (s *State) finishSCRAM(data []byte) error {
	if s.scramFinal == nil {
		return fmt.Errorf("pgengine: auth: AuthenticationSASLFinal received before SASLResponse was sent")
	}
	if !scram.VerifyServerSignature(s.scramFinal.ExpectedServerSignature, extractServerSignature(string(data))) {
		return pgerr.ErrScramServerSignatureMismatch
	}
	return nil
}

// extractServerSignature pulls the "v=" attribute out of the
// server-final-message; AuthenticationSASLFinal carries only that
// attribute for the mechanism this engine speaks.
func extractServerSignature(msg string) string {
	if len(msg) >= 2 && msg[:2] == "v=" {
		return msg[2:]
	}
	return ""
}

// md5Password computes libpq's "md5" + md5hex(md5hex(password+user) + salt)
// digest.
func md5Password(user, password string, salt [4]byte) string {
	return "md5" + hexMD5(hexMD5(password+user)+string(salt[:]))
}

func hexMD5(s string) string {
	h := md5.New()
	io.WriteString(h, s)
	return hex.EncodeToString(h.Sum(nil))
}
