package auth

import (
	"encoding/base64"
	"testing"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vela-db/pgengine/pkg/pgerr"
)

type fakeSender struct {
	sent    []pgproto3.FrontendMessage
	flushed int
}

func (f *fakeSender) Send(msg pgproto3.FrontendMessage) { f.sent = append(f.sent, msg) }
func (f *fakeSender) Flush() error                      { f.flushed++; return nil }

func TestHandleMessage_Cleartext(t *testing.T) {
	s := New("bob", "secret")
	sender := &fakeSender{}

	err := s.HandleMessage(sender, &pgproto3.AuthenticationCleartextPassword{})
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	pw, ok := sender.sent[0].(*pgproto3.PasswordMessage)
	require.True(t, ok)
	assert.Equal(t, "secret", pw.Password)
	assert.Equal(t, 1, sender.flushed)
	assert.False(t, s.Done())
}

func TestHandleMessage_MD5(t *testing.T) {
	s := New("bob", "secret")
	sender := &fakeSender{}

	err := s.HandleMessage(sender, &pgproto3.AuthenticationMD5Password{Salt: [4]byte{1, 2, 3, 4}})
	require.NoError(t, err)
	pw := sender.sent[0].(*pgproto3.PasswordMessage)
	assert.Equal(t, "md5"+hexMD5(hexMD5("secretbob")+string([]byte{1, 2, 3, 4})), pw.Password)
}

func TestHandleMessage_Ok(t *testing.T) {
	s := New("bob", "secret")
	err := s.HandleMessage(&fakeSender{}, &pgproto3.AuthenticationOk{})
	require.NoError(t, err)
	assert.True(t, s.Done())
}

func TestHandleMessage_UnsupportedMechanism(t *testing.T) {
	s := New("bob", "secret")
	err := s.HandleMessage(&fakeSender{}, &pgproto3.AuthenticationSASL{AuthMechanisms: []string{"GSSAPI"}})
	assert.ErrorIs(t, err, pgerr.ErrAuthMechanismUnsupported)
}

func TestHandleMessage_ScramFullExchange(t *testing.T) {
	s := New("bob", "secret")
	sender := &fakeSender{}

	err := s.HandleMessage(sender, &pgproto3.AuthenticationSASL{AuthMechanisms: []string{"SCRAM-SHA-256"}})
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	initial, ok := sender.sent[0].(*pgproto3.SASLInitialResponse)
	require.True(t, ok)
	assert.Equal(t, "SCRAM-SHA-256", initial.AuthMechanism)

	serverFirst := "r=" + s.scramFirst.Nonce + "servernonce,s=c2FsdHNhbHQ=,i=4096"
	err = s.HandleMessage(sender, &pgproto3.AuthenticationSASLContinue{Data: []byte(serverFirst)})
	require.NoError(t, err)
	require.Len(t, sender.sent, 2)
	_, ok = sender.sent[1].(*pgproto3.SASLResponse)
	require.True(t, ok)

	err = s.HandleMessage(sender, &pgproto3.AuthenticationSASLFinal{Data: []byte("v=" + base64.StdEncoding.EncodeToString(s.scramFinal.ExpectedServerSignature))})
	require.NoError(t, err)
}

func TestHandleMessage_ScramBadIterationCount(t *testing.T) {
	s := New("bob", "secret")
	sender := &fakeSender{}
	require.NoError(t, s.HandleMessage(sender, &pgproto3.AuthenticationSASL{AuthMechanisms: []string{"SCRAM-SHA-256"}}))

	badFirst := "r=" + s.scramFirst.Nonce + "servernonce,s=c2FsdHNhbHQ=,i=0"
	err := s.HandleMessage(sender, &pgproto3.AuthenticationSASLContinue{Data: []byte(badFirst)})
	assert.ErrorIs(t, err, pgerr.ErrScramBadIterationCount)
}

func TestHandleMessage_ScramServerSignatureMismatch(t *testing.T) {
	s := New("bob", "secret")
	sender := &fakeSender{}
	require.NoError(t, s.HandleMessage(sender, &pgproto3.AuthenticationSASL{AuthMechanisms: []string{"SCRAM-SHA-256"}}))

	serverFirst := "r=" + s.scramFirst.Nonce + "servernonce,s=c2FsdHNhbHQ=,i=4096"
	require.NoError(t, s.HandleMessage(sender, &pgproto3.AuthenticationSASLContinue{Data: []byte(serverFirst)}))

	err := s.HandleMessage(sender, &pgproto3.AuthenticationSASLFinal{Data: []byte("v=bm90dGhlcmlnaHRzaWc=")})
	assert.ErrorIs(t, err, pgerr.ErrScramServerSignatureMismatch)
}

func TestHandleMessage_ErrorResponse(t *testing.T) {
	s := New("bob", "secret")
	err := s.HandleMessage(&fakeSender{}, &pgproto3.ErrorResponse{Severity: "FATAL", Code: "28P01", Message: "password authentication failed"})
	var pgErr *pgerr.Err
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "28P01", pgErr.Code)
}
