package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vela-db/pgengine/pkg/pgerr"
	"github.com/vela-db/pgengine/pkg/pguri"
)

func TestNegotiateTLS_ServerRefusesAndModeAllows(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		buf := make([]byte, 8)
		_, _ = server.Read(buf)
		_, _ = server.Write([]byte{'N'})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	out, err := NegotiateTLS(ctx, client, pguri.SSLPrefer, "example.com", nil)
	require.NoError(t, err)
	assert.Same(t, client, out)
}

func TestNegotiateTLS_ServerRefusesAndModeRequires(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		buf := make([]byte, 8)
		_, _ = server.Read(buf)
		_, _ = server.Write([]byte{'N'})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NegotiateTLS(ctx, client, pguri.SSLRequire, "example.com", nil)
	assert.ErrorIs(t, err, pgerr.ErrTLSRefused)
}

func TestNegotiateTLS_UnexpectedByte(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		buf := make([]byte, 8)
		_, _ = server.Read(buf)
		_, _ = server.Write([]byte{'X'})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NegotiateTLS(ctx, client, pguri.SSLRequire, "example.com", nil)
	assert.ErrorIs(t, err, pgerr.ErrUnexpectedSSLResponse)
}

func TestNegotiateTLS_ServerClosesDuringHandshake(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()

	go func() {
		buf := make([]byte, 8)
		_, _ = server.Read(buf)
		server.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := NegotiateTLS(ctx, client, pguri.SSLRequire, "example.com", nil)
	assert.ErrorIs(t, err, pgerr.ErrServerClosedDuringSSL)
}

func TestNegotiateTLS_DisabledSkipsHandshakeEntirely(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	ctx := context.Background()
	out, err := NegotiateTLS(ctx, client, pguri.SSLDisable, "example.com", nil)
	require.NoError(t, err)
	assert.Same(t, client, out)
}

// TestChanReader_ContinueGatesNextRead feeds a ChanReader a scripted
// sequence of BackendMessages, exercising the Continue()-gated protocol
// documented on ChanReader without needing a live socket.
func TestChanReader_ContinueGatesNextRead(t *testing.T) {
	var i int
	values := []pgproto3.BackendMessage{
		&pgproto3.ReadyForQuery{TxStatus: 'I'},
		&pgproto3.ReadyForQuery{TxStatus: 'T'},
	}
	cr := NewChanReader(func() (*pgproto3.BackendMessage, error) {
		if i >= len(values) {
			return nil, nil
		}
		v := values[i]
		i++
		return &v, nil
	})

	ch := cr.ReadingChan()

	first := <-ch
	require.NoError(t, first.Error)
	assert.Equal(t, byte('I'), first.Value.(*pgproto3.ReadyForQuery).TxStatus)

	cr.Continue()
	second := <-ch
	require.NoError(t, second.Error)
	assert.Equal(t, byte('T'), second.Value.(*pgproto3.ReadyForQuery).TxStatus)

	cr.Cancel()
}
