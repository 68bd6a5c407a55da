// Package transport owns the socket underlying one engine connection:
// address selection (TCP vs UNIX socket, bit-exact with libpq
// conventions), the optional TLS upgrade, and buffered framing of the
// PostgreSQL wire protocol via pgproto3.Frontend. It exposes the
// pausable read loop the backpressure coordinator drives.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgproto3"

	"github.com/vela-db/pgengine/pkg/pgerr"
	"github.com/vela-db/pgengine/pkg/pguri"
)

const (
	// DefaultBufferSize is the default per-direction buffer size: 2 MiB.
	DefaultBufferSize = 2 << 20

	sslRequestCode = 80877103 // magic number PostgreSQL assigns SSLRequest, per the FE/BE protocol
)

// Options configures buffering and TLS for a Transport.
type Options struct {
	ReadBufferSize  int
	WriteBufferSize int
	Keepalives      bool
	TLSConfig       *tls.Config
}

func (o Options) readSize() int {
	if o.ReadBufferSize <= 0 {
		return DefaultBufferSize
	}
	return o.ReadBufferSize
}

func (o Options) writeSize() int {
	if o.WriteBufferSize <= 0 {
		return DefaultBufferSize
	}
	return o.WriteBufferSize
}

// DialRaw opens the underlying socket using the address selection
// rules of ConnectionURI.SocketAddr, without any TLS negotiation.
func DialRaw(ctx context.Context, uri pguri.ConnectionURI, keepalives bool) (net.Conn, error) {
	network, address := uri.SocketAddr()

	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pgerr.ErrConnectFailed, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok && keepalives {
		_ = tcpConn.SetKeepAlive(true)
	}

	return conn, nil
}

// NegotiateTLS writes the 8-byte SSLRequest, reads exactly one
// response byte, and branches on it, following the handshake shown in
// jackc/pgconn's client connection setup. The single response byte is
// read directly off conn (never through a bufio.Reader) so no bytes
// belonging to the subsequent TLS handshake are consumed speculatively.
func NegotiateTLS(ctx context.Context, conn net.Conn, mode pguri.SSLMode, serverName string, tlsConfig *tls.Config) (net.Conn, error) {
	if !mode.WantsTLS() {
		return conn, nil
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
		defer conn.SetDeadline(time.Time{})
	}

	var req [8]byte
	binary.BigEndian.PutUint32(req[0:4], 8)
	binary.BigEndian.PutUint32(req[4:8], sslRequestCode)
	if _, err := conn.Write(req[:]); err != nil {
		return nil, fmt.Errorf("%w: writing SSLRequest: %v", pgerr.ErrConnectFailed, err)
	}

	var resp [1]byte
	if _, err := io.ReadFull(conn, resp[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, pgerr.ErrServerClosedDuringSSL
		}
		return nil, fmt.Errorf("%w: reading SSLRequest response: %v", pgerr.ErrConnectFailed, err)
	}

	switch resp[0] {
	case 'S':
		cfg := tlsConfig
		if cfg == nil {
			cfg = &tls.Config{MinVersion: tls.VersionTLS12}
		} else {
			cfg = cfg.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = strippedSNI(serverName)
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("%w: TLS handshake: %v", pgerr.ErrConnectFailed, err)
		}
		return tlsConn, nil
	case 'N':
		if mode.Required() {
			return nil, pgerr.ErrTLSRefused
		}
		return conn, nil
	default:
		return nil, pgerr.ErrUnexpectedSSLResponse
	}
}

func strippedSNI(host string) string {
	// IP literals are not valid SNI values; omit ServerName for them
	// rather than sending a malformed ClientHello.
	if net.ParseIP(host) != nil {
		return ""
	}
	return strings.TrimSuffix(host, ".")
}

// Transport wraps the final (possibly TLS-upgraded) connection with
// buffered framing and the pgproto3 codec.
type Transport struct {
	conn     net.Conn
	frontend *pgproto3.Frontend
	reader   *ChanReader[pgproto3.BackendMessage]
}

// New wraps conn for the lifetime of one engine connection.
func New(conn net.Conn, opts Options) *Transport {
	r := bufio.NewReaderSize(conn, opts.readSize())
	w := bufio.NewWriterSize(conn, opts.writeSize())
	fe := pgproto3.NewFrontend(r, w)

	t := &Transport{conn: conn, frontend: fe}
	t.reader = NewChanReader(func() (*pgproto3.BackendMessage, error) {
		msg, err := fe.Receive()
		if err != nil {
			return nil, err
		}
		return &msg, nil
	})
	return t
}

// Frontend exposes the codec for sending frontend messages.
func (t *Transport) Frontend() *pgproto3.Frontend { return t.frontend }

// Flush writes any buffered frontend messages to the wire.
func (t *Transport) Flush() error { return t.frontend.Flush() }

// Reading returns the channel of decoded backend messages. The first
// call starts the background reader goroutine; the engine must call
// Continue() after it is done using each delivered message (pgproto3
// reuses the message's backing storage on the next Receive call).
func (t *Transport) Reading() <-chan ReadResult[pgproto3.BackendMessage] {
	return t.reader.ReadingChan()
}

// Continue permits the reader goroutine to decode and deliver the next
// backend message. Withholding Continue is the "want_read(false)"
// toggle: no new bytes are decoded off the socket until it is called
// again.
func (t *Transport) Continue() { t.reader.Continue() }

// Cancel stops the reader goroutine permanently.
func (t *Transport) Cancel() { t.reader.Cancel() }

// Close closes the underlying socket. Safe to call more than once.
func (t *Transport) Close() error { return t.conn.Close() }

// LocalAddr and RemoteAddr expose the socket endpoints for logging.
func (t *Transport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }
func (t *Transport) LocalAddr() net.Addr  { return t.conn.LocalAddr() }
