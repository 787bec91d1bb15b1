// Package transport abstracts the bidirectional byte stream a connection
// rides on: plain TCP, TLS-wrapped TCP, or a Unix-domain socket, with
// support for in-place TLS upgrade mid-handshake.
package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"time"
)

// Transport is the minimal capability the protocol engine needs from a
// byte stream. Implementations must be safe for one reader and one writer
// goroutine to use concurrently (read and write sides are never shared
// across connections).
type Transport interface {
	// ReadExact reads exactly len(buf) bytes, or returns an error.
	ReadExact(buf []byte) error
	// WriteAll writes the entire buffer, or returns an error.
	WriteAll(buf []byte) error
	// Flush pushes any buffered writes to the wire. A no-op for
	// implementations that don't buffer.
	Flush() error
	// SetDeadline applies a read/write deadline to the next operation, or
	// clears it when t is the zero Value.
	SetDeadline(t time.Time) error
	// Shutdown closes the underlying stream.
	Shutdown() error
	// RemoteAddr reports the peer address.
	RemoteAddr() net.Addr
	// IsTLS reports whether this transport is presently running over TLS.
	IsTLS() bool
	// UpgradeTLS wraps the current stream in a TLS client handshake and,
	// on success, all subsequent reads/writes travel inside it. Used
	// mid-handshake when the server offers CLIENT_SSL and the caller
	// requested it.
	UpgradeTLS(ctx context.Context, cfg *tls.Config) error
}

// connTransport is the net.Conn-backed Transport implementation shared by
// TCP, Unix-socket, and (after UpgradeTLS) TLS connections.
type connTransport struct {
	conn net.Conn
}

// DialTCP opens a plain TCP connection with a connect timeout and
// optional keepalive/nodelay tuning.
func DialTCP(ctx context.Context, addr string, connectTimeout time.Duration, keepAlive time.Duration, noDelay bool) (Transport, error) {
	dialer := net.Dialer{Timeout: connectTimeout, KeepAlive: keepAlive}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(noDelay)
	}
	return &connTransport{conn: conn}, nil
}

// NewFromConn wraps an already-established net.Conn (e.g. one handed to a
// test by net.Pipe, or a connection accepted by a server) as a Transport.
func NewFromConn(conn net.Conn) Transport {
	return &connTransport{conn: conn}
}

// DialUnix opens a Unix-domain socket connection.
func DialUnix(ctx context.Context, path string, connectTimeout time.Duration) (Transport, error) {
	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, err
	}
	return &connTransport{conn: conn}, nil
}

func (t *connTransport) ReadExact(buf []byte) error {
	_, err := io.ReadFull(t.conn, buf)
	return err
}

func (t *connTransport) WriteAll(buf []byte) error {
	_, err := t.conn.Write(buf)
	return err
}

func (t *connTransport) Flush() error { return nil }

func (t *connTransport) SetDeadline(dl time.Time) error {
	return t.conn.SetDeadline(dl)
}

func (t *connTransport) Shutdown() error { return t.conn.Close() }

func (t *connTransport) RemoteAddr() net.Addr { return t.conn.RemoteAddr() }

func (t *connTransport) IsTLS() bool {
	_, ok := t.conn.(*tls.Conn)
	return ok
}

// UpgradeTLS performs the client-side TLS handshake over the existing
// net.Conn in place; subsequent ReadExact/WriteAll calls travel inside it.
func (t *connTransport) UpgradeTLS(ctx context.Context, cfg *tls.Config) error {
	tlsConn := tls.Client(t.conn, cfg)
	if deadline, ok := ctx.Deadline(); ok {
		_ = tlsConn.SetDeadline(deadline)
		defer tlsConn.SetDeadline(time.Time{})
	}
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return err
	}
	t.conn = tlsConn
	return nil
}
