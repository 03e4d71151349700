package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// WebSocketPath is the only path accepted for upgrades.
const WebSocketPath = "/chat"

// WSConn carries the chat stream inside binary WebSocket messages. Message
// boundaries carry no meaning; Read hands out the concatenated payloads.
type WSConn struct {
	conn  net.Conn
	rw    io.ReadWriter
	state ws.State

	// Control replies written by the reader share the connection with the
	// session writer.
	writeMu sync.Mutex

	readMu  sync.Mutex
	pending []byte

	closeOnce sync.Once
	closeErr  error
}

type lockedReadWriter struct {
	r  io.Reader
	w  io.Writer
	mu *sync.Mutex
}

func (l lockedReadWriter) Read(p []byte) (int, error) {
	return l.r.Read(p)
}

func (l lockedReadWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func newWSConn(conn net.Conn, reader io.Reader, state ws.State) *WSConn {
	if reader == nil {
		reader = conn
	}
	c := &WSConn{conn: conn, state: state}
	c.rw = lockedReadWriter{r: reader, w: conn, mu: &c.writeMu}
	return c
}

// UpgradeServer answers a WebSocket upgrade read from reader (which may hold
// bytes already peeked from conn). Requests for any path other than
// WebSocketPath are rejected.
func UpgradeServer(conn net.Conn, reader *bufio.Reader) (*WSConn, error) {
	u := ws.Upgrader{
		OnRequest: func(uri []byte) error {
			if string(uri) != WebSocketPath {
				return ws.RejectConnectionError(ws.RejectionStatus(404))
			}
			return nil
		},
	}
	rw := struct {
		io.Reader
		io.Writer
	}{reader, conn}
	if _, err := u.Upgrade(rw); err != nil {
		return nil, fmt.Errorf("websocket upgrade from %s: %w", conn.RemoteAddr(), err)
	}
	return newWSConn(conn, reader, ws.StateServerSide), nil
}

// DialWebSocket connects over TLS and upgrades to WebSocket on
// WebSocketPath.
func DialWebSocket(ctx context.Context, addr string, cfg *tls.Config, timeout time.Duration) (*WSConn, error) {
	tlsConn, err := DialTLS(ctx, addr, cfg, timeout)
	if err != nil {
		return nil, err
	}

	d := ws.Dialer{
		Timeout: timeout,
		NetDial: func(context.Context, string, string) (net.Conn, error) {
			return tlsConn, nil
		},
	}
	conn, br, _, err := d.Dial(ctx, "ws://"+addr+WebSocketPath)
	if err != nil {
		_ = tlsConn.Close()
		return nil, fmt.Errorf("websocket handshake with %s: %w", addr, err)
	}

	var reader io.Reader = conn
	if br != nil {
		// The server spoke before we read the response out; keep its bytes.
		reader = br
	}
	return newWSConn(conn, reader, ws.StateClientSide), nil
}

// Read implements chat.Conn.
func (c *WSConn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for len(c.pending) == 0 {
		var (
			data []byte
			err  error
		)
		if c.state.ServerSide() {
			data, err = wsutil.ReadClientBinary(c.rw)
		} else {
			data, err = wsutil.ReadServerBinary(c.rw)
		}
		if err != nil {
			var closed wsutil.ClosedError
			if errors.As(err, &closed) {
				return 0, io.EOF
			}
			return 0, err
		}
		c.pending = data
	}

	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write implements chat.Conn. Each call becomes one binary message.
func (c *WSConn) Write(p []byte) (int, error) {
	var err error
	if c.state.ServerSide() {
		err = wsutil.WriteServerBinary(c.rw, p)
	} else {
		err = wsutil.WriteClientBinary(c.rw, p)
	}
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a close frame and closes the connection.
func (c *WSConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		if c.state.ServerSide() {
			_ = wsutil.WriteServerMessage(c.rw, ws.OpClose, nil)
		} else {
			_ = wsutil.WriteClientMessage(c.rw, ws.OpClose, nil)
		}
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// RemoteAddr implements chat.Conn.
func (c *WSConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// SetWriteDeadline implements chat.Conn.
func (c *WSConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
