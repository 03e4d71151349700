package transport

import (
	"io"
	"net"
	"time"
)

// StreamConn carries the chat stream directly on a TLS connection.
type StreamConn struct {
	conn   net.Conn
	reader io.Reader
}

// NewStreamConn wraps conn. reader, when non-nil, holds bytes already
// buffered from conn (for example by a protocol sniffer) and replaces conn
// as the read side.
func NewStreamConn(conn net.Conn, reader io.Reader) *StreamConn {
	if reader == nil {
		reader = conn
	}
	return &StreamConn{conn: conn, reader: reader}
}

// Read implements chat.Conn.
func (c *StreamConn) Read(p []byte) (int, error) {
	return c.reader.Read(p)
}

// Write implements chat.Conn.
func (c *StreamConn) Write(p []byte) (int, error) {
	return c.conn.Write(p)
}

// Close implements chat.Conn.
func (c *StreamConn) Close() error {
	return c.conn.Close()
}

// RemoteAddr implements chat.Conn.
func (c *StreamConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// SetWriteDeadline implements chat.Conn.
func (c *StreamConn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}
