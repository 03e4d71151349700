// Package chat provides the shared server state: live sessions and the
// index of recallable messages.
package chat

import (
	"io"
	"time"
)

// Conn abstracts the duplex byte stream under a session, TLS or
// WebSocket-over-TLS. This interface isolates transport details from chat
// logic.
type Conn interface {
	io.Reader

	// Write sends raw bytes. Only the session's writer goroutine calls it.
	Write(p []byte) (int, error)

	// Close closes the connection. Repeated calls are tolerated.
	Close() error

	// RemoteAddr returns the remote address for logging.
	RemoteAddr() string

	// SetWriteDeadline bounds the next Write.
	SetWriteDeadline(t time.Time) error
}
