package chat_test

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/omochice/toy-secure-chat/internal/chat"
)

// mockConn is a mock implementation of chat.Conn for testing.
type mockConn struct {
	mu         sync.Mutex
	written    bytes.Buffer
	writes     int
	writeErr   error
	closed     bool
	remoteAddr string
	// closeGate, when set, makes Close wait until it is closed.
	closeGate chan struct{}
}

func newMockConn(addr string) *mockConn {
	return &mockConn{remoteAddr: addr}
}

func (m *mockConn) Read(p []byte) (int, error) {
	return 0, io.EOF
}

func (m *mockConn) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, errors.New("closed")
	}
	if m.writeErr != nil {
		return 0, m.writeErr
	}
	m.writes++
	return m.written.Write(p)
}

func (m *mockConn) Close() error {
	if m.closeGate != nil {
		<-m.closeGate
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockConn) RemoteAddr() string {
	return m.remoteAddr
}

func (m *mockConn) SetWriteDeadline(time.Time) error {
	return nil
}

func (m *mockConn) String() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.written.String()
}

func (m *mockConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Compile-time check that mockConn implements chat.Conn
var _ chat.Conn = (*mockConn)(nil)
