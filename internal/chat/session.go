package chat

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrSessionClosed = errors.New("chat: session closed")
	ErrOutboxFull    = errors.New("chat: outbox full")
)

// SessionState is the lifecycle position of a session.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateActive
	StateClosed
)

// String returns the string representation of SessionState
func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateActive:
		return "ACTIVE"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// SessionOptions tunes the outbound side of a session.
type SessionOptions struct {
	// OutboxSize is the number of packets that may wait for the writer.
	OutboxSize int
	// WriteTimeout bounds each write to the transport. Zero disables it.
	WriteTimeout time.Duration
}

// DefaultSessionOptions returns the options used when none are configured.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		OutboxSize:   64,
		WriteTimeout: 10 * time.Second,
	}
}

// Session is one live connection and its display name. The session owns its
// transport; everything written to it goes through Send and the single
// writer goroutine running WriteLoop, so packets from concurrent
// broadcasters never interleave on the wire.
type Session struct {
	ID string

	conn         Conn
	outbox       chan []byte
	writeTimeout time.Duration

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	closeErr  error

	mu    sync.RWMutex
	name  string
	state SessionState
}

// NewSession creates a session in the Connecting state.
func NewSession(id, name string, conn Conn, opts SessionOptions) *Session {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = DefaultSessionOptions().OutboxSize
	}
	return &Session{
		ID:           id,
		conn:         conn,
		outbox:       make(chan []byte, opts.OutboxSize),
		writeTimeout: opts.WriteTimeout,
		done:         make(chan struct{}),
		name:         name,
		state:        StateConnecting,
	}
}

// Name returns the current display name.
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

func (s *Session) setName(name string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.name
	s.name = name
	return old
}

// State returns the lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Activate moves a connecting session to Active. It is a no-op once the
// session is closed.
func (s *Session) Activate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateConnecting {
		s.state = StateActive
	}
}

// Conn returns the session's transport.
func (s *Session) Conn() Conn {
	return s.conn
}

// RemoteAddr returns the transport's remote address.
func (s *Session) RemoteAddr() string {
	return s.conn.RemoteAddr()
}

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Send queues one packet for the writer. Packets are written whole and in
// the order they were queued. A session whose outbox is full cannot keep up
// with the room; it is closed rather than allowed to stall broadcasters.
func (s *Session) Send(packet []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}

	select {
	case s.outbox <- packet:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		// The stalled writer may hold the transport; closing it must not
		// hold up the broadcaster.
		s.markClosed()
		go s.closeConn()
		return ErrOutboxFull
	}
}

// WriteLoop drains the outbox until the session closes or a write fails.
func (s *Session) WriteLoop() error {
	for {
		select {
		case <-s.done:
			return nil
		case packet := <-s.outbox:
			if s.writeTimeout > 0 {
				_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			}
			if _, err := s.conn.Write(packet); err != nil {
				_ = s.Close()
				return fmt.Errorf("failed to write to %s: %w", s.conn.RemoteAddr(), err)
			}
		}
	}
}

// Close closes the transport and marks the session Closed. It is safe to
// call more than once and from any goroutine.
func (s *Session) Close() error {
	s.markClosed()
	return s.closeConn()
}

func (s *Session) markClosed() {
	s.doneOnce.Do(func() {
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.done)
	})
}

func (s *Session) closeConn() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}
