package chat_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/toy-secure-chat/internal/chat"
)

func TestSession_WriteLoopPreservesOrder(t *testing.T) {
	conn := newMockConn("127.0.0.1:1234")
	s := chat.NewSession("id-1", "Guest_id-1", conn, chat.DefaultSessionOptions())

	done := make(chan error, 1)
	go func() { done <- s.WriteLoop() }()

	for _, p := range []string{"one\n", "two\n", "three\n"} {
		require.NoError(t, s.Send([]byte(p)))
	}

	assert.Eventually(t, func() bool {
		return conn.String() == "one\ntwo\nthree\n"
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, s.Close())
	assert.NoError(t, <-done)
	assert.True(t, conn.IsClosed())
}

func TestSession_FullOutboxClosesSession(t *testing.T) {
	conn := newMockConn("127.0.0.1:1234")
	s := chat.NewSession("id-1", "slow", conn, chat.SessionOptions{OutboxSize: 2})

	require.NoError(t, s.Send([]byte("a")))
	require.NoError(t, s.Send([]byte("b")))

	err := s.Send([]byte("c"))
	assert.ErrorIs(t, err, chat.ErrOutboxFull)
	assert.Equal(t, chat.StateClosed, s.State())
	assert.Eventually(t, conn.IsClosed, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, s.Send([]byte("d")), chat.ErrSessionClosed)
}

func TestSession_FullOutboxDoesNotWaitForTransportClose(t *testing.T) {
	conn := newMockConn("127.0.0.1:1234")
	conn.closeGate = make(chan struct{})
	s := chat.NewSession("id-1", "stalled", conn, chat.SessionOptions{OutboxSize: 1})
	require.NoError(t, s.Send([]byte("a")))

	returned := make(chan error, 1)
	go func() { returned <- s.Send([]byte("b")) }()

	select {
	case err := <-returned:
		assert.ErrorIs(t, err, chat.ErrOutboxFull)
	case <-time.After(time.Second):
		t.Fatal("Send blocked on the transport close")
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("session not marked closed")
	}
	assert.False(t, conn.IsClosed())

	close(conn.closeGate)
	assert.Eventually(t, conn.IsClosed, time.Second, 5*time.Millisecond)
}

func TestSession_WriteErrorClosesSession(t *testing.T) {
	conn := newMockConn("127.0.0.1:1234")
	conn.writeErr = errors.New("broken pipe")
	s := chat.NewSession("id-1", "x", conn, chat.DefaultSessionOptions())

	require.NoError(t, s.Send([]byte("a")))
	err := s.WriteLoop()
	assert.Error(t, err)

	select {
	case <-s.Done():
	default:
		t.Fatal("session not closed after write error")
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	s := chat.NewSession("id-1", "x", newMockConn("a"), chat.DefaultSessionOptions())
	s.Activate()
	assert.Equal(t, chat.StateActive, s.State())

	assert.NoError(t, s.Close())
	assert.NoError(t, s.Close())
	assert.Equal(t, chat.StateClosed, s.State())

	s.Activate()
	assert.Equal(t, chat.StateClosed, s.State())
}

func TestSessionState_String(t *testing.T) {
	assert.Equal(t, "CONNECTING", chat.StateConnecting.String())
	assert.Equal(t, "ACTIVE", chat.StateActive.String())
	assert.Equal(t, "CLOSED", chat.StateClosed.String())
	assert.Equal(t, "UNKNOWN", chat.SessionState(9).String())
}
