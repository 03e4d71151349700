package server

import (
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/toy-secure-chat/internal/config"
	"github.com/omochice/toy-secure-chat/internal/testutil/tlstest"
)

// failingListener fails every Accept until it is closed.
type failingListener struct {
	accepts atomic.Int64
	closed  chan struct{}
}

func (l *failingListener) Accept() (net.Conn, error) {
	l.accepts.Add(1)
	select {
	case <-l.closed:
		return nil, net.ErrClosed
	default:
		return nil, errors.New("accept: too many open files")
	}
}

func (l *failingListener) Close() error {
	close(l.closed)
	return nil
}

func (l *failingListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	files := tlstest.Localhost(t)
	cfg := config.DefaultServer()
	cfg.CertFile = files.Cert
	cfg.KeyFile = files.Key
	cfg.UploadDir = t.TempDir()

	s, err := New(cfg, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestServe_BacksOffOnAcceptErrors(t *testing.T) {
	s := newTestServer(t)
	ln := &failingListener{closed: make(chan struct{})}
	s.listener = ln

	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	time.Sleep(100 * time.Millisecond)
	s.Stop()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrServerStopped)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after Stop")
	}
	// 5ms doubling reaches 100ms in a handful of attempts.
	assert.Less(t, ln.accepts.Load(), int64(20))
}

func TestStop_IsIdempotent(t *testing.T) {
	s := newTestServer(t)
	s.listener = &failingListener{closed: make(chan struct{})}

	assert.NotPanics(t, func() {
		s.Stop()
		s.Stop()
	})
}
