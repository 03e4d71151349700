// Package server accepts TLS chat connections and runs the chat protocol
// for each of them.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"github.com/rs/zerolog"

	"github.com/omochice/toy-secure-chat/internal/chat"
	"github.com/omochice/toy-secure-chat/internal/config"
	"github.com/omochice/toy-secure-chat/internal/metrics"
	"github.com/omochice/toy-secure-chat/internal/storage"
	"github.com/omochice/toy-secure-chat/internal/transport"
)

// ErrServerStopped is returned by Serve after Stop.
var ErrServerStopped = errors.New("server stopped")

// Server represents a TLS chat server
type Server struct {
	cfg        config.Server
	tlsConfig  *tls.Config
	state      *chat.State
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	log        zerolog.Logger

	listener      net.Listener
	metricsServer *http.Server

	ctx      context.Context
	cancel   context.CancelFunc
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu    sync.Mutex
	conns map[transport.Conn]struct{}
}

// New creates a new Server from cfg. It loads the certificate and prepares
// the upload directory but does not listen yet.
func New(cfg config.Server, log zerolog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	tlsConfig, err := transport.ServerTLSConfig(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	store, err := chat.NewStore(cfg.MessageCapacity, cfg.MessageTTL)
	if err != nil {
		return nil, err
	}
	uploads, err := storage.NewDir(cfg.UploadDir)
	if err != nil {
		return nil, err
	}

	state := &chat.State{
		Registry: chat.NewRegistry(log),
		Store:    store,
		Uploads:  uploads,
	}
	m := metrics.New()
	opts := Options{
		Session: chat.SessionOptions{
			OutboxSize:   cfg.OutboxSize,
			WriteTimeout: cfg.WriteTimeout,
		},
		Limits:    cfg.Limits(),
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		tlsConfig:  tlsConfig,
		state:      state,
		dispatcher: NewDispatcher(state, opts, m, log),
		metrics:    m,
		log:        log,
		ctx:        ctx,
		cancel:     cancel,
		quit:       make(chan struct{}),
		conns:      make(map[transport.Conn]struct{}),
	}, nil
}

// Start listens and serves until Stop. It always returns a non-nil error.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve()
}

// Listen binds the chat listener and, when configured, the metrics
// endpoint.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	s.listener = listener
	s.log.Info().
		Str("address", listener.Addr().String()).
		Bool("websocket", s.cfg.WebSocket).
		Msg("Server started")

	if s.cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		s.metricsServer = &http.Server{
			Addr:              s.cfg.MetricsAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error().Err(err).Msg("Metrics endpoint failed")
			}
		}()
	}
	return nil
}

// Serve accepts connections until Stop. Accept failures such as running
// out of file descriptors are retried with a growing delay.
func (s *Server) Serve() error {
	b := &backoff.Backoff{Min: 5 * time.Millisecond, Max: time.Second, Factor: 2}
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return ErrServerStopped
			default:
			}
			d := b.Duration()
			s.log.Warn().Err(err).Dur("retry_in", d).Msg("Failed to accept connection")
			select {
			case <-s.quit:
				return ErrServerStopped
			case <-time.After(d):
			}
			continue
		}
		b.Reset()

		s.wg.Add(1)
		go s.handleConn(raw)
	}
}

// Stop closes the listener and every connection, then waits for all
// session goroutines. Later calls do nothing.
func (s *Server) Stop() {
	s.stopOnce.Do(s.stop)
}

func (s *Server) stop() {
	close(s.quit)
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.metricsServer != nil {
		_ = s.metricsServer.Close()
	}

	s.mu.Lock()
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info().Msg("Server stopped")
}

// Addr returns the server's listening address
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}

// SessionCount returns the number of registered sessions.
func (s *Server) SessionCount() int {
	return s.state.Registry.Count()
}

// Metrics returns the server's collectors.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

func (s *Server) handleConn(raw net.Conn) {
	defer s.wg.Done()

	remote := raw.RemoteAddr().String()
	conn, kind, err := transport.Accept(s.ctx, raw, s.tlsConfig, transport.AcceptOptions{
		HandshakeTimeout: s.cfg.HandshakeTimeout,
		WebSocket:        s.cfg.WebSocket,
		SniffTimeout:     s.cfg.SniffTimeout,
	})
	if err != nil {
		s.metrics.Disconnects.WithLabelValues("handshake").Inc()
		s.log.Warn().Err(err).Str("remote", remote).Msg("Connection setup failed")
		return
	}
	s.log.Debug().Str("remote", remote).Str("transport", string(kind)).Msg("Connection established")

	if !s.track(conn) {
		_ = conn.Close()
		return
	}
	defer s.untrack(conn)

	_ = s.dispatcher.Handle(conn)
}

// track records conn for Stop. It reports false once the server is
// stopping.
func (s *Server) track(conn transport.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.quit:
		return false
	default:
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn transport.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}
