package transport

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"os"
	"time"
)

// Kind names the carrier chosen for an accepted connection.
type Kind string

const (
	KindStream    Kind = "tls"
	KindWebSocket Kind = "websocket"
)

// AcceptOptions tunes Accept.
type AcceptOptions struct {
	HandshakeTimeout time.Duration
	// WebSocket enables detection of WebSocket upgrades.
	WebSocket bool
	// SniffTimeout bounds the wait for the first bytes. A peer that stays
	// silent that long is treated as a raw stream client.
	SniffTimeout time.Duration
}

// Conn is the stream handed to a session.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	RemoteAddr() string
	SetWriteDeadline(t time.Time) error
}

// Accept performs the server side of connection setup on raw: TLS
// handshake, then (when enabled) a sniff for a WebSocket upgrade. raw is
// closed on failure.
func Accept(ctx context.Context, raw net.Conn, cfg *tls.Config, opts AcceptOptions) (Conn, Kind, error) {
	conn, err := ServerHandshake(ctx, raw, cfg, opts.HandshakeTimeout)
	if err != nil {
		return nil, "", err
	}

	br := bufio.NewReader(conn)
	if !opts.WebSocket {
		return NewStreamConn(conn, br), KindStream, nil
	}

	isHTTP, err := detectUpgrade(conn, br, opts.SniffTimeout)
	if err != nil {
		_ = conn.Close()
		return nil, "", err
	}
	if !isHTTP {
		return NewStreamConn(conn, br), KindStream, nil
	}

	ws, err := UpgradeServer(conn, br)
	if err != nil {
		_ = conn.Close()
		return nil, "", err
	}
	return ws, KindWebSocket, nil
}

// detectUpgrade peeks at the first bytes to tell an HTTP upgrade request
// from the raw chat stream. Chat control frames start with '['.
func detectUpgrade(conn net.Conn, br *bufio.Reader, timeout time.Duration) (bool, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return false, err
		}
		defer conn.SetReadDeadline(time.Time{}) //nolint:errcheck
	}

	peek, err := br.Peek(4)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(peek, []byte("GET ")), nil
}
