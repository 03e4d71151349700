// Package config holds server and client settings, their defaults, and TOML
// loading.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/omochice/toy-secure-chat/pkg/protocol"
)

var (
	ErrInvalidConfig       = errors.New("config: invalid")
	ErrInvalidSecurityMode = errors.New("config: invalid security mode")
	ErrInsecureInProd      = errors.New("config: insecure_skip_verify requires security_mode = \"development\"")
)

// SecurityMode selects how strictly the client validates the server.
type SecurityMode string

const (
	SecurityModeProduction  SecurityMode = "production"
	SecurityModeDevelopment SecurityMode = "development"
)

// NormalizeSecurityMode lower-cases mode; an empty mode is production.
func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeProduction
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

// Transport names the client-side stream carrier.
type Transport string

const (
	TransportTLS       Transport = "tls"
	TransportWebSocket Transport = "websocket"
)

// Server configures cmd/server.
type Server struct {
	Listen   string
	CertFile string
	KeyFile  string

	UploadDir string

	// WebSocket enables sniffing for WebSocket upgrades on the TLS port.
	WebSocket    bool
	SniffTimeout time.Duration

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	OutboxSize       int

	MaxAttachmentBytes int64
	MaxLineBytes       int

	MessageCapacity int
	MessageTTL      time.Duration

	// RateLimit is frames per second per session; zero disables limiting.
	RateLimit float64
	RateBurst int

	MetricsAddress string
	LogLevel       string

	// LogFile, when set, also receives the log, rolled daily.
	LogFile       string
	LogMaxAgeDays int
}

// DefaultServer returns the server defaults.
func DefaultServer() Server {
	return Server{
		Listen:             ":8888",
		CertFile:           "server.crt",
		KeyFile:            "server.key",
		UploadDir:          "uploads",
		SniffTimeout:       200 * time.Millisecond,
		HandshakeTimeout:   10 * time.Second,
		WriteTimeout:       10 * time.Second,
		OutboxSize:         64,
		MaxAttachmentBytes: 32 << 20,
		MaxLineBytes:       64 << 10,
		MessageCapacity:    10000,
		MessageTTL:         24 * time.Hour,
		RateLimit:          20,
		RateBurst:          40,
		LogLevel:           "info",
		LogMaxAgeDays:      7,
	}
}

// Limits returns the framing limits implied by the configuration.
func (c Server) Limits() protocol.Limits {
	return protocol.Limits{MaxLineBytes: c.MaxLineBytes, MaxPayloadBytes: c.MaxAttachmentBytes}
}

// Validate reports the first invalid setting.
func (c Server) Validate() error {
	switch {
	case strings.TrimSpace(c.Listen) == "":
		return fmt.Errorf("%w: listen address is required", ErrInvalidConfig)
	case c.CertFile == "" || c.KeyFile == "":
		return fmt.Errorf("%w: cert_file and key_file are required", ErrInvalidConfig)
	case c.UploadDir == "":
		return fmt.Errorf("%w: upload_dir is required", ErrInvalidConfig)
	case c.OutboxSize <= 0:
		return fmt.Errorf("%w: outbox_size must be positive", ErrInvalidConfig)
	case c.MaxAttachmentBytes < 0:
		return fmt.Errorf("%w: max_attachment_bytes must not be negative", ErrInvalidConfig)
	case c.MaxLineBytes <= 0:
		return fmt.Errorf("%w: max_line_bytes must be positive", ErrInvalidConfig)
	case c.MessageCapacity <= 0:
		return fmt.Errorf("%w: message_capacity must be positive", ErrInvalidConfig)
	case c.MessageTTL < 0:
		return fmt.Errorf("%w: message_ttl must not be negative", ErrInvalidConfig)
	case c.RateLimit < 0 || c.RateBurst < 0:
		return fmt.Errorf("%w: rate_limit and rate_burst must not be negative", ErrInvalidConfig)
	case c.RateLimit > 0 && c.RateBurst == 0:
		return fmt.Errorf("%w: rate_burst must be positive when rate_limit is set", ErrInvalidConfig)
	case c.LogMaxAgeDays < 0:
		return fmt.Errorf("%w: log_max_age_days must not be negative", ErrInvalidConfig)
	}
	return nil
}

// Client configures cmd/client and the client library.
type Client struct {
	Server     string
	ServerName string
	CAFile     string

	SecurityMode       SecurityMode
	InsecureSkipVerify bool

	Transport    Transport
	DialAttempts int
	DialTimeout  time.Duration

	MaxAttachmentBytes int64
	DownloadDir        string
	LogLevel           string
}

// DefaultClient returns the client defaults.
func DefaultClient() Client {
	return Client{
		Server:             "localhost:8888",
		SecurityMode:       SecurityModeProduction,
		Transport:          TransportTLS,
		DialAttempts:       5,
		DialTimeout:        10 * time.Second,
		MaxAttachmentBytes: 32 << 20,
		DownloadDir:        "downloads",
		LogLevel:           "info",
	}
}

// Validate reports the first invalid setting.
func (c Client) Validate() error {
	mode := NormalizeSecurityMode(c.SecurityMode)
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}
	if c.InsecureSkipVerify && mode != SecurityModeDevelopment {
		return ErrInsecureInProd
	}

	switch c.Transport {
	case TransportTLS, TransportWebSocket:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Transport)
	}

	switch {
	case strings.TrimSpace(c.Server) == "":
		return fmt.Errorf("%w: server address is required", ErrInvalidConfig)
	case c.DialAttempts <= 0:
		return fmt.Errorf("%w: dial_attempts must be positive", ErrInvalidConfig)
	case c.MaxAttachmentBytes < 0:
		return fmt.Errorf("%w: max_attachment_bytes must not be negative", ErrInvalidConfig)
	}
	return nil
}
