package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/toy-secure-chat/internal/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadServer_DefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
listen = "127.0.0.1:9443"
cert_file = "/etc/chat/server.crt"
websocket = true
write_timeout = "3s"
message_ttl = "1h"
rate_limit = 0.0
log_file = " /var/log/securechat/server.log "
`)

	cfg, err := config.LoadServer(path)
	require.NoError(t, err)

	def := config.DefaultServer()
	assert.Equal(t, "127.0.0.1:9443", cfg.Listen)
	assert.Equal(t, "/etc/chat/server.crt", cfg.CertFile)
	assert.Equal(t, def.KeyFile, cfg.KeyFile)
	assert.True(t, cfg.WebSocket)
	assert.Equal(t, 3*time.Second, cfg.WriteTimeout)
	assert.Equal(t, time.Hour, cfg.MessageTTL)
	assert.Zero(t, cfg.RateLimit)
	assert.Equal(t, def.MessageCapacity, cfg.MessageCapacity)
	assert.Equal(t, "/var/log/securechat/server.log", cfg.LogFile)
	assert.Equal(t, 7, cfg.LogMaxAgeDays)
	assert.NoError(t, cfg.Validate())
}

func TestLoadServer_BadDuration(t *testing.T) {
	_, err := config.LoadServer(writeConfig(t, `write_timeout = "soon"`))
	assert.ErrorContains(t, err, "write_timeout")
}

func TestLoadServer_MissingFile(t *testing.T) {
	_, err := config.LoadServer(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}

func TestServer_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Server)
	}{
		{"empty listen", func(c *config.Server) { c.Listen = "" }},
		{"no key", func(c *config.Server) { c.KeyFile = "" }},
		{"zero outbox", func(c *config.Server) { c.OutboxSize = 0 }},
		{"zero capacity", func(c *config.Server) { c.MessageCapacity = 0 }},
		{"negative ttl", func(c *config.Server) { c.MessageTTL = -time.Second }},
		{"rate without burst", func(c *config.Server) { c.RateBurst = 0 }},
		{"negative log age", func(c *config.Server) { c.LogMaxAgeDays = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultServer()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), config.ErrInvalidConfig)
		})
	}
}

func TestLoadClient_DefaultsAndOverrides(t *testing.T) {
	path := writeConfig(t, `
server = "chat.example.com:8888"
ca_file = "/etc/chat/ca.crt"
transport = "WebSocket"
dial_timeout = "2s"
`)

	cfg, err := config.LoadClient(path)
	require.NoError(t, err)
	assert.Equal(t, "chat.example.com:8888", cfg.Server)
	assert.Equal(t, "/etc/chat/ca.crt", cfg.CAFile)
	assert.Equal(t, config.TransportWebSocket, cfg.Transport)
	assert.Equal(t, 2*time.Second, cfg.DialTimeout)
	assert.Equal(t, config.SecurityModeProduction, cfg.SecurityMode)
	assert.NoError(t, cfg.Validate())
}

func TestClient_InsecureRequiresDevelopmentMode(t *testing.T) {
	cfg := config.DefaultClient()
	cfg.InsecureSkipVerify = true
	assert.ErrorIs(t, cfg.Validate(), config.ErrInsecureInProd)

	cfg.SecurityMode = ""
	assert.ErrorIs(t, cfg.Validate(), config.ErrInsecureInProd)

	cfg.SecurityMode = "Development"
	assert.NoError(t, cfg.Validate())
}

func TestClient_InvalidSecurityMode(t *testing.T) {
	cfg := config.DefaultClient()
	cfg.SecurityMode = "lenient"
	assert.ErrorIs(t, cfg.Validate(), config.ErrInvalidSecurityMode)
}

func TestClient_InvalidTransport(t *testing.T) {
	cfg := config.DefaultClient()
	cfg.Transport = "carrier-pigeon"
	assert.ErrorIs(t, cfg.Validate(), config.ErrInvalidConfig)
}
