package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

type serverFile struct {
	Listen             string  `toml:"listen"`
	CertFile           string  `toml:"cert_file"`
	KeyFile            string  `toml:"key_file"`
	UploadDir          string  `toml:"upload_dir"`
	WebSocket          bool    `toml:"websocket"`
	SniffTimeout       string  `toml:"sniff_timeout"`
	HandshakeTimeout   string  `toml:"handshake_timeout"`
	WriteTimeout       string  `toml:"write_timeout"`
	OutboxSize         int     `toml:"outbox_size"`
	MaxAttachmentBytes int64   `toml:"max_attachment_bytes"`
	MaxLineBytes       int     `toml:"max_line_bytes"`
	MessageCapacity    int     `toml:"message_capacity"`
	MessageTTL         string  `toml:"message_ttl"`
	RateLimit          float64 `toml:"rate_limit"`
	RateBurst          int     `toml:"rate_burst"`
	MetricsAddress     string  `toml:"metrics_address"`
	LogLevel           string  `toml:"log_level"`
	LogFile            string  `toml:"log_file"`
	LogMaxAgeDays      int     `toml:"log_max_age_days"`
}

type clientFile struct {
	Server             string `toml:"server"`
	ServerName         string `toml:"server_name"`
	CAFile             string `toml:"ca_file"`
	SecurityMode       string `toml:"security_mode"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	Transport          string `toml:"transport"`
	DialAttempts       int    `toml:"dial_attempts"`
	DialTimeout        string `toml:"dial_timeout"`
	MaxAttachmentBytes int64  `toml:"max_attachment_bytes"`
	DownloadDir        string `toml:"download_dir"`
	LogLevel           string `toml:"log_level"`
}

// LoadServer reads path over DefaultServer. Keys absent from the file keep
// their defaults.
func LoadServer(path string) (Server, error) {
	cfg := DefaultServer()

	var raw serverFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Server{}, fmt.Errorf("load server config: %w", err)
	}

	if meta.IsDefined("listen") {
		cfg.Listen = strings.TrimSpace(raw.Listen)
	}
	if meta.IsDefined("cert_file") {
		cfg.CertFile = strings.TrimSpace(raw.CertFile)
	}
	if meta.IsDefined("key_file") {
		cfg.KeyFile = strings.TrimSpace(raw.KeyFile)
	}
	if meta.IsDefined("upload_dir") {
		cfg.UploadDir = strings.TrimSpace(raw.UploadDir)
	}
	if meta.IsDefined("websocket") {
		cfg.WebSocket = raw.WebSocket
	}
	if err := overlayDuration(meta, "sniff_timeout", raw.SniffTimeout, &cfg.SniffTimeout); err != nil {
		return Server{}, err
	}
	if err := overlayDuration(meta, "handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout); err != nil {
		return Server{}, err
	}
	if err := overlayDuration(meta, "write_timeout", raw.WriteTimeout, &cfg.WriteTimeout); err != nil {
		return Server{}, err
	}
	if meta.IsDefined("outbox_size") {
		cfg.OutboxSize = raw.OutboxSize
	}
	if meta.IsDefined("max_attachment_bytes") {
		cfg.MaxAttachmentBytes = raw.MaxAttachmentBytes
	}
	if meta.IsDefined("max_line_bytes") {
		cfg.MaxLineBytes = raw.MaxLineBytes
	}
	if meta.IsDefined("message_capacity") {
		cfg.MessageCapacity = raw.MessageCapacity
	}
	if err := overlayDuration(meta, "message_ttl", raw.MessageTTL, &cfg.MessageTTL); err != nil {
		return Server{}, err
	}
	if meta.IsDefined("rate_limit") {
		cfg.RateLimit = raw.RateLimit
	}
	if meta.IsDefined("rate_burst") {
		cfg.RateBurst = raw.RateBurst
	}
	if meta.IsDefined("metrics_address") {
		cfg.MetricsAddress = strings.TrimSpace(raw.MetricsAddress)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}
	if meta.IsDefined("log_file") {
		cfg.LogFile = strings.TrimSpace(raw.LogFile)
	}
	if meta.IsDefined("log_max_age_days") {
		cfg.LogMaxAgeDays = raw.LogMaxAgeDays
	}

	return cfg, nil
}

// LoadClient reads path over DefaultClient.
func LoadClient(path string) (Client, error) {
	cfg := DefaultClient()

	var raw clientFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Client{}, fmt.Errorf("load client config: %w", err)
	}

	if meta.IsDefined("server") {
		cfg.Server = strings.TrimSpace(raw.Server)
	}
	if meta.IsDefined("server_name") {
		cfg.ServerName = strings.TrimSpace(raw.ServerName)
	}
	if meta.IsDefined("ca_file") {
		cfg.CAFile = strings.TrimSpace(raw.CAFile)
	}
	if meta.IsDefined("security_mode") {
		cfg.SecurityMode = NormalizeSecurityMode(SecurityMode(raw.SecurityMode))
	}
	if meta.IsDefined("insecure_skip_verify") {
		cfg.InsecureSkipVerify = raw.InsecureSkipVerify
	}
	if meta.IsDefined("transport") {
		cfg.Transport = Transport(strings.ToLower(strings.TrimSpace(raw.Transport)))
	}
	if meta.IsDefined("dial_attempts") {
		cfg.DialAttempts = raw.DialAttempts
	}
	if err := overlayDuration(meta, "dial_timeout", raw.DialTimeout, &cfg.DialTimeout); err != nil {
		return Client{}, err
	}
	if meta.IsDefined("max_attachment_bytes") {
		cfg.MaxAttachmentBytes = raw.MaxAttachmentBytes
	}
	if meta.IsDefined("download_dir") {
		cfg.DownloadDir = strings.TrimSpace(raw.DownloadDir)
	}
	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
	}

	return cfg, nil
}

func overlayDuration(meta toml.MetaData, key, raw string, dst *time.Duration) error {
	if !meta.IsDefined(key) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse %s: %w", key, err)
	}
	*dst = d
	return nil
}
