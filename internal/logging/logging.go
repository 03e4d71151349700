// Package logging builds the zerolog loggers used by the binaries.
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	EnvLogLevel   = "SECURECHAT_LOG_LEVEL"
	EnvLogNoColor = "SECURECHAT_LOG_NOCOLOR"
)

// Options configures New.
type Options struct {
	App     string
	Level   string
	Out     io.Writer
	NoColor bool
	// File, when set, also receives every entry as a JSON line.
	File io.Writer
}

// New returns a console logger tagged with the app name. The environment
// overrides Level and NoColor.
func New(opts Options) zerolog.Logger {
	if opts.Out == nil {
		opts.Out = os.Stderr
	}
	level := ParseLevel(opts.Level)
	if raw := os.Getenv(EnvLogLevel); raw != "" {
		level = ParseLevel(raw)
	}
	noColor := opts.NoColor
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(EnvLogNoColor))); err == nil {
		noColor = v
	}

	output := zerolog.ConsoleWriter{
		Out:        opts.Out,
		TimeFormat: time.RFC3339,
		NoColor:    noColor,
	}
	var w io.Writer = output
	if opts.File != nil {
		w = zerolog.MultiLevelWriter(output, opts.File)
	}
	return zerolog.New(w).Level(level).With().Timestamp().Str("app", opts.App).Logger()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(raw string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
