// Package logging provides structured logging for the relay hub.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger writes to stderr. level is one of debug, info, warn or error
// (anything else means info); format "json" selects JSON output, anything
// else logfmt-style text.
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter is NewLogger with a caller-supplied writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(level string) slog.Level {
	if strings.EqualFold(level, "warning") {
		return slog.LevelWarn
	}
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Verbose logs msg at lvl when the debug category is enabled and demotes it
// to debug level otherwise. Debug categories only change verbosity.
func Verbose(logger *slog.Logger, enabled bool, lvl slog.Level, msg string, args ...any) {
	if !enabled {
		lvl = slog.LevelDebug
	}
	logger.Log(context.Background(), lvl, msg, args...)
}

// Common attribute keys for consistent logging.
const (
	KeyComponent  = "component"
	KeyServerName = "server_name"
	KeyPluginName = "plugin_name"
	KeyRequestID  = "request_id"
	KeySelection  = "selection_id"
	KeyCommand    = "command"
	KeyCommands   = "commands"
	KeyIP         = "ip"
	KeyAddress    = "address"
	KeyRemoteAddr = "remote_addr"
	KeyTransport  = "transport"
	KeySessionID  = "session_id"
	KeyState      = "state"
	KeyType       = "type"
	KeyError      = "error"
	KeyDuration   = "duration"
	KeyCount      = "count"
	KeyAttempts   = "attempts"
)
