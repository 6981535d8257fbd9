// Package logging provides structured logging for the relay binaries.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// OrNop returns logger, or a discarding logger when logger is nil.
func OrNop(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return NopLogger()
	}
	return logger
}

// ForComponent returns logger, or a discarding logger when nil, tagged with
// the component name.
func ForComponent(logger *slog.Logger, component string) *slog.Logger {
	return OrNop(logger).With(KeyComponent, component)
}

// Attribute keys shared by every relay component.
const (
	KeyComponent  = "component"
	KeyLocalAddr  = "local_addr"
	KeyRemoteAddr = "remote_addr"
	KeyClientAddr = "client_addr"
	KeyServerAddr = "server_addr"
	KeySessionID  = "session_id"
	KeyBytes      = "bytes"
	KeyAttempt    = "attempt"
	KeyState      = "state"
	KeyMarker     = "marker"
	KeyHost       = "host"
	KeyDuration   = "duration"
	KeyError      = "error"
)
