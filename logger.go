package chatmux

import (
	"io"
	"log/slog"
	"strings"

	"github.com/pkg/errors"
)

// Logger is the interface for structured logging used by the loop and
// server. It is designed to be compatible with *slog.Logger from the standard
// library. Applications can provide their own implementation or use the
// default slog logger.
type Logger interface {
	// Debug logs a debug-level message with optional key-value pairs.
	Debug(msg string, args ...any)

	// Info logs an info-level message with optional key-value pairs.
	Info(msg string, args ...any)

	// Warn logs a warning-level message with optional key-value pairs.
	Warn(msg string, args ...any)

	// Error logs an error-level message with optional key-value pairs.
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// NewTextLogger returns a Logger writing slog text records at or above the
// named level ("debug", "info", "warn" or "error") to w.
func NewTextLogger(w io.Writer, level string) (Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		return nil, errors.Wrapf(err, "log level %q", level)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// connAttrs returns the standard key-value pairs identifying c in log records.
func connAttrs(c *Conn, extra ...any) []any {
	return append([]any{"conn", int(c.Handle()), "addr", c.RemoteAddr()}, extra...)
}
