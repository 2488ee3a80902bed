// Package logging provides structured logging for the bridge node.
//
// It wraps the standard library's log/slog with a package-level default
// logger whose level is controlled by the LOG_LEVEL environment variable,
// plus thin helpers for the common log sites (peer lifecycle, task
// transitions, protocol errors).
package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Default is the global structured logger instance. It is safe for
// concurrent use and initialized with slog.LevelInfo by default.
var Default *slog.Logger

// level is shared by Default and every logger derived from it.
var level = new(slog.LevelVar)

func init() {
	level.Set(levelFromEnv())
	Default = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
}

func levelFromEnv() slog.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
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

// SetLevel changes the logging level for all subsequent log operations,
// including those of loggers already returned by With. Safe for
// concurrent use: it updates a shared slog.LevelVar.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// With returns a logger with the given module name attached, for
// packages that want a stable "module" attribute on every line.
func With(module string) *slog.Logger {
	return Default.With("module", module)
}

// Info logs an informational message with structured key-value attributes.
func Info(msg string, args ...any) { Default.Info(msg, args...) }

// Debug logs a debug-level message with structured attributes.
func Debug(msg string, args ...any) { Default.Debug(msg, args...) }

// Warn logs a warning message. Use for recoverable protocol or transport
// errors: a dropped frame, a bad signature, a peer that failed to write.
func Warn(msg string, args ...any) { Default.Warn(msg, args...) }

// Error logs an error message for failures that affect operation but
// don't warrant terminating the process.
func Error(msg string, args ...any) { Default.Error(msg, args...) }

// InfoContext logs an informational message bound to a request context.
func InfoContext(ctx context.Context, msg string, args ...any) {
	Default.InfoContext(ctx, msg, args...)
}

// WarnContext logs a warning message bound to a request context.
func WarnContext(ctx context.Context, msg string, args ...any) {
	Default.WarnContext(ctx, msg, args...)
}

// ErrorContext logs an error message bound to a request context.
func ErrorContext(ctx context.Context, msg string, args ...any) {
	Default.ErrorContext(ctx, msg, args...)
}
