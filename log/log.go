// Package log provides structured logging for the key manager. It wraps
// log/slog and hands out per-module child loggers so every component tags
// its records with where they came from.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"
	"sync/atomic"
)

// Logger wraps slog.Logger.
type Logger struct {
	inner *slog.Logger
}

var defaultLogger atomic.Pointer[Logger]

func init() {
	defaultLogger.Store(New(slog.LevelInfo))
}

// New returns a Logger writing JSON to stderr at level.
func New(level slog.Level) *Logger {
	return NewWithFormat(os.Stderr, FormatJSON, level)
}

// NewWithFormat returns a Logger writing records in format to w.
func NewWithFormat(w io.Writer, format Format, level slog.Level) *Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == FormatText {
		return NewWithHandler(slog.NewTextHandler(w, opts))
	}
	return NewWithHandler(slog.NewJSONHandler(w, opts))
}

// NewWithHandler returns a Logger backed by h.
func NewWithHandler(h slog.Handler) *Logger {
	return &Logger{inner: slog.New(h)}
}

// Discard returns a Logger that drops every record.
func Discard() *Logger {
	return NewWithHandler(slog.NewTextHandler(io.Discard, nil))
}

// SetDefault replaces the process-wide logger. nil is ignored.
func SetDefault(l *Logger) {
	if l != nil {
		defaultLogger.Store(l)
	}
}

// Default returns the process-wide logger.
func Default() *Logger {
	return defaultLogger.Load()
}

// Module returns a child logger tagged with module=name.
func (l *Logger) Module(name string) *Logger {
	return &Logger{inner: l.inner.With("module", name)}
}

// With returns a child logger with additional key-value context.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{inner: l.inner.With(args...)}
}

// Slog exposes the underlying slog.Logger.
func (l *Logger) Slog() *slog.Logger { return l.inner }

// Enabled reports whether records at level would be emitted.
func (l *Logger) Enabled(level slog.Level) bool {
	return l.inner.Enabled(context.Background(), level)
}

func (l *Logger) Debug(msg string, args ...any) { l.inner.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.inner.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.inner.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.inner.Error(msg, args...) }

// DebugContext logs at debug level, letting the handler pick up trace ids
// from ctx.
func (l *Logger) DebugContext(ctx context.Context, msg string, args ...any) {
	l.inner.DebugContext(ctx, msg, args...)
}

// InfoContext is the context-aware Info.
func (l *Logger) InfoContext(ctx context.Context, msg string, args ...any) {
	l.inner.InfoContext(ctx, msg, args...)
}

// Package-level helpers delegate to the default logger.

func Debug(msg string, args ...any) { Default().Debug(msg, args...) }
func Info(msg string, args ...any)  { Default().Info(msg, args...) }
func Warn(msg string, args ...any)  { Default().Warn(msg, args...) }
func Error(msg string, args ...any) { Default().Error(msg, args...) }
