package middleware

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ============================================================================
// Global Logger Instance
// ============================================================================

var (
	// Logger is the global slog instance used by all middleware.
	// JSON to stdout unless SetupLogger says otherwise.
	Logger *slog.Logger
)

func init() {
	Logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(Logger)
}

// ParseLevel maps a LOG_LEVEL value to a slog level; unknown values are info.
func ParseLevel(level string) slog.Level {
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

// SetupLogger replaces the global logger and the slog default.
func SetupLogger(w io.Writer, level, format string) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var h slog.Handler
	if format == "text" {
		h = slog.NewTextHandler(w, opts)
	} else {
		h = slog.NewJSONHandler(w, opts)
	}

	Logger = slog.New(h)
	slog.SetDefault(Logger)
	return Logger
}

// ============================================================================
// Request Logger (Context-Aware)
// ============================================================================

// RequestLogger provides structured logging with request context.
// Wraps slog.Logger with chained attribute building.
type RequestLogger struct {
	attrs []slog.Attr
}

// NewRequestLogger creates a new request logger.
func NewRequestLogger() *RequestLogger {
	return &RequestLogger{
		attrs: make([]slog.Attr, 0, 8),
	}
}

// Str adds a string field (chainable).
func (l *RequestLogger) Str(key, val string) *RequestLogger {
	l.attrs = append(l.attrs, slog.String(key, val))
	return l
}

// Int adds an integer field.
func (l *RequestLogger) Int(key string, val int) *RequestLogger {
	l.attrs = append(l.attrs, slog.Int(key, val))
	return l
}

// Int64 adds an int64 field.
func (l *RequestLogger) Int64(key string, val int64) *RequestLogger {
	l.attrs = append(l.attrs, slog.Int64(key, val))
	return l
}

// Err adds an error field.
func (l *RequestLogger) Err(err error) *RequestLogger {
	if err != nil {
		l.attrs = append(l.attrs, slog.String("error", err.Error()))
	}
	return l
}

func (l *RequestLogger) toArgs() []any {
	args := make([]any, len(l.attrs))
	for i, attr := range l.attrs {
		args[i] = attr
	}
	return args
}

// Info logs at INFO level.
func (l *RequestLogger) Info(msg string) {
	Logger.Info(msg, l.toArgs()...)
}

// Debug logs at DEBUG level.
func (l *RequestLogger) Debug(msg string) {
	Logger.Debug(msg, l.toArgs()...)
}

// Warn logs at WARN level.
func (l *RequestLogger) Warn(msg string) {
	Logger.Warn(msg, l.toArgs()...)
}
