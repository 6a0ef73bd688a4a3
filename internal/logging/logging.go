package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is a leveled key/value logger that writes to the console.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger at info level writing to stdout.
func NewLogger() *Logger {
	return New(os.Stdout, "info")
}

// New creates a Logger writing text records to w at the named level.
// Unknown levels fall back to info.
func New(w io.Writer, level string) *Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: parseLevel(level)})
	return &Logger{Logger: slog.New(handler)}
}

// Discard returns a Logger that drops every record.
func Discard() *Logger {
	return New(io.Discard, "error")
}

// With returns a Logger that adds the given attributes to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
