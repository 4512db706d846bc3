// Package logging builds the structured logger shared by every component.
package logging

import (
	"io"
	"log/slog"
	"strings"

	"github.com/robfig/cron/v3"
)

// New returns a slog logger writing to w. format is "json" or "text";
// level is one of debug, info, warn, error (default info).
func New(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var h slog.Handler
	if strings.EqualFold(format, "json") {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

func ParseLevel(level string) slog.Level {
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

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// CronLogger adapts a slog logger to cron.Logger. Cron's own info chatter is
// logged at debug level.
type CronLogger struct {
	Logger *slog.Logger
}

var _ cron.Logger = CronLogger{}

func (l CronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.Logger.Debug("cron: "+msg, keysAndValues...)
}

func (l CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.Logger.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
