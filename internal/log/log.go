// Package log builds the daemon's structured loggers.
package log

import (
	"log/slog"
	"os"
	"strings"
)

// New returns a text-format [slog.Logger] on stderr. The level string is
// matched case-insensitively; anything unrecognized falls back to info so a
// typo in WARDEN_LOG_LEVEL never silences the daemon.
func New(level string) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: ParseLevel(level),
	}))
}

// For returns a child logger tagged with the originating component, e.g.
// "gateway" or "janitor".
func For(logger *slog.Logger, component string) *slog.Logger {
	return logger.With("component", component)
}

// ParseLevel maps a config level string onto a slog level, defaulting to
// info.
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
