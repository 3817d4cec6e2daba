// Package logger provides structured JSON logging for the realtime agent.
// No tokens or message bodies destined for other users are logged.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// New returns a slog.Logger at the given level. JSON output when LOG_JSON=1,
// text otherwise.
func New(level string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if os.Getenv("LOG_JSON") == "1" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
