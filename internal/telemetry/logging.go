// Package telemetry provides the shared structured logger. Output is
// JSON on stderr so process supervisors and log shippers get one line
// per event.
package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds a JSON slog logger tagged with the component name.
func NewLogger(component, level string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	return slog.New(handler).With("component", component)
}

// ParseLevel maps a level string to a slog level, defaulting to info.
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
