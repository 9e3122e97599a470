package logger

import (
	"log/slog"
	"os"
	"strings"
)

// New returns a JSON slog.Logger tagged with the component name. LOG_LEVEL
// (debug, info, warn, error) overrides the default level; debug also records
// source positions.
func New(component string, level slog.Level) *slog.Logger {
	if v, ok := os.LookupEnv("LOG_LEVEL"); ok {
		level = parseLevel(v, level)
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: level <= slog.LevelDebug}
	h := slog.NewJSONHandler(os.Stdout, opts)
	return slog.New(h).With("component", component)
}

func parseLevel(value string, fallback slog.Level) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return fallback
}
