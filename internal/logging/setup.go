// Package logging configures structured logging for the agent worker using
// log/slog, and hands out child loggers scoped to one agent or component.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
)

// Level allows the log level to be changed at runtime.
var Level slog.LevelVar

// Setup initialises the default slog logger from LOG_LEVEL (debug, info,
// warn, error; default info) and LOG_FORMAT (json, text; default json).
// Output from the stdlib "log" package is forwarded into slog.
func Setup() {
	SetupWithConfig(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stderr)
}

// SetupWithConfig configures slog with explicit parameters and returns the
// installed logger.
func SetupWithConfig(levelStr, formatStr string, w io.Writer) *slog.Logger {
	Level.Set(ParseLevel(levelStr))

	opts := &slog.HandlerOptions{Level: &Level}
	var handler slog.Handler
	if strings.EqualFold(strings.TrimSpace(formatStr), "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	log.SetOutput(stdlibWriter{logger: logger})
	log.SetFlags(0)
	return logger
}

// ParseLevel converts a string to slog.Level. Defaults to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// ForAgent returns a child of the default logger tagged with the agent's ID
// and name.
func ForAgent(id, name string) *slog.Logger {
	return slog.Default().With("agentId", id, "agent", name)
}

// Component returns a child of base tagged with a component name. A nil
// base uses the default logger.
func Component(base *slog.Logger, name string) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With("component", name)
}

// stdlibWriter forwards stdlib log lines to slog at INFO.
type stdlibWriter struct {
	logger *slog.Logger
}

func (w stdlibWriter) Write(p []byte) (int, error) {
	w.logger.Info(strings.TrimRight(string(p), "\n"), "source", "stdlib")
	return len(p), nil
}
