package app

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

type Logger = *slog.Logger

// NewLogger builds the process logger on stdout and makes it slog's default.
// Formats: json (default), text, pretty.
func NewLogger(level, format string, color bool) *slog.Logger {
	log := newLogger(os.Stdout, level, format, color)
	slog.SetDefault(log)
	return log
}

func newLogger(w io.Writer, level, format string, color bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level), AddSource: true}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "pretty":
		return slog.New(newPrettyHandler(w, opts, color))
	case "text":
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// parseLogLevel falls back to info for anything it does not recognize.
func parseLogLevel(s string) slog.Level {
	var l slog.Level
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	if s == "" || l.UnmarshalText([]byte(s)) != nil {
		return slog.LevelInfo
	}
	return l
}
