// Package logging sets up the ambient slog logger for the CLI. This is
// the operator-facing diagnostic log, unrelated to the telemetry
// records the facility captures.
package logging

import (
	"io"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config holds ambient logging configuration.
type Config struct {
	// File routes log output to a size-rotated file instead of stderr.
	File string

	// Level is the minimum level: "debug", "info", "warn", "error".
	Level string

	// Format is "text" (default) or "json".
	Format string
}

// New builds a logger from cfg and installs it as the slog default.
func New(cfg Config) *slog.Logger {
	var w io.Writer = os.Stderr
	if cfg.File != "" {
		w = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    10, // MB
			MaxBackups: 5,
			MaxAge:     10, // days
			Compress:   true,
		}
	}

	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
