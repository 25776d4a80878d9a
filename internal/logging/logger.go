// SPDX-License-Identifier: Apache-2.0

package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// NewLogger returns a project-standard slog logger.
// - env=prod: JSON handler without source locations
// - otherwise: colored tint handler with source locations
// LOG_LEVEL controls the level (debug/info/warn/error), default info.
func NewLogger(env string) *slog.Logger {
	return newLogger(os.Stdout, env, os.Getenv("LOG_LEVEL"))
}

// NewLoggerTo is NewLogger writing to w. Terminal tools log to stderr so
// their stdout stays clean.
func NewLoggerTo(w io.Writer, env string) *slog.Logger {
	return newLogger(w, env, os.Getenv("LOG_LEVEL"))
}

func newLogger(w io.Writer, env, rawLevel string) *slog.Logger {
	level := parseLevel(rawLevel)

	if strings.EqualFold(strings.TrimSpace(env), "prod") {
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
			Level:     level,
			AddSource: false,
		}))
	}

	return slog.New(tint.NewHandler(w, &tint.Options{
		Level:      level,
		AddSource:  true,
		TimeFormat: time.TimeOnly,
	}))
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "info", "":
		return slog.LevelInfo
	default:
		return slog.LevelInfo
	}
}
