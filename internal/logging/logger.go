package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Rotation settings for LOG_FILE.
const (
	maxLogSizeMB  = 20
	maxLogBackups = 3
	maxLogAgeDays = 14
)

// output is where log lines go besides the optional file. Logs stay off
// stdout so CLI commands can print machine-readable output there.
var output io.Writer = os.Stderr

// NewLogger creates a structured logger appropriate for the environment.
// Production uses JSON format, development uses human-readable text.
// level overrides the environment's default level (info in production,
// debug otherwise). When file is set, lines are also written to a
// size-rotated file; close the returned Closer on shutdown.
func NewLogger(env, level, file string) (*slog.Logger, io.Closer) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}

	if env != "production" {
		opts.Level = slog.LevelDebug
	}

	if lvl, ok := ParseLevel(level); ok {
		opts.Level = lvl
	}

	w := output

	var closer io.Closer = nopCloser{}

	if file != "" {
		rotated := &lumberjack.Logger{
			Filename:   file,
			MaxSize:    maxLogSizeMB,
			MaxBackups: maxLogBackups,
			MaxAge:     maxLogAgeDays,
		}
		w = io.MultiWriter(output, rotated)
		closer = rotated
	}

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler), closer
}

// ParseLevel maps debug, info, warn and error (any case) to slog levels.
func ParseLevel(s string) (slog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, true
	case "info":
		return slog.LevelInfo, true
	case "warn", "warning":
		return slog.LevelWarn, true
	case "error":
		return slog.LevelError, true
	}

	return slog.LevelInfo, false
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
