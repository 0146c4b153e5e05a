// Package logging configures structured logging for ZoomStore using log/slog.
package logging

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/zoomstore/zoomstore/internal/config"
)

// Setup configures the default slog logger with the specified level and format.
// Supported levels: "debug", "info", "warn", "error" (default: "info").
// Supported formats: "text", "json" (default: "text").
func Setup(level, format string, w io.Writer) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// Output returns the writer logs should go to: a size-rotated file when
// cfg.File is set, stderr otherwise. The returned closer must be called on
// shutdown.
func Output(cfg config.LoggingConfig) (io.Writer, io.Closer) {
	if cfg.File == "" {
		return os.Stderr, io.NopCloser(nil)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		slog.Warn("Cannot create log directory, logging to stderr", "dir", filepath.Dir(cfg.File), "error", err)
		return os.Stderr, io.NopCloser(nil)
	}
	l := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB, // megabytes
		MaxAge:     cfg.MaxAgeDays,
		MaxBackups: cfg.MaxBackups,
	}
	return l, l
}
