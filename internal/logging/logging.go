// Package logging builds the slog logger used across the run: console output plus an
// optional rotating log file.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/nmslite/fleetinv/internal/config"
)

// LevelSuccess sits between Info and Warn and marks a host or step that completed.
const LevelSuccess = slog.Level(2)

// New creates the run logger. The returned closer flushes and closes the log file, if any.
func New(cfg config.LoggingConfig) (*slog.Logger, io.Closer, error) {
	return newLogger(cfg, os.Stdout)
}

func newLogger(cfg config.LoggingConfig, console io.Writer) (*slog.Logger, io.Closer, error) {
	var out io.Writer = console
	var closer io.Closer = nopCloser{}

	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, nil, err
		}
		file := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		out = io.MultiWriter(console, file)
		closer = file
	}

	opts := &slog.HandlerOptions{
		Level:       ParseLevel(cfg.Level),
		ReplaceAttr: renameLevels,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}

	return slog.New(handler), closer, nil
}

// ParseLevel maps a config level name to a slog level. Unknown names mean info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
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

func renameLevels(_ []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level == LevelSuccess {
		a.Value = slog.StringValue("SUCCESS")
	}
	return a
}

// Success logs msg at LevelSuccess.
func Success(ctx context.Context, logger *slog.Logger, msg string, args ...any) {
	logger.Log(ctx, LevelSuccess, msg, args...)
}

// Discard returns a logger that drops everything. Used by tests and library callers.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
