package logging

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nmslite/fleetinv/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := ParseLevel(tt.in); got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSuccessLevelRendering(t *testing.T) {
	var buf bytes.Buffer
	logger, closer, err := newLogger(config.LoggingConfig{Level: "info"}, &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()

	Success(context.Background(), logger, "host collected", "ip", "10.0.0.2")
	logger.Debug("hidden")

	out := buf.String()
	if !strings.Contains(out, "level=SUCCESS") {
		t.Errorf("expected SUCCESS level, got %q", out)
	}
	if strings.Contains(out, "hidden") {
		t.Errorf("debug line should be filtered at info level")
	}
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "run.log")
	var console bytes.Buffer

	logger, closer, err := newLogger(config.LoggingConfig{Level: "debug", Format: "json", FilePath: path, MaxSizeMB: 1}, &console)
	if err != nil {
		t.Fatal(err)
	}
	logger.Warn("cleanup failed", "ip", "10.0.0.9")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"cleanup failed"`) {
		t.Errorf("file content = %q", data)
	}
	if console.Len() == 0 {
		t.Error("console output missing")
	}
}
