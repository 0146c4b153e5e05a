package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/zoomstore/zoomstore/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupJSON(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	Setup("debug", "json", &buf)
	slog.Debug("tile written", "id", "abc", "level", 3)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "tile written" || rec["id"] != "abc" {
		t.Errorf("unexpected record: %v", rec)
	}
}

func TestSetupTextFiltersLevel(t *testing.T) {
	prev := slog.Default()
	defer slog.SetDefault(prev)

	var buf bytes.Buffer
	Setup("warn", "text", &buf)
	slog.Info("hidden")
	slog.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(out, "shown") {
		t.Error("warn message missing")
	}
}

func TestOutputStderrByDefault(t *testing.T) {
	w, c := Output(config.LoggingConfig{})
	if w != os.Stderr {
		t.Error("expected stderr when no file is configured")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestOutputRotatingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "zoomstore.log")
	w, c := Output(config.LoggingConfig{File: path, MaxSizeMB: 1})
	if _, err := w.Write([]byte("hello\n")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "hello\n" {
		t.Errorf("log file = %q", data)
	}
}
