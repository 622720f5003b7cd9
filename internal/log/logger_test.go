package log

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func reset() {
	logger = nil
	output = nil
	once = *new(sync.Once)
}

func TestSetup(t *testing.T) {
	reset()

	if err := Setup(Options{Level: "DEBUG"}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if logger == nil {
		t.Fatal("Logger should not be nil")
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"verbose":  LevelVerbose,
		"debug":    slog.LevelDebug,
		"info":     slog.LevelInfo,
		"warning":  slog.LevelWarn,
		"warn":     slog.LevelWarn,
		"error":    slog.LevelError,
		"critical": LevelCritical,
		"bogus":    slog.LevelInfo,
		"":         slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupWritesToFile(t *testing.T) {
	reset()
	t.Cleanup(func() { _ = Close(); reset() })

	path := filepath.Join(t.TempDir(), "server.log")
	if err := Setup(Options{Level: "info", Format: "text", File: path}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	Info("hello file", "k", "v")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(b), "hello file") {
		t.Fatalf("expected log line in file, got %q", string(b))
	}
}

func TestCriticalLevelName(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(newHandler(&buf, Options{Level: "verbose"}))
	t.Cleanup(reset)

	Get().Log(context.Background(), LevelCritical, "boom")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out["level"] != "CRITICAL" {
		t.Errorf("Expected level CRITICAL, got %v", out["level"])
	}
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))
	t.Cleanup(reset)

	WithComponent("test-comp").Info("hello")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out["component"] != "test-comp" {
		t.Errorf("Expected component 'test-comp', got %v", out["component"])
	}
	if out["msg"] != "hello" {
		t.Errorf("Expected msg 'hello', got %v", out["msg"])
	}
}

func TestWithCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger = slog.New(slog.NewJSONHandler(&buf, nil))
	t.Cleanup(reset)

	WithCorrelation("conn-1", "42").Info("command msg")

	var out map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode JSON: %v", err)
	}
	if out["conn_id"] != "conn-1" {
		t.Errorf("Expected conn_id 'conn-1', got %v", out["conn_id"])
	}
	if out["correlation_id"] != "42" {
		t.Errorf("Expected correlation_id '42', got %v", out["correlation_id"])
	}
}
