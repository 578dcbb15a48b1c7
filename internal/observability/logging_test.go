package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestNewLoggerDefaults(t *testing.T) {
	logger := NewLogger(LogConfig{})
	if logger == nil {
		t.Fatal("NewLogger returned nil")
	}
	if logger.config.Level != "info" {
		t.Errorf("default level = %q, want info", logger.config.Level)
	}
	if logger.config.Format != "json" {
		t.Errorf("default format = %q, want json", logger.config.Format)
	}
}

func TestLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Format: "json", Output: &buf})

	logger.Info(context.Background(), "tool executed", "tool", "web_search", "results", 3)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if record["msg"] != "tool executed" {
		t.Errorf("msg = %v", record["msg"])
	}
	if record["tool"] != "web_search" {
		t.Errorf("tool = %v", record["tool"])
	}
}

func TestLoggerRedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Output: &buf})

	logger.Info(context.Background(), "auth", "header", "Bearer abcdefghijklmnopqrstuvwxyz012345")

	out := buf.String()
	if strings.Contains(out, "abcdefghijklmnopqrstuvwxyz012345") {
		t.Errorf("bearer token leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Errorf("expected [REDACTED] marker in output: %s", out)
	}
}

func TestLoggerRedactsSensitiveMapKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Output: &buf})

	logger.Info(context.Background(), "config loaded", "settings", map[string]any{
		"api_key": "super-secret-value",
		"level":   "info",
	})

	out := buf.String()
	if strings.Contains(out, "super-secret-value") {
		t.Errorf("api_key value leaked: %s", out)
	}
	if !strings.Contains(out, "info") {
		t.Errorf("non-sensitive value missing: %s", out)
	}
}

func TestLoggerContextCorrelation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "debug", Output: &buf})

	ctx := WithRequestID(context.Background(), "req-42")
	ctx = WithTransport(ctx, "stdio")
	logger.Info(ctx, "handling request")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if record["request_id"] != "req-42" {
		t.Errorf("request_id = %v, want req-42", record["request_id"])
	}
	if record["transport"] != "stdio" {
		t.Errorf("transport = %v, want stdio", record["transport"])
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "abc")
	if got := RequestID(ctx); got != "abc" {
		t.Errorf("RequestID = %q, want abc", got)
	}
	if got := RequestID(context.Background()); got != "" {
		t.Errorf("RequestID on empty context = %q, want empty", got)
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"WARN", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := LogLevelFromString(tt.in); got != tt.want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
