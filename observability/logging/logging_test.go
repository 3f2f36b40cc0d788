package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestJSONHandlerUsesPipelineKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "prod", slog.LevelInfo)).With(
		slog.String("service", "escrowd"),
		slog.String("env", "prod"),
	)
	logger.Warn("deal stuck", slog.String("deal_id", "d-1"))

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["severity"] != "WARN" {
		t.Fatalf("expected severity WARN, got %v", line["severity"])
	}
	if line["message"] != "deal stuck" {
		t.Fatalf("expected message field, got %v", line["message"])
	}
	if _, ok := line["timestamp"]; !ok {
		t.Fatal("expected timestamp field")
	}
	if line["service"] != "escrowd" || line["env"] != "prod" {
		t.Fatalf("service identity missing from line: %v", line)
	}
}

func TestDevEnvironmentUsesTextHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "dev", slog.LevelInfo))
	logger.Info("listening", slog.String("addr", ":8080"))

	out := buf.String()
	if strings.HasPrefix(strings.TrimSpace(out), "{") {
		t.Fatalf("dev logs should be text, got %q", out)
	}
	if !strings.Contains(out, "addr=:8080") {
		t.Fatalf("expected text attributes, got %q", out)
	}
}

func TestHandlerHonorsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewHandler(&buf, "prod", slog.LevelWarn))
	logger.Info("suppressed")
	if buf.Len() != 0 {
		t.Fatalf("info line should be suppressed below warn, got %q", buf.String())
	}
	logger.Error("kept")
	if buf.Len() == 0 {
		t.Fatal("error line should pass the warn threshold")
	}
}

func TestLevelFromEnv(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"warn":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
		" DEBUG ": slog.LevelDebug,
	}
	for value, want := range cases {
		t.Setenv("ESCROWD_LOG_LEVEL", value)
		if got := LevelFromEnv(); got != want {
			t.Fatalf("level for %q: expected %v, got %v", value, want, got)
		}
	}
}
