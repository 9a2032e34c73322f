package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"
)

func TestNewJSONAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, Config{Format: "json", Level: "warn"})

	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level, got %q", buf.String())
	}

	log.Warn("shown", "stage", "Waiting")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["msg"] != "shown" || rec["stage"] != "Waiting" {
		t.Errorf("record = %v", rec)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRunIDContext(t *testing.T) {
	ctx := context.Background()
	if RunID(ctx) != "" {
		t.Error("empty context should carry no run ID")
	}
	ctx = WithRunID(ctx, "run-1")
	if RunID(ctx) != "run-1" {
		t.Errorf("RunID = %q", RunID(ctx))
	}
}

func TestRunLogger(t *testing.T) {
	var buf bytes.Buffer
	base := New(&buf, Config{Format: "json"})
	RunLogger(base, "run-1", "2024-12-25").Info("started")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if rec["run_id"] != "run-1" || rec["logical_date"] != "2024-12-25" {
		t.Errorf("record = %v", rec)
	}
}
