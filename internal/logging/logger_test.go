package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelInfo)

	l.Debug("should be suppressed")
	l.Info("visible info")
	l.Warn("visible warn")

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Error("debug message should be filtered below Info level")
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}
}

func TestLoggerEntryShape(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, LevelDebug)

	l.Error("dispatch failed", fmt.Errorf("connection reset"), map[string]interface{}{
		"action_id": "a1",
		"attempt":   2,
	})

	var entry LogEntry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not valid JSON: %v", err)
	}

	if entry.Level != "ERROR" {
		t.Errorf("expected ERROR level, got %s", entry.Level)
	}
	if entry.Error != "connection reset" {
		t.Errorf("expected error field, got %q", entry.Error)
	}
	if entry.Context["action_id"] != "a1" {
		t.Errorf("expected context action_id, got %v", entry.Context)
	}
	if entry.Timestamp == "" {
		t.Error("expected timestamp to be set")
	}
}

func TestInitOverridesLazyDefault(t *testing.T) {
	// An early log call creates the default global logger; a later Init must
	// still take effect.
	Info("early message before configuration")

	var buf bytes.Buffer
	Init(&buf, LevelError)

	Info("should be suppressed")
	Error("visible error", fmt.Errorf("boom"))

	out := buf.String()
	if strings.Contains(out, "suppressed") {
		t.Error("Init level was not applied to the global logger")
	}
	if !strings.Contains(out, "visible error") {
		t.Error("Init output writer was not applied to the global logger")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"Warn":    LevelWarn,
		"error":   LevelError,
		"verbose": LevelInfo, // unknown falls back to info
		"":        LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
