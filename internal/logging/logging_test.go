package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"":      slog.LevelInfo,
		"INFO":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", in, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger("json", "warn", &buf)
	if err != nil {
		t.Fatal(err)
	}
	l.Info("hidden")
	WithTrigger(l, "burst").Warn("fired", "count", 3)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %q", buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("not JSON: %v", err)
	}
	if rec["trigger_id"] != "burst" || rec["msg"] != "fired" {
		t.Errorf("unexpected record %v", rec)
	}
}

func TestNewLogger_BadFormat(t *testing.T) {
	if _, err := NewLogger("xml", "info", &bytes.Buffer{}); err == nil {
		t.Error("expected error for unknown format")
	}
}
