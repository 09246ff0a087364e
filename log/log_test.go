package log

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func newTestLogger(buf *bytes.Buffer, level slog.Level) *Logger {
	return NewWithFormat(buf, FormatJSON, level)
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal: %v (raw: %s)", err, buf.String())
	}
	return entry
}

func TestLogger_Module(t *testing.T) {
	var buf bytes.Buffer
	newTestLogger(&buf, slog.LevelDebug).Module("relay").Info("dispatched", "nonce", 3)

	entry := decodeLine(t, &buf)
	if entry["module"] != "relay" {
		t.Fatalf("module = %v, want relay", entry["module"])
	}
	if entry["msg"] != "dispatched" {
		t.Fatalf("msg = %v", entry["msg"])
	}
	if entry["nonce"] != float64(3) {
		t.Fatalf("nonce = %v", entry["nonce"])
	}
}

func TestLogger_WithChain(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf, slog.LevelDebug).Module("keymanager").With("account", "0xac")
	l.Warn("denied")

	entry := decodeLine(t, &buf)
	if entry["module"] != "keymanager" || entry["account"] != "0xac" {
		t.Fatalf("unexpected attrs: %v", entry)
	}
	if entry["level"] != "WARN" {
		t.Fatalf("level = %v", entry["level"])
	}
}

func TestLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	l := newTestLogger(&buf, slog.LevelInfo)
	l.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug record leaked: %s", buf.String())
	}
	if l.Enabled(slog.LevelDebug) {
		t.Fatal("debug should be disabled")
	}
}

func TestTextFormat(t *testing.T) {
	var buf bytes.Buffer
	NewWithFormat(&buf, FormatText, slog.LevelInfo).Info("hello", "k", "v")
	if !strings.Contains(buf.String(), "msg=hello") || !strings.Contains(buf.String(), "k=v") {
		t.Fatalf("unexpected text output: %s", buf.String())
	}
}

func TestSetDefault(t *testing.T) {
	prev := Default()
	defer SetDefault(prev)

	var buf bytes.Buffer
	SetDefault(newTestLogger(&buf, slog.LevelDebug))
	SetDefault(nil)
	Info("from package")
	if !strings.Contains(buf.String(), "from package") {
		t.Fatalf("package-level Info not routed to default: %q", buf.String())
	}
}

func TestVerbosityToLevel(t *testing.T) {
	tests := []struct {
		v    int
		want slog.Level
	}{
		{1, slog.LevelError},
		{2, slog.LevelWarn},
		{3, slog.LevelInfo},
		{4, slog.LevelDebug},
		{5, slog.LevelDebug},
	}
	for _, tt := range tests {
		if got := VerbosityToLevel(tt.v); got != tt.want {
			t.Errorf("VerbosityToLevel(%d) = %v, want %v", tt.v, got, tt.want)
		}
	}
	if VerbosityToLevel(0) <= slog.LevelError {
		t.Error("verbosity 0 should silence errors")
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("TEXT"); err != nil || f != FormatText {
		t.Fatalf("ParseFormat(TEXT) = %v, %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatJSON {
		t.Fatalf("ParseFormat(\"\") = %v, %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Fatal("expected error for xml")
	}
}
