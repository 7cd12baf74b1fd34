package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"go.uber.org/zap"
)

func captureGlobal(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	l, err := NewWriterLogger(&buf, level)
	if err != nil {
		t.Fatalf("NewWriterLogger failed: %v", err)
	}
	prev := GetLogger()
	SetGlobal(l)
	t.Cleanup(func() { SetGlobal(prev) })
	return &buf
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		entry := make(map[string]interface{})
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("decode log line %q failed: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestContextFields(t *testing.T) {
	buf := captureGlobal(t, "info")
	ctx := WithPartition(WithBootID(context.Background(), "boot-1"), "p1")

	Info(ctx, "partition mode changed", zap.String("to", "normal"))

	lines := decodeLines(t, buf)
	if len(lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(lines))
	}
	entry := lines[0]
	if entry["msg"] != "partition mode changed" || entry["boot_id"] != "boot-1" || entry["partition"] != "p1" || entry["to"] != "normal" {
		t.Fatalf("unexpected entry %+v", entry)
	}
}

func TestLevelFiltering(t *testing.T) {
	buf := captureGlobal(t, "warn")
	ctx := context.Background()

	Debug(ctx, "debug")
	Info(ctx, "info")
	Warn(ctx, "warn")
	Error(ctx, "error")

	lines := decodeLines(t, buf)
	if len(lines) != 2 || lines[0]["msg"] != "warn" || lines[1]["msg"] != "error" {
		t.Fatalf("unexpected lines %+v", lines)
	}
}

func TestLogByName(t *testing.T) {
	buf := captureGlobal(t, "trace")
	ctx := context.Background()

	Log(ctx, "trace", "a")
	Log(ctx, "WARNING", "b")
	Log(ctx, "bogus", "c")

	lines := decodeLines(t, buf)
	want := []string{"debug", "warn", "info"}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %d", len(want), len(lines))
	}
	for i, level := range want {
		if lines[i]["level"] != level {
			t.Fatalf("line %d: expected level %s, got %v", i, level, lines[i]["level"])
		}
	}
}

func TestNilGlobalIsSafe(t *testing.T) {
	prev := GetLogger()
	SetGlobal(nil)
	t.Cleanup(func() { SetGlobal(prev) })

	Info(context.Background(), "dropped")
	Log(context.Background(), "error", "dropped")
	if err := Sync(); err != nil {
		t.Fatalf("Sync on nil logger failed: %v", err)
	}
}

func TestResolveLevel(t *testing.T) {
	tests := []struct {
		env        string
		configured string
		want       string
	}{
		{"", "", "info"},
		{"", "debug", "debug"},
		{"trace", "debug", "trace"},
		{"  ", "warn", "warn"},
	}
	for _, tt := range tests {
		t.Setenv(LevelEnv, tt.env)
		if got := ResolveLevel(tt.configured); got != tt.want {
			t.Errorf("ResolveLevel(%q) with env %q = %q, want %q", tt.configured, tt.env, got, tt.want)
		}
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	if _, err := NewLogger(Config{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := NewLogger(Config{Level: "trace", OutputPath: "stdout"}); err != nil {
		t.Fatalf("trace should be accepted: %v", err)
	}
}
