package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{DebugLevel, "DEBUG"},
		{InfoLevel, "INFO"},
		{WarnLevel, "WARN"},
		{ErrorLevel, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.level.String(); got != tt.expected {
				t.Errorf("Level.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"DEBUG", DebugLevel},
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"WARN", WarnLevel},
		{"warning", WarnLevel},
		{"error", ErrorLevel},
		{"nonsense", InfoLevel},
		{"", InfoLevel},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.expected {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, got, tt.expected)
		}
	}
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	line := strings.TrimSpace(buf.String())
	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log line is not valid JSON: %v\nline: %s", err, line)
	}
	return entry
}

func TestJSONLoggerEmitsValidJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	logger.Info("flush complete",
		SSTableID(12),
		LevelNum(0),
		Count(4096),
	)

	entry := decodeLine(t, &buf)
	if entry["level"] != "INFO" {
		t.Errorf("level = %v, want INFO", entry["level"])
	}
	if entry["msg"] != "flush complete" {
		t.Errorf("msg = %v", entry["msg"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok {
		t.Fatalf("fields missing: %v", entry)
	}
	if fields["sstable_id"] != float64(12) {
		t.Errorf("sstable_id = %v", fields["sstable_id"])
	}
	if fields["level"] != float64(0) {
		t.Errorf("level field = %v", fields["level"])
	}
}

func TestJSONLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, WarnLevel)

	logger.Debug("picker ran")
	logger.Info("flush complete")
	if buf.Len() != 0 {
		t.Errorf("suppressed levels produced output: %s", buf.String())
	}

	logger.Warn("flush backlog growing")
	if buf.Len() == 0 {
		t.Error("WARN at WarnLevel produced no output")
	}
}

func TestJSONLoggerSetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	logger.SetLevel(ErrorLevel)
	if logger.GetLevel() != ErrorLevel {
		t.Errorf("GetLevel = %v, want ErrorLevel", logger.GetLevel())
	}
	logger.Info("compaction installed")
	if buf.Len() != 0 {
		t.Error("INFO emitted after SetLevel(ErrorLevel)")
	}
}

func TestWithAttachesFieldsToEveryLine(t *testing.T) {
	var buf bytes.Buffer
	base := NewJSONLogger(&buf, InfoLevel)
	child := base.With(Component("lsm"), Path("/data/orders"))

	child.Info("tree opened")

	entry := decodeLine(t, &buf)
	fields := entry["fields"].(map[string]any)
	if fields["component"] != "lsm" {
		t.Errorf("component = %v", fields["component"])
	}
	if fields["path"] != "/data/orders" {
		t.Errorf("path = %v", fields["path"])
	}

	// The parent must not have inherited the child's fields.
	buf.Reset()
	base.Info("no fields here")
	entry = decodeLine(t, &buf)
	if _, ok := entry["fields"]; ok {
		t.Errorf("parent logger gained fields: %v", entry["fields"])
	}
}

func TestWithOverridesCollidingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel).With(Component("wal"))

	logger.Info("append", Component("manifest"))

	entry := decodeLine(t, &buf)
	fields := entry["fields"].(map[string]any)
	if fields["component"] != "manifest" {
		t.Errorf("per-line field should win: component = %v", fields["component"])
	}
}

func TestErrorField(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	logger.Error("wal append failed", Error(errors.New("disk full")))
	entry := decodeLine(t, &buf)
	fields := entry["fields"].(map[string]any)
	if fields["error"] != "disk full" {
		t.Errorf("error field = %v", fields["error"])
	}

	if f := Error(nil); f.Value != nil {
		t.Errorf("Error(nil).Value = %v, want nil", f.Value)
	}
}

func TestNopLoggerDiscardsEverything(t *testing.T) {
	logger := NewNopLogger()
	logger.Info("dropped")
	logger.Error("also dropped")
	child := logger.With(Component("lsm"))
	child.Warn("still dropped")
	if child.GetLevel() != InfoLevel {
		t.Errorf("NopLogger GetLevel = %v", child.GetLevel())
	}
}

func TestTimedOperation(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	timer := StartTimer(logger, "compaction job", SSTableID(3))
	time.Sleep(time.Millisecond)
	timer.End()

	entry := decodeLine(t, &buf)
	if entry["msg"] != "compaction job" {
		t.Errorf("msg = %v", entry["msg"])
	}
	fields := entry["fields"].(map[string]any)
	if _, ok := fields["latency"]; !ok {
		t.Error("latency field missing")
	}
	if fields["sstable_id"] != float64(3) {
		t.Errorf("sstable_id = %v", fields["sstable_id"])
	}
}

func TestTimedOperationEndError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewJSONLogger(&buf, InfoLevel)

	timer := StartTimer(logger, "flush")
	timer.EndError(errors.New("short write"))

	entry := decodeLine(t, &buf)
	if entry["level"] != "ERROR" {
		t.Errorf("level = %v, want ERROR", entry["level"])
	}
	fields := entry["fields"].(map[string]any)
	if fields["error"] != "short write" {
		t.Errorf("error = %v", fields["error"])
	}
}
