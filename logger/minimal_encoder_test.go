package logger

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// stripANSI removes ANSI color codes from a string for testing
func stripANSI(str string) string {
	ansiRegex := regexp.MustCompile(`\x1b\[[0-9;]*m`)
	return ansiRegex.ReplaceAllString(str, "")
}

// TestMinimalEncoderNeverDiscardsFields ensures the minimal encoder NEVER
// silently drops log fields. Fields without special formatting must still
// appear as key=value.
func TestMinimalEncoderNeverDiscardsFields(t *testing.T) {
	encoder := newMinimalEncoder()

	entry := zapcore.Entry{
		Level:      zapcore.InfoLevel,
		Time:       time.Now(),
		LoggerName: "test",
		Message:    "Testing field preservation",
	}

	testFields := []struct {
		field    zapcore.Field
		mustFind string // What we must find in the output
	}{
		{zap.String("action", "attack"), "action=attack"},
		{zap.String("target", "4121"), "target=4121"},
		{zap.Bool("parallel", true), "parallel=true"},
		{zap.Float64("noise", 0.8), "noise=0.8"},
		{zap.Strings("errors", []string{"e1", "e2"}), "errors"},

		// Random field names that should never be dropped
		{zap.String("random_field_xyz", "important_data"), "random_field_xyz=important_data"},
		{zap.Int("critical_count", 999), "critical_count=999"},
		{zap.String("error_details", "null pointer exception"), "error_details=null pointer exception"},

		// Fields with underscores and dots (edge cases)
		{zap.String("field_with_underscores", "test"), "field_with_underscores=test"},
		{zap.String("field.with.dots", "test2"), "field.with.dots=test2"},

		// Numeric fields
		{zap.Int32("int32_field", 42), "int32_field=42"},
		{zap.Int64("int64_field", 9999999), "int64_field=9999999"},

		// Boolean fields
		{zap.Bool("success", false), "success=false"},

		// Error fields (critical for debugging!)
		{zap.Error(nil), ""}, // nil error shouldn't crash
		{zap.String("error", "something went wrong"), "error=something went wrong"},

		// Fields with special formatting (should still surface their values)
		{zap.String("job_id", "j_123"), "j_123"},
		{zap.Int("accounts", 10), "10"},
		{zap.Int("failed", 5), "5"},
	}

	var allFields []zapcore.Field
	for _, tf := range testFields {
		allFields = append(allFields, tf.field)
	}

	buf, err := encoder.EncodeEntry(entry, allFields)
	if err != nil {
		t.Fatalf("Failed to encode entry: %v", err)
	}

	output := buf.String()
	cleanOutput := stripANSI(output)

	missingFields := []string{}
	for _, tf := range testFields {
		if tf.mustFind != "" && !strings.Contains(cleanOutput, tf.mustFind) {
			missingFields = append(missingFields, tf.mustFind)
			t.Errorf("Field was silently discarded from log output: %s", tf.mustFind)
		}
	}

	if len(missingFields) > 0 {
		t.Fatalf("Logger is silently discarding %d fields! Missing: %v\nClean output was: %s",
			len(missingFields), missingFields, cleanOutput)
	}
}

func TestMinimalEncoderAccountSummary(t *testing.T) {
	encoder := newMinimalEncoder()

	entry := zapcore.Entry{
		Level:      zapcore.InfoLevel,
		Time:       time.Date(2026, 3, 14, 13, 4, 35, 0, time.UTC),
		LoggerName: "engine.fanout",
		Message:    "Step finished",
	}

	fields := []zapcore.Field{
		zap.String(FieldStepID, "s_42"),
		zap.Int(FieldAccounts, 19),
		zap.Int(FieldSuccessful, 17),
		zap.Int(FieldFailed, 2),
	}

	buf, err := encoder.EncodeEntry(entry, fields)
	if err != nil {
		t.Fatalf("EncodeEntry error: %v", err)
	}

	clean := stripANSI(buf.String())

	if !strings.Contains(clean, "13:04:35") {
		t.Errorf("missing timestamp, output: %s", clean)
	}
	if !strings.Contains(clean, "e.fanout") {
		t.Errorf("missing abbreviated component, output: %s", clean)
	}
	if !strings.Contains(clean, "s_42") {
		t.Errorf("missing step id, output: %s", clean)
	}
	if !strings.Contains(clean, "(19 accounts, 17 ok, 2 failed)") {
		t.Errorf("missing account summary, output: %s", clean)
	}
}

func TestMinimalEncoderLevels(t *testing.T) {
	encoder := newMinimalEncoder()

	tests := []struct {
		level    zapcore.Level
		contains string
		absent   string
	}{
		{zapcore.InfoLevel, "", "INFO"},
		{zapcore.WarnLevel, "WARN", ""},
		{zapcore.ErrorLevel, "ERROR", ""},
	}

	for _, tt := range tests {
		entry := zapcore.Entry{
			Level:   tt.level,
			Time:    time.Now(),
			Message: "msg",
		}
		buf, err := encoder.EncodeEntry(entry, nil)
		if err != nil {
			t.Fatalf("EncodeEntry error: %v", err)
		}
		clean := stripANSI(buf.String())
		if tt.contains != "" && !strings.Contains(clean, tt.contains) {
			t.Errorf("level %v output missing %q: %s", tt.level, tt.contains, clean)
		}
		if tt.absent != "" && strings.Contains(clean, tt.absent) {
			t.Errorf("level %v output should not contain %q: %s", tt.level, tt.absent, clean)
		}
	}
}

func TestColorizeMessageBrackets(t *testing.T) {
	// Identifier brackets and stage brackets take different colors, but the
	// text content must always survive colorization.
	msg := "⚔ Step launched [job:j_1] [fanout] trailing text"
	out := colorizeMessage(msg)
	clean := stripANSI(out)
	if clean != msg {
		t.Errorf("colorizeMessage altered text: got %q want %q", clean, msg)
	}
}

func TestAbbreviateName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"engine", "engine"},
		{"engine.executor", "e.executor"},
		{"engine.schedule.ticker", "e.schedule.ticker"},
	}
	for _, tt := range tests {
		if got := abbreviateName(tt.in); got != tt.want {
			t.Errorf("abbreviateName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEncoderClone(t *testing.T) {
	encoder := newMinimalEncoder()
	clone := encoder.Clone()
	if clone == nil {
		t.Fatal("Clone returned nil")
	}

	entry := zapcore.Entry{Level: zapcore.InfoLevel, Time: time.Now(), Message: "cloned"}
	buf, err := clone.EncodeEntry(entry, nil)
	if err != nil {
		t.Fatalf("cloned encoder EncodeEntry error: %v", err)
	}
	if !strings.Contains(stripANSI(buf.String()), "cloned") {
		t.Error("cloned encoder lost message")
	}
}
