package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LogLevel(999), "UNKNOWN"},
	}

	for _, test := range tests {
		result := test.level.String()
		if result != test.expected {
			t.Errorf("LogLevel(%d).String() = %s, expected %s", test.level, result, test.expected)
		}
	}
}

func TestLogLevel_SlogLevel(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{LogLevel(999), slog.LevelInfo}, // Default for unknown
	}

	for _, test := range tests {
		result := test.level.SlogLevel()
		if result != test.expected {
			t.Errorf("LogLevel(%d).SlogLevel() = %v, expected %v", test.level, result, test.expected)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected LogLevel
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{" error ", LevelError},
		{"", LevelInfo},
		{"bogus", LevelInfo},
	}

	for _, test := range tests {
		if got := ParseLevel(test.input); got != test.expected {
			t.Errorf("ParseLevel(%q) = %v, expected %v", test.input, got, test.expected)
		}
	}
}

func TestInit_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelWarn, &buf, "")

	Debug("Test", "debug message")
	Info("Test", "info message")
	Warn("Test", "warn message")

	output := buf.String()
	if strings.Contains(output, "debug message") {
		t.Error("debug message should be filtered at warn level")
	}
	if strings.Contains(output, "info message") {
		t.Error("info message should be filtered at warn level")
	}
	if !strings.Contains(output, "warn message") {
		t.Error("warn message should be emitted at warn level")
	}
}

func TestError_IncludesErrorAttr(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelDebug, &buf, "")

	Error("Test", errors.New("boom"), "operation failed for %s", "server-a")

	output := buf.String()
	if !strings.Contains(output, "operation failed for server-a") {
		t.Errorf("expected formatted message in output, got: %s", output)
	}
	if !strings.Contains(output, "boom") {
		t.Errorf("expected error attribute in output, got: %s", output)
	}
	if !strings.Contains(output, "subsystem=Test") {
		t.Errorf("expected subsystem attribute in output, got: %s", output)
	}
}

func TestTruncateSessionID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"", ""},
		{"short", "short"},
		{"12345678", "12345678"},
		{"123456789", "12345678..."},
		{"f47ac10b-58cc-4372-a567-0e02b2c3d479", "f47ac10b..."},
	}

	for _, test := range tests {
		if got := TruncateSessionID(test.input); got != test.expected {
			t.Errorf("TruncateSessionID(%q) = %q, expected %q", test.input, got, test.expected)
		}
	}
}
