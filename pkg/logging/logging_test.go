package logging

import (
	"bytes"
	"encoding/json"
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
		in      string
		want    LogLevel
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"INFO", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestInitForCLI(t *testing.T) {
	var buf bytes.Buffer
	InitForCLI(LevelInfo, &buf)

	Info("test-subsystem", "test message %d", 42)
	Debug("test-subsystem", "hidden debug message")
	Error("test-subsystem", errors.New("boom"), "operation failed")

	output := buf.String()
	if !strings.Contains(output, "test message 42") {
		t.Error("Expected log message to appear in CLI output")
	}
	if !strings.Contains(output, "test-subsystem") {
		t.Error("Expected subsystem to appear in CLI output")
	}
	if strings.Contains(output, "hidden debug message") {
		t.Error("Expected debug message to be filtered at INFO level")
	}
	if !strings.Contains(output, "boom") {
		t.Error("Expected error text to appear in CLI output")
	}
}

func TestAuditUsesStructuredAttributes(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelInfo, FormatJSON, &buf)

	Audit("TokenStore", "token_stored", "OAuth token stored", "profile", "work")

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("Expected JSON output, got %q: %v", buf.String(), err)
	}
	if record["event"] != "token_stored" {
		t.Errorf("Expected event attribute, got %v", record["event"])
	}
	if record["profile"] != "work" {
		t.Errorf("Expected profile attribute, got %v", record["profile"])
	}
	if !strings.HasPrefix(record["msg"].(string), "SECURITY_AUDIT: ") {
		t.Errorf("Expected SECURITY_AUDIT prefix, got %v", record["msg"])
	}
}

func TestLoggerTagsSubsystem(t *testing.T) {
	var buf bytes.Buffer
	InitForCLI(LevelDebug, &buf)

	Logger("Lock").Debug("waiting", "path", "/tmp/profiles.json")

	if !strings.Contains(buf.String(), "subsystem=Lock") {
		t.Errorf("Expected subsystem attribute, got %q", buf.String())
	}
}

func TestRedact(t *testing.T) {
	if Redact("") != "" {
		t.Error("Expected empty secret to stay empty")
	}
	if Redact("s3cr3t") != Redacted {
		t.Error("Expected secret to be redacted")
	}
}
