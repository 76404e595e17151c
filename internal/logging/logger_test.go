package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"DEBUG", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"warning", LevelWarn},
		{"error", LevelError},
		{"none", LevelNone},
		{"invalid", LevelInfo}, // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if result := ParseLevel(tt.input); result != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{LevelNone, "NONE"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if result := tt.level.String(); result != tt.expected {
				t.Errorf("Level(%d).String() = %q, want %q", tt.level, result, tt.expected)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "test.log")

	l, err := New(LevelInfo, logPath, false)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer l.Close()

	l.Info("test message")
	l.Debug("should not appear")
	l.Close()

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	contentStr := string(content)

	if !strings.Contains(contentStr, "test message") {
		t.Errorf("log file missing info message")
	}
	if strings.Contains(contentStr, "should not appear") {
		t.Errorf("log file contains debug message when level is INFO")
	}
}

func TestLoggerWith(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "test.log")

	l, err := New(LevelInfo, logPath, false)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer l.Close()

	child := l.With(F("nodeId", "n1"), F("nodeType", "Passthrough"))
	child.Info("test message")
	l.Close()

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	contentStr := string(content)

	if !strings.Contains(contentStr, "nodeId=n1") || !strings.Contains(contentStr, "nodeType=Passthrough") {
		t.Errorf("log file missing structured fields, got: %s", contentStr)
	}
}

func TestLoggerDisabled(t *testing.T) {
	l, err := New(LevelNone, "", false)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer l.Close()

	l.Debug("debug")
	l.Info("info")
	l.Warn("warn")
	l.Error("error")
}

func TestSetLevel(t *testing.T) {
	tempDir := t.TempDir()
	logPath := filepath.Join(tempDir, "test.log")

	l, err := New(LevelInfo, logPath, false)
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	defer l.Close()

	l.Info("info1")
	l.Debug("debug1")

	l.SetLevel(LevelDebug)
	l.Info("info2")
	l.Debug("debug2")

	l.Close()

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	contentStr := string(content)

	if strings.Contains(contentStr, "debug1") {
		t.Errorf("debug1 should not appear (level was INFO)")
	}
	if !strings.Contains(contentStr, "debug2") {
		t.Errorf("debug2 should appear (level changed to DEBUG)")
	}
}

func TestGlobalLogger(t *testing.T) {
	l := Global()
	if l == nil {
		t.Errorf("Global() returned nil")
	}

	Debug("debug")
	Info("info")
	Warn("warn")
	Error("error")
}
