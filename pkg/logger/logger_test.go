package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger := New(slog.LevelDebug, &buf)

	if logger == nil {
		t.Fatal("New() returned nil")
	}

	logger.Info("test message")
	output := buf.String()

	if !strings.Contains(output, "test message") {
		t.Errorf("Expected log output to contain 'test message', got: %s", output)
	}
}

func TestNewDefault(t *testing.T) {
	logger := NewDefault()
	if logger == nil {
		t.Fatal("NewDefault() returned nil")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected slog.Level
		wantErr  bool
	}{
		{"debug", slog.LevelDebug, false},
		{"info", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"", slog.LevelInfo, false},
		{"unknown", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if level != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, level, tt.expected)
			}
		})
	}
}

func TestLevelFromEnv(t *testing.T) {
	t.Setenv(EnvLogLevel, "debug")
	if got := LevelFromEnv(slog.LevelInfo); got != slog.LevelDebug {
		t.Errorf("LevelFromEnv() = %v, want %v", got, slog.LevelDebug)
	}

	t.Setenv(EnvLogLevel, "not-a-level")
	if got := LevelFromEnv(slog.LevelWarn); got != slog.LevelWarn {
		t.Errorf("LevelFromEnv() with invalid value = %v, want fallback %v", got, slog.LevelWarn)
	}
}

func TestWithContext(t *testing.T) {
	logger := NewDefault()
	ctx := WithContext(context.Background(), logger)

	retrieved := FromContext(ctx)
	if retrieved != logger {
		t.Error("FromContext() did not return the logger attached with WithContext()")
	}
}

func TestFromContextDefault(t *testing.T) {
	retrieved := FromContext(context.Background())
	if retrieved == nil {
		t.Fatal("FromContext() on empty context returned nil")
	}
}

func TestSessionAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := New(slog.LevelDebug, &buf)

	logger.Component("proxy").Session(42).Destination("example.com:443").Info("connect")
	output := buf.String()

	for _, want := range []string{"component=proxy", "session_id=42", "destination=example.com:443"} {
		if !strings.Contains(output, want) {
			t.Errorf("Expected log output to contain %q, got: %s", want, output)
		}
	}
}
