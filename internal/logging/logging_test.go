package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Expected default level %s, got %s", LevelInfo, cfg.Level)
	}
	if cfg.Format != FormatText {
		t.Errorf("Expected default format %s, got %s", FormatText, cfg.Format)
	}
	if cfg.Output != "stderr" {
		t.Errorf("Expected default output 'stderr', got '%s'", cfg.Output)
	}
	if cfg.AddSource {
		t.Error("Expected AddSource to be false by default")
	}
}

func TestNewLogger(t *testing.T) {
	t.Run("stdout text logger", func(t *testing.T) {
		logger, err := New(Config{Level: LevelInfo, Format: FormatText, Output: "stdout"})
		if err != nil {
			t.Fatalf("Failed to create logger: %v", err)
		}
		if logger.config.Level != LevelInfo {
			t.Errorf("Expected level %s, got %s", LevelInfo, logger.config.Level)
		}
	})

	t.Run("file logger", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "scanlink.log")

		logger, err := New(Config{Level: LevelDebug, Format: FormatJSON, Output: logFile})
		if err != nil {
			t.Fatalf("Failed to create file logger: %v", err)
		}
		logger.Info("hello")

		if _, err := os.Stat(logFile); os.IsNotExist(err) {
			t.Error("Log file should have been created")
		}
	})

	t.Run("invalid directory for file logger", func(t *testing.T) {
		_, err := New(Config{Level: LevelInfo, Format: FormatText, Output: "/proc/invalid/path/test.log"})
		if err == nil {
			t.Error("Expected error for invalid log file path")
		}
	})
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected slog.Level
	}{
		{LevelDebug, slog.LevelDebug},
		{LevelInfo, slog.LevelInfo},
		{LevelWarn, slog.LevelWarn},
		{LevelError, slog.LevelError},
		{"DEBUG", slog.LevelDebug},
		{"unknown", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			if got := ParseLevel(tt.level); got != tt.expected {
				t.Errorf("ParseLevel(%s) = %v, want %v", tt.level, got, tt.expected)
			}
		})
	}
}

func TestLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: LevelDebug, Format: FormatJSON}, &buf)

	logger.WithComponent("correlator").
		WithSessionID("abc").
		WithAction("subnet.list").
		WithGeneration(3).
		WithError(errors.New("boom")).
		Info("request failed")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("Failed to parse log output: %v", err)
	}

	expected := map[string]any{
		"component":  "correlator",
		"session_id": "abc",
		"action":     "subnet.list",
		"generation": float64(3),
		"error":      "boom",
		"msg":        "request failed",
	}
	for k, v := range expected {
		if entry[k] != v {
			t.Errorf("Expected %s=%v, got %v", k, v, entry[k])
		}
	}
}

func TestConnectionAndScanHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: LevelDebug, Format: FormatText}, &buf)

	logger.InfoConnection("connected", "ws://127.0.0.1:8766/ws", "generation", 1)
	logger.ErrorConnection("connect failed", "ws://127.0.0.1:8766/ws", errors.New("refused"))
	logger.InfoScan("scan complete", "scan-1", "devices", 4)
	logger.ErrorScan("scan failed", "scan-2", errors.New("terminated"))

	out := buf.String()
	for _, want := range []string{
		"component=connection",
		"url=ws://127.0.0.1:8766/ws",
		"error=refused",
		"scan_id=scan-1",
		"devices=4",
		"scan_id=scan-2",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got %s", want, out)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(Config{Level: LevelWarn, Format: FormatText}, &buf)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")

	out := buf.String()
	if strings.Contains(out, "debug message") || strings.Contains(out, "info message") {
		t.Errorf("Messages below warn should be filtered, got %s", out)
	}
	if !strings.Contains(out, "warn message") {
		t.Errorf("Warn message should be logged, got %s", out)
	}
}

func TestDefaultLogger(t *testing.T) {
	original := Default()
	defer SetDefault(original)

	var buf bytes.Buffer
	SetDefault(NewWithWriter(Config{Level: LevelDebug, Format: FormatText}, &buf))

	Debug("d")
	Info("i")
	Warn("w")
	Error("e")
	Component("router").Info("routed")

	out := buf.String()
	for _, want := range []string{"msg=d", "msg=i", "msg=w", "msg=e", "component=router"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q", want)
		}
	}
}

func TestNewDiscard(t *testing.T) {
	logger := NewDiscard()
	if logger == nil || logger.Logger == nil {
		t.Fatal("discard logger should not be nil")
	}
	logger.Error("dropped")
}

func TestNewDiscardOutput(t *testing.T) {
	logger, err := New(Config{Level: LevelDebug, Format: FormatText, Output: "discard"})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	if logger.Enabled(context.Background(), slog.LevelInfo) {
		t.Error("discard output should drop info messages")
	}
}

func TestFromSlog(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	FromSlog(base).WithGeneration(3).WithSessionID("c-1").WithAction("scan.start").Info("sent")

	out := buf.String()
	for _, want := range []string{"generation=3", "session_id=c-1", "action=scan.start", "msg=sent"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got %s", want, out)
		}
	}

	if FromSlog(nil) != Default() {
		t.Error("nil logger should fall back to the default logger")
	}
}
