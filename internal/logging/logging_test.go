package logging

import (
	"encoding/json"
	"fmt"
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
	if cfg.Output != "stdout" {
		t.Errorf("Expected default output 'stdout', got '%s'", cfg.Output)
	}
	if cfg.AddSource {
		t.Error("Expected AddSource to be false by default")
	}
}

func TestNewLogger(t *testing.T) {
	t.Run("stdout text logger", func(t *testing.T) {
		cfg := Config{
			Level:  LevelInfo,
			Format: FormatText,
			Output: "stdout",
		}

		logger, err := New(cfg)
		if err != nil {
			t.Fatalf("Failed to create logger: %v", err)
		}
		if logger == nil {
			t.Fatal("Logger should not be nil")
		}
	})

	t.Run("file logger", func(t *testing.T) {
		tmpDir := t.TempDir()
		logFile := filepath.Join(tmpDir, "test.log")

		cfg := Config{
			Level:  LevelDebug,
			Format: FormatText,
			Output: logFile,
		}

		logger, err := New(cfg)
		if err != nil {
			t.Fatalf("Failed to create file logger: %v", err)
		}
		if logger == nil {
			t.Fatal("Logger should not be nil")
		}

		if _, err := os.Stat(logFile); os.IsNotExist(err) {
			t.Error("Log file should have been created")
		}
	})

	t.Run("invalid directory for file logger", func(t *testing.T) {
		cfg := Config{
			Level:  LevelInfo,
			Format: FormatText,
			Output: "/invalid/path/test.log",
		}

		_, err := New(cfg)
		if err == nil {
			t.Error("Expected error for invalid log file path")
		}
	})

	t.Run("unknown log level defaults to info", func(t *testing.T) {
		tmpFile := filepath.Join(t.TempDir(), "level.log")

		cfg := Config{
			Level:  LogLevel("unknown"),
			Format: FormatText,
			Output: tmpFile,
		}

		logger, err := New(cfg)
		if err != nil {
			t.Fatalf("Failed to create logger with unknown level: %v", err)
		}

		logger.Debug("debug message that should not appear")
		logger.Info("info message that should appear")

		content, err := os.ReadFile(tmpFile)
		if err != nil {
			t.Fatalf("Failed to read log file: %v", err)
		}

		output := string(content)
		if strings.Contains(output, "debug message") {
			t.Error("Debug message should not appear when defaulting to info")
		}
		if !strings.Contains(output, "info message") {
			t.Error("Info message should appear when defaulting to info")
		}
	})
}

func TestJSONFormat(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "json.log")

	cfg := Config{
		Level:  LevelInfo,
		Format: FormatJSON,
		Output: tmpFile,
	}

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create JSON logger: %v", err)
	}

	logger.Info("test message", "key", "value", "number", 42)

	content, err := os.ReadFile(tmpFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	var logEntry map[string]interface{}
	if err := json.Unmarshal(content, &logEntry); err != nil {
		t.Fatalf("Log output should be valid JSON: %v", err)
	}

	if logEntry["msg"] != "test message" {
		t.Errorf("Expected message 'test message', got %v", logEntry["msg"])
	}
	if logEntry["key"] != "value" {
		t.Errorf("Expected key 'value', got %v", logEntry["key"])
	}
}

func TestLoggerWithMethods(t *testing.T) {
	logger := NewDefault()

	t.Run("WithComponent", func(t *testing.T) {
		componentLogger := logger.WithComponent("netlink")
		if componentLogger == nil {
			t.Error("WithComponent should return a logger")
		}
		if componentLogger == logger {
			t.Error("WithComponent should return a new logger instance")
		}
	})

	t.Run("WithInterface", func(t *testing.T) {
		ifaceLogger := logger.WithInterface("wlan0")
		if ifaceLogger == nil {
			t.Error("WithInterface should return a logger")
		}
		if ifaceLogger == logger {
			t.Error("WithInterface should return a new logger instance")
		}
	})

	t.Run("WithError", func(t *testing.T) {
		err := fmt.Errorf("test error")
		errorLogger := logger.WithError(err)
		if errorLogger == nil {
			t.Error("WithError should return a logger")
		}
		if errorLogger == logger {
			t.Error("WithError should return a new logger instance")
		}
	})

	t.Run("chaining", func(t *testing.T) {
		chained := logger.
			WithComponent("scanner").
			WithInterface("wlan0").
			WithScanID("scan-123")
		if chained == nil || chained == logger {
			t.Error("Chained logger should be a new instance")
		}
	})
}

func TestSpecializedLoggingMethods(t *testing.T) {
	tmpFile := filepath.Join(t.TempDir(), "test.log")

	cfg := Config{
		Level:  LevelDebug,
		Format: FormatText,
		Output: tmpFile,
	}

	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	t.Run("InfoScan", func(t *testing.T) {
		logger.InfoScan("scan started", "wlan0", "timeout", "10s")

		content, err := os.ReadFile(tmpFile)
		if err != nil {
			t.Fatalf("Failed to read log file: %v", err)
		}

		output := string(content)
		if !strings.Contains(output, "scan started") {
			t.Error("Should contain scan message")
		}
		if !strings.Contains(output, "wlan0") {
			t.Error("Should contain interface")
		}
	})

	t.Run("ErrorScan", func(t *testing.T) {
		testErr := fmt.Errorf("scan aborted")
		logger.ErrorScan("scan failed", "wlan1", testErr)

		content, err := os.ReadFile(tmpFile)
		if err != nil {
			t.Fatalf("Failed to read log file: %v", err)
		}

		output := string(content)
		if !strings.Contains(output, "scan failed") {
			t.Error("Should contain error message")
		}
		if !strings.Contains(output, "wlan1") {
			t.Error("Should contain interface")
		}
	})

	t.Run("DebugNetlink", func(t *testing.T) {
		logger.DebugNetlink("dump complete", "get_interface", "messages", 3)

		content, err := os.ReadFile(tmpFile)
		if err != nil {
			t.Fatalf("Failed to read log file: %v", err)
		}

		output := string(content)
		if !strings.Contains(output, "dump complete") {
			t.Error("Should contain netlink message")
		}
		if !strings.Contains(output, "component=netlink") {
			t.Error("Should contain netlink component")
		}
		if !strings.Contains(output, "op=get_interface") {
			t.Error("Should contain operation")
		}
	})

	t.Run("InfoDatabase", func(t *testing.T) {
		logger.InfoDatabase("database connected", "host", "localhost")

		content, err := os.ReadFile(tmpFile)
		if err != nil {
			t.Fatalf("Failed to read log file: %v", err)
		}

		output := string(content)
		if !strings.Contains(output, "database connected") {
			t.Error("Should contain database message")
		}
		if !strings.Contains(output, "component=database") {
			t.Error("Should contain database component")
		}
	})

	t.Run("ErrorDaemon", func(t *testing.T) {
		testErr := fmt.Errorf("startup failed")
		logger.ErrorDaemon("daemon error", testErr, "phase", "startup")

		content, err := os.ReadFile(tmpFile)
		if err != nil {
			t.Fatalf("Failed to read log file: %v", err)
		}

		output := string(content)
		if !strings.Contains(output, "daemon error") {
			t.Error("Should contain error message")
		}
		if !strings.Contains(output, "component=daemon") {
			t.Error("Should contain daemon component")
		}
	})
}

func TestGlobalLoggerFunctions(t *testing.T) {
	originalLogger := Default()
	defer SetDefault(originalLogger)

	tmpFile := filepath.Join(t.TempDir(), "global_test.log")
	cfg := Config{
		Level:  LevelDebug,
		Format: FormatText,
		Output: tmpFile,
	}

	testLogger, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create test logger: %v", err)
	}

	SetDefault(testLogger)

	testErr := fmt.Errorf("test error")

	Debug("global debug", "key", "debug")
	Info("global info", "key", "info")
	Warn("global warn", "key", "warn")
	Error("global error", "key", "error")
	InfoScan("scan info", "wlan0")
	ErrorScan("scan error", "wlan0", testErr)
	InfoDatabase("database info")
	ErrorDatabase("database error", testErr)
	InfoDaemon("daemon info", "status", "running")
	ErrorDaemon("daemon error", testErr, "signal", "SIGTERM")

	content, err := os.ReadFile(tmpFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	output := string(content)
	expectedMessages := []string{
		"global debug", "global info", "global warn", "global error",
		"scan info", "scan error",
		"database info", "database error",
		"daemon info", "daemon error",
	}

	for _, msg := range expectedMessages {
		if !strings.Contains(output, msg) {
			t.Errorf("Output should contain '%s'", msg)
		}
	}
}

func TestSetAndGetDefault(t *testing.T) {
	originalLogger := Default()
	defer SetDefault(originalLogger)

	cfg := Config{
		Level:  LevelError,
		Format: FormatJSON,
		Output: "stderr",
	}

	newLogger, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create new logger: %v", err)
	}

	SetDefault(newLogger)

	if Default() != newLogger {
		t.Error("Retrieved logger should be the same as set logger")
	}
}

func TestFileLoggingPermissions(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "perms.log")

	cfg := Config{
		Level:  LevelInfo,
		Format: FormatText,
		Output: logFile,
	}

	_, err := New(cfg)
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}

	info, err := os.Stat(logFile)
	if err != nil {
		t.Fatalf("Failed to stat log file: %v", err)
	}

	if info.Mode().Perm() != logFilePerm {
		t.Errorf("Expected file permissions %o, got %o", logFilePerm, info.Mode().Perm())
	}
}
