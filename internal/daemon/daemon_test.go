package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/balena-io-experimental/nl80211scan/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Daemon.PIDFile = filepath.Join(t.TempDir(), "nl80211scan.pid")
	cfg.Daemon.ShutdownTimeout = 100 * time.Millisecond
	cfg.Wifi.StoreResults = false
	return cfg
}

func TestNew(t *testing.T) {
	cfg := testConfig(t)
	d := New(cfg)

	if d.config != cfg {
		t.Error("expected config to be stored")
	}
	if d.pidFile != cfg.Daemon.PIDFile {
		t.Errorf("expected PID file %s, got %s", cfg.Daemon.PIDFile, d.pidFile)
	}
	if !d.IsRunning() {
		t.Error("expected new daemon to report running before cancellation")
	}
}

func TestCreatePIDFile(t *testing.T) {
	d := New(testConfig(t))

	if err := d.createPIDFile(); err != nil {
		t.Fatalf("createPIDFile failed: %v", err)
	}

	data, err := os.ReadFile(d.pidFile)
	if err != nil {
		t.Fatalf("failed to read PID file: %v", err)
	}

	pid, err := strconv.Atoi(string(data))
	if err != nil {
		t.Fatalf("PID file content is not a number: %q", data)
	}
	if pid != os.Getpid() {
		t.Errorf("expected PID %d, got %d", os.Getpid(), pid)
	}
}

func TestCreatePIDFileNoPathConfigured(t *testing.T) {
	cfg := testConfig(t)
	cfg.Daemon.PIDFile = ""
	d := New(cfg)

	if err := d.createPIDFile(); err != nil {
		t.Errorf("expected no error without PID file, got %v", err)
	}
}

func TestCheckExistingPIDStale(t *testing.T) {
	d := New(testConfig(t))

	// A PID that almost certainly does not exist.
	if err := os.WriteFile(d.pidFile, []byte("999999"), 0o600); err != nil {
		t.Fatalf("failed to write PID file: %v", err)
	}

	if err := d.checkExistingPID(); err != nil {
		t.Errorf("expected stale PID file to be cleared, got %v", err)
	}
	if _, err := os.Stat(d.pidFile); !os.IsNotExist(err) {
		t.Error("expected stale PID file to be removed")
	}
}

func TestCheckExistingPIDLive(t *testing.T) {
	d := New(testConfig(t))

	// Our own PID is definitely running.
	pid := strconv.Itoa(os.Getpid())
	if err := os.WriteFile(d.pidFile, []byte(pid), 0o600); err != nil {
		t.Fatalf("failed to write PID file: %v", err)
	}

	if err := d.checkExistingPID(); err == nil {
		t.Error("expected error when PID file points to a live process")
	}
}

func TestCheckExistingPIDInvalidContent(t *testing.T) {
	d := New(testConfig(t))

	if err := os.WriteFile(d.pidFile, []byte("not-a-pid"), 0o600); err != nil {
		t.Fatalf("failed to write PID file: %v", err)
	}

	if err := d.checkExistingPID(); err != nil {
		t.Errorf("expected invalid PID file to be cleared, got %v", err)
	}
	if _, err := os.Stat(d.pidFile); !os.IsNotExist(err) {
		t.Error("expected invalid PID file to be removed")
	}
}

func TestIsProcessRunning(t *testing.T) {
	d := New(testConfig(t))

	if !d.isProcessRunning(os.Getpid()) {
		t.Error("expected own PID to be reported as running")
	}
	if d.isProcessRunning(999999) {
		t.Error("expected absent PID to be reported as not running")
	}
}

func TestIsRunningAfterCancel(t *testing.T) {
	d := New(testConfig(t))

	d.cancel()
	if d.IsRunning() {
		t.Error("expected daemon to report stopped after cancel")
	}
}

func TestToggleDebugMode(t *testing.T) {
	d := New(testConfig(t))

	if d.IsDebugMode() {
		t.Error("expected debug mode off by default")
	}

	d.toggleDebugMode()
	if !d.IsDebugMode() {
		t.Error("expected debug mode on after toggle")
	}

	d.toggleDebugMode()
	if d.IsDebugMode() {
		t.Error("expected debug mode off after second toggle")
	}
}

func TestHasAPIConfigChanged(t *testing.T) {
	d := New(testConfig(t))
	base := config.Default()

	tests := []struct {
		name     string
		mutate   func(*config.Config)
		expected bool
	}{
		{"no change", func(*config.Config) {}, false},
		{"enabled flipped", func(c *config.Config) { c.API.Enabled = !c.API.Enabled }, true},
		{"address changed", func(c *config.Config) { c.API.ListenAddr = "10.0.0.1" }, true},
		{"port changed", func(c *config.Config) { c.API.Port = 9999 }, true},
		{"unrelated change", func(c *config.Config) { c.Wifi.MinQuality = 42 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			updated := config.Default()
			tt.mutate(updated)

			if got := d.hasAPIConfigChanged(base, updated); got != tt.expected {
				t.Errorf("expected %t, got %t", tt.expected, got)
			}
		})
	}
}

func TestCleanupRemovesPIDFile(t *testing.T) {
	d := New(testConfig(t))

	if err := d.createPIDFile(); err != nil {
		t.Fatalf("createPIDFile failed: %v", err)
	}

	d.cleanup()

	if _, err := os.Stat(d.pidFile); !os.IsNotExist(err) {
		t.Error("expected cleanup to remove PID file")
	}
}

func TestGetters(t *testing.T) {
	cfg := testConfig(t)
	d := New(cfg)

	if d.GetConfig() != cfg {
		t.Error("expected GetConfig to return the stored config")
	}
	if d.GetDatabase() != nil {
		t.Error("expected no database before Start")
	}
	if d.GetContext() == nil {
		t.Error("expected a context")
	}
	if d.GetPID() != os.Getpid() {
		t.Errorf("expected PID %d, got %d", os.Getpid(), d.GetPID())
	}
}

func TestStopWithoutRun(t *testing.T) {
	d := New(testConfig(t))

	start := time.Now()
	if err := d.Stop(); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Stop took too long: %s", elapsed)
	}
	if d.IsRunning() {
		t.Error("expected daemon to report stopped")
	}
}
