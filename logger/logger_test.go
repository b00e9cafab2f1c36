package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/LaCreArthur/claude-bridge/paths"
)

func setupTestLogger(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	t.Setenv("XDG_CONFIG_HOME", "")
	t.Setenv("XDG_DATA_HOME", "")
	t.Setenv("XDG_STATE_HOME", "")
	paths.Reset()
	Reset()
	t.Cleanup(func() {
		Reset()
		paths.Reset()
	})
	return tmpDir
}

func TestInitCreatesLogFile(t *testing.T) {
	tmpDir := setupTestLogger(t)
	path := filepath.Join(tmpDir, "logs", "bridge.log")

	if err := Init(path); err != nil {
		t.Fatalf("Init: %v", err)
	}

	Get().Info("test entry", "key", "value")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "test entry") {
		t.Errorf("log file missing entry, got: %s", data)
	}
}

func TestInitIdempotent(t *testing.T) {
	tmpDir := setupTestLogger(t)
	path1 := filepath.Join(tmpDir, "one.log")
	path2 := filepath.Join(tmpDir, "two.log")

	if err := Init(path1); err != nil {
		t.Fatalf("first Init: %v", err)
	}
	// Second Init is a no-op; logging still goes to the first path
	if err := Init(path2); err != nil {
		t.Fatalf("second Init: %v", err)
	}

	Get().Info("after second init")

	if _, err := os.Stat(path2); !os.IsNotExist(err) {
		t.Error("second Init should not have created a new log file")
	}
}

func TestWithChannelAttachesField(t *testing.T) {
	tmpDir := setupTestLogger(t)
	path := filepath.Join(tmpDir, "bridge.log")

	if err := Init(path); err != nil {
		t.Fatalf("Init: %v", err)
	}

	WithChannel("chan-42").Info("scoped entry")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "channelID=chan-42") {
		t.Errorf("expected channelID field in log output, got: %s", data)
	}
}

func TestWithComponentAttachesField(t *testing.T) {
	tmpDir := setupTestLogger(t)
	path := filepath.Join(tmpDir, "bridge.log")

	if err := Init(path); err != nil {
		t.Fatalf("Init: %v", err)
	}

	WithComponent("bundle").Info("component entry")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if !strings.Contains(string(data), "component=bundle") {
		t.Errorf("expected component field in log output, got: %s", data)
	}
}

func TestSetDebugTogglesLevel(t *testing.T) {
	tmpDir := setupTestLogger(t)
	path := filepath.Join(tmpDir, "bridge.log")

	if err := Init(path); err != nil {
		t.Fatalf("Init: %v", err)
	}

	Get().Debug("hidden entry")
	SetDebug(true)
	Get().Debug("visible entry")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading log file: %v", err)
	}
	if strings.Contains(string(data), "hidden entry") {
		t.Error("debug entry logged before SetDebug(true)")
	}
	if !strings.Contains(string(data), "visible entry") {
		t.Error("debug entry missing after SetDebug(true)")
	}
}

func TestClearLogs(t *testing.T) {
	tmpDir := setupTestLogger(t)
	t.Setenv("XDG_STATE_HOME", filepath.Join(tmpDir, "state"))
	paths.Reset()

	// Re-resolve paths against the test HOME
	defaultPath, err := DefaultLogPath()
	if err != nil {
		t.Fatalf("DefaultLogPath: %v", err)
	}
	dir := filepath.Dir(defaultPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"bridge.log", "raw-abc.log", "raw-def.log"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	count, err := ClearLogs()
	if err != nil {
		t.Fatalf("ClearLogs: %v", err)
	}
	if count != 3 {
		t.Errorf("ClearLogs removed %d files, want 3", count)
	}
}
