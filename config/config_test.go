package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.PermissionPollInterval != DefaultPermissionPollInterval {
		t.Errorf("PermissionPollInterval = %v, want %v", cfg.PermissionPollInterval, DefaultPermissionPollInterval)
	}
	if cfg.PermissionTimeout != DefaultPermissionTimeout {
		t.Errorf("PermissionTimeout = %v, want %v", cfg.PermissionTimeout, DefaultPermissionTimeout)
	}
	if cfg.RuntimeDir != "" {
		t.Errorf("RuntimeDir = %q, want empty", cfg.RuntimeDir)
	}
}

func TestSaveAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	cfg.RuntimeDir = "/opt/claude-runtime"
	cfg.DefaultModel = "claude-sonnet-4-5"
	cfg.DefaultPermissionMode = "acceptEdits"
	cfg.PermissionTimeout = 90 * time.Second

	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	reloaded, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.RuntimeDir != "/opt/claude-runtime" {
		t.Errorf("RuntimeDir = %q", reloaded.RuntimeDir)
	}
	if reloaded.DefaultModel != "claude-sonnet-4-5" {
		t.Errorf("DefaultModel = %q", reloaded.DefaultModel)
	}
	if reloaded.DefaultPermissionMode != "acceptEdits" {
		t.Errorf("DefaultPermissionMode = %q", reloaded.DefaultPermissionMode)
	}
	if reloaded.PermissionTimeout != 90*time.Second {
		t.Errorf("PermissionTimeout = %v", reloaded.PermissionTimeout)
	}
}

func TestSaveCreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "config.yaml")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if err := cfg.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("config file not created: %v", err)
	}
}

func TestLoadFromCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("{{not yaml"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadFrom(path); err == nil {
		t.Error("expected error for corrupt config, got nil")
	}
}

func TestLoadFromNormalizesNonPositiveDurations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "permission_poll_interval: 0\npermission_timeout: -5\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	if cfg.PermissionPollInterval != DefaultPermissionPollInterval {
		t.Errorf("PermissionPollInterval = %v, want default", cfg.PermissionPollInterval)
	}
	if cfg.PermissionTimeout != DefaultPermissionTimeout {
		t.Errorf("PermissionTimeout = %v, want default", cfg.PermissionTimeout)
	}
}

func TestResolvedPermissionDirPrecedence(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	t.Run("config value wins", func(t *testing.T) {
		t.Setenv("CLAUDE_BRIDGE_PERMISSION_DIR", "/env/perm")
		cfg.SetPermissionDir("/cfg/perm")
		dir, err := cfg.ResolvedPermissionDir()
		if err != nil {
			t.Fatalf("ResolvedPermissionDir: %v", err)
		}
		if dir != "/cfg/perm" {
			t.Errorf("dir = %q, want /cfg/perm", dir)
		}
	})

	t.Run("env fallback", func(t *testing.T) {
		t.Setenv("CLAUDE_BRIDGE_PERMISSION_DIR", "/env/perm")
		cfg.SetPermissionDir("")
		dir, err := cfg.ResolvedPermissionDir()
		if err != nil {
			t.Fatalf("ResolvedPermissionDir: %v", err)
		}
		if dir != "/env/perm" {
			t.Errorf("dir = %q, want /env/perm", dir)
		}
	})
}

func TestResolvedRuntimeOverrideEnvWins(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}
	cfg.RuntimeDir = "/from/config"

	t.Setenv("CLAUDE_BRIDGE_RUNTIME_DIR", "/from/env")
	if got := cfg.ResolvedRuntimeOverride(); got != "/from/env" {
		t.Errorf("override = %q, want /from/env", got)
	}

	t.Setenv("CLAUDE_BRIDGE_RUNTIME_DIR", "")
	if got := cfg.ResolvedRuntimeOverride(); got != "/from/config" {
		t.Errorf("override = %q, want /from/config", got)
	}
}
