// Package config holds the bridge's persisted settings: where the agent
// runtime lives, where the permission mailbox is shared, and the defaults
// applied to new sessions. The file format is YAML at
// <configdir>/claude-bridge/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/LaCreArthur/claude-bridge/paths"
)

// Default timing values. The poll cadence bounds how long a permission
// request can sit unseen; the timeout bounds how long the agent waits
// before the request fails closed.
const (
	DefaultPermissionPollInterval = 500 * time.Millisecond
	DefaultPermissionTimeout      = 5 * time.Minute
)

// Config holds the application configuration
type Config struct {
	// RuntimeDir overrides runtime bundle resolution entirely. When set and
	// valid, no archive extraction or fallback search happens.
	RuntimeDir string `yaml:"runtime_dir,omitempty"`

	// ArchivePath points at the bundled runtime archive shipped with the
	// host plugin. Empty means "look next to the executable".
	ArchivePath string `yaml:"archive_path,omitempty"`

	// PermissionDir is the mailbox directory shared with the agent side.
	// It must be propagated to the agent process verbatim; both sides
	// deriving it independently is how requests get silently lost.
	PermissionDir string `yaml:"permission_dir,omitempty"`

	// PermissionPollInterval is how often the host polls the mailbox.
	PermissionPollInterval time.Duration `yaml:"permission_poll_interval,omitempty"`

	// PermissionTimeout is how long a request may stay pending before it
	// resolves to deny.
	PermissionTimeout time.Duration `yaml:"permission_timeout,omitempty"`

	// DefaultModel is applied to sessions that don't specify one.
	DefaultModel string `yaml:"default_model,omitempty"`

	// DefaultPermissionMode is applied to sessions that don't specify one
	// (e.g. "default", "acceptEdits", "plan", "bypassPermissions").
	DefaultPermissionMode string `yaml:"default_permission_mode,omitempty"`

	// AgentInstructions is appended to the agent's system prompt for every
	// session started through this bridge.
	AgentInstructions string `yaml:"agent_instructions,omitempty"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug,omitempty"`

	mu       sync.RWMutex
	filePath string
}

// Load reads the config from disk, or creates a new one if it doesn't exist
func Load() (*Config, error) {
	path, err := paths.ConfigFilePath()
	if err != nil {
		return nil, err
	}
	return LoadFrom(path)
}

// LoadFrom reads the config from an explicit path. Missing file yields a
// config populated with defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := &Config{
		PermissionPollInterval: DefaultPermissionPollInterval,
		PermissionTimeout:      DefaultPermissionTimeout,
		filePath:               path,
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if cfg.PermissionPollInterval <= 0 {
		cfg.PermissionPollInterval = DefaultPermissionPollInterval
	}
	if cfg.PermissionTimeout <= 0 {
		cfg.PermissionTimeout = DefaultPermissionTimeout
	}
	cfg.filePath = path
	return cfg, nil
}

// Save writes the config to disk
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", dir, err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}

	if err := os.WriteFile(c.filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config %s: %w", c.filePath, err)
	}
	return nil
}

// ResolvedPermissionDir returns the mailbox directory, falling back to the
// standard state-dir location when unconfigured. The returned value is what
// must be handed to the agent process, never derived by the agent itself.
func (c *Config) ResolvedPermissionDir() (string, error) {
	c.mu.RLock()
	dir := c.PermissionDir
	c.mu.RUnlock()

	if dir != "" {
		return dir, nil
	}
	if env := os.Getenv("CLAUDE_BRIDGE_PERMISSION_DIR"); env != "" {
		return env, nil
	}
	return paths.PermissionDir()
}

// ResolvedRuntimeOverride returns the runtime directory override, if any.
// The CLAUDE_BRIDGE_RUNTIME_DIR environment variable wins over the config
// file so developers can point a session at a checkout without editing
// settings.
func (c *Config) ResolvedRuntimeOverride() string {
	if env := os.Getenv("CLAUDE_BRIDGE_RUNTIME_DIR"); env != "" {
		return env
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.RuntimeDir
}

// SetPermissionDir updates the mailbox directory.
func (c *Config) SetPermissionDir(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.PermissionDir = dir
}
