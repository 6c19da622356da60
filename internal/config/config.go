// Package config loads and validates Atlas configuration.
// Configuration lives in .atlas/atlas.yaml under the workspace; every field
// has a default so a missing file is not an error.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all Atlas configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Plugin system configuration
	Plugins PluginsConfig `yaml:"plugins"`

	// Task manager configuration
	Tasks TasksConfig `yaml:"tasks"`

	// Collaboration relay configuration
	Collab CollabConfig `yaml:"collab"`

	// Task-scoped memory configuration
	Memory MemoryConfig `yaml:"memory"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// PluginsConfig configures plugin discovery and execution.
type PluginsConfig struct {
	Dir                  string   `yaml:"dir"`
	AutoReload           bool     `yaml:"auto_reload"`
	ExecutionTimeout     string   `yaml:"execution_timeout"`
	MaxConsecutiveErrors int      `yaml:"max_consecutive_errors"`
	AllowedImports       []string `yaml:"allowed_imports"` // extra stdlib packages grantable via manifests
}

// TasksConfig configures the task manager.
type TasksConfig struct {
	MaxConcurrent int    `yaml:"max_concurrent"`
	QueueCapacity int    `yaml:"queue_capacity"`
	MaxRetries    int    `yaml:"max_retries"`
	BaseBackoff   string `yaml:"base_backoff"`
	MaxBackoff    string `yaml:"max_backoff"`
}

// CollabConfig configures the collaboration relay server.
type CollabConfig struct {
	ListenAddr      string   `yaml:"listen_addr"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	WriteTimeout    string   `yaml:"write_timeout"`
	PingInterval    string   `yaml:"ping_interval"`
	MaxMessageBytes int64    `yaml:"max_message_bytes"`
	HistoryLimit    int      `yaml:"history_limit"`
}

// MemoryConfig configures the task-scoped memory store.
type MemoryConfig struct {
	DatabasePath    string `yaml:"database_path"`
	DefaultTTL      string `yaml:"default_ttl"` // empty = no expiry
	CleanupInterval string `yaml:"cleanup_interval"`
}

// LoggingConfig configures categorized debug logging.
// Mirrored by internal/logging to avoid a circular import.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode"`
	Level      string          `yaml:"level"`
	Categories map[string]bool `yaml:"categories"`
	JSONFormat bool            `yaml:"json_format"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Name:    "atlas",
		Version: "1.0.0",

		Plugins: PluginsConfig{
			Dir:                  "plugins",
			AutoReload:           false,
			ExecutionTimeout:     "30s",
			MaxConsecutiveErrors: 3,
		},

		Tasks: TasksConfig{
			MaxConcurrent: 5,
			QueueCapacity: 256,
			MaxRetries:    3,
			BaseBackoff:   "100ms",
			MaxBackoff:    "5s",
		},

		Collab: CollabConfig{
			ListenAddr:      ":8765",
			AllowedOrigins:  []string{"*"},
			WriteTimeout:    "10s",
			PingInterval:    "30s",
			MaxMessageBytes: 1 << 20,
			HistoryLimit:    100,
		},

		Memory: MemoryConfig{
			DatabasePath:    filepath.Join(".atlas", "memory.db"),
			DefaultTTL:      "",
			CleanupInterval: "5m",
		},

		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// ConfigPath returns the canonical config file path for a workspace.
func ConfigPath(workspace string) string {
	return filepath.Join(workspace, ".atlas", "atlas.yaml")
}

// Load loads configuration from a YAML file.
// A missing file yields defaults; a malformed file is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	return cfg, nil
}

// LoadWorkspace loads the config for a workspace directory.
func LoadWorkspace(workspace string) (*Config, error) {
	return Load(ConfigPath(workspace))
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// applyEnvOverrides applies ATLAS_* environment variable overrides.
// Environment always wins over the file.
func (c *Config) applyEnvOverrides() {
	if dir := os.Getenv("ATLAS_PLUGINS_DIR"); dir != "" {
		c.Plugins.Dir = dir
	}
	if v := os.Getenv("ATLAS_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Tasks.MaxConcurrent = n
		}
	}
	if addr := os.Getenv("ATLAS_COLLAB_ADDR"); addr != "" {
		c.Collab.ListenAddr = addr
	}
	if path := os.Getenv("ATLAS_DB"); path != "" {
		c.Memory.DatabasePath = path
	}
	if v := os.Getenv("ATLAS_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Logging.DebugMode = b
		}
	}
}

// GetExecutionTimeout returns the plugin execution timeout as a duration.
func (c *Config) GetExecutionTimeout() time.Duration {
	d, err := time.ParseDuration(c.Plugins.ExecutionTimeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetBaseBackoff returns the retry base backoff as a duration.
func (c *Config) GetBaseBackoff() time.Duration {
	d, err := time.ParseDuration(c.Tasks.BaseBackoff)
	if err != nil {
		return 100 * time.Millisecond
	}
	return d
}

// GetMaxBackoff returns the retry backoff cap as a duration.
func (c *Config) GetMaxBackoff() time.Duration {
	d, err := time.ParseDuration(c.Tasks.MaxBackoff)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetWriteTimeout returns the collab write timeout as a duration.
func (c *Config) GetWriteTimeout() time.Duration {
	d, err := time.ParseDuration(c.Collab.WriteTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetPingInterval returns the collab ping interval as a duration.
func (c *Config) GetPingInterval() time.Duration {
	d, err := time.ParseDuration(c.Collab.PingInterval)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// GetDefaultTTL returns the memory default TTL, or zero for no expiry.
func (c *Config) GetDefaultTTL() time.Duration {
	if c.Memory.DefaultTTL == "" {
		return 0
	}
	d, err := time.ParseDuration(c.Memory.DefaultTTL)
	if err != nil {
		return 0
	}
	return d
}

// GetCleanupInterval returns the memory cleanup interval as a duration.
func (c *Config) GetCleanupInterval() time.Duration {
	d, err := time.ParseDuration(c.Memory.CleanupInterval)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Tasks.MaxConcurrent <= 0 {
		return fmt.Errorf("tasks.max_concurrent must be positive, got %d", c.Tasks.MaxConcurrent)
	}
	if c.Tasks.QueueCapacity <= 0 {
		return fmt.Errorf("tasks.queue_capacity must be positive, got %d", c.Tasks.QueueCapacity)
	}
	if c.Tasks.MaxRetries < 0 {
		return fmt.Errorf("tasks.max_retries must not be negative, got %d", c.Tasks.MaxRetries)
	}
	if c.Plugins.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("plugins.max_consecutive_errors must be positive, got %d", c.Plugins.MaxConsecutiveErrors)
	}
	if c.Collab.MaxMessageBytes <= 0 {
		return fmt.Errorf("collab.max_message_bytes must be positive, got %d", c.Collab.MaxMessageBytes)
	}
	if c.Collab.HistoryLimit < 0 {
		return fmt.Errorf("collab.history_limit must not be negative, got %d", c.Collab.HistoryLimit)
	}
	if _, err := time.ParseDuration(c.Plugins.ExecutionTimeout); err != nil {
		return fmt.Errorf("plugins.execution_timeout: %w", err)
	}
	if _, err := time.ParseDuration(c.Tasks.BaseBackoff); err != nil {
		return fmt.Errorf("tasks.base_backoff: %w", err)
	}
	if _, err := time.ParseDuration(c.Tasks.MaxBackoff); err != nil {
		return fmt.Errorf("tasks.max_backoff: %w", err)
	}
	return nil
}
