// Package config loads the kitpool JSON configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"
)

// SocketConfig configures the private control socket.
type SocketConfig struct {
	Path           string `json:"path"`
	Permissions    string `json:"permissions"`
	MaxConnections int    `json:"max_connections"`
}

// PoolConfig configures the spare worker pool.
type PoolConfig struct {
	NumPrespawnChildren       int `json:"num_prespawn_children"`
	ChildSpawnTimeoutMs       int `json:"child_spawn_timeout_ms"`
	SupervisorIdleTimeoutSecs int `json:"supervisor_idle_timeout_secs"` // negative disables retirement
	JanitorIntervalMs         int `json:"janitor_interval_ms"`
}

// JailConfig configures the worker filesystem jails.
type JailConfig struct {
	RootDir        string   `json:"root_dir"`
	BestEffort     bool     `json:"best_effort"`
	Disabled       bool     `json:"disabled,omitempty"`
	ReadOnlyPaths  []string `json:"read_only_paths,omitempty"`
	ReadWritePaths []string `json:"read_write_paths,omitempty"`
}

// AdminConfig configures the admin HTTP endpoint.
type AdminConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"`
	Pprof   bool   `json:"pprof,omitempty"`
}

// Config represents application configuration
type Config struct {
	Socket   SocketConfig `json:"socket"`
	Pool     PoolConfig   `json:"pool"`
	Jail     JailConfig   `json:"jail"`
	Admin    AdminConfig  `json:"admin"`
	LogLevel string       `json:"log_level"` // debug, info, warn, error, none
	LogPath  string       `json:"log_path"`
	PidFile  string       `json:"pid_file"`
}

const (
	EnvLogLevel = "KITPOOL_LOG_LEVEL"
	EnvLogPath  = "KITPOOL_LOG_PATH"
)

func defaultConfigDir() string {
	homeDir, _ := os.UserHomeDir()
	if runtime.GOOS == "linux" {
		if configHome := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); configHome != "" {
			return filepath.Join(configHome, "kitpool")
		}
	}
	return filepath.Join(homeDir, ".config", "kitpool")
}

func defaultStateDir() string {
	if runtime.GOOS == "linux" {
		if stateHome := strings.TrimSpace(os.Getenv("XDG_STATE_HOME")); stateHome != "" {
			return filepath.Join(stateHome, "kitpool")
		}
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, ".local", "state", "kitpool")
	}
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".config", "kitpool")
}

func defaultRuntimeDir() string {
	if runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); runtimeDir != "" {
		return filepath.Join(runtimeDir, "kitpool")
	}
	return filepath.Join(os.TempDir(), "kitpool")
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	stateDir := defaultStateDir()
	runtimeDir := defaultRuntimeDir()

	return &Config{
		Socket: SocketConfig{
			Path:           filepath.Join(runtimeDir, "control.sock"),
			Permissions:    "0600",
			MaxConnections: 1024,
		},
		Pool: PoolConfig{
			NumPrespawnChildren:       1,
			ChildSpawnTimeoutMs:       30_000,
			SupervisorIdleTimeoutSecs: 600,
			JanitorIntervalMs:         1_000,
		},
		Jail: JailConfig{
			RootDir:    filepath.Join(stateDir, "jails"),
			BestEffort: true,
		},
		Admin: AdminConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9981",
		},
		LogLevel: "info",
		LogPath:  filepath.Join(stateDir, "kitpool.log"),
		PidFile:  filepath.Join(runtimeDir, "kitpool.pid"),
	}
}

// Load loads configuration from file. A missing file yields the defaults.
// Environment overrides are applied last.
func Load(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		// Unmarshal into default config (overrides only provided fields)
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}

	config.backfill()
	config.applyEnv()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", path, err)
	}
	return config, nil
}

// backfill restores defaults for fields the file explicitly emptied.
func (c *Config) backfill() {
	def := DefaultConfig()
	if c.Socket.Path == "" {
		c.Socket.Path = def.Socket.Path
	}
	if c.Socket.Permissions == "" {
		c.Socket.Permissions = def.Socket.Permissions
	}
	if c.Socket.MaxConnections == 0 {
		c.Socket.MaxConnections = def.Socket.MaxConnections
	}
	if c.Pool.NumPrespawnChildren == 0 {
		c.Pool.NumPrespawnChildren = def.Pool.NumPrespawnChildren
	}
	if c.Pool.ChildSpawnTimeoutMs == 0 {
		c.Pool.ChildSpawnTimeoutMs = def.Pool.ChildSpawnTimeoutMs
	}
	if c.Pool.JanitorIntervalMs == 0 {
		c.Pool.JanitorIntervalMs = def.Pool.JanitorIntervalMs
	}
	if c.Jail.RootDir == "" {
		c.Jail.RootDir = def.Jail.RootDir
	}
	if c.Admin.Listen == "" {
		c.Admin.Listen = def.Admin.Listen
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	if c.LogPath == "" {
		c.LogPath = def.LogPath
	}
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogPath)); v != "" {
		c.LogPath = v
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.Pool.NumPrespawnChildren < 1 {
		return fmt.Errorf("pool.num_prespawn_children must be at least 1, got %d", c.Pool.NumPrespawnChildren)
	}
	if c.Pool.ChildSpawnTimeoutMs < 0 {
		return fmt.Errorf("pool.child_spawn_timeout_ms must not be negative")
	}
	if c.Pool.JanitorIntervalMs < 0 {
		return fmt.Errorf("pool.janitor_interval_ms must not be negative")
	}
	if c.Socket.MaxConnections < 0 {
		return fmt.Errorf("socket.max_connections must not be negative")
	}
	var mode uint32
	if _, err := fmt.Sscanf(c.Socket.Permissions, "%o", &mode); err != nil || mode > 0o777 {
		return fmt.Errorf("socket.permissions %q is not an octal file mode", c.Socket.Permissions)
	}
	return nil
}

// SpawnTimeout is how long a spawn request may stay outstanding.
func (c *Config) SpawnTimeout() time.Duration {
	return time.Duration(c.Pool.ChildSpawnTimeoutMs) * time.Millisecond
}

// SupervisorIdleTimeout is negative when idle retirement is disabled.
func (c *Config) SupervisorIdleTimeout() time.Duration {
	if c.Pool.SupervisorIdleTimeoutSecs < 0 {
		return -1
	}
	return time.Duration(c.Pool.SupervisorIdleTimeoutSecs) * time.Second
}

// JanitorInterval is the period of the pool janitor.
func (c *Config) JanitorInterval() time.Duration {
	return time.Duration(c.Pool.JanitorIntervalMs) * time.Millisecond
}

// Equal reports whether two jail sections grant the same view.
func (j JailConfig) Equal(o JailConfig) bool {
	return j.RootDir == o.RootDir &&
		j.BestEffort == o.BestEffort &&
		j.Disabled == o.Disabled &&
		slices.Equal(j.ReadOnlyPaths, o.ReadOnlyPaths) &&
		slices.Equal(j.ReadWritePaths, o.ReadWritePaths)
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// GetConfigPath returns the default config path
func GetConfigPath() string {
	return filepath.Join(defaultConfigDir(), "config.json")
}
