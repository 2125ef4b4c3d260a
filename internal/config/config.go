// Package config handles application configuration
package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed config.sample.yaml
var sampleConfig string

// GetSampleConfig returns the embedded sample configuration content
func GetSampleConfig() string {
	return sampleConfig
}

// ServerConfig holds remote endpoint settings
type ServerConfig struct {
	BaseURL      string `yaml:"base_url"`
	TokenService string `yaml:"token_service"` // keyring service name override
}

// StorageConfig holds local store settings
type StorageConfig struct {
	Path string `yaml:"path"` // SQLite database path
}

// CacheConfig holds cache tier settings
type CacheConfig struct {
	StaleAfter string `yaml:"stale_after"` // revalidation threshold (e.g., "5m")
}

// SyncConfig holds mutation queue settings
type SyncConfig struct {
	OfflineMode         string       `yaml:"offline_mode"`         // auto, online, offline
	ConnectivityTimeout string       `yaml:"connectivity_timeout"` // e.g., "5s"
	MaxRetries          int          `yaml:"max_retries"`          // failure demotion threshold
	RetryBaseDelay      string       `yaml:"retry_base_delay"`     // "" or "0" = retry immediately
	RetryMaxDelay       string       `yaml:"retry_max_delay"`
	Daemon              DaemonConfig `yaml:"daemon"`
}

// DaemonConfig holds background daemon settings
type DaemonConfig struct {
	Enabled     bool `yaml:"enabled"`
	Interval    int  `yaml:"interval"`     // Flush interval in seconds
	IdleTimeout int  `yaml:"idle_timeout"` // Idle timeout in seconds before daemon exits
}

// BusConfig holds cross-instance event transport settings
type BusConfig struct {
	SpoolDir string `yaml:"spool_dir"` // shared dir for cross-process events; "" = in-process only
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	BackgroundEnabled *bool `yaml:"background_enabled"` // Controls daemon log file creation (default: true)
}

// Config represents the application configuration
type Config struct {
	Server       ServerConfig  `yaml:"server"`
	Storage      StorageConfig `yaml:"storage"`
	Cache        CacheConfig   `yaml:"cache"`
	Sync         SyncConfig    `yaml:"sync"`
	Bus          BusConfig     `yaml:"bus"`
	Logging      LoggingConfig `yaml:"logging"`
	OutputFormat string        `yaml:"output_format"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Path: filepath.Join(GetDataDir(), "offsync.db"),
		},
		OutputFormat: "text",
	}
}

// Load loads configuration from the specified path, or the default XDG path
// if empty. If the config file doesn't exist, it creates one with defaults.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = filepath.Join(GetConfigDir(), "config.yaml")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in config file: %w", err)
	}

	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "text"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join(GetDataDir(), "offsync.db")
	}
	cfg.Storage.Path = ExpandPath(cfg.Storage.Path)
	if cfg.Bus.SpoolDir != "" {
		cfg.Bus.SpoolDir = ExpandPath(cfg.Bus.SpoolDir)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path without creating
// defaults. Returns a nil config when the file doesn't exist.
func LoadFromPath(configPath string) (*Config, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config path is required")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in config file: %w", err)
	}

	return cfg, nil
}

// save writes the configuration to the specified path
func (c *Config) save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Use the embedded sample config which includes all documentation and comments
	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.OutputFormat != "text" && c.OutputFormat != "json" {
		return fmt.Errorf("invalid output_format: %q (must be 'text' or 'json')", c.OutputFormat)
	}

	if mode := c.Sync.OfflineMode; mode != "" && mode != "auto" && mode != "online" && mode != "offline" {
		return fmt.Errorf("invalid sync.offline_mode: %q (must be 'auto', 'online' or 'offline')", mode)
	}

	for _, d := range []struct {
		field string
		value string
	}{
		{"sync.connectivity_timeout", c.Sync.ConnectivityTimeout},
		{"sync.retry_base_delay", c.Sync.RetryBaseDelay},
		{"sync.retry_max_delay", c.Sync.RetryMaxDelay},
		{"cache.stale_after", c.Cache.StaleAfter},
	} {
		if d.value == "" {
			continue
		}
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", d.field, d.value)
		}
	}

	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative, got %d", c.Sync.MaxRetries)
	}

	return nil
}

// ApplyFlags applies CLI flag overrides to the configuration
func (c *Config) ApplyFlags(outputFormat, offlineMode string) {
	if outputFormat != "" {
		c.OutputFormat = outputFormat
	}
	if offlineMode != "" {
		c.Sync.OfflineMode = offlineMode
	}
}

// GetOfflineMode returns the offline mode setting.
// Returns "auto" as default if not configured.
func (c *Config) GetOfflineMode() string {
	if c.Sync.OfflineMode == "" {
		return "auto"
	}
	return c.Sync.OfflineMode
}

// GetConnectivityTimeout returns the connectivity probe timeout.
// Returns 5 seconds as default if not configured or if parsing fails.
func (c *Config) GetConnectivityTimeout() time.Duration {
	return parseDurationOr(c.Sync.ConnectivityTimeout, 5*time.Second)
}

// GetMaxRetries returns the failure demotion threshold.
// Returns 3 as default if not configured.
func (c *Config) GetMaxRetries() int {
	if c.Sync.MaxRetries <= 0 {
		return 3
	}
	return c.Sync.MaxRetries
}

// GetRetryBaseDelay returns the retry backoff base.
// Returns 0 (immediate retry) if not configured.
func (c *Config) GetRetryBaseDelay() time.Duration {
	return parseDurationOr(c.Sync.RetryBaseDelay, 0)
}

// GetRetryMaxDelay returns the retry backoff cap.
// Returns 0 (derive from base) if not configured.
func (c *Config) GetRetryMaxDelay() time.Duration {
	return parseDurationOr(c.Sync.RetryMaxDelay, 0)
}

// GetStaleAfter returns the cache revalidation threshold.
// Returns 5 minutes as default if not configured or if parsing fails.
func (c *Config) GetStaleAfter() time.Duration {
	return parseDurationOr(c.Cache.StaleAfter, 5*time.Minute)
}

// IsDaemonEnabled returns true if the forked daemon feature is enabled.
func (c *Config) IsDaemonEnabled() bool {
	return c.Sync.Daemon.Enabled
}

// GetDaemonInterval returns the daemon flush interval in seconds.
// Returns 300 (5 minutes) if not configured.
func (c *Config) GetDaemonInterval() int {
	if c.Sync.Daemon.Interval <= 0 {
		return 300
	}
	return c.Sync.Daemon.Interval
}

// GetDaemonIdleTimeout returns the daemon idle timeout in seconds.
// Returns 300 (5 minutes) if not configured.
func (c *Config) GetDaemonIdleTimeout() int {
	if c.Sync.Daemon.IdleTimeout <= 0 {
		return 300
	}
	return c.Sync.Daemon.IdleTimeout
}

// IsBackgroundLoggingEnabled returns true if background logging is enabled.
// Returns true (default) if not configured.
func (c *Config) IsBackgroundLoggingEnabled() bool {
	if c.Logging.BackgroundEnabled == nil {
		return true
	}
	return *c.Logging.BackgroundEnabled
}

// GetTokenService returns the keyring service name for the API token.
// Returns "offsync" as default if not configured.
func (c *Config) GetTokenService() string {
	if c.Server.TokenService == "" {
		return "offsync"
	}
	return c.Server.TokenService
}

func parseDurationOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// getXDGDir returns a directory path following XDG spec.
func getXDGDir(envVar, fallbackPath string) string {
	if xdgDir := os.Getenv(envVar); xdgDir != "" {
		return filepath.Join(xdgDir, "offsync")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", fallbackPath, "offsync")
	}
	return filepath.Join(home, fallbackPath, "offsync")
}

// GetConfigDir returns the configuration directory following XDG spec
func GetConfigDir() string {
	return getXDGDir("XDG_CONFIG_HOME", ".config")
}

// GetDataDir returns the data directory following XDG spec
func GetDataDir() string {
	return getXDGDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// GetRuntimeDir returns the directory for sockets and PID files
func GetRuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, "offsync")
	}
	return filepath.Join(os.TempDir(), "offsync")
}

// ExpandPath expands ~ and environment variables in a path
func ExpandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	return os.ExpandEnv(path)
}
