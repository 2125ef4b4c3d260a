package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestLoadCreatesDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.OutputFormat != "text" {
		t.Errorf("OutputFormat = %q, want text", cfg.OutputFormat)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("default config file not created: %v", err)
	}
	if !strings.Contains(string(data), "offsync configuration") {
		t.Error("created file is not the documented sample config")
	}
}

func TestLoadParsesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
server:
  base_url: https://api.example.com
sync:
  offline_mode: offline
  max_retries: 5
  retry_base_delay: 2s
cache:
  stale_after: 10m
output_format: json
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.BaseURL != "https://api.example.com" {
		t.Errorf("BaseURL = %q", cfg.Server.BaseURL)
	}
	if cfg.GetOfflineMode() != "offline" {
		t.Errorf("OfflineMode = %q", cfg.GetOfflineMode())
	}
	if cfg.GetMaxRetries() != 5 {
		t.Errorf("MaxRetries = %d", cfg.GetMaxRetries())
	}
	if cfg.GetRetryBaseDelay() != 2*time.Second {
		t.Errorf("RetryBaseDelay = %v", cfg.GetRetryBaseDelay())
	}
	if cfg.GetStaleAfter() != 10*time.Minute {
		t.Errorf("StaleAfter = %v", cfg.GetStaleAfter())
	}
	if cfg.OutputFormat != "json" {
		t.Errorf("OutputFormat = %q", cfg.OutputFormat)
	}
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("sync: [not a map"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load accepted invalid YAML")
	}
}

func TestDefaults(t *testing.T) {
	cfg := &Config{OutputFormat: "text"}

	if cfg.GetOfflineMode() != "auto" {
		t.Errorf("GetOfflineMode = %q, want auto", cfg.GetOfflineMode())
	}
	if cfg.GetConnectivityTimeout() != 5*time.Second {
		t.Errorf("GetConnectivityTimeout = %v, want 5s", cfg.GetConnectivityTimeout())
	}
	if cfg.GetMaxRetries() != 3 {
		t.Errorf("GetMaxRetries = %d, want 3", cfg.GetMaxRetries())
	}
	if cfg.GetRetryBaseDelay() != 0 {
		t.Errorf("GetRetryBaseDelay = %v, want 0", cfg.GetRetryBaseDelay())
	}
	if cfg.GetStaleAfter() != 5*time.Minute {
		t.Errorf("GetStaleAfter = %v, want 5m", cfg.GetStaleAfter())
	}
	if cfg.GetDaemonInterval() != 300 {
		t.Errorf("GetDaemonInterval = %d, want 300", cfg.GetDaemonInterval())
	}
	if cfg.GetDaemonIdleTimeout() != 300 {
		t.Errorf("GetDaemonIdleTimeout = %d, want 300", cfg.GetDaemonIdleTimeout())
	}
	if !cfg.IsBackgroundLoggingEnabled() {
		t.Error("background logging not enabled by default")
	}
	if cfg.GetTokenService() != "offsync" {
		t.Errorf("GetTokenService = %q, want offsync", cfg.GetTokenService())
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"bad output format", func(c *Config) { c.OutputFormat = "xml" }, true},
		{"bad offline mode", func(c *Config) { c.Sync.OfflineMode = "sometimes" }, true},
		{"good offline mode", func(c *Config) { c.Sync.OfflineMode = "offline" }, false},
		{"bad duration", func(c *Config) { c.Sync.ConnectivityTimeout = "five seconds" }, true},
		{"good duration", func(c *Config) { c.Sync.ConnectivityTimeout = "10s" }, false},
		{"negative retries", func(c *Config) { c.Sync.MaxRetries = -1 }, true},
		{"bad stale_after", func(c *Config) { c.Cache.StaleAfter = "often" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyFlags(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApplyFlags("json", "offline")
	if cfg.OutputFormat != "json" {
		t.Errorf("OutputFormat = %q", cfg.OutputFormat)
	}
	if cfg.Sync.OfflineMode != "offline" {
		t.Errorf("OfflineMode = %q", cfg.Sync.OfflineMode)
	}

	cfg.ApplyFlags("", "")
	if cfg.OutputFormat != "json" || cfg.Sync.OfflineMode != "offline" {
		t.Error("empty flags overwrote configured values")
	}
}

func TestSampleConfigIsValidYAMLWithValidDefaults(t *testing.T) {
	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(GetSampleConfig()), cfg); err != nil {
		t.Fatalf("sample config does not parse: %v", err)
	}
	if cfg.OutputFormat == "" {
		cfg.OutputFormat = "text"
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("sample config defaults invalid: %v", err)
	}
}

func TestLoadFromPathMissingFileReturnsNil(t *testing.T) {
	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}
	if cfg != nil {
		t.Error("missing file returned non-nil config")
	}

	if _, err := LoadFromPath(""); err == nil {
		t.Error("empty path accepted")
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	if got := ExpandPath("~/data/offsync.db"); got != filepath.Join(home, "data", "offsync.db") {
		t.Errorf("ExpandPath(~/...) = %q", got)
	}

	t.Setenv("OFFSYNC_TEST_DIR", "/var/data")
	if got := ExpandPath("$OFFSYNC_TEST_DIR/offsync.db"); got != "/var/data/offsync.db" {
		t.Errorf("ExpandPath($VAR) = %q", got)
	}
}

func TestXDGDirsHonorEnv(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg-config")
	t.Setenv("XDG_DATA_HOME", "/tmp/xdg-data")

	if got := GetConfigDir(); got != "/tmp/xdg-config/offsync" {
		t.Errorf("GetConfigDir = %q", got)
	}
	if got := GetDataDir(); got != "/tmp/xdg-data/offsync" {
		t.Errorf("GetDataDir = %q", got)
	}
}
