// Package config loads and validates measureforge configuration.
// Configuration lives at <workspace>/.measureforge/config.json and is shared
// with the logging package, which reads its own section from the same file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all measureforge configuration.
type Config struct {
	Name    string `json:"name"`
	Version string `json:"version"`

	Remote  RemoteConfig  `json:"remote"`
	Storage StorageConfig `json:"storage"`
	Sync    SyncConfig    `json:"sync"`
	Logging LoggingConfig `json:"logging"`
}

// RemoteConfig configures the authoritative remote component store.
type RemoteConfig struct {
	BaseURL string `json:"base_url"`
	Timeout string `json:"timeout"` // Go duration string, e.g. "15s"

	// FetchConcurrency bounds the parallel GetComponent fan-out during a
	// full catalogue refresh.
	FetchConcurrency int `json:"fetch_concurrency"`
}

// StorageConfig configures local persistence and measure input.
type StorageConfig struct {
	DatabasePath string `json:"database_path"` // SQLite file for the local cache
	MeasuresDir  string `json:"measures_dir"`  // Directory of YAML measure files
}

// SyncConfig configures the sync queue retry policy.
type SyncConfig struct {
	// RetryDelayMS is the delay between entries within one retry pass.
	// The retry schedule itself is caller-driven; this only spaces out
	// sequential attempts inside a pass. Default 0 (back-to-back).
	RetryDelayMS int `json:"retry_delay_ms"`
}

// LoggingConfig configures categorized debug logging.
// Mirrored by internal/logging to avoid an import cycle.
type LoggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories,omitempty"`
	Level      string          `json:"level"`
	JSONFormat bool            `json:"json_format"`
}

// Default returns a Config with sensible defaults for a fresh workspace.
func Default() *Config {
	return &Config{
		Name:    "measureforge",
		Version: "1.0",
		Remote: RemoteConfig{
			BaseURL:          "http://localhost:8080/api",
			Timeout:          "15s",
			FetchConcurrency: 4,
		},
		Storage: StorageConfig{
			DatabasePath: filepath.Join(".measureforge", "library.db"),
			MeasuresDir:  "measures",
		},
		Sync: SyncConfig{
			RetryDelayMS: 0,
		},
		Logging: LoggingConfig{
			DebugMode: false,
			Level:     "info",
		},
	}
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	return filepath.Join(workspace, ".measureforge", "config.json")
}

// Load reads config from the workspace, falling back to defaults when the
// file is absent. Environment overrides are applied last.
func Load(workspace string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config back to the workspace, creating .measureforge/ if
// needed.
func (c *Config) Save(workspace string) error {
	dir := filepath.Join(workspace, ".measureforge")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(Path(workspace), data, 0644)
}

// applyEnvOverrides lets deployment environments override file settings.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("MEASUREFORGE_REMOTE_URL"); v != "" {
		c.Remote.BaseURL = v
	}
	if v := os.Getenv("MEASUREFORGE_REMOTE_TIMEOUT"); v != "" {
		c.Remote.Timeout = v
	}
	if v := os.Getenv("MEASUREFORGE_DB_PATH"); v != "" {
		c.Storage.DatabasePath = v
	}
	if v := os.Getenv("MEASUREFORGE_MEASURES_DIR"); v != "" {
		c.Storage.MeasuresDir = v
	}
	if v := os.Getenv("MEASUREFORGE_RETRY_DELAY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Sync.RetryDelayMS = n
		}
	}
	if v := os.Getenv("MEASUREFORGE_DEBUG"); v == "1" || v == "true" {
		c.Logging.DebugMode = true
	}
}

func (c *Config) validate() error {
	if _, err := c.RemoteTimeout(); err != nil {
		return fmt.Errorf("invalid remote.timeout %q: %w", c.Remote.Timeout, err)
	}
	if c.Remote.FetchConcurrency < 1 {
		c.Remote.FetchConcurrency = 1
	}
	if c.Sync.RetryDelayMS < 0 {
		c.Sync.RetryDelayMS = 0
	}
	return nil
}

// RemoteTimeout parses the remote timeout duration string.
func (c *Config) RemoteTimeout() (time.Duration, error) {
	if c.Remote.Timeout == "" {
		return 15 * time.Second, nil
	}
	return time.ParseDuration(c.Remote.Timeout)
}

// RetryDelay returns the configured delay between retry attempts in a pass.
func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Sync.RetryDelayMS) * time.Millisecond
}
