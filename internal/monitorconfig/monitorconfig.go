// Package monitorconfig loads the monitor's configuration from a TOML
// file, plus a .env for secrets, with environment variables taking
// precedence over file values.
package monitorconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Defaults mirroring the original monitor's environment-variable scheme.
const (
	DefaultBufferSize         = 1000
	DefaultPersistenceSecs    = 60
	DefaultPersistenceRetries = 3
	MinPersistenceRetries     = 1
	MaxPersistenceRetries     = 10
)

// PersistenceConfig configures the optional secondary durable-sink path.
type PersistenceConfig struct {
	SinkURL      string `toml:"sink_url"`
	IntervalSecs int    `toml:"interval_secs"`
	RetryLimit   int    `toml:"retry_limit"`
}

// Config is the monitor's full runtime configuration.
type Config struct {
	ServerURL         string             `toml:"server_url"`
	SourceID          string             `toml:"source_id"`
	KeyPath           string             `toml:"key_path"`
	ClaudeDir         string             `toml:"claude_dir"`
	BufferSize        int                `toml:"buffer_size"`
	BasenameAllowlist string             `toml:"basename_allowlist"`
	Persistence       *PersistenceConfig `toml:"persistence"`
}

func init() {
	_ = godotenv.Load()
}

// Default returns a Config with every non-required field at its default.
func Default() *Config {
	return &Config{
		BufferSize: DefaultBufferSize,
	}
}

// LoadFile loads configuration from a TOML file at path, applying
// defaults for any field left unset, and environment-variable overrides
// of the most operationally sensitive fields (server URL, source id, key
// path).
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("monitorconfig: parse %s: %w", path, err)
	}
	applyEnvOverrides(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads monitor.toml from the current directory, falling
// back to defaults plus environment overrides if the file is absent.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("monitorconfig: determine working directory: %w", err)
	}
	path := filepath.Join(cwd, "monitor.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := Default()
		applyEnvOverrides(cfg)
		if err := cfg.validate(); err != nil {
			return nil, err
		}
		return cfg, nil
	}
	return LoadFile(path)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VIBETEA_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("VIBETEA_SOURCE_ID"); v != "" {
		cfg.SourceID = v
	}
	if v := os.Getenv("VIBETEA_KEY_PATH"); v != "" {
		cfg.KeyPath = v
	}
	if v := os.Getenv("VIBETEA_CLAUDE_DIR"); v != "" {
		cfg.ClaudeDir = v
	}
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("monitorconfig: server_url is required")
	}
	if c.SourceID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = "unknown"
		}
		c.SourceID = hostname
	}
	if c.KeyPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("monitorconfig: determine home directory: %w", err)
		}
		c.KeyPath = filepath.Join(home, ".vibetea")
	}
	if c.ClaudeDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("monitorconfig: determine home directory: %w", err)
		}
		c.ClaudeDir = filepath.Join(home, ".claude")
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Persistence != nil {
		if c.Persistence.SinkURL == "" {
			return fmt.Errorf("monitorconfig: persistence.sink_url is required when [persistence] is set")
		}
		if c.Persistence.IntervalSecs <= 0 {
			c.Persistence.IntervalSecs = DefaultPersistenceSecs
		}
		if c.Persistence.RetryLimit == 0 {
			c.Persistence.RetryLimit = DefaultPersistenceRetries
		}
		if c.Persistence.RetryLimit < MinPersistenceRetries || c.Persistence.RetryLimit > MaxPersistenceRetries {
			return fmt.Errorf("monitorconfig: persistence.retry_limit must be between %d and %d, got %d",
				MinPersistenceRetries, MaxPersistenceRetries, c.Persistence.RetryLimit)
		}
	}
	return nil
}
