// internal/config/config.go
package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/valpere/MediaHarvester/internal/executor"
	"github.com/valpere/MediaHarvester/internal/utils"
)

// Defaults for sections owned by this package.
const (
	DefaultServerAddress   = ":8080"
	DefaultReadTimeout     = 15 * time.Second
	DefaultWriteTimeout    = 30 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultMaxConcurrent   = 4
	DefaultLogLevel        = "info"
	DefaultLogMaxSizeMB    = 100
	DefaultLogMaxBackups   = 3
	DefaultLogMaxAgeDays   = 28
	DefaultHealthMaxMemory = 90.0
	DefaultMinProxyHealthy = 1
)

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.Executor.Browser = executor.DefaultBrowserConfig()
	cfg.Metrics.Enabled = true
	applyDefaults(cfg)
	return cfg
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(filename string) (*Config, error) {
	if filename == "" {
		return nil, fmt.Errorf("configuration filename cannot be empty")
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, utils.NewError(utils.ErrCodeInvalidConfig, "configuration file not found: "+filename).WithCause(err).Build()
		}
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	return LoadFromBytes(data)
}

// LoadFromBytes parses YAML after ${ENV} expansion, applies defaults and
// validates. Empty input yields the defaults.
func LoadFromBytes(data []byte) (*Config, error) {
	cfg := &Config{}
	cfg.Executor.Browser = executor.DefaultBrowserConfig()
	cfg.Metrics.Enabled = true

	expanded := expandEnvironmentVariables(string(data))
	if strings.TrimSpace(expanded) != "" {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, utils.NewError(utils.ErrCodeInvalidConfig, "failed to parse YAML configuration").WithCause(err).Build()
		}
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader loads configuration from an io.Reader
func LoadFromReader(reader io.Reader) (*Config, error) {
	if reader == nil {
		return nil, fmt.Errorf("reader cannot be nil")
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read from reader: %w", err)
	}

	return LoadFromBytes(data)
}

// SaveToFile validates and writes the configuration as YAML.
func SaveToFile(config *Config, filename string) error {
	if config == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if filename == "" {
		return fmt.Errorf("filename cannot be empty")
	}

	if err := config.Validate(); err != nil {
		return err
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration to YAML: %w", err)
	}

	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	if err := os.WriteFile(filename, data, 0644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	return nil
}

// expandEnvironmentVariables substitutes ${VAR} and ${VAR:-default}.
// Unset variables without a default expand to the empty string.
func expandEnvironmentVariables(content string) string {
	return os.Expand(content, func(key string) string {
		name, def, hasDefault := strings.Cut(key, ":-")
		if v, ok := os.LookupEnv(name); ok && (v != "" || !hasDefault) {
			return v
		}
		return def
	})
}

// applyDefaults applies default values to the configuration
func applyDefaults(config *Config) {
	if config.Log.Level == "" {
		config.Log.Level = DefaultLogLevel
	}
	if config.Log.File != "" {
		if config.Log.MaxSizeMB == 0 {
			config.Log.MaxSizeMB = DefaultLogMaxSizeMB
		}
		if config.Log.MaxBackups == 0 {
			config.Log.MaxBackups = DefaultLogMaxBackups
		}
		if config.Log.MaxAgeDays == 0 {
			config.Log.MaxAgeDays = DefaultLogMaxAgeDays
		}
	}

	if config.Server.Address == "" {
		config.Server.Address = DefaultServerAddress
	}
	if config.Server.ReadTimeout == 0 {
		config.Server.ReadTimeout = DefaultReadTimeout
	}
	if config.Server.WriteTimeout == 0 {
		config.Server.WriteTimeout = DefaultWriteTimeout
	}
	if config.Server.ShutdownTimeout == 0 {
		config.Server.ShutdownTimeout = DefaultShutdownTimeout
	}

	if config.Server.RequestsPerSecond > 0 && config.Server.RequestBurst == 0 {
		config.Server.RequestBurst = int(config.Server.RequestsPerSecond * 2)
		if config.Server.RequestBurst < 1 {
			config.Server.RequestBurst = 1
		}
	}

	if config.Tasks.MaxConcurrent == 0 {
		config.Tasks.MaxConcurrent = DefaultMaxConcurrent
	}

	config.Store.ApplyDefaults()
	config.Proxy.ApplyDefaults()
	config.Identity.ApplyDefaults()
	config.Orchestrator.ApplyDefaults()
	config.RateLimit.ApplyDefaults()
	config.Tasks.Registry.ApplyDefaults()
	config.Broadcast.ApplyDefaults()
	config.Metrics.ApplyDefaults()

	if config.Executor.YouTube.Timeout == 0 {
		config.Executor.YouTube.Timeout = config.Orchestrator.AttemptTimeout
	}
	browserDefaults := executor.DefaultBrowserConfig()
	if config.Executor.Browser.Timeout == 0 {
		config.Executor.Browser.Timeout = browserDefaults.Timeout
	}
	if config.Executor.Browser.ViewportWidth == 0 || config.Executor.Browser.ViewportHeight == 0 {
		config.Executor.Browser.ViewportWidth = browserDefaults.ViewportWidth
		config.Executor.Browser.ViewportHeight = browserDefaults.ViewportHeight
	}
	if config.Executor.Browser.MaxConcurrent == 0 {
		config.Executor.Browser.MaxConcurrent = browserDefaults.MaxConcurrent
	}
	if config.Executor.Browser.WatchURL == "" {
		config.Executor.Browser.WatchURL = browserDefaults.WatchURL
	}
}
