// internal/orchestrator/config.go
package orchestrator

import (
	"fmt"
	"time"
)

// Default configuration constants
const (
	DefaultMaxProxiesPerStrategy = 3
	DefaultAttemptTimeout        = 45 * time.Second
	DefaultTaskDeadline          = 10 * time.Minute
	DefaultBackoffBase           = 1 * time.Second
	DefaultBackoffCap            = 30 * time.Second
	DefaultBackoffJitter         = 500 * time.Millisecond
)

// Config tunes the attempt loop.
type Config struct {
	MaxProxiesPerStrategy int           `yaml:"max_proxies_per_strategy" json:"max_proxies_per_strategy"`
	AttemptTimeout        time.Duration `yaml:"attempt_timeout" json:"attempt_timeout"`
	TaskDeadline          time.Duration `yaml:"task_deadline" json:"task_deadline"`
	BackoffBase           time.Duration `yaml:"backoff_base" json:"backoff_base"`
	BackoffCap            time.Duration `yaml:"backoff_cap" json:"backoff_cap"`
	BackoffJitter         time.Duration `yaml:"backoff_jitter" json:"backoff_jitter"`
	ProxyCountry          string        `yaml:"proxy_country" json:"proxy_country"`
	MaxProxyLatency       time.Duration `yaml:"max_proxy_latency" json:"max_proxy_latency"`
	ProxyReuseWindow      time.Duration `yaml:"proxy_reuse_window" json:"proxy_reuse_window"`
}

// ApplyDefaults fills zero values. A negative jitter disables jitter.
func (c *Config) ApplyDefaults() {
	if c.MaxProxiesPerStrategy == 0 {
		c.MaxProxiesPerStrategy = DefaultMaxProxiesPerStrategy
	}
	if c.AttemptTimeout == 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	if c.TaskDeadline == 0 {
		c.TaskDeadline = DefaultTaskDeadline
	}
	if c.BackoffBase == 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffCap == 0 {
		c.BackoffCap = DefaultBackoffCap
	}
	if c.BackoffJitter == 0 {
		c.BackoffJitter = DefaultBackoffJitter
	}
	if c.BackoffJitter < 0 {
		c.BackoffJitter = 0
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	if c.MaxProxiesPerStrategy < 0 {
		return fmt.Errorf("max_proxies_per_strategy cannot be negative")
	}
	if c.AttemptTimeout < 0 || c.TaskDeadline < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	if c.AttemptTimeout > c.TaskDeadline {
		return fmt.Errorf("attempt_timeout (%v) exceeds task_deadline (%v)", c.AttemptTimeout, c.TaskDeadline)
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("backoff_cap must be >= backoff_base > 0")
	}
	return nil
}
