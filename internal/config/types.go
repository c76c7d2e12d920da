// internal/config/types.go
package config

import (
	"time"

	"github.com/valpere/MediaHarvester/internal/broadcast"
	"github.com/valpere/MediaHarvester/internal/executor"
	"github.com/valpere/MediaHarvester/internal/identity"
	"github.com/valpere/MediaHarvester/internal/monitoring"
	"github.com/valpere/MediaHarvester/internal/orchestrator"
	"github.com/valpere/MediaHarvester/internal/proxy"
	"github.com/valpere/MediaHarvester/internal/ratelimit"
	"github.com/valpere/MediaHarvester/internal/store"
	"github.com/valpere/MediaHarvester/internal/strategy"
	"github.com/valpere/MediaHarvester/internal/task"
	"github.com/valpere/MediaHarvester/internal/utils"
)

// Config is the whole service configuration. Each section is owned by
// the package that consumes it.
type Config struct {
	Log          utils.LogConfig          `yaml:"log" json:"log"`
	Server       ServerConfig             `yaml:"server" json:"server"`
	Store        store.Config             `yaml:"store" json:"store"`
	Proxy        proxy.Config             `yaml:"proxy" json:"proxy"`
	Identity     identity.Config          `yaml:"identity" json:"identity"`
	Strategies   []strategy.Strategy      `yaml:"strategies,omitempty" json:"strategies,omitempty"`
	Signatures   []strategy.SignatureSpec `yaml:"signatures,omitempty" json:"signatures,omitempty"`
	Orchestrator orchestrator.Config      `yaml:"orchestrator" json:"orchestrator"`
	RateLimit    ratelimit.Config         `yaml:"rate_limit" json:"rate_limit"`
	Tasks        TasksConfig              `yaml:"tasks" json:"tasks"`
	Broadcast    broadcast.Config         `yaml:"broadcast" json:"broadcast"`
	Executor     ExecutorConfig           `yaml:"executor" json:"executor"`
	Metrics      monitoring.MetricsConfig `yaml:"metrics" json:"metrics"`
	Health       monitoring.HealthConfig  `yaml:"health" json:"health"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Address         string        `yaml:"address" json:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	// APIKey enables bearer token auth on /api routes when set.
	APIKey string `yaml:"api_key,omitempty" json:"-"`
	// RequestsPerSecond limits /api requests; zero disables the limit.
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	RequestBurst      int     `yaml:"request_burst" json:"request_burst"`
}

// TasksConfig bounds task execution and configures the registry.
type TasksConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
	// WatchProxyFile reloads proxy.endpoints from the config file on change.
	WatchProxyFile bool        `yaml:"watch_proxy_file" json:"watch_proxy_file"`
	Registry       task.Config `yaml:"registry" json:"registry"`
}

// ExecutorConfig groups the executor backends.
type ExecutorConfig struct {
	YouTube executor.YouTubeConfig `yaml:"youtube" json:"youtube"`
	Browser executor.BrowserConfig `yaml:"browser" json:"browser"`
}
