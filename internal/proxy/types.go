// internal/proxy/types.go
package proxy

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ProxyType represents the type of proxy
type ProxyType string

const (
	ProxyTypeHTTP   ProxyType = "http"
	ProxyTypeHTTPS  ProxyType = "https"
	ProxyTypeSOCKS5 ProxyType = "socks5"
)

// ParseProxyType normalizes a protocol name.
func ParseProxyType(s string) (ProxyType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "http":
		return ProxyTypeHTTP, nil
	case "https":
		return ProxyTypeHTTPS, nil
	case "socks5", "socks5h", "socks":
		return ProxyTypeSOCKS5, nil
	default:
		return "", fmt.Errorf("unsupported proxy type: %s", s)
	}
}

// Default tuning values. Every one of them can be overridden in Config.
const (
	DefaultSpeedWeight            = 0.6
	DefaultReliabilityWeight      = 0.4
	DefaultFailPenalty            = 10.0
	DefaultFailureThreshold       = 3
	DefaultBaseCooldown           = 1 * time.Minute
	DefaultMaxCooldown            = 30 * time.Minute
	DefaultReliabilityGain        = 1.0
	DefaultReliabilityLoss        = 5.0
	DefaultFastLatency            = 200 * time.Millisecond
	DefaultSlowLatency            = 5 * time.Second
	DefaultInitialScore           = 50.0
	DefaultHealthCheckInterval    = 30 * time.Second
	DefaultHealthCheckTimeout     = 10 * time.Second
	DefaultHealthCheckConcurrency = 8
	DefaultHealthCheckURL         = "https://www.youtube.com/generate_204"
	DefaultStateKey               = "proxy_pool:state"

	maxScore = 100.0
	minScore = 0.0
)

// Config defines proxy pool configuration
type Config struct {
	Endpoints              []EndpointConfig `yaml:"endpoints" json:"endpoints"`
	Sources                []SourceConfig   `yaml:"sources,omitempty" json:"sources,omitempty"`
	SpeedWeight            float64          `yaml:"speed_weight" json:"speed_weight"`
	ReliabilityWeight      float64          `yaml:"reliability_weight" json:"reliability_weight"`
	FailPenalty            float64          `yaml:"fail_penalty" json:"fail_penalty"`
	FailureThreshold       int              `yaml:"failure_threshold" json:"failure_threshold"`
	BaseCooldown           time.Duration    `yaml:"base_cooldown" json:"base_cooldown"`
	MaxCooldown            time.Duration    `yaml:"max_cooldown" json:"max_cooldown"`
	ReliabilityGain        float64          `yaml:"reliability_gain" json:"reliability_gain"`
	ReliabilityLoss        float64          `yaml:"reliability_loss" json:"reliability_loss"`
	FastLatency            time.Duration    `yaml:"fast_latency" json:"fast_latency"`
	SlowLatency            time.Duration    `yaml:"slow_latency" json:"slow_latency"`
	InitialSpeed           float64          `yaml:"initial_speed" json:"initial_speed"`
	InitialReliability     float64          `yaml:"initial_reliability" json:"initial_reliability"`
	HealthCheckInterval    time.Duration    `yaml:"health_check_interval" json:"health_check_interval"`
	HealthCheckTimeout     time.Duration    `yaml:"health_check_timeout" json:"health_check_timeout"`
	HealthCheckURL         string           `yaml:"health_check_url" json:"health_check_url"`
	HealthCheckConcurrency int              `yaml:"health_check_concurrency" json:"health_check_concurrency"`
	RefreshInterval        time.Duration    `yaml:"refresh_interval,omitempty" json:"refresh_interval,omitempty"`
	StateKey               string           `yaml:"state_key,omitempty" json:"state_key,omitempty"`
	TLS                    *TLSConfig       `yaml:"tls,omitempty" json:"tls,omitempty"`
}

// EndpointConfig describes one statically configured proxy.
type EndpointConfig struct {
	Host     string `yaml:"host" json:"host"`
	Port     int    `yaml:"port" json:"port"`
	Protocol string `yaml:"protocol,omitempty" json:"protocol,omitempty"`
	Country  string `yaml:"country,omitempty" json:"country,omitempty"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`
	Password string `yaml:"password,omitempty" json:"password,omitempty"`
}

// SourceConfig points at a page listing proxies in an HTML table.
type SourceConfig struct {
	URL           string `yaml:"url" json:"url"`
	RowSelector   string `yaml:"row_selector,omitempty" json:"row_selector,omitempty"`
	HostColumn    int    `yaml:"host_column" json:"host_column"`
	PortColumn    int    `yaml:"port_column" json:"port_column"`
	CountryColumn int    `yaml:"country_column" json:"country_column"`
	Protocol      string `yaml:"protocol,omitempty" json:"protocol,omitempty"`
}

// ApplyDefaults fills zero values with the package defaults.
func (c *Config) ApplyDefaults() {
	if c.SpeedWeight == 0 && c.ReliabilityWeight == 0 {
		c.SpeedWeight = DefaultSpeedWeight
		c.ReliabilityWeight = DefaultReliabilityWeight
	}
	if c.FailPenalty == 0 {
		c.FailPenalty = DefaultFailPenalty
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.BaseCooldown == 0 {
		c.BaseCooldown = DefaultBaseCooldown
	}
	if c.MaxCooldown == 0 {
		c.MaxCooldown = DefaultMaxCooldown
	}
	if c.ReliabilityGain == 0 {
		c.ReliabilityGain = DefaultReliabilityGain
	}
	if c.ReliabilityLoss == 0 {
		c.ReliabilityLoss = DefaultReliabilityLoss
	}
	if c.FastLatency == 0 {
		c.FastLatency = DefaultFastLatency
	}
	if c.SlowLatency == 0 {
		c.SlowLatency = DefaultSlowLatency
	}
	if c.InitialSpeed == 0 {
		c.InitialSpeed = DefaultInitialScore
	}
	if c.InitialReliability == 0 {
		c.InitialReliability = DefaultInitialScore
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = DefaultHealthCheckInterval
	}
	if c.HealthCheckTimeout == 0 {
		c.HealthCheckTimeout = DefaultHealthCheckTimeout
	}
	if c.HealthCheckURL == "" {
		c.HealthCheckURL = DefaultHealthCheckURL
	}
	if c.HealthCheckConcurrency == 0 {
		c.HealthCheckConcurrency = DefaultHealthCheckConcurrency
	}
	if c.StateKey == "" {
		c.StateKey = DefaultStateKey
	}
	for i := range c.Sources {
		if c.Sources[i].RowSelector == "" {
			c.Sources[i].RowSelector = "table tbody tr"
		}
	}
}

// Validate checks ranges and endpoint definitions.
func (c *Config) Validate() error {
	if c.SpeedWeight < 0 || c.ReliabilityWeight < 0 {
		return fmt.Errorf("proxy score weights must be non-negative")
	}
	if c.FailureThreshold < 1 {
		return fmt.Errorf("proxy failure_threshold must be at least 1")
	}
	if c.MaxCooldown < c.BaseCooldown {
		return fmt.Errorf("proxy max_cooldown (%s) is shorter than base_cooldown (%s)", c.MaxCooldown, c.BaseCooldown)
	}
	if c.SlowLatency <= c.FastLatency {
		return fmt.Errorf("proxy slow_latency must exceed fast_latency")
	}
	if _, err := url.Parse(c.HealthCheckURL); err != nil {
		return fmt.Errorf("invalid health_check_url: %w", err)
	}
	for i, ep := range c.Endpoints {
		if err := ep.Validate(); err != nil {
			return fmt.Errorf("proxy endpoint %d: %w", i, err)
		}
	}
	for i, src := range c.Sources {
		if _, err := url.ParseRequestURI(src.URL); err != nil {
			return fmt.Errorf("proxy source %d: invalid url: %w", i, err)
		}
	}
	if err := ValidateTLSConfig(c.TLS); err != nil {
		return err
	}
	return nil
}

// Validate checks host, port and protocol.
func (e EndpointConfig) Validate() error {
	if strings.TrimSpace(e.Host) == "" {
		return fmt.Errorf("host is required")
	}
	if e.Port < 1 || e.Port > 65535 {
		return fmt.Errorf("port %d out of range", e.Port)
	}
	if _, err := ParseProxyType(e.Protocol); err != nil {
		return err
	}
	return nil
}

// Endpoint is a point-in-time copy of a pooled proxy. Mutating it has no
// effect on the pool.
type Endpoint struct {
	ID               string        `json:"id"`
	Host             string        `json:"host"`
	Port             int           `json:"port"`
	Protocol         ProxyType     `json:"protocol"`
	Country          string        `json:"country,omitempty"`
	Username         string        `json:"-"`
	Password         string        `json:"-"`
	SpeedScore       float64       `json:"speedScore"`
	ReliabilityScore float64       `json:"reliabilityScore"`
	FailCount        int           `json:"failCount"`
	LastUsedAt       time.Time     `json:"lastUsedAt,omitempty"`
	CooldownUntil    time.Time     `json:"cooldownUntil,omitempty"`
	Blacklisted      bool          `json:"blacklisted"`
	LastLatency      time.Duration `json:"-"`
}

// EndpointID builds the pool key for host and port.
func EndpointID(host string, port int) string {
	return net.JoinHostPort(strings.ToLower(host), strconv.Itoa(port))
}

// Address returns host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// URL returns the proxy URL including credentials.
func (e Endpoint) URL() *url.URL {
	u := &url.URL{Scheme: string(e.Protocol), Host: e.Address()}
	if e.Username != "" {
		u.User = url.UserPassword(e.Username, e.Password)
	}
	return u
}

// String hides credentials.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s://%s", e.Protocol, e.Address())
}

// Criteria constrains Select. Zero values mean no constraint.
type Criteria struct {
	Country                   string
	MaxLatency                time.Duration
	ExcludeRecentlyUsedWithin time.Duration
	Exclude                   map[string]bool
}

// Stats summarizes pool health.
type Stats struct {
	Total       int `json:"total"`
	Available   int `json:"available"`
	Blacklisted int `json:"blacklisted"`
	CoolingDown int `json:"cooling_down"`
}

// Prober checks whether an endpoint can carry traffic.
type Prober interface {
	Probe(ctx context.Context, ep Endpoint) (time.Duration, error)
}

// Source yields endpoint definitions for Refresh.
type Source interface {
	Name() string
	Fetch(ctx context.Context) ([]EndpointConfig, error)
}
