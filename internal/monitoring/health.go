// internal/monitoring/health.go
package monitoring

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/valpere/MediaHarvester/internal/utils"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnknown   HealthStatus = "unknown"
)

// HealthCheckResult is what a check function reports.
type HealthCheckResult struct {
	Status   HealthStatus           `json:"status"`
	Message  string                 `json:"message,omitempty"`
	Error    error                  `json:"-"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// HealthCheck is a named probe. Critical checks make the whole service
// unhealthy when they fail; others only degrade it.
type HealthCheck struct {
	Name      string                                      `json:"name"`
	Status    HealthStatus                                `json:"status"`
	Message   string                                      `json:"message,omitempty"`
	Error     string                                      `json:"error,omitempty"`
	LastCheck time.Time                                   `json:"last_check"`
	Duration  time.Duration                               `json:"duration"`
	Metadata  map[string]interface{}                      `json:"metadata,omitempty"`
	Critical  bool                                        `json:"critical"`
	Timeout   time.Duration                               `json:"-"`
	CheckFunc func(ctx context.Context) HealthCheckResult `json:"-"`
}

// HealthConfig configuration for health monitoring
type HealthConfig struct {
	CheckInterval  time.Duration `yaml:"check_interval" json:"check_interval"`
	DefaultTimeout time.Duration `yaml:"default_timeout" json:"default_timeout"`
	Detailed       bool          `yaml:"detailed" json:"detailed"`
}

// HealthSummary counts checks by status.
type HealthSummary struct {
	Total     int `json:"total"`
	Healthy   int `json:"healthy"`
	Unhealthy int `json:"unhealthy"`
	Degraded  int `json:"degraded"`
	Unknown   int `json:"unknown"`
}

// SystemHealth is the /health response body.
type SystemHealth struct {
	Status     HealthStatus  `json:"status"`
	Timestamp  time.Time     `json:"timestamp"`
	Version    string        `json:"version,omitempty"`
	Uptime     string        `json:"uptime"`
	Goroutines int           `json:"goroutines"`
	Summary    HealthSummary `json:"summary"`
	Checks     []HealthCheck `json:"checks,omitempty"`
}

// HealthManager runs registered checks on an interval and serves the
// aggregate status.
type HealthManager struct {
	config  HealthConfig
	version string
	started time.Time
	log     utils.Logger

	mu     sync.RWMutex
	checks map[string]*HealthCheck

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewHealthManager creates a new health manager
func NewHealthManager(config HealthConfig, version string) *HealthManager {
	if config.CheckInterval <= 0 {
		config.CheckInterval = 30 * time.Second
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = 5 * time.Second
	}
	return &HealthManager{
		config:  config,
		version: version,
		started: time.Now(),
		log:     utils.NewComponentLogger("health"),
		checks:  make(map[string]*HealthCheck),
		stopCh:  make(chan struct{}),
	}
}

// RegisterCheck adds or replaces a check. It starts out unknown.
func (hm *HealthManager) RegisterCheck(check *HealthCheck) {
	if check.Timeout <= 0 {
		check.Timeout = hm.config.DefaultTimeout
	}
	if check.Status == "" {
		check.Status = HealthStatusUnknown
	}
	hm.mu.Lock()
	hm.checks[check.Name] = check
	hm.mu.Unlock()
}

// Start runs every check immediately and then on each interval.
func (hm *HealthManager) Start(ctx context.Context) {
	hm.wg.Add(1)
	go func() {
		defer hm.wg.Done()
		ticker := time.NewTicker(hm.config.CheckInterval)
		defer ticker.Stop()

		hm.RunChecks(ctx)
		for {
			select {
			case <-ticker.C:
				hm.RunChecks(ctx)
			case <-hm.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the check loop.
func (hm *HealthManager) Stop() {
	hm.once.Do(func() { close(hm.stopCh) })
	hm.wg.Wait()
}

// RunChecks runs all checks concurrently and waits for them.
func (hm *HealthManager) RunChecks(ctx context.Context) {
	hm.mu.RLock()
	checks := make([]*HealthCheck, 0, len(hm.checks))
	for _, c := range hm.checks {
		checks = append(checks, c)
	}
	hm.mu.RUnlock()

	var wg sync.WaitGroup
	for _, check := range checks {
		wg.Add(1)
		go func(c *HealthCheck) {
			defer wg.Done()
			hm.runCheck(ctx, c)
		}(check)
	}
	wg.Wait()
}

func (hm *HealthManager) runCheck(ctx context.Context, check *HealthCheck) {
	start := time.Now()
	checkCtx, cancel := context.WithTimeout(ctx, check.Timeout)
	defer cancel()

	result := HealthCheckResult{Status: HealthStatusUnknown, Message: "no check function defined"}
	if check.CheckFunc != nil {
		result = check.CheckFunc(checkCtx)
	}

	hm.mu.Lock()
	defer hm.mu.Unlock()
	if result.Status != check.Status && check.Status != HealthStatusUnknown {
		hm.log.WithFields(map[string]interface{}{
			"check": check.Name,
			"from":  check.Status,
			"to":    result.Status,
		}).Warn("health check changed status")
	}
	check.LastCheck = start
	check.Duration = time.Since(start)
	check.Status = result.Status
	check.Message = result.Message
	check.Metadata = result.Metadata
	check.Error = ""
	if result.Error != nil {
		check.Error = result.Error.Error()
	}
}

// GetHealth aggregates check results. A failing critical check makes the
// service unhealthy; anything else not healthy degrades it.
func (hm *HealthManager) GetHealth() SystemHealth {
	hm.mu.RLock()
	defer hm.mu.RUnlock()

	health := SystemHealth{
		Status:     HealthStatusHealthy,
		Timestamp:  time.Now(),
		Version:    hm.version,
		Uptime:     time.Since(hm.started).Round(time.Second).String(),
		Goroutines: runtime.NumGoroutine(),
	}

	for _, check := range hm.checks {
		health.Summary.Total++
		switch check.Status {
		case HealthStatusHealthy:
			health.Summary.Healthy++
		case HealthStatusUnhealthy:
			health.Summary.Unhealthy++
			if check.Critical {
				health.Status = HealthStatusUnhealthy
			} else if health.Status == HealthStatusHealthy {
				health.Status = HealthStatusDegraded
			}
		case HealthStatusDegraded:
			health.Summary.Degraded++
			if health.Status == HealthStatusHealthy {
				health.Status = HealthStatusDegraded
			}
		default:
			health.Summary.Unknown++
		}
		if hm.config.Detailed {
			health.Checks = append(health.Checks, *check)
		}
	}
	sort.Slice(health.Checks, func(i, j int) bool { return health.Checks[i].Name < health.Checks[j].Name })
	return health
}

// HealthHandler serves GetHealth as JSON, 503 when unhealthy.
func (hm *HealthManager) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		health := hm.GetHealth()
		w.Header().Set("Content-Type", "application/json")
		if health.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		} else {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(health)
	}
}

// PingHealthCheck wraps a ping function such as a store or database probe.
func PingHealthCheck(name string, critical bool, ping func(ctx context.Context) error) *HealthCheck {
	return &HealthCheck{
		Name:     name,
		Critical: critical,
		CheckFunc: func(ctx context.Context) HealthCheckResult {
			if err := ping(ctx); err != nil {
				return HealthCheckResult{
					Status:  HealthStatusUnhealthy,
					Message: fmt.Sprintf("%s unreachable", name),
					Error:   err,
				}
			}
			return HealthCheckResult{Status: HealthStatusHealthy, Message: fmt.Sprintf("%s reachable", name)}
		},
	}
}

// ProxyPoolHealthCheck degrades when fewer than minAvailable proxies are
// eligible. stats returns available and total counts.
func ProxyPoolHealthCheck(minAvailable int, stats func() (available, total int)) *HealthCheck {
	return &HealthCheck{
		Name: "proxy_pool",
		CheckFunc: func(ctx context.Context) HealthCheckResult {
			available, total := stats()
			metadata := map[string]interface{}{"available": available, "total": total}
			if total > 0 && available < minAvailable {
				return HealthCheckResult{
					Status:   HealthStatusDegraded,
					Message:  fmt.Sprintf("only %d of %d proxies available", available, total),
					Metadata: metadata,
				}
			}
			return HealthCheckResult{
				Status:   HealthStatusHealthy,
				Message:  fmt.Sprintf("%d of %d proxies available", available, total),
				Metadata: metadata,
			}
		},
	}
}

// MemoryHealthCheck degrades when host memory usage exceeds maxPercent.
func MemoryHealthCheck(maxPercent float64) *HealthCheck {
	return &HealthCheck{
		Name: "memory",
		CheckFunc: func(ctx context.Context) HealthCheckResult {
			vm, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				return HealthCheckResult{Status: HealthStatusUnknown, Message: "memory stats unavailable", Error: err}
			}
			metadata := map[string]interface{}{
				"used_percent": vm.UsedPercent,
				"available":    vm.Available,
			}
			if vm.UsedPercent > maxPercent {
				return HealthCheckResult{
					Status:   HealthStatusDegraded,
					Message:  fmt.Sprintf("high memory usage: %.1f%%", vm.UsedPercent),
					Metadata: metadata,
				}
			}
			return HealthCheckResult{
				Status:   HealthStatusHealthy,
				Message:  fmt.Sprintf("memory usage normal: %.1f%%", vm.UsedPercent),
				Metadata: metadata,
			}
		},
	}
}
