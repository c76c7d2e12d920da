// internal/monitoring/metrics.go
package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/valpere/MediaHarvester/internal/orchestrator"
	"github.com/valpere/MediaHarvester/internal/strategy"
)

// MetricsConfig configures the Prometheus collectors.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Namespace string `yaml:"namespace" json:"namespace"`
	Subsystem string `yaml:"subsystem" json:"subsystem"`
	Path      string `yaml:"path" json:"path"`
	// IncludeRuntime adds the Go and process collectors to the registry.
	IncludeRuntime bool `yaml:"include_runtime" json:"include_runtime"`
}

// ApplyDefaults fills unset fields.
func (c *MetricsConfig) ApplyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "mediaharvester"
	}
	if c.Subsystem == "" {
		c.Subsystem = "extraction"
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
}

// MetricsManager owns every collector the service exports. It satisfies
// orchestrator.Observer so attempt events feed straight into counters.
type MetricsManager struct {
	registry *prometheus.Registry

	// Extraction metrics
	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	detectionsTotal *prometheus.CounterVec

	// Proxy metrics
	proxyReports       *prometheus.CounterVec
	proxiesBlacklisted prometheus.Gauge
	proxiesAvailable   prometheus.Gauge

	// Task metrics
	tasksTotal   *prometheus.CounterVec
	tasksActive  prometheus.Gauge
	taskDuration prometheus.Histogram

	// Identity and rate limiting metrics
	identitiesInUse prometheus.Gauge
	rateLimitWaits  prometheus.Histogram
}

// NewMetricsManager registers collectors on reg. A nil registry gets a
// fresh one so tests never collide on the global default.
func NewMetricsManager(config MetricsConfig, reg *prometheus.Registry) *MetricsManager {
	config.ApplyDefaults()
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if config.IncludeRuntime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	mm := &MetricsManager{registry: reg}
	mm.initializeMetrics(config.Namespace, config.Subsystem)
	return mm
}

func (mm *MetricsManager) initializeMetrics(namespace, subsystem string) {
	factory := promauto.With(mm.registry)

	mm.attemptsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "attempts_total",
			Help:      "Extraction attempts by strategy, method and outcome class",
		},
		[]string{"strategy", "method", "outcome"},
	)

	mm.attemptDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "attempt_duration_seconds",
			Help:      "Executor latency per attempt",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 45},
		},
		[]string{"method"},
	)

	mm.detectionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "detections_total",
			Help:      "Detection signatures matched on failed attempts",
		},
		[]string{"signature", "adaptation"},
	)

	mm.proxyReports = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "proxy",
			Name:      "reports_total",
			Help:      "Attempt outcomes reported to the proxy pool",
		},
		[]string{"outcome"},
	)

	mm.proxiesBlacklisted = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "blacklisted",
		Help:      "Proxies currently quarantined",
	})

	mm.proxiesAvailable = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "proxy",
		Name:      "available",
		Help:      "Proxies currently eligible for selection",
	})

	mm.tasksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tasks",
			Name:      "total",
			Help:      "Tasks reaching a terminal status",
		},
		[]string{"status"},
	)

	mm.tasksActive = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "active",
		Help:      "Tasks not yet in a terminal status",
	})

	mm.taskDuration = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "duration_seconds",
		Help:      "Time from task creation to terminal status",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	})

	mm.identitiesInUse = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "identity",
		Name:      "in_use",
		Help:      "Identities currently leased",
	})

	mm.rateLimitWaits = factory.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "rate_limit",
		Name:      "wait_seconds",
		Help:      "Time spent waiting for a rate limiter token",
		Buckets:   []float64{0, 0.1, 0.5, 1, 2, 5, 10, 30},
	})
}

// Registry returns the registry the collectors live on.
func (mm *MetricsManager) Registry() *prometheus.Registry {
	return mm.registry
}

// AttemptFinished implements orchestrator.Observer.
func (mm *MetricsManager) AttemptFinished(a orchestrator.Attempt) {
	mm.attemptsTotal.WithLabelValues(a.Strategy, a.Method, string(a.Outcome)).Inc()
	if a.Outcome != orchestrator.ClassCancelled {
		mm.attemptDuration.WithLabelValues(a.Method).Observe(a.Latency.Seconds())
	}
}

// DetectionMatched implements orchestrator.Observer.
func (mm *MetricsManager) DetectionMatched(sig strategy.Signature) {
	mm.detectionsTotal.WithLabelValues(sig.Name, string(sig.Adaptation)).Inc()
}

// ProxyReported counts an outcome fed back to the proxy pool.
func (mm *MetricsManager) ProxyReported(success bool) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	mm.proxyReports.WithLabelValues(outcome).Inc()
}

// UpdateProxyStats mirrors pool health into gauges.
func (mm *MetricsManager) UpdateProxyStats(available, blacklisted int) {
	mm.proxiesAvailable.Set(float64(available))
	mm.proxiesBlacklisted.Set(float64(blacklisted))
}

// TaskStarted increments the active gauge.
func (mm *MetricsManager) TaskStarted() {
	mm.tasksActive.Inc()
}

// TaskFinished records a terminal status and the task's total duration.
func (mm *MetricsManager) TaskFinished(status string, duration time.Duration) {
	mm.tasksTotal.WithLabelValues(status).Inc()
	mm.taskDuration.Observe(duration.Seconds())
	mm.tasksActive.Dec()
}

// SetIdentitiesInUse mirrors the identity pool lease count.
func (mm *MetricsManager) SetIdentitiesInUse(n int) {
	mm.identitiesInUse.Set(float64(n))
}

// ObserveRateLimitWait records a limiter wait. Its signature matches
// ratelimit.WithWaitObserver.
func (mm *MetricsManager) ObserveRateLimitWait(d time.Duration) {
	mm.rateLimitWaits.Observe(d.Seconds())
}

// MetricsHandler returns an HTTP handler serving this manager's registry.
func (mm *MetricsManager) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{Registry: mm.registry})
}

var _ orchestrator.Observer = (*MetricsManager)(nil)
