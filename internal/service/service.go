// internal/service/service.go

// Package service wires the pools, limiter, orchestrator, registry and
// broadcaster into the task API used by the HTTP server and the CLI.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/valpere/MediaHarvester/internal/broadcast"
	"github.com/valpere/MediaHarvester/internal/config"
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

// Progress bands of the task pipeline. Orchestrator progress is mapped
// into [ProgressDownloading, ProgressExtracted].
const (
	ProgressDownloading = 5
	ProgressExtracted   = 60
	ProgressProcessing  = 70
	ProgressUploading   = 85

	statsInterval = 15 * time.Second
)

// Uploader hands an extraction result to object storage and returns
// where it landed.
type Uploader interface {
	Upload(ctx context.Context, taskID string, result *strategy.Result) (string, error)
}

// NopUploader keeps results in the task snapshot only.
type NopUploader struct{}

// Upload implements Uploader.
func (NopUploader) Upload(context.Context, string, *strategy.Result) (string, error) {
	return "", nil
}

// Service is the task facade.
type Service struct {
	config  *config.Config
	version string
	log     utils.Logger
	clock   utils.Clock

	store       store.Store
	proxies     *proxy.Pool
	identities  *identity.Pool
	limiter     *ratelimit.AdaptiveLimiter
	orch        *orchestrator.Orchestrator
	registry    *task.Registry
	broadcaster *broadcast.Broadcaster
	hub         *broadcast.Hub
	metrics     *monitoring.MetricsManager
	health      *monitoring.HealthManager
	uploader    Uploader
	sem         *semaphore.Weighted

	mu      sync.Mutex
	cancels map[string]*handle

	baseCtx   context.Context
	cancelAll context.CancelFunc
	wg        sync.WaitGroup
	stopStats chan struct{}
	statsDone chan struct{}
	watcher   *config.ConfigWatcher

	lifeMu  sync.Mutex
	started bool
	stopped bool
}

type options struct {
	store       store.Store
	executor    strategy.Executor
	uploader    Uploader
	prober      proxy.Prober
	clock       utils.Clock
	registry    *prometheus.Registry
	loadSampler ratelimit.LoadSampler
	noLoad      bool
	orchOpts    []orchestrator.Option
	configPath  string
	version     string
}

// Option customizes a Service.
type Option func(*options)

// WithStore uses s instead of opening the configured backend.
func WithStore(s store.Store) Option {
	return func(o *options) { o.store = s }
}

// WithExecutor replaces the executor router.
func WithExecutor(e strategy.Executor) Option {
	return func(o *options) { o.executor = e }
}

// WithUploader sets the object storage collaborator.
func WithUploader(u Uploader) Option {
	return func(o *options) { o.uploader = u }
}

// WithProber overrides the proxy health prober.
func WithProber(p proxy.Prober) Option {
	return func(o *options) { o.prober = p }
}

// WithClock overrides the time source for pools, limiter and registry.
func WithClock(c utils.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithMetricsRegistry registers collectors on reg.
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(o *options) { o.registry = reg }
}

// WithLoadSampler overrides the host load sampler. Nil disables the load
// factor.
func WithLoadSampler(s ratelimit.LoadSampler) Option {
	return func(o *options) { o.loadSampler, o.noLoad = s, s == nil }
}

// WithOrchestratorOptions passes extra options to the orchestrator.
func WithOrchestratorOptions(opts ...orchestrator.Option) Option {
	return func(o *options) { o.orchOpts = append(o.orchOpts, opts...) }
}

// WithConfigWatch reloads proxy endpoints from path when it changes.
func WithConfigWatch(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// New builds every component from cfg. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	o := options{clock: utils.SystemClock{}, uploader: NopUploader{}}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{
		config:    cfg,
		version:   o.version,
		log:       utils.NewComponentLogger("service"),
		clock:     o.clock,
		uploader:  o.uploader,
		sem:       semaphore.NewWeighted(int64(cfg.Tasks.MaxConcurrent)),
		cancels:   make(map[string]*handle),
		stopStats: make(chan struct{}),
		statsDone: make(chan struct{}),
	}
	s.baseCtx, s.cancelAll = context.WithCancel(context.Background())

	var err error
	s.store = o.store
	if s.store == nil {
		if s.store, err = store.Open(ctx, cfg.Store); err != nil {
			return nil, err
		}
	}

	s.metrics = monitoring.NewMetricsManager(cfg.Metrics, o.registry)

	poolOpts := []proxy.PoolOption{proxy.WithClock(o.clock)}
	if o.prober != nil {
		poolOpts = append(poolOpts, proxy.WithProber(o.prober))
	}
	if s.proxies, err = proxy.NewPool(cfg.Proxy, poolOpts...); err != nil {
		return nil, err
	}
	if n, err := s.proxies.LoadState(ctx, s.store); err != nil {
		s.log.Warnf("could not restore proxy pool state: %v", err)
	} else if n > 0 {
		s.log.WithField("endpoints", n).Info("restored proxy pool state")
	}

	if s.identities, err = identity.NewPool(cfg.Identity, o.clock); err != nil {
		return nil, err
	}

	limiterOpts := []ratelimit.Option{
		ratelimit.WithClock(o.clock),
		ratelimit.WithWaitObserver(s.metrics.ObserveRateLimitWait),
	}
	if o.loadSampler != nil || o.noLoad {
		limiterOpts = append(limiterOpts, ratelimit.WithLoadSampler(o.loadSampler))
	}
	if s.limiter, err = ratelimit.NewAdaptiveLimiter(cfg.RateLimit, limiterOpts...); err != nil {
		return nil, err
	}

	exec := o.executor
	if exec == nil {
		if exec, err = buildRouter(cfg); err != nil {
			return nil, err
		}
	}
	catalog, err := buildCatalog(cfg, exec, s.log)
	if err != nil {
		return nil, err
	}
	signatures, err := strategy.NewSignatureCatalog(cfg.Signatures)
	if err != nil {
		return nil, err
	}

	orchOpts := append([]orchestrator.Option{
		orchestrator.WithProxies(&reportingPool{Pool: s.proxies, metrics: s.metrics}),
		orchestrator.WithLimiter(s.limiter),
		orchestrator.WithObserver(s.metrics),
		orchestrator.WithClock(o.clock),
	}, o.orchOpts...)
	if s.orch, err = orchestrator.New(cfg.Orchestrator, catalog, signatures, exec, s.identities, orchOpts...); err != nil {
		return nil, err
	}

	s.hub = broadcast.NewHub()
	s.broadcaster = broadcast.New(cfg.Broadcast, broadcast.WithClock(o.clock), broadcast.WithChannels(s.hub))
	s.registry = task.NewRegistry(cfg.Tasks.Registry, s.store, task.WithClock(o.clock), task.WithPublisher(s.broadcaster))

	s.health = monitoring.NewHealthManager(cfg.Health, o.version)
	s.health.RegisterCheck(monitoring.PingHealthCheck("store", true, s.pingStore))
	s.health.RegisterCheck(monitoring.ProxyPoolHealthCheck(config.DefaultMinProxyHealthy, func() (int, int) {
		st := s.proxies.Stats()
		return st.Available, st.Total
	}))
	s.health.RegisterCheck(monitoring.MemoryHealthCheck(config.DefaultHealthMaxMemory))

	if o.configPath != "" {
		if s.watcher, err = config.NewConfigWatcher(o.configPath); err != nil {
			s.log.Warnf("config watch disabled: %v", err)
		} else {
			s.watcher.OnChange(s.reloadProxies)
		}
	}

	return s, nil
}

// buildRouter registers the innertube executor and, when enabled, the
// browser executor.
func buildRouter(cfg *config.Config) (*executor.Router, error) {
	tlsConfig, err := proxy.BuildTLSConfig(cfg.Proxy.TLS)
	if err != nil {
		return nil, utils.WrapError(err, utils.ErrCodeInvalidConfig, "invalid proxy TLS configuration")
	}
	router := executor.NewRouter()
	yt := executor.NewYouTubeExecutor(cfg.Executor.YouTube, tlsConfig)
	router.Register(yt, yt.Methods()...)
	if cfg.Executor.Browser.Enabled {
		br := executor.NewBrowserExecutor(cfg.Executor.Browser)
		router.Register(br, br.Methods()...)
	}
	return router, nil
}

// methodSupporter is implemented by executors that know which methods
// they serve.
type methodSupporter interface {
	Supports(m strategy.Method) bool
}

// buildCatalog drops strategies whose method has no executor when the
// strategy list came from defaults, and rejects them when configured
// explicitly.
func buildCatalog(cfg *config.Config, exec strategy.Executor, log utils.Logger) (*strategy.Catalog, error) {
	sup, ok := exec.(methodSupporter)
	if !ok {
		return strategy.NewCatalog(cfg.Strategies)
	}
	if len(cfg.Strategies) > 0 {
		catalog, err := strategy.NewCatalog(cfg.Strategies)
		if err != nil {
			return nil, err
		}
		return catalog, catalog.RequireMethods(sup.Supports)
	}

	var kept []strategy.Strategy
	for _, st := range strategy.DefaultStrategies() {
		if !sup.Supports(st.Method) {
			log.WithFields(map[string]interface{}{"strategy": st.Name, "method": st.Method}).
				Info("skipping default strategy without an executor")
			continue
		}
		kept = append(kept, st)
	}
	if len(kept) == 0 {
		return nil, utils.NewError(utils.ErrCodeInvalidConfig, "no strategy has a registered executor").Build()
	}
	return strategy.NewCatalog(kept)
}

func (s *Service) pingStore(ctx context.Context) error {
	_, err := s.store.Get(ctx, "health:ping")
	if err == nil || errors.Is(err, utils.ErrNotFound) {
		return nil
	}
	return err
}

func (s *Service) reloadProxies(c *config.Config) {
	added := s.proxies.Merge(c.Proxy.Endpoints)
	s.log.WithField("added", added).Info("merged proxy endpoints from reloaded config")
}

// Start launches background workers. It is a no-op when already started.
func (s *Service) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.started {
		return nil
	}
	if s.stopped {
		return fmt.Errorf("service already stopped")
	}
	s.started = true

	s.registry.Start()
	s.limiter.Start()
	if len(s.config.Proxy.Sources) > 0 {
		if _, err := s.proxies.Refresh(ctx); err != nil {
			s.log.Warnf("initial proxy refresh incomplete: %v", err)
		}
	}
	// The worker runs even for an empty pool; endpoints merged from a
	// reloaded config still need reinstating after a blacklist.
	if err := s.proxies.Start(); err != nil {
		return err
	}
	s.health.Start(s.baseCtx)
	go s.statsLoop()

	s.log.WithFields(map[string]interface{}{
		"max_concurrent": s.config.Tasks.MaxConcurrent,
		"proxies":        s.proxies.Len(),
	}).Info("service started")
	return nil
}

// Stop cancels running tasks, waits for them until ctx expires, then
// stops workers and persists pool state.
func (s *Service) Stop(ctx context.Context) error {
	s.lifeMu.Lock()
	if s.stopped {
		s.lifeMu.Unlock()
		return nil
	}
	s.stopped = true
	started := s.started
	s.lifeMu.Unlock()

	s.mu.Lock()
	for _, h := range s.cancels {
		h.stop()
	}
	s.mu.Unlock()
	s.cancelAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("tasks still running at shutdown: %w", ctx.Err())
	}

	if started {
		close(s.stopStats)
		<-s.statsDone
		s.health.Stop()
	}
	if s.watcher != nil {
		s.watcher.Close()
	}
	_ = s.proxies.Stop()
	if err := s.proxies.SaveState(ctx, s.store); err != nil {
		s.log.Warnf("could not persist proxy pool state: %v", err)
	}
	s.limiter.Stop()
	s.registry.Stop()
	s.broadcaster.Close()

	if err := s.store.Close(); err != nil && waitErr == nil {
		waitErr = err
	}
	s.log.Info("service stopped")
	return waitErr
}

func (s *Service) statsLoop() {
	defer close(s.statsDone)
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()
	s.updateGauges()
	for {
		select {
		case <-ticker.C:
			s.updateGauges()
		case <-s.stopStats:
			return
		}
	}
}

func (s *Service) updateGauges() {
	ps := s.proxies.Stats()
	s.metrics.UpdateProxyStats(ps.Available, ps.Blacklisted)
	s.metrics.SetIdentitiesInUse(s.identities.Stats().InUse)
}

// Metrics returns the metrics manager.
func (s *Service) Metrics() *monitoring.MetricsManager { return s.metrics }

// Health returns the health manager.
func (s *Service) Health() *monitoring.HealthManager { return s.health }

// Hub returns the websocket hub that receives every task snapshot.
func (s *Service) Hub() *broadcast.Hub { return s.hub }

// Proxies returns every pooled endpoint.
func (s *Service) Proxies() []proxy.Endpoint { return s.proxies.List() }

// ProxyStats returns pool health counts.
func (s *Service) ProxyStats() proxy.Stats { return s.proxies.Stats() }

// ProxyScore returns the selection score of ep.
func (s *Service) ProxyScore(ep proxy.Endpoint) float64 { return s.proxies.Score(ep) }

// CheckProxies probes every endpoint once and folds the results in.
func (s *Service) CheckProxies(ctx context.Context) []proxy.ProbeResult {
	return s.proxies.CheckAll(ctx)
}

// reportingPool counts proxy outcome reports.
type reportingPool struct {
	*proxy.Pool
	metrics *monitoring.MetricsManager
}

func (p *reportingPool) ReportOutcome(id string, success bool, latency time.Duration) bool {
	ok := p.Pool.ReportOutcome(id, success, latency)
	if ok {
		p.metrics.ProxyReported(success)
	}
	return ok
}
