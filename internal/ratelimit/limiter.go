// internal/ratelimit/limiter.go

// Package ratelimit gates extraction attempts with a per-identity limit
// that adapts to detections, time of day, host load and recent success.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/valpere/MediaHarvester/internal/utils"
)

// Default configuration constants
const (
	DefaultBaseRate         = 30.0 // attempts per minute per identity
	DefaultMaxMultiplier    = 3.0
	DefaultSlowDownFactor   = 0.5
	DefaultCooldownPenalty  = 0.1
	DefaultPeakStartHour    = 17
	DefaultPeakEndHour      = 23
	DefaultPeakFactor       = 0.8
	DefaultOffPeakFactor    = 1.2
	DefaultLoadLowWatermark = 60.0
	DefaultMinLoadFactor    = 0.5
	DefaultLoadSampleTTL    = 15 * time.Second
	DefaultSuccessWindow    = 10 * time.Minute
	DefaultMinSamples       = 5
	DefaultIdleTTL          = 30 * time.Minute
	DefaultJanitorInterval  = time.Minute
	minRate                 = 1.0
)

// Config tunes the adaptive limiter. Rates are attempts per minute.
type Config struct {
	BaseRate         float64       `yaml:"base_rate" json:"base_rate"`
	MaxMultiplier    float64       `yaml:"max_multiplier" json:"max_multiplier"`
	SlowDownFactor   float64       `yaml:"slow_down_factor" json:"slow_down_factor"`
	CooldownPenalty  float64       `yaml:"cooldown_penalty" json:"cooldown_penalty"`
	PeakStartHour    int           `yaml:"peak_start_hour" json:"peak_start_hour"`
	PeakEndHour      int           `yaml:"peak_end_hour" json:"peak_end_hour"`
	PeakFactor       float64       `yaml:"peak_factor" json:"peak_factor"`
	OffPeakFactor    float64       `yaml:"off_peak_factor" json:"off_peak_factor"`
	LoadLowWatermark float64       `yaml:"load_low_watermark" json:"load_low_watermark"`
	MinLoadFactor    float64       `yaml:"min_load_factor" json:"min_load_factor"`
	LoadSampleTTL    time.Duration `yaml:"load_sample_ttl" json:"load_sample_ttl"`
	SuccessWindow    time.Duration `yaml:"success_window" json:"success_window"`
	MinSamples       int           `yaml:"min_samples" json:"min_samples"`
	IdleTTL          time.Duration `yaml:"idle_ttl" json:"idle_ttl"`
	JanitorInterval  time.Duration `yaml:"janitor_interval" json:"janitor_interval"`
	DisableLoad      bool          `yaml:"disable_load" json:"disable_load"`
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.BaseRate == 0 {
		c.BaseRate = DefaultBaseRate
	}
	if c.MaxMultiplier == 0 {
		c.MaxMultiplier = DefaultMaxMultiplier
	}
	if c.SlowDownFactor == 0 {
		c.SlowDownFactor = DefaultSlowDownFactor
	}
	if c.CooldownPenalty == 0 {
		c.CooldownPenalty = DefaultCooldownPenalty
	}
	if c.PeakStartHour == 0 && c.PeakEndHour == 0 {
		c.PeakStartHour, c.PeakEndHour = DefaultPeakStartHour, DefaultPeakEndHour
	}
	if c.PeakFactor == 0 {
		c.PeakFactor = DefaultPeakFactor
	}
	if c.OffPeakFactor == 0 {
		c.OffPeakFactor = DefaultOffPeakFactor
	}
	if c.LoadLowWatermark == 0 {
		c.LoadLowWatermark = DefaultLoadLowWatermark
	}
	if c.MinLoadFactor == 0 {
		c.MinLoadFactor = DefaultMinLoadFactor
	}
	if c.LoadSampleTTL == 0 {
		c.LoadSampleTTL = DefaultLoadSampleTTL
	}
	if c.SuccessWindow == 0 {
		c.SuccessWindow = DefaultSuccessWindow
	}
	if c.MinSamples == 0 {
		c.MinSamples = DefaultMinSamples
	}
	if c.IdleTTL == 0 {
		c.IdleTTL = DefaultIdleTTL
	}
	if c.JanitorInterval == 0 {
		c.JanitorInterval = DefaultJanitorInterval
	}
}

// Validate checks ranges.
func (c Config) Validate() error {
	if c.BaseRate < minRate {
		return fmt.Errorf("base_rate must be at least %v per minute", minRate)
	}
	if c.MaxMultiplier < 1 {
		return fmt.Errorf("max_multiplier must be >= 1")
	}
	for name, v := range map[string]float64{
		"slow_down_factor": c.SlowDownFactor,
		"cooldown_penalty": c.CooldownPenalty,
		"min_load_factor":  c.MinLoadFactor,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s must be in (0,1]", name)
		}
	}
	if c.PeakStartHour < 0 || c.PeakStartHour > 23 || c.PeakEndHour < 0 || c.PeakEndHour > 23 {
		return fmt.Errorf("peak hours must be in [0,23]")
	}
	if c.PeakFactor <= 0 || c.OffPeakFactor <= 0 {
		return fmt.Errorf("time of day factors must be positive")
	}
	if c.LoadLowWatermark < 0 || c.LoadLowWatermark > 100 {
		return fmt.Errorf("load_low_watermark must be in [0,100]")
	}
	return nil
}

// Factors is the breakdown behind one limit computation.
type Factors struct {
	Behavior    float64 `json:"behavior"`
	TimeOfDay   float64 `json:"time_of_day"`
	Load        float64 `json:"load"`
	SuccessRate float64 `json:"success_rate"`
	Blocked     bool    `json:"blocked"`
	Limit       float64 `json:"limit"`
}

type keyState struct {
	limiter  *utils.RateLimiter
	window   successWindow
	lastSeen time.Time
}

// AdaptiveLimiter hands out attempt slots per identity. Adaptations are
// recorded in its cooldown table.
type AdaptiveLimiter struct {
	config    Config
	clock     utils.Clock
	cooldowns *CooldownTable
	load      *cachedLoad
	log       utils.Logger
	onWait    func(time.Duration)

	mu   sync.Mutex
	keys map[string]*keyState

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	lifeMu   sync.Mutex
}

// Option customizes an AdaptiveLimiter.
type Option func(*AdaptiveLimiter)

// WithClock overrides the time source.
func WithClock(c utils.Clock) Option {
	return func(l *AdaptiveLimiter) { l.clock = c }
}

// WithLoadSampler overrides the host load sampler. nil disables the
// load factor.
func WithLoadSampler(s LoadSampler) Option {
	return func(l *AdaptiveLimiter) { l.load.sampler = s }
}

// WithWaitObserver is called with every non-zero wait.
func WithWaitObserver(fn func(time.Duration)) Option {
	return func(l *AdaptiveLimiter) { l.onWait = fn }
}

// NewAdaptiveLimiter creates a limiter. The system load sampler is used
// unless disabled in config or replaced by an option.
func NewAdaptiveLimiter(config Config, opts ...Option) (*AdaptiveLimiter, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, utils.WrapError(err, utils.ErrCodeInvalidConfig, "invalid rate limit configuration")
	}
	log := utils.NewComponentLogger("rate-limiter")
	l := &AdaptiveLimiter{
		config: config,
		clock:  utils.SystemClock{},
		log:    log,
		keys:   make(map[string]*keyState),
		load:   &cachedLoad{ttl: config.LoadSampleTTL, log: log},
	}
	if !config.DisableLoad {
		l.load.sampler = SystemLoadSampler{}
	}
	for _, opt := range opts {
		opt(l)
	}
	l.load.clock = l.clock
	l.cooldowns = NewCooldownTable(l.clock)
	return l, nil
}

// Cooldowns exposes the adaptation table.
func (l *AdaptiveLimiter) Cooldowns() *CooldownTable {
	return l.cooldowns
}

func (l *AdaptiveLimiter) state(identityID string) *keyState {
	l.mu.Lock()
	defer l.mu.Unlock()
	ks, ok := l.keys[identityID]
	if !ok {
		ks = &keyState{
			limiter: utils.NewRateLimiter(l.config.BaseRate / 60),
			window:  successWindow{window: l.config.SuccessWindow},
		}
		l.keys[identityID] = ks
	}
	ks.lastSeen = l.clock.Now()
	return ks
}

// Factors computes the limit for an identity on a proxy (empty for
// direct).
func (l *AdaptiveLimiter) Factors(ctx context.Context, identityID, proxyID string) Factors {
	now := l.clock.Now()
	f := Factors{Behavior: 1, Load: 1}

	if _, ok := l.cooldowns.Active(KindSlowDown, IdentityKey(identityID)); ok {
		f.Behavior = l.config.SlowDownFactor
	}
	f.TimeOfDay = timeOfDayFactor(now.Hour(), l.config.PeakStartHour, l.config.PeakEndHour,
		l.config.PeakFactor, l.config.OffPeakFactor)
	if l.load.sampler != nil {
		f.Load = loadFactor(l.load.get(ctx), l.config.LoadLowWatermark, l.config.MinLoadFactor)
	}

	ks := l.state(identityID)
	l.mu.Lock()
	f.SuccessRate = ks.window.factor(now, l.config.MinSamples)
	l.mu.Unlock()

	base := l.config.BaseRate
	limit := base * f.Behavior * f.TimeOfDay * f.Load * f.SuccessRate
	limit = math.Max(minRate, math.Min(base*l.config.MaxMultiplier, limit))
	if _, ok := l.cooldowns.Active(KindBlock, PairKey(identityID, proxyID)); ok {
		f.Blocked = true
		limit *= l.config.CooldownPenalty
	}
	f.Limit = limit
	return f
}

// Limit returns the effective attempts per minute.
func (l *AdaptiveLimiter) Limit(ctx context.Context, identityID, proxyID string) float64 {
	return l.Factors(ctx, identityID, proxyID).Limit
}

// Wait blocks until the identity may start another attempt.
func (l *AdaptiveLimiter) Wait(ctx context.Context, identityID, proxyID string) error {
	limit := l.Limit(ctx, identityID, proxyID)
	ks := l.state(identityID)
	if perSecond := rate.Limit(limit / 60); ks.limiter.Limit() != perSecond {
		ks.limiter.SetLimit(perSecond)
	}

	start := time.Now()
	if err := ks.limiter.Wait(ctx); err != nil {
		return err
	}
	if waited := time.Since(start); waited > time.Millisecond && l.onWait != nil {
		l.onWait(waited)
	}
	return nil
}

// Record folds an attempt outcome into the identity's success rate.
func (l *AdaptiveLimiter) Record(identityID string, success bool) {
	ks := l.state(identityID)
	now := l.clock.Now()
	l.mu.Lock()
	ks.window.add(now, success)
	l.mu.Unlock()
}

// SlowDown applies the slow-down factor to an identity for d.
func (l *AdaptiveLimiter) SlowDown(identityID string, d time.Duration, reason string) {
	l.cooldowns.Add(KindSlowDown, IdentityKey(identityID), d, reason)
	l.log.WithFields(map[string]interface{}{
		"identity": identityID,
		"duration": d.String(),
		"reason":   reason,
	}).Info("identity rate reduced")
}

// Block blocks an (identity, proxy) pair for d.
func (l *AdaptiveLimiter) Block(identityID, proxyID string, d time.Duration, reason string) {
	l.cooldowns.Add(KindBlock, PairKey(identityID, proxyID), d, reason)
}

// Blocked reports whether the pair is blocked.
func (l *AdaptiveLimiter) Blocked(identityID, proxyID string) bool {
	_, ok := l.cooldowns.Active(KindBlock, PairKey(identityID, proxyID))
	return ok
}

// Purge drops expired cooldowns and identities idle longer than IdleTTL.
func (l *AdaptiveLimiter) Purge() int {
	removed := l.cooldowns.Purge()
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, ks := range l.keys {
		if now.Sub(ks.lastSeen) > l.config.IdleTTL {
			delete(l.keys, id)
			removed++
		}
	}
	return removed
}

// Start runs the janitor. It is a no-op if already running.
func (l *AdaptiveLimiter) Start() {
	l.lifeMu.Lock()
	defer l.lifeMu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.stopChan = make(chan struct{})
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ticker := time.NewTicker(l.config.JanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := l.Purge(); n > 0 {
					l.log.Debugf("purged %d rate limit entries", n)
				}
			case <-l.stopChan:
				return
			}
		}
	}()
}

// Stop halts the janitor and waits for it to exit.
func (l *AdaptiveLimiter) Stop() {
	l.lifeMu.Lock()
	if !l.running {
		l.lifeMu.Unlock()
		return
	}
	l.running = false
	close(l.stopChan)
	l.lifeMu.Unlock()
	l.wg.Wait()
}
