// internal/proxy/pool.go
package proxy

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/valpere/MediaHarvester/internal/utils"
)

var poolLogger = utils.NewComponentLogger("proxy-pool")

type entry struct {
	mu sync.Mutex
	ep Endpoint
}

// Pool scores proxies, hands out the best eligible one and quarantines
// endpoints that keep failing. Mutations are serialized per endpoint.
type Pool struct {
	config  Config
	clock   utils.Clock
	prober  Prober
	sources []Source
	log     utils.Logger

	mu      sync.RWMutex
	entries map[string]*entry

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  bool
	lifeMu   sync.Mutex
}

// PoolOption customizes a Pool.
type PoolOption func(*Pool)

// WithClock overrides the time source.
func WithClock(c utils.Clock) PoolOption {
	return func(p *Pool) { p.clock = c }
}

// WithProber overrides the health prober.
func WithProber(pr Prober) PoolOption {
	return func(p *Pool) { p.prober = pr }
}

// WithSources adds endpoint sources used by Refresh.
func WithSources(srcs ...Source) PoolOption {
	return func(p *Pool) { p.sources = append(p.sources, srcs...) }
}

// NewPool creates a pool seeded with the configured endpoints.
func NewPool(config Config, opts ...PoolOption) (*Pool, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, utils.WrapError(err, utils.ErrCodeInvalidConfig, "invalid proxy configuration")
	}

	p := &Pool{
		config:  config,
		clock:   utils.SystemClock{},
		entries: make(map[string]*entry),
		log:     poolLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.prober == nil {
		prober, err := NewDefaultProber(config.HealthCheckURL, config.HealthCheckTimeout, config.TLS)
		if err != nil {
			return nil, err
		}
		p.prober = prober
	}
	for _, src := range config.Sources {
		p.sources = append(p.sources, NewHTMLTableSource(src, nil))
	}

	p.Merge(config.Endpoints)
	return p, nil
}

// Config returns the effective configuration.
func (p *Pool) Config() Config {
	return p.config
}

// Merge adds endpoints that are not yet pooled. Existing entries keep
// their scores. It returns the number of endpoints added.
func (p *Pool) Merge(endpoints []EndpointConfig) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	added := 0
	for _, ec := range endpoints {
		if err := ec.Validate(); err != nil {
			p.log.WithField("host", ec.Host).Warnf("skipping invalid proxy endpoint: %v", err)
			continue
		}
		id := EndpointID(ec.Host, ec.Port)
		if _, ok := p.entries[id]; ok {
			continue
		}
		protocol, _ := ParseProxyType(ec.Protocol)
		p.entries[id] = &entry{ep: Endpoint{
			ID:               id,
			Host:             ec.Host,
			Port:             ec.Port,
			Protocol:         protocol,
			Country:          ec.Country,
			Username:         ec.Username,
			Password:         ec.Password,
			SpeedScore:       clampScore(p.config.InitialSpeed),
			ReliabilityScore: clampScore(p.config.InitialReliability),
		}}
		added++
	}
	return added
}

// Remove drops an endpoint from the pool.
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[id]; !ok {
		return false
	}
	delete(p.entries, id)
	return true
}

// Refresh pulls endpoints from every source and merges them.
func (p *Pool) Refresh(ctx context.Context) (int, error) {
	added := 0
	var lastErr error
	for _, src := range p.sources {
		eps, err := src.Fetch(ctx)
		if err != nil {
			p.log.WithField("source", src.Name()).Warnf("proxy source failed: %v", err)
			lastErr = err
			continue
		}
		n := p.Merge(eps)
		p.log.WithFields(map[string]interface{}{"source": src.Name(), "fetched": len(eps), "added": n}).Info("proxy source merged")
		added += n
	}
	return added, lastErr
}

// Score is speed*w1 + reliability*w2 - failCount*penalty.
func (p *Pool) Score(ep Endpoint) float64 {
	return ep.SpeedScore*p.config.SpeedWeight +
		ep.ReliabilityScore*p.config.ReliabilityWeight -
		float64(ep.FailCount)*p.config.FailPenalty
}

// Get returns a copy of the endpoint with the given id.
func (p *Pool) Get(id string) (Endpoint, bool) {
	p.mu.RLock()
	e, ok := p.entries[id]
	p.mu.RUnlock()
	if !ok {
		return Endpoint{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ep, true
}

// List returns copies of every endpoint ordered by id.
func (p *Pool) List() []Endpoint {
	p.mu.RLock()
	out := make([]Endpoint, 0, len(p.entries))
	for _, e := range p.entries {
		e.mu.Lock()
		out = append(out, e.ep)
		e.mu.Unlock()
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of pooled endpoints.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}

func (p *Pool) eligible(ep Endpoint, c Criteria, now time.Time) bool {
	if ep.Blacklisted || now.Before(ep.CooldownUntil) {
		return false
	}
	if c.Exclude[ep.ID] {
		return false
	}
	if c.MaxLatency > 0 && ep.LastLatency > c.MaxLatency {
		return false
	}
	if c.ExcludeRecentlyUsedWithin > 0 && !ep.LastUsedAt.IsZero() && now.Sub(ep.LastUsedAt) < c.ExcludeRecentlyUsedWithin {
		return false
	}
	return true
}

// Select returns the highest scoring eligible endpoint and marks it used.
// If no eligible endpoint matches the country, the country filter is
// dropped. Ties break on id so the choice is deterministic.
func (p *Pool) Select(c Criteria) (Endpoint, bool) {
	now := p.clock.Now()

	p.mu.RLock()
	defer p.mu.RUnlock()

	var (
		best, bestInCountry         *entry
		bestScore, bestCountryScore float64
	)
	for _, e := range p.entries {
		e.mu.Lock()
		ep := e.ep
		e.mu.Unlock()

		if !p.eligible(ep, c, now) {
			continue
		}
		score := p.Score(ep)
		if best == nil || better(score, ep.ID, bestScore, best.ep.ID) {
			best, bestScore = e, score
		}
		if c.Country != "" && strings.EqualFold(ep.Country, c.Country) {
			if bestInCountry == nil || better(score, ep.ID, bestCountryScore, bestInCountry.ep.ID) {
				bestInCountry, bestCountryScore = e, score
			}
		}
	}

	chosen := best
	if bestInCountry != nil {
		chosen = bestInCountry
	}
	if chosen == nil {
		return Endpoint{}, false
	}

	chosen.mu.Lock()
	chosen.ep.LastUsedAt = now
	ep := chosen.ep
	chosen.mu.Unlock()
	return ep, true
}

func better(score float64, id string, bestScore float64, bestID string) bool {
	if score != bestScore {
		return score > bestScore
	}
	return id < bestID
}

// ReportOutcome folds an attempt result into the endpoint's scores.
// Unknown ids are ignored and reported as false.
func (p *Pool) ReportOutcome(id string, success bool, latency time.Duration) bool {
	p.mu.RLock()
	e, ok := p.entries[id]
	p.mu.RUnlock()
	if !ok {
		return false
	}

	now := p.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	if success {
		wasBlacklisted := e.ep.Blacklisted
		e.ep.ReliabilityScore = clampScore(e.ep.ReliabilityScore + p.config.ReliabilityGain)
		if latency > 0 {
			e.ep.SpeedScore = p.speedFromLatency(latency)
			e.ep.LastLatency = latency
		}
		e.ep.FailCount = 0
		e.ep.Blacklisted = false
		e.ep.CooldownUntil = time.Time{}
		if wasBlacklisted {
			p.log.WithField("proxy", e.ep.ID).Info("proxy reinstated after successful attempt")
		}
		return true
	}

	e.ep.ReliabilityScore = clampScore(e.ep.ReliabilityScore - p.config.ReliabilityLoss)
	e.ep.FailCount++
	if e.ep.FailCount >= p.config.FailureThreshold {
		cooldown := p.Backoff(e.ep.FailCount)
		e.ep.CooldownUntil = now.Add(cooldown)
		if !e.ep.Blacklisted {
			p.log.WithFields(map[string]interface{}{
				"proxy":      e.ep.ID,
				"fail_count": e.ep.FailCount,
				"cooldown":   cooldown.String(),
			}).Warn("proxy blacklisted")
		}
		e.ep.Blacklisted = true
	}
	return true
}

// Backoff returns the quarantine length for failCount consecutive
// failures: base doubled per failure past the threshold, capped at max.
func (p *Pool) Backoff(failCount int) time.Duration {
	exp := failCount - p.config.FailureThreshold
	if exp < 0 {
		exp = 0
	}
	if exp > 30 {
		return p.config.MaxCooldown
	}
	d := time.Duration(float64(p.config.BaseCooldown) * math.Pow(2, float64(exp)))
	if d > p.config.MaxCooldown || d <= 0 {
		return p.config.MaxCooldown
	}
	return d
}

// speedFromLatency maps latency linearly onto [0,100] between the fast
// and slow bounds.
func (p *Pool) speedFromLatency(latency time.Duration) float64 {
	fast, slow := p.config.FastLatency, p.config.SlowLatency
	switch {
	case latency <= fast:
		return maxScore
	case latency >= slow:
		return minScore
	}
	return clampScore(maxScore * float64(slow-latency) / float64(slow-fast))
}

func clampScore(v float64) float64 {
	return math.Max(minScore, math.Min(maxScore, v))
}

// Stats returns counts by health state.
func (p *Pool) Stats() Stats {
	now := p.clock.Now()
	var s Stats
	for _, ep := range p.List() {
		s.Total++
		switch {
		case ep.Blacklisted:
			s.Blacklisted++
		case now.Before(ep.CooldownUntil):
			s.CoolingDown++
		default:
			s.Available++
		}
	}
	return s
}
