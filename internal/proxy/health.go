// internal/proxy/health.go
package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultProber checks HTTP proxies with a GET through the proxy and
// SOCKS5 proxies by dialing the probe host through the tunnel.
type DefaultProber struct {
	probeURL  *url.URL
	timeout   time.Duration
	tlsConfig *tls.Config
}

// NewDefaultProber creates a prober targeting probeURL.
func NewDefaultProber(probeURL string, timeout time.Duration, tlsCfg *TLSConfig) (*DefaultProber, error) {
	if probeURL == "" {
		probeURL = DefaultHealthCheckURL
	}
	u, err := url.Parse(probeURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid health check URL %q", probeURL)
	}
	tlsConfig, err := BuildTLSConfig(tlsCfg)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = DefaultHealthCheckTimeout
	}
	return &DefaultProber{probeURL: u, timeout: timeout, tlsConfig: tlsConfig}, nil
}

// Probe returns the round-trip latency or the failure.
func (hc *DefaultProber) Probe(ctx context.Context, ep Endpoint) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, hc.timeout)
	defer cancel()

	if ep.Protocol == ProxyTypeSOCKS5 {
		return hc.probeSOCKS5(ctx, ep)
	}
	return hc.probeHTTP(ctx, ep)
}

func (hc *DefaultProber) probeHTTP(ctx context.Context, ep Endpoint) (time.Duration, error) {
	transport, err := NewTransport(ep, hc.tlsConfig, hc.timeout)
	if err != nil {
		return 0, err
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport, Timeout: hc.timeout}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.probeURL.String(), nil)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("proxy health check failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	latency := time.Since(start)

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return latency, fmt.Errorf("proxy health check returned status %d", resp.StatusCode)
	}
	return latency, nil
}

func (hc *DefaultProber) probeSOCKS5(ctx context.Context, ep Endpoint) (time.Duration, error) {
	dialer, err := SOCKS5Dialer(ep, nil)
	if err != nil {
		return 0, err
	}
	target := hc.probeURL.Host
	if hc.probeURL.Port() == "" {
		if hc.probeURL.Scheme == "http" {
			target += ":80"
		} else {
			target += ":443"
		}
	}

	start := time.Now()
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return 0, fmt.Errorf("socks5 health check failed: %w", err)
	}
	conn.Close()
	return time.Since(start), nil
}

// Start launches the health worker. It is a no-op when already running.
func (p *Pool) Start() error {
	p.lifeMu.Lock()
	defer p.lifeMu.Unlock()
	if p.running {
		return nil
	}
	p.stopChan = make(chan struct{})
	p.running = true

	p.wg.Add(1)
	go p.healthCheckLoop(p.stopChan)

	if p.config.RefreshInterval > 0 && len(p.sources) > 0 {
		p.wg.Add(1)
		go p.refreshLoop(p.stopChan)
	}
	p.log.WithField("interval", p.config.HealthCheckInterval.String()).Info("proxy health worker started")
	return nil
}

// Stop signals the workers and waits for them to exit.
func (p *Pool) Stop() error {
	p.lifeMu.Lock()
	if !p.running {
		p.lifeMu.Unlock()
		return nil
	}
	close(p.stopChan)
	p.running = false
	p.lifeMu.Unlock()

	p.wg.Wait()
	return nil
}

func (p *Pool) healthCheckLoop(stop <-chan struct{}) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	for {
		select {
		case <-ticker.C:
			p.CheckNow(ctx)
		case <-stop:
			return
		}
	}
}

func (p *Pool) refreshLoop(stop <-chan struct{}) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), p.config.RefreshInterval)
			p.Refresh(ctx)
			cancel()
		case <-stop:
			return
		}
	}
}

// ProbeResult is the outcome of probing one endpoint.
type ProbeResult struct {
	ID         string
	Latency    time.Duration
	Err        error
	Reinstated bool
}

// CheckNow probes every blacklisted endpoint whose cooldown has elapsed.
// A successful probe reinstates the endpoint; a failed one extends its
// cooldown.
func (p *Pool) CheckNow(ctx context.Context) []ProbeResult {
	now := p.clock.Now()
	var due []Endpoint
	for _, ep := range p.List() {
		if ep.Blacklisted && !now.Before(ep.CooldownUntil) {
			due = append(due, ep)
		}
	}
	return p.probe(ctx, due, p.applyHealthResult)
}

// CheckAll probes every endpoint that is not still cooling down. Healthy
// endpoints record the result as an attempt outcome; blacklisted ones whose
// cooldown has elapsed go through the same reinstatement as CheckNow.
func (p *Pool) CheckAll(ctx context.Context) []ProbeResult {
	now := p.clock.Now()
	var eps []Endpoint
	blacklisted := make(map[string]bool)
	for _, ep := range p.List() {
		if ep.Blacklisted {
			if now.Before(ep.CooldownUntil) {
				continue
			}
			blacklisted[ep.ID] = true
		}
		eps = append(eps, ep)
	}
	return p.probe(ctx, eps, func(r *ProbeResult) {
		if blacklisted[r.ID] {
			p.applyHealthResult(r)
			return
		}
		p.ReportOutcome(r.ID, r.Err == nil, r.Latency)
	})
}

func (p *Pool) probe(ctx context.Context, eps []Endpoint, apply func(*ProbeResult)) []ProbeResult {
	if len(eps) == 0 {
		return nil
	}
	results := make([]ProbeResult, len(eps))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.config.HealthCheckConcurrency)
	for i, ep := range eps {
		i, ep := i, ep
		g.Go(func() error {
			latency, err := p.prober.Probe(gctx, ep)
			results[i] = ProbeResult{ID: ep.ID, Latency: latency, Err: err}
			apply(&results[i])
			return nil
		})
	}
	g.Wait()
	return results
}

func (p *Pool) applyHealthResult(r *ProbeResult) {
	p.mu.RLock()
	e, ok := p.entries[r.ID]
	p.mu.RUnlock()
	if !ok {
		return
	}

	now := p.clock.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.ep.Blacklisted {
		return
	}

	log := p.log.WithField("proxy", e.ep.ID)
	if r.Err == nil {
		e.ep.Blacklisted = false
		e.ep.FailCount = 0
		e.ep.CooldownUntil = time.Time{}
		if r.Latency > 0 {
			e.ep.SpeedScore = p.speedFromLatency(r.Latency)
			e.ep.LastLatency = r.Latency
		}
		r.Reinstated = true
		log.Info("proxy reinstated by health probe")
		return
	}

	e.ep.FailCount++
	cooldown := p.Backoff(e.ep.FailCount)
	e.ep.CooldownUntil = now.Add(cooldown)
	log.WithField("cooldown", cooldown.String()).Debugf("health probe failed: %v", r.Err)
}
