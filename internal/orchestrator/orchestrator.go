// internal/orchestrator/orchestrator.go

// Package orchestrator drives extraction attempts across strategies,
// proxies and identities, and adapts to detections.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/valpere/MediaHarvester/internal/identity"
	"github.com/valpere/MediaHarvester/internal/proxy"
	"github.com/valpere/MediaHarvester/internal/ratelimit"
	"github.com/valpere/MediaHarvester/internal/strategy"
	"github.com/valpere/MediaHarvester/internal/utils"
)

// IdentitySource hands out identities.
type IdentitySource interface {
	Acquire(c identity.Criteria) (identity.Identity, error)
	Release(id identity.Identity)
}

// ProxySource hands out proxies and takes outcome reports.
type ProxySource interface {
	Select(c proxy.Criteria) (proxy.Endpoint, bool)
	ReportOutcome(id string, success bool, latency time.Duration) bool
}

// Limiter gates attempts and records adaptations.
type Limiter interface {
	Wait(ctx context.Context, identityID, proxyID string) error
	Record(identityID string, success bool)
	SlowDown(identityID string, d time.Duration, reason string)
	Block(identityID, proxyID string, d time.Duration, reason string)
	Blocked(identityID, proxyID string) bool
}

// ProgressFunc receives loop progress in [0,100] of the extraction phase.
type ProgressFunc func(percent int, message string)

// Job is one extraction request.
type Job struct {
	TaskID   string
	Target   string
	Language string
	Cancel   *CancelToken
	Progress ProgressFunc
}

// Orchestrator runs the attempt loop. It is safe for concurrent Run
// calls; per-task adaptation state lives in the call.
type Orchestrator struct {
	config     Config
	catalog    *strategy.Catalog
	signatures *strategy.SignatureCatalog
	executor   strategy.Executor
	identities IdentitySource
	proxies    ProxySource
	limiter    Limiter
	observer   Observer
	clock      utils.Clock
	log        utils.Logger

	sleep  func(ctx context.Context, d time.Duration) error
	jitter func(max time.Duration) time.Duration
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithProxies sets the proxy source. Without one every attempt is direct.
func WithProxies(p ProxySource) Option {
	return func(o *Orchestrator) { o.proxies = p }
}

// WithLimiter sets the attempt limiter.
func WithLimiter(l Limiter) Option {
	return func(o *Orchestrator) { o.limiter = l }
}

// WithObserver sets the event observer.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) { o.observer = obs }
}

// WithClock overrides the time source used for task-local cooldowns.
func WithClock(c utils.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithSleep overrides the backoff sleep.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// New creates an orchestrator.
func New(config Config, catalog *strategy.Catalog, signatures *strategy.SignatureCatalog,
	exec strategy.Executor, identities IdentitySource, opts ...Option) (*Orchestrator, error) {
	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, utils.WrapError(err, utils.ErrCodeInvalidConfig, "invalid orchestrator configuration")
	}
	if catalog == nil || catalog.Len() == 0 {
		return nil, utils.NewError(utils.ErrCodeInvalidConfig, "strategy catalog is empty").Build()
	}
	if exec == nil || identities == nil {
		return nil, utils.NewError(utils.ErrCodeInvalidConfig, "executor and identity source are required").Build()
	}

	o := &Orchestrator{
		config:     config,
		catalog:    catalog,
		signatures: signatures,
		executor:   exec,
		identities: identities,
		clock:      utils.SystemClock{},
		log:        utils.NewComponentLogger("orchestrator"),
		sleep:      sleepContext,
		jitter:     randomJitter,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max)))
}

// Backoff returns the pause before round (1-based) without jitter:
// base*2^(round-1), capped.
func (o *Orchestrator) Backoff(round int) time.Duration {
	if round < 1 {
		round = 1
	}
	exp := float64(round - 1)
	if exp > 30 {
		return o.config.BackoffCap
	}
	d := time.Duration(float64(o.config.BackoffBase) * math.Pow(2, exp))
	if d > o.config.BackoffCap || d <= 0 {
		return o.config.BackoffCap
	}
	return d
}

func (o *Orchestrator) backoffWithJitter(round int) time.Duration {
	d := o.Backoff(round) + o.jitter(o.config.BackoffJitter)
	if d > o.config.BackoffCap {
		return o.config.BackoffCap
	}
	return d
}

// run is the per-task adaptation state.
type run struct {
	job       Job
	cooldowns *ratelimit.CooldownTable
	attempts  []Attempt
	log       utils.Logger
}

func (r *run) last() (Attempt, bool) {
	if len(r.attempts) == 0 {
		return Attempt{}, false
	}
	return r.attempts[len(r.attempts)-1], true
}

type abort struct {
	err error
}

func (a *abort) Error() string { return a.err.Error() }

// Run tries every (strategy, route) pair until one succeeds. Per-attempt
// errors never escape: the returned error is cancellation, a
// configuration or fatal executor error, or exhaustion.
func (o *Orchestrator) Run(ctx context.Context, job Job) (*strategy.Result, []Attempt, error) {
	ctx, cancel := context.WithTimeout(ctx, o.config.TaskDeadline)
	defer cancel()

	r := &run{
		job:       job,
		cooldowns: ratelimit.NewCooldownTable(o.clock),
		log:       o.log.WithField("task_id", job.TaskID),
	}

	strategies := o.catalog.Strategies()
	for i, strat := range strategies {
		round := i + 1
		if err := o.checkCancel(ctx, job); err != nil {
			return nil, r.attempts, err
		}
		if e, ok := r.cooldowns.Active(ratelimit.KindMethod, string(strat.Method)); ok {
			r.log.WithFields(map[string]interface{}{
				"strategy": strat.Name,
				"reason":   e.Reason,
			}).Debug("skipping strategy, method cooling down")
			continue
		}
		if job.Progress != nil {
			job.Progress(progressFor(i, len(strategies)), "trying "+strat.Name)
		}

		tried, res, err := o.runRound(ctx, r, round, strat)
		if err != nil {
			var a *abort
			if errors.As(err, &a) {
				return nil, r.attempts, a.err
			}
			return nil, r.attempts, err
		}
		if res != nil {
			if job.Progress != nil {
				job.Progress(100, "extracted with "+strat.Name)
			}
			return res, r.attempts, nil
		}

		if tried && round < len(strategies) {
			if err := o.sleep(ctx, o.backoffWithJitter(round)); err != nil {
				return nil, r.attempts, o.ctxError(ctx, err)
			}
		}
	}

	return nil, r.attempts, o.exhausted(r)
}

func progressFor(i, n int) int {
	if n == 0 {
		return 0
	}
	return i * 100 / n
}

func (o *Orchestrator) checkCancel(ctx context.Context, job Job) error {
	if job.Cancel.Cancelled() {
		return utils.NewError(utils.ErrCodeCancelled, "task cancelled").Build()
	}
	if err := ctx.Err(); err != nil {
		return o.ctxError(ctx, err)
	}
	return nil
}

func (o *Orchestrator) ctxError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return utils.WrapError(err, utils.ErrCodeDeadlineExceeded, "task deadline exceeded")
	}
	return utils.WrapError(err, utils.ErrCodeCancelled, "task cancelled")
}

// runRound attempts one strategy over its routes: direct first when
// allowed, then up to MaxProxiesPerStrategy proxies selected lazily.
func (o *Orchestrator) runRound(ctx context.Context, r *run, round int, strat strategy.Strategy) (bool, *strategy.Result, error) {
	tried := false
	usedThisRound := make(map[string]bool)

	if !strat.RequiresProxy {
		res, done, err := o.tryRoute(ctx, r, round, strat, nil)
		tried = tried || done
		if err != nil || res != nil {
			return tried, res, err
		}
	}

	proxiesTried := 0
	for proxiesTried < o.config.MaxProxiesPerStrategy {
		if _, ok := r.cooldowns.Active(ratelimit.KindMethod, string(strat.Method)); ok {
			break
		}
		if err := o.checkCancel(ctx, r.job); err != nil {
			return tried, nil, &abort{err}
		}
		ep, ok := o.selectProxy(r, usedThisRound)
		if !ok {
			break
		}
		usedThisRound[ep.ID] = true
		proxiesTried++

		res, done, err := o.tryRoute(ctx, r, round, strat, &ep)
		tried = tried || done
		if err != nil || res != nil {
			return tried, res, err
		}
	}

	if strat.RequiresProxy && proxiesTried == 0 {
		if _, ok := r.cooldowns.Active(ratelimit.KindMethod, string(strat.Method)); !ok {
			r.log.WithField("strategy", strat.Name).Warn("no proxy available, degrading to direct route")
			res, done, err := o.tryRoute(ctx, r, round, strat, nil)
			tried = tried || done
			return tried, res, err
		}
	}
	return tried, nil, nil
}

func (o *Orchestrator) selectProxy(r *run, used map[string]bool) (proxy.Endpoint, bool) {
	if o.proxies == nil {
		return proxy.Endpoint{}, false
	}
	exclude := make(map[string]bool, len(used))
	for id := range used {
		exclude[id] = true
	}
	for _, e := range r.cooldowns.Entries() {
		if e.Kind == ratelimit.KindProxy {
			exclude[e.Key] = true
		}
	}
	return o.proxies.Select(proxy.Criteria{
		Country:                   o.config.ProxyCountry,
		MaxLatency:                o.config.MaxProxyLatency,
		ExcludeRecentlyUsedWithin: o.config.ProxyReuseWindow,
		Exclude:                   exclude,
	})
}

func (o *Orchestrator) acquireIdentity(r *run, class identity.Class) (identity.Identity, bool) {
	id, err := o.identities.Acquire(identity.Criteria{Class: class, Language: r.job.Language})
	if err != nil {
		log := r.log.WithField("class", string(class))
		if errors.Is(err, utils.ErrResourceExhausted) {
			log.Debug("identity pool exhausted, using default identity")
		} else {
			log.Warnf("identity acquire failed, using default identity: %v", err)
		}
		return identity.DefaultIdentity(class), false
	}
	return id, true
}

// tryRoute makes one attempt. done is false when the route was skipped.
func (o *Orchestrator) tryRoute(ctx context.Context, r *run, round int, strat strategy.Strategy, ep *proxy.Endpoint) (*strategy.Result, bool, error) {
	if err := o.checkCancel(ctx, r.job); err != nil {
		return nil, false, &abort{err}
	}

	id, pooled := o.acquireIdentity(r, strat.IdentityClass)
	if pooled {
		defer o.identities.Release(id)
	}

	proxyID := ""
	if ep != nil {
		proxyID = ep.ID
	}
	if o.limiter != nil {
		if o.limiter.Blocked(id.ID, proxyID) {
			r.log.WithFields(map[string]interface{}{"identity": id.ID, "proxy": proxyID}).Debug("route blocked, skipping")
			return nil, false, nil
		}
		if err := o.limiter.Wait(ctx, id.ID, proxyID); err != nil {
			if ctx.Err() != nil {
				return nil, false, &abort{o.ctxError(ctx, err)}
			}
			r.log.Debugf("rate limiter refused attempt: %v", err)
			return nil, false, nil
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, o.config.AttemptTimeout)
	outcome := strat.Attempt(attemptCtx, o.executor, strategy.Request{Target: r.job.Target, Identity: id, Proxy: ep})
	cancel()

	a := Attempt{
		TaskID:     r.job.TaskID,
		Round:      round,
		Strategy:   strat.Name,
		Method:     string(strat.Method),
		ProxyID:    proxyID,
		IdentityID: id.ID,
		Latency:    outcome.Latency,
		Err:        outcome.Err,
	}

	if outcome.Succeeded() {
		a.Outcome = ClassSuccess
		o.record(r, a)
		if ep != nil && o.proxies != nil {
			o.proxies.ReportOutcome(ep.ID, true, outcome.Latency)
		}
		if o.limiter != nil {
			o.limiter.Record(id.ID, true)
		}
		return outcome.Result, true, nil
	}

	if ctx.Err() != nil {
		a.Outcome = ClassCancelled
		o.record(r, a)
		return nil, true, &abort{o.ctxError(ctx, ctx.Err())}
	}

	class, sig := classify(outcome.Err, o.signatures)
	a.Outcome = class
	if sig != nil {
		a.Signature = sig.Name
	}
	o.record(r, a)

	switch class {
	case ClassFatal:
		return nil, true, &abort{utils.NewError(utils.ErrCodeFatalExecutor, "executor failed fatally").
			WithSeverity(utils.SeverityCritical).
			WithCause(outcome.Err).
			WithContext("strategy", strat.Name).
			Build()}
	case ClassConfig:
		return nil, true, &abort{outcome.Err}
	}

	if o.limiter != nil {
		o.limiter.Record(id.ID, false)
	}
	if ep != nil && o.proxies != nil {
		o.proxies.ReportOutcome(ep.ID, false, 0)
	}
	if sig != nil {
		o.adapt(r, *sig, strat, id.ID, proxyID)
	}
	return nil, true, nil
}

func (o *Orchestrator) record(r *run, a Attempt) {
	r.attempts = append(r.attempts, a)
	fields := map[string]interface{}{
		"round":    a.Round,
		"strategy": a.Strategy,
		"identity": a.IdentityID,
		"outcome":  string(a.Outcome),
		"latency":  a.Latency.String(),
	}
	if a.ProxyID != "" {
		fields["proxy"] = a.ProxyID
	}
	if a.Err != nil {
		fields["error"] = a.Err.Error()
	}
	r.log.WithFields(fields).Debug("extraction attempt finished")
	if o.observer != nil {
		o.observer.AttemptFinished(a)
	}
}

// adapt applies a matched signature's adaptation.
func (o *Orchestrator) adapt(r *run, sig strategy.Signature, strat strategy.Strategy, identityID, proxyID string) {
	r.log.WithFields(map[string]interface{}{
		"signature":  sig.Name,
		"pattern":    sig.Pattern.String(),
		"severity":   string(sig.Severity),
		"adaptation": string(sig.Adaptation),
		"cooldown":   sig.Cooldown.String(),
		"identity":   identityID,
		"proxy":      proxyID,
	}).Warn("detection signature matched")
	if o.observer != nil {
		o.observer.DetectionMatched(sig)
	}

	switch sig.Adaptation {
	case strategy.AdaptSlowDown:
		if o.limiter != nil {
			o.limiter.SlowDown(identityID, sig.Cooldown, sig.Name)
		}
	case strategy.AdaptChangeMethod:
		r.cooldowns.Add(ratelimit.KindMethod, string(strat.Method), sig.Cooldown, sig.Name)
	case strategy.AdaptWait:
		if o.limiter != nil {
			o.limiter.Block(identityID, proxyID, sig.Cooldown, sig.Name)
		}
	case strategy.AdaptProxySwitch:
		// Held for the task deadline so the proxy stays out for the rest of the run.
		if proxyID != "" {
			r.cooldowns.Add(ratelimit.KindProxy, proxyID, o.config.TaskDeadline, sig.Name)
		}
	}
}

func (o *Orchestrator) exhausted(r *run) error {
	last, ok := r.last()
	if !ok {
		return utils.NewError(utils.ErrCodeExhausted, "no extraction route was available").
			WithUserMessage("The video could not be retrieved: no extraction route was available.").
			Build()
	}
	label := failureLabel(last)
	return utils.NewError(utils.ErrCodeExhausted, fmt.Sprintf("all %d attempts failed", len(r.attempts))).
		WithCause(last.Err).
		WithContext("attempts", len(r.attempts)).
		WithContext("last_strategy", last.Strategy).
		WithContext("last_failure", label).
		WithUserMessage(fmt.Sprintf("The video could not be retrieved after trying every available method (last failure: %s).", label)).
		Build()
}
