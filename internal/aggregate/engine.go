// Package aggregate is the read path for market data: cache first, then the
// configured providers in preference order with admission control, per-call
// timeouts, cooldowns and per-key request coalescing.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"marketdata/internal/market"
	"marketdata/internal/metrics"
	"marketdata/internal/normalize"
	"marketdata/internal/provider"
	"marketdata/internal/provider/cache"
	"marketdata/internal/provider/ratelimit"
)

const (
	DefaultQuoteTTL         = 30 * time.Second
	DefaultHistoryTTL       = 6 * time.Hour
	DefaultFailureThreshold = 3
	DefaultCooldownBase     = 30 * time.Second
	DefaultCooldownMax      = 10 * time.Minute
	DefaultProviderTimeout  = 10 * time.Second
)

// Config holds the engine's policy knobs. Zero values take the defaults above.
type Config struct {
	// Order is the static provider preference. Providers not listed keep the
	// order they were passed in, after the listed ones.
	Order            []string
	QuoteTTL         time.Duration
	HistoryTTL       time.Duration
	FailureThreshold int
	CooldownBase     time.Duration
	CooldownMax      time.Duration
	ProviderTimeout  time.Duration
	// MaxRateLimitWait bounds a single wait when every candidate was denied.
	// Zero fails fast.
	MaxRateLimitWait time.Duration
}

func (c Config) withDefaults() Config {
	if c.QuoteTTL <= 0 {
		c.QuoteTTL = DefaultQuoteTTL
	}
	if c.HistoryTTL <= 0 {
		c.HistoryTTL = DefaultHistoryTTL
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.CooldownBase <= 0 {
		c.CooldownBase = DefaultCooldownBase
	}
	if c.CooldownMax <= 0 {
		c.CooldownMax = DefaultCooldownMax
	}
	if c.CooldownMax < c.CooldownBase {
		c.CooldownMax = c.CooldownBase
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = DefaultProviderTimeout
	}
	return c
}

type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithClock replaces time.Now for cache ages, cooldowns and latency.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithSleep replaces the rate-limit wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = sleep }
}

// Engine is safe for concurrent use.
type Engine struct {
	cfg       Config
	providers []provider.Client
	limiter   *ratelimit.Limiter
	cache     *cache.Store
	health    *healthTracker
	group     singleflight.Group

	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New wires an engine. A nil limiter admits everything; a nil store gets an
// unbounded one sharing the engine clock.
func New(cfg Config, providers []provider.Client, limiter *ratelimit.Limiter, store *cache.Store, opts ...Option) *Engine {
	e := &Engine{
		cfg:   cfg.withDefaults(),
		log:   slog.Default(),
		now:   time.Now,
		sleep: sleepCtx,
	}
	for _, o := range opts {
		o(e)
	}
	e.providers = orderProviders(providers, e.cfg.Order)
	if limiter == nil {
		limiter = ratelimit.New(e.now)
	}
	if store == nil {
		store = cache.New(0, e.now)
	}
	e.limiter = limiter
	e.cache = store

	names := make([]string, 0, len(e.providers))
	for _, p := range e.providers {
		names = append(names, p.Name())
	}
	e.health = newHealthTracker(names, e.cfg.FailureThreshold, e.cfg.CooldownBase, e.cfg.CooldownMax, e.now)
	return e
}

func orderProviders(ps []provider.Client, order []string) []provider.Client {
	out := make([]provider.Client, 0, len(ps))
	used := make([]bool, len(ps))
	for _, name := range order {
		for i, p := range ps {
			if !used[i] && p.Name() == name {
				out = append(out, p)
				used[i] = true
				break
			}
		}
	}
	for i, p := range ps {
		if !used[i] {
			out = append(out, p)
		}
	}
	return out
}

// GetQuote returns the latest quote for symbol.
func (e *Engine) GetQuote(ctx context.Context, symbol string) (market.Quote, error) {
	sym, err := market.ParseSymbol(symbol)
	if err != nil {
		return market.Quote{}, err
	}
	key := cache.Key{Symbol: sym, Kind: market.KindQuote}
	v, err := e.read(ctx, key, e.cfg.QuoteTTL, func(ctx context.Context, c provider.Client) (any, error) {
		raw, err := c.FetchQuote(ctx, sym)
		if err != nil {
			return nil, err
		}
		q, err := normalize.Quote(raw, c.Name())
		if err != nil {
			return nil, err
		}
		q.Symbol = sym
		return q, nil
	})
	if err != nil {
		return market.Quote{}, err
	}
	return v.(market.Quote), nil
}

// GetHistory returns bars for symbol over rng.
func (e *Engine) GetHistory(ctx context.Context, symbol string, rng market.Range) (market.TimeSeries, error) {
	sym, err := market.ParseSymbol(symbol)
	if err != nil {
		return market.TimeSeries{}, err
	}
	if rng, err = market.ParseRange(string(rng)); err != nil {
		return market.TimeSeries{}, err
	}
	key := cache.Key{Symbol: sym, Kind: market.KindHistory, Range: rng}
	v, err := e.read(ctx, key, e.cfg.HistoryTTL, func(ctx context.Context, c provider.Client) (any, error) {
		raw, err := c.FetchHistory(ctx, sym, rng)
		if err != nil {
			return nil, err
		}
		ts, err := normalize.History(raw, rng, c.Name())
		if err != nil {
			return nil, err
		}
		ts.Symbol = sym
		return ts, nil
	})
	if err != nil {
		return market.TimeSeries{}, err
	}
	return v.(market.TimeSeries).Clone(), nil
}

// Health returns a snapshot per provider in preference order.
func (e *Engine) Health() []ProviderHealth { return e.health.snapshot() }

// ResetHealth clears a provider's failure count and cooldown.
func (e *Engine) ResetHealth(name string) error {
	if !e.health.reset(name) {
		return fmt.Errorf("unknown provider %q", name)
	}
	e.log.Info("provider health reset", "provider", name)
	return nil
}

// Invalidate drops a cached result so the next read goes upstream.
func (e *Engine) Invalidate(symbol string, kind market.QueryKind, rng market.Range) error {
	sym, err := market.ParseSymbol(symbol)
	if err != nil {
		return err
	}
	key := cache.Key{Symbol: sym, Kind: kind}
	if kind == market.KindHistory {
		if key.Range, err = market.ParseRange(string(rng)); err != nil {
			return err
		}
	}
	e.cache.Invalidate(key)
	e.metrics.SetCacheEntries(e.cache.Len())
	return nil
}

// Prune drops stale cache entries.
func (e *Engine) Prune() int {
	n := e.cache.Prune()
	e.metrics.SetCacheEntries(e.cache.Len())
	return n
}

type fetchFunc func(ctx context.Context, c provider.Client) (any, error)

func (e *Engine) read(ctx context.Context, key cache.Key, ttl time.Duration, fetch fetchFunc) (any, error) {
	if v, _, ok := e.cache.Get(key); ok {
		e.metrics.CacheLookup(string(key.Kind), true)
		return v, nil
	}
	e.metrics.CacheLookup(string(key.Kind), false)

	// The shared fetch outlives any single caller so an admitted call can
	// still fill the cache after its requester gave up.
	detached := context.WithoutCancel(ctx)
	ch := e.group.DoChan(key.String(), func() (any, error) {
		if v, _, ok := e.cache.Get(key); ok {
			return v, nil
		}
		return e.fetch(detached, key, ttl, fetch)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.Val, r.Err
	}
}

func (e *Engine) fetch(ctx context.Context, key cache.Key, ttl time.Duration, fetch fetchFunc) (any, error) {
	v, err := e.attempt(ctx, key, ttl, fetch)
	var rl *RateLimitedError
	if err == nil || e.cfg.MaxRateLimitWait <= 0 || !errors.As(err, &rl) || rl.RetryAfter > e.cfg.MaxRateLimitWait {
		return v, err
	}
	e.log.Debug("waiting for rate limit", "symbol", key.Symbol, "kind", key.Kind, "retry_after", rl.RetryAfter)
	if serr := e.sleep(ctx, rl.RetryAfter); serr != nil {
		return nil, serr
	}
	return e.attempt(ctx, key, ttl, fetch)
}

// attempt walks the candidates once.
func (e *Engine) attempt(ctx context.Context, key cache.Key, ttl time.Duration, fetch fetchFunc) (any, error) {
	agg := newAggregateError(key.Symbol, key.Kind, key.Range)
	var (
		denied    []string
		retry     time.Duration
		attempted int
	)
	for _, c := range e.providers {
		name := c.Name()
		if !c.Supports(key.Kind) {
			continue
		}
		if !e.health.available(name) {
			h, _ := e.health.get(name)
			agg.add(name, fmt.Errorf("%w: cooling down until %s", market.ErrTransient, h.CooldownUntil.Format(time.RFC3339)))
			continue
		}

		d := e.limiter.Admit(name)
		if !d.Admitted {
			e.metrics.Denied(name)
			if len(denied) == 0 || d.RetryAfter < retry {
				retry = d.RetryAfter
			}
			denied = append(denied, name)
			agg.add(name, fmt.Errorf("%w: retry after %s", market.ErrRateLimited, d.RetryAfter))
			continue
		}
		attempted++

		v, err := e.call(ctx, c, key, fetch)
		if err == nil {
			e.health.success(name)
			return e.store(key, v, ttl), nil
		}
		agg.add(name, err)
	}

	if attempted == 0 && len(denied) > 0 {
		return nil, &RateLimitedError{Symbol: key.Symbol, Kind: key.Kind, RetryAfter: retry, Providers: denied}
	}
	return nil, agg
}

func (e *Engine) call(ctx context.Context, c provider.Client, key cache.Key, fetch fetchFunc) (any, error) {
	name := c.Name()
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
	defer cancel()

	start := e.now()
	v, err := fetch(callCtx, c)
	took := e.now().Sub(start)
	if err == nil {
		e.metrics.ProviderCall(name, string(key.Kind), metrics.OutcomeOK, took)
		return v, nil
	}

	attrs := []any{"provider", name, "symbol", key.Symbol, "kind", key.Kind, "error", err}
	switch kind := provider.KindOf(err); kind {
	case market.ErrNotFound:
		e.metrics.ProviderCall(name, string(key.Kind), metrics.OutcomeNotFound, took)
		e.log.Debug("symbol not found", attrs...)
	case market.ErrUnauthorized:
		e.metrics.ProviderCall(name, string(key.Kind), metrics.OutcomeUnauthorized, took)
		e.log.Error("provider rejected credentials", attrs...)
	case market.ErrMalformedData:
		e.metrics.ProviderCall(name, string(key.Kind), metrics.OutcomeMalformed, took)
		e.log.Warn("provider returned malformed data", attrs...)
	default:
		// unclassified errors count as transient
		e.metrics.ProviderCall(name, string(key.Kind), metrics.OutcomeTransient, took)
		if kind == nil {
			err = provider.Wrap(name, err)
		}
		if cd := e.health.failure(name); cd > 0 {
			e.metrics.CooldownOpened(name)
			h, _ := e.health.get(name)
			e.log.Warn("provider cooling down", append(attrs, "failures", h.ConsecutiveFailures, "cooldown", cd)...)
		} else {
			e.log.Info("provider call failed", attrs...)
		}
	}
	return nil, err
}

// store writes v unless a newer live entry beat it there, in which case the
// newer entry is returned.
func (e *Engine) store(key cache.Key, v any, ttl time.Duration) any {
	defer func() { e.metrics.SetCacheEntries(e.cache.Len()) }()
	if e.cache.Put(key, v, ttl) {
		return v
	}
	if cur, _, ok := e.cache.Get(key); ok {
		return cur
	}
	return v
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
