// Package app turns a loaded config into a ready engine. Both binaries share it.
package app

import (
	"errors"
	"log/slog"
	"time"

	"marketdata/internal/aggregate"
	"marketdata/internal/config"
	"marketdata/internal/httpx"
	"marketdata/internal/metrics"
	"marketdata/internal/provider"
	"marketdata/internal/provider/cache"
	"marketdata/internal/provider/finnhub"
	"marketdata/internal/provider/longport"
	"marketdata/internal/provider/ratelimit"
	"marketdata/internal/provider/yahoo"
)

var ErrNoProviders = errors.New("no market data provider enabled")

// openLongport is replaced in tests; the real one dials the Longport API.
var openLongport = func(cfg longport.Config) (provider.Client, error) {
	return longport.New(cfg)
}

// Build wires providers, limiter, cache and engine from cfg.
func Build(cfg config.Config, log *slog.Logger, m *metrics.Metrics) (*aggregate.Engine, error) {
	if log == nil {
		log = slog.Default()
	}
	providers := Providers(cfg, httpx.New(cfg.Engine.ProviderTimeout()), log)
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}
	store := cache.New(cfg.Cache.MaxPerBucket, time.Now)
	eng := aggregate.New(EngineConfig(cfg), providers, Limiter(cfg, time.Now), store,
		aggregate.WithLogger(log),
		aggregate.WithMetrics(m),
	)
	names := make([]string, 0, len(providers))
	for _, h := range eng.Health() {
		names = append(names, h.Provider)
	}
	log.Info("engine ready", "providers", names)
	return eng, nil
}

// Providers builds the enabled adapters. One with missing credentials is
// skipped with a warning rather than failing the whole process.
func Providers(cfg config.Config, hc *httpx.Client, log *slog.Logger) []provider.Client {
	var out []provider.Client
	if cfg.Yahoo.Enabled {
		out = append(out, yahoo.New(yahoo.Config{
			Name:     "yahoo",
			BaseURL:  cfg.Yahoo.BaseURL,
			Currency: cfg.Yahoo.Currency,
		}, hc))
	}
	if cfg.Finnhub.Enabled {
		if cfg.Finnhub.APIKey == "" {
			log.Warn("finnhub enabled but FINNHUB_API_KEY not set; skipping")
		} else {
			out = append(out, finnhub.New(finnhub.Config{
				Name:     "finnhub",
				APIKey:   cfg.Finnhub.APIKey,
				BaseURL:  cfg.Finnhub.BaseURL,
				Currency: cfg.Finnhub.Currency,
			}, hc))
		}
	}
	if cfg.Longport.Enabled {
		lp, err := openLongport(longport.Config{
			Name:        "longport",
			AppKey:      cfg.Longport.AppKey,
			AppSecret:   cfg.Longport.AppSecret,
			AccessToken: cfg.Longport.AccessToken,
			Market:      cfg.Longport.Market,
			Currency:    cfg.Longport.Currency,
		})
		if err != nil {
			log.Warn("longport unavailable; skipping", "error", err)
		} else {
			out = append(out, lp)
		}
	}
	return out
}

// Limiter sets one bucket per configured provider budget.
func Limiter(cfg config.Config, now func() time.Time) *ratelimit.Limiter {
	l := ratelimit.New(now)
	l.Set("yahoo", Bucket(cfg.Yahoo.RateLimit))
	l.Set("finnhub", Bucket(cfg.Finnhub.RateLimit))
	l.Set("longport", Bucket(cfg.Longport.RateLimit))
	return l
}

// Bucket prefers the minimum interval when set, then requests per minute.
// Nil means unlimited.
func Bucket(rl config.RateLimit) *ratelimit.TokenBucket {
	switch {
	case rl.MinRequestIntervalSec > 0:
		return ratelimit.NewMinInterval(time.Duration(rl.MinRequestIntervalSec) * time.Second)
	case rl.MaxRequestsPerMinute > 0:
		return ratelimit.NewPerMinute(rl.MaxRequestsPerMinute, rl.Burst)
	default:
		return nil
	}
}

func EngineConfig(cfg config.Config) aggregate.Config {
	return aggregate.Config{
		Order:            cfg.Engine.Order,
		QuoteTTL:         cfg.Cache.QuoteTTL(),
		HistoryTTL:       cfg.Cache.HistoryTTL(),
		FailureThreshold: cfg.Engine.FailureThreshold,
		CooldownBase:     cfg.Engine.CooldownBase(),
		CooldownMax:      cfg.Engine.CooldownMax(),
		ProviderTimeout:  cfg.Engine.ProviderTimeout(),
		MaxRateLimitWait: cfg.Engine.MaxRateLimitWait(),
	}
}
