package provider

import (
	"context"
	"time"

	"marketdata/internal/market"
)

// RawQuote is an adapter's untouched view of a latest-price response.
// Either AsOf or Epoch (seconds or milliseconds) may carry the provider time.
type RawQuote struct {
	Symbol     string
	Price      float64
	Currency   string
	AsOf       time.Time
	Epoch      int64
	ReceivedAt time.Time
}

// RawBar is one history row as the provider reported it. Exactly one of
// Epoch, Time or Stamp is expected to be set; Stamp is wall-clock time in
// the series timezone, parsed with the series layout.
type RawBar struct {
	Epoch    int64
	Time     time.Time
	Stamp    string
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
	Reported time.Time // provider-side recency, used to resolve duplicate rows
}

type RawSeries struct {
	Symbol     string
	Currency   string
	Timezone   string // IANA name; empty means UTC
	Layout     string // time.Parse layout for RawBar.Stamp
	Bars       []RawBar
	ReceivedAt time.Time
}

//go:generate mockgen -package=aggregate_test -destination=../aggregate/mock_client_test.go -source=provider.go Client

// Client is implemented by every upstream adapter. Adapters translate one
// API's request/response shape and do no retry, caching or rate accounting.
type Client interface {
	Name() string
	Supports(kind market.QueryKind) bool
	FetchQuote(ctx context.Context, symbol market.Symbol) (RawQuote, error)
	FetchHistory(ctx context.Context, symbol market.Symbol, rng market.Range) (RawSeries, error)
}

// Call runs fn on its own goroutine so libraries without context support
// still honour ctx. fn keeps running after ctx is done; its result is dropped.
func Call[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case r := <-ch:
		return r.v, r.err
	}
}
