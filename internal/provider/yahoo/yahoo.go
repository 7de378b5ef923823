// Package yahoo adapts the Yahoo Finance quote and chart endpoints through
// github.com/piquette/finance-go.
package yahoo

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	finance "github.com/piquette/finance-go"
	"github.com/piquette/finance-go/chart"
	"github.com/piquette/finance-go/datetime"
	"github.com/piquette/finance-go/quote"

	"marketdata/internal/httpx"
	"marketdata/internal/market"
	"marketdata/internal/provider"
)

type Config struct {
	Name     string
	BaseURL  string
	Currency string // used when Yahoo omits one
}

// oneWeek is accepted by the chart endpoint but has no datetime constant.
const oneWeek datetime.Interval = "1wk"

// intervals keeps bar granularity per range in line with the other adapters,
// so a cached series looks the same whichever provider filled it.
var intervals = map[market.Range]datetime.Interval{
	market.Range1D:  datetime.FiveMins,
	market.Range5D:  datetime.ThirtyMins,
	market.Range1M:  datetime.SixtyMins,
	market.Range6M:  datetime.OneDay,
	market.Range1Y:  datetime.OneDay,
	market.Range5Y:  oneWeek,
	market.RangeMax: datetime.OneMonth,
}

func Interval(rng market.Range) (datetime.Interval, bool) {
	iv, ok := intervals[rng]
	return iv, ok
}

type Client struct {
	cfg Config
	rc  *resty.Client
	now func() time.Time
}

func New(cfg Config, hc *httpx.Client) *Client {
	if cfg.Name == "" {
		cfg.Name = "yahoo"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = finance.YFinURL
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	return &Client{cfg: cfg, rc: hc.Resty(cfg.BaseURL), now: time.Now}
}

func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) Supports(market.QueryKind) bool { return true }

func (c *Client) backend() *backend { return &backend{name: c.cfg.Name, rc: c.rc} }

func (c *Client) FetchQuote(ctx context.Context, symbol market.Symbol) (provider.RawQuote, error) {
	q, err := provider.Call(ctx, func() (*finance.Quote, error) {
		b := c.backend()
		it := quote.Client{B: b}.ListP(&quote.Params{
			Params:  finance.Params{Context: &ctx},
			Symbols: []string{symbol.String()},
		})
		if err := it.Err(); err != nil {
			return nil, b.failure(err)
		}
		if !it.Next() {
			return nil, nil
		}
		return it.Quote(), nil
	})
	if err != nil {
		return provider.RawQuote{}, provider.Wrap(c.cfg.Name, err)
	}
	if q == nil {
		return provider.RawQuote{}, provider.NotFound(c.cfg.Name, fmt.Errorf("no quote for %s", symbol))
	}
	cur := q.CurrencyID
	if cur == "" {
		cur = c.cfg.Currency
	}
	return provider.RawQuote{
		Symbol:     symbol.String(),
		Price:      q.RegularMarketPrice,
		Currency:   cur,
		Epoch:      int64(q.RegularMarketTime),
		ReceivedAt: c.now(),
	}, nil
}

type chartResult struct {
	bars     []provider.RawBar
	currency string
}

func (c *Client) FetchHistory(ctx context.Context, symbol market.Symbol, rng market.Range) (provider.RawSeries, error) {
	iv, ok := Interval(rng)
	if !ok {
		return provider.RawSeries{}, fmt.Errorf("yahoo: %w: %q", market.ErrInvalidRange, rng)
	}
	end := c.now().UTC()
	start := rng.Start(end)
	params := &chart.Params{
		Params:   finance.Params{Context: &ctx},
		Symbol:   symbol.String(),
		Start:    datetime.New(&start),
		End:      datetime.New(&end),
		Interval: iv,
	}

	res, err := provider.Call(ctx, func() (chartResult, error) {
		b := c.backend()
		it := chart.Client{B: b}.Get(params)
		var out chartResult
		for it.Next() {
			bar := it.Bar()
			// null rows in the arrays decode as zeros
			if bar == nil || (bar.Open.IsZero() && bar.High.IsZero() && bar.Low.IsZero() && bar.Close.IsZero()) {
				continue
			}
			out.bars = append(out.bars, provider.RawBar{
				Epoch:  int64(bar.Timestamp),
				Open:   bar.Open.InexactFloat64(),
				High:   bar.High.InexactFloat64(),
				Low:    bar.Low.InexactFloat64(),
				Close:  bar.Close.InexactFloat64(),
				Volume: float64(bar.Volume),
			})
		}
		if err := it.Err(); err != nil {
			return out, b.failure(err)
		}
		out.currency = it.Meta().Currency
		return out, nil
	})
	if err != nil {
		return provider.RawSeries{}, provider.Wrap(c.cfg.Name, err)
	}
	if len(res.bars) == 0 {
		return provider.RawSeries{}, provider.NotFound(c.cfg.Name, fmt.Errorf("no bars for %s %s", symbol, rng))
	}
	cur := res.currency
	if cur == "" {
		cur = c.cfg.Currency
	}
	return provider.RawSeries{
		Symbol:     symbol.String(),
		Currency:   cur,
		Bars:       res.bars,
		ReceivedAt: end,
	}, nil
}
