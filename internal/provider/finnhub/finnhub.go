// Package finnhub adapts the Finnhub REST API (quote and stock candles).
package finnhub

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"marketdata/internal/httpx"
	"marketdata/internal/market"
	"marketdata/internal/provider"
)

const DefaultBaseURL = "https://finnhub.io/api/v1"

type Config struct {
	Name     string
	APIKey   string
	BaseURL  string
	Currency string // Finnhub reports no currency
}

type Client struct {
	cfg Config
	rc  *resty.Client
	now func() time.Time
}

func New(cfg Config, hc *httpx.Client) *Client {
	if cfg.Name == "" {
		cfg.Name = "finnhub"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	return &Client{cfg: cfg, rc: hc.Resty(cfg.BaseURL), now: time.Now}
}

func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) Supports(market.QueryKind) bool { return true }

type quoteResponse struct {
	Current   float64 `json:"c"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Open      float64 `json:"o"`
	PrevClose float64 `json:"pc"`
	Time      int64   `json:"t"`
}

func (c *Client) FetchQuote(ctx context.Context, symbol market.Symbol) (provider.RawQuote, error) {
	var q quoteResponse
	if err := c.get(ctx, "/quote", map[string]string{"symbol": symbol.String()}, &q); err != nil {
		return provider.RawQuote{}, err
	}
	// unknown symbols come back as an all-zero quote
	if q.Current == 0 && q.Time == 0 {
		return provider.RawQuote{}, provider.NotFound(c.cfg.Name, fmt.Errorf("no quote for %s", symbol))
	}
	return provider.RawQuote{
		Symbol:     symbol.String(),
		Price:      q.Current,
		Currency:   c.cfg.Currency,
		Epoch:      q.Time,
		ReceivedAt: c.now(),
	}, nil
}

type candleResponse struct {
	Status string    `json:"s"`
	Time   []int64   `json:"t"`
	Open   []float64 `json:"o"`
	High   []float64 `json:"h"`
	Low    []float64 `json:"l"`
	Close  []float64 `json:"c"`
	Volume []float64 `json:"v"`
}

// resolutions maps a range to a Finnhub candle resolution.
var resolutions = map[market.Range]string{
	market.Range1D:  "5",
	market.Range5D:  "30",
	market.Range1M:  "60",
	market.Range6M:  "D",
	market.Range1Y:  "D",
	market.Range5Y:  "W",
	market.RangeMax: "M",
}

func Resolution(rng market.Range) (string, bool) {
	r, ok := resolutions[rng]
	return r, ok
}

func (c *Client) FetchHistory(ctx context.Context, symbol market.Symbol, rng market.Range) (provider.RawSeries, error) {
	res, ok := Resolution(rng)
	if !ok {
		return provider.RawSeries{}, fmt.Errorf("finnhub: %w: %q", market.ErrInvalidRange, rng)
	}
	now := c.now()
	params := map[string]string{
		"symbol":     symbol.String(),
		"resolution": res,
		"from":       strconv.FormatInt(rng.Start(now).Unix(), 10),
		"to":         strconv.FormatInt(now.Unix(), 10),
	}
	var cr candleResponse
	if err := c.get(ctx, "/stock/candle", params, &cr); err != nil {
		return provider.RawSeries{}, err
	}
	switch cr.Status {
	case "ok":
	case "no_data":
		return provider.RawSeries{}, provider.NotFound(c.cfg.Name, fmt.Errorf("no candles for %s %s", symbol, rng))
	default:
		return provider.RawSeries{}, provider.Transient(c.cfg.Name, fmt.Errorf("candle status %q", cr.Status))
	}
	n := len(cr.Time)
	if len(cr.Open) != n || len(cr.High) != n || len(cr.Low) != n || len(cr.Close) != n || len(cr.Volume) != n {
		return provider.RawSeries{}, provider.Transient(c.cfg.Name, fmt.Errorf("candle arrays disagree in length"))
	}

	bars := make([]provider.RawBar, n)
	for i := range n {
		bars[i] = provider.RawBar{
			Epoch:  cr.Time[i],
			Open:   cr.Open[i],
			High:   cr.High[i],
			Low:    cr.Low[i],
			Close:  cr.Close[i],
			Volume: cr.Volume[i],
		}
	}
	return provider.RawSeries{
		Symbol:     symbol.String(),
		Currency:   c.cfg.Currency,
		Bars:       bars,
		ReceivedAt: now,
	}, nil
}

func (c *Client) get(ctx context.Context, path string, params map[string]string, out any) error {
	resp, err := c.rc.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetQueryParam("token", c.cfg.APIKey).
		Get(path)
	if err != nil {
		return provider.Wrap(c.cfg.Name, err)
	}
	if err := provider.Classify(c.cfg.Name, resp.StatusCode(), resp.String()); err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return provider.Transient(c.cfg.Name, fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}
