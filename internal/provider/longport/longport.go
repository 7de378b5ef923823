// Package longport serves candlestick history from the Longport OpenAPI quote
// context. It does not serve quotes.
package longport

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	lpconfig "github.com/longportapp/openapi-go/config"
	"github.com/longportapp/openapi-go/quote"
	"github.com/shopspring/decimal"

	"marketdata/internal/market"
	"marketdata/internal/provider"
)

// maxCount is the most candlesticks the API returns per call.
const maxCount = 1000

type window struct {
	period quote.Period
	count  int32
}

// windows mirrors the bar granularity of the other adapters. Intraday counts
// assume a 6.5 hour US session.
var windows = map[market.Range]window{
	market.Range1D:  {quote.PeriodFiveMinute, 78},
	market.Range5D:  {quote.PeriodThirtyMinute, 65},
	market.Range1M:  {quote.PeriodSixtyMinute, 154},
	market.Range6M:  {quote.PeriodDay, 126},
	market.Range1Y:  {quote.PeriodDay, 252},
	market.Range5Y:  {quote.PeriodWeek, 260},
	market.RangeMax: {quote.PeriodMonth, maxCount},
}

// Window is the candle period and count requested for rng.
func Window(rng market.Range) (quote.Period, int32, bool) {
	w, ok := windows[rng]
	return w.period, w.count, ok
}

type Config struct {
	Name        string
	AppKey      string
	AppSecret   string
	AccessToken string
	// Market suffix for symbols given without one; "US" by default.
	Market      string
	Currency    string
}

var ErrNoCredentials = errors.New("longport API credentials not configured")

// candleSource is the slice of *quote.QuoteContext the adapter uses.
type candleSource interface {
	Candlesticks(ctx context.Context, symbol string, period quote.Period, count int32, adjustType quote.AdjustType) ([]*quote.Candlestick, error)
}

type Client struct {
	cfg Config
	qc  candleSource
	now func() time.Time
}

// New opens a quote context with the configured credentials.
func New(cfg Config) (*Client, error) {
	if cfg.AppKey == "" || cfg.AppSecret == "" || cfg.AccessToken == "" {
		return nil, ErrNoCredentials
	}
	conf, err := lpconfig.New(lpconfig.WithConfigKey(cfg.AppKey, cfg.AppSecret, cfg.AccessToken))
	if err != nil {
		return nil, fmt.Errorf("longport config: %w", err)
	}
	qc, err := quote.NewFromCfg(conf)
	if err != nil {
		return nil, fmt.Errorf("longport quote context: %w", err)
	}
	return newWithSource(cfg, qc), nil
}

func newWithSource(cfg Config, qc candleSource) *Client {
	if cfg.Name == "" {
		cfg.Name = "longport"
	}
	if cfg.Market == "" {
		cfg.Market = "US"
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	return &Client{cfg: cfg, qc: qc, now: time.Now}
}

func (c *Client) Name() string { return c.cfg.Name }

func (c *Client) Supports(kind market.QueryKind) bool { return kind == market.KindHistory }

func (c *Client) FetchQuote(context.Context, market.Symbol) (provider.RawQuote, error) {
	return provider.RawQuote{}, provider.NotFound(c.cfg.Name, errors.New("quotes not served"))
}

func (c *Client) FetchHistory(ctx context.Context, symbol market.Symbol, rng market.Range) (provider.RawSeries, error) {
	period, n, ok := Window(rng)
	if !ok {
		return provider.RawSeries{}, fmt.Errorf("longport: %w: %q", market.ErrInvalidRange, rng)
	}
	sticks, err := c.qc.Candlesticks(ctx, c.Symbol(symbol), period, n, quote.AdjustTypeNo)
	if err != nil {
		return provider.RawSeries{}, c.classify(err)
	}
	bars := make([]provider.RawBar, 0, len(sticks))
	for _, s := range sticks {
		if s == nil {
			continue
		}
		bars = append(bars, provider.RawBar{
			Epoch:  s.Timestamp,
			Open:   float(s.Open),
			High:   float(s.High),
			Low:    float(s.Low),
			Close:  float(s.Close),
			Volume: float64(s.Volume),
		})
	}
	if len(bars) == 0 {
		return provider.RawSeries{}, provider.NotFound(c.cfg.Name, fmt.Errorf("no candles for %s %s", symbol, rng))
	}
	return provider.RawSeries{
		Symbol:     symbol.String(),
		Currency:   c.cfg.Currency,
		Bars:       bars,
		ReceivedAt: c.now(),
	}, nil
}

// Symbol is the Longport form of s: AAPL becomes AAPL.US, 700.HK is unchanged.
func (c *Client) Symbol(s market.Symbol) string {
	if strings.Contains(s.String(), ".") {
		return s.String()
	}
	return s.String() + "." + c.cfg.Market
}

// API error codes returned by the quote service.
var apiCodes = map[string]error{
	"301600": market.ErrNotFound, // invalid request, e.g. a malformed symbol
	"301603": market.ErrNotFound, // security not found
	"301604": market.ErrUnauthorized,
	"401003": market.ErrUnauthorized, // token expired
	"401004": market.ErrUnauthorized, // token invalid
}

// classify maps quote service failures onto the taxonomy by API code,
// falling back to the message text.
func (c *Client) classify(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return provider.Wrap(c.cfg.Name, err)
	}
	msg := strings.ToLower(err.Error())
	for code, kind := range apiCodes {
		if strings.Contains(msg, code) {
			return &provider.Error{Provider: c.cfg.Name, Kind: kind, Err: err}
		}
	}
	switch {
	case strings.Contains(msg, "not found"), strings.Contains(msg, "invalid symbol"):
		return provider.NotFound(c.cfg.Name, err)
	case strings.Contains(msg, "unauthorized"), strings.Contains(msg, "permission"), strings.Contains(msg, "no quote access"):
		return provider.Unauthorized(c.cfg.Name, err)
	}
	return provider.Wrap(c.cfg.Name, err)
}

// float turns a missing price into NaN so the row is dropped downstream.
func float(d *decimal.Decimal) float64 {
	if d == nil {
		return math.NaN()
	}
	return d.InexactFloat64()
}
