package yahoo

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"marketdata/internal/aggregate"
	"marketdata/internal/httpx"
	"marketdata/internal/market"
	"marketdata/internal/provider"
	"marketdata/internal/provider/cache"
)

var fixedNow = time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)

const (
	vodQuote   = `{"quoteResponse":{"result":[{"symbol":"VOD.L","currency":"GBp","regularMarketPrice":7050,"regularMarketTime":1704207600}],"error":null}}`
	aaplQuote  = `{"quoteResponse":{"result":[{"symbol":"AAPL","regularMarketPrice":150.25,"regularMarketTime":1704207600}],"error":null}}`
	emptyQuote = `{"quoteResponse":{"result":[],"error":null}}`

	vodChart = `{"chart":{"result":[{"meta":{"currency":"GBp","symbol":"VOD.L"},
		"timestamp":[1704186000,1704272400,1704358800],
		"indicators":{"quote":[{"open":[7000,null,7060],"high":[7100,null,7080],"low":[6990,null,7010],"close":[7050,null,7020],"volume":[1000,null,2000]}]}}],"error":null}}`

	noDataChart = `{"chart":{"result":null,"error":{"code":"Not Found","description":"No data found, symbol may be delisted"}}}`
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c := New(Config{BaseURL: srv.URL}, httpx.New(2*time.Second))
	c.now = func() time.Time { return fixedNow }
	return c
}

// yahooStub serves the quote and chart endpoints for a fixed set of symbols
// the way Yahoo answers unknown ones: an empty quote result and a 404 chart.
func yahooStub(t *testing.T, quotes, charts map[string]string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/v6/finance/quote":
			body, ok := quotes[r.URL.Query().Get("symbols")]
			if !ok {
				body = emptyQuote
			}
			_, _ = io.WriteString(w, body)
		case strings.HasPrefix(r.URL.Path, "/v8/finance/chart/"):
			body, ok := charts[strings.TrimPrefix(r.URL.Path, "/v8/finance/chart/")]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				body = noDataChart
			}
			_, _ = io.WriteString(w, body)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusTeapot)
		}
	}
}

func TestFetchQuote(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, yahooStub(t, map[string]string{"VOD.L": vodQuote}, nil))

	q, err := c.FetchQuote(t.Context(), "VOD.L")
	require.NoError(t, err)
	require.Equal(t, provider.RawQuote{
		Symbol:     "VOD.L",
		Price:      7050,
		Currency:   "GBp",
		Epoch:      1704207600,
		ReceivedAt: fixedNow,
	}, q)
}

func TestFetchQuote_DefaultsCurrency(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, yahooStub(t, map[string]string{"AAPL": aaplQuote}, nil))

	q, err := c.FetchQuote(t.Context(), "AAPL")
	require.NoError(t, err)
	require.Equal(t, "USD", q.Currency)
}

func TestFetchQuote_EmptyResultIsNotFound(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, yahooStub(t, nil, nil))

	_, err := c.FetchQuote(t.Context(), "NOSUCH")
	require.ErrorIs(t, err, market.ErrNotFound)
	require.NotErrorIs(t, err, market.ErrTransient)
}

func TestFetchQuote_StatusClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"invalid crumb", http.StatusUnauthorized, `{"finance":{"error":{"code":"Unauthorized","description":"Invalid Crumb"}}}`, market.ErrUnauthorized},
		{"server error", http.StatusBadGateway, "bad gateway", market.ErrTransient},
		{"throttled", http.StatusTooManyRequests, "Too Many Requests", market.ErrTransient},
		{"quote error object", http.StatusOK, `{"quoteResponse":{"result":null,"error":{"code":"Bad Request","description":"Missing value for the \"symbols\" argument"}}}`, market.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := c.FetchQuote(t.Context(), "AAPL")
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFetchQuote_HonoursContext(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})

	ctx, cancel := context.WithTimeout(t.Context(), 20*time.Millisecond)
	defer cancel()
	_, err := c.FetchQuote(ctx, "AAPL")
	require.ErrorIs(t, err, market.ErrTransient)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetchHistory_UsesChartCurrency(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, yahooStub(t, nil, map[string]string{"VOD.L": vodChart}))

	rs, err := c.FetchHistory(t.Context(), "VOD.L", market.Range1Y)
	require.NoError(t, err)
	require.Equal(t, "VOD.L", rs.Symbol)
	require.Equal(t, "GBp", rs.Currency)
	require.Len(t, rs.Bars, 2, "null row is skipped")
	require.Equal(t, provider.RawBar{Epoch: 1704186000, Open: 7000, High: 7100, Low: 6990, Close: 7050, Volume: 1000}, rs.Bars[0])
}

func TestFetchHistory_FallsBackToConfiguredCurrency(t *testing.T) {
	t.Parallel()

	body := strings.Replace(vodChart, `"currency":"GBp",`, "", 1)
	c := newTestClient(t, yahooStub(t, nil, map[string]string{"VOD.L": body}))

	rs, err := c.FetchHistory(t.Context(), "VOD.L", market.Range1Y)
	require.NoError(t, err)
	require.Equal(t, "USD", rs.Currency)
}

func TestFetchHistory_UnknownSymbolIsNotFound(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, yahooStub(t, nil, nil))

	_, err := c.FetchHistory(t.Context(), "NOSUCH", market.Range1M)
	require.ErrorIs(t, err, market.ErrNotFound)
	require.NotErrorIs(t, err, market.ErrTransient)
}

func TestFetchHistory_EmptyResultIsNotFound(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"chart":{"result":[],"error":null}}`)
	})

	_, err := c.FetchHistory(t.Context(), "ZZZZ", market.Range1Y)
	require.ErrorIs(t, err, market.ErrNotFound)
}

func TestFetchHistory_ServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.FetchHistory(t.Context(), "AAPL", market.Range1M)
	require.ErrorIs(t, err, market.ErrTransient)
}

func TestFetchHistory_IntervalFollowsRange(t *testing.T) {
	t.Parallel()

	var got atomic.Value
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got.Store(r.URL.Query().Get("interval"))
		_, _ = io.WriteString(w, vodChart)
	})

	for rng, want := range map[market.Range]string{
		market.Range1D:  "5m",
		market.Range5D:  "30m",
		market.Range1M:  "60m",
		market.Range1Y:  "1d",
		market.Range5Y:  "1wk",
		market.RangeMax: "1mo",
	} {
		_, err := c.FetchHistory(t.Context(), "VOD.L", rng)
		require.NoError(t, err, rng)
		require.Equal(t, want, got.Load(), rng)
	}
}

func TestFetchHistory_InvalidRange(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, yahooStub(t, nil, nil))

	_, err := c.FetchHistory(t.Context(), "AAPL", "2W")
	require.ErrorIs(t, err, market.ErrInvalidRange)
}

func newTestEngine(c *Client) *aggregate.Engine {
	now := func() time.Time { return fixedNow }
	return aggregate.New(aggregate.Config{}, []provider.Client{c}, nil, cache.New(8, now),
		aggregate.WithClock(now),
		aggregate.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
}

func TestEngine_UnknownSymbolsKeepYahooHealthy(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, yahooStub(t,
		map[string]string{"AAPL": aaplQuote},
		map[string]string{"VOD.L": vodChart}))
	eng := newTestEngine(c)

	for _, s := range []string{"BAD1", "BAD2", "BAD3", "BAD4"} {
		_, err := eng.GetQuote(t.Context(), s)
		require.ErrorIs(t, err, market.ErrNotFound)
		_, err = eng.GetHistory(t.Context(), s, market.Range1M)
		require.ErrorIs(t, err, market.ErrNotFound)
	}
	h := eng.Health()
	require.Len(t, h, 1)
	require.Zero(t, h[0].ConsecutiveFailures)
	require.True(t, h[0].CooldownUntil.IsZero())

	q, err := eng.GetQuote(t.Context(), "AAPL")
	require.NoError(t, err)
	require.Equal(t, "150.25", q.Price.String())
}

func TestEngine_MinorUnitHistoryMatchesQuote(t *testing.T) {
	t.Parallel()

	c := newTestClient(t, yahooStub(t,
		map[string]string{"VOD.L": vodQuote},
		map[string]string{"VOD.L": vodChart}))
	eng := newTestEngine(c)

	q, err := eng.GetQuote(t.Context(), "VOD.L")
	require.NoError(t, err)
	require.Equal(t, "GBP", q.Currency)
	require.True(t, decimal.RequireFromString("70.5").Equal(q.Price), q.Price.String())

	ts, err := eng.GetHistory(t.Context(), "VOD.L", market.Range1Y)
	require.NoError(t, err)
	require.Equal(t, "GBP", ts.Currency)
	require.Len(t, ts.Bars, 2)
	require.True(t, decimal.RequireFromString("70.5").Equal(ts.Bars[0].Close), ts.Bars[0].Close.String())
	require.True(t, decimal.RequireFromString("70.2").Equal(ts.Bars[1].Close), ts.Bars[1].Close.String())
}
