package normalize_test

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"marketdata/internal/market"
	"marketdata/internal/normalize"
	"marketdata/internal/provider"
)

func TestQuote_NormalizesSymbolPriceAndTime(t *testing.T) {
	t.Parallel()

	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	q, err := normalize.Quote(provider.RawQuote{
		Symbol:   " aapl",
		Price:    150.25,
		Currency: "usd",
		AsOf:     time.Date(2024, 1, 2, 10, 0, 0, 0, ny),
	}, "yahoo")
	require.NoError(t, err)
	require.Equal(t, market.Symbol("AAPL"), q.Symbol)
	require.True(t, q.Price.Equal(decimal.RequireFromString("150.25")))
	require.Equal(t, "USD", q.Currency)
	require.Equal(t, time.UTC, q.AsOf.Location())
	require.True(t, q.AsOf.Equal(time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)))
	require.Equal(t, "yahoo", q.Source)
}

func TestQuote_EpochMillisAndReceivedAtFallback(t *testing.T) {
	t.Parallel()

	q, err := normalize.Quote(provider.RawQuote{Symbol: "MSFT", Price: 1, Currency: "USD", Epoch: 1704207600000}, "p")
	require.NoError(t, err)
	require.True(t, q.AsOf.Equal(time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)))

	recv := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	q, err = normalize.Quote(provider.RawQuote{Symbol: "MSFT", Price: 1, Currency: "USD", ReceivedAt: recv}, "p")
	require.NoError(t, err)
	require.True(t, q.AsOf.Equal(recv))
}

func TestQuote_RejectsInvalidPrices(t *testing.T) {
	t.Parallel()

	now := time.Now()
	for _, p := range []float64{math.NaN(), math.Inf(1), -0.01} {
		_, err := normalize.Quote(provider.RawQuote{Symbol: "X", Price: p, Currency: "USD", AsOf: now}, "p")
		require.ErrorIsf(t, err, market.ErrMalformedData, "price %v", p)
	}
	_, err := normalize.Quote(provider.RawQuote{Symbol: "X", Price: 1, Currency: "USD"}, "p")
	require.ErrorIs(t, err, market.ErrMalformedData)
	_, err = normalize.Quote(provider.RawQuote{Symbol: "X", Price: 1, AsOf: now}, "p")
	require.ErrorIs(t, err, market.ErrMalformedData)
}

func TestQuote_MinorUnitCurrencies(t *testing.T) {
	t.Parallel()

	q, err := normalize.Quote(provider.RawQuote{Symbol: "VOD.L", Price: 7125, Currency: "GBp", AsOf: time.Now()}, "yahoo")
	require.NoError(t, err)
	require.Equal(t, "GBP", q.Currency)
	require.True(t, q.Price.Equal(decimal.RequireFromString("71.25")), q.Price.String())

	code, div, err := normalize.Currency("gbp")
	require.NoError(t, err)
	require.Equal(t, "GBP", code)
	require.True(t, div.Equal(decimal.NewFromInt(1)))
}

func TestHistory_SortsDedupsAndConvertsToUTC(t *testing.T) {
	t.Parallel()

	early := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)
	raw := provider.RawSeries{
		Symbol:   "aapl",
		Currency: "USD",
		Timezone: "America/New_York",
		Layout:   "2006-01-02 15:04",
		Bars: []provider.RawBar{
			{Stamp: "2024-01-03 09:30", Open: 3, High: 4, Low: 2, Close: 3, Volume: 10, Reported: early},
			{Stamp: "2024-01-02 09:30", Open: 1, High: 2, Low: 1, Close: 2, Volume: 10},
			{Stamp: "2024-01-03 09:30", Open: 5, High: 6, Low: 4, Close: 5, Volume: 20, Reported: late},
			{Stamp: "2024-01-03 09:30", Open: 9, High: 9, Low: 9, Close: 9, Volume: 99, Reported: early},
		},
	}
	ts, err := normalize.History(raw, market.Range5D, "finnhub")
	require.NoError(t, err)
	require.Equal(t, market.Symbol("AAPL"), ts.Symbol)
	require.Equal(t, market.Range5D, ts.Range)
	require.Len(t, ts.Bars, 2)

	require.True(t, ts.Bars[0].Time.Equal(time.Date(2024, 1, 2, 14, 30, 0, 0, time.UTC)))
	require.True(t, ts.Bars[1].Time.Equal(time.Date(2024, 1, 3, 14, 30, 0, 0, time.UTC)))
	require.True(t, ts.Bars[1].Close.Equal(decimal.NewFromInt(5)), "latest reported duplicate wins")
	require.Equal(t, int64(20), ts.Bars[1].Volume)
	for i, b := range ts.Bars {
		require.Equal(t, time.UTC, b.Time.Location())
		if i > 0 {
			require.True(t, b.Time.After(ts.Bars[i-1].Time))
		}
	}
}

func TestHistory_MixedTimeRepresentationsAreStrictlyIncreasing(t *testing.T) {
	t.Parallel()

	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	raw := provider.RawSeries{
		Symbol:   "7203.T",
		Currency: "JPY",
		Bars: []provider.RawBar{
			{Time: time.Date(2024, 1, 5, 9, 0, 0, 0, tokyo), Open: 1, High: 1, Low: 1, Close: 1},
			{Epoch: time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC).Unix(), Open: 1, High: 1, Low: 1, Close: 1},
			{Epoch: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC).UnixMilli(), Open: 1, High: 1, Low: 1, Close: 1},
			// same instant as the first row expressed in UTC; later input wins
			{Time: time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC), Open: 2, High: 2, Low: 2, Close: 2},
		},
	}
	ts, err := normalize.History(raw, market.Range1M, "yahoo")
	require.NoError(t, err)
	require.Len(t, ts.Bars, 3)
	for i, b := range ts.Bars {
		require.Equal(t, time.UTC, b.Time.Location())
		if i > 0 {
			require.True(t, b.Time.After(ts.Bars[i-1].Time))
		}
	}
	require.True(t, ts.Bars[2].Close.Equal(decimal.NewFromInt(2)))
}

func TestHistory_DropsInvalidRows(t *testing.T) {
	t.Parallel()

	raw := provider.RawSeries{
		Symbol:   "X",
		Currency: "USD",
		Bars: []provider.RawBar{
			{Epoch: 1704067200, Open: math.NaN(), High: 1, Low: 1, Close: 1},
			{Epoch: 1704153600, Open: 1, High: 1, Low: 1, Close: -1},
			{Epoch: 1704240000, Open: 1, High: 1, Low: 2, Close: 1},
			{Epoch: 1704326400, Open: 1, High: 1, Low: 1, Close: 1, Volume: math.Inf(1)},
			{Open: 1, High: 1, Low: 1, Close: 1},
			{Epoch: 1704412800, Open: 1, High: 2, Low: 1, Close: 2, Volume: 5},
		},
	}
	ts, err := normalize.History(raw, market.Range1M, "p")
	require.NoError(t, err)
	require.Len(t, ts.Bars, 1)
	require.Equal(t, int64(5), ts.Bars[0].Volume)
}

func TestHistory_DropsVolumeBeyondInt64(t *testing.T) {
	t.Parallel()

	raw := provider.RawSeries{
		Symbol:   "X",
		Currency: "USD",
		Bars: []provider.RawBar{
			{Epoch: 1704067200, Open: 1, High: 1, Low: 1, Close: 1, Volume: math.MaxInt64},
			{Epoch: 1704153600, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1e19},
			{Epoch: 1704240000, Open: 1, High: 1, Low: 1, Close: 1, Volume: 9e18},
		},
	}
	ts, err := normalize.History(raw, market.Range1M, "p")
	require.NoError(t, err)
	require.Len(t, ts.Bars, 1)
	require.Equal(t, int64(9e18), ts.Bars[0].Volume)
	require.Equal(t, time.Unix(1704240000, 0).UTC(), ts.Bars[0].Time)
}

func TestHistory_AllRowsRejectedIsMalformed(t *testing.T) {
	t.Parallel()

	_, err := normalize.History(provider.RawSeries{
		Symbol:   "X",
		Currency: "USD",
		Bars:     []provider.RawBar{{Epoch: 1, Open: -1}},
	}, market.Range1D, "p")
	require.ErrorIs(t, err, market.ErrMalformedData)

	_, err = normalize.History(provider.RawSeries{Symbol: "X", Currency: "USD", Timezone: "Mars/Olympus"}, market.Range1D, "p")
	require.ErrorIs(t, err, market.ErrMalformedData)
}

func TestHistory_Deterministic(t *testing.T) {
	t.Parallel()

	raw := provider.RawSeries{
		Symbol:   "X",
		Currency: "GBX",
		Bars: []provider.RawBar{
			{Epoch: 1704412800, Open: 100, High: 200, Low: 100, Close: 150},
			{Epoch: 1704326400, Open: 100, High: 200, Low: 100, Close: 150},
		},
	}
	a, err := normalize.History(raw, market.Range1M, "p")
	require.NoError(t, err)
	b, err := normalize.History(raw, market.Range1M, "p")
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Equal(t, "GBP", a.Currency)
	require.True(t, a.Bars[0].Close.Equal(decimal.RequireFromString("1.5")))
}
