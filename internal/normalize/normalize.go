// Package normalize converts raw provider shapes into the canonical market
// types. Every function here is pure: the same input yields the same output.
package normalize

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"marketdata/internal/market"
	"marketdata/internal/provider"
)

// Quote validates and converts a raw quote. source tags the result.
func Quote(raw provider.RawQuote, source string) (market.Quote, error) {
	sym, err := market.ParseSymbol(raw.Symbol)
	if err != nil {
		return market.Quote{}, malformed("symbol %q", raw.Symbol)
	}
	if !validPrice(raw.Price) {
		return market.Quote{}, malformed("%s price %v", sym, raw.Price)
	}
	code, divisor, err := Currency(raw.Currency)
	if err != nil {
		return market.Quote{}, err
	}

	var asOf time.Time
	switch {
	case !raw.AsOf.IsZero():
		asOf = raw.AsOf.UTC()
	case raw.Epoch > 0:
		asOf = epochUTC(raw.Epoch)
	case !raw.ReceivedAt.IsZero():
		asOf = raw.ReceivedAt.UTC()
	default:
		return market.Quote{}, malformed("%s quote has no timestamp", sym)
	}

	return market.Quote{
		Symbol:   sym,
		Price:    scale(raw.Price, divisor),
		Currency: code,
		AsOf:     asOf,
		Source:   source,
	}, nil
}

type row struct {
	bar      market.Bar
	reported time.Time
}

// History validates and converts a raw series. Rows with unusable
// timestamps or values are dropped; duplicates at the same instant keep the
// row the provider reported most recently, later input winning ties.
func History(raw provider.RawSeries, rng market.Range, source string) (market.TimeSeries, error) {
	sym, err := market.ParseSymbol(raw.Symbol)
	if err != nil {
		return market.TimeSeries{}, malformed("symbol %q", raw.Symbol)
	}
	code, divisor, err := Currency(raw.Currency)
	if err != nil {
		return market.TimeSeries{}, err
	}
	loc := time.UTC
	if raw.Timezone != "" {
		loc, err = time.LoadLocation(raw.Timezone)
		if err != nil {
			return market.TimeSeries{}, malformed("%s timezone %q", sym, raw.Timezone)
		}
	}

	byTime := make(map[int64]row, len(raw.Bars))
	for _, rb := range raw.Bars {
		ts, ok := barTime(rb, raw.Layout, loc)
		if !ok || !validRow(rb) {
			continue
		}
		k := ts.UnixNano()
		if prev, dup := byTime[k]; dup && rb.Reported.Before(prev.reported) {
			continue
		}
		byTime[k] = row{
			bar: market.Bar{
				Time:   ts,
				Open:   scale(rb.Open, divisor),
				High:   scale(rb.High, divisor),
				Low:    scale(rb.Low, divisor),
				Close:  scale(rb.Close, divisor),
				Volume: int64(rb.Volume),
			},
			reported: rb.Reported,
		}
	}
	if len(byTime) == 0 {
		return market.TimeSeries{}, malformed("%s: no usable rows out of %d", sym, len(raw.Bars))
	}

	bars := make([]market.Bar, 0, len(byTime))
	for _, r := range byTime {
		bars = append(bars, r.bar)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })

	return market.TimeSeries{
		Symbol:   sym,
		Range:    rng,
		Currency: code,
		Source:   source,
		Bars:     bars,
	}, nil
}

// minorUnits maps quote currencies that providers report in minor units to
// their ISO code and divisor. Keys are case-sensitive: GBp is pence, GBP is pounds.
var minorUnits = map[string]struct {
	code    string
	divisor int64
}{
	"GBp": {"GBP", 100},
	"GBX": {"GBP", 100},
	"ZAc": {"ZAR", 100},
	"ZAC": {"ZAR", 100},
	"ILA": {"ILS", 100},
	"ILa": {"ILS", 100},
}

// Currency resolves a provider currency tag to an ISO code and the divisor
// that converts the provider's amounts into major units.
func Currency(raw string) (string, decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	if m, ok := minorUnits[s]; ok {
		return m.code, decimal.NewFromInt(m.divisor), nil
	}
	code := strings.ToUpper(s)
	if m, ok := minorUnits[code]; ok {
		return m.code, decimal.NewFromInt(m.divisor), nil
	}
	if len(code) != 3 {
		return "", decimal.Decimal{}, malformed("currency %q", raw)
	}
	for _, r := range code {
		if r < 'A' || r > 'Z' {
			return "", decimal.Decimal{}, malformed("currency %q", raw)
		}
	}
	return code, decimal.NewFromInt(1), nil
}

func barTime(rb provider.RawBar, layout string, loc *time.Location) (time.Time, bool) {
	switch {
	case rb.Epoch > 0:
		return epochUTC(rb.Epoch), true
	case !rb.Time.IsZero():
		return rb.Time.UTC(), true
	case rb.Stamp != "":
		if layout == "" {
			layout = time.DateTime
		}
		t, err := time.ParseInLocation(layout, strings.TrimSpace(rb.Stamp), loc)
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	}
	return time.Time{}, false
}

// epochUTC accepts seconds or milliseconds.
func epochUTC(v int64) time.Time {
	if v > 1_000_000_000_000 {
		return time.UnixMilli(v).UTC()
	}
	return time.Unix(v, 0).UTC()
}

func validRow(rb provider.RawBar) bool {
	for _, v := range []float64{rb.Open, rb.High, rb.Low, rb.Close} {
		if !validPrice(v) {
			return false
		}
	}
	// float64(math.MaxInt64) is 2^63, which int64 cannot hold
	if !finite(rb.Volume) || rb.Volume < 0 || rb.Volume >= math.MaxInt64 {
		return false
	}
	return rb.High >= rb.Low
}

func validPrice(v float64) bool { return finite(v) && v >= 0 }

func finite(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }

func scale(v float64, divisor decimal.Decimal) decimal.Decimal {
	d := decimal.NewFromFloat(v)
	if divisor.Equal(decimal.NewFromInt(1)) {
		return d
	}
	return d.Div(divisor)
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", market.ErrMalformedData, fmt.Sprintf(format, args...))
}
