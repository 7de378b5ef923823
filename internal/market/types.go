package market

import (
	"time"

	"github.com/shopspring/decimal"
)

// Quote is the canonical latest-price record. Price carries no minor units;
// Currency is an ISO 4217 code.
type Quote struct {
	Symbol   Symbol          `json:"symbol"`
	Price    decimal.Decimal `json:"price"`
	Currency string          `json:"currency"`
	AsOf     time.Time       `json:"as_of"`
	Source   string          `json:"source"`
}

// Version orders quotes for the cache's no-regression rule.
func (q Quote) Version() time.Time { return q.AsOf }

// Bar is one OHLCV row, timestamp in UTC.
type Bar struct {
	Time   time.Time       `json:"time"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// TimeSeries holds bars with strictly increasing timestamps. Gaps are allowed.
type TimeSeries struct {
	Symbol   Symbol `json:"symbol"`
	Range    Range  `json:"range"`
	Currency string `json:"currency"`
	Source   string `json:"source"`
	Bars     []Bar  `json:"bars"`
}

// Clone returns a copy whose bar slice does not alias the receiver's.
func (ts TimeSeries) Clone() TimeSeries {
	out := ts
	if ts.Bars != nil {
		out.Bars = make([]Bar, len(ts.Bars))
		copy(out.Bars, ts.Bars)
	}
	return out
}
