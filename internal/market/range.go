package market

import (
	"fmt"
	"strings"
	"time"
)

// Range is the history window requested by the presentation layer.
type Range string

const (
	Range1D  Range = "1D"
	Range5D  Range = "5D"
	Range1M  Range = "1M"
	Range6M  Range = "6M"
	Range1Y  Range = "1Y"
	Range5Y  Range = "5Y"
	RangeMax Range = "MAX"
)

// Ranges lists every supported range, shortest first.
var Ranges = []Range{Range1D, Range5D, Range1M, Range6M, Range1Y, Range5Y, RangeMax}

// ParseRange accepts the enum case-insensitively, plus a few common aliases.
func ParseRange(s string) (Range, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "1D":
		return Range1D, nil
	case "5D":
		return Range5D, nil
	case "1M", "1MO":
		return Range1M, nil
	case "6M", "6MO":
		return Range6M, nil
	case "1Y":
		return Range1Y, nil
	case "5Y":
		return Range5Y, nil
	case "MAX":
		return RangeMax, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRange, s)
}

// Start returns the beginning of the window ending at now.
// MAX starts at the Unix epoch.
func (r Range) Start(now time.Time) time.Time {
	switch r {
	case Range1D:
		return now.AddDate(0, 0, -1)
	case Range5D:
		return now.AddDate(0, 0, -5)
	case Range1M:
		return now.AddDate(0, -1, 0)
	case Range6M:
		return now.AddDate(0, -6, 0)
	case Range1Y:
		return now.AddDate(-1, 0, 0)
	case Range5Y:
		return now.AddDate(-5, 0, 0)
	}
	return time.Unix(0, 0).UTC()
}

func (r Range) String() string { return string(r) }

// QueryKind separates quote lookups from history lookups for caching,
// TTLs and provider capability.
type QueryKind string

const (
	KindQuote   QueryKind = "quote"
	KindHistory QueryKind = "history"
)
