package aggregate

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"marketdata/internal/market"
)

// AggregateError is returned when no provider produced a result. It matches
// market.ErrAllProvidersUnavailable and, through the per-provider errors, any
// kind a provider reported.
type AggregateError struct {
	Symbol market.Symbol
	Kind   market.QueryKind
	Range  market.Range
	// last error per provider, in candidate order
	Providers []string
	Errors    map[string]error
}

func newAggregateError(sym market.Symbol, kind market.QueryKind, rng market.Range) *AggregateError {
	return &AggregateError{Symbol: sym, Kind: kind, Range: rng, Errors: make(map[string]error)}
}

func (e *AggregateError) add(provider string, err error) {
	if _, ok := e.Errors[provider]; !ok {
		e.Providers = append(e.Providers, provider)
	}
	e.Errors[provider] = err
}

func (e *AggregateError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s for %s %s", market.ErrAllProvidersUnavailable, e.Kind, e.Symbol)
	if e.Range != "" {
		fmt.Fprintf(&b, " %s", e.Range)
	}
	if len(e.Providers) == 0 {
		b.WriteString(": no provider configured")
		return b.String()
	}
	for i, p := range e.Providers {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		b.WriteString(prefixed(p, e.Errors[p]))
	}
	return b.String()
}

// prefixed names the provider once; provider.Error messages already lead
// with it.
func prefixed(name string, err error) string {
	msg := err.Error()
	if strings.HasPrefix(msg, name+": ") {
		return msg
	}
	return name + ": " + msg
}

func (e *AggregateError) Unwrap() []error {
	out := make([]error, 0, len(e.Providers)+1)
	out = append(out, market.ErrAllProvidersUnavailable)
	for _, p := range e.Providers {
		out = append(out, e.Errors[p])
	}
	return out
}

// AllNotFound reports whether every provider that answered said NotFound.
func (e *AggregateError) AllNotFound() bool {
	if len(e.Providers) == 0 {
		return false
	}
	for _, p := range e.Providers {
		if !errors.Is(e.Errors[p], market.ErrNotFound) {
			return false
		}
	}
	return true
}

// ProviderMessages flattens the per-provider errors for presentation.
func (e *AggregateError) ProviderMessages() map[string]string {
	out := make(map[string]string, len(e.Errors))
	for p, err := range e.Errors {
		out[p] = err.Error()
	}
	return out
}

// RateLimitedError is returned when every candidate was denied admission.
type RateLimitedError struct {
	Symbol     market.Symbol
	Kind       market.QueryKind
	RetryAfter time.Duration
	Providers  []string
}

func (e *RateLimitedError) Error() string {
	ps := append([]string(nil), e.Providers...)
	sort.Strings(ps)
	return fmt.Sprintf("%s for %s %s: retry after %s (%s)", market.ErrRateLimited, e.Kind, e.Symbol, e.RetryAfter, strings.Join(ps, ", "))
}

func (e *RateLimitedError) Unwrap() error { return market.ErrRateLimited }
