package market

import "errors"

// Provider-level failures. Adapters wrap these; the engine interprets them.
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrTransient    = errors.New("transient")
)

// Failures produced inside the core.
var (
	ErrMalformedData           = errors.New("malformed data")
	ErrRateLimited             = errors.New("rate limited")
	ErrAllProvidersUnavailable = errors.New("all providers unavailable")
)

// Caller input errors.
var (
	ErrInvalidSymbol = errors.New("invalid symbol")
	ErrInvalidRange  = errors.New("invalid range")
)
