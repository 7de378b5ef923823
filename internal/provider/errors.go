package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"marketdata/internal/market"
)

// Error is the failure shape every adapter returns. Kind is one of
// market.ErrNotFound, market.ErrUnauthorized or market.ErrTransient.
type Error struct {
	Provider string
	Kind     error
	Status   int
	Body     string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Provider)
	b.WriteString(": ")
	b.WriteString(e.Kind.Error())
	if e.Status != 0 {
		fmt.Fprintf(&b, " (status %d)", e.Status)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	} else if e.Body != "" {
		b.WriteString(": ")
		b.WriteString(e.Body)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func NotFound(name string, err error) error {
	return &Error{Provider: name, Kind: market.ErrNotFound, Err: err}
}

func Unauthorized(name string, err error) error {
	return &Error{Provider: name, Kind: market.ErrUnauthorized, Err: err}
}

func Transient(name string, err error) error {
	return &Error{Provider: name, Kind: market.ErrTransient, Err: err}
}

// maxBody bounds how much of an error body is kept for diagnostics.
const maxBody = 2 << 10

// Classify maps an HTTP status to the error taxonomy. 2xx returns nil.
func Classify(name string, status int, body string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	if len(body) > maxBody {
		body = body[:maxBody]
	}
	e := &Error{Provider: name, Status: status, Body: strings.TrimSpace(body)}
	switch {
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		e.Kind = market.ErrUnauthorized
	case status == http.StatusNotFound:
		e.Kind = market.ErrNotFound
	default:
		// 408, 425, 429, 5xx and anything unexpected are worth another try later.
		e.Kind = market.ErrTransient
	}
	return e
}

// Wrap converts a library or transport error into the taxonomy. Errors that
// are already classified pass through unchanged.
func Wrap(name string, err error) error {
	if err == nil {
		return nil
	}
	var pe *Error
	if errors.As(err, &pe) {
		return err
	}
	// Timeouts, cancellations and transport failures are all retryable.
	return Transient(name, err)
}

// KindOf reports the taxonomy kind of err, or nil when err carries none.
func KindOf(err error) error {
	for _, k := range []error{market.ErrNotFound, market.ErrUnauthorized, market.ErrTransient, market.ErrMalformedData} {
		if errors.Is(err, k) {
			return k
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return market.ErrTransient
	}
	return nil
}
