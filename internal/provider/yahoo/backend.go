package yahoo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-resty/resty/v2"
	finance "github.com/piquette/finance-go"
	"github.com/piquette/finance-go/form"

	"marketdata/internal/market"
	"marketdata/internal/provider"
)

// backend is a finance.Backend on the shared resty client. finance-go's own
// backend reports every 4xx and 5xx as the same string, so status and the
// Yahoo error object are classified here and kept in err for the caller.
type backend struct {
	name string
	rc   *resty.Client
	err  error
}

// envelope is the part of a quote or chart response that says whether the
// symbol resolved.
type envelope struct {
	Chart *struct {
		Result []json.RawMessage   `json:"result"`
		Error  *finance.YfinError `json:"error"`
	} `json:"chart"`
	QuoteResponse *struct {
		Error *finance.YfinError `json:"error"`
	} `json:"quoteResponse"`
}

func (b *backend) Call(path string, body *form.Values, ctx *context.Context, v interface{}) error {
	req := b.rc.R()
	if ctx != nil {
		req.SetContext(*ctx)
	}
	if body != nil && !body.Empty() {
		req.SetQueryString(body.Encode())
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	resp, err := req.Get(path)
	if err != nil {
		return b.fail(provider.Wrap(b.name, err))
	}

	var env envelope
	decodeErr := json.Unmarshal(resp.Body(), &env)
	if yerr := env.yahooError(); yerr != nil {
		return b.fail(b.classifyYahoo(yerr, resp.StatusCode()))
	}
	if err := provider.Classify(b.name, resp.StatusCode(), resp.String()); err != nil {
		return b.fail(err)
	}
	if decodeErr != nil {
		return b.fail(provider.Transient(b.name, fmt.Errorf("decode %s: %w", path, decodeErr)))
	}
	// chart.Get indexes the first result without checking
	if strings.Contains(path, "/chart/") && (env.Chart == nil || len(env.Chart.Result) == 0) {
		return b.fail(provider.NotFound(b.name, errors.New("chart has no result")))
	}
	if err := json.Unmarshal(resp.Body(), v); err != nil {
		return b.fail(provider.Transient(b.name, fmt.Errorf("decode %s: %w", path, err)))
	}
	return nil
}

func (b *backend) fail(err error) error {
	b.err = err
	return err
}

// failure prefers the classified error over what finance-go made of it.
func (b *backend) failure(err error) error {
	if b.err != nil {
		return b.err
	}
	return provider.Wrap(b.name, err)
}

func (e envelope) yahooError() *finance.YfinError {
	switch {
	case e.Chart != nil && e.Chart.Error != nil:
		return e.Chart.Error
	case e.QuoteResponse != nil && e.QuoteResponse.Error != nil:
		return e.QuoteResponse.Error
	}
	return nil
}

func (b *backend) classifyYahoo(yerr *finance.YfinError, status int) error {
	kind := market.ErrTransient
	switch strings.ToLower(yerr.Code) {
	case "not found":
		kind = market.ErrNotFound
	case "unauthorized", "forbidden":
		kind = market.ErrUnauthorized
	default:
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			kind = market.ErrUnauthorized
		}
	}
	e := &provider.Error{Provider: b.name, Kind: kind, Err: fmt.Errorf("%s: %s", yerr.Code, yerr.Description)}
	if status >= http.StatusMultipleChoices {
		e.Status = status
	}
	return e
}
