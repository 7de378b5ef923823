package main

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"marketdata/internal/aggregate"
	"marketdata/internal/market"
)

// batchConcurrency bounds the engine calls one batch request runs at once.
const batchConcurrency = 16

type api struct {
	eng            *aggregate.Engine
	log            *slog.Logger
	requestTimeout time.Duration
	maxBatch       int
}

type errorBody struct {
	Error     string            `json:"error"`
	Message   string            `json:"message"`
	Providers map[string]string `json:"providers,omitempty"`
}

type quotesResponse struct {
	Quotes []market.Quote       `json:"quotes"`
	Errors map[string]errorBody `json:"errors,omitempty"`
}

type providersResponse struct {
	Providers []aggregate.ProviderHealth `json:"providers"`
}

func (a *api) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if a.requestTimeout <= 0 {
		return context.WithCancel(c.Request.Context())
	}
	return context.WithTimeout(c.Request.Context(), a.requestTimeout)
}

func (a *api) getQuote(c *gin.Context) {
	ctx, cancel := a.requestContext(c)
	defer cancel()

	q, err := a.eng.GetQuote(ctx, c.Param("symbol"))
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, q)
}

func (a *api) getHistory(c *gin.Context) {
	ctx, cancel := a.requestContext(c)
	defer cancel()

	rng := market.Range(c.DefaultQuery("range", string(market.Range1M)))
	ts, err := a.eng.GetHistory(ctx, c.Param("symbol"), rng)
	if err != nil {
		a.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ts)
}

func (a *api) getQuotes(c *gin.Context) {
	q := c.Query("symbols")
	if strings.TrimSpace(q) == "" {
		badRequest(c, "missing symbols query param")
		return
	}
	a.writeQuotes(c, splitCSV(q))
}

type postBody struct {
	Symbols []string `json:"symbols"`
}

func (a *api) postQuotes(c *gin.Context) {
	var b postBody
	if err := c.ShouldBindJSON(&b); err != nil {
		badRequest(c, "invalid JSON body")
		return
	}
	if len(b.Symbols) == 0 {
		badRequest(c, "symbols cannot be empty")
		return
	}
	a.writeQuotes(c, b.Symbols)
}

// writeQuotes fans the symbols out to the engine and returns whatever
// succeeded. The request fails only when every symbol did.
func (a *api) writeQuotes(c *gin.Context, symbols []string) {
	symbols = dedupe(symbols)
	if a.maxBatch > 0 && len(symbols) > a.maxBatch {
		badRequest(c, "too many symbols (max "+strconv.Itoa(a.maxBatch)+")")
		return
	}
	ctx, cancel := a.requestContext(c)
	defer cancel()

	quotes := make([]market.Quote, len(symbols))
	errs := make([]error, len(symbols))
	var g errgroup.Group
	g.SetLimit(batchConcurrency)
	for i, s := range symbols {
		g.Go(func() error {
			quotes[i], errs[i] = a.eng.GetQuote(ctx, s)
			return nil
		})
	}
	_ = g.Wait()

	resp := quotesResponse{Quotes: make([]market.Quote, 0, len(symbols))}
	var first error
	for i, s := range symbols {
		if errs[i] != nil {
			if resp.Errors == nil {
				resp.Errors = make(map[string]errorBody)
			}
			_, body := classify(errs[i])
			resp.Errors[s] = body
			if first == nil {
				first = errs[i]
			}
			continue
		}
		resp.Quotes = append(resp.Quotes, quotes[i])
	}
	status := http.StatusOK
	if len(resp.Quotes) == 0 && first != nil {
		status, _ = classify(first)
		setRetryAfter(c, first)
	}
	c.JSON(status, resp)
}

func (a *api) getProviders(c *gin.Context) {
	c.JSON(http.StatusOK, providersResponse{Providers: a.eng.Health()})
}

func (a *api) resetProvider(c *gin.Context) {
	if err := a.eng.ResetHealth(c.Param("name")); err != nil {
		c.JSON(http.StatusNotFound, errorBody{Error: "unknown_provider", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, providersResponse{Providers: a.eng.Health()})
}

func (a *api) fail(c *gin.Context, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		a.log.Warn("request failed", "path", c.FullPath(), "status", status, "error", err)
	}
	setRetryAfter(c, err)
	c.JSON(status, body)
}

// classify maps an engine error onto an HTTP status and error body.
func classify(err error) (int, errorBody) {
	body := errorBody{Message: err.Error()}
	var agg *aggregate.AggregateError
	var rl *aggregate.RateLimitedError
	switch {
	case errors.Is(err, market.ErrInvalidSymbol), errors.Is(err, market.ErrInvalidRange):
		body.Error = "invalid_request"
		return http.StatusBadRequest, body
	case errors.As(err, &rl):
		body.Error = "rate_limited"
		return http.StatusTooManyRequests, body
	case errors.As(err, &agg):
		body.Providers = agg.ProviderMessages()
		if agg.AllNotFound() {
			body.Error = "not_found"
			return http.StatusNotFound, body
		}
		body.Error = "providers_unavailable"
		return http.StatusBadGateway, body
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		body.Error = "timeout"
		return http.StatusGatewayTimeout, body
	default:
		body.Error = "internal"
		return http.StatusInternalServerError, body
	}
}

func setRetryAfter(c *gin.Context, err error) {
	var rl *aggregate.RateLimitedError
	if errors.As(err, &rl) {
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		c.Header("Retry-After", strconv.Itoa(secs))
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, errorBody{Error: "invalid_request", Message: msg})
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		key := strings.ToUpper(strings.TrimSpace(s))
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
