package httpx

import (
	"net"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
)

// Client carries the tuned transport shared by REST adapters.
type Client struct {
	HTTP      *http.Client
	UserAgent string
	Headers   map[string]string
}

func New(timeout time.Duration) *Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 3 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          200,
		MaxIdleConnsPerHost:   100,
		MaxConnsPerHost:       100,
		ForceAttemptHTTP2:     true,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   3 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 5 * time.Second,
	}
	return &Client{HTTP: &http.Client{Timeout: timeout, Transport: transport}, UserAgent: "marketdata/1.0"}
}

// Resty returns a resty client on top of the shared transport with the
// default headers applied. Retries stay off; the engine owns retry policy.
func (c *Client) Resty(baseURL string) *resty.Client {
	rc := resty.NewWithClient(c.HTTP).
		SetBaseURL(baseURL).
		SetTimeout(c.HTTP.Timeout).
		SetRetryCount(0)
	if c.UserAgent != "" {
		rc.SetHeader("User-Agent", c.UserAgent)
	}
	for k, v := range c.Headers {
		rc.SetHeader(k, v)
	}
	return rc
}
