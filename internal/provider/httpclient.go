package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type HTTPConfig struct {
	Timeout           time.Duration
	RequestsPerSecond float64 // 0 disables pacing
	Burst             int
	MaxBody           int64
}

// HTTPClient is the transport every adapter shares. Retries are disabled
// here on purpose: each network attempt must be visible to the orchestrator
// so it can be charged to quota.
type HTTPClient struct {
	provider string
	http     *retryablehttp.Client
	limiter  *rate.Limiter
	maxBody  int64
}

func NewHTTPClient(provider string, cfg HTTPConfig, log *logrus.Entry) *HTTPClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 0
	rc.Logger = nil
	rc.CheckRetry = func(ctx context.Context, _ *http.Response, _ error) (bool, error) {
		return false, ctx.Err()
	}
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	if log != nil {
		rc.RequestLogHook = func(_ retryablehttp.Logger, req *http.Request, _ int) {
			log.WithField("provider", provider).Debugf("%s %s%s", req.Method, req.URL.Host, req.URL.Path)
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	rc.HTTPClient.Timeout = cfg.Timeout
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 4 << 20
	}
	c := &HTTPClient{provider: provider, http: rc, maxBody: cfg.MaxBody}
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

// Standard exposes the client as a plain *http.Client for SDKs that bring
// their own request building. The rate limiter is not applied; call Wait.
func (c *HTTPClient) Standard() *http.Client { return c.http.StandardClient() }

// Wait blocks until the provider's rate limiter admits one more call.
func (c *HTTPClient) Wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

type Response struct {
	Status int
	Body   []byte
	Quota  *Usage
	// Endpoint is the request path without query or credentials.
	Endpoint string
}

// GetJSON issues a GET and returns the raw body of a 2xx response.
func (c *HTTPClient) GetJSON(ctx context.Context, url string, headers map[string]string) (Response, error) {
	return c.do(ctx, http.MethodGet, url, headers, nil)
}

// PostJSON encodes body as JSON and posts it.
func (c *HTTPClient) PostJSON(ctx context.Context, url string, headers map[string]string, body any) (Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return Response{}, err
	}
	return c.do(ctx, http.MethodPost, url, headers, b)
}

func (c *HTTPClient) do(ctx context.Context, method, url string, headers map[string]string, body []byte) (Response, error) {
	if err := c.Wait(ctx); err != nil {
		return Response{}, err
	}
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, rdr)
	if err != nil {
		return Response{}, err
	}
	req.Header.Set("accept", "application/json")
	if body != nil {
		req.Header.Set("content-type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return Response{}, err
	}
	defer resp.Body.Close()
	out := Response{Status: resp.StatusCode, Quota: usageFromHeaders(resp.Header), Endpoint: req.URL.Path}
	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return out, &StatusError{Provider: c.provider, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	out.Body, err = ioReadAllLimit(resp.Body, c.maxBody)
	if err != nil {
		return out, fmt.Errorf("%s: %w", c.provider, err)
	}
	return out, nil
}

func ioReadAllLimit(r io.Reader, limit int64) ([]byte, error) {
	b, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > limit {
		return nil, ErrPayloadTooLarge
	}
	return b, nil
}

// usageFromHeaders reads the rate-limit headers vendors commonly send.
func usageFromHeaders(h http.Header) *Usage {
	pick := func(names ...string) (int, bool) {
		for _, n := range names {
			if v := h.Get(n); v != "" {
				if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
					return i, true
				}
			}
		}
		return 0, false
	}
	used, okU := pick("X-RateLimit-Used", "X-Quota-Used")
	remaining, okR := pick("X-RateLimit-Requests-Remaining", "X-RateLimit-Remaining", "X-Quota-Remaining")
	limit, okL := pick("X-RateLimit-Requests-Limit", "X-RateLimit-Limit", "X-Quota-Limit")
	if !okU && !(okR && okL) {
		return nil
	}
	u := &Usage{Used: used, Limit: limit, Remaining: -1}
	if okR {
		u.Remaining = remaining
	}
	return u
}
