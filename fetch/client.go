// Package fetch retrieves paged JSON from source APIs: authenticated GETs with a
// per-request timeout, fixed-delay retries for transient failures, client-side
// rate limiting and lazy page-by-page iteration.
package fetch

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/lake/errors"
	"github.com/teranos/lake/internal/httpclient"
	"github.com/teranos/lake/logger"
)

// Doer sends HTTP requests; *httpclient.Client and *http.Client satisfy it
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Sleeper waits d or until ctx is done
type Sleeper func(ctx context.Context, d time.Duration) error

// Response is a successful (2xx) reply with its body fully read
type Response struct {
	URL    string
	Status int
	Header http.Header
	Body   []byte
}

// Stats counts client activity since construction
type Stats struct {
	Requests int64 // attempts sent
	Retries  int64 // attempts after the first for a Fetch
	Failures int64 // Fetch calls that returned an error
}

// Option configures a Client
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (tests use httptest clients)
func WithHTTPClient(d Doer) Option {
	return func(c *Client) { c.http = d }
}

// WithSleeper replaces the retry delay implementation
func WithSleeper(s Sleeper) Option {
	return func(c *Client) { c.sleep = s }
}

// WithLogger sets the client logger
func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) { c.logger = l }
}

// Client is a validated, ready-to-use source API client. Safe for concurrent use.
type Client struct {
	cfg     Config
	base    *url.URL
	http    Doer
	limiter *rate.Limiter
	sleep   Sleeper
	logger  *zap.SugaredLogger

	requests atomic.Int64
	retries  atomic.Int64
	failures atomic.Int64
}

// New validates cfg and builds a client. No network access happens here.
func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	base, err := cfg.baseURL()
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:   cfg,
		base:  base,
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = logger.OrComponent(c.logger, "fetch").With(logger.FieldHost, base.Host)

	if c.http == nil {
		hc, err := httpclient.New(httpclient.Options{Timeout: cfg.Timeout, Proxy: cfg.Proxy})
		if err != nil {
			return nil, errors.WithStack(&ConfigurationError{Field: "proxy", Reason: err.Error()})
		}
		c.http = hc
	}

	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return c, nil
}

// Config returns the effective configuration, defaults applied
func (c *Client) Config() Config {
	return c.cfg
}

// Skipped reports whether the named collector is configured off
func (c *Client) Skipped(collector string) bool {
	return c.cfg.Skipped(collector)
}

// Stats returns request counters
func (c *Client) Stats() Stats {
	return Stats{
		Requests: c.requests.Load(),
		Retries:  c.retries.Load(),
		Failures: c.failures.Load(),
	}
}

// Fetch GETs resourceURI, relative to host + API path unless absolute.
// Transient failures are retried with a fixed delay for MaxRetry total attempts;
// a 4xx fails immediately with *ClientRequestError; running out of attempts
// yields *FetchExhaustedError carrying the last status and body.
func (c *Client) Fetch(ctx context.Context, resourceURI string) (*Response, error) {
	target, err := c.resolve(resourceURI)
	if err != nil {
		return nil, err
	}

	var last *TransientNetworkError
	for attempt := 1; attempt <= c.cfg.MaxRetry; attempt++ {
		if attempt > 1 {
			if err := c.sleep(ctx, c.cfg.RetryDelay); err != nil {
				c.failures.Add(1)
				return nil, errors.Wrapf(err, "GET %s", target)
			}
			c.retries.Add(1)
		}

		resp, err := c.attempt(ctx, target)
		if err == nil {
			return resp, nil
		}

		if !errors.As(err, &last) || ctx.Err() != nil {
			// 4xx or caller cancellation: retrying cannot help
			c.failures.Add(1)
			return nil, err
		}

		c.logger.Debugw("Fetch attempt failed",
			logger.FieldURL, target,
			logger.FieldAttempt, attempt,
			logger.FieldStatus, last.Status,
			logger.FieldError, last.Error(),
		)
	}

	c.failures.Add(1)
	exhausted := &FetchExhaustedError{URL: target, Attempts: c.cfg.MaxRetry, Last: last}
	if last != nil {
		exhausted.LastStatus = last.Status
		exhausted.LastBody = last.Body
	}
	c.logger.Warnw("Fetch exhausted retries",
		logger.FieldURL, target,
		logger.FieldAttempt, c.cfg.MaxRetry,
		logger.FieldStatus, exhausted.LastStatus,
	)
	return nil, errors.WithStack(exhausted)
}

// FetchJSON fetches resourceURI and decodes the body into v
func (c *Client) FetchJSON(ctx context.Context, resourceURI string, v any) error {
	resp, err := c.Fetch(ctx, resourceURI)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return errors.Wrapf(err, "decode %s", resp.URL)
	}
	return nil
}

// attempt performs exactly one request
func (c *Client) attempt(ctx context.Context, target string) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, errors.Wrap(err, "rate limiter")
		}
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "build request %s", target)
	}
	c.authorize(req)
	req.Header.Set("Accept", "application/json")

	c.requests.Add(1)
	start := time.Now()
	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientNetworkError{URL: target, Err: err}
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &TransientNetworkError{URL: target, Status: httpResp.StatusCode, Err: errors.Wrap(err, "read body")}
	}

	c.logger.Debugw("GET",
		logger.FieldURL, target,
		logger.FieldStatus, httpResp.StatusCode,
		logger.FieldDurationMS, time.Since(start).Milliseconds(),
	)

	switch status := httpResp.StatusCode; {
	case status >= 200 && status < 300:
		return &Response{URL: target, Status: status, Header: httpResp.Header, Body: body}, nil
	case status >= 400 && status < 500:
		return nil, errors.WithStack(&ClientRequestError{URL: target, Status: status, Body: body})
	default:
		return nil, &TransientNetworkError{URL: target, Status: status, Body: body, Err: errors.Newf("unexpected status %d", status)}
	}
}

func (c *Client) authorize(req *http.Request) {
	switch c.cfg.AuthScheme {
	case AuthPrivateToken:
		req.Header.Set("Private-Token", c.cfg.Token)
	case AuthBasic:
		creds := c.cfg.Token
		if c.cfg.Username != "" {
			creds = base64.StdEncoding.EncodeToString([]byte(c.cfg.Username + ":" + c.cfg.Token))
		}
		req.Header.Set("Authorization", "Basic "+creds)
	default:
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}

// resolve turns a resource URI into an absolute URL under the API base.
// Absolute http(s) URLs (e.g. from Link headers) are used as given.
func (c *Client) resolve(resourceURI string) (string, error) {
	ref, err := url.Parse(strings.TrimLeft(resourceURI, "/"))
	if err != nil {
		return "", errors.Wrapf(errors.Mark(err, errors.ErrInvalidRequest), "resource %q", resourceURI)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	return c.base.ResolveReference(ref).String(), nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
