// Package httpclient builds the http.Client used by source fetchers:
// request timeout, optional proxy, scheme allow-list and a bounded redirect policy.
package httpclient

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/teranos/lake/errors"
)

// DefaultMaxRedirects bounds redirect chains followed by a client
const DefaultMaxRedirects = 10

// Options configures a Client. Zero values mean defaults.
type Options struct {
	Timeout        time.Duration // whole-request timeout enforced by http.Client
	Proxy          string        // http://, https:// or socks5:// proxy URL
	MaxRedirects   int           // Default: 10
	AllowedSchemes []string      // Default: ["http", "https"]
}

// Client wraps http.Client with scheme validation on every request and redirect
type Client struct {
	*http.Client
	allowedSchemes []string
	maxRedirects   int
}

// New creates a Client. A malformed or unsupported proxy URL is an error.
func New(opts Options) (*Client, error) {
	maxRedirects := DefaultMaxRedirects
	if opts.MaxRedirects > 0 {
		maxRedirects = opts.MaxRedirects
	}

	allowedSchemes := []string{"http", "https"}
	if len(opts.AllowedSchemes) > 0 {
		allowedSchemes = opts.AllowedSchemes
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if opts.Proxy != "" {
		proxyURL, err := ParseProxy(opts.Proxy)
		if err != nil {
			return nil, err
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	client := &Client{
		Client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
		},
		allowedSchemes: allowedSchemes,
		maxRedirects:   maxRedirects,
	}

	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= client.maxRedirects {
			return errors.Newf("stopped after %d redirects", client.maxRedirects)
		}
		if err := client.validateURL(req.URL); err != nil {
			return errors.Wrap(err, "redirect blocked")
		}
		return nil
	}

	return client, nil
}

// ParseProxy validates a proxy URL; http, https and socks5 schemes are supported
func ParseProxy(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid proxy URL %q", raw)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https", "socks5":
	default:
		return nil, errors.Newf("proxy scheme %q not supported (http, https, socks5)", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.Newf("proxy URL %q missing host", raw)
	}
	return u, nil
}

func (c *Client) validateURL(u *url.URL) error {
	scheme := strings.ToLower(u.Scheme)
	allowed := false
	for _, allowedScheme := range c.allowedSchemes {
		if scheme == allowedScheme {
			allowed = true
			break
		}
	}
	if !allowed {
		return errors.Newf("scheme %q not allowed (allowed: %v)", scheme, c.allowedSchemes)
	}
	if u.Hostname() == "" {
		return errors.New("URL missing hostname")
	}
	return nil
}

// Do executes an HTTP request after validating its URL
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	if err := c.validateURL(req.URL); err != nil {
		return nil, errors.Wrap(err, "request blocked")
	}
	return c.Client.Do(req)
}

// WrapClient wraps an existing http.Client, typically one from httptest.Server.Client()
func WrapClient(client *http.Client) *Client {
	return &Client{
		Client:         client,
		allowedSchemes: []string{"http", "https"},
		maxRedirects:   DefaultMaxRedirects,
	}
}
