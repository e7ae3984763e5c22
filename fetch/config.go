package fetch

import (
	"net/url"
	"strings"
	"time"

	"github.com/teranos/lake/am"
	"github.com/teranos/lake/errors"
	"github.com/teranos/lake/internal/httpclient"
)

// Defaults applied to zero-valued Config fields
const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxRetry       = 3
	DefaultRetryDelay     = 200 * time.Millisecond
	DefaultPageSize       = 100
	DefaultNextPageHeader = "X-Next-Page"
)

// Authentication schemes
const (
	AuthBearer       = "Bearer"
	AuthBasic        = "Basic"
	AuthPrivateToken = "Private-Token"
)

// Config describes how to reach one source API
type Config struct {
	Host       string
	APIPath    string
	Token      string
	AuthScheme string // Bearer (default), Basic, Private-Token
	Username   string // Basic only; empty means Token is already base64 "user:secret"
	Proxy      string

	Timeout    time.Duration
	MaxRetry   int // total attempts per Fetch
	RetryDelay time.Duration

	RequestsPerSecond float64 // 0 = unlimited
	PageSize          int
	NextPageHeader    string

	Skip map[string]bool // collector name -> skip, case-insensitive
}

// FromSource converts the configuration file form
func FromSource(src am.SourceConfig) Config {
	return Config{
		Host:              src.Host,
		APIPath:           src.APIPath,
		Token:             src.Token,
		AuthScheme:        src.AuthScheme,
		Username:          src.Username,
		Proxy:             src.Proxy,
		Timeout:           time.Duration(src.TimeoutSeconds) * time.Second,
		MaxRetry:          src.MaxRetry,
		RetryDelay:        time.Duration(src.RetryDelayMS) * time.Millisecond,
		RequestsPerSecond: src.RequestsPerSecond,
		PageSize:          src.PageSize,
		NextPageHeader:    src.NextPageHeader,
		Skip:              src.Skip,
	}
}

// Validate fails fast on incomplete configuration. It performs no I/O.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Host) == "" {
		return configErr("host", "is required")
	}
	u, err := url.Parse(c.Host)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return configErr("host", "must be an absolute http(s) URL, got "+c.Host)
	}
	if strings.Trim(c.APIPath, "/ ") == "" {
		return configErr("api_path", "is required")
	}
	if strings.TrimSpace(c.Token) == "" {
		return configErr("token", "is required")
	}
	switch c.AuthScheme {
	case "", AuthBearer, AuthBasic, AuthPrivateToken:
	default:
		return configErr("auth_scheme", "must be Bearer, Basic or Private-Token, got "+c.AuthScheme)
	}
	if c.Proxy != "" {
		if _, err := httpclient.ParseProxy(c.Proxy); err != nil {
			return errors.WithStack(&ConfigurationError{Field: "proxy", Reason: err.Error()})
		}
	}
	if c.Timeout < 0 {
		return configErr("timeout", "must be >= 0")
	}
	if c.MaxRetry < 0 {
		return configErr("max_retry", "must be >= 0")
	}
	if c.RetryDelay < 0 {
		return configErr("retry_delay", "must be >= 0")
	}
	if c.RequestsPerSecond < 0 {
		return configErr("requests_per_second", "must be >= 0")
	}
	if c.PageSize < 0 {
		return configErr("page_size", "must be >= 0")
	}
	return nil
}

func configErr(field, reason string) error {
	return errors.WithHintf(
		errors.WithStack(&ConfigurationError{Field: field, Reason: reason}),
		"set %s for this source in lake.toml or the LAKE_SOURCES_<NAME>_%s environment variable",
		field, strings.ToUpper(field))
}

// withDefaults fills zero-valued fields
func (c Config) withDefaults() Config {
	if c.AuthScheme == "" {
		c.AuthScheme = AuthBearer
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetry == 0 {
		c.MaxRetry = DefaultMaxRetry
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.NextPageHeader == "" {
		c.NextPageHeader = DefaultNextPageHeader
	}
	return c
}

// Skipped reports whether the named collector is switched off
func (c Config) Skipped(collector string) bool {
	for name, skip := range c.Skip {
		if strings.EqualFold(name, collector) {
			return skip
		}
	}
	return false
}

// baseURL joins host and API path into the URL relative resources resolve against
func (c Config) baseURL() (*url.URL, error) {
	host := strings.TrimRight(c.Host, "/")
	apiPath := strings.Trim(c.APIPath, "/")
	base, err := url.Parse(host + "/" + apiPath + "/")
	if err != nil {
		return nil, errors.WithStack(&ConfigurationError{Field: "host", Reason: err.Error()})
	}
	return base, nil
}
