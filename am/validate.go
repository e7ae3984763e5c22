package am

import (
	"net/url"
	"strings"

	"github.com/teranos/lake/errors"
)

// ErrInvalidConfig marks every configuration validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// LeadTimeUnits are the accepted values of enrich.lead_time_unit
var LeadTimeUnits = []string{"seconds", "minutes", "hours", "days"}

func invalid(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrInvalidConfig)
}

// Validate checks that the configuration is valid.
// Source host/token presence is checked when a fetch client is built, since
// a source only needs them when one of its collectors is planned.
func (c *Config) Validate() error {
	// Workers: 0 means default (1), negative is invalid
	if c.Pipeline.Workers < 0 {
		return invalid("pipeline.workers must be >= 0, got %d", c.Pipeline.Workers)
	}

	if c.Log.Level != "" {
		switch strings.ToLower(c.Log.Level) {
		case "debug", "info", "warn", "error":
		default:
			return invalid("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
	}

	if unit := c.Enrich.LeadTimeUnit; unit != "" && !contains(LeadTimeUnits, unit) {
		return errors.WithHint(
			invalid("enrich.lead_time_unit %q is not supported", unit),
			"use one of: "+strings.Join(LeadTimeUnits, ", "))
	}

	for name, src := range c.Sources {
		if err := src.validateRanges(); err != nil {
			return errors.Wrapf(err, "sources.%s", name)
		}
	}

	return nil
}

// validateRanges checks numeric fields: 0 = default, negative = invalid
func (s SourceConfig) validateRanges() error {
	if s.TimeoutSeconds < 0 {
		return invalid("timeout_seconds must be >= 0, got %d", s.TimeoutSeconds)
	}
	if s.MaxRetry < 0 {
		return invalid("max_retry must be >= 0, got %d", s.MaxRetry)
	}
	if s.RetryDelayMS < 0 {
		return invalid("retry_delay_ms must be >= 0, got %d", s.RetryDelayMS)
	}
	if s.RequestsPerSecond < 0 {
		return invalid("requests_per_second must be >= 0, got %f", s.RequestsPerSecond)
	}
	if s.PageSize < 0 {
		return invalid("page_size must be >= 0, got %d", s.PageSize)
	}
	if s.Proxy != "" {
		if _, err := url.Parse(s.Proxy); err != nil {
			return errors.Mark(errors.Wrap(err, "proxy"), ErrInvalidConfig)
		}
	}
	return nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
