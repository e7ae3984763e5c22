package fetch

import (
	"fmt"

	"github.com/teranos/lake/am"
	"github.com/teranos/lake/errors"
)

// ConfigurationError reports an incomplete or invalid source configuration.
// It is returned before any network call and matches am.ErrInvalidConfig.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("fetch configuration: %s %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, am.ErrInvalidConfig) match fetch configuration failures
func (e *ConfigurationError) Is(target error) bool {
	return target == am.ErrInvalidConfig
}

// ClientRequestError is a 4xx response. It is never retried.
type ClientRequestError struct {
	URL    string
	Status int
	Body   []byte
}

func (e *ClientRequestError) Error() string {
	return fmt.Sprintf("GET %s: client error %d: %s", e.URL, e.Status, snippet(e.Body))
}

// TransientNetworkError is a timeout, transport failure or non-4xx error status.
// Status is 0 when no response was received.
type TransientNetworkError struct {
	URL    string
	Status int
	Body   []byte
	Err    error
}

func (e *TransientNetworkError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("GET %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("GET %s: status %d: %s", e.URL, e.Status, snippet(e.Body))
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// FetchExhaustedError is returned after every attempt failed transiently.
// LastStatus and LastBody come from the final attempt.
type FetchExhaustedError struct {
	URL        string
	Attempts   int
	LastStatus int
	LastBody   []byte
	Last       error
}

func (e *FetchExhaustedError) Error() string {
	return fmt.Sprintf("GET %s: gave up after %d attempts: %v", e.URL, e.Attempts, e.Last)
}

func (e *FetchExhaustedError) Unwrap() error { return e.Last }

// IsClientError reports whether err carries a 4xx response
func IsClientError(err error) bool {
	var target *ClientRequestError
	return errors.As(err, &target)
}

// IsExhausted reports whether err is a FetchExhaustedError
func IsExhausted(err error) bool {
	var target *FetchExhaustedError
	return errors.As(err, &target)
}

func snippet(body []byte) string {
	const max = 200
	if len(body) > max {
		return string(body[:max]) + "..."
	}
	return string(body)
}
