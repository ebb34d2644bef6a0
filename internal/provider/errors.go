package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

var (
	// ErrMalformed marks a response body that could not be decoded. It is
	// treated as transient: providers occasionally return truncated JSON.
	ErrMalformed = errors.New("malformed provider payload")
	// ErrNotConfigured is returned by adapters missing credentials.
	ErrNotConfigured   = errors.New("provider not configured")
	ErrPayloadTooLarge = errors.New("payload too large")
)

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	Provider string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s error %d", e.Provider, e.Code)
	}
	return fmt.Sprintf("%s error %d: %s", e.Provider, e.Code, e.Body)
}

// Transient reports whether retrying the same provider might succeed.
func (e *StatusError) Transient() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

func Malformed(provider string, err error) error {
	return fmt.Errorf("%s: %w: %v", provider, ErrMalformed, err)
}

// IsTransient classifies err for the retry loop: timeouts, 5xx/429 and
// malformed payloads are retried; everything else moves straight on to the
// next provider.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrMalformed) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	var oe *net.OpError
	return errors.As(err, &oe)
}
