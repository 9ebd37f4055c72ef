package httpclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	intakeerrors "intake/internal/errors"
	"intake/internal/logging"
)

// NewWithCircuitBreaker is New with a transport that fails fast once the
// backend has returned enough 5xx/429 responses or transport errors.
func NewWithCircuitBreaker(timeout time.Duration, logger logging.Logger, name string, config intakeerrors.CircuitBreakerConfig) *http.Client {
	client := New(timeout, logger)
	client.Transport = WrapTransport(client.Transport, intakeerrors.NewCircuitBreaker(name, config))
	return client
}

// WrapTransport guards base with breaker. nil arguments take defaults.
func WrapTransport(base http.RoundTripper, breaker *intakeerrors.CircuitBreaker) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if breaker == nil {
		breaker = intakeerrors.NewCircuitBreaker("http-client", intakeerrors.DefaultCircuitBreakerConfig())
	}
	return breakerTransport{base: base, breaker: breaker}
}

type breakerTransport struct {
	base    http.RoundTripper
	breaker *intakeerrors.CircuitBreaker
}

func (t breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.breaker.Allow(); err != nil {
		return nil, err
	}
	resp, err := t.base.RoundTrip(req)
	t.breaker.Mark(breakerOutcome(resp, err))
	return resp, err
}

// breakerOutcome is what the breaker counts as a backend failure. A caller
// cancelling its own request says nothing about the backend.
func breakerOutcome(resp *http.Response, err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return nil
	case err != nil:
		return err
	case resp.StatusCode >= http.StatusInternalServerError, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("http status %d", resp.StatusCode)
	}
	return nil
}
