package httpclient

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"intake/internal/logging"
)

// DefaultBodyLimit caps response bodies read through ReadBody.
const DefaultBodyLimit int64 = 1 << 20

// New returns an http.Client for outbound calls with a cloned default
// transport.
func New(timeout time.Duration, logger logging.Logger) *http.Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	logger = logging.OrNop(logger)

	var transport http.RoundTripper
	if base, ok := http.DefaultTransport.(*http.Transport); ok {
		transport = base.Clone()
	} else {
		logger.Warn("default transport is %T, using a fresh transport", http.DefaultTransport)
		transport = &http.Transport{Proxy: http.ProxyFromEnvironment}
	}

	return &http.Client{Timeout: timeout, Transport: transport}
}

// BodyTooLargeError reports that a response body exceeded the read limit.
type BodyTooLargeError struct {
	Limit int64
}

func (e BodyTooLargeError) Error() string {
	return fmt.Sprintf("response body exceeded limit of %d bytes", e.Limit)
}

// IsBodyTooLarge reports whether err came from a body limit violation.
func IsBodyTooLarge(err error) bool {
	var limitErr BodyTooLargeError
	return errors.As(err, &limitErr)
}

// ReadBody reads r up to limit bytes. A limit <= 0 uses DefaultBodyLimit.
func ReadBody(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		limit = DefaultBodyLimit
	}
	data, err := io.ReadAll(&io.LimitedReader{R: r, N: limit + 1})
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, BodyTooLargeError{Limit: limit}
	}
	return data, nil
}
