package errors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"slices"
	"syscall"
)

// ErrorType is the retry classification of an error.
type ErrorType int

const (
	ErrorTypeTransient ErrorType = iota
	ErrorTypePermanent
	// ErrorTypeDegraded means the dependency is down and the caller should
	// take its fallback path, e.g. the heuristic instead of the remote
	// enrichment backend.
	ErrorTypeDegraded
)

func (t ErrorType) String() string {
	switch t {
	case ErrorTypeTransient:
		return "transient"
	case ErrorTypePermanent:
		return "permanent"
	case ErrorTypeDegraded:
		return "degraded"
	}
	return fmt.Sprintf("ErrorType(%d)", int(t))
}

func describe(kind ErrorType, message string, err error) string {
	if message != "" {
		return message
	}
	return fmt.Sprintf("%s error: %v", kind, err)
}

// TransientError is worth retrying. StatusCode is set for HTTP failures.
type TransientError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *TransientError) Error() string { return describe(ErrorTypeTransient, e.Message, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError will fail the same way on every retry.
type PermanentError struct {
	Err        error
	StatusCode int
	Message    string
}

func (e *PermanentError) Error() string { return describe(ErrorTypePermanent, e.Message, e.Err) }
func (e *PermanentError) Unwrap() error { return e.Err }

// DegradedError is returned while a circuit breaker is open.
type DegradedError struct {
	Err     error
	Message string
}

func (e *DegradedError) Error() string { return describe(ErrorTypeDegraded, e.Message, e.Err) }
func (e *DegradedError) Unwrap() error { return e.Err }

func NewTransientError(err error, message string) *TransientError {
	return &TransientError{Err: err, Message: message}
}

func NewPermanentError(err error, message string) *PermanentError {
	return &PermanentError{Err: err, Message: message}
}

func NewDegradedError(err error, message string) *DegradedError {
	return &DegradedError{Err: err, Message: message}
}

// IsTransient reports whether err is worth retrying. Explicit
// classification wins; otherwise deadlines and network failures are
// transient and everything else, including cancellation, is not.
func IsTransient(err error) bool {
	var transient *TransientError
	var permanent *PermanentError
	switch {
	case err == nil:
		return false
	case errors.As(err, &transient):
		return true
	case errors.As(err, &permanent), errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	return isNetworkError(err) || isRetryableErrno(err)
}

func IsDegraded(err error) bool {
	var degraded *DegradedError
	return err != nil && errors.As(err, &degraded)
}

func GetErrorType(err error) ErrorType {
	if IsDegraded(err) {
		return ErrorTypeDegraded
	}
	if IsTransient(err) {
		return ErrorTypeTransient
	}
	return ErrorTypePermanent
}

var transientStatuses = []int{
	http.StatusRequestTimeout,
	http.StatusTooManyRequests,
	http.StatusInternalServerError,
	http.StatusBadGateway,
	http.StatusServiceUnavailable,
	http.StatusGatewayTimeout,
}

// IsTransientHTTPStatus reports whether a response status is worth retrying.
func IsTransientHTTPStatus(statusCode int) bool {
	return slices.Contains(transientStatuses, statusCode)
}

func isNetworkError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTemporary || dnsErr.IsTimeout
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

var retryableErrnos = []syscall.Errno{
	syscall.ECONNREFUSED,
	syscall.ECONNRESET,
	syscall.EPIPE,
	syscall.ETIMEDOUT,
	syscall.ENETUNREACH,
	syscall.EHOSTUNREACH,
}

func isRetryableErrno(err error) bool {
	var errno syscall.Errno
	return errors.As(err, &errno) && slices.Contains(retryableErrnos, errno)
}
