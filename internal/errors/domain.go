package errors

import (
	"errors"
	"fmt"
)

// Sentinel kinds for the intake pipeline. Use errors.Is against these to
// classify a failure regardless of how deeply it was wrapped.
var (
	ErrTransport   = errors.New("transport")
	ErrParse       = errors.New("parse")
	ErrEnrichment  = errors.New("enrichment")
	ErrPersistence = errors.New("persistence")
)

// TransportError describes a broker operation that failed.
type TransportError struct {
	Op    string // connect, subscribe, publish, disconnect
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	if e.Topic == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %q: %v", e.Op, e.Topic, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrTransport) match any TransportError.
func (e *TransportError) Is(target error) bool {
	return target == ErrTransport
}

// Transport wraps err as a TransportError. A nil err yields nil.
func Transport(op, topic string, err error) error {
	if err == nil {
		return nil
	}
	return &TransportError{Op: op, Topic: topic, Err: err}
}

// Enrichment tags err as an enrichment backend failure.
func Enrichment(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrEnrichment, err)
}

// Persistence tags err as a record store failure.
func Persistence(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}
