// Package logging is the printf-style logger every component takes in its
// constructor.
package logging

import (
	"fmt"
	"log/slog"
	"reflect"

	"intake/internal/observability"
)

type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop discards everything.
func Nop() Logger { return nopLogger{} }

// IsNil reports whether logger is nil, including a typed nil pointer stored
// in the interface.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	v := reflect.ValueOf(logger)
	switch v.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Func, reflect.Slice:
		return v.IsNil()
	}
	return false
}

// OrNop lets constructors accept a nil logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// NewComponentLogger scopes the process logger to component.
func NewComponentLogger(component string) Logger {
	return FromObservabilityWithComponent(observability.Default(), component)
}

// FromObservabilityWithComponent adapts a structured logger to the printf
// interface. Every line carries a component attribute when one is given.
func FromObservabilityWithComponent(logger *observability.Logger, component string) Logger {
	if logger == nil {
		return Nop()
	}
	if component != "" {
		logger = logger.With("component", component)
	}
	return &componentLogger{sink: logger}
}

type componentLogger struct {
	sink *observability.Logger
}

func (l *componentLogger) logf(level slog.Level, format string, args []any) {
	if !l.sink.Enabled(level) {
		return
	}
	l.sink.Log(level, fmt.Sprintf(format, args...))
}

func (l *componentLogger) Debug(format string, args ...any) { l.logf(slog.LevelDebug, format, args) }
func (l *componentLogger) Info(format string, args ...any)  { l.logf(slog.LevelInfo, format, args) }
func (l *componentLogger) Warn(format string, args ...any)  { l.logf(slog.LevelWarn, format, args) }
func (l *componentLogger) Error(format string, args ...any) { l.logf(slog.LevelError, format, args) }
