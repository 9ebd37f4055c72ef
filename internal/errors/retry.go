package errors

import (
	"context"
	"errors"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"intake/internal/logging"
)

// RetryConfig bounds a retry loop. MaxAttempts counts retries after the
// first call, so 3 means at most four calls.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	JitterFactor float64       `mapstructure:"jitter_factor" yaml:"jitter_factor"` // 0.25 = ±25%
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.25,
	}
}

// newBackOff doubles the delay from BaseDelay up to MaxDelay and stops after
// MaxAttempts retries or when ctx is done.
func (c RetryConfig) newBackOff(ctx context.Context) backoff.BackOff {
	if c.MaxAttempts <= 0 {
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = c.BaseDelay
	if exp.InitialInterval <= 0 {
		exp.InitialInterval = time.Second
	}
	if c.MaxDelay > 0 {
		exp.MaxInterval = c.MaxDelay
	}
	exp.Multiplier = 2
	exp.RandomizationFactor = c.JitterFactor
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(c.MaxAttempts)), ctx)
}

type RetryableFunc func(ctx context.Context) error

func Retry(ctx context.Context, config RetryConfig, fn RetryableFunc) error {
	return RetryWithLog(ctx, config, fn, nil)
}

func RetryWithLog(ctx context.Context, config RetryConfig, fn RetryableFunc, logger logging.Logger) error {
	_, err := RetryWithResultAndLog(ctx, config, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	}, logger)
	return err
}

func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error)) (T, error) {
	return RetryWithResultAndLog(ctx, config, fn, nil)
}

// RetryWithResultAndLog calls fn until it succeeds, returns a non-transient
// error, the attempts run out or ctx is done. Non-transient errors are
// returned unchanged.
func RetryWithResultAndLog[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error), logger logging.Logger) (T, error) {
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("retry")
	}
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, fmt.Errorf("context cancelled: %w", err)
	}

	attempt := 0
	op := func() (T, error) {
		attempt++
		res, err := fn(ctx)
		switch {
		case err == nil:
			if attempt > 1 {
				logger.Info("Retry succeeded after %d attempts", attempt)
			}
			return res, nil
		case !IsTransient(err):
			return res, backoff.Permanent(err)
		default:
			return res, err
		}
	}
	notify := func(err error, next time.Duration) {
		logger.Debug("Attempt %d/%d failed: %v (next in %s)", attempt, config.MaxAttempts+1, err, next)
	}

	res, err := backoff.RetryNotifyWithData(op, config.newBackOff(ctx), notify)
	switch {
	case err == nil:
		return res, nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return zero, fmt.Errorf("context cancelled during retry: %w", err)
	case !IsTransient(err):
		return zero, err
	}
	logger.Warn("Max retries (%d) exhausted", config.MaxAttempts+1)
	return zero, fmt.Errorf("max retries exceeded: %w", err)
}
