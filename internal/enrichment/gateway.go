// Package enrichment turns a raw task description into an enhanced
// description, a priority and a project.
package enrichment

import (
	"context"
	"errors"
	"time"

	intakeerrors "intake/internal/errors"
	"intake/internal/logging"
	"intake/internal/task"

	"golang.org/x/time/rate"
)

// DefaultProject is used when nothing better is known.
const DefaultProject = "general"

// ErrRateLimited is returned when the local request budget is exhausted.
var ErrRateLimited = errors.New("enrichment rate limit exceeded")

// Result is what a gateway produces for one description.
type Result struct {
	Enhanced string
	Priority task.Priority
	Project  string
}

// Gateway enriches descriptions. Errors wrap errors.ErrEnrichment and tell
// the caller to fall back to the heuristic.
type Gateway interface {
	Enhance(ctx context.Context, description string) (Result, error)
}

// Config selects and tunes the gateway.
type Config struct {
	Enabled        bool          `mapstructure:"enabled" yaml:"enabled"`
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey         string        `mapstructure:"api_key" yaml:"api_key"`
	Model          string        `mapstructure:"model" yaml:"model"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RateLimit      float64       `mapstructure:"rate_limit" yaml:"rate_limit"` // requests per second, 0 = unlimited
	Burst          int           `mapstructure:"burst" yaml:"burst"`
	DefaultProject string        `mapstructure:"default_project" yaml:"default_project"`
	CacheSize      int           `mapstructure:"cache_size" yaml:"cache_size"` // 0 disables the result cache

	Breaker intakeerrors.CircuitBreakerConfig `mapstructure:"breaker" yaml:"breaker"`
}

// New picks the strategy once: the remote gateway when it is enabled and
// has credentials, otherwise the heuristic. recorder may be nil.
func New(cfg Config, logger logging.Logger, recorder RequestRecorder) Gateway {
	logger = logging.OrNop(logger)
	if !cfg.Enabled || cfg.APIKey == "" {
		logger.Info("Remote enrichment disabled, using keyword heuristic")
		return NewHeuristic(cfg.DefaultProject)
	}

	var gw Gateway = NewRemote(cfg, logger, recorder)
	if cfg.RateLimit > 0 {
		gw = WithRateLimit(gw, rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	gw = WithCache(gw, cfg.CacheSize)
	logger.Info("Remote enrichment enabled (model %s)", cfg.Model)
	return gw
}

type rateLimited struct {
	base    Gateway
	limiter *rate.Limiter
}

// WithRateLimit rejects calls beyond limit instead of queueing them, so a
// burst of tasks degrades to the heuristic rather than piling up behind the
// enrichment gate. A burst below 1 is coerced to 1.
func WithRateLimit(gw Gateway, limit rate.Limit, burst int) Gateway {
	if limit <= 0 {
		return gw
	}
	if burst < 1 {
		burst = 1
	}
	return &rateLimited{base: gw, limiter: rate.NewLimiter(limit, burst)}
}

func (r *rateLimited) Enhance(ctx context.Context, description string) (Result, error) {
	if !r.limiter.Allow() {
		return Result{}, intakeerrors.Enrichment(ErrRateLimited)
	}
	return r.base.Enhance(ctx, description)
}
