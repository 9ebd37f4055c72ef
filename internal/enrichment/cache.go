package enrichment

import (
	"context"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cached struct {
	base  Gateway
	cache *lru.Cache[string, Result]
}

// WithCache remembers the last size successful results keyed by the
// trimmed description. Failures are never cached, so a retry of the same
// description reaches the backend again. A size below 1 disables caching.
func WithCache(gw Gateway, size int) Gateway {
	if size < 1 {
		return gw
	}
	cache, err := lru.New[string, Result](size)
	if err != nil {
		// lru.New only errors on non-positive size which we guard above.
		return gw
	}
	return &cached{base: gw, cache: cache}
}

func (c *cached) Enhance(ctx context.Context, description string) (Result, error) {
	key := strings.TrimSpace(description)
	if res, ok := c.cache.Get(key); ok {
		return res, nil
	}
	res, err := c.base.Enhance(ctx, description)
	if err != nil {
		return Result{}, err
	}
	c.cache.Add(key, res)
	return res, nil
}

// Len reports the number of cached results.
func (c *cached) Len() int {
	return c.cache.Len()
}
