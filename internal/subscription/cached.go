package subscription

import (
	"context"

	"github.com/goodtune/lexgate/internal/querycache"
	"github.com/rs/zerolog"
)

// queryName is the cache key prefix for statuses; it resolves through the
// stale-time table like any other query.
const queryName = "assinatura"

// Cached memoizes a provider in a query cache. A failed lookup reports the
// status as still loading so gates fail open.
type Cached struct {
	source Provider
	cache  *querycache.Cache[Status]
	logger zerolog.Logger
}

// NewCached wraps source.
func NewCached(source Provider, cache *querycache.Cache[Status], logger zerolog.Logger) *Cached {
	return &Cached{
		source: source,
		cache:  cache,
		logger: logger.With().Str("component", "subscription").Logger(),
	}
}

// Status implements Provider. It never returns an error.
func (c *Cached) Status(ctx context.Context, profileID string) (Status, error) {
	status, err := c.cache.Fetch(ctx, []string{queryName, profileID}, func(ctx context.Context) (Status, error) {
		return c.source.Status(ctx, profileID)
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("profile", profileID).Msg("Subscription lookup failed, reporting loading")
		return Status{Loading: true}, nil
	}
	return status, nil
}

// Invalidate forgets every cached status.
func (c *Cached) Invalidate() {
	c.cache.Invalidate(queryName)
}
