// Package querycache is the in-process cache of fetched values. Each entry
// stays fresh for the stale time its query key resolves to.
package querycache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/lexgate/internal/metrics"
	"github.com/goodtune/lexgate/internal/staletime"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const keySeparator = "\x1f"

type entry[V any] struct {
	value     V
	fetchedAt time.Time
	staleTime time.Duration
}

// Cache is a size-bounded LRU of query results. It is created once at start
// and closed at shutdown.
type Cache[V any] struct {
	mu       sync.RWMutex
	entries  *lru.Cache[string, entry[V]]
	resolver *staletime.Resolver
	clock    quartz.Clock
	group    singleflight.Group
	capacity int
	closed   bool
	logger   zerolog.Logger
}

// New creates a cache holding at most size entries.
func New[V any](size int, resolver *staletime.Resolver, clock quartz.Clock, logger zerolog.Logger) (*Cache[V], error) {
	entries, err := lru.New[string, entry[V]](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create query cache: %w", err)
	}
	if resolver == nil {
		resolver = staletime.NewDefault()
	}
	if clock == nil {
		clock = quartz.NewReal()
	}

	return &Cache[V]{
		entries:  entries,
		resolver: resolver,
		clock:    clock,
		capacity: size,
		logger:   logger.With().Str("component", "query-cache").Logger(),
	}, nil
}

// Key flattens a query key into the cache's map key.
func Key(queryKey []string) string {
	return strings.Join(queryKey, keySeparator)
}

// Get returns the cached value for queryKey if it is still fresh.
func (c *Cache[V]) Get(queryKey []string) (V, bool) {
	key := Key(queryKey)

	c.mu.RLock()
	e, ok := c.entries.Get(key)
	c.mu.RUnlock()

	var zero V
	if !ok {
		metrics.QueryCacheMisses.Inc()
		return zero, false
	}

	if age := c.clock.Now().Sub(e.fetchedAt); age >= e.staleTime {
		metrics.QueryCacheStale.Inc()
		c.logger.Debug().Str("key", key).Dur("age", age).Dur("stale_time", e.staleTime).Msg("Query cache entry stale")
		return zero, false
	}

	metrics.QueryCacheHits.Inc()
	return e.value, true
}

// Put stores value for queryKey, stamped with the current time.
func (c *Cache[V]) Put(queryKey []string, value V) {
	e := entry[V]{
		value:     value,
		fetchedAt: c.clock.Now(),
		staleTime: c.resolver.StaleTimeFor(queryKey),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.entries.Add(Key(queryKey), e)
}

// Fetch returns the fresh cached value or calls fetch once for all
// concurrent callers of the same key and caches its result. Errors are not
// cached. The shared fetch is detached from the caller that started it, so
// one cancelled caller does not fail the others; each caller still returns
// early when its own ctx is done.
func (c *Cache[V]) Fetch(ctx context.Context, queryKey []string, fetch func(context.Context) (V, error)) (V, error) {
	var zero V
	if v, ok := c.Get(queryKey); ok {
		return v, nil
	}

	key := Key(queryKey)
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		v, err := fetch(shared)
		if err != nil {
			return v, err
		}
		c.Put(queryKey, v)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(V)
		return v, nil
	}
}

// Invalidate drops every entry whose first key element starts with prefix.
// It returns the number of entries removed.
func (c *Cache[V]) Invalidate(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for _, key := range c.entries.Keys() {
		head, _, _ := strings.Cut(key, keySeparator)
		if strings.HasPrefix(head, prefix) {
			c.entries.Remove(key)
			removed++
		}
	}

	if removed > 0 {
		c.logger.Debug().Str("prefix", prefix).Int("removed", removed).Msg("Invalidated query cache entries")
	}
	return removed
}

// Stats returns the current size and capacity.
func (c *Cache[V]) Stats() (size int, capacity int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.entries.Len(), c.capacity
}

// Close drops every entry; later Puts are ignored.
func (c *Cache[V]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.entries.Purge()
}
