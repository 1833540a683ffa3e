// Package cache is a TTL cache for derived statistics. Entries carry a kind
// that selects their TTL, and whole families of keys can be dropped with a
// wildcard pattern when a write makes them stale.
package cache

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/jellydator/ttlcache/v3"
	"github.com/rs/zerolog"

	"voicepoints/internal/fault"
	"voicepoints/internal/metrics"
)

// Kind selects the TTL of an entry.
type Kind string

const (
	KindLeaderboard Kind = "leaderboard"
	KindDailyStats  Kind = "daily_stats"
	KindUser        Kind = "user"
)

// DefaultTTL applies to kinds without a configured TTL.
const DefaultTTL = 30 * time.Second

// Entry is a cached value.
type Entry struct {
	Value      any
	Kind       Kind
	InsertedAt time.Time
}

// Cache holds entries until their kind's TTL elapses.
type Cache struct {
	items   *ttlcache.Cache[string, Entry]
	ttls    map[Kind]time.Duration
	clock   quartz.Clock
	log     zerolog.Logger
	metrics metrics.Recorder
	guard   *fault.Guard

	mu     sync.Mutex
	cancel context.CancelFunc
	sweep  quartz.Waiter
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the clock used for entry age and the sweep loop.
func WithClock(c quartz.Clock) Option {
	return func(cache *Cache) {
		cache.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(cache *Cache) {
		cache.log = l.With().Str("component", "cache").Logger()
	}
}

// WithMetrics sets the hit and miss recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(cache *Cache) {
		cache.metrics = m
	}
}

// WithFaultGuard flushes state through g when a sweep panics.
func WithFaultGuard(g *fault.Guard) Option {
	return func(cache *Cache) {
		cache.guard = g
	}
}

// New creates a cache with a TTL per kind.
func New(ttls map[Kind]time.Duration, opts ...Option) *Cache {
	c := &Cache{
		items: ttlcache.New(
			ttlcache.WithDisableTouchOnHit[string, Entry](),
		),
		ttls:    make(map[Kind]time.Duration, len(ttls)),
		clock:   quartz.NewReal(),
		log:     zerolog.Nop(),
		metrics: metrics.Noop{},
	}
	for k, v := range ttls {
		c.ttls[k] = v
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the lifetime of entries of kind k.
func (c *Cache) TTL(k Kind) time.Duration {
	if ttl, ok := c.ttls[k]; ok && ttl > 0 {
		return ttl
	}
	return DefaultTTL
}

func (c *Cache) expired(e Entry, now time.Time) bool {
	return now.Sub(e.InsertedAt) >= c.TTL(e.Kind)
}

// Get returns the value stored under key if it has not expired.
func (c *Cache) Get(key string) (any, bool) {
	item := c.items.Get(key)
	if item == nil {
		c.metrics.IncCacheMisses()
		return nil, false
	}
	e := item.Value()
	if c.expired(e, c.clock.Now()) {
		c.items.Delete(key)
		c.metrics.IncCacheMisses()
		return nil, false
	}
	c.metrics.IncCacheHits()
	return e.Value, true
}

// Set stores value under key.
func (c *Cache) Set(key string, kind Kind, value any) {
	ttl := c.TTL(kind)
	c.items.Set(key, Entry{Value: value, Kind: kind, InsertedAt: c.clock.Now()}, ttl)
}

// Delete removes a single key.
func (c *Cache) Delete(key string) {
	c.items.Delete(key)
}

// InvalidatePattern removes every key matching pattern, where '*' matches any
// run of characters and '?' a single one. It returns the number removed.
func (c *Cache) InvalidatePattern(pattern string) int {
	var n int
	for _, key := range c.items.Keys() {
		ok, err := path.Match(pattern, key)
		if err != nil {
			c.log.Warn().Err(err).Str("pattern", pattern).Msg("invalid cache pattern")
			return n
		}
		if ok {
			c.items.Delete(key)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	return c.items.Len()
}

// Sweep evicts every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	before := c.items.Len()
	c.items.DeleteExpired()
	now := c.clock.Now()
	for key, item := range c.items.Items() {
		if c.expired(item.Value(), now) {
			c.items.Delete(key)
		}
	}
	return before - c.items.Len()
}

// Start sweeps expired entries every interval until ctx is done or Stop is
// called.
func (c *Cache) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", interval)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.sweep = c.clock.TickerFunc(ctx, interval, func() error {
		defer c.guard.Recover("cache sweep")
		if n := c.Sweep(); n > 0 {
			c.log.Debug().Int("evicted", n).Msg("swept expired cache entries")
		}
		return nil
	}, "cache", "sweep")
	return nil
}

// Stop ends the background sweep and waits for it to return.
func (c *Cache) Stop() {
	c.mu.Lock()
	cancel, sweep := c.cancel, c.sweep
	c.cancel, c.sweep = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	_ = sweep.Wait()
}

// GetOrLoad returns the cached value for key, calling load on a miss and
// caching its result. Errors are not cached.
func GetOrLoad[T any](ctx context.Context, c *Cache, key string, kind Kind, load func(context.Context) (T, error)) (T, error) {
	if v, ok := c.Get(key); ok {
		if t, ok := v.(T); ok {
			return t, nil
		}
	}
	v, err := load(ctx)
	if err != nil {
		var zero T
		return zero, err
	}
	c.Set(key, kind, v)
	return v, nil
}
