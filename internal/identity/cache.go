package identity

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/errgroup"

	"github.com/presencewatch/presence-go/internal/errors"
	"github.com/presencewatch/presence-go/internal/logger"
)

const (
	DefaultTTL              = 5 * time.Minute
	DefaultLookupTimeout    = 2 * time.Second
	DefaultBatchConcurrency = 4
)

// Observer receives cache events, typically to update metrics
type Observer interface {
	CacheHit(negative bool)
	CacheMiss()
	StoreError()
	LookupDuration(outcome string, d time.Duration)
}

// entry is immutable once stored, so a reader always sees a consistent
// value and fetch time.
type entry struct {
	lookup    Lookup
	fetchedAt time.Time
}

// CacheStats is a point-in-time view of cache activity
type CacheStats struct {
	Entries      int    `json:"entries"`
	Hits         uint64 `json:"hits"`
	NegativeHits uint64 `json:"negative_hits"`
	Misses       uint64 `json:"misses"`
	StoreErrors  uint64 `json:"store_errors"`
}

// Cache is the process-wide read-through identity cache. It is safe for
// concurrent use by sessions and administrative handlers.
type Cache struct {
	store       Store
	matcher     *Matcher
	ttl         time.Duration
	timeout     time.Duration
	concurrency int
	now         func() time.Time
	log         logger.Logger
	observer    Observer

	entries *cache.Cache
	// epoch advances on every invalidation; a fetch that started under an
	// older epoch does not store its result. writeMu makes the epoch check
	// and the store one step with respect to invalidation.
	epoch   atomic.Uint64
	writeMu sync.Mutex
	// onStore runs inside the store step; tests use it to interleave
	onStore func(label string)

	hits         atomic.Uint64
	negativeHits atomic.Uint64
	misses       atomic.Uint64
	storeErrors  atomic.Uint64
}

// Option configures a Cache
type Option func(*Cache)

// WithTTL sets how long entries, including negative ones, stay fresh
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLookupTimeout bounds each backing store call
func WithLookupTimeout(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithBatchConcurrency limits parallel store calls in ResolveBatch
func WithBatchConcurrency(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithMatcher sets the label matching policy
func WithMatcher(m *Matcher) Option {
	return func(c *Cache) {
		if m != nil {
			c.matcher = m
		}
	}
}

// WithClock overrides the time source used for freshness checks
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.log = l
		}
	}
}

func WithObserver(o Observer) Option {
	return func(c *Cache) {
		c.observer = o
	}
}

// NewCache creates a cache in front of store
func NewCache(store Store, opts ...Option) (*Cache, error) {
	if store == nil {
		return nil, errors.Newf("identity store is required").
			Component("identity").
			Category(errors.CategoryConfiguration).
			Build()
	}

	matcher, err := NewMatcher()
	if err != nil {
		return nil, err
	}

	c := &Cache{
		store:       store,
		matcher:     matcher,
		ttl:         DefaultTTL,
		timeout:     DefaultLookupTimeout,
		concurrency: DefaultBatchConcurrency,
		now:         time.Now,
		log:         logger.NewSlogLogger(nil, logger.LogLevelInfo, nil),
	}
	for _, opt := range opts {
		opt(c)
	}

	// freshness is decided against c.now; go-cache expiry only reclaims memory
	c.entries = cache.New(c.ttl, 2*c.ttl)
	return c, nil
}

// TTL returns the freshness bound of entries
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Matcher returns the label matching policy
func (c *Cache) Matcher() *Matcher {
	return c.matcher
}

// Resolve returns the identity for label, consulting the store at most once
// per TTL. Absent identities are cached; store failures are not.
func (c *Cache) Resolve(ctx context.Context, label string) Lookup {
	if strings.TrimSpace(label) == "" {
		return NotFound()
	}
	if lookup, ok := c.fresh(label); ok {
		return lookup
	}
	c.recordMiss()
	return c.fetch(ctx, label)
}

// ResolveBatch resolves each distinct label independently. Cached labels
// are answered without store calls, and a failure for one label never
// affects another.
func (c *Cache) ResolveBatch(ctx context.Context, labels []string) map[string]Lookup {
	results := make(map[string]Lookup, len(labels))
	var pending []string

	for _, label := range labels {
		if _, done := results[label]; done {
			continue
		}
		if strings.TrimSpace(label) == "" {
			results[label] = NotFound()
			continue
		}
		if lookup, ok := c.fresh(label); ok {
			results[label] = lookup
			continue
		}
		c.recordMiss()
		// placeholder keeps duplicates out of pending
		results[label] = Lookup{}
		pending = append(pending, label)
	}

	if len(pending) == 0 {
		return results
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(c.concurrency)
	for _, label := range pending {
		g.Go(func() error {
			lookup := c.fetch(ctx, label)
			mu.Lock()
			results[label] = lookup
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// Invalidate drops any entry for label so the next resolve queries the store
func (c *Cache) Invalidate(label string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.epoch.Add(1)
	c.entries.Delete(label)
}

// InvalidateRecord drops every entry that a change to rec could make
// stale: the record's own label, entries that resolved to it through a
// secondary strategy, and all negative entries.
func (c *Cache) InvalidateRecord(rec Record) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.epoch.Add(1)
	c.entries.Delete(rec.Label)
	for key, item := range c.entries.Items() {
		e, ok := item.Object.(*entry)
		if !ok {
			c.entries.Delete(key)
			continue
		}
		switch e.lookup.Status {
		case StatusNotFound:
			c.entries.Delete(key)
		case StatusFound:
			if e.lookup.Record != nil && e.lookup.Record.Label == rec.Label {
				c.entries.Delete(key)
			}
		}
	}
}

// Clear removes all entries
func (c *Cache) Clear() {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.epoch.Add(1)
	c.entries.Flush()
}

// Stats returns current counters
func (c *Cache) Stats() CacheStats {
	return CacheStats{
		Entries:      c.entries.ItemCount(),
		Hits:         c.hits.Load(),
		NegativeHits: c.negativeHits.Load(),
		Misses:       c.misses.Load(),
		StoreErrors:  c.storeErrors.Load(),
	}
}

// fresh returns a cached lookup younger than the TTL
func (c *Cache) fresh(label string) (Lookup, bool) {
	v, ok := c.entries.Get(label)
	if !ok {
		return Lookup{}, false
	}
	e, ok := v.(*entry)
	if !ok || c.now().Sub(e.fetchedAt) > c.ttl {
		return Lookup{}, false
	}

	negative := e.lookup.Status == StatusNotFound
	if negative {
		c.negativeHits.Add(1)
	} else {
		c.hits.Add(1)
	}
	if c.observer != nil {
		c.observer.CacheHit(negative)
	}
	return e.lookup, true
}

func (c *Cache) recordMiss() {
	c.misses.Add(1)
	if c.observer != nil {
		c.observer.CacheMiss()
	}
}

// fetch queries the store once under the lookup timeout and caches the
// outcome unless the store failed.
func (c *Cache) fetch(ctx context.Context, label string) Lookup {
	epoch := c.epoch.Load()
	start := time.Now()

	lookupCtx, cancel := context.WithTimeout(ctx, c.timeout)
	rec, err := c.matcher.Match(lookupCtx, c.store, label)
	cancel()

	var lookup Lookup
	switch {
	case err == nil:
		lookup = Found(*rec)
	case errors.Is(err, ErrNotFound):
		lookup = NotFound()
	default:
		c.storeErrors.Add(1)
		if c.observer != nil {
			c.observer.StoreError()
			c.observer.LookupDuration("error", time.Since(start))
		}
		enhanced := errors.New(err).
			Component("identity").
			Category(storeErrorCategory(err)).
			Context("label", label).
			Timing("identity_lookup", time.Since(start)).
			Build()
		c.log.Warn("identity lookup failed, result not cached",
			logger.String("label", label),
			logger.Error(enhanced))
		return StoreError(enhanced)
	}

	if c.observer != nil {
		c.observer.LookupDuration(lookup.Status.String(), time.Since(start))
	}

	if !c.storeIfCurrent(label, lookup, epoch) {
		c.log.Debug("identity changed during lookup, result not cached", logger.String("label", label))
	}
	return lookup
}

// storeIfCurrent caches lookup unless an invalidation happened since epoch
func (c *Cache) storeIfCurrent(label string, lookup Lookup, epoch uint64) bool {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.epoch.Load() != epoch {
		return false
	}
	if c.onStore != nil {
		c.onStore(label)
	}
	c.entries.Set(label, &entry{lookup: lookup, fetchedAt: c.now()}, cache.DefaultExpiration)
	return true
}

func storeErrorCategory(err error) errors.ErrorCategory {
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.CategoryTimeout
	}
	return errors.CategoryIdentityStore
}
