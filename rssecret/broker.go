package rssecret

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

const defaultCacheSize = 4096

// DefaultStaticRefreshIntervals mirrors spec.md §4.6's defaults for secrets
// whose lease is non-renewable.
func DefaultStaticRefreshIntervals() map[string]time.Duration {
	return map[string]time.Duration{
		"kafka-certificates": 10 * time.Minute,
		"interservice-auth":  1 * time.Minute,
	}
}

type cacheEntry struct {
	mu        sync.Mutex
	value     SecretData
	fetchedAt time.Time
}

// Broker is a caching facade over a Backend, with lease-aware background
// refresh and an epoch counter bumped whenever a cached value changes.
type Broker struct {
	backend  Backend
	logger   log.Logger
	cache    *lru.Cache[string, *cacheEntry]
	group    singleflight.Group
	epoch    atomic.Uint64
	staticIv map[string]time.Duration
}

// Option configures a Broker.
type Option func(*Broker)

// WithLogger sets the broker's logger.
func WithLogger(logger log.Logger) Option {
	return func(b *Broker) { b.logger = logger }
}

// WithStaticRefreshIntervals overrides the default non-renewable-lease
// refresh schedule (spec.md §6, STATIC_SECRETS_REFRESH_INTERVALS).
func WithStaticRefreshIntervals(intervals map[string]time.Duration) Option {
	return func(b *Broker) { b.staticIv = intervals }
}

// WithCacheSize overrides the default bounded cache size.
func WithCacheSize(size int) Option {
	return func(b *Broker) {
		c, err := lru.New[string, *cacheEntry](size)
		if err == nil {
			b.cache = c
		}
	}
}

// NewBroker builds a Broker over backend. A nil backend is permitted: any
// attempt to resolve a secret then fails with a clear error, per spec.md
// §4.10 ("secret references will fail with a clear error if touched").
func NewBroker(backend Backend, opts ...Option) *Broker {
	cache, _ := lru.New[string, *cacheEntry](defaultCacheSize)
	b := &Broker{
		backend:  backend,
		cache:    cache,
		staticIv: DefaultStaticRefreshIntervals(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Epoch returns the current invalidation epoch.
func (b *Broker) Epoch() uint64 { return b.epoch.Load() }

// Get resolves key within the secret stored at path, fetching from the
// backend on first access and serving cached data afterward.
func (b *Broker) Get(ctx context.Context, path, key string) (string, error) {
	entry, err := b.fetch(ctx, path)
	if err != nil {
		return "", err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	v, ok := entry.value.Data[key]
	if !ok {
		return "", fmt.Errorf("secret %q: key %q not found", path, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("secret %q: key %q is not a string", path, key)
	}
	return s, nil
}

func (b *Broker) fetch(ctx context.Context, path string) (*cacheEntry, error) {
	if cached, ok := b.cache.Get(path); ok {
		return cached, nil
	}
	if b.backend == nil {
		return nil, fmt.Errorf("secrets not configured: no backend for path %q", path)
	}

	// Coalesce concurrent first-time fetches of the same path into one
	// backend read (SPEC_FULL.md §4.6).
	v, err, _ := b.group.Do(path, func() (any, error) {
		if cached, ok := b.cache.Get(path); ok {
			return cached, nil
		}
		data, err := b.backend.Read(ctx, path)
		if err != nil {
			return nil, err
		}
		entry := &cacheEntry{value: data, fetchedAt: time.Now()}
		b.cache.Add(path, entry)
		return entry, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch secret %q: %w", path, err)
	}
	return v.(*cacheEntry), nil
}

// Refresh re-reads secrets whose lease or static interval has elapsed,
// bumping the epoch once if any cached value actually changed. Per spec.md
// §4.6, candidates are renewable secrets past 75% of their lease, plus
// non-renewable secrets matching a static-refresh-interval substring.
func (b *Broker) Refresh(ctx context.Context) error {
	if b.backend == nil {
		return nil
	}

	changed := false
	now := time.Now()
	for _, path := range b.cache.Keys() {
		entry, ok := b.cache.Peek(path)
		if !ok {
			continue
		}
		if !b.dueForRefresh(path, entry, now) {
			continue
		}
		data, err := b.backend.Read(ctx, path)
		if err != nil {
			if b.logger != nil {
				level.Warn(b.logger).Log("msg", "secret refresh failed", "path", path, "err", err)
			}
			continue
		}
		entry.mu.Lock()
		prev := entry.value
		entry.value = data
		entry.fetchedAt = now
		entry.mu.Unlock()

		if !dataEqual(prev, data) {
			changed = true
		}
	}

	if changed {
		b.epoch.Add(1)
	}
	return nil
}

func (b *Broker) dueForRefresh(path string, entry *cacheEntry, now time.Time) bool {
	entry.mu.Lock()
	elapsed := now.Sub(entry.fetchedAt)
	renewable := entry.value.Renewable
	ttl := entry.value.LeaseTTL
	entry.mu.Unlock()

	if renewable && ttl > 0 {
		return elapsed >= (ttl*75)/100
	}
	for substr, interval := range b.staticIv {
		if strings.Contains(path, substr) && elapsed >= interval {
			return true
		}
	}
	return false
}

func dataEqual(a, b SecretData) bool {
	if len(a.Data) != len(b.Data) {
		return false
	}
	for k, v := range a.Data {
		if b.Data[k] != v {
			return false
		}
	}
	return true
}
