// Package runtimesettings wires the context, filter, entry, provider,
// secret, store, refresh, and watcher packages into the library's public
// surface: Get, GetOr, WithRequest, WithCustom, AddWatcher, and Refresh.
// See SPEC_FULL.md §4.10.
package runtimesettings

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ermakov-oleg/runtime-settings-go/rscontext"
	"github.com/ermakov-oleg/runtime-settings-go/rsentry"
	"github.com/ermakov-oleg/runtime-settings-go/rsrefresh"
	"github.com/ermakov-oleg/runtime-settings-go/rssecret"
	"github.com/ermakov-oleg/runtime-settings-go/rsstore"
	"github.com/ermakov-oleg/runtime-settings-go/rswatch"
)

var (
	storeEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "runtimesettings_store_entries",
		Help: "Current number of distinct keys held in the store.",
	})
	secretBrokerEpoch = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "runtimesettings_secret_broker_epoch",
		Help: "Current secret broker invalidation epoch.",
	})
	cacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runtimesettings_entry_cache_hits_total",
		Help: "Get calls whose matched entry yielded a typed value, whether served from the entry's typed cache or freshly deserialized.",
	})
	cacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "runtimesettings_entry_cache_misses_total",
		Help: "Get calls whose matched entry could not be resolved or deserialized; calls with no matching entry are not counted.",
	})
)

// Client is the assembled runtime-settings library: a live store fed by a
// background refresh loop, a secret broker, and a watcher registry.
type Client struct {
	store     *rsstore.Store
	broker    *rssecret.Broker
	watchers  *rswatch.Registry
	refresh   *rsrefresh.Loop
	staticCtx rscontext.StaticContext
	logger    log.Logger

	group  run.Group
	cancel context.CancelFunc
}

// Get resolves key against ctx's dynamic scope, returning the first
// candidate (by descending priority) whose dynamic filters match, typed
// as T. The second return is false if no candidate matched, the backing
// value failed to deserialize as T, or a secret reference it depends on
// could not be resolved; callers never receive a bubbled error, per
// spec.md §7 ("read path never throws").
func Get[T any](ctx context.Context, c *Client, key string) (T, bool) {
	var zero T
	dctx := rscontext.DynamicFromContext(ctx)

	for _, e := range c.store.Lookup(key) {
		if !e.MatchesDynamic(dctx) {
			continue
		}
		v, ok := rsentry.ValueAs[T](ctx, e, c.broker, c.logger)
		if ok {
			cacheHits.Inc()
			return v, true
		}
		cacheMisses.Inc()
		return zero, false
	}
	return zero, false
}

// GetOr is Get with a caller-supplied fallback for "absent or unresolved".
func GetOr[T any](ctx context.Context, c *Client, key string, fallback T) T {
	if v, ok := Get[T](ctx, c, key); ok {
		return v
	}
	return fallback
}

// WithRequest attaches request attributes (method, path, headers) to ctx
// for the duration of dynamic filter evaluation.
func WithRequest(ctx context.Context, method, path string, headers map[string]string) context.Context {
	return rscontext.WithRequest(ctx, rscontext.NewRequest(method, path, headers))
}

// WithCustom pushes a new custom-context layer onto ctx; keys in layer
// shadow any same-named key from an outer layer.
func WithCustom(ctx context.Context, layer map[string]string) context.Context {
	return rscontext.WithCustom(ctx, layer)
}

// AddWatcher registers cb to be invoked, off the calling goroutine, whenever
// key's best-effort current value (matched against an empty dynamic
// context) changes between refresh cycles.
func (c *Client) AddWatcher(key string, cb rswatch.Callback) rswatch.ID {
	return c.watchers.Add(key, cb)
}

// RemoveWatcher unregisters a callback added with AddWatcher.
func (c *Client) RemoveWatcher(id rswatch.ID) {
	c.watchers.Remove(id)
}

// Refresh forces one immediate poll-merge-notify cycle, bounded by d.
func (c *Client) Refresh(d time.Duration) {
	c.refresh.RefreshWithTimeout(d)
}

// Start launches the background refresh loop and blocks until the
// supplied context is canceled or a supervised component fails. Run it in
// its own goroutine.
func (c *Client) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.refresh.RunGroup(ctx, &c.group)
	err := c.group.Run()
	if err != nil && c.logger != nil {
		level.Info(c.logger).Log("msg", "runtime settings client stopped", "err", err)
	}
	return err
}

// Stop requests a graceful shutdown of the background refresh loop.
func (c *Client) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// StaticContext returns the process identity this client was built with.
func (c *Client) StaticContext() rscontext.StaticContext {
	return c.staticCtx
}

func (c *Client) observeStoreSize() {
	storeEntries.Set(float64(len(c.store.Keys())))
	secretBrokerEpoch.Set(float64(c.broker.Epoch()))
}
