// Package rsrefresh periodically pulls every configured provider into the
// store, refreshes the secret broker, and feeds the watcher registry a
// fresh snapshot, all under one supervised oklog/run.Group. See
// SPEC_FULL.md §4.8.
package rsrefresh

import (
	"context"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ermakov-oleg/runtime-settings-go/rscontext"
	"github.com/ermakov-oleg/runtime-settings-go/rsprovider"
	"github.com/ermakov-oleg/runtime-settings-go/rsstore"
	"github.com/ermakov-oleg/runtime-settings-go/rswatch"
)

// SecretRefresher is implemented by rssecret.Broker; declared locally so
// this package doesn't need to import rssecret.
type SecretRefresher interface {
	Refresh(ctx context.Context) error
}

var (
	refreshTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runtime_settings_refresh_total",
			Help: "Total number of provider refresh cycles, by provider and outcome.",
		},
		[]string{"provider", "outcome"},
	)
	refreshDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "runtime_settings_refresh_duration_seconds",
			Help: "Duration of one provider load, by provider.",
		},
		[]string{"provider"},
	)
)

// MustRegister registers this package's metrics with reg. Safe to call
// once per process; registering the same collector twice panics, matching
// the teacher's own MustRegister usage.
func MustRegister(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	reg.MustRegister(refreshTotal, refreshDuration)
}

// namedProvider pairs a provider with a label used only for metrics/logs.
type namedProvider struct {
	name string
	rsprovider.Provider
}

// Loop owns the periodic poll-merge-notify cycle for one Client.
type Loop struct {
	providers []namedProvider
	store     *rsstore.Store
	broker    SecretRefresher
	watchers  *rswatch.Registry
	staticCtx rscontext.StaticContext
	interval  time.Duration
	logger    log.Logger

	// onCycle, if set, runs after every RefreshAll so the owning Client can
	// update its own gauges without this package importing it back.
	onCycle func()
}

// New builds a Loop. interval is the steady-state poll period; providers
// are polled independently, and each Load is passed the store's current
// version cursor.
func New(
	providers map[string]rsprovider.Provider,
	store *rsstore.Store,
	broker SecretRefresher,
	watchers *rswatch.Registry,
	staticCtx rscontext.StaticContext,
	interval time.Duration,
	logger log.Logger,
) *Loop {
	named := make([]namedProvider, 0, len(providers))
	for name, p := range providers {
		named = append(named, namedProvider{name: name, Provider: p})
	}
	return &Loop{
		providers: named,
		store:     store,
		broker:    broker,
		watchers:  watchers,
		staticCtx: staticCtx,
		interval:  interval,
		logger:    logger,
	}
}

// OnCycle registers a callback invoked after every completed RefreshAll.
func (l *Loop) OnCycle(fn func()) {
	l.onCycle = fn
}

// RunGroup registers the refresh loop into g as one actor, so the caller's
// Client can supervise it alongside its HTTP server or other components.
// The loop runs a cycle on every tick and on every signal from a provider's
// ChangeNotifier (if any).
func (l *Loop) RunGroup(ctx context.Context, g *run.Group) {
	ctx, cancel := context.WithCancel(ctx)
	g.Add(func() error {
		return l.run(ctx)
	}, func(error) {
		cancel()
	})
}

func (l *Loop) run(ctx context.Context) error {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	changeChans := make([]<-chan struct{}, 0, len(l.providers))
	for _, np := range l.providers {
		if cn, ok := np.Provider.(rsprovider.ChangeNotifier); ok {
			changeChans = append(changeChans, cn.Changes())
		}
	}

	changeSignal := fanIn(changeChans)

	l.RefreshAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.RefreshAll(ctx)
		case <-changeSignal:
			l.RefreshAll(ctx)
		}
	}
}

// RefreshAll polls every provider once, merges its response into the
// store, refreshes the secret broker, and notifies watchers. Individual
// provider failures are logged and do not abort the cycle (spec.md §4.8:
// "errors from one provider must not prevent others from refreshing").
func (l *Loop) RefreshAll(ctx context.Context) {
	for _, np := range l.providers {
		l.refreshOne(ctx, np)
	}

	if l.broker != nil {
		if err := l.broker.Refresh(ctx); err != nil && l.logger != nil {
			level.Warn(l.logger).Log("msg", "secret broker refresh failed", "err", err)
		}
	}

	if l.watchers != nil {
		l.watchers.Check(l.store.Snapshot(l.staticCtx))
	}

	if l.onCycle != nil {
		l.onCycle()
	}
}

func (l *Loop) refreshOne(ctx context.Context, np namedProvider) {
	start := time.Now()
	resp, err := np.Load(ctx, l.store.Version())
	refreshDuration.WithLabelValues(np.name).Observe(time.Since(start).Seconds())

	if err != nil {
		refreshTotal.WithLabelValues(np.name, "error").Inc()
		if l.logger != nil {
			level.Warn(l.logger).Log("msg", "provider refresh failed", "provider", np.name, "err", err)
		}
		return
	}
	refreshTotal.WithLabelValues(np.name, "ok").Inc()
	l.store.Merge(resp, l.staticCtx, l.logger)
}

// RefreshWithTimeout runs one bounded ad-hoc refresh cycle, for callers
// that want to force an immediate update without waiting for the next
// tick (spec.md §4.8 step 4).
func (l *Loop) RefreshWithTimeout(d time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	l.RefreshAll(ctx)
}

// fanIn merges any number of done-style channels into one. Receiving from a
// nil channel set blocks forever, which is fine: the caller's select also
// watches ctx.Done() and the ticker.
func fanIn(chans []<-chan struct{}) <-chan struct{} {
	out := make(chan struct{})
	if len(chans) == 0 {
		return out
	}
	for _, c := range chans {
		c := c
		go func() {
			for range c {
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}()
	}
	return out
}
