package runtimesettings

import (
	"encoding/json"
	"os"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ermakov-oleg/runtime-settings-go/rscontext"
	"github.com/ermakov-oleg/runtime-settings-go/rsprovider"
	"github.com/ermakov-oleg/runtime-settings-go/rsrefresh"
	"github.com/ermakov-oleg/runtime-settings-go/rssecret"
	"github.com/ermakov-oleg/runtime-settings-go/rsstore"
	"github.com/ermakov-oleg/runtime-settings-go/rswatch"
)

const defaultRefreshInterval = 30 * time.Second

// Builder accumulates configuration for a Client before Build assembles
// it, per spec.md §4.10.
type Builder struct {
	application  string
	server       string
	environment  map[string]string
	libVersions  map[string]*semver.Version
	mcsRunEnv    string
	hasMcsRunEnv bool

	baseURL         string
	filePath        string
	watchFile       bool
	secretBackend   rssecret.Backend
	staticRefreshIv map[string]time.Duration
	refreshInterval time.Duration

	logger   log.Logger
	registry prometheus.Registerer
}

// NewBuilder seeds a Builder from the environment variables spec.md §6
// names: RUNTIME_SETTINGS_BASE_URL, RUNTIME_SETTINGS_FILE_PATH,
// MCS_RUN_ENV, STATIC_SECRETS_REFRESH_INTERVALS, JSON_LOG (consulted by
// the caller's own logger setup, not by this library directly).
func NewBuilder(application string) *Builder {
	b := &Builder{
		application:     application,
		server:          hostnameOrEmpty(),
		environment:     map[string]string{},
		libVersions:     map[string]*semver.Version{},
		refreshInterval: defaultRefreshInterval,
	}
	if v := os.Getenv("RUNTIME_SETTINGS_BASE_URL"); v != "" {
		b.baseURL = v
	}
	if v := os.Getenv("RUNTIME_SETTINGS_FILE_PATH"); v != "" {
		b.filePath = v
		b.watchFile = true
	}
	if v, ok := os.LookupEnv("MCS_RUN_ENV"); ok {
		b.mcsRunEnv = v
		b.hasMcsRunEnv = true
	}
	if v := os.Getenv("STATIC_SECRETS_REFRESH_INTERVALS"); v != "" {
		if parsed, err := parseStaticRefreshIntervals(v); err == nil {
			b.staticRefreshIv = parsed
		}
	}
	return b
}

func hostnameOrEmpty() string {
	h, err := os.Hostname()
	if err != nil {
		return ""
	}
	return h
}

func parseStaticRefreshIntervals(raw string) (map[string]time.Duration, error) {
	var seconds map[string]float64
	if err := json.Unmarshal([]byte(raw), &seconds); err != nil {
		return nil, err
	}
	out := make(map[string]time.Duration, len(seconds))
	for k, v := range seconds {
		out[k] = time.Duration(v * float64(time.Second))
	}
	return out, nil
}

// WithServer overrides the auto-detected hostname.
func (b *Builder) WithServer(server string) *Builder {
	b.server = server
	return b
}

// WithEnvironmentTag records a static-context environment key/value pair
// (e.g. TIER=prod), matched by the `environment` static filter.
func (b *Builder) WithEnvironmentTag(key, value string) *Builder {
	b.environment[key] = value
	return b
}

// WithLibraryVersion records a library's SemVer for the `library_version`
// static filter.
func (b *Builder) WithLibraryVersion(name string, version *semver.Version) *Builder {
	b.libVersions[name] = version
	return b
}

// WithMcsRunEnv sets static_context.mcs_run_env explicitly, overriding any
// MCS_RUN_ENV environment variable already picked up by NewBuilder.
func (b *Builder) WithMcsRunEnv(env string) *Builder {
	b.mcsRunEnv = env
	b.hasMcsRunEnv = true
	return b
}

// WithRemoteProvider enables the remote diff-server provider at baseURL.
func (b *Builder) WithRemoteProvider(baseURL string) *Builder {
	b.baseURL = baseURL
	return b
}

// WithFileProvider enables the local JSON5 file provider at path. watch
// additionally monitors the file with fsnotify for immediate reload.
func (b *Builder) WithFileProvider(path string, watch bool) *Builder {
	b.filePath = path
	b.watchFile = watch
	return b
}

// WithSecretBackend installs the backend the secret broker fetches from.
// Without one, secret references fail at resolution time with a clear
// "secrets not configured" error, per spec.md §4.10.
func (b *Builder) WithSecretBackend(backend rssecret.Backend) *Builder {
	b.secretBackend = backend
	return b
}

// WithStaticSecretRefreshIntervals overrides the broker's default
// non-renewable-lease refresh schedule.
func (b *Builder) WithStaticSecretRefreshIntervals(intervals map[string]time.Duration) *Builder {
	b.staticRefreshIv = intervals
	return b
}

// WithRefreshInterval overrides the default 30s steady-state poll cadence.
func (b *Builder) WithRefreshInterval(d time.Duration) *Builder {
	b.refreshInterval = d
	return b
}

// WithLogger installs a go-kit logger used for every non-fatal failure
// this library logs instead of returning as an error.
func (b *Builder) WithLogger(logger log.Logger) *Builder {
	b.logger = logger
	return b
}

// WithMetricsRegistry registers this client's Prometheus collectors (store
// size, secret broker epoch, entry cache hit/miss, refresh counters) with
// reg. Without it, metrics are created but never exposed.
func (b *Builder) WithMetricsRegistry(reg prometheus.Registerer) *Builder {
	b.registry = reg
	return b
}

// Build wires every component into a ready-to-use Client. It does not
// start the background refresh loop; call Start in its own goroutine, or
// call Refresh for an ad-hoc one-shot load, once Build returns.
func (b *Builder) Build() (*Client, error) {
	staticCtx := rscontext.NewStaticContext(b.application, b.server, b.environment, b.libVersions, b.mcsRunEnv, b.hasMcsRunEnv)

	store := rsstore.New()
	watchers := rswatch.NewRegistry(b.logger)

	brokerOpts := []rssecret.Option{rssecret.WithLogger(b.logger)}
	if b.staticRefreshIv != nil {
		brokerOpts = append(brokerOpts, rssecret.WithStaticRefreshIntervals(b.staticRefreshIv))
	}
	broker := rssecret.NewBroker(b.secretBackend, brokerOpts...)

	providers := map[string]rsprovider.Provider{
		"env": rsprovider.NewEnvProvider(),
	}
	if b.filePath != "" {
		fp, err := rsprovider.NewFileProvider(b.filePath, b.watchFile, b.logger)
		if err != nil {
			return nil, err
		}
		providers["file"] = fp
	}
	if b.baseURL != "" {
		providers["remote"] = rsprovider.NewRemoteProvider(b.baseURL, b.application, b.mcsRunEnv)
	}

	loop := rsrefresh.New(providers, store, broker, watchers, staticCtx, b.refreshInterval, b.logger)

	if b.registry != nil {
		rsrefresh.MustRegister(b.registry)
		b.registry.MustRegister(storeEntries, secretBrokerEpoch, cacheHits, cacheMisses)
	}

	c := &Client{
		store:     store,
		broker:    broker,
		watchers:  watchers,
		refresh:   loop,
		staticCtx: staticCtx,
		logger:    b.logger,
	}
	loop.OnCycle(c.observeStoreSize)
	return c, nil
}
