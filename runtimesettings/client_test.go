package runtimesettings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ermakov-oleg/runtime-settings-go/rscontext"
	"github.com/ermakov-oleg/runtime-settings-go/rsentry"
	"github.com/ermakov-oleg/runtime-settings-go/rssecret"
	"github.com/ermakov-oleg/runtime-settings-go/rsstore"
	"github.com/ermakov-oleg/runtime-settings-go/rswatch"
)

type fakeSecretBackend struct {
	data map[string]map[string]any
}

func (b *fakeSecretBackend) Read(_ context.Context, path string) (rssecret.SecretData, error) {
	d, ok := b.data[path]
	if !ok {
		return rssecret.SecretData{}, assertErr{"no such secret"}
	}
	out := make(map[string]any, len(d))
	for k, v := range d {
		out[k] = v
	}
	return rssecret.SecretData{Data: out, Renewable: true, LeaseTTL: time.Millisecond}, nil
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

func newTestClient(staticCtx rscontext.StaticContext, backend rssecret.Backend) *Client {
	store := rsstore.New()
	watchers := rswatch.NewRegistry(nil)
	broker := rssecret.NewBroker(backend)
	return &Client{
		store:     store,
		broker:    broker,
		watchers:  watchers,
		staticCtx: staticCtx,
	}
}

func appCtx(app string) rscontext.StaticContext {
	return rscontext.NewStaticContext(app, "host", nil, nil, "", false)
}

func TestScenario1BasicPriority(t *testing.T) {
	c := newTestClient(appCtx("svc"), nil)
	c.store.Merge(rsstore.Response{Entries: []rsentry.RawEntry{
		{Key: "K", Priority: 10, Value: "lo"},
		{Key: "K", Priority: 100, Value: "hi"},
	}}, c.staticCtx, nil)

	v, ok := Get[string](context.Background(), c, "K")
	require.True(t, ok)
	assert.Equal(t, "hi", v)
}

func TestScenario2StaticAppFilter(t *testing.T) {
	c := newTestClient(appCtx("svc"), nil)
	c.store.Merge(rsstore.Response{Entries: []rsentry.RawEntry{
		{Key: "K", Priority: 1, Filter: map[string]string{"application": "other"}, Value: "x"},
	}}, c.staticCtx, nil)

	_, ok := Get[string](context.Background(), c, "K")
	assert.False(t, ok)
}

func TestScenario3DynamicURLPath(t *testing.T) {
	c := newTestClient(appCtx("svc"), nil)
	c.store.Merge(rsstore.Response{Entries: []rsentry.RawEntry{
		{Key: "F", Priority: 1, Filter: map[string]string{"url-path": "/api/.*"}, Value: true},
	}}, c.staticCtx, nil)

	matchCtx := WithRequest(context.Background(), "GET", "/api/u", nil)
	v, ok := Get[bool](matchCtx, c, "F")
	require.True(t, ok)
	assert.True(t, v)

	missCtx := WithRequest(context.Background(), "GET", "/web", nil)
	_, ok = Get[bool](missCtx, c, "F")
	assert.False(t, ok)
}

func TestScenario4EnvironmentMapFilter(t *testing.T) {
	prodCtx := rscontext.NewStaticContext("svc", "host", map[string]string{"TIER": "prod", "REGION": "west-eu"}, nil, "", false)
	c := newTestClient(prodCtx, nil)
	c.store.Merge(rsstore.Response{Entries: []rsentry.RawEntry{
		{Key: "E", Priority: 1, Filter: map[string]string{"environment": "TIER=prod,REGION=.*eu.*"}, Value: float64(1)},
	}}, c.staticCtx, nil)

	v, ok := Get[float64](context.Background(), c, "E")
	require.True(t, ok)
	assert.Equal(t, float64(1), v)

	devCtx := rscontext.NewStaticContext("svc", "host", map[string]string{"TIER": "dev", "REGION": "west-eu"}, nil, "", false)
	devClient := newTestClient(devCtx, nil)
	devClient.store.Merge(rsstore.Response{Entries: []rsentry.RawEntry{
		{Key: "E", Priority: 1, Filter: map[string]string{"environment": "TIER=prod,REGION=.*eu.*"}, Value: float64(1)},
	}}, devClient.staticCtx, nil)
	_, ok = Get[float64](context.Background(), devClient, "E")
	assert.False(t, ok)
}

func TestScenario5SecretSubstitutionAndRotation(t *testing.T) {
	backend := &fakeSecretBackend{data: map[string]map[string]any{
		"db/creds": {"password": "hunter2"},
	}}
	c := newTestClient(appCtx("svc"), backend)
	c.store.Merge(rsstore.Response{Entries: []rsentry.RawEntry{
		{Key: "DB", Priority: 1, Value: map[string]any{
			"user": "u",
			"pass": map[string]any{"$secret": "db/creds:password"},
		}},
	}}, c.staticCtx, nil)

	type creds struct {
		User string `json:"user"`
		Pass string `json:"pass"`
	}

	v, ok := Get[creds](context.Background(), c, "DB")
	require.True(t, ok)
	assert.Equal(t, creds{User: "u", Pass: "hunter2"}, v)

	// Let the 1ms lease pass 75% so Refresh re-reads the secret.
	time.Sleep(5 * time.Millisecond)
	backend.data["db/creds"]["password"] = "s3cret"
	require.NoError(t, c.broker.Refresh(context.Background()))

	v2, ok := Get[creds](context.Background(), c, "DB")
	require.True(t, ok)
	assert.Equal(t, creds{User: "u", Pass: "s3cret"}, v2)
}

func TestScenario6WatcherDiff(t *testing.T) {
	c := newTestClient(appCtx("svc"), nil)

	var calls []recordedWatcherCall
	c.AddWatcher("K", func(key string, old, new any) {
		calls = append(calls, recordedWatcherCall{old, new})
	})

	c.store.Merge(rsstore.Response{Entries: []rsentry.RawEntry{{Key: "K", Priority: 1, Value: "a"}}}, c.staticCtx, nil)
	c.watchers.Check(c.store.Snapshot(c.staticCtx))

	c.store.Merge(rsstore.Response{Entries: []rsentry.RawEntry{{Key: "K", Priority: 1, Value: "a"}}}, c.staticCtx, nil)
	c.watchers.Check(c.store.Snapshot(c.staticCtx))

	c.store.Merge(rsstore.Response{Entries: []rsentry.RawEntry{{Key: "K", Priority: 1, Value: "b"}}}, c.staticCtx, nil)
	c.watchers.Check(c.store.Snapshot(c.staticCtx))

	c.store.Merge(rsstore.Response{Deleted: []rsentry.DeleteRecord{{Key: "K", Priority: 1}}}, c.staticCtx, nil)
	c.watchers.Check(c.store.Snapshot(c.staticCtx))

	require.Len(t, calls, 3)
	assert.Nil(t, calls[0].old)
	assert.Equal(t, "a", calls[0].new)
	assert.Equal(t, "a", calls[1].old)
	assert.Equal(t, "b", calls[1].new)
	assert.Equal(t, "b", calls[2].old)
	assert.Nil(t, calls[2].new)
}

type recordedWatcherCall struct {
	old, new any
}

func TestGetOrFallsBackWhenAbsent(t *testing.T) {
	c := newTestClient(appCtx("svc"), nil)
	v := GetOr(context.Background(), c, "missing", "default")
	assert.Equal(t, "default", v)
}

func TestWithCustomLayering(t *testing.T) {
	// P6
	base := WithCustom(context.Background(), map[string]string{"k": "a"})
	layered := WithCustom(base, map[string]string{"k": "b"})

	assert.Equal(t, "b", mustCustom(t, layered, "k"))
	assert.Equal(t, "a", mustCustom(t, base, "k"))
}

func mustCustom(t *testing.T, ctx context.Context, key string) string {
	t.Helper()
	v, ok := rscontext.CustomFromContext(ctx).Get(key)
	require.True(t, ok)
	return v
}
