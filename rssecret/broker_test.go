package rssecret

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	mu     sync.Mutex
	data   map[string]SecretData
	reads  atomic.Int32
}

func (f *fakeBackend) Read(_ context.Context, path string) (SecretData, error) {
	f.reads.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.data[path]
	if !ok {
		return SecretData{}, assert.AnError
	}
	return d, nil
}

func (f *fakeBackend) set(path string, data SecretData) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[path] = data
}

func TestBrokerGetAndCache(t *testing.T) {
	backend := &fakeBackend{data: map[string]SecretData{
		"db/creds": {Data: map[string]any{"password": "hunter2"}},
	}}
	broker := NewBroker(backend)

	v, err := broker.Get(context.Background(), "db/creds", "password")
	require.NoError(t, err)
	assert.Equal(t, "hunter2", v)

	_, err = broker.Get(context.Background(), "db/creds", "password")
	require.NoError(t, err)
	assert.Equal(t, int32(1), backend.reads.Load())
}

func TestBrokerMissingKeyErrors(t *testing.T) {
	backend := &fakeBackend{data: map[string]SecretData{"db/creds": {Data: map[string]any{"password": "x"}}}}
	broker := NewBroker(backend)

	_, err := broker.Get(context.Background(), "db/creds", "username")
	assert.Error(t, err)
}

func TestBrokerNoBackendConfiguredErrors(t *testing.T) {
	broker := NewBroker(nil)
	_, err := broker.Get(context.Background(), "db/creds", "password")
	assert.Error(t, err)
}

func TestBrokerRefreshBumpsEpochOnChange(t *testing.T) {
	backend := &fakeBackend{data: map[string]SecretData{
		"db/creds": {Data: map[string]any{"password": "hunter2"}, Renewable: true, LeaseTTL: time.Millisecond},
	}}
	broker := NewBroker(backend)

	_, err := broker.Get(context.Background(), "db/creds", "password")
	require.NoError(t, err)
	epochBefore := broker.Epoch()

	time.Sleep(5 * time.Millisecond)
	backend.set("db/creds", SecretData{Data: map[string]any{"password": "s3cret"}, Renewable: true, LeaseTTL: time.Millisecond})

	require.NoError(t, broker.Refresh(context.Background()))
	assert.Greater(t, broker.Epoch(), epochBefore)

	v, err := broker.Get(context.Background(), "db/creds", "password")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", v)
}

func TestBrokerRefreshNoChangeLeavesEpoch(t *testing.T) {
	backend := &fakeBackend{data: map[string]SecretData{
		"db/creds": {Data: map[string]any{"password": "hunter2"}, Renewable: true, LeaseTTL: time.Millisecond},
	}}
	broker := NewBroker(backend)

	_, err := broker.Get(context.Background(), "db/creds", "password")
	require.NoError(t, err)
	epochBefore := broker.Epoch()

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, broker.Refresh(context.Background()))
	assert.Equal(t, epochBefore, broker.Epoch())
}

func TestBrokerStaticRefreshInterval(t *testing.T) {
	backend := &fakeBackend{data: map[string]SecretData{
		"service/interservice-auth/token": {Data: map[string]any{"token": "a"}},
	}}
	broker := NewBroker(backend, WithStaticRefreshIntervals(map[string]time.Duration{
		"interservice-auth": time.Millisecond,
	}))

	_, err := broker.Get(context.Background(), "service/interservice-auth/token", "token")
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	backend.set("service/interservice-auth/token", SecretData{Data: map[string]any{"token": "b"}})
	require.NoError(t, broker.Refresh(context.Background()))

	v, err := broker.Get(context.Background(), "service/interservice-auth/token", "token")
	require.NoError(t, err)
	assert.Equal(t, "b", v)
}

func TestBrokerConcurrentMissesCoalesce(t *testing.T) {
	backend := &fakeBackend{data: map[string]SecretData{"db/creds": {Data: map[string]any{"password": "x"}}}}
	broker := NewBroker(backend)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = broker.Get(context.Background(), "db/creds", "password")
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), backend.reads.Load())
}
