// Package rswatch fans out value-change notifications to subscribers keyed
// by setting name, diffing against the last-notified snapshot and isolating
// callback panics. See SPEC_FULL.md §4.9.
package rswatch

import (
	"reflect"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// ID identifies one registered callback.
type ID uint64

// Callback is invoked with the previous and new value for a watched key.
// Either value may be nil, meaning "absent".
type Callback func(key string, oldValue, newValue any)

type subscription struct {
	id ID
	cb Callback
}

// Registry is the keyed subscription list plus last-notified snapshot.
type Registry struct {
	mu     sync.Mutex
	nextID ID
	subs   map[string][]subscription
	byID   map[ID]string
	snapshot map[string]any

	logger log.Logger
}

// NewRegistry builds an empty watcher registry.
func NewRegistry(logger log.Logger) *Registry {
	return &Registry{
		subs:     make(map[string][]subscription),
		byID:     make(map[ID]string),
		snapshot: make(map[string]any),
		logger:   logger,
	}
}

// Add registers callback for changes to key and returns a handle usable
// with Remove.
func (r *Registry) Add(key string, cb Callback) ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.subs[key] = append(r.subs[key], subscription{id: id, cb: cb})
	r.byID[id] = key
	return id
}

// Remove unregisters a callback by its ID.
func (r *Registry) Remove(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.byID[id]
	if !ok {
		return
	}
	delete(r.byID, id)
	list := r.subs[key]
	for i, s := range list {
		if s.id == id {
			r.subs[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(r.subs[key]) == 0 {
		delete(r.subs, key)
	}
}

type change struct {
	key           string
	oldV, newV    any
	subscriptions []subscription
}

// Check diffs currentValues against the last-notified snapshot under lock,
// then invokes callbacks outside the lock, each isolated against panics.
// Keys present in the snapshot but absent from currentValues are reported
// as a transition to nil ("absent"), per spec.md §4.9.
func (r *Registry) Check(currentValues map[string]any) {
	var changes []change

	r.mu.Lock()
	seen := make(map[string]bool, len(currentValues))
	for key, newV := range currentValues {
		seen[key] = true
		oldV, existed := r.snapshot[key]
		if existed && valueEqual(oldV, newV) {
			continue
		}
		r.snapshot[key] = newV
		if subs := r.subs[key]; len(subs) > 0 {
			changes = append(changes, change{key: key, oldV: oldV, newV: newV, subscriptions: append([]subscription(nil), subs...)})
		}
	}
	for key, oldV := range r.snapshot {
		if seen[key] {
			continue
		}
		delete(r.snapshot, key)
		if subs := r.subs[key]; len(subs) > 0 {
			changes = append(changes, change{key: key, oldV: oldV, newV: nil, subscriptions: append([]subscription(nil), subs...)})
		}
	}
	r.mu.Unlock()

	for _, c := range changes {
		for _, sub := range c.subscriptions {
			r.invoke(sub, c.key, c.oldV, c.newV)
		}
	}
}

func (r *Registry) invoke(sub subscription, key string, oldV, newV any) {
	defer func() {
		if rec := recover(); rec != nil {
			if r.logger != nil {
				level.Error(r.logger).Log("msg", "watcher callback panicked", "key", key, "panic", rec)
			}
		}
	}()
	sub.cb(key, oldV, newV)
}

func valueEqual(a, b any) bool {
	return reflect.DeepEqual(a, b)
}
