// Package rsentry models one compiled configuration entry: its filters, its
// pre-computed secret references, and a typed cache of deserialized values.
// See SPEC_FULL.md §4.2.
package rsentry

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/ermakov-oleg/runtime-settings-go/rscontext"
	"github.com/ermakov-oleg/runtime-settings-go/rsfilter"
)

// Value is the untyped JSON-like tree a raw entry carries.
type Value = any

// RawEntry is the wire/file representation of one entry, before compilation.
type RawEntry struct {
	Key      string            `json:"key"`
	Priority int64             `json:"priority"`
	Filter   map[string]string `json:"filter"`
	Value    Value             `json:"value"`
}

// DeleteRecord identifies an entry to remove from the store by its
// (key, priority) identity, per spec.md §4.4 step 1.
type DeleteRecord struct {
	Key      string `json:"key"`
	Priority int64  `json:"priority"`
}

// PathStep is one segment of a JSON pointer into a RawEntry's value: either
// a map field or a slice index.
type PathStep struct {
	Field string
	Index int
	isIdx bool
}

// FieldStep builds a PathStep addressing an object field.
func FieldStep(name string) PathStep { return PathStep{Field: name} }

// IndexStep builds a PathStep addressing an array index.
func IndexStep(i int) PathStep { return PathStep{Index: i, isIdx: true} }

// SecretUsage is a pre-computed location of a {"$secret": "path:key"}
// sentinel inside an entry's value.
type SecretUsage struct {
	Path     string
	Key      string
	Location []PathStep
}

// SecretResolver is the capability rsentry needs from a secret broker: fetch
// one secret value, and report the epoch at which cached values are valid.
// Defining it here (rather than importing rssecret) keeps rsentry
// decoupled from the broker's implementation, per "accept interfaces".
type SecretResolver interface {
	Get(ctx context.Context, path, key string) (string, error)
	Epoch() uint64
}

// Entry is the compiled, in-memory form of a RawEntry.
type Entry struct {
	Key      string
	Priority int64
	Value    Value

	staticFilters  []rsfilter.StaticFilter
	dynamicFilters []rsfilter.DynamicFilter
	secretUsages   []SecretUsage

	typedCache atomic.Pointer[sync.Map] // reflect.Type -> any (the deserialized T)
	cacheEpoch atomic.Uint64
}

func (e *Entry) cache() *sync.Map {
	if c := e.typedCache.Load(); c != nil {
		return c
	}
	fresh := &sync.Map{}
	if !e.typedCache.CompareAndSwap(nil, fresh) {
		return e.typedCache.Load()
	}
	return fresh
}

// Compile partitions raw.Filter into static/dynamic filters, walks raw.Value
// for secret sentinels, and returns a ready-to-match Entry. A static filter
// with an unknown name is a compile error (spec.md §4.1); a dynamic filter
// with an unknown name is silently dropped.
func Compile(raw RawEntry, logger log.Logger) (*Entry, error) {
	e := &Entry{
		Key:      raw.Key,
		Priority: raw.Priority,
		Value:    raw.Value,
	}

	for name, pattern := range raw.Filter {
		if rsfilter.IsStatic(name) {
			f, err := rsfilter.CompileStatic(name, pattern)
			if err != nil {
				return nil, fmt.Errorf("key %q: static filter %q: %w", raw.Key, name, err)
			}
			e.staticFilters = append(e.staticFilters, f)
			continue
		}
		if !rsfilter.IsKnownDynamic(name) {
			if logger != nil {
				level.Debug(logger).Log("msg", "dropping unknown dynamic filter", "key", raw.Key, "filter", name)
			}
			continue
		}
		f, err := rsfilter.CompileDynamic(name, pattern)
		if err != nil {
			return nil, fmt.Errorf("key %q: dynamic filter %q: %w", raw.Key, name, err)
		}
		e.dynamicFilters = append(e.dynamicFilters, f)
	}

	usages, err := collectSecretUsages(raw.Value, nil)
	if err != nil {
		return nil, fmt.Errorf("key %q: %w", raw.Key, err)
	}
	e.secretUsages = usages

	return e, nil
}

// collectSecretUsages walks value looking for {"$secret": "path:key"}
// sentinels, recording a JSON-pointer path to each for later splicing.
func collectSecretUsages(value Value, prefix []PathStep) ([]SecretUsage, error) {
	switch v := value.(type) {
	case map[string]any:
		if raw, ok := v["$secret"]; ok && len(v) == 1 {
			ref, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("$secret sentinel value must be a string")
			}
			idx := strings.Index(ref, ":")
			if idx < 0 {
				return nil, fmt.Errorf("$secret reference %q missing ':'", ref)
			}
			loc := make([]PathStep, len(prefix))
			copy(loc, prefix)
			return []SecretUsage{{Path: ref[:idx], Key: ref[idx+1:], Location: loc}}, nil
		}
		var usages []SecretUsage
		for k, sub := range v {
			u, err := collectSecretUsages(sub, append(prefix, FieldStep(k)))
			if err != nil {
				return nil, err
			}
			usages = append(usages, u...)
		}
		return usages, nil
	case []any:
		var usages []SecretUsage
		for i, sub := range v {
			u, err := collectSecretUsages(sub, append(prefix, IndexStep(i)))
			if err != nil {
				return nil, err
			}
			usages = append(usages, u...)
		}
		return usages, nil
	default:
		return nil, nil
	}
}

// MatchesStatic reports whether every static filter passes for ctx.
func (e *Entry) MatchesStatic(ctx rscontext.StaticContext) bool {
	for _, f := range e.staticFilters {
		if !f.Check(ctx) {
			return false
		}
	}
	return true
}

// MatchesDynamic reports whether every dynamic filter passes for dctx.
func (e *Entry) MatchesDynamic(dctx rscontext.DynamicContext) bool {
	for _, f := range e.dynamicFilters {
		if !f.Check(dctx) {
			return false
		}
	}
	return true
}

// HasSecrets reports whether this entry references any secrets.
func (e *Entry) HasSecrets() bool {
	return len(e.secretUsages) > 0
}

// ValueAs deserializes the entry's value into T, substituting secret
// references and memoizing the result by type, per spec.md §4.2.
func ValueAs[T any](ctx context.Context, e *Entry, broker SecretResolver, logger log.Logger) (T, bool) {
	var zero T
	typeKey := reflect.TypeOf((*T)(nil))

	if e.HasSecrets() && broker != nil {
		e.maybeInvalidateCache(broker.Epoch())
	}

	if cached, ok := e.cache().Load(typeKey); ok {
		return cached.(T), true
	}

	resolved, err := e.materialize(ctx, broker)
	if err != nil {
		if logger != nil {
			level.Warn(logger).Log("msg", "failed to resolve secret reference", "key", e.Key, "err", err)
		}
		return zero, false
	}

	raw, err := json.Marshal(resolved)
	if err != nil {
		if logger != nil {
			level.Warn(logger).Log("msg", "failed to marshal entry value", "key", e.Key, "err", err)
		}
		return zero, false
	}

	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		if logger != nil {
			level.Warn(logger).Log("msg", "failed to deserialize entry value", "key", e.Key, "type", typeKey.String(), "err", err)
		}
		return zero, false
	}

	// Concurrent misses may both materialize; values are equal by
	// construction so the last store wins benignly (spec.md §4.2 "Race").
	e.cache().Store(typeKey, out)
	return out, true
}

func (e *Entry) maybeInvalidateCache(brokerEpoch uint64) {
	for {
		current := e.cacheEpoch.Load()
		if current == brokerEpoch {
			return
		}
		if e.cacheEpoch.CompareAndSwap(current, brokerEpoch) {
			e.typedCache.Store(&sync.Map{})
			return
		}
		// Lost the race to another goroutine clearing the cache; retry
		// the compare against whatever epoch it landed on.
	}
}

func (e *Entry) materialize(ctx context.Context, broker SecretResolver) (Value, error) {
	if len(e.secretUsages) == 0 {
		return e.Value, nil
	}
	if broker == nil {
		return nil, fmt.Errorf("secrets not configured")
	}

	cloned := cloneValue(e.Value)
	for _, usage := range e.secretUsages {
		secretValue, err := broker.Get(ctx, usage.Path, usage.Key)
		if err != nil {
			return nil, fmt.Errorf("resolve secret %s:%s: %w", usage.Path, usage.Key, err)
		}
		if err := spliceAt(cloned, usage.Location, secretValue); err != nil {
			return nil, err
		}
	}
	return cloned, nil
}

// cloneValue deep-copies a JSON-like tree so splicing never mutates the
// entry's canonical raw value (spec.md §4.2 step 3: "clone raw.value").
func cloneValue(v Value) Value {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, sub := range t {
			out[k] = cloneValue(sub)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, sub := range t {
			out[i] = cloneValue(sub)
		}
		return out
	default:
		return v
	}
}

// spliceAt replaces the value found at loc with replacement, mutating the
// given root in place. The root must be the mutable clone returned by
// cloneValue, and loc must be a valid pointer into it (invariant I3).
func spliceAt(root Value, loc []PathStep, replacement any) error {
	if len(loc) == 0 {
		return fmt.Errorf("empty secret usage location")
	}
	cur := root
	for i, step := range loc {
		last := i == len(loc)-1
		if step.isIdx {
			arr, ok := cur.([]any)
			if !ok || step.Index < 0 || step.Index >= len(arr) {
				return fmt.Errorf("invalid secret usage path at index %d", step.Index)
			}
			if last {
				arr[step.Index] = replacement
				return nil
			}
			cur = arr[step.Index]
			continue
		}
		obj, ok := cur.(map[string]any)
		if !ok {
			return fmt.Errorf("invalid secret usage path at field %q", step.Field)
		}
		if last {
			obj[step.Field] = replacement
			return nil
		}
		next, ok := obj[step.Field]
		if !ok {
			return fmt.Errorf("invalid secret usage path at field %q", step.Field)
		}
		cur = next
	}
	return nil
}
