// Package rsstore holds the per-key, priority-sorted entry lists that back
// every lookup, and applies provider responses to them under a single
// writer lock. See SPEC_FULL.md §4.4.
package rsstore

import (
	"sort"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/ermakov-oleg/runtime-settings-go/rscontext"
	"github.com/ermakov-oleg/runtime-settings-go/rsentry"
)

// Response is what one provider load cycle contributes to a merge. The
// json tags match the remote diff server's wire format (spec.md §6); the
// environment and file providers build a Response directly and never
// marshal/unmarshal it.
type Response struct {
	Entries []rsentry.RawEntry     `json:"settings"`
	Deleted []rsentry.DeleteRecord `json:"deleted"`
	Version string                 `json:"version"`
}

// Store is a map[key][]*Entry ordered by descending priority, guarded by a
// single reader-writer lock (the simpler of the two strategies spec.md §4.4
// permits).
type Store struct {
	mu      sync.RWMutex
	entries map[string][]*rsentry.Entry
	version string
}

// New returns an empty Store.
func New() *Store {
	return &Store{entries: make(map[string][]*rsentry.Entry)}
}

// Version returns the cursor recorded by the most recent merge that carried
// a non-empty version, used as the next remote poll's starting point.
func (s *Store) Version() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Lookup returns the priority-ordered candidate entries for key.
func (s *Store) Lookup(key string) []*rsentry.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.entries[key]
	if len(list) == 0 {
		return nil
	}
	out := make([]*rsentry.Entry, len(list))
	copy(out, list)
	return out
}

// Snapshot returns, for every known key, the first entry that would match
// an empty dynamic context — used by the refresh loop to feed watchers a
// best-effort "current value" per spec.md §4.8 step 3.
func (s *Store) Snapshot(staticCtx rscontext.StaticContext) map[string]rsentry.Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]rsentry.Value, len(s.entries))
	for key, list := range s.entries {
		for _, e := range list {
			if e.MatchesDynamic(rscontext.DynamicContext{}) {
				out[key] = e.Value
				break
			}
		}
	}
	return out
}

// Keys returns every key currently present in the store.
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.entries))
	for k := range s.entries {
		out = append(out, k)
	}
	return out
}

// Merge applies one provider response atomically: deletions, then
// replace/insert of incoming entries, then the new version cursor. Per
// invariant I2, a concurrent Lookup observes either the state before this
// call or the state after, never a torn mix.
func (s *Store) Merge(resp Response, staticCtx rscontext.StaticContext, logger log.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, del := range resp.Deleted {
		s.removeLocked(del.Key, del.Priority)
	}

	for _, raw := range resp.Entries {
		if err := s.applyRawLocked(raw, staticCtx, logger); err != nil && logger != nil {
			level.Warn(logger).Log("msg", "dropping entry", "key", raw.Key, "priority", raw.Priority, "err", err)
		}
	}

	if resp.Version != "" {
		s.version = resp.Version
	}
}

func (s *Store) applyRawLocked(raw rsentry.RawEntry, staticCtx rscontext.StaticContext, logger log.Logger) error {
	// Compile first, then check static filters on the compiled entry, so
	// "failed static filter" and "compile error" share one code path: both
	// remove any existing entry with the same (key, priority).
	entry, err := rsentry.Compile(raw, logger)
	if err != nil {
		s.removeLocked(raw.Key, raw.Priority)
		return err
	}

	if !entry.MatchesStatic(staticCtx) {
		// I5: drop an entry whose static filters don't match; never enters
		// lookup, and any stale sibling with the same identity is removed.
		s.removeLocked(raw.Key, raw.Priority)
		return nil
	}

	s.removeLocked(raw.Key, raw.Priority)
	list := append(s.entries[raw.Key], entry)
	sort.SliceStable(list, func(i, j int) bool { return list[i].Priority > list[j].Priority })
	s.entries[raw.Key] = list
	return nil
}

func (s *Store) removeLocked(key string, priority int64) {
	list, ok := s.entries[key]
	if !ok {
		return
	}
	out := list[:0]
	for _, e := range list {
		if e.Priority == priority {
			continue
		}
		out = append(out, e)
	}
	if len(out) == 0 {
		delete(s.entries, key)
		return
	}
	s.entries[key] = out
}
