// Package rsprovider implements the pluggable entry sources a Client polls:
// a process-environment snapshot, a local JSON5 file, and the remote
// diff-server protocol. See SPEC_FULL.md §4.3.
package rsprovider

import (
	"context"

	"github.com/ermakov-oleg/runtime-settings-go/rsstore"
)

// Priority constants from spec.md §6.
const (
	EnvPriority  int64 = -1_000_000_000_000_000_000
	FilePriority int64 = 1_000_000_000_000_000_000
)

// Provider loads the current set of entries and deletions from one source.
// currentVersion is the cursor returned by a previous Load and lets
// incremental sources (the remote server) request only the delta.
type Provider interface {
	Load(ctx context.Context, currentVersion string) (rsstore.Response, error)
}

// ChangeNotifier is implemented by providers that can signal an out-of-band
// reason to refresh sooner than the next poll tick (the file provider's
// fsnotify watch).
type ChangeNotifier interface {
	Changes() <-chan struct{}
}
