// Package rssecret implements the caching secret broker: a facade over a
// pluggable SecretBackend with lease-aware background refresh and a
// monotonically increasing invalidation epoch. See SPEC_FULL.md §4.6.
package rssecret

import (
	"context"
	"time"
)

// SecretData is one backend read: the KV-v2-shaped data plus lease metadata.
type SecretData struct {
	Data      map[string]any
	LeaseID   string
	LeaseTTL  time.Duration
	Renewable bool
}

// Backend is the external capability the broker consumes. The concrete
// HashiCorp-Vault-style client is out of scope (spec.md §1); callers supply
// any implementation satisfying this interface.
type Backend interface {
	Read(ctx context.Context, path string) (SecretData, error)
}
