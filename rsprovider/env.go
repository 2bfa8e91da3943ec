package rsprovider

import (
	"context"
	"encoding/json"
	"os"
	"strings"

	"github.com/ermakov-oleg/runtime-settings-go/rsentry"
	"github.com/ermakov-oleg/runtime-settings-go/rsstore"
)

// EnvProvider snapshots the process environment into entries at
// EnvPriority, so any other provider outranks it. Each value is parsed as
// JSON when possible, falling back to a plain string, per spec.md §4.3.
type EnvProvider struct {
	// Environ is overridable for tests; defaults to os.Environ.
	Environ func() []string
}

// NewEnvProvider returns an EnvProvider reading the real process environment.
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{Environ: os.Environ}
}

// Load implements Provider. It ignores currentVersion: the environment has
// no cursor and is always re-snapshotted in full.
func (p *EnvProvider) Load(_ context.Context, _ string) (rsstore.Response, error) {
	environ := p.Environ
	if environ == nil {
		environ = os.Environ
	}

	var entries []rsentry.RawEntry
	for _, kv := range environ() {
		idx := strings.IndexByte(kv, '=')
		if idx < 0 {
			continue
		}
		key, raw := kv[:idx], kv[idx+1:]
		entries = append(entries, rsentry.RawEntry{
			Key:      key,
			Priority: EnvPriority,
			Value:    parseEnvValue(raw),
		})
	}
	return rsstore.Response{Entries: entries}, nil
}

func parseEnvValue(raw string) rsentry.Value {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
