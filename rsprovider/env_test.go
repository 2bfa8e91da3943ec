package rsprovider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvProviderParsesJSONAndFallsBackToString(t *testing.T) {
	p := &EnvProvider{Environ: func() []string {
		return []string{
			"FEATURE_FLAG=true",
			"MAX_RETRIES=3",
			"GREETING=hello world",
			"PAYLOAD={\"a\":1}",
			"MALFORMED",
		}
	}}

	resp, err := p.Load(context.Background(), "")
	require.NoError(t, err)

	byKey := make(map[string]any, len(resp.Entries))
	for _, e := range resp.Entries {
		assert.Equal(t, EnvPriority, e.Priority)
		byKey[e.Key] = e.Value
	}

	assert.Equal(t, true, byKey["FEATURE_FLAG"])
	assert.Equal(t, float64(3), byKey["MAX_RETRIES"])
	assert.Equal(t, "hello world", byKey["GREETING"])
	assert.Equal(t, map[string]any{"a": float64(1)}, byKey["PAYLOAD"])
	_, hasMalformed := byKey["MALFORMED"]
	assert.False(t, hasMalformed)
}

func TestNewEnvProviderDefaultsToOSEnviron(t *testing.T) {
	p := NewEnvProvider()
	require.NotNil(t, p.Environ)
}
