package rsfilter

import (
	"testing"

	"github.com/Masterminds/semver/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ermakov-oleg/runtime-settings-go/rscontext"
)

func mustVersion(t *testing.T, v string) *semver.Version {
	t.Helper()
	ver, err := semver.NewVersion(v)
	require.NoError(t, err)
	return ver
}

func TestRegexAnchoring(t *testing.T) {
	// P3: "application=service" must not match "my-service-prod" but
	// ".*service.*" must.
	ctx := rscontext.NewStaticContext("my-service-prod", "host1", nil, nil, "", false)

	f, err := CompileStatic("application", "service")
	require.NoError(t, err)
	assert.False(t, f.Check(ctx))

	f2, err := CompileStatic("application", ".*service.*")
	require.NoError(t, err)
	assert.True(t, f2.Check(ctx))
}

func TestMcsRunEnvAbsentFailsMatch(t *testing.T) {
	// P4: mcs_run_env filter against an absent process identity never matches.
	ctx := rscontext.NewStaticContext("svc", "host1", nil, nil, "", false)
	f, err := CompileStatic("mcs_run_env", "PROD")
	require.NoError(t, err)
	assert.False(t, f.Check(ctx))
}

func TestMcsRunEnvPresentMatches(t *testing.T) {
	ctx := rscontext.NewStaticContext("svc", "host1", nil, nil, "PROD", true)
	f, err := CompileStatic("mcs_run_env", "PROD")
	require.NoError(t, err)
	assert.True(t, f.Check(ctx))
}

func TestURLPathAbsentRequestPasses(t *testing.T) {
	// P5: dynamic filter with no request in scope yields a match.
	f, err := CompileDynamic("url-path", "/api/.*")
	require.NoError(t, err)
	assert.True(t, f.Check(rscontext.DynamicContext{}))
}

func TestURLPathMatchesRequest(t *testing.T) {
	f, err := CompileDynamic("url-path", "/api/.*")
	require.NoError(t, err)

	dctx := rscontext.DynamicContext{Request: rscontext.NewRequest("GET", "/api/u", nil)}
	assert.True(t, f.Check(dctx))

	dctx2 := rscontext.DynamicContext{Request: rscontext.NewRequest("GET", "/web", nil)}
	assert.False(t, f.Check(dctx2))
}

func TestEnvironmentFilter(t *testing.T) {
	f, err := CompileStatic("environment", "TIER=prod,REGION=.*eu.*")
	require.NoError(t, err)

	ok := rscontext.NewStaticContext("svc", "h", map[string]string{"TIER": "prod", "REGION": "west-eu"}, nil, "", false)
	assert.True(t, f.Check(ok))

	bad := rscontext.NewStaticContext("svc", "h", map[string]string{"TIER": "dev", "REGION": "west-eu"}, nil, "", false)
	assert.False(t, f.Check(bad))

	missing := rscontext.NewStaticContext("svc", "h", map[string]string{"TIER": "prod"}, nil, "", false)
	assert.False(t, f.Check(missing))
}

func TestLibraryVersionFilter(t *testing.T) {
	f, err := CompileStatic("library_version", "libfoo>=1.2.0")
	require.NoError(t, err)

	ctx := rscontext.NewStaticContext("svc", "h", nil, map[string]*semver.Version{
		"libfoo": mustVersion(t, "1.3.0"),
	}, "", false)
	assert.True(t, f.Check(ctx))

	ctxOld := rscontext.NewStaticContext("svc", "h", nil, map[string]*semver.Version{
		"libfoo": mustVersion(t, "1.0.0"),
	}, "", false)
	assert.False(t, f.Check(ctxOld))

	ctxMissing := rscontext.NewStaticContext("svc", "h", nil, nil, "", false)
	assert.False(t, f.Check(ctxMissing))
}

func TestHeaderFilterAbsentRequestPasses(t *testing.T) {
	f, err := CompileDynamic("header", "X-Tenant=acme")
	require.NoError(t, err)
	assert.True(t, f.Check(rscontext.DynamicContext{}))
}

func TestHeaderFilterChecksAllKeys(t *testing.T) {
	f, err := CompileDynamic("header", "X-Tenant=acme")
	require.NoError(t, err)

	dctx := rscontext.DynamicContext{Request: rscontext.NewRequest("GET", "/", map[string]string{"X-Tenant": "acme"})}
	assert.True(t, f.Check(dctx))

	dctx2 := rscontext.DynamicContext{Request: rscontext.NewRequest("GET", "/", map[string]string{"X-Tenant": "other"})}
	assert.False(t, f.Check(dctx2))

	dctx3 := rscontext.DynamicContext{Request: rscontext.NewRequest("GET", "/", nil)}
	assert.False(t, f.Check(dctx3))
}

func TestContextFilter(t *testing.T) {
	f, err := CompileDynamic("context", "tenant=acme")
	require.NoError(t, err)

	dctx := rscontext.DynamicContext{Custom: rscontext.Empty().Push(map[string]string{"tenant": "acme"})}
	assert.True(t, f.Check(dctx))

	assert.False(t, f.Check(rscontext.DynamicContext{}))
}

func TestProbabilityFilterBounds(t *testing.T) {
	zero, err := CompileDynamic("probability", "0")
	require.NoError(t, err)
	assert.False(t, zero.Check(rscontext.DynamicContext{}))

	hundred, err := CompileDynamic("probability", "100")
	require.NoError(t, err)
	assert.True(t, hundred.Check(rscontext.DynamicContext{}))
}

func TestCompileStaticUnknownNameErrors(t *testing.T) {
	_, err := CompileStatic("bogus", "x")
	assert.Error(t, err)
}

func TestCompileDynamicInvalidPatternErrors(t *testing.T) {
	_, err := CompileDynamic("url-path", "(unclosed")
	assert.Error(t, err)
}

func TestIsStaticAndIsKnownDynamic(t *testing.T) {
	assert.True(t, IsStatic("application"))
	assert.False(t, IsStatic("url-path"))
	assert.True(t, IsKnownDynamic("url-path"))
	assert.False(t, IsKnownDynamic("application"))
	assert.False(t, IsKnownDynamic("some-unknown-name"))
}
