// Package rsfilter compiles and evaluates the named predicates that decide
// whether a configuration entry applies to a process (static filters) or a
// single call (dynamic filters). See SPEC_FULL.md §4.1.
package rsfilter

import (
	"fmt"

	"github.com/ermakov-oleg/runtime-settings-go/rscontext"
)

// StaticFilter evaluates against process identity only.
type StaticFilter interface {
	Check(ctx rscontext.StaticContext) bool
}

// DynamicFilter evaluates against per-call context.
type DynamicFilter interface {
	Check(ctx rscontext.DynamicContext) bool
}

var staticNames = map[string]func(pattern string) (StaticFilter, error){
	"application":     newRegexStaticFilter(func(c rscontext.StaticContext) (string, bool) { return c.Application, true }),
	"server":          newRegexStaticFilter(func(c rscontext.StaticContext) (string, bool) { return c.Server, true }),
	"mcs_run_env":     newRegexStaticFilter(func(c rscontext.StaticContext) (string, bool) { return c.McsRunEnv, c.McsRunEnvOK() }),
	"environment":     newEnvironmentFilter,
	"library_version": newLibraryVersionFilter,
}

var dynamicNames = map[string]func(pattern string) (DynamicFilter, error){
	"url-path":    newURLPathFilter,
	"host":        newHeaderAccessorFilter(func(r *rscontext.Request) (string, bool) { return r.Host() }),
	"email":       newHeaderAccessorFilter(func(r *rscontext.Request) (string, bool) { return r.Email() }),
	"ip":          newHeaderAccessorFilter(func(r *rscontext.Request) (string, bool) { return r.IP() }),
	"header":      newHeaderMapFilter,
	"context":     newContextFilter,
	"probability": newProbabilityFilter,
}

// IsStatic reports whether name is a recognized static filter name.
func IsStatic(name string) bool {
	_, ok := staticNames[name]
	return ok
}

// IsKnownDynamic reports whether name is a recognized dynamic filter name.
func IsKnownDynamic(name string) bool {
	_, ok := dynamicNames[name]
	return ok
}

// CompileStatic compiles a static filter. An unrecognized name is an error:
// the static vocabulary is fixed and owned by this library (spec.md §9).
func CompileStatic(name, pattern string) (StaticFilter, error) {
	ctor, ok := staticNames[name]
	if !ok {
		return nil, fmt.Errorf("unknown static filter %q", name)
	}
	return ctor(pattern)
}

// CompileDynamic compiles a dynamic filter. Callers should check
// IsKnownDynamic first and silently skip unknown names (spec.md §4.1/§9);
// CompileDynamic itself still errors so that callers of known names can
// observe invalid patterns.
func CompileDynamic(name, pattern string) (DynamicFilter, error) {
	ctor, ok := dynamicNames[name]
	if !ok {
		return nil, fmt.Errorf("unknown dynamic filter %q", name)
	}
	return ctor(pattern)
}
