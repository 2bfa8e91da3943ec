// Package rscontext models the static (per-process) and dynamic (per-call)
// identity that filters are evaluated against.
//
// Go has no ambient task-local or thread-local storage, so the dynamic half
// of the model is carried explicitly on a context.Context instead of the
// two-channel task-local/thread-local design described by the originating
// specification. See SPEC_FULL.md §4.7.
package rscontext

import (
	"context"
	"net/http"

	"github.com/Masterminds/semver/v3"
)

// StaticContext describes process identity. It is built once by the
// library's Builder and never mutated afterwards.
type StaticContext struct {
	Application      string
	Server           string
	Environment      map[string]string
	LibraryVersions  map[string]*semver.Version
	McsRunEnv        string
	hasMcsRunEnv     bool
}

// NewStaticContext constructs an immutable StaticContext.
func NewStaticContext(application, server string, environment map[string]string, libraryVersions map[string]*semver.Version, mcsRunEnv string, hasMcsRunEnv bool) StaticContext {
	env := make(map[string]string, len(environment))
	for k, v := range environment {
		env[k] = v
	}
	libs := make(map[string]*semver.Version, len(libraryVersions))
	for k, v := range libraryVersions {
		libs[k] = v
	}
	return StaticContext{
		Application:     application,
		Server:          server,
		Environment:     env,
		LibraryVersions: libs,
		McsRunEnv:       mcsRunEnv,
		hasMcsRunEnv:    hasMcsRunEnv,
	}
}

// McsRunEnvOK reports whether the process has an mcs_run_env identity set.
func (s StaticContext) McsRunEnvOK() bool {
	return s.hasMcsRunEnv
}

// Request carries the per-call HTTP attributes a dynamic filter may inspect.
type Request struct {
	Method  string
	Path    string
	Headers http.Header
}

// NewRequest builds a Request, normalizing header keys per http.Header rules.
func NewRequest(method, path string, headers map[string]string) *Request {
	h := make(http.Header, len(headers))
	for k, v := range headers {
		h.Set(k, v)
	}
	return &Request{Method: method, Path: path, Headers: h}
}

// Header looks up a header case-insensitively, reporting presence.
func (r *Request) Header(name string) (string, bool) {
	if r == nil {
		return "", false
	}
	v := r.Headers.Get(name)
	if v == "" {
		if _, ok := r.Headers[http.CanonicalHeaderKey(name)]; !ok {
			return "", false
		}
	}
	return v, true
}

// Host returns the request's "host" header.
func (r *Request) Host() (string, bool) { return r.Header("host") }

// IP returns the request's "x-real-ip" header.
func (r *Request) IP() (string, bool) { return r.Header("x-real-ip") }

// Email returns the request's "x-real-email" header.
func (r *Request) Email() (string, bool) { return r.Header("x-real-email") }

// CustomContext is an eager-merged stack of string->string layers. Each
// snapshot is immutable once produced, so Get is O(1) without locking.
type CustomContext struct {
	top map[string]string
}

// Empty returns a CustomContext with no bindings.
func Empty() CustomContext { return CustomContext{} }

// Push layers new bindings on top of the current snapshot; values in layer
// win over anything already bound, matching spec.md §3's
// "layer ∪ (prev \ keys(layer))" rule.
func (c CustomContext) Push(layer map[string]string) CustomContext {
	merged := make(map[string]string, len(c.top)+len(layer))
	for k, v := range c.top {
		merged[k] = v
	}
	for k, v := range layer {
		merged[k] = v
	}
	return CustomContext{top: merged}
}

// Get looks up a key in the top snapshot.
func (c CustomContext) Get(key string) (string, bool) {
	v, ok := c.top[key]
	return v, ok
}

// DynamicContext is the per-call context dynamic filters evaluate against.
type DynamicContext struct {
	Request *Request
	Custom  CustomContext
}

type ctxKey int

const (
	requestKey ctxKey = iota
	customKey
)

// WithRequest returns a derived context carrying req for the duration of
// calls made with it.
func WithRequest(ctx context.Context, req *Request) context.Context {
	return context.WithValue(ctx, requestKey, req)
}

// WithCustom pushes layer onto whatever custom snapshot is already bound in
// ctx and returns a context carrying the merged result.
func WithCustom(ctx context.Context, layer map[string]string) context.Context {
	return context.WithValue(ctx, customKey, CustomFromContext(ctx).Push(layer))
}

// RequestFromContext returns the request bound to ctx, if any.
func RequestFromContext(ctx context.Context) *Request {
	req, _ := ctx.Value(requestKey).(*Request)
	return req
}

// CustomFromContext returns the custom snapshot bound to ctx, or an empty
// one if none was set.
func CustomFromContext(ctx context.Context) CustomContext {
	custom, ok := ctx.Value(customKey).(CustomContext)
	if !ok {
		return Empty()
	}
	return custom
}

// DynamicFromContext assembles the transient DynamicContext used for one
// resolution call, per spec.md §4.5 step 1.
func DynamicFromContext(ctx context.Context) DynamicContext {
	return DynamicContext{
		Request: RequestFromContext(ctx),
		Custom:  CustomFromContext(ctx),
	}
}
