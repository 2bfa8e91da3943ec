package rsfilter

import (
	"fmt"
	"math/rand"
	"regexp"
	"strconv"
	"strings"

	"github.com/ermakov-oleg/runtime-settings-go/rscontext"
)

type urlPathFilter struct {
	re *regexp.Regexp
}

func (f *urlPathFilter) Check(ctx rscontext.DynamicContext) bool {
	if ctx.Request == nil {
		return true
	}
	return f.re.MatchString(ctx.Request.Path)
}

func newURLPathFilter(pattern string) (DynamicFilter, error) {
	re, err := compileAnchored(pattern)
	if err != nil {
		return nil, err
	}
	return &urlPathFilter{re: re}, nil
}

type headerAccessorFilter struct {
	re       *regexp.Regexp
	accessor func(*rscontext.Request) (string, bool)
}

func (f *headerAccessorFilter) Check(ctx rscontext.DynamicContext) bool {
	if ctx.Request == nil {
		return true
	}
	value, ok := f.accessor(ctx.Request)
	if !ok {
		return true
	}
	return f.re.MatchString(value)
}

func newHeaderAccessorFilter(accessor func(*rscontext.Request) (string, bool)) func(string) (DynamicFilter, error) {
	return func(pattern string) (DynamicFilter, error) {
		re, err := compileAnchored(pattern)
		if err != nil {
			return nil, err
		}
		return &headerAccessorFilter{re: re, accessor: accessor}, nil
	}
}

type headerMapFilter struct {
	checks []struct {
		key string
		re  *regexp.Regexp
	}
}

func (f *headerMapFilter) Check(ctx rscontext.DynamicContext) bool {
	if ctx.Request == nil {
		return true
	}
	for _, c := range f.checks {
		value, ok := ctx.Request.Header(c.key)
		if !ok || !c.re.MatchString(value) {
			return false
		}
	}
	return true
}

func newHeaderMapFilter(pattern string) (DynamicFilter, error) {
	pairs, err := parseKVList(pattern)
	if err != nil {
		return nil, fmt.Errorf("header filter: %w", err)
	}
	f := &headerMapFilter{}
	for _, kv := range pairs {
		re, err := compileAnchored(kv[1])
		if err != nil {
			return nil, fmt.Errorf("header filter key %q: %w", kv[0], err)
		}
		f.checks = append(f.checks, struct {
			key string
			re  *regexp.Regexp
		}{key: kv[0], re: re})
	}
	return f, nil
}

type contextFilter struct {
	checks []struct {
		key string
		re  *regexp.Regexp
	}
}

func (f *contextFilter) Check(ctx rscontext.DynamicContext) bool {
	for _, c := range f.checks {
		value, ok := ctx.Custom.Get(c.key)
		if !ok || !c.re.MatchString(value) {
			return false
		}
	}
	return true
}

func newContextFilter(pattern string) (DynamicFilter, error) {
	pairs, err := parseKVList(pattern)
	if err != nil {
		return nil, fmt.Errorf("context filter: %w", err)
	}
	f := &contextFilter{}
	for _, kv := range pairs {
		re, err := compileAnchored(kv[1])
		if err != nil {
			return nil, fmt.Errorf("context filter key %q: %w", kv[0], err)
		}
		f.checks = append(f.checks, struct {
			key string
			re  *regexp.Regexp
		}{key: kv[0], re: re})
	}
	return f, nil
}

type probabilityFilter struct {
	threshold float64
}

func (f *probabilityFilter) Check(rscontext.DynamicContext) bool {
	if f.threshold <= 0 {
		return false
	}
	if f.threshold >= 100 {
		return true
	}
	//nolint:gosec // not security sensitive; this is a sampling decision.
	draw := rand.Float64() * 100
	return draw < f.threshold
}

func newProbabilityFilter(pattern string) (DynamicFilter, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(pattern), 64)
	if err != nil {
		return nil, fmt.Errorf("probability filter: invalid number %q: %w", pattern, err)
	}
	return &probabilityFilter{threshold: v}, nil
}
