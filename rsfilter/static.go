package rsfilter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/ermakov-oleg/runtime-settings-go/rscontext"
)

type regexStaticFilter struct {
	re       *regexp.Regexp
	accessor func(rscontext.StaticContext) (string, bool)
}

func (f *regexStaticFilter) Check(ctx rscontext.StaticContext) bool {
	value, ok := f.accessor(ctx)
	if !ok {
		// mcs_run_env: absence is a concrete identity, not a missing
		// attribute, so it never matches (spec.md §4.1).
		return false
	}
	return f.re.MatchString(value)
}

func newRegexStaticFilter(accessor func(rscontext.StaticContext) (string, bool)) func(string) (StaticFilter, error) {
	return func(pattern string) (StaticFilter, error) {
		re, err := compileAnchored(pattern)
		if err != nil {
			return nil, err
		}
		return &regexStaticFilter{re: re, accessor: accessor}, nil
	}
}

// parseKVList parses "K1=regex1,K2=regex2" into an ordered slice of pairs.
func parseKVList(pattern string) ([][2]string, error) {
	var pairs [][2]string
	for _, part := range strings.Split(pattern, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("invalid key=value pair %q", part)
		}
		pairs = append(pairs, [2]string{strings.TrimSpace(kv[0]), kv[1]})
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("empty filter pattern")
	}
	return pairs, nil
}

type environmentFilter struct {
	checks []struct {
		key string
		re  *regexp.Regexp
	}
}

func (f *environmentFilter) Check(ctx rscontext.StaticContext) bool {
	for _, c := range f.checks {
		value, ok := ctx.Environment[c.key]
		if !ok || !c.re.MatchString(value) {
			return false
		}
	}
	return true
}

func newEnvironmentFilter(pattern string) (StaticFilter, error) {
	pairs, err := parseKVList(pattern)
	if err != nil {
		return nil, fmt.Errorf("environment filter: %w", err)
	}
	f := &environmentFilter{}
	for _, kv := range pairs {
		re, err := compileAnchored(kv[1])
		if err != nil {
			return nil, fmt.Errorf("environment filter key %q: %w", kv[0], err)
		}
		f.checks = append(f.checks, struct {
			key string
			re  *regexp.Regexp
		}{key: kv[0], re: re})
	}
	return f, nil
}

type versionOp int

const (
	opEQ versionOp = iota
	opGT
	opLT
	opGE
	opLE
)

type libraryVersionFilter struct {
	checks []struct {
		name       string
		op         versionOp
		constraint *semver.Version
	}
}

func (f *libraryVersionFilter) Check(ctx rscontext.StaticContext) bool {
	for _, c := range f.checks {
		v, ok := ctx.LibraryVersions[c.name]
		if !ok {
			return false
		}
		cmp := v.Compare(c.constraint)
		var ok2 bool
		switch c.op {
		case opEQ:
			ok2 = cmp == 0
		case opGT:
			ok2 = cmp > 0
		case opLT:
			ok2 = cmp < 0
		case opGE:
			ok2 = cmp >= 0
		case opLE:
			ok2 = cmp <= 0
		}
		if !ok2 {
			return false
		}
	}
	return true
}

// parseVersionConstraint splits "name<op>v" where op is one of =, >, <, >=, <=.
func parseVersionConstraint(part string) (name string, op versionOp, version string, err error) {
	ops := []struct {
		token string
		op    versionOp
	}{
		{">=", opGE},
		{"<=", opLE},
		{"=", opEQ},
		{">", opGT},
		{"<", opLT},
	}
	for _, candidate := range ops {
		if idx := strings.Index(part, candidate.token); idx >= 0 {
			return strings.TrimSpace(part[:idx]), candidate.op, strings.TrimSpace(part[idx+len(candidate.token):]), nil
		}
	}
	return "", 0, "", fmt.Errorf("invalid library_version constraint %q", part)
}

func newLibraryVersionFilter(pattern string) (StaticFilter, error) {
	f := &libraryVersionFilter{}
	for _, part := range strings.Split(pattern, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, op, versionStr, err := parseVersionConstraint(part)
		if err != nil {
			return nil, fmt.Errorf("library_version filter: %w", err)
		}
		version, err := semver.NewVersion(versionStr)
		if err != nil {
			return nil, fmt.Errorf("library_version filter: parse version %q: %w", versionStr, err)
		}
		f.checks = append(f.checks, struct {
			name       string
			op         versionOp
			constraint *semver.Version
		}{name: name, op: op, constraint: version})
	}
	if len(f.checks) == 0 {
		return nil, fmt.Errorf("library_version filter: empty pattern")
	}
	return f, nil
}
