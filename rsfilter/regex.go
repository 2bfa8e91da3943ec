package rsfilter

import (
	"fmt"
	"regexp"
)

// compileAnchored wraps pattern in ^(?:...)$ with case-insensitive matching,
// per spec.md §4.1: "All regex patterns are anchored ... and compiled
// case-insensitive. Anchoring is a contract — implementers must wrap, not
// the user."
func compileAnchored(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(`(?i)^(?:` + pattern + `)$`)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	return re, nil
}
