// Package pattern implements glob matching over dot-delimited identifiers
// such as "github.issue.42" or "prefect.flow-run.3f2a".
//
// A segment that is exactly "*" matches one or more whole segments, so
// "github.issue.*" matches "github.issue.42" and "github.issue.42.comment"
// but not "github.issue". Any other segment may use "*", "?" and "[...]"
// which match within that single segment. A pattern without wildcards
// requires exact equality.
package pattern

import (
	"errors"
	"fmt"
	"path"
	"strings"
)

// Pattern is a compiled glob. The zero value matches nothing.
type Pattern struct {
	raw      string
	segments []string
	literal  bool
}

// Compile parses raw into a Pattern.
func Compile(raw string) (Pattern, error) {
	if raw == "" {
		return Pattern{}, errors.New("pattern must not be empty")
	}
	if !strings.ContainsAny(raw, "*?[") {
		return Pattern{raw: raw, literal: true}, nil
	}
	segs := strings.Split(raw, ".")
	for _, s := range segs {
		if s == "" {
			return Pattern{}, fmt.Errorf("pattern %q: empty segment", raw)
		}
		if s == "*" {
			continue
		}
		if _, err := path.Match(s, ""); err != nil {
			return Pattern{}, fmt.Errorf("pattern %q: %w", raw, err)
		}
	}
	return Pattern{raw: raw, segments: segs}, nil
}

// MustCompile is like Compile but panics on error. Intended for tests and
// package-level patterns.
func MustCompile(raw string) Pattern {
	p, err := Compile(raw)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the source text of the pattern.
func (p Pattern) String() string { return p.raw }

// Match reports whether value satisfies the pattern.
func (p Pattern) Match(value string) bool {
	if p.literal {
		return value == p.raw
	}
	if p.segments == nil {
		return false
	}
	return matchSegments(p.segments, strings.Split(value, "."))
}

func matchSegments(pat, val []string) bool {
	for len(pat) > 0 {
		if pat[0] == "*" {
			rest := pat[1:]
			for i := 1; i <= len(val); i++ {
				if matchSegments(rest, val[i:]) {
					return true
				}
			}
			return false
		}
		if len(val) == 0 {
			return false
		}
		if ok, _ := path.Match(pat[0], val[0]); !ok {
			return false
		}
		pat, val = pat[1:], val[1:]
	}
	return len(val) == 0
}

// AnyOf is a disjunction of patterns.
type AnyOf []Pattern

// CompileAll compiles every raw pattern, failing on the first bad one.
func CompileAll(raws []string) (AnyOf, error) {
	out := make(AnyOf, 0, len(raws))
	for _, r := range raws {
		p, err := Compile(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// Match reports whether any pattern matches value.
func (a AnyOf) Match(value string) bool {
	for _, p := range a {
		if p.Match(value) {
			return true
		}
	}
	return false
}

// Strings returns the source text of every pattern.
func (a AnyOf) Strings() []string {
	out := make([]string, len(a))
	for i, p := range a {
		out[i] = p.raw
	}
	return out
}
