// Package template binds {{ attribute.path }} references against a flat
// attribute map.
package template

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// ErrUnresolved is returned when a reference has no value in the data map.
var ErrUnresolved = errors.New("unresolved template reference")

var templateVar = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// prefixes that may qualify a reference; "{{ attributes.env }}" and
// "{{ env }}" resolve the same key.
var prefixes = []string{"attribute.", "attributes.", "event."}

// Check reports malformed templates: unbalanced braces or references that
// are not plain attribute paths.
func Check(tmpl string) error {
	rest := templateVar.ReplaceAllString(tmpl, "")
	if strings.Contains(rest, "{{") || strings.Contains(rest, "}}") {
		return fmt.Errorf("malformed template reference in %q", tmpl)
	}
	return nil
}

// Expand replaces every reference in tmpl with its value from data. All
// unresolved references are reported together.
func Expand(tmpl string, data map[string]string) (string, error) {
	var missing []string
	out := templateVar.ReplaceAllStringFunc(tmpl, func(match string) string {
		name := templateVar.FindStringSubmatch(match)[1]
		if v, ok := lookup(name, data); ok {
			return v
		}
		missing = append(missing, name)
		return match
	})
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("%w: %s", ErrUnresolved, strings.Join(missing, ", "))
	}
	return out, nil
}

// Bind expands every string found in params, descending into nested maps
// and lists. Non-string leaves are copied unchanged.
func Bind(params map[string]any, data map[string]string) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	v, err := bindValue(params, data)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

// CheckAll runs Check over every string leaf of params.
func CheckAll(params map[string]any) error {
	return walk(params, Check)
}

func bindValue(v any, data map[string]string) (any, error) {
	switch t := v.(type) {
	case string:
		return Expand(t, data)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, child := range t {
			b, err := bindValue(child, data)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			out[k] = b
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, child := range t {
			b, err := bindValue(child, data)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = b
		}
		return out, nil
	default:
		return v, nil
	}
}

func walk(v any, fn func(string) error) error {
	switch t := v.(type) {
	case string:
		return fn(t)
	case map[string]any:
		for k, child := range t {
			if err := walk(child, fn); err != nil {
				return fmt.Errorf("%s: %w", k, err)
			}
		}
	case []any:
		for i, child := range t {
			if err := walk(child, fn); err != nil {
				return fmt.Errorf("[%d]: %w", i, err)
			}
		}
	}
	return nil
}

func lookup(name string, data map[string]string) (string, bool) {
	if v, ok := data[name]; ok {
		return v, true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			if v, ok := data[strings.TrimPrefix(name, p)]; ok {
				return v, true
			}
		}
	}
	return "", false
}
