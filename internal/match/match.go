// Package match decides whether an event is relevant to a trigger and which
// group it belongs to. Matching is pure: it never depends on history.
package match

import (
	"errors"
	"strings"

	"github.com/gyaneshwarpardhi/triggerflow/internal/event"
	"github.com/gyaneshwarpardhi/triggerflow/internal/trigger"
)

// ErrUngroupable is returned when an otherwise matching event lacks one of
// the trigger's for_each attributes. The event is skipped for that trigger.
var ErrUngroupable = errors.New("grouping attribute missing")

// Role describes how a matching event participates in aggregation.
type Role uint8

const (
	// RoleExpect events count toward the threshold.
	RoleExpect Role = 1 << iota
	// RoleAfter events prime (Reactive) or arm (Proactive) a gated group.
	RoleAfter
)

// Has reports whether r includes x.
func (r Role) Has(x Role) bool { return r&x != 0 }

// Result is the outcome of matching one event against one trigger.
type Result struct {
	Matched  bool
	GroupKey string
	Role     Role
}

// Match evaluates ev against s. The event type must be expected (or be one
// of the after types), every match filter must hold, and at least one
// related resource must satisfy every match_related filter.
func Match(s *trigger.Spec, ev *event.Event) (Result, error) {
	role := roleOf(s, ev.Type)
	if role == 0 {
		return Result{}, nil
	}
	if !filtersMatch(s.Match, ev) || !relatedMatch(s.MatchRelated, ev.Related) {
		return Result{}, nil
	}
	key, ok := GroupKey(s, ev)
	if !ok {
		return Result{}, ErrUngroupable
	}
	return Result{Matched: true, GroupKey: key, Role: role}, nil
}

func roleOf(s *trigger.Spec, typ string) Role {
	var r Role
	if s.Expects(typ) {
		r |= RoleExpect
	}
	if s.IsAfter(typ) {
		r |= RoleAfter
	}
	return r
}

func filtersMatch(filters []trigger.Filter, ev *event.Event) bool {
	for _, f := range filters {
		v, ok := ev.Attribute(f.Attribute)
		if !ok || !f.Patterns.Match(v) {
			return false
		}
	}
	return true
}

func relatedMatch(filters []trigger.Filter, related []string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, id := range related {
		all := true
		for _, f := range filters {
			if !f.Patterns.Match(id) {
				all = false
				break
			}
		}
		if all {
			return true
		}
	}
	return false
}

// GroupKey extracts the for_each values of ev, joined with "|". The global
// group is the empty string. ok is false when an attribute is absent.
func GroupKey(s *trigger.Spec, ev *event.Event) (key string, ok bool) {
	if len(s.ForEach) == 0 {
		return "", true
	}
	parts := make([]string, len(s.ForEach))
	for i, name := range s.ForEach {
		v, found := ev.Attribute(name)
		if !found {
			return "", false
		}
		parts[i] = escaper.Replace(v)
	}
	return strings.Join(parts, "|"), true
}

var escaper = strings.NewReplacer(`\`, `\\`, `|`, `\|`)
