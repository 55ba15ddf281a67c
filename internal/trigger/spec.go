// Package trigger compiles authoring-time trigger definitions into
// immutable, validated Specs.
package trigger

import (
	"sort"
	"time"

	"github.com/gyaneshwarpardhi/triggerflow/internal/config"
	"github.com/gyaneshwarpardhi/triggerflow/internal/event"
	"github.com/gyaneshwarpardhi/triggerflow/internal/pattern"
)

// Posture selects the temporal semantics of a trigger.
type Posture string

const (
	// Reactive fires when the expected events occur Threshold times within Within.
	Reactive Posture = "Reactive"
	// Proactive fires when the expected events do NOT occur Threshold times
	// within Within of an arming event.
	Proactive Posture = "Proactive"
)

// Filter requires the named attribute to match one of its patterns.
type Filter struct {
	Attribute string
	Patterns  pattern.AnyOf
}

// Spec is a compiled trigger. It is never mutated after Compile; updates
// replace the whole Spec.
type Spec struct {
	ID          string
	Name        string
	Description string
	// Version is assigned by the engine on register/update and increases
	// monotonically, so state and decisions from replaced specs can be told apart.
	Version uint64

	Match        []Filter
	MatchRelated []Filter
	After        map[string]struct{}
	Expect       map[string]struct{}
	ForEach      []string
	Posture      Posture
	Threshold    int
	Within       time.Duration
	Actions      []Action

	Def config.TriggerDef
}

// Expects reports whether events of type t count toward the threshold.
// An empty expect set means any type.
func (s *Spec) Expects(t string) bool {
	if len(s.Expect) == 0 {
		return true
	}
	_, ok := s.Expect[t]
	return ok
}

// IsAfter reports whether t is one of the gating "after" types.
func (s *Spec) IsAfter(t string) bool {
	_, ok := s.After[t]
	return ok
}

// Gated reports whether the trigger requires an "after" event before
// expected events count.
func (s *Spec) Gated() bool { return len(s.After) > 0 }

// WithVersion returns a shallow copy of s carrying version v.
func (s *Spec) WithVersion(v uint64) *Spec {
	cp := *s
	cp.Version = v
	return &cp
}

// Compile validates def and builds a Spec. Validation failures are returned
// as *ValidationError listing every problem.
func Compile(def config.TriggerDef) (*Spec, error) {
	verr := &ValidationError{TriggerID: def.ID}
	structErrors(&def, verr)
	checkDef("", &def, verr)
	if len(verr.Errors) > 0 {
		return nil, verr
	}

	s := &Spec{
		ID:           def.ID,
		Name:         def.Name,
		Description:  def.Description,
		Match:        mustFilters(def.Match),
		MatchRelated: mustFilters(def.MatchRelated),
		After:        toSet(def.After),
		Expect:       toSet(def.Expect),
		ForEach:      append([]string(nil), def.ForEach...),
		Posture:      Reactive,
		Threshold:    1,
		Within:       def.Within.Std(),
		Def:          def,
	}
	if def.Posture != "" {
		s.Posture = Posture(def.Posture)
	}
	if def.Threshold != nil {
		s.Threshold = *def.Threshold
	}
	actions, err := CompileActions(def.Actions)
	if err != nil {
		verr.add("actions", err.Error())
		return nil, verr
	}
	s.Actions = actions
	return s, nil
}

func mustFilters(m map[string]config.PatternList) []Filter {
	if len(m) == 0 {
		return nil
	}
	out := make([]Filter, 0, len(m))
	for attr, raws := range m {
		// Patterns were compiled once during validation; errors cannot occur here.
		ps, _ := pattern.CompileAll(raws)
		out = append(out, Filter{Attribute: attr, Patterns: ps})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Attribute < out[j].Attribute })
	return out
}

func toSet(vals []string) map[string]struct{} {
	out := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		out[v] = struct{}{}
	}
	return out
}

// relatedAddressable reports whether a match_related key can be evaluated:
// related resources are known only by id.
func relatedAddressable(key string) bool {
	return event.IsResourceIDKey(key)
}
