package engine

import (
	"sort"

	"github.com/gyaneshwarpardhi/triggerflow/internal/aggregate"
	"github.com/gyaneshwarpardhi/triggerflow/internal/trigger"
)

// Trigger sources. File-sourced triggers are managed by Sync; everything
// else is left alone by reloads.
const (
	SourceFile = "file"
	SourceAPI  = "api"
)

// Registered is a trigger as held by the engine.
type Registered struct {
	Spec    *trigger.Spec
	Source  string
	Enabled bool
}

type entry struct {
	Registered
	agg aggregate.Aggregator
}

// registry is an immutable snapshot. Writers build a new one and swap it in.
type registry struct {
	byID    map[string]*entry
	ordered []*entry
}

func emptyRegistry() *registry {
	return &registry{byID: map[string]*entry{}}
}

func (r *registry) get(id string) *entry { return r.byID[id] }

func (r *registry) with(e *entry) *registry {
	next := &registry{byID: make(map[string]*entry, len(r.byID)+1)}
	for id, old := range r.byID {
		next.byID[id] = old
	}
	next.byID[e.Spec.ID] = e
	next.reindex()
	return next
}

func (r *registry) without(id string) *registry {
	next := &registry{byID: make(map[string]*entry, len(r.byID))}
	for k, old := range r.byID {
		if k != id {
			next.byID[k] = old
		}
	}
	next.reindex()
	return next
}

func (r *registry) reindex() {
	r.ordered = make([]*entry, 0, len(r.byID))
	for _, e := range r.byID {
		r.ordered = append(r.ordered, e)
	}
	sort.Slice(r.ordered, func(i, j int) bool { return r.ordered[i].Spec.ID < r.ordered[j].Spec.ID })
}
