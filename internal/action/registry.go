package action

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gyaneshwarpardhi/triggerflow/internal/trigger"
)

// Registry maps action kinds to their executors.
// It is safe for concurrent reads; Register should only be called at startup.
type Registry struct {
	mu        sync.RWMutex
	executors map[trigger.ActionKind]Executor
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[trigger.ActionKind]Executor)}
}

// Register adds an executor. Panics on duplicate kind to surface misconfiguration early.
func (r *Registry) Register(e Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.executors[e.Type()]; exists {
		panic(fmt.Sprintf("action registry: duplicate type %q", e.Type()))
	}
	r.executors[e.Type()] = e
}

// Get returns the executor for the given kind.
func (r *Registry) Get(kind trigger.ActionKind) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[kind]
	if !ok {
		return nil, Permanent(fmt.Errorf("no executor registered for action type %q", kind))
	}
	return e, nil
}

// Types returns all registered kinds, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for k := range r.executors {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}
