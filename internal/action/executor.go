package action

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gyaneshwarpardhi/triggerflow/internal/decision"
	"github.com/gyaneshwarpardhi/triggerflow/internal/template"
	"github.com/gyaneshwarpardhi/triggerflow/internal/trigger"
)

// ErrUnresolvedBinding is returned when a parameter references an
// attribute the firing event did not carry. It is never retried.
var ErrUnresolvedBinding = errors.New("unresolved parameter binding")

// Result holds the outcome of executing a single action.
type Result struct {
	Index   int    `json:"index"`
	Type    string `json:"type"`
	Success bool   `json:"success"`
	Message string `json:"message"`
	// Ref identifies what the collaborator created, e.g. a flow run id.
	Ref string `json:"ref,omitempty"`
}

// Invocation is one action of one fire decision.
type Invocation struct {
	Decision *decision.FireDecision
	Index    int
	Action   trigger.Action
}

// IdempotencyKey is stable across redeliveries of the same fired window.
func (inv *Invocation) IdempotencyKey() string {
	return inv.Decision.IdempotencyKey(inv.Index)
}

// Bindings returns the values available to {{ }} references: the firing
// event's attributes plus trigger.* and decision.* keys.
func (inv *Invocation) Bindings() map[string]string {
	d := inv.Decision
	out := make(map[string]string, len(d.Attributes)+6)
	for k, v := range d.Attributes {
		out[k] = v
	}
	out["trigger.id"] = d.TriggerID
	out["trigger.name"] = d.TriggerName
	out["trigger.group_key"] = d.GroupKey
	out["trigger.count"] = strconv.Itoa(d.Count)
	out["decision.id"] = d.ID
	out["decision.fired_at"] = d.FiredAt.UTC().Format(time.RFC3339)
	return out
}

// Expand binds a single template against the invocation.
func (inv *Invocation) Expand(tmpl string) (string, error) {
	s, err := template.Expand(tmpl, inv.Bindings())
	if err != nil {
		return "", Permanent(fmt.Errorf("%w: %v", ErrUnresolvedBinding, err))
	}
	return s, nil
}

// Bind binds a parameter map against the invocation.
func (inv *Invocation) Bind(params map[string]any) (map[string]any, error) {
	out, err := template.Bind(params, inv.Bindings())
	if err != nil {
		return nil, Permanent(fmt.Errorf("%w: %v", ErrUnresolvedBinding, err))
	}
	return out, nil
}

// Executor is the interface all action implementations must satisfy.
type Executor interface {
	// Type returns the action kind this executor is registered under.
	Type() trigger.ActionKind
	// Execute runs the action. Implementations must tolerate being called
	// again for the same idempotency key.
	Execute(ctx context.Context, inv *Invocation) (*Result, error)
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
