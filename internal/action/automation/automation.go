// Package automation implements the create-automation action: a firing
// trigger registers another trigger.
package automation

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/gyaneshwarpardhi/triggerflow/internal/action"
	"github.com/gyaneshwarpardhi/triggerflow/internal/config"
	"github.com/gyaneshwarpardhi/triggerflow/internal/engine"
	"github.com/gyaneshwarpardhi/triggerflow/internal/trigger"
)

// Creator registers triggers; *engine.Engine satisfies it.
type Creator interface {
	RegisterFrom(def config.TriggerDef, source string) (*trigger.Spec, error)
}

// Source marks triggers created by this action.
const Source = "automation"

// Action handles "create-automation".
type Action struct {
	creator Creator
}

func New(c Creator) *Action { return &Action{creator: c} }

func (a *Action) Type() trigger.ActionKind { return trigger.KindCreateAutomation }

func (a *Action) Execute(_ context.Context, inv *action.Invocation) (*action.Result, error) {
	spec, ok := inv.Action.(*trigger.CreateAutomation)
	if !ok {
		return nil, action.Permanent(fmt.Errorf("create-automation: unexpected action %T", inv.Action))
	}
	def := spec.Automation
	if def.ID == "" {
		// Redelivery of the same window must not create a second trigger.
		def.ID = uuid.NewSHA1(uuid.NameSpaceOID, []byte(inv.IdempotencyKey())).String()
	}

	res := &action.Result{Index: inv.Index, Type: string(a.Type()), Success: true, Ref: def.ID}
	_, err := a.creator.RegisterFrom(def, Source)
	switch {
	case err == nil:
		res.Message = "created automation " + def.ID
	case errors.Is(err, engine.ErrExists):
		res.Message = "automation " + def.ID + " already exists"
	default:
		var verr *trigger.ValidationError
		if errors.As(err, &verr) {
			return nil, action.Permanent(err)
		}
		return nil, err
	}
	return res, nil
}
