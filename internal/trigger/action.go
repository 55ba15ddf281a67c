package trigger

import (
	"fmt"

	"github.com/gyaneshwarpardhi/triggerflow/internal/config"
)

// ActionKind names an action variant. The string values are the authoring
// surface's "type" field.
type ActionKind string

const (
	KindRunDeployment    ActionKind = "run-deployment"
	KindCancelFlowRun    ActionKind = "cancel-flow-run"
	KindNotify           ActionKind = "send-notification"
	KindCreateAutomation ActionKind = "create-automation"
)

// Action is one step in a trigger's ordered action list.
type Action interface {
	Kind() ActionKind
	// Def returns the authoring form, used for persistence and listing.
	Def() config.ActionDef
}

// RunDeployment starts a deployment run with parameters bound from the
// firing event's attributes.
type RunDeployment struct {
	DeploymentID string
	Parameters   map[string]any
}

func (a *RunDeployment) Kind() ActionKind { return KindRunDeployment }
func (a *RunDeployment) Def() config.ActionDef {
	return config.ActionDef{Type: string(KindRunDeployment), DeploymentID: a.DeploymentID, Parameters: a.Parameters}
}

// CancelFlowRun cancels the flow run the firing event is about.
type CancelFlowRun struct{}

func (a *CancelFlowRun) Kind() ActionKind { return KindCancelFlowRun }
func (a *CancelFlowRun) Def() config.ActionDef {
	return config.ActionDef{Type: string(KindCancelFlowRun)}
}

// Notify sends a rendered message to a notification channel.
type Notify struct {
	Channel string
	Subject string
	Body    string
}

func (a *Notify) Kind() ActionKind { return KindNotify }
func (a *Notify) Def() config.ActionDef {
	return config.ActionDef{Type: string(KindNotify), Channel: a.Channel, Subject: a.Subject, Body: a.Body}
}

// CreateAutomation registers a new trigger. The nested definition is
// validated together with its parent.
type CreateAutomation struct {
	Automation config.TriggerDef
}

func (a *CreateAutomation) Kind() ActionKind { return KindCreateAutomation }
func (a *CreateAutomation) Def() config.ActionDef {
	def := a.Automation
	return config.ActionDef{Type: string(KindCreateAutomation), Automation: &def}
}

// CompileActions converts authoring action defs into Actions. Used when
// decoding persisted decisions; defs are expected to have been validated.
func CompileActions(defs []config.ActionDef) ([]Action, error) {
	out := make([]Action, 0, len(defs))
	for i, d := range defs {
		a, err := compileAction(d)
		if err != nil {
			return nil, fmt.Errorf("actions[%d]: %w", i, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// ActionDefs returns the authoring form of actions.
func ActionDefs(actions []Action) []config.ActionDef {
	out := make([]config.ActionDef, len(actions))
	for i, a := range actions {
		out[i] = a.Def()
	}
	return out
}

func compileAction(d config.ActionDef) (Action, error) {
	switch ActionKind(d.Type) {
	case KindRunDeployment:
		return &RunDeployment{DeploymentID: d.DeploymentID, Parameters: d.Parameters}, nil
	case KindCancelFlowRun:
		return &CancelFlowRun{}, nil
	case KindNotify:
		return &Notify{Channel: d.Channel, Subject: d.Subject, Body: d.Body}, nil
	case KindCreateAutomation:
		if d.Automation == nil {
			return nil, fmt.Errorf("create-automation requires an automation")
		}
		return &CreateAutomation{Automation: *d.Automation}, nil
	default:
		return nil, fmt.Errorf("unknown action type %q", d.Type)
	}
}
