// Package deployment implements the run-deployment and cancel-flow-run
// actions against the runner.
package deployment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gyaneshwarpardhi/triggerflow/internal/action"
	"github.com/gyaneshwarpardhi/triggerflow/internal/trigger"
)

// Runner is the deployment-execution collaborator.
type Runner interface {
	RunDeployment(ctx context.Context, deploymentID string, params map[string]any, idemKey string) (string, error)
	CancelFlowRun(ctx context.Context, runID, idemKey string) error
}

// ErrNoFlowRun is returned when the firing event is not about a flow run.
var ErrNoFlowRun = errors.New("event does not identify a flow run")

const flowRunPrefix = "prefect.flow-run."

// RunAction handles "run-deployment".
type RunAction struct {
	runner Runner
}

func NewRun(r Runner) *RunAction { return &RunAction{runner: r} }

func (a *RunAction) Type() trigger.ActionKind { return trigger.KindRunDeployment }

func (a *RunAction) Execute(ctx context.Context, inv *action.Invocation) (*action.Result, error) {
	spec, ok := inv.Action.(*trigger.RunDeployment)
	if !ok {
		return nil, action.Permanent(fmt.Errorf("run-deployment: unexpected action %T", inv.Action))
	}
	params, err := inv.Bind(spec.Parameters)
	if err != nil {
		return nil, err
	}
	runID, err := a.runner.RunDeployment(ctx, spec.DeploymentID, params, inv.IdempotencyKey())
	if err != nil {
		return nil, fmt.Errorf("run deployment %s: %w", spec.DeploymentID, err)
	}
	return &action.Result{
		Index:   inv.Index,
		Type:    string(a.Type()),
		Success: true,
		Message: fmt.Sprintf("started run %s of deployment %s", runID, spec.DeploymentID),
		Ref:     runID,
	}, nil
}

// CancelAction handles "cancel-flow-run". The target is the flow run the
// firing event is about.
type CancelAction struct {
	runner Runner
}

func NewCancel(r Runner) *CancelAction { return &CancelAction{runner: r} }

func (a *CancelAction) Type() trigger.ActionKind { return trigger.KindCancelFlowRun }

func (a *CancelAction) Execute(ctx context.Context, inv *action.Invocation) (*action.Result, error) {
	runID := FlowRunID(inv.Decision.ResourceID, inv.Decision.Attributes)
	if runID == "" {
		return nil, action.Permanent(ErrNoFlowRun)
	}
	if err := a.runner.CancelFlowRun(ctx, runID, inv.IdempotencyKey()); err != nil {
		return nil, fmt.Errorf("cancel flow run %s: %w", runID, err)
	}
	return &action.Result{
		Index:   inv.Index,
		Type:    string(a.Type()),
		Success: true,
		Message: "cancelled flow run " + runID,
		Ref:     runID,
	}, nil
}

// FlowRunID extracts the run id from a "prefect.flow-run.<id>" resource,
// falling back to the flow-run-id attribute.
func FlowRunID(resourceID string, attrs map[string]string) string {
	if id, ok := strings.CutPrefix(resourceID, flowRunPrefix); ok && id != "" {
		return id
	}
	return attrs["flow-run-id"]
}
