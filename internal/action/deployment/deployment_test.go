package deployment

import (
	"context"
	"errors"
	"testing"

	"github.com/gyaneshwarpardhi/triggerflow/internal/action"
	"github.com/gyaneshwarpardhi/triggerflow/internal/decision"
	"github.com/gyaneshwarpardhi/triggerflow/internal/trigger"
)

type fakeRunner struct {
	runs    map[string]string // idempotency key -> run id
	params  map[string]any
	cancels []string
	err     error
}

func (f *fakeRunner) RunDeployment(_ context.Context, id string, params map[string]any, key string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	if f.runs == nil {
		f.runs = map[string]string{}
	}
	f.params = params
	if run, ok := f.runs[key]; ok {
		return run, nil
	}
	f.runs[key] = "run-" + id
	return f.runs[key], nil
}

func (f *fakeRunner) CancelFlowRun(_ context.Context, runID, _ string) error {
	f.cancels = append(f.cancels, runID)
	return f.err
}

func invocation(a trigger.Action, resource string, attrs map[string]string) *action.Invocation {
	if attrs == nil {
		attrs = map[string]string{}
	}
	attrs["resourceId"] = resource
	return &action.Invocation{
		Decision: &decision.FireDecision{ID: "d", TriggerID: "t", GroupKey: resource, ResourceID: resource, Attributes: attrs},
		Action:   a,
	}
}

func TestRunAction(t *testing.T) {
	r := &fakeRunner{}
	a := NewRun(r)
	inv := invocation(&trigger.RunDeployment{DeploymentID: "d-1", Parameters: map[string]any{"issue": "{{ resourceId }}"}}, "github.issue.42", nil)

	res, err := a.Execute(context.Background(), inv)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success || res.Ref != "run-d-1" {
		t.Errorf("unexpected result %+v", res)
	}
	if r.params["issue"] != "github.issue.42" {
		t.Errorf("params = %v", r.params)
	}

	// Redelivery reuses the idempotency key, so no second run is created.
	if _, err := a.Execute(context.Background(), inv); err != nil {
		t.Fatal(err)
	}
	if len(r.runs) != 1 {
		t.Errorf("runs = %d, want 1", len(r.runs))
	}
}

func TestRunAction_UnresolvedBinding(t *testing.T) {
	a := NewRun(&fakeRunner{})
	inv := invocation(&trigger.RunDeployment{DeploymentID: "d-1", Parameters: map[string]any{"x": "{{ nope }}"}}, "r", nil)
	_, err := a.Execute(context.Background(), inv)
	if !errors.Is(err, action.ErrUnresolvedBinding) {
		t.Errorf("expected ErrUnresolvedBinding, got %v", err)
	}
}

func TestCancelAction(t *testing.T) {
	r := &fakeRunner{}
	a := NewCancel(r)

	if _, err := a.Execute(context.Background(), invocation(&trigger.CancelFlowRun{}, "prefect.flow-run.abc", nil)); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if _, err := a.Execute(context.Background(), invocation(&trigger.CancelFlowRun{}, "prefect.deployment.x", map[string]string{"flow-run-id": "def"})); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(r.cancels) != 2 || r.cancels[0] != "abc" || r.cancels[1] != "def" {
		t.Errorf("cancels = %v", r.cancels)
	}

	_, err := a.Execute(context.Background(), invocation(&trigger.CancelFlowRun{}, "github.issue.1", nil))
	if !errors.Is(err, ErrNoFlowRun) || !action.IsPermanent(err) {
		t.Errorf("expected permanent ErrNoFlowRun, got %v", err)
	}
}
