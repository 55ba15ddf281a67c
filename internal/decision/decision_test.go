package decision

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/triggerflow/internal/config"
	"github.com/gyaneshwarpardhi/triggerflow/internal/trigger"
)

func TestIdempotencyKey(t *testing.T) {
	start := time.Unix(1700000000, 5)
	a := &FireDecision{ID: "a", TriggerID: "t", GroupKey: "r1", WindowStart: start}
	b := &FireDecision{ID: "b", TriggerID: "t", GroupKey: "r1", WindowStart: start}
	if a.IdempotencyKey(0) != b.IdempotencyKey(0) {
		t.Error("same window should share idempotency keys")
	}
	if got, want := a.IdempotencyKey(1), "t:r1:1700000000000000005:1"; got != want {
		t.Errorf("IdempotencyKey = %q, want %q", got, want)
	}
}

func TestJSON(t *testing.T) {
	s, err := trigger.Compile(config.TriggerDef{
		ID:   "t",
		Name: "burst",
		Actions: []config.ActionDef{
			{Type: "run-deployment", DeploymentID: "d-1", Parameters: map[string]any{"x": "{{ resourceId }}"}},
			{Type: "cancel-flow-run"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	d := New(s.WithVersion(3), "r1")
	d.WindowStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d.Attributes = map[string]string{"resourceId": "r1"}

	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got FireDecision
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.ID != d.ID || got.SpecVersion != 3 || got.Key() != d.Key() {
		t.Errorf("decoded %+v", got)
	}
	if len(got.Actions) != 2 || got.Actions[1].Kind() != trigger.KindCancelFlowRun {
		t.Errorf("actions = %+v", got.Actions)
	}
	rd := got.Actions[0].(*trigger.RunDeployment)
	if rd.DeploymentID != "d-1" {
		t.Errorf("deployment id = %q", rd.DeploymentID)
	}
}
