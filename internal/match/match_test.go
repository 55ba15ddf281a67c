package match_test

import (
	"errors"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/triggerflow/internal/config"
	"github.com/gyaneshwarpardhi/triggerflow/internal/event"
	"github.com/gyaneshwarpardhi/triggerflow/internal/match"
	"github.com/gyaneshwarpardhi/triggerflow/internal/trigger"
)

func compile(t *testing.T, def config.TriggerDef) *trigger.Spec {
	t.Helper()
	if def.ID == "" {
		def.ID = "t1"
	}
	s, err := trigger.Compile(def)
	if err != nil {
		t.Fatalf("Compile error: %v", err)
	}
	return s
}

func makeEvent(resource, typ string, attrs map[string]string, related ...string) *event.Event {
	return &event.Event{
		ResourceID: resource,
		Type:       typ,
		Related:    related,
		Attributes: attrs,
		OccurredAt: time.Now(),
		ReceivedAt: time.Now(),
	}
}

func TestMatch(t *testing.T) {
	spec := compile(t, config.TriggerDef{
		Match: map[string]config.PatternList{
			"resourceId": {"github.issue.*"},
			"env":        {"prod", "staging"},
		},
		MatchRelated: map[string]config.PatternList{"resourceId": {"github.repo.*"}},
		Expect:       []string{"github.issue.opened"},
	})

	cases := []struct {
		name string
		ev   *event.Event
		want bool
	}{
		{"all conditions", makeEvent("github.issue.42", "github.issue.opened", map[string]string{"env": "prod"}, "github.user.7", "github.repo.tf"), true},
		{"second alternative", makeEvent("github.issue.42", "github.issue.opened", map[string]string{"env": "staging"}, "github.repo.tf"), true},
		{"wrong type", makeEvent("github.issue.42", "github.issue.closed", map[string]string{"env": "prod"}, "github.repo.tf"), false},
		{"wrong resource", makeEvent("github.pull.42", "github.issue.opened", map[string]string{"env": "prod"}, "github.repo.tf"), false},
		{"attribute absent", makeEvent("github.issue.42", "github.issue.opened", nil, "github.repo.tf"), false},
		{"no related match", makeEvent("github.issue.42", "github.issue.opened", map[string]string{"env": "prod"}, "github.user.7"), false},
		{"no related at all", makeEvent("github.issue.42", "github.issue.opened", map[string]string{"env": "prod"}), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := match.Match(spec, tc.ev)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Matched != tc.want {
				t.Errorf("Matched = %v, want %v", res.Matched, tc.want)
			}
		})
	}
}

func TestMatch_AnyTypeAndGlobalGroup(t *testing.T) {
	spec := compile(t, config.TriggerDef{
		Match: map[string]config.PatternList{"resourceId": {"github.issue.*"}},
	})
	res, err := match.Match(spec, makeEvent("github.issue.42", "whatever", nil))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Matched || res.GroupKey != "" || !res.Role.Has(match.RoleExpect) {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestMatch_Grouping(t *testing.T) {
	spec := compile(t, config.TriggerDef{
		ForEach: []string{"resourceId", "env"},
	})
	res, err := match.Match(spec, makeEvent("r1", "x", map[string]string{"env": "a|b"}))
	if err != nil {
		t.Fatal(err)
	}
	if res.GroupKey != `r1|a\|b` {
		t.Errorf("GroupKey = %q", res.GroupKey)
	}

	_, err = match.Match(spec, makeEvent("r1", "x", nil))
	if !errors.Is(err, match.ErrUngroupable) {
		t.Errorf("expected ErrUngroupable, got %v", err)
	}
}

func TestMatch_AfterRole(t *testing.T) {
	spec := compile(t, config.TriggerDef{
		After:  []string{"prefect.flow-run.Failed"},
		Expect: []string{"prefect.flow-run.Running"},
	})
	res, _ := match.Match(spec, makeEvent("prefect.flow-run.1", "prefect.flow-run.Failed", nil))
	if !res.Matched || !res.Role.Has(match.RoleAfter) || res.Role.Has(match.RoleExpect) {
		t.Errorf("after event: %+v", res)
	}
	res, _ = match.Match(spec, makeEvent("prefect.flow-run.1", "prefect.flow-run.Running", nil))
	if !res.Matched || res.Role.Has(match.RoleAfter) || !res.Role.Has(match.RoleExpect) {
		t.Errorf("expect event: %+v", res)
	}
	res, _ = match.Match(spec, makeEvent("prefect.flow-run.1", "prefect.flow-run.Pending", nil))
	if res.Matched {
		t.Errorf("unrelated type matched: %+v", res)
	}
}
