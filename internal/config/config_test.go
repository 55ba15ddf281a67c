package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleFile = `
version: v1
engine:
  shards: 4
triggers:
  - id: issue-opened
    match:
      resourceId: github.issue.*
    expect: [github.issue.opened]
    threshold: 2
    within: 30
    actions:
      - type: run-deployment
        deployment_id: d-1
        parameters:
          issue: "{{ resourceId }}"
  - id: stuck
    match:
      resourceId: ["prefect.flow-run.*", "prefect.task-run.*"]
    expect: [prefect.flow-run.Running]
    for_each: [resourceId]
    posture: Proactive
    within: 1m30s
    enabled: false
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleFile))
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("Validate error: %v", err)
	}
	if cfg.Engine.Shards != 4 {
		t.Errorf("shards = %d, want 4", cfg.Engine.Shards)
	}
	if cfg.Engine.DispatchWorkers != 8 {
		t.Errorf("default dispatch_workers not applied, got %d", cfg.Engine.DispatchWorkers)
	}
	if len(cfg.Triggers) != 2 {
		t.Fatalf("expected 2 triggers, got %d", len(cfg.Triggers))
	}

	first := cfg.Triggers[0]
	if first.Within.Std() != 30*time.Second {
		t.Errorf("within = %v, want 30s", first.Within.Std())
	}
	if got := first.Match["resourceId"]; len(got) != 1 || got[0] != "github.issue.*" {
		t.Errorf("scalar pattern decoded as %v", got)
	}
	if first.Threshold == nil || *first.Threshold != 2 {
		t.Errorf("threshold = %v, want 2", first.Threshold)
	}
	if first.Actions[0].Parameters["issue"] != "{{ resourceId }}" {
		t.Errorf("parameters = %v", first.Actions[0].Parameters)
	}
	if !first.IsEnabled() {
		t.Error("missing enabled should mean enabled")
	}

	second := cfg.Triggers[1]
	if second.Within.Std() != 90*time.Second {
		t.Errorf("within = %v, want 1m30s", second.Within.Std())
	}
	if len(second.Match["resourceId"]) != 2 {
		t.Errorf("list pattern decoded as %v", second.Match["resourceId"])
	}
	if second.IsEnabled() {
		t.Error("enabled: false should disable the trigger")
	}
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte("version: v1\ntriggers:\n  - id: x\n    bogus: 1\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate_DuplicateIDs(t *testing.T) {
	cfg := &TriggerFile{
		Version:  "v1",
		Triggers: []TriggerDef{{ID: "a"}, {ID: "a"}, {}},
	}
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	if !strings.Contains(msg, `duplicate trigger id "a"`) || !strings.Contains(msg, "triggers[2]: id is required") {
		t.Errorf("unexpected message: %s", msg)
	}
}

func TestDuration_JSON(t *testing.T) {
	var def TriggerDef
	if err := json.Unmarshal([]byte(`{"id":"x","within":"45s","match":{"resourceId":"a.*"}}`), &def); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if def.Within.Std() != 45*time.Second {
		t.Errorf("within = %v", def.Within.Std())
	}
	if err := json.Unmarshal([]byte(`{"id":"x","within":2.5}`), &def); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if def.Within.Std() != 2500*time.Millisecond {
		t.Errorf("within = %v", def.Within.Std())
	}
	out, err := json.Marshal(Duration(90 * time.Second))
	if err != nil || string(out) != "90" {
		t.Errorf("marshal = %s, %v", out, err)
	}
}

func TestLoader_Reload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "triggers.yaml")
	if err := os.WriteFile(path, []byte("version: v1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	l, err := NewLoader(path)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	if len(l.Config().Triggers) != 0 {
		t.Fatal("expected no triggers")
	}

	var seen *TriggerFile
	l.OnChange(func(f *TriggerFile) { seen = f })

	if err := os.WriteFile(path, []byte(sampleFile), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if seen == nil || len(seen.Triggers) != 2 {
		t.Fatalf("OnChange not invoked with new config: %+v", seen)
	}
	if len(l.Config().Triggers) != 2 {
		t.Error("Config() not updated")
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	if err := os.WriteFile(envFile, []byte("REDIS_DB=3\nRUNNER_TIMEOUT=2s\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("REDIS_DB", "")
	os.Unsetenv("REDIS_DB")
	t.Setenv("RUNNER_TIMEOUT", "")
	os.Unsetenv("RUNNER_TIMEOUT")

	conf, err := LoadEnv(envFile, filepath.Join(dir, "missing.env"))
	if err != nil {
		t.Fatalf("LoadEnv: %v", err)
	}
	if conf.HTTPAddr != ":9999" {
		t.Errorf("HTTPAddr = %q", conf.HTTPAddr)
	}
	if conf.RedisDB != 3 {
		t.Errorf("RedisDB = %d", conf.RedisDB)
	}
	if conf.RunnerTimeout != 2*time.Second {
		t.Errorf("RunnerTimeout = %v", conf.RunnerTimeout)
	}
}
