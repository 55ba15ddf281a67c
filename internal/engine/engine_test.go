package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/triggerflow/internal/config"
	"github.com/gyaneshwarpardhi/triggerflow/internal/decision"
	"github.com/gyaneshwarpardhi/triggerflow/internal/event"
	"github.com/gyaneshwarpardhi/triggerflow/internal/trigger"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type collector struct {
	mu sync.Mutex
	ds []*decision.FireDecision
	ch chan *decision.FireDecision
}

func newCollector() *collector {
	return &collector{ch: make(chan *decision.FireDecision, 64)}
}

func (c *collector) Submit(_ context.Context, d *decision.FireDecision) error {
	c.mu.Lock()
	c.ds = append(c.ds, d)
	c.mu.Unlock()
	c.ch <- d
	return nil
}

func (c *collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ds)
}

func newTestEngine(t *testing.T) (*Engine, *clock, *collector) {
	t.Helper()
	clk := &clock{t: t0}
	sink := newCollector()
	e := New(context.Background(), config.EngineConf{Shards: 4},
		WithClock(clk.Now), WithManualTimers(), WithSink(sink))
	t.Cleanup(e.Shutdown)
	return e, clk, sink
}

func register(t *testing.T, e *Engine, def config.TriggerDef) *trigger.Spec {
	t.Helper()
	s, err := e.Register(def)
	if err != nil {
		t.Fatalf("Register(%s): %v", def.ID, err)
	}
	return s
}

func ingest(t *testing.T, e *Engine, ev *event.Event) []*decision.FireDecision {
	t.Helper()
	ds, err := e.Ingest(context.Background(), ev)
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	return ds
}

func makeEvent(resource, typ string, at time.Time) *event.Event {
	return &event.Event{ResourceID: resource, Type: typ, OccurredAt: at}
}

func intPtr(n int) *int { return &n }

func TestEngine_FiresOnFirstIssue(t *testing.T) {
	e, _, sink := newTestEngine(t)
	register(t, e, config.TriggerDef{
		ID:    "issues",
		Match: map[string]config.PatternList{"resourceId": {"github.issue.*"}},
	})

	if ds := ingest(t, e, makeEvent("github.pull.1", "opened", t0)); len(ds) != 0 {
		t.Fatalf("non-matching resource fired: %v", ds)
	}
	ds := ingest(t, e, makeEvent("github.issue.42", "opened", t0))
	if len(ds) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(ds))
	}
	if ds[0].TriggerID != "issues" || ds[0].ResourceID != "github.issue.42" || ds[0].Attributes["resourceId"] != "github.issue.42" {
		t.Errorf("unexpected decision %+v", ds[0])
	}
	if sink.Len() != 1 {
		t.Errorf("sink received %d decisions", sink.Len())
	}
}

func TestEngine_ReactiveThresholdAndRetrigger(t *testing.T) {
	e, _, _ := newTestEngine(t)
	register(t, e, config.TriggerDef{
		ID:        "burst",
		Expect:    []string{"failed"},
		Threshold: intPtr(3),
		Within:    config.Duration(time.Minute),
	})

	total := 0
	for i := 0; i < 2; i++ {
		total += len(ingest(t, e, makeEvent("job.1", "failed", t0.Add(time.Duration(i)*time.Second))))
	}
	if total != 0 {
		t.Fatalf("fired with threshold-1 events")
	}
	if ds := ingest(t, e, makeEvent("job.1", "failed", t0.Add(3*time.Second))); len(ds) != 1 {
		t.Fatalf("expected fire on third event, got %d", len(ds))
	}
	for i := 0; i < 3; i++ {
		total += len(ingest(t, e, makeEvent("job.1", "failed", t0.Add(time.Duration(10+i)*time.Second))))
	}
	if total != 1 {
		t.Errorf("expected re-trigger after reset, got %d more fires", total)
	}
}

func TestEngine_Dedup(t *testing.T) {
	e, _, _ := newTestEngine(t)
	register(t, e, config.TriggerDef{ID: "pair", Threshold: intPtr(2)})

	ev := makeEvent("job.1", "failed", t0)
	ingest(t, e, ev)
	dup := makeEvent("job.1", "failed", t0)
	if ds := ingest(t, e, dup); len(ds) != 0 {
		t.Fatal("duplicate event counted twice")
	}
	if ds := ingest(t, e, makeEvent("job.1", "failed", t0.Add(time.Second))); len(ds) != 1 {
		t.Error("distinct event should complete the pair")
	}
}

func TestEngine_GroupIsolation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	register(t, e, config.TriggerDef{
		ID:        "per-run",
		ForEach:   []string{"resourceId"},
		Threshold: intPtr(2),
	})

	ingest(t, e, makeEvent("run.a", "x", t0))
	if ds := ingest(t, e, makeEvent("run.b", "x", t0.Add(time.Second))); len(ds) != 0 {
		t.Fatal("events of different groups combined")
	}
	ds := ingest(t, e, makeEvent("run.a", "x", t0.Add(2*time.Second)))
	if len(ds) != 1 || ds[0].GroupKey != "run.a" {
		t.Fatalf("expected fire for run.a, got %+v", ds)
	}
}

func TestEngine_ProactiveGroupIsolation(t *testing.T) {
	e, clk, sink := newTestEngine(t)
	register(t, e, proactiveDef())

	const a, b = "prefect.flow-run.a", "prefect.flow-run.b"
	ingest(t, e, makeEvent(a, "prefect.flow-run.Running", t0))
	ingest(t, e, makeEvent(b, "prefect.flow-run.Running", t0))
	if ds := ingest(t, e, makeEvent(a, "prefect.flow-run.Running", t0.Add(5*time.Second))); len(ds) != 0 {
		t.Fatalf("satisfying run a fired: %+v", ds)
	}

	clk.Set(t0.Add(31 * time.Second))
	e.Advance(clk.Now())
	e.flush()
	if sink.Len() != 1 {
		t.Fatalf("expected only run b to fire, got %d decisions", sink.Len())
	}
	if d := <-sink.ch; d.GroupKey != b {
		t.Errorf("fired for %q, want %q", d.GroupKey, b)
	}
}

func TestEngine_Ungroupable(t *testing.T) {
	e, _, _ := newTestEngine(t)
	register(t, e, config.TriggerDef{ID: "by-env", ForEach: []string{"env"}})

	if ds := ingest(t, e, makeEvent("run.a", "x", t0)); len(ds) != 0 {
		t.Fatal("ungroupable event fired")
	}
	ev := makeEvent("run.a", "x", t0.Add(time.Second))
	ev.Attributes = map[string]string{"env": "prod"}
	if ds := ingest(t, e, ev); len(ds) != 1 || ds[0].GroupKey != "prod" {
		t.Fatalf("unexpected decisions %+v", ds)
	}
}

func proactiveDef() config.TriggerDef {
	return config.TriggerDef{
		ID:      "stuck",
		Expect:  []string{"prefect.flow-run.Running"},
		ForEach: []string{"resourceId"},
		Posture: "Proactive",
		Within:  config.Duration(30 * time.Second),
	}
}

func TestEngine_ProactiveDeadline(t *testing.T) {
	e, clk, sink := newTestEngine(t)
	register(t, e, proactiveDef())

	if ds := ingest(t, e, makeEvent("prefect.flow-run.r1", "prefect.flow-run.Running", t0)); len(ds) != 0 {
		t.Fatal("arming event fired")
	}
	if e.Health().PendingTimers != 1 {
		t.Fatalf("pending timers = %d", e.Health().PendingTimers)
	}

	clk.Set(t0.Add(29 * time.Second))
	e.Advance(clk.Now())
	e.flush()
	if sink.Len() != 0 {
		t.Fatal("fired before deadline")
	}

	clk.Set(t0.Add(30 * time.Second))
	e.Advance(clk.Now())
	e.flush()
	if sink.Len() != 1 {
		t.Fatalf("expected exactly one fire at deadline, got %d", sink.Len())
	}
	d := <-sink.ch
	if d.GroupKey != "prefect.flow-run.r1" || d.Posture != trigger.Proactive || d.Count != 0 {
		t.Errorf("unexpected decision %+v", d)
	}

	clk.Set(t0.Add(5 * time.Minute))
	e.Advance(clk.Now())
	e.flush()
	if sink.Len() != 1 {
		t.Error("deadline fired more than once")
	}
}

func TestEngine_ProactiveSatisfied(t *testing.T) {
	e, clk, sink := newTestEngine(t)
	def := proactiveDef()
	def.After = []string{"prefect.flow-run.Pending"}
	register(t, e, def)

	ingest(t, e, makeEvent("prefect.flow-run.r1", "prefect.flow-run.Pending", t0))
	ingest(t, e, makeEvent("prefect.flow-run.r1", "prefect.flow-run.Running", t0.Add(5*time.Second)))
	if n := e.Health().PendingTimers; n != 0 {
		t.Fatalf("deadline not cancelled, %d pending", n)
	}

	clk.Set(t0.Add(time.Minute))
	e.Advance(clk.Now())
	e.flush()
	if sink.Len() != 0 {
		t.Errorf("satisfied deadline fired %d times", sink.Len())
	}
}

func TestEngine_UpdateResetsState(t *testing.T) {
	e, _, _ := newTestEngine(t)
	def := config.TriggerDef{ID: "pair", Threshold: intPtr(2)}
	v1 := register(t, e, def)

	ingest(t, e, makeEvent("job.1", "x", t0))
	def.Name = "renamed"
	v2, err := e.Update(def)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if v2.Version <= v1.Version {
		t.Errorf("version did not increase: %d -> %d", v1.Version, v2.Version)
	}
	if e.IsCurrent("pair", v1.Version) || !e.IsCurrent("pair", v2.Version) {
		t.Error("IsCurrent does not track the live version")
	}
	if ds := ingest(t, e, makeEvent("job.1", "x", t0.Add(time.Second))); len(ds) != 0 {
		t.Fatal("state from the previous version survived the update")
	}
	if ds := ingest(t, e, makeEvent("job.1", "x", t0.Add(2*time.Second))); len(ds) != 1 {
		t.Error("expected fire after two events on the new version")
	}

	if _, err := e.Update(config.TriggerDef{ID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("Update of unknown trigger: %v", err)
	}
}

func TestEngine_RemoveCancelsTimers(t *testing.T) {
	e, clk, sink := newTestEngine(t)
	register(t, e, proactiveDef())
	ingest(t, e, makeEvent("prefect.flow-run.r1", "prefect.flow-run.Running", t0))

	if err := e.Remove("stuck"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if n := e.Health().PendingTimers; n != 0 {
		t.Errorf("pending timers after remove = %d", n)
	}
	clk.Set(t0.Add(time.Minute))
	e.Advance(clk.Now())
	e.flush()
	if sink.Len() != 0 {
		t.Error("removed trigger fired")
	}
	if err := e.Remove("stuck"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Remove: %v", err)
	}
}

func TestEngine_RegisterValidation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Register(config.TriggerDef{ID: "bad", Posture: "Proactive"})
	var verr *trigger.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	register(t, e, config.TriggerDef{ID: "ok"})
	if _, err := e.Register(config.TriggerDef{ID: "ok"}); !errors.Is(err, ErrExists) {
		t.Errorf("duplicate Register: %v", err)
	}
}

func TestEngine_DisabledTriggerIgnored(t *testing.T) {
	e, _, _ := newTestEngine(t)
	off := false
	register(t, e, config.TriggerDef{ID: "off", Enabled: &off})
	if ds := ingest(t, e, makeEvent("x.1", "y", t0)); len(ds) != 0 {
		t.Error("disabled trigger fired")
	}
	r, err := e.Get("off")
	if err != nil || r.Enabled {
		t.Errorf("Get = %+v, %v", r, err)
	}
}

func TestEngine_Sync(t *testing.T) {
	e, _, _ := newTestEngine(t)
	register(t, e, config.TriggerDef{ID: "from-api"})

	res, err := e.Sync([]config.TriggerDef{{ID: "a"}, {ID: "b"}}, SourceFile)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(res.Added) != 2 {
		t.Errorf("added = %v", res.Added)
	}

	res, err = e.Sync([]config.TriggerDef{{ID: "a", Name: "changed"}}, SourceFile)
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if len(res.Updated) != 1 || res.Updated[0] != "a" || len(res.Removed) != 1 || res.Removed[0] != "b" {
		t.Errorf("unexpected sync result %+v", res)
	}
	if _, err := e.Get("from-api"); err != nil {
		t.Error("sync removed an api trigger")
	}

	// One invalid def rejects the whole batch.
	_, err = e.Sync([]config.TriggerDef{{ID: "c"}, {ID: "d", Posture: "Proactive"}}, SourceFile)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if _, err := e.Get("c"); !errors.Is(err, ErrNotFound) {
		t.Error("partial sync applied")
	}
	if len(e.List()) != 2 {
		t.Errorf("List = %d triggers, want 2", len(e.List()))
	}
}

func TestEngine_Sweep(t *testing.T) {
	e, _, _ := newTestEngine(t)
	register(t, e, config.TriggerDef{ID: "pair", Threshold: intPtr(2), Within: config.Duration(time.Minute)})
	ingest(t, e, makeEvent("job.1", "x", t0))

	if n := e.Sweep(t0.Add(time.Second)); n != 0 {
		t.Fatalf("evicted %d fresh groups", n)
	}
	if n := e.Sweep(t0.Add(time.Hour)); n != 1 {
		t.Fatalf("evicted %d groups, want 1", n)
	}
}

func TestEngine_IngestAsync(t *testing.T) {
	e, _, sink := newTestEngine(t)
	register(t, e, config.TriggerDef{ID: "any"})

	if !e.IngestAsync(makeEvent("x.1", "y", t0)) {
		t.Fatal("IngestAsync rejected event")
	}
	select {
	case d := <-sink.ch:
		if d.TriggerID != "any" {
			t.Errorf("unexpected decision %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("async event not processed")
	}
}

func TestEngine_IngestAsyncKeepsGroupOrder(t *testing.T) {
	e, clk, sink := newTestEngine(t)
	def := proactiveDef()
	def.After = []string{"prefect.flow-run.Pending"}
	register(t, e, def)

	for i := 0; i < 200; i++ {
		run := fmt.Sprintf("prefect.flow-run.r%d", i)
		if !e.IngestAsync(makeEvent(run, "prefect.flow-run.Pending", t0)) {
			t.Fatal("IngestAsync rejected event")
		}
		if !e.IngestAsync(makeEvent(run, "prefect.flow-run.Running", t0.Add(time.Second))) {
			t.Fatal("IngestAsync rejected event")
		}
	}
	e.pool.Drain()
	e.flush()

	clk.Set(t0.Add(time.Minute))
	e.Advance(clk.Now())
	e.flush()
	if n := sink.Len(); n != 0 {
		t.Errorf("%d runs reported stuck although each started after pending", n)
	}
}

func TestEngine_FailedRoutingReleasesDedupKey(t *testing.T) {
	e, _, _ := newTestEngine(t)
	register(t, e, config.TriggerDef{ID: "any"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := e.Ingest(ctx, makeEvent("job.1", "failed", t0)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if ds := ingest(t, e, makeEvent("job.1", "failed", t0)); len(ds) != 1 {
		t.Fatal("redelivery of an unaccepted event was treated as a duplicate")
	}
}

func TestEngine_StaleExpiryIgnoredAfterRearm(t *testing.T) {
	e, clk, sink := newTestEngine(t)
	def := proactiveDef()
	def.After = []string{"prefect.flow-run.Pending"}
	spec := register(t, e, def)

	const run = "prefect.flow-run.r1"
	ingest(t, e, makeEvent(run, "prefect.flow-run.Pending", t0))

	// The deadline passes and an event reaches the group before its expiry.
	clk.Set(t0.Add(31 * time.Second))
	if ds := ingest(t, e, makeEvent(run, "prefect.flow-run.Running", clk.Now())); len(ds) != 1 {
		t.Fatalf("overdue group did not fire on event, got %d", len(ds))
	}

	clk.Set(t0.Add(32 * time.Second))
	ingest(t, e, makeEvent(run, "prefect.flow-run.Pending", clk.Now()))

	// The first arming's expiry is delivered late.
	stale := expiryTask{id: groupID{trigger: spec.ID, key: run}, version: spec.Version, seq: 1}
	e.shards[shardFor(spec.ID, run, len(e.shards))].pushExpiry(stale)
	e.flush()
	if n := sink.Len(); n != 1 {
		t.Fatalf("stale expiry fired the new arming early: %d decisions", n)
	}

	clk.Set(t0.Add(62 * time.Second))
	e.Advance(clk.Now())
	e.flush()
	if n := sink.Len(); n != 2 {
		t.Errorf("new arming did not fire at its own deadline: %d decisions", n)
	}
}

func TestEngine_InvalidEvent(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.Ingest(context.Background(), &event.Event{Type: "x"})
	if !errors.Is(err, event.ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}
