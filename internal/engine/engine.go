// Package engine is the trigger orchestrator: it owns the active triggers,
// routes events to per-group aggregators and emits fire decisions.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gyaneshwarpardhi/triggerflow/internal/aggregate"
	"github.com/gyaneshwarpardhi/triggerflow/internal/config"
	"github.com/gyaneshwarpardhi/triggerflow/internal/decision"
	"github.com/gyaneshwarpardhi/triggerflow/internal/dedup"
	"github.com/gyaneshwarpardhi/triggerflow/internal/event"
	"github.com/gyaneshwarpardhi/triggerflow/internal/match"
	"github.com/gyaneshwarpardhi/triggerflow/internal/metrics"
	"github.com/gyaneshwarpardhi/triggerflow/internal/timer"
	"github.com/gyaneshwarpardhi/triggerflow/internal/trigger"
)

var (
	ErrNotFound  = errors.New("trigger not found")
	ErrExists    = errors.New("trigger already exists")
	ErrQueueFull = errors.New("event queue full")
	ErrShutdown  = errors.New("engine shut down")
)

// Sink receives fire decisions. Submit may block briefly; it must not
// block indefinitely.
type Sink interface {
	Submit(ctx context.Context, d *decision.FireDecision) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, d *decision.FireDecision) error

func (f SinkFunc) Submit(ctx context.Context, d *decision.FireDecision) error { return f(ctx, d) }

// Option configures an Engine.
type Option func(*Engine)

// WithClock injects the engine clock, shared with the timer wheel.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithDeduper sets the event deduper. Defaults to an in-memory one.
func WithDeduper(d dedup.Deduper) Option { return func(e *Engine) { e.dedup = d } }

// WithSink sets where fire decisions go.
func WithSink(s Sink) Option { return func(e *Engine) { e.sink = s } }

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithManualTimers disables the wheel ticker; deadlines fire only on Advance.
func WithManualTimers() Option { return func(e *Engine) { e.manualTimers = true } }

// Engine processes events against the registered triggers.
type Engine struct {
	conf config.EngineConf

	reg     atomic.Pointer[registry]
	regMu   sync.Mutex
	version uint64

	shards       []*shard
	wheel        *timer.Wheel
	dedup        dedup.Deduper
	sink         Sink
	pool         *workerPool[*event.Event]
	waiters      *workerPool[*routed]
	horizon      atomic.Int64
	now          func() time.Time
	logger       *slog.Logger
	manualTimers bool

	degradedMu sync.Mutex
	degraded   error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Engine using conf and starts its shards, timer wheel and
// async ingestion pool.
func New(ctx context.Context, conf config.EngineConf, opts ...Option) *Engine {
	conf.ApplyDefaults()
	e := &Engine{
		conf:   conf,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(e)
	}
	if e.dedup == nil {
		e.dedup = dedup.NewMemory(e.now)
	}
	e.reg.Store(emptyRegistry())
	e.refreshHorizon()
	e.ctx, e.cancel = context.WithCancel(ctx)

	e.wheel = timer.New(
		time.Duration(conf.TimerTickMs)*time.Millisecond,
		conf.TimerSlots,
		timer.WithClock(e.now),
		timer.WithLogger(e.logger),
	)
	if !e.manualTimers {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.wheel.Start(e.ctx)
			if err := e.wheel.Err(); err != nil {
				e.markDegraded(err)
			}
		}()
	}

	e.shards = make([]*shard, conf.Shards)
	for i := range e.shards {
		s := newShard(e, conf.ShardQueueDepth)
		e.shards[i] = s
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			s.run(e.ctx)
		}()
	}

	// One router keeps async events in arrival order on every group; the
	// waiters only collect replies.
	timeout := time.Duration(conf.EventTimeoutMs) * time.Millisecond
	e.waiters = newWorkerPool[*routed](e.ctx, conf.EventWorkers, conf.QueueDepth,
		func(ctx context.Context, r *routed) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			e.awaitAsync(ctx, r)
		})
	e.pool = newWorkerPool[*event.Event](e.ctx, 1, conf.QueueDepth,
		func(ctx context.Context, ev *event.Event) {
			rctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			r, err := e.route(rctx, ev)
			if err != nil {
				e.logger.Warn("async event processing failed", "event_id", ev.Ref(), "resource_id", ev.ResourceID, "err", err)
				return
			}
			if r == nil || e.waiters.Submit(r) {
				return
			}
			e.awaitAsync(rctx, r)
		})
	return e
}

// Register compiles def and adds it as a new trigger.
func (e *Engine) Register(def config.TriggerDef) (*trigger.Spec, error) {
	return e.put(def, SourceAPI, putCreate)
}

// RegisterFrom is Register with an explicit source.
func (e *Engine) RegisterFrom(def config.TriggerDef, source string) (*trigger.Spec, error) {
	return e.put(def, source, putCreate)
}

// Update atomically replaces an existing trigger. State, timers and
// undispatched decisions of the previous version are discarded.
func (e *Engine) Update(def config.TriggerDef) (*trigger.Spec, error) {
	return e.put(def, "", putReplace)
}

// Remove deletes a trigger, cancelling its timers and dropping its state.
func (e *Engine) Remove(id string) error {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	cur := e.reg.Load()
	if cur.get(id) == nil {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	next := cur.without(id)
	e.reg.Store(next)
	e.refreshHorizon()
	metrics.ActiveTriggers.Set(float64(len(next.byID)))
	e.purge(id, 0)
	e.logger.Info("trigger removed", "trigger_id", id)
	return nil
}

type putMode int

const (
	putCreate putMode = iota
	putReplace
	putUpsert
)

func (e *Engine) put(def config.TriggerDef, source string, mode putMode) (*trigger.Spec, error) {
	spec, err := trigger.Compile(def)
	if err != nil {
		return nil, err
	}

	e.regMu.Lock()
	defer e.regMu.Unlock()
	cur := e.reg.Load()
	old := cur.get(def.ID)
	switch {
	case mode == putCreate && old != nil:
		return nil, fmt.Errorf("%w: %s", ErrExists, def.ID)
	case mode == putReplace && old == nil:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, def.ID)
	}
	if source == "" && old != nil {
		source = old.Source
	}
	if source == "" {
		source = SourceAPI
	}

	e.version++
	spec = spec.WithVersion(e.version)
	next := cur.with(&entry{
		Registered: Registered{Spec: spec, Source: source, Enabled: def.IsEnabled()},
		agg:        aggregate.For(spec),
	})
	e.reg.Store(next)
	e.refreshHorizon()
	metrics.ActiveTriggers.Set(float64(len(next.byID)))

	if old != nil {
		e.purge(def.ID, spec.Version)
		e.logger.Info("trigger updated", "trigger_id", def.ID, "version", spec.Version, "source", source)
	} else {
		e.logger.Info("trigger registered", "trigger_id", def.ID, "version", spec.Version, "source", source)
	}
	return spec, nil
}

// SyncResult lists what Sync changed.
type SyncResult struct {
	Added   []string `json:"added"`
	Updated []string `json:"updated"`
	Removed []string `json:"removed"`
}

// Sync makes the triggers owned by source equal to defs. Every def is
// validated first; if any fails nothing changes. Triggers from other
// sources are never touched.
func (e *Engine) Sync(defs []config.TriggerDef, source string) (SyncResult, error) {
	var res SyncResult
	var errs []error
	for _, d := range defs {
		if _, err := trigger.Compile(d); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return res, errors.Join(errs...)
	}

	want := make(map[string]struct{}, len(defs))
	for _, d := range defs {
		want[d.ID] = struct{}{}
		old := e.reg.Load().get(d.ID)
		switch {
		case old == nil:
			if _, err := e.put(d, source, putCreate); err != nil {
				errs = append(errs, err)
				continue
			}
			res.Added = append(res.Added, d.ID)
		case old.Source != source:
			errs = append(errs, fmt.Errorf("%w: %s is owned by %s", ErrExists, d.ID, old.Source))
		case reflect.DeepEqual(old.Spec.Def, d):
			// unchanged
		default:
			if _, err := e.put(d, source, putUpsert); err != nil {
				errs = append(errs, err)
				continue
			}
			res.Updated = append(res.Updated, d.ID)
		}
	}
	for _, ent := range e.reg.Load().ordered {
		if ent.Source != source {
			continue
		}
		if _, ok := want[ent.Spec.ID]; ok {
			continue
		}
		if err := e.Remove(ent.Spec.ID); err != nil && !errors.Is(err, ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		res.Removed = append(res.Removed, ent.Spec.ID)
	}
	return res, errors.Join(errs...)
}

// Get returns the registered trigger with id.
func (e *Engine) Get(id string) (Registered, error) {
	ent := e.reg.Load().get(id)
	if ent == nil {
		return Registered{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return ent.Registered, nil
}

// List returns all registered triggers ordered by id.
func (e *Engine) List() []Registered {
	reg := e.reg.Load()
	out := make([]Registered, len(reg.ordered))
	for i, ent := range reg.ordered {
		out[i] = ent.Registered
	}
	return out
}

// IsCurrent reports whether version is the live version of triggerID.
func (e *Engine) IsCurrent(triggerID string, version uint64) bool {
	ent := e.lookup(triggerID)
	return ent != nil && ent.Spec.Version == version
}

func (e *Engine) lookup(id string) *entry { return e.reg.Load().get(id) }

// Ingest routes ev through every enabled trigger and waits for the
// affected groups to process it. It returns the decisions fired directly
// by this event; decisions are also handed to the sink.
func (e *Engine) Ingest(ctx context.Context, ev *event.Event) ([]*decision.FireDecision, error) {
	r, err := e.route(ctx, ev)
	if err != nil || r == nil {
		return nil, err
	}
	return e.await(ctx, r)
}

// routed is an event whose group tasks are queued on the shards.
type routed struct {
	ev    *event.Event
	tasks []*eventTask
	start time.Time
}

// route deduplicates ev and queues it on the shard of every group it
// matches. It returns nil for a duplicate. Once route returns, the relative
// order of ev and later routed events is fixed for every group.
func (e *Engine) route(ctx context.Context, ev *event.Event) (*routed, error) {
	start := time.Now()
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = e.now()
	}

	key := ev.DedupKey()
	seen, err := e.dedup.Seen(ctx, key, time.Duration(e.horizon.Load()))
	if err != nil {
		e.logger.Warn("dedup unavailable, processing event anyway", "event_id", ev.Ref(), "err", err)
	} else if seen {
		metrics.EventsDuplicate.Inc()
		return nil, nil
	}

	r := &routed{ev: ev, start: start}
	for _, ent := range e.reg.Load().ordered {
		if !ent.Enabled {
			continue
		}
		res, err := match.Match(ent.Spec, ev)
		if errors.Is(err, match.ErrUngroupable) {
			metrics.UngroupableEvents.WithLabelValues(ent.Spec.ID).Inc()
			e.logger.Debug("event lacks grouping attribute", "trigger_id", ent.Spec.ID, "resource_id", ev.ResourceID)
			continue
		}
		if !res.Matched {
			continue
		}
		metrics.TriggersMatched.WithLabelValues(ent.Spec.ID).Inc()
		t := &eventTask{ent: ent, key: res.GroupKey, role: res.Role, ev: ev, reply: make(chan []*decision.FireDecision, 1)}
		if err := e.shards[shardFor(ent.Spec.ID, res.GroupKey, len(e.shards))].enqueue(ctx, t); err != nil {
			// The event was not accepted, so a redelivery must not be
			// swallowed as a duplicate.
			if ferr := e.dedup.Forget(context.WithoutCancel(ctx), key); ferr != nil {
				e.logger.Warn("dedup release failed", "event_id", ev.Ref(), "err", ferr)
			}
			return nil, err
		}
		r.tasks = append(r.tasks, t)
	}
	return r, nil
}

// await collects the decisions fired by a routed event.
func (e *Engine) await(ctx context.Context, r *routed) ([]*decision.FireDecision, error) {
	var fired []*decision.FireDecision
	for _, t := range r.tasks {
		select {
		case ds := <-t.reply:
			fired = append(fired, ds...)
		case <-ctx.Done():
			return fired, ctx.Err()
		}
	}
	metrics.EventsProcessed.Inc()
	metrics.EventProcessingDuration.Observe(float64(time.Since(r.start).Milliseconds()))
	return fired, nil
}

func (e *Engine) awaitAsync(ctx context.Context, r *routed) {
	if _, err := e.await(ctx, r); err != nil {
		e.logger.Warn("async event processing failed", "event_id", r.ev.Ref(), "resource_id", r.ev.ResourceID, "err", err)
	}
}

// IngestAsync enqueues an event for background processing. Returns false if the queue is full.
func (e *Engine) IngestAsync(ev *event.Event) bool {
	if !e.pool.Submit(ev) {
		metrics.EventsDropped.Inc()
		return false
	}
	metrics.EventsEnqueued.Inc()
	return true
}

// QueueUtilization returns queue used / capacity (0–1).
func (e *Engine) QueueUtilization() float64 {
	if e.pool.QueueCap() == 0 {
		return 0
	}
	u := float64(e.pool.QueueLen()) / float64(e.pool.QueueCap())
	metrics.QueueUtilization.Set(u)
	return u
}

// Sweep evicts idle group state and expired dedup keys. It returns the
// number of groups evicted.
func (e *Engine) Sweep(now time.Time) int {
	if m, ok := e.dedup.(interface{ Evict(time.Time) int }); ok {
		m.Evict(now)
	}
	ttl := time.Duration(e.conf.DedupHorizonSec) * time.Second
	replies := make([]chan int, 0, len(e.shards))
	for _, s := range e.shards {
		t := &sweepTask{now: now, ttl: ttl, reply: make(chan int, 1)}
		if err := s.enqueue(e.ctx, t); err != nil {
			break
		}
		replies = append(replies, t.reply)
	}
	n := 0
	for _, r := range replies {
		select {
		case c := <-r:
			n += c
		case <-e.ctx.Done():
			return n
		}
	}
	if n > 0 {
		e.logger.Debug("evicted idle groups", "count", n)
	}
	return n
}

// Advance fires deadlines due at or before now. Only needed with
// WithManualTimers.
func (e *Engine) Advance(now time.Time) {
	e.wheel.Advance(now)
	if err := e.wheel.Err(); err != nil {
		e.markDegraded(err)
	}
}

// Health summarizes engine state for readiness checks.
type Health struct {
	Degraded         bool    `json:"degraded"`
	Reason           string  `json:"reason,omitempty"`
	Triggers         int     `json:"triggers"`
	PendingTimers    int     `json:"pending_timers"`
	QueueUtilization float64 `json:"queue_utilization"`
}

// Health reports whether Proactive deadlines can still be honoured.
func (e *Engine) Health() Health {
	h := Health{
		Triggers:         len(e.reg.Load().byID),
		PendingTimers:    e.wheel.Pending(),
		QueueUtilization: e.QueueUtilization(),
	}
	e.degradedMu.Lock()
	if e.degraded != nil {
		h.Degraded, h.Reason = true, e.degraded.Error()
	}
	e.degradedMu.Unlock()
	if !h.Degraded && !e.wheel.Healthy() && e.ctx.Err() == nil {
		h.Degraded, h.Reason = true, timer.ErrStopped.Error()
	}
	metrics.PendingTimers.Set(float64(h.PendingTimers))
	return h
}

// Shutdown drains the async queue, stops the shards and the timer wheel.
func (e *Engine) Shutdown() {
	e.pool.Drain()
	e.waiters.Drain()
	e.cancel()
	e.wg.Wait()
	e.wheel.Stop()
}

func (e *Engine) emit(d *decision.FireDecision) {
	metrics.DecisionsFired.WithLabelValues(d.TriggerID, string(d.Posture)).Inc()
	e.logger.Info("trigger fired", "trigger_id", d.TriggerID, "group_key", d.GroupKey, "decision_id", d.ID, "count", d.Count)
	if e.sink == nil {
		return
	}
	if err := e.sink.Submit(e.ctx, d); err != nil {
		e.logger.Warn("decision handoff failed", "decision_id", d.ID, "trigger_id", d.TriggerID, "err", err)
	}
}

func (e *Engine) markDegraded(err error) {
	e.degradedMu.Lock()
	first := e.degraded == nil
	if first {
		e.degraded = err
	}
	e.degradedMu.Unlock()
	if first {
		metrics.EngineDegraded.Set(1)
		e.logger.Error("deadline facility failed, Proactive triggers degraded", "err", err)
	}
}

// purge tells every shard to drop groups of triggerID not at version keep.
func (e *Engine) purge(triggerID string, keep uint64) {
	done := make([]chan struct{}, 0, len(e.shards))
	for _, s := range e.shards {
		t := &purgeTask{trigger: triggerID, keep: keep, done: make(chan struct{})}
		if err := s.enqueue(e.ctx, t); err != nil {
			return
		}
		done = append(done, t.done)
	}
	for _, d := range done {
		select {
		case <-d:
		case <-e.ctx.Done():
			return
		}
	}
}

// flush waits until every shard has processed the tasks queued before it.
func (e *Engine) flush() { e.purge("", 0) }

// refreshHorizon sets the dedup retention to the larger of the configured
// horizon and the longest trigger window.
func (e *Engine) refreshHorizon() {
	h := time.Duration(e.conf.DedupHorizonSec) * time.Second
	for _, ent := range e.reg.Load().ordered {
		if ent.Spec.Within > h {
			h = ent.Spec.Within
		}
	}
	e.horizon.Store(int64(h))
}
