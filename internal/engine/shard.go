package engine

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/triggerflow/internal/aggregate"
	"github.com/gyaneshwarpardhi/triggerflow/internal/decision"
	"github.com/gyaneshwarpardhi/triggerflow/internal/event"
	"github.com/gyaneshwarpardhi/triggerflow/internal/match"
	"github.com/gyaneshwarpardhi/triggerflow/internal/metrics"
	"github.com/gyaneshwarpardhi/triggerflow/internal/timer"
	"github.com/gyaneshwarpardhi/triggerflow/internal/trigger"
)

type groupID struct {
	trigger string
	key     string
}

// group is the arena slot for one (trigger, group key).
type group struct {
	version uint64
	state   aggregate.GroupState
	timer   *timer.Timer
}

type task interface{}

type eventTask struct {
	ent   *entry
	key   string
	role  match.Role
	ev    *event.Event
	reply chan []*decision.FireDecision
}

type expiryTask struct {
	id      groupID
	version uint64
	seq     uint64
}

// purgeTask drops groups of trigger whose version differs from keep.
// keep == 0 drops them all.
type purgeTask struct {
	trigger string
	keep    uint64
	done    chan struct{}
}

type sweepTask struct {
	now   time.Time
	ttl   time.Duration
	reply chan int
}

// shard owns a disjoint subset of groups and processes its tasks on a
// single goroutine, so group state needs no locking.
type shard struct {
	eng    *Engine
	tasks  chan task
	groups map[groupID]*group

	expMu    sync.Mutex
	expiries []expiryTask
	wake     chan struct{}

	// armSeq is the highest arm sequence of any dropped group. Recreated
	// groups continue from it so that expiries queued for a dropped
	// group never match its successor.
	armSeq uint64
}

func newShard(e *Engine, depth int) *shard {
	return &shard{
		eng:    e,
		tasks:  make(chan task, depth),
		groups: make(map[groupID]*group),
		wake:   make(chan struct{}, 1),
	}
}

func shardFor(triggerID, key string, n int) int {
	h := fnv.New64a()
	h.Write([]byte(triggerID))
	h.Write([]byte{0})
	h.Write([]byte(key))
	return int(h.Sum64() % uint64(n))
}

func (s *shard) run(ctx context.Context) {
	for {
		select {
		case t := <-s.tasks:
			s.runExpiries()
			s.handle(t)
		case <-s.wake:
			s.runExpiries()
		case <-ctx.Done():
			return
		}
	}
}

// enqueue blocks until the shard accepts t, ctx ends or the engine stops.
func (s *shard) enqueue(ctx context.Context, t task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.tasks <- t:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.eng.ctx.Done():
		return ErrShutdown
	}
}

// pushExpiry is called from the timer wheel and never blocks.
func (s *shard) pushExpiry(t expiryTask) {
	s.expMu.Lock()
	s.expiries = append(s.expiries, t)
	s.expMu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *shard) runExpiries() {
	s.expMu.Lock()
	due := s.expiries
	s.expiries = nil
	s.expMu.Unlock()
	for _, t := range due {
		s.handleExpiry(t)
	}
}

func (s *shard) handle(t task) {
	switch t := t.(type) {
	case *eventTask:
		t.reply <- s.handleEvent(t)
	case *purgeTask:
		s.purge(t.trigger, t.keep)
		close(t.done)
	case *sweepTask:
		t.reply <- s.sweep(t.now, t.ttl)
	}
}

func (s *shard) handleEvent(t *eventTask) []*decision.FireDecision {
	// The trigger may have been replaced between routing and now.
	cur := s.eng.lookup(t.ent.Spec.ID)
	if cur == nil || cur.Spec.Version != t.ent.Spec.Version {
		return nil
	}
	id := groupID{trigger: t.ent.Spec.ID, key: t.key}
	g := s.groups[id]
	if g == nil || g.version != cur.Spec.Version {
		if g != nil {
			g.timer.Stop()
		} else {
			metrics.ActiveGroups.Inc()
		}
		g = &group{version: cur.Spec.Version}
		g.state.ArmSeq = s.armSeq
		s.groups[id] = g
	}

	now := s.eng.now()
	out := cur.agg.Observe(&g.state, t.ev, t.role, now)
	if out.Late {
		metrics.EventsLate.WithLabelValues(cur.Spec.ID).Inc()
	}
	return s.apply(cur, id, g, out, now)
}

func (s *shard) handleExpiry(t expiryTask) {
	g := s.groups[t.id]
	if g == nil || g.version != t.version {
		return
	}
	cur := s.eng.lookup(t.id.trigger)
	if cur == nil || cur.Spec.Version != t.version {
		return
	}
	if g.state.ArmSeq == t.seq {
		g.timer = nil
	}
	now := s.eng.now()
	s.apply(cur, t.id, g, cur.agg.Expire(&g.state, t.seq, now), now)
}

func (s *shard) apply(ent *entry, id groupID, g *group, out aggregate.Outcome, now time.Time) []*decision.FireDecision {
	if out.Disarm && g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}

	var fired []*decision.FireDecision
	if out.Fire {
		d := decision.New(ent.Spec, id.key)
		d.Count = out.Count
		d.WindowStart = out.WindowStart
		d.FiredAt = now
		if src := out.Source; src != nil {
			d.ResourceID = src.ResourceID
			d.EventType = src.Type
			d.Attributes = src.Snapshot()
		}
		fired = append(fired, d)
		s.eng.emit(d)
	}

	if out.Arm {
		g.timer.Stop()
		g.timer = nil
		seq := g.state.ArmSeq
		exp := expiryTask{id: id, version: g.version, seq: seq}
		tm, err := s.eng.wheel.Schedule(g.state.DeadlineAt, func() { s.pushExpiry(exp) })
		if err != nil {
			s.eng.markDegraded(err)
		} else {
			g.timer = tm
		}
	}

	// Proactive groups carry nothing between armings.
	if ent.Spec.Posture == trigger.Proactive && !g.state.Armed {
		s.drop(id, g)
	}
	return fired
}

func (s *shard) drop(id groupID, g *group) {
	g.timer.Stop()
	if g.state.ArmSeq > s.armSeq {
		s.armSeq = g.state.ArmSeq
	}
	delete(s.groups, id)
	metrics.ActiveGroups.Dec()
}

func (s *shard) purge(triggerID string, keep uint64) {
	for id, g := range s.groups {
		if id.trigger == triggerID && (keep == 0 || g.version != keep) {
			s.drop(id, g)
		}
	}
}

func (s *shard) sweep(now time.Time, ttl time.Duration) int {
	n := 0
	for id, g := range s.groups {
		cur := s.eng.lookup(id.trigger)
		if cur == nil || cur.Spec.Version != g.version || aggregate.Idle(cur.Spec, &g.state, now, ttl) {
			s.drop(id, g)
			n++
		}
	}
	return n
}
