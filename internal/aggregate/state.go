// Package aggregate holds the per-group counting and deadline state
// machines. Reactive and Proactive postures are separate strategies behind
// one Aggregator interface; callers serialize access per group.
package aggregate

import (
	"time"

	"github.com/gyaneshwarpardhi/triggerflow/internal/event"
	"github.com/gyaneshwarpardhi/triggerflow/internal/match"
	"github.com/gyaneshwarpardhi/triggerflow/internal/trigger"
)

// GroupState is the mutable state of one (trigger, group key) pair.
type GroupState struct {
	Count       int
	WindowStart time.Time // occurredAt of the first counted event, zero when no window is open
	LastEventAt time.Time // latest occurredAt counted in the open window
	DeadlineAt  time.Time // Proactive only, engine clock
	LastFiredAt time.Time

	// Primed is set by an "after" event on gated Reactive triggers.
	Primed bool
	// Armed is set while a Proactive deadline is pending. ArmSeq identifies
	// the arming so a late expiry from a previous arming is ignored.
	Armed  bool
	ArmSeq uint64

	// Source is the event whose attributes are bound into action parameters:
	// the firing event for Reactive, the arming event for Proactive.
	Source *event.Event

	// Touched is the engine time of the last observation; used for eviction.
	Touched time.Time
}

// Open reports whether a counting window is open.
func (st *GroupState) Open() bool { return !st.WindowStart.IsZero() }

func (st *GroupState) resetWindow() {
	st.Count = 0
	st.WindowStart = time.Time{}
	st.LastEventAt = time.Time{}
}

// Outcome tells the caller what to do after an observation or an expiry.
// Disarm is applied before Arm when both are set.
type Outcome struct {
	Fire bool
	// Count and WindowStart describe the window that fired.
	Count       int
	WindowStart time.Time
	Source      *event.Event

	Arm    bool // schedule a deadline at GroupState.DeadlineAt
	Disarm bool // cancel the pending deadline
	// Late is set when a counted event precedes the open window or the last fire.
	Late bool
}

// Aggregator is a posture strategy.
type Aggregator interface {
	// Observe applies one matching event. now is the engine clock.
	Observe(st *GroupState, ev *event.Event, role match.Role, now time.Time) Outcome
	// Expire handles a deadline for the arming identified by seq.
	Expire(st *GroupState, seq uint64, now time.Time) Outcome
}

// For returns the strategy for s's posture.
func For(s *trigger.Spec) Aggregator {
	if s.Posture == trigger.Proactive {
		return &Proactive{Spec: s}
	}
	return &Reactive{Spec: s}
}

// Idle reports whether st carries nothing worth keeping at now. Armed
// groups are never idle; open windows are kept until they can no longer
// reach the threshold or ttl has passed since the last observation.
func Idle(s *trigger.Spec, st *GroupState, now time.Time, ttl time.Duration) bool {
	if st.Armed {
		return false
	}
	if s.Within > 0 && ttl < s.Within {
		ttl = s.Within
	}
	return now.Sub(st.Touched) >= ttl
}
