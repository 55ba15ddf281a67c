package aggregate

import (
	"time"

	"github.com/gyaneshwarpardhi/triggerflow/internal/event"
	"github.com/gyaneshwarpardhi/triggerflow/internal/match"
	"github.com/gyaneshwarpardhi/triggerflow/internal/trigger"
)

// Reactive fires when Threshold expected events occur within Within of the
// first one, then starts over.
type Reactive struct {
	Spec *trigger.Spec
}

func (r *Reactive) Observe(st *GroupState, ev *event.Event, role match.Role, now time.Time) Outcome {
	st.Touched = now
	if r.Spec.Gated() && role.Has(match.RoleAfter) {
		st.Primed = true
		return Outcome{}
	}
	if !role.Has(match.RoleExpect) {
		return Outcome{}
	}
	if r.Spec.Gated() && !st.Primed {
		return Outcome{}
	}

	var out Outcome
	at := ev.OccurredAt
	switch {
	case !st.Open():
		start := at
		// A new window begins strictly after the fire that closed the
		// previous one, so each fire of a group has its own window start.
		if !st.LastFiredAt.IsZero() && !at.After(st.LastFiredAt) {
			start = st.LastFiredAt.Add(time.Nanosecond)
			out.Late = at.Before(st.LastFiredAt)
		}
		st.WindowStart = start
		st.LastEventAt = start
		st.Count = 1
	case r.Spec.Within > 0 && at.Sub(st.WindowStart) > r.Spec.Within:
		st.WindowStart = at
		st.LastEventAt = at
		st.Count = 1
	default:
		if at.Before(st.WindowStart) {
			out.Late = true
		}
		if at.After(st.LastEventAt) {
			st.LastEventAt = at
		}
		st.Count++
	}
	st.Source = ev

	if st.Count < r.Spec.Threshold {
		return out
	}
	out.Fire = true
	out.Count = st.Count
	out.WindowStart = st.WindowStart
	out.Source = ev
	st.LastFiredAt = st.LastEventAt
	st.resetWindow()
	st.Primed = false
	st.Source = nil
	return out
}

// Expire is a no-op: Reactive windows are evaluated on event time.
func (r *Reactive) Expire(*GroupState, uint64, time.Time) Outcome { return Outcome{} }
