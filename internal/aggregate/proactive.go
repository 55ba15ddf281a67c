package aggregate

import (
	"time"

	"github.com/gyaneshwarpardhi/triggerflow/internal/event"
	"github.com/gyaneshwarpardhi/triggerflow/internal/match"
	"github.com/gyaneshwarpardhi/triggerflow/internal/trigger"
)

// Proactive fires when fewer than Threshold expected events follow an
// arming event within Within.
//
// Gated triggers are armed by an "after" event, which never counts. Without
// after types the first expected event arms the group and later expected
// events count. Either way, re-arming needs a new event after the previous
// deadline or satisfaction.
type Proactive struct {
	Spec *trigger.Spec
}

func (p *Proactive) Observe(st *GroupState, ev *event.Event, role match.Role, now time.Time) Outcome {
	st.Touched = now
	var out Outcome
	// The deadline passed but its expiry has not been processed yet.
	if st.Armed && !now.Before(st.DeadlineAt) {
		out = p.fire(st)
		out.Disarm = true
	}

	if !st.Armed {
		if p.arms(role) {
			p.arm(st, ev, now)
			out.Arm = true
		}
		return out
	}

	if p.Spec.Gated() && role.Has(match.RoleAfter) {
		return out
	}
	if !role.Has(match.RoleExpect) {
		return out
	}
	if ev.OccurredAt.Before(st.WindowStart) {
		out.Late = true
	}
	st.Count++
	if st.Count >= p.Spec.Threshold {
		p.clear(st)
		out.Disarm = true
	}
	return out
}

func (p *Proactive) Expire(st *GroupState, seq uint64, now time.Time) Outcome {
	if !st.Armed || seq != st.ArmSeq {
		return Outcome{}
	}
	st.Touched = now
	return p.fire(st)
}

func (p *Proactive) arms(role match.Role) bool {
	if p.Spec.Gated() {
		return role.Has(match.RoleAfter)
	}
	return role.Has(match.RoleExpect)
}

func (p *Proactive) arm(st *GroupState, ev *event.Event, now time.Time) {
	st.Armed = true
	st.ArmSeq++
	st.Count = 0
	st.WindowStart = ev.OccurredAt
	st.LastEventAt = ev.OccurredAt
	st.DeadlineAt = now.Add(p.Spec.Within)
	st.Source = ev
}

func (p *Proactive) fire(st *GroupState) Outcome {
	out := Outcome{
		Fire:        true,
		Count:       st.Count,
		WindowStart: st.WindowStart,
		Source:      st.Source,
	}
	st.LastFiredAt = st.DeadlineAt
	p.clear(st)
	return out
}

func (p *Proactive) clear(st *GroupState) {
	st.Armed = false
	st.DeadlineAt = time.Time{}
	st.Source = nil
	st.resetWindow()
}
