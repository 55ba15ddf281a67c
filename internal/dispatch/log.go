package dispatch

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gyaneshwarpardhi/triggerflow/internal/decision"
)

// Status of a logged decision.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	// StatusDiscarded decisions belonged to a replaced or removed trigger.
	StatusDiscarded Status = "discarded"
)

// Log is the durable decision log. A decision is appended before it is
// queued and stays pending until every action has been attempted, so a
// crash in between is recovered by redelivery.
type Log interface {
	// Append stores d as pending. Appending an existing id is a no-op.
	Append(ctx context.Context, d *decision.FireDecision) error
	// Finish moves a decision out of pending.
	Finish(ctx context.Context, id string, status Status) error
	// Status returns the decision's status, or "" if unknown.
	Status(ctx context.Context, id string) (Status, error)
	// RecordAttempt stores the outcome of one action attempt; err nil is success.
	RecordAttempt(ctx context.Context, id string, index, attempt int, err error) error
	// Pending returns up to limit pending decisions created before cutoff, oldest first.
	Pending(ctx context.Context, cutoff time.Time, limit int) ([]*decision.FireDecision, error)
}

// Attempt is one recorded action attempt.
type Attempt struct {
	Index   int
	Attempt int
	Error   string
	At      time.Time
}

type memRecord struct {
	d        *decision.FireDecision
	status   Status
	created  time.Time
	attempts []Attempt
}

// MemoryLog keeps the decision log in process memory. It survives
// dispatcher restarts but not process crashes.
type MemoryLog struct {
	mu      sync.Mutex
	records map[string]*memRecord
	now     func() time.Time
}

// NewMemoryLog creates an empty MemoryLog. now may be nil.
func NewMemoryLog(now func() time.Time) *MemoryLog {
	if now == nil {
		now = time.Now
	}
	return &MemoryLog{records: make(map[string]*memRecord), now: now}
}

func (m *MemoryLog) Append(_ context.Context, d *decision.FireDecision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[d.ID]; !ok {
		m.records[d.ID] = &memRecord{d: d, status: StatusPending, created: m.now()}
	}
	return nil
}

func (m *MemoryLog) Finish(_ context.Context, id string, status Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok {
		r.status = status
	}
	return nil
}

func (m *MemoryLog) Status(_ context.Context, id string) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok {
		return r.status, nil
	}
	return "", nil
}

func (m *MemoryLog) RecordAttempt(_ context.Context, id string, index, attempt int, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	if !ok {
		return nil
	}
	a := Attempt{Index: index, Attempt: attempt, At: m.now()}
	if err != nil {
		a.Error = err.Error()
	}
	r.attempts = append(r.attempts, a)
	return nil
}

func (m *MemoryLog) Pending(_ context.Context, cutoff time.Time, limit int) ([]*decision.FireDecision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var recs []*memRecord
	for _, r := range m.records {
		if r.status == StatusPending && r.created.Before(cutoff) {
			recs = append(recs, r)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].created.Before(recs[j].created) })
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	out := make([]*decision.FireDecision, len(recs))
	for i, r := range recs {
		out[i] = r.d
	}
	return out, nil
}

// Attempts returns the recorded attempts for id.
func (m *MemoryLog) Attempts(id string) []Attempt {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.records[id]; ok {
		return append([]Attempt(nil), r.attempts...)
	}
	return nil
}
