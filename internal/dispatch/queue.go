// Package dispatch turns fire decisions into action invocations with
// at-least-once delivery.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gyaneshwarpardhi/triggerflow/internal/decision"
	"github.com/gyaneshwarpardhi/triggerflow/internal/metrics"
)

// ErrDropped is returned when the queue stayed full for the whole block
// interval. The decision remains pending in the log and is redelivered.
var ErrDropped = errors.New("decision queue full, decision deferred to redelivery")

// Queue is the bounded handoff between the engine and the dispatcher.
// Submit blocks for at most block, then drops and counts.
type Queue struct {
	ch    chan *decision.FireDecision
	log   Log
	block time.Duration
}

// NewQueue creates a queue of the given capacity backed by log.
func NewQueue(capacity int, block time.Duration, log Log) *Queue {
	return &Queue{ch: make(chan *decision.FireDecision, capacity), log: log, block: block}
}

// Submit logs d and enqueues it.
func (q *Queue) Submit(ctx context.Context, d *decision.FireDecision) error {
	if err := q.log.Append(ctx, d); err != nil {
		// Without the log entry the decision could be lost; still try to run it.
		err = fmt.Errorf("append decision %s: %w", d.ID, err)
		if qerr := q.enqueue(ctx, d); qerr != nil {
			return errors.Join(err, qerr)
		}
		return err
	}
	return q.enqueue(ctx, d)
}

func (q *Queue) enqueue(ctx context.Context, d *decision.FireDecision) error {
	defer q.observe()
	select {
	case q.ch <- d:
		return nil
	default:
	}
	t := time.NewTimer(q.block)
	defer t.Stop()
	select {
	case q.ch <- d:
		return nil
	case <-t.C:
	case <-ctx.Done():
	}
	metrics.DecisionsDropped.Inc()
	return ErrDropped
}

// Len returns the number of queued decisions.
func (q *Queue) Len() int { return len(q.ch) }

// Utilization returns queue used / capacity (0–1).
func (q *Queue) Utilization() float64 {
	if cap(q.ch) == 0 {
		return 0
	}
	return float64(len(q.ch)) / float64(cap(q.ch))
}

func (q *Queue) observe() { metrics.DecisionQueueUtilization.Set(q.Utilization()) }
