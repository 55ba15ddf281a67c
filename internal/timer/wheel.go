// Package timer implements a hashed timer wheel for Proactive deadlines.
// Scheduling and cancellation are O(1); each tick visits one slot.
package timer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrStopped is returned by Schedule after Stop or after a callback panic
// took the wheel down.
var ErrStopped = errors.New("timer wheel stopped")

// Timer is a handle to a scheduled callback.
type Timer struct {
	w        *Wheel
	at       int64 // absolute tick
	fn       func()
	slot     int
	prev     *Timer
	next     *Timer
	cancel   bool
	attached bool
}

// Stop cancels the timer. It reports whether the timer was still pending.
func (t *Timer) Stop() bool {
	if t == nil || t.w == nil {
		return false
	}
	return t.w.cancel(t)
}

// Wheel is a hashed timer wheel. Callbacks run on the goroutine calling
// Advance (or the ticker goroutine started by Start) and must not block.
type Wheel struct {
	mu      sync.Mutex
	tick    time.Duration
	slots   []list
	origin  time.Time
	current int64 // last processed tick
	pending int
	stopped bool
	err     error

	now    func() time.Time
	logger *slog.Logger
}

type list struct{ head *Timer }

// Option configures a Wheel.
type Option func(*Wheel)

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(w *Wheel) { w.now = now } }

// WithLogger sets the logger used to report callback panics.
func WithLogger(l *slog.Logger) Option { return func(w *Wheel) { w.logger = l } }

// New creates a wheel with the given tick resolution and number of slots.
func New(tick time.Duration, slots int, opts ...Option) *Wheel {
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	if slots <= 0 {
		slots = 512
	}
	w := &Wheel{
		tick:   tick,
		slots:  make([]list, slots),
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(w)
	}
	w.origin = w.now()
	return w
}

// Now returns the wheel's clock.
func (w *Wheel) Now() time.Time { return w.now() }

// Schedule runs fn at (or just after) at. Deadlines in the past fire on
// the next Advance.
func (w *Wheel) Schedule(at time.Time, fn func()) (*Timer, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		if w.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStopped, w.err)
		}
		return nil, ErrStopped
	}
	tk := w.tickOf(at)
	if tk <= w.current {
		tk = w.current + 1
	}
	t := &Timer{w: w, at: tk, fn: fn}
	w.attach(t)
	return t, nil
}

// Pending returns the number of scheduled timers.
func (w *Wheel) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending
}

// Err returns the failure that stopped the wheel, if any.
func (w *Wheel) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Healthy reports whether the wheel is accepting timers.
func (w *Wheel) Healthy() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.stopped
}

// Advance fires every timer due at or before now.
func (w *Wheel) Advance(now time.Time) {
	due := w.collect(w.tickOf(now))
	for _, t := range due {
		if !w.run(t) {
			return
		}
	}
}

// Start drives the wheel from a real ticker until ctx is cancelled or Stop
// is called.
func (w *Wheel) Start(ctx context.Context) {
	ticker := time.NewTicker(w.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-ticker.C:
			if !w.Healthy() {
				return
			}
			w.Advance(w.now())
		}
	}
}

// Stop discards all pending timers; later Schedule calls fail.
func (w *Wheel) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopped = true
	for i := range w.slots {
		for t := w.slots[i].head; t != nil; {
			next := t.next
			t.attached = false
			t.prev, t.next = nil, nil
			t = next
		}
		w.slots[i].head = nil
	}
	w.pending = 0
}

func (w *Wheel) tickOf(at time.Time) int64 {
	d := at.Sub(w.origin)
	if d < 0 {
		return 0
	}
	return int64(d / w.tick)
}

func (w *Wheel) attach(t *Timer) {
	t.slot = int(t.at % int64(len(w.slots)))
	l := &w.slots[t.slot]
	t.prev = nil
	t.next = l.head
	if l.head != nil {
		l.head.prev = t
	}
	l.head = t
	t.attached = true
	w.pending++
}

func (w *Wheel) detach(t *Timer) {
	l := &w.slots[t.slot]
	if t.prev != nil {
		t.prev.next = t.next
	} else {
		l.head = t.next
	}
	if t.next != nil {
		t.next.prev = t.prev
	}
	t.prev, t.next = nil, nil
	t.attached = false
	w.pending--
}

func (w *Wheel) cancel(t *Timer) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || !t.attached || t.cancel {
		return false
	}
	t.cancel = true
	w.detach(t)
	return true
}

// collect detaches every timer due at or before target and moves the
// wheel forward. A jump larger than the wheel scans every slot once.
func (w *Wheel) collect(target int64) []*Timer {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped || target <= w.current {
		return nil
	}
	var due []*Timer
	span := target - w.current
	if span >= int64(len(w.slots)) {
		for i := range w.slots {
			due = w.drain(&w.slots[i], target, due)
		}
	} else {
		for tk := w.current + 1; tk <= target; tk++ {
			due = w.drain(&w.slots[tk%int64(len(w.slots))], target, due)
		}
	}
	w.current = target
	return due
}

func (w *Wheel) drain(l *list, target int64, due []*Timer) []*Timer {
	for t := l.head; t != nil; {
		next := t.next
		if t.at <= target {
			w.detach(t)
			due = append(due, t)
		}
		t = next
	}
	return due
}

// run invokes one callback. A panic stops the wheel; it reports false then.
func (w *Wheel) run(t *Timer) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			w.mu.Lock()
			w.err = fmt.Errorf("timer callback panic: %v", r)
			w.mu.Unlock()
			w.logger.Error("timer wheel failed", "err", r)
			w.Stop()
			ok = false
		}
	}()
	t.fn()
	return true
}
