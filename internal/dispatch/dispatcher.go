package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/gyaneshwarpardhi/triggerflow/internal/action"
	"github.com/gyaneshwarpardhi/triggerflow/internal/config"
	"github.com/gyaneshwarpardhi/triggerflow/internal/decision"
	"github.com/gyaneshwarpardhi/triggerflow/internal/logging"
	"github.com/gyaneshwarpardhi/triggerflow/internal/metrics"
)

// VersionChecker reports whether a decision's trigger version is still live.
type VersionChecker interface {
	IsCurrent(triggerID string, version uint64) bool
}

// Config tunes delivery.
type Config struct {
	Workers          int
	MaxAttempts      int
	BackoffBase      time.Duration
	BackoffMax       time.Duration
	ActionsPerSecond float64 // 0 means unlimited
	Burst            int
	RedeliverAfter   time.Duration
}

// ConfigFrom maps the engine block of the trigger file.
func ConfigFrom(c config.EngineConf) Config {
	return Config{
		Workers:          c.DispatchWorkers,
		MaxAttempts:      c.MaxAttempts,
		BackoffBase:      time.Duration(c.BackoffBaseMs) * time.Millisecond,
		BackoffMax:       time.Duration(c.BackoffMaxMs) * time.Millisecond,
		ActionsPerSecond: c.ActionsPerSecond,
		Burst:            c.ActionBurst,
		RedeliverAfter:   time.Duration(c.RedeliverAfterMs) * time.Millisecond,
	}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithSleep replaces the backoff sleep; tests use it to avoid waiting.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = fn }
}

// Dispatcher runs the actions of fire decisions, in order, with bounded
// retries. Actions are not transactional: a failed action neither aborts
// the ones after it nor rolls back the ones before.
type Dispatcher struct {
	queue    *Queue
	log      Log
	registry *action.Registry
	checker  VersionChecker
	limiter  *rate.Limiter
	cfg      Config
	logger   *slog.Logger
	sleep    func(context.Context, time.Duration) error

	inflight sync.Map
	quit     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Dispatcher reading from q.
func New(q *Queue, reg *action.Registry, checker VersionChecker, cfg Config, opts ...Option) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	limit := rate.Inf
	if cfg.ActionsPerSecond > 0 {
		limit = rate.Limit(cfg.ActionsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	d := &Dispatcher{
		queue:    q,
		log:      q.log,
		registry: reg,
		checker:  checker,
		limiter:  rate.NewLimiter(limit, cfg.Burst),
		cfg:      cfg,
		logger:   slog.Default(),
		sleep:    sleepCtx,
		quit:     make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Start launches the workers. Work runs under ctx; Stop ends the loop
// without cancelling decisions already being delivered.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			for {
				select {
				case dec := <-d.queue.ch:
					d.queue.observe()
					d.Deliver(ctx, dec)
				case <-d.quit:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

// Stop waits for in-flight decisions to finish. Queued decisions stay
// pending in the log.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.quit) })
	d.wg.Wait()
}

// Deliver runs every action of dec unless it was already delivered, is
// being delivered by another worker, or belongs to a replaced trigger.
func (d *Dispatcher) Deliver(ctx context.Context, dec *decision.FireDecision) []*action.Result {
	if _, busy := d.inflight.LoadOrStore(dec.ID, struct{}{}); busy {
		return nil
	}
	defer d.inflight.Delete(dec.ID)

	logger := logging.WithTrigger(d.logger, dec.TriggerID).With("decision_id", dec.ID, "group_key", dec.GroupKey)
	status, err := d.log.Status(ctx, dec.ID)
	if err != nil {
		logger.Warn("decision log unavailable, delivering anyway", "err", err)
	}
	if status == StatusCompleted || status == StatusDiscarded {
		return nil
	}
	if d.checker != nil && !d.checker.IsCurrent(dec.TriggerID, dec.SpecVersion) {
		metrics.DecisionsStale.Inc()
		logger.Info("discarding decision of replaced trigger", "version", dec.SpecVersion)
		d.finish(ctx, logger, dec.ID, StatusDiscarded)
		return nil
	}

	results := make([]*action.Result, 0, len(dec.Actions))
	for i, a := range dec.Actions {
		results = append(results, d.run(ctx, logger, &action.Invocation{Decision: dec, Index: i, Action: a}))
	}
	if ctx.Err() != nil {
		// Interrupted: leave pending so redelivery finishes the job.
		return results
	}
	d.finish(ctx, logger, dec.ID, StatusCompleted)
	return results
}

func (d *Dispatcher) run(ctx context.Context, logger *slog.Logger, inv *action.Invocation) *action.Result {
	kind := inv.Action.Kind()
	logger = logger.With("action_index", inv.Index, "action_type", kind)
	fail := func(err error) *action.Result {
		metrics.ActionFailures.WithLabelValues(string(kind)).Inc()
		logger.Error("action failed", "err", err)
		return &action.Result{Index: inv.Index, Type: string(kind), Message: err.Error()}
	}

	exec, err := d.registry.Get(kind)
	if err != nil {
		return fail(err)
	}
	for attempt := 1; ; attempt++ {
		if err := d.limiter.Wait(ctx); err != nil {
			return fail(err)
		}
		start := time.Now()
		res, err := exec.Execute(ctx, inv)
		metrics.ActionDuration.WithLabelValues(string(kind)).Observe(float64(time.Since(start).Milliseconds()))
		if lerr := d.log.RecordAttempt(ctx, inv.Decision.ID, inv.Index, attempt, err); lerr != nil {
			logger.Warn("could not record attempt", "err", lerr)
		}
		if err == nil {
			metrics.ActionsExecuted.WithLabelValues(string(kind), "success").Inc()
			logger.Info("action executed", "attempt", attempt, "message", res.Message)
			return res
		}
		metrics.ActionsExecuted.WithLabelValues(string(kind), "error").Inc()
		if action.IsPermanent(err) || attempt >= d.cfg.MaxAttempts || ctx.Err() != nil {
			return fail(err)
		}
		wait := d.backoff(attempt)
		logger.Warn("action attempt failed, retrying", "attempt", attempt, "backoff", wait, "err", err)
		if err := d.sleep(ctx, wait); err != nil {
			return fail(err)
		}
	}
}

// backoff doubles from BackoffBase per attempt, capped at BackoffMax.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	wait := d.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		wait *= 2
		if d.cfg.BackoffMax > 0 && wait >= d.cfg.BackoffMax {
			return d.cfg.BackoffMax
		}
	}
	if d.cfg.BackoffMax > 0 && wait > d.cfg.BackoffMax {
		return d.cfg.BackoffMax
	}
	return wait
}

func (d *Dispatcher) finish(ctx context.Context, logger *slog.Logger, id string, status Status) {
	if err := d.log.Finish(ctx, id, status); err != nil {
		logger.Warn("could not finish decision in log", "status", status, "err", err)
	}
}

// Redeliver re-queues decisions that have been pending longer than
// RedeliverAfter, e.g. after a crash or a dropped handoff.
func (d *Dispatcher) Redeliver(ctx context.Context, now time.Time) (int, error) {
	pending, err := d.log.Pending(ctx, now.Add(-d.cfg.RedeliverAfter), cap(d.queue.ch))
	if err != nil {
		return 0, err
	}
	n := 0
	for _, dec := range pending {
		if _, busy := d.inflight.Load(dec.ID); busy {
			continue
		}
		if err := d.queue.enqueue(ctx, dec); err != nil {
			break
		}
		metrics.DecisionsRedelivered.Inc()
		n++
	}
	if n > 0 {
		d.logger.Info("redelivered pending decisions", "count", n)
	}
	return n, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
