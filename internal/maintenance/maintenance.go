// Package maintenance runs the periodic housekeeping jobs: idle group and
// dedup eviction, redelivery of pending decisions and decision log pruning.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gyaneshwarpardhi/triggerflow/internal/config"
)

// Job is one unit of housekeeping. It receives the scheduler's clock reading.
type Job func(ctx context.Context, now time.Time) error

// Sweeper evicts idle group state.
type Sweeper interface {
	Sweep(now time.Time) int
}

// Redeliverer re-queues stale pending decisions.
type Redeliverer interface {
	Redeliver(ctx context.Context, now time.Time) (int, error)
}

// Pruner deletes finished decisions older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler runs named jobs on cron schedules. Runs of the same job never
// overlap.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
	now    func() time.Time

	mu   sync.Mutex
	ctx  context.Context
	jobs map[string]Job
}

// New creates an idle Scheduler. Schedules use the standard five-field
// syntax plus descriptors such as "@every 30s" and "@hourly".
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	cl := cronLogger{logger}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger: logger,
		now:    time.Now,
		ctx:    context.Background(),
		jobs:   make(map[string]Job),
	}
}

// Add registers job under name on schedule.
func (s *Scheduler) Add(name, schedule string, job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("maintenance job %q already registered", name)
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.Run(name) }); err != nil {
		return fmt.Errorf("maintenance job %q: invalid schedule %q: %w", name, schedule, err)
	}
	s.jobs[name] = job
	return nil
}

// Jobs returns the registered job names, sorted.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Run executes the named job once, now.
func (s *Scheduler) Run(name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	ctx := s.ctx
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("maintenance job %q not found", name)
	}
	start := time.Now()
	err := job(ctx, s.now())
	if err != nil {
		s.logger.Warn("maintenance job failed", "job", name, "err", err)
		return err
	}
	s.logger.Debug("maintenance job done", "job", name, "duration", time.Since(start))
	return nil
}

// Start runs the schedule until ctx is cancelled, then waits for running
// jobs to return.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

// SweepJob evicts idle group state and expired dedup keys.
func SweepJob(sw Sweeper, logger *slog.Logger) Job {
	return func(_ context.Context, now time.Time) error {
		if n := sw.Sweep(now); n > 0 {
			logger.Info("evicted idle groups", "count", n)
		}
		return nil
	}
}

// RedeliverJob re-queues decisions left pending.
func RedeliverJob(r Redeliverer) Job {
	return func(ctx context.Context, now time.Time) error {
		_, err := r.Redeliver(ctx, now)
		return err
	}
}

// PruneJob deletes finished decisions older than retention.
func PruneJob(p Pruner, retention time.Duration, logger *slog.Logger) Job {
	return func(ctx context.Context, now time.Time) error {
		n, err := p.Prune(ctx, now.Add(-retention))
		if err != nil {
			return err
		}
		if n > 0 {
			logger.Info("pruned finished decisions", "count", n)
		}
		return nil
	}
}

// Options bundles the collaborators of the standard job set.
type Options struct {
	Sweeper     Sweeper
	Redeliverer Redeliverer
	Pruner      Pruner // optional
}

// Standard registers the sweep, redeliver and (when a Pruner is given)
// prune jobs on the schedules of conf.
func Standard(s *Scheduler, conf config.EngineConf, o Options) error {
	if o.Sweeper != nil {
		if err := s.Add("sweep", conf.SweepSchedule, SweepJob(o.Sweeper, s.logger)); err != nil {
			return err
		}
	}
	if o.Redeliverer != nil {
		if err := s.Add("redeliver", conf.RedeliverSchedule, RedeliverJob(o.Redeliverer)); err != nil {
			return err
		}
	}
	if o.Pruner != nil {
		retention := time.Duration(conf.RetentionHours) * time.Hour
		if err := s.Add("prune", conf.PruneSchedule, PruneJob(o.Pruner, retention, s.logger)); err != nil {
			return err
		}
	}
	return nil
}

// cronLogger routes cron's own logging through slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
