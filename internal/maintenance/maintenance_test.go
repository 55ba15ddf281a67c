package maintenance

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyaneshwarpardhi/triggerflow/internal/config"
)

type fakeSweeper struct{ calls atomic.Int32 }

func (f *fakeSweeper) Sweep(time.Time) int { f.calls.Add(1); return 2 }

type fakeRedeliverer struct {
	at  time.Time
	err error
}

func (f *fakeRedeliverer) Redeliver(_ context.Context, now time.Time) (int, error) {
	f.at = now
	return 1, f.err
}

type fakePruner struct{ cutoff time.Time }

func (f *fakePruner) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 3, nil
}

func TestStandard_RegistersAndRuns(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := New(nil)
	s.now = func() time.Time { return now }

	conf := config.EngineConf{}
	conf.ApplyDefaults()
	sw, rd, pr := &fakeSweeper{}, &fakeRedeliverer{}, &fakePruner{}
	require.NoError(t, Standard(s, conf, Options{Sweeper: sw, Redeliverer: rd, Pruner: pr}))
	assert.Equal(t, []string{"prune", "redeliver", "sweep"}, s.Jobs())

	require.NoError(t, s.Run("sweep"))
	require.NoError(t, s.Run("redeliver"))
	require.NoError(t, s.Run("prune"))
	assert.Equal(t, int32(1), sw.calls.Load())
	assert.Equal(t, now, rd.at)
	assert.Equal(t, now.Add(-24*time.Hour), pr.cutoff)
}

func TestStandard_SkipsMissingCollaborators(t *testing.T) {
	s := New(nil)
	conf := config.EngineConf{}
	conf.ApplyDefaults()
	require.NoError(t, Standard(s, conf, Options{Sweeper: &fakeSweeper{}}))
	assert.Equal(t, []string{"sweep"}, s.Jobs())
}

func TestScheduler_Errors(t *testing.T) {
	s := New(nil)
	assert.Error(t, s.Add("bad", "every tuesday", func(context.Context, time.Time) error { return nil }))
	require.NoError(t, s.Add("a", "@hourly", func(context.Context, time.Time) error { return nil }))
	assert.Error(t, s.Add("a", "@hourly", func(context.Context, time.Time) error { return nil }))
	assert.Error(t, s.Run("missing"))

	boom := errors.New("boom")
	require.NoError(t, s.Add("redeliver", "@hourly", RedeliverJob(&fakeRedeliverer{err: boom})))
	assert.ErrorIs(t, s.Run("redeliver"), boom)
}

func TestScheduler_StartFiresJobs(t *testing.T) {
	s := New(nil)
	sw := &fakeSweeper{}
	require.NoError(t, s.Add("sweep", "@every 1s", SweepJob(sw, s.logger)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	assert.Eventually(t, func() bool { return sw.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
