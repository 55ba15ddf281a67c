package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"

	"github.com/gyaneshwarpardhi/triggerflow/internal/action"
	"github.com/gyaneshwarpardhi/triggerflow/internal/action/automation"
	"github.com/gyaneshwarpardhi/triggerflow/internal/action/deployment"
	"github.com/gyaneshwarpardhi/triggerflow/internal/action/notification"
	"github.com/gyaneshwarpardhi/triggerflow/internal/api"
	"github.com/gyaneshwarpardhi/triggerflow/internal/config"
	"github.com/gyaneshwarpardhi/triggerflow/internal/dedup"
	"github.com/gyaneshwarpardhi/triggerflow/internal/dispatch"
	"github.com/gyaneshwarpardhi/triggerflow/internal/engine"
	"github.com/gyaneshwarpardhi/triggerflow/internal/logging"
	"github.com/gyaneshwarpardhi/triggerflow/internal/maintenance"
	"github.com/gyaneshwarpardhi/triggerflow/internal/notify"
	"github.com/gyaneshwarpardhi/triggerflow/internal/runner"
	"github.com/gyaneshwarpardhi/triggerflow/internal/store"
)

func main() {
	cfgPath := flag.String("config", "configs/triggers.yaml", "Path to trigger YAML file")
	envFile := flag.String("env", ".env", "Optional .env file")
	flag.Parse()

	if err := run(*cfgPath, *envFile); err != nil {
		slog.Error("triggerflow exited", "err", err)
		os.Exit(1)
	}
}

func run(cfgPath, envFile string) error {
	svc, err := config.LoadEnv(envFile)
	if err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	logger, err := logging.NewLogger(svc.LogFormat, svc.LogLevel, os.Stdout)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	// ── Load trigger file ────────────────────────────────────────────────────
	loader, err := config.NewLoader(cfgPath)
	if err != nil {
		return err
	}
	cfg := loader.Config()
	if err := config.Validate(cfg); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Collaborators ────────────────────────────────────────────────────────
	var (
		deduper   dedup.Deduper
		publisher notify.Publisher = &notify.Log{Logger: logger}
	)
	if svc.RedisAddress != "" {
		rdb := redis.NewClient(&redis.Options{Addr: svc.RedisAddress, Password: svc.RedisPassword, DB: svc.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", svc.RedisAddress, err)
		}
		deduper = dedup.NewRedis(rdb, "")
		publisher = notify.NewRedis(rdb, svc.NotifyChannelPrefix)
		logger.Info("redis connected", "addr", svc.RedisAddress)
	}

	var (
		decisionLog dispatch.Log = dispatch.NewMemoryLog(time.Now)
		pruner      maintenance.Pruner
	)
	if svc.StoreDriver != "" {
		db, err := store.Open(ctx, svc.StoreDriver, svc.StoreDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		decisionLog, pruner = db, db
		logger.Info("decision log opened", "driver", svc.StoreDriver)
	}

	// ── Engine + dispatcher ──────────────────────────────────────────────────
	queue := dispatch.NewQueue(cfg.Engine.DecisionQueueDepth,
		time.Duration(cfg.Engine.DecisionBlockMs)*time.Millisecond, decisionLog)

	engOpts := []engine.Option{engine.WithSink(queue), engine.WithLogger(logger)}
	if deduper != nil {
		engOpts = append(engOpts, engine.WithDeduper(deduper))
	}
	eng := engine.New(context.Background(), cfg.Engine, engOpts...)

	reg := action.NewRegistry()
	if svc.RunnerURL != "" {
		rc, err := runner.New(runner.Options{BaseURL: svc.RunnerURL, Timeout: svc.RunnerTimeout, Logger: logger})
		if err != nil {
			return err
		}
		reg.Register(deployment.NewRun(rc))
		reg.Register(deployment.NewCancel(rc))
	} else {
		logger.Warn("RUNNER_URL not set, run-deployment and cancel-flow-run actions will fail")
	}
	reg.Register(notification.New(publisher))
	reg.Register(automation.New(eng))

	dispatcher := dispatch.New(queue, reg, eng, dispatch.ConfigFrom(cfg.Engine), dispatch.WithLogger(logger))
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	defer cancelDispatch()
	dispatcher.Start(dispatchCtx)

	// ── Triggers + hot reload ────────────────────────────────────────────────
	var (
		syncMu   sync.Mutex
		lastSync engine.SyncResult
		lastErr  error
	)
	apply := func(f *config.TriggerFile) {
		syncMu.Lock()
		defer syncMu.Unlock()
		if err := config.Validate(f); err != nil {
			lastSync, lastErr = engine.SyncResult{}, err
			logger.Warn("trigger reload skipped: file invalid", "err", err)
			return
		}
		lastSync, lastErr = eng.Sync(f.Triggers, engine.SourceFile)
		if lastErr != nil {
			logger.Warn("trigger sync incomplete", "err", lastErr)
			return
		}
		logger.Info("triggers synced", "added", len(lastSync.Added), "updated", len(lastSync.Updated), "removed", len(lastSync.Removed))
	}
	apply(cfg)
	if lastErr != nil {
		return fmt.Errorf("initial triggers: %w", lastErr)
	}
	loader.OnChange(apply)
	reload := func() (engine.SyncResult, error) {
		if _, err := loader.Reload(); err != nil {
			return engine.SyncResult{}, err
		}
		syncMu.Lock()
		defer syncMu.Unlock()
		return lastSync, lastErr
	}
	stopWatch, err := loader.Watch()
	if err != nil {
		logger.Warn("trigger file watcher unavailable (hot-reload disabled)", "err", err)
	} else {
		defer stopWatch()
	}

	// ── Maintenance ──────────────────────────────────────────────────────────
	sched := maintenance.New(logger)
	if err := maintenance.Standard(sched, cfg.Engine, maintenance.Options{
		Sweeper:     eng,
		Redeliverer: dispatcher,
		Pruner:      pruner,
	}); err != nil {
		return err
	}

	// ── HTTP server ──────────────────────────────────────────────────────────
	srv := &http.Server{
		Addr: svc.HTTPAddr,
		Handler: api.New(eng, api.Options{
			Reload:       reload,
			Decisions:    queue,
			EventTimeout: time.Duration(cfg.Engine.EventTimeoutMs) * time.Millisecond,
			Logger:       logger,
		}),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting", "addr", svc.HTTPAddr, "triggers", len(eng.List()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return sched.Start(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down…")
		shutCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
	err = g.Wait()

	// ── Graceful shutdown ────────────────────────────────────────────────────
	eng.Shutdown()
	stopped := make(chan struct{})
	go func() {
		dispatcher.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(15 * time.Second):
		logger.Warn("dispatcher did not stop in time, pending decisions will be redelivered")
		cancelDispatch()
		<-stopped
	}
	logger.Info("goodbye")
	return err
}
