package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/config"
	"github.com/SirClappington/jobq/internal/factory"
	"github.com/SirClappington/jobq/internal/logging"
	"github.com/SirClappington/jobq/internal/maintenance"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "scheduler:", err)
		os.Exit(1)
	}
}

func run() (err error) {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := factory.New(ctx, cfg.Queue, log)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, backend.Close()) }()

	sw, err := maintenance.New(backend, maintenance.Config{
		StaleSpec:           cfg.Sweep.StaleSpec,
		PurgeSpec:           cfg.Sweep.PurgeSpec,
		VisibilityTimeout:   cfg.Queue.VisibilityTimeout,
		PurgeCompletedAfter: cfg.Sweep.PurgeCompletedAfter,
		PurgeDeadAfter:      cfg.Sweep.PurgeDeadAfter,
	}, log.Named("sweeper"))
	if err != nil {
		return err
	}

	// one pass up front so a restart does not wait a full interval
	if res, err := sw.RunOnce(ctx); err != nil {
		log.Warn("initial sweep", zap.Error(err))
	} else {
		log.Info("initial sweep", zap.Int("requeued", res.Requeued),
			zap.Int("purged_completed", res.PurgedCompleted), zap.Int("purged_dead", res.PurgedDead))
	}

	sw.Start()
	<-ctx.Done()

	sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sw.Stop(sctx)
	return nil
}
