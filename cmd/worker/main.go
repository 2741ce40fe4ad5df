package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/jobq/internal/config"
	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/factory"
	"github.com/SirClappington/jobq/internal/logging"
	"github.com/SirClappington/jobq/internal/metrics"
	"github.com/SirClappington/jobq/internal/server"
	"github.com/SirClappington/jobq/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "worker:", err)
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

	reg := server.NewRegistry()
	wm, err := metrics.NewWorkerMetrics(reg)
	if err != nil {
		return err
	}

	pool := &worker.Pool{
		Backend:      backend,
		Handlers:     demoHandlers(),
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Queue.PollInterval,
		WorkerID:     cfg.Queue.WorkerID,
		Observer:     wm,
		Logger:       log.Named("worker"),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return server.Serve(gctx, cfg.MetricsAddr, server.MetricsHandler(reg), log) })
	err = g.Wait()
	log.Info("worker exiting", zap.Int("processed", pool.Processed()), zap.Error(err))
	return err
}

// demoHandlers echo their payload, sleep for payload["seconds"], or always fail.
func demoHandlers() map[string]worker.Handler {
	return map[string]worker.Handler{
		"echo": func(_ context.Context, j *domain.Job) (map[string]any, error) {
			return map[string]any{"echo": j.Payload}, nil
		},
		"sleep": func(ctx context.Context, j *domain.Job) (map[string]any, error) {
			secs, _ := j.Payload["seconds"].(float64)
			t := time.NewTimer(time.Duration(secs * float64(time.Second)))
			defer t.Stop()
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-t.C:
				return map[string]any{"slept": secs}, nil
			}
		},
		"fail": func(_ context.Context, j *domain.Job) (map[string]any, error) {
			msg, _ := j.Payload["message"].(string)
			if msg == "" {
				msg = "requested failure"
			}
			return nil, errors.New(msg)
		},
	}
}
