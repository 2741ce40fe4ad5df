package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/jobq/internal/api"
	"github.com/SirClappington/jobq/internal/config"
	"github.com/SirClappington/jobq/internal/factory"
	"github.com/SirClappington/jobq/internal/logging"
	"github.com/SirClappington/jobq/internal/metrics"
	"github.com/SirClappington/jobq/internal/server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "api:", err)
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

	reg := server.NewRegistry(metrics.NewStatsCollector(backend, log))

	rtr := chi.NewRouter()
	rtr.Mount("/", api.NewRouter(backend, log.Named("http")))
	rtr.Handle("/metrics", server.MetricsHandler(reg))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Serve(gctx, cfg.APIAddr, rtr, log) })
	err = g.Wait()
	log.Info("api exiting", zap.Error(err))
	return err
}
