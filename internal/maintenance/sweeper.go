// Package maintenance runs the periodic housekeeping a queue needs: reclaiming
// leases from dead workers and purging finished jobs.
package maintenance

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/queue"
)

// lockName is shared by every sweeper on the same backend so only one sweeps at a time.
const lockName = "jobq-sweeper"

type Config struct {
	// StaleSpec and PurgeSpec are cron specs; descriptors like "@every 30s" work.
	StaleSpec string
	PurgeSpec string

	// VisibilityTimeout is how long a lease may be held before the job is requeued.
	VisibilityTimeout time.Duration
	// Zero disables the matching purge.
	PurgeCompletedAfter time.Duration
	PurgeDeadAfter      time.Duration
}

// Result counts what one sweep changed.
type Result struct {
	Requeued        int
	PurgedCompleted int
	PurgedDead      int
}

type Sweeper struct {
	backend queue.Backend
	cfg     Config
	log     *zap.Logger
	cron    *cron.Cron

	mu   sync.Mutex
	last Result
}

// New validates cfg and registers the sweep jobs. Nothing runs until Start.
func New(b queue.Backend, cfg Config, logger *zap.Logger) (*Sweeper, error) {
	if b == nil {
		return nil, errors.New("maintenance: nil backend")
	}
	if cfg.VisibilityTimeout <= 0 {
		return nil, errors.New("maintenance: visibility timeout must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cl := cronLogger{logger}
	s := &Sweeper{
		backend: b,
		cfg:     cfg,
		log:     logger,
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
	}

	if cfg.StaleSpec != "" {
		if _, err := s.cron.AddFunc(cfg.StaleSpec, func() { s.locked(s.requeue) }); err != nil {
			return nil, errors.Wrapf(err, "maintenance: stale spec %q", cfg.StaleSpec)
		}
	}
	if cfg.PurgeSpec != "" {
		if _, err := s.cron.AddFunc(cfg.PurgeSpec, func() { s.locked(s.purge) }); err != nil {
			return nil, errors.Wrapf(err, "maintenance: purge spec %q", cfg.PurgeSpec)
		}
	}
	return s, nil
}

// Start runs the schedule in the background.
func (s *Sweeper) Start() {
	s.log.Info("sweeper started",
		zap.String("stale_spec", s.cfg.StaleSpec),
		zap.String("purge_spec", s.cfg.PurgeSpec),
		zap.Duration("visibility_timeout", s.cfg.VisibilityTimeout))
	s.cron.Start()
}

// Stop halts the schedule and waits for a running sweep, or for ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("sweeper stopped")
}

// Last returns the counts of the most recent sweep.
func (s *Sweeper) Last() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// RunOnce requeues stale leases and runs both purges. Each step runs even if
// an earlier one failed; their errors are combined.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	err := s.requeue(ctx, &res)
	err = multierr.Append(err, s.purge(ctx, &res))
	s.record(res)
	return res, err
}

func (s *Sweeper) requeue(ctx context.Context, res *Result) error {
	n, err := s.backend.RequeueStaleJobs(ctx, s.cfg.VisibilityTimeout)
	res.Requeued = n
	if err != nil {
		return errors.Wrap(err, "requeue stale jobs")
	}
	if n > 0 {
		s.log.Info("requeued stale jobs", zap.Int("count", n))
	}
	return nil
}

func (s *Sweeper) purge(ctx context.Context, res *Result) error {
	var errs error
	if s.cfg.PurgeCompletedAfter > 0 {
		n, err := s.backend.PurgeCompleted(ctx, s.cfg.PurgeCompletedAfter)
		res.PurgedCompleted = n
		errs = multierr.Append(errs, errors.Wrap(err, "purge completed"))
	}
	if s.cfg.PurgeDeadAfter > 0 {
		n, err := s.backend.PurgeDead(ctx, s.cfg.PurgeDeadAfter)
		res.PurgedDead = n
		errs = multierr.Append(errs, errors.Wrap(err, "purge dead"))
	}
	if res.PurgedCompleted+res.PurgedDead > 0 {
		s.log.Info("purged finished jobs",
			zap.Int("completed", res.PurgedCompleted),
			zap.Int("dead", res.PurgedDead))
	}
	return errs
}

// locked runs step under the backend's cross-process lock when it has one.
// A sweep that loses the lock is skipped; another process is doing it.
func (s *Sweeper) locked(step func(context.Context, *Result) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.VisibilityTimeout)
	defer cancel()

	if l, ok := s.backend.(queue.Locker); ok {
		unlock, held, err := l.TryLock(ctx, lockName, s.cfg.VisibilityTimeout)
		if err != nil {
			s.log.Warn("sweeper lock failed", zap.Error(err))
			return
		}
		if !held {
			s.log.Debug("sweeper lock held elsewhere, skipping")
			return
		}
		defer unlock()
	}

	var res Result
	if err := step(ctx, &res); err != nil {
		for _, e := range multierr.Errors(err) {
			s.log.Error("sweep failed", zap.Error(e))
		}
	}
	s.record(res)
}

func (s *Sweeper) record(res Result) {
	s.mu.Lock()
	s.last = res
	s.mu.Unlock()
}

// cronLogger routes cron's own logging into zap.
type cronLogger struct{ l *zap.Logger }

func (c cronLogger) Info(msg string, kv ...interface{}) {
	c.l.Debug(msg, zap.Any("cron", kv))
}

func (c cronLogger) Error(err error, msg string, kv ...interface{}) {
	c.l.Error(msg, zap.Error(err), zap.Any("cron", kv))
}
