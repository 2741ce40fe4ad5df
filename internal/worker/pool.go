// Package worker runs job handlers against a queue backend.
package worker

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/queue"
)

// finishTimeout bounds the Complete/Fail/Release call made after a handler returns.
// It runs on a context detached from shutdown so the outcome is still recorded.
const finishTimeout = 10 * time.Second

// Handler processes one leased job. A nil error completes the job with result.
type Handler func(ctx context.Context, job *domain.Job) (map[string]any, error)

type Outcome string

const (
	Completed Outcome = "completed"
	Retried   Outcome = "retried"
	Dead      Outcome = "dead"
	Released  Outcome = "released"
	// Lost means the outcome could not be written; the lease will go stale.
	Lost Outcome = "lost"
)

// Observer is told about every job a pool finishes.
type Observer interface {
	JobFinished(jobType string, outcome Outcome, took time.Duration)
}

// PanicError wraps a value recovered from a handler.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string { return fmt.Sprintf("handler panic: %v", e.Value) }

// Pool leases jobs for the registered job types and runs their handlers.
type Pool struct {
	Backend  queue.Backend
	Handlers map[string]Handler

	// Concurrency is the number of dequeue loops. Zero means one.
	Concurrency  int
	PollInterval time.Duration
	// WorkerID is recorded as the lease holder. Empty leaves the backend default.
	WorkerID string

	// MaxJobs stops the pool after that many jobs were handled. Zero is unlimited.
	MaxJobs int
	// StopOnEmpty ends a loop the first time the queue has nothing for it.
	StopOnEmpty bool

	Observer Observer
	Logger   *zap.Logger

	claimed   atomic.Int64
	processed atomic.Int64
}

// Processed returns how many jobs the pool handled so far, whatever the outcome.
func (p *Pool) Processed() int { return int(p.processed.Load()) }

// Run blocks until ctx is cancelled, MaxJobs is reached, or every loop
// stopped on an empty queue. Cancellation is a clean stop and returns nil.
func (p *Pool) Run(ctx context.Context) error {
	if p.Backend == nil {
		return errors.New("worker: nil backend")
	}
	if len(p.Handlers) == 0 {
		return errors.New("worker: no handlers registered")
	}
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}
	n := p.Concurrency
	if n < 1 {
		n = 1
	}
	types := make([]string, 0, len(p.Handlers))
	for t := range p.Handlers {
		types = append(types, t)
	}
	sort.Strings(types)

	log.Info("worker pool starting",
		zap.Int("concurrency", n),
		zap.Strings("job_types", types),
		zap.String("worker_id", p.WorkerID))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		l := log.With(zap.Int("loop", i))
		g.Go(func() error { return p.loop(gctx, types, l) })
	}
	err := g.Wait()
	log.Info("worker pool stopped", zap.Int("processed", p.Processed()))
	return err
}

func (p *Pool) loop(ctx context.Context, types []string, log *zap.Logger) error {
	opts := domain.DequeueOptions{JobTypes: types, WorkerID: p.WorkerID}
	for ctx.Err() == nil {
		if !p.reserve() {
			return nil
		}
		job, err := p.Backend.Dequeue(ctx, opts)
		if err != nil || job == nil {
			p.claimed.Add(-1)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				log.Warn("dequeue failed", zap.Error(err))
			} else if p.StopOnEmpty {
				return nil
			}
			if !p.wait(ctx) {
				return nil
			}
			continue
		}
		p.process(ctx, job, log)
	}
	return nil
}

// reserve takes one slot of the MaxJobs budget.
func (p *Pool) reserve() bool {
	if p.MaxJobs <= 0 {
		return true
	}
	if p.claimed.Add(1) > int64(p.MaxJobs) {
		p.claimed.Add(-1)
		return false
	}
	return true
}

func (p *Pool) wait(ctx context.Context) bool {
	d := p.PollInterval
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (p *Pool) process(ctx context.Context, job *domain.Job, log *zap.Logger) {
	log = log.With(zap.String("job_id", job.ID), zap.String("job_type", job.JobType))
	start := time.Now()

	result, herr := p.call(ctx, job)

	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	var outcome Outcome
	switch {
	case herr != nil && ctx.Err() != nil:
		outcome = Released
		if _, err := p.Backend.Release(fctx, job.ID); err != nil {
			log.Error("release on shutdown failed", zap.Error(err))
			outcome = Lost
		}
	case herr == nil:
		outcome = Completed
		if _, err := p.Backend.Complete(fctx, job.ID, result); err != nil {
			log.Error("complete failed", zap.Error(err))
			outcome = Lost
		}
	default:
		info, err := p.Backend.Fail(fctx, job.ID, herr.Error(), ErrorType(herr))
		switch {
		case err != nil:
			log.Error("fail failed", zap.Error(err), zap.NamedError("handler_error", herr))
			outcome = Lost
		case info.WillRetry:
			outcome = Retried
			log.Warn("job failed, will retry",
				zap.Error(herr),
				zap.Int("attempt", info.Attempt),
				zap.Timep("next_retry_at", info.NextRetryAt))
		default:
			outcome = Dead
			log.Error("job dead", zap.Error(herr), zap.Int("attempt", info.Attempt))
		}
	}

	took := time.Since(start)
	p.processed.Add(1)
	if p.Observer != nil {
		p.Observer.JobFinished(job.JobType, outcome, took)
	}
	log.Debug("job finished", zap.String("outcome", string(outcome)), zap.Duration("took", took))
}

func (p *Pool) call(ctx context.Context, job *domain.Job) (result map[string]any, err error) {
	h, ok := p.Handlers[job.JobType]
	if !ok {
		return nil, errors.Errorf("no handler for job type %q", job.JobType)
	}
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return h(ctx, job)
}

// ErrorType names the concrete type behind err, looking through pkg/errors wrapping.
func ErrorType(err error) string {
	return fmt.Sprintf("%T", errors.Cause(err))
}
