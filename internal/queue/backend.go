// Package queue defines the job queue contract and its in-process and Redis backends.
//
// Every backend hands a pending job to exactly one caller of Dequeue at a time.
// Delivery is at-least-once: a lease that outlives the stale threshold passed to
// RequeueStaleJobs is reclaimed even if its worker is merely slow, so handlers
// must tolerate running the same job twice.
package queue

import (
	"context"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/retry"
)

// Backend is the operation contract shared by all storage substrates.
type Backend interface {
	// Init prepares the backend (connect, migrate). Safe to call more than once.
	Init(ctx context.Context) error
	Close() error

	Enqueue(ctx context.Context, job domain.JobCreate) (*domain.Job, error)
	// EnqueueBatch is all-or-nothing: on error no job of the batch is visible.
	EnqueueBatch(ctx context.Context, jobs []domain.JobCreate) ([]*domain.Job, error)

	// Dequeue leases the best eligible job, or returns nil, nil when there is none.
	Dequeue(ctx context.Context, opts domain.DequeueOptions) (*domain.Job, error)
	DequeueBatch(ctx context.Context, count int, opts domain.DequeueOptions) ([]*domain.Job, error)

	Complete(ctx context.Context, jobID string, result map[string]any) (*domain.Job, error)
	Fail(ctx context.Context, jobID, errMsg, errType string) (*domain.FailedJobInfo, error)
	Release(ctx context.Context, jobID string) (*domain.Job, error)

	GetJob(ctx context.Context, jobID string) (*domain.Job, error)
	GetJobByCorrelationID(ctx context.Context, correlationID string) (*domain.Job, error)
	UpdateJob(ctx context.Context, jobID string, update domain.JobUpdate) (*domain.Job, error)
	DeleteJob(ctx context.Context, jobID string) error
	ListJobs(ctx context.Context, filter domain.ListFilter) ([]*domain.Job, error)

	RequeueStaleJobs(ctx context.Context, threshold time.Duration) (int, error)
	PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error)
	PurgeDead(ctx context.Context, olderThan time.Duration) (int, error)

	Stats(ctx context.Context) (*domain.Stats, error)
	HealthCheck(ctx context.Context) bool
}

// Locker is implemented by backends shared between processes. TryLock returns
// ok=false without error when another holder has the lock.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// Options is the configuration every backend shares.
type Options struct {
	Policy   retry.Policy
	WorkerID string
	Clock    func() time.Time
	Logger   *zap.Logger
}

type Option func(*Options)

func WithRetryPolicy(p retry.Policy) Option {
	return func(o *Options) { o.Policy = p }
}

// WithWorkerID sets the lease holder used when DequeueOptions.WorkerID is empty.
func WithWorkerID(id string) Option {
	return func(o *Options) { o.WorkerID = id }
}

// WithClock replaces time.Now. All lease, schedule and age decisions use it.
func WithClock(fn func() time.Time) Option {
	return func(o *Options) { o.Clock = fn }
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// BuildOptions applies opts over the defaults.
func BuildOptions(opts ...Option) Options {
	o := Options{
		Policy:   retry.Default(),
		WorkerID: DefaultWorkerID(),
		Clock:    time.Now,
		Logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Now returns the clock reading in UTC.
func (o Options) Now() time.Time { return o.Clock().UTC() }

// Worker resolves the lease holder for a dequeue call.
func (o Options) Worker(opts domain.DequeueOptions) string {
	if opts.WorkerID != "" {
		return opts.WorkerID
	}
	return o.WorkerID
}

// DefaultWorkerID is hostname-pid.
func DefaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// dequeueBatch repeats a single dequeue up to count times.
func dequeueBatch(ctx context.Context, b Backend, count int, opts domain.DequeueOptions) ([]*domain.Job, error) {
	jobs := make([]*domain.Job, 0, max(count, 0))
	for i := 0; i < count; i++ {
		job, err := b.Dequeue(ctx, opts)
		if err != nil {
			return jobs, err
		}
		if job == nil {
			break
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}
