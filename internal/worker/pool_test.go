package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/queue"
	"github.com/SirClappington/jobq/internal/retry"
)

type recorder struct {
	mu   sync.Mutex
	seen map[Outcome]int
}

func (r *recorder) JobFinished(_ string, o Outcome, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.seen == nil {
		r.seen = map[Outcome]int{}
	}
	r.seen[o]++
}

func (r *recorder) count(o Outcome) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seen[o]
}

func newBackend(maxRetries int) *queue.MemoryQueue {
	return queue.NewMemoryQueue(queue.WithRetryPolicy(retry.Policy{
		MaxRetries: maxRetries,
		BaseDelay:  time.Hour,
		MaxDelay:   time.Hour,
	}))
}

func enqueue(t *testing.T, b queue.Backend, jobType string, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		j, err := b.Enqueue(context.Background(), domain.JobCreate{
			JobType: jobType,
			Payload: map[string]any{"n": i},
		})
		require.NoError(t, err)
		ids = append(ids, j.ID)
	}
	return ids
}

func TestPool_CompletesJobs(t *testing.T) {
	b := newBackend(3)
	ids := enqueue(t, b, "echo", 10)
	rec := &recorder{}

	p := &Pool{
		Backend: b,
		Handlers: map[string]Handler{
			"echo": func(_ context.Context, j *domain.Job) (map[string]any, error) {
				return map[string]any{"echo": j.Payload["n"]}, nil
			},
		},
		Concurrency: 4,
		WorkerID:    "pool-test",
		StopOnEmpty: true,
		Observer:    rec,
		Logger:      zaptest.NewLogger(t),
	}
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, 10, p.Processed())
	assert.Equal(t, 10, rec.count(Completed))
	for _, id := range ids {
		j, err := b.GetJob(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.Completed, j.Status)
		assert.Contains(t, j.Result, "echo")
	}
}

func TestPool_OnlyLeasesRegisteredTypes(t *testing.T) {
	b := newBackend(3)
	enqueue(t, b, "echo", 2)
	other := enqueue(t, b, "other", 1)

	p := &Pool{
		Backend: b,
		Handlers: map[string]Handler{
			"echo": func(context.Context, *domain.Job) (map[string]any, error) { return nil, nil },
		},
		StopOnEmpty: true,
	}
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, 2, p.Processed())
	j, err := b.GetJob(context.Background(), other[0])
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, j.Status)
}

type boom struct{}

func (boom) Error() string { return "boom" }

func TestPool_FailureRetriesThenDeadLetters(t *testing.T) {
	b := newBackend(1)
	ids := enqueue(t, b, "fail", 1)
	rec := &recorder{}

	p := &Pool{
		Backend: b,
		Handlers: map[string]Handler{
			"fail": func(context.Context, *domain.Job) (map[string]any, error) {
				return nil, errors.Wrap(boom{}, "calling upstream")
			},
		},
		StopOnEmpty: true,
		Observer:    rec,
	}
	require.NoError(t, p.Run(context.Background()))

	j, err := b.GetJob(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.Dead, j.Status)
	assert.Equal(t, "calling upstream: boom", *j.ErrorMessage)
	assert.Equal(t, 1, rec.count(Dead))
}

func TestPool_RetryReschedules(t *testing.T) {
	b := newBackend(3)
	ids := enqueue(t, b, "fail", 1)
	rec := &recorder{}

	p := &Pool{
		Backend: b,
		Handlers: map[string]Handler{
			"fail": func(context.Context, *domain.Job) (map[string]any, error) { return nil, boom{} },
		},
		StopOnEmpty: true,
		Observer:    rec,
	}
	require.NoError(t, p.Run(context.Background()))

	// the one-hour backoff keeps the job out of reach for the rest of the run
	assert.Equal(t, 1, p.Processed())
	assert.Equal(t, 1, rec.count(Retried))
	j, err := b.GetJob(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, j.Status)
	assert.Equal(t, 1, j.RetryCount)
	require.NotNil(t, j.ScheduledAt)
}

func TestPool_PanicBecomesFailure(t *testing.T) {
	b := newBackend(0)
	ids := enqueue(t, b, "panics", 1)

	p := &Pool{
		Backend: b,
		Handlers: map[string]Handler{
			"panics": func(context.Context, *domain.Job) (map[string]any, error) { panic("nil map") },
		},
		StopOnEmpty: true,
	}
	require.NoError(t, p.Run(context.Background()))

	j, err := b.GetJob(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.Dead, j.Status)
	assert.Contains(t, *j.ErrorMessage, "nil map")
}

func TestPool_MaxJobs(t *testing.T) {
	b := newBackend(3)
	enqueue(t, b, "echo", 5)

	p := &Pool{
		Backend: b,
		Handlers: map[string]Handler{
			"echo": func(context.Context, *domain.Job) (map[string]any, error) { return nil, nil },
		},
		Concurrency: 3,
		MaxJobs:     2,
	}
	require.NoError(t, p.Run(context.Background()))

	assert.Equal(t, 2, p.Processed())
	st, err := b.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, st.Completed)
	assert.Equal(t, 3, st.Pending)
}

func TestPool_ShutdownReleasesInFlightJob(t *testing.T) {
	b := newBackend(3)
	ids := enqueue(t, b, "slow", 1)
	started := make(chan struct{})
	rec := &recorder{}

	p := &Pool{
		Backend: b,
		Handlers: map[string]Handler{
			"slow": func(ctx context.Context, _ *domain.Job) (map[string]any, error) {
				close(started)
				<-ctx.Done()
				return nil, ctx.Err()
			},
		},
		PollInterval: 10 * time.Millisecond,
		Observer:     rec,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never started")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}

	j, err := b.GetJob(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, j.Status)
	assert.Zero(t, j.RetryCount)
	assert.Nil(t, j.LockedBy)
	assert.Equal(t, 1, rec.count(Released))
}

func TestPool_PollsUntilWorkArrives(t *testing.T) {
	b := newBackend(3)
	var handled atomic.Int32
	got := make(chan struct{})

	p := &Pool{
		Backend: b,
		Handlers: map[string]Handler{
			"echo": func(context.Context, *domain.Job) (map[string]any, error) {
				if handled.Add(1) == 1 {
					close(got)
				}
				return nil, nil
			},
		},
		PollInterval: 5 * time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	enqueue(t, b, "echo", 1)

	select {
	case <-got:
	case <-time.After(5 * time.Second):
		t.Fatal("job never picked up")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestPool_RunValidates(t *testing.T) {
	assert.Error(t, (&Pool{}).Run(context.Background()))
	assert.Error(t, (&Pool{Backend: newBackend(1)}).Run(context.Background()))
}

func TestErrorType(t *testing.T) {
	assert.Equal(t, "worker.boom", ErrorType(errors.Wrap(boom{}, "ctx")))
	assert.Equal(t, "*worker.PanicError", ErrorType(&PanicError{Value: 1}))
}
