package maintenance

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/queue"
	"github.com/SirClappington/jobq/internal/queue/queuetest"
)

func testConfig() Config {
	return Config{
		VisibilityTimeout:   5 * time.Minute,
		PurgeCompletedAfter: 24 * time.Hour,
		PurgeDeadAfter:      7 * 24 * time.Hour,
	}
}

func TestSweeper_RunOnce(t *testing.T) {
	ctx := context.Background()
	clock := queuetest.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := queue.NewMemoryQueue(queue.WithClock(clock.Now))

	stale, err := b.Enqueue(ctx, domain.JobCreate{JobType: "a"})
	require.NoError(t, err)
	done, err := b.Enqueue(ctx, domain.JobCreate{JobType: "a"})
	require.NoError(t, err)

	_, err = b.Dequeue(ctx, domain.DequeueOptions{})
	require.NoError(t, err)
	_, err = b.Dequeue(ctx, domain.DequeueOptions{})
	require.NoError(t, err)
	_, err = b.Complete(ctx, done.ID, nil)
	require.NoError(t, err)

	s, err := New(b, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	res, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res, "nothing is old enough yet")

	clock.Advance(25 * time.Hour)
	res, err = s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, Result{Requeued: 1, PurgedCompleted: 1}, res)
	assert.Equal(t, res, s.Last())

	j, err := b.GetJob(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, j.Status)
	_, err = b.GetJob(ctx, done.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSweeper_ZeroAgeDisablesPurge(t *testing.T) {
	ctx := context.Background()
	clock := queuetest.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	b := queue.NewMemoryQueue(queue.WithClock(clock.Now))
	j, err := b.Enqueue(ctx, domain.JobCreate{JobType: "a"})
	require.NoError(t, err)
	_, err = b.Dequeue(ctx, domain.DequeueOptions{})
	require.NoError(t, err)
	_, err = b.Complete(ctx, j.ID, nil)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.PurgeCompletedAfter = 0
	s, err := New(b, cfg, nil)
	require.NoError(t, err)

	clock.Advance(365 * 24 * time.Hour)
	res, err := s.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.PurgedCompleted)
	_, err = b.GetJob(ctx, j.ID)
	assert.NoError(t, err)
}

type brokenBackend struct {
	queue.Backend
	purgedCompleted atomic.Int32
}

func (b *brokenBackend) RequeueStaleJobs(context.Context, time.Duration) (int, error) {
	return 0, errors.New("connection reset")
}

func (b *brokenBackend) PurgeCompleted(context.Context, time.Duration) (int, error) {
	b.purgedCompleted.Add(1)
	return 2, nil
}

func (b *brokenBackend) PurgeDead(context.Context, time.Duration) (int, error) {
	return 0, errors.New("timeout")
}

func TestSweeper_RunOnceCombinesErrors(t *testing.T) {
	b := &brokenBackend{Backend: queue.NewMemoryQueue()}
	s, err := New(b, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	res, err := s.RunOnce(context.Background())
	require.Error(t, err)
	errs := multierr.Errors(err)
	require.Len(t, errs, 2)
	assert.ErrorContains(t, errs[0], "requeue stale jobs: connection reset")
	assert.ErrorContains(t, errs[1], "purge dead: timeout")
	assert.Equal(t, 2, res.PurgedCompleted, "a failing step does not stop the others")
}

type lockingBackend struct {
	queue.Backend
	free     bool
	unlocked atomic.Int32
	requeues atomic.Int32
}

func (b *lockingBackend) TryLock(context.Context, string, time.Duration) (func(), bool, error) {
	if !b.free {
		return nil, false, nil
	}
	return func() { b.unlocked.Add(1) }, true, nil
}

func (b *lockingBackend) RequeueStaleJobs(ctx context.Context, d time.Duration) (int, error) {
	b.requeues.Add(1)
	return b.Backend.RequeueStaleJobs(ctx, d)
}

func TestSweeper_ScheduledStepsTakeTheLock(t *testing.T) {
	b := &lockingBackend{Backend: queue.NewMemoryQueue()}
	s, err := New(b, testConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)

	s.locked(s.requeue)
	assert.Zero(t, b.requeues.Load(), "skipped while another process holds the lock")

	b.free = true
	s.locked(s.requeue)
	assert.Equal(t, int32(1), b.requeues.Load())
	assert.Equal(t, int32(1), b.unlocked.Load())
}

func TestSweeper_StartStop(t *testing.T) {
	b := &lockingBackend{Backend: queue.NewMemoryQueue(), free: true}
	cfg := testConfig()
	cfg.StaleSpec = "@every 1s"
	s, err := New(b, cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	s.Start()
	assert.Eventually(t, func() bool { return b.requeues.Load() > 0 }, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestNew_Rejects(t *testing.T) {
	b := queue.NewMemoryQueue()

	_, err := New(nil, testConfig(), nil)
	assert.Error(t, err)

	cfg := testConfig()
	cfg.VisibilityTimeout = 0
	_, err = New(b, cfg, nil)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.StaleSpec = "every now and then"
	_, err = New(b, cfg, nil)
	assert.ErrorContains(t, err, "stale spec")

	cfg = testConfig()
	cfg.PurgeSpec = "61 * * * *"
	_, err = New(b, cfg, nil)
	assert.ErrorContains(t, err, "purge spec")
}
