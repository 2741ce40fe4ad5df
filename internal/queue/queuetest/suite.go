package queuetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/queue"
	"github.com/SirClappington/jobq/internal/retry"
)

// Factory returns an empty backend built with opts. It registers its own cleanup.
type Factory func(t *testing.T, opts ...queue.Option) queue.Backend

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const unknownID = "00000000-0000-7000-8000-000000000000"

// Policy is the retry policy the suite runs under: 3 retries, 1s doubling, no jitter.
func Policy() retry.Policy {
	return retry.Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: time.Minute, Exponential: true}
}

type harness struct {
	t     *testing.T
	ctx   context.Context
	clock *Clock
	b     queue.Backend
}

func setup(t *testing.T, newBackend Factory) *harness {
	t.Helper()
	clock := NewClock(epoch)
	b := newBackend(t,
		queue.WithClock(clock.Now),
		queue.WithRetryPolicy(Policy()),
		queue.WithWorkerID("suite-worker"),
	)
	ctx := context.Background()
	require.NoError(t, b.Init(ctx))
	return &harness{t: t, ctx: ctx, clock: clock, b: b}
}

func (h *harness) enqueue(c domain.JobCreate) *domain.Job {
	h.t.Helper()
	j, err := h.b.Enqueue(h.ctx, c)
	require.NoError(h.t, err)
	return j
}

func (h *harness) dequeue(types ...string) *domain.Job {
	h.t.Helper()
	j, err := h.b.Dequeue(h.ctx, domain.DequeueOptions{JobTypes: types})
	require.NoError(h.t, err)
	return j
}

func (h *harness) get(id string) *domain.Job {
	h.t.Helper()
	j, err := h.b.GetJob(h.ctx, id)
	require.NoError(h.t, err)
	return j
}

func (h *harness) count() int {
	h.t.Helper()
	jobs, err := h.b.ListJobs(h.ctx, domain.ListFilter{Limit: 1000})
	require.NoError(h.t, err)
	return len(jobs)
}

func ptr[T any](v T) *T { return &v }

func sameTime(t *testing.T, want time.Time, got *time.Time) {
	t.Helper()
	require.NotNil(t, got)
	assert.WithinDuration(t, want, *got, time.Millisecond)
}

// Run exercises newBackend against the shared queue behaviour.
func Run(t *testing.T, newBackend Factory) {
	tests := []struct {
		name string
		fn   func(*testing.T, *harness)
	}{
		{"EnqueueAndGet", testEnqueueAndGet},
		{"PriorityOrder", testPriorityOrder},
		{"FIFOWithinPriority", testFIFOWithinPriority},
		{"DelayedJobNotEligible", testDelayedJobNotEligible},
		{"SubMillisecondSchedule", testSubMillisecondSchedule},
		{"JobTypeFilter", testJobTypeFilter},
		{"ConcurrentDequeueIsExclusive", testConcurrentDequeue},
		{"CorrelationConflict", testCorrelationConflict},
		{"BatchIsAllOrNothing", testBatchAllOrNothing},
		{"RetryUntilDead", testRetryUntilDead},
		{"Complete", testComplete},
		{"Release", testRelease},
		{"RequeueStaleJobs", testRequeueStale},
		{"UpdateAndDelete", testUpdateAndDelete},
		{"ListJobs", testListJobs},
		{"Purge", testPurge},
		{"Stats", testStats},
		{"DequeueBatch", testDequeueBatch},
		{"UnknownJob", testUnknownJob},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, setup(t, newBackend))
		})
	}
}

func testEnqueueAndGet(t *testing.T, h *harness) {
	j := h.enqueue(domain.JobCreate{
		JobType:       "email",
		Payload:       map[string]any{"to": "a@example.com"},
		Priority:      5,
		CorrelationID: ptr("order-1"),
		Metadata:      map[string]any{"source": "test"},
	})

	assert.NotEmpty(t, j.ID)
	assert.Equal(t, domain.Pending, j.Status)
	assert.Equal(t, Policy().MaxRetries, j.MaxRetries)

	got := h.get(j.ID)
	assert.Equal(t, "email", got.JobType)
	assert.Equal(t, "a@example.com", got.Payload["to"])
	assert.Equal(t, 5, got.Priority)
	assert.Equal(t, "order-1", *got.CorrelationID)
	assert.Equal(t, "test", got.Metadata["source"])
	assert.Zero(t, got.RetryCount)
	assert.WithinDuration(t, epoch, got.CreatedAt, time.Millisecond)
	assert.Nil(t, got.LockedAt)

	byCID, err := h.b.GetJobByCorrelationID(h.ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, j.ID, byCID.ID)

	assert.True(t, h.b.HealthCheck(h.ctx))
}

func testPriorityOrder(t *testing.T, h *harness) {
	low := h.enqueue(domain.JobCreate{JobType: "x", Priority: -5})
	high := h.enqueue(domain.JobCreate{JobType: "x", Priority: 10})
	mid := h.enqueue(domain.JobCreate{JobType: "x"})

	for _, want := range []*domain.Job{high, mid, low} {
		got := h.dequeue()
		require.NotNil(t, got)
		assert.Equal(t, want.ID, got.ID)
	}
	assert.Nil(t, h.dequeue())
}

func testFIFOWithinPriority(t *testing.T, h *harness) {
	var want []string
	for i := 0; i < 3; i++ {
		want = append(want, h.enqueue(domain.JobCreate{JobType: "x"}).ID)
	}
	h.clock.Advance(time.Second)
	want = append(want, h.enqueue(domain.JobCreate{JobType: "x"}).ID)

	for _, id := range want {
		got := h.dequeue()
		require.NotNil(t, got)
		assert.Equal(t, id, got.ID)
	}
}

func testDelayedJobNotEligible(t *testing.T, h *harness) {
	at := epoch.Add(time.Minute)
	j := h.enqueue(domain.JobCreate{JobType: "x", Priority: 50, ScheduledAt: &at})
	now := h.enqueue(domain.JobCreate{JobType: "x"})

	got := h.dequeue()
	require.NotNil(t, got)
	assert.Equal(t, now.ID, got.ID, "a future job never beats an eligible one")
	assert.Nil(t, h.dequeue())

	h.clock.Advance(time.Minute)
	got = h.dequeue()
	require.NotNil(t, got)
	assert.Equal(t, j.ID, got.ID)
}

func testSubMillisecondSchedule(t *testing.T, h *harness) {
	h.clock.Advance(100 * time.Microsecond)
	at := epoch.Add(900 * time.Microsecond)
	j := h.enqueue(domain.JobCreate{JobType: "x", ScheduledAt: &at})

	assert.Nil(t, h.dequeue(), "due later within the same millisecond")
	h.clock.Advance(700 * time.Microsecond)
	assert.Nil(t, h.dequeue())

	h.clock.Advance(time.Millisecond)
	got := h.dequeue()
	require.NotNil(t, got)
	assert.Equal(t, j.ID, got.ID)
}

func testJobTypeFilter(t *testing.T, h *harness) {
	h.enqueue(domain.JobCreate{JobType: "email", Priority: 10})
	sms := h.enqueue(domain.JobCreate{JobType: "sms"})

	got := h.dequeue("sms", "push")
	require.NotNil(t, got)
	assert.Equal(t, sms.ID, got.ID)
	assert.Nil(t, h.dequeue("sms"))

	got = h.dequeue()
	require.NotNil(t, got)
	assert.Equal(t, "email", got.JobType)
}

func testConcurrentDequeue(t *testing.T, h *harness) {
	const jobs, workers = 40, 8
	for i := 0; i < jobs; i++ {
		h.enqueue(domain.JobCreate{JobType: "x", Priority: i % 3})
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]string)
		dup  []string
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		worker := string(rune('a' + w))
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := h.b.Dequeue(h.ctx, domain.DequeueOptions{WorkerID: worker})
				if err != nil || j == nil {
					return
				}
				mu.Lock()
				if _, ok := seen[j.ID]; ok {
					dup = append(dup, j.ID)
				}
				seen[j.ID] = worker
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Empty(t, dup)
	assert.Len(t, seen, jobs)
	for id, worker := range seen {
		j := h.get(id)
		assert.Equal(t, domain.Processing, j.Status)
		require.NotNil(t, j.LockedBy)
		assert.Equal(t, worker, *j.LockedBy)
	}
}

func testCorrelationConflict(t *testing.T, h *harness) {
	first := h.enqueue(domain.JobCreate{JobType: "x", CorrelationID: ptr("dup")})

	_, err := h.b.Enqueue(h.ctx, domain.JobCreate{JobType: "y", CorrelationID: ptr("dup")})
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrConflict))
	var ce *domain.ConflictError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "dup", ce.CorrelationID)

	assert.Equal(t, 1, h.count())
	got, err := h.b.GetJobByCorrelationID(h.ctx, "dup")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func testBatchAllOrNothing(t *testing.T, h *harness) {
	h.enqueue(domain.JobCreate{JobType: "x", CorrelationID: ptr("taken")})

	_, err := h.b.EnqueueBatch(h.ctx, []domain.JobCreate{
		{JobType: "a"},
		{JobType: "b", CorrelationID: ptr("taken")},
	})
	assert.True(t, errors.Is(err, domain.ErrConflict))
	assert.Equal(t, 1, h.count())

	_, err = h.b.EnqueueBatch(h.ctx, []domain.JobCreate{
		{JobType: "a", CorrelationID: ptr("twice")},
		{JobType: "b", CorrelationID: ptr("twice")},
	})
	assert.True(t, errors.Is(err, domain.ErrConflict))

	_, err = h.b.EnqueueBatch(h.ctx, []domain.JobCreate{{JobType: "a"}, {JobType: ""}})
	assert.True(t, errors.Is(err, domain.ErrInvalidJob))
	assert.Equal(t, 1, h.count())

	jobs, err := h.b.EnqueueBatch(h.ctx, []domain.JobCreate{
		{JobType: "a"}, {JobType: "b"}, {JobType: "c", CorrelationID: ptr("free")},
	})
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	assert.Equal(t, "a", jobs[0].JobType)
	assert.Equal(t, "c", jobs[2].JobType)
	assert.Equal(t, 4, h.count())
}

func testRetryUntilDead(t *testing.T, h *harness) {
	j := h.enqueue(domain.JobCreate{JobType: "x", MaxRetries: ptr(2)})

	require.NotNil(t, h.dequeue())
	info, err := h.b.Fail(h.ctx, j.ID, "boom", "timeout")
	require.NoError(t, err)
	assert.True(t, info.WillRetry)
	assert.Equal(t, 1, info.Attempt)
	assert.Equal(t, "timeout", info.ErrorType)
	sameTime(t, epoch.Add(time.Second), info.NextRetryAt)

	got := h.get(j.ID)
	assert.Equal(t, domain.Pending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.LockedBy)
	assert.Nil(t, h.dequeue(), "retry waits for its backoff")

	h.clock.Advance(time.Second)
	require.NotNil(t, h.dequeue())
	info, err = h.b.Fail(h.ctx, j.ID, "boom again", "")
	require.NoError(t, err)
	assert.False(t, info.WillRetry)
	assert.Nil(t, info.NextRetryAt)

	got = h.get(j.ID)
	assert.Equal(t, domain.Dead, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, "boom again", *got.ErrorMessage)
	sameTime(t, epoch.Add(time.Second), got.CompletedAt)

	h.clock.Advance(time.Hour)
	assert.Nil(t, h.dequeue())

	_, err = h.b.Fail(h.ctx, j.ID, "late", "")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	var se *domain.StateError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, domain.Dead, se.Status)
}

func testComplete(t *testing.T, h *harness) {
	j := h.enqueue(domain.JobCreate{JobType: "x"})
	leased := h.dequeue()
	require.NotNil(t, leased)
	sameTime(t, epoch, leased.StartedAt)
	assert.Equal(t, "suite-worker", *leased.LockedBy)

	h.clock.Advance(3 * time.Second)
	done, err := h.b.Complete(h.ctx, j.ID, map[string]any{"ok": true})
	require.NoError(t, err)
	assert.Equal(t, domain.Completed, done.Status)
	assert.Equal(t, true, done.Result["ok"])
	sameTime(t, epoch.Add(3*time.Second), done.CompletedAt)
	assert.Nil(t, done.LockedAt)
	assert.Nil(t, done.LockedBy)

	_, err = h.b.Complete(h.ctx, j.ID, nil)
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	pending := h.enqueue(domain.JobCreate{JobType: "x"})
	_, err = h.b.Complete(h.ctx, pending.ID, nil)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Equal(t, domain.Pending, h.get(pending.ID).Status)
}

func testRelease(t *testing.T, h *harness) {
	j := h.enqueue(domain.JobCreate{JobType: "x"})
	require.NotNil(t, h.dequeue())

	released, err := h.b.Release(h.ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Pending, released.Status)
	assert.Zero(t, released.RetryCount)
	assert.Nil(t, released.LockedAt)
	assert.Nil(t, released.StartedAt)

	again := h.dequeue()
	require.NotNil(t, again)
	assert.Equal(t, j.ID, again.ID)

	_, err = h.b.Release(h.ctx, unknownID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func testRequeueStale(t *testing.T, h *harness) {
	stale := h.enqueue(domain.JobCreate{JobType: "x", Priority: 1})
	require.NotNil(t, h.dequeue())

	h.clock.Advance(10 * time.Minute)
	fresh := h.enqueue(domain.JobCreate{JobType: "x"})
	require.NotNil(t, h.dequeue())

	n, err := h.b.RequeueStaleJobs(h.ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := h.get(stale.ID)
	assert.Equal(t, domain.Pending, got.Status)
	assert.Nil(t, got.LockedBy)
	assert.Zero(t, got.RetryCount)
	assert.Equal(t, domain.Processing, h.get(fresh.ID).Status)

	again := h.dequeue()
	require.NotNil(t, again)
	assert.Equal(t, stale.ID, again.ID)

	n, err = h.b.RequeueStaleJobs(h.ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testUpdateAndDelete(t *testing.T, h *harness) {
	j := h.enqueue(domain.JobCreate{JobType: "x", CorrelationID: ptr("cid")})

	h.clock.Advance(time.Second)
	updated, err := h.b.UpdateJob(h.ctx, j.ID, domain.JobUpdate{Metadata: map[string]any{"note": "hi"}})
	require.NoError(t, err)
	assert.Equal(t, "hi", updated.Metadata["note"])
	assert.WithinDuration(t, epoch.Add(time.Second), updated.UpdatedAt, time.Millisecond)

	_, err = h.b.UpdateJob(h.ctx, j.ID, domain.JobUpdate{Status: ptr(domain.Processing)})
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
	assert.Equal(t, domain.Pending, h.get(j.ID).Status)

	_, err = h.b.UpdateJob(h.ctx, j.ID, domain.JobUpdate{Status: ptr(domain.Dead), ErrorMessage: ptr("cancelled")})
	require.NoError(t, err)
	assert.Nil(t, h.dequeue())

	_, err = h.b.UpdateJob(h.ctx, j.ID, domain.JobUpdate{Status: ptr(domain.Pending)})
	require.NoError(t, err)
	got := h.dequeue()
	require.NotNil(t, got)
	assert.Equal(t, j.ID, got.ID)

	require.NoError(t, h.b.DeleteJob(h.ctx, j.ID))
	_, err = h.b.GetJob(h.ctx, j.ID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.True(t, errors.Is(h.b.DeleteJob(h.ctx, j.ID), domain.ErrNotFound))
	_, err = h.b.UpdateJob(h.ctx, j.ID, domain.JobUpdate{})
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	h.enqueue(domain.JobCreate{JobType: "x", CorrelationID: ptr("cid")})
}

func testListJobs(t *testing.T, h *harness) {
	var ids []string
	for i, typ := range []string{"a", "b", "a", "a"} {
		h.clock.Advance(time.Second)
		ids = append(ids, h.enqueue(domain.JobCreate{JobType: typ, Priority: i}).ID)
	}
	require.NotNil(t, h.dequeue())

	all, err := h.b.ListJobs(h.ctx, domain.ListFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, ids[3], all[0].ID, "newest first")
	assert.Equal(t, ids[0], all[3].ID)

	onlyA, err := h.b.ListJobs(h.ctx, domain.ListFilter{JobType: "a", Status: ptr(domain.Pending)})
	require.NoError(t, err)
	require.Len(t, onlyA, 2)
	assert.Equal(t, ids[2], onlyA[0].ID)

	page, err := h.b.ListJobs(h.ctx, domain.ListFilter{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)
	assert.Equal(t, ids[1], page[1].ID)

	empty, err := h.b.ListJobs(h.ctx, domain.ListFilter{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func testPurge(t *testing.T, h *harness) {
	done := h.enqueue(domain.JobCreate{JobType: "x", Priority: 2})
	dead := h.enqueue(domain.JobCreate{JobType: "x", Priority: 1, MaxRetries: ptr(0)})
	keep := h.enqueue(domain.JobCreate{JobType: "x"})

	require.NotNil(t, h.dequeue())
	_, err := h.b.Complete(h.ctx, done.ID, nil)
	require.NoError(t, err)
	require.NotNil(t, h.dequeue())
	info, err := h.b.Fail(h.ctx, dead.ID, "boom", "")
	require.NoError(t, err)
	require.False(t, info.WillRetry)

	n, err := h.b.PurgeCompleted(h.ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n, "too young")

	h.clock.Advance(2 * time.Hour)
	n, err = h.b.PurgeCompleted(h.ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = h.b.PurgeDead(h.ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, 1, h.count())
	assert.Equal(t, domain.Pending, h.get(keep.ID).Status)
}

func testStats(t *testing.T, h *harness) {
	s, err := h.b.Stats(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, s.Total)

	a := h.enqueue(domain.JobCreate{JobType: "x", Priority: 1})
	h.enqueue(domain.JobCreate{JobType: "x"})
	require.NotNil(t, h.dequeue())
	h.clock.Advance(4 * time.Second)
	_, err = h.b.Complete(h.ctx, a.ID, nil)
	require.NoError(t, err)
	h.enqueue(domain.JobCreate{JobType: "x"})

	s, err = h.b.Stats(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.Pending)
	assert.Equal(t, 1, s.Completed)
	assert.Zero(t, s.Processing)
	assert.InDelta(t, (4 * time.Second).Seconds(), s.AvgProcessingTime.Seconds(), 0.01)
	assert.InDelta(t, (4 * time.Second).Seconds(), s.OldestPendingAge.Seconds(), 0.01)
}

func testDequeueBatch(t *testing.T, h *harness) {
	for i := 0; i < 5; i++ {
		h.enqueue(domain.JobCreate{JobType: "x"})
	}

	first, err := h.b.DequeueBatch(h.ctx, 3, domain.DequeueOptions{})
	require.NoError(t, err)
	assert.Len(t, first, 3)

	rest, err := h.b.DequeueBatch(h.ctx, 3, domain.DequeueOptions{})
	require.NoError(t, err)
	assert.Len(t, rest, 2)

	seen := make(map[string]bool)
	for _, j := range append(first, rest...) {
		assert.False(t, seen[j.ID])
		seen[j.ID] = true
		assert.Equal(t, domain.Processing, j.Status)
	}

	none, err := h.b.DequeueBatch(h.ctx, 3, domain.DequeueOptions{})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testUnknownJob(t *testing.T, h *harness) {
	_, err := h.b.GetJob(h.ctx, unknownID)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = h.b.GetJobByCorrelationID(h.ctx, "nope")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	_, err = h.b.Fail(h.ctx, unknownID, "x", "")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
