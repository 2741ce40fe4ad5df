package queue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
)

// MemoryQueue is the single-process reference backend. State is lost on restart.
//
// Pending ids live in a heap ordered by (priority desc, created_at asc, id asc).
// Entries are never removed in place: a job that leaves pending keeps its entry
// until a dequeue pops and discards it, so HeapLen may exceed the pending count.
// entrySeq holds the seq of the newest entry per id; older ones are stale.
type MemoryQueue struct {
	opts Options

	mu            sync.Mutex
	jobs          map[string]*domain.Job
	byCorrelation map[string]string
	pending       pendingHeap
	entrySeq      map[string]uint64
	seq           uint64
}

var _ Backend = (*MemoryQueue)(nil)

func NewMemoryQueue(opts ...Option) *MemoryQueue {
	return &MemoryQueue{
		opts:          BuildOptions(opts...),
		jobs:          make(map[string]*domain.Job),
		byCorrelation: make(map[string]string),
		entrySeq:      make(map[string]uint64),
	}
}

func (q *MemoryQueue) Init(context.Context) error { return nil }

func (q *MemoryQueue) Close() error { return nil }

func (q *MemoryQueue) Enqueue(ctx context.Context, c domain.JobCreate) (*domain.Job, error) {
	jobs, err := q.EnqueueBatch(ctx, []domain.JobCreate{c})
	if err != nil {
		return nil, err
	}
	return jobs[0], nil
}

// EnqueueBatch checks every correlation id before inserting anything, under one lock.
func (q *MemoryQueue) EnqueueBatch(_ context.Context, items []domain.JobCreate) ([]*domain.Job, error) {
	if err := domain.CheckBatch(items); err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, c := range items {
		if c.CorrelationID == nil {
			continue
		}
		if existing, ok := q.byCorrelation[*c.CorrelationID]; ok {
			return nil, &domain.ConflictError{CorrelationID: *c.CorrelationID, ExistingID: existing}
		}
	}

	now := q.opts.Now()
	out := make([]*domain.Job, 0, len(items))
	for _, c := range items {
		job := domain.NewJob(c, now, q.opts.Policy.MaxRetries)
		q.jobs[job.ID] = job
		if job.CorrelationID != nil {
			q.byCorrelation[*job.CorrelationID] = job.ID
		}
		q.pushLocked(job)
		out = append(out, job.Clone())
		q.opts.Logger.Debug("enqueued job", zap.String("job_id", job.ID), zap.String("job_type", job.JobType))
	}
	return out, nil
}

func (q *MemoryQueue) Dequeue(_ context.Context, opts domain.DequeueOptions) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	var skipped []heapEntry
	defer func() {
		for _, e := range skipped {
			heap.Push(&q.pending, e)
		}
	}()

	for q.pending.Len() > 0 {
		e := heap.Pop(&q.pending).(heapEntry)
		job, ok := q.jobs[e.id]
		if !ok || job.Status != domain.Pending || e.seq != q.entrySeq[e.id] {
			// stale entry
			continue
		}
		if !job.Eligible(now, opts.JobTypes) {
			skipped = append(skipped, e)
			continue
		}
		worker := q.opts.Worker(opts)
		job.Lease(now, worker)
		q.opts.Logger.Debug("dequeued job", zap.String("job_id", job.ID), zap.String("worker_id", worker))
		return job.Clone(), nil
	}
	return nil, nil
}

func (q *MemoryQueue) DequeueBatch(ctx context.Context, count int, opts domain.DequeueOptions) ([]*domain.Job, error) {
	return dequeueBatch(ctx, q, count, opts)
}

func (q *MemoryQueue) Complete(_ context.Context, id string, result map[string]any) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.leasedLocked(id)
	if err != nil {
		return nil, err
	}
	job.Finish(q.opts.Now(), result)
	q.opts.Logger.Debug("completed job", zap.String("job_id", id))
	return job.Clone(), nil
}

func (q *MemoryQueue) Fail(_ context.Context, id, errMsg, errType string) (*domain.FailedJobInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.leasedLocked(id)
	if err != nil {
		return nil, err
	}
	info := job.RecordFailure(q.opts.Now(), errMsg, errType, q.opts.Policy.Delay)
	if info.WillRetry {
		q.pushLocked(job)
		q.opts.Logger.Debug("job scheduled for retry", zap.String("job_id", id), zap.Timep("next_retry_at", info.NextRetryAt))
	} else {
		q.opts.Logger.Debug("job dead-lettered", zap.String("job_id", id), zap.Int("retry_count", job.RetryCount))
	}
	return info, nil
}

func (q *MemoryQueue) Release(_ context.Context, id string) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, err := q.leasedLocked(id)
	if err != nil {
		return nil, err
	}
	job.Unlock(q.opts.Now())
	q.pushLocked(job)
	q.opts.Logger.Debug("released job", zap.String("job_id", id))
	return job.Clone(), nil
}

func (q *MemoryQueue) GetJob(_ context.Context, id string) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return job.Clone(), nil
}

func (q *MemoryQueue) GetJobByCorrelationID(ctx context.Context, cid string) (*domain.Job, error) {
	q.mu.Lock()
	id, ok := q.byCorrelation[cid]
	q.mu.Unlock()
	if !ok {
		return nil, domain.ErrNotFound
	}
	return q.GetJob(ctx, id)
}

func (q *MemoryQueue) UpdateJob(_ context.Context, id string, u domain.JobUpdate) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	wasPending := job.Status == domain.Pending
	if err := job.Apply(u, q.opts.Now()); err != nil {
		return nil, err
	}
	if job.Status == domain.Pending && !wasPending {
		q.pushLocked(job)
	}
	return job.Clone(), nil
}

func (q *MemoryQueue) DeleteJob(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.deleteLocked(id) {
		return domain.ErrNotFound
	}
	return nil
}

func (q *MemoryQueue) ListJobs(_ context.Context, f domain.ListFilter) ([]*domain.Job, error) {
	f = f.Normalize()

	q.mu.Lock()
	matched := make([]*domain.Job, 0)
	for _, j := range q.jobs {
		if f.Matches(j) {
			matched = append(matched, j.Clone())
		}
	}
	q.mu.Unlock()

	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.After(matched[b].CreatedAt)
		}
		return matched[a].ID > matched[b].ID
	})
	if f.Offset >= len(matched) {
		return []*domain.Job{}, nil
	}
	end := min(f.Offset+f.Limit, len(matched))
	return matched[f.Offset:end], nil
}

func (q *MemoryQueue) RequeueStaleJobs(_ context.Context, threshold time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.opts.Now()
	cutoff := now.Add(-threshold)
	n := 0
	for _, job := range q.jobs {
		if job.Status != domain.Processing || job.LockedAt == nil || !job.LockedAt.Before(cutoff) {
			continue
		}
		job.Unlock(now)
		q.pushLocked(job)
		n++
	}
	if n > 0 {
		q.opts.Logger.Info("requeued stale jobs", zap.Int("count", n))
	}
	return n, nil
}

func (q *MemoryQueue) PurgeCompleted(_ context.Context, olderThan time.Duration) (int, error) {
	return q.purge(domain.Completed, olderThan), nil
}

func (q *MemoryQueue) PurgeDead(_ context.Context, olderThan time.Duration) (int, error) {
	return q.purge(domain.Dead, olderThan), nil
}

func (q *MemoryQueue) purge(status domain.Status, olderThan time.Duration) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := q.opts.Now().Add(-olderThan)
	n := 0
	for id, job := range q.jobs {
		if job.Status == status && job.CompletedAt != nil && job.CompletedAt.Before(cutoff) {
			q.deleteLocked(id)
			n++
		}
	}
	if n > 0 {
		q.opts.Logger.Info("purged jobs", zap.String("status", string(status)), zap.Int("count", n))
	}
	return n
}

func (q *MemoryQueue) Stats(context.Context) (*domain.Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	acc := domain.StatsAccumulator{Now: q.opts.Now()}
	for _, j := range q.jobs {
		acc.Observe(j)
	}
	return acc.Stats(), nil
}

func (q *MemoryQueue) HealthCheck(context.Context) bool { return true }

// HeapLen reports the number of heap entries, stale ones included.
func (q *MemoryQueue) HeapLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

func (q *MemoryQueue) leasedLocked(id string) (*domain.Job, error) {
	job, ok := q.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if err := domain.RequireProcessing(job); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *MemoryQueue) deleteLocked(id string) bool {
	job, ok := q.jobs[id]
	if !ok {
		return false
	}
	delete(q.jobs, id)
	delete(q.entrySeq, id)
	if job.CorrelationID != nil && q.byCorrelation[*job.CorrelationID] == id {
		delete(q.byCorrelation, *job.CorrelationID)
	}
	return true
}

// pushLocked adds a fresh heap entry for a pending job. Older entries for the
// same id become stale because their seq no longer matches.
func (q *MemoryQueue) pushLocked(job *domain.Job) {
	q.seq++
	q.entrySeq[job.ID] = q.seq
	heap.Push(&q.pending, heapEntry{
		id:        job.ID,
		priority:  job.Priority,
		createdAt: job.CreatedAt,
		seq:       q.seq,
	})
}

type heapEntry struct {
	id        string
	priority  int
	createdAt time.Time
	seq       uint64
}

type pendingHeap []heapEntry

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	if !h[i].createdAt.Equal(h[j].createdAt) {
		return h[i].createdAt.Before(h[j].createdAt)
	}
	return h[i].id < h[j].id
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x any) { *h = append(*h, x.(heapEntry)) }

func (h *pendingHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}
