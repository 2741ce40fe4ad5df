package queue

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
)

// RedisOptions tunes key layout and the dequeue scan.
type RedisOptions struct {
	KeyPrefix string
	// ScanWindow is how many pending ids one dequeue step inspects.
	ScanWindow int
	// MaxScan bounds the pending ids inspected per dequeue when a type filter skips most of them.
	MaxScan int
	// PromoteBatch bounds how many due delayed jobs move to pending per dequeue.
	PromoteBatch int
}

func (o RedisOptions) withDefaults() RedisOptions {
	if o.KeyPrefix == "" {
		o.KeyPrefix = "jobq"
	}
	if o.ScanWindow <= 0 {
		o.ScanWindow = 10
	}
	if o.MaxScan <= 0 {
		o.MaxScan = 1000
	}
	if o.PromoteBatch <= 0 {
		o.PromoteBatch = 200
	}
	return o
}

// RedisQueue keeps each job in a hash and tracks it in sorted sets:
//
//	<prefix>:job:<id>      hash with every job field
//	<prefix>:pending       eligible jobs, scored so lower means dequeued first
//	<prefix>:delay         pending jobs with a future scheduled_at, scored by run time
//	<prefix>:processing    leased jobs, scored by locked_at
//	<prefix>:jobs          every job, scored by created_at
//	<prefix>:cid:<cid>     correlation id -> job id
type RedisQueue struct {
	rdb  *r.Client
	ro   RedisOptions
	opts Options
}

var (
	_ Backend = (*RedisQueue)(nil)
	_ Locker  = (*RedisQueue)(nil)
)

// maxTxAttempts bounds optimistic retries on a watched key.
const maxTxAttempts = 16

func NewRedisQueue(rdb *r.Client, ro RedisOptions, opts ...Option) *RedisQueue {
	return &RedisQueue{rdb: rdb, ro: ro.withDefaults(), opts: BuildOptions(opts...)}
}

// NewRedisQueueFromURL parses a redis:// or rediss:// url into a client.
func NewRedisQueueFromURL(url string, ro RedisOptions, opts ...Option) (*RedisQueue, error) {
	o, err := r.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "redis: parse url")
	}
	return NewRedisQueue(r.NewClient(o), ro, opts...), nil
}

func (q *RedisQueue) key(parts ...string) string {
	k := q.ro.KeyPrefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *RedisQueue) jobKey(id string) string { return q.key("job", id) }
func (q *RedisQueue) cidKey(cid string) string { return q.key("cid", cid) }

func (q *RedisQueue) Init(ctx context.Context) error {
	if err := q.rdb.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis: ping")
	}
	return nil
}

func (q *RedisQueue) Close() error { return q.rdb.Close() }

func (q *RedisQueue) HealthCheck(ctx context.Context) bool {
	return q.rdb.Ping(ctx).Err() == nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, c domain.JobCreate) (*domain.Job, error) {
	jobs, err := q.EnqueueBatch(ctx, []domain.JobCreate{c})
	if err != nil {
		return nil, err
	}
	return jobs[0], nil
}

// EnqueueBatch watches every correlation key so a concurrent claim of one of
// them aborts the whole MULTI.
func (q *RedisQueue) EnqueueBatch(ctx context.Context, items []domain.JobCreate) ([]*domain.Job, error) {
	if err := domain.CheckBatch(items); err != nil {
		return nil, err
	}

	var cidKeys []string
	for _, c := range items {
		if c.CorrelationID != nil {
			cidKeys = append(cidKeys, q.cidKey(*c.CorrelationID))
		}
	}

	var out []*domain.Job
	txf := func(tx *r.Tx) error {
		for _, c := range items {
			if c.CorrelationID == nil {
				continue
			}
			existing, err := tx.Get(ctx, q.cidKey(*c.CorrelationID)).Result()
			if err == nil {
				return &domain.ConflictError{CorrelationID: *c.CorrelationID, ExistingID: existing}
			}
			if err != r.Nil {
				return errors.Wrap(err, "redis: get correlation id")
			}
		}

		now := q.opts.Now()
		out = make([]*domain.Job, 0, len(items))
		for _, c := range items {
			out = append(out, domain.NewJob(c, now, q.opts.Policy.MaxRetries))
		}
		_, err := tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
			for _, job := range out {
				if err := q.writeJob(ctx, pipe, job, now); err != nil {
					return err
				}
				if job.CorrelationID != nil {
					pipe.Set(ctx, q.cidKey(*job.CorrelationID), job.ID, 0)
				}
			}
			return nil
		})
		return err
	}

	if err := q.watch(ctx, txf, cidKeys...); err != nil {
		return nil, err
	}
	for _, job := range out {
		q.opts.Logger.Debug("enqueued job", zap.String("job_id", job.ID), zap.String("job_type", job.JobType))
	}
	return out, nil
}

// promoteDue moves delayed jobs whose run time has come into pending.
var promoteDue = r.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  local score = redis.call('HGET', ARGV[3] .. id, 'score')
  if score then
    redis.call('ZADD', KEYS[2], score, id)
  end
end
return #ids
`)

// claimJob leases one pending id. It returns 0 when another caller won it.
var claimJob = r.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
  return 0
end
if redis.call('HGET', KEYS[3], 'status') ~= 'pending' then
  return 0
end
redis.call('HSET', KEYS[3], 'status', 'processing', 'started_at', ARGV[2], 'locked_at', ARGV[2], 'locked_by', ARGV[4], 'updated_at', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
return 1
`)

// MoveDue promotes every delayed job due at now, PromoteBatch per round trip.
// All due jobs must reach pending before a dequeue ranks them by priority.
func (q *RedisQueue) MoveDue(ctx context.Context, now time.Time) (int, error) {
	total := 0
	for {
		n, err := promoteDue.Run(ctx, q.rdb,
			[]string{q.key("delay"), q.key("pending")},
			now.UnixMilli(), q.ro.PromoteBatch, q.key("job")+":",
		).Int()
		if err != nil {
			return total, errors.Wrap(err, "redis: promote due jobs")
		}
		total += n
		if n < q.ro.PromoteBatch {
			return total, nil
		}
	}
}

func (q *RedisQueue) Dequeue(ctx context.Context, opts domain.DequeueOptions) (*domain.Job, error) {
	now := q.opts.Now()
	if _, err := q.MoveDue(ctx, now); err != nil {
		return nil, err
	}
	worker := q.opts.Worker(opts)
	stamp := formatTime(now)

	// Every candidate leaves pending whether we win it or not, so only ids the
	// type filter passed over shift the next window.
	skip := 0
	for inspected := 0; inspected < q.ro.MaxScan; {
		ids, err := q.rdb.ZRange(ctx, q.key("pending"), int64(skip), int64(skip+q.ro.ScanWindow-1)).Result()
		if err != nil {
			return nil, errors.Wrap(err, "redis: scan pending")
		}
		if len(ids) == 0 {
			return nil, nil
		}
		inspected += len(ids)
		candidates, err := q.filterTypes(ctx, ids, opts.JobTypes)
		if err != nil {
			return nil, err
		}
		skip += len(ids) - len(candidates)
		for _, id := range candidates {
			won, err := claimJob.Run(ctx, q.rdb,
				[]string{q.key("pending"), q.key("processing"), q.jobKey(id)},
				id, stamp, now.UnixMilli(), worker,
			).Int()
			if err != nil {
				return nil, errors.Wrap(err, "redis: claim job")
			}
			if won == 0 {
				continue
			}
			job, err := q.load(ctx, q.rdb, id)
			if err != nil {
				return nil, err
			}
			q.opts.Logger.Debug("dequeued job", zap.String("job_id", id), zap.String("worker_id", worker))
			return job, nil
		}
		if len(ids) < q.ro.ScanWindow {
			return nil, nil
		}
	}
	return nil, nil
}

func (q *RedisQueue) filterTypes(ctx context.Context, ids, types []string) ([]string, error) {
	if len(types) == 0 {
		return ids, nil
	}
	cmds := make([]*r.StringCmd, len(ids))
	_, err := q.rdb.Pipelined(ctx, func(pipe r.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGet(ctx, q.jobKey(id), "job_type")
		}
		return nil
	})
	if err != nil && err != r.Nil {
		return nil, errors.Wrap(err, "redis: read job types")
	}
	out := ids[:0:0]
	for i, cmd := range cmds {
		if t, err := cmd.Result(); err == nil && domain.MatchesType(t, types) {
			out = append(out, ids[i])
		}
	}
	return out, nil
}

func (q *RedisQueue) DequeueBatch(ctx context.Context, count int, opts domain.DequeueOptions) ([]*domain.Job, error) {
	return dequeueBatch(ctx, q, count, opts)
}

func (q *RedisQueue) Complete(ctx context.Context, id string, result map[string]any) (*domain.Job, error) {
	now := q.opts.Now()
	job, err := q.mutate(ctx, id, now, func(j *domain.Job) error {
		if err := domain.RequireProcessing(j); err != nil {
			return err
		}
		j.Finish(now, result)
		return nil
	})
	if err != nil {
		return nil, err
	}
	q.opts.Logger.Debug("completed job", zap.String("job_id", id))
	return job, nil
}

func (q *RedisQueue) Fail(ctx context.Context, id, errMsg, errType string) (*domain.FailedJobInfo, error) {
	now := q.opts.Now()
	var info *domain.FailedJobInfo
	job, err := q.mutate(ctx, id, now, func(j *domain.Job) error {
		if err := domain.RequireProcessing(j); err != nil {
			return err
		}
		info = j.RecordFailure(now, errMsg, errType, q.opts.Policy.Delay)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if info.WillRetry {
		q.opts.Logger.Debug("job scheduled for retry", zap.String("job_id", id), zap.Timep("next_retry_at", info.NextRetryAt))
	} else {
		q.opts.Logger.Debug("job dead-lettered", zap.String("job_id", id), zap.Int("retry_count", job.RetryCount))
	}
	return info, nil
}

func (q *RedisQueue) Release(ctx context.Context, id string) (*domain.Job, error) {
	now := q.opts.Now()
	return q.mutate(ctx, id, now, func(j *domain.Job) error {
		if err := domain.RequireProcessing(j); err != nil {
			return err
		}
		j.Unlock(now)
		return nil
	})
}

func (q *RedisQueue) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	return q.load(ctx, q.rdb, id)
}

func (q *RedisQueue) GetJobByCorrelationID(ctx context.Context, cid string) (*domain.Job, error) {
	id, err := q.rdb.Get(ctx, q.cidKey(cid)).Result()
	if err == r.Nil {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis: get correlation id")
	}
	return q.load(ctx, q.rdb, id)
}

func (q *RedisQueue) UpdateJob(ctx context.Context, id string, u domain.JobUpdate) (*domain.Job, error) {
	now := q.opts.Now()
	return q.mutate(ctx, id, now, func(j *domain.Job) error {
		return j.Apply(u, now)
	})
}

func (q *RedisQueue) DeleteJob(ctx context.Context, id string) error {
	key := q.jobKey(id)
	return q.watch(ctx, func(tx *r.Tx) error {
		job, err := q.load(ctx, tx, id)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
			q.removeJob(ctx, pipe, job)
			return nil
		})
		return err
	}, key)
}

func (q *RedisQueue) ListJobs(ctx context.Context, f domain.ListFilter) ([]*domain.Job, error) {
	f = f.Normalize()
	var matched []*domain.Job
	err := q.each(ctx, func(j *domain.Job) {
		if f.Matches(j) {
			matched = append(matched, j)
		}
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].CreatedAt.Equal(matched[b].CreatedAt) {
			return matched[a].CreatedAt.After(matched[b].CreatedAt)
		}
		return matched[a].ID > matched[b].ID
	})
	if f.Offset >= len(matched) {
		return []*domain.Job{}, nil
	}
	return matched[f.Offset:min(f.Offset+f.Limit, len(matched))], nil
}

func (q *RedisQueue) RequeueStaleJobs(ctx context.Context, threshold time.Duration) (int, error) {
	now := q.opts.Now()
	cutoff := now.Add(-threshold)
	ids, err := q.rdb.ZRangeByScore(ctx, q.key("processing"), &r.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(cutoff.UnixMilli()+1, 10),
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, "redis: scan processing")
	}

	n := 0
	for _, id := range ids {
		requeued := false
		_, err := q.mutate(ctx, id, now, func(j *domain.Job) error {
			if j.Status != domain.Processing || j.LockedAt == nil || !j.LockedAt.Before(cutoff) {
				return errSkip
			}
			j.Unlock(now)
			requeued = true
			return nil
		})
		if err != nil && !errors.Is(err, errSkip) && !errors.Is(err, domain.ErrNotFound) {
			return n, err
		}
		if requeued {
			n++
		}
	}
	if n > 0 {
		q.opts.Logger.Info("requeued stale jobs", zap.Int("count", n))
	}
	return n, nil
}

func (q *RedisQueue) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	return q.purge(ctx, domain.Completed, olderThan)
}

func (q *RedisQueue) PurgeDead(ctx context.Context, olderThan time.Duration) (int, error) {
	return q.purge(ctx, domain.Dead, olderThan)
}

func (q *RedisQueue) purge(ctx context.Context, status domain.Status, olderThan time.Duration) (int, error) {
	cutoff := q.opts.Now().Add(-olderThan)
	expired := func(j *domain.Job) bool {
		return j.Status == status && j.CompletedAt != nil && j.CompletedAt.Before(cutoff)
	}
	var victims []string
	err := q.each(ctx, func(j *domain.Job) {
		if expired(j) {
			victims = append(victims, j.ID)
		}
	})
	if err != nil {
		return 0, err
	}

	purged, err := q.removeExpired(ctx, victims, expired)
	if purged > 0 {
		q.opts.Logger.Info("purged jobs", zap.String("status", string(status)), zap.Int("count", purged))
	}
	return purged, err
}

// removeExpired deletes each id that still satisfies expired when re-read under WATCH.
// A job revived or deleted since the scan is left alone.
func (q *RedisQueue) removeExpired(ctx context.Context, ids []string, expired func(*domain.Job) bool) (int, error) {
	purged := 0
	for _, id := range ids {
		err := q.watch(ctx, func(tx *r.Tx) error {
			j, err := q.load(ctx, tx, id)
			if err != nil {
				return err
			}
			if !expired(j) {
				return errSkip
			}
			_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
				q.removeJob(ctx, pipe, j)
				return nil
			})
			return err
		}, q.jobKey(id))
		switch {
		case err == nil:
			purged++
		case errors.Is(err, errSkip), errors.Is(err, domain.ErrNotFound):
		default:
			return purged, errors.Wrap(err, "redis: purge")
		}
	}
	return purged, nil
}

func (q *RedisQueue) Stats(ctx context.Context) (*domain.Stats, error) {
	acc := domain.StatsAccumulator{Now: q.opts.Now()}
	if err := q.each(ctx, acc.Observe); err != nil {
		return nil, err
	}
	return acc.Stats(), nil
}

var errSkip = errors.New("skip")

func (q *RedisQueue) watch(ctx context.Context, fn func(*r.Tx) error, keys ...string) error {
	for i := 0; i < maxTxAttempts; i++ {
		err := q.rdb.Watch(ctx, fn, keys...)
		if err == r.TxFailedErr {
			continue
		}
		return err
	}
	return errors.Errorf("redis: gave up after %d contended transactions", maxTxAttempts)
}

// mutate loads a job under WATCH, applies fn and writes it back with its set
// memberships, retrying when another client touched the hash meanwhile.
func (q *RedisQueue) mutate(ctx context.Context, id string, now time.Time, fn func(*domain.Job) error) (*domain.Job, error) {
	var out *domain.Job
	err := q.watch(ctx, func(tx *r.Tx) error {
		job, err := q.load(ctx, tx, id)
		if err != nil {
			return err
		}
		if err := fn(job); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe r.Pipeliner) error {
			return q.writeJob(ctx, pipe, job, now)
		})
		out = job
		return err
	}, q.jobKey(id))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// writeJob replaces the job hash and moves the id into the set matching its status.
func (q *RedisQueue) writeJob(ctx context.Context, pipe r.Pipeliner, j *domain.Job, now time.Time) error {
	fields, err := encodeJob(j)
	if err != nil {
		return err
	}
	key := q.jobKey(j.ID)
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, fields)
	pipe.ZAdd(ctx, q.key("jobs"), r.Z{Score: float64(j.CreatedAt.UnixMilli()), Member: j.ID})
	pipe.ZRem(ctx, q.key("pending"), j.ID)
	pipe.ZRem(ctx, q.key("delay"), j.ID)
	pipe.ZRem(ctx, q.key("processing"), j.ID)

	switch j.Status {
	case domain.Pending:
		if j.ScheduledAt != nil && j.ScheduledAt.After(now) {
			pipe.ZAdd(ctx, q.key("delay"), r.Z{Score: delayScore(*j.ScheduledAt), Member: j.ID})
		} else {
			pipe.ZAdd(ctx, q.key("pending"), r.Z{Score: pendingScore(j), Member: j.ID})
		}
	case domain.Processing:
		if j.LockedAt != nil {
			pipe.ZAdd(ctx, q.key("processing"), r.Z{Score: float64(j.LockedAt.UnixMilli()), Member: j.ID})
		}
	}
	return nil
}

func (q *RedisQueue) removeJob(ctx context.Context, pipe r.Pipeliner, j *domain.Job) {
	pipe.Del(ctx, q.jobKey(j.ID))
	for _, set := range []string{"jobs", "pending", "delay", "processing"} {
		pipe.ZRem(ctx, q.key(set), j.ID)
	}
	if j.CorrelationID != nil {
		pipe.Del(ctx, q.cidKey(*j.CorrelationID))
	}
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *r.MapStringStringCmd
}

func (q *RedisQueue) load(ctx context.Context, c hashReader, id string) (*domain.Job, error) {
	fields, err := c.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis: load job")
	}
	if len(fields) == 0 {
		return nil, domain.ErrNotFound
	}
	return decodeJob(fields)
}

// each decodes every job in the index, a page at a time.
func (q *RedisQueue) each(ctx context.Context, fn func(*domain.Job)) error {
	const page = 200
	for start := int64(0); ; start += page {
		ids, err := q.rdb.ZRange(ctx, q.key("jobs"), start, start+page-1).Result()
		if err != nil {
			return errors.Wrap(err, "redis: scan jobs")
		}
		if len(ids) == 0 {
			return nil
		}
		cmds := make([]*r.MapStringStringCmd, len(ids))
		_, err = q.rdb.Pipelined(ctx, func(pipe r.Pipeliner) error {
			for i, id := range ids {
				cmds[i] = pipe.HGetAll(ctx, q.jobKey(id))
			}
			return nil
		})
		if err != nil {
			return errors.Wrap(err, "redis: load jobs")
		}
		for _, cmd := range cmds {
			if len(cmd.Val()) == 0 {
				continue
			}
			j, err := decodeJob(cmd.Val())
			if err != nil {
				return err
			}
			fn(j)
		}
		if len(ids) < page {
			return nil
		}
	}
}

// pendingScore orders by priority desc, then created_at asc. Equal scores fall
// back to member order, which for time-ordered ids is creation order.
func pendingScore(j *domain.Job) float64 {
	return float64(-int64(j.Priority)*1e13 + j.CreatedAt.UnixMilli())
}

// delayScore is the run time in milliseconds, rounded up so that promotion
// against a truncated now never happens before the exact scheduled_at.
func delayScore(t time.Time) float64 {
	ms := t.UnixMilli()
	if t.Sub(time.UnixMilli(ms)) > 0 {
		ms++
	}
	return float64(ms)
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func encodeJob(j *domain.Job) (map[string]any, error) {
	f := map[string]any{
		"id":          j.ID,
		"job_type":    j.JobType,
		"status":      string(j.Status),
		"priority":    j.Priority,
		"max_retries": j.MaxRetries,
		"retry_count": j.RetryCount,
		"created_at":  formatTime(j.CreatedAt),
		"updated_at":  formatTime(j.UpdatedAt),
		"score":       strconv.FormatFloat(pendingScore(j), 'f', -1, 64),
	}
	for name, m := range map[string]map[string]any{"payload": j.Payload, "result": j.Result, "metadata": j.Metadata} {
		if m == nil {
			continue
		}
		b, err := json.Marshal(m)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s", name)
		}
		f[name] = string(b)
	}
	for name, s := range map[string]*string{"correlation_id": j.CorrelationID, "error_message": j.ErrorMessage, "locked_by": j.LockedBy} {
		if s != nil {
			f[name] = *s
		}
	}
	for name, t := range map[string]*time.Time{"scheduled_at": j.ScheduledAt, "started_at": j.StartedAt, "completed_at": j.CompletedAt, "locked_at": j.LockedAt} {
		if t != nil {
			f[name] = formatTime(*t)
		}
	}
	return f, nil
}

func decodeJob(f map[string]string) (*domain.Job, error) {
	j := &domain.Job{
		ID:      f["id"],
		JobType: f["job_type"],
		Status:  domain.Status(f["status"]),
	}
	var err error
	for name, dst := range map[string]*int{"priority": &j.Priority, "max_retries": &j.MaxRetries, "retry_count": &j.RetryCount} {
		if *dst, err = strconv.Atoi(f[name]); err != nil {
			return nil, errors.Wrapf(err, "decode %s of job %s", name, j.ID)
		}
	}
	for name, dst := range map[string]*time.Time{"created_at": &j.CreatedAt, "updated_at": &j.UpdatedAt} {
		if *dst, err = time.Parse(time.RFC3339Nano, f[name]); err != nil {
			return nil, errors.Wrapf(err, "decode %s of job %s", name, j.ID)
		}
	}
	for name, dst := range map[string]**time.Time{"scheduled_at": &j.ScheduledAt, "started_at": &j.StartedAt, "completed_at": &j.CompletedAt, "locked_at": &j.LockedAt} {
		v, ok := f[name]
		if !ok {
			continue
		}
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, errors.Wrapf(err, "decode %s of job %s", name, j.ID)
		}
		*dst = &t
	}
	for name, dst := range map[string]**string{"correlation_id": &j.CorrelationID, "error_message": &j.ErrorMessage, "locked_by": &j.LockedBy} {
		if v, ok := f[name]; ok {
			*dst = &v
		}
	}
	for name, dst := range map[string]*map[string]any{"payload": &j.Payload, "result": &j.Result, "metadata": &j.Metadata} {
		v, ok := f[name]
		if !ok {
			continue
		}
		if err := json.Unmarshal([]byte(v), dst); err != nil {
			return nil, errors.Wrapf(err, "decode %s of job %s", name, j.ID)
		}
	}
	if j.Payload == nil {
		j.Payload = map[string]any{}
	}
	return j, nil
}

var unlockScript = r.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// TryLock takes <prefix>:lock:<name> with SET NX PX. The lock expires after ttl
// if its holder dies.
func (q *RedisQueue) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := q.key("lock", name)
	token := domain.NewID()
	ok, err := q.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, errors.Wrap(err, "redis: lock")
	}
	if !ok {
		return nil, false, nil
	}
	return func() {
		if err := unlockScript.Run(context.Background(), q.rdb, []string{key}, token).Err(); err != nil {
			q.opts.Logger.Warn("redis unlock failed", zap.String("lock", name), zap.Error(err))
		}
	}, true, nil
}
