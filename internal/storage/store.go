package storage

import (
	"context"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/queue"
	"github.com/SirClappington/jobq/internal/storage/migrations"
)

// Store is the PostgreSQL backend. The queue_jobs table is the source of truth;
// leases are row updates claimed with FOR UPDATE SKIP LOCKED.
type Store struct {
	db   *pgxpool.Pool
	cfg  Config
	opts queue.Options
}

type Config struct {
	// MigrationsDir holds optional .sql migrations run after the built-in ones.
	MigrationsDir string
}

var (
	_ queue.Backend = (*Store)(nil)
	_ queue.Locker  = (*Store)(nil)
)

func New(db *pgxpool.Pool, cfg Config, opts ...queue.Option) *Store {
	if cfg.MigrationsDir == "" {
		cfg.MigrationsDir = "."
	}
	return &Store{db: db, cfg: cfg, opts: queue.BuildOptions(opts...)}
}

// Open builds a pool for dsn capped at maxConns connections.
func Open(ctx context.Context, dsn string, maxConns int32, cfg Config, opts ...queue.Option) (*Store, error) {
	pc, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: parse dsn")
	}
	if maxConns > 0 {
		pc.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: connect")
	}
	return New(pool, cfg, opts...), nil
}

// Init pings the database and applies migrations. Running it twice is a no-op.
func (s *Store) Init(ctx context.Context) error {
	if err := s.db.Ping(ctx); err != nil {
		return errors.Wrap(err, "postgres: ping")
	}
	db := stdlib.OpenDBFromPool(s.db)
	defer db.Close()
	if err := migrations.Up(db, s.cfg.MigrationsDir); err != nil {
		return errors.Wrap(err, "postgres: migrate")
	}
	return nil
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func (s *Store) HealthCheck(ctx context.Context) bool {
	return s.db.Ping(ctx) == nil
}

const jobColumns = `id, job_type, payload, status, priority, correlation_id, max_retries,
retry_count, error_message, result, metadata, created_at, updated_at, scheduled_at,
started_at, completed_at, locked_at, locked_by`

const insertJob = `INSERT INTO queue_jobs (` + jobColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`

func insertArgs(j *domain.Job) []any {
	return []any{
		j.ID, j.JobType, j.Payload, string(j.Status), j.Priority, j.CorrelationID, j.MaxRetries,
		j.RetryCount, j.ErrorMessage, j.Result, j.Metadata, j.CreatedAt, j.UpdatedAt, j.ScheduledAt,
		j.StartedAt, j.CompletedAt, j.LockedAt, j.LockedBy,
	}
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		j      domain.Job
		status string
	)
	err := row.Scan(
		&j.ID, &j.JobType, &j.Payload, &status, &j.Priority, &j.CorrelationID, &j.MaxRetries,
		&j.RetryCount, &j.ErrorMessage, &j.Result, &j.Metadata, &j.CreatedAt, &j.UpdatedAt, &j.ScheduledAt,
		&j.StartedAt, &j.CompletedAt, &j.LockedAt, &j.LockedBy,
	)
	if err != nil {
		return nil, err
	}
	j.Status = domain.Status(status)
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	for _, t := range []*time.Time{j.ScheduledAt, j.StartedAt, j.CompletedAt, j.LockedAt} {
		if t != nil {
			*t = t.UTC()
		}
	}
	if j.Payload == nil {
		j.Payload = map[string]any{}
	}
	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]*domain.Job, error) {
	defer rows.Close()
	jobs := make([]*domain.Job, 0)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *Store) Enqueue(ctx context.Context, c domain.JobCreate) (*domain.Job, error) {
	jobs, err := s.EnqueueBatch(ctx, []domain.JobCreate{c})
	if err != nil {
		return nil, err
	}
	return jobs[0], nil
}

// EnqueueBatch inserts every job in one transaction.
func (s *Store) EnqueueBatch(ctx context.Context, items []domain.JobCreate) ([]*domain.Job, error) {
	if err := domain.CheckBatch(items); err != nil {
		return nil, err
	}
	now := s.opts.Now()
	jobs := make([]*domain.Job, 0, len(items))
	for _, c := range items {
		jobs = append(jobs, domain.NewJob(c, now, s.opts.Policy.MaxRetries))
	}

	var clash *domain.Job
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		for _, j := range jobs {
			if _, err := tx.Exec(ctx, insertJob, insertArgs(j)...); err != nil {
				if isUniqueViolation(err) && j.CorrelationID != nil {
					clash = j
				}
				return err
			}
		}
		return nil
	})
	if clash != nil {
		return nil, s.conflict(ctx, *clash.CorrelationID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "postgres: enqueue")
	}
	for _, j := range jobs {
		s.opts.Logger.Debug("enqueued job", zap.String("job_id", j.ID), zap.String("job_type", j.JobType))
	}
	return jobs, nil
}

func (s *Store) conflict(ctx context.Context, cid string) error {
	ce := &domain.ConflictError{CorrelationID: cid}
	_ = s.db.QueryRow(ctx, `SELECT id FROM queue_jobs WHERE correlation_id = $1`, cid).Scan(&ce.ExistingID)
	return ce
}

const dequeueJobs = `UPDATE queue_jobs
SET status = 'processing', started_at = $1, locked_at = $1, locked_by = $2, updated_at = $1
WHERE id IN (
	SELECT id FROM queue_jobs
	WHERE status = 'pending'
	  AND (scheduled_at IS NULL OR scheduled_at <= $1)
	  AND ($3::text[] IS NULL OR job_type = ANY($3::text[]))
	ORDER BY priority DESC, created_at ASC, id ASC
	LIMIT $4
	FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns

func (s *Store) Dequeue(ctx context.Context, opts domain.DequeueOptions) (*domain.Job, error) {
	jobs, err := s.DequeueBatch(ctx, 1, opts)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// DequeueBatch leases up to count jobs with a single statement.
func (s *Store) DequeueBatch(ctx context.Context, count int, opts domain.DequeueOptions) ([]*domain.Job, error) {
	if count <= 0 {
		return []*domain.Job{}, nil
	}
	var types []string
	if len(opts.JobTypes) > 0 {
		types = opts.JobTypes
	}
	worker := s.opts.Worker(opts)
	rows, err := s.db.Query(ctx, dequeueJobs, s.opts.Now(), worker, types, count)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: dequeue")
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: dequeue")
	}
	// RETURNING carries no order.
	sort.Slice(jobs, func(a, b int) bool { return dequeuedBefore(jobs[a], jobs[b]) })
	for _, j := range jobs {
		s.opts.Logger.Debug("dequeued job", zap.String("job_id", j.ID), zap.String("worker_id", worker))
	}
	return jobs, nil
}

func dequeuedBefore(a, b *domain.Job) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *Store) Complete(ctx context.Context, id string, result map[string]any) (*domain.Job, error) {
	now := s.opts.Now()
	row := s.db.QueryRow(ctx, `UPDATE queue_jobs
SET status = 'completed', result = $2, completed_at = $3, locked_at = NULL, locked_by = NULL, updated_at = $3
WHERE id = $1 AND status = 'processing'
RETURNING `+jobColumns, id, result, now)
	job, err := s.leasedResult(ctx, id, row)
	if err != nil {
		return nil, err
	}
	s.opts.Logger.Debug("completed job", zap.String("job_id", id))
	return job, nil
}

func (s *Store) Release(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRow(ctx, `UPDATE queue_jobs
SET status = 'pending', started_at = NULL, locked_at = NULL, locked_by = NULL, updated_at = $2
WHERE id = $1 AND status = 'processing'
RETURNING `+jobColumns, id, s.opts.Now())
	return s.leasedResult(ctx, id, row)
}

// leasedResult turns an empty RETURNING from a processing-only update into
// ErrNotFound or a StateError.
func (s *Store) leasedResult(ctx context.Context, id string, row pgx.Row) (*domain.Job, error) {
	job, err := scanJob(row)
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, s.mapErr(err, "postgres: update job")
	}
	current, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, domain.RequireProcessing(current)
}

// Fail locks the row, applies the retry decision and writes it back.
func (s *Store) Fail(ctx context.Context, id, errMsg, errType string) (*domain.FailedJobInfo, error) {
	now := s.opts.Now()
	var info *domain.FailedJobInfo
	job, err := s.modify(ctx, id, func(j *domain.Job) error {
		if err := domain.RequireProcessing(j); err != nil {
			return err
		}
		info = j.RecordFailure(now, errMsg, errType, s.opts.Policy.Delay)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if info.WillRetry {
		s.opts.Logger.Debug("job scheduled for retry", zap.String("job_id", id), zap.Timep("next_retry_at", info.NextRetryAt))
	} else {
		s.opts.Logger.Debug("job dead-lettered", zap.String("job_id", id), zap.Int("retry_count", job.RetryCount))
	}
	return info, nil
}

func (s *Store) UpdateJob(ctx context.Context, id string, u domain.JobUpdate) (*domain.Job, error) {
	now := s.opts.Now()
	return s.modify(ctx, id, func(j *domain.Job) error { return j.Apply(u, now) })
}

const saveJob = `UPDATE queue_jobs
SET status = $2, retry_count = $3, error_message = $4, result = $5, metadata = $6, updated_at = $7,
    scheduled_at = $8, started_at = $9, completed_at = $10, locked_at = $11, locked_by = $12
WHERE id = $1`

func (s *Store) modify(ctx context.Context, id string, fn func(*domain.Job) error) (*domain.Job, error) {
	var out *domain.Job
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		job, err := scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return s.mapErr(err, "postgres: lock job")
		}
		if err := fn(job); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, saveJob,
			job.ID, string(job.Status), job.RetryCount, job.ErrorMessage, job.Result, job.Metadata, job.UpdatedAt,
			job.ScheduledAt, job.StartedAt, job.CompletedAt, job.LockedAt, job.LockedBy,
		)
		if err != nil {
			return errors.Wrap(err, "postgres: save job")
		}
		out = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE id = $1`, id))
	if err != nil {
		return nil, s.mapErr(err, "postgres: get job")
	}
	return job, nil
}

func (s *Store) GetJobByCorrelationID(ctx context.Context, cid string) (*domain.Job, error) {
	job, err := scanJob(s.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM queue_jobs WHERE correlation_id = $1`, cid))
	if err != nil {
		return nil, s.mapErr(err, "postgres: get job by correlation id")
	}
	return job, nil
}

func (s *Store) DeleteJob(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM queue_jobs WHERE id = $1`, id)
	if err != nil {
		return s.mapErr(err, "postgres: delete job")
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Store) ListJobs(ctx context.Context, f domain.ListFilter) ([]*domain.Job, error) {
	query, args := listQuery(f)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: list jobs")
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: list jobs")
	}
	return jobs, nil
}

func (s *Store) RequeueStaleJobs(ctx context.Context, threshold time.Duration) (int, error) {
	now := s.opts.Now()
	tag, err := s.db.Exec(ctx, `UPDATE queue_jobs
SET status = 'pending', started_at = NULL, locked_at = NULL, locked_by = NULL, updated_at = $1
WHERE status = 'processing' AND locked_at < $2`, now, now.Add(-threshold))
	if err != nil {
		return 0, errors.Wrap(err, "postgres: requeue stale jobs")
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		s.opts.Logger.Info("requeued stale jobs", zap.Int("count", n))
	}
	return n, nil
}

func (s *Store) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.purge(ctx, domain.Completed, olderThan)
}

func (s *Store) PurgeDead(ctx context.Context, olderThan time.Duration) (int, error) {
	return s.purge(ctx, domain.Dead, olderThan)
}

func (s *Store) purge(ctx context.Context, status domain.Status, olderThan time.Duration) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM queue_jobs WHERE status = $1 AND completed_at < $2`,
		string(status), s.opts.Now().Add(-olderThan))
	if err != nil {
		return 0, errors.Wrapf(err, "postgres: purge %s", status)
	}
	n := int(tag.RowsAffected())
	if n > 0 {
		s.opts.Logger.Info("purged jobs", zap.String("status", string(status)), zap.Int("count", n))
	}
	return n, nil
}

func (s *Store) Stats(ctx context.Context) (*domain.Stats, error) {
	rows, err := s.db.Query(ctx, `SELECT status, COUNT(*) FROM queue_jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: stats")
	}
	var stats domain.Stats
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "postgres: stats")
		}
		stats.AddN(domain.Status(status), n)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "postgres: stats")
	}

	var (
		avgSeconds    *float64
		oldestPending *time.Time
	)
	err = s.db.QueryRow(ctx, `SELECT
	EXTRACT(EPOCH FROM AVG(completed_at - started_at)
		FILTER (WHERE status = 'completed' AND started_at IS NOT NULL AND completed_at IS NOT NULL))::float8,
	MIN(created_at) FILTER (WHERE status = 'pending')
FROM queue_jobs`).Scan(&avgSeconds, &oldestPending)
	if err != nil {
		return nil, errors.Wrap(err, "postgres: stats")
	}
	if avgSeconds != nil {
		stats.AvgProcessingTime = time.Duration(*avgSeconds * float64(time.Second))
	}
	if oldestPending != nil {
		stats.OldestPendingAge = s.opts.Now().Sub(*oldestPending)
	}
	return &stats, nil
}

const (
	uniqueViolation      = "23505"
	invalidTextRepresent = "22P02"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// mapErr turns a missing row, or an id that is not a uuid, into ErrNotFound.
func (s *Store) mapErr(err error, msg string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == invalidTextRepresent {
		return domain.ErrNotFound
	}
	return errors.Wrap(err, msg)
}

// TryLock takes a session advisory lock keyed by hashtext(name). The lock lives
// on one pooled connection until unlock; ttl is unused since Postgres drops the
// lock with the session.
func (s *Store) TryLock(ctx context.Context, name string, _ time.Duration) (func(), bool, error) {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "postgres: lock")
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, name).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, errors.Wrap(err, "postgres: lock")
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return func() {
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, name); err != nil {
			s.opts.Logger.Warn("postgres unlock failed", zap.String("lock", name), zap.Error(err))
		}
		conn.Release()
	}, true, nil
}
