// Package factory turns queue configuration into a ready backend.
package factory

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/jobq/internal/config"
	"github.com/SirClappington/jobq/internal/queue"
	"github.com/SirClappington/jobq/internal/storage"
)

const (
	Memory   = "memory"
	Postgres = "postgres"
	Redis    = "redis"
)

// DetectBackend resolves the backend name and its connection string.
// An explicit Backend wins; otherwise REDIS_URL, then a postgres DATABASE_URL,
// then memory.
func DetectBackend(cfg config.Queue) (string, string) {
	switch strings.ToLower(cfg.Backend) {
	case Memory:
		return Memory, ""
	case Postgres, "postgresql":
		return Postgres, firstNonEmpty(cfg.ConnectionString, cfg.DatabaseURL)
	case Redis:
		return Redis, firstNonEmpty(cfg.ConnectionString, cfg.RedisURL)
	case "":
	default:
		return cfg.Backend, cfg.ConnectionString
	}

	if cfg.RedisURL != "" {
		return Redis, cfg.RedisURL
	}
	if isPostgresURL(cfg.DatabaseURL) {
		return Postgres, cfg.DatabaseURL
	}
	if isPostgresURL(cfg.ConnectionString) {
		return Postgres, cfg.ConnectionString
	}
	if strings.HasPrefix(cfg.ConnectionString, "redis://") || strings.HasPrefix(cfg.ConnectionString, "rediss://") {
		return Redis, cfg.ConnectionString
	}
	return Memory, ""
}

// New builds the configured backend and runs its Init.
func New(ctx context.Context, cfg config.Queue, logger *zap.Logger) (queue.Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	policy := cfg.RetryPolicy()
	if err := policy.Validate(); err != nil {
		return nil, errors.Wrap(err, "factory")
	}
	kind, dsn := DetectBackend(cfg)
	opts := []queue.Option{
		queue.WithRetryPolicy(policy),
		queue.WithLogger(logger.With(zap.String("backend", kind))),
	}
	if cfg.WorkerID != "" {
		opts = append(opts, queue.WithWorkerID(cfg.WorkerID))
	}

	var (
		b   queue.Backend
		err error
	)
	switch kind {
	case Memory:
		logger.Warn("memory backend is private to this process; set REDIS_URL or DATABASE_URL to share jobs between api, worker and scheduler")
		b = queue.NewMemoryQueue(opts...)
	case Postgres:
		if dsn == "" {
			return nil, errors.New("factory: postgres backend needs DATABASE_URL or QUEUE_CONNECTION_STRING")
		}
		b, err = storage.Open(ctx, dsn, cfg.PGMaxConns, storage.Config{MigrationsDir: cfg.MigrationsDir}, opts...)
	case Redis:
		if dsn == "" {
			return nil, errors.New("factory: redis backend needs REDIS_URL or QUEUE_CONNECTION_STRING")
		}
		b, err = queue.NewRedisQueueFromURL(dsn, queue.RedisOptions{KeyPrefix: cfg.RedisKeyPrefix}, opts...)
	default:
		return nil, errors.Errorf("factory: unknown backend %q", kind)
	}
	if err != nil {
		return nil, err
	}

	if err := b.Init(ctx); err != nil {
		_ = b.Close()
		return nil, errors.Wrapf(err, "factory: init %s backend", kind)
	}
	logger.Info("queue backend ready", zap.String("backend", kind), zap.String("worker_id", cfg.WorkerID))
	return b, nil
}

func isPostgresURL(s string) bool {
	return strings.HasPrefix(s, "postgres://") || strings.HasPrefix(s, "postgresql://")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
