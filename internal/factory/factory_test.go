package factory

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/SirClappington/jobq/internal/config"
	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/queue"
)

func TestDetectBackend(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.Queue
		wantKind string
		wantDSN  string
	}{
		{"empty falls back to memory", config.Queue{}, Memory, ""},
		{"explicit memory ignores urls", config.Queue{Backend: "memory", RedisURL: "redis://x"}, Memory, ""},
		{"redis url wins", config.Queue{RedisURL: "redis://r:6379", DatabaseURL: "postgres://p/db"}, Redis, "redis://r:6379"},
		{"postgres url", config.Queue{DatabaseURL: "postgresql://p/db"}, Postgres, "postgresql://p/db"},
		{"non-postgres database url ignored", config.Queue{DatabaseURL: "mysql://m/db"}, Memory, ""},
		{"connection string sniffed", config.Queue{ConnectionString: "rediss://r:6380"}, Redis, "rediss://r:6380"},
		{"explicit postgres prefers connection string", config.Queue{Backend: "Postgres", ConnectionString: "postgres://a", DatabaseURL: "postgres://b"}, Postgres, "postgres://a"},
		{"explicit redis falls back to url", config.Queue{Backend: "redis", RedisURL: "redis://r"}, Redis, "redis://r"},
		{"unknown passes through", config.Queue{Backend: "kafka"}, "kafka", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kind, dsn := DetectBackend(tt.cfg)
			assert.Equal(t, tt.wantKind, kind)
			assert.Equal(t, tt.wantDSN, dsn)
		})
	}
}

func testQueueConfig() config.Queue {
	return config.Queue{
		WorkerID:       "factory-test",
		MaxRetries:     2,
		BaseDelay:      time.Second,
		MaxDelay:       time.Minute,
		RedisKeyPrefix: "ft",
	}
}

func TestNew_Memory(t *testing.T) {
	ctx := context.Background()
	b, err := New(ctx, testQueueConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer b.Close()
	require.IsType(t, &queue.MemoryQueue{}, b)

	j, err := b.Enqueue(ctx, domain.JobCreate{JobType: "x"})
	require.NoError(t, err)
	assert.Equal(t, 2, j.MaxRetries, "policy default flows into jobs")

	leased, err := b.Dequeue(ctx, domain.DequeueOptions{})
	require.NoError(t, err)
	assert.Equal(t, "factory-test", *leased.LockedBy)
}

func TestNew_Redis(t *testing.T) {
	s := miniredis.RunT(t)
	cfg := testQueueConfig()
	cfg.RedisURL = "redis://" + s.Addr()

	b, err := New(context.Background(), cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer b.Close()
	require.IsType(t, &queue.RedisQueue{}, b)

	j, err := b.Enqueue(context.Background(), domain.JobCreate{JobType: "x"})
	require.NoError(t, err)
	assert.True(t, s.Exists("ft:job:"+j.ID))
}

func TestNew_Errors(t *testing.T) {
	ctx := context.Background()

	cfg := testQueueConfig()
	cfg.Backend = "kafka"
	_, err := New(ctx, cfg, nil)
	assert.ErrorContains(t, err, "unknown backend")

	cfg = testQueueConfig()
	cfg.Backend = "postgres"
	_, err = New(ctx, cfg, nil)
	assert.ErrorContains(t, err, "DATABASE_URL")

	cfg = testQueueConfig()
	cfg.BaseDelay = 0
	_, err = New(ctx, cfg, nil)
	assert.Error(t, err)

	cfg = testQueueConfig()
	cfg.RedisURL = "redis://127.0.0.1:1"
	_, err = New(ctx, cfg, nil)
	assert.ErrorContains(t, err, "init redis backend")
}

func TestNew_WarnsThatMemoryIsProcessLocal(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	b, err := New(context.Background(), testQueueConfig(), zap.New(core))
	require.NoError(t, err)
	defer b.Close()

	warnings := logs.FilterMessageSnippet("private to this process").All()
	assert.Len(t, warnings, 1)

	s := miniredis.RunT(t)
	cfg := testQueueConfig()
	cfg.RedisURL = "redis://" + s.Addr()
	core, logs = observer.New(zap.WarnLevel)
	rb, err := New(context.Background(), cfg, zap.New(core))
	require.NoError(t, err)
	defer rb.Close()
	assert.Zero(t, logs.Len())
}
