package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/queue"
	"github.com/SirClappington/jobq/internal/queue/queuetest"
)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	s := miniredis.RunT(t)
	return s, redis.NewClient(&redis.Options{Addr: s.Addr()})
}

func TestRedisQueue(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, opts ...queue.Option) queue.Backend {
		_, rdb := setupTestRedis(t)
		opts = append(opts, queue.WithLogger(zaptest.NewLogger(t)))
		q := queue.NewRedisQueue(rdb, queue.RedisOptions{KeyPrefix: "test"}, opts...)
		t.Cleanup(func() { _ = q.Close() })
		return q
	})
}

func TestRedisQueue_KeyLayout(t *testing.T) {
	s, rdb := setupTestRedis(t)
	ctx := context.Background()
	clock := queuetest.NewClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	q := queue.NewRedisQueue(rdb, queue.RedisOptions{KeyPrefix: "kq"}, queue.WithClock(clock.Now))

	later := clock.Now().Add(time.Minute)
	cid := "order-9"
	delayed, err := q.Enqueue(ctx, domain.JobCreate{JobType: "x", ScheduledAt: &later, CorrelationID: &cid})
	require.NoError(t, err)
	ready, err := q.Enqueue(ctx, domain.JobCreate{JobType: "x"})
	require.NoError(t, err)

	assert.True(t, s.Exists("kq:job:"+delayed.ID))
	got, err := s.Get("kq:cid:order-9")
	require.NoError(t, err)
	assert.Equal(t, delayed.ID, got)

	delay, err := s.ZMembers("kq:delay")
	require.NoError(t, err)
	assert.Equal(t, []string{delayed.ID}, delay)
	pending, err := s.ZMembers("kq:pending")
	require.NoError(t, err)
	assert.Equal(t, []string{ready.ID}, pending)

	j, err := q.Dequeue(ctx, domain.DequeueOptions{WorkerID: "w1"})
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "processing", s.HGet("kq:job:"+ready.ID, "status"))
	assert.Equal(t, "w1", s.HGet("kq:job:"+ready.ID, "locked_by"))
	processing, err := s.ZMembers("kq:processing")
	require.NoError(t, err)
	assert.Equal(t, []string{ready.ID}, processing)

	clock.Advance(time.Minute)
	n, err := q.MoveDue(ctx, clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	pending, err = s.ZMembers("kq:pending")
	require.NoError(t, err)
	assert.Equal(t, []string{delayed.ID}, pending)

	require.NoError(t, q.DeleteJob(ctx, delayed.ID))
	assert.False(t, s.Exists("kq:job:"+delayed.ID))
	assert.False(t, s.Exists("kq:cid:order-9"))
}

func TestRedisQueue_ClaimIsExclusiveAcrossClients(t *testing.T) {
	s, _ := setupTestRedis(t)
	ctx := context.Background()

	seed := queue.NewRedisQueue(redis.NewClient(&redis.Options{Addr: s.Addr()}), queue.RedisOptions{})
	const jobs = 30
	for i := 0; i < jobs; i++ {
		_, err := seed.Enqueue(ctx, domain.JobCreate{JobType: "x"})
		require.NoError(t, err)
	}

	var (
		mu  sync.Mutex
		got = make(map[string]int)
		wg  sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		q := queue.NewRedisQueue(redis.NewClient(&redis.Options{Addr: s.Addr()}), queue.RedisOptions{ScanWindow: 3})
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer q.Close()
			for {
				j, err := q.Dequeue(ctx, domain.DequeueOptions{})
				if err != nil || j == nil {
					return
				}
				mu.Lock()
				got[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, got, jobs)
	for id, n := range got {
		assert.Equal(t, 1, n, id)
	}
}

func TestRedisQueue_TypeFilterScansPastOtherTypes(t *testing.T) {
	_, rdb := setupTestRedis(t)
	ctx := context.Background()
	q := queue.NewRedisQueue(rdb, queue.RedisOptions{ScanWindow: 2})

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, domain.JobCreate{JobType: "noise", Priority: 10})
		require.NoError(t, err)
	}
	want, err := q.Enqueue(ctx, domain.JobCreate{JobType: "wanted"})
	require.NoError(t, err)

	j, err := q.Dequeue(ctx, domain.DequeueOptions{JobTypes: []string{"wanted"}})
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, want.ID, j.ID)
}

func TestRedisQueue_FromURL(t *testing.T) {
	s, _ := setupTestRedis(t)

	q, err := queue.NewRedisQueueFromURL("redis://"+s.Addr()+"/0", queue.RedisOptions{})
	require.NoError(t, err)
	defer q.Close()
	require.NoError(t, q.Init(context.Background()))

	_, err = queue.NewRedisQueueFromURL("http://nope", queue.RedisOptions{})
	assert.Error(t, err)
}

func TestRedisQueue_HealthCheckFailsWhenServerStops(t *testing.T) {
	s, err := miniredis.Run()
	require.NoError(t, err)
	q := queue.NewRedisQueue(redis.NewClient(&redis.Options{Addr: s.Addr()}), queue.RedisOptions{})
	defer q.Close()

	assert.True(t, q.HealthCheck(context.Background()))
	s.Close()
	assert.False(t, q.HealthCheck(context.Background()))
}

func TestRedisQueue_TryLock(t *testing.T) {
	s, rdb := setupTestRedis(t)
	a := queue.NewRedisQueue(rdb, queue.RedisOptions{KeyPrefix: "lk"})
	b := queue.NewRedisQueue(redis.NewClient(&redis.Options{Addr: s.Addr()}), queue.RedisOptions{KeyPrefix: "lk"})
	defer b.Close()
	ctx := context.Background()

	unlock, ok, err := a.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, s.Exists("lk:lock:sweep"))

	_, ok, err = b.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second holder must not get the lock")

	unlock()
	assert.False(t, s.Exists("lk:lock:sweep"))

	unlockB, ok, err := b.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	// an expired lock taken over by someone else is left alone
	s.FastForward(2 * time.Minute)
	unlockA, ok, err := a.TryLock(ctx, "sweep", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	unlockB()
	assert.True(t, s.Exists("lk:lock:sweep"))
	unlockA()
}

func TestRedisQueue_PromotesEveryDueJob(t *testing.T) {
	_, rdb := setupTestRedis(t)
	clock := queuetest.NewClock(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	q := queue.NewRedisQueue(rdb, queue.RedisOptions{KeyPrefix: "pb", PromoteBatch: 2}, queue.WithClock(clock.Now))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		at := clock.Now().Add(time.Second)
		_, err := q.Enqueue(ctx, domain.JobCreate{JobType: "x", ScheduledAt: &at})
		require.NoError(t, err)
	}
	at := clock.Now().Add(2 * time.Second)
	high, err := q.Enqueue(ctx, domain.JobCreate{JobType: "x", Priority: 100, ScheduledAt: &at})
	require.NoError(t, err)

	clock.Advance(time.Minute)
	got, err := q.Dequeue(ctx, domain.DequeueOptions{})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, high.ID, got.ID, "a due job past the first promote batch still wins on priority")

	n, err := q.MoveDue(ctx, clock.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}
