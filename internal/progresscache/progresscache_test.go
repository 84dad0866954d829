package progresscache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// redisStore adapts a *redis.Client to the Store interface without going
// through cache.NewRedisCacheFromEnv's os.Getenv lookup.
type redisStore struct{ rdb *redis.Client }

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := s.rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *redisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.rdb.Set(ctx, key, value, ttl).Err()
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(&redisStore{rdb: client})
}

func TestCache_MissReturns404Shape(t *testing.T) {
	c := newTestCache(t)
	_, ok, err := c.Get(context.Background(), "job-1")
	require.NoError(t, err)
	require.False(t, ok, "no document pushed yet should report a miss")
}

func TestCache_PutThenGet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	doc := map[string]any{"step": 3, "of": 10, "message": "running tests"}
	require.NoError(t, c.Put(ctx, "job-1", doc))

	raw, ok, err := c.Get(ctx, "job-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"step":3,"of":10,"message":"running tests"}`, string(raw))
}

func TestCache_DifferentJobsAreIsolated(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Put(ctx, "job-1", map[string]any{"step": 1}))
	_, ok, err := c.Get(ctx, "job-2")
	require.NoError(t, err)
	require.False(t, ok)
}
