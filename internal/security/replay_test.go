package security

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/teeplatform/validator-coordinator/internal/apperrors"
)

func TestGenerateNonce(t *testing.T) {
	nonce1, err := GenerateNonce()
	require.NoError(t, err)
	require.NotEmpty(t, nonce1)

	nonce2, err := GenerateNonce()
	require.NoError(t, err)
	require.NotEmpty(t, nonce2)

	require.NotEqual(t, nonce1, nonce2)
	require.Len(t, nonce1, 16) // 12 bytes -> 16 base64url chars
}

func TestReplayProtection(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	rp := NewReplayProtection(client, 10*time.Minute)
	ctx := context.Background()

	t.Run("first use succeeds", func(t *testing.T) {
		require.NoError(t, rp.CheckAndRecordNonce(ctx, "test-kid", "nonce123"))
	})

	t.Run("replay fails with an envelope replay error", func(t *testing.T) {
		err := rp.CheckAndRecordNonce(ctx, "test-kid", "nonce123")
		require.Error(t, err)
		require.True(t, apperrors.IsType(err, apperrors.EnvelopeErr))
	})

	t.Run("different kid allows same nonce", func(t *testing.T) {
		require.NoError(t, rp.CheckAndRecordNonce(ctx, "other-kid", "nonce123"))
	})

	t.Run("different nonce for same kid succeeds", func(t *testing.T) {
		require.NoError(t, rp.CheckAndRecordNonce(ctx, "test-kid", "nonce456"))
	})
}

func TestReplayProtection_NoRedis(t *testing.T) {
	rp := NewReplayProtection(nil, 10*time.Minute)
	err := rp.CheckAndRecordNonce(context.Background(), "test-kid", "nonce123")
	require.NoError(t, err)
}

func TestReplayProtection_RedisUnavailableSurfacesCacheError(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close() // close before use so every call fails

	rp := NewReplayProtection(client, 10*time.Minute)
	err = rp.CheckAndRecordNonce(context.Background(), "test-kid", "nonce123")
	require.Error(t, err)
	require.True(t, apperrors.IsType(err, apperrors.CacheErr))
}
