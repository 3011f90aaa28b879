package idempotency

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

type cachedOutcome struct {
	PaymentID string `json:"payment_id"`
}

func TestStoreAndGetCachedRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	found, err := s.GetCached(ctx, "key-1", &cachedOutcome{})
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.Store(ctx, "key-1", cachedOutcome{PaymentID: "pay_1"}))

	var out cachedOutcome
	found, err = s.GetCached(ctx, "key-1", &out)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "pay_1", out.PaymentID)
}

func TestAcquireLockIsExclusiveUntilReleased(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acquired, err := s.AcquireLock(ctx, "key-2", "owner-a")
	require.NoError(t, err)
	assert.True(t, acquired)

	shortCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	acquired, err = s.AcquireLock(shortCtx, "key-2", "owner-b")
	assert.False(t, acquired)
	assert.Error(t, err)

	require.NoError(t, s.ReleaseLock(ctx, "key-2"))
	acquired, err = s.AcquireLock(ctx, "key-2", "owner-b")
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestAcquireLockAbandonsWhenCachedResultAppears(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	acquired, err := s.AcquireLock(ctx, "key-3", "owner-a")
	require.NoError(t, err)
	require.True(t, acquired)
	require.NoError(t, s.Store(ctx, "key-3", cachedOutcome{PaymentID: "pay_3"}))

	acquired, err = s.AcquireLock(ctx, "key-3", "owner-b")
	require.NoError(t, err)
	assert.False(t, acquired)
}
