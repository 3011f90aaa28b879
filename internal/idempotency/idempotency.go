// Package idempotency implements the idempotency store (spec 4.C):
// distributed per-key locking and at-most-once result caching. Grounded on
// the pack's idempotency-shaped examples (pandora-exchange's idempotency
// middleware, LerianStudio/midaz's idempotency integration tests,
// j0sehernan-yuno-challenge's idempotency-shield service) which all key a
// Redis SETNX lock + TTL'd cached result by a client-supplied header.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	gwerrors "github.com/r3e-network/acquiring-gateway/internal/platform/errors"
)

const (
	resultTTL    = 24 * time.Hour
	lockTTL      = 30 * time.Second
	maxAcquireTries = 10
	acquireBackoff  = 100 * time.Millisecond
)

func resultKey(key string) string { return "idempotency:result:" + key }
func lockKey(key string) string   { return "idempotency:lock:" + key }

// Store is the Redis-backed idempotency store.
type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// GetCached returns the previously-stored JSON result for key, if any.
func (s *Store) GetCached(ctx context.Context, key string, out interface{}) (bool, error) {
	data, err := s.rdb.Get(ctx, resultKey(key)).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, gwerrors.Transient("REDIS_ERROR", "idempotency cache lookup failed", err)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return false, gwerrors.Internal("corrupt idempotency cache entry", err)
		}
	}
	return true, nil
}

// AcquireLock attempts an atomic set-if-absent lock with TTL, retrying up
// to 10 times at ~100ms apart and abandoning early if a cached result
// appears in the meantime (spec 4.C exactly).
func (s *Store) AcquireLock(ctx context.Context, key, owner string) (acquired bool, err error) {
	for attempt := 0; attempt < maxAcquireTries; attempt++ {
		ok, setErr := s.rdb.SetNX(ctx, lockKey(key), owner, lockTTL).Result()
		if setErr != nil {
			return false, gwerrors.Transient("REDIS_ERROR", "idempotency lock acquisition failed", setErr)
		}
		if ok {
			return true, nil
		}

		if exists, getErr := s.GetCached(ctx, key, nil); getErr == nil && exists {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, gwerrors.Transient("CONTEXT_CANCELED", "lock wait canceled", ctx.Err())
		case <-time.After(acquireBackoff):
		}
	}
	return false, nil
}

// ReleaseLock releases the lock for key. Safe to call even if the lock was
// never acquired or already expired.
func (s *Store) ReleaseLock(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, lockKey(key)).Err(); err != nil {
		return gwerrors.Transient("REDIS_ERROR", "idempotency lock release failed", err)
	}
	return nil
}

// Store persists result as JSON under key with a 24h TTL.
func (s *Store) Store(ctx context.Context, key string, result interface{}) error {
	data, err := json.Marshal(result)
	if err != nil {
		return gwerrors.Internal("failed to serialize idempotency result", err)
	}
	if err := s.rdb.Set(ctx, resultKey(key), data, resultTTL).Err(); err != nil {
		return gwerrors.Transient("REDIS_ERROR", "idempotency result store failed", err)
	}
	return nil
}
