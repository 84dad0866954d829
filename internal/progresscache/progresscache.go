// Package progresscache wraps the ephemeral key/value cache with the
// job-progress contract GET /jobs/{id}/progress reads: an opaque JSON
// document a validator pushes while a job runs, absent until the first push,
// and gone once its TTL elapses. The cache backend itself (internal/cache)
// is treated as an external collaborator per the spec's scope — this package
// only owns the key shape and the 404-on-miss semantics.
package progresscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/teeplatform/validator-coordinator/internal/apperrors"
	"github.com/teeplatform/validator-coordinator/internal/cache"
)

// DefaultTTL bounds how long a progress document survives without an update.
const DefaultTTL = 5 * time.Minute

// Store is the subset of cache.Cache progress documents need.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Cache reads and writes per-job progress documents.
type Cache struct {
	store Store
	ttl   time.Duration
}

func New(store Store) *Cache {
	return &Cache{store: store, ttl: DefaultTTL}
}

// NewFromEnv wires the default Redis-backed cache.Cache with a job-progress
// key prefix, matching the teacher's cache.NewRedisCacheFromEnv helper.
func NewFromEnv() (*Cache, error) {
	rc, err := cache.NewRedisCacheFromEnv("progress:")
	if err != nil {
		return nil, fmt.Errorf("progresscache: %w", err)
	}
	return New(rc), nil
}

// Put stores an opaque progress document for jobID, re-encoded through
// encoding/json so callers may pass any JSON-serializable value.
func (c *Cache) Put(ctx context.Context, jobID string, doc any) error {
	b, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("progresscache: marshal document: %w", err)
	}
	if err := c.store.Set(ctx, jobID, b, c.ttl); err != nil {
		return apperrors.NewCacheError(err)
	}
	return nil
}

// Get returns the raw progress document bytes for jobID. ok is false when
// no document has been pushed yet or it has expired; the HTTP layer maps
// that to 404 per §6.
func (c *Cache) Get(ctx context.Context, jobID string) (json.RawMessage, bool, error) {
	b, ok, err := c.store.Get(ctx, jobID)
	if err != nil {
		return nil, false, apperrors.NewCacheError(err)
	}
	if !ok {
		return nil, false, nil
	}
	return json.RawMessage(b), true, nil
}
