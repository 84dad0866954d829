// Package security implements nonce replay protection for the Secure
// Envelope (§4.1): a Redis-backed once-only ledger keyed by (hotkey, nonce).
// A Redis TTL store is the right tool here rather than a Postgres table in
// internal/store, because a redeemed nonce only needs to
// be remembered for the envelope's freshness window
// (internal/envelope.FreshnessWindow) before it can never be replayed again
// anyway — SETNX+EX gives that expiry for free, where a row-based table would
// need its own sweep goroutine duplicating the Job State Machine's timeout
// sweep for no benefit.
package security

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teeplatform/validator-coordinator/internal/apperrors"
)

// ReplayProtection records redeemed (kid, nonce) pairs in Redis with a TTL
// matching the envelope freshness window, so the ledger self-prunes.
type ReplayProtection struct {
	client *redis.Client
	maxAge time.Duration
}

// NewReplayProtection builds a ReplayProtection backed by client. maxAge
// should match internal/envelope.FreshnessWindow: a nonce has no replay value
// once its originating message is too stale to pass the envelope check.
func NewReplayProtection(client *redis.Client, maxAge time.Duration) *ReplayProtection {
	return &ReplayProtection{client: client, maxAge: maxAge}
}

// GenerateNonce returns a fresh base64url-encoded 96-bit nonce for callers
// that need to mint one rather than validate an incoming one.
func GenerateNonce() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// CheckAndRecordNonce atomically checks and redeems a (kid, nonce) pair. A
// nil client (Redis unreachable) fails open rather than blocking every
// attest/handshake message on Redis availability; the envelope's freshness
// and signature checks still run independently.
func (rp *ReplayProtection) CheckAndRecordNonce(ctx context.Context, kid, nonce string) error {
	if rp.client == nil {
		return nil
	}

	key := fmt.Sprintf("nonce:%s:%s", kid, nonce)
	ok, err := rp.client.SetNX(ctx, key, "1", rp.maxAge).Result()
	if err != nil {
		return apperrors.NewCacheError(err)
	}
	if !ok {
		return apperrors.Replay()
	}
	return nil
}
