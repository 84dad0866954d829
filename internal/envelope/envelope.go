// Package envelope implements the Secure Envelope: the five ordered checks
// every validator-originated message passes through before anything in it is
// trusted. The envelope check itself is stateless; nonce replay protection is
// layered on top by the caller via internal/security.
package envelope

import (
	"fmt"
	"strconv"
	"time"

	"github.com/teeplatform/validator-coordinator/internal/apperrors"
	"github.com/teeplatform/validator-coordinator/pkg/canonical"
	"github.com/teeplatform/validator-coordinator/pkg/models"
	"github.com/teeplatform/validator-coordinator/pkg/sr25519"
)

// FreshnessWindow is the maximum age of a message timestamp, and equally the
// maximum allowed clock-skew into the future.
const FreshnessWindow = 30 * time.Second

// Verify runs the five ordered checks against a SecureMessage and returns the
// first failure, or nil on success.
func Verify(msg models.SecureMessage, expectedHotkey string, now time.Time) error {
	if err := checkFreshness(msg.Timestamp, now); err != nil {
		return err
	}
	if msg.PublicKey != expectedHotkey {
		return apperrors.IdentityMismatch()
	}
	pubKey, err := sr25519.DecodePublicKey(msg.PublicKey)
	if err != nil {
		return apperrors.MalformedKey(err)
	}
	sig, err := sr25519.DecodeSignature(msg.Signature)
	if err != nil {
		return apperrors.MalformedSignature(err)
	}
	signed, err := signedBytes(msg)
	if err != nil {
		return apperrors.MalformedSignature(err)
	}
	ok, err := sr25519.Verify(pubKey, signed, sig)
	if err != nil || !ok {
		return apperrors.BadSignature()
	}
	return nil
}

// checkFreshness rejects messages older than FreshnessWindow and,
// symmetrically, messages dated more than FreshnessWindow into the future:
// the age is the absolute difference between now and the timestamp.
func checkFreshness(timestamp int64, now time.Time) error {
	msgTime := time.Unix(timestamp, 0)
	var age time.Duration
	if now.After(msgTime) {
		age = now.Sub(msgTime)
	} else {
		age = msgTime.Sub(now)
	}
	if age > FreshnessWindow {
		return apperrors.Stale()
	}
	return nil
}

// signedBytes rebuilds the exact byte concatenation the signature was
// computed over: message_type || timestamp_decimal || nonce || data_canonical.
func signedBytes(msg models.SecureMessage) ([]byte, error) {
	dataCanonical, err := canonical.ReserializeDataCanonical(msg.Data)
	if err != nil {
		return nil, fmt.Errorf("envelope: canonicalize data: %w", err)
	}
	s := msg.MessageType + strconv.FormatInt(msg.Timestamp, 10) + msg.Nonce + dataCanonical
	return []byte(s), nil
}
