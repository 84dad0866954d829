package envelope

import (
	"encoding/hex"
	"testing"
	"time"

	subkeysr25519 "github.com/vedhavyas/go-subkey/v2/sr25519"
	"github.com/stretchr/testify/require"

	"github.com/teeplatform/validator-coordinator/pkg/canonical"
	"github.com/teeplatform/validator-coordinator/pkg/models"
)

// sign builds a SecureMessage with a real sr25519 signature so Verify
// exercises the full decode/verify path, not just the failure branches.
func sign(t *testing.T, msgType string, timestamp int64, nonce string, data map[string]any) (models.SecureMessage, func([]byte)) {
	t.Helper()
	scheme := subkeysr25519.Scheme{}
	kp, err := scheme.Generate()
	require.NoError(t, err)

	dataCanonical, err := canonical.ReserializeDataCanonical(data)
	require.NoError(t, err)
	signed := []byte(msgType + itoa(timestamp) + nonce + dataCanonical)
	sig, err := kp.Sign(signed)
	require.NoError(t, err)

	msg := models.SecureMessage{
		MessageType: msgType,
		Timestamp:   timestamp,
		Nonce:       nonce,
		PublicKey:   kp.SS58Address(42),
		Signature:   hex.EncodeToString(sig),
		Data:        data,
	}
	flip := func(raw []byte) {}
	_ = flip
	return msg, nil
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func TestVerify_ValidEnvelope(t *testing.T) {
	now := time.Now()
	msg, _ := sign(t, "heartbeat", now.Unix(), "n-1", map[string]any{})
	err := Verify(msg, msg.PublicKey, now)
	require.NoError(t, err)
}

func TestVerify_FlippedSignatureBit(t *testing.T) {
	now := time.Now()
	msg, _ := sign(t, "heartbeat", now.Unix(), "n-1", map[string]any{})
	raw, err := hex.DecodeString(msg.Signature)
	require.NoError(t, err)
	raw[0] ^= 0x01
	msg.Signature = hex.EncodeToString(raw)

	err = Verify(msg, msg.PublicKey, now)
	require.Error(t, err)
}

func TestVerify_StaleMessage(t *testing.T) {
	now := time.Now()
	old := now.Add(-time.Hour)
	msg, _ := sign(t, "heartbeat", old.Unix(), "n-1", map[string]any{})
	err := Verify(msg, msg.PublicKey, now)
	require.Error(t, err)
}

func TestVerify_FutureDatedMessageRejected(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	msg, _ := sign(t, "heartbeat", future.Unix(), "n-1", map[string]any{})
	err := Verify(msg, msg.PublicKey, now)
	require.Error(t, err)
}

func TestVerify_IdentityMismatch(t *testing.T) {
	now := time.Now()
	msg, _ := sign(t, "heartbeat", now.Unix(), "n-1", map[string]any{})
	err := Verify(msg, "some-other-hotkey", now)
	require.Error(t, err)
}

func TestVerify_ReserializedDataStillVerifies(t *testing.T) {
	now := time.Now()
	data := map[string]any{"b": 1, "a": 2}
	msg, _ := sign(t, "job_result", now.Unix(), "n-2", data)

	// Re-decode/re-encode data with a different key insertion order; the
	// canonicalizer must still produce the same signed bytes.
	reordered := map[string]any{"a": 2, "b": 1}
	msg.Data = reordered

	err := Verify(msg, msg.PublicKey, now)
	require.NoError(t, err)
}
