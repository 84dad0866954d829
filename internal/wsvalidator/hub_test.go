package wsvalidator

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	subkeysr25519 "github.com/vedhavyas/go-subkey/v2/sr25519"

	"github.com/teeplatform/validator-coordinator/pkg/canonical"
	"github.com/teeplatform/validator-coordinator/pkg/models"
)

// testKey builds SecureMessage frames with a real sr25519 signature, the
// way internal/envelope's own tests do, so the hub's real envelope checks
// are exercised end to end rather than stubbed out.
type testKey struct {
	hotkey string
	sign   func(msgType string, timestamp int64, nonce string, data map[string]any) models.SecureMessage
}

func newTestKey(t *testing.T) testKey {
	t.Helper()
	scheme := subkeysr25519.Scheme{}
	kp, err := scheme.Generate()
	require.NoError(t, err)
	hotkey := kp.SS58Address(42)

	signFn := func(msgType string, timestamp int64, nonce string, data map[string]any) models.SecureMessage {
		dataCanonical, err := canonical.ReserializeDataCanonical(data)
		require.NoError(t, err)
		signed := []byte(msgType + itoa64(timestamp) + nonce + dataCanonical)
		sig, err := kp.Sign(signed)
		require.NoError(t, err)
		return models.SecureMessage{
			MessageType: msgType,
			Timestamp:   timestamp,
			Nonce:       nonce,
			PublicKey:   hotkey,
			Signature:   hex.EncodeToString(sig),
			Data:        data,
		}
	}
	return testKey{hotkey: hotkey, sign: signFn}
}

func itoa64(n int64) string {
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

type fakeRegistry struct {
	mu         sync.Mutex
	registered map[string]chan []byte
	statuses   map[string]models.ValidatorSessionStatus
	touched    map[string]int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		registered: make(map[string]chan []byte),
		statuses:   make(map[string]models.ValidatorSessionStatus),
		touched:    make(map[string]int),
	}
}

func (f *fakeRegistry) Register(att models.AttestationSession, composeHashes []string) (chan []byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan []byte, 8)
	f.registered[att.Hotkey] = ch
	return ch, nil
}
func (f *fakeRegistry) Deregister(hotkey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.registered, hotkey)
}
func (f *fakeRegistry) SetChallengeStatus(hotkey, composeHash string, status models.ValidatorSessionStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[hotkey+"/"+composeHash] = status
}
func (f *fakeRegistry) Touch(hotkey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched[hotkey]++
}

type fakeVerifier struct {
	hotkey string
	token  string
	err    error
}

func (f *fakeVerifier) Verify(ctx context.Context, msg models.AttestationMessage, challengeBytes []byte) (*models.AttestationSession, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	return &models.AttestationSession{Hotkey: f.hotkey, Status: models.AttestationVerified}, f.token, nil
}

type fakeResults struct {
	mu      sync.Mutex
	forward []string
}

func (f *fakeResults) ForwardResult(ctx context.Context, jobID string, result json.RawMessage, errMsg string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forward = append(f.forward, jobID)
	return nil
}

type fakeNonces struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newFakeNonces() *fakeNonces { return &fakeNonces{seen: make(map[string]bool)} }

func (f *fakeNonces) CheckAndRecordNonce(ctx context.Context, kid, nonce string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := kid + "/" + nonce
	if f.seen[key] {
		return context.DeadlineExceeded
	}
	f.seen[key] = true
	return nil
}

func dialHub(t *testing.T, hub *Hub) (*websocket.Conn, func()) {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	wsURL := "ws" + ts.URL[len("http"):]
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	return conn, func() { conn.Close(); ts.Close() }
}

func attestFrame(k testKey) []byte {
	msg := models.AttestationMessage{
		SecureMessage: k.sign(msgTypeAttest, time.Now().Unix(), "nonce-attest", map[string]any{}),
		Quote:         "dummy",
	}
	b, _ := json.Marshal(msg)
	return b
}

func TestHub_HandshakeSuccess_RegistersAndAcks(t *testing.T) {
	key := newTestKey(t)
	reg := newFakeRegistry()
	verifier := &fakeVerifier{hotkey: key.hotkey, token: "signed-token"}
	hub := NewHub(reg, verifier, &fakeResults{}, newFakeNonces(), time.Second)
	conn, cleanup := dialHub(t, hub)
	defer cleanup()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, attestFrame(key)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)

	var ack map[string]any
	require.NoError(t, json.Unmarshal(raw, &ack))
	require.Equal(t, msgTypeAttestAck, ack["type"])
	require.Equal(t, "signed-token", ack["token"])

	reg.mu.Lock()
	_, ok := reg.registered[key.hotkey]
	reg.mu.Unlock()
	require.True(t, ok, "hub should have registered the session")
}

func TestHub_HandshakeRejectsWrongFirstFrameType(t *testing.T) {
	key := newTestKey(t)
	reg := newFakeRegistry()
	verifier := &fakeVerifier{hotkey: key.hotkey}
	hub := NewHub(reg, verifier, &fakeResults{}, newFakeNonces(), time.Second)
	conn, cleanup := dialHub(t, hub)
	defer cleanup()

	msg := key.sign(msgTypeHeartbeat, time.Now().Unix(), "n-1", map[string]any{})
	frame, _ := json.Marshal(msg)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, frame))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var errFrame map[string]any
	require.NoError(t, json.Unmarshal(raw, &errFrame))
	require.Equal(t, msgTypeError, errFrame["type"])
}

func TestHub_SteadyState_ChallengeStatusAndJobResultAndHeartbeat(t *testing.T) {
	key := newTestKey(t)
	reg := newFakeRegistry()
	verifier := &fakeVerifier{hotkey: key.hotkey, token: "tok"}
	results := &fakeResults{}
	nonces := newFakeNonces()

	hub := NewHub(reg, verifier, results, nonces, time.Second)
	conn, cleanup := dialHub(t, hub)
	defer cleanup()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, attestFrame(key)))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage() // drain attest_ack
	require.NoError(t, err)

	statusMsg := key.sign(msgTypeChallengeStatus, time.Now().Unix(), "nonce-b", map[string]any{"compose_hash": "deadbeef", "status": "active"})
	statusFrame, _ := json.Marshal(statusMsg)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, statusFrame))

	resultMsg := key.sign(msgTypeJobResult, time.Now().Unix(), "nonce-c", map[string]any{"job_id": "job-1", "result": map[string]any{"ok": true}})
	resultFrame, _ := json.Marshal(resultMsg)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, resultFrame))

	heartbeatMsg := key.sign(msgTypeHeartbeat, time.Now().Unix(), "nonce-d", map[string]any{})
	heartbeatFrame, _ := json.Marshal(heartbeatMsg)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, heartbeatFrame))

	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		return reg.statuses[key.hotkey+"/deadbeef"] == models.ValidatorActive && reg.touched[key.hotkey] > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		results.mu.Lock()
		defer results.mu.Unlock()
		return len(results.forward) == 1 && results.forward[0] == "job-1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_Deregister_OnDisconnect(t *testing.T) {
	key := newTestKey(t)
	reg := newFakeRegistry()
	verifier := &fakeVerifier{hotkey: key.hotkey, token: "tok"}
	hub := NewHub(reg, verifier, &fakeResults{}, newFakeNonces(), time.Second)
	conn, cleanup := dialHub(t, hub)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, attestFrame(key)))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.NoError(t, err)

	cleanup()

	require.Eventually(t, func() bool {
		reg.mu.Lock()
		defer reg.mu.Unlock()
		_, ok := reg.registered[key.hotkey]
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}
