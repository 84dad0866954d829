// Package wsvalidator is the validator WebSocket frame layer: it terminates
// the TCP upgrade, runs the attestation handshake, and then shuttles Secure
// Message frames between the Validator Registry/Dispatch Fabric and each
// live validator connection. It is adapted from the teacher's
// internal/websocket hub — same register/unregister/broadcast shape,
// generalized from a single global broadcast channel to one bounded egress
// channel per validator hotkey (owned by internal/registry) and from
// untyped broadcast messages to the spec's five `message_type` frames.
package wsvalidator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/teeplatform/validator-coordinator/internal/apperrors"
	"github.com/teeplatform/validator-coordinator/internal/envelope"
	"github.com/teeplatform/validator-coordinator/internal/logging"
	"github.com/teeplatform/validator-coordinator/internal/metrics"
	"github.com/teeplatform/validator-coordinator/internal/registry"
	"github.com/teeplatform/validator-coordinator/pkg/models"
)

const (
	msgTypeAttest          = "attest"
	msgTypeAttestAck       = "attest_ack"
	msgTypeChallengeStatus = "challenge_status"
	msgTypeJobExecute      = "job_execute"
	msgTypeJobResult       = "job_result"
	msgTypeHeartbeat       = "heartbeat"
	msgTypeError           = "error"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SessionRegistry is the subset of *registry.Registry the hub drives.
type SessionRegistry interface {
	Register(att models.AttestationSession, composeHashes []string) (chan []byte, error)
	Deregister(hotkey string)
	SetChallengeStatus(hotkey, composeHash string, status models.ValidatorSessionStatus)
	Touch(hotkey string)
}

// Verifier is the subset of *attestation.Verifier the hub needs to run the
// attestation handshake on the first frame of a connection.
type Verifier interface {
	Verify(ctx context.Context, msg models.AttestationMessage, challengeBytes []byte) (*models.AttestationSession, string, error)
}

// ResultHandler is the subset of *dispatch.Fabric the hub needs to resolve
// job_result frames arriving from a validator.
type ResultHandler interface {
	ForwardResult(ctx context.Context, jobID string, result json.RawMessage, errMsg string) error
}

// NonceChecker guards against replayed (hotkey, nonce) pairs; layered above
// the stateless envelope check per §4.1.
type NonceChecker interface {
	CheckAndRecordNonce(ctx context.Context, kid, nonce string) error
}

// Hub owns every live validator WebSocket connection.
type Hub struct {
	registry   SessionRegistry
	verifier   Verifier
	results    ResultHandler
	nonces     NonceChecker
	handshakeTimeout time.Duration
}

func NewHub(reg SessionRegistry, verifier Verifier, results ResultHandler, nonces NonceChecker, handshakeTimeout time.Duration) *Hub {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 30 * time.Second
	}
	return &Hub{registry: reg, verifier: verifier, results: results, nonces: nonces, handshakeTimeout: handshakeTimeout}
}

// ServeWS upgrades the HTTP connection and drives it through the
// attestation handshake into steady state, per §6's connection lifecycle:
// TCP upgrade -> attest -> verifier OK -> session recorded -> steady state
// -> disconnect.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.L().Error().Err(err).Msg("wsvalidator: upgrade failed")
		return
	}
	defer conn.Close()

	hotkey, egress, err := h.handshake(conn)
	if err != nil {
		logging.L().Warn().Err(err).Msg("wsvalidator: attestation handshake failed")
		_ = conn.WriteJSON(errorFrame(err))
		return
	}
	metrics.WebSocketConnections.Inc()
	defer func() {
		h.registry.Deregister(hotkey)
		metrics.WebSocketConnections.Dec()
	}()

	done := make(chan struct{})
	go h.writePump(conn, egress, done)
	h.readPump(conn, hotkey)
	close(done)
}

// handshake reads exactly one frame, requires it to be a valid attest
// message, runs the Attestation Verifier, and registers the resulting
// session. It returns the derived hotkey and the egress channel the write
// pump drains.
func (h *Hub) handshake(conn *websocket.Conn) (string, chan []byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), h.handshakeTimeout)
	defer cancel()

	_, raw, err := conn.ReadMessage()
	if err != nil {
		return "", nil, apperrors.MissingQuote()
	}

	var msg models.AttestationMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", nil, apperrors.New(apperrors.EnvelopeErr, apperrors.CodeMalformedSignature, "attest frame is not valid JSON")
	}
	if msg.MessageType != msgTypeAttest {
		return "", nil, apperrors.New(apperrors.EnvelopeErr, apperrors.CodeIdentityMismatch, "first frame must be of type attest")
	}

	if err := envelope.Verify(msg.SecureMessage, msg.PublicKey, time.Now()); err != nil {
		return "", nil, err
	}
	if h.nonces != nil {
		if err := h.nonces.CheckAndRecordNonce(ctx, msg.PublicKey, msg.Nonce); err != nil {
			return "", nil, err
		}
	}

	start := time.Now()
	session, token, err := h.verifier.Verify(ctx, msg, nil)
	metrics.AttestationDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		var ae *apperrors.AppError
		code := "unknown"
		if errors.As(err, &ae) {
			code = string(ae.Code)
		}
		metrics.AttestationsFailedTotal.WithLabelValues(code).Inc()
		return "", nil, err
	}
	metrics.AttestationsVerifiedTotal.Inc()

	egress, err := h.registry.Register(*session, nil)
	if err != nil {
		return "", nil, err
	}

	ack := map[string]any{"type": msgTypeAttestAck, "token": token, "hotkey": session.Hotkey}
	ackBytes, _ := json.Marshal(ack)
	select {
	case egress <- ackBytes:
	default:
		logging.L().Warn().Str("hotkey", session.Hotkey).Msg("wsvalidator: attest ack dropped, egress full immediately after register")
	}

	return session.Hotkey, egress, nil
}

// writePump drains hotkey's egress channel onto the wire, preserving
// per-validator FIFO order; no cross-validator order is promised.
func (h *Hub) writePump(conn *websocket.Conn, egress chan []byte, done chan struct{}) {
	for {
		select {
		case msg, ok := <-egress:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logging.L().Warn().Err(err).Msg("wsvalidator: write failed, closing connection")
				return
			}
			metrics.WebSocketMessagesSentTotal.Inc()
		case <-done:
			return
		}
	}
}

// readPump processes steady-state frames from an attested validator:
// challenge_status, job_result, and heartbeat.
func (h *Hub) readPump(conn *websocket.Conn, hotkey string) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var msg models.SecureMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logging.L().Warn().Str("hotkey", hotkey).Msg("wsvalidator: malformed frame, ignoring")
			continue
		}
		if err := envelope.Verify(msg, hotkey, time.Now()); err != nil {
			logging.L().Warn().Err(err).Str("hotkey", hotkey).Msg("wsvalidator: envelope check failed")
			continue
		}
		if h.nonces != nil {
			if err := h.nonces.CheckAndRecordNonce(context.Background(), hotkey, msg.Nonce); err != nil {
				logging.L().Warn().Str("hotkey", hotkey).Str("nonce", msg.Nonce).Msg("wsvalidator: nonce replay rejected")
				continue
			}
		}

		switch msg.MessageType {
		case msgTypeChallengeStatus:
			h.handleChallengeStatus(hotkey, msg.Data)
		case msgTypeJobResult:
			h.handleJobResult(hotkey, msg.Data)
		case msgTypeHeartbeat:
			h.registry.Touch(hotkey)
		default:
			logging.L().Warn().Str("hotkey", hotkey).Str("message_type", msg.MessageType).Msg("wsvalidator: unhandled message type")
		}
	}
}

func (h *Hub) handleChallengeStatus(hotkey string, data map[string]any) {
	composeHash, _ := data["compose_hash"].(string)
	statusStr, _ := data["status"].(string)
	if composeHash == "" {
		return
	}
	status := models.ValidatorSessionStatus(statusStr)
	switch status {
	case models.ValidatorActive, models.ValidatorDisabled, models.ValidatorPaused:
	default:
		status = models.ValidatorActive
	}
	h.registry.SetChallengeStatus(hotkey, composeHash, status)
}

func (h *Hub) handleJobResult(hotkey string, data map[string]any) {
	jobID, _ := data["job_id"].(string)
	if jobID == "" {
		return
	}
	errMsg, _ := data["error"].(string)
	result, err := json.Marshal(data["result"])
	if err != nil {
		logging.L().Warn().Err(err).Str("hotkey", hotkey).Str("job_id", jobID).Msg("wsvalidator: failed to re-marshal job result")
		return
	}
	ctx := context.Background()
	if err := h.results.ForwardResult(ctx, jobID, result, errMsg); err != nil {
		if apperrors.IsType(err, apperrors.DispatchErr) {
			logging.L().Warn().Err(err).Str("hotkey", hotkey).Str("job_id", jobID).Msg("wsvalidator: forward_result rejected")
			return
		}
		logging.L().Error().Err(err).Str("hotkey", hotkey).Str("job_id", jobID).Msg("wsvalidator: forward_result failed")
	}
}

func errorFrame(err error) map[string]any {
	code := "internal"
	var ae *apperrors.AppError
	if errors.As(err, &ae) {
		code = string(ae.Code)
	}
	return map[string]any{"type": msgTypeError, "code": code, "message": err.Error()}
}

// compile-time assertion that *registry.Registry satisfies SessionRegistry.
var _ SessionRegistry = (*registry.Registry)(nil)
