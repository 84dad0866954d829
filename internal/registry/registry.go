// Package registry holds the Validator Registry: per-hotkey live sessions,
// their bounded egress channels, and a per-compose-hash eligibility index.
// All structures sit behind a single reader-writer lock, read for the
// eligibility scan, write for registration/deregistration, per the
// concurrency model's one-lock-per-logical-table rule.
package registry

import (
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/teeplatform/validator-coordinator/internal/apperrors"
	"github.com/teeplatform/validator-coordinator/internal/config"
	"github.com/teeplatform/validator-coordinator/internal/logging"
	"github.com/teeplatform/validator-coordinator/internal/metrics"
	"github.com/teeplatform/validator-coordinator/pkg/models"
)

// EgressCapacity bounds each validator's outbound message channel; a full
// channel means the validator is slow and the message is dropped.
const EgressCapacity = 256

// SendResult reports the outcome of a non-blocking send to a validator.
type SendResult string

const (
	SendOK                  SendResult = "ok"
	SendDroppedNoChannel     SendResult = "dropped_no_channel"
	SendDroppedBackpressure  SendResult = "dropped_backpressure"
)

// session is the registry's internal record for one live validator.
type session struct {
	hotkey     string
	egress     chan []byte
	attestation models.AttestationSession
	// composeHashStatus maps compose_hash -> eligibility status.
	composeHashStatus map[string]models.ValidatorSessionStatus
	startedAt  time.Time
	lastSeen   time.Time
}

// Registry is the live validator table.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]*session)}
}

// Register records a validator's live session. The attestation must already
// be Verified. A re-register for the same hotkey supersedes and closes the
// prior egress channel (idempotent per hotkey).
func (r *Registry) Register(att models.AttestationSession, composeHashes []string) (chan []byte, error) {
	if att.Status != models.AttestationVerified {
		return nil, apperrors.New(apperrors.AttestationErr, "", "cannot register a session without a verified attestation")
	}
	if err := checkOperatorTrust(att.Hotkey); err != nil {
		return nil, err
	}
	egress := make(chan []byte, EgressCapacity)
	status := make(map[string]models.ValidatorSessionStatus, len(composeHashes))
	for _, h := range composeHashes {
		status[h] = models.ValidatorActive
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if prior, ok := r.sessions[att.Hotkey]; ok {
		closeEgress(prior.egress)
	}
	now := time.Now()
	r.sessions[att.Hotkey] = &session{
		hotkey:            att.Hotkey,
		egress:            egress,
		attestation:       att,
		composeHashStatus: status,
		startedAt:         now,
		lastSeen:          now,
	}
	return egress, nil
}

// Deregister removes a validator's session, closing its egress channel. Any
// in-flight dispatch targeting this hotkey will observe SendDroppedNoChannel
// on its next send.
func (r *Registry) Deregister(hotkey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[hotkey]; ok {
		closeEgress(s.egress)
		delete(r.sessions, hotkey)
	}
}

// ActiveValidatorsFor scans the eligibility index and returns the hotkeys
// Active for composeHash, in a stable sorted order (callers that need
// load-spreading randomize their own copy).
func (r *Registry) ActiveValidatorsFor(composeHash string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for hotkey, s := range r.sessions {
		if s.composeHashStatus[composeHash] == models.ValidatorActive {
			out = append(out, hotkey)
		}
	}
	sort.Strings(out)
	return out
}

// ValidatorCount returns the count of Active validators for composeHash.
func (r *Registry) ValidatorCount(composeHash string) int {
	return len(r.ActiveValidatorsFor(composeHash))
}

// Send attempts a non-blocking send to hotkey's egress channel.
func (r *Registry) Send(hotkey string, wireMessage []byte) SendResult {
	r.mu.RLock()
	s, ok := r.sessions[hotkey]
	r.mu.RUnlock()
	if !ok {
		return SendDroppedNoChannel
	}
	select {
	case s.egress <- wireMessage:
		return SendOK
	default:
		logging.L().Warn().Str("hotkey", hotkey).Msg("registry: egress backpressure, dropping message")
		metrics.DispatchSendsDroppedTotal.Inc()
		return SendDroppedBackpressure
	}
}

// Touch updates a session's last-seen timestamp (heartbeat bookkeeping).
func (r *Registry) Touch(hotkey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[hotkey]; ok {
		s.lastSeen = time.Now()
	}
}

// SetChallengeStatus declares a validator's eligibility for a compose hash.
func (r *Registry) SetChallengeStatus(hotkey, composeHash string, status models.ValidatorSessionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[hotkey]; ok {
		s.composeHashStatus[composeHash] = status
	}
}

// Has reports whether hotkey currently has a live session.
func (r *Registry) Has(hotkey string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[hotkey]
	return ok
}

// checkOperatorTrust consults the operator-managed trusted-keys allowlist
// (internal/config.GetTrustedKeys) when TRUST_ENFORCE is set. By default any
// attested hotkey may register; this is an additional gate an operator opts
// into on top of attestation, keyed by hotkey as the trust file's KID.
func checkOperatorTrust(hotkey string) error {
	if !strings.EqualFold(os.Getenv("TRUST_ENFORCE"), "true") {
		return nil
	}
	reg, err := config.GetTrustedKeys()
	if err != nil {
		return apperrors.New(apperrors.AttestationErr, "", "trusted keys registry unavailable: "+err.Error())
	}
	entry := reg.ByKID(hotkey)
	status, reason := config.EvaluateKeyTrust(entry, time.Now())
	if status != "trusted" {
		logging.L().Warn().Str("hotkey", hotkey).Str("status", status).Str("reason", reason).Msg("registry: hotkey rejected by trust allowlist")
		return apperrors.New(apperrors.AttestationErr, "", "hotkey not trusted: "+reason)
	}
	return nil
}

func closeEgress(ch chan []byte) {
	defer func() { recover() }() // a second close on an already-closed channel is a bug, not a crash
	close(ch)
}
