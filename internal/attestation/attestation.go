// Package attestation implements the Attestation Verifier: quote checks,
// compose-hash binding, challenge-nonce binding, and short-lived session
// token issuance.
package attestation

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/teeplatform/validator-coordinator/internal/apperrors"
	"github.com/teeplatform/validator-coordinator/internal/config"
	"github.com/teeplatform/validator-coordinator/internal/verifierclient"
	"github.com/teeplatform/validator-coordinator/pkg/canonical"
	"github.com/teeplatform/validator-coordinator/pkg/models"
)

const tokenAudience = "platform-executor"
const tokenTTL = 300 * time.Second

// ComposeConfigLookup fetches the expected deployment manifest for a VM
// class, used to recompute the expected compose hash.
type ComposeConfigLookup interface {
	GetByVMType(ctx context.Context, vmType string) (*models.VMComposeConfig, error)
}

// Verifier runs the two attestation paths (local-only, full) and issues
// session tokens on success.
type Verifier struct {
	cfg        *config.Config
	composeCfg ComposeConfigLookup
	external   *verifierclient.Client
	signingKey []byte
}

func NewVerifier(cfg *config.Config, composeCfg ComposeConfigLookup, external *verifierclient.Client) (*Verifier, error) {
	if cfg.JWTSecret == config.DefaultSecretSentinel {
		return nil, apperrors.DefaultSecretForbidden()
	}
	return &Verifier{
		cfg:        cfg,
		composeCfg: composeCfg,
		external:   external,
		signingKey: []byte(cfg.JWTSecret),
	}, nil
}

// Verify runs the full attestation check against an incoming attest message
// and, on success, returns a verified AttestationSession plus its signed
// token. challengeBytes, when non-nil, binds the quote's report_data to a
// caller-issued challenge nonce.
func (v *Verifier) Verify(ctx context.Context, msg models.AttestationMessage, challengeBytes []byte) (*models.AttestationSession, string, error) {
	ctx, cancel := context.WithTimeout(ctx, v.cfg.VerificationTimeout)
	defer cancel()

	quoteBytes, err := decodeQuote(msg.Quote)
	if err != nil {
		return nil, "", apperrors.MalformedQuote(err)
	}
	if len(quoteBytes) == 0 {
		return nil, "", apperrors.MissingQuote()
	}

	if msg.EventLog == "" {
		return nil, "", apperrors.EventLogMissing()
	}
	entries, err := parseEventLog(msg.EventLog)
	if err != nil {
		return nil, "", apperrors.EventLogMissing()
	}
	composeHash, err := composeHashFromEntries(entries)
	if err != nil {
		return nil, "", apperrors.EventLogMissing()
	}

	var identity models.TEEIdentity
	var measurements map[string]string

	if v.cfg.VerifierURL == "" {
		identity, measurements, err = v.verifyLocalOnly(quoteBytes, entries)
	} else {
		identity, measurements, err = v.verifyFullPath(ctx, quoteBytes, msg)
	}
	if err != nil {
		return nil, "", err
	}

	if err := v.checkComposeHash(ctx, msg.VMConfig, composeHash); err != nil {
		return nil, "", err
	}

	if challengeBytes != nil {
		if err := checkChallengeBinding(quoteBytes, challengeBytes); err != nil {
			return nil, "", err
		}
	}

	now := time.Now().UTC()
	session := &models.AttestationSession{
		ID:           uuid.NewString(),
		Hotkey:       identity.Hotkey(),
		Identity:     identity,
		Kind:         v.kind(),
		Status:       models.AttestationVerified,
		Measurements: measurements,
		CreatedAt:    now,
		ExpiresAt:    now.Add(v.cfg.SessionTimeout),
	}
	if msg.PublicKey != "" {
		session.Hotkey = msg.PublicKey
	}

	token, err := v.issueToken(session, identity)
	if err != nil {
		return nil, "", fmt.Errorf("issue token: %w", err)
	}
	session.Token = token

	return session, token, nil
}

func (v *Verifier) kind() models.AttestationKind {
	if v.cfg.VerifierURL == "" {
		return models.AttestationKindLocal
	}
	return models.AttestationKindFull
}

// verifyLocalOnly trusts the quote once it parses structurally and derives
// the TEE identity from the event log's own measurement-extension entries —
// never from a client-declared sibling field, since nothing the validator
// supplies outside the quote/event log is trustworthy input to identity.
// Used only when no external verifier is configured.
func (v *Verifier) verifyLocalOnly(quote []byte, entries []eventLogEntry) (models.TEEIdentity, map[string]string, error) {
	if len(quote) < 632 {
		return models.TEEIdentity{}, nil, apperrors.MalformedQuote(fmt.Errorf("quote too short: %d bytes", len(quote)))
	}
	identity, err := identityFromEntries(entries)
	if err != nil {
		return models.TEEIdentity{}, nil, apperrors.IdentityUnverifiable(err)
	}
	return identity, measurementsFromIdentity(identity), nil
}

// verifyFullPath delegates to the external dstack-verifier oracle; all four
// reported sub-checks must pass. The TEE identity is taken from the oracle's
// own verified response fields, never echoed back from the request.
func (v *Verifier) verifyFullPath(ctx context.Context, quote []byte, msg models.AttestationMessage) (models.TEEIdentity, map[string]string, error) {
	if msg.VMConfig == nil {
		return models.TEEIdentity{}, nil, apperrors.MissingQuote()
	}

	vmConfigJSON, err := json.Marshal(msg.VMConfig)
	if err != nil {
		return models.TEEIdentity{}, nil, fmt.Errorf("marshal vm_config: %w", err)
	}

	req := verifierclient.VerificationRequest{
		QuoteHex: hex.EncodeToString(quote),
		EventLog: msg.EventLog,
		VMConfig: vmConfigJSON,
		PCCSURL:  v.cfg.PCCSURL,
	}
	resp, err := v.external.Verify(ctx, req)
	if err != nil {
		return models.TEEIdentity{}, nil, apperrors.VerifierTimeout(err)
	}
	if !resp.IsValid || !resp.QuoteVerified || !resp.EventLogVerified || !resp.OSImageHashVerified {
		reason := resp.Reason
		if reason == "" {
			reason = "verifier rejected attestation"
		}
		return models.TEEIdentity{}, nil, apperrors.VerifierRejected(reason)
	}
	if resp.AppID == "" || resp.InstanceID == "" {
		return models.TEEIdentity{}, nil, apperrors.IdentityUnverifiable(fmt.Errorf("oracle response carries no app_id/instance_id"))
	}
	identity := models.TEEIdentity{AppID: resp.AppID, InstanceID: resp.InstanceID, DeviceID: resp.DeviceID}
	return identity, measurementsFromIdentity(identity), nil
}

func measurementsFromIdentity(identity models.TEEIdentity) map[string]string {
	return map[string]string{
		"app_id":      identity.AppID,
		"instance_id": identity.InstanceID,
		"device_id":   identity.DeviceID,
	}
}

// checkComposeHash rebuilds the canonical manifest for the validator VM
// class and requires the reported compose hash to match byte-for-byte.
func (v *Verifier) checkComposeHash(ctx context.Context, vmCfg *models.VMConfig, reportedHash string) error {
	expectedCfg, err := v.composeCfg.GetByVMType(ctx, "validator_vm")
	if err != nil {
		return apperrors.NewStorageError(err)
	}

	var requiredEnv []string
	if vmCfg != nil {
		requiredEnv = vmCfg.RequiredEnv
	}
	allowedEnvs := canonical.AllowedEnvs(requiredEnv)

	manifest := canonical.ComposeManifest{
		Name:              expectedCfg.Name,
		DockerComposeFile: expectedCfg.DockerComposeFile,
		AllowedEnvs:       allowedEnvs,
	}

	expectedHash, err := canonical.ComposeHash(manifest)
	if err != nil {
		return fmt.Errorf("compute expected compose hash: %w", err)
	}

	if expectedHash != reportedHash {
		return apperrors.ComposeHashMismatch(expectedHash, reportedHash)
	}
	return nil
}

// checkChallengeBinding requires the quote's report_data[568:632) leading 32
// bytes to equal SHA-256(challengeBytes).
func checkChallengeBinding(quote, challengeBytes []byte) error {
	if len(quote) < 632 {
		return apperrors.ChallengeBindingMismatch()
	}
	reportData := quote[568:632]
	want := sha256.Sum256(challengeBytes)
	have := reportData[:32]
	for i := range want {
		if have[i] != want[i] {
			return apperrors.ChallengeBindingMismatch()
		}
	}
	return nil
}

// eventLogEntry is one measurement extension record the TEE's boot sequence
// appended to the event log; these are reported by the runtime, never
// declared by the validator process, which is what makes them suitable
// ground truth for both the compose hash and the TEE identity.
type eventLogEntry struct {
	EventType string `json:"event_type"`
	Digest    string `json:"digest"`
}

// parseEventLog decodes the event log's JSON array of measurement
// extensions.
func parseEventLog(eventLog string) ([]eventLogEntry, error) {
	var entries []eventLogEntry
	if err := json.Unmarshal([]byte(eventLog), &entries); err != nil {
		return nil, fmt.Errorf("event log is not valid JSON")
	}
	return entries, nil
}

// composeHashFromEntries pulls the compose-hash record out of the parsed
// event log.
func composeHashFromEntries(entries []eventLogEntry) (string, error) {
	for _, e := range entries {
		if e.EventType == "compose-hash" {
			return e.Digest, nil
		}
	}
	return "", fmt.Errorf("no compose-hash record in event log")
}

// identityFromEntries pulls the TEE identity triple out of the parsed event
// log's own "app-id"/"instance-id"/"device-id" measurement-extension
// records. app-id and instance-id must both be present; device-id is
// optional and defaults to empty, mirroring the upstream verifier's
// treatment of an absent device measurement.
func identityFromEntries(entries []eventLogEntry) (models.TEEIdentity, error) {
	var identity models.TEEIdentity
	for _, e := range entries {
		switch e.EventType {
		case "app-id":
			identity.AppID = e.Digest
		case "instance-id":
			identity.InstanceID = e.Digest
		case "device-id":
			identity.DeviceID = e.Digest
		}
	}
	if identity.AppID == "" || identity.InstanceID == "" {
		return models.TEEIdentity{}, fmt.Errorf("event log is missing app-id or instance-id records")
	}
	return identity, nil
}

// decodeQuote accepts base64 (current wire form) or hex (legacy) encoding.
func decodeQuote(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	if b, err := hex.DecodeString(s); err == nil {
		return b, nil
	}
	return nil, fmt.Errorf("quote is neither valid base64 nor hex")
}

// issueToken signs an HS256 session token bound to the verified identity.
func (v *Verifier) issueToken(session *models.AttestationSession, identity models.TEEIdentity) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":         session.ID,
		"jti":         session.ID,
		"aud":         tokenAudience,
		"exp":         now.Add(tokenTTL).Unix(),
		"iat":         now.Unix(),
		"app_id":      identity.AppID,
		"instance_id": identity.InstanceID,
		"device_id":   identity.DeviceID,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(v.signingKey)
}

// VerifyToken checks signature, audience, expiry, and required claims.
func (v *Verifier) VerifyToken(tokenStr string) (*models.TokenClaims, error) {
	parsed, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.signingKey, nil
	}, jwt.WithAudience(tokenAudience), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !parsed.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("unexpected claims type")
	}

	appID, _ := claims["app_id"].(string)
	instanceID, _ := claims["instance_id"].(string)
	if appID == "" || instanceID == "" {
		return nil, fmt.Errorf("missing app_id or instance_id claim")
	}

	exp, _ := claims["exp"].(float64)
	iat, _ := claims["iat"].(float64)
	sub, _ := claims["sub"].(string)
	jti, _ := claims["jti"].(string)
	deviceID, _ := claims["device_id"].(string)

	return &models.TokenClaims{
		Subject:    sub,
		JTI:        jti,
		Audience:   tokenAudience,
		AppID:      appID,
		InstanceID: instanceID,
		DeviceID:   deviceID,
		IssuedAt:   int64(iat),
		ExpiresAt:  int64(exp),
	}, nil
}
