// Package models defines the coordinator's data model: challenges, validator
// sessions, attestation sessions, jobs, and the wire types validators speak.
package models

import "time"

// ChallengeStatus is the lifecycle state of a Challenge.
type ChallengeStatus string

const (
	ChallengeDraft   ChallengeStatus = "draft"
	ChallengeActive  ChallengeStatus = "active"
	ChallengeRetired ChallengeStatus = "retired"
)

// Challenge is an evaluation program that owns a set of jobs and declares the
// software configuration (ComposeHash) validators must run to be eligible.
type Challenge struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	ComposeHash string          `json:"compose_hash"`
	Status      ChallengeStatus `json:"status"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// AttestationKind distinguishes the verification path used for a session.
type AttestationKind string

const (
	AttestationKindLocal AttestationKind = "local"
	AttestationKindFull  AttestationKind = "full"
)

// AttestationStatus is the lifecycle state of an AttestationSession.
type AttestationStatus string

const (
	AttestationPending  AttestationStatus = "pending"
	AttestationVerified AttestationStatus = "verified"
	AttestationFailed   AttestationStatus = "failed"
	AttestationExpired  AttestationStatus = "expired"
)

// TEEIdentity is the triple a TDX quote's event log binds a validator to.
type TEEIdentity struct {
	AppID      string `json:"app_id"`
	InstanceID string `json:"instance_id"`
	DeviceID   string `json:"device_id"`
}

// Hotkey derives the validator hotkey string the registry keys sessions by.
// Only used as a fallback identity when no SS58 public key accompanies the
// attestation; the real hotkey is the validator's sr25519 SS58 address.
func (t TEEIdentity) Hotkey() string {
	return "validator-" + t.AppID + "-" + t.InstanceID
}

// AttestationSession is created by the Attestation Verifier and lives until
// expiry; it is looked up by either identity or token.
type AttestationSession struct {
	ID          string            `json:"id"`
	Hotkey      string            `json:"hotkey"`
	Identity    TEEIdentity       `json:"identity"`
	Kind        AttestationKind   `json:"kind"`
	Status      AttestationStatus `json:"status"`
	Token       string            `json:"token"`
	Measurements map[string]string `json:"measurements,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   time.Time         `json:"expires_at"`
}

// ValidatorSessionStatus reflects the per-compose-hash eligibility of a
// validator within a challenge.
type ValidatorSessionStatus string

const (
	ValidatorActive   ValidatorSessionStatus = "active"
	ValidatorDisabled ValidatorSessionStatus = "disabled"
	ValidatorPaused   ValidatorSessionStatus = "paused"
)

// JobPriority orders jobs for operator-facing reporting; the dispatch fabric
// itself does not schedule by priority, only records it.
type JobPriority string

const (
	PriorityLow      JobPriority = "low"
	PriorityNormal   JobPriority = "normal"
	PriorityHigh     JobPriority = "high"
	PriorityCritical JobPriority = "critical"
)

// JobStatus is the Job State Machine's state.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobClaimed   JobStatus = "claimed"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is the durable record of a unit of work submitted by a challenge.
type Job struct {
	ID                 string      `json:"id"`
	ChallengeID         string      `json:"challenge_id"`
	Payload             []byte      `json:"payload"`
	Priority            JobPriority `json:"priority"`
	Runtime             string      `json:"runtime"`
	Status              JobStatus   `json:"status"`
	RetryCount          int         `json:"retry_count"`
	MaxRetries          int         `json:"max_retries"`
	AssignedValidators  []string    `json:"assigned_validators"`
	ReturnAddress       string      `json:"return_address,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	ClaimedAt           *time.Time  `json:"claimed_at,omitempty"`
	CompletedAt         *time.Time  `json:"completed_at,omitempty"`
	TimeoutAt           time.Time   `json:"timeout_at"`
	Result              []byte      `json:"result,omitempty"`
	Error               string      `json:"error,omitempty"`
}

// JobCacheEntry is the in-memory dispatch-facing view of a job; canonical
// truth always lives in Storage.
type JobCacheEntry struct {
	JobID              string    `json:"job_id"`
	Status             JobStatus `json:"status"`
	AssignedValidators []string  `json:"assigned_validators"`
	ReturnAddress      string    `json:"return_address,omitempty"`
	LastTransitionAt   time.Time `json:"last_transition_at"`
}

// JobSpec is the caller-facing shape for dispatching a job, carrying only
// what the dispatch fabric needs to build a job_execute frame.
type JobSpec struct {
	JobID         string `json:"job_id"`
	JobName       string `json:"job_name"`
	Payload       []byte `json:"payload"`
	ComposeHash   string `json:"compose_hash"`
	ChallengeID   string `json:"challenge_id"`
	ReturnAddress string `json:"return_address,omitempty"`
}

// JobTestResult is a paginated detail row attached to a job, keyed by id and
// foreign-keyed to jobs.id.
type JobTestResult struct {
	ID              string         `json:"id"`
	JobID           string         `json:"job_id"`
	TaskID          string         `json:"task_id"`
	TestName        string         `json:"test_name,omitempty"`
	Status          string         `json:"status"`
	IsResolved      bool           `json:"is_resolved"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ExecutionTimeMs *int64         `json:"execution_time_ms,omitempty"`
	OutputText      string         `json:"output_text,omitempty"`
	Logs            map[string]any `json:"logs,omitempty"`
	Metrics         map[string]any `json:"metrics,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// VMConfig is the validator's declared compute envelope, reported in the
// attestation message and checked against the expected compose config.
type VMConfig struct {
	VCPUCount    int    `json:"vcpu_count"`
	MemoryBytes  int64  `json:"memory_bytes"`
	OSImageHash  string `json:"os_image_hash"`
	RequiredEnv  []string `json:"required_env,omitempty"`
}

// VMComposeConfig is the expected deployment manifest for a VM class (e.g.
// "validator_vm"), keyed by vm_type, used to rebuild the canonical manifest
// and recompute its compose hash.
type VMComposeConfig struct {
	VMType            string   `json:"vm_type"`
	Name              string   `json:"name"`
	DockerComposeFile string   `json:"docker_compose_file"`
	RequiredEnv       []string `json:"required_env"`
	ExpectedHash      string   `json:"expected_hash,omitempty"`
}

// SecureMessage is the wire envelope every validator-originated message is
// wrapped in.
type SecureMessage struct {
	MessageType string          `json:"message_type"`
	Timestamp   int64           `json:"timestamp"`
	Nonce       string          `json:"nonce"`
	PublicKey   string          `json:"public_key"`
	Signature   string          `json:"signature"`
	Data        map[string]any  `json:"data"`
}

// AttestationMessage is a SecureMessage plus TDX evidence, sent as the first
// frame on a validator connection.
type AttestationMessage struct {
	SecureMessage
	Quote       string    `json:"quote"`
	EventLog    string    `json:"event_log,omitempty"`
	Measurements map[string]string `json:"measurements,omitempty"`
	VMConfig    *VMConfig `json:"vm_config,omitempty"`
}

// TokenClaims are the HS256 session-token claims issued on successful
// attestation.
type TokenClaims struct {
	Subject    string `json:"sub"`
	JTI        string `json:"jti"`
	Audience   string `json:"aud"`
	AppID      string `json:"app_id"`
	InstanceID string `json:"instance_id"`
	DeviceID   string `json:"device_id"`
	IssuedAt   int64  `json:"iat"`
	ExpiresAt  int64  `json:"exp"`
}
