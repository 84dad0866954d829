// Package jobs implements the Job State Machine: create/claim/start/complete/
// fail transitions, retry accounting, and the periodic timeout sweep. Every
// transition is written through to Storage in a single transaction before
// the in-memory cache advances.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teeplatform/validator-coordinator/internal/apperrors"
	"github.com/teeplatform/validator-coordinator/internal/logging"
	"github.com/teeplatform/validator-coordinator/internal/metrics"
	"github.com/teeplatform/validator-coordinator/internal/store"
	"github.com/teeplatform/validator-coordinator/pkg/models"
)

// Repo is the subset of JobsRepo the state machine needs, so it can be
// exercised against sqlmock without depending on a concrete *sql.DB.
type Repo interface {
	Create(ctx context.Context, job *models.Job) error
	GetByID(ctx context.Context, id string) (*models.Job, error)
	UpdateTx(ctx context.Context, tx *sql.Tx, job *models.Job) error
	WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error
	ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error)
	ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*models.Job, error)
	Stats(ctx context.Context) (map[models.JobStatus]int, error)
}

// Machine owns the in-memory job cache and drives every state transition
// through Storage.
type Machine struct {
	repo Repo

	mu    sync.RWMutex
	cache map[string]*models.JobCacheEntry
}

func NewMachine(repo *store.JobsRepo) *Machine {
	return &Machine{repo: repo, cache: make(map[string]*models.JobCacheEntry)}
}

// NewMachineWithRepo is used by tests to inject a Repo fake/mock.
func NewMachineWithRepo(repo Repo) *Machine {
	return &Machine{repo: repo, cache: make(map[string]*models.JobCacheEntry)}
}

// Create inserts a new job in Pending status with a computed timeout deadline.
func (m *Machine) Create(ctx context.Context, challengeID string, payload []byte, priority models.JobPriority, runtime string, timeout time.Duration, maxRetries int, returnAddress string) (*models.Job, error) {
	now := time.Now().UTC()
	job := &models.Job{
		ID:            uuid.NewString(),
		ChallengeID:   challengeID,
		Payload:       payload,
		Priority:      priority,
		Runtime:       runtime,
		Status:        models.JobPending,
		MaxRetries:    maxRetries,
		ReturnAddress: returnAddress,
		CreatedAt:     now,
		TimeoutAt:     now.Add(timeout),
	}
	if err := m.repo.Create(ctx, job); err != nil {
		return nil, apperrors.NewStorageError(err)
	}

	m.mu.Lock()
	m.cache[job.ID] = &models.JobCacheEntry{JobID: job.ID, Status: job.Status, ReturnAddress: returnAddress, LastTransitionAt: now}
	m.mu.Unlock()

	metrics.JobTransitionsTotal.WithLabelValues(string(job.Status)).Inc()
	return job, nil
}

// Claim assigns the first Pending job to a validator. claim_specific in the
// spec is ClaimSpecific below; both transition Pending -> Claimed.
func (m *Machine) Claim(ctx context.Context, validator string) (*models.Job, error) {
	pending, err := m.repo.ListByStatus(ctx, models.JobPending, 1)
	if err != nil {
		return nil, apperrors.NewStorageError(err)
	}
	if len(pending) == 0 {
		return nil, apperrors.NewNotFoundError("pending job")
	}
	return m.ClaimSpecific(ctx, pending[0].ID, validator)
}

// ClaimSpecific claims a named job for validator; only legal from Pending.
func (m *Machine) ClaimSpecific(ctx context.Context, jobID, validator string) (*models.Job, error) {
	job, err := m.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, apperrors.UnknownJob(jobID)
	}
	if job.Status != models.JobPending {
		return nil, apperrors.IllegalTransition(string(job.Status), string(models.JobClaimed))
	}

	now := time.Now().UTC()
	job.Status = models.JobClaimed
	job.ClaimedAt = &now
	job.AssignedValidators = append(job.AssignedValidators, validator)

	if err := m.writeThrough(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Start transitions a Claimed job to Running.
func (m *Machine) Start(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := m.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, apperrors.UnknownJob(jobID)
	}
	if job.Status != models.JobClaimed {
		return nil, apperrors.IllegalTransition(string(job.Status), string(models.JobRunning))
	}
	job.Status = models.JobRunning
	if err := m.writeThrough(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Complete transitions any non-terminal job to Completed. A second Complete
// on an already-Completed job is a no-op absorbed silently, handling
// dual-assignment where two validators both report success.
func (m *Machine) Complete(ctx context.Context, jobID string, result []byte) (*models.Job, error) {
	job, err := m.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, apperrors.UnknownJob(jobID)
	}
	if job.Status == models.JobCompleted {
		return job, nil
	}
	if isTerminal(job.Status) {
		return nil, apperrors.AlreadyTerminal()
	}

	now := time.Now().UTC()
	job.Status = models.JobCompleted
	job.CompletedAt = &now
	job.Result = result

	if err := m.writeThrough(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Fail increments retry_count; if still within max_retries it returns the
// job to Pending with claim state reset, else it becomes permanently Failed.
func (m *Machine) Fail(ctx context.Context, jobID, reason string) (*models.Job, error) {
	job, err := m.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, apperrors.UnknownJob(jobID)
	}
	if job.Status == models.JobCompleted {
		return job, nil
	}
	if job.Status == models.JobFailed {
		return job, nil
	}

	job.RetryCount++
	if job.RetryCount <= job.MaxRetries {
		job.Status = models.JobPending
		job.ClaimedAt = nil
		job.AssignedValidators = nil
		metrics.JobRetriesTotal.Inc()
	} else {
		now := time.Now().UTC()
		job.Status = models.JobFailed
		job.CompletedAt = &now
		job.Error = reason
	}

	if err := m.writeThrough(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// SweepTimeouts examines non-terminal jobs past their timeout_at deadline
// and applies Fail("timeout") to each.
func (m *Machine) SweepTimeouts(ctx context.Context) (int, error) {
	start := time.Now()
	defer func() { metrics.JobTimeoutSweepDuration.Observe(time.Since(start).Seconds()) }()

	timedOut, err := m.repo.ListTimedOut(ctx, time.Now().UTC(), 200)
	if err != nil {
		return 0, apperrors.NewStorageError(err)
	}

	n := 0
	for _, job := range timedOut {
		if _, err := m.Fail(ctx, job.ID, "timeout"); err != nil {
			logging.L().Warn().Err(err).Str("job_id", job.ID).Msg("jobs: timeout sweep failed to transition job")
			continue
		}
		n++
	}
	return n, nil
}

// Get returns a job's durable record as Storage holds it, for handlers that
// need fields beyond the in-memory dispatch cache view.
func (m *Machine) Get(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := m.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, apperrors.UnknownJob(jobID)
	}
	return job, nil
}

// ListPending returns up to limit Pending jobs, backing the claim-queue
// convenience endpoints (GET /jobs/pending, GET /jobs/next).
func (m *Machine) ListPending(ctx context.Context, limit int) ([]*models.Job, error) {
	jobs, err := m.repo.ListByStatus(ctx, models.JobPending, limit)
	if err != nil {
		return nil, apperrors.NewStorageError(err)
	}
	return jobs, nil
}

// Stats aggregates job counts by status for the read-only statistics
// endpoint.
func (m *Machine) Stats(ctx context.Context) (map[models.JobStatus]int, error) {
	stats, err := m.repo.Stats(ctx)
	if err != nil {
		return nil, apperrors.NewStorageError(err)
	}
	return stats, nil
}

// CacheEntry returns the in-memory dispatch-facing view of a job, if present.
func (m *Machine) CacheEntry(jobID string) (*models.JobCacheEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.cache[jobID]
	return e, ok
}

// SetCacheEntry replaces the in-memory dispatch cache entry for a job; used
// by the dispatch fabric when it assigns validators to a job.
func (m *Machine) SetCacheEntry(entry *models.JobCacheEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache[entry.JobID] = entry
}

func (m *Machine) writeThrough(ctx context.Context, job *models.Job) error {
	err := m.repo.WithTx(ctx, func(tx *sql.Tx) error {
		return m.repo.UpdateTx(ctx, tx, job)
	})
	if err != nil {
		return apperrors.NewStorageError(err)
	}

	m.mu.Lock()
	m.cache[job.ID] = &models.JobCacheEntry{
		JobID:              job.ID,
		Status:             job.Status,
		AssignedValidators: job.AssignedValidators,
		ReturnAddress:      job.ReturnAddress,
		LastTransitionAt:   time.Now().UTC(),
	}
	m.mu.Unlock()

	metrics.JobTransitionsTotal.WithLabelValues(string(job.Status)).Inc()
	return nil
}

func isTerminal(s models.JobStatus) bool {
	return s == models.JobCompleted || s == models.JobFailed
}

// MarshalResult is a small convenience used by HTTP handlers accepting a
// free-form JSON result body before it's persisted as job.Result.
func MarshalResult(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal job result: %w", err)
	}
	return b, nil
}
