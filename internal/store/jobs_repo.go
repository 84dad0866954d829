package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/teeplatform/validator-coordinator/pkg/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// JobsRepo provides persistence operations for jobs. Every transition the
// job state machine makes is written through here inside a single
// transaction; the caller's in-memory cache only advances after the write
// succeeds.
type JobsRepo struct {
	DB *sql.DB
}

func NewJobsRepo(db *sql.DB) *JobsRepo {
	return &JobsRepo{DB: db}
}

func tracer() oteltrace.Tracer { return otel.Tracer("coordinator/store/jobs") }

// Create inserts a new job in Pending status.
func (r *JobsRepo) Create(ctx context.Context, job *models.Job) error {
	ctx, span := tracer().Start(ctx, "JobsRepo.Create", oteltrace.WithAttributes(
		attribute.String("job.id", job.ID),
	))
	defer span.End()
	if r.DB == nil {
		return errors.New("database connection is nil")
	}

	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	assigned, err := json.Marshal(job.AssignedValidators)
	if err != nil {
		return fmt.Errorf("marshal assigned_validators: %w", err)
	}

	_, err = r.DB.ExecContext(ctx, `
		INSERT INTO jobs (id, challenge_id, payload, priority, runtime, status, retry_count, max_retries, assigned_validators, return_address, created_at, timeout_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, job.ID, job.ChallengeID, payload, job.Priority, job.Runtime, job.Status, job.RetryCount, job.MaxRetries, assigned, job.ReturnAddress, job.CreatedAt, job.TimeoutAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// GetByID returns the full job row.
func (r *JobsRepo) GetByID(ctx context.Context, id string) (*models.Job, error) {
	ctx, span := tracer().Start(ctx, "JobsRepo.GetByID", oteltrace.WithAttributes(attribute.String("job.id", id)))
	defer span.End()
	if r.DB == nil {
		return nil, errors.New("database connection is nil")
	}

	row := r.DB.QueryRowContext(ctx, `
		SELECT id, challenge_id, payload, priority, runtime, status, retry_count, max_retries,
		       assigned_validators, return_address, result, error, created_at, claimed_at, completed_at, timeout_at
		FROM jobs WHERE id = $1
	`, id)
	return scanJob(row)
}

// UpdateTx applies a full job row update inside an existing transaction,
// matching the spec's requirement that every state transition is written
// through to Storage in a single transaction.
func (r *JobsRepo) UpdateTx(ctx context.Context, tx *sql.Tx, job *models.Job) error {
	ctx, span := tracer().Start(ctx, "JobsRepo.UpdateTx", oteltrace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.status", string(job.Status)),
	))
	defer span.End()
	if tx == nil {
		return errors.New("nil tx in UpdateTx")
	}

	assigned, err := json.Marshal(job.AssignedValidators)
	if err != nil {
		return fmt.Errorf("marshal assigned_validators: %w", err)
	}
	var result []byte
	if job.Result != nil {
		result = job.Result
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET
			status = $2, retry_count = $3, assigned_validators = $4, result = $5, error = $6,
			claimed_at = $7, completed_at = $8, timeout_at = $9
		WHERE id = $1
	`, job.ID, job.Status, job.RetryCount, assigned, result, job.Error, job.ClaimedAt, job.CompletedAt, job.TimeoutAt)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (r *JobsRepo) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if r.DB == nil {
		return errors.New("database connection is nil")
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ListByStatus returns jobs with a specific status, newest first.
func (r *JobsRepo) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	ctx, span := tracer().Start(ctx, "JobsRepo.ListByStatus", oteltrace.WithAttributes(
		attribute.String("job.status", string(status)),
		attribute.Int("limit", limit),
	))
	defer span.End()
	if r.DB == nil {
		return nil, errors.New("database connection is nil")
	}
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, challenge_id, payload, priority, runtime, status, retry_count, max_retries,
		       assigned_validators, return_address, result, error, created_at, claimed_at, completed_at, timeout_at
		FROM jobs WHERE status = $1 ORDER BY created_at DESC LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate job rows: %w", err)
	}
	return jobs, nil
}

// ListTimedOut returns non-terminal jobs past their timeout_at deadline, for
// the periodic timeout sweep.
func (r *JobsRepo) ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	ctx, span := tracer().Start(ctx, "JobsRepo.ListTimedOut")
	defer span.End()
	if r.DB == nil {
		return nil, errors.New("database connection is nil")
	}
	if limit <= 0 {
		limit = 200
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, challenge_id, payload, priority, runtime, status, retry_count, max_retries,
		       assigned_validators, return_address, result, error, created_at, claimed_at, completed_at, timeout_at
		FROM jobs
		WHERE status IN ('pending','claimed','running') AND timeout_at < $1
		ORDER BY timeout_at ASC LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("query timed-out jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		job, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Stats aggregates job counts by status, backing the supplemented job
// statistics endpoint.
func (r *JobsRepo) Stats(ctx context.Context) (map[models.JobStatus]int, error) {
	if r.DB == nil {
		return nil, errors.New("database connection is nil")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query job stats: %w", err)
	}
	defer rows.Close()

	out := make(map[models.JobStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan job stats row: %w", err)
		}
		out[models.JobStatus(status)] = count
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	j, err := scanJobRows(row)
	if err != nil && errors.Is(err, sql.ErrNoRows) {
		return nil, sql.ErrNoRows
	}
	return j, err
}

func scanJobRows(row rowScanner) (*models.Job, error) {
	var j models.Job
	var payload, assigned, result []byte
	var claimedAt, completedAt sql.NullTime
	var returnAddr, errStr sql.NullString

	err := row.Scan(
		&j.ID, &j.ChallengeID, &payload, &j.Priority, &j.Runtime, &j.Status, &j.RetryCount, &j.MaxRetries,
		&assigned, &returnAddr, &result, &errStr, &j.CreatedAt, &claimedAt, &completedAt, &j.TimeoutAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan job row: %w", err)
	}

	j.Payload = payload
	j.Result = result
	if len(assigned) > 0 {
		_ = json.Unmarshal(assigned, &j.AssignedValidators)
	}
	if returnAddr.Valid {
		j.ReturnAddress = returnAddr.String
	}
	if errStr.Valid {
		j.Error = errStr.String
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		j.ClaimedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return &j, nil
}
