package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/teeplatform/validator-coordinator/pkg/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// JobTestResultsRepo persists per-task test results reported by validators
// as a job runs, backing GET /jobs/{id}/test-results.
type JobTestResultsRepo struct {
	DB *sql.DB
}

func NewJobTestResultsRepo(db *sql.DB) *JobTestResultsRepo {
	return &JobTestResultsRepo{DB: db}
}

func testResultsTracer() oteltrace.Tracer { return otel.Tracer("coordinator/store/job_test_results") }

func (r *JobTestResultsRepo) Create(ctx context.Context, result *models.JobTestResult) error {
	ctx, span := testResultsTracer().Start(ctx, "JobTestResultsRepo.Create", oteltrace.WithAttributes(
		attribute.String("job.id", result.JobID),
		attribute.String("task.id", result.TaskID),
	))
	defer span.End()
	if r.DB == nil {
		return errors.New("database connection is nil")
	}

	logs, err := json.Marshal(result.Logs)
	if err != nil {
		return fmt.Errorf("marshal logs: %w", err)
	}
	metrics, err := json.Marshal(result.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}

	_, err = r.DB.ExecContext(ctx, `
		INSERT INTO job_test_results (id, job_id, task_id, test_name, status, is_resolved, error_message, execution_time_ms, output_text, logs, metrics, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, result.ID, result.JobID, result.TaskID, result.TestName, result.Status, result.IsResolved, result.ErrorMessage,
		result.ExecutionTimeMs, result.OutputText, logs, metrics, result.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job test result: %w", err)
	}
	return nil
}

// ListByJobID returns test results for a job, newest first, capped at limit.
func (r *JobTestResultsRepo) ListByJobID(ctx context.Context, jobID string, limit int) ([]*models.JobTestResult, error) {
	ctx, span := testResultsTracer().Start(ctx, "JobTestResultsRepo.ListByJobID", oteltrace.WithAttributes(
		attribute.String("job.id", jobID),
		attribute.Int("limit", limit),
	))
	defer span.End()
	if r.DB == nil {
		return nil, errors.New("database connection is nil")
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, job_id, task_id, test_name, status, is_resolved, error_message, execution_time_ms, output_text, logs, metrics, created_at
		FROM job_test_results WHERE job_id = $1 ORDER BY created_at DESC LIMIT $2
	`, jobID, limit)
	if err != nil {
		return nil, fmt.Errorf("query job test results: %w", err)
	}
	defer rows.Close()

	var out []*models.JobTestResult
	for rows.Next() {
		var tr models.JobTestResult
		var logs, metrics []byte
		var errMsg, outputText sql.NullString
		var execMs sql.NullInt64

		if err := rows.Scan(&tr.ID, &tr.JobID, &tr.TaskID, &tr.TestName, &tr.Status, &tr.IsResolved,
			&errMsg, &execMs, &outputText, &logs, &metrics, &tr.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan job test result row: %w", err)
		}
		if errMsg.Valid {
			tr.ErrorMessage = errMsg.String
		}
		if outputText.Valid {
			tr.OutputText = outputText.String
		}
		if execMs.Valid {
			v := execMs.Int64
			tr.ExecutionTimeMs = &v
		}
		if len(logs) > 0 {
			_ = json.Unmarshal(logs, &tr.Logs)
		}
		if len(metrics) > 0 {
			_ = json.Unmarshal(metrics, &tr.Metrics)
		}
		out = append(out, &tr)
	}
	return out, rows.Err()
}
