package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/teeplatform/validator-coordinator/pkg/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// ChallengesRepo persists challenge identity, name, expected compose hash,
// and lifecycle status. The in-memory challenge registry is the read path
// the dispatch fabric and the challenge-facing API consult; this repo is its
// durable backing.
type ChallengesRepo struct {
	DB *sql.DB
}

func NewChallengesRepo(db *sql.DB) *ChallengesRepo {
	return &ChallengesRepo{DB: db}
}

func challengesTracer() oteltrace.Tracer { return otel.Tracer("coordinator/store/challenges") }

func (r *ChallengesRepo) Create(ctx context.Context, c *models.Challenge) error {
	ctx, span := challengesTracer().Start(ctx, "ChallengesRepo.Create", oteltrace.WithAttributes(
		attribute.String("challenge.id", c.ID),
	))
	defer span.End()
	if r.DB == nil {
		return errors.New("database connection is nil")
	}

	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO challenges (id, name, compose_hash, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, c.ID, c.Name, c.ComposeHash, c.Status, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert challenge: %w", err)
	}
	return nil
}

func (r *ChallengesRepo) GetByID(ctx context.Context, id string) (*models.Challenge, error) {
	ctx, span := challengesTracer().Start(ctx, "ChallengesRepo.GetByID", oteltrace.WithAttributes(
		attribute.String("challenge.id", id),
	))
	defer span.End()
	if r.DB == nil {
		return nil, errors.New("database connection is nil")
	}

	row := r.DB.QueryRowContext(ctx, `
		SELECT id, name, compose_hash, status, created_at, updated_at FROM challenges WHERE id = $1
	`, id)
	return scanChallenge(row)
}

// UpdateStatusTx transitions a challenge's lifecycle status inside an
// existing transaction, matching the write-through style the job state
// machine uses.
func (r *ChallengesRepo) UpdateStatusTx(ctx context.Context, tx *sql.Tx, id string, status models.ChallengeStatus) error {
	ctx, span := challengesTracer().Start(ctx, "ChallengesRepo.UpdateStatusTx", oteltrace.WithAttributes(
		attribute.String("challenge.id", id),
		attribute.String("challenge.status", string(status)),
	))
	defer span.End()
	if tx == nil {
		return errors.New("nil tx in UpdateStatusTx")
	}
	_, err := tx.ExecContext(ctx, `
		UPDATE challenges SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update challenge status: %w", err)
	}
	return nil
}

func (r *ChallengesRepo) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
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

// ListActive returns all challenges whose durable status is Active, used to
// seed the in-memory registry at startup.
func (r *ChallengesRepo) ListActive(ctx context.Context) ([]*models.Challenge, error) {
	ctx, span := challengesTracer().Start(ctx, "ChallengesRepo.ListActive")
	defer span.End()
	if r.DB == nil {
		return nil, errors.New("database connection is nil")
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT id, name, compose_hash, status, created_at, updated_at
		FROM challenges WHERE status = $1 ORDER BY created_at DESC
	`, models.ChallengeActive)
	if err != nil {
		return nil, fmt.Errorf("query active challenges: %w", err)
	}
	defer rows.Close()

	var out []*models.Challenge
	for rows.Next() {
		c, err := scanChallengeRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type challengeRowScanner interface {
	Scan(dest ...any) error
}

func scanChallenge(row challengeRowScanner) (*models.Challenge, error) {
	return scanChallengeRows(row)
}

func scanChallengeRows(row challengeRowScanner) (*models.Challenge, error) {
	var c models.Challenge
	if err := row.Scan(&c.ID, &c.Name, &c.ComposeHash, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan challenge row: %w", err)
	}
	return &c, nil
}
