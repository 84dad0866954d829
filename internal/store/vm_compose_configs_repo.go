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

// VMComposeConfigsRepo stores the expected docker-compose manifests the
// Attestation Verifier hashes against when checking a reported compose hash.
type VMComposeConfigsRepo struct {
	DB *sql.DB
}

func NewVMComposeConfigsRepo(db *sql.DB) *VMComposeConfigsRepo {
	return &VMComposeConfigsRepo{DB: db}
}

func vmConfigsTracer() oteltrace.Tracer { return otel.Tracer("coordinator/store/vm_compose_configs") }

func (r *VMComposeConfigsRepo) Upsert(ctx context.Context, cfg *models.VMComposeConfig) error {
	ctx, span := vmConfigsTracer().Start(ctx, "VMComposeConfigsRepo.Upsert", oteltrace.WithAttributes(
		attribute.String("vm.type", cfg.VMType),
	))
	defer span.End()
	if r.DB == nil {
		return errors.New("database connection is nil")
	}

	requiredEnv, err := json.Marshal(cfg.RequiredEnv)
	if err != nil {
		return fmt.Errorf("marshal required_env: %w", err)
	}

	_, err = r.DB.ExecContext(ctx, `
		INSERT INTO vm_compose_configs (vm_type, name, docker_compose_file, required_env, expected_hash)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (vm_type) DO UPDATE SET
			name = EXCLUDED.name,
			docker_compose_file = EXCLUDED.docker_compose_file,
			required_env = EXCLUDED.required_env,
			expected_hash = EXCLUDED.expected_hash
	`, cfg.VMType, cfg.Name, cfg.DockerComposeFile, requiredEnv, cfg.ExpectedHash)
	if err != nil {
		return fmt.Errorf("upsert vm compose config: %w", err)
	}
	return nil
}

func (r *VMComposeConfigsRepo) GetByVMType(ctx context.Context, vmType string) (*models.VMComposeConfig, error) {
	ctx, span := vmConfigsTracer().Start(ctx, "VMComposeConfigsRepo.GetByVMType", oteltrace.WithAttributes(
		attribute.String("vm.type", vmType),
	))
	defer span.End()
	if r.DB == nil {
		return nil, errors.New("database connection is nil")
	}

	row := r.DB.QueryRowContext(ctx, `
		SELECT vm_type, name, docker_compose_file, required_env, expected_hash
		FROM vm_compose_configs WHERE vm_type = $1
	`, vmType)

	var cfg models.VMComposeConfig
	var requiredEnv []byte
	var expectedHash sql.NullString
	if err := row.Scan(&cfg.VMType, &cfg.Name, &cfg.DockerComposeFile, &requiredEnv, &expectedHash); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan vm compose config: %w", err)
	}
	if len(requiredEnv) > 0 {
		_ = json.Unmarshal(requiredEnv, &cfg.RequiredEnv)
	}
	if expectedHash.Valid {
		cfg.ExpectedHash = expectedHash.String
	}
	return &cfg, nil
}

func (r *VMComposeConfigsRepo) List(ctx context.Context) ([]*models.VMComposeConfig, error) {
	ctx, span := vmConfigsTracer().Start(ctx, "VMComposeConfigsRepo.List")
	defer span.End()
	if r.DB == nil {
		return nil, errors.New("database connection is nil")
	}

	rows, err := r.DB.QueryContext(ctx, `
		SELECT vm_type, name, docker_compose_file, required_env, expected_hash FROM vm_compose_configs ORDER BY vm_type
	`)
	if err != nil {
		return nil, fmt.Errorf("query vm compose configs: %w", err)
	}
	defer rows.Close()

	var out []*models.VMComposeConfig
	for rows.Next() {
		var cfg models.VMComposeConfig
		var requiredEnv []byte
		var expectedHash sql.NullString
		if err := rows.Scan(&cfg.VMType, &cfg.Name, &cfg.DockerComposeFile, &requiredEnv, &expectedHash); err != nil {
			return nil, fmt.Errorf("scan vm compose config row: %w", err)
		}
		if len(requiredEnv) > 0 {
			_ = json.Unmarshal(requiredEnv, &cfg.RequiredEnv)
		}
		if expectedHash.Valid {
			cfg.ExpectedHash = expectedHash.String
		}
		out = append(out, &cfg)
	}
	return out, rows.Err()
}
