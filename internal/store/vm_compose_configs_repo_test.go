package store

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/teeplatform/validator-coordinator/pkg/models"
)

func TestVMComposeConfigsRepo_Upsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	repo := NewVMComposeConfigsRepo(db)
	cfg := &models.VMComposeConfig{
		VMType:            "validator_vm",
		Name:              "validator-runner",
		DockerComposeFile: "version: '3'\nservices:\n  runner:\n    image: teeplatform/runner:latest\n",
		RequiredEnv:       []string{"PCCS_URL"},
		ExpectedHash:      "deadbeef",
	}

	mock.ExpectExec("INSERT INTO vm_compose_configs").WithArgs(
		cfg.VMType, cfg.Name, cfg.DockerComposeFile, sqlmock.AnyArg(), cfg.ExpectedHash,
	).WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Upsert(context.Background(), cfg); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestVMComposeConfigsRepo_GetByVMType(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	repo := NewVMComposeConfigsRepo(db)
	rows := sqlmock.NewRows([]string{"vm_type", "name", "docker_compose_file", "required_env", "expected_hash"}).
		AddRow("validator_vm", "validator-runner", "compose-yaml", []byte(`["PCCS_URL"]`), "deadbeef")

	mock.ExpectQuery("SELECT (.+) FROM vm_compose_configs WHERE vm_type = \\$1").
		WithArgs("validator_vm").WillReturnRows(rows)

	cfg, err := repo.GetByVMType(context.Background(), "validator_vm")
	if err != nil {
		t.Fatalf("GetByVMType: %v", err)
	}
	if cfg.ExpectedHash != "deadbeef" || len(cfg.RequiredEnv) != 1 {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestVMComposeConfigsRepo_NilDB(t *testing.T) {
	repo := NewVMComposeConfigsRepo(nil)
	if _, err := repo.GetByVMType(context.Background(), "validator_vm"); err == nil {
		t.Fatal("expected error for nil DB")
	}
}
