package jobs

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/teeplatform/validator-coordinator/pkg/models"
)

// fakeRepo is an in-memory stand-in for store.JobsRepo, letting the state
// machine's transition logic be tested without a database.
type fakeRepo struct {
	byID map[string]*models.Job
}

func newFakeRepo() *fakeRepo { return &fakeRepo{byID: make(map[string]*models.Job)} }

func (f *fakeRepo) Create(ctx context.Context, job *models.Job) error {
	cp := *job
	f.byID[job.ID] = &cp
	return nil
}

func (f *fakeRepo) GetByID(ctx context.Context, id string) (*models.Job, error) {
	j, ok := f.byID[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	cp := *j
	return &cp, nil
}

func (f *fakeRepo) UpdateTx(ctx context.Context, tx *sql.Tx, job *models.Job) error {
	cp := *job
	f.byID[job.ID] = &cp
	return nil
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return fn(nil)
}

func (f *fakeRepo) ListByStatus(ctx context.Context, status models.JobStatus, limit int) ([]*models.Job, error) {
	var out []*models.Job
	for _, j := range f.byID {
		if j.Status == status {
			out = append(out, j)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (f *fakeRepo) ListTimedOut(ctx context.Context, now time.Time, limit int) ([]*models.Job, error) {
	var out []*models.Job
	for _, j := range f.byID {
		if j.Status != models.JobCompleted && j.Status != models.JobFailed && j.TimeoutAt.Before(now) {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeRepo) Stats(ctx context.Context) (map[models.JobStatus]int, error) {
	out := make(map[models.JobStatus]int)
	for _, j := range f.byID {
		out[j.Status]++
	}
	return out, nil
}

func TestMachine_CreateAndClaim(t *testing.T) {
	m := NewMachineWithRepo(newFakeRepo())
	ctx := context.Background()

	job, err := m.Create(ctx, "chal-1", []byte(`{}`), models.PriorityNormal, "docker-compose", time.Minute, 2, "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.Status != models.JobPending {
		t.Fatalf("expected Pending, got %s", job.Status)
	}

	claimed, err := m.ClaimSpecific(ctx, job.ID, "validator-a")
	if err != nil {
		t.Fatalf("ClaimSpecific: %v", err)
	}
	if claimed.Status != models.JobClaimed {
		t.Fatalf("expected Claimed, got %s", claimed.Status)
	}
	if len(claimed.AssignedValidators) != 1 || claimed.AssignedValidators[0] != "validator-a" {
		t.Fatalf("unexpected assigned validators: %v", claimed.AssignedValidators)
	}
}

func TestMachine_ClaimSpecific_IllegalFromNonPending(t *testing.T) {
	m := NewMachineWithRepo(newFakeRepo())
	ctx := context.Background()
	job, _ := m.Create(ctx, "chal-1", nil, models.PriorityNormal, "docker-compose", time.Minute, 1, "")
	if _, err := m.ClaimSpecific(ctx, job.ID, "validator-a"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := m.ClaimSpecific(ctx, job.ID, "validator-b"); err == nil {
		t.Fatal("expected illegal transition on second claim")
	}
}

func TestMachine_CompleteIsIdempotent(t *testing.T) {
	m := NewMachineWithRepo(newFakeRepo())
	ctx := context.Background()
	job, _ := m.Create(ctx, "chal-1", nil, models.PriorityNormal, "docker-compose", time.Minute, 1, "")
	m.ClaimSpecific(ctx, job.ID, "validator-a")
	m.Start(ctx, job.ID)

	if _, err := m.Complete(ctx, job.ID, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("first Complete: %v", err)
	}
	if _, err := m.Complete(ctx, job.ID, []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("second Complete should be a no-op, got error: %v", err)
	}
}

func TestMachine_FailRetriesThenFails(t *testing.T) {
	m := NewMachineWithRepo(newFakeRepo())
	ctx := context.Background()
	job, _ := m.Create(ctx, "chal-1", nil, models.PriorityNormal, "docker-compose", time.Minute, 2, "")

	j1, err := m.Fail(ctx, job.ID, "boom")
	if err != nil {
		t.Fatalf("Fail 1: %v", err)
	}
	if j1.Status != models.JobPending || j1.RetryCount != 1 {
		t.Fatalf("expected Pending retry_count=1, got %s/%d", j1.Status, j1.RetryCount)
	}

	j2, _ := m.Fail(ctx, job.ID, "boom")
	if j2.Status != models.JobPending || j2.RetryCount != 2 {
		t.Fatalf("expected Pending retry_count=2, got %s/%d", j2.Status, j2.RetryCount)
	}

	j3, _ := m.Fail(ctx, job.ID, "boom")
	if j3.Status != models.JobFailed {
		t.Fatalf("expected Failed after exceeding max_retries, got %s", j3.Status)
	}

	j4, err := m.Fail(ctx, job.ID, "boom")
	if err != nil {
		t.Fatalf("Fail on already-terminal job should be a no-op: %v", err)
	}
	if j4.Status != models.JobFailed {
		t.Fatalf("expected job to remain Failed, got %s", j4.Status)
	}
}

func TestMachine_Get(t *testing.T) {
	m := NewMachineWithRepo(newFakeRepo())
	ctx := context.Background()
	job, _ := m.Create(ctx, "chal-1", nil, models.PriorityNormal, "docker-compose", time.Minute, 1, "")

	got, err := m.Get(ctx, job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != job.ID {
		t.Fatalf("expected job %s, got %s", job.ID, got.ID)
	}

	if _, err := m.Get(ctx, "missing"); err == nil {
		t.Fatal("expected unknown job error")
	}
}

func TestMachine_ListPending(t *testing.T) {
	m := NewMachineWithRepo(newFakeRepo())
	ctx := context.Background()
	a, _ := m.Create(ctx, "chal-1", nil, models.PriorityNormal, "docker-compose", time.Minute, 1, "")
	b, _ := m.Create(ctx, "chal-1", nil, models.PriorityNormal, "docker-compose", time.Minute, 1, "")
	m.ClaimSpecific(ctx, a.ID, "validator-a")

	pending, err := m.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != b.ID {
		t.Fatalf("expected only job %s pending, got %v", b.ID, pending)
	}
}

func TestMachine_SweepTimeouts(t *testing.T) {
	repo := newFakeRepo()
	m := NewMachineWithRepo(repo)
	ctx := context.Background()

	job, _ := m.Create(ctx, "chal-1", nil, models.PriorityNormal, "docker-compose", -time.Minute, 0, "")
	_ = job

	n, err := m.SweepTimeouts(ctx)
	if err != nil {
		t.Fatalf("SweepTimeouts: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 job swept, got %d", n)
	}

	got, _ := m.repo.GetByID(ctx, job.ID)
	if got.Status != models.JobFailed {
		t.Fatalf("expected swept job to be Failed, got %s", got.Status)
	}
}
