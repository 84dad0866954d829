// Package challenge holds the in-memory Challenge registry: the read path
// the dispatch fabric and the challenge-facing API consult for a challenge's
// current status and expected compose hash. Durable truth lives in Storage
// (internal/store.ChallengesRepo); this registry mirrors it the way the
// original's crates/api/src/state.rs separates durable vs in-memory
// challenge state.
package challenge

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/teeplatform/validator-coordinator/internal/apperrors"
	"github.com/teeplatform/validator-coordinator/pkg/models"
)

// Repo is the subset of store.ChallengesRepo the registry needs.
type Repo interface {
	Create(ctx context.Context, c *models.Challenge) error
	GetByID(ctx context.Context, id string) (*models.Challenge, error)
	ListActive(ctx context.Context) ([]*models.Challenge, error)
}

// Registry is the in-memory snapshot of challenge state, keyed by identity.
type Registry struct {
	repo Repo

	mu         sync.RWMutex
	challenges map[string]*models.Challenge
}

func New(repo Repo) *Registry {
	return &Registry{repo: repo, challenges: make(map[string]*models.Challenge)}
}

// Load seeds the in-memory registry from Storage's Active challenges; called
// at startup and safe to call again to resynchronize.
func (r *Registry) Load(ctx context.Context) error {
	active, err := r.repo.ListActive(ctx)
	if err != nil {
		return apperrors.NewStorageError(err)
	}
	fresh := make(map[string]*models.Challenge, len(active))
	for _, c := range active {
		fresh[c.ID] = c
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.challenges = fresh
	return nil
}

// Create registers a new challenge in Draft status. Non-goal "challenge-
// builder CRUD" excludes this from the HTTP surface; it exists for seeding
// and tests, and for whatever out-of-band process provisions challenges.
func (r *Registry) Create(ctx context.Context, name, composeHash string) (*models.Challenge, error) {
	now := time.Now().UTC()
	c := &models.Challenge{
		ID:          uuid.NewString(),
		Name:        name,
		ComposeHash: composeHash,
		Status:      models.ChallengeDraft,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.repo.Create(ctx, c); err != nil {
		return nil, apperrors.NewStorageError(err)
	}
	return c, nil
}

// Refresh re-reads a challenge from Storage (the source of truth for its
// status) and reconciles the in-memory registry: Active challenges are
// added or updated, anything else is removed.
func (r *Registry) Refresh(ctx context.Context, id string) (*models.Challenge, error) {
	c, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, apperrors.NewNotFoundError("challenge")
	}
	r.mu.Lock()
	if c.Status == models.ChallengeActive {
		r.challenges[c.ID] = c
	} else {
		delete(r.challenges, c.ID)
	}
	r.mu.Unlock()
	return c, nil
}

// Get returns a challenge from the in-memory registry, if present.
func (r *Registry) Get(id string) (*models.Challenge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.challenges[id]
	return c, ok
}

// ComposeHashFor returns the expected compose hash for a registered
// challenge, used by the job-creation handler to pick eligible validators.
func (r *Registry) ComposeHashFor(id string) (string, bool) {
	c, ok := r.Get(id)
	if !ok {
		return "", false
	}
	return c.ComposeHash, true
}

// Snapshot returns the current in-memory Active challenge set, sorted by ID,
// backing GET /challenges/active. This is explicitly the in-memory
// registry's view, not the durable list.
func (r *Registry) Snapshot() []*models.Challenge {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Challenge, 0, len(r.challenges))
	for _, c := range r.challenges {
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
