// Package ingest turns a repository's commit history into vector-store
// entries and tracks per-repository ingestion state.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Encore7/codebase-explainer-agent/internal/store"
	"github.com/Encore7/codebase-explainer-agent/pkg/models"
)

// ErrInvalidTransition means a state update tried to move backwards or out
// of a terminal state.
var ErrInvalidTransition = errors.New("invalid ingestion state transition")

// Registry is the process-wide map from repository to ingestion state. It
// is the only shared mutable structure: all access goes through its
// operations, and it enforces at most one active run per repository.
type Registry struct {
	mu     sync.Mutex
	tasks  store.TaskStore
	active map[string]bool
}

// NewRegistry creates a Registry persisting through tasks.
func NewRegistry(tasks store.TaskStore) *Registry {
	return &Registry{tasks: tasks, active: make(map[string]bool)}
}

// Register atomically creates a queued entry for repoID. When an entry
// already exists in a non-terminal state (or a run is active in this
// process) the existing state is returned with ok=false. Terminal entries
// may be re-registered for re-ingestion.
func (r *Registry) Register(ctx context.Context, repoID, repoURL string) (models.IngestionState, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.tasks.Get(ctx, repoID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return models.IngestionState{}, false, err
	}
	found := err == nil

	if r.active[repoID] || (found && !existing.Status.Terminal()) {
		return existing, false, nil
	}

	now := time.Now().UTC()
	st := models.IngestionState{
		RepoID:    repoID,
		RepoURL:   repoURL,
		Status:    models.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if found {
		st.CreatedAt = existing.CreatedAt
	}
	if err := r.tasks.Put(ctx, st); err != nil {
		return models.IngestionState{}, false, err
	}
	r.active[repoID] = true
	return st, true, nil
}

// Get returns the current state for repoID, or store.ErrNotFound.
func (r *Registry) Get(ctx context.Context, repoID string) (models.IngestionState, error) {
	return r.tasks.Get(ctx, repoID)
}

// Update applies mutate to the current state atomically, enforcing
// forward-only transitions. Reaching a terminal state releases the repo's
// run slot.
func (r *Registry) Update(ctx context.Context, repoID string, mutate func(*models.IngestionState)) (models.IngestionState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, err := r.tasks.Get(ctx, repoID)
	if err != nil {
		return models.IngestionState{}, err
	}

	prev := st.Status
	mutate(&st)
	if !validTransition(prev, st.Status) {
		return models.IngestionState{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, st.Status)
	}

	st.UpdatedAt = time.Now().UTC()
	if err := r.tasks.Put(ctx, st); err != nil {
		return models.IngestionState{}, err
	}
	if st.Status.Terminal() {
		delete(r.active, repoID)
	}
	return st, nil
}

// validTransition allows queued -> in_progress -> done|failed, plus
// no-op updates within a non-terminal state.
func validTransition(from, to models.IngestStatus) bool {
	if from == to {
		return !from.Terminal()
	}
	switch from {
	case models.StatusQueued:
		return to == models.StatusInProgress
	case models.StatusInProgress:
		return to == models.StatusDone || to == models.StatusFailed
	default:
		return false
	}
}
