// Package store persists ingestion state so status queries survive
// process restarts.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Encore7/codebase-explainer-agent/pkg/models"
)

// ErrNotFound means no ingestion state exists for the repo.
var ErrNotFound = errors.New("ingestion state not found")

// TaskStore holds one IngestionState per repository, keyed by repo ID.
type TaskStore interface {
	Put(ctx context.Context, state models.IngestionState) error
	Get(ctx context.Context, repoID string) (models.IngestionState, error)
	List(ctx context.Context) ([]models.IngestionState, error)
}

// Postgres is the durable TaskStore.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects to the database at url.
func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Postgres{pool: p}, nil
}

func (s *Postgres) Close() { s.pool.Close() }

// Migrate applies the schema.
func (s *Postgres) Migrate(ctx context.Context) error {
	const q = `
CREATE TABLE IF NOT EXISTS repo_tasks (
  repo_id           TEXT PRIMARY KEY,
  repo_url          TEXT NOT NULL,
  status            TEXT NOT NULL,
  processed_commits INT NOT NULL DEFAULT 0,
  total_commits     INT,
  error             TEXT,
  created_at        TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
  updated_at        TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now()
);`
	_, err := s.pool.Exec(ctx, q)
	return err
}

func (s *Postgres) Put(ctx context.Context, state models.IngestionState) error {
	const q = `
		INSERT INTO repo_tasks (
			repo_id, repo_url, status, processed_commits, total_commits, error, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7,$8)
		ON CONFLICT (repo_id) DO UPDATE SET
			status            = EXCLUDED.status,
			processed_commits = EXCLUDED.processed_commits,
			total_commits     = EXCLUDED.total_commits,
			error             = EXCLUDED.error,
			updated_at        = EXCLUDED.updated_at;`

	_, err := s.pool.Exec(ctx, q,
		state.RepoID, state.RepoURL, string(state.Status),
		state.ProcessedCommits, state.TotalCommits, state.Error,
		state.CreatedAt, state.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put task %s: %w", state.RepoID, err)
	}
	return nil
}

func (s *Postgres) Get(ctx context.Context, repoID string) (models.IngestionState, error) {
	const q = `
		SELECT repo_id, repo_url, status, processed_commits, total_commits,
		       COALESCE(error, ''), created_at, updated_at
		FROM repo_tasks
		WHERE repo_id = $1`

	var st models.IngestionState
	var status string
	err := s.pool.QueryRow(ctx, q, repoID).Scan(
		&st.RepoID, &st.RepoURL, &status, &st.ProcessedCommits,
		&st.TotalCommits, &st.Error, &st.CreatedAt, &st.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.IngestionState{}, ErrNotFound
		}
		return models.IngestionState{}, err
	}
	st.Status = models.IngestStatus(status)
	return st, nil
}

func (s *Postgres) List(ctx context.Context) ([]models.IngestionState, error) {
	const q = `
		SELECT repo_id, repo_url, status, processed_commits, total_commits,
		       COALESCE(error, ''), created_at, updated_at
		FROM repo_tasks
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.IngestionState
	for rows.Next() {
		var st models.IngestionState
		var status string
		if err := rows.Scan(
			&st.RepoID, &st.RepoURL, &status, &st.ProcessedCommits,
			&st.TotalCommits, &st.Error, &st.CreatedAt, &st.UpdatedAt,
		); err != nil {
			return nil, err
		}
		st.Status = models.IngestStatus(status)
		out = append(out, st)
	}
	return out, rows.Err()
}

// Ping checks database connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Memory is an in-process TaskStore for tests and single-shot CLI runs.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]models.IngestionState
}

// NewMemory creates an empty in-memory task store.
func NewMemory() *Memory {
	return &Memory{tasks: make(map[string]models.IngestionState)}
}

func (m *Memory) Put(ctx context.Context, state models.IngestionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[state.RepoID] = state
	return nil
}

func (m *Memory) Get(ctx context.Context, repoID string) (models.IngestionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.tasks[repoID]
	if !ok {
		return models.IngestionState{}, ErrNotFound
	}
	return st, nil
}

func (m *Memory) List(ctx context.Context) ([]models.IngestionState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.IngestionState, 0, len(m.tasks))
	for _, st := range m.tasks {
		out = append(out, st)
	}
	return out, nil
}
