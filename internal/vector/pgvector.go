package vector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/Encore7/codebase-explainer-agent/internal/retry"
	"github.com/Encore7/codebase-explainer-agent/pkg/models"
)

// Postgres is a pgvector-backed Index. Chunks survive process restarts.
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

// Migrate applies the schema. dim is the embedding dimension of the
// configured provider.
func (s *Postgres) Migrate(ctx context.Context, dim int) error {
	q := `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS diff_chunks (
  id           TEXT PRIMARY KEY,
  repo_id      TEXT NOT NULL,
  commit_hash  TEXT NOT NULL,
  file_path    TEXT NOT NULL,
  hunk_index   INT NOT NULL,
  content      TEXT NOT NULL,
  committed_at TIMESTAMP WITH TIME ZONE NOT NULL,
  embedding    vector(%d) NOT NULL
);

CREATE INDEX IF NOT EXISTS diff_chunks_repo_idx
  ON diff_chunks (repo_id);

CREATE INDEX IF NOT EXISTS diff_chunks_embedding_idx
  ON diff_chunks USING ivfflat (embedding vector_cosine_ops) WITH (lists = 100);
`
	_, err := s.pool.Exec(ctx, fmt.Sprintf(q, dim))
	return err
}

func (s *Postgres) Upsert(ctx context.Context, chunks []models.EmbeddedChunk) error {
	const q = `
		INSERT INTO diff_chunks (
			id, repo_id, commit_hash, file_path, hunk_index, content, committed_at, embedding
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO UPDATE SET
			content      = EXCLUDED.content,
			committed_at = EXCLUDED.committed_at,
			embedding    = EXCLUDED.embedding;`

	for _, c := range chunks {
		_, err := s.pool.Exec(ctx, q,
			c.ChunkID, c.RepoID, c.CommitHash, c.FilePath, c.HunkIndex,
			c.Text, c.CommittedAt, pgvector.NewVector(c.Vector),
		)
		if err != nil {
			return fmt.Errorf("upsert chunk %s: %w", c.ChunkID, pgTransient(err))
		}
	}
	return nil
}

func (s *Postgres) Query(ctx context.Context, vec []float32, topK int, repoID string) ([]models.ScoredChunk, error) {
	const q = `
		SELECT id, repo_id, commit_hash, file_path, hunk_index, content, committed_at,
		       1 - (embedding <=> $1) AS score
		FROM diff_chunks
		WHERE repo_id = $2
		ORDER BY score DESC, committed_at ASC
		LIMIT $3;`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), repoID, topK)
	if err != nil {
		return nil, pgTransient(err)
	}
	defer rows.Close()

	var out []models.ScoredChunk
	for rows.Next() {
		var c models.DiffChunk
		var score float64
		if err := rows.Scan(
			&c.ChunkID, &c.RepoID, &c.CommitHash, &c.FilePath, &c.HunkIndex,
			&c.Text, &c.CommittedAt, &score,
		); err != nil {
			return nil, err
		}
		out = append(out, models.ScoredChunk{Chunk: c, Score: score})
	}
	return out, pgTransient(rows.Err())
}

func (s *Postgres) Count(ctx context.Context, repoID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM diff_chunks WHERE repo_id = $1`, repoID).Scan(&n)
	return n, pgTransient(err)
}

// pgTransient marks connection-level and retryable server failures as
// transient so the retry policy re-attempts them. Constraint violations and
// other query errors pass through unchanged.
func pgTransient(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) || pgconn.SafeToRetry(err) {
		return &retry.Transient{Err: err}
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			strings.HasPrefix(pgErr.Code, "57"), // operator intervention
			pgErr.Code == "40001",               // serialization failure
			pgErr.Code == "40P01":               // deadlock detected
			return &retry.Transient{Err: err}
		}
	}
	return err
}

// Ping checks database connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
