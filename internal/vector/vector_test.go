package vector

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Encore7/codebase-explainer-agent/internal/retry"
	"github.com/Encore7/codebase-explainer-agent/pkg/models"
)

func embedded(id, repoID string, committedAt time.Time, vec []float32) models.EmbeddedChunk {
	return models.EmbeddedChunk{
		DiffChunk: models.DiffChunk{
			ChunkID:     id,
			RepoID:      repoID,
			CommitHash:  "c-" + id,
			FilePath:    id + ".go",
			Text:        "+diff " + id,
			CommittedAt: committedAt,
		},
		Vector: vec,
	}
}

func TestMemoryUpsertIsIdempotent(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	chunks := []models.EmbeddedChunk{
		embedded("a", "r1", base, []float32{1, 0}),
		embedded("b", "r1", base, []float32{0, 1}),
	}
	for i := 0; i < 3; i++ {
		if err := idx.Upsert(ctx, chunks); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	n, err := idx.Count(ctx, "r1")
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 entries after repeated upserts, got %d", n)
	}
}

func TestMemoryQueryFiltersByRepo(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := idx.Upsert(ctx, []models.EmbeddedChunk{
		embedded("a", "r1", base, []float32{1, 0}),
		embedded("b", "r2", base, []float32{1, 0}),
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	hits, err := idx.Query(ctx, []float32{1, 0}, 10, "r1")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("Expected 1 hit, got %d", len(hits))
	}
	if hits[0].Chunk.RepoID != "r1" {
		t.Errorf("Hit from wrong repo: %+v", hits[0].Chunk)
	}
}

func TestMemoryQueryOrdering(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory()
	early := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(24 * time.Hour)

	if err := idx.Upsert(ctx, []models.EmbeddedChunk{
		embedded("far", "r1", early, []float32{0, 1}),
		embedded("tie-late", "r1", late, []float32{1, 0}),
		embedded("tie-early", "r1", early, []float32{1, 0}),
	}); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	hits, err := idx.Query(ctx, []float32{1, 0}, 3, "r1")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(hits) != 3 {
		t.Fatalf("Expected 3 hits, got %d", len(hits))
	}
	if hits[0].Chunk.ChunkID != "tie-early" || hits[1].Chunk.ChunkID != "tie-late" {
		t.Errorf("Ties not broken by earliest commit: %s, %s", hits[0].Chunk.ChunkID, hits[1].Chunk.ChunkID)
	}
	if hits[2].Chunk.ChunkID != "far" {
		t.Errorf("Expected lowest-score hit last, got %s", hits[2].Chunk.ChunkID)
	}
}

func TestMemoryQueryTopK(t *testing.T) {
	ctx := context.Background()
	idx := NewMemory()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	var chunks []models.EmbeddedChunk
	for _, id := range []string{"a", "b", "c", "d"} {
		chunks = append(chunks, embedded(id, "r1", base, []float32{1, 0}))
	}
	if err := idx.Upsert(ctx, chunks); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	hits, err := idx.Query(ctx, []float32{1, 0}, 2, "r1")
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(hits) != 2 {
		t.Errorf("Expected topK=2 hits, got %d", len(hits))
	}
}

func TestPgTransientClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"nil", nil, false},
		{"network error", &net.OpError{Op: "read", Err: errors.New("connection reset by peer")}, true},
		{"connection exception", &pgconn.PgError{Code: "08006"}, true},
		{"insufficient resources", &pgconn.PgError{Code: "53300"}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"plain error", errors.New("syntax error"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := pgTransient(tc.err)
			if tc.err == nil {
				if got != nil {
					t.Fatalf("Expected nil for nil input, got %v", got)
				}
				return
			}
			if retry.IsTransient(got) != tc.transient {
				t.Errorf("Expected transient=%v for %v, got %v", tc.transient, tc.err, got)
			}
			if !errors.Is(got, tc.err) {
				t.Errorf("Original error lost: %v", got)
			}
		})
	}
}

func TestGrpcTransientClassification(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		transient bool
	}{
		{"unavailable", status.Error(codes.Unavailable, "connection refused"), true},
		{"resource exhausted", status.Error(codes.ResourceExhausted, "rate limited"), true},
		{"deadline exceeded", status.Error(codes.DeadlineExceeded, "timeout"), true},
		{"invalid argument", status.Error(codes.InvalidArgument, "bad vector"), false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := grpcTransient(tc.err); retry.IsTransient(got) != tc.transient {
				t.Errorf("Expected transient=%v for %v, got %v", tc.transient, tc.err, got)
			}
		})
	}
}

func TestCosine(t *testing.T) {
	if got := cosine([]float32{1, 0}, []float32{1, 0}); got < 0.999 {
		t.Errorf("Identical vectors should score ~1, got %f", got)
	}
	if got := cosine([]float32{1, 0}, []float32{0, 1}); got != 0 {
		t.Errorf("Orthogonal vectors should score 0, got %f", got)
	}
	if got := cosine([]float32{1, 0}, []float32{1}); got != 0 {
		t.Errorf("Mismatched dims should score 0, got %f", got)
	}
}
