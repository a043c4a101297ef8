// Package vector stores chunk embeddings and answers nearest-neighbor
// queries filtered by repository.
package vector

import (
	"context"
	"math"
	"sort"
	"sync"

	"github.com/Encore7/codebase-explainer-agent/pkg/models"
)

// Index is the contract the pipeline and agent depend on. Writes are
// idempotent upserts keyed by chunk ID; queries return hits ordered by
// similarity descending, ties broken by earliest commit timestamp.
type Index interface {
	Upsert(ctx context.Context, chunks []models.EmbeddedChunk) error
	Query(ctx context.Context, vec []float32, topK int, repoID string) ([]models.ScoredChunk, error)
	Count(ctx context.Context, repoID string) (int, error)
}

// Memory is an in-process Index used by tests and the stub provider path.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]models.EmbeddedChunk
}

// NewMemory creates an empty in-memory index.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]models.EmbeddedChunk)}
}

func (m *Memory) Upsert(ctx context.Context, chunks []models.EmbeddedChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chunks {
		m.entries[c.ChunkID] = c
	}
	return nil
}

func (m *Memory) Query(ctx context.Context, vec []float32, topK int, repoID string) ([]models.ScoredChunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var hits []models.ScoredChunk
	for _, e := range m.entries {
		if e.RepoID != repoID {
			continue
		}
		hits = append(hits, models.ScoredChunk{Chunk: e.DiffChunk, Score: cosine(vec, e.Vector)})
	}
	SortHits(hits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (m *Memory) Count(ctx context.Context, repoID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.entries {
		if e.RepoID == repoID {
			n++
		}
	}
	return n, nil
}

// SortHits orders hits by score descending, ties broken by earliest commit
// timestamp. Backends whose server-side ordering only covers the score use
// this to settle ties deterministically.
func SortHits(hits []models.ScoredChunk) {
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Chunk.CommittedAt.Before(hits[j].Chunk.CommittedAt)
	})
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
