package models

import "time"

// IngestStatus is the lifecycle state of a repository ingestion run.
// Transitions are strictly forward: queued -> in_progress -> done|failed.
type IngestStatus string

const (
	StatusQueued     IngestStatus = "queued"
	StatusInProgress IngestStatus = "in_progress"
	StatusDone       IngestStatus = "done"
	StatusFailed     IngestStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s IngestStatus) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// IngestionState tracks one repository's ingestion progress. Created on
// submission, mutated only by the pipeline run that owns it.
type IngestionState struct {
	RepoID           string       `json:"repo_id"`
	RepoURL          string       `json:"repo_url"`
	Status           IngestStatus `json:"status"`
	ProcessedCommits int          `json:"processed_commits"`
	TotalCommits     *int         `json:"total_commits"`
	Error            string       `json:"error,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// CommitRecord is one commit of a repository's history with its diffs
// already split into embeddable chunks. Immutable once produced.
type CommitRecord struct {
	Hash       string      `json:"hash"`
	Author     string      `json:"author"`
	Timestamp  time.Time   `json:"timestamp"`
	Message    string      `json:"message"`
	DiffChunks []DiffChunk `json:"diff_chunks"`
}

// DiffChunk is the atom of embedding and retrieval: a bounded slice of one
// file's diff within one commit. ChunkID is a deterministic hash of
// (repo_id, commit_hash, file_path, hunk_index), stable across re-ingestion.
type DiffChunk struct {
	ChunkID     string    `json:"chunk_id"`
	RepoID      string    `json:"repo_id"`
	CommitHash  string    `json:"commit_hash"`
	FilePath    string    `json:"file_path"`
	HunkIndex   int       `json:"hunk_index"`
	Text        string    `json:"text"`
	CommittedAt time.Time `json:"committed_at"`
}

// EmbeddedChunk pairs a chunk with its embedding for a vector-store write.
// The index owns it after the upsert; the pipeline holds no reference.
type EmbeddedChunk struct {
	DiffChunk
	Vector []float32 `json:"vector"`
}

// ScoredChunk is a retrieval hit: a stored chunk plus its similarity score.
type ScoredChunk struct {
	Chunk DiffChunk `json:"chunk"`
	Score float64   `json:"score"`
}

// Frame is one element of a streamed answer. Exactly one frame per stream
// carries IsFinal=true with an empty token.
type Frame struct {
	Token   string `json:"token"`
	IsFinal bool   `json:"is_final"`
}
