// Package chunker splits commit diffs into bounded-size chunks suitable
// for embedding.
package chunker

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Encore7/codebase-explainer-agent/internal/gitlog"
	"github.com/Encore7/codebase-explainer-agent/pkg/models"
)

// DefaultMaxChars bounds one chunk's text. Diffs below this fit one chunk.
const DefaultMaxChars = 2000

// Chunker splits per-file diffs at line boundaries so a chunk never breaks
// mid-line, and never merges content across files.
type Chunker struct {
	MaxChars int
}

// New returns a Chunker with the given bound; non-positive means the default.
func New(maxChars int) Chunker {
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}
	return Chunker{MaxChars: maxChars}
}

// Split converts one commit into its retrieval chunks. Concatenating the
// chunks of a file in order reproduces that file's diff text exactly.
func (c Chunker) Split(repoID string, commit gitlog.Commit) []models.DiffChunk {
	var out []models.DiffChunk
	for _, file := range commit.Files {
		for i, text := range splitLines(file.Diff, c.MaxChars) {
			out = append(out, models.DiffChunk{
				ChunkID:     ChunkID(repoID, commit.Hash, file.Path, i),
				RepoID:      repoID,
				CommitHash:  commit.Hash,
				FilePath:    file.Path,
				HunkIndex:   i,
				Text:        text,
				CommittedAt: commit.When.When,
			})
		}
	}
	return out
}

// ChunkID is a deterministic hash of the chunk's coordinates, stable across
// re-ingestion so vector-store writes are idempotent upserts.
func ChunkID(repoID, commitHash, filePath string, hunkIndex int) string {
	h := sha1.Sum([]byte(repoID + "|" + commitHash + "|" + filePath + "|" + fmt.Sprintf("%d", hunkIndex)))
	return hex.EncodeToString(h[:])
}

// splitLines cuts s into pieces of at most maxChars, only at newline
// boundaries. A single line longer than maxChars becomes its own piece.
func splitLines(s string, maxChars int) []string {
	if s == "" {
		return nil
	}
	if len(s) <= maxChars {
		return []string{s}
	}

	var (
		out []string
		cur strings.Builder
	)
	for len(s) > 0 {
		line := s
		if i := strings.IndexByte(s, '\n'); i >= 0 {
			line = s[:i+1]
		}
		s = s[len(line):]

		if cur.Len() > 0 && cur.Len()+len(line) > maxChars {
			out = append(out, cur.String())
			cur.Reset()
		}
		cur.WriteString(line)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}
