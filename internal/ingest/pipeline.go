package ingest

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Encore7/codebase-explainer-agent/internal/ai"
	"github.com/Encore7/codebase-explainer-agent/internal/chunker"
	"github.com/Encore7/codebase-explainer-agent/internal/gitlog"
	"github.com/Encore7/codebase-explainer-agent/internal/retry"
	"github.com/Encore7/codebase-explainer-agent/internal/vector"
	"github.com/Encore7/codebase-explainer-agent/pkg/models"
)

// ErrInvalidRepo is gitlog's sentinel, re-exported at the submission
// surface where locators are validated.
var ErrInvalidRepo = gitlog.ErrInvalidRepo

// ErrRunFailed means an ingestion run terminated without completing: the
// retry budget was exhausted or too many chunks were skipped.
var ErrRunFailed = errors.New("ingestion run failed")

// CommitSource yields a repository's history. *gitlog.Extractor is the
// production implementation.
type CommitSource interface {
	Commits(ctx context.Context) ([]gitlog.Commit, error)
	Close() error
}

// Opener resolves a repository locator into a CommitSource.
type Opener func(ctx context.Context, locator string) (CommitSource, error)

// DefaultOpener opens the locator with gitlog.
func DefaultOpener(ctx context.Context, locator string) (CommitSource, error) {
	return gitlog.Open(ctx, locator)
}

const (
	defaultBatchSize     = 20
	defaultEmbedWorkers  = 4
	defaultSkipThreshold = 0.5
)

// Pipeline orchestrates extract -> chunk -> embed -> upsert for one
// repository at a time, reporting progress through the Registry.
type Pipeline struct {
	Registry *Registry
	Index    vector.Index
	Client   ai.Client
	Chunker  chunker.Chunker
	Retry    retry.Policy
	Open     Opener

	// BatchSize is the number of embedded chunks accumulated before an
	// upsert. SkipThreshold is the fraction of chunks that may be skipped
	// before the whole run fails.
	BatchSize     int
	EmbedWorkers  int
	SkipThreshold float64
}

// New creates a Pipeline with defaults applied.
func New(registry *Registry, index vector.Index, client ai.Client, ch chunker.Chunker) *Pipeline {
	return &Pipeline{
		Registry:      registry,
		Index:         index,
		Client:        client,
		Chunker:       ch,
		Retry:         retry.Default(),
		Open:          DefaultOpener,
		BatchSize:     defaultBatchSize,
		EmbedWorkers:  defaultEmbedWorkers,
		SkipThreshold: defaultSkipThreshold,
	}
}

// RepoID derives the stable repository identifier from its locator.
func RepoID(repoURL string) string {
	h := sha1.Sum([]byte(repoURL))
	return hex.EncodeToString(h[:])[:8]
}

// Start validates the locator and enqueues ingestion. The returned bool
// reports whether a new run was registered; false means a run for this
// repository is already queued or in progress and the caller must not
// launch another.
func (p *Pipeline) Start(ctx context.Context, repoURL string) (models.IngestionState, bool, error) {
	repoURL = strings.TrimSpace(repoURL)
	if err := validateLocator(repoURL); err != nil {
		return models.IngestionState{}, false, err
	}

	repoID := RepoID(repoURL)
	st, ok, err := p.Registry.Register(ctx, repoID, repoURL)
	if err != nil {
		return models.IngestionState{}, false, err
	}
	if !ok {
		log.Info().Str("repo_id", repoID).Str("status", string(st.Status)).Msg("ingestion already registered")
		return st, false, nil
	}
	log.Info().Str("repo_id", repoID).Str("repo_url", repoURL).Msg("ingestion queued")
	return st, true, nil
}

// validateLocator accepts http(s)/git/ssh URLs and existing local paths.
func validateLocator(locator string) error {
	if locator == "" {
		return ErrInvalidRepo
	}
	if u, err := url.Parse(locator); err == nil && u.Scheme != "" {
		switch u.Scheme {
		case "http", "https", "git", "ssh", "file":
			return nil
		}
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidRepo, u.Scheme)
	}
	if fi, err := os.Stat(locator); err == nil && fi.IsDir() {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrInvalidRepo, locator)
}

// Run performs one ingestion run to completion. It is invoked at most once
// per repo at a time (the Registry guarantees this) and always leaves the
// state terminal: done or failed. The returned error mirrors the failure
// recorded in the state.
func (p *Pipeline) Run(ctx context.Context, repoID, repoURL string) error {
	if _, err := p.Registry.Update(ctx, repoID, func(st *models.IngestionState) {
		st.Status = models.StatusInProgress
	}); err != nil {
		return err
	}

	err := p.run(ctx, repoID, repoURL)
	if err != nil {
		log.Error().Err(err).Str("repo_id", repoID).Msg("ingestion failed")
		if _, uerr := p.Registry.Update(ctx, repoID, func(st *models.IngestionState) {
			st.Status = models.StatusFailed
			st.Error = err.Error()
		}); uerr != nil {
			log.Error().Err(uerr).Str("repo_id", repoID).Msg("failed to record run failure")
		}
		return err
	}

	if _, err := p.Registry.Update(ctx, repoID, func(st *models.IngestionState) {
		st.Status = models.StatusDone
	}); err != nil {
		return err
	}
	log.Info().Str("repo_id", repoID).Msg("ingestion completed")
	return nil
}

func (p *Pipeline) run(ctx context.Context, repoID, repoURL string) error {
	src, err := p.Open(ctx, repoURL)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := src.Close(); cerr != nil {
			log.Warn().Err(cerr).Str("repo_id", repoID).Msg("failed to close commit source")
		}
	}()

	commits, err := src.Commits(ctx)
	if err != nil {
		return fmt.Errorf("extract commits: %w", err)
	}

	total := len(commits)
	if _, err := p.Registry.Update(ctx, repoID, func(st *models.IngestionState) {
		st.TotalCommits = &total
	}); err != nil {
		return err
	}
	log.Info().Str("repo_id", repoID).Int("total_commits", total).Msg("ingestion started")

	var (
		batch       []models.EmbeddedChunk
		totalChunks int
		skipped     int
	)
	for _, commit := range commits {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunks := p.Chunker.Split(repoID, commit)
		embedded, commitSkipped := p.embedCommit(ctx, commit, chunks)
		totalChunks += len(chunks)
		skipped += commitSkipped
		batch = append(batch, embedded...)

		if len(batch) >= p.BatchSize {
			if err := p.upsert(ctx, batch); err != nil {
				return err
			}
			batch = batch[:0]
		}

		if _, err := p.Registry.Update(ctx, repoID, func(st *models.IngestionState) {
			st.ProcessedCommits++
		}); err != nil {
			return err
		}
	}
	if len(batch) > 0 {
		if err := p.upsert(ctx, batch); err != nil {
			return err
		}
	}

	if totalChunks > 0 {
		ratio := float64(skipped) / float64(totalChunks)
		if ratio > p.SkipThreshold {
			return fmt.Errorf("%w: skipped %d of %d chunks (%.0f%%)",
				ErrRunFailed, skipped, totalChunks, ratio*100)
		}
		if skipped > 0 {
			log.Warn().Str("repo_id", repoID).Int("skipped", skipped).Int("chunks", totalChunks).
				Msg("some chunks skipped after exhausting retries")
		}
	}
	return nil
}

// embedCommit embeds one commit's chunks with a bounded worker pool. A
// chunk that exhausts its retry budget is dropped from the batch and
// counted as skipped; order of the surviving chunks is preserved.
func (p *Pipeline) embedCommit(ctx context.Context, commit gitlog.Commit, chunks []models.DiffChunk) ([]models.EmbeddedChunk, int) {
	if len(chunks) == 0 {
		return nil, 0
	}

	workers := p.EmbedWorkers
	if workers > len(chunks) {
		workers = len(chunks)
	}
	if workers < 1 {
		workers = 1
	}

	vectors := make([][]float32, len(chunks))
	work := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				text := commit.Message + "\n" + chunks[i].Text
				var vec []float32
				err := p.Retry.Do(ctx, func() error {
					var eerr error
					vec, eerr = p.Client.Embed(ctx, text)
					return eerr
				})
				if err != nil {
					log.Warn().Err(err).Str("chunk_id", chunks[i].ChunkID).Msg("embedding failed, skipping chunk")
					continue
				}
				vectors[i] = vec
			}
		}()
	}
	for i := range chunks {
		work <- i
	}
	close(work)
	wg.Wait()

	var (
		out     []models.EmbeddedChunk
		skipped int
	)
	for i, c := range chunks {
		if vectors[i] == nil {
			skipped++
			continue
		}
		out = append(out, models.EmbeddedChunk{DiffChunk: c, Vector: vectors[i]})
	}
	return out, skipped
}

// upsert writes one batch, retrying transient store failures. A batch that
// cannot be written fails the run: no partial silent success.
func (p *Pipeline) upsert(ctx context.Context, batch []models.EmbeddedChunk) error {
	err := p.Retry.Do(ctx, func() error {
		return p.Index.Upsert(ctx, batch)
	})
	if err != nil {
		return fmt.Errorf("%w: vector store write: %v", ErrRunFailed, err)
	}
	return nil
}
