// Package agent answers questions about an ingested repository by
// retrieving relevant diff chunks, summarising them into evidence
// snippets, and streaming a composed answer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/Encore7/codebase-explainer-agent/internal/ai"
	"github.com/Encore7/codebase-explainer-agent/internal/retry"
	"github.com/Encore7/codebase-explainer-agent/internal/vector"
	"github.com/Encore7/codebase-explainer-agent/pkg/models"
)

// ErrRepoNotReady means the repository has not finished ingesting (or is
// unknown); it is returned synchronously from Answer.
var ErrRepoNotReady = errors.New("repository not ready for querying")

// ErrStreamAborted means a stream ended before its terminal frame: the
// generation stage failed or the consumer cancelled.
var ErrStreamAborted = errors.New("stream aborted")

// NoEvidenceAnswer is streamed verbatim when retrieval finds nothing above
// the similarity floor. The generator is not invoked in that case.
const NoEvidenceAnswer = "No relevant information found in the repository history."

const (
	DefaultTopK           = 8
	DefaultMinScore       = 0.25
	defaultSummaryWorkers = 4
)

// StatusReader reports a repository's ingestion state. *ingest.Registry
// satisfies it.
type StatusReader interface {
	Get(ctx context.Context, repoID string) (models.IngestionState, error)
}

// Agent runs the retrieve -> summarise -> compose flow. Each Answer call
// is independent; the Agent itself holds no per-query state.
type Agent struct {
	Status StatusReader
	Index  vector.Index
	Client ai.Client
	Retry  retry.Policy

	TopK           int
	MinScore       float64
	SummaryWorkers int
}

// New creates an Agent with default retrieval parameters.
func New(status StatusReader, index vector.Index, client ai.Client) *Agent {
	return &Agent{
		Status:         status,
		Index:          index,
		Client:         client,
		Retry:          retry.Default(),
		TopK:           DefaultTopK,
		MinScore:       DefaultMinScore,
		SummaryWorkers: defaultSummaryWorkers,
	}
}

// Answer starts a streamed answer to question scoped to repoID. It fails
// synchronously with ErrRepoNotReady unless ingestion has completed; all
// later failures surface through the session. The caller must drain the
// session's frames or Close it.
func (a *Agent) Answer(ctx context.Context, repoID, question string) (*Session, error) {
	st, err := a.Status.Get(ctx, repoID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRepoNotReady, err)
	}
	if st.Status != models.StatusDone {
		return nil, fmt.Errorf("%w: ingestion status is %s", ErrRepoNotReady, st.Status)
	}

	sctx, cancel := context.WithCancel(ctx)
	s := newSession(cancel)
	log.Info().Str("repo_id", repoID).Str("session_id", s.ID).Msg("answer session started")

	go a.run(sctx, s, repoID, strings.TrimSpace(question))
	return s, nil
}

func (a *Agent) run(ctx context.Context, s *Session, repoID, question string) {
	defer s.cancel()

	hits, err := a.retrieve(ctx, repoID, question)
	if err != nil {
		s.fail(fmt.Errorf("%w: retrieve: %v", ErrStreamAborted, err))
		return
	}

	snippets := a.summarise(ctx, hits)
	if len(snippets) == 0 {
		log.Info().Str("repo_id", repoID).Str("session_id", s.ID).Msg("no evidence above similarity floor")
		if !s.emit(ctx, NoEvidenceAnswer) {
			s.fail(fmt.Errorf("%w: %v", ErrStreamAborted, ctx.Err()))
			return
		}
		s.finish(ctx)
		return
	}

	if err := a.compose(ctx, s, question, snippets); err != nil {
		s.fail(fmt.Errorf("%w: %v", ErrStreamAborted, err))
		return
	}
	s.finish(ctx)
}

// retrieve embeds the question and queries the index, keeping only hits at
// or above the similarity floor. Results stay in index order: score
// descending, earliest commit first on ties.
func (a *Agent) retrieve(ctx context.Context, repoID, question string) ([]models.ScoredChunk, error) {
	var qvec []float32
	err := a.Retry.Do(ctx, func() error {
		var eerr error
		qvec, eerr = a.Client.Embed(ctx, question)
		return eerr
	})
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	var hits []models.ScoredChunk
	err = a.Retry.Do(ctx, func() error {
		var qerr error
		hits, qerr = a.Index.Query(ctx, qvec, a.TopK, repoID)
		return qerr
	})
	if err != nil {
		return nil, fmt.Errorf("vector query: %w", err)
	}

	kept := hits[:0]
	for _, h := range hits {
		if h.Score >= a.MinScore {
			kept = append(kept, h)
		}
	}
	return kept, nil
}

// snippet is one summarised piece of evidence tied back to its commit.
type snippet struct {
	CommitHash string
	FilePath   string
	Text       string
}

// summarise reduces each hit to a short snippet, in parallel. A hit whose
// summarisation fails after retries is omitted; the survivors keep
// retrieval order.
func (a *Agent) summarise(ctx context.Context, hits []models.ScoredChunk) []snippet {
	if len(hits) == 0 {
		return nil
	}

	workers := a.SummaryWorkers
	if workers > len(hits) {
		workers = len(hits)
	}
	if workers < 1 {
		workers = 1
	}

	texts := make([]string, len(hits))
	ok := make([]bool, len(hits))
	work := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				var summary string
				err := a.Retry.Do(ctx, func() error {
					var serr error
					summary, serr = a.Client.Summarize(ctx, hits[i].Chunk.Text)
					return serr
				})
				if err != nil {
					log.Warn().Err(err).Str("chunk_id", hits[i].Chunk.ChunkID).Msg("summarise failed, omitting chunk")
					continue
				}
				texts[i] = summary
				ok[i] = true
			}
		}()
	}
	for i := range hits {
		work <- i
	}
	close(work)
	wg.Wait()

	var out []snippet
	for i, h := range hits {
		if !ok[i] {
			continue
		}
		out = append(out, snippet{
			CommitHash: h.Chunk.CommitHash,
			FilePath:   h.Chunk.FilePath,
			Text:       texts[i],
		})
	}
	return out
}

// compose builds the generation prompt and forwards the streamed output
// into the session, one fragment per frame and in order.
func (a *Agent) compose(ctx context.Context, s *Session, question string, snippets []snippet) error {
	prompt := composePrompt(question, snippets)
	var frags <-chan ai.Fragment
	err := a.Retry.Do(ctx, func() error {
		var gerr error
		frags, gerr = a.Client.GenerateStream(ctx, prompt)
		return gerr
	})
	if err != nil {
		return fmt.Errorf("start generation: %w", err)
	}

	// Once fragments are flowing a failure is terminal: tokens were already
	// forwarded, so restarting the stream would replay them.
	for f := range frags {
		if f.Err != nil {
			return fmt.Errorf("generation: %w", f.Err)
		}
		if !s.emit(ctx, f.Text) {
			return ctx.Err()
		}
	}
	return nil
}

func composePrompt(question string, snippets []snippet) string {
	var b strings.Builder
	b.WriteString("You are answering a question about a git repository using evidence from its commit history.\n\n")
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\n\nEvidence:\n")
	for _, sn := range snippets {
		fmt.Fprintf(&b, "- [commit %s, %s] %s\n", shortHash(sn.CommitHash), sn.FilePath, sn.Text)
	}
	b.WriteString("\nAnswer the question using only the evidence above. Cite commits where relevant.")
	return b.String()
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
