package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/Encore7/codebase-explainer-agent/internal/ai"
	"github.com/Encore7/codebase-explainer-agent/internal/retry"
	"github.com/Encore7/codebase-explainer-agent/internal/vector"
	"github.com/Encore7/codebase-explainer-agent/pkg/models"
)

func init() {
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

type mockStatus struct {
	getFunc func(ctx context.Context, repoID string) (models.IngestionState, error)
}

func (m *mockStatus) Get(ctx context.Context, repoID string) (models.IngestionState, error) {
	return m.getFunc(ctx, repoID)
}

func statusOf(s models.IngestStatus) *mockStatus {
	return &mockStatus{getFunc: func(ctx context.Context, repoID string) (models.IngestionState, error) {
		return models.IngestionState{RepoID: repoID, Status: s}, nil
	}}
}

type mockClient struct {
	stub          *ai.StubClient
	embedFunc     func(ctx context.Context, text string) ([]float32, error)
	summarizeFunc func(ctx context.Context, diff string) (string, error)
	streamFunc    func(ctx context.Context, prompt string) (<-chan ai.Fragment, error)
}

func newMockClient() *mockClient {
	return &mockClient{stub: ai.NewStubClient(8)}
}

func (m *mockClient) Embed(ctx context.Context, text string) ([]float32, error) {
	if m.embedFunc != nil {
		return m.embedFunc(ctx, text)
	}
	return m.stub.Embed(ctx, text)
}

func (m *mockClient) Summarize(ctx context.Context, diff string) (string, error) {
	if m.summarizeFunc != nil {
		return m.summarizeFunc(ctx, diff)
	}
	return m.stub.Summarize(ctx, diff)
}

func (m *mockClient) GenerateStream(ctx context.Context, prompt string) (<-chan ai.Fragment, error) {
	if m.streamFunc != nil {
		return m.streamFunc(ctx, prompt)
	}
	return m.stub.GenerateStream(ctx, prompt)
}

func (m *mockClient) Dim() int { return m.stub.Dim() }

// seededAgent builds an Agent over an in-memory index holding n chunks for
// repoID, with the similarity floor disabled so every hit survives.
func seededAgent(t *testing.T, repoID string, n int) (*Agent, *mockClient) {
	t.Helper()
	client := newMockClient()
	idx := vector.NewMemory()

	chunks := make([]models.EmbeddedChunk, n)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := range chunks {
		text := fmt.Sprintf("+added line %d\n", i)
		vec, err := client.Embed(context.Background(), text)
		if err != nil {
			t.Fatal(err)
		}
		chunks[i] = models.EmbeddedChunk{
			DiffChunk: models.DiffChunk{
				ChunkID:     fmt.Sprintf("chunk-%d", i),
				RepoID:      repoID,
				CommitHash:  fmt.Sprintf("%040d", i),
				FilePath:    fmt.Sprintf("file%d.go", i),
				HunkIndex:   0,
				Text:        text,
				CommittedAt: base.Add(time.Duration(i) * time.Hour),
			},
			Vector: vec,
		}
	}
	if err := idx.Upsert(context.Background(), chunks); err != nil {
		t.Fatal(err)
	}

	a := New(statusOf(models.StatusDone), idx, client)
	a.Retry = retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	a.MinScore = -1
	return a, client
}

// drain collects every frame until the stream closes, guarding against a
// stuck producer.
func drain(t *testing.T, s *Session) []models.Frame {
	t.Helper()
	var out []models.Frame
	timeout := time.After(5 * time.Second)
	for {
		select {
		case f, ok := <-s.Frames():
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("stream did not close in time")
		}
	}
}

type flakyIndex struct {
	vector.Index
	queryFunc func(ctx context.Context, vec []float32, topK int, repoID string) ([]models.ScoredChunk, error)
}

func (f *flakyIndex) Query(ctx context.Context, vec []float32, topK int, repoID string) ([]models.ScoredChunk, error) {
	if f.queryFunc != nil {
		return f.queryFunc(ctx, vec, topK, repoID)
	}
	return f.Index.Query(ctx, vec, topK, repoID)
}

func TestAnswerRepoNotReady(t *testing.T) {
	client := newMockClient()
	idx := vector.NewMemory()

	for _, status := range []models.IngestStatus{models.StatusQueued, models.StatusInProgress, models.StatusFailed} {
		a := New(statusOf(status), idx, client)
		if _, err := a.Answer(context.Background(), "abc12345", "what changed?"); !errors.Is(err, ErrRepoNotReady) {
			t.Errorf("status %s: err = %v, want ErrRepoNotReady", status, err)
		}
	}

	missing := &mockStatus{getFunc: func(ctx context.Context, repoID string) (models.IngestionState, error) {
		return models.IngestionState{}, errors.New("not found")
	}}
	a := New(missing, idx, client)
	if _, err := a.Answer(context.Background(), "nope", "q"); !errors.Is(err, ErrRepoNotReady) {
		t.Errorf("unknown repo: err = %v, want ErrRepoNotReady", err)
	}
}

func TestAnswerStreamsTokensInOrder(t *testing.T) {
	a, client := seededAgent(t, "abc12345", 3)
	want := []string{"the ", "watcher ", "was ", "rewritten"}
	client.streamFunc = func(ctx context.Context, prompt string) (<-chan ai.Fragment, error) {
		out := make(chan ai.Fragment)
		go func() {
			defer close(out)
			for _, tok := range want {
				out <- ai.Fragment{Text: tok}
			}
		}()
		return out, nil
	}

	s, err := a.Answer(context.Background(), "abc12345", "what changed?")
	if err != nil {
		t.Fatal(err)
	}
	frames := drain(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("Err = %v, want nil", err)
	}

	if len(frames) != len(want)+1 {
		t.Fatalf("got %d frames, want %d tokens + terminal", len(frames), len(want))
	}
	for i, tok := range want {
		if frames[i].Token != tok || frames[i].IsFinal {
			t.Errorf("frame %d = %+v, want token %q", i, frames[i], tok)
		}
	}
	last := frames[len(frames)-1]
	if !last.IsFinal || last.Token != "" {
		t.Errorf("terminal frame = %+v, want empty final", last)
	}
}

func TestAnswerRetriesTransientQuery(t *testing.T) {
	a, client := seededAgent(t, "abc12345", 3)
	attempts := 0
	inner := a.Index
	a.Index = &flakyIndex{
		Index: inner,
		queryFunc: func(ctx context.Context, vec []float32, topK int, repoID string) ([]models.ScoredChunk, error) {
			attempts++
			if attempts == 1 {
				return nil, &retry.Transient{Err: errors.New("vector store hiccup")}
			}
			return inner.Query(ctx, vec, topK, repoID)
		},
	}
	client.streamFunc = func(ctx context.Context, prompt string) (<-chan ai.Fragment, error) {
		out := make(chan ai.Fragment)
		go func() {
			out <- ai.Fragment{Text: "ok"}
			close(out)
		}()
		return out, nil
	}

	s, err := a.Answer(context.Background(), "abc12345", "what changed?")
	if err != nil {
		t.Fatal(err)
	}
	frames := drain(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("Err = %v, want a recovered stream", err)
	}
	if attempts != 2 {
		t.Errorf("query attempts = %d, want 2", attempts)
	}
	if len(frames) == 0 || frames[0].Token != "ok" {
		t.Errorf("frames = %+v, want the generated token", frames)
	}
}

func TestAnswerRetriesGenerationStart(t *testing.T) {
	a, client := seededAgent(t, "abc12345", 2)
	attempts := 0
	client.streamFunc = func(ctx context.Context, prompt string) (<-chan ai.Fragment, error) {
		attempts++
		if attempts == 1 {
			return nil, &retry.Transient{Err: errors.New("model warming up")}
		}
		out := make(chan ai.Fragment)
		go func() {
			out <- ai.Fragment{Text: "recovered"}
			close(out)
		}()
		return out, nil
	}

	s, err := a.Answer(context.Background(), "abc12345", "what changed?")
	if err != nil {
		t.Fatal(err)
	}
	frames := drain(t, s)
	if err := s.Err(); err != nil {
		t.Fatalf("Err = %v, want a recovered stream", err)
	}
	if attempts != 2 {
		t.Errorf("generation start attempts = %d, want 2", attempts)
	}
	if len(frames) != 2 || frames[0].Token != "recovered" || !frames[1].IsFinal {
		t.Errorf("frames = %+v, want token + terminal", frames)
	}
}

func TestAnswerNoEvidenceSkipsGenerator(t *testing.T) {
	a, client := seededAgent(t, "abc12345", 3)
	a.MinScore = 2 // unreachable: cosine similarity tops out at 1

	generated := false
	client.streamFunc = func(ctx context.Context, prompt string) (<-chan ai.Fragment, error) {
		generated = true
		return nil, errors.New("should not be called")
	}

	s, err := a.Answer(context.Background(), "abc12345", "anything?")
	if err != nil {
		t.Fatal(err)
	}
	frames := drain(t, s)
	if s.Err() != nil {
		t.Fatalf("Err = %v", s.Err())
	}

	if generated {
		t.Error("generator invoked despite empty retrieval set")
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want answer + terminal", len(frames))
	}
	if frames[0].Token != NoEvidenceAnswer {
		t.Errorf("answer = %q, want %q", frames[0].Token, NoEvidenceAnswer)
	}
	if !frames[1].IsFinal || frames[1].Token != "" {
		t.Errorf("terminal frame = %+v", frames[1])
	}
}

func TestAnswerOmitsFailedSummaries(t *testing.T) {
	a, client := seededAgent(t, "abc12345", 3)
	client.summarizeFunc = func(ctx context.Context, diff string) (string, error) {
		if strings.Contains(diff, "line 1") {
			return "", errors.New("model overloaded")
		}
		return "summary of " + strings.TrimSpace(diff), nil
	}

	var prompt string
	client.streamFunc = func(ctx context.Context, p string) (<-chan ai.Fragment, error) {
		prompt = p
		out := make(chan ai.Fragment)
		go func() {
			out <- ai.Fragment{Text: "ok"}
			close(out)
		}()
		return out, nil
	}

	s, err := a.Answer(context.Background(), "abc12345", "what changed?")
	if err != nil {
		t.Fatal(err)
	}
	drain(t, s)
	if s.Err() != nil {
		t.Fatalf("Err = %v", s.Err())
	}

	if strings.Contains(prompt, "line 1") {
		t.Error("failed chunk leaked into the prompt")
	}
	if !strings.Contains(prompt, "line 0") || !strings.Contains(prompt, "line 2") {
		t.Errorf("surviving chunks missing from prompt:\n%s", prompt)
	}
}

func TestAnswerKeepsEmptySummaries(t *testing.T) {
	a, client := seededAgent(t, "abc12345", 2)
	client.summarizeFunc = func(ctx context.Context, diff string) (string, error) {
		if strings.Contains(diff, "line 1") {
			return "", nil // succeeded, just had nothing to say
		}
		return "summary of " + strings.TrimSpace(diff), nil
	}

	var prompt string
	client.streamFunc = func(ctx context.Context, p string) (<-chan ai.Fragment, error) {
		prompt = p
		out := make(chan ai.Fragment)
		go func() {
			out <- ai.Fragment{Text: "ok"}
			close(out)
		}()
		return out, nil
	}

	s, err := a.Answer(context.Background(), "abc12345", "what changed?")
	if err != nil {
		t.Fatal(err)
	}
	drain(t, s)
	if s.Err() != nil {
		t.Fatalf("Err = %v", s.Err())
	}

	if !strings.Contains(prompt, "file1.go") {
		t.Errorf("chunk with empty summary dropped from prompt:\n%s", prompt)
	}
}

func TestAnswerGenerationFailure(t *testing.T) {
	a, client := seededAgent(t, "abc12345", 2)
	client.streamFunc = func(ctx context.Context, prompt string) (<-chan ai.Fragment, error) {
		out := make(chan ai.Fragment)
		go func() {
			out <- ai.Fragment{Text: "partial "}
			out <- ai.Fragment{Err: errors.New("backend dropped connection")}
			close(out)
		}()
		return out, nil
	}

	s, err := a.Answer(context.Background(), "abc12345", "what changed?")
	if err != nil {
		t.Fatal(err)
	}
	frames := drain(t, s)

	if err := s.Err(); !errors.Is(err, ErrStreamAborted) {
		t.Fatalf("Err = %v, want ErrStreamAborted", err)
	}
	for _, f := range frames {
		if f.IsFinal {
			t.Error("aborted stream must not carry a terminal frame")
		}
	}
}

func TestAnswerCancelMidStream(t *testing.T) {
	a, client := seededAgent(t, "abc12345", 2)
	client.streamFunc = func(ctx context.Context, prompt string) (<-chan ai.Fragment, error) {
		out := make(chan ai.Fragment)
		go func() {
			defer close(out)
			for i := 0; ; i++ {
				select {
				case out <- ai.Fragment{Text: fmt.Sprintf("tok%d ", i)}:
				case <-ctx.Done():
					return
				}
			}
		}()
		return out, nil
	}

	s, err := a.Answer(context.Background(), "abc12345", "what changed?")
	if err != nil {
		t.Fatal(err)
	}

	// Take two tokens, then disconnect.
	for i := 0; i < 2; i++ {
		select {
		case f := <-s.Frames():
			if f.IsFinal {
				t.Fatalf("premature terminal frame at %d", i)
			}
		case <-time.After(time.Second):
			t.Fatal("no token delivered")
		}
	}
	s.Close()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.Frames():
			if !ok {
				if err := s.Err(); !errors.Is(err, ErrStreamAborted) {
					t.Fatalf("Err = %v, want ErrStreamAborted", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("stream not closed after cancellation")
		}
	}
}
