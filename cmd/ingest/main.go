// Command ingest runs one ingestion to completion and prints the final
// state. It shares the config surface with the api server; --repo (or
// CODEX_REPO_URL) selects the repository.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/Encore7/codebase-explainer-agent/internal/ai"
	"github.com/Encore7/codebase-explainer-agent/internal/chunker"
	"github.com/Encore7/codebase-explainer-agent/internal/config"
	"github.com/Encore7/codebase-explainer-agent/internal/ingest"
	"github.com/Encore7/codebase-explainer-agent/internal/retry"
	"github.com/Encore7/codebase-explainer-agent/internal/store"
	"github.com/Encore7/codebase-explainer-agent/internal/vector"
)

func main() {
	fs := pflag.NewFlagSet("codex-ingest", pflag.ExitOnError)

	cfg, err := config.Load("", fs)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	fs.Usage = cfg.Usage

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level '%s': %v", cfg.LogLevel, err)
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()

	repoURL := strings.TrimSpace(cfg.RepoURL)
	if repoURL == "" && fs.NArg() > 0 {
		repoURL = fs.Arg(0)
	}
	if repoURL == "" {
		log.Fatal("a repository locator is required (--repo or positional argument)")
	}

	ctx := context.Background()

	client, err := ai.NewClient(ctx, clientConfig(cfg))
	if err != nil {
		log.Fatalf("Failed to create AI client: %v", err)
	}
	if client.Dim() == 0 {
		log.Fatal("embedding dimension must be set")
	}

	tasks, err := store.NewPostgres(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer tasks.Close()
	if err := tasks.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	index, err := openIndex(ctx, cfg, client.Dim())
	if err != nil {
		log.Fatalf("Failed to open vector index: %v", err)
	}

	registry := ingest.NewRegistry(tasks)
	pipeline := ingest.New(registry, index, client, chunker.New(cfg.ChunkMaxChars))
	pipeline.BatchSize = cfg.BatchSize
	pipeline.SkipThreshold = cfg.SkipThreshold
	if cfg.RetryAttempts > 0 {
		p := retry.Default()
		p.MaxAttempts = cfg.RetryAttempts
		pipeline.Retry = p
	}

	st, started, err := pipeline.Start(ctx, repoURL)
	if err != nil {
		log.Fatalf("Failed to start ingestion: %v", err)
	}
	if !started {
		logger.Info().Str("repo_id", st.RepoID).Str("status", string(st.Status)).Msg("a run is already registered for this repository")
		return
	}

	if err := pipeline.Run(ctx, st.RepoID, st.RepoURL); err != nil {
		log.Fatalf("Ingestion failed: %v", err)
	}

	final, err := registry.Get(ctx, st.RepoID)
	if err != nil {
		log.Fatalf("Failed to read final state: %v", err)
	}
	total := 0
	if final.TotalCommits != nil {
		total = *final.TotalCommits
	}
	logger.Info().
		Str("repo_id", final.RepoID).
		Str("status", string(final.Status)).
		Int("processed_commits", final.ProcessedCommits).
		Int("total_commits", total).
		Msg("ingestion finished")
}

func clientConfig(cfg config.Specification) *ai.ClientConfig {
	c := &ai.ClientConfig{
		APIKey:       cfg.APIKey,
		EmbedModel:   cfg.EmbedModel,
		SummaryModel: cfg.SummaryModel,
		GenModel:     cfg.GenModel,
		Dim:          cfg.Dim,
		ProjectID:    cfg.ProjectID,
		Location:     cfg.Location,
		BaseURL:      cfg.BaseURL,
	}
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		c.Provider = ai.ProviderOpenAI
	case "vertexai", "google":
		c.Provider = ai.ProviderVertexAI
	case "ollama":
		c.Provider = ai.ProviderOllama
	case "stub":
		c.Provider = ai.ProviderStub
	default:
		log.Fatalf("unsupported provider: %s", cfg.Provider)
	}
	return c
}

func openIndex(ctx context.Context, cfg config.Specification, dim int) (vector.Index, error) {
	switch cfg.VectorBackend {
	case "pgvector":
		idx, err := vector.NewPostgres(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
		if err := idx.Migrate(ctx, dim); err != nil {
			return nil, err
		}
		return idx, nil
	case "qdrant":
		return vector.NewQdrant(ctx, cfg.QdrantAddr, cfg.QdrantCollection, dim)
	case "memory":
		return vector.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown vector backend %q", cfg.VectorBackend)
	}
}
