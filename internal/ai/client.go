// Package ai provides embedding, summarization and streamed generation
// behind a single provider interface.
package ai

import (
	"context"
	"crypto/sha1"
	"errors"
	"strings"
)

// Fragment is one streamed piece of a generation. Err is terminal: no
// further fragments follow it.
type Fragment struct {
	Text string
	Err  error
}

// Client provides embedding, summarization and generation capabilities.
type Client interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Summarize(ctx context.Context, diff string) (string, error)
	// GenerateStream produces the answer incrementally. The channel closes
	// after the last fragment; cancelling ctx aborts generation.
	GenerateStream(ctx context.Context, prompt string) (<-chan Fragment, error)
	Dim() int
}

// Provider is the enumeration of supported AI providers.
type Provider string

const (
	ProviderOpenAI   Provider = "openai"
	ProviderVertexAI Provider = "vertexai"
	ProviderOllama   Provider = "ollama"
	ProviderStub     Provider = "stub"
)

// ClientConfig holds configuration for AI clients.
type ClientConfig struct {
	Provider     Provider
	APIKey       string
	EmbedModel   string
	SummaryModel string
	GenModel     string
	Dim          int
	ProjectID    string
	Location     string
	BaseURL      string
}

// NewClient creates a client for the configured provider.
func NewClient(ctx context.Context, config *ClientConfig) (Client, error) {
	if config == nil {
		return nil, errors.New("client config is required")
	}
	switch config.Provider {
	case ProviderOpenAI:
		return NewOpenAIClient(config), nil
	case ProviderVertexAI:
		return NewVertexAIClient(ctx, config)
	case ProviderOllama:
		return NewOllamaClient(config), nil
	case ProviderStub:
		return NewStubClient(config.Dim), nil
	default:
		return nil, errors.New("unsupported provider: " + string(config.Provider))
	}
}

// StubClient is a deterministic in-process Client for tests and local runs.
type StubClient struct {
	dim int
}

// NewStubClient creates a StubClient with the given embedding dimension.
func NewStubClient(dim int) *StubClient {
	if dim <= 0 {
		dim = 8
	}
	return &StubClient{dim: dim}
}

// Embed hashes the text into a fixed-dimension vector so equal inputs get
// equal embeddings and different inputs usually differ.
func (s *StubClient) Embed(ctx context.Context, text string) ([]float32, error) {
	sum := sha1.Sum([]byte(text))
	vec := make([]float32, s.dim)
	for i := range vec {
		vec[i] = float32(sum[i%len(sum)])/255.0 - 0.5
	}
	return vec, nil
}

func (s *StubClient) Summarize(ctx context.Context, diff string) (string, error) {
	diff = strings.TrimSpace(diff)
	if len(diff) > 240 {
		diff = diff[:240]
	}
	return diff, nil
}

func (s *StubClient) GenerateStream(ctx context.Context, prompt string) (<-chan Fragment, error) {
	out := make(chan Fragment)
	go func() {
		defer close(out)
		for _, word := range strings.Fields("stub answer for: " + firstLine(prompt)) {
			select {
			case out <- Fragment{Text: word + " "}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (s *StubClient) Dim() int {
	return s.dim
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
