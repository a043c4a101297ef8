package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/Encore7/codebase-explainer-agent/internal/retry"
)

type VertexAIClient struct {
	config *ClientConfig
	client *genai.Client
}

// NewVertexAIClient creates a client for the Gemini API on Vertex AI.
func NewVertexAIClient(ctx context.Context, config *ClientConfig) (*VertexAIClient, error) {
	if config == nil {
		return nil, errors.New("config cannot be nil")
	}

	if config.EmbedModel == "" {
		config.EmbedModel = "text-embedding-005"
	}
	if config.SummaryModel == "" {
		config.SummaryModel = "gemini-2.0-flash"
	}
	if config.GenModel == "" {
		config.GenModel = config.SummaryModel
	}
	if config.Dim == 0 {
		config.Dim = 768
	}
	if config.Location == "" && strings.TrimSpace(config.APIKey) == "" {
		config.Location = "us-central1"
	}

	cc := genai.ClientConfig{
		Backend: genai.BackendVertexAI,
	}
	if strings.TrimSpace(config.APIKey) != "" {
		cc.APIKey = config.APIKey
	}
	if strings.TrimSpace(config.ProjectID) != "" {
		cc.Project = config.ProjectID
	}
	if strings.TrimSpace(config.Location) != "" {
		cc.Location = config.Location
	}

	client, err := genai.NewClient(ctx, &cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &VertexAIClient{config: config, client: client}, nil
}

// Embed implements the embedding capability using the Gemini API.
func (c *VertexAIClient) Embed(ctx context.Context, text string) ([]float32, error) {
	cfg := genai.EmbedContentConfig{
		TaskType: "RETRIEVAL_DOCUMENT",
	}
	res, err := c.client.Models.EmbedContent(ctx, c.config.EmbedModel, genai.Text(text), &cfg)
	if err != nil {
		return nil, &retry.Transient{Err: fmt.Errorf("embedding failed: %w", err)}
	}
	if res == nil || len(res.Embeddings) == 0 {
		return nil, errors.New("no embedding returned")
	}
	return res.Embeddings[0].Values, nil
}

// Summarize reduces one diff chunk to a short evidence snippet.
func (c *VertexAIClient) Summarize(ctx context.Context, diff string) (string, error) {
	const maxInput = 8000
	if len(diff) > maxInput {
		diff = diff[:maxInput]
	}

	sys := genai.Text("You are a helpful assistant.")
	temp := float32(0.2)
	cfg := genai.GenerateContentConfig{
		Temperature:       &temp,
		MaxOutputTokens:   120,
		SystemInstruction: sys[0],
	}

	prompt := "Here is a code diff:\n" + diff + "\n\nExplain in plain English what changed."
	resp, err := c.client.Models.GenerateContent(ctx, c.config.SummaryModel, genai.Text(prompt), &cfg)
	if err != nil {
		return "", &retry.Transient{Err: fmt.Errorf("summarization failed: %w", err)}
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", errors.New("no summary returned")
	}

	summary := strings.TrimSpace(resp.Candidates[0].Content.Parts[0].Text)
	summary = strings.ReplaceAll(summary, "\n", " ")
	return summary, nil
}

// GenerateStream streams an answer token-by-token from the Gemini API.
func (c *VertexAIClient) GenerateStream(ctx context.Context, prompt string) (<-chan Fragment, error) {
	out := make(chan Fragment)
	go func() {
		defer close(out)
		for resp, err := range c.client.Models.GenerateContentStream(ctx, c.config.GenModel, genai.Text(prompt), nil) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				select {
				case out <- Fragment{Err: fmt.Errorf("generation failed: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
			if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
				continue
			}
			for _, part := range resp.Candidates[0].Content.Parts {
				if part.Text == "" {
					continue
				}
				select {
				case out <- Fragment{Text: part.Text}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (c *VertexAIClient) Dim() int {
	return c.config.Dim
}
