package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Encore7/codebase-explainer-agent/internal/retry"
)

// OllamaClient talks to a local Ollama server over its HTTP API.
type OllamaClient struct {
	config *ClientConfig
	http   *http.Client
}

func NewOllamaClient(config *ClientConfig) *OllamaClient {
	if config.BaseURL == "" {
		config.BaseURL = "http://localhost:11434/api"
	}
	if config.EmbedModel == "" {
		config.EmbedModel = "nomic-embed-text"
	}
	if config.SummaryModel == "" {
		config.SummaryModel = "llama3"
	}
	if config.GenModel == "" {
		config.GenModel = config.SummaryModel
	}
	if config.Dim == 0 {
		config.Dim = 768
	}

	return &OllamaClient{
		config: config,
		// Long timeout: local generations can be slow.
		http: &http.Client{Timeout: 5 * time.Minute},
	}
}

type ollamaGenerateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	payload := map[string]string{
		"model":  c.config.EmbedModel,
		"prompt": text,
	}
	b, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/embeddings", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &retry.Transient{Err: err}
	}
	defer closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, wrapStatus(resp.StatusCode, fmt.Errorf("ollama embeddings (status %d): %s", resp.StatusCode, body))
	}

	var out struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if len(out.Embedding) == 0 {
		return nil, errors.New("no embedding returned")
	}
	return out.Embedding, nil
}

func (c *OllamaClient) Summarize(ctx context.Context, diff string) (string, error) {
	const maxInput = 8000
	if len(diff) > maxInput {
		diff = diff[:maxInput]
	}
	prompt := "Here is a code diff:\n" + diff + "\n\nExplain in plain English what changed."

	frames, err := c.stream(ctx, c.config.SummaryModel, prompt)
	if err != nil {
		return "", err
	}

	var full strings.Builder
	for f := range frames {
		if f.Err != nil {
			return "", f.Err
		}
		full.WriteString(f.Text)
	}
	s := strings.TrimSpace(full.String())
	s = strings.ReplaceAll(s, "\n", " ")
	return s, nil
}

func (c *OllamaClient) GenerateStream(ctx context.Context, prompt string) (<-chan Fragment, error) {
	return c.stream(ctx, c.config.GenModel, prompt)
}

// stream issues a generate call and forwards Ollama's line-delimited JSON
// responses as fragments.
func (c *OllamaClient) stream(ctx context.Context, model, prompt string) (<-chan Fragment, error) {
	reqBody, err := json.Marshal(ollamaGenerateRequest{Model: model, Prompt: prompt, Stream: true})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.config.BaseURL+"/generate", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &retry.Transient{Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		closeBody(resp)
		return nil, wrapStatus(resp.StatusCode, fmt.Errorf("ollama generate (status %d): %s", resp.StatusCode, body))
	}

	out := make(chan Fragment)
	go func() {
		defer close(out)
		defer closeBody(resp)

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}

			var chunk ollamaGenerateResponse
			if err := json.Unmarshal([]byte(line), &chunk); err != nil {
				select {
				case out <- Fragment{Err: fmt.Errorf("parse response chunk: %w", err)}:
				case <-ctx.Done():
				}
				return
			}
			if chunk.Response != "" {
				select {
				case out <- Fragment{Text: chunk.Response}:
				case <-ctx.Done():
					return
				}
			}
			if chunk.Done {
				return
			}
		}
		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			select {
			case out <- Fragment{Err: fmt.Errorf("read stream: %w", err)}:
			case <-ctx.Done():
			}
		}
	}()
	return out, nil
}

func (c *OllamaClient) Dim() int {
	return c.config.Dim
}
