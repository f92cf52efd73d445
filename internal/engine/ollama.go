package engine

import (
	"context"
	"fmt"
)

// OllamaClient implements ModelClient against a local Ollama server.
type OllamaClient struct {
	baseURL string
	model   string
	http    *jsonPoster
}

// NewOllamaClient creates a client for the Ollama generate API.
func NewOllamaClient(opts ...ClientOption) *OllamaClient {
	cfg := buildConfig("llama3", "http://localhost:11434", opts)
	return &OllamaClient{
		baseURL: cfg.baseURL,
		model:   cfg.model,
		http:    newJSONPoster("ollama", cfg),
	}
}

type ollamaRequest struct {
	Model   string        `json:"model"`
	Prompt  string        `json:"prompt"`
	Stream  bool          `json:"stream"`
	Format  string        `json:"format,omitempty"`
	Options ollamaOptions `json:"options"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Error    string `json:"error,omitempty"`
}

// Complete runs a non-streaming generation.
func (c *OllamaClient) Complete(ctx context.Context, prompt string) (string, error) {
	req := ollamaRequest{
		Model:   c.model,
		Prompt:  prompt,
		Format:  "json",
		Options: ollamaOptions{Temperature: 0.3},
	}
	var resp ollamaResponse
	if err := c.http.post(ctx, c.baseURL+"/api/generate", nil, req, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", fmt.Errorf("ollama: %s", resp.Error)
	}
	if resp.Response == "" {
		return "", fmt.Errorf("ollama: empty response")
	}
	return resp.Response, nil
}
