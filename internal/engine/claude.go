package engine

import (
	"context"
	"fmt"
)

// ClaudeClient implements ModelClient using the Anthropic Messages API.
type ClaudeClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *jsonPoster
}

// NewClaudeClient creates a new Anthropic model client.
func NewClaudeClient(apiKey string, opts ...ClientOption) *ClaudeClient {
	cfg := buildConfig("claude-sonnet-4-20250514", "https://api.anthropic.com/v1", opts)
	return &ClaudeClient{
		apiKey:  apiKey,
		baseURL: cfg.baseURL,
		model:   cfg.model,
		http:    newJSONPoster("claude", cfg),
	}
}

type claudeRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	Messages    []chatMessage `json:"messages"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends a prompt to the Messages API and returns the first text block.
func (c *ClaudeClient) Complete(ctx context.Context, prompt string) (string, error) {
	req := claudeRequest{
		Model:       c.model,
		MaxTokens:   4096,
		Temperature: 0.3,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
	}
	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": "2023-06-01",
	}
	var resp claudeResponse
	if err := c.http.post(ctx, c.baseURL+"/messages", headers, req, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("claude: api error: %s", resp.Error.Message)
	}
	for _, block := range resp.Content {
		if block.Type == "text" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("claude: no text content in response")
}
