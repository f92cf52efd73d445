package engine

import (
	"context"
	"fmt"
)

// GeminiClient implements ModelClient using the Google Generative AI REST API.
type GeminiClient struct {
	apiKey  string
	baseURL string
	model   string
	http    *jsonPoster
}

// NewGeminiClient creates a new Gemini model client.
func NewGeminiClient(apiKey string, opts ...ClientOption) *GeminiClient {
	cfg := buildConfig("gemini-2.0-flash", "https://generativelanguage.googleapis.com/v1beta", opts)
	return &GeminiClient{
		apiKey:  apiKey,
		baseURL: cfg.baseURL,
		model:   cfg.model,
		http:    newJSONPoster("gemini", cfg),
	}
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig geminiGenConfig `json:"generationConfig"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiGenConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends a prompt to generateContent and returns the first candidate.
func (c *GeminiClient) Complete(ctx context.Context, prompt string) (string, error) {
	req := geminiRequest{
		Contents:         []geminiContent{{Parts: []geminiPart{{Text: prompt}}}},
		GenerationConfig: geminiGenConfig{Temperature: 0.3, MaxOutputTokens: 4096},
	}
	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, c.model)
	var resp geminiResponse
	if err := c.http.post(ctx, url, map[string]string{"x-goog-api-key": c.apiKey}, req, &resp); err != nil {
		return "", err
	}
	if resp.Error != nil {
		return "", fmt.Errorf("gemini: api error: %s", resp.Error.Message)
	}
	if len(resp.Candidates) > 0 && len(resp.Candidates[0].Content.Parts) > 0 {
		return resp.Candidates[0].Content.Parts[0].Text, nil
	}
	return "", fmt.Errorf("gemini: no content in response")
}
