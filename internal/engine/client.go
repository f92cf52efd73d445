package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const maxResponseSize = 4 * 1024 * 1024

// ClientOption configures a model provider client.
type ClientOption func(*clientConfig)

type clientConfig struct {
	model    string
	baseURL  string
	timeout  time.Duration
	interval time.Duration
}

// WithModel sets the model name.
func WithModel(model string) ClientOption {
	return func(c *clientConfig) { c.model = model }
}

// WithBaseURL overrides the API endpoint.
func WithBaseURL(url string) ClientOption {
	return func(c *clientConfig) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithTimeout sets the per-request HTTP timeout (default 60s).
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRequestInterval spaces requests at least d apart. Zero disables pacing.
func WithRequestInterval(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.interval = d }
}

func buildConfig(model, baseURL string, opts []ClientOption) clientConfig {
	cfg := clientConfig{model: model, baseURL: baseURL, timeout: 60 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

// jsonPoster sends one JSON request per call. Retrying is left to the caller.
type jsonPoster struct {
	provider   string
	httpClient *http.Client
	limiter    *rate.Limiter
	now        func() time.Time
}

func newJSONPoster(provider string, cfg clientConfig) *jsonPoster {
	limit := rate.Inf
	if cfg.interval > 0 {
		limit = rate.Every(cfg.interval)
	}
	return &jsonPoster{
		provider:   provider,
		httpClient: &http.Client{Timeout: cfg.timeout},
		limiter:    rate.NewLimiter(limit, 1),
		now:        time.Now,
	}
}

// post marshals payload, sends it to url and decodes a 200 response into out.
// Other statuses come back as *APIError.
func (p *jsonPoster) post(ctx context.Context, url string, headers map[string]string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("%s: marshal request: %w", p.provider, err)
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%s: rate limiter: %w", p.provider, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", p.provider, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", p.provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{
			Provider:   p.provider,
			StatusCode: resp.StatusCode,
			Body:       truncateRunes(string(respBody), 500),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), p.now()),
		}
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%s: unmarshal response: %w", p.provider, err)
	}
	return nil
}
