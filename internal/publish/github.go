package publish

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/yangwenmai/dailydigest/internal/model"
)

const defaultGitHubAPI = "https://api.github.com"

// GitHubConfig selects the repository the document is committed to.
type GitHubConfig struct {
	Token string
	// Repo is "owner/name".
	Repo   string
	Branch string
	// PathPrefix is prepended to doc.Path inside the repository.
	PathPrefix string
}

// GitHub commits the document through the repository contents API. An existing
// file at the same path is updated in place.
type GitHub struct {
	name string
	cfg  GitHubConfig
	httpSettings
}

// NewGitHub creates a GitHub channel.
func NewGitHub(name string, cfg GitHubConfig, opts ...Option) (*GitHub, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("github channel %s: token is required", name)
	}
	if owner, repo, ok := strings.Cut(cfg.Repo, "/"); !ok || owner == "" || repo == "" {
		return nil, fmt.Errorf("github channel %s: repo must be owner/name, got %q", name, cfg.Repo)
	}
	return &GitHub{name: name, cfg: cfg, httpSettings: newHTTPSettings(defaultGitHubAPI, opts)}, nil
}

func (g *GitHub) Name() string { return g.name }

type contentsFile struct {
	SHA string `json:"sha"`
}

type contentsPut struct {
	Message string `json:"message"`
	Content string `json:"content"`
	SHA     string `json:"sha,omitempty"`
	Branch  string `json:"branch,omitempty"`
}

func (g *GitHub) Publish(ctx context.Context, doc model.Document) error {
	endpoint := g.baseURL + "/repos/" + g.cfg.Repo + "/contents/" + path.Join(g.cfg.PathPrefix, doc.Path)

	sha, err := g.currentSHA(ctx, endpoint)
	if err != nil {
		return fmt.Errorf("lookup existing file: %w", err)
	}

	verb := "Add"
	if sha != "" {
		verb = "Update"
	}
	payload, err := json.Marshal(contentsPut{
		Message: fmt.Sprintf("%s %s", verb, doc.Title),
		Content: base64.StdEncoding.EncodeToString([]byte(doc.Body)),
		SHA:     sha,
		Branch:  g.cfg.Branch,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	g.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("put contents: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return statusError(resp, body)
	}
	return nil
}

// currentSHA returns the blob sha of the file at endpoint, or "" when the file
// does not exist yet.
func (g *GitHub) currentSHA(ctx context.Context, endpoint string) (string, error) {
	u := endpoint
	if g.cfg.Branch != "" {
		u += "?ref=" + url.QueryEscape(g.cfg.Branch)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	g.setHeaders(req)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))

	switch resp.StatusCode {
	case http.StatusOK:
		var f contentsFile
		if err := json.Unmarshal(body, &f); err != nil {
			return "", fmt.Errorf("decode contents: %w", err)
		}
		return f.SHA, nil
	case http.StatusNotFound:
		return "", nil
	}
	return "", statusError(resp, body)
}

func (g *GitHub) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
}
