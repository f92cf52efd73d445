package publish

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/yangwenmai/dailydigest/internal/model"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body, prefixed
// with "sha256=", when the webhook has a secret.
const SignatureHeader = "X-Signature-256"

// Webhook POSTs the document as JSON to an arbitrary URL.
type Webhook struct {
	name   string
	url    string
	secret string
	httpSettings
}

// NewWebhook creates a webhook channel. An empty secret disables signing.
func NewWebhook(name, url, secret string, opts ...Option) *Webhook {
	return &Webhook{name: name, url: url, secret: secret, httpSettings: newHTTPSettings("", opts)}
}

func (w *Webhook) Name() string { return w.name }

type webhookPayload struct {
	Date   string `json:"date"`
	Title  string `json:"title"`
	Path   string `json:"path"`
	Digest string `json:"digest"`
	Body   string `json:"body"`
}

func (w *Webhook) Publish(ctx context.Context, doc model.Document) error {
	payload, err := json.Marshal(webhookPayload{
		Date:   doc.Date,
		Title:  doc.Title,
		Path:   doc.Path,
		Digest: Digest(doc),
		Body:   doc.Body,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.secret != "" {
		req.Header.Set(SignatureHeader, "sha256="+Sign(w.secret, payload))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError(resp, body)
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
