package engine

import (
	"context"
	"strings"

	"github.com/yangwenmai/dailydigest/internal/model"
)

// ModelClient abstracts LLM calls. Implementations wrap OpenAI, Claude, Gemini or Ollama.
type ModelClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ContentExtractor abstracts web content extraction.
type ContentExtractor interface {
	Extract(ctx context.Context, url string) (*ExtractedContent, error)
}

// ExtractedContent holds the result of content extraction.
type ExtractedContent struct {
	NormalizedText string      `json:"normalized_text"`
	Meta           ContentMeta `json:"content_meta"`
}

// ContentMeta holds metadata about the extracted content.
type ContentMeta struct {
	Author      string `json:"author,omitempty"`
	PublishDate string `json:"publish_date,omitempty"`
	WordCount   int    `json:"word_count"`
}

// Input is one item handed to the gateway for enrichment.
type Input struct {
	ID          string
	Title       string
	URL         string
	CommentsURL string
	// Description may hold HTML; it is converted to markdown when used.
	Description string
}

// InputFromItem builds the gateway input for a stored item.
func InputFromItem(it model.Item) Input {
	return Input{
		ID:          it.ID,
		Title:       it.Title,
		URL:         it.URL,
		CommentsURL: it.CommentsURL,
		Description: it.Description,
	}
}

// Empty reports whether the input has nothing to enrich.
func (in Input) Empty() bool {
	return strings.TrimSpace(in.Title) == "" &&
		strings.TrimSpace(in.URL) == "" &&
		strings.TrimSpace(in.Description) == ""
}

// Output is the enrichment result at the same position as its Input. Failed
// inputs carry model.EmptyResult() and a non-nil Err.
type Output struct {
	Result   model.ResultFields
	Degraded bool
	Err      error
}

// enrichment is the JSON object the model is asked to produce per item.
type enrichment struct {
	Summary       string `json:"summary"`
	CommentDigest string `json:"comment_digest"`
	Category      string `json:"category"`
}

// titleEntry carries an explicit id through a batched translation call.
type titleEntry struct {
	ID    int    `json:"id"`
	Title string `json:"title"`
}
