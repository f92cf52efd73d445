package engine

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/yangwenmai/dailydigest/internal/model"
)

// StubExtractor returns canned article text (for development/testing).
type StubExtractor struct{}

func (e *StubExtractor) Extract(_ context.Context, url string) (*ExtractedContent, error) {
	text := "This is a stub extracted article about " + url + ". It covers software engineering, system design and the trade-offs teams made along the way."
	return &ExtractedContent{
		NormalizedText: text,
		Meta:           ContentMeta{Author: "Stub Author", WordCount: len(strings.Fields(text))},
	}, nil
}

// StubModelClient answers enrichment and translation prompts with
// well-formed JSON (for development/testing).
type StubModelClient struct{}

func (m *StubModelClient) Complete(_ context.Context, prompt string) (string, error) {
	switch {
	case strings.HasPrefix(prompt, translateMarker):
		var in []titleEntry
		if i := strings.Index(prompt, inputMarker); i >= 0 {
			json.Unmarshal([]byte(prompt[i+len(inputMarker):]), &in)
		}
		for i := range in {
			in[i].Title = "[译] " + in[i].Title
		}
		return mustJSON(in), nil

	case strings.HasPrefix(prompt, enrichMarker), strings.HasPrefix(prompt, simpleMarker):
		return mustJSON(enrichment{
			Summary:       "[Stub] " + promptField(prompt, "Title: ") + " 的要点摘要。",
			CommentDigest: "[Stub] 评论区主要讨论了实现细节与取舍。",
			Category:      model.CategoryProgramming,
		}), nil
	}
	return "{}", nil
}

func promptField(prompt, prefix string) string {
	for _, line := range strings.Split(prompt, "\n") {
		if v, ok := strings.CutPrefix(line, prefix); ok {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
