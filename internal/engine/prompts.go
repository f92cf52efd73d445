package engine

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/yangwenmai/dailydigest/internal/model"
)

const (
	enrichMarker    = "TASK: enrich-item"
	simpleMarker    = "TASK: enrich-item-simple"
	translateMarker = "TASK: translate-titles"
	inputMarker     = "INPUT:\n"
)

func buildEnrichPrompt(in Input, text, comments, language string) string {
	if text == "" {
		text = "(no article text available, rely on the title)"
	}
	if comments == "" {
		comments = "(no comments available)"
	}
	return fmt.Sprintf(`%s
You write a daily digest of technology news in %s.

Output ONLY valid JSON with this exact structure (no markdown, no explanation):
{"summary": "...", "comment_digest": "...", "category": "..."}

Rules:
- summary: 2-4 sentences in %s describing what the article is about
- comment_digest: 1-3 sentences in %s on the main points raised by commenters, or "" when there are no comments
- category: exactly one of %s

Title: %s
URL: %s

Article text:
%s

Comments:
%s`, enrichMarker, language, language, language,
		strings.Join(model.Categories, ", "), in.Title, in.URL,
		truncateRunes(text, 12000), truncateRunes(comments, 6000))
}

// buildSimplePrompt asks for the same object with a much smaller request; it
// is used once after an unparsable answer.
func buildSimplePrompt(in Input, text, language string) string {
	return fmt.Sprintf(`%s
Reply with one JSON object and nothing else:
{"summary": "<2 sentences in %s>", "comment_digest": "", "category": "<one of %s>"}

Title: %s
Text: %s`, simpleMarker, language, strings.Join(model.Categories, "|"), in.Title, truncateRunes(text, 2000))
}

func buildTranslatePrompt(entries []titleEntry, language string) string {
	return fmt.Sprintf(`%s
Translate each title into %s. Keep product names, code and proper nouns as they are.

Output ONLY a JSON array. Every element must keep the "id" it was given:
[{"id": 0, "title": "..."}]

%s%s`, translateMarker, language, inputMarker, mustJSON(entries))
}

// extractJSON strips code fences and surrounding chatter from a model reply.
func extractJSON(raw string, open, close byte) string {
	start := strings.IndexByte(raw, open)
	end := strings.LastIndexByte(raw, close)
	if start < 0 || end < start {
		return ""
	}
	return raw[start : end+1]
}

func parseEnrichment(raw string) (enrichment, error) {
	var e enrichment
	body := extractJSON(raw, '{', '}')
	if body == "" {
		return e, ErrUnparsable
	}
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return e, fmt.Errorf("%w: %v", ErrUnparsable, err)
	}
	e.Summary = strings.TrimSpace(e.Summary)
	e.CommentDigest = strings.TrimSpace(e.CommentDigest)
	e.Category = strings.ToLower(strings.TrimSpace(e.Category))
	if !model.ValidCategory(e.Category) {
		e.Category = model.CategoryOther
	}
	return e, nil
}

func parseTitles(raw string) ([]titleEntry, error) {
	body := extractJSON(raw, '[', ']')
	if body == "" {
		return nil, ErrUnparsable
	}
	var entries []titleEntry
	if err := json.Unmarshal([]byte(body), &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsable, err)
	}
	return entries, nil
}

// truncateRunes truncates s to maxRunes runes (Unicode-safe).
func truncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxRunes]) + "\n... [truncated]"
}

// mustJSON marshals v to a JSON string. It panics on error because callers
// only pass known struct types that are guaranteed to be serializable.
func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("engine: json.Marshal failed on known type: %v", err))
	}
	return string(b)
}
