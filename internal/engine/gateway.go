package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"golang.org/x/sync/errgroup"

	"github.com/yangwenmai/dailydigest/internal/model"
)

const (
	defaultLanguage      = "Simplified Chinese"
	defaultMaxTextLength = 15000
	maxCommentsLength    = 6000
	fallbackSummaryRunes = 280
)

// Gateway drives items through content retrieval, summarization, comment
// digest, classification and title translation. Every outbound call is paced
// by the retry policy and charged to the CallBudget carried in the context.
type Gateway struct {
	model         ModelClient
	extractor     ContentExtractor
	policy        Policy
	language      string
	maxTextLength int
	md            *converter.Converter
	logger        *slog.Logger
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithPolicy sets the retry policy for outbound calls.
func WithPolicy(p Policy) GatewayOption {
	return func(g *Gateway) { g.policy = p }
}

// WithLanguage sets the language summaries and titles are written in.
func WithLanguage(lang string) GatewayOption {
	return func(g *Gateway) {
		if lang != "" {
			g.language = lang
		}
	}
}

// WithMaxTextLength caps the article text sent to the model, in runes.
func WithMaxTextLength(n int) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.maxTextLength = n
		}
	}
}

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(l *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if l != nil {
			g.logger = l
		}
	}
}

// NewGateway creates a gateway over the given model client and extractor.
func NewGateway(mc ModelClient, ex ContentExtractor, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		model:         mc,
		extractor:     ex,
		policy:        DefaultPolicy(),
		language:      defaultLanguage,
		maxTextLength: defaultMaxTextLength,
		md: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
			),
		),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// EnrichBatch enriches inputs with at most concurrency items in flight and
// returns one Output per input at the same index. Titles of the items that
// enriched are then translated in a single batched call; an item whose title
// could not be translated is marked degraded.
func (g *Gateway) EnrichBatch(ctx context.Context, inputs []Input, concurrency int) []Output {
	out := make([]Output, len(inputs))
	if len(inputs) == 0 {
		return out
	}
	if concurrency < 1 {
		concurrency = 1
	}

	var eg errgroup.Group
	eg.SetLimit(concurrency)
	for i := range inputs {
		eg.Go(func() error {
			out[i] = g.enrichOne(ctx, inputs[i])
			return nil
		})
	}
	eg.Wait()

	titles := make([]string, len(inputs))
	for i, in := range inputs {
		if out[i].Err == nil && !in.Empty() {
			titles[i] = in.Title
		}
	}
	for i, t := range g.TranslateTitles(ctx, titles) {
		if titles[i] == "" || out[i].Err != nil {
			continue
		}
		out[i].Result.TranslatedTitle = t
		if t == model.EmptyField {
			out[i].Degraded = true
		}
	}
	return out
}

// TranslateTitles translates titles in one model call. Each title travels with
// its index as an explicit id and the reply is matched back by that id, so a
// reordered or partial reply never shifts a title onto the wrong item. Ids the
// batched reply failed to cover are retried once each with a single-title
// prompt. Empty inputs and titles still missing afterwards yield
// model.EmptyField.
func (g *Gateway) TranslateTitles(ctx context.Context, titles []string) []string {
	out := make([]string, len(titles))
	for i := range out {
		out[i] = model.EmptyField
	}

	var entries []titleEntry
	for i, t := range titles {
		if strings.TrimSpace(t) != "" {
			entries = append(entries, titleEntry{ID: i, Title: t})
		}
	}
	if len(entries) == 0 {
		return out
	}

	if err := g.translateInto(ctx, out, entries); errors.Is(err, ErrBudgetExhausted) {
		return out
	}
	for _, e := range entries {
		if out[e.ID] != model.EmptyField {
			continue
		}
		if err := g.translateInto(ctx, out, []titleEntry{e}); errors.Is(err, ErrBudgetExhausted) {
			break
		}
	}

	missing := 0
	for _, e := range entries {
		if out[e.ID] == model.EmptyField {
			missing++
		}
	}
	if missing > 0 {
		g.logger.Warn("title translation incomplete", "requested", len(entries), "missing", missing)
	}
	return out
}

// translateInto asks for entries and writes every usable reply into its slot
// of out. Ids that were not requested are ignored.
func (g *Gateway) translateInto(ctx context.Context, out []string, entries []titleEntry) error {
	raw, err := g.complete(ctx, buildTranslatePrompt(entries, g.language))
	if err != nil {
		g.logger.Warn("title translation failed", "titles", len(entries), "error", err)
		return err
	}
	got, err := parseTitles(raw)
	if err != nil {
		g.logger.Warn("title translation unparsable", "titles", len(entries), "error", err)
		return err
	}

	requested := make(map[int]bool, len(entries))
	for _, e := range entries {
		requested[e.ID] = true
	}
	for _, e := range got {
		t := strings.TrimSpace(e.Title)
		if !requested[e.ID] || out[e.ID] != model.EmptyField || t == "" {
			continue
		}
		out[e.ID] = t
	}
	return nil
}

func (g *Gateway) enrichOne(ctx context.Context, in Input) Output {
	if in.Empty() {
		return Output{Result: model.EmptyResult(), Degraded: true}
	}

	text, degraded, err := g.content(ctx, in)
	if err != nil {
		return failed("extract", err)
	}
	comments, err := g.comments(ctx, in)
	if err != nil {
		return failed("comments", err)
	}

	raw, err := g.complete(ctx, buildEnrichPrompt(in, text, comments, g.language))
	if err != nil {
		return failed("summarize", err)
	}
	e, err := parseEnrichment(raw)
	if err != nil {
		g.logger.Warn("unparsable enrichment output, retrying with simplified prompt", "id", in.ID, "error", err)
		raw, err = g.complete(ctx, buildSimplePrompt(in, text, g.language))
		if errors.Is(err, ErrBudgetExhausted) {
			return failed("summarize", err)
		}
		if err == nil {
			e, err = parseEnrichment(raw)
		}
		if err != nil {
			e = fallbackEnrichment(text)
			degraded = true
		}
	}

	res := model.EmptyResult()
	res.Summary = e.Summary
	res.CommentDigest = e.CommentDigest
	res.Category = e.Category
	return Output{Result: res, Degraded: degraded}
}

func failed(step string, err error) Output {
	return Output{Result: model.EmptyResult(), Err: &StepError{Step: step, Err: err}}
}

// content returns the article text. When the page cannot be fetched the item
// description stands in and the result is marked degraded. Only budget
// exhaustion is reported as an error.
func (g *Gateway) content(ctx context.Context, in Input) (string, bool, error) {
	if in.URL != "" {
		if err := BudgetFrom(ctx).Take(); err != nil {
			return "", false, err
		}
		c, err := g.extractor.Extract(ctx, in.URL)
		if err == nil {
			return truncateRunes(c.NormalizedText, g.maxTextLength), false, nil
		}
		g.logger.Info("content fetch failed, using description", "id", in.ID, "url", in.URL, "error", err)
	}
	return g.description(in), in.URL != "", nil
}

func (g *Gateway) comments(ctx context.Context, in Input) (string, error) {
	if in.CommentsURL == "" || in.CommentsURL == in.URL {
		return "", nil
	}
	if err := BudgetFrom(ctx).Take(); err != nil {
		return "", err
	}
	c, err := g.extractor.Extract(ctx, in.CommentsURL)
	if err != nil {
		g.logger.Info("comments fetch failed", "id", in.ID, "url", in.CommentsURL, "error", err)
		return "", nil
	}
	return truncateRunes(c.NormalizedText, maxCommentsLength), nil
}

// description converts the item description to markdown, or returns
// model.EmptyField.
func (g *Gateway) description(in Input) string {
	desc := strings.TrimSpace(in.Description)
	if desc == "" {
		return model.EmptyField
	}
	md, err := g.md.ConvertString(desc, converter.WithDomain(in.URL))
	if err != nil {
		return normalizeText(desc)
	}
	return normalizeText(md)
}

// complete runs one model call under the retry policy. Each attempt is charged
// to the call budget.
func (g *Gateway) complete(ctx context.Context, prompt string) (string, error) {
	var out string
	err := Retry(ctx, g.policy, func(ctx context.Context) error {
		if err := BudgetFrom(ctx).Take(); err != nil {
			return err
		}
		var err error
		out, err = g.model.Complete(ctx, prompt)
		return err
	})
	return out, err
}

func fallbackEnrichment(text string) enrichment {
	summary := model.EmptyField
	if t := strings.TrimSpace(text); t != "" {
		summary = strings.TrimSuffix(truncateRunes(t, fallbackSummaryRunes), "\n... [truncated]")
		if summary != t {
			summary += "…"
		}
	}
	return enrichment{Summary: summary, CommentDigest: model.EmptyField, Category: model.CategoryOther}
}
