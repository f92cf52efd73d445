// Package render turns the items of a task into one markdown document.
package render

import (
	"fmt"
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/yangwenmai/dailydigest/internal/model"
)

// Placeholders for items whose enrichment output is the empty sentinel.
const (
	SummaryPlaceholder = "_Summary unavailable._"
	FailedPlaceholder  = "_This story could not be processed._"
)

var categoryTitles = map[string]string{
	model.CategoryAI:          "AI & Machine Learning",
	model.CategoryProgramming: "Programming",
	model.CategorySecurity:    "Security",
	model.CategoryScience:     "Science",
	model.CategoryBusiness:    "Business",
	model.CategoryOther:       "Other",
}

var linkTextEscaper = strings.NewReplacer("[", `\[`, "]", `\]`)

// Renderer builds the daily document.
type Renderer struct {
	// titleFormat receives the task date.
	titleFormat string
	policy      *bluemonday.Policy
}

// New creates a renderer. titleFormat must contain one %s for the date; empty
// uses the default title.
func New(titleFormat string) *Renderer {
	if titleFormat == "" {
		titleFormat = "Hacker News Daily %s"
	}
	return &Renderer{titleFormat: titleFormat, policy: bluemonday.StrictPolicy()}
}

// Title returns the document title for date.
func (r *Renderer) Title(date string) string {
	return fmt.Sprintf(r.titleFormat, date)
}

// Path returns the repository-relative path of the document for date.
func Path(date string) string {
	if len(date) < 7 {
		return date + ".md"
	}
	return fmt.Sprintf("%s/%s/%s.md", date[:4], date[5:7], date)
}

// Render produces the document for date from items in rank order. Items are
// grouped by category; failed items keep their slot under "Other" with a
// placeholder.
func (r *Renderer) Render(date string, items []model.Item) model.Document {
	title := r.Title(date)

	groups := make(map[string][]model.Item)
	var completed, failed int
	for _, it := range items {
		cat := it.Result.Category
		if !model.ValidCategory(cat) {
			cat = model.CategoryOther
		}
		groups[cat] = append(groups[cat], it)
		if it.Status == model.ItemFailed {
			failed++
		} else {
			completed++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "%d stories", len(items))
	if failed > 0 {
		fmt.Fprintf(&b, " (%d could not be processed)", failed)
	}
	b.WriteString(".\n")
	if len(items) == 0 {
		b.WriteString("\nNo stories for this day.\n")
	}

	n := 0
	for _, cat := range model.Categories {
		group := groups[cat]
		if len(group) == 0 {
			continue
		}
		fmt.Fprintf(&b, "\n## %s\n", categoryTitles[cat])
		for _, it := range group {
			n++
			r.writeItem(&b, n, it)
		}
	}

	return model.Document{Date: date, Title: title, Body: b.String(), Path: Path(date)}
}

func (r *Renderer) writeItem(b *strings.Builder, n int, it model.Item) {
	heading := r.clean(it.Result.TranslatedTitle)
	if heading == model.EmptyField {
		heading = r.clean(it.Title)
	}
	fmt.Fprintf(b, "\n### %d. %s\n\n", n, heading)

	var meta []string
	if it.URL != "" {
		meta = append(meta, fmt.Sprintf("[%s](%s)", linkTextEscaper.Replace(r.clean(it.Title)), it.URL))
	}
	if it.Points > 0 {
		meta = append(meta, fmt.Sprintf("%d points", it.Points))
	}
	if it.CommentsURL != "" && it.CommentsURL != it.URL {
		meta = append(meta, fmt.Sprintf("[%d comments](%s)", it.Comments, it.CommentsURL))
	}
	if len(meta) > 0 {
		b.WriteString(strings.Join(meta, " · ") + "\n\n")
	}

	summary := r.clean(it.Result.Summary)
	switch {
	case it.Status == model.ItemFailed:
		summary = FailedPlaceholder
	case summary == model.EmptyField:
		summary = SummaryPlaceholder
	}
	b.WriteString(summary + "\n")

	if digest := r.clean(it.Result.CommentDigest); digest != model.EmptyField {
		fmt.Fprintf(b, "\n> %s\n", strings.ReplaceAll(digest, "\n", "\n> "))
	}
}

// clean strips any markup a provider returned and trims whitespace. The
// sanitizer entity-encodes the text it keeps, so that is undone once.
func (r *Renderer) clean(s string) string {
	return strings.TrimSpace(html.UnescapeString(r.policy.Sanitize(s)))
}
