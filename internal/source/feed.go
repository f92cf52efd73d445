package source

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/yangwenmai/dailydigest/internal/model"
)

// Feed reads one RSS or Atom feed and keeps the entries published on the
// task date.
type Feed struct {
	name   string
	url    string
	loc    *time.Location
	parser *gofeed.Parser
}

// NewFeed creates a feed source. Entry dates are compared in loc.
func NewFeed(name, url string, loc *time.Location) *Feed {
	if loc == nil {
		loc = time.UTC
	}
	return &Feed{name: name, url: url, loc: loc, parser: gofeed.NewParser()}
}

// FetchItemList implements Source. Undated entries are skipped.
func (f *Feed) FetchItemList(ctx context.Context, date string) ([]model.RawItem, error) {
	feed, err := f.parser.ParseURLWithContext(f.url, ctx)
	if err != nil {
		return nil, fmt.Errorf("feed %s: %w", f.name, err)
	}

	items := make([]model.RawItem, 0, len(feed.Items))
	for _, entry := range feed.Items {
		published := entry.PublishedParsed
		if published == nil {
			published = entry.UpdatedParsed
		}
		if published == nil || model.TaskDate(*published, f.loc) != date {
			continue
		}

		key := entry.GUID
		if key == "" {
			key = entry.Link
		}
		desc := entry.Description
		if desc == "" {
			desc = entry.Content
		}
		sum := sha256.Sum256([]byte(key))
		items = append(items, model.RawItem{
			ExternalID:  fmt.Sprintf("%s-%x", f.name, sum[:8]),
			Title:       entry.Title,
			URL:         entry.Link,
			Description: desc,
			Source:      f.name,
			PublishedAt: published.UTC().Format(time.RFC3339),
		})
	}
	return items, nil
}
