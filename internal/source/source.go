// Package source produces the raw item list for a task date.
package source

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/yangwenmai/dailydigest/internal/model"
)

// Source returns the candidate items for one calendar date. Calling it again
// for the same date after a partial failure must be acceptable.
type Source interface {
	FetchItemList(ctx context.Context, date string) ([]model.RawItem, error)
}

// Multi concatenates several sources in order, dropping duplicate external ids
// and keeping at most limit items. A failing source is skipped as long as at
// least one other source answered.
type Multi struct {
	sources []Source
	limit   int
	logger  *slog.Logger
}

// NewMulti combines sources. limit <= 0 keeps everything.
func NewMulti(limit int, logger *slog.Logger, sources ...Source) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multi{sources: sources, limit: limit, logger: logger}
}

// FetchItemList implements Source.
func (m *Multi) FetchItemList(ctx context.Context, date string) ([]model.RawItem, error) {
	var (
		items   []model.RawItem
		seen    = make(map[string]struct{})
		lastErr error
		ok      int
	)
	for i, src := range m.sources {
		got, err := src.FetchItemList(ctx, date)
		if err != nil {
			m.logger.Warn("source failed", "index", i, "date", date, "error", err)
			lastErr = err
			continue
		}
		ok++
		for _, it := range got {
			key := it.ExternalID
			if key == "" {
				key = it.URL
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			items = append(items, it)
		}
	}
	if ok == 0 && lastErr != nil {
		return nil, fmt.Errorf("all sources failed: %w", lastErr)
	}
	if m.limit > 0 && len(items) > m.limit {
		items = items[:m.limit]
	}
	return items, nil
}
