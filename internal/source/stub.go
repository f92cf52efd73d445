package source

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/yangwenmai/dailydigest/internal/model"
)

// Stub returns a fixed number of generated items (for development/testing).
type Stub struct {
	Count int
	Err   error
	calls atomic.Int32
}

// Calls returns how many times FetchItemList ran.
func (s *Stub) Calls() int { return int(s.calls.Load()) }

// FetchItemList implements Source.
func (s *Stub) FetchItemList(_ context.Context, date string) ([]model.RawItem, error) {
	s.calls.Add(1)
	if s.Err != nil {
		return nil, s.Err
	}
	items := make([]model.RawItem, s.Count)
	for i := range items {
		items[i] = model.RawItem{
			ExternalID:  fmt.Sprintf("stub-%s-%02d", date, i),
			Title:       fmt.Sprintf("Stub story %d for %s", i+1, date),
			URL:         fmt.Sprintf("https://example.com/%s/%d", date, i),
			CommentsURL: fmt.Sprintf("https://example.com/%s/%d/comments", date, i),
			Source:      "stub",
			Points:      100 - i,
			Comments:    i * 3,
		}
	}
	return items, nil
}
