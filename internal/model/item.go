package model

import (
	"fmt"
	"time"
)

// ItemStatus is the enrichment state of one item.
type ItemStatus string

// Item status constants
const (
	ItemPending    ItemStatus = "PENDING"
	ItemProcessing ItemStatus = "PROCESSING"
	ItemCompleted  ItemStatus = "COMPLETED"
	ItemFailed     ItemStatus = "FAILED"
)

// ParseItemStatus converts a stored or user-supplied value to an ItemStatus.
func ParseItemStatus(s string) (ItemStatus, error) {
	switch st := ItemStatus(s); st {
	case ItemPending, ItemProcessing, ItemCompleted, ItemFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown item status %q", s)
}

// RawItem is one candidate item as returned by a content source.
type RawItem struct {
	ExternalID  string `json:"external_id"`
	Title       string `json:"title"`
	URL         string `json:"url"`
	CommentsURL string `json:"comments_url,omitempty"`
	Description string `json:"description,omitempty"`
	Source      string `json:"source"`
	Points      int    `json:"points"`
	Comments    int    `json:"comments"`
	PublishedAt string `json:"published_at,omitempty"`
}

// Item represents one enrichable unit belonging to a daily task.
type Item struct {
	ID          string       `json:"id"`
	TaskDate    string       `json:"task_date"`
	ExternalID  string       `json:"external_id"`
	Rank        int          `json:"rank"`
	Title       string       `json:"title"`
	URL         string       `json:"url"`
	CommentsURL string       `json:"comments_url"`
	Description string       `json:"description"`
	Source      string       `json:"source"`
	Points      int          `json:"points"`
	Comments    int          `json:"comments"`
	PublishedAt string       `json:"published_at"`
	Status      ItemStatus   `json:"status"`
	RetryCount  int          `json:"retry_count"`
	ClaimedAt   int64        `json:"claimed_at"` // unix millis, 0 when unclaimed
	Result      ResultFields `json:"result"`
	Degraded    bool         `json:"degraded"`
	ErrorInfo   string       `json:"error_info,omitempty"`
	CreatedAt   string       `json:"created_at"`
	UpdatedAt   string       `json:"updated_at"`
}

// StatusCounts holds the number of items per status for one task.
type StatusCounts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// Total returns the sum over all statuses.
func (c StatusCounts) Total() int {
	return c.Pending + c.Processing + c.Completed + c.Failed
}

// NewItem creates a PENDING item for date from a raw source item.
func NewItem(id, date string, rank int, raw RawItem) Item {
	now := time.Now().UTC().Format(time.RFC3339)
	return Item{
		ID:          id,
		TaskDate:    date,
		ExternalID:  raw.ExternalID,
		Rank:        rank,
		Title:       raw.Title,
		URL:         raw.URL,
		CommentsURL: raw.CommentsURL,
		Description: raw.Description,
		Source:      raw.Source,
		Points:      raw.Points,
		Comments:    raw.Comments,
		PublishedAt: raw.PublishedAt,
		Status:      ItemPending,
		Result:      EmptyResult(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
