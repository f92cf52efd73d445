package store

import (
	"context"
	"errors"
	"time"

	"github.com/yangwenmai/dailydigest/internal/model"
)

var (
	// ErrNotFound is returned when the requested task or item does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrStaleTransition is returned when a guarded status change finds the
	// task in a status it cannot move from, usually because an overlapping
	// invocation got there first.
	ErrStaleTransition = errors.New("store: stale status transition")
	// ErrClaimLost is returned when a result is written for an item this
	// caller no longer holds (reclaimed after going stale).
	ErrClaimLost = errors.New("store: item claim lost")
)

// TaskStore persists one row per task date.
type TaskStore interface {
	GetOrCreateTask(ctx context.Context, date string) (*model.DailyTask, bool, error)
	GetTask(ctx context.Context, date string) (*model.DailyTask, error)
	ListTasks(ctx context.Context, limit int) ([]model.DailyTask, error)
	ListUnfinishedBefore(ctx context.Context, date string) ([]model.DailyTask, error)
	UpdateStatus(ctx context.Context, date string, status model.TaskStatus) error
	ArchiveStaleTask(ctx context.Context, date string) (bool, error)
	GetTaskSnapshot(ctx context.Context, date string) (model.TaskSnapshot, error)
	SaveDocument(ctx context.Context, date, document string) error
}

// ItemStore persists per-item enrichment state scoped to a task date.
type ItemStore interface {
	BulkInsert(ctx context.Context, date string, items []model.RawItem) (int, error)
	ClaimBatch(ctx context.Context, date string, limit int, staleBefore time.Time) ([]model.Item, error)
	RecordResult(ctx context.Context, item model.Item, out model.Outcome) (model.ItemStatus, error)
	CountsByStatus(ctx context.Context, date string) (model.StatusCounts, error)
	ListItems(ctx context.Context, date string, statuses ...model.ItemStatus) ([]model.Item, error)
	ResetFailed(ctx context.Context, date string) (int64, error)
}

// DeliveryLog records which publish channels already received a document.
type DeliveryLog interface {
	RecordDelivery(ctx context.Context, date, channel, digest string) error
	DeliveredChannels(ctx context.Context, date, digest string) (map[string]bool, error)
}

// Repository combines all store operations for the API layer.
type Repository interface {
	TaskStore
	ItemStore
}
