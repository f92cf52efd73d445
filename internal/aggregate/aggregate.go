// Package aggregate renders a drained task into its daily document and hands
// it to the publish dispatcher.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/yangwenmai/dailydigest/internal/model"
	"github.com/yangwenmai/dailydigest/internal/publish"
	"github.com/yangwenmai/dailydigest/internal/render"
)

// ErrNotDrained is returned when items are still pending or being processed.
var ErrNotDrained = errors.New("aggregate: task has unfinished items")

// Store is the subset of the task and item stores the aggregator reads.
type Store interface {
	GetTask(ctx context.Context, date string) (*model.DailyTask, error)
	GetTaskSnapshot(ctx context.Context, date string) (model.TaskSnapshot, error)
	ListItems(ctx context.Context, date string, statuses ...model.ItemStatus) ([]model.Item, error)
	SaveDocument(ctx context.Context, date, document string) error
}

// Publisher sends a rendered document to the output channels.
type Publisher interface {
	Dispatch(ctx context.Context, doc model.Document) (publish.Report, error)
}

// Aggregator builds and publishes the document for a date.
type Aggregator struct {
	store     Store
	renderer  *render.Renderer
	publisher Publisher
	logger    *slog.Logger
}

// New creates an Aggregator.
func New(st Store, r *render.Renderer, pub Publisher, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: st, renderer: r, publisher: pub, logger: logger}
}

// Run publishes the document for date. The first successful render is cached
// on the task, so a publish retry sends the same document to the channels that
// still need it.
func (a *Aggregator) Run(ctx context.Context, date string) (publish.Report, error) {
	snap, err := a.store.GetTaskSnapshot(ctx, date)
	if err != nil {
		return publish.Report{}, fmt.Errorf("snapshot: %w", err)
	}
	if !snap.Drained() {
		return publish.Report{}, fmt.Errorf("%w: %d pending, %d processing", ErrNotDrained, snap.Pending, snap.Processing)
	}

	doc, err := a.Document(ctx, date)
	if err != nil {
		return publish.Report{}, err
	}

	report, err := a.publisher.Dispatch(ctx, doc)
	if err != nil {
		return report, fmt.Errorf("dispatch %s: %w", date, err)
	}
	a.logger.Info("document published", "date", date, "digest", report.Digest, "failed_channels", report.Failed())
	return report, nil
}

// Document returns the cached document for date, rendering and caching it
// first if needed.
func (a *Aggregator) Document(ctx context.Context, date string) (model.Document, error) {
	task, err := a.store.GetTask(ctx, date)
	if err != nil {
		return model.Document{}, fmt.Errorf("get task: %w", err)
	}
	if task.Document != "" {
		return a.wrap(date, task.Document), nil
	}

	items, err := a.store.ListItems(ctx, date, model.ItemCompleted, model.ItemFailed)
	if err != nil {
		return model.Document{}, fmt.Errorf("list items: %w", err)
	}
	doc := a.renderer.Render(date, items)
	if err := a.store.SaveDocument(ctx, date, doc.Body); err != nil {
		return model.Document{}, fmt.Errorf("save document: %w", err)
	}
	a.logger.Info("document rendered", "date", date, "items", len(items))
	return doc, nil
}

// Cached returns the stored document for date without rendering. ok is false
// when nothing has been rendered yet.
func (a *Aggregator) Cached(ctx context.Context, date string) (doc model.Document, ok bool, err error) {
	task, err := a.store.GetTask(ctx, date)
	if err != nil {
		return model.Document{}, false, err
	}
	if task.Document == "" {
		return model.Document{}, false, nil
	}
	return a.wrap(date, task.Document), true, nil
}

func (a *Aggregator) wrap(date, body string) model.Document {
	return model.Document{Date: date, Title: a.renderer.Title(date), Body: body, Path: render.Path(date)}
}
