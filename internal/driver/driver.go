// Package driver advances one daily task by exactly one stage per invocation.
//
// Every call reads the persisted task, runs the handler for its current
// status and returns. Nothing is cached between calls, so overlapping
// invocations (a timer tick racing a manual trigger) only coordinate through
// the store.
package driver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yangwenmai/dailydigest/internal/engine"
	"github.com/yangwenmai/dailydigest/internal/model"
	"github.com/yangwenmai/dailydigest/internal/publish"
	"github.com/yangwenmai/dailydigest/internal/source"
	"github.com/yangwenmai/dailydigest/internal/store"
	"github.com/yangwenmai/dailydigest/internal/worker"
)

// Store is the persistence the driver needs.
type Store interface {
	GetOrCreateTask(ctx context.Context, date string) (*model.DailyTask, bool, error)
	ListUnfinishedBefore(ctx context.Context, date string) ([]model.DailyTask, error)
	ArchiveStaleTask(ctx context.Context, date string) (bool, error)
	GetTaskSnapshot(ctx context.Context, date string) (model.TaskSnapshot, error)
	UpdateStatus(ctx context.Context, date string, status model.TaskStatus) error
	BulkInsert(ctx context.Context, date string, items []model.RawItem) (int, error)
}

// BatchProcessor runs one bounded enrichment batch.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, date string) (worker.BatchResult, error)
}

// Aggregator renders and publishes a drained task.
type Aggregator interface {
	Run(ctx context.Context, date string) (publish.Report, error)
}

// Action names the stage handler an invocation ran.
type Action string

const (
	ActionFetch   Action = "fetch"
	ActionProcess Action = "process"
	ActionPublish Action = "publish"
	ActionNone    Action = "none"
)

// StepResult describes one invocation.
type StepResult struct {
	Date     string              `json:"date"`
	From     model.TaskStatus    `json:"from"`
	To       model.TaskStatus    `json:"to"`
	Action   Action              `json:"action"`
	Snapshot model.TaskSnapshot  `json:"snapshot"`
	Fetched  int                 `json:"fetched,omitempty"`
	Batch    *worker.BatchResult `json:"batch,omitempty"`
	Publish  *publish.Report     `json:"publish,omitempty"`
	Calls    int                 `json:"calls"`
	Duration time.Duration       `json:"duration_ns"`
	Error    string              `json:"error,omitempty"`
}

// Config bounds an invocation.
type Config struct {
	// Location decides which calendar day "yesterday" is.
	Location *time.Location
	// InvocationBudget is the wall-clock limit of one step.
	InvocationBudget time.Duration
	// MaxCalls caps outbound calls per step. Zero means unlimited.
	MaxCalls int
	// TaskTimeout is the age after which a non-terminal task is reported stuck.
	TaskTimeout time.Duration
}

// Driver is the state machine entry point.
type Driver struct {
	store  Store
	source source.Source
	worker BatchProcessor
	agg    Aggregator
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Driver. Zero config values fall back to defaults.
func New(st Store, src source.Source, proc BatchProcessor, agg Aggregator, cfg Config, logger *slog.Logger) *Driver {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.InvocationBudget <= 0 {
		cfg.InvocationBudget = 4 * time.Minute
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 24 * time.Hour
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{store: st, source: src, worker: proc, agg: agg, cfg: cfg, logger: logger, now: time.Now}
}

// TargetDate returns the date the next step works on: yesterday in the
// configured location.
func (d *Driver) TargetDate() string {
	return model.PreviousDay(d.now(), d.cfg.Location)
}

// Step advances the task for TargetDate by one stage.
func (d *Driver) Step(ctx context.Context) (StepResult, error) {
	return d.StepDate(ctx, d.TargetDate())
}

// StepDate advances the task for date by one stage. A stage failure leaves the
// task status unchanged; it is logged, reported in the result and returned.
func (d *Driver) StepDate(ctx context.Context, date string) (StepResult, error) {
	start := d.now()
	res := StepResult{Date: date}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.InvocationBudget)
	defer cancel()
	var budget *engine.CallBudget
	if d.cfg.MaxCalls > 0 {
		budget = engine.NewCallBudget(d.cfg.MaxCalls)
		ctx = engine.WithBudget(ctx, budget)
	}

	task, created, err := d.store.GetOrCreateTask(ctx, date)
	if err != nil {
		return d.fail(res, "load", fmt.Errorf("get or create task: %w", err))
	}
	if created {
		d.logger.Info("task created", "date", date)
		d.archiveOlder(ctx, date)
	}

	snap, err := d.store.GetTaskSnapshot(ctx, date)
	if err != nil {
		return d.fail(res, "load", fmt.Errorf("snapshot: %w", err))
	}
	res.From, res.To, res.Snapshot = snap.Status, snap.Status, snap

	if !snap.Status.Terminal() {
		if age := task.Age(d.now()); age > d.cfg.TaskTimeout {
			d.logger.Warn("task stuck", "date", date, "status", snap.Status, "age", age.Round(time.Minute),
				"total", snap.Total, "completed", snap.Completed, "failed", snap.Failed, "pending", snap.Pending)
		}
	}

	var stageErr error
	switch snap.Status {
	case model.TaskInit:
		res.Action = ActionFetch
		res.Fetched, stageErr = d.fetch(ctx, date)
	case model.TaskListFetched, model.TaskProcessing:
		res.Action = ActionProcess
		var batch worker.BatchResult
		batch, stageErr = d.process(ctx, snap)
		res.Batch = &batch
	case model.TaskAggregating:
		res.Action = ActionPublish
		var report publish.Report
		report, stageErr = d.agg.Run(ctx, date)
		switch {
		case errors.Is(stageErr, store.ErrStaleTransition):
			// Failed items were reset while the document was being built.
			d.logger.Info("task left AGGREGATING during publish", "date", date)
			stageErr = nil
		case stageErr == nil:
			stageErr = d.advance(ctx, date, model.TaskPublished)
		}
		res.Publish = &report
	case model.TaskPublished, model.TaskArchived:
		res.Action = ActionNone
		res.Duration = d.now().Sub(start)
		return res, nil
	default:
		stageErr = fmt.Errorf("unknown task status %q", snap.Status)
	}

	res.Calls = budget.Used()
	res.Duration = d.now().Sub(start)
	if stageErr != nil {
		return d.fail(res, string(res.Action), stageErr)
	}

	// Report where the task ended up, including moves made by a racing invocation.
	if after, err := d.store.GetTaskSnapshot(context.WithoutCancel(ctx), date); err == nil {
		res.To, res.Snapshot = after.Status, after
	}
	d.logger.Info("step finished", "date", date, "action", res.Action, "from", res.From, "to", res.To,
		"calls", res.Calls, "duration", res.Duration.Round(time.Millisecond))
	return res, nil
}

func (d *Driver) fetch(ctx context.Context, date string) (int, error) {
	if err := engine.BudgetFrom(ctx).Take(); err != nil {
		return 0, err
	}
	items, err := d.source.FetchItemList(ctx, date)
	if err != nil {
		return 0, fmt.Errorf("fetch item list: %w", err)
	}
	n, err := d.store.BulkInsert(ctx, date, items)
	if errors.Is(err, store.ErrStaleTransition) {
		d.logger.Info("item list already stored by another invocation", "date", date)
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("bulk insert: %w", err)
	}
	d.logger.Info("item list stored", "date", date, "fetched", len(items), "inserted", n)
	return n, nil
}

func (d *Driver) process(ctx context.Context, snap model.TaskSnapshot) (worker.BatchResult, error) {
	if snap.Status == model.TaskListFetched {
		if err := d.advance(ctx, snap.Date, model.TaskProcessing); err != nil {
			return worker.BatchResult{}, err
		}
	}

	batch, err := d.worker.ProcessBatch(ctx, snap.Date)
	if err != nil {
		return batch, fmt.Errorf("process batch: %w", err)
	}

	after, err := d.store.GetTaskSnapshot(ctx, snap.Date)
	if err != nil {
		return batch, fmt.Errorf("snapshot after batch: %w", err)
	}
	if after.Drained() {
		d.logger.Info("all items settled", "date", snap.Date, "completed", after.Completed, "failed", after.Failed)
		return batch, d.advance(ctx, snap.Date, model.TaskAggregating)
	}
	return batch, nil
}

// advance moves the task forward. Losing the race to an overlapping
// invocation that already moved it is not an error.
func (d *Driver) advance(ctx context.Context, date string, to model.TaskStatus) error {
	err := d.store.UpdateStatus(ctx, date, to)
	if errors.Is(err, store.ErrStaleTransition) {
		d.logger.Debug("status already advanced", "date", date, "to", to)
		return nil
	}
	if err != nil {
		return fmt.Errorf("update status to %s: %w", to, err)
	}
	return nil
}

// archiveOlder retires every earlier task that never got published.
func (d *Driver) archiveOlder(ctx context.Context, date string) {
	stale, err := d.store.ListUnfinishedBefore(ctx, date)
	if err != nil {
		d.logger.Error("list unfinished tasks failed", "date", date, "error", err)
		return
	}
	for _, t := range stale {
		changed, err := d.store.ArchiveStaleTask(ctx, t.Date)
		if err != nil {
			d.logger.Error("archive task failed", "date", t.Date, "error", err)
			continue
		}
		if changed {
			d.logger.Warn("archived unfinished task", "date", t.Date, "status", t.Status,
				"total", t.TotalItems, "completed", t.CompletedItems, "failed", t.FailedItems, "superseded_by", date)
		}
	}
}

func (d *Driver) fail(res StepResult, stage string, err error) (StepResult, error) {
	res.Error = err.Error()
	s := res.Snapshot
	d.logger.Error("step failed", "date", res.Date, "stage", stage, "status", res.From,
		"total", s.Total, "completed", s.Completed, "failed", s.Failed, "pending", s.Pending, "processing", s.Processing,
		"error", err)
	return res, err
}
