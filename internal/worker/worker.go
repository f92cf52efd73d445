// Package worker runs one bounded enrichment batch per invocation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/yangwenmai/dailydigest/internal/engine"
	"github.com/yangwenmai/dailydigest/internal/model"
	"github.com/yangwenmai/dailydigest/internal/store"
)

// recordTimeout bounds the write-back of outcomes once the invocation context
// is already done.
const recordTimeout = 10 * time.Second

var errRetriesExhausted = errors.New("retry budget exhausted")

// Enricher is the gateway operation the processor drives items through.
type Enricher interface {
	EnrichBatch(ctx context.Context, inputs []engine.Input, concurrency int) []engine.Output
}

// ItemClaimer provides the atomic claim and write-back operations.
type ItemClaimer interface {
	ClaimBatch(ctx context.Context, date string, limit int, staleBefore time.Time) ([]model.Item, error)
	RecordResult(ctx context.Context, item model.Item, out model.Outcome) (model.ItemStatus, error)
}

// Config bounds one batch.
type Config struct {
	BatchSize   int
	Concurrency int
	MaxRetries  int
	StaleAfter  time.Duration
}

// BatchResult counts what happened to the items of one batch.
type BatchResult struct {
	Claimed   int `json:"claimed"`
	Completed int `json:"completed"`
	Retried   int `json:"retried"`
	Failed    int `json:"failed"`
	Deferred  int `json:"deferred"`
	// Lost counts results dropped because another invocation reclaimed the item.
	Lost int `json:"lost"`
}

// Processor claims a batch, enriches it and records each item's outcome.
type Processor struct {
	claimer  ItemClaimer
	enricher Enricher
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Processor. Zero config values fall back to defaults.
func New(claimer ItemClaimer, enricher Enricher, cfg Config, logger *slog.Logger) *Processor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 6
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = store.DefaultMaxRetries
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 15 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{claimer: claimer, enricher: enricher, cfg: cfg, logger: logger, now: time.Now}
}

// ProcessBatch runs one batch for date. Per-item failures are recorded, not
// returned; the error is reserved for a failed claim.
func (p *Processor) ProcessBatch(ctx context.Context, date string) (BatchResult, error) {
	var res BatchResult
	items, err := p.claimer.ClaimBatch(ctx, date, p.cfg.BatchSize, p.now().Add(-p.cfg.StaleAfter))
	if err != nil {
		return res, fmt.Errorf("claim: %w", err)
	}
	res.Claimed = len(items)
	if len(items) == 0 {
		return res, nil
	}

	outcomes := make([]model.Outcome, len(items))
	var work []int
	for i, it := range items {
		if it.RetryCount >= p.cfg.MaxRetries {
			outcomes[i] = model.Failed(model.NewErrorInfo("claim", errRetriesExhausted, false))
			continue
		}
		work = append(work, i)
	}

	if len(work) > 0 {
		inputs := make([]engine.Input, len(work))
		for j, idx := range work {
			inputs[j] = engine.InputFromItem(items[idx])
		}
		outs := p.enricher.EnrichBatch(ctx, inputs, p.cfg.Concurrency)
		for j, idx := range work {
			if j >= len(outs) {
				outcomes[idx] = model.Failed(model.NewErrorInfo("enrich", errors.New("no output for item"), true))
				continue
			}
			outcomes[idx] = p.outcomeFor(ctx, outs[j])
		}
	}

	recCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	for i, it := range items {
		status, err := p.claimer.RecordResult(recCtx, it, outcomes[i])
		if errors.Is(err, store.ErrClaimLost) {
			p.logger.Warn("claim lost before result was recorded", "item_id", it.ID, "date", date)
			res.Lost++
			continue
		}
		if err != nil {
			p.logger.Error("record result failed", "item_id", it.ID, "date", date, "error", err)
			continue
		}
		switch {
		case outcomes[i].Kind == model.OutcomeDeferred:
			res.Deferred++
		case status == model.ItemCompleted:
			res.Completed++
		case status == model.ItemFailed:
			res.Failed++
			p.logger.Warn("item failed permanently", "item_id", it.ID, "title", it.Title)
		case status == model.ItemPending:
			res.Retried++
		}
	}

	p.logger.Info("batch processed", "date", date,
		"claimed", res.Claimed, "completed", res.Completed, "retried", res.Retried,
		"failed", res.Failed, "deferred", res.Deferred, "lost", res.Lost)
	return res, nil
}

func (p *Processor) outcomeFor(ctx context.Context, out engine.Output) model.Outcome {
	if out.Err == nil {
		return model.Succeeded(out.Result, out.Degraded)
	}
	// Running out of calls or time is the invocation's limit, not the item's.
	if errors.Is(out.Err, engine.ErrBudgetExhausted) || ctx.Err() != nil {
		return model.Deferred()
	}
	return model.Failed(buildErrorInfo(out.Err))
}

func buildErrorInfo(err error) model.ErrorInfo {
	step := "unknown"
	var se *engine.StepError
	if errors.As(err, &se) {
		step = se.Step
	}
	return model.NewErrorInfo(step, err, engine.Retryable(err))
}
