// Package scheduler is the timer trigger: it invokes one driver step per tick.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/yangwenmai/dailydigest/internal/driver"
)

// Stepper runs one state machine step.
type Stepper interface {
	Step(ctx context.Context) (driver.StepResult, error)
}

// Config configures the scheduler.
type Config struct {
	// Interval between steps. Default: 10 minutes.
	Interval time.Duration
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Minute
	}
}

// Scheduler triggers the driver on a fixed interval.
type Scheduler struct {
	stepper Stepper
	config  Config
	logger  *slog.Logger
}

// New creates a Scheduler.
func New(stepper Stepper, cfg Config, logger *slog.Logger) *Scheduler {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{stepper: stepper, config: cfg, logger: logger}
}

// Run steps on a ticker. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Run once immediately on start.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	res, err := s.stepper.Step(ctx)
	if err != nil {
		// The driver already logged the stage failure with its context.
		s.logger.Debug("scheduler: step returned error", "date", res.Date, "error", err)
		return
	}
	if res.Action != driver.ActionNone {
		s.logger.Debug("scheduler: stepped", "date", res.Date, "action", res.Action, "to", res.To)
	}
}
