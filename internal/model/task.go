package model

import (
	"fmt"
	"time"
)

// DateLayout is the format of a task date (one task per calendar day).
const DateLayout = "2006-01-02"

// TaskStatus is the stage a daily task is in.
type TaskStatus string

// Task status constants, in forward order.
const (
	TaskInit        TaskStatus = "INIT"
	TaskListFetched TaskStatus = "LIST_FETCHED"
	TaskProcessing  TaskStatus = "PROCESSING"
	TaskAggregating TaskStatus = "AGGREGATING"
	TaskPublished   TaskStatus = "PUBLISHED"
	TaskArchived    TaskStatus = "ARCHIVED"
)

// ParseTaskStatus converts a stored value back to a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch st := TaskStatus(s); st {
	case TaskInit, TaskListFetched, TaskProcessing, TaskAggregating, TaskPublished, TaskArchived:
		return st, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Terminal reports whether no further stage handler runs for the task.
func (s TaskStatus) Terminal() bool {
	return s == TaskPublished || s == TaskArchived
}

func (s TaskStatus) order() int {
	switch s {
	case TaskInit:
		return 0
	case TaskListFetched:
		return 1
	case TaskProcessing:
		return 2
	case TaskAggregating:
		return 3
	case TaskPublished:
		return 4
	case TaskArchived:
		return 5
	}
	return -1
}

// ValidateTransition checks that next is the stage directly after s. Stages are
// never skipped, so PUBLISHED is only reachable from AGGREGATING. ARCHIVED is
// reachable from any non-terminal status.
func (s TaskStatus) ValidateTransition(next TaskStatus) error {
	if next == TaskArchived {
		if s.Terminal() {
			return fmt.Errorf("cannot archive a %s task", s)
		}
		return nil
	}
	if s.order() < 0 || next.order() < 0 {
		return fmt.Errorf("invalid transition %s → %s", s, next)
	}
	if s.Terminal() || next.order() != s.order()+1 {
		return fmt.Errorf("transition %s → %s is not the next stage", s, next)
	}
	return nil
}

// DailyTask is the unit of work for one calendar date.
type DailyTask struct {
	Date           string     `json:"task_date"`
	Status         TaskStatus `json:"status"`
	TotalItems     int        `json:"total_items"`
	CompletedItems int        `json:"completed_items"`
	FailedItems    int        `json:"failed_items"`
	Document       string     `json:"-"`
	CreatedAt      string     `json:"created_at"`
	UpdatedAt      string     `json:"updated_at"`
}

// Age returns how long the task has existed at now.
func (t DailyTask) Age(now time.Time) time.Duration {
	created, err := time.Parse(time.RFC3339, t.CreatedAt)
	if err != nil {
		return 0
	}
	return now.Sub(created)
}

// TaskSnapshot is a read-only view of a task and its item counts, taken once
// per invocation and passed down the call chain.
type TaskSnapshot struct {
	Date       string     `json:"task_date"`
	Status     TaskStatus `json:"status"`
	Total      int        `json:"total"`
	Completed  int        `json:"completed"`
	Failed     int        `json:"failed"`
	Pending    int        `json:"pending"`
	Processing int        `json:"processing"`
}

// Drained reports whether no item is waiting for or undergoing enrichment.
func (s TaskSnapshot) Drained() bool {
	return s.Pending == 0 && s.Processing == 0
}

// Consistent reports whether the per-status counts add up to the total.
func (s TaskSnapshot) Consistent() bool {
	return s.Completed+s.Failed+s.Pending+s.Processing == s.Total
}

// TaskDate returns the date string of t in loc.
func TaskDate(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return t.In(loc).Format(DateLayout)
}

// PreviousDay returns the calendar day before t in loc, the period whose source
// items are guaranteed complete.
func PreviousDay(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()-1, 12, 0, 0, 0, loc).Format(DateLayout)
}

// ParseDate validates a YYYY-MM-DD task date.
func ParseDate(s string) (time.Time, error) {
	return time.Parse(DateLayout, s)
}
