package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/yangwenmai/dailydigest/internal/model"
)

// Verify at compile time that Store implements all interfaces.
var (
	_ TaskStore   = (*Store)(nil)
	_ ItemStore   = (*Store)(nil)
	_ DeliveryLog = (*Store)(nil)
)

// DefaultMaxRetries is the retry cap used when none is configured.
const DefaultMaxRetries = 3

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Question)

// Store provides data access to the SQLite database.
type Store struct {
	db         *sql.DB
	maxRetries int
	now        func() time.Time
	newID      func() string
}

// Option configures a Store.
type Option func(*Store)

// WithMaxRetries sets the retry cap applied by RecordResult and ClaimBatch.
func WithMaxRetries(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRetries = n
		}
	}
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new Store and initialises the schema.
func New(db *sql.DB, opts ...Option) (*Store, error) {
	s := &Store{
		db:         db,
		maxRetries: DefaultMaxRetries,
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// MaxRetries returns the configured retry cap.
func (s *Store) MaxRetries() int { return s.maxRetries }

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339)
}

// currentSchemaVersion is bumped whenever the schema changes.
// Add a new migration function in the migrations slice below.
const currentSchemaVersion = 2

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema version: %w", err)
		}
		version = 0
	} else if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	// Index 0 = migration from v0 to v1, etc.
	migrations := []func() error{
		s.migrateV1, // v0 → v1: tasks and items
		s.migrateV2, // v1 → v2: cached document, deliveries
	}

	for i := version; i < len(migrations); i++ {
		if err := migrations[i](); err != nil {
			return fmt.Errorf("migration v%d→v%d: %w", i, i+1, err)
		}
		if _, err := s.db.Exec(`UPDATE schema_version SET version = ?`, i+1); err != nil {
			return fmt.Errorf("update schema version to %d: %w", i+1, err)
		}
	}
	return nil
}

// migrateV1 creates the initial schema (v0 → v1).
func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		task_date       TEXT PRIMARY KEY,
		status          TEXT NOT NULL,
		total_items     INTEGER NOT NULL DEFAULT 0,
		completed_items INTEGER NOT NULL DEFAULT 0,
		failed_items    INTEGER NOT NULL DEFAULT 0,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL,
		CHECK (completed_items >= 0 AND failed_items >= 0 AND completed_items + failed_items <= total_items)
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, task_date);

	CREATE TABLE IF NOT EXISTS items (
		id               TEXT PRIMARY KEY,
		task_date        TEXT NOT NULL REFERENCES tasks(task_date),
		external_id      TEXT NOT NULL,
		rank             INTEGER NOT NULL,
		title            TEXT NOT NULL DEFAULT '',
		url              TEXT NOT NULL DEFAULT '',
		comments_url     TEXT NOT NULL DEFAULT '',
		description      TEXT NOT NULL DEFAULT '',
		source           TEXT NOT NULL DEFAULT '',
		points           INTEGER NOT NULL DEFAULT 0,
		comments         INTEGER NOT NULL DEFAULT 0,
		published_at     TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL,
		retry_count      INTEGER NOT NULL DEFAULT 0,
		claimed_at       INTEGER NOT NULL DEFAULT 0,
		translated_title TEXT NOT NULL DEFAULT '',
		summary          TEXT NOT NULL DEFAULT '',
		comment_digest   TEXT NOT NULL DEFAULT '',
		category         TEXT NOT NULL DEFAULT '',
		degraded         INTEGER NOT NULL DEFAULT 0,
		error_info       TEXT NOT NULL DEFAULT '',
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_items_external ON items(task_date, external_id);
	CREATE INDEX IF NOT EXISTS idx_items_claim ON items(task_date, status, claimed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// migrateV2 caches the rendered document on the task and adds the delivery log (v1 → v2).
func (s *Store) migrateV2() error {
	if _, err := s.db.Exec(`ALTER TABLE tasks ADD COLUMN document TEXT NOT NULL DEFAULT ''`); err != nil {
		return fmt.Errorf("add document column: %w", err)
	}
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS deliveries (
			id           TEXT PRIMARY KEY,
			task_date    TEXT NOT NULL REFERENCES tasks(task_date),
			channel      TEXT NOT NULL,
			digest       TEXT NOT NULL,
			delivered_at TEXT NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_deliveries_unique ON deliveries(task_date, channel, digest);
	`)
	return err
}

// ---------------------------------------------------------------------------
// Tasks
// ---------------------------------------------------------------------------

const taskColumns = "task_date, status, total_items, completed_items, failed_items, document, created_at, updated_at"

// GetOrCreateTask returns the task for date, inserting an INIT row if none
// exists. Concurrent callers all get the same row; exactly one sees created.
func (s *Store) GetOrCreateTask(ctx context.Context, date string) (*model.DailyTask, bool, error) {
	now := s.timestamp()
	var created bool
	err := runTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (task_date, status, created_at, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(task_date) DO NOTHING`,
			date, model.TaskInit, now, now,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n == 1
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("insert task %s: %w", date, err)
	}
	task, err := s.GetTask(ctx, date)
	if err != nil {
		return nil, false, err
	}
	return task, created, nil
}

// GetTask returns the task for date or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, date string) (*model.DailyTask, error) {
	return getTask(ctx, s.db, date)
}

func getTask(ctx context.Context, q querier, date string) (*model.DailyTask, error) {
	row := q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE task_date = ?`, date)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return task, err
}

// ListTasks returns the most recent tasks, newest first.
func (s *Store) ListTasks(ctx context.Context, limit int) ([]model.DailyTask, error) {
	if limit <= 0 {
		limit = 30
	}
	query, args, err := psql.Select(taskColumns).From("tasks").
		OrderBy("task_date DESC").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, err
	}
	return s.queryTasks(ctx, query, args...)
}

// ListUnfinishedBefore returns tasks older than date that never reached a
// terminal status.
func (s *Store) ListUnfinishedBefore(ctx context.Context, date string) ([]model.DailyTask, error) {
	query, args, err := psql.Select(taskColumns).From("tasks").
		Where(sq.Lt{"task_date": date}).
		Where(sq.NotEq{"status": []string{string(model.TaskPublished), string(model.TaskArchived)}}).
		OrderBy("task_date ASC").ToSql()
	if err != nil {
		return nil, err
	}
	return s.queryTasks(ctx, query, args...)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...interface{}) ([]model.DailyTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []model.DailyTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// UpdateStatus moves the task to status. The write is a compare-and-set on the
// stage directly before status (any non-terminal stage for ARCHIVED), so an
// overlapping invocation can neither move a task backwards nor skip a stage.
// When the task is elsewhere it returns ErrStaleTransition.
func (s *Store) UpdateStatus(ctx context.Context, date string, status model.TaskStatus) error {
	var from []string
	for _, st := range []model.TaskStatus{model.TaskInit, model.TaskListFetched, model.TaskProcessing, model.TaskAggregating, model.TaskPublished} {
		if st.ValidateTransition(status) == nil {
			from = append(from, string(st))
		}
	}
	if len(from) == 0 {
		return fmt.Errorf("update status to %s: %w", status, ErrStaleTransition)
	}

	query, args, err := psql.Update("tasks").
		Set("status", string(status)).
		Set("updated_at", s.timestamp()).
		Where(sq.Eq{"task_date": date, "status": from}).ToSql()
	if err != nil {
		return err
	}
	return s.execTaskUpdate(ctx, date, query, args...)
}

// ArchiveStaleTask marks a task that never got published as ARCHIVED so it no
// longer blocks later dates. It reports whether the row changed.
func (s *Store) ArchiveStaleTask(ctx context.Context, date string) (bool, error) {
	var changed bool
	err := runTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = ?, updated_at = ? WHERE task_date = ? AND status NOT IN (?, ?)`,
			model.TaskArchived, s.timestamp(), date, model.TaskPublished, model.TaskArchived,
		)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		changed = n > 0
		return err
	})
	return changed, err
}

// SaveDocument caches the rendered document for date. It only applies while
// the task is AGGREGATING; a task rewound by ResetFailed in the meantime
// returns ErrStaleTransition and keeps no document.
func (s *Store) SaveDocument(ctx context.Context, date, document string) error {
	return s.execTaskUpdate(ctx, date,
		`UPDATE tasks SET document = ?, updated_at = ? WHERE task_date = ? AND status = ?`,
		document, s.timestamp(), date, model.TaskAggregating,
	)
}

func (s *Store) execTaskUpdate(ctx context.Context, date, query string, args ...interface{}) error {
	return runTx(ctx, s.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n > 0 {
			return nil
		}
		var exists int
		err = tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE task_date = ?`, date).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return ErrStaleTransition
	})
}

// GetTaskSnapshot returns the task status with its completed/failed counters and
// the live pending/processing item counts, read in one transaction.
func (s *Store) GetTaskSnapshot(ctx context.Context, date string) (model.TaskSnapshot, error) {
	var snap model.TaskSnapshot
	err := runTx(ctx, s.db, func(tx *sql.Tx) error {
		task, err := getTask(ctx, tx, date)
		if err != nil {
			return err
		}
		counts, err := countsByStatus(ctx, tx, date)
		if err != nil {
			return err
		}
		snap = model.TaskSnapshot{
			Date:       task.Date,
			Status:     task.Status,
			Total:      task.TotalItems,
			Completed:  task.CompletedItems,
			Failed:     task.FailedItems,
			Pending:    counts.Pending,
			Processing: counts.Processing,
		}
		return nil
	})
	return snap, err
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

type scanner interface {
	Scan(dest ...interface{}) error
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func scanTask(row scanner) (*model.DailyTask, error) {
	var t model.DailyTask
	var status string
	err := row.Scan(&t.Date, &status, &t.TotalItems, &t.CompletedItems, &t.FailedItems, &t.Document, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if t.Status, err = model.ParseTaskStatus(status); err != nil {
		return nil, err
	}
	return &t, nil
}
