package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/yangwenmai/dailydigest/internal/model"
)

const itemColumns = `id, task_date, external_id, rank, title, url, comments_url, description, source,
	points, comments, published_at, status, retry_count, claimed_at,
	translated_title, summary, comment_digest, category, degraded, error_info, created_at, updated_at`

// BulkInsert creates all PENDING items for date, sets the task total and moves
// the task from INIT to LIST_FETCHED, all in one transaction. Items are keyed
// by external id, duplicates in the input are dropped. If the task already left
// INIT nothing is written and ErrStaleTransition is returned.
func (s *Store) BulkInsert(ctx context.Context, date string, items []model.RawItem) (int, error) {
	var total int
	err := runTx(ctx, s.db, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_date = ?`, date).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if model.TaskStatus(status) != model.TaskInit {
			return ErrStaleTransition
		}

		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO items (id, task_date, external_id, rank, title, url, comments_url, description, source,
				points, comments, published_at, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_date, external_id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("prepare item insert: %w", err)
		}
		defer stmt.Close()

		now := s.timestamp()
		for i, raw := range items {
			if raw.ExternalID == "" {
				raw.ExternalID = raw.URL
			}
			if raw.ExternalID == "" {
				continue
			}
			item := model.NewItem(s.newID(), date, i, raw)
			res, err := stmt.ExecContext(ctx,
				item.ID, item.TaskDate, item.ExternalID, item.Rank, item.Title, item.URL, item.CommentsURL,
				item.Description, item.Source, item.Points, item.Comments, item.PublishedAt,
				item.Status, now, now,
			)
			if err != nil {
				return fmt.Errorf("insert item %s: %w", raw.ExternalID, err)
			}
			n, _ := res.RowsAffected()
			total += int(n)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET total_items = ?, status = ?, updated_at = ? WHERE task_date = ?`,
			total, model.TaskListFetched, now, date,
		)
		return err
	})
	if err != nil {
		return 0, err
	}
	return total, nil
}

// ClaimBatch atomically picks up to limit items of date that are PENDING, or
// PROCESSING with a claim older than staleBefore, marks them PROCESSING with a
// fresh claim timestamp and returns them in rank order. Overlapping callers
// never receive the same item. A stale reclaim counts as an attempt.
func (s *Store) ClaimBatch(ctx context.Context, date string, limit int, staleBefore time.Time) ([]model.Item, error) {
	if limit <= 0 {
		return []model.Item{}, nil
	}
	now := s.now()
	claimedAt := now.UnixMilli()

	var items []model.Item
	err := runTx(ctx, s.db, func(tx *sql.Tx) error {
		items = items[:0]
		rows, err := tx.QueryContext(ctx, `
			UPDATE items
			SET status = ?,
				claimed_at = ?,
				retry_count = CASE WHEN status = ? THEN MIN(retry_count + 1, ?) ELSE retry_count END,
				updated_at = ?
			WHERE id IN (
				SELECT id FROM items
				WHERE task_date = ?
				  AND (status = ? OR (status = ? AND claimed_at <= ?))
				ORDER BY rank ASC
				LIMIT ?
			)
			RETURNING `+itemColumns,
			model.ItemProcessing, claimedAt, model.ItemProcessing, s.maxRetries, now.UTC().Format(time.RFC3339),
			date, model.ItemPending, model.ItemProcessing, staleBefore.UnixMilli(), limit,
		)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			item, err := scanItem(rows)
			if err != nil {
				return err
			}
			items = append(items, *item)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("claim batch %s: %w", date, err)
	}

	sort.Slice(items, func(i, j int) bool { return items[i].Rank < items[j].Rank })
	if items == nil {
		items = []model.Item{}
	}
	return items, nil
}

// RecordResult writes the outcome for a claimed item and updates the task
// counters in the same transaction. It returns the item's new status, or
// ErrClaimLost when item is no longer held under the claim it was returned with.
func (s *Store) RecordResult(ctx context.Context, item model.Item, out model.Outcome) (model.ItemStatus, error) {
	var next model.ItemStatus
	err := runTx(ctx, s.db, func(tx *sql.Tx) error {
		var retries int
		err := tx.QueryRowContext(ctx,
			`SELECT retry_count FROM items WHERE id = ? AND status = ? AND claimed_at = ?`,
			item.ID, model.ItemProcessing, item.ClaimedAt,
		).Scan(&retries)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrClaimLost
		}
		if err != nil {
			return err
		}

		now := s.timestamp()
		switch out.Kind {
		case model.OutcomeSuccess:
			next = model.ItemCompleted
			if _, err := tx.ExecContext(ctx, `
				UPDATE items SET status = ?, claimed_at = 0, translated_title = ?, summary = ?, comment_digest = ?,
					category = ?, degraded = ?, error_info = '', updated_at = ?
				WHERE id = ?`,
				next, out.Result.TranslatedTitle, out.Result.Summary, out.Result.CommentDigest,
				out.Result.Category, out.Degraded, now, item.ID,
			); err != nil {
				return err
			}
			return bumpCounter(ctx, tx, "completed_items", item.TaskDate, now)

		case model.OutcomeFailure:
			retries++
			errInfo := ""
			if out.Error != nil {
				errInfo = out.Error.ToJSON()
			}
			if retries < s.maxRetries {
				next = model.ItemPending
				_, err := tx.ExecContext(ctx,
					`UPDATE items SET status = ?, claimed_at = 0, retry_count = ?, error_info = ?, updated_at = ? WHERE id = ?`,
					next, retries, errInfo, now, item.ID,
				)
				return err
			}
			next = model.ItemFailed
			empty := model.EmptyResult()
			if _, err := tx.ExecContext(ctx, `
				UPDATE items SET status = ?, claimed_at = 0, retry_count = ?, translated_title = ?, summary = ?,
					comment_digest = ?, category = ?, degraded = 0, error_info = ?, updated_at = ?
				WHERE id = ?`,
				next, s.maxRetries, empty.TranslatedTitle, empty.Summary, empty.CommentDigest, empty.Category,
				errInfo, now, item.ID,
			); err != nil {
				return err
			}
			return bumpCounter(ctx, tx, "failed_items", item.TaskDate, now)

		case model.OutcomeDeferred:
			next = model.ItemPending
			_, err := tx.ExecContext(ctx,
				`UPDATE items SET status = ?, claimed_at = 0, updated_at = ? WHERE id = ?`,
				next, now, item.ID,
			)
			return err
		}
		return fmt.Errorf("unknown outcome kind %d", out.Kind)
	})
	if err != nil {
		return "", err
	}
	return next, nil
}

func bumpCounter(ctx context.Context, tx *sql.Tx, column, date, now string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE tasks SET `+column+` = `+column+` + 1, updated_at = ? WHERE task_date = ?`,
		now, date,
	)
	return err
}

// CountsByStatus returns the number of items per status for date.
func (s *Store) CountsByStatus(ctx context.Context, date string) (model.StatusCounts, error) {
	return countsByStatus(ctx, s.db, date)
}

func countsByStatus(ctx context.Context, q querier, date string) (model.StatusCounts, error) {
	var counts model.StatusCounts
	query, args, err := psql.Select("status", "COUNT(*)").From("items").
		Where(sq.Eq{"task_date": date}).GroupBy("status").ToSql()
	if err != nil {
		return counts, err
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return counts, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, err
		}
		switch model.ItemStatus(status) {
		case model.ItemPending:
			counts.Pending = n
		case model.ItemProcessing:
			counts.Processing = n
		case model.ItemCompleted:
			counts.Completed = n
		case model.ItemFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

// ListItems returns the items of date in rank order, optionally restricted to
// the given statuses.
func (s *Store) ListItems(ctx context.Context, date string, statuses ...model.ItemStatus) ([]model.Item, error) {
	b := psql.Select(itemColumns).From("items").Where(sq.Eq{"task_date": date})
	if len(statuses) > 0 {
		in := make([]string, len(statuses))
		for i, st := range statuses {
			in[i] = string(st)
		}
		b = b.Where(sq.Eq{"status": in})
	}
	query, args, err := b.OrderBy("rank ASC").ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []model.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// ResetFailed puts every FAILED item of date back to PENDING with a fresh
// retry budget. It is refused once the task is published or archived. A task
// waiting in AGGREGATING goes back to PROCESSING and drops its cached document
// so the retried items make it into the rendered output.
func (s *Store) ResetFailed(ctx context.Context, date string) (int64, error) {
	var reset int64
	err := runTx(ctx, s.db, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE task_date = ?`, date).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		switch model.TaskStatus(status) {
		case model.TaskListFetched, model.TaskProcessing, model.TaskAggregating:
		default:
			return ErrStaleTransition
		}

		now := s.timestamp()
		res, err := tx.ExecContext(ctx, `
			UPDATE items SET status = ?, retry_count = 0, claimed_at = 0, error_info = '', updated_at = ?
			WHERE task_date = ? AND status = ?`,
			model.ItemPending, now, date, model.ItemFailed,
		)
		if err != nil {
			return err
		}
		if reset, err = res.RowsAffected(); err != nil || reset == 0 {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE tasks SET failed_items = failed_items - ?,
				status = CASE WHEN status = ? THEN ? ELSE status END,
				document = '', updated_at = ?
			WHERE task_date = ?`,
			reset, model.TaskAggregating, model.TaskProcessing, now, date,
		)
		return err
	})
	return reset, err
}

func scanItem(row scanner) (*model.Item, error) {
	var item model.Item
	var status string
	err := row.Scan(
		&item.ID, &item.TaskDate, &item.ExternalID, &item.Rank, &item.Title, &item.URL, &item.CommentsURL,
		&item.Description, &item.Source, &item.Points, &item.Comments, &item.PublishedAt,
		&status, &item.RetryCount, &item.ClaimedAt,
		&item.Result.TranslatedTitle, &item.Result.Summary, &item.Result.CommentDigest, &item.Result.Category,
		&item.Degraded, &item.ErrorInfo, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if item.Status, err = model.ParseItemStatus(status); err != nil {
		return nil, err
	}
	return &item, nil
}
