package store

import (
	"context"
	"database/sql"

	sq "github.com/Masterminds/squirrel"
)

// RecordDelivery notes that channel received the document with digest for
// date. Recording the same delivery twice is a no-op.
func (s *Store) RecordDelivery(ctx context.Context, date, channel, digest string) error {
	return runTx(ctx, s.db, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO deliveries (id, task_date, channel, digest, delivered_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(task_date, channel, digest) DO NOTHING`,
			s.newID(), date, channel, digest, s.timestamp(),
		)
		return err
	})
}

// DeliveredChannels returns the set of channels that already received the
// document with digest for date.
func (s *Store) DeliveredChannels(ctx context.Context, date, digest string) (map[string]bool, error) {
	query, args, err := psql.Select("channel").From("deliveries").
		Where(sq.Eq{"task_date": date, "digest": digest}).ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sent := make(map[string]bool)
	for rows.Next() {
		var ch string
		if err := rows.Scan(&ch); err != nil {
			return nil, err
		}
		sent[ch] = true
	}
	return sent, rows.Err()
}
