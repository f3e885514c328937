package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultPageSize = 100

type dbLog struct {
	pool *pgxpool.Pool
}

// NewDBLog creates a Postgres-backed audit log.
func NewDBLog(pool *pgxpool.Pool) Log {
	return &dbLog{pool: pool}
}

func (d *dbLog) Record(ctx context.Context, entry *Entry) error {
	_, err := d.RecordOnce(ctx, entry)
	return err
}

func (d *dbLog) RecordOnce(ctx context.Context, entry *Entry) (bool, error) {
	occurredAt := entry.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	var dedupKey *string
	if entry.DedupKey != "" {
		dedupKey = &entry.DedupKey
	}

	// ON CONFLICT DO NOTHING keeps replays idempotent; the partial unique
	// index only applies when a dedup key is present.
	tag, err := d.pool.Exec(ctx, `
		INSERT INTO audit_entries (occurred_at, actor, entity_id, action, before_state, after_state, outcome, dedup_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (dedup_key) WHERE dedup_key IS NOT NULL DO NOTHING`,
		occurredAt, entry.Actor, entry.EntityID, entry.Action,
		entry.Before, entry.After, entry.Outcome, dedupKey,
	)
	if err != nil {
		return false, fmt.Errorf("failed to record audit entry: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (d *dbLog) List(ctx context.Context, q Query) ([]*Entry, int64, error) {
	limit := q.Limit
	if limit <= 0 || limit > defaultPageSize {
		limit = defaultPageSize
	}

	// Filters are combined with AND; empty values disable each one.
	rows, err := d.pool.Query(ctx, `
		SELECT id, occurred_at, actor, entity_id, action, before_state, after_state, outcome
		FROM audit_entries
		WHERE id > $1
		  AND ($2::uuid IS NULL OR entity_id = $2)
		  AND ($3 = '' OR actor = $3)
		  AND ($4 = '' OR action = $4)
		  AND ($5::timestamptz IS NULL OR occurred_at >= $5)
		  AND ($6::timestamptz IS NULL OR occurred_at < $6)
		ORDER BY id
		LIMIT $7`,
		q.Cursor, q.EntityID, q.Actor, q.Action, nullableTime(q.Since), nullableTime(q.Until), limit+1,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.Actor, &e.EntityID, &e.Action, &e.Before, &e.After, &e.Outcome); err != nil {
			return nil, 0, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var nextCursor int64
	if len(entries) > limit {
		entries = entries[:limit]
		nextCursor = entries[len(entries)-1].ID
	}
	return entries, nextCursor, nil
}

func (d *dbLog) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}

	cutoff := time.Now().UTC().Add(-retention)
	tag, err := d.pool.Exec(ctx,
		`DELETE FROM audit_entries WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune audit entries: %w", err)
	}
	return tag.RowsAffected(), nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

var _ Log = (*dbLog)(nil)
