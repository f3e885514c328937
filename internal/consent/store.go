package consent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type dbStore struct {
	pool *pgxpool.Pool
}

// NewDBStore creates a Postgres-backed consent record store.
func NewDBStore(pool *pgxpool.Pool) Store {
	return &dbStore{pool: pool}
}

func (d *dbStore) Get(ctx context.Context, subjectID, scope string) (*Record, error) {
	var r Record
	err := d.pool.QueryRow(ctx, `
		SELECT subject_id, scope, granted_at, revoked_at, expires_at
		FROM consent_records
		WHERE subject_id = $1 AND scope = $2`,
		subjectID, scope,
	).Scan(&r.SubjectID, &r.Scope, &r.GrantedAt, &r.RevokedAt, &r.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get consent record: %w", err)
	}
	return &r, nil
}

func (d *dbStore) Upsert(ctx context.Context, record *Record) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO consent_records (subject_id, scope, granted_at, revoked_at, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (subject_id, scope) DO UPDATE SET
			granted_at = EXCLUDED.granted_at,
			revoked_at = EXCLUDED.revoked_at,
			expires_at = EXCLUDED.expires_at,
			updated_at = now()`,
		record.SubjectID, record.Scope, record.GrantedAt, record.RevokedAt, record.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert consent record: %w", err)
	}
	return nil
}

func (d *dbStore) Revoke(ctx context.Context, subjectID, scope string, revokedAt time.Time) error {
	tag, err := d.pool.Exec(ctx, `
		UPDATE consent_records
		SET revoked_at = $3, updated_at = now()
		WHERE subject_id = $1 AND scope = $2`,
		subjectID, scope, revokedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke consent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Revoking an unknown subject still needs a blocking record so that
		// later checks do not resolve to unknown.
		return d.Upsert(ctx, &Record{
			SubjectID: subjectID,
			Scope:     scope,
			GrantedAt: revokedAt,
			RevokedAt: &revokedAt,
		})
	}
	return nil
}

var _ Store = (*dbStore)(nil)
