package availability

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mariia-hub/booksy-sync/internal/queue"
)

type dbStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*dbStore)(nil)

// NewStore creates the Postgres-backed window store.
func NewStore(pool *pgxpool.Pool) Store {
	return &dbStore{pool: pool}
}

func (s *dbStore) Replace(ctx context.Context, providerID string, source queue.SourceSystem, from, till time.Time, windows []Window) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin window replace: %w", err)
	}
	defer tx.Rollback(ctx)

	// Admin overrides survive the swap: carry them onto replacement
	// windows covering the same range.
	overrides, err := loadOverrides(ctx, tx, providerID, source, from, till)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`DELETE FROM availability_windows
		 WHERE provider_id = $1 AND source = $2
		   AND starts_at < $4 AND ends_at > $3`,
		providerID, source, from, till)
	if err != nil {
		return fmt.Errorf("failed to clear windows: %w", err)
	}

	for _, w := range windows {
		override := w.OverrideCapacity
		if override == nil {
			override = matchOverride(overrides, w)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO availability_windows
			     (provider_id, service_id, source, starts_at, ends_at, capacity, override_capacity)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			providerID, w.ServiceID, source, w.StartsAt, w.EndsAt, w.Capacity, override)
		if err != nil {
			return fmt.Errorf("failed to insert window: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit window replace: %w", err)
	}
	return nil
}

func (s *dbStore) InRange(ctx context.Context, providerID string, source queue.SourceSystem, from, till time.Time) ([]Window, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, provider_id, service_id, source, starts_at, ends_at,
		        capacity, override_capacity, last_written_at
		 FROM availability_windows
		 WHERE provider_id = $1 AND source = $2
		   AND starts_at < $4 AND ends_at > $3
		 ORDER BY starts_at`,
		providerID, source, from, till)
	if err != nil {
		return nil, fmt.Errorf("failed to query windows: %w", err)
	}
	defer rows.Close()

	var windows []Window
	for rows.Next() {
		var w Window
		if err := rows.Scan(&w.ID, &w.ProviderID, &w.ServiceID, &w.Source,
			&w.StartsAt, &w.EndsAt, &w.Capacity, &w.OverrideCapacity, &w.LastWrittenAt); err != nil {
			return nil, fmt.Errorf("failed to scan window: %w", err)
		}
		windows = append(windows, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read windows: %w", err)
	}
	return windows, nil
}

func (s *dbStore) SetOverride(ctx context.Context, windowID uuid.UUID, capacity *int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE availability_windows
		 SET override_capacity = $2, last_written_at = now()
		 WHERE id = $1`,
		windowID, capacity)
	if err != nil {
		return fmt.Errorf("failed to set capacity override: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("window %s: %w", windowID, ErrWindowNotFound)
	}
	return nil
}

type overrideRange struct {
	startsAt time.Time
	endsAt   time.Time
	capacity int
}

func loadOverrides(ctx context.Context, tx pgx.Tx, providerID string, source queue.SourceSystem, from, till time.Time) ([]overrideRange, error) {
	rows, err := tx.Query(ctx,
		`SELECT starts_at, ends_at, override_capacity
		 FROM availability_windows
		 WHERE provider_id = $1 AND source = $2
		   AND starts_at < $4 AND ends_at > $3
		   AND override_capacity IS NOT NULL`,
		providerID, source, from, till)
	if err != nil {
		return nil, fmt.Errorf("failed to load overrides: %w", err)
	}
	defer rows.Close()

	var overrides []overrideRange
	for rows.Next() {
		var o overrideRange
		if err := rows.Scan(&o.startsAt, &o.endsAt, &o.capacity); err != nil {
			return nil, fmt.Errorf("failed to scan override: %w", err)
		}
		overrides = append(overrides, o)
	}
	return overrides, rows.Err()
}

func matchOverride(overrides []overrideRange, w Window) *int {
	for _, o := range overrides {
		if w.StartsAt.Before(o.endsAt) && o.startsAt.Before(w.EndsAt) {
			capacity := o.capacity
			return &capacity
		}
	}
	return nil
}
