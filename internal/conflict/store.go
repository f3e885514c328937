package conflict

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const recordColumns = `id, entity_id, provider_id, conflict_type,
	internal_snapshot, external_snapshot, blocking, detected_at,
	resolution_strategy, resolved_by, resolved_at, resolution_outcome`

type dbStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*dbStore)(nil)

// NewStore creates the Postgres-backed conflict store.
func NewStore(pool *pgxpool.Pool) Store {
	return &dbStore{pool: pool}
}

func (s *dbStore) Create(ctx context.Context, record *Record) (*Record, error) {
	// One open record per entity and type: re-detecting the same
	// divergence on every cycle must not pile up duplicates.
	existing, err := s.openOfType(ctx, record.EntityID, record.Type)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO conflict_records
		     (entity_id, provider_id, conflict_type, internal_snapshot, external_snapshot, blocking)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING `+recordColumns,
		record.EntityID, record.ProviderID, record.Type,
		record.InternalSnapshot, record.ExternalSnapshot, record.Blocking)

	created, err := scanRecord(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create conflict record: %w", err)
	}
	return created, nil
}

func (s *dbStore) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM conflict_records WHERE id = $1`, id)
	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conflict record: %w", err)
	}
	return record, nil
}

func (s *dbStore) List(ctx context.Context, filter Filter) ([]*Record, error) {
	query := `SELECT ` + recordColumns + ` FROM conflict_records WHERE true`
	var args []any
	if filter.ProviderID != "" {
		args = append(args, filter.ProviderID)
		query += fmt.Sprintf(" AND provider_id = $%d", len(args))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(" AND conflict_type = $%d", len(args))
	}
	if filter.OnlyOpen {
		query += " AND resolved_at IS NULL"
	}
	query += " ORDER BY detected_at DESC"
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflict records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *dbStore) OpenForEntity(ctx context.Context, entityID uuid.UUID) ([]*Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+recordColumns+`
		 FROM conflict_records
		 WHERE entity_id = $1 AND resolved_at IS NULL
		 ORDER BY detected_at`, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list open conflicts for entity: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (s *dbStore) MarkResolved(ctx context.Context, id uuid.UUID, strategy Strategy, resolvedBy, outcome string) (*Record, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE conflict_records
		 SET resolution_strategy = $2,
		     resolved_by = $3,
		     resolved_at = now(),
		     resolution_outcome = $4
		 WHERE id = $1 AND resolved_at IS NULL
		 RETURNING `+recordColumns,
		id, strategy, resolvedBy, outcome)

	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("conflict %s: %w", id, ErrAlreadyResolved)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve conflict record: %w", err)
	}
	return record, nil
}

func (s *dbStore) OldestOpenAge(ctx context.Context) (time.Duration, error) {
	var oldest *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT min(detected_at) FROM conflict_records WHERE resolved_at IS NULL`).
		Scan(&oldest)
	if err != nil {
		return 0, fmt.Errorf("failed to read oldest open conflict age: %w", err)
	}
	if oldest == nil {
		return 0, nil
	}
	return time.Since(*oldest), nil
}

func (s *dbStore) openOfType(ctx context.Context, entityID uuid.UUID, conflictType Type) (*Record, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+`
		 FROM conflict_records
		 WHERE entity_id = $1 AND conflict_type = $2 AND resolved_at IS NULL
		 ORDER BY detected_at
		 LIMIT 1`, entityID, conflictType)
	record, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to check for open conflict: %w", err)
	}
	return record, nil
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		record     Record
		strategy   *string
		resolvedBy *string
		outcome    *string
	)
	err := row.Scan(
		&record.ID, &record.EntityID, &record.ProviderID, &record.Type,
		&record.InternalSnapshot, &record.ExternalSnapshot, &record.Blocking,
		&record.DetectedAt, &strategy, &resolvedBy, &record.ResolvedAt, &outcome)
	if err != nil {
		return nil, err
	}
	if strategy != nil {
		s := Strategy(*strategy)
		record.ResolutionStrategy = &s
	}
	if resolvedBy != nil {
		record.ResolvedBy = *resolvedBy
	}
	if outcome != nil {
		record.ResolutionOutcome = *outcome
	}
	return &record, nil
}

func scanRecords(rows pgx.Rows) ([]*Record, error) {
	var records []*Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read conflict records: %w", err)
	}
	return records, nil
}
