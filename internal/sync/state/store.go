package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mariia-hub/booksy-sync/internal/booksy"
)

const entityColumns = `id, provider_id, internal_id, external_id, entity_type,
	subject_id, internal_version, external_version, last_common_version,
	last_synced_at, archived_at, created_at, updated_at`

type dbService struct {
	pool *pgxpool.Pool
}

var _ Service = (*dbService)(nil)

// NewService creates the Postgres-backed entity state service.
func NewService(pool *pgxpool.Pool) Service {
	return &dbService{pool: pool}
}

func (s *dbService) Ensure(ctx context.Context, providerID, internalID string, entityType booksy.EntityType, subjectID string) (*Entity, error) {
	// Remote-origin entities start without a subject; the first hub event
	// that carries one backfills it so the consent gate can see it. A
	// recorded subject is never overwritten.
	row := s.pool.QueryRow(ctx,
		`INSERT INTO sync_entities (provider_id, internal_id, entity_type, subject_id)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (provider_id, entity_type, internal_id)
		 DO UPDATE SET
		     subject_id = CASE WHEN sync_entities.subject_id = ''
		                       THEN EXCLUDED.subject_id
		                       ELSE sync_entities.subject_id END,
		     updated_at = now()
		 RETURNING `+entityColumns,
		providerID, internalID, entityType, subjectID)

	entity, err := scanEntity(row)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure sync entity: %w", err)
	}
	return entity, nil
}

func (s *dbService) EnsureExternal(ctx context.Context, providerID, externalID string, entityType booksy.EntityType, internalID, subjectID string) (*Entity, error) {
	existing, err := s.GetByExternalID(ctx, providerID, entityType, externalID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	entity, err := s.Ensure(ctx, providerID, internalID, entityType, subjectID)
	if err != nil {
		return nil, err
	}
	if entity.ExternalID == "" {
		if err := s.BindExternal(ctx, entity.ID, externalID); err != nil {
			return nil, err
		}
		entity.ExternalID = externalID
	}
	return entity, nil
}

func (s *dbService) Get(ctx context.Context, id uuid.UUID) (*Entity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM sync_entities WHERE id = $1`, id)
	return handleScan(row)
}

func (s *dbService) GetByExternalID(ctx context.Context, providerID string, entityType booksy.EntityType, externalID string) (*Entity, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+entityColumns+`
		 FROM sync_entities
		 WHERE provider_id = $1 AND entity_type = $2 AND external_id = $3`,
		providerID, entityType, externalID)
	return handleScan(row)
}

func (s *dbService) BindExternal(ctx context.Context, id uuid.UUID, externalID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_entities
		 SET external_id = $2, updated_at = now()
		 WHERE id = $1 AND (external_id IS NULL OR external_id = $2)`,
		id, externalID)
	if err != nil {
		return fmt.Errorf("failed to bind external ID: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entity %s already bound to a different external ID", id)
	}
	return nil
}

func (s *dbService) RecordInternalChange(ctx context.Context, id uuid.UUID, version int64) error {
	return s.bump(ctx, id, "internal_version", version)
}

func (s *dbService) RecordExternalChange(ctx context.Context, id uuid.UUID, version int64) error {
	return s.bump(ctx, id, "external_version", version)
}

func (s *dbService) MarkSynced(ctx context.Context, id uuid.UUID, commonVersion int64) error {
	// GREATEST keeps a change recorded while the push was in flight: a hub
	// edit that already bumped internal_version past the pushed version
	// must survive the convergence write.
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_entities
		 SET internal_version = GREATEST(internal_version, $2),
		     external_version = GREATEST(external_version, $2),
		     last_common_version = GREATEST(last_common_version, $2),
		     last_synced_at = now(),
		     updated_at = now()
		 WHERE id = $1`,
		id, commonVersion)
	if err != nil {
		return fmt.Errorf("failed to mark entity synced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *dbService) ListActive(ctx context.Context, providerID string) ([]*Entity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entityColumns+`
		 FROM sync_entities
		 WHERE provider_id = $1 AND archived_at IS NULL
		 ORDER BY created_at`, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list active entities: %w", err)
	}
	defer rows.Close()

	var entities []*Entity
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read entities: %w", err)
	}
	return entities, nil
}

func (s *dbService) Archive(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_entities
		 SET archived_at = now(), updated_at = now()
		 WHERE id = $1 AND archived_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("failed to archive entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// bump moves a version column forward; versions never regress.
func (s *dbService) bump(ctx context.Context, id uuid.UUID, column string, version int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_entities
		 SET `+column+` = GREATEST(`+column+`, $2), updated_at = now()
		 WHERE id = $1`,
		id, version)
	if err != nil {
		return fmt.Errorf("failed to record %s change: %w", column, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func handleScan(row pgx.Row) (*Entity, error) {
	entity, err := scanEntity(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync entity: %w", err)
	}
	return entity, nil
}

func scanEntity(row pgx.Row) (*Entity, error) {
	var (
		entity     Entity
		externalID *string
	)
	err := row.Scan(
		&entity.ID, &entity.ProviderID, &entity.InternalID, &externalID,
		&entity.Type, &entity.SubjectID, &entity.InternalVersion,
		&entity.ExternalVersion, &entity.LastCommonVersion,
		&entity.LastSyncedAt, &entity.ArchivedAt,
		&entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if externalID != nil {
		entity.ExternalID = *externalID
	}
	return &entity, nil
}
