package booksy

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EntityType is the kind of synchronized entity an identifier maps.
type EntityType string

const (
	EntityBooking      EntityType = "booking"
	EntityAvailability EntityType = "availability"
)

// ErrMappingNotFound is returned when no identifier mapping exists. A push
// that needs a mapping and does not find one is a data-integrity failure,
// never a guess.
var ErrMappingNotFound = errors.New("identifier mapping not found")

// IDMap persists the internal-to-external identifier mapping. Entries are
// written once when a remote entity is first created or first observed and
// never rewritten.
type IDMap interface {
	// ExternalID resolves the Booksy ID for an internal entity, or
	// ErrMappingNotFound.
	ExternalID(ctx context.Context, providerID string, entityType EntityType, internalID string) (string, error)

	// Bind records a mapping. Binding the same pair again is a no-op;
	// binding a conflicting pair is an error.
	Bind(ctx context.Context, providerID string, entityType EntityType, internalID, externalID string) error
}

type dbIDMap struct {
	pool *pgxpool.Pool
}

var _ IDMap = (*dbIDMap)(nil)

// NewIDMap creates a Postgres-backed IDMap.
func NewIDMap(pool *pgxpool.Pool) IDMap {
	return &dbIDMap{pool: pool}
}

func (m *dbIDMap) ExternalID(ctx context.Context, providerID string, entityType EntityType, internalID string) (string, error) {
	var externalID string
	err := m.pool.QueryRow(ctx,
		`SELECT external_id FROM booksy_id_map
		 WHERE provider_id = $1 AND entity_type = $2 AND internal_id = $3`,
		providerID, entityType, internalID).Scan(&externalID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrMappingNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to resolve external ID: %w", err)
	}
	return externalID, nil
}

func (m *dbIDMap) Bind(ctx context.Context, providerID string, entityType EntityType, internalID, externalID string) error {
	tag, err := m.pool.Exec(ctx,
		`INSERT INTO booksy_id_map (provider_id, entity_type, internal_id, external_id)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (provider_id, entity_type, internal_id) DO NOTHING`,
		providerID, entityType, internalID, externalID)
	if err != nil {
		return fmt.Errorf("failed to bind identifier mapping: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := m.ExternalID(ctx, providerID, entityType, internalID)
		if err != nil {
			return fmt.Errorf("failed to verify existing mapping: %w", err)
		}
		if existing != externalID {
			return fmt.Errorf("mapping for %s/%s/%s already bound to %q, refusing rebind to %q",
				providerID, entityType, internalID, existing, externalID)
		}
	}
	return nil
}
