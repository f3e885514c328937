// Package state tracks per-entity sync state: the version vector deciding
// whether an entity is clean, pushable, pullable, or conflicted.
package state

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mariia-hub/booksy-sync/internal/booksy"
	"github.com/mariia-hub/booksy-sync/internal/conflict"
)

// Entity is one synchronized object's bookkeeping row. The version vector
// (InternalVersion, ExternalVersion, LastCommonVersion) is the sole input
// to divergence classification.
type Entity struct {
	ID                uuid.UUID
	ProviderID        string
	InternalID        string
	ExternalID        string
	Type              booksy.EntityType
	SubjectID         string
	InternalVersion   int64
	ExternalVersion   int64
	LastCommonVersion int64
	LastSyncedAt      *time.Time
	ArchivedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Versions returns the entity's version vector.
func (e *Entity) Versions() conflict.Versions {
	return conflict.Versions{
		Internal:   e.InternalVersion,
		External:   e.ExternalVersion,
		LastCommon: e.LastCommonVersion,
	}
}

// Archived reports whether the entity is retired from sync.
func (e *Entity) Archived() bool {
	return e.ArchivedAt != nil
}

// Service persists entity sync state.
type Service interface {
	// Ensure returns the entity for the internal ID, creating it when
	// first seen.
	Ensure(ctx context.Context, providerID, internalID string, entityType booksy.EntityType, subjectID string) (*Entity, error)

	// EnsureExternal returns the entity bound to the external ID,
	// creating and binding one when the remote object is first observed.
	EnsureExternal(ctx context.Context, providerID, externalID string, entityType booksy.EntityType, internalID, subjectID string) (*Entity, error)

	// Get returns one entity by ID.
	Get(ctx context.Context, id uuid.UUID) (*Entity, error)

	// GetByExternalID looks an entity up by its remote identifier.
	GetByExternalID(ctx context.Context, providerID string, entityType booksy.EntityType, externalID string) (*Entity, error)

	// BindExternal records the entity's remote identifier after a remote
	// create succeeds.
	BindExternal(ctx context.Context, id uuid.UUID, externalID string) error

	// RecordInternalChange bumps the internal version after a hub-side
	// mutation.
	RecordInternalChange(ctx context.Context, id uuid.UUID, version int64) error

	// RecordExternalChange bumps the external version after observing a
	// remote mutation.
	RecordExternalChange(ctx context.Context, id uuid.UUID, version int64) error

	// MarkSynced records a converged sync: both sides agree at the given
	// version and it becomes the last common one.
	MarkSynced(ctx context.Context, id uuid.UUID, commonVersion int64) error

	// ListActive returns the provider's non-archived entities.
	ListActive(ctx context.Context, providerID string) ([]*Entity, error)

	// Archive retires the entity from sync.
	Archive(ctx context.Context, id uuid.UUID) error
}

// ArchiveConverged retires entities whose version vectors agree and that
// have been untouched for the full retention window. Diverged or recently
// updated entities stay active regardless of age.
func ArchiveConverged(ctx context.Context, svc Service, providerIDs []string, retention time.Duration, now time.Time) (int, error) {
	cutoff := now.Add(-retention)
	archived := 0
	for _, providerID := range providerIDs {
		entities, err := svc.ListActive(ctx, providerID)
		if err != nil {
			return archived, err
		}
		for _, entity := range entities {
			versions := entity.Versions()
			if versions.Internal != versions.LastCommon || versions.External != versions.LastCommon {
				continue
			}
			if entity.LastSyncedAt == nil || entity.UpdatedAt.After(cutoff) {
				continue
			}
			if err := svc.Archive(ctx, entity.ID); err != nil {
				return archived, err
			}
			archived++
		}
	}
	return archived, nil
}

// ErrNotFound is returned when no entity matches.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "sync entity not found" }
