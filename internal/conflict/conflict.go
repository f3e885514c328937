// Package conflict detects divergence between the two booking ledgers and
// resolves it. Detection is driven by per-entity version vectors; resolution
// is either deterministic (field-level last-writer-wins for soft conflicts)
// or escalated to an operator.
package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no conflict record matches the ID.
	ErrNotFound = errors.New("conflict not found")

	// ErrAlreadyResolved is returned when resolving a closed conflict.
	ErrAlreadyResolved = errors.New("conflict already resolved")

	// ErrInvalidStrategy is returned when a strategy cannot apply to the
	// conflict's type.
	ErrInvalidStrategy = errors.New("invalid resolution strategy")
)

// Type classifies a detected conflict.
type Type string

const (
	// TypeConcurrentEdit means both ledgers changed the same booking's
	// metadata since the last common version. Soft: resolved by merge.
	TypeConcurrentEdit Type = "concurrent_edit"

	// TypeDoubleBooking means overlapping time slots are confirmed across
	// different entities for the same provider. Highest severity, blocks
	// both sides.
	TypeDoubleBooking Type = "double_booking"

	// TypeDeletedRemotely means the booking vanished on the remote side
	// while the hub kept editing it.
	TypeDeletedRemotely Type = "deleted_remotely"

	// TypeCapacityMismatch means the remote reduced capacity below
	// already-confirmed hub bookings. Never auto-resolved.
	TypeCapacityMismatch Type = "capacity_mismatch"
)

// Strategy is how a conflict gets resolved.
type Strategy string

const (
	StrategyPreferInternal Strategy = "prefer_internal"
	StrategyPreferExternal Strategy = "prefer_external"
	StrategyMergeFields    Strategy = "merge_fields"
	StrategyManual         Strategy = "manual"
)

// ValidStrategy reports whether s is a known resolution strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyPreferInternal, StrategyPreferExternal, StrategyMergeFields, StrategyManual:
		return true
	}
	return false
}

// Record is one detected conflict. Blocking records gate the entity's queue
// dispatch until resolved.
type Record struct {
	ID                 uuid.UUID
	EntityID           uuid.UUID
	ProviderID         string
	Type               Type
	InternalSnapshot   json.RawMessage
	ExternalSnapshot   json.RawMessage
	Blocking           bool
	DetectedAt         time.Time
	ResolutionStrategy *Strategy
	ResolvedBy         string
	ResolvedAt         *time.Time
	ResolutionOutcome  string
}

// Open reports whether the conflict still awaits resolution.
func (r *Record) Open() bool {
	return r.ResolvedAt == nil
}

// Filter narrows a conflict listing.
type Filter struct {
	ProviderID string
	Type       Type
	OnlyOpen   bool
	Limit      int
}

// Store persists conflict records.
type Store interface {
	// Create inserts the record. When an open record of the same type
	// already exists for the entity, the existing record is returned
	// instead of a duplicate.
	Create(ctx context.Context, record *Record) (*Record, error)

	// Get returns one record by ID.
	Get(ctx context.Context, id uuid.UUID) (*Record, error)

	// List returns records matching the filter, newest first.
	List(ctx context.Context, filter Filter) ([]*Record, error)

	// OpenForEntity returns the entity's open records.
	OpenForEntity(ctx context.Context, entityID uuid.UUID) ([]*Record, error)

	// MarkResolved stamps the record resolved. Resolving an already
	// resolved record is an error.
	MarkResolved(ctx context.Context, id uuid.UUID, strategy Strategy, resolvedBy, outcome string) (*Record, error)

	// OldestOpenAge reports how long the oldest open conflict has waited,
	// zero when none are open.
	OldestOpenAge(ctx context.Context) (time.Duration, error)
}
