// Package booking defines the booking snapshot model shared by the sync
// engine and the collaborator interfaces it consumes from the hub.
package booking

import (
	"context"
	"time"
)

// Status is the lifecycle status of a booking on either ledger.
type Status string

const (
	// StatusPending means the booking is requested but not yet confirmed
	StatusPending Status = "pending"

	// StatusConfirmed means the booking holds capacity
	StatusConfirmed Status = "confirmed"

	// StatusCancelled means the booking no longer holds capacity
	StatusCancelled Status = "cancelled"

	// StatusCompleted means the appointment took place
	StatusCompleted Status = "completed"
)

// Snapshot is a point-in-time copy of one booking as seen by one ledger.
// FieldUpdatedAt carries per-field wall-clock write times so soft conflicts
// can be merged field by field.
type Snapshot struct {
	ProviderID string    `json:"provider_id"`
	ServiceID  string    `json:"service_id"`
	SubjectID  string    `json:"subject_id"`
	ClientName string    `json:"client_name,omitempty"`
	Email      string    `json:"email,omitempty"`
	Phone      string    `json:"phone,omitempty"`
	StartsAt   time.Time `json:"starts_at"`
	EndsAt     time.Time `json:"ends_at"`
	PriceCents int64     `json:"price_cents,omitempty"`
	Currency   string    `json:"currency,omitempty"`
	Status     Status    `json:"status"`
	Notes      string    `json:"notes,omitempty"`

	Version        int64                `json:"version"`
	UpdatedAt      time.Time            `json:"updated_at"`
	FieldUpdatedAt map[string]time.Time `json:"field_updated_at,omitempty"`
}

// Overlaps reports whether the two snapshots occupy overlapping time ranges.
func (s *Snapshot) Overlaps(other *Snapshot) bool {
	if s == nil || other == nil {
		return false
	}
	return s.StartsAt.Before(other.EndsAt) && other.StartsAt.Before(s.EndsAt)
}

// HoldsCapacity reports whether the booking still occupies a slot.
func (s *Snapshot) HoldsCapacity() bool {
	return s.Status == StatusPending || s.Status == StatusConfirmed
}

// ChangeEvent describes one hub-side booking mutation the engine must sync.
type ChangeEvent struct {
	ProviderID string
	InternalID string
	SubjectID  string
	Snapshot   *Snapshot
	Cancelled  bool
	OccurredAt time.Time
}

// Service is the hub BookingService collaborator. The engine only reads
// snapshots and mutation events from it; all writes to the hub ledger happen
// through the hub's own APIs.
type Service interface {
	// Snapshot returns the current hub-side state of one booking.
	Snapshot(ctx context.Context, providerID, internalID string) (*Snapshot, error)

	// ChangedSince lists bookings mutated on the hub ledger since the given
	// time, oldest first.
	ChangedSince(ctx context.Context, providerID string, since time.Time) ([]ChangeEvent, error)

	// Apply writes an external-origin snapshot back onto the hub ledger and
	// returns the resulting hub-side version.
	Apply(ctx context.Context, providerID, internalID string, snap *Snapshot) (int64, error)
}
