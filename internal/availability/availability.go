// Package availability reconciles the two ledgers' availability windows
// into the single exposed schedule the booking flow may offer. Its
// correctness is what keeps the two platforms from selling the same slot.
package availability

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mariia-hub/booksy-sync/internal/queue"
)

// ErrWindowNotFound is returned when no window matches the given ID.
var ErrWindowNotFound = errors.New("availability window not found")

// Window is one availability window as advertised by one ledger.
// OverrideCapacity, when set by an admin, replaces the min-capacity rule
// for the window's range.
type Window struct {
	ID               uuid.UUID
	ProviderID       string
	ServiceID        string
	Source           queue.SourceSystem
	StartsAt         time.Time
	EndsAt           time.Time
	Capacity         int
	OverrideCapacity *int
	LastWrittenAt    time.Time
}

// Exposed is one merged window of bookable capacity after reconciliation.
type Exposed struct {
	StartsAt time.Time
	EndsAt   time.Time
	Capacity int
	// Overridden marks capacity set by an admin override rather than the
	// min rule.
	Overridden bool
}

// Change is one segment where the reconciled capacity differs from what
// the remote currently advertises.
type Change struct {
	StartsAt time.Time
	EndsAt   time.Time
	// Remote is what the external ledger advertises for the segment
	Remote int
	// Exposed is what reconciliation allows
	Exposed int
}

// Result is the outcome of one reconciliation pass.
type Result struct {
	ProviderID string
	From       time.Time
	Till       time.Time
	Exposed    []Exposed
	// Diff lists segments where the remote advertises more or less than
	// the exposed schedule; a non-empty diff means the remote needs a
	// corrective availability write.
	Diff []Change
}

// Store persists the per-source availability windows.
type Store interface {
	// Replace swaps one source's windows for the provider within the
	// given range.
	Replace(ctx context.Context, providerID string, source queue.SourceSystem, from, till time.Time, windows []Window) error

	// InRange returns one source's windows intersecting the range,
	// ordered by start time.
	InRange(ctx context.Context, providerID string, source queue.SourceSystem, from, till time.Time) ([]Window, error)

	// SetOverride sets or clears the admin capacity override on a window.
	SetOverride(ctx context.Context, windowID uuid.UUID, capacity *int) error
}
