package conflict

import (
	"time"

	"github.com/mariia-hub/booksy-sync/internal/booking"
)

// MergeFields combines two divergent snapshots field by field: for each
// field the side with the later wall-clock write wins; a tie goes to the
// internal side, which is authoritative for this business.
func MergeFields(internal, external *booking.Snapshot) *booking.Snapshot {
	if internal == nil {
		return external
	}
	if external == nil {
		return internal
	}

	merged := *internal
	merged.FieldUpdatedAt = make(map[string]time.Time, len(internal.FieldUpdatedAt))
	for field, at := range internal.FieldUpdatedAt {
		merged.FieldUpdatedAt[field] = at
	}

	take := func(field string) bool {
		internalAt := fieldTime(internal, field)
		externalAt := fieldTime(external, field)
		if externalAt.After(internalAt) {
			merged.FieldUpdatedAt[field] = externalAt
			return true
		}
		return false
	}

	if take("client_name") {
		merged.ClientName = external.ClientName
	}
	if take("email") {
		merged.Email = external.Email
	}
	if take("phone") {
		merged.Phone = external.Phone
	}
	if take("notes") {
		merged.Notes = external.Notes
	}
	if take("status") {
		merged.Status = external.Status
	}
	if take("starts_at") {
		merged.StartsAt = external.StartsAt
	}
	if take("ends_at") {
		merged.EndsAt = external.EndsAt
	}
	if take("price_cents") {
		merged.PriceCents = external.PriceCents
		merged.Currency = external.Currency
	}

	if external.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = external.UpdatedAt
	}
	return &merged
}

// fieldTime returns the per-field write time, falling back to the
// snapshot-level UpdatedAt when the ledger does not track the field.
func fieldTime(snap *booking.Snapshot, field string) time.Time {
	if at, ok := snap.FieldUpdatedAt[field]; ok {
		return at
	}
	return snap.UpdatedAt
}
