package conflict

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/mariia-hub/booksy-sync/internal/booking"
)

// Versions is one entity's version vector: how far each ledger has moved
// past the last state both sides agreed on.
type Versions struct {
	Internal   int64
	External   int64
	LastCommon int64
}

// Action is the detector's verdict for one entity in a cycle.
type Action string

const (
	// ActionNone means both sides are at the last common version
	ActionNone Action = "none"

	// ActionPush means only the hub changed; safe outbound sync
	ActionPush Action = "push"

	// ActionPull means only the remote changed; safe inbound sync
	ActionPull Action = "pull"

	// ActionMerge means both changed but only soft fields diverged; the
	// merged snapshot syncs both ways and the conflict auto-resolves.
	ActionMerge Action = "merge"

	// ActionEscalate means the divergence needs an operator; the entity
	// blocks until the conflict record is resolved.
	ActionEscalate Action = "escalate"
)

// Decision is the classification result for one entity.
type Decision struct {
	Action   Action
	Conflict *Record
	// Merged is the field-merged snapshot, set only for ActionMerge.
	Merged *booking.Snapshot
}

// Classify maps one entity's version vector and snapshots onto an action.
// Both-sides divergence becomes a conflict: a remote deletion escalates, a
// metadata-only divergence merges deterministically.
func Classify(entityID uuid.UUID, providerID string, versions Versions, internal, external *booking.Snapshot) Decision {
	internalChanged := versions.Internal > versions.LastCommon
	externalChanged := versions.External > versions.LastCommon

	switch {
	case !internalChanged && !externalChanged:
		return Decision{Action: ActionNone}
	case internalChanged && !externalChanged:
		return Decision{Action: ActionPush}
	case externalChanged && !internalChanged:
		return Decision{Action: ActionPull}
	}

	if external == nil {
		return Decision{
			Action: ActionEscalate,
			Conflict: newRecord(entityID, providerID, TypeDeletedRemotely, true,
				internal, external),
		}
	}

	merged := MergeFields(internal, external)
	return Decision{
		Action:   ActionMerge,
		Merged:   merged,
		Conflict: newRecord(entityID, providerID, TypeConcurrentEdit, false, internal, external),
	}
}

// Booked pairs an entity with its snapshot for cross-entity overlap checks.
type Booked struct {
	EntityID uuid.UUID
	Snapshot *booking.Snapshot
}

// DetectDoubleBookings finds overlapping capacity-holding slots across
// different entities of one provider, comparing the hub ledger against the
// remote one. Each overlapping pair yields exactly one blocking record,
// keyed to the hub-side entity.
func DetectDoubleBookings(providerID string, internal, external []Booked) []*Record {
	var records []*Record
	for _, in := range internal {
		if in.Snapshot == nil || !in.Snapshot.HoldsCapacity() {
			continue
		}
		for _, ex := range external {
			if ex.Snapshot == nil || !ex.Snapshot.HoldsCapacity() {
				continue
			}
			if in.EntityID == ex.EntityID {
				// Same entity seen from both sides is not a double
				// booking; it is the entity itself.
				continue
			}
			if !in.Snapshot.Overlaps(ex.Snapshot) {
				continue
			}
			records = append(records,
				newRecord(in.EntityID, providerID, TypeDoubleBooking, true,
					in.Snapshot, ex.Snapshot))
		}
	}
	return records
}

func newRecord(entityID uuid.UUID, providerID string, conflictType Type, blocking bool, internal, external *booking.Snapshot) *Record {
	return &Record{
		EntityID:         entityID,
		ProviderID:       providerID,
		Type:             conflictType,
		InternalSnapshot: marshalSnapshot(internal),
		ExternalSnapshot: marshalSnapshot(external),
		Blocking:         blocking,
	}
}

func marshalSnapshot(snap *booking.Snapshot) json.RawMessage {
	if snap == nil {
		return json.RawMessage(`{}`)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		// Snapshot is a plain struct; marshal cannot fail for it. Keep
		// the record well-formed regardless.
		return json.RawMessage(fmt.Sprintf(`{"marshal_error":%q}`, err.Error()))
	}
	return data
}
