package conflict

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mariia-hub/booksy-sync/internal/booking"
)

func snapshotAt(starts, ends time.Time, status booking.Status) *booking.Snapshot {
	return &booking.Snapshot{
		ProviderID: "provider-1",
		StartsAt:   starts,
		EndsAt:     ends,
		Status:     status,
	}
}

func TestClassify_VersionVector(t *testing.T) {
	t.Parallel()

	entityID := uuid.New()
	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	snap := snapshotAt(base, base.Add(time.Hour), booking.StatusConfirmed)

	tests := []struct {
		name     string
		versions Versions
		external *booking.Snapshot
		want     Action
	}{
		{
			name:     "no change on either side",
			versions: Versions{Internal: 3, External: 3, LastCommon: 3},
			external: snap,
			want:     ActionNone,
		},
		{
			name:     "internal-only change pushes",
			versions: Versions{Internal: 5, External: 3, LastCommon: 3},
			external: snap,
			want:     ActionPush,
		},
		{
			name:     "external-only change pulls",
			versions: Versions{Internal: 3, External: 6, LastCommon: 3},
			external: snap,
			want:     ActionPull,
		},
		{
			name:     "both changed with remote snapshot merges",
			versions: Versions{Internal: 5, External: 6, LastCommon: 3},
			external: snap,
			want:     ActionMerge,
		},
		{
			name:     "both changed with remote deletion escalates",
			versions: Versions{Internal: 5, External: 6, LastCommon: 3},
			external: nil,
			want:     ActionEscalate,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			decision := Classify(entityID, "provider-1", tt.versions, snap, tt.external)
			assert.Equal(t, tt.want, decision.Action)

			switch tt.want {
			case ActionMerge:
				require.NotNil(t, decision.Merged)
				require.NotNil(t, decision.Conflict)
				assert.Equal(t, TypeConcurrentEdit, decision.Conflict.Type)
				assert.False(t, decision.Conflict.Blocking,
					"soft conflicts resolve deterministically and must not block")
			case ActionEscalate:
				require.NotNil(t, decision.Conflict)
				assert.Equal(t, TypeDeletedRemotely, decision.Conflict.Type)
				assert.True(t, decision.Conflict.Blocking)
			default:
				assert.Nil(t, decision.Conflict)
			}
		})
	}
}

func TestDetectDoubleBookings(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	internalEntity := uuid.New()
	externalEntity := uuid.New()

	internal := []Booked{{
		EntityID: internalEntity,
		// 10:00-11:00 confirmed on the hub
		Snapshot: snapshotAt(base, base.Add(time.Hour), booking.StatusConfirmed),
	}}
	external := []Booked{{
		EntityID: externalEntity,
		// 10:30-11:30 confirmed remotely
		Snapshot: snapshotAt(base.Add(30*time.Minute), base.Add(90*time.Minute), booking.StatusConfirmed),
	}}

	records := DetectDoubleBookings("provider-1", internal, external)

	require.Len(t, records, 1, "overlapping confirmed slots must yield exactly one record")
	assert.Equal(t, TypeDoubleBooking, records[0].Type)
	assert.True(t, records[0].Blocking)
	assert.Equal(t, internalEntity, records[0].EntityID)
}

func TestDetectDoubleBookings_NoFalsePositives(t *testing.T) {
	t.Parallel()

	base := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	sharedEntity := uuid.New()

	tests := []struct {
		name     string
		internal []Booked
		external []Booked
	}{
		{
			name: "adjacent slots do not overlap",
			internal: []Booked{{
				EntityID: uuid.New(),
				Snapshot: snapshotAt(base, base.Add(time.Hour), booking.StatusConfirmed),
			}},
			external: []Booked{{
				EntityID: uuid.New(),
				Snapshot: snapshotAt(base.Add(time.Hour), base.Add(2*time.Hour), booking.StatusConfirmed),
			}},
		},
		{
			name: "cancelled booking holds no capacity",
			internal: []Booked{{
				EntityID: uuid.New(),
				Snapshot: snapshotAt(base, base.Add(time.Hour), booking.StatusCancelled),
			}},
			external: []Booked{{
				EntityID: uuid.New(),
				Snapshot: snapshotAt(base, base.Add(time.Hour), booking.StatusConfirmed),
			}},
		},
		{
			name: "the same entity seen from both sides",
			internal: []Booked{{
				EntityID: sharedEntity,
				Snapshot: snapshotAt(base, base.Add(time.Hour), booking.StatusConfirmed),
			}},
			external: []Booked{{
				EntityID: sharedEntity,
				Snapshot: snapshotAt(base, base.Add(time.Hour), booking.StatusConfirmed),
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Empty(t, DetectDoubleBookings("provider-1", tt.internal, tt.external))
		})
	}
}
