package availability

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mariia-hub/booksy-sync/internal/audit"
	"github.com/mariia-hub/booksy-sync/internal/booking"
	"github.com/mariia-hub/booksy-sync/internal/conflict"
	"github.com/mariia-hub/booksy-sync/internal/queue"
)

// memoryWindowStore keeps windows in memory for reconciler tests.
type memoryWindowStore struct {
	windows map[queue.SourceSystem][]Window
}

func newMemoryWindowStore() *memoryWindowStore {
	return &memoryWindowStore{windows: make(map[queue.SourceSystem][]Window)}
}

func (m *memoryWindowStore) Replace(_ context.Context, _ string, source queue.SourceSystem, _, _ time.Time, windows []Window) error {
	m.windows[source] = windows
	return nil
}

func (m *memoryWindowStore) InRange(_ context.Context, _ string, source queue.SourceSystem, _, _ time.Time) ([]Window, error) {
	return m.windows[source], nil
}

func (m *memoryWindowStore) SetOverride(context.Context, uuid.UUID, *int) error {
	return nil
}

type memoryConflicts struct {
	created []*conflict.Record
}

func (m *memoryConflicts) Create(_ context.Context, record *conflict.Record) (*conflict.Record, error) {
	m.created = append(m.created, record)
	return record, nil
}

type discardLog struct{}

func (discardLog) Record(context.Context, *audit.Entry) error { return nil }
func (discardLog) RecordOnce(context.Context, *audit.Entry) (bool, error) {
	return true, nil
}
func (discardLog) List(context.Context, audit.Query) ([]*audit.Entry, int64, error) {
	return nil, 0, nil
}
func (discardLog) Prune(context.Context, time.Duration) (int64, error) { return 0, nil }

func day(hour, minute int) time.Time {
	return time.Date(2026, 3, 2, hour, minute, 0, 0, time.UTC)
}

func window(source queue.SourceSystem, start, end time.Time, capacity int) Window {
	return Window{
		ID:         uuid.New(),
		ProviderID: "provider-1",
		Source:     source,
		StartsAt:   start,
		EndsAt:     end,
		Capacity:   capacity,
	}
}

func TestReconcile_MinCapacityRule(t *testing.T) {
	t.Parallel()

	store := newMemoryWindowStore()
	// Internal: 09:00-17:00 capacity 2. External: 09:00-10:00 capacity 1.
	store.windows[queue.SourceInternal] = []Window{
		window(queue.SourceInternal, day(9, 0), day(17, 0), 2),
	}
	store.windows[queue.SourceExternal] = []Window{
		window(queue.SourceExternal, day(9, 0), day(10, 0), 1),
	}

	r := NewReconciler(store, &memoryConflicts{}, discardLog{})
	result, err := r.Reconcile(context.Background(), "provider-1", day(9, 0), day(17, 0))

	require.NoError(t, err)
	// 09:00-10:00 exposes min(2,1)=1; past 10:00 the external side
	// advertises nothing, so nothing is offered there.
	require.Len(t, result.Exposed, 1)
	assert.Equal(t, day(9, 0), result.Exposed[0].StartsAt)
	assert.Equal(t, day(10, 0), result.Exposed[0].EndsAt)
	assert.Equal(t, 1, result.Exposed[0].Capacity)
	assert.False(t, result.Exposed[0].Overridden)
}

func TestReconcile_AdminOverrideBeatsMinRule(t *testing.T) {
	t.Parallel()

	override := 2
	internal := window(queue.SourceInternal, day(9, 0), day(10, 0), 2)
	internal.OverrideCapacity = &override

	store := newMemoryWindowStore()
	store.windows[queue.SourceInternal] = []Window{internal}
	store.windows[queue.SourceExternal] = []Window{
		window(queue.SourceExternal, day(9, 0), day(10, 0), 1),
	}

	r := NewReconciler(store, &memoryConflicts{}, discardLog{})
	result, err := r.Reconcile(context.Background(), "provider-1", day(9, 0), day(10, 0))

	require.NoError(t, err)
	require.Len(t, result.Exposed, 1)
	assert.Equal(t, 2, result.Exposed[0].Capacity, "admin override replaces the min rule")
	assert.True(t, result.Exposed[0].Overridden)
}

func TestReconcile_SplitsAtBoundaries(t *testing.T) {
	t.Parallel()

	store := newMemoryWindowStore()
	store.windows[queue.SourceInternal] = []Window{
		window(queue.SourceInternal, day(9, 0), day(13, 0), 3),
	}
	store.windows[queue.SourceExternal] = []Window{
		window(queue.SourceExternal, day(9, 0), day(11, 0), 1),
		window(queue.SourceExternal, day(11, 0), day(13, 0), 2),
	}

	r := NewReconciler(store, &memoryConflicts{}, discardLog{})
	result, err := r.Reconcile(context.Background(), "provider-1", day(9, 0), day(13, 0))

	require.NoError(t, err)
	require.Len(t, result.Exposed, 2)
	assert.Equal(t, 1, result.Exposed[0].Capacity)
	assert.Equal(t, day(11, 0), result.Exposed[0].EndsAt)
	assert.Equal(t, 2, result.Exposed[1].Capacity)
}

func TestReconcile_BufferPadding(t *testing.T) {
	t.Parallel()

	store := newMemoryWindowStore()
	store.windows[queue.SourceInternal] = []Window{
		window(queue.SourceInternal, day(9, 0), day(10, 0), 1),
	}
	store.windows[queue.SourceExternal] = []Window{
		window(queue.SourceExternal, day(9, 0), day(10, 0), 1),
	}

	r := NewReconciler(store, &memoryConflicts{}, discardLog{}, WithBuffer(15*time.Minute))
	result, err := r.Reconcile(context.Background(), "provider-1", day(9, 0), day(10, 0))

	require.NoError(t, err)
	require.Len(t, result.Exposed, 1)
	assert.Equal(t, day(9, 15), result.Exposed[0].StartsAt)
	assert.Equal(t, day(9, 45), result.Exposed[0].EndsAt)
}

func TestReconcile_BufferSwallowsNarrowWindow(t *testing.T) {
	t.Parallel()

	store := newMemoryWindowStore()
	store.windows[queue.SourceInternal] = []Window{
		window(queue.SourceInternal, day(9, 0), day(9, 20), 1),
	}
	store.windows[queue.SourceExternal] = []Window{
		window(queue.SourceExternal, day(9, 0), day(9, 20), 1),
	}

	r := NewReconciler(store, &memoryConflicts{}, discardLog{}, WithBuffer(15*time.Minute))
	result, err := r.Reconcile(context.Background(), "provider-1", day(9, 0), day(10, 0))

	require.NoError(t, err)
	assert.Empty(t, result.Exposed)
}

func TestReconcile_DiffFlagsRemoteExcess(t *testing.T) {
	t.Parallel()

	store := newMemoryWindowStore()
	store.windows[queue.SourceInternal] = []Window{
		window(queue.SourceInternal, day(9, 0), day(10, 0), 1),
	}
	// The remote advertises more than the hub can honor.
	store.windows[queue.SourceExternal] = []Window{
		window(queue.SourceExternal, day(9, 0), day(10, 0), 3),
	}

	r := NewReconciler(store, &memoryConflicts{}, discardLog{})
	result, err := r.Reconcile(context.Background(), "provider-1", day(9, 0), day(10, 0))

	require.NoError(t, err)
	require.Len(t, result.Diff, 1)
	assert.Equal(t, 3, result.Diff[0].Remote)
	assert.Equal(t, 1, result.Diff[0].Exposed)
}

func TestReconcile_AgreementYieldsEmptyDiff(t *testing.T) {
	t.Parallel()

	store := newMemoryWindowStore()
	store.windows[queue.SourceInternal] = []Window{
		window(queue.SourceInternal, day(9, 0), day(10, 0), 1),
	}
	store.windows[queue.SourceExternal] = []Window{
		window(queue.SourceExternal, day(9, 0), day(10, 0), 1),
	}

	r := NewReconciler(store, &memoryConflicts{}, discardLog{})
	result, err := r.Reconcile(context.Background(), "provider-1", day(9, 0), day(10, 0))

	require.NoError(t, err)
	assert.Empty(t, result.Diff)
}

func TestRecordCapacityMismatches_RemoteCutBelowConfirmed(t *testing.T) {
	t.Parallel()

	// The remote calendar dropped to zero over a window that still holds a
	// confirmed booking. The booking survives and a blocking record is
	// filed for an operator.
	store := newMemoryWindowStore()
	conflicts := &memoryConflicts{}
	r := NewReconciler(store, conflicts, discardLog{})

	entityID := uuid.New()
	confirmed := []conflict.Booked{{
		EntityID: entityID,
		Snapshot: &booking.Snapshot{
			StartsAt: day(9, 0), EndsAt: day(10, 0), Status: booking.StatusConfirmed,
		},
	}}

	records, err := r.RecordCapacityMismatches(context.Background(), "provider-1", confirmed)

	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, conflict.TypeCapacityMismatch, records[0].Type)
	assert.Equal(t, entityID, records[0].EntityID)
	assert.True(t, records[0].Blocking)
	assert.Len(t, conflicts.created, 1)
}

func TestRecordCapacityMismatches_CoveredDemandIsClean(t *testing.T) {
	t.Parallel()

	store := newMemoryWindowStore()
	store.windows[queue.SourceExternal] = []Window{
		window(queue.SourceExternal, day(9, 0), day(12, 0), 2),
	}
	conflicts := &memoryConflicts{}
	r := NewReconciler(store, conflicts, discardLog{})

	// Two overlapping confirmed bookings fit inside remote capacity 2; a
	// cancelled one holds nothing.
	confirmed := []conflict.Booked{
		{EntityID: uuid.New(), Snapshot: &booking.Snapshot{
			StartsAt: day(9, 0), EndsAt: day(10, 0), Status: booking.StatusConfirmed,
		}},
		{EntityID: uuid.New(), Snapshot: &booking.Snapshot{
			StartsAt: day(9, 30), EndsAt: day(10, 30), Status: booking.StatusConfirmed,
		}},
		{EntityID: uuid.New(), Snapshot: &booking.Snapshot{
			StartsAt: day(9, 0), EndsAt: day(11, 0), Status: booking.StatusCancelled,
		}},
	}

	records, err := r.RecordCapacityMismatches(context.Background(), "provider-1", confirmed)

	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Empty(t, conflicts.created)
}

func TestRecordCapacityMismatches_OverlapExceedsRemote(t *testing.T) {
	t.Parallel()

	store := newMemoryWindowStore()
	store.windows[queue.SourceExternal] = []Window{
		window(queue.SourceExternal, day(9, 0), day(12, 0), 1),
	}
	conflicts := &memoryConflicts{}
	r := NewReconciler(store, conflicts, discardLog{})

	// Both bookings are fine alone, but their 09:30-10:00 overlap needs
	// capacity 2 against a remote 1. Each booking in the pinch gets its
	// own record.
	confirmed := []conflict.Booked{
		{EntityID: uuid.New(), Snapshot: &booking.Snapshot{
			StartsAt: day(9, 0), EndsAt: day(10, 0), Status: booking.StatusConfirmed,
		}},
		{EntityID: uuid.New(), Snapshot: &booking.Snapshot{
			StartsAt: day(9, 30), EndsAt: day(10, 30), Status: booking.StatusConfirmed,
		}},
	}

	records, err := r.RecordCapacityMismatches(context.Background(), "provider-1", confirmed)

	require.NoError(t, err)
	require.Len(t, records, 2)
	for _, record := range records {
		assert.Equal(t, conflict.TypeCapacityMismatch, record.Type)
		assert.True(t, record.Blocking)
	}
}

func TestRecordDoubleBookings(t *testing.T) {
	t.Parallel()

	conflicts := &memoryConflicts{}
	r := NewReconciler(newMemoryWindowStore(), conflicts, discardLog{})

	internal := []conflict.Booked{{
		EntityID: uuid.New(),
		Snapshot: &booking.Snapshot{
			StartsAt: day(10, 0), EndsAt: day(11, 0), Status: booking.StatusConfirmed,
		},
	}}
	external := []conflict.Booked{{
		EntityID: uuid.New(),
		Snapshot: &booking.Snapshot{
			StartsAt: day(10, 30), EndsAt: day(11, 30), Status: booking.StatusConfirmed,
		},
	}}

	records, err := r.RecordDoubleBookings(context.Background(), "provider-1", internal, external)

	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, conflict.TypeDoubleBooking, records[0].Type)
	assert.True(t, records[0].Blocking)
	assert.Len(t, conflicts.created, 1)
}
