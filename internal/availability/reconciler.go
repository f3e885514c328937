package availability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/mariia-hub/booksy-sync/internal/audit"
	"github.com/mariia-hub/booksy-sync/internal/conflict"
	"github.com/mariia-hub/booksy-sync/internal/queue"
)

// ConflictRecorder is the slice of the conflict store the reconciler needs
// when overlap degenerates into a double booking.
type ConflictRecorder interface {
	Create(ctx context.Context, record *conflict.Record) (*conflict.Record, error)
}

// Reconciler merges internal and external availability under the
// min-capacity rule and reports the diff the remote still has to absorb.
type Reconciler struct {
	store     Store
	conflicts ConflictRecorder
	log       audit.Log
	logger    *slog.Logger
	buffer    time.Duration
}

// ReconcilerOption configures the reconciler.
type ReconcilerOption func(*Reconciler)

// WithBuffer pads every exposed window inward by the given duration.
func WithBuffer(buffer time.Duration) ReconcilerOption {
	return func(r *Reconciler) {
		if buffer >= 0 {
			r.buffer = buffer
		}
	}
}

// WithReconcilerLogger sets the reconciler logger.
func WithReconcilerLogger(logger *slog.Logger) ReconcilerOption {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

// NewReconciler creates a reconciler over the window store.
func NewReconciler(store Store, conflicts ConflictRecorder, log audit.Log, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:     store,
		conflicts: conflicts,
		log:       log,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Reconcile merges both sides' windows in the range into the exposed
// schedule. Segments not covered by one side expose zero capacity; nothing
// is offered that either ledger cannot honor.
func (r *Reconciler) Reconcile(ctx context.Context, providerID string, from, till time.Time) (*Result, error) {
	if !till.After(from) {
		return nil, fmt.Errorf("reconcile range end must be after start")
	}

	internal, err := r.store.InRange(ctx, providerID, queue.SourceInternal, from, till)
	if err != nil {
		return nil, fmt.Errorf("failed to load internal windows: %w", err)
	}
	external, err := r.store.InRange(ctx, providerID, queue.SourceExternal, from, till)
	if err != nil {
		return nil, fmt.Errorf("failed to load external windows: %w", err)
	}

	exposed := merge(internal, external, from, till)
	exposed = pad(exposed, r.buffer)
	diff := diffAgainstRemote(exposed, external, from, till)

	result := &Result{
		ProviderID: providerID,
		From:       from,
		Till:       till,
		Exposed:    exposed,
		Diff:       diff,
	}

	if err := r.log.Record(ctx, &audit.Entry{
		Actor:   audit.ActorReconciler,
		Action:  "availability_reconciled",
		Outcome: fmt.Sprintf("provider=%s windows=%d diff_segments=%d", providerID, len(exposed), len(diff)),
	}); err != nil {
		r.logger.Error("failed to audit reconciliation", "provider_id", providerID, "error", err)
	}

	r.logger.Debug("availability reconciled",
		"provider_id", providerID,
		"from", from,
		"till", till,
		"exposed_windows", len(exposed),
		"diff_segments", len(diff))
	return result, nil
}

// RecordDoubleBookings files blocking conflict records for slots confirmed
// on both systems before reconciliation observed them. Neither booking is
// dropped; an operator picks the survivor.
func (r *Reconciler) RecordDoubleBookings(ctx context.Context, providerID string, internal, external []conflict.Booked) ([]*conflict.Record, error) {
	detected := conflict.DetectDoubleBookings(providerID, internal, external)

	var created []*conflict.Record
	for _, record := range detected {
		stored, err := r.conflicts.Create(ctx, record)
		if err != nil {
			return created, fmt.Errorf("failed to record double booking: %w", err)
		}
		created = append(created, stored)

		entityID := record.EntityID
		if err := r.log.Record(ctx, &audit.Entry{
			Actor:    audit.ActorReconciler,
			EntityID: &entityID,
			Action:   "double_booking_detected",
			Before:   record.InternalSnapshot,
			After:    record.ExternalSnapshot,
			Outcome:  "blocking",
		}); err != nil {
			r.logger.Error("failed to audit double booking", "entity_id", entityID, "error", err)
		}
	}
	return created, nil
}

// capacityDeficit describes the segment where the remote calendar stopped
// honoring a confirmed booking. Stored as the external snapshot of the
// conflict record so the operator sees what the remote advertised.
type capacityDeficit struct {
	StartsAt       time.Time `json:"starts_at"`
	EndsAt         time.Time `json:"ends_at"`
	Demand         int       `json:"demand"`
	RemoteCapacity int       `json:"remote_capacity"`
}

// RecordCapacityMismatches files blocking conflict records for confirmed
// bookings the remote calendar can no longer seat: a remote capacity cut
// only shrinks future exposure, it never invalidates what is already
// booked, so a cut below held demand needs an operator.
func (r *Reconciler) RecordCapacityMismatches(ctx context.Context, providerID string, confirmed []conflict.Booked) ([]*conflict.Record, error) {
	var held []conflict.Booked
	var from, till time.Time
	for _, b := range confirmed {
		if b.Snapshot == nil || !b.Snapshot.HoldsCapacity() {
			continue
		}
		held = append(held, b)
		if from.IsZero() || b.Snapshot.StartsAt.Before(from) {
			from = b.Snapshot.StartsAt
		}
		if till.IsZero() || b.Snapshot.EndsAt.After(till) {
			till = b.Snapshot.EndsAt
		}
	}
	if len(held) == 0 {
		return nil, nil
	}

	external, err := r.store.InRange(ctx, providerID, queue.SourceExternal, from, till)
	if err != nil {
		return nil, fmt.Errorf("failed to load external windows: %w", err)
	}

	var created []*conflict.Record
	for _, b := range held {
		deficit := capacityShortfall(b, held, external)
		if deficit == nil {
			continue
		}

		internalSnap, err := json.Marshal(b.Snapshot)
		if err != nil {
			return created, fmt.Errorf("failed to marshal booking snapshot: %w", err)
		}
		externalSnap, err := json.Marshal(deficit)
		if err != nil {
			return created, fmt.Errorf("failed to marshal capacity deficit: %w", err)
		}

		stored, err := r.conflicts.Create(ctx, &conflict.Record{
			EntityID:         b.EntityID,
			ProviderID:       providerID,
			Type:             conflict.TypeCapacityMismatch,
			InternalSnapshot: internalSnap,
			ExternalSnapshot: externalSnap,
			Blocking:         true,
		})
		if err != nil {
			return created, fmt.Errorf("failed to record capacity mismatch: %w", err)
		}
		created = append(created, stored)

		entityID := b.EntityID
		if err := r.log.Record(ctx, &audit.Entry{
			Actor:    audit.ActorReconciler,
			EntityID: &entityID,
			Action:   "capacity_mismatch_detected",
			Before:   internalSnap,
			After:    externalSnap,
			Outcome:  "blocking",
		}); err != nil {
			r.logger.Error("failed to audit capacity mismatch", "entity_id", entityID, "error", err)
		}
	}
	return created, nil
}

// capacityShortfall walks the elementary segments of one booking's interval
// and returns the first segment where held demand exceeds what the remote
// advertises. Held bookings count as unit-capacity windows, so overlapping
// confirmations stack into demand.
func capacityShortfall(b conflict.Booked, held []conflict.Booked, external []Window) *capacityDeficit {
	demandWindows := make([]Window, 0, len(held))
	for _, h := range held {
		demandWindows = append(demandWindows, Window{
			StartsAt: h.Snapshot.StartsAt,
			EndsAt:   h.Snapshot.EndsAt,
			Capacity: 1,
		})
	}

	bounds := boundaries(demandWindows, external, b.Snapshot.StartsAt, b.Snapshot.EndsAt)
	for i := 0; i+1 < len(bounds); i++ {
		start, end := bounds[i], bounds[i+1]
		mid := start.Add(end.Sub(start) / 2)

		demand, _ := coverage(demandWindows, mid)
		remote, _ := coverage(external, mid)
		if remote < demand {
			return &capacityDeficit{StartsAt: start, EndsAt: end, Demand: demand, RemoteCapacity: remote}
		}
	}
	return nil
}

// segment is an elementary interval with uniform capacity on both sides.
type segment struct {
	start, end time.Time
	capacity   int
	overridden bool
}

// merge splits the range at every window boundary and applies the
// min-capacity rule per elementary segment, then coalesces equal
// neighbors.
func merge(internal, external []Window, from, till time.Time) []Exposed {
	bounds := boundaries(internal, external, from, till)
	if len(bounds) < 2 {
		return nil
	}

	var segments []segment
	for i := 0; i+1 < len(bounds); i++ {
		start, end := bounds[i], bounds[i+1]
		mid := start.Add(end.Sub(start) / 2)

		internalCap, override := coverage(internal, mid)
		externalCap, _ := coverage(external, mid)

		capacity := internalCap
		if externalCap < capacity {
			capacity = externalCap
		}
		overridden := false
		if override != nil {
			capacity = *override
			overridden = true
		}
		segments = append(segments, segment{start: start, end: end, capacity: capacity, overridden: overridden})
	}

	return coalesce(segments)
}

// boundaries returns the sorted, deduplicated set of window edges clamped
// to [from, till].
func boundaries(internal, external []Window, from, till time.Time) []time.Time {
	seen := map[time.Time]struct{}{from: {}, till: {}}
	add := func(t time.Time) {
		if t.After(from) && t.Before(till) {
			seen[t] = struct{}{}
		}
	}
	for _, w := range internal {
		add(w.StartsAt)
		add(w.EndsAt)
	}
	for _, w := range external {
		add(w.StartsAt)
		add(w.EndsAt)
	}

	bounds := make([]time.Time, 0, len(seen))
	for t := range seen {
		bounds = append(bounds, t)
	}
	sort.Slice(bounds, func(i, j int) bool { return bounds[i].Before(bounds[j]) })
	return bounds
}

// coverage sums the capacity of windows covering the instant and returns
// the admin override when one covers it.
func coverage(windows []Window, at time.Time) (int, *int) {
	total := 0
	var override *int
	for _, w := range windows {
		if at.Before(w.StartsAt) || !at.Before(w.EndsAt) {
			continue
		}
		total += w.Capacity
		if w.OverrideCapacity != nil {
			override = w.OverrideCapacity
		}
	}
	return total, override
}

func coalesce(segments []segment) []Exposed {
	var out []Exposed
	for _, seg := range segments {
		if seg.capacity <= 0 {
			continue
		}
		if n := len(out); n > 0 &&
			out[n-1].EndsAt.Equal(seg.start) &&
			out[n-1].Capacity == seg.capacity &&
			out[n-1].Overridden == seg.overridden {
			out[n-1].EndsAt = seg.end
			continue
		}
		out = append(out, Exposed{
			StartsAt:   seg.start,
			EndsAt:     seg.end,
			Capacity:   seg.capacity,
			Overridden: seg.overridden,
		})
	}
	return out
}

// pad shrinks every exposed window inward by the buffer. Windows that the
// buffer swallows entirely are dropped.
func pad(windows []Exposed, buffer time.Duration) []Exposed {
	if buffer <= 0 {
		return windows
	}
	var out []Exposed
	for _, w := range windows {
		w.StartsAt = w.StartsAt.Add(buffer)
		w.EndsAt = w.EndsAt.Add(-buffer)
		if w.EndsAt.After(w.StartsAt) {
			out = append(out, w)
		}
	}
	return out
}

// diffAgainstRemote lists segments where the remote advertises a different
// capacity than the exposed schedule allows.
func diffAgainstRemote(exposed []Exposed, external []Window, from, till time.Time) []Change {
	exposedWindows := make([]Window, len(exposed))
	for i, e := range exposed {
		exposedWindows[i] = Window{StartsAt: e.StartsAt, EndsAt: e.EndsAt, Capacity: e.Capacity}
	}

	bounds := boundaries(exposedWindows, external, from, till)
	var changes []Change
	for i := 0; i+1 < len(bounds); i++ {
		start, end := bounds[i], bounds[i+1]
		mid := start.Add(end.Sub(start) / 2)

		want, _ := coverage(exposedWindows, mid)
		remote, _ := coverage(external, mid)
		if want == remote {
			continue
		}
		if n := len(changes); n > 0 &&
			changes[n-1].EndsAt.Equal(start) &&
			changes[n-1].Remote == remote &&
			changes[n-1].Exposed == want {
			changes[n-1].EndsAt = end
			continue
		}
		changes = append(changes, Change{StartsAt: start, EndsAt: end, Remote: remote, Exposed: want})
	}
	return changes
}
