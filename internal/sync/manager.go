package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mariia-hub/booksy-sync/internal/audit"
	"github.com/mariia-hub/booksy-sync/internal/availability"
	"github.com/mariia-hub/booksy-sync/internal/booking"
	"github.com/mariia-hub/booksy-sync/internal/booksy"
	"github.com/mariia-hub/booksy-sync/internal/conflict"
	"github.com/mariia-hub/booksy-sync/internal/consent"
	"github.com/mariia-hub/booksy-sync/internal/queue"
	"github.com/mariia-hub/booksy-sync/internal/sync/state"
	"github.com/mariia-hub/booksy-sync/internal/telemetry"
)

const (
	// defaultHorizon is how far ahead availability is reconciled and
	// pushed.
	defaultHorizon = 14 * 24 * time.Hour

	// pullOverlap re-reads behind the last completed cycle so updates
	// committed during the previous pull are never missed. Idempotency
	// keys make the re-read harmless.
	pullOverlap = time.Minute
)

// Enqueuer hands operations to the durable queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, req *queue.Request) (*queue.Operation, error)
}

// Resolver applies a resolution strategy to a conflict record.
type Resolver interface {
	Resolve(ctx context.Context, record *conflict.Record, strategy conflict.Strategy, resolvedBy string) (*conflict.Record, error)
}

// AvailabilityReconciler merges both sides' windows and flags divergence.
type AvailabilityReconciler interface {
	Reconcile(ctx context.Context, providerID string, from, till time.Time) (*availability.Result, error)
	RecordDoubleBookings(ctx context.Context, providerID string, internal, external []conflict.Booked) ([]*conflict.Record, error)
	RecordCapacityMismatches(ctx context.Context, providerID string, confirmed []conflict.Booked) ([]*conflict.Record, error)
}

// ConsentGate answers the enqueue-time consent question. The dispatcher
// re-checks with a fresh read before anything actually leaves; the cycle
// uses the cached path so a burst of changes does not hammer the store.
type ConsentGate interface {
	Check(ctx context.Context, subjectID, scope string) (consent.State, error)
}

// Manager runs the per-provider sync cycle: pull both ledgers, classify
// divergence, route conflicts, enqueue pushes, and record the outcome.
type Manager struct {
	providers  map[string]string // provider ID -> Booksy business ID
	hub        booking.Service
	remote     booksy.API
	entities   state.Service
	gate       ConsentGate
	ops        Enqueuer
	conflicts  ConflictRecorder
	resolver   Resolver
	reconciler AvailabilityReconciler
	windows    availability.Store
	cycles     CycleStore
	log        audit.Log
	metrics    *telemetry.SyncMetrics
	logger     *slog.Logger
	horizon    time.Duration
	nowFunc    func() time.Time
}

// ManagerOption configures the manager.
type ManagerOption func(*Manager)

// WithHorizon sets how far ahead availability is reconciled.
func WithHorizon(horizon time.Duration) ManagerOption {
	return func(m *Manager) {
		if horizon > 0 {
			m.horizon = horizon
		}
	}
}

// WithManagerMetrics attaches sync metrics.
func WithManagerMetrics(metrics *telemetry.SyncMetrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithManagerLogger sets the manager logger.
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager wires the cycle orchestrator.
func NewManager(
	providers map[string]string,
	hub booking.Service,
	remote booksy.API,
	entities state.Service,
	gate ConsentGate,
	ops Enqueuer,
	conflicts ConflictRecorder,
	resolver Resolver,
	reconciler AvailabilityReconciler,
	windows availability.Store,
	cycles CycleStore,
	log audit.Log,
	opts ...ManagerOption,
) *Manager {
	m := &Manager{
		providers:  providers,
		hub:        hub,
		remote:     remote,
		entities:   entities,
		gate:       gate,
		ops:        ops,
		conflicts:  conflicts,
		resolver:   resolver,
		reconciler: reconciler,
		windows:    windows,
		cycles:     cycles,
		log:        log,
		logger:     slog.Default(),
		horizon:    defaultHorizon,
		nowFunc:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// classified pairs one diverged entity with its snapshots and the
// detector's verdict.
type classified struct {
	entity   *state.Entity
	internal *booking.Snapshot
	external *booking.Snapshot
	decision conflict.Decision
}

// cycleData carries everything one cycle accumulates between phases.
type cycleData struct {
	providerID string
	businessID string
	since      time.Time
	started    time.Time

	remoteSnaps map[uuid.UUID]*booking.Snapshot
	hubSnaps    map[uuid.UUID]*booking.Snapshot
	classified  []classified
	av          *availability.Result

	result CycleResult
}

// RunCycle executes one full sync cycle for the provider.
func (m *Manager) RunCycle(ctx context.Context, providerID string) (*CycleResult, error) {
	businessID, ok := m.providers[providerID]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", providerID)
	}

	data := &cycleData{
		providerID:  providerID,
		businessID:  businessID,
		started:     m.nowFunc(),
		remoteSnaps: make(map[uuid.UUID]*booking.Snapshot),
		hubSnaps:    make(map[uuid.UUID]*booking.Snapshot),
	}
	data.result.ProviderID = providerID

	if status, err := m.cycles.Status(ctx, providerID); err == nil && status.LastCompletedAt != nil {
		data.since = status.LastCompletedAt.Add(-pullOverlap)
	}
	if err := m.cycles.Begin(ctx, providerID); err != nil {
		return nil, err
	}

	phases := []struct {
		phase Phase
		run   func(context.Context, *cycleData) error
	}{
		{PhasePulling, m.pull},
		{PhaseDetecting, m.detect},
		{PhaseResolving, m.resolve},
		{PhasePushing, m.push},
	}
	for _, p := range phases {
		if err := m.cycles.SetPhase(ctx, providerID, p.phase); err != nil {
			return nil, m.fail(ctx, data, err)
		}
		if err := p.run(ctx, data); err != nil {
			return nil, m.fail(ctx, data, fmt.Errorf("%s: %w", p.phase, err))
		}
	}
	if err := m.record(ctx, data); err != nil {
		return nil, m.fail(ctx, data, err)
	}
	return &data.result, nil
}

func (m *Manager) fail(ctx context.Context, data *cycleData, cause error) error {
	if err := m.cycles.Fail(ctx, data.providerID, cause); err != nil {
		m.logger.Error("failed to record cycle failure",
			"provider_id", data.providerID, "error", err)
	}
	m.metrics.RecordCycleDuration(ctx, data.providerID, m.nowFunc().Sub(data.started), false)
	m.logger.Error("sync cycle failed",
		"provider_id", data.providerID, "error", cause)
	return cause
}

// pull reads changed state from both ledgers and the remote availability
// calendar, bumping version vectors as changes are observed.
func (m *Manager) pull(ctx context.Context, data *cycleData) error {
	appts, err := m.remote.ListAppointments(ctx, data.businessID, booksy.ListFilter{UpdatedSince: data.since})
	if err != nil {
		return fmt.Errorf("failed to list remote appointments: %w", err)
	}
	for i := range appts {
		appt := &appts[i]
		entity, err := m.entities.EnsureExternal(ctx, data.providerID, appt.ID,
			booksy.EntityBooking, uuid.NewString(), "")
		if err != nil {
			return fmt.Errorf("failed to track remote appointment %s: %w", appt.ID, err)
		}
		if err := m.entities.RecordExternalChange(ctx, entity.ID, entity.ExternalVersion+1); err != nil {
			return err
		}
		data.remoteSnaps[entity.ID] = appt.ToSnapshot(data.providerID)
	}

	events, err := m.hub.ChangedSince(ctx, data.providerID, data.since)
	if err != nil {
		return fmt.Errorf("failed to list hub changes: %w", err)
	}
	for _, ev := range events {
		entity, err := m.entities.Ensure(ctx, data.providerID, ev.InternalID,
			booksy.EntityBooking, ev.SubjectID)
		if err != nil {
			return fmt.Errorf("failed to track hub booking %s: %w", ev.InternalID, err)
		}
		if ev.Snapshot == nil {
			continue
		}
		if err := m.entities.RecordInternalChange(ctx, entity.ID, ev.Snapshot.Version); err != nil {
			return err
		}
		data.hubSnaps[entity.ID] = ev.Snapshot
	}
	data.result.Pulled = len(appts) + len(events)

	from, till := data.started, data.started.Add(m.horizon)
	slots, err := m.remote.GetAvailability(ctx, data.businessID, from, till)
	if err != nil {
		return fmt.Errorf("failed to pull remote availability: %w", err)
	}
	if err := m.windows.Replace(ctx, data.providerID, queue.SourceExternal, from, till,
		slotsToWindows(data.providerID, slots, data.started)); err != nil {
		return fmt.Errorf("failed to store remote availability: %w", err)
	}
	return nil
}

// detect classifies every diverged entity, reconciles the availability
// calendars and files double-booking conflicts.
func (m *Manager) detect(ctx context.Context, data *cycleData) error {
	active, err := m.entities.ListActive(ctx, data.providerID)
	if err != nil {
		return fmt.Errorf("failed to list tracked entities: %w", err)
	}

	for _, entity := range active {
		if entity.Type != booksy.EntityBooking {
			continue
		}
		versions := entity.Versions()
		internalChanged := versions.Internal > versions.LastCommon
		externalChanged := versions.External > versions.LastCommon
		if !internalChanged && !externalChanged {
			continue
		}

		internalSnap, err := m.hubSnapshot(ctx, data, entity)
		if err != nil {
			m.logger.Warn("skipping entity: hub snapshot unavailable",
				"entity_id", entity.ID, "error", err)
			continue
		}
		externalSnap, err := m.remoteSnapshot(ctx, data, entity, externalChanged)
		if err != nil {
			m.logger.Warn("skipping entity: remote snapshot unavailable",
				"entity_id", entity.ID, "error", err)
			continue
		}

		decision := conflict.Classify(entity.ID, data.providerID, versions, internalSnap, externalSnap)
		if decision.Action == conflict.ActionNone {
			continue
		}
		data.classified = append(data.classified, classified{
			entity:   entity,
			internal: internalSnap,
			external: externalSnap,
			decision: decision,
		})
		data.result.Detected++
	}

	if _, err := m.reconciler.RecordDoubleBookings(ctx, data.providerID,
		bookedFrom(data.hubSnaps), bookedFrom(data.remoteSnaps)); err != nil {
		return fmt.Errorf("failed to record double bookings: %w", err)
	}
	if _, err := m.reconciler.RecordCapacityMismatches(ctx, data.providerID,
		bookedFrom(data.hubSnaps)); err != nil {
		return fmt.Errorf("failed to record capacity mismatches: %w", err)
	}

	av, err := m.reconciler.Reconcile(ctx, data.providerID, data.started, data.started.Add(m.horizon))
	if err != nil {
		return fmt.Errorf("failed to reconcile availability: %w", err)
	}
	data.av = av
	return nil
}

// resolve files detected conflicts: soft concurrent edits are merged on the
// spot, everything blocking stays open for an operator.
func (m *Manager) resolve(ctx context.Context, data *cycleData) error {
	for i := range data.classified {
		c := &data.classified[i]
		switch c.decision.Action {
		case conflict.ActionMerge:
			stored, err := m.conflicts.Create(ctx, c.decision.Conflict)
			if err != nil {
				return fmt.Errorf("failed to file conflict: %w", err)
			}
			data.result.Conflicts++
			if !stored.Open() {
				continue
			}
			if _, err := m.resolver.Resolve(ctx, stored, conflict.StrategyMergeFields, audit.ActorDetector); err != nil {
				m.logger.Error("auto-merge failed, conflict left open",
					"conflict_id", stored.ID, "error", err)
				continue
			}
			data.result.Resolved++

		case conflict.ActionEscalate:
			if _, err := m.conflicts.Create(ctx, c.decision.Conflict); err != nil {
				return fmt.Errorf("failed to file conflict: %w", err)
			}
			data.result.Conflicts++
		}
	}
	return nil
}

// push enqueues one-directional operations for every uncontested divergence
// and corrects the remote availability calendar when it drifted.
func (m *Manager) push(ctx context.Context, data *cycleData) error {
	for i := range data.classified {
		c := &data.classified[i]
		switch c.decision.Action {
		case conflict.ActionPush:
			if err := m.enqueueDirectional(ctx, c, queue.SourceInternal); err != nil {
				return err
			}
			data.result.Pushed++
		case conflict.ActionPull:
			if err := m.enqueueDirectional(ctx, c, queue.SourceExternal); err != nil {
				return err
			}
			data.result.Pushed++
		}
	}

	if data.av != nil && len(data.av.Diff) > 0 {
		slots := exposedToSlots(data.av.Exposed)
		if err := m.remote.SetAvailability(ctx, data.businessID, slots); err != nil {
			return fmt.Errorf("failed to push availability: %w", err)
		}
		if err := m.windows.Replace(ctx, data.providerID, queue.SourceExternal,
			data.av.From, data.av.Till, slotsToWindows(data.providerID, slots, m.nowFunc())); err != nil {
			return fmt.Errorf("failed to record pushed availability: %w", err)
		}
		data.result.Pushed++
		m.logger.Info("pushed corrected availability",
			"provider_id", data.providerID,
			"segments", len(data.av.Diff))
	}
	return nil
}

func (m *Manager) enqueueDirectional(ctx context.Context, c *classified, source queue.SourceSystem) error {
	snap := c.internal
	if source == queue.SourceExternal {
		snap = c.external
	}
	if snap == nil {
		return nil
	}

	opType := queue.OpUpdate
	switch {
	case snap.Status == booking.StatusCancelled:
		opType = queue.OpCancel
	case source == queue.SourceInternal && c.entity.ExternalID == "":
		opType = queue.OpCreate
	}

	if source == queue.SourceInternal && opType != queue.OpCancel {
		opType2, proceed, err := m.consentToEnqueue(ctx, c.entity, opType)
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}
		opType = opType2
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if _, err := m.ops.Enqueue(ctx, &queue.Request{
		EntityID: c.entity.ID,
		Type:     opType,
		Source:   source,
		Payload:  payload,
	}); err != nil {
		return fmt.Errorf("failed to enqueue operation: %w", err)
	}
	return nil
}

// consentToEnqueue gates an outbound create/update before it reaches the
// queue. Revocation turns the push into a remote deletion; an unknown or
// missing subject keeps the operation off the queue entirely.
func (m *Manager) consentToEnqueue(ctx context.Context, entity *state.Entity, opType queue.OperationType) (queue.OperationType, bool, error) {
	if entity.SubjectID == "" {
		m.logger.Warn("outbound operation not enqueued: no consent subject recorded",
			"entity_id", entity.ID)
		return opType, false, nil
	}

	consentState, err := m.gate.Check(ctx, entity.SubjectID, consent.ScopeExternalSync)
	if err != nil {
		return opType, false, fmt.Errorf("consent check failed: %w", err)
	}

	switch consentState {
	case consent.StateGranted:
		return opType, true, nil

	case consent.StateRevoked, consent.StateExpired:
		if entity.ExternalID == "" {
			// Nothing ever reached the remote; there is nothing to remove.
			return opType, false, nil
		}
		entityID := entity.ID
		if err := m.log.Record(ctx, &audit.Entry{
			Actor:    audit.ActorConsentGate,
			EntityID: &entityID,
			Action:   "operation_converted_to_deletion",
			Outcome:  fmt.Sprintf("consent %s for subject", consentState),
		}); err != nil {
			m.logger.Error("failed to audit consent conversion",
				"entity_id", entity.ID, "error", err)
		}
		return queue.OpCancel, true, nil

	default:
		m.logger.Warn("outbound operation not enqueued: consent unknown",
			"entity_id", entity.ID)
		return opType, false, nil
	}
}

// record closes the cycle: status row, audit trail, metrics.
func (m *Manager) record(ctx context.Context, data *cycleData) error {
	if err := m.cycles.SetPhase(ctx, data.providerID, PhaseRecording); err != nil {
		return err
	}
	data.result.Duration = m.nowFunc().Sub(data.started)

	if err := m.log.Record(ctx, &audit.Entry{
		Actor:  audit.ActorOrchestrator,
		Action: "sync_cycle_completed",
		Outcome: fmt.Sprintf("provider=%s pulled=%d detected=%d conflicts=%d resolved=%d pushed=%d",
			data.providerID, data.result.Pulled, data.result.Detected,
			data.result.Conflicts, data.result.Resolved, data.result.Pushed),
	}); err != nil {
		m.logger.Error("failed to audit cycle completion",
			"provider_id", data.providerID, "error", err)
	}

	if err := m.cycles.Complete(ctx, &data.result); err != nil {
		return err
	}
	m.metrics.RecordCycleDuration(ctx, data.providerID, data.result.Duration, true)
	m.logger.Info("sync cycle completed",
		"provider_id", data.providerID,
		"pulled", data.result.Pulled,
		"detected", data.result.Detected,
		"conflicts", data.result.Conflicts,
		"resolved", data.result.Resolved,
		"pushed", data.result.Pushed,
		"duration", data.result.Duration)
	return nil
}

func (m *Manager) hubSnapshot(ctx context.Context, data *cycleData, entity *state.Entity) (*booking.Snapshot, error) {
	if snap, ok := data.hubSnaps[entity.ID]; ok {
		return snap, nil
	}
	if entity.InternalVersion == 0 {
		// Never materialized on the hub ledger yet.
		return nil, nil
	}
	snap, err := m.hub.Snapshot(ctx, data.providerID, entity.InternalID)
	if err != nil {
		return nil, err
	}
	data.hubSnaps[entity.ID] = snap
	return snap, nil
}

func (m *Manager) remoteSnapshot(ctx context.Context, data *cycleData, entity *state.Entity, externalChanged bool) (*booking.Snapshot, error) {
	if snap, ok := data.remoteSnaps[entity.ID]; ok {
		return snap, nil
	}
	if !externalChanged || entity.ExternalID == "" {
		return nil, nil
	}
	appt, err := m.remote.GetAppointment(ctx, data.businessID, entity.ExternalID)
	if err != nil {
		if be, ok := booksy.AsError(err); ok && be.Kind == booksy.KindNotFound {
			// Deleted remotely; the classifier escalates this.
			return nil, nil
		}
		return nil, err
	}
	snap := appt.ToSnapshot(data.providerID)
	data.remoteSnaps[entity.ID] = snap
	return snap, nil
}

func bookedFrom(snaps map[uuid.UUID]*booking.Snapshot) []conflict.Booked {
	booked := make([]conflict.Booked, 0, len(snaps))
	for id, snap := range snaps {
		booked = append(booked, conflict.Booked{EntityID: id, Snapshot: snap})
	}
	return booked
}

func slotsToWindows(providerID string, slots []booksy.AvailabilitySlot, writtenAt time.Time) []availability.Window {
	windows := make([]availability.Window, 0, len(slots))
	for _, slot := range slots {
		windows = append(windows, availability.Window{
			ProviderID:    providerID,
			Source:        queue.SourceExternal,
			StartsAt:      slot.StartsAt,
			EndsAt:        slot.EndsAt,
			Capacity:      slot.Capacity,
			LastWrittenAt: writtenAt,
		})
	}
	return windows
}

func exposedToSlots(exposed []availability.Exposed) []booksy.AvailabilitySlot {
	slots := make([]booksy.AvailabilitySlot, 0, len(exposed))
	for _, e := range exposed {
		slots = append(slots, booksy.AvailabilitySlot{
			StartsAt: e.StartsAt,
			EndsAt:   e.EndsAt,
			Capacity: e.Capacity,
		})
	}
	return slots
}
