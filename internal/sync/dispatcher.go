// Package sync drives the bidirectional booking synchronization: the
// orchestrator pulls remote state, classifies divergence, routes conflicts,
// and pushes changes, while the dispatcher executes individual queue
// operations against their target ledger.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mariia-hub/booksy-sync/internal/audit"
	"github.com/mariia-hub/booksy-sync/internal/booking"
	"github.com/mariia-hub/booksy-sync/internal/booksy"
	"github.com/mariia-hub/booksy-sync/internal/conflict"
	"github.com/mariia-hub/booksy-sync/internal/consent"
	"github.com/mariia-hub/booksy-sync/internal/queue"
	"github.com/mariia-hub/booksy-sync/internal/sync/state"
	"github.com/mariia-hub/booksy-sync/internal/telemetry"
)

// ConsentChecker is the dispatch-time consent re-check. The full queue wait
// may outlive any cached decision, so the dispatcher always refreshes.
type ConsentChecker interface {
	Refresh(ctx context.Context, subjectID, scope string) (consent.State, error)
}

// RemoteObserver receives the outcome of every remote push attempt. The
// health monitor uses it to compute the remote error rate.
type RemoteObserver interface {
	Observe(ok bool)
}

// ConflictRecorder files conflict records spawned by dispatch failures.
type ConflictRecorder interface {
	Create(ctx context.Context, record *conflict.Record) (*conflict.Record, error)
}

// Dispatcher executes one operation against the ledger it targets.
// Internal-sourced operations push to Booksy; external-sourced operations
// apply to the hub.
type Dispatcher struct {
	entities  state.Service
	remote    booksy.API
	idmap     booksy.IDMap
	hub       booking.Service
	gate      ConsentChecker
	conflicts ConflictRecorder
	log       audit.Log
	metrics   *telemetry.SyncMetrics
	observer  RemoteObserver
	logger    *slog.Logger

	// businessIDs maps hub provider IDs onto Booksy business IDs.
	businessIDs map[string]string
}

var _ queue.Dispatcher = (*Dispatcher)(nil)

// DispatcherOption configures the dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherMetrics attaches sync metrics.
func WithDispatcherMetrics(metrics *telemetry.SyncMetrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = metrics
	}
}

// WithRemoteObserver reports remote push outcomes to the observer.
func WithRemoteObserver(observer RemoteObserver) DispatcherOption {
	return func(d *Dispatcher) {
		d.observer = observer
	}
}

// WithDispatcherLogger sets the dispatcher logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// NewDispatcher wires the dispatcher across both ledgers.
func NewDispatcher(
	entities state.Service,
	remote booksy.API,
	idmap booksy.IDMap,
	hub booking.Service,
	gate ConsentChecker,
	conflicts ConflictRecorder,
	log audit.Log,
	businessIDs map[string]string,
	opts ...DispatcherOption,
) *Dispatcher {
	d := &Dispatcher{
		entities:    entities,
		remote:      remote,
		idmap:       idmap,
		hub:         hub,
		gate:        gate,
		conflicts:   conflicts,
		log:         log,
		logger:      slog.Default(),
		businessIDs: businessIDs,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch executes the operation. A nil return acks it; an error wrapping
// queue.ErrTerminal dead-letters it; anything else retries with backoff.
func (d *Dispatcher) Dispatch(ctx context.Context, op *queue.Operation) error {
	if op.Type == queue.OpNoop {
		return nil
	}

	entity, err := d.entities.Get(ctx, op.EntityID)
	if err != nil {
		if errors.Is(err, state.ErrNotFound) {
			return fmt.Errorf("%w: entity %s does not exist", queue.ErrTerminal, op.EntityID)
		}
		return fmt.Errorf("failed to load entity: %w", err)
	}

	snap, err := decodePayload(op)
	if err != nil {
		return fmt.Errorf("%w: %v", queue.ErrTerminal, err)
	}

	if op.Source == queue.SourceInternal {
		op2, converted, err := d.applyConsent(ctx, entity, op)
		if err != nil {
			return err
		}
		if converted {
			snap = nil
		}
		return d.push(ctx, entity, op2, snap)
	}
	return d.apply(ctx, entity, op, snap)
}

// applyConsent re-checks consent immediately before outbound dispatch. A
// revocation converts a pending create/update into a remote deletion; an
// unknown state blocks for manual review.
func (d *Dispatcher) applyConsent(ctx context.Context, entity *state.Entity, op *queue.Operation) (*queue.Operation, bool, error) {
	if entity.Type != booksy.EntityBooking {
		return op, false, nil
	}
	if entity.SubjectID == "" {
		// No subject on record reads as consent unknown, not as exempt.
		// Cancels still go out: they remove data from the remote rather
		// than exporting it.
		if op.Type == queue.OpCancel {
			return op, false, nil
		}
		return nil, false, fmt.Errorf("%w: no consent subject recorded for entity", queue.ErrTerminal)
	}

	consentState, err := d.gate.Refresh(ctx, entity.SubjectID, consent.ScopeExternalSync)
	if err != nil {
		return nil, false, fmt.Errorf("consent check failed: %w", err)
	}

	switch consentState {
	case consent.StateGranted:
		return op, false, nil

	case consent.StateRevoked, consent.StateExpired:
		if op.Type == queue.OpCancel {
			return op, false, nil
		}
		// The subject's data may no longer leave the boundary: the
		// queued create/update becomes a remote deletion.
		converted := *op
		converted.Type = queue.OpCancel
		entityID := entity.ID
		if err := d.log.Record(ctx, &audit.Entry{
			Actor:    audit.ActorConsentGate,
			EntityID: &entityID,
			Action:   "operation_converted_to_deletion",
			Before:   op.Payload,
			Outcome:  fmt.Sprintf("consent %s for subject", consentState),
		}); err != nil {
			d.logger.Error("failed to audit consent conversion",
				"entity_id", entity.ID, "error", err)
		}
		d.logger.Info("consent conversion: outbound operation became deletion",
			"entity_id", entity.ID,
			"operation_type", op.Type,
			"consent_state", consentState)
		return &converted, true, nil

	default:
		// Unknown never fails open and never silently proceeds.
		return nil, false, fmt.Errorf("%w: consent state unknown for subject", queue.ErrTerminal)
	}
}

// push executes an outbound operation against Booksy.
func (d *Dispatcher) push(ctx context.Context, entity *state.Entity, op *queue.Operation, snap *booking.Snapshot) error {
	businessID, ok := d.businessIDs[entity.ProviderID]
	if !ok {
		return fmt.Errorf("%w: provider %s has no Booksy business mapping", queue.ErrTerminal, entity.ProviderID)
	}

	var err error
	switch op.Type {
	case queue.OpCreate:
		err = d.pushCreate(ctx, entity, op, snap, businessID)
	case queue.OpUpdate:
		err = d.pushUpdate(ctx, entity, op, snap, businessID)
	case queue.OpCancel:
		err = d.pushCancel(ctx, entity, businessID)
	default:
		return fmt.Errorf("%w: cannot push operation type %q", queue.ErrTerminal, op.Type)
	}
	if d.observer != nil {
		d.observer.Observe(err == nil)
	}
	if err != nil {
		return d.normalizePushError(ctx, entity, op, snap, err)
	}
	return nil
}

func (d *Dispatcher) pushCreate(ctx context.Context, entity *state.Entity, op *queue.Operation, snap *booking.Snapshot, businessID string) error {
	if snap == nil {
		return fmt.Errorf("%w: create operation without snapshot payload", queue.ErrTerminal)
	}

	// A previous attempt may have timed out after the remote committed.
	// Look the key up before executing again.
	if op.Attempts > 0 {
		if existing, err := d.remote.FindByIdempotencyKey(ctx, businessID, op.IdempotencyKey); err == nil {
			d.logger.Info("recovered timed-out create via idempotency key",
				"entity_id", entity.ID,
				"external_id", existing.ID)
			return d.bindCreated(ctx, entity, existing.ID, snap.Version)
		}
	}

	created, err := d.remote.CreateAppointment(ctx, businessID, booksy.FromSnapshot(snap, businessID, snap.ServiceID), op.IdempotencyKey)
	if err != nil {
		return err
	}
	return d.bindCreated(ctx, entity, created.ID, snap.Version)
}

func (d *Dispatcher) bindCreated(ctx context.Context, entity *state.Entity, externalID string, version int64) error {
	if err := d.idmap.Bind(ctx, entity.ProviderID, entity.Type, entity.InternalID, externalID); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrTerminal, err)
	}
	if err := d.entities.BindExternal(ctx, entity.ID, externalID); err != nil {
		return fmt.Errorf("%w: %v", queue.ErrTerminal, err)
	}
	return d.markSynced(ctx, entity, version)
}

func (d *Dispatcher) pushUpdate(ctx context.Context, entity *state.Entity, op *queue.Operation, snap *booking.Snapshot, businessID string) error {
	if snap == nil {
		return fmt.Errorf("%w: update operation without snapshot payload", queue.ErrTerminal)
	}
	externalID, err := d.externalID(ctx, entity)
	if err != nil {
		return err
	}
	if _, err := d.remote.UpdateAppointment(ctx, businessID, externalID, booksy.FromSnapshot(snap, businessID, snap.ServiceID)); err != nil {
		return err
	}
	return d.markSynced(ctx, entity, snap.Version)
}

func (d *Dispatcher) pushCancel(ctx context.Context, entity *state.Entity, businessID string) error {
	externalID, err := d.externalID(ctx, entity)
	if err != nil {
		// Never created remotely: the cancellation is a no-op, not a
		// failure.
		if errors.Is(err, queue.ErrTerminal) && entity.ExternalID == "" {
			d.logger.Debug("cancel for unmapped entity is a no-op", "entity_id", entity.ID)
			return nil
		}
		return err
	}
	if err := d.remote.CancelAppointment(ctx, businessID, externalID); err != nil {
		return err
	}
	return d.markSynced(ctx, entity, entity.InternalVersion)
}

// apply executes an inbound operation against the hub ledger.
func (d *Dispatcher) apply(ctx context.Context, entity *state.Entity, op *queue.Operation, snap *booking.Snapshot) error {
	if snap == nil {
		return fmt.Errorf("%w: inbound operation without snapshot payload", queue.ErrTerminal)
	}
	if op.Type == queue.OpCancel {
		snap.Status = booking.StatusCancelled
	}

	version, err := d.hub.Apply(ctx, entity.ProviderID, entity.InternalID, snap)
	if err != nil {
		return fmt.Errorf("failed to apply remote state to hub: %w", err)
	}
	return d.markSynced(ctx, entity, version)
}

func (d *Dispatcher) externalID(ctx context.Context, entity *state.Entity) (string, error) {
	if entity.ExternalID != "" {
		return entity.ExternalID, nil
	}
	externalID, err := d.idmap.ExternalID(ctx, entity.ProviderID, entity.Type, entity.InternalID)
	if errors.Is(err, booksy.ErrMappingNotFound) {
		// Guessing an identifier would corrupt someone's calendar.
		return "", fmt.Errorf("%w: no external ID mapping for entity %s", queue.ErrTerminal, entity.ID)
	}
	if err != nil {
		return "", err
	}
	return externalID, nil
}

func (d *Dispatcher) markSynced(ctx context.Context, entity *state.Entity, version int64) error {
	if version < entity.LastCommonVersion {
		version = entity.LastCommonVersion
	}
	if err := d.entities.MarkSynced(ctx, entity.ID, version); err != nil {
		return fmt.Errorf("failed to mark entity synced: %w", err)
	}
	return nil
}

// normalizePushError maps adapter failures onto queue semantics. Validation
// rejections and remote deletions spawn conflict records instead of blind
// retries; transport and server failures retry as-is.
func (d *Dispatcher) normalizePushError(ctx context.Context, entity *state.Entity, op *queue.Operation, snap *booking.Snapshot, err error) error {
	if errors.Is(err, queue.ErrTerminal) {
		return err
	}

	be, ok := booksy.AsError(err)
	if !ok {
		return err
	}
	d.metrics.RecordRemoteError(ctx, entity.ProviderID, string(be.Kind))

	switch be.Kind {
	case booksy.KindValidation:
		d.fileConflict(ctx, entity, snap, conflict.TypeConcurrentEdit, be.Message)
		return fmt.Errorf("%w: remote rejected operation: %s", queue.ErrTerminal, be.Message)

	case booksy.KindNotFound:
		if op.Type == queue.OpCancel {
			return nil
		}
		d.fileConflict(ctx, entity, snap, conflict.TypeDeletedRemotely, "entity missing remotely")
		return fmt.Errorf("%w: entity deleted remotely", queue.ErrTerminal)

	default:
		// auth (post-refresh), rate_limit, server_error, transient: the
		// worker and queue policy decide how to retry these.
		return err
	}
}

func (d *Dispatcher) fileConflict(ctx context.Context, entity *state.Entity, snap *booking.Snapshot, conflictType conflict.Type, detail string) {
	internalSnap := json.RawMessage(`{}`)
	if snap != nil {
		if data, err := json.Marshal(snap); err == nil {
			internalSnap = data
		}
	}
	record := &conflict.Record{
		EntityID:         entity.ID,
		ProviderID:       entity.ProviderID,
		Type:             conflictType,
		InternalSnapshot: internalSnap,
		ExternalSnapshot: json.RawMessage(`{}`),
		Blocking:         true,
	}
	if _, err := d.conflicts.Create(ctx, record); err != nil {
		d.logger.Error("failed to file dispatch conflict",
			"entity_id", entity.ID,
			"type", conflictType,
			"error", err)
		return
	}
	d.logger.Warn("dispatch failure filed as conflict",
		"entity_id", entity.ID,
		"type", conflictType,
		"detail", detail)
}

func decodePayload(op *queue.Operation) (*booking.Snapshot, error) {
	if len(op.Payload) == 0 || string(op.Payload) == "{}" {
		return nil, nil
	}
	var snap booking.Snapshot
	if err := json.Unmarshal(op.Payload, &snap); err != nil {
		return nil, fmt.Errorf("malformed operation payload: %w", err)
	}
	return &snap, nil
}
