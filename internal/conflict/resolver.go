package conflict

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mariia-hub/booksy-sync/internal/audit"
	"github.com/mariia-hub/booksy-sync/internal/booking"
	"github.com/mariia-hub/booksy-sync/internal/consent"
	"github.com/mariia-hub/booksy-sync/internal/queue"
	"github.com/mariia-hub/booksy-sync/internal/telemetry"
)

// Enqueuer is the slice of the operation queue the resolver needs for
// corrective work.
type Enqueuer interface {
	Enqueue(ctx context.Context, req *queue.Request) (*queue.Operation, error)
}

// ConsentChecker gates corrective pushes toward the remote at enqueue
// time. The dispatcher re-checks with a fresh read before dispatch.
type ConsentChecker interface {
	Check(ctx context.Context, subjectID, scope string) (consent.State, error)
}

// Resolver applies a resolution strategy to an open conflict: it enqueues
// the corrective sync operations the strategy implies, marks the record
// resolved, and audits the before/after snapshots.
type Resolver struct {
	store   Store
	queue   Enqueuer
	gate    ConsentChecker
	log     audit.Log
	metrics *telemetry.ConflictMetrics
	logger  *slog.Logger
}

// ResolverOption configures the resolver.
type ResolverOption func(*Resolver)

// WithResolverMetrics attaches conflict metrics.
func WithResolverMetrics(metrics *telemetry.ConflictMetrics) ResolverOption {
	return func(r *Resolver) {
		r.metrics = metrics
	}
}

// WithResolverLogger sets the resolver logger.
func WithResolverLogger(logger *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		r.logger = logger
	}
}

// NewResolver creates a resolver over the conflict store and queue.
func NewResolver(store Store, enqueuer Enqueuer, gate ConsentChecker, log audit.Log, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		store:  store,
		queue:  enqueuer,
		gate:   gate,
		log:    log,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve applies the strategy to the conflict. Capacity mismatches accept
// an operator's pick of a side but never a field merge; there is no
// meaningful merge of two capacity numbers.
func (r *Resolver) Resolve(ctx context.Context, record *Record, strategy Strategy, resolvedBy string) (*Record, error) {
	if !ValidStrategy(strategy) {
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrInvalidStrategy, strategy)
	}
	if !record.Open() {
		return nil, fmt.Errorf("conflict %s: %w", record.ID, ErrAlreadyResolved)
	}
	if record.Type == TypeCapacityMismatch && strategy == StrategyMergeFields {
		return nil, fmt.Errorf("%w: capacity_mismatch cannot be resolved by merge_fields", ErrInvalidStrategy)
	}

	outcome, err := r.applyStrategy(ctx, record, strategy)
	if err != nil {
		return nil, err
	}

	resolved, err := r.store.MarkResolved(ctx, record.ID, strategy, resolvedBy, outcome)
	if err != nil {
		return nil, fmt.Errorf("failed to mark conflict resolved: %w", err)
	}

	entityID := record.EntityID
	if err := r.log.Record(ctx, &audit.Entry{
		Actor:    resolvedBy,
		EntityID: &entityID,
		Action:   "conflict_resolved",
		Before:   record.InternalSnapshot,
		After:    record.ExternalSnapshot,
		Outcome:  fmt.Sprintf("%s: %s", strategy, outcome),
	}); err != nil {
		r.logger.Error("failed to audit conflict resolution",
			"conflict_id", record.ID,
			"error", err)
	}

	r.metrics.RecordResolved(ctx, record.ProviderID, string(strategy))
	r.logger.Info("conflict resolved",
		"conflict_id", record.ID,
		"entity_id", record.EntityID,
		"type", record.Type,
		"strategy", strategy,
		"resolved_by", resolvedBy)
	return resolved, nil
}

// ResolveByID loads the conflict and applies the strategy.
func (r *Resolver) ResolveByID(ctx context.Context, id string, strategy Strategy, resolvedBy string) (*Record, error) {
	record, err := getByStringID(ctx, r.store, id)
	if err != nil {
		return nil, err
	}
	return r.Resolve(ctx, record, strategy, resolvedBy)
}

func (r *Resolver) applyStrategy(ctx context.Context, record *Record, strategy Strategy) (string, error) {
	switch strategy {
	case StrategyManual:
		return "resolved out of band, no corrective operations", nil

	case StrategyPreferInternal:
		// Push the hub's state back out. For a remote deletion this
		// recreates the booking remotely.
		opType := queue.OpUpdate
		if record.Type == TypeDeletedRemotely {
			opType = queue.OpCreate
		}
		if err := r.enqueueCorrective(ctx, record, opType, queue.SourceInternal, record.InternalSnapshot); err != nil {
			return "", err
		}
		return "hub state pushed to remote", nil

	case StrategyPreferExternal:
		// Adopt the remote state on the hub. A remote deletion becomes a
		// hub-side cancellation.
		opType := queue.OpUpdate
		if record.Type == TypeDeletedRemotely {
			opType = queue.OpCancel
		}
		if err := r.enqueueCorrective(ctx, record, opType, queue.SourceExternal, record.ExternalSnapshot); err != nil {
			return "", err
		}
		return "remote state adopted on hub", nil

	case StrategyMergeFields:
		merged, err := mergeRecorded(record)
		if err != nil {
			return "", err
		}
		payload, err := json.Marshal(merged)
		if err != nil {
			return "", fmt.Errorf("failed to encode merged snapshot: %w", err)
		}
		// The merged state must land on both ledgers.
		if err := r.enqueueCorrective(ctx, record, queue.OpUpdate, queue.SourceInternal, payload); err != nil {
			return "", err
		}
		if err := r.enqueueCorrective(ctx, record, queue.OpUpdate, queue.SourceExternal, payload); err != nil {
			return "", err
		}
		return "field-merged state propagated to both ledgers", nil
	}
	return "", fmt.Errorf("unknown resolution strategy %q", strategy)
}

func (r *Resolver) enqueueCorrective(ctx context.Context, record *Record, opType queue.OperationType, source queue.SourceSystem, payload json.RawMessage) error {
	if source == queue.SourceInternal && opType != queue.OpCancel {
		if err := r.checkOutboundConsent(ctx, record, payload); err != nil {
			return err
		}
	}
	_, err := r.queue.Enqueue(ctx, &queue.Request{
		EntityID: record.EntityID,
		Type:     opType,
		Source:   source,
		Payload:  payload,
		Priority: queue.PriorityCancel,
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue corrective %s operation: %w", opType, err)
	}
	return nil
}

// checkOutboundConsent refuses a corrective push toward the remote unless
// the subject's consent is granted. Failing here leaves the conflict open
// instead of parking a doomed operation on the queue.
func (r *Resolver) checkOutboundConsent(ctx context.Context, record *Record, payload json.RawMessage) error {
	var snap booking.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return fmt.Errorf("failed to decode snapshot for consent check: %w", err)
	}
	if snap.SubjectID == "" {
		return fmt.Errorf("no consent subject recorded for entity %s, refusing outbound correction", record.EntityID)
	}

	consentState, err := r.gate.Check(ctx, snap.SubjectID, consent.ScopeExternalSync)
	if err != nil {
		return fmt.Errorf("consent check failed: %w", err)
	}
	if consentState != consent.StateGranted {
		return fmt.Errorf("consent %s for subject, refusing outbound correction", consentState)
	}
	return nil
}

func getByStringID(ctx context.Context, store Store, id string) (*Record, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid conflict ID %q: %w", id, err)
	}
	return store.Get(ctx, parsed)
}

// mergeRecorded re-runs the field merge over the snapshots captured at
// detection time.
func mergeRecorded(record *Record) (*booking.Snapshot, error) {
	var internal, external booking.Snapshot
	if err := json.Unmarshal(record.InternalSnapshot, &internal); err != nil {
		return nil, fmt.Errorf("failed to decode internal snapshot: %w", err)
	}
	if err := json.Unmarshal(record.ExternalSnapshot, &external); err != nil {
		return nil, fmt.Errorf("failed to decode external snapshot: %w", err)
	}
	return MergeFields(&internal, &external), nil
}
