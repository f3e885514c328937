package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mariia-hub/booksy-sync/internal/audit"
)

const operationColumns = `id, entity_id, operation_type, source_system, payload,
	idempotency_key, priority, attempts, coalesced_count, status,
	next_retry_at, lease_owner, lease_expires_at, last_error,
	created_at, updated_at`

type dbStore struct {
	pool   *pgxpool.Pool
	policy RetryPolicy
	log    audit.Log
	logger *slog.Logger
}

var _ Store = (*dbStore)(nil)

// StoreOption configures the store.
type StoreOption func(*dbStore)

// WithRetryPolicy overrides the default backoff policy.
func WithRetryPolicy(policy RetryPolicy) StoreOption {
	return func(s *dbStore) {
		s.policy = policy
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *dbStore) {
		s.logger = logger
	}
}

// NewStore creates the Postgres-backed queue store. Status transitions are
// written to the audit log.
func NewStore(pool *pgxpool.Pool, log audit.Log, opts ...StoreOption) Store {
	s := &dbStore{
		pool:   pool,
		policy: DefaultRetryPolicy(),
		log:    log,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *dbStore) Enqueue(ctx context.Context, req *Request) (*Operation, error) {
	if err := req.validate(); err != nil {
		return nil, fmt.Errorf("invalid enqueue request: %w", err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin enqueue transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	superseded := int64(0)
	if req.Type == OpCancel {
		// A cancel makes any still-queued create/update for the entity
		// pointless; close them out before they are dispatched.
		tag, err := tx.Exec(ctx,
			`UPDATE sync_operations
			 SET status = 'succeeded',
			     last_error = 'superseded by cancel',
			     updated_at = now()
			 WHERE entity_id = $1
			   AND status = 'pending'
			   AND operation_type IN ('create', 'update')`,
			req.EntityID)
		if err != nil {
			return nil, fmt.Errorf("failed to supersede queued operations: %w", err)
		}
		superseded = tag.RowsAffected()
	}

	row := tx.QueryRow(ctx,
		`INSERT INTO sync_operations
		     (entity_id, operation_type, source_system, payload, idempotency_key, priority)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (idempotency_key) WHERE status = 'pending'
		 DO UPDATE SET
		     payload = EXCLUDED.payload,
		     priority = GREATEST(sync_operations.priority, EXCLUDED.priority),
		     coalesced_count = sync_operations.coalesced_count + 1,
		     updated_at = now()
		 RETURNING `+operationColumns,
		req.EntityID, req.Type, req.Source, req.Payload, req.IdempotencyKey(), req.Priority)

	op, err := scanOperation(row)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue operation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit enqueue: %w", err)
	}

	action := "operation_enqueued"
	if op.CoalescedCount > 0 {
		action = "operation_coalesced"
	}
	s.audit(ctx, op, action, "ok")
	if superseded > 0 {
		s.audit(ctx, op, "operation_superseded_queued_work", fmt.Sprintf("superseded %d", superseded))
	}
	return op, nil
}

func (s *dbStore) Dequeue(ctx context.Context, workerID string, lease time.Duration) (*Operation, error) {
	if lease <= 0 {
		return nil, fmt.Errorf("lease duration must be positive")
	}

	// Reclaim leases from crashed workers first so their work becomes
	// eligible again.
	if err := s.reclaimExpired(ctx); err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx,
		`UPDATE sync_operations
		 SET status = 'processing',
		     lease_owner = $1,
		     lease_expires_at = now() + make_interval(secs => $2),
		     updated_at = now()
		 WHERE id = (
		     SELECT o.id
		     FROM sync_operations o
		     WHERE o.status = 'pending'
		       AND o.next_retry_at <= now()
		       AND NOT EXISTS (
		           SELECT 1 FROM sync_operations p
		           WHERE p.entity_id = o.entity_id AND p.status = 'processing')
		       AND NOT EXISTS (
		           SELECT 1 FROM conflict_records c
		           WHERE c.entity_id = o.entity_id
		             AND c.blocking
		             AND c.resolved_at IS NULL)
		     ORDER BY o.priority DESC, o.next_retry_at, o.created_at
		     FOR UPDATE SKIP LOCKED
		     LIMIT 1
		 )
		 RETURNING `+operationColumns,
		workerID, lease.Seconds())

	op, err := scanOperation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEmpty
	}
	if isUniqueViolation(err) {
		// Another worker won the entity's processing slot between the
		// select and the update. Nothing to do this round.
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue operation: %w", err)
	}
	return op, nil
}

func (s *dbStore) Ack(ctx context.Context, id uuid.UUID) error {
	op, err := s.transition(ctx,
		`UPDATE sync_operations
		 SET status = 'succeeded',
		     lease_owner = NULL,
		     lease_expires_at = NULL,
		     last_error = NULL,
		     updated_at = now()
		 WHERE id = $1 AND status = 'processing'
		 RETURNING `+operationColumns, id)
	if err != nil {
		return err
	}
	s.audit(ctx, op, "operation_succeeded", "ok")
	return nil
}

func (s *dbStore) Nack(ctx context.Context, id uuid.UUID, cause string) (*Operation, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin nack transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var attempts int
	err = tx.QueryRow(ctx,
		`SELECT attempts FROM sync_operations WHERE id = $1 AND status = 'processing' FOR UPDATE`,
		id).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("operation %s is not processing", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read operation for nack: %w", err)
	}

	attempts++
	var op *Operation
	if s.policy.Exhausted(attempts) {
		row := tx.QueryRow(ctx,
			`UPDATE sync_operations
			 SET status = 'deadletter',
			     attempts = $2,
			     lease_owner = NULL,
			     lease_expires_at = NULL,
			     last_error = $3,
			     updated_at = now()
			 WHERE id = $1
			 RETURNING `+operationColumns, id, attempts, cause)
		op, err = scanOperation(row)
	} else {
		delay := s.policy.Delay(attempts)
		row := tx.QueryRow(ctx,
			`UPDATE sync_operations
			 SET status = 'pending',
			     attempts = $2,
			     next_retry_at = now() + make_interval(secs => $3),
			     lease_owner = NULL,
			     lease_expires_at = NULL,
			     last_error = $4,
			     updated_at = now()
			 WHERE id = $1
			 RETURNING `+operationColumns, id, attempts, delay.Seconds(), cause)
		op, err = scanOperation(row)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to nack operation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit nack: %w", err)
	}

	if op.Status == StatusDeadletter {
		s.logger.Error("operation dead-lettered",
			"operation_id", op.ID,
			"entity_id", op.EntityID,
			"attempts", op.Attempts,
			"cause", cause)
		s.audit(ctx, op, "operation_deadlettered", cause)
	} else {
		s.audit(ctx, op, "operation_retry_scheduled", cause)
	}
	return op, nil
}

func (s *dbStore) Release(ctx context.Context, id uuid.UUID, retryAfter time.Duration) error {
	if retryAfter < 0 {
		retryAfter = 0
	}
	op, err := s.transition(ctx,
		`UPDATE sync_operations
		 SET status = 'pending',
		     next_retry_at = now() + make_interval(secs => $2),
		     lease_owner = NULL,
		     lease_expires_at = NULL,
		     updated_at = now()
		 WHERE id = $1 AND status = 'processing'
		 RETURNING `+operationColumns, id, retryAfter.Seconds())
	if err != nil {
		return err
	}
	s.audit(ctx, op, "operation_released", "rate budget exhausted")
	return nil
}

func (s *dbStore) Deadletter(ctx context.Context, id uuid.UUID, cause string) error {
	op, err := s.transition(ctx,
		`UPDATE sync_operations
		 SET status = 'deadletter',
		     lease_owner = NULL,
		     lease_expires_at = NULL,
		     last_error = $2,
		     updated_at = now()
		 WHERE id = $1 AND status IN ('pending', 'processing')
		 RETURNING `+operationColumns, id, cause)
	if err != nil {
		return err
	}
	s.audit(ctx, op, "operation_deadlettered", cause)
	return nil
}

func (s *dbStore) Get(ctx context.Context, id uuid.UUID) (*Operation, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+operationColumns+` FROM sync_operations WHERE id = $1`, id)
	op, err := scanOperation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("operation %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get operation: %w", err)
	}
	return op, nil
}

func (s *dbStore) Depth(ctx context.Context) (*Depth, error) {
	var depth Depth
	err := s.pool.QueryRow(ctx,
		`SELECT
		     count(*) FILTER (WHERE status = 'pending'),
		     count(*) FILTER (WHERE status = 'processing'),
		     count(*) FILTER (WHERE status = 'deadletter')
		 FROM sync_operations`).
		Scan(&depth.Pending, &depth.Processing, &depth.Deadletter)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return &depth, nil
}

func (s *dbStore) OldestPendingAge(ctx context.Context) (time.Duration, error) {
	var oldest *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT min(created_at) FROM sync_operations WHERE status = 'pending'`).
		Scan(&oldest)
	if err != nil {
		return 0, fmt.Errorf("failed to read oldest pending age: %w", err)
	}
	if oldest == nil {
		return 0, nil
	}
	return time.Since(*oldest), nil
}

func (s *dbStore) reclaimExpired(ctx context.Context) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE sync_operations
		 SET status = 'pending',
		     lease_owner = NULL,
		     lease_expires_at = NULL,
		     updated_at = now()
		 WHERE status = 'processing' AND lease_expires_at < now()`)
	if err != nil {
		return fmt.Errorf("failed to reclaim expired leases: %w", err)
	}
	if reclaimed := tag.RowsAffected(); reclaimed > 0 {
		s.logger.Warn("reclaimed expired operation leases", "count", reclaimed)
	}
	return nil
}

func (s *dbStore) transition(ctx context.Context, sql string, args ...any) (*Operation, error) {
	row := s.pool.QueryRow(ctx, sql, args...)
	op, err := scanOperation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("operation not in expected status")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition operation: %w", err)
	}
	return op, nil
}

// audit writes the transition to the audit log. Audit failures are logged
// and swallowed: a lost audit line must not fail the queue operation that
// already committed.
func (s *dbStore) audit(ctx context.Context, op *Operation, action, outcome string) {
	entityID := op.EntityID
	err := s.log.Record(ctx, &audit.Entry{
		Actor:    audit.ActorQueueWorker,
		EntityID: &entityID,
		Action:   action,
		Outcome:  outcome,
	})
	if err != nil {
		s.logger.Error("failed to record queue audit entry",
			"operation_id", op.ID,
			"action", action,
			"error", err)
	}
}

func scanOperation(row pgx.Row) (*Operation, error) {
	var (
		op         Operation
		leaseOwner *string
		lastError  *string
	)
	err := row.Scan(
		&op.ID, &op.EntityID, &op.Type, &op.Source, &op.Payload,
		&op.IdempotencyKey, &op.Priority, &op.Attempts, &op.CoalescedCount,
		&op.Status, &op.NextRetryAt, &leaseOwner, &op.LeaseExpiresAt,
		&lastError, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if leaseOwner != nil {
		op.LeaseOwner = *leaseOwner
	}
	if lastError != nil {
		op.LastError = *lastError
	}
	return &op, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
