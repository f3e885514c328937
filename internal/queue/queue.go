// Package queue is the durable operation queue between the sync engine and
// the outside world. Operations survive process restarts, duplicate enqueues
// coalesce, dispatch is paced per entity through timed leases, and failures
// retry with capped exponential backoff until they dead-letter.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// OperationType is what the operation does to its entity.
type OperationType string

const (
	OpCreate OperationType = "create"
	OpUpdate OperationType = "update"
	OpCancel OperationType = "cancel"
	// OpNoop records that a superseded operation resolved without remote
	// work, keeping the audit trail contiguous.
	OpNoop OperationType = "noop"
)

// SourceSystem is which ledger originated the operation.
type SourceSystem string

const (
	SourceInternal SourceSystem = "internal"
	SourceExternal SourceSystem = "external"
)

// Status is the operation lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
	StatusDeadletter Status = "deadletter"
)

// Priorities. Cancellations outrank the creates they supersede.
const (
	PriorityNormal = 0
	PriorityCancel = 100
)

// ErrTerminal marks a dispatch failure that must never be retried. The
// worker dead-letters the operation immediately instead of backing off.
var ErrTerminal = errors.New("terminal dispatch failure")

// ErrEmpty is returned by Dequeue when no operation is eligible.
var ErrEmpty = errors.New("no eligible operation")

// Operation is one unit of outbound or inbound sync work.
type Operation struct {
	ID             uuid.UUID
	EntityID       uuid.UUID
	Type           OperationType
	Source         SourceSystem
	Payload        json.RawMessage
	IdempotencyKey string
	Priority       int
	Attempts       int
	CoalescedCount int
	Status         Status
	NextRetryAt    time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	LastError      string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Request describes an operation to enqueue. The idempotency key is derived,
// never supplied.
type Request struct {
	EntityID uuid.UUID
	Type     OperationType
	Source   SourceSystem
	Payload  json.RawMessage
	Priority int
}

// IdempotencyKey derives the dedup key from everything that makes two
// enqueues "the same work". Two requests with equal keys coalesce while
// pending.
func (r *Request) IdempotencyKey() string {
	h := sha256.New()
	h.Write([]byte(r.EntityID.String()))
	h.Write([]byte{0})
	h.Write([]byte(r.Type))
	h.Write([]byte{0})
	h.Write([]byte(r.Source))
	h.Write([]byte{0})
	h.Write(r.Payload)
	return hex.EncodeToString(h.Sum(nil))
}

func (r *Request) validate() error {
	if r.EntityID == uuid.Nil {
		return fmt.Errorf("entity ID is required")
	}
	switch r.Type {
	case OpCreate, OpUpdate, OpCancel, OpNoop:
	default:
		return fmt.Errorf("unknown operation type %q", r.Type)
	}
	switch r.Source {
	case SourceInternal, SourceExternal:
	default:
		return fmt.Errorf("unknown source system %q", r.Source)
	}
	return nil
}

// Depth is the queue's observable load, fed to health checks and metrics.
type Depth struct {
	Pending    int64
	Processing int64
	Deadletter int64
}

// Store is the durable queue storage. Implementations must keep the
// invariants: at most one pending operation per idempotency key, at most one
// processing operation per entity.
type Store interface {
	// Enqueue inserts the operation or coalesces it into an existing
	// pending one with the same idempotency key (latest payload wins). A
	// cancel supersedes any still-pending create or update for the entity.
	Enqueue(ctx context.Context, req *Request) (*Operation, error)

	// Dequeue leases the highest-priority, oldest-eligible operation for
	// workerID, or returns ErrEmpty. Entities with a blocking conflict and
	// entities that already have a processing operation are skipped.
	// Expired leases are reclaimed first.
	Dequeue(ctx context.Context, workerID string, lease time.Duration) (*Operation, error)

	// Ack marks the operation succeeded and releases its lease.
	Ack(ctx context.Context, id uuid.UUID) error

	// Nack records a failed attempt. The operation returns to pending with
	// a backed-off NextRetryAt, or dead-letters once attempts reach the
	// store's configured maximum.
	Nack(ctx context.Context, id uuid.UUID, cause string) (*Operation, error)

	// Release returns a leased operation to pending without charging an
	// attempt, eligible again after retryAfter. Used when the remote rate
	// budget is exhausted.
	Release(ctx context.Context, id uuid.UUID, retryAfter time.Duration) error

	// Deadletter forces the operation into deadletter regardless of its
	// attempt count.
	Deadletter(ctx context.Context, id uuid.UUID, cause string) error

	// Get returns one operation by ID.
	Get(ctx context.Context, id uuid.UUID) (*Operation, error)

	// Depth reports current queue load.
	Depth(ctx context.Context) (*Depth, error)

	// OldestPendingAge reports how long the oldest pending operation has
	// been waiting, zero when the queue is empty.
	OldestPendingAge(ctx context.Context) (time.Duration, error)
}
