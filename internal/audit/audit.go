// Package audit contains the append-only audit log of every sync decision.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Well-known actor names for engine-originated entries.
const (
	ActorOrchestrator = "orchestrator"
	ActorDetector     = "conflict-detector"
	ActorQueueWorker  = "queue-worker"
	ActorConsentGate  = "consent-gate"
	ActorWebhook      = "webhook"
	ActorReconciler   = "availability-reconciler"
)

// Entry is one immutable audit row. Before and After hold JSON snapshots of
// the affected state where a before/after distinction exists.
type Entry struct {
	ID         int64           `json:"id"`
	OccurredAt time.Time       `json:"occurred_at"`
	Actor      string          `json:"actor"`
	EntityID   *uuid.UUID      `json:"entity_id,omitempty"`
	Action     string          `json:"action"`
	Before     json.RawMessage `json:"before,omitempty"`
	After      json.RawMessage `json:"after,omitempty"`
	Outcome    string          `json:"outcome"`

	// DedupKey makes idempotent replays (webhooks, retried dispatches) write
	// at most one row. Empty means no dedup.
	DedupKey string `json:"-"`
}

// Query filters audit entries. Zero values mean "no filter".
type Query struct {
	EntityID *uuid.UUID
	Actor    string
	Action   string
	Since    time.Time
	Until    time.Time

	// Cursor is the last seen entry ID from a previous page; 0 starts over.
	Cursor int64
	Limit  int
}

// Log records audit entries and serves read-only queries over them.
type Log interface {
	// Record appends one entry. Recording with a dedup key that already
	// exists is not an error; the existing row wins.
	Record(ctx context.Context, entry *Entry) error

	// RecordOnce appends the entry unless its dedup key was already seen,
	// reporting whether a row was written. Entries without a dedup key are
	// always written.
	RecordOnce(ctx context.Context, entry *Entry) (bool, error)

	// List returns entries matching the query, oldest first, plus the cursor
	// for the next page (0 when exhausted).
	List(ctx context.Context, q Query) ([]*Entry, int64, error)

	// Prune deletes entries older than the retention period. Entries within
	// the compliance window are never touched.
	Prune(ctx context.Context, retention time.Duration) (int64, error)
}
