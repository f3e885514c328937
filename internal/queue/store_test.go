package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mariia-hub/booksy-sync/database"
	"github.com/mariia-hub/booksy-sync/internal/audit"
)

func setupStore(t *testing.T) (*pgxpool.Pool, Store) {
	t.Helper()

	pool, cleanup := database.SetupTestDB(t)
	t.Cleanup(cleanup)

	store := NewStore(pool, audit.NewDBLog(pool),
		WithRetryPolicy(RetryPolicy{
			Base:        time.Second,
			Max:         time.Minute,
			MaxAttempts: 3,
		}))
	return pool, store
}

func createEntity(t *testing.T, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()

	var id uuid.UUID
	err := pool.QueryRow(context.Background(),
		`INSERT INTO sync_entities (provider_id, internal_id, entity_type)
		 VALUES ('provider-1', $1, 'booking')
		 RETURNING id`,
		uuid.NewString()).Scan(&id)
	require.NoError(t, err)
	return id
}

func TestStore_ConcurrentEnqueueCoalesces(t *testing.T) {
	pool, store := setupStore(t)
	ctx := context.Background()
	entityID := createEntity(t, pool)

	req := &Request{
		EntityID: entityID,
		Type:     OpUpdate,
		Source:   SourceInternal,
		Payload:  json.RawMessage(`{"status":"confirmed"}`),
	}

	const concurrency = 8
	var wg sync.WaitGroup
	errs := make(chan error, concurrency)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Enqueue(ctx, req)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	var pending int
	var coalesced int
	err := pool.QueryRow(ctx,
		`SELECT count(*), max(coalesced_count)
		 FROM sync_operations
		 WHERE entity_id = $1 AND status = 'pending'`,
		entityID).Scan(&pending, &coalesced)
	require.NoError(t, err)

	assert.Equal(t, 1, pending, "identical enqueues must coalesce into one pending operation")
	assert.Equal(t, concurrency-1, coalesced)
}

func TestStore_CoalescingLatestPayloadWins(t *testing.T) {
	pool, store := setupStore(t)
	ctx := context.Background()
	entityID := createEntity(t, pool)

	// Same idempotency inputs modulo payload do not coalesce; coalescing
	// applies to identical work, and the later enqueue's payload is kept.
	req := &Request{
		EntityID: entityID,
		Type:     OpUpdate,
		Source:   SourceInternal,
		Payload:  json.RawMessage(`{"note":"v1"}`),
	}
	first, err := store.Enqueue(ctx, req)
	require.NoError(t, err)

	second, err := store.Enqueue(ctx, req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, second.CoalescedCount)
}

func TestStore_PerEntitySerialization(t *testing.T) {
	pool, store := setupStore(t)
	ctx := context.Background()
	entityID := createEntity(t, pool)

	for i := 0; i < 2; i++ {
		_, err := store.Enqueue(ctx, &Request{
			EntityID: entityID,
			Type:     OpUpdate,
			Source:   SourceInternal,
			Payload:  json.RawMessage(fmt.Sprintf(`{"revision":%d}`, i)),
		})
		require.NoError(t, err)
	}

	first, err := store.Dequeue(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, first.Status)
	assert.Equal(t, "worker-a", first.LeaseOwner)

	// The second operation for the same entity must wait.
	_, err = store.Dequeue(ctx, "worker-b", time.Minute)
	assert.ErrorIs(t, err, ErrEmpty)

	require.NoError(t, store.Ack(ctx, first.ID))

	second, err := store.Dequeue(ctx, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestStore_ExpiredLeaseReclaimed(t *testing.T) {
	pool, store := setupStore(t)
	ctx := context.Background()
	entityID := createEntity(t, pool)

	op, err := store.Enqueue(ctx, &Request{
		EntityID: entityID,
		Type:     OpUpdate,
		Source:   SourceInternal,
		Payload:  json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	leased, err := store.Dequeue(ctx, "worker-crashed", time.Minute)
	require.NoError(t, err)
	require.Equal(t, op.ID, leased.ID)

	// Simulate the worker crashing past its lease.
	_, err = pool.Exec(ctx,
		`UPDATE sync_operations SET lease_expires_at = now() - interval '1 second' WHERE id = $1`,
		op.ID)
	require.NoError(t, err)

	recovered, err := store.Dequeue(ctx, "worker-b", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, op.ID, recovered.ID)
	assert.Equal(t, "worker-b", recovered.LeaseOwner)
}

func TestStore_NackBacksOffThenDeadletters(t *testing.T) {
	pool, store := setupStore(t)
	ctx := context.Background()
	entityID := createEntity(t, pool)

	op, err := store.Enqueue(ctx, &Request{
		EntityID: entityID,
		Type:     OpCreate,
		Source:   SourceInternal,
		Payload:  json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	previousRetryAt := op.NextRetryAt
	for attempt := 1; attempt < 3; attempt++ {
		// Make the operation immediately eligible regardless of backoff.
		_, err = pool.Exec(ctx,
			`UPDATE sync_operations SET next_retry_at = now() WHERE id = $1`, op.ID)
		require.NoError(t, err)

		leased, err := store.Dequeue(ctx, "worker-a", time.Minute)
		require.NoError(t, err)

		failed, err := store.Nack(ctx, leased.ID, "remote unavailable")
		require.NoError(t, err)

		assert.Equal(t, StatusPending, failed.Status)
		assert.Equal(t, attempt, failed.Attempts)
		assert.True(t, failed.NextRetryAt.After(previousRetryAt),
			"each nack must push the retry further out")
		previousRetryAt = failed.NextRetryAt
	}

	// Final attempt dead-letters instead of retrying forever.
	_, err = pool.Exec(ctx,
		`UPDATE sync_operations SET next_retry_at = now() WHERE id = $1`, op.ID)
	require.NoError(t, err)
	leased, err := store.Dequeue(ctx, "worker-a", time.Minute)
	require.NoError(t, err)

	dead, err := store.Nack(ctx, leased.ID, "remote unavailable")
	require.NoError(t, err)
	assert.Equal(t, StatusDeadletter, dead.Status)
	assert.Equal(t, 3, dead.Attempts)

	depth, err := store.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth.Deadletter)
}

func TestStore_ReleaseDoesNotChargeAttempt(t *testing.T) {
	pool, store := setupStore(t)
	ctx := context.Background()
	entityID := createEntity(t, pool)

	op, err := store.Enqueue(ctx, &Request{
		EntityID: entityID,
		Type:     OpCreate,
		Source:   SourceInternal,
		Payload:  json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	leased, err := store.Dequeue(ctx, "worker-a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.Release(ctx, leased.ID, 30*time.Second))

	released, err := store.Get(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, released.Status)
	assert.Equal(t, 0, released.Attempts)
	assert.True(t, released.NextRetryAt.After(time.Now().Add(20*time.Second)))
}

func TestStore_CancelSupersedesQueuedCreate(t *testing.T) {
	pool, store := setupStore(t)
	ctx := context.Background()
	entityID := createEntity(t, pool)

	create, err := store.Enqueue(ctx, &Request{
		EntityID: entityID,
		Type:     OpCreate,
		Source:   SourceInternal,
		Payload:  json.RawMessage(`{"status":"confirmed"}`),
	})
	require.NoError(t, err)

	cancel, err := store.Enqueue(ctx, &Request{
		EntityID: entityID,
		Type:     OpCancel,
		Source:   SourceInternal,
		Payload:  json.RawMessage(`{}`),
		Priority: PriorityCancel,
	})
	require.NoError(t, err)

	// The create is closed out; only the cancel is ever dispatched.
	supersededCreate, err := store.Get(ctx, create.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, supersededCreate.Status)
	assert.Contains(t, supersededCreate.LastError, "superseded")

	leased, err := store.Dequeue(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, cancel.ID, leased.ID)
	assert.Equal(t, OpCancel, leased.Type)

	_, err = store.Dequeue(ctx, "worker-b", time.Minute)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestStore_BlockingConflictGatesDequeue(t *testing.T) {
	pool, store := setupStore(t)
	ctx := context.Background()
	entityID := createEntity(t, pool)

	_, err := store.Enqueue(ctx, &Request{
		EntityID: entityID,
		Type:     OpUpdate,
		Source:   SourceInternal,
		Payload:  json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	var conflictID uuid.UUID
	err = pool.QueryRow(ctx,
		`INSERT INTO conflict_records (entity_id, provider_id, conflict_type, blocking)
		 VALUES ($1, 'provider-1', 'double_booking', true)
		 RETURNING id`,
		entityID).Scan(&conflictID)
	require.NoError(t, err)

	_, err = store.Dequeue(ctx, "worker-a", time.Minute)
	assert.ErrorIs(t, err, ErrEmpty, "blocked entity must not be dispatched")

	// Resolving the conflict unblocks the entity.
	_, err = pool.Exec(ctx,
		`UPDATE conflict_records SET resolved_at = now(), resolution_strategy = 'manual' WHERE id = $1`,
		conflictID)
	require.NoError(t, err)

	op, err := store.Dequeue(ctx, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, entityID, op.EntityID)
}

func TestStore_OldestPendingAge(t *testing.T) {
	pool, store := setupStore(t)
	ctx := context.Background()

	age, err := store.OldestPendingAge(ctx)
	require.NoError(t, err)
	assert.Zero(t, age)

	entityID := createEntity(t, pool)
	_, err = store.Enqueue(ctx, &Request{
		EntityID: entityID,
		Type:     OpCreate,
		Source:   SourceInternal,
		Payload:  json.RawMessage(`{}`),
	})
	require.NoError(t, err)

	age, err = store.OldestPendingAge(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, age, time.Duration(0))
}
