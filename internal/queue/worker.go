package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/mariia-hub/booksy-sync/internal/booksy"
	"github.com/mariia-hub/booksy-sync/internal/telemetry"
)

const (
	defaultWorkers      = 4
	defaultLease        = 2 * time.Minute
	defaultPollInterval = time.Second
)

// Dispatcher executes one leased operation against its target system.
// Returning nil acks the operation. Wrapping ErrTerminal dead-letters it
// immediately; any other error charges an attempt and backs off.
type Dispatcher interface {
	Dispatch(ctx context.Context, op *Operation) error
}

// Pool is the fixed-size worker pool draining the queue. Per-entity
// serialization lives in the store's lease; the pool only paces outbound
// work against the remote rate budget.
type Pool struct {
	store      Store
	dispatcher Dispatcher
	budget     *booksy.Budget
	metrics    *telemetry.QueueMetrics
	logger     *slog.Logger

	workers      int
	lease        time.Duration
	pollInterval time.Duration
}

// PoolOption configures the pool.
type PoolOption func(*Pool)

// WithWorkers sets the pool size.
func WithWorkers(workers int) PoolOption {
	return func(p *Pool) {
		if workers > 0 {
			p.workers = workers
		}
	}
}

// WithLease sets the per-operation lease duration.
func WithLease(lease time.Duration) PoolOption {
	return func(p *Pool) {
		if lease > 0 {
			p.lease = lease
		}
	}
}

// WithPollInterval sets the idle polling interval.
func WithPollInterval(interval time.Duration) PoolOption {
	return func(p *Pool) {
		if interval > 0 {
			p.pollInterval = interval
		}
	}
}

// WithBudget paces outbound dispatch against the remote rate budget.
func WithBudget(budget *booksy.Budget) PoolOption {
	return func(p *Pool) {
		p.budget = budget
	}
}

// WithMetrics attaches queue metrics.
func WithMetrics(metrics *telemetry.QueueMetrics) PoolOption {
	return func(p *Pool) {
		p.metrics = metrics
	}
}

// WithPoolLogger sets the pool logger.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(p *Pool) {
		p.logger = logger
	}
}

// NewPool creates a worker pool over the store, dispatching through the
// given dispatcher.
func NewPool(store Store, dispatcher Dispatcher, opts ...PoolOption) *Pool {
	p := &Pool{
		store:        store,
		dispatcher:   dispatcher,
		logger:       slog.Default(),
		workers:      defaultWorkers,
		lease:        defaultLease,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts the workers and blocks until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runWorker(ctx, workerID)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.reportDepth(ctx)
	}()

	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	for {
		if ctx.Err() != nil {
			return
		}

		processed, err := p.processOne(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("worker iteration failed",
				"worker_id", workerID,
				"error", err)
		}
		if processed {
			continue
		}

		// Idle or failed: sleep with jitter so workers do not poll in
		// lockstep.
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(p.pollInterval)):
		}
	}
}

// processOne leases and dispatches a single operation. It reports whether
// an operation was processed.
func (p *Pool) processOne(ctx context.Context, workerID string) (bool, error) {
	op, err := p.store.Dequeue(ctx, workerID, p.lease)
	if errors.Is(err, ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dequeue failed: %w", err)
	}

	// Outbound work consumes the remote rate budget. Denial requeues with
	// the advertised wait instead of parking the worker slot.
	if p.budget != nil && op.Source == SourceInternal && op.Type != OpNoop {
		if ok, wait := p.budget.Reserve(); !ok {
			if err := p.store.Release(ctx, op.ID, wait); err != nil {
				return true, fmt.Errorf("failed to release rate-limited operation: %w", err)
			}
			p.recordDispatched(ctx, "rate_limited")
			return true, nil
		}
	}

	p.settle(ctx, op, p.dispatcher.Dispatch(ctx, op))
	return true, nil
}

// settle applies the dispatch outcome to the store. A failure to settle is
// recoverable: the lease expires and the operation is retried.
func (p *Pool) settle(ctx context.Context, op *Operation, dispatchErr error) {
	switch {
	case dispatchErr == nil:
		if err := p.store.Ack(ctx, op.ID); err != nil {
			p.logger.Error("failed to ack operation", "operation_id", op.ID, "error", err)
			return
		}
		p.recordDispatched(ctx, "succeeded")

	case errors.Is(dispatchErr, ErrTerminal):
		if err := p.store.Deadletter(ctx, op.ID, dispatchErr.Error()); err != nil {
			p.logger.Error("failed to deadletter operation", "operation_id", op.ID, "error", err)
			return
		}
		p.recordDeadletter(ctx)
		p.recordDispatched(ctx, "deadletter")

	case isRateLimited(dispatchErr):
		be, _ := booksy.AsError(dispatchErr)
		if p.budget != nil {
			p.budget.Penalize(be.RetryAfter)
		}
		if err := p.store.Release(ctx, op.ID, be.RetryAfter); err != nil {
			p.logger.Error("failed to release operation", "operation_id", op.ID, "error", err)
			return
		}
		p.recordDispatched(ctx, "rate_limited")

	default:
		updated, err := p.store.Nack(ctx, op.ID, dispatchErr.Error())
		if err != nil {
			p.logger.Error("failed to nack operation", "operation_id", op.ID, "error", err)
			return
		}
		if updated.Status == StatusDeadletter {
			p.recordDeadletter(ctx)
			p.recordDispatched(ctx, "deadletter")
		} else {
			p.recordDispatched(ctx, "retried")
		}
	}
}

func (p *Pool) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(10 * p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			depth, err := p.store.Depth(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("failed to read queue depth", "error", err)
				}
				continue
			}
			p.metrics.RecordDepth(ctx, depth.Pending+depth.Processing)
		}
	}
}

func (p *Pool) recordDispatched(ctx context.Context, outcome string) {
	p.metrics.RecordDispatched(ctx, outcome)
}

func (p *Pool) recordDeadletter(ctx context.Context) {
	p.metrics.RecordDeadletter(ctx)
}

func isRateLimited(err error) bool {
	be, ok := booksy.AsError(err)
	return ok && be.Kind == booksy.KindRateLimit
}

// jitter spreads the interval over [interval/2, interval*3/2).
func jitter(interval time.Duration) time.Duration {
	half := interval / 2
	return half + rand.N(interval)
}
