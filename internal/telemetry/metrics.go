package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// SyncMetricsMeterName is the name used for the sync cycle metrics meter
	SyncMetricsMeterName = "github.com/mariia-hub/booksy-sync/sync"

	// QueueMetricsMeterName is the name used for the operation queue metrics meter
	QueueMetricsMeterName = "github.com/mariia-hub/booksy-sync/queue"

	// ConflictMetricsMeterName is the name used for the conflict metrics meter
	ConflictMetricsMeterName = "github.com/mariia-hub/booksy-sync/conflict"
)

// SyncMetrics holds the OpenTelemetry instruments for sync cycle metrics
type SyncMetrics struct {
	cycleDuration metric.Float64Histogram
	remoteErrors  metric.Int64Counter
}

// NewSyncMetrics creates a new SyncMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSyncMetrics(provider metric.MeterProvider) (*SyncMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SyncMetricsMeterName)

	cycleDuration, err := meter.Float64Histogram(
		"booksy_sync_cycle_duration_seconds",
		metric.WithDescription("Duration of sync cycles in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}

	remoteErrors, err := meter.Int64Counter(
		"booksy_sync_remote_errors_total",
		metric.WithDescription("Normalized errors returned by the Booksy API"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	return &SyncMetrics{
		cycleDuration: cycleDuration,
		remoteErrors:  remoteErrors,
	}, nil
}

// RecordCycleDuration records the duration of a sync cycle for a provider
func (m *SyncMetrics) RecordCycleDuration(ctx context.Context, providerID string, duration time.Duration, success bool) {
	if m == nil || m.cycleDuration == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("provider", providerID),
		attribute.Bool("success", success),
	}

	m.cycleDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordRemoteError records a normalized remote error by kind
func (m *SyncMetrics) RecordRemoteError(ctx context.Context, providerID, kind string) {
	if m == nil || m.remoteErrors == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("provider", providerID),
		attribute.String("kind", kind),
	}

	m.remoteErrors.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// QueueMetrics holds the OpenTelemetry instruments for operation queue metrics
type QueueMetrics struct {
	depth       metric.Int64Gauge
	deadletters metric.Int64Counter
	dispatched  metric.Int64Counter
}

// NewQueueMetrics creates a new QueueMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewQueueMetrics(provider metric.MeterProvider) (*QueueMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(QueueMetricsMeterName)

	depth, err := meter.Int64Gauge(
		"booksy_sync_queue_depth",
		metric.WithDescription("Number of pending operations in the queue"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	deadletters, err := meter.Int64Counter(
		"booksy_sync_queue_deadletters_total",
		metric.WithDescription("Operations that exhausted retries and dead-lettered"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	dispatched, err := meter.Int64Counter(
		"booksy_sync_queue_dispatched_total",
		metric.WithDescription("Dispatched operations by outcome"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	return &QueueMetrics{
		depth:       depth,
		deadletters: deadletters,
		dispatched:  dispatched,
	}, nil
}

// RecordDepth records the current queue depth
func (m *QueueMetrics) RecordDepth(ctx context.Context, depth int64) {
	if m == nil || m.depth == nil {
		return
	}
	m.depth.Record(ctx, depth)
}

// RecordDeadletter records an operation entering the dead-letter state
func (m *QueueMetrics) RecordDeadletter(ctx context.Context) {
	if m == nil || m.deadletters == nil {
		return
	}
	m.deadletters.Add(ctx, 1)
}

// RecordDispatched records a dispatched operation with its outcome
func (m *QueueMetrics) RecordDispatched(ctx context.Context, outcome string) {
	if m == nil || m.dispatched == nil {
		return
	}
	m.dispatched.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// ConflictMetrics holds the OpenTelemetry instruments for conflict metrics
type ConflictMetrics struct {
	detected metric.Int64Counter
	resolved metric.Int64Counter
}

// NewConflictMetrics creates a new ConflictMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewConflictMetrics(provider metric.MeterProvider) (*ConflictMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(ConflictMetricsMeterName)

	detected, err := meter.Int64Counter(
		"booksy_sync_conflicts_detected_total",
		metric.WithDescription("Detected conflicts by type"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return nil, err
	}

	resolved, err := meter.Int64Counter(
		"booksy_sync_conflicts_resolved_total",
		metric.WithDescription("Resolved conflicts by strategy"),
		metric.WithUnit("{conflict}"),
	)
	if err != nil {
		return nil, err
	}

	return &ConflictMetrics{
		detected: detected,
		resolved: resolved,
	}, nil
}

// RecordDetected records a detected conflict by type
func (m *ConflictMetrics) RecordDetected(ctx context.Context, providerID, conflictType string) {
	if m == nil || m.detected == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("provider", providerID),
		attribute.String("type", conflictType),
	}
	m.detected.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordResolved records a resolved conflict by strategy
func (m *ConflictMetrics) RecordResolved(ctx context.Context, providerID, strategy string) {
	if m == nil || m.resolved == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("provider", providerID),
		attribute.String("strategy", strategy),
	}
	m.resolved.Add(ctx, 1, metric.WithAttributes(attrs...))
}
