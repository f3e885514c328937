// Package health aggregates engine vitals into a single report and raises
// structured alerts when configured thresholds are breached.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mariia-hub/booksy-sync/internal/config"
	"github.com/mariia-hub/booksy-sync/internal/queue"
	pkgsync "github.com/mariia-hub/booksy-sync/internal/sync"
)

// Status is the aggregate health verdict.
type Status string

const (
	StatusOK        Status = "ok"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Check is one evaluated vital.
type Check struct {
	Name   string `json:"name"`
	Status Status `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report is the full health snapshot served by the status API.
type Report struct {
	Status      Status                 `json:"status"`
	GeneratedAt time.Time              `json:"generated_at"`
	Checks      []Check                `json:"checks"`
	Queue       *queue.Depth           `json:"queue,omitempty"`
	Cycles      []*pkgsync.CycleStatus `json:"cycles,omitempty"`
}

// QueueInspector is the queue surface the monitor reads.
type QueueInspector interface {
	Depth(ctx context.Context) (*queue.Depth, error)
	OldestPendingAge(ctx context.Context) (time.Duration, error)
}

// ConflictInspector reports how stale the oldest open conflict is.
type ConflictInspector interface {
	OldestOpenAge(ctx context.Context) (time.Duration, error)
}

// CycleInspector reports per-provider cycle state.
type CycleInspector interface {
	StatusAll(ctx context.Context) ([]*pkgsync.CycleStatus, error)
}

// Monitor evaluates engine vitals against alert thresholds.
type Monitor struct {
	queues    QueueInspector
	conflicts ConflictInspector
	cycles    CycleInspector
	remote    *RateTracker
	alerts    config.AlertConfig
	logger    *slog.Logger
	nowFunc   func() time.Time
}

// Option configures the monitor.
type Option func(*Monitor)

// WithLogger sets the monitor logger. Alerts are emitted through it.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) {
		m.logger = logger
	}
}

// NewMonitor creates a health monitor.
func NewMonitor(
	queues QueueInspector,
	conflicts ConflictInspector,
	cycles CycleInspector,
	remote *RateTracker,
	alerts config.AlertConfig,
	opts ...Option,
) *Monitor {
	m := &Monitor{
		queues:    queues,
		conflicts: conflicts,
		cycles:    cycles,
		remote:    remote,
		alerts:    alerts,
		logger:    slog.Default(),
		nowFunc:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Report evaluates every vital. Threshold breaches degrade the report and
// emit one structured "alert" log event per breached rule.
func (m *Monitor) Report(ctx context.Context) *Report {
	report := &Report{
		Status:      StatusOK,
		GeneratedAt: m.nowFunc(),
	}

	m.checkQueue(ctx, report)
	m.checkConflicts(ctx, report)
	m.checkCycles(ctx, report)
	m.checkRemote(report)

	return report
}

func (m *Monitor) checkQueue(ctx context.Context, report *Report) {
	depth, err := m.queues.Depth(ctx)
	if err != nil {
		m.addCheck(report, Check{Name: "queue", Status: StatusUnhealthy, Detail: err.Error()})
		return
	}
	report.Queue = depth

	check := Check{Name: "queue", Status: StatusOK}
	if m.alerts.MaxQueueDepth > 0 && depth.Pending > int64(m.alerts.MaxQueueDepth) {
		check.Status = StatusDegraded
		check.Detail = "pending operations above threshold"
		m.alert("queue_depth_exceeded",
			"pending", depth.Pending,
			"threshold", m.alerts.MaxQueueDepth)
	}
	m.addCheck(report, check)

	dl := Check{Name: "deadletter", Status: StatusOK}
	if m.alerts.MaxDeadletter > 0 && depth.Deadletter > int64(m.alerts.MaxDeadletter) {
		dl.Status = StatusUnhealthy
		dl.Detail = "dead-lettered operations above threshold"
		m.alert("deadletter_exceeded",
			"deadletter", depth.Deadletter,
			"threshold", m.alerts.MaxDeadletter)
	}
	m.addCheck(report, dl)
}

func (m *Monitor) checkConflicts(ctx context.Context, report *Report) {
	age, err := m.conflicts.OldestOpenAge(ctx)
	if err != nil {
		m.addCheck(report, Check{Name: "conflicts", Status: StatusUnhealthy, Detail: err.Error()})
		return
	}

	check := Check{Name: "conflicts", Status: StatusOK}
	if maxAge := m.maxConflictAge(); maxAge > 0 && age > maxAge {
		check.Status = StatusDegraded
		check.Detail = "oldest open conflict exceeds threshold"
		m.alert("conflict_age_exceeded",
			"age", age.String(),
			"threshold", maxAge.String())
	}
	m.addCheck(report, check)
}

func (m *Monitor) checkCycles(ctx context.Context, report *Report) {
	statuses, err := m.cycles.StatusAll(ctx)
	if err != nil {
		m.addCheck(report, Check{Name: "cycles", Status: StatusUnhealthy, Detail: err.Error()})
		return
	}
	report.Cycles = statuses

	check := Check{Name: "cycles", Status: StatusOK}
	for _, status := range statuses {
		if status.LastError != "" {
			check.Status = StatusDegraded
			check.Detail = "provider " + status.ProviderID + ": " + status.LastError
			m.alert("cycle_failed",
				"provider_id", status.ProviderID,
				"error", status.LastError)
		}
	}
	m.addCheck(report, check)
}

func (m *Monitor) checkRemote(report *Report) {
	if m.remote == nil {
		return
	}
	rate := m.remote.Rate()
	check := Check{Name: "remote", Status: StatusOK}
	if m.alerts.MaxErrorRate > 0 && rate > m.alerts.MaxErrorRate {
		check.Status = StatusDegraded
		check.Detail = "remote error rate above threshold"
		m.alert("remote_error_rate_exceeded",
			"rate", rate,
			"threshold", m.alerts.MaxErrorRate)
	}
	m.addCheck(report, check)
}

func (m *Monitor) addCheck(report *Report, check Check) {
	report.Checks = append(report.Checks, check)
	switch check.Status {
	case StatusUnhealthy:
		report.Status = StatusUnhealthy
	case StatusDegraded:
		if report.Status == StatusOK {
			report.Status = StatusDegraded
		}
	}
}

func (m *Monitor) alert(rule string, args ...any) {
	m.logger.Warn("alert", append([]any{"rule", rule}, args...)...)
}

func (m *Monitor) maxConflictAge() time.Duration {
	if m.alerts.MaxConflictAge == "" {
		return 0
	}
	maxAge, err := time.ParseDuration(m.alerts.MaxConflictAge)
	if err != nil {
		return 0
	}
	return maxAge
}

// RateTracker keeps a sliding window of remote call outcomes and reports the
// failure fraction.
type RateTracker struct {
	mu      sync.Mutex
	window  time.Duration
	samples []sample
	nowFunc func() time.Time
}

type sample struct {
	at time.Time
	ok bool
}

// NewRateTracker creates a tracker over the given window.
func NewRateTracker(window time.Duration) *RateTracker {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &RateTracker{window: window, nowFunc: time.Now}
}

// Observe records one remote call outcome.
func (t *RateTracker) Observe(ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.nowFunc()
	t.prune(now)
	t.samples = append(t.samples, sample{at: now, ok: ok})
}

// Rate returns the failure fraction within the window, 0 when idle.
func (t *RateTracker) Rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prune(t.nowFunc())
	if len(t.samples) == 0 {
		return 0
	}
	var failed int
	for _, s := range t.samples {
		if !s.ok {
			failed++
		}
	}
	return float64(failed) / float64(len(t.samples))
}

func (t *RateTracker) prune(now time.Time) {
	cutoff := now.Add(-t.window)
	kept := t.samples[:0]
	for _, s := range t.samples {
		if s.at.After(cutoff) {
			kept = append(kept, s)
		}
	}
	t.samples = kept
}
