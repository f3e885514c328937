package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mariia-hub/booksy-sync/internal/config"
	pkgsync "github.com/mariia-hub/booksy-sync/internal/sync"
)

type countingRunner struct {
	mu     sync.Mutex
	counts map[string]int
	ran    chan string
}

func newCountingRunner() *countingRunner {
	return &countingRunner{
		counts: make(map[string]int),
		ran:    make(chan string, 64),
	}
}

func (r *countingRunner) RunCycle(_ context.Context, providerID string) (*pkgsync.CycleResult, error) {
	r.mu.Lock()
	r.counts[providerID]++
	r.mu.Unlock()
	r.ran <- providerID
	return &pkgsync.CycleResult{ProviderID: providerID}, nil
}

func (r *countingRunner) count(providerID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[providerID]
}

func waitFor(t *testing.T, ch <-chan string, want string) {
	t.Helper()
	select {
	case got := <-ch:
		assert.Equal(t, want, got)
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for cycle on %s", want)
	}
}

func TestCoordinator_RunsInitialCyclePerProvider(t *testing.T) {
	t.Parallel()

	runner := newCountingRunner()
	c := New(runner, []config.ProviderConfig{
		{ID: "provider-1", BusinessID: "biz-1", SyncPolicy: &config.SyncPolicyConfig{Interval: "1h"}},
		{ID: "provider-2", BusinessID: "biz-2", SyncPolicy: &config.SyncPolicyConfig{Interval: "1h"}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = c.Start(ctx)
		close(done)
	}()

	seen := map[string]bool{}
	for range 2 {
		select {
		case id := <-runner.ran:
			seen[id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for initial cycles")
		}
	}
	assert.True(t, seen["provider-1"])
	assert.True(t, seen["provider-2"])

	cancel()
	<-done
}

func TestCoordinator_TriggerRunsExtraCycle(t *testing.T) {
	t.Parallel()

	runner := newCountingRunner()
	c := New(runner, []config.ProviderConfig{
		{ID: "provider-1", BusinessID: "biz-1", SyncPolicy: &config.SyncPolicyConfig{Interval: "1h"}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Start(ctx) }()

	waitFor(t, runner.ran, "provider-1")

	require.NoError(t, c.Trigger("provider-1"))
	waitFor(t, runner.ran, "provider-1")
	assert.GreaterOrEqual(t, runner.count("provider-1"), 2)
}

func TestCoordinator_TriggerUnknownProvider(t *testing.T) {
	t.Parallel()

	c := New(newCountingRunner(), []config.ProviderConfig{
		{ID: "provider-1", BusinessID: "biz-1"},
	})
	require.Error(t, c.Trigger("provider-9"))
}

func TestCoordinator_TriggersCollapseWhileBusy(t *testing.T) {
	t.Parallel()

	// Triggering a provider that has no loop running only queues one
	// follow-up no matter how many times it fires.
	c := New(newCountingRunner(), []config.ProviderConfig{
		{ID: "provider-1", BusinessID: "biz-1"},
	}).(*defaultCoordinator)

	for range 5 {
		require.NoError(t, c.Trigger("provider-1"))
	}
	assert.Len(t, c.triggers["provider-1"], 1)
}

func TestCoordinator_PeriodicTicks(t *testing.T) {
	t.Parallel()

	runner := newCountingRunner()
	c := New(runner, []config.ProviderConfig{
		{ID: "provider-1", BusinessID: "biz-1", SyncPolicy: &config.SyncPolicyConfig{Interval: "20ms"}},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Start(ctx) }()

	// Initial cycle plus at least two ticks.
	for range 3 {
		waitFor(t, runner.ran, "provider-1")
	}
}

func TestCoordinator_StopWaitsForLoops(t *testing.T) {
	t.Parallel()

	runner := newCountingRunner()
	c := New(runner, []config.ProviderConfig{
		{ID: "provider-1", BusinessID: "biz-1", SyncPolicy: &config.SyncPolicyConfig{Interval: "1h"}},
	})

	var started atomic.Bool
	go func() {
		started.Store(true)
		_ = c.Start(context.Background())
	}()
	waitFor(t, runner.ran, "provider-1")
	require.True(t, started.Load())

	require.NoError(t, c.Stop())
	before := runner.count("provider-1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, runner.count("provider-1"))
}

func TestProviderInterval_Defaults(t *testing.T) {
	t.Parallel()

	assert.Equal(t, defaultInterval, providerInterval(config.ProviderConfig{ID: "p"}))
	assert.Equal(t, defaultInterval, providerInterval(config.ProviderConfig{
		ID: "p", SyncPolicy: &config.SyncPolicyConfig{Interval: "nonsense"},
	}))
	assert.Equal(t, 30*time.Second, providerInterval(config.ProviderConfig{
		ID: "p", SyncPolicy: &config.SyncPolicyConfig{Interval: "30s"},
	}))
}

func TestJittered_StaysWithinBounds(t *testing.T) {
	t.Parallel()

	base := time.Minute
	for range 100 {
		j := jittered(base)
		assert.GreaterOrEqual(t, j, time.Duration(float64(base)*(1-jitterFraction)))
		assert.LessOrEqual(t, j, time.Duration(float64(base)*(1+jitterFraction)))
	}
}
