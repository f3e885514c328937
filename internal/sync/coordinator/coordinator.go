// Package coordinator schedules sync cycles across providers. Each provider
// gets its own loop running one cycle at a time, driven by a jittered
// periodic tick and by explicit triggers (webhooks, admin actions).
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	gosync "sync"
	"time"

	"github.com/mariia-hub/booksy-sync/internal/config"
	pkgsync "github.com/mariia-hub/booksy-sync/internal/sync"
)

const (
	// defaultInterval is used when a provider has no syncPolicy.
	defaultInterval = 5 * time.Minute

	// jitterFraction spreads provider ticks so they do not all hit the
	// Booksy rate budget at once.
	jitterFraction = 0.2
)

// CycleRunner runs one sync cycle for a provider.
type CycleRunner interface {
	RunCycle(ctx context.Context, providerID string) (*pkgsync.CycleResult, error)
}

// Coordinator manages the background sync loops for all configured providers.
type Coordinator interface {
	// Start begins the per-provider sync loops. Blocks until the context
	// is cancelled.
	Start(ctx context.Context) error

	// Stop gracefully stops all loops, waiting for in-flight cycles.
	Stop() error

	// Trigger requests a cycle for the provider as soon as its loop is
	// free. Triggers arriving while one is already queued collapse into
	// it.
	Trigger(providerID string) error
}

type defaultCoordinator struct {
	runner    CycleRunner
	providers []config.ProviderConfig
	logger    *slog.Logger

	triggers map[string]chan struct{}

	cancelFunc context.CancelFunc
	wg         gosync.WaitGroup
	done       chan struct{}
}

// Option configures the coordinator.
type Option func(*defaultCoordinator)

// WithCoordinatorLogger sets the coordinator logger.
func WithCoordinatorLogger(logger *slog.Logger) Option {
	return func(c *defaultCoordinator) {
		c.logger = logger
	}
}

// New creates a coordinator for the configured providers.
func New(runner CycleRunner, providers []config.ProviderConfig, opts ...Option) Coordinator {
	c := &defaultCoordinator{
		runner:    runner,
		providers: providers,
		logger:    slog.Default(),
		triggers:  make(map[string]chan struct{}, len(providers)),
		done:      make(chan struct{}),
	}
	for _, provider := range providers {
		// Capacity 1: a trigger during an active cycle queues exactly
		// one follow-up; further triggers collapse into it.
		c.triggers[provider.ID] = make(chan struct{}, 1)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start begins the per-provider loops and blocks until ctx is cancelled.
func (c *defaultCoordinator) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancelFunc = cancel

	c.logger.Info("starting sync coordinator", "provider_count", len(c.providers))

	for _, provider := range c.providers {
		c.wg.Add(1)
		go func(provider config.ProviderConfig) {
			defer c.wg.Done()
			c.providerLoop(loopCtx, provider)
		}(provider)
	}

	<-loopCtx.Done()
	c.wg.Wait()
	close(c.done)
	c.logger.Info("sync coordinator stopped")
	return nil
}

// Stop cancels the loops and waits for in-flight cycles to finish.
func (c *defaultCoordinator) Stop() error {
	if c.cancelFunc != nil {
		c.cancelFunc()
		<-c.done
	}
	return nil
}

// Trigger requests an out-of-schedule cycle for the provider.
func (c *defaultCoordinator) Trigger(providerID string) error {
	ch, ok := c.triggers[providerID]
	if !ok {
		return fmt.Errorf("unknown provider %q", providerID)
	}
	select {
	case ch <- struct{}{}:
	default:
		// One is already queued; this trigger rides along with it.
	}
	return nil
}

func (c *defaultCoordinator) providerLoop(ctx context.Context, provider config.ProviderConfig) {
	interval := providerInterval(provider)
	c.logger.Info("provider sync loop started",
		"provider_id", provider.ID,
		"interval", interval)

	// Initial cycle on startup so a fresh deploy converges immediately.
	c.runOnce(ctx, provider.ID)

	timer := time.NewTimer(jittered(interval))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			c.runOnce(ctx, provider.ID)
		case <-c.triggers[provider.ID]:
			c.runOnce(ctx, provider.ID)
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(jittered(interval))
	}
}

func (c *defaultCoordinator) runOnce(ctx context.Context, providerID string) {
	if ctx.Err() != nil {
		return
	}
	result, err := c.runner.RunCycle(ctx, providerID)
	if err != nil {
		c.logger.Error("sync cycle failed",
			"provider_id", providerID,
			"error", err)
		return
	}
	c.logger.Debug("sync cycle finished",
		"provider_id", providerID,
		"pulled", result.Pulled,
		"pushed", result.Pushed,
		"conflicts", result.Conflicts)
}

func providerInterval(provider config.ProviderConfig) time.Duration {
	if provider.SyncPolicy == nil || provider.SyncPolicy.Interval == "" {
		return defaultInterval
	}
	interval, err := time.ParseDuration(provider.SyncPolicy.Interval)
	if err != nil || interval <= 0 {
		return defaultInterval
	}
	return interval
}

// jittered returns the interval offset by a random amount within
// ±jitterFraction so provider loops drift apart.
func jittered(interval time.Duration) time.Duration {
	span := int64(float64(interval) * jitterFraction)
	if span <= 0 {
		return interval
	}
	//nolint:gosec // G404: non-cryptographic randomness is fine for schedule jitter
	return interval + time.Duration(rand.Int64N(2*span)-span)
}
