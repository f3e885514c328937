package consent

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// maxCacheTTL bounds how stale a cached decision may be. A revocation must
// become visible within this window even on the cached path.
const maxCacheTTL = time.Minute

const defaultCacheTTL = 15 * time.Second

// Gate answers "may this subject's data leave the boundary" at enqueue and
// dispatch time.
type Gate struct {
	store   Store
	cache   DecisionCache
	ttl     time.Duration
	nowFunc func() time.Time
}

// GateOption configures the gate.
type GateOption func(*Gate)

// WithCache sets the decision cache.
func WithCache(cache DecisionCache) GateOption {
	return func(g *Gate) {
		g.cache = cache
	}
}

// WithCacheTTL sets the decision cache TTL. Values above the hard bound are
// clamped down to it.
func WithCacheTTL(ttl time.Duration) GateOption {
	return func(g *Gate) {
		g.ttl = ttl
	}
}

// WithNowFunc overrides the clock, for tests.
func WithNowFunc(nowFunc func() time.Time) GateOption {
	return func(g *Gate) {
		g.nowFunc = nowFunc
	}
}

// NewGate creates a consent gate over the given record store.
func NewGate(store Store, opts ...GateOption) *Gate {
	g := &Gate{
		store:   store,
		ttl:     defaultCacheTTL,
		nowFunc: time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.ttl <= 0 || g.ttl > maxCacheTTL {
		g.ttl = defaultCacheTTL
	}
	return g
}

// Check returns the consent state for a subject and scope. Results may be
// served from the short-TTL cache; Refresh forces a store read.
func (g *Gate) Check(ctx context.Context, subjectID, scope string) (State, error) {
	key := cacheKey(subjectID, scope)

	if g.cache != nil {
		if state, ok, err := g.cache.Get(ctx, key); err == nil && ok {
			return state, nil
		}
		// A cache failure degrades to a store read rather than failing the
		// decision.
	}

	return g.Refresh(ctx, subjectID, scope)
}

// Refresh reads the authoritative record, derives the state, and repopulates
// the cache. Dispatch-time re-checks use this to avoid trusting a decision
// cached before the queue wait.
func (g *Gate) Refresh(ctx context.Context, subjectID, scope string) (State, error) {
	record, err := g.store.Get(ctx, subjectID, scope)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return StateUnknown, nil
		}
		return StateUnknown, fmt.Errorf("failed to read consent record: %w", err)
	}

	state := record.StateAt(g.nowFunc())

	if g.cache != nil {
		_ = g.cache.Set(ctx, cacheKey(subjectID, scope), state, g.ttl)
	}
	return state, nil
}

// Invalidate drops any cached decision for a subject and scope. Called on
// revocation so the next check sees the new state immediately.
func (g *Gate) Invalidate(ctx context.Context, subjectID, scope string) {
	if g.cache != nil {
		_ = g.cache.Delete(ctx, cacheKey(subjectID, scope))
	}
}

func cacheKey(subjectID, scope string) string {
	return "consent:" + subjectID + ":" + scope
}
