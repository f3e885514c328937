package booksy

import (
	"sync"
	"time"
)

// defaultPerMinute applies when no rate limit is configured. Booksy's
// documented partner limit.
const defaultPerMinute = 120

// Budget is a sliding-window outbound rate budget. The queue asks Reserve
// before dispatching; a denial carries the wait until the window frees up,
// which the queue turns into a scheduled retry instead of a blocked worker.
//
// A 429 from the remote is reported through Penalize so the budget closes
// for the advertised retry-after even when our own window disagrees.
type Budget struct {
	mu        sync.Mutex
	perMinute int
	sent      []time.Time
	closedTil time.Time
	nowFunc   func() time.Time
}

// NewBudget creates a budget of perMinute outbound requests. Zero or
// negative falls back to the default.
func NewBudget(perMinute int) *Budget {
	if perMinute <= 0 {
		perMinute = defaultPerMinute
	}
	return &Budget{
		perMinute: perMinute,
		nowFunc:   time.Now,
	}
}

// Reserve claims one request slot. When the budget is exhausted it returns
// false and the duration until a slot frees up.
func (b *Budget) Reserve() (bool, time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	if now.Before(b.closedTil) {
		return false, b.closedTil.Sub(now)
	}

	b.prune(now)
	if len(b.sent) >= b.perMinute {
		return false, b.sent[0].Add(time.Minute).Sub(now)
	}

	b.sent = append(b.sent, now)
	return true, 0
}

// Penalize closes the budget for retryAfter in response to a remote 429.
// Zero applies a one-window close.
func (b *Budget) Penalize(retryAfter time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if retryAfter <= 0 {
		retryAfter = time.Minute
	}
	closedTil := b.nowFunc().Add(retryAfter)
	if closedTil.After(b.closedTil) {
		b.closedTil = closedTil
	}
}

// Remaining reports how many request slots are currently free.
func (b *Budget) Remaining() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFunc()
	if now.Before(b.closedTil) {
		return 0
	}
	b.prune(now)
	return b.perMinute - len(b.sent)
}

func (b *Budget) prune(now time.Time) {
	cutoff := now.Add(-time.Minute)
	i := 0
	for i < len(b.sent) && !b.sent[i].After(cutoff) {
		i++
	}
	b.sent = b.sent[i:]
}
