package window

import (
	"context"
	"sync"
	"time"

	"phoenix/internal/ratelimit/models"
)

type counter struct {
	mu    sync.Mutex
	start time.Time
	count int64
}

// InMemory keeps one counter per key. Counters for different keys never
// contend; hits on the same key serialize on that counter's mutex.
type InMemory struct {
	counters sync.Map // string -> *counter
	clock    Clock
}

// Option configures an InMemory store.
type Option func(*InMemory)

// WithClock sets the clock used to open and expire windows.
func WithClock(clock Clock) Option {
	return func(s *InMemory) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewInMemory constructs an empty counter store.
func NewInMemory(opts ...Option) *InMemory {
	s := &InMemory{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Hit counts one attempt against key.
func (s *InMemory) Hit(_ context.Context, key string, limit int, window time.Duration) (*models.Result, error) {
	v, _ := s.counters.LoadOrStore(key, &counter{})
	c := v.(*counter)

	c.mu.Lock()
	now := s.clock()
	if c.start.IsZero() || now.Sub(c.start) >= window {
		c.start = now
		c.count = 0
	}
	c.count++
	count, resetAt := c.count, c.start.Add(window)
	c.mu.Unlock()

	allowed, remaining, retryAfter := result(count, limit, resetAt, now)
	return &models.Result{
		Allowed:    allowed,
		Limit:      limit,
		Remaining:  remaining,
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
	}, nil
}

// Purge drops counters whose window closed more than maxWindow ago and
// returns how many were removed.
func (s *InMemory) Purge(_ context.Context, maxWindow time.Duration) (int, error) {
	now := s.clock()
	removed := 0
	s.counters.Range(func(k, v any) bool {
		c := v.(*counter)
		c.mu.Lock()
		stale := now.Sub(c.start) >= maxWindow
		c.mu.Unlock()
		if stale && s.counters.CompareAndDelete(k, v) {
			removed++
		}
		return true
	})
	return removed, nil
}
