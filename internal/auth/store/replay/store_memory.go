package replay

import (
	"context"
	"sync"
	"time"
)

// InMemory keeps used ids in a sync.Map of id -> expiry.
type InMemory struct {
	entries sync.Map // string -> time.Time
	clock   Clock
}

// InMemoryOption configures an InMemory store.
type InMemoryOption func(*InMemory)

// WithClock sets the clock used for expiry checks.
func WithClock(clock Clock) InMemoryOption {
	return func(s *InMemory) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewInMemory constructs an empty store.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	s := &InMemory{clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *InMemory) Exists(_ context.Context, id string) (bool, error) {
	v, ok := s.entries.Load(id)
	if !ok {
		return false, nil
	}
	if !s.clock().Before(v.(time.Time)) {
		s.entries.CompareAndDelete(id, v)
		return false, nil
	}
	return true, nil
}

func (s *InMemory) Store(_ context.Context, id string, expiresAt time.Time) error {
	if !s.clock().Before(expiresAt) {
		return nil
	}
	s.entries.Store(id, expiresAt)
	return nil
}

func (s *InMemory) MarkUsed(_ context.Context, id string, expiresAt time.Time) (bool, error) {
	for {
		now := s.clock()
		if !now.Before(expiresAt) {
			return false, nil
		}
		prev, loaded := s.entries.LoadOrStore(id, expiresAt)
		if !loaded {
			return true, nil
		}
		if now.Before(prev.(time.Time)) {
			return false, nil
		}
		// Expired leftover: take it over unless another caller got there first.
		if s.entries.CompareAndSwap(id, prev, expiresAt) {
			return true, nil
		}
	}
}

// Purge deletes expired entries and returns how many were removed.
func (s *InMemory) Purge(_ context.Context) (int, error) {
	now := s.clock()
	removed := 0
	s.entries.Range(func(k, v any) bool {
		if !now.Before(v.(time.Time)) && s.entries.CompareAndDelete(k, v) {
			removed++
		}
		return true
	})
	return removed, nil
}
