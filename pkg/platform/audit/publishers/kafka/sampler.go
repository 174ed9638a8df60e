package kafka

import (
	"math/rand/v2"
	"sync"

	audit "phoenix/pkg/platform/audit"
)

// Sampler thins out high-volume operations events. Security and consent
// events are always kept.
type Sampler struct {
	mu           sync.RWMutex
	defaultRate  float64
	rateByAction map[audit.AuditEvent]float64
	random       func() float64
}

// NewSampler creates a sampler keeping defaultRate (0..1) of operations events.
func NewSampler(defaultRate float64) *Sampler {
	return &Sampler{
		defaultRate:  clampRate(defaultRate),
		rateByAction: make(map[audit.AuditEvent]float64),
		random:       rand.Float64,
	}
}

// Keep reports whether event should be published.
func (s *Sampler) Keep(event audit.Event) bool {
	if event.Category != audit.CategoryOperations {
		return true
	}
	return s.random() < s.rateFor(event.Action)
}

// SetRate overrides the rate for one action.
func (s *Sampler) SetRate(action audit.AuditEvent, rate float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateByAction[action] = clampRate(rate)
}

func (s *Sampler) rateFor(action audit.AuditEvent) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if rate, ok := s.rateByAction[action]; ok {
		return rate
	}
	return s.defaultRate
}

func clampRate(rate float64) float64 {
	return max(0, min(1, rate))
}
