// Package memory keeps audit events in process. Tests use it to assert what
// the flow emitted.
package memory

import (
	"context"
	"sync"

	audit "phoenix/pkg/platform/audit"
)

type Publisher struct {
	mu     sync.RWMutex
	events []audit.Event
}

func NewPublisher() *Publisher {
	return &Publisher{}
}

func (p *Publisher) Emit(_ context.Context, event audit.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

// Events returns a copy of everything emitted so far, oldest first.
func (p *Publisher) Events() []audit.Event {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]audit.Event{}, p.events...)
}

// Actions lists the emitted actions in order.
func (p *Publisher) Actions() []audit.AuditEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]audit.AuditEvent, len(p.events))
	for i, e := range p.events {
		out[i] = e.Action
	}
	return out
}

func (p *Publisher) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = nil
}
