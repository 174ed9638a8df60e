// Package audit records security-relevant actions of the authorization server.
//
// Emission never fails the request that triggered it: publishers buffer or log
// and report their own delivery problems.
package audit

import (
	"context"
	"log/slog"
	"time"

	"phoenix/pkg/requestcontext"
)

// Publisher receives audit events.
type Publisher interface {
	Emit(ctx context.Context, event Event)
}

// Emitter stamps events with request metadata before handing them to a Publisher.
type Emitter struct {
	publisher Publisher
	clock     func() time.Time
}

// NewEmitter wraps publishers. With none, events are dropped.
func NewEmitter(publishers ...Publisher) *Emitter {
	var p Publisher = discard{}
	switch len(publishers) {
	case 0:
	case 1:
		p = publishers[0]
	default:
		p = fanout(publishers)
	}
	return &Emitter{publisher: p, clock: time.Now}
}

// Emit fills Category, Timestamp, RequestID, ClientIP and Device when unset
// and publishes the event. A nil Emitter is valid and drops everything.
func (e *Emitter) Emit(ctx context.Context, event Event) {
	if e == nil {
		return
	}
	if event.Category == "" {
		event.Category = event.Action.Category()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.clock()
	}
	if event.RequestID == "" {
		event.RequestID = requestcontext.RequestID(ctx)
	}
	if event.ClientIP == "" {
		event.ClientIP = requestcontext.ClientIP(ctx)
	}
	if event.Device == "" {
		event.Device = DeviceLabel(requestcontext.UserAgent(ctx))
	}
	e.publisher.Emit(ctx, event)
}

type fanout []Publisher

func (f fanout) Emit(ctx context.Context, event Event) {
	for _, p := range f {
		p.Emit(ctx, event)
	}
}

type discard struct{}

func (discard) Emit(context.Context, Event) {}

// LogPublisher writes each event as a structured log line.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Emit(ctx context.Context, event Event) {
	level := slog.LevelInfo
	if event.Category == CategorySecurity {
		level = slog.LevelWarn
	}
	p.logger.LogAttrs(ctx, level, "audit",
		slog.String("category", string(event.Category)),
		slog.String("action", string(event.Action)),
		slog.String("subject", event.Subject),
		slog.String("tenant_id", event.TenantID),
		slog.String("scope", event.Scope),
		slog.String("reason", event.Reason),
		slog.String("client_ip", event.ClientIP),
		slog.String("device", event.Device),
		slog.String("request_id", event.RequestID),
	)
}
