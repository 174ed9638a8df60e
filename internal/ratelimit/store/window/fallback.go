package window

import (
	"context"
	"log/slog"
	"time"

	"phoenix/internal/ratelimit/models"
	"phoenix/pkg/platform/circuit"
)

// Counter is implemented by InMemory and Redis.
type Counter interface {
	Hit(ctx context.Context, key string, limit int, window time.Duration) (*models.Result, error)
}

// Fallback counts in primary and, once the breaker has opened on repeated
// primary failures, in a local secondary until primary recovers. A hit is
// always counted somewhere or returned as an error.
type Fallback struct {
	primary   Counter
	secondary Counter
	breaker   *circuit.Breaker
	logger    *slog.Logger
}

// NewFallback wraps primary with an in-process secondary.
func NewFallback(primary, secondary Counter, breaker *circuit.Breaker, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Fallback{primary: primary, secondary: secondary, breaker: breaker, logger: logger}
}

func (f *Fallback) Hit(ctx context.Context, key string, limit int, window time.Duration) (*models.Result, error) {
	res, err := f.primary.Hit(ctx, key, limit, window)
	if err != nil {
		useFallback, change := f.breaker.RecordFailure()
		if change.Opened {
			f.logger.WarnContext(ctx, "rate limit store degraded, counting locally", "breaker", f.breaker.Name(), "error", err)
		}
		if !useFallback {
			return nil, err
		}
		return f.secondary.Hit(ctx, key, limit, window)
	}

	usePrimary, change := f.breaker.RecordSuccess()
	if change.Closed {
		f.logger.InfoContext(ctx, "rate limit store recovered", "breaker", f.breaker.Name())
	}
	if !usePrimary {
		// Still recovering: the local window has seen this client's recent hits.
		return f.secondary.Hit(ctx, key, limit, window)
	}
	return res, nil
}
