// Package service applies per-operation fixed-window limits to clients.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"phoenix/internal/platform/metrics"
	"phoenix/internal/ratelimit/models"
	dErrors "phoenix/pkg/domain-errors"
)

// Limit is the budget for one operation.
type Limit struct {
	Max    int
	Window time.Duration
}

type Service struct {
	store   Store
	limits  map[string]Limit
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithLimit sets or replaces the budget for op.
func WithLimit(op string, max int, window time.Duration) Option {
	return func(s *Service) {
		s.limits[op] = Limit{Max: max, Window: window}
	}
}

func New(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("rate limit store is required")
	}
	svc := &Service{
		store:  store,
		limits: map[string]Limit{models.OpLogin: {Max: 5, Window: 15 * time.Minute}},
		logger: slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(svc)
	}
	for op, l := range svc.limits {
		if l.Max < 1 || l.Window <= 0 {
			return nil, fmt.Errorf("invalid rate limit for %s: max=%d window=%s", op, l.Max, l.Window)
		}
	}
	return svc, nil
}

// Check counts one attempt of op by client. Store failures are returned as
// unavailable and never treated as allowed.
func (s *Service) Check(ctx context.Context, op, client string) (*models.Result, error) {
	limit, ok := s.limits[op]
	if !ok {
		return nil, dErrors.New(dErrors.CodeInternal, fmt.Sprintf("no rate limit configured for %s", op))
	}
	res, err := s.store.Hit(ctx, models.Key(op, client), limit.Max, limit.Window)
	if err != nil {
		s.logger.ErrorContext(ctx, "rate limit store failed", "op", op, "error", err)
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "rate limiter unavailable")
	}
	if !res.Allowed {
		s.metrics.IncRateLimitDenied(op)
		s.logger.WarnContext(ctx, "rate limit exceeded",
			"op", op,
			"retry_after_seconds", res.RetryAfterSeconds(),
		)
	}
	return res, nil
}
