// Package service implements the authorization-code flow: the authorize,
// login and consent steps and the token endpoint.
//
// Handlers translate HTTP into the request models; everything that decides
// whether a code or a token is issued lives here.
package service

import (
	"errors"
	"log/slog"
	"time"

	"phoenix/internal/platform/metrics"
	"phoenix/pkg/platform/audit"
)

// Service orchestrates the authorization flow.
type Service struct {
	directory Directory
	tokens    TokenIssuer
	codes     CodeCodec
	replay    ReplayStore
	limiter   RateLimiter
	auditor   AuditPublisher
	metrics   *metrics.Metrics
	logger    *slog.Logger
	clock     func() time.Time
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

func WithAuditPublisher(p AuditPublisher) Option {
	return func(s *Service) {
		if p != nil {
			s.auditor = p
		}
	}
}

// WithClock sets the clock used for code expiry and grant timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// New wires the flow. Every collaborator is required.
func New(directory Directory, tokens TokenIssuer, codes CodeCodec, replay ReplayStore, limiter RateLimiter, opts ...Option) (*Service, error) {
	switch {
	case directory == nil:
		return nil, errors.New("directory is required")
	case tokens == nil:
		return nil, errors.New("token issuer is required")
	case codes == nil:
		return nil, errors.New("code codec is required")
	case replay == nil:
		return nil, errors.New("replay store is required")
	case limiter == nil:
		return nil, errors.New("rate limiter is required")
	}
	s := &Service{
		directory: directory,
		tokens:    tokens,
		codes:     codes,
		replay:    replay,
		limiter:   limiter,
		auditor:   audit.NewEmitter(),
		logger:    slog.New(slog.DiscardHandler),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}
