package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

var markUsedDurationMs = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "phoenix_replay_mark_used_duration_ms",
	Help:    "Latency of Redis replay marks in milliseconds",
	Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25},
})

const keyPrefix = "replay:"

// Redis shares used ids across instances. Expiry is delegated to Redis TTLs.
type Redis struct {
	client redis.UniversalClient
	prefix string
	clock  Clock
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithKeyPrefix namespaces every key, e.g. "phoenix:iam:".
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *Redis) { s.prefix = prefix }
}

// WithRedisClock sets the clock used to turn expiry instants into TTLs.
func WithRedisClock(clock Clock) RedisOption {
	return func(s *Redis) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewRedis constructs a Redis-backed replay store.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	s := &Redis{client: client, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Redis) key(id string) string {
	return s.prefix + keyPrefix + id
}

func (s *Redis) Exists(ctx context.Context, id string) (bool, error) {
	_, err := s.client.Get(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check replay entry: %w", err)
	}
	return true, nil
}

func (s *Redis) Store(ctx context.Context, id string, expiresAt time.Time) error {
	ttl := expiresAt.Sub(s.clock())
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.key(id), "1", ttl).Err(); err != nil {
		return fmt.Errorf("store replay entry: %w", err)
	}
	return nil
}

// MarkUsed uses SET NX so exactly one caller across all instances wins.
func (s *Redis) MarkUsed(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	start := time.Now()
	defer func() {
		markUsedDurationMs.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}()

	ttl := expiresAt.Sub(s.clock())
	if ttl <= 0 {
		return false, nil
	}
	fresh, err := s.client.SetNX(ctx, s.key(id), "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("mark replay entry: %w", err)
	}
	return fresh, nil
}
