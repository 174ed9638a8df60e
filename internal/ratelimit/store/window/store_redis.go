package window

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"phoenix/internal/ratelimit/models"
)

// hitScript increments the counter and opens the window on the first hit.
// Returns {count, remaining window in ms}.
var hitScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if count == 1 or ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

// Redis keeps counters in Redis so every instance shares one window per key.
type Redis struct {
	client redis.UniversalClient
	prefix string
	clock  Clock
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithKeyPrefix namespaces every key.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *Redis) { s.prefix = prefix }
}

// WithRedisClock sets the clock used to compute ResetAt.
func WithRedisClock(clock Clock) RedisOption {
	return func(s *Redis) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewRedis constructs a Redis-backed counter store.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	s := &Redis{client: client, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Redis) key(key string) string {
	return s.prefix + "ratelimit:" + key
}

// Hit counts one attempt against key.
func (s *Redis) Hit(ctx context.Context, key string, limit int, window time.Duration) (*models.Result, error) {
	vals, err := hitScript.Run(ctx, s.client, []string{s.key(key)}, window.Milliseconds()).Int64Slice()
	if err != nil {
		return nil, fmt.Errorf("count rate limit hit: %w", err)
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("count rate limit hit: unexpected reply %v", vals)
	}
	now := s.clock()
	resetAt := now.Add(time.Duration(vals[1]) * time.Millisecond)
	allowed, remaining, retryAfter := result(vals[0], limit, resetAt, now)
	return &models.Result{
		Allowed:    allowed,
		Limit:      limit,
		Remaining:  remaining,
		ResetAt:    resetAt,
		RetryAfter: retryAfter,
	}, nil
}
