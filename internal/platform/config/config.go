package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full process configuration, read once at startup.
type Config struct {
	Server    Server          `envPrefix:"PHOENIX_"`
	Tokens    Tokens          `envPrefix:"PHOENIX_TOKEN_"`
	Keys      Keys            `envPrefix:"PHOENIX_KEYS_"`
	Stores    Stores          `envPrefix:"PHOENIX_STORE_"`
	Redis     RedisConfig     `envPrefix:"PHOENIX_REDIS_"`
	Postgres  PostgresConfig  `envPrefix:"PHOENIX_POSTGRES_"`
	RateLimit RateLimitConfig `envPrefix:"PHOENIX_RATELIMIT_"`
	Kafka     KafkaConfig     `envPrefix:"PHOENIX_KAFKA_"`
}

// Server captures HTTP server level configuration.
type Server struct {
	Addr            string        `env:"ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	// SecureCookies sets the Secure attribute on the state and challenge cookies.
	SecureCookies bool `env:"SECURE_COOKIES" envDefault:"true"`
	// CookieSecret signs the challenge cookie. Generated per process when empty.
	CookieSecret string `env:"COOKIE_SECRET"`
	// SeedJSON is inline JSON, or @path to a file, with tenants and identities
	// loaded into the directory at boot.
	SeedJSON string `env:"SEED_JSON"`
	// TrustProxyHeaders keys rate limits on X-Forwarded-For. Enable only behind
	// a proxy that overwrites the header.
	TrustProxyHeaders bool `env:"TRUST_PROXY_HEADERS" envDefault:"false"`
}

// Tokens configures issued token claims and lifetimes.
type Tokens struct {
	Issuer    string        `env:"ISSUER" envDefault:"urn:phoenix:iam"`
	Audiences []string      `env:"AUDIENCES" envSeparator:"," envDefault:"urn:phoenix:api"`
	AccessTTL time.Duration `env:"ACCESS_TTL" envDefault:"17m"`
}

// Keys configures the signing key pool.
type Keys struct {
	// Source is "rotating" for the in-process pool or "jwk" for a fixed external key.
	Source   string        `env:"SOURCE" envDefault:"rotating"`
	Lifetime time.Duration `env:"LIFETIME" envDefault:"1h"`
	PoolSize int           `env:"POOL_SIZE" envDefault:"3"`
	// JWKFile holds a private JWK (Ed25519, RSA or P-256) when Source is "jwk".
	JWKFile string `env:"JWK_FILE"`
	// ExternalJWKSURL is a second issuer whose RS256/ES256 tokens the resource filter accepts.
	ExternalJWKSURL     string        `env:"EXTERNAL_JWKS_URL"`
	ExternalJWKSRefresh time.Duration `env:"EXTERNAL_JWKS_REFRESH" envDefault:"1h"`
}

// Stores selects backends: "memory", "redis" or "postgres".
type Stores struct {
	Directory string `env:"DIRECTORY" envDefault:"memory"`
	Replay    string `env:"REPLAY" envDefault:"memory"`
	RateLimit string `env:"RATELIMIT" envDefault:"memory"`
}

// RedisConfig configures the shared Redis client.
type RedisConfig struct {
	URL          string        `env:"URL"`
	KeyPrefix    string        `env:"KEY_PREFIX" envDefault:"phoenix:iam:"`
	PoolSize     int           `env:"POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"MIN_IDLE_CONNS" envDefault:"2"`
	DialTimeout  time.Duration `env:"DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"WRITE_TIMEOUT" envDefault:"3s"`
}

// PostgresConfig configures the relational directory and replay table.
type PostgresConfig struct {
	DSN      string `env:"DSN"`
	MaxConns int32  `env:"MAX_CONNS" envDefault:"10"`
}

// RateLimitConfig configures the per-client limiters and the global throttle.
type RateLimitConfig struct {
	LoginMax      int           `env:"LOGIN_MAX" envDefault:"5"`
	LoginWindow   time.Duration `env:"LOGIN_WINDOW" envDefault:"15m"`
	TokenMax      int           `env:"TOKEN_MAX" envDefault:"30"`
	TokenWindow   time.Duration `env:"TOKEN_WINDOW" envDefault:"1m"`
	GlobalRPS     float64       `env:"GLOBAL_RPS" envDefault:"200"`
	GlobalBurst   int           `env:"GLOBAL_BURST" envDefault:"400"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
}

// KafkaConfig enables the Kafka audit publisher when Brokers is set.
type KafkaConfig struct {
	Brokers    []string `env:"BROKERS" envSeparator:","`
	Topic      string   `env:"TOPIC" envDefault:"phoenix.audit"`
	Partitions int32    `env:"PARTITIONS" envDefault:"3"`
	Replicas   int16    `env:"REPLICAS" envDefault:"1"`
}

// FromEnv builds the configuration from environment variables so main stays lean.
func FromEnv() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects combinations that cannot start.
func (c Config) Validate() error {
	switch c.Keys.Source {
	case "rotating":
		if c.Keys.PoolSize < 1 {
			return fmt.Errorf("PHOENIX_KEYS_POOL_SIZE must be at least 1")
		}
		if c.Keys.Lifetime <= 0 {
			return fmt.Errorf("PHOENIX_KEYS_LIFETIME must be positive")
		}
	case "jwk":
		if c.Keys.JWKFile == "" {
			return fmt.Errorf("PHOENIX_KEYS_JWK_FILE is required when key source is jwk")
		}
	default:
		return fmt.Errorf("unknown key source %q", c.Keys.Source)
	}
	if c.Tokens.AccessTTL <= 0 {
		return fmt.Errorf("PHOENIX_TOKEN_ACCESS_TTL must be positive")
	}
	if len(c.Tokens.Audiences) == 0 {
		return fmt.Errorf("PHOENIX_TOKEN_AUDIENCES must not be empty")
	}
	for name, backend := range map[string]string{
		"directory": c.Stores.Directory,
		"replay":    c.Stores.Replay,
		"ratelimit": c.Stores.RateLimit,
	} {
		switch backend {
		case "memory":
		case "redis":
			if name == "directory" {
				return fmt.Errorf("directory store does not support redis")
			}
			if c.Redis.URL == "" {
				return fmt.Errorf("%s store is redis but PHOENIX_REDIS_URL is empty", name)
			}
		case "postgres":
			if name == "ratelimit" {
				return fmt.Errorf("ratelimit store does not support postgres")
			}
			if c.Postgres.DSN == "" {
				return fmt.Errorf("%s store is postgres but PHOENIX_POSTGRES_DSN is empty", name)
			}
		default:
			return fmt.Errorf("unknown %s store %q", name, backend)
		}
	}
	if c.RateLimit.LoginMax < 1 || c.RateLimit.LoginWindow <= 0 {
		return fmt.Errorf("login rate limit must allow at least one attempt per positive window")
	}
	if c.RateLimit.TokenMax < 1 || c.RateLimit.TokenWindow <= 0 {
		return fmt.Errorf("token rate limit must allow at least one attempt per positive window")
	}
	return nil
}
