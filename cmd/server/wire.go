package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"phoenix/internal/auth/authcode"
	authhandler "phoenix/internal/auth/handler"
	"phoenix/internal/auth/keys"
	authservice "phoenix/internal/auth/service"
	"phoenix/internal/auth/store"
	"phoenix/internal/auth/store/replay"
	httpapi "phoenix/internal/http"
	"phoenix/internal/platform/config"
	"phoenix/internal/platform/metrics"
	"phoenix/internal/platform/postgres"
	"phoenix/internal/platform/redis"
	"phoenix/internal/policy"
	rlmiddleware "phoenix/internal/ratelimit/middleware"
	rlmodels "phoenix/internal/ratelimit/models"
	ratelimit "phoenix/internal/ratelimit/service"
	"phoenix/internal/ratelimit/store/window"
	"phoenix/internal/resource"
	"phoenix/pkg/platform/audit"
	"phoenix/pkg/platform/audit/publishers/kafka"
	"phoenix/pkg/platform/circuit"
	"phoenix/pkg/platform/middleware/auth"
)

type directory interface {
	authservice.Directory
	store.Seeder
}

type replayStore interface {
	authservice.ReplayStore
	auth.ReplayGuard
}

type purger struct {
	name  string
	purge func(ctx context.Context) (int, error)
}

type application struct {
	router      http.Handler
	logger      *slog.Logger
	purgers     []purger
	auditRunner *kafka.Publisher
	closers     []func()
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// build wires every component from cfg. On error, whatever was opened is closed.
func build(ctx context.Context, cfg config.Config, log *slog.Logger) (_ *application, err error) {
	app := &application{logger: log}
	defer func() {
		if err != nil {
			app.close()
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(registry)
	health := map[string]httpapi.HealthCheck{}

	var redisClient *redis.Client
	if cfg.Stores.Replay == "redis" || cfg.Stores.RateLimit == "redis" {
		redisClient, err = redis.New(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, func() { _ = redisClient.Close() })
		health["redis"] = redisClient.Health
	}

	var pool *pgxpool.Pool
	if cfg.Stores.Directory == "postgres" || cfg.Stores.Replay == "postgres" {
		pool, err = postgres.NewPool(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, pool.Close)
		if err := postgres.Migrate(ctx, pool); err != nil {
			return nil, err
		}
		health["postgres"] = pool.Ping
	}

	dir, err := buildDirectory(ctx, cfg, pool)
	if err != nil {
		return nil, err
	}

	manager, err := buildKeys(cfg, m, log)
	if err != nil {
		return nil, err
	}

	used, err := app.buildReplay(ctx, cfg, redisClient)
	if err != nil {
		return nil, err
	}

	limiter, err := app.buildLimiter(cfg, redisClient, m, log)
	if err != nil {
		return nil, err
	}

	emitter, err := app.buildAudit(ctx, cfg, log)
	if err != nil {
		return nil, err
	}

	codeKeys, err := authcode.NewKeyHolder()
	if err != nil {
		return nil, err
	}
	svc, err := authservice.New(dir, manager, authcode.New(codeKeys), used, limiter,
		authservice.WithLogger(log),
		authservice.WithMetrics(m),
		authservice.WithAuditPublisher(emitter),
	)
	if err != nil {
		return nil, err
	}

	cookies, err := buildCookies(cfg)
	if err != nil {
		return nil, err
	}

	var remote *keys.RemoteVerifier
	if cfg.Keys.ExternalJWKSURL != "" {
		remote = keys.NewRemoteVerifier(cfg.Keys.ExternalJWKSURL, keys.WithRefreshInterval(cfg.Keys.ExternalJWKSRefresh))
	}
	bearer := auth.RequireBearer(resource.NewVerifier(manager, remote), used, log,
		auth.WithAudiences(cfg.Tokens.Audiences...),
		auth.WithRecorder(m),
		auth.WithReplayHook(func(ctx context.Context, c *auth.Claims) {
			emitter.Emit(ctx, audit.Event{
				Action:   audit.EventTokenReplayDetected,
				Subject:  c.Subject,
				TenantID: c.TenantID,
				Reason:   "access_token",
			})
		}),
	)

	app.router = httpapi.NewRouter(httpapi.Deps{
		Logger:   log,
		Metrics:  m,
		Gatherer: registry,
		Throttle: rlmiddleware.NewThrottle(cfg.RateLimit.GlobalRPS, cfg.RateLimit.GlobalBurst, log, m),
		Routes: []httpapi.Registrar{
			authhandler.New(svc, manager, cookies, log),
			resource.New(bearer, policy.New(), log),
		},
		Health:            health,
		TrustProxyHeaders: cfg.Server.TrustProxyHeaders,
	})
	return app, nil
}

func buildDirectory(ctx context.Context, cfg config.Config, pool *pgxpool.Pool) (directory, error) {
	var dir directory = store.NewInMemoryDirectory()
	if cfg.Stores.Directory == "postgres" {
		dir = store.NewPostgresDirectory(pool)
	}
	if cfg.Server.SeedJSON != "" {
		doc, err := store.LoadSeed(cfg.Server.SeedJSON)
		if err != nil {
			return nil, err
		}
		if err := doc.Apply(ctx, dir); err != nil {
			return nil, fmt.Errorf("apply seed: %w", err)
		}
	}
	return dir, nil
}

func buildKeys(cfg config.Config, m *metrics.Metrics, log *slog.Logger) (*keys.Manager, error) {
	tc := keys.TokenConfig{
		Issuer:    cfg.Tokens.Issuer,
		Audiences: cfg.Tokens.Audiences,
		AccessTTL: cfg.Tokens.AccessTTL,
	}
	opts := []keys.Option{keys.WithMetrics(m), keys.WithLogger(log)}
	if cfg.Keys.Source == "jwk" {
		kid, signer, err := keys.LoadSigningJWK(cfg.Keys.JWKFile)
		if err != nil {
			return nil, err
		}
		return keys.NewFixed(tc, kid, signer, opts...)
	}
	return keys.NewRotating(tc, cfg.Keys.PoolSize, cfg.Keys.Lifetime, opts...)
}

func (a *application) buildReplay(ctx context.Context, cfg config.Config, client *redis.Client) (replayStore, error) {
	switch cfg.Stores.Replay {
	case "redis":
		return replay.NewRedis(client.Client, replay.WithKeyPrefix(cfg.Redis.KeyPrefix+"jti:")), nil
	case "postgres":
		db, err := postgres.OpenDB(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = db.Close() })
		s := replay.NewPostgres(db)
		a.purgers = append(a.purgers, purger{name: "replay", purge: s.Purge})
		return s, nil
	default:
		s := replay.NewInMemory()
		a.purgers = append(a.purgers, purger{name: "replay", purge: s.Purge})
		return s, nil
	}
}

// buildLimiter always keeps an in-process counter. With Redis configured it
// takes over only while the breaker is open.
func (a *application) buildLimiter(cfg config.Config, client *redis.Client, m *metrics.Metrics, log *slog.Logger) (*ratelimit.Service, error) {
	local := window.NewInMemory()
	longest := max(cfg.RateLimit.LoginWindow, cfg.RateLimit.TokenWindow)
	a.purgers = append(a.purgers, purger{name: "ratelimit", purge: func(ctx context.Context) (int, error) {
		return local.Purge(ctx, longest)
	}})

	var counter window.Counter = local
	if cfg.Stores.RateLimit == "redis" {
		primary := window.NewRedis(client.Client, window.WithKeyPrefix(cfg.Redis.KeyPrefix+"rl:"))
		counter = window.NewFallback(primary, local, circuit.New("ratelimit"), log)
	}
	return ratelimit.New(counter,
		ratelimit.WithLimit(rlmodels.OpLogin, cfg.RateLimit.LoginMax, cfg.RateLimit.LoginWindow),
		ratelimit.WithLimit(rlmodels.OpToken, cfg.RateLimit.TokenMax, cfg.RateLimit.TokenWindow),
		ratelimit.WithLogger(log),
		ratelimit.WithMetrics(m),
	)
}

// buildAudit always logs audit events. With brokers configured they are also
// published to Kafka.
func (a *application) buildAudit(ctx context.Context, cfg config.Config, log *slog.Logger) (*audit.Emitter, error) {
	logPub := audit.NewLogPublisher(log)
	if len(cfg.Kafka.Brokers) == 0 {
		return audit.NewEmitter(logPub), nil
	}

	client, err := kafka.NewClient(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, client.Close)

	setupCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := kafka.EnsureTopic(setupCtx, client, cfg.Kafka.Topic, cfg.Kafka.Partitions, cfg.Kafka.Replicas); err != nil {
		return nil, err
	}

	pub := kafka.New(client, cfg.Kafka.Topic, log)
	a.auditRunner = pub
	return audit.NewEmitter(logPub, pub), nil
}

func buildCookies(cfg config.Config) (*authhandler.Cookies, error) {
	key := []byte(cfg.Server.CookieSecret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate cookie key: %w", err)
		}
	}
	return authhandler.NewCookies(key, cfg.Server.SecureCookies)
}
