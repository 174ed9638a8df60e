// Package keys owns the token signing keys: a rotating Ed25519 pool, or one
// fixed key loaded from a JWK. It signs and verifies tokens and publishes the
// public halves as JWKs.
package keys

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	mrand "math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"phoenix/internal/platform/metrics"
)

// RefreshTokenTTL is fixed; only the access token lifetime is configurable.
const RefreshTokenTTL = 3 * time.Hour

// AllowedAlgorithms are the only header algorithms accepted anywhere in phoenix.
var AllowedAlgorithms = []string{"EdDSA", "RS256", "ES256"}

var (
	// ErrKeyUnavailable means no active key exists and none could be generated.
	ErrKeyUnavailable = errors.New("signing key unavailable")
	// ErrKeyNotFound means the kid is unknown or past its grace window.
	ErrKeyNotFound = errors.New("signing key not found")
	// ErrInvalidToken covers every signature, claim and format failure.
	ErrInvalidToken = errors.New("invalid token")
)

// Clock abstracts time for testability.
type Clock func() time.Time

// keyPair is one signing key with its windows.
type keyPair struct {
	kid         string
	signer      crypto.Signer
	public      crypto.PublicKey
	method      jwt.SigningMethod
	createdAt   time.Time
	activeUntil time.Time
	verifyUntil time.Time
}

func (k *keyPair) canSign(now time.Time) bool   { return now.Before(k.activeUntil) }
func (k *keyPair) canVerify(now time.Time) bool { return now.Before(k.verifyUntil) }

// Manager signs and verifies tokens.
type Manager struct {
	keys     sync.Map // kid -> *keyPair
	fixed    bool
	capacity int
	lifetime time.Duration

	issuer    string
	audiences []string
	accessTTL time.Duration

	clock   Clock
	random  io.Reader
	refill  singleflight.Group
	metrics *metrics.Metrics
	logger  *slog.Logger
	tracer  trace.Tracer
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for key windows and token timestamps.
func WithClock(clock Clock) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithRandom replaces the entropy source used for key generation.
func WithRandom(r io.Reader) Option {
	return func(m *Manager) {
		if r != nil {
			m.random = r
		}
	}
}

// WithMetrics records key lifecycle counters.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithLogger sets the logger for rotation events.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// TokenConfig holds the claim-level settings shared by both modes.
type TokenConfig struct {
	Issuer    string
	Audiences []string
	AccessTTL time.Duration
}

// NewRotating builds a Manager over a pool of capacity Ed25519 keys, each
// signing for lifetime and verifying for one access-token lifetime after that.
func NewRotating(tc TokenConfig, capacity int, lifetime time.Duration, opts ...Option) (*Manager, error) {
	if capacity < 1 {
		return nil, fmt.Errorf("key pool capacity must be at least 1")
	}
	if lifetime <= 0 || tc.AccessTTL <= 0 {
		return nil, fmt.Errorf("key lifetime and access token ttl must be positive")
	}
	m := newManager(tc, opts...)
	m.capacity = capacity
	m.lifetime = lifetime
	if _, err := m.activeKeys(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewFixed builds a Manager around one externally supplied private key.
// There is no rotation and exactly one kid.
func NewFixed(tc TokenConfig, kid string, key crypto.Signer, opts ...Option) (*Manager, error) {
	method, err := methodFor(key.Public())
	if err != nil {
		return nil, err
	}
	if kid == "" {
		return nil, fmt.Errorf("fixed signing key requires a kid")
	}
	m := newManager(tc, opts...)
	m.fixed = true
	m.capacity = 1
	far := time.Unix(1<<62, 0)
	m.keys.Store(kid, &keyPair{
		kid:         kid,
		signer:      key,
		public:      key.Public(),
		method:      method,
		createdAt:   m.clock(),
		activeUntil: far,
		verifyUntil: far,
	})
	return m, nil
}

func newManager(tc TokenConfig, opts ...Option) *Manager {
	m := &Manager{
		issuer:    tc.Issuer,
		audiences: append([]string(nil), tc.Audiences...),
		accessTTL: tc.AccessTTL,
		clock:     time.Now,
		random:    rand.Reader,
		logger:    slog.New(slog.DiscardHandler),
		tracer:    otel.Tracer("phoenix/internal/auth/keys"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func methodFor(pub crypto.PublicKey) (jwt.SigningMethod, error) {
	switch k := pub.(type) {
	case ed25519.PublicKey:
		return jwt.SigningMethodEdDSA, nil
	case *rsa.PublicKey:
		return jwt.SigningMethodRS256, nil
	case *ecdsa.PublicKey:
		if k.Curve.Params().Name != "P-256" {
			return nil, fmt.Errorf("unsupported ecdsa curve %s", k.Curve.Params().Name)
		}
		return jwt.SigningMethodES256, nil
	default:
		return nil, fmt.Errorf("unsupported signing key type %T", pub)
	}
}

// AccessTTL is the configured access token lifetime.
func (m *Manager) AccessTTL() time.Duration { return m.accessTTL }

// Audiences returns the audiences stamped into access tokens.
func (m *Manager) Audiences() []string { return append([]string(nil), m.audiences...) }

// Issuer returns the iss claim value.
func (m *Manager) Issuer() string { return m.issuer }

// activeKeys evicts expired keys, refills the pool, and returns the keys
// that may currently sign.
func (m *Manager) activeKeys() ([]*keyPair, error) {
	active := m.sweep(m.clock())
	if m.fixed || len(active) >= m.capacity {
		return active, nil
	}

	_, err, _ := m.refill.Do("refill", func() (any, error) {
		// Recount: a concurrent refill may have finished before this one started.
		current := m.sweep(m.clock())
		missing := m.capacity - len(current)
		for range missing {
			if err := m.generate(); err != nil {
				return nil, err
			}
		}
		if missing > 0 {
			m.metrics.IncKeysGenerated(missing)
			m.logger.Info("signing key pool refilled", "generated", missing, "capacity", m.capacity)
		}
		return nil, nil
	})
	if err != nil {
		m.logger.Error("signing key generation failed", "error", err)
	}

	active = m.sweep(m.clock())
	m.metrics.SetActiveKeys(len(active))
	if len(active) == 0 {
		return nil, ErrKeyUnavailable
	}
	return active, nil
}

// sweep deletes keys whose grace window has passed and returns those still
// inside their active window.
func (m *Manager) sweep(now time.Time) []*keyPair {
	var active []*keyPair
	evicted := 0
	m.keys.Range(func(k, v any) bool {
		kp := v.(*keyPair)
		if !kp.canVerify(now) {
			if m.keys.CompareAndDelete(k, v) {
				evicted++
			}
			return true
		}
		if kp.canSign(now) {
			active = append(active, kp)
		}
		return true
	})
	if evicted > 0 {
		m.metrics.IncKeysEvicted(evicted)
	}
	return active
}

func (m *Manager) generate() error {
	pub, priv, err := ed25519.GenerateKey(m.random)
	if err != nil {
		return fmt.Errorf("generate ed25519 key: %w", err)
	}
	now := m.clock()
	kp := &keyPair{
		kid:         uuid.NewString(),
		signer:      priv,
		public:      pub,
		method:      jwt.SigningMethodEdDSA,
		createdAt:   now,
		activeUntil: now.Add(m.lifetime),
		verifyUntil: now.Add(m.lifetime + m.accessTTL),
	}
	m.keys.Store(kp.kid, kp)
	return nil
}

// Sign signs claims with any currently active key.
func (m *Manager) Sign(ctx context.Context, claims jwt.Claims) (string, error) {
	_, span := m.tracer.Start(ctx, "keys.sign")
	defer span.End()

	active, err := m.activeKeys()
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", err
	}
	kp := active[mrand.IntN(len(active))]
	span.SetAttributes(attribute.String("kid", kp.kid))

	token := jwt.NewWithClaims(kp.method, claims)
	token.Header["kid"] = kp.kid
	token.Header["typ"] = "JWT"
	signed, err := token.SignedString(kp.signer)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// IssueAccessToken signs a new access token and returns it with its jti.
func (m *Manager) IssueAccessToken(ctx context.Context, req AccessRequest) (string, string, error) {
	now := m.clock()
	jti := uuid.NewString()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   req.Subject,
			Audience:  m.audiences,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.accessTTL)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti,
		},
		UPN:      req.Subject,
		TenantID: req.TenantID,
		Scope:    req.Scope,
		Groups:   req.Roles,
	}
	token, err := m.Sign(ctx, claims)
	if err != nil {
		return "", "", err
	}
	return token, jti, nil
}

// IssueRefreshToken signs a refresh token valid for RefreshTokenTTL.
func (m *Manager) IssueRefreshToken(ctx context.Context, tenantID, subject, scope string) (string, error) {
	now := m.clock()
	return m.Sign(ctx, RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(RefreshTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		TenantID: tenantID,
		Scope:    scope,
		TokenUse: TokenUseRefresh,
	})
}

// IssuePair issues an access token and a refresh token with identical scope.
func (m *Manager) IssuePair(ctx context.Context, req AccessRequest) (*Pair, error) {
	access, jti, err := m.IssueAccessToken(ctx, req)
	if err != nil {
		return nil, err
	}
	refresh, err := m.IssueRefreshToken(ctx, req.TenantID, req.Subject, req.Scope)
	if err != nil {
		return nil, err
	}
	return &Pair{
		AccessToken:   access,
		AccessTokenID: jti,
		RefreshToken:  refresh,
		ExpiresIn:     int64(m.accessTTL / time.Second),
		Scope:         req.Scope,
	}, nil
}

// Verify checks signature then expiry and decodes into claims.
func (m *Manager) Verify(ctx context.Context, tokenString string, claims jwt.Claims) error {
	_, span := m.tracer.Start(ctx, "keys.verify")
	defer span.End()

	parser := jwt.NewParser(
		jwt.WithValidMethods(AllowedAlgorithms),
		jwt.WithTimeFunc(m.clock),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(m.issuer),
	)
	_, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		kp, ok := m.lookup(kid)
		if !ok {
			return nil, ErrKeyNotFound
		}
		if t.Method.Alg() != kp.method.Alg() {
			return nil, fmt.Errorf("algorithm %s does not match key %s", t.Method.Alg(), kid)
		}
		span.SetAttributes(attribute.String("kid", kid))
		return kp.public, nil
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	return nil
}

// VerifyAccess verifies an access token.
func (m *Manager) VerifyAccess(ctx context.Context, token string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := m.Verify(ctx, token, claims); err != nil {
		return nil, err
	}
	if claims.TokenUse != "" {
		return nil, fmt.Errorf("%w: not an access token", ErrInvalidToken)
	}
	return claims, nil
}

// VerifyRefresh verifies a refresh token.
func (m *Manager) VerifyRefresh(ctx context.Context, token string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := m.Verify(ctx, token, claims); err != nil {
		return nil, err
	}
	if claims.TokenUse != TokenUseRefresh {
		return nil, fmt.Errorf("%w: not a refresh token", ErrInvalidToken)
	}
	return claims, nil
}

// Owns reports whether kid belongs to a key this manager can still verify with.
func (m *Manager) Owns(kid string) bool {
	_, ok := m.lookup(kid)
	return ok
}

func (m *Manager) lookup(kid string) (*keyPair, bool) {
	if kid == "" {
		return nil, false
	}
	v, ok := m.keys.Load(kid)
	if !ok {
		return nil, false
	}
	kp := v.(*keyPair)
	if !kp.canVerify(m.clock()) {
		return nil, false
	}
	return kp, true
}

// ActiveKeyCount returns how many keys can currently sign.
func (m *Manager) ActiveKeyCount() int {
	return len(m.sweep(m.clock()))
}

// KeyIDs lists every kid still valid for verification, oldest first.
func (m *Manager) KeyIDs() []string {
	now := m.clock()
	var kps []*keyPair
	m.keys.Range(func(_, v any) bool {
		kp := v.(*keyPair)
		if kp.canVerify(now) {
			kps = append(kps, kp)
		}
		return true
	})
	sort.Slice(kps, func(i, j int) bool {
		if kps[i].createdAt.Equal(kps[j].createdAt) {
			return kps[i].kid < kps[j].kid
		}
		return kps[i].createdAt.Before(kps[j].createdAt)
	})
	ids := make([]string, len(kps))
	for i, kp := range kps {
		ids[i] = kp.kid
	}
	return ids
}
