package keys

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"phoenix/internal/platform/metrics"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var testTokens = TokenConfig{
	Issuer:    "urn:phoenix:test",
	Audiences: []string{"urn:phoenix:api"},
	AccessTTL: 10 * time.Minute,
}

type ManagerSuite struct {
	suite.Suite
	ctx     context.Context
	clock   *fakeClock
	metrics *metrics.Metrics
	manager *Manager
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = &fakeClock{now: time.Unix(1_700_000_000, 0)}
	s.metrics = metrics.New(prometheus.NewRegistry())
	m, err := NewRotating(testTokens, 3, time.Hour, WithClock(s.clock.Now), WithMetrics(s.metrics))
	s.Require().NoError(err)
	s.manager = m
}

func (s *ManagerSuite) issue() (string, string) {
	token, jti, err := s.manager.IssueAccessToken(s.ctx, AccessRequest{
		TenantID: "T", Subject: "alice", Scope: "read", Roles: []string{"R_P00"},
	})
	s.Require().NoError(err)
	return token, jti
}

func (s *ManagerSuite) TestPoolStartsAtCapacity() {
	s.Equal(3, s.manager.ActiveKeyCount())
	s.Len(s.manager.KeyIDs(), 3)
	s.Equal(float64(3), testutil.ToFloat64(s.metrics.KeysGenerated))
}

func (s *ManagerSuite) TestSignVerifyRoundTrip() {
	token, jti := s.issue()

	claims, err := s.manager.VerifyAccess(s.ctx, token)
	s.Require().NoError(err)
	s.Equal("alice", claims.Subject)
	s.Equal("alice", claims.UPN)
	s.Equal("T", claims.TenantID)
	s.Equal("read", claims.Scope)
	s.Equal([]string{"R_P00"}, claims.Groups)
	s.Equal(jti, claims.ID)
	s.Equal(jwt.ClaimStrings{"urn:phoenix:api"}, claims.Audience)
	s.Equal(s.clock.Now().Add(10*time.Minute).Unix(), claims.ExpiresAt.Unix())

	parsed, _, err := jwt.NewParser().ParseUnverified(token, &AccessClaims{})
	s.Require().NoError(err)
	s.Equal("EdDSA", parsed.Method.Alg())
	s.Equal("JWT", parsed.Header["typ"])
	s.True(s.manager.Owns(parsed.Header["kid"].(string)))
}

func (s *ManagerSuite) TestRefreshTokenShape() {
	refresh, err := s.manager.IssueRefreshToken(s.ctx, "T", "alice", "read")
	s.Require().NoError(err)

	claims, err := s.manager.VerifyRefresh(s.ctx, refresh)
	s.Require().NoError(err)
	s.Equal(TokenUseRefresh, claims.TokenUse)
	s.Empty(claims.Audience)
	s.Equal(s.clock.Now().Add(RefreshTokenTTL).Unix(), claims.ExpiresAt.Unix())

	s.Run("refresh token is not an access token", func() {
		_, err := s.manager.VerifyAccess(s.ctx, refresh)
		s.ErrorIs(err, ErrInvalidToken)
	})

	s.Run("access token is not a refresh token", func() {
		access, _ := s.issue()
		_, err := s.manager.VerifyRefresh(s.ctx, access)
		s.ErrorIs(err, ErrInvalidToken)
	})
}

func (s *ManagerSuite) TestGraceWindow() {
	token, _ := s.issue()
	parsed, _, err := jwt.NewParser().ParseUnverified(token, &AccessClaims{})
	s.Require().NoError(err)
	kid := parsed.Header["kid"].(string)

	s.Run("key rotates out of signing but still verifies", func() {
		s.clock.Advance(time.Hour)
		s.Zero(s.manager.ActiveKeyCount())
		_, _ = s.issue()
		s.Equal(3, s.manager.ActiveKeyCount())
		s.True(s.manager.Owns(kid))
		_, err := s.manager.PublicKey(kid)
		s.NoError(err)
	})

	s.Run("token itself has expired", func() {
		_, err := s.manager.VerifyAccess(s.ctx, token)
		s.ErrorIs(err, ErrInvalidToken)
	})

	s.Run("key is purged after the grace window", func() {
		s.clock.Advance(testTokens.AccessTTL)
		_, _ = s.issue()
		s.False(s.manager.Owns(kid))
		_, err := s.manager.PublicKey(kid)
		s.ErrorIs(err, ErrKeyNotFound)
		s.GreaterOrEqual(testutil.ToFloat64(s.metrics.KeysEvicted), float64(3))
	})
}

func (s *ManagerSuite) TestVerifyRejects() {
	token, _ := s.issue()

	s.Run("tampered payload", func() {
		parts := strings.Split(token, ".")
		forged := parts[0] + "." + parts[1] + "x" + "." + parts[2]
		_, err := s.manager.VerifyAccess(s.ctx, forged)
		s.ErrorIs(err, ErrInvalidToken)
	})

	s.Run("unknown kid", func() {
		other, err := NewRotating(testTokens, 1, time.Hour, WithClock(s.clock.Now))
		s.Require().NoError(err)
		foreign, _, err := other.IssueAccessToken(s.ctx, AccessRequest{Subject: "alice"})
		s.Require().NoError(err)
		_, err = s.manager.VerifyAccess(s.ctx, foreign)
		s.ErrorIs(err, ErrInvalidToken)
	})

	s.Run("alg none", func() {
		unsigned := jwt.NewWithClaims(jwt.SigningMethodNone, AccessClaims{
			RegisteredClaims: jwt.RegisteredClaims{Issuer: testTokens.Issuer, Subject: "root",
				ExpiresAt: jwt.NewNumericDate(s.clock.Now().Add(time.Hour))},
		})
		unsigned.Header["kid"] = s.manager.KeyIDs()[0]
		raw, err := unsigned.SignedString(jwt.UnsafeAllowNoneSignatureType)
		s.Require().NoError(err)
		_, err = s.manager.VerifyAccess(s.ctx, raw)
		s.ErrorIs(err, ErrInvalidToken)
	})

	s.Run("wrong issuer", func() {
		raw, err := s.manager.Sign(s.ctx, AccessClaims{RegisteredClaims: jwt.RegisteredClaims{
			Issuer: "urn:other", ExpiresAt: jwt.NewNumericDate(s.clock.Now().Add(time.Minute))}})
		s.Require().NoError(err)
		_, err = s.manager.VerifyAccess(s.ctx, raw)
		s.ErrorIs(err, ErrInvalidToken)
	})

	s.Run("missing expiry", func() {
		raw, err := s.manager.Sign(s.ctx, AccessClaims{RegisteredClaims: jwt.RegisteredClaims{Issuer: testTokens.Issuer}})
		s.Require().NoError(err)
		_, err = s.manager.VerifyAccess(s.ctx, raw)
		s.ErrorIs(err, ErrInvalidToken)
	})
}

func (s *ManagerSuite) TestPublicKeySet() {
	set := s.manager.PublicKeySet()
	s.Len(set.Keys, 3)
	for _, k := range set.Keys {
		s.True(k.IsPublic())
		s.Equal("EdDSA", k.Algorithm)
		s.Equal("sig", k.Use)
	}

	raw, err := json.Marshal(set)
	s.Require().NoError(err)
	s.NotContains(string(raw), `"d"`)
}

func (s *ManagerSuite) TestConcurrentSigningKeepsCapacity() {
	s.clock.Advance(2 * time.Hour) // every initial key is past its active window

	var wg sync.WaitGroup
	var failures atomic.Int32
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				if _, _, err := s.manager.IssueAccessToken(s.ctx, AccessRequest{Subject: "alice"}); err != nil {
					failures.Add(1)
				}
				if s.manager.ActiveKeyCount() < 3 {
					failures.Add(1)
				}
			}
		}()
	}
	wg.Wait()

	s.Zero(failures.Load())
	s.Equal(3, s.manager.ActiveKeyCount())
	s.Equal(float64(6), testutil.ToFloat64(s.metrics.KeysGenerated), "one refill per rotation")
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestKeyUnavailableWhenGenerationFails(t *testing.T) {
	_, err := NewRotating(testTokens, 2, time.Hour, WithRandom(failingReader{}))
	require.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestFixedKeyModes(t *testing.T) {
	ctx := context.Background()
	_, edKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	ecKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	cases := []struct {
		alg string
		key any
	}{{"EdDSA", edKey}, {"RS256", rsaKey}, {"ES256", ecKey}}
	for _, tc := range cases {
		t.Run(tc.alg+" signs with a single kid", func(t *testing.T) {
			raw, err := json.Marshal(jose.JSONWebKey{Key: tc.key, KeyID: "ext-" + tc.alg})
			require.NoError(t, err)
			kid, signer, err := ParseSigningJWK(raw)
			require.NoError(t, err)
			assert.Equal(t, "ext-"+tc.alg, kid)

			m, err := NewFixed(testTokens, kid, signer)
			require.NoError(t, err)

			token, _, err := m.IssueAccessToken(ctx, AccessRequest{Subject: "alice"})
			require.NoError(t, err)
			parsed, _, err := jwt.NewParser().ParseUnverified(token, &AccessClaims{})
			require.NoError(t, err)
			assert.Equal(t, tc.alg, parsed.Method.Alg())
			assert.Equal(t, kid, parsed.Header["kid"])

			_, err = m.VerifyAccess(ctx, token)
			require.NoError(t, err)
			assert.Equal(t, []string{kid}, m.KeyIDs())
			assert.Equal(t, 1, m.ActiveKeyCount())
		})
	}

	t.Run("public jwk is rejected as signing key", func(t *testing.T) {
		raw, err := json.Marshal(jose.JSONWebKey{Key: edKey.Public(), KeyID: "pub"})
		require.NoError(t, err)
		_, _, err = ParseSigningJWK(raw)
		assert.Error(t, err)
	})
}
