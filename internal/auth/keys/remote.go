package keys

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// RemoteVerifier verifies tokens issued by another authorization server whose
// public keys are published as a JWKS document.
type RemoteVerifier struct {
	url             string
	httpClient      *http.Client
	refreshInterval time.Duration
	minRefetch      time.Duration
	clock           Clock

	mu        sync.RWMutex
	keys      map[string]jose.JSONWebKey
	lastFetch time.Time
	fetches   singleflight.Group
}

// RemoteOption configures a RemoteVerifier.
type RemoteOption func(*RemoteVerifier)

// WithHTTPClient sets the client used to fetch the JWKS.
func WithHTTPClient(c *http.Client) RemoteOption {
	return func(v *RemoteVerifier) {
		if c != nil {
			v.httpClient = c
		}
	}
}

// WithRefreshInterval sets how long fetched keys are trusted before refetching.
func WithRefreshInterval(d time.Duration) RemoteOption {
	return func(v *RemoteVerifier) {
		if d > 0 {
			v.refreshInterval = d
		}
	}
}

// WithRemoteClock sets the clock used for expiry and cache age.
func WithRemoteClock(clock Clock) RemoteOption {
	return func(v *RemoteVerifier) {
		if clock != nil {
			v.clock = clock
		}
	}
}

// NewRemoteVerifier builds a verifier for the JWKS at url.
func NewRemoteVerifier(url string, opts ...RemoteOption) *RemoteVerifier {
	v := &RemoteVerifier{
		url:             url,
		httpClient:      &http.Client{Timeout: 5 * time.Second},
		refreshInterval: time.Hour,
		minRefetch:      30 * time.Second,
		clock:           time.Now,
		keys:            map[string]jose.JSONWebKey{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// VerifyAccess verifies signature and expiry and decodes the token into AccessClaims.
// Audience is left to the caller.
func (v *RemoteVerifier) VerifyAccess(ctx context.Context, tokenString string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods(AllowedAlgorithms),
		jwt.WithTimeFunc(v.clock),
		jwt.WithExpirationRequired(),
	)
	_, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		jwk, err := v.key(ctx, kid)
		if err != nil {
			return nil, err
		}
		method, err := methodFor(jwk.Key)
		if err != nil {
			return nil, err
		}
		if method.Alg() != t.Method.Alg() {
			return nil, fmt.Errorf("algorithm %s does not match key %s", t.Method.Alg(), kid)
		}
		return jwk.Key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if claims.TokenUse != "" {
		return nil, fmt.Errorf("%w: not an access token", ErrInvalidToken)
	}
	return claims, nil
}

func (v *RemoteVerifier) key(ctx context.Context, kid string) (jose.JSONWebKey, error) {
	v.mu.RLock()
	jwk, found := v.keys[kid]
	age := v.clock().Sub(v.lastFetch)
	v.mu.RUnlock()

	if found && age < v.refreshInterval {
		return jwk, nil
	}
	// Unknown kids trigger a refetch, but not more often than minRefetch.
	if !found && age < v.minRefetch {
		return jose.JSONWebKey{}, ErrKeyNotFound
	}

	_, err, _ := v.fetches.Do("jwks", func() (any, error) {
		return nil, v.refresh(ctx)
	})
	if err != nil && found {
		return jwk, nil
	}
	if err != nil {
		return jose.JSONWebKey{}, err
	}

	v.mu.RLock()
	defer v.mu.RUnlock()
	if jwk, ok := v.keys[kid]; ok {
		return jwk, nil
	}
	return jose.JSONWebKey{}, ErrKeyNotFound
}

func (v *RemoteVerifier) refresh(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.url, nil)
	if err != nil {
		return fmt.Errorf("create jwks request: %w", err)
	}
	resp, err := v.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: status %d", resp.StatusCode)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]jose.JSONWebKey, len(set.Keys))
	for _, k := range set.Keys {
		if !k.Valid() || !k.IsPublic() || (k.Use != "" && k.Use != "sig") {
			continue
		}
		if _, err := methodFor(k.Key); err != nil {
			continue
		}
		keys[k.KeyID] = k
	}

	v.mu.Lock()
	v.keys = keys
	v.lastFetch = v.clock()
	v.mu.Unlock()
	return nil
}
