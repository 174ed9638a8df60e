// Package authcode seals authorization codes so that no server-side state is
// needed to redeem them.
//
// A code looks like
//
//	urn:phoenix:code:<id>:<payload>:<sealed>
//
// where payload is the base64url of the escaped fields
// tenant:username:scopes:expiry:redirect_uri, and sealed is the base64url of
// ChaCha20-Poly1305(code_challenge) with the 12-byte nonce appended. The id and
// payload are bound as additional data, so neither can be edited without the key.
package authcode

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// Prefix marks every code issued by this server.
	Prefix = "urn:phoenix:code:"
	// DefaultTTL is how long a code stays redeemable.
	DefaultTTL = 2 * time.Minute

	fieldCount = 5
)

// ErrInvalidCode is returned for every decode failure. Callers map it to invalid_grant.
var ErrInvalidCode = errors.New("invalid authorization code")

// Code holds the state carried inside an authorization code.
type Code struct {
	ID          string
	Tenant      string
	Username    string
	Scopes      string
	ExpiresAt   time.Time
	RedirectURI string
}

// Expired reports whether the code is past its embedded expiry at now.
func (c *Code) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// KeyHolder owns the process-wide sealing key. It is created once at startup
// and never rotated, so a restart invalidates outstanding codes.
type KeyHolder struct {
	aead cipher.AEAD
}

// NewKeyHolder generates a fresh random sealing key.
func NewKeyHolder() (*KeyHolder, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate code sealing key: %w", err)
	}
	return NewKeyHolderFromKey(key)
}

// NewKeyHolderFromKey wraps a caller-provided 32-byte key. Tests use it for determinism.
func NewKeyHolderFromKey(key []byte) (*KeyHolder, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("init code cipher: %w", err)
	}
	return &KeyHolder{aead: aead}, nil
}

// Codec encodes and decodes authorization codes.
type Codec struct {
	keys  *KeyHolder
	ttl   time.Duration
	clock func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithClock sets the clock used to stamp expiry.
func WithClock(clock func() time.Time) Option {
	return func(c *Codec) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithTTL overrides the code lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(c *Codec) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// New builds a Codec over keys.
func New(keys *KeyHolder, opts ...Option) *Codec {
	c := &Codec{keys: keys, ttl: DefaultTTL, clock: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL reports the lifetime stamped into new codes.
func (c *Codec) TTL() time.Duration { return c.ttl }

// Encode issues a code for the given grant, bound to codeChallenge.
func (c *Codec) Encode(tenant, username, scopes, redirectURI, codeChallenge string) (string, error) {
	id := uuid.NewString()
	expiry := c.clock().Add(c.ttl).Unix()

	fields := []string{tenant, username, scopes, strconv.FormatInt(expiry, 10), redirectURI}
	for i, f := range fields {
		fields[i] = url.QueryEscape(f)
	}
	payload := base64.RawURLEncoding.EncodeToString([]byte(strings.Join(fields, ":")))

	nonce := make([]byte, c.keys.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate code nonce: %w", err)
	}
	sealed := c.keys.aead.Seal(nil, nonce, []byte(codeChallenge), additionalData(id, payload))
	sealed = append(sealed, nonce...)

	return Prefix + id + ":" + payload + ":" + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decode opens code and returns its fields only if codeVerifier hashes to the
// sealed challenge. Decode does not look at expiry; the caller does.
func (c *Codec) Decode(code, codeVerifier string) (*Code, error) {
	rest, ok := strings.CutPrefix(code, Prefix)
	if !ok || codeVerifier == "" {
		return nil, ErrInvalidCode
	}
	parts := strings.Split(rest, ":")
	if len(parts) != 3 {
		return nil, ErrInvalidCode
	}
	id, payload, sealedB64 := parts[0], parts[1], parts[2]

	sealed, err := base64.RawURLEncoding.DecodeString(sealedB64)
	nonceSize := c.keys.aead.NonceSize()
	if err != nil || len(sealed) < nonceSize+c.keys.aead.Overhead() {
		return nil, ErrInvalidCode
	}
	ciphertext, nonce := sealed[:len(sealed)-nonceSize], sealed[len(sealed)-nonceSize:]
	challenge, err := c.keys.aead.Open(nil, nonce, ciphertext, additionalData(id, payload))
	if err != nil {
		return nil, ErrInvalidCode
	}

	if !verifierMatches(string(challenge), codeVerifier) {
		return nil, ErrInvalidCode
	}

	return parsePayload(id, payload)
}

// verifierMatches compares the sealed S256 challenge with SHA-256(verifier).
// The challenge arrives base64url encoded; it is normalised to the standard
// alphabet before comparison.
func verifierMatches(challenge, verifier string) bool {
	sum := sha256.Sum256([]byte(verifier))
	expected := base64.RawStdEncoding.EncodeToString(sum[:])
	normalised := strings.NewReplacer("_", "/", "-", "+").Replace(strings.TrimRight(challenge, "="))
	return subtle.ConstantTimeCompare([]byte(normalised), []byte(expected)) == 1
}

func parsePayload(id, payload string) (*Code, error) {
	raw, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return nil, ErrInvalidCode
	}
	fields := strings.Split(string(raw), ":")
	if len(fields) != fieldCount {
		return nil, ErrInvalidCode
	}
	for i, f := range fields {
		if fields[i], err = url.QueryUnescape(f); err != nil {
			return nil, ErrInvalidCode
		}
	}
	expiry, err := strconv.ParseInt(fields[3], 10, 64)
	if err != nil {
		return nil, ErrInvalidCode
	}
	return &Code{
		ID:          id,
		Tenant:      fields[0],
		Username:    fields[1],
		Scopes:      fields[2],
		ExpiresAt:   time.Unix(expiry, 0),
		RedirectURI: fields[4],
	}, nil
}

func additionalData(id, payload string) []byte {
	return []byte(Prefix + id + ":" + payload)
}

// ChallengeS256 derives the S256 code_challenge for a verifier.
func ChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
