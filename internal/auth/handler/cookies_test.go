package handler

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phoenix/internal/auth/models"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func TestChallengeCookie(t *testing.T) {
	c, err := NewCookies(testKey, true)
	require.NoError(t, err)

	t.Run("round trip with separators inside fields", func(t *testing.T) {
		ch := models.Challenge{
			Tenant:      "T#1",
			Scope:       "read$ write!",
			RedirectURI: "https://client.example/cb?x=1#frag",
			Username:    "al!ce",
		}
		got, err := c.decode(c.encode(ch))
		require.NoError(t, err)
		assert.Equal(t, ch, *got)
	})

	t.Run("username is optional", func(t *testing.T) {
		ch := models.Challenge{Tenant: "T", Scope: "read", RedirectURI: "https://client.example/cb"}
		got, err := c.decode(c.encode(ch))
		require.NoError(t, err)
		assert.Empty(t, got.Username)
	})

	t.Run("payload edits break the signature", func(t *testing.T) {
		value := c.encode(models.Challenge{Tenant: "T", Scope: "read", RedirectURI: "https://a/cb"})
		body, sig, _ := strings.Cut(value, ".")
		forged := c.encode(models.Challenge{Tenant: "T", Scope: "read", RedirectURI: "https://a/cb", Username: "root"})
		forgedBody, _, _ := strings.Cut(forged, ".")

		_, err := c.decode(forgedBody + "." + sig)
		assert.ErrorIs(t, err, errBadCookie)
		_, err = c.decode(body)
		assert.ErrorIs(t, err, errBadCookie)
	})

	t.Run("another key does not verify", func(t *testing.T) {
		other, err := NewCookies([]byte(strings.Repeat("k", 32)), true)
		require.NoError(t, err)
		_, err = other.decode(c.encode(models.Challenge{Tenant: "T"}))
		assert.ErrorIs(t, err, errBadCookie)
	})

	t.Run("short key is refused", func(t *testing.T) {
		_, err := NewCookies([]byte("short"), true)
		assert.Error(t, err)
	})
}

func TestChallengeCookieExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c, err := NewCookies(testKey, true, WithCookieClock(func() time.Time { return now }))
	require.NoError(t, err)
	value := c.encode(models.Challenge{Tenant: "T", Scope: "read", RedirectURI: "https://a/cb", Username: "alice"})

	t.Run("valid until the cookie max age", func(t *testing.T) {
		now = now.Add(challengeTTL)
		got, err := c.decode(value)
		require.NoError(t, err)
		assert.Equal(t, "alice", got.Username)
	})

	t.Run("refused once older than the max age", func(t *testing.T) {
		now = now.Add(time.Second)
		_, err := c.decode(value)
		assert.ErrorIs(t, err, errExpiredCookie)

		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.AddCookie(&http.Cookie{Name: challengeCookie, Value: value})
		assert.Nil(t, c.Challenge(req))
	})

	t.Run("issued in the future", func(t *testing.T) {
		future, err := NewCookies(testKey, true, WithCookieClock(func() time.Time { return now.Add(time.Hour) }))
		require.NoError(t, err)
		_, err = c.decode(future.encode(models.Challenge{Tenant: "T"}))
		assert.ErrorIs(t, err, errExpiredCookie)
	})
}

func TestCookieAttributes(t *testing.T) {
	c, err := NewCookies(testKey, true)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	c.SetState(rec, "state-0123456789abcdef")
	c.SetChallenge(rec, models.Challenge{Tenant: "T"})

	cookies := rec.Result().Cookies()
	require.Len(t, cookies, 2)
	for _, ck := range cookies {
		assert.True(t, ck.HttpOnly)
		assert.True(t, ck.Secure)
		assert.Equal(t, http.SameSiteStrictMode, ck.SameSite)
		assert.Equal(t, 300, ck.MaxAge)
	}

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	assert.Equal(t, "state-0123456789abcdef", c.State(req))
	require.NotNil(t, c.Challenge(req))
	assert.Equal(t, "T", c.Challenge(req).Tenant)

	rec = httptest.NewRecorder()
	c.Clear(rec)
	for _, ck := range rec.Result().Cookies() {
		assert.Negative(t, ck.MaxAge)
	}
}
