package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"phoenix/internal/auth/models"
)

const (
	challengeCookie = "signInId"
	stateCookie     = "oauthState"

	stateMaxAge = 300

	challengeTTL = stateMaxAge * time.Second
	// issuedAtSkew tolerates instances whose clocks run slightly apart.
	issuedAtSkew = 30 * time.Second
)

var (
	errBadCookie     = errors.New("invalid sign-in cookie")
	errExpiredCookie = errors.New("sign-in cookie expired")
)

// Cookies signs the sign-in context so the browser can carry it between the
// authorize, login and consent steps without server-side sessions.
//
// The value is base64url(issuedAt|tenant#scope$redirectUri[!username])
// followed by a dot and the base64url HMAC-SHA256 of that payload. issuedAt is
// a unix epoch; values older than the cookie Max-Age are refused even if the
// browser still sends them. Each field is escaped so the separators cannot be
// forged through a scope or redirect URI.
type Cookies struct {
	key    []byte
	secure bool
	clock  func() time.Time
}

// CookieOption configures Cookies.
type CookieOption func(*Cookies)

// WithCookieClock sets the clock used to stamp and age the sign-in context.
func WithCookieClock(clock func() time.Time) CookieOption {
	return func(c *Cookies) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewCookies builds a cookie codec. key must hold at least 32 bytes.
func NewCookies(key []byte, secure bool, opts ...CookieOption) (*Cookies, error) {
	if len(key) < 32 {
		return nil, errors.New("cookie key must be at least 32 bytes")
	}
	c := &Cookies{key: key, secure: secure, clock: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Cookies) encode(ch models.Challenge) string {
	payload := strconv.FormatInt(c.clock().Unix(), 10) + "|" +
		url.QueryEscape(ch.Tenant) + "#" + url.QueryEscape(ch.Scope) + "$" + url.QueryEscape(ch.RedirectURI)
	if ch.Username != "" {
		payload += "!" + url.QueryEscape(ch.Username)
	}
	body := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return body + "." + base64.RawURLEncoding.EncodeToString(c.sign(body))
}

func (c *Cookies) decode(value string) (*models.Challenge, error) {
	body, sig, ok := strings.Cut(value, ".")
	if !ok {
		return nil, errBadCookie
	}
	mac, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(mac, c.sign(body)) {
		return nil, errBadCookie
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return nil, errBadCookie
	}

	stamp, payload, ok := strings.Cut(string(raw), "|")
	if !ok {
		return nil, errBadCookie
	}
	issuedAt, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		return nil, errBadCookie
	}
	age := c.clock().Sub(time.Unix(issuedAt, 0))
	if age > challengeTTL || age < -issuedAtSkew {
		return nil, errExpiredCookie
	}

	payload, username, _ := strings.Cut(payload, "!")
	tenant, rest, ok := strings.Cut(payload, "#")
	if !ok {
		return nil, errBadCookie
	}
	scope, redirect, ok := strings.Cut(rest, "$")
	if !ok {
		return nil, errBadCookie
	}
	fields := []*string{&tenant, &scope, &redirect, &username}
	for _, f := range fields {
		if *f, err = url.QueryUnescape(*f); err != nil {
			return nil, errBadCookie
		}
	}
	return &models.Challenge{Tenant: tenant, Scope: scope, RedirectURI: redirect, Username: username}, nil
}

func (c *Cookies) sign(body string) []byte {
	m := hmac.New(sha256.New, c.key)
	m.Write([]byte(body))
	return m.Sum(nil)
}

// SetChallenge stores the sign-in context.
func (c *Cookies) SetChallenge(w http.ResponseWriter, ch models.Challenge) {
	http.SetCookie(w, c.cookie(challengeCookie, c.encode(ch), stateMaxAge))
}

// Challenge returns the verified sign-in context, or nil when the cookie is
// missing or was tampered with.
func (c *Cookies) Challenge(r *http.Request) *models.Challenge {
	ck, err := r.Cookie(challengeCookie)
	if err != nil {
		return nil
	}
	ch, err := c.decode(ck.Value)
	if err != nil {
		return nil
	}
	return ch
}

// SetState remembers the CSRF state for the rest of the flow.
func (c *Cookies) SetState(w http.ResponseWriter, state string) {
	http.SetCookie(w, c.cookie(stateCookie, state, stateMaxAge))
}

// State returns the remembered CSRF state or "".
func (c *Cookies) State(r *http.Request) string {
	ck, err := r.Cookie(stateCookie)
	if err != nil {
		return ""
	}
	return ck.Value
}

// Clear expires both flow cookies.
func (c *Cookies) Clear(w http.ResponseWriter) {
	http.SetCookie(w, c.cookie(challengeCookie, "", -1))
	http.SetCookie(w, c.cookie(stateCookie, "", -1))
}

func (c *Cookies) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteStrictMode,
	}
}
