// Package auth is the resource-server bearer filter.
//
// A request is admitted only after the token header passes the algorithm
// allow-list, the signature and claims verify, and the jti is marked used for
// the first time. The verified identity is then stored in the request context
// through requestcontext.WithPrincipal.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"phoenix/pkg/platform/httputil"
	"phoenix/pkg/requestcontext"
)

// AllowedAlgorithms is the canonical verification allow-list. Only asymmetric
// algorithms are accepted.
var AllowedAlgorithms = []string{"EdDSA", "RS256", "ES256"}

var (
	ErrMissingToken      = errors.New("missing bearer token")
	ErrAlgorithmRejected = errors.New("token algorithm not allowed")
)

// Claims is the verified view of a bearer token the filter needs.
type Claims struct {
	Subject   string
	TenantID  string
	Scope     string
	Roles     []string
	TokenID   string
	Issuer    string
	Audience  []string
	ExpiresAt time.Time
}

// Verifier checks signature, expiry and issuer and decodes the claims.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}

// ReplayGuard atomically records a jti. It reports false when the jti was
// already recorded and has not expired.
type ReplayGuard interface {
	MarkUsed(ctx context.Context, jti string, expiresAt time.Time) (bool, error)
}

// Recorder receives rejection counts. *metrics.Metrics satisfies it.
type Recorder interface {
	IncTokenRejection(reason string)
	IncReplayRejections()
}

// ReplayHook is called when a replayed token is rejected.
type ReplayHook func(ctx context.Context, claims *Claims)

type filter struct {
	verifier  Verifier
	replay    ReplayGuard
	logger    *slog.Logger
	audiences []string
	recorder  Recorder
	onReplay  ReplayHook
}

// Option configures RequireBearer.
type Option func(*filter)

// WithAudiences restricts admitted tokens to those naming one of auds.
func WithAudiences(auds ...string) Option {
	return func(f *filter) {
		f.audiences = append(f.audiences, auds...)
	}
}

// WithRecorder sets the rejection metrics sink.
func WithRecorder(r Recorder) Option {
	return func(f *filter) {
		if r != nil {
			f.recorder = r
		}
	}
}

// WithReplayHook sets a callback fired on replay detection.
func WithReplayHook(h ReplayHook) Option {
	return func(f *filter) {
		if h != nil {
			f.onReplay = h
		}
	}
}

// RequireBearer returns middleware that admits only requests carrying a valid,
// unreplayed bearer token.
func RequireBearer(verifier Verifier, replay ReplayGuard, logger *slog.Logger, opts ...Option) func(http.Handler) http.Handler {
	f := &filter{
		verifier: verifier,
		replay:   replay,
		logger:   logger,
		recorder: noopRecorder{},
		onReplay: func(context.Context, *Claims) {},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f.middleware
}

func (f *filter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := requestcontext.RequestID(ctx)

		raw, err := bearerToken(r)
		if err != nil {
			f.reject(w, r, "missing_token", err)
			return
		}

		if err := checkAlgorithm(raw); err != nil {
			f.reject(w, r, "algorithm", err)
			return
		}

		claims, err := f.verifier.Verify(ctx, raw)
		if err != nil {
			f.reject(w, r, "invalid_token", err)
			return
		}
		if err := f.checkClaims(claims); err != nil {
			f.reject(w, r, "claims", err)
			return
		}

		fresh, err := f.replay.MarkUsed(ctx, claims.TokenID, claims.ExpiresAt)
		if err != nil {
			f.logger.ErrorContext(ctx, "replay store unavailable",
				"error", err,
				"request_id", requestID,
			)
			f.recorder.IncTokenRejection("replay_store")
			httputil.WriteJSON(w, http.StatusServiceUnavailable, httputil.ErrorResponse{
				Error:            "temporarily_unavailable",
				ErrorDescription: "token could not be validated",
			})
			return
		}
		if !fresh {
			f.recorder.IncReplayRejections()
			f.onReplay(ctx, claims)
			f.reject(w, r, "replay", errors.New("token already used"))
			return
		}

		ctx = requestcontext.WithPrincipal(ctx, requestcontext.Identity{
			Subject:  claims.Subject,
			TenantID: claims.TenantID,
			Scopes:   strings.Fields(claims.Scope),
			Roles:    claims.Roles,
			TokenID:  claims.TokenID,
			Issuer:   claims.Issuer,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (f *filter) checkClaims(c *Claims) error {
	if c.TokenID == "" {
		return errors.New("token has no jti")
	}
	if c.ExpiresAt.IsZero() {
		return errors.New("token has no expiry")
	}
	if len(c.Audience) == 0 {
		return errors.New("token has no audience")
	}
	if len(f.audiences) > 0 && !slices.ContainsFunc(c.Audience, func(a string) bool {
		return slices.Contains(f.audiences, a)
	}) {
		return errors.New("token audience not accepted")
	}
	return nil
}

func (f *filter) reject(w http.ResponseWriter, r *http.Request, reason string, err error) {
	ctx := r.Context()
	f.logger.WarnContext(ctx, "unauthorized access",
		"reason", reason,
		"error", err,
		"request_id", requestcontext.RequestID(ctx),
	)
	f.recorder.IncTokenRejection(reason)
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "invalid_token"})
}

func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMissingToken
	}
	token = strings.TrimSpace(token)
	if token == "" || strings.Count(token, ".") != 2 {
		return "", ErrMissingToken
	}
	return token, nil
}

// checkAlgorithm inspects the unverified header only to refuse "none" and
// anything outside the allow-list before a verifier sees the token.
func checkAlgorithm(raw string) error {
	token, _, err := jwt.NewParser().ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return errors.Join(ErrAlgorithmRejected, err)
	}
	alg, _ := token.Header["alg"].(string)
	if alg == "" || strings.EqualFold(alg, "none") || !slices.Contains(AllowedAlgorithms, alg) {
		return ErrAlgorithmRejected
	}
	return nil
}

type noopRecorder struct{}

func (noopRecorder) IncTokenRejection(string) {}
func (noopRecorder) IncReplayRejections()     {}
