// Package handler serves the browser side of the authorization-code flow,
// the token endpoint and the public signing keys.
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-jose/go-jose/v4"

	"phoenix/internal/auth/models"
	"phoenix/internal/auth/service"
	rlmiddleware "phoenix/internal/ratelimit/middleware"
	dErrors "phoenix/pkg/domain-errors"
	"phoenix/pkg/platform/httputil"
	"phoenix/pkg/requestcontext"
)

// Service is the authorization flow as the handler needs it.
type Service interface {
	Authorize(ctx context.Context, req *models.AuthorizeRequest) (*models.AuthorizeResult, error)
	Login(ctx context.Context, req *models.LoginRequest) (*models.LoginResult, error)
	GrantConsent(ctx context.Context, req *models.ConsentRequest) (*models.ConsentResult, error)
	Token(ctx context.Context, req *models.TokenRequest) (*models.TokenResult, error)
}

// KeySet publishes the verification keys.
type KeySet interface {
	PublicKey(kid string) (jose.JSONWebKey, error)
	PublicKeySet() jose.JSONWebKeySet
}

type Handler struct {
	logger  *slog.Logger
	service Service
	keys    KeySet
	cookies *Cookies
}

func New(svc Service, keys KeySet, cookies *Cookies, logger *slog.Logger) *Handler {
	return &Handler{
		logger:  logger,
		service: svc,
		keys:    keys,
		cookies: cookies,
	}
}

// Register mounts the flow, token and key routes.
func (h *Handler) Register(r chi.Router) {
	r.Get("/authorize", h.handleAuthorize)
	r.Post("/login/authorization", h.handleLoginOrConsent)
	r.Patch("/login/authorization", h.handleConsent)
	r.Post("/oauth/token", h.handleToken)
	r.Get("/jwk", h.handleJWK)
	r.Get("/.well-known/jwks.json", h.handleJWKS)
}

func (h *Handler) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := &models.AuthorizeRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		State:               q.Get("state"),
		Scope:               q.Get("scope"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
	}
	res, err := h.service.Authorize(r.Context(), req)
	if err != nil {
		h.writePageError(w, r, err)
		return
	}

	h.cookies.SetChallenge(w, res.Challenge)
	h.cookies.SetState(w, res.State)
	render(w, http.StatusOK, "login", loginView{
		Tenant: res.Challenge.Tenant,
		Params: flowView{
			ResponseType:  req.ResponseType,
			State:         res.State,
			CodeChallenge: req.CodeChallenge,
		},
	})
}

// handleLoginOrConsent serves the login form, and the consent form which
// browsers can only submit as POST with _method=PATCH.
func (h *Handler) handleLoginOrConsent(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.writePageError(w, r, dErrors.New(dErrors.CodeInvalidRequest, "malformed form"))
		return
	}
	if strings.EqualFold(r.PostForm.Get("_method"), http.MethodPatch) {
		h.handleConsent(w, r)
		return
	}

	res, err := h.service.Login(r.Context(), &models.LoginRequest{
		Challenge:       h.cookies.Challenge(r),
		RememberedState: h.cookies.State(r),
		Params:          flowParams(r),
		Username:        strings.TrimSpace(r.PostForm.Get("username")),
		Password:        r.PostForm.Get("password"),
	})
	if err != nil {
		h.writePageError(w, r, err)
		return
	}

	if !res.ConsentRequired {
		h.cookies.Clear(w)
		http.Redirect(w, r, res.RedirectURL, http.StatusSeeOther)
		return
	}
	h.cookies.SetChallenge(w, res.Challenge)
	params := flowParams(r)
	render(w, http.StatusOK, "consent", consentView{
		Tenant:   res.Challenge.Tenant,
		Username: res.Challenge.Username,
		Scopes:   res.RequestedScopes,
		Params:   flowView(params),
	})
}

func (h *Handler) handleConsent(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		h.cookies.Clear(w)
		h.writePageError(w, r, dErrors.New(dErrors.CodeInvalidRequest, "malformed form"))
		return
	}
	res, err := h.service.GrantConsent(r.Context(), &models.ConsentRequest{
		Challenge:       h.cookies.Challenge(r),
		RememberedState: h.cookies.State(r),
		Params:          flowParams(r),
		Username:        strings.TrimSpace(r.PostForm.Get("username")),
		ApprovedScope:   strings.Join(r.PostForm["approved_scope"], " "),
		ApprovalStatus:  r.PostForm.Get("approval_status"),
	})
	h.cookies.Clear(w)
	if err != nil {
		h.writePageError(w, r, err)
		return
	}
	http.Redirect(w, r, res.RedirectURL, http.StatusSeeOther)
}

// handleToken accepts client credentials either as HTTP Basic or in the form.
func (h *Handler) handleToken(w http.ResponseWriter, r *http.Request) {
	httputil.NoStore(w)
	if err := r.ParseForm(); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidRequest, "malformed form"))
		return
	}
	req := &models.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		Code:         r.PostForm.Get("code"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		ClientID:     r.PostForm.Get("client_id"),
		ClientSecret: r.PostForm.Get("client_secret"),
	}
	if id, secret, ok := r.BasicAuth(); ok {
		req.ClientID, req.ClientSecret = id, secret
	}

	res, err := h.service.Token(r.Context(), req)
	if err != nil {
		var limited *service.LimitExceeded
		if errors.As(err, &limited) {
			rlmiddleware.WriteExceeded(w, limited.Result)
			return
		}
		h.logFailure(r, "token request failed", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) handleJWK(w http.ResponseWriter, r *http.Request) {
	kid := r.URL.Query().Get("kid")
	if kid == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidRequest, "kid is required"))
		return
	}
	key, err := h.keys.PublicKey(kid)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeInvalidRequest, "unknown kid"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, key)
}

func (h *Handler) handleJWKS(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=60")
	httputil.WriteJSON(w, http.StatusOK, h.keys.PublicKeySet())
}

// flowParams reads the original /authorize parameters, which clients send in
// the query and the HTML forms repeat as hidden fields. r.Form holds both
// after ParseForm, body values first.
func flowParams(r *http.Request) models.FlowParams {
	return models.FlowParams{
		ResponseType:  r.Form.Get("response_type"),
		State:         r.Form.Get("state"),
		CodeChallenge: r.Form.Get("code_challenge"),
	}
}

// writePageError renders an escaped HTML error page. Internal errors show a
// generic message.
func (h *Handler) writePageError(w http.ResponseWriter, r *http.Request, err error) {
	var limited *service.LimitExceeded
	if errors.As(err, &limited) {
		rlmiddleware.AddHeaders(w, limited.Result)
		w.Header().Set("Retry-After", strconv.Itoa(limited.Result.RetryAfterSeconds()))
		render(w, http.StatusTooManyRequests, "error", errorView{
			Title:   "Too many attempts",
			Message: "Too many attempts. Please try again later.",
		})
		return
	}

	h.logFailure(r, "authorization flow rejected", err)
	view := errorView{Title: "Request rejected", Message: "The request could not be processed."}
	status := http.StatusInternalServerError
	if de, ok := dErrors.As(err); ok {
		status = de.Status()
		if de.Code != dErrors.CodeInternal {
			view.Title = string(de.Code)
			view.Message = de.Message
		}
	}
	render(w, status, "error", view)
}

func (h *Handler) logFailure(r *http.Request, msg string, err error) {
	ctx := r.Context()
	level := slog.LevelWarn
	if de, ok := dErrors.As(err); !ok || de.Code == dErrors.CodeInternal || de.Code == dErrors.CodeUnavailable {
		level = slog.LevelError
	}
	h.logger.Log(ctx, level, msg,
		"error", err.Error(),
		"path", r.URL.Path,
		"request_id", requestcontext.RequestID(ctx),
	)
}
