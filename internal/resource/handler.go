package resource

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"phoenix/internal/policy"
	"phoenix/pkg/platform/httputil"
	"phoenix/pkg/requestcontext"
)

// PrincipalResponse echoes the verified caller back.
type PrincipalResponse struct {
	Message  string   `json:"message"`
	Subject  string   `json:"subject"`
	TenantID string   `json:"tenant_id"`
	Scopes   []string `json:"scopes"`
	Roles    []string `json:"roles"`
}

// Handler serves the protected resource routes.
type Handler struct {
	logger *slog.Logger
	bearer func(http.Handler) http.Handler
	policy *policy.Policy
}

// New creates a Handler. bearer is the resource-server filter.
func New(bearer func(http.Handler) http.Handler, pol *policy.Policy, logger *slog.Logger) *Handler {
	return &Handler{logger: logger, bearer: bearer, policy: pol}
}

// Register mounts the bearer-protected routes.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.bearer)
		r.With(h.policy.RequirePermission(policy.ReadProtected, h.logger)).
			Get("/protected-resource", h.handleProtected)
		r.With(h.policy.RequirePermission(policy.ReadAdmin, h.logger)).
			Get("/protected-resource/admin-only", h.handleAdminOnly)
	})
}

func (h *Handler) handleProtected(w http.ResponseWriter, r *http.Request) {
	h.writePrincipal(w, r, "protected resource")
}

func (h *Handler) handleAdminOnly(w http.ResponseWriter, r *http.Request) {
	h.writePrincipal(w, r, "admin resource")
}

func (h *Handler) writePrincipal(w http.ResponseWriter, r *http.Request, message string) {
	id, ok := requestcontext.Principal(r.Context())
	if !ok {
		h.logger.ErrorContext(r.Context(), "principal missing despite bearer filter",
			"request_id", requestcontext.RequestID(r.Context()),
		)
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, PrincipalResponse{
		Message:  message,
		Subject:  id.Subject,
		TenantID: id.TenantID,
		Scopes:   id.Scopes,
		Roles:    id.Roles,
	})
}
