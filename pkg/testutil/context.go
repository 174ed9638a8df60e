package testutil

import (
	"net/http"

	"phoenix/pkg/requestcontext"
)

// WithPrincipal attaches an authenticated identity to the request, as the
// bearer filter would after a successful validation.
func WithPrincipal(req *http.Request, id requestcontext.Identity) *http.Request {
	return req.WithContext(requestcontext.WithPrincipal(req.Context(), id))
}

// WithRoles is WithPrincipal for a subject holding roles and nothing else.
func WithRoles(req *http.Request, subject string, roles ...string) *http.Request {
	return WithPrincipal(req, requestcontext.Identity{Subject: subject, Roles: roles})
}
