// Package policy decides whether an authenticated identity may perform an
// action on a resource. Permissions are value tuples; a granted tuple whose
// ResourceID is "*" covers every id of that type.
package policy

import (
	"log/slog"
	"net/http"

	"phoenix/internal/auth/models"
	"phoenix/pkg/platform/httputil"
	"phoenix/pkg/requestcontext"
)

// Wildcard matches any resource id.
const Wildcard = "*"

// Permission is compared by value.
type Permission struct {
	Action       string
	ResourceType string
	ResourceID   string
}

// Covers reports whether a granted permission p allows the requested q.
func (p Permission) Covers(q Permission) bool {
	if p.Action != q.Action || p.ResourceType != q.ResourceType {
		return false
	}
	return p.ResourceID == Wildcard || p.ResourceID == q.ResourceID
}

// Default permissions.
var (
	ReadProtected = Permission{Action: "read", ResourceType: "protected", ResourceID: Wildcard}
	ReadAdmin     = Permission{Action: "read", ResourceType: "admin", ResourceID: Wildcard}
)

// Policy maps role names (as carried in the groups claim) to granted permissions.
type Policy struct {
	authenticated []Permission
	byRole        map[string][]Permission
}

// New builds the default policy: every authenticated identity may read
// protected resources, root may read admin resources. Extra roles can be
// granted admin with WithRole.
func New(opts ...Option) *Policy {
	p := &Policy{
		authenticated: []Permission{ReadProtected},
		byRole: map[string][]Permission{
			models.RoleNameRoot: {ReadProtected, ReadAdmin},
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type Option func(*Policy)

// WithRole grants perms to holders of role.
func WithRole(role string, perms ...Permission) Option {
	return func(p *Policy) {
		p.byRole[role] = append(p.byRole[role], perms...)
	}
}

// Allows reports whether id holds a permission covering want.
func (p *Policy) Allows(id requestcontext.Identity, want Permission) bool {
	for _, g := range p.authenticated {
		if g.Covers(want) {
			return true
		}
	}
	for _, role := range id.Roles {
		for _, g := range p.byRole[role] {
			if g.Covers(want) {
				return true
			}
		}
	}
	return false
}

// RequirePermission rejects requests whose principal lacks want with 403.
// A missing principal is 401.
func (p *Policy) RequirePermission(want Permission, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := requestcontext.Principal(r.Context())
			if !ok {
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
				return
			}
			if !p.Allows(id, want) {
				if logger != nil {
					logger.WarnContext(r.Context(), "permission denied",
						"subject", id.Subject,
						"action", want.Action,
						"resource_type", want.ResourceType,
						"request_id", requestcontext.RequestID(r.Context()),
					)
				}
				httputil.WriteJSON(w, http.StatusForbidden, httputil.ErrorResponse{Error: "forbidden"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireRole rejects requests whose principal holds none of roles with 403.
// root satisfies every role.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := requestcontext.Principal(r.Context())
			if !ok {
				httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "unauthorized"})
				return
			}
			if id.HasRole(models.RoleNameRoot) {
				next.ServeHTTP(w, r)
				return
			}
			for _, role := range roles {
				if id.HasRole(role) {
					next.ServeHTTP(w, r)
					return
				}
			}
			httputil.WriteJSON(w, http.StatusForbidden, httputil.ErrorResponse{Error: "forbidden"})
		})
	}
}
