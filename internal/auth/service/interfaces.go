package service

import (
	"context"
	"time"

	"phoenix/internal/auth/authcode"
	"phoenix/internal/auth/keys"
	"phoenix/internal/auth/models"
	rlmodels "phoenix/internal/ratelimit/models"
	"phoenix/pkg/platform/audit"
)

// Directory resolves tenants and identities and keeps consent grants.
// Lookups return sentinel.ErrNotFound for unknown records.
type Directory interface {
	TenantByName(ctx context.Context, name string) (*models.Tenant, error)
	IdentityByUsername(ctx context.Context, username string) (*models.Identity, error)
	Grant(ctx context.Context, tenantID, identityID string) (*models.Grant, error)
	SaveGrant(ctx context.Context, g *models.Grant) error
}

// TokenIssuer signs and verifies token pairs.
type TokenIssuer interface {
	IssuePair(ctx context.Context, req keys.AccessRequest) (*keys.Pair, error)
	VerifyAccess(ctx context.Context, token string) (*keys.AccessClaims, error)
	VerifyRefresh(ctx context.Context, token string) (*keys.RefreshClaims, error)
}

// CodeCodec seals and opens authorization codes.
type CodeCodec interface {
	Encode(tenant, username, scopes, redirectURI, codeChallenge string) (string, error)
	Decode(code, codeVerifier string) (*authcode.Code, error)
}

// ReplayStore records one-time identifiers.
type ReplayStore interface {
	MarkUsed(ctx context.Context, id string, expiresAt time.Time) (bool, error)
}

// RateLimiter counts attempts per operation and client.
type RateLimiter interface {
	Check(ctx context.Context, op, client string) (*rlmodels.Result, error)
}

// AuditPublisher receives audit events.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event)
}
