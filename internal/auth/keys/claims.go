package keys

import (
	"github.com/golang-jwt/jwt/v5"
)

// TokenUseRefresh marks refresh tokens so they cannot be replayed as access tokens.
const TokenUseRefresh = "refresh"

// AccessClaims are carried by access tokens.
type AccessClaims struct {
	jwt.RegisteredClaims
	UPN      string   `json:"upn"`
	TenantID string   `json:"tenant_id"`
	Scope    string   `json:"scope"`
	Groups   []string `json:"groups"`
	TokenUse string   `json:"token_use,omitempty"`
}

// RefreshClaims are carried by refresh tokens: no audience and no roles.
type RefreshClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	Scope    string `json:"scope"`
	TokenUse string `json:"token_use"`
}

// AccessRequest is the input for a new access token.
type AccessRequest struct {
	TenantID string
	Subject  string
	Scope    string
	Roles    []string
}

// Pair is an issued access/refresh token pair.
type Pair struct {
	AccessToken   string
	AccessTokenID string
	RefreshToken  string
	ExpiresIn     int64
	Scope         string
}
