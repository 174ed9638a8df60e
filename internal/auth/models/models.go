package models

import (
	"fmt"
	"math"
	"math/bits"
	"strings"
	"time"
)

// GrantType is an OAuth grant type a tenant may support.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantRefreshToken      GrantType = "refresh_token"
)

// SupportedGrantTypes lists what the token endpoint implements, in the order
// they are reported back on unsupported_grant_type.
var SupportedGrantTypes = []GrantType{GrantAuthorizationCode, GrantRefreshToken}

// Tenant is an OAuth client registered with the server. It is owned by the
// directory and never created by the authorization flow.
type Tenant struct {
	ID             string
	Name           string // the client_id
	SecretHash     string // bcrypt; empty for public clients
	RedirectURI    string // pre-registered; optional
	AllowedRoles   RoleSet
	RequiredScopes string
	GrantTypes     []GrantType
}

// SupportsGrant reports whether the tenant may use gt.
func (t *Tenant) SupportsGrant(gt GrantType) bool {
	for _, g := range t.GrantTypes {
		if g == gt {
			return true
		}
	}
	return false
}

// IsConfidential reports whether the tenant has a secret to authenticate with.
func (t *Tenant) IsConfidential() bool {
	return t.SecretHash != ""
}

// Identity is an end user. Two identities are the same user iff their usernames match.
type Identity struct {
	ID             string
	Username       string
	PasswordHash   string // argon2id PHC string
	Roles          RoleSet
	ProvidedScopes string
	TOTPSecret     string
	TOTPEnabled    bool
}

// Grant records that an identity approved a tenant for a set of scopes.
type Grant struct {
	TenantID       string
	IdentityID     string
	ApprovedScopes string
	IssuedAt       time.Time
}

// RoleSet is a 62-bit role bitmask. Bit n is custom role R_Pnn; zero is a guest
// and all bits set is root.
type RoleSet int64

const (
	RoleGuest RoleSet = 0
	RoleRoot  RoleSet = math.MaxInt64

	maxCustomRoles = 62

	RoleNameGuest = "guest"
	RoleNameRoot  = "root"
)

// Role returns the set holding only custom role n (0..61).
func Role(n int) RoleSet {
	if n < 0 || n >= maxCustomRoles {
		panic(fmt.Sprintf("role index %d out of range", n))
	}
	return RoleSet(1) << n
}

// RoleName is the wire name of custom role n.
func RoleName(n int) string {
	return fmt.Sprintf("R_P%02d", n)
}

// Names expands the bitmask into role names as carried in the token's groups claim.
func (r RoleSet) Names() []string {
	switch {
	case r == RoleRoot:
		return []string{RoleNameRoot}
	case r <= 0:
		return []string{RoleNameGuest}
	}
	names := make([]string, 0, bits.OnesCount64(uint64(r)))
	for n := 0; n < maxCustomRoles; n++ {
		if r&(RoleSet(1)<<n) != 0 {
			names = append(names, RoleName(n))
		}
	}
	if len(names) == 0 {
		return []string{RoleNameGuest}
	}
	return names
}

// ParseScopes splits a space-delimited scope string, dropping empties and duplicates.
func ParseScopes(s string) []string {
	fields := strings.Fields(s)
	out := make([]string, 0, len(fields))
	seen := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	return out
}

// JoinScopes renders scopes in their wire form.
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// IntersectScopes keeps the requested scopes that were previously approved,
// preserving the requested order.
func IntersectScopes(requested, approved string) string {
	allowed := make(map[string]struct{})
	for _, s := range ParseScopes(approved) {
		allowed[s] = struct{}{}
	}
	out := make([]string, 0)
	for _, s := range ParseScopes(requested) {
		if _, ok := allowed[s]; ok {
			out = append(out, s)
		}
	}
	return JoinScopes(out)
}
