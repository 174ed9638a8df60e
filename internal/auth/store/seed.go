package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"phoenix/internal/auth/models"
	"phoenix/internal/auth/secrets"
)

// Seeder is the write side of a directory.
type Seeder interface {
	SaveTenant(ctx context.Context, t *models.Tenant) error
	SaveIdentity(ctx context.Context, i *models.Identity) error
}

// SeedDocument is the JSON accepted by LoadSeed. Secrets and passwords are
// plaintext here and hashed before they reach the directory.
type SeedDocument struct {
	Tenants    []SeedTenant   `json:"tenants"`
	Identities []SeedIdentity `json:"identities"`
}

type SeedTenant struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Secret         string   `json:"secret"`
	RedirectURI    string   `json:"redirect_uri"`
	AllowedRoles   []int    `json:"allowed_roles"`
	RequiredScopes string   `json:"required_scopes"`
	GrantTypes     []string `json:"grant_types"`
}

type SeedIdentity struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	Password       string `json:"password"`
	Roles          []int  `json:"roles"`
	Root           bool   `json:"root"`
	ProvidedScopes string `json:"provided_scopes"`
}

// LoadSeed reads a seed document from an inline JSON string or, when value
// starts with '@', from the file it names.
func LoadSeed(value string) (*SeedDocument, error) {
	raw := []byte(value)
	if path, ok := strings.CutPrefix(value, "@"); ok {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read seed file: %w", err)
		}
		raw = b
	}
	var doc SeedDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return &doc, nil
}

// Apply hashes credentials and saves every tenant and identity.
func (doc *SeedDocument) Apply(ctx context.Context, dst Seeder) error {
	for _, st := range doc.Tenants {
		t, err := st.tenant()
		if err != nil {
			return err
		}
		if err := dst.SaveTenant(ctx, t); err != nil {
			return err
		}
	}
	for _, si := range doc.Identities {
		i, err := si.identity()
		if err != nil {
			return err
		}
		if err := dst.SaveIdentity(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

func (st SeedTenant) tenant() (*models.Tenant, error) {
	if st.Name == "" {
		return nil, fmt.Errorf("seed tenant requires a name")
	}
	t := &models.Tenant{
		ID:             orNewID(st.ID),
		Name:           st.Name,
		RedirectURI:    st.RedirectURI,
		RequiredScopes: models.JoinScopes(models.ParseScopes(st.RequiredScopes)),
	}
	roles, err := roleSet(st.AllowedRoles)
	if err != nil {
		return nil, fmt.Errorf("seed tenant %q: %w", st.Name, err)
	}
	t.AllowedRoles = roles
	if st.Secret != "" {
		if t.SecretHash, err = secrets.Hash(st.Secret); err != nil {
			return nil, fmt.Errorf("seed tenant %q: %w", st.Name, err)
		}
	}
	grants := st.GrantTypes
	if len(grants) == 0 {
		grants = []string{string(models.GrantAuthorizationCode), string(models.GrantRefreshToken)}
	}
	for _, g := range grants {
		t.GrantTypes = append(t.GrantTypes, models.GrantType(g))
	}
	return t, nil
}

func (si SeedIdentity) identity() (*models.Identity, error) {
	if si.Username == "" || si.Password == "" {
		return nil, fmt.Errorf("seed identity requires a username and password")
	}
	hash, err := secrets.HashPassword(si.Password)
	if err != nil {
		return nil, fmt.Errorf("seed identity %q: %w", si.Username, err)
	}
	roles := models.RoleRoot
	if !si.Root {
		if roles, err = roleSet(si.Roles); err != nil {
			return nil, fmt.Errorf("seed identity %q: %w", si.Username, err)
		}
	}
	return &models.Identity{
		ID:             orNewID(si.ID),
		Username:       si.Username,
		PasswordHash:   hash,
		Roles:          roles,
		ProvidedScopes: models.JoinScopes(models.ParseScopes(si.ProvidedScopes)),
	}, nil
}

func roleSet(indexes []int) (models.RoleSet, error) {
	var rs models.RoleSet
	for _, n := range indexes {
		if n < 0 || n > 61 {
			return 0, fmt.Errorf("role index %d out of range", n)
		}
		rs |= models.Role(n)
	}
	return rs, nil
}

func orNewID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}
