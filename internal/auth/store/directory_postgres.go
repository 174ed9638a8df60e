package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"phoenix/internal/auth/models"
	"phoenix/pkg/platform/sentinel"
)

// PostgresDirectory reads and writes the directory through a pgx pool.
type PostgresDirectory struct {
	pool *pgxpool.Pool
}

// NewPostgresDirectory constructs a Postgres-backed directory.
func NewPostgresDirectory(pool *pgxpool.Pool) *PostgresDirectory {
	return &PostgresDirectory{pool: pool}
}

func (d *PostgresDirectory) SaveTenant(ctx context.Context, t *models.Tenant) error {
	grants := make([]string, len(t.GrantTypes))
	for i, g := range t.GrantTypes {
		grants[i] = string(g)
	}
	_, err := d.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, secret_hash, redirect_uri, allowed_roles, required_scopes, grant_types)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			secret_hash = EXCLUDED.secret_hash,
			redirect_uri = EXCLUDED.redirect_uri,
			allowed_roles = EXCLUDED.allowed_roles,
			required_scopes = EXCLUDED.required_scopes,
			grant_types = EXCLUDED.grant_types
	`, t.ID, t.Name, t.SecretHash, t.RedirectURI, int64(t.AllowedRoles), t.RequiredScopes, grants)
	if err != nil {
		return fmt.Errorf("save tenant: %w", err)
	}
	return nil
}

func (d *PostgresDirectory) TenantByName(ctx context.Context, name string) (*models.Tenant, error) {
	var (
		t      models.Tenant
		roles  int64
		grants []string
	)
	err := d.pool.QueryRow(ctx, `
		SELECT id, name, secret_hash, redirect_uri, allowed_roles, required_scopes, grant_types
		FROM tenants WHERE name = $1
	`, name).Scan(&t.ID, &t.Name, &t.SecretHash, &t.RedirectURI, &roles, &t.RequiredScopes, &grants)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("tenant %q: %w", name, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find tenant: %w", err)
	}
	t.AllowedRoles = models.RoleSet(roles)
	for _, g := range grants {
		t.GrantTypes = append(t.GrantTypes, models.GrantType(g))
	}
	return &t, nil
}

func (d *PostgresDirectory) SaveIdentity(ctx context.Context, i *models.Identity) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO identities (id, username, password_hash, roles, provided_scopes, totp_secret, totp_enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			username = EXCLUDED.username,
			password_hash = EXCLUDED.password_hash,
			roles = EXCLUDED.roles,
			provided_scopes = EXCLUDED.provided_scopes,
			totp_secret = EXCLUDED.totp_secret,
			totp_enabled = EXCLUDED.totp_enabled
	`, i.ID, i.Username, i.PasswordHash, int64(i.Roles), i.ProvidedScopes, i.TOTPSecret, i.TOTPEnabled)
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

func (d *PostgresDirectory) IdentityByUsername(ctx context.Context, username string) (*models.Identity, error) {
	var (
		i     models.Identity
		roles int64
	)
	err := d.pool.QueryRow(ctx, `
		SELECT id, username, password_hash, roles, provided_scopes, totp_secret, totp_enabled
		FROM identities WHERE username = $1
	`, username).Scan(&i.ID, &i.Username, &i.PasswordHash, &roles, &i.ProvidedScopes, &i.TOTPSecret, &i.TOTPEnabled)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("identity %q: %w", username, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find identity: %w", err)
	}
	i.Roles = models.RoleSet(roles)
	return &i, nil
}

func (d *PostgresDirectory) Grant(ctx context.Context, tenantID, identityID string) (*models.Grant, error) {
	g := models.Grant{TenantID: tenantID, IdentityID: identityID}
	err := d.pool.QueryRow(ctx, `
		SELECT approved_scopes, issued_at FROM grants
		WHERE tenant_id = $1 AND identity_id = $2
	`, tenantID, identityID).Scan(&g.ApprovedScopes, &g.IssuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("grant: %w", sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find grant: %w", err)
	}
	return &g, nil
}

// SaveGrant inserts or replaces the grant for (tenant, identity).
func (d *PostgresDirectory) SaveGrant(ctx context.Context, g *models.Grant) error {
	_, err := d.pool.Exec(ctx, `
		INSERT INTO grants (tenant_id, identity_id, approved_scopes, issued_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, identity_id) DO UPDATE SET
			approved_scopes = EXCLUDED.approved_scopes,
			issued_at = EXCLUDED.issued_at
	`, g.TenantID, g.IdentityID, g.ApprovedScopes, g.IssuedAt)
	if err != nil {
		return fmt.Errorf("save grant: %w", err)
	}
	return nil
}
