package store

import (
	"context"
	"fmt"
	"sync"

	"phoenix/internal/auth/models"
	"phoenix/pkg/platform/sentinel"
)

type grantKey struct {
	tenantID   string
	identityID string
}

// InMemoryDirectory keeps tenants, identities and grants in process memory.
type InMemoryDirectory struct {
	mu               sync.RWMutex
	tenantsByName    map[string]*models.Tenant
	identitiesByName map[string]*models.Identity
	identitiesByID   map[string]*models.Identity
	grants           map[grantKey]models.Grant
}

// NewInMemoryDirectory constructs an empty directory.
func NewInMemoryDirectory() *InMemoryDirectory {
	return &InMemoryDirectory{
		tenantsByName:    make(map[string]*models.Tenant),
		identitiesByName: make(map[string]*models.Identity),
		identitiesByID:   make(map[string]*models.Identity),
		grants:           make(map[grantKey]models.Grant),
	}
}

func (d *InMemoryDirectory) SaveTenant(_ context.Context, t *models.Tenant) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tenantsByName[t.Name] = cloneTenant(t)
	return nil
}

func (d *InMemoryDirectory) TenantByName(_ context.Context, name string) (*models.Tenant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if t, ok := d.tenantsByName[name]; ok {
		return cloneTenant(t), nil
	}
	return nil, fmt.Errorf("tenant %q: %w", name, sentinel.ErrNotFound)
}

func (d *InMemoryDirectory) SaveIdentity(_ context.Context, i *models.Identity) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if prev, ok := d.identitiesByID[i.ID]; ok {
		delete(d.identitiesByName, prev.Username)
	}
	c := cloneIdentity(i)
	d.identitiesByID[i.ID] = c
	d.identitiesByName[i.Username] = c
	return nil
}

func (d *InMemoryDirectory) IdentityByUsername(_ context.Context, username string) (*models.Identity, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if i, ok := d.identitiesByName[username]; ok {
		return cloneIdentity(i), nil
	}
	return nil, fmt.Errorf("identity %q: %w", username, sentinel.ErrNotFound)
}

func (d *InMemoryDirectory) Grant(_ context.Context, tenantID, identityID string) (*models.Grant, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if g, ok := d.grants[grantKey{tenantID, identityID}]; ok {
		return &g, nil
	}
	return nil, fmt.Errorf("grant: %w", sentinel.ErrNotFound)
}

// SaveGrant inserts or replaces the grant for (tenant, identity).
func (d *InMemoryDirectory) SaveGrant(_ context.Context, g *models.Grant) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.grants[grantKey{g.TenantID, g.IdentityID}] = *g
	return nil
}
