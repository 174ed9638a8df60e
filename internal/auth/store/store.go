// Package store is the directory of tenants, identities and grants.
//
// Error contract, shared by every backing:
//   - sentinel.ErrNotFound when the requested record does not exist
//   - wrapped errors for infrastructure failures
package store

import (
	"phoenix/internal/auth/models"
)

func cloneTenant(t *models.Tenant) *models.Tenant {
	c := *t
	c.GrantTypes = append([]models.GrantType(nil), t.GrantTypes...)
	return &c
}

func cloneIdentity(i *models.Identity) *models.Identity {
	c := *i
	return &c
}
