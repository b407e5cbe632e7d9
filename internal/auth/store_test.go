package auth

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/labkeeper/labkeeper/configs"
	"github.com/labkeeper/labkeeper/internal/rbac"
	"github.com/labkeeper/labkeeper/internal/shared"
)

func TestLoadUsersFromDefaultPolicy(t *testing.T) {
	users, err := LoadUsers(bytes.NewReader(configs.DefaultPolicy))
	require.NoError(t, err)
	require.NotEmpty(t, users)

	byID := make(map[string]SeedUser, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	assert.Equal(t, StatusActive, byID["u-tech"].Status)
	assert.Equal(t, StatusInactive, byID["u-former"].Status)
	assert.Equal(t, []string{"user.view"}, byID["u-qa"].Grants)
}

func TestLoadUsersRejectsIncompleteEntries(t *testing.T) {
	_, err := LoadUsers(strings.NewReader("users:\n  - {id: u-x}\n"))
	assert.ErrorIs(t, err, shared.ErrConfiguration)

	users, err := LoadUsers(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestMemoryStoreFollowsLiveCatalog(t *testing.T) {
	policy, err := rbac.LoadPolicy(bytes.NewReader(configs.DefaultPolicy))
	require.NoError(t, err)
	catalog, err := policy.Catalog()
	require.NoError(t, err)
	holder := rbac.NewCatalogHolder(catalog)

	store, err := NewMemoryStore([]SeedUser{
		{ID: "u-analyst", Email: "Analyst@Lab.Local", Password: "labkeeper-analyst", Roles: []string{"analyst"}},
	}, RoleGrantFunc(func(role string) []string { return holder.Load().RoleGrants(role) }), bcrypt.MinCost)
	require.NoError(t, err)

	ident, err := store.FindByEmail(context.Background(), "analyst@lab.local")
	require.NoError(t, err)
	assert.Equal(t, "u-analyst", ident.ID)

	grants, err := store.GetRoleGrants(context.Background(), "analyst")
	require.NoError(t, err)
	assert.NotContains(t, grants, "report.edit")

	_, err = store.GetIdentity(context.Background(), "u-nobody")
	assert.ErrorIs(t, err, shared.ErrNotFound)
}
