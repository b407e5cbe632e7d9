package rbac

import (
	"bytes"
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/labkeeper/labkeeper/configs"
)

func defaultPolicy(t *testing.T) *Policy {
	t.Helper()
	policy, err := LoadPolicy(bytes.NewReader(configs.DefaultPolicy))
	require.NoError(t, err)
	return policy
}

func defaultCatalog(t *testing.T) *Catalog {
	t.Helper()
	catalog, err := defaultPolicy(t).Catalog()
	require.NoError(t, err)
	return catalog
}

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	policy := defaultPolicy(t)
	seed, err := policy.Seed()
	require.NoError(t, err)
	store := NewMemoryStore(seed)
	svc, err := NewService(context.Background(), store, seed.Rules, nil)
	require.NoError(t, err)
	return svc, store
}

// principalFor builds a principal the way the resolver does: the union of
// the grants of its roles plus direct grants.
func principalFor(c *Catalog, userID string, roles []string, direct ...string) *Principal {
	perms := append([]string(nil), direct...)
	for _, role := range roles {
		perms = append(perms, c.RoleGrants(role)...)
	}
	return NewPrincipal(userID, roles, perms, time.Unix(0, 0))
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
