package cli

import (
	"bytes"
	"fmt"
	"io"

	"github.com/labkeeper/labkeeper/internal/audit"
	"github.com/labkeeper/labkeeper/internal/auth"
	"github.com/labkeeper/labkeeper/internal/rbac"
)

// PolicySummary describes a validated policy document.
type PolicySummary struct {
	Permissions         int
	Roles               int
	PathRules           int
	SensitiveOperations int
	Users               int
}

// CheckPolicy compiles every section of a policy document the way the server
// does at startup and reports what it found. Seed users must reference known
// roles.
func CheckPolicy(document []byte) (PolicySummary, error) {
	policy, err := rbac.LoadPolicy(bytes.NewReader(document))
	if err != nil {
		return PolicySummary{}, err
	}
	catalog, err := policy.Catalog()
	if err != nil {
		return PolicySummary{}, err
	}
	registry, err := audit.LoadRegistry(bytes.NewReader(document))
	if err != nil {
		return PolicySummary{}, err
	}
	users, err := auth.LoadUsers(bytes.NewReader(document))
	if err != nil {
		return PolicySummary{}, err
	}
	for _, u := range users {
		for _, role := range u.Roles {
			if _, ok := catalog.RoleByName(role); !ok {
				return PolicySummary{}, fmt.Errorf("user %s references unknown role %q", u.ID, role)
			}
		}
	}
	return PolicySummary{
		Permissions:         len(catalog.Permissions()),
		Roles:               len(catalog.Roles()),
		PathRules:           catalog.RulesLen(),
		SensitiveOperations: registry.Len(),
		Users:               len(users),
	}, nil
}

// WriteSummary prints s in a human readable form.
func WriteSummary(w io.Writer, s PolicySummary) error {
	_, err := fmt.Fprintf(w, "permissions: %d\nroles: %d\npath rules: %d\nsensitive operations: %d\nusers: %d\n",
		s.Permissions, s.Roles, s.PathRules, s.SensitiveOperations, s.Users)
	return err
}
