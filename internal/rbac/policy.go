package rbac

import (
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"github.com/labkeeper/labkeeper/internal/shared"
)

// Policy is the declarative access policy: the permission catalog, the roles
// with their grants and the path rules. Other sections of the same document
// (users, sensitive operations) are read by their own packages.
type Policy struct {
	Permissions []PolicyPermission `yaml:"permissions"`
	Roles       []PolicyRole       `yaml:"roles"`
	PathRules   []PathRule         `yaml:"path_rules"`
}

// PolicyPermission declares one permission code or grant pattern.
type PolicyPermission struct {
	Code        string `yaml:"code"`
	Module      string `yaml:"module,omitempty"`
	DisplayName string `yaml:"display_name,omitempty"`
	SortOrder   int    `yaml:"sort_order,omitempty"`
	Inactive    bool   `yaml:"inactive,omitempty"`
}

// PolicyRole declares a role and the codes it grants.
type PolicyRole struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name,omitempty"`
	System      bool     `yaml:"system,omitempty"`
	Inactive    bool     `yaml:"inactive,omitempty"`
	Grants      []string `yaml:"grants,omitempty"`
}

// Seed is the normalized, id-assigned form of a Policy.
type Seed struct {
	Permissions []Permission
	Roles       []Role
	Links       []RolePermission
	Rules       []PathRule
}

// LoadPolicy decodes a YAML policy document.
func LoadPolicy(r io.Reader) (*Policy, error) {
	var p Policy
	if err := yaml.NewDecoder(r).Decode(&p); err != nil {
		if err == io.EOF {
			return &p, nil
		}
		return nil, fmt.Errorf("%w: decode policy: %v", shared.ErrConfiguration, err)
	}
	return &p, nil
}

// Seed assigns sequential ids and resolves role grants. The admin role is
// always a system role carrying the universal grant.
func (p *Policy) Seed() (Seed, error) {
	var seed Seed
	if p == nil {
		return seed, fmt.Errorf("%w: policy missing", shared.ErrConfiguration)
	}
	title := cases.Title(language.English)
	codes := make(map[string]int64, len(p.Permissions)+1)
	addPerm := func(pp PolicyPermission) error {
		code := normalize(pp.Code)
		if code == "" {
			return fmt.Errorf("%w: permission without code", shared.ErrConfiguration)
		}
		if _, dup := codes[code]; dup {
			return fmt.Errorf("%w: duplicate permission %q", shared.ErrConfiguration, code)
		}
		id := int64(len(seed.Permissions) + 1)
		codes[code] = id
		module := normalize(pp.Module)
		if module == "" {
			module = moduleOf(code)
		}
		name := strings.TrimSpace(pp.DisplayName)
		if name == "" {
			name = displayName(title, code)
		}
		seed.Permissions = append(seed.Permissions, Permission{
			ID:          id,
			Code:        code,
			Module:      module,
			DisplayName: name,
			SortOrder:   pp.SortOrder,
			Active:      !pp.Inactive,
		})
		return nil
	}
	for _, pp := range p.Permissions {
		if err := addPerm(pp); err != nil {
			return Seed{}, err
		}
	}
	if _, ok := codes[PermAll]; !ok {
		if err := addPerm(PolicyPermission{Code: PermAll}); err != nil {
			return Seed{}, err
		}
	}

	roles := p.Roles
	hasAdmin := false
	for _, r := range roles {
		if normalize(r.Name) == RoleAdmin {
			hasAdmin = true
		}
	}
	if !hasAdmin {
		roles = append(roles, PolicyRole{Name: RoleAdmin})
	}
	names := make(map[string]struct{}, len(roles))
	for _, pr := range roles {
		name := normalize(pr.Name)
		if name == "" {
			return Seed{}, fmt.Errorf("%w: role without name", shared.ErrConfiguration)
		}
		if _, dup := names[name]; dup {
			return Seed{}, fmt.Errorf("%w: duplicate role %q", shared.ErrConfiguration, name)
		}
		names[name] = struct{}{}
		grants := pr.Grants
		system := pr.System
		if name == RoleAdmin {
			system = true
			grants = append([]string{PermAll}, grants...)
		}
		display := strings.TrimSpace(pr.DisplayName)
		if display == "" {
			display = displayName(title, name)
		}
		role := Role{
			ID:          int64(len(seed.Roles) + 1),
			Name:        name,
			DisplayName: display,
			IsSystem:    system,
			Active:      !pr.Inactive,
		}
		seed.Roles = append(seed.Roles, role)
		for _, code := range dedupe(grants) {
			permID, ok := codes[code]
			if !ok {
				return Seed{}, fmt.Errorf("%w: role %q grants unknown permission %q", shared.ErrConfiguration, name, code)
			}
			seed.Links = append(seed.Links, RolePermission{RoleID: role.ID, PermissionID: permID})
		}
	}
	seed.Rules = append(seed.Rules, p.PathRules...)
	return seed, nil
}

// Catalog builds and validates the catalog described by the policy.
func (p *Policy) Catalog() (*Catalog, error) {
	seed, err := p.Seed()
	if err != nil {
		return nil, err
	}
	return NewCatalog(seed.Permissions, seed.Roles, seed.Links, seed.Rules)
}

func displayName(title cases.Caser, code string) string {
	if code == PermAll {
		return "All Permissions"
	}
	replacer := strings.NewReplacer(".", " ", "_", " ", "-", " ")
	if prefix, ok := strings.CutSuffix(code, ".*"); ok {
		return title.String(replacer.Replace(prefix)) + " (All)"
	}
	return title.String(replacer.Replace(code))
}
