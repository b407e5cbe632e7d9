package rbac

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/labkeeper/labkeeper/internal/pathmatch"
	"github.com/labkeeper/labkeeper/internal/shared"
)

// PathRule maps a request method and path pattern to a Requirement.
type PathRule struct {
	Method      string   `yaml:"method" json:"method"`
	Path        string   `yaml:"path" json:"path"`
	Kind        string   `yaml:"kind,omitempty" json:"kind,omitempty"`
	Segments    int      `yaml:"segments,omitempty" json:"segments,omitempty"`
	Permissions []string `yaml:"permissions,omitempty" json:"permissions,omitempty"`
	Roles       []string `yaml:"roles,omitempty" json:"roles,omitempty"`
	Mode        string   `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// Catalog is an immutable snapshot of permissions, roles, role grants and
// compiled path rules. Readers never observe a partially updated catalog;
// changes build a new Catalog and swap it into a CatalogHolder.
type Catalog struct {
	permissions []Permission
	permByID    map[int64]Permission
	permByCode  map[string]Permission
	roles       []Role
	roleByID    map[int64]Role
	roleByName  map[string]Role
	grants      map[string][]string
	rules       *pathmatch.Table[Requirement]
}

// NewCatalog validates its inputs and compiles the path rules. Any
// inconsistency is reported as shared.ErrConfiguration.
func NewCatalog(perms []Permission, roles []Role, links []RolePermission, rules []PathRule) (*Catalog, error) {
	c := &Catalog{
		permByID:   make(map[int64]Permission, len(perms)),
		permByCode: make(map[string]Permission, len(perms)),
		roleByID:   make(map[int64]Role, len(roles)),
		roleByName: make(map[string]Role, len(roles)),
		grants:     make(map[string][]string, len(roles)),
	}
	for _, p := range perms {
		p.Code = normalize(p.Code)
		if p.Code == "" {
			return nil, fmt.Errorf("%w: permission %d has no code", shared.ErrConfiguration, p.ID)
		}
		if _, dup := c.permByID[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate permission id %d", shared.ErrConfiguration, p.ID)
		}
		if _, dup := c.permByCode[p.Code]; dup {
			return nil, fmt.Errorf("%w: duplicate permission code %q", shared.ErrConfiguration, p.Code)
		}
		c.permByID[p.ID] = p
		c.permByCode[p.Code] = p
		c.permissions = append(c.permissions, p)
	}
	for _, r := range roles {
		r.Name = normalize(r.Name)
		if r.Name == "" {
			return nil, fmt.Errorf("%w: role %d has no name", shared.ErrConfiguration, r.ID)
		}
		if _, dup := c.roleByID[r.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate role id %d", shared.ErrConfiguration, r.ID)
		}
		if _, dup := c.roleByName[r.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate role name %q", shared.ErrConfiguration, r.Name)
		}
		c.roleByID[r.ID] = r
		c.roleByName[r.Name] = r
		c.roles = append(c.roles, r)
	}
	seenLinks := make(map[RolePermission]struct{}, len(links))
	for _, l := range links {
		role, ok := c.roleByID[l.RoleID]
		if !ok {
			return nil, fmt.Errorf("%w: grant references unknown role %d", shared.ErrConfiguration, l.RoleID)
		}
		perm, ok := c.permByID[l.PermissionID]
		if !ok {
			return nil, fmt.Errorf("%w: grant references unknown permission %d", shared.ErrConfiguration, l.PermissionID)
		}
		if _, dup := seenLinks[l]; dup {
			continue
		}
		seenLinks[l] = struct{}{}
		if !role.Active || !perm.Active {
			continue
		}
		c.grants[role.Name] = append(c.grants[role.Name], perm.Code)
	}
	for name := range c.grants {
		sort.Strings(c.grants[name])
	}
	sort.SliceStable(c.permissions, func(i, j int) bool {
		a, b := c.permissions[i], c.permissions[j]
		if a.Module != b.Module {
			return a.Module < b.Module
		}
		if a.SortOrder != b.SortOrder {
			return a.SortOrder < b.SortOrder
		}
		return a.Code < b.Code
	})
	sort.SliceStable(c.roles, func(i, j int) bool { return c.roles[i].Name < c.roles[j].Name })

	compiled := make([]pathmatch.Rule[Requirement], 0, len(rules))
	for i, rule := range rules {
		req, kind, err := c.requirementFor(rule)
		if err != nil {
			return nil, fmt.Errorf("%w: path rule %d (%s %s): %v", shared.ErrConfiguration, i, rule.Method, rule.Path, err)
		}
		compiled = append(compiled, pathmatch.Rule[Requirement]{
			Method:   rule.Method,
			Pattern:  rule.Path,
			Kind:     kind,
			Segments: rule.Segments,
			Value:    req,
		})
	}
	table, err := pathmatch.Compile(compiled)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", shared.ErrConfiguration, err)
	}
	c.rules = table
	return c, nil
}

func (c *Catalog) requirementFor(rule PathRule) (Requirement, pathmatch.Kind, error) {
	kind, err := pathmatch.ParseKind(rule.Kind)
	if err != nil {
		return Requirement{}, kind, err
	}
	mode, err := ParseMode(rule.Mode)
	if err != nil {
		return Requirement{}, kind, err
	}
	req := Requirement{Permissions: rule.Permissions, Roles: rule.Roles, Mode: mode}.Normalize()
	for _, code := range req.Permissions {
		if _, ok := c.permByCode[code]; !ok {
			return Requirement{}, kind, fmt.Errorf("unknown permission %q", code)
		}
	}
	for _, role := range req.Roles {
		if _, ok := c.roleByName[role]; !ok {
			return Requirement{}, kind, fmt.Errorf("unknown role %q", role)
		}
	}
	return req, kind, nil
}

// Resolve returns the requirement of the first rule matching method and
// path, in exact, wildcard, parameter order. A rule with an empty requirement
// marks a path as explicitly open to any authenticated principal.
func (c *Catalog) Resolve(method, path string) (Requirement, string, bool) {
	if c == nil {
		return Requirement{}, "", false
	}
	m, ok := c.rules.Lookup(method, path)
	if !ok {
		return Requirement{}, "", false
	}
	return m.Value, m.Pattern, true
}

// RoleGrants returns the active permission codes granted to an active role.
func (c *Catalog) RoleGrants(role string) []string {
	if c == nil {
		return nil
	}
	grants := c.grants[normalize(role)]
	out := make([]string, len(grants))
	copy(out, grants)
	return out
}

// Permissions returns all permissions ordered by module, sort order and code.
func (c *Catalog) Permissions() []Permission {
	if c == nil {
		return nil
	}
	out := make([]Permission, len(c.permissions))
	copy(out, c.permissions)
	return out
}

// Roles returns all roles ordered by name.
func (c *Catalog) Roles() []Role {
	if c == nil {
		return nil
	}
	out := make([]Role, len(c.roles))
	copy(out, c.roles)
	return out
}

// Role looks up a role by id.
func (c *Catalog) Role(id int64) (Role, bool) {
	if c == nil {
		return Role{}, false
	}
	r, ok := c.roleByID[id]
	return r, ok
}

// RoleByName looks up a role by name.
func (c *Catalog) RoleByName(name string) (Role, bool) {
	if c == nil {
		return Role{}, false
	}
	r, ok := c.roleByName[normalize(name)]
	return r, ok
}

// Permission looks up a permission by id.
func (c *Catalog) Permission(id int64) (Permission, bool) {
	if c == nil {
		return Permission{}, false
	}
	p, ok := c.permByID[id]
	return p, ok
}

// PermissionByCode looks up a permission by code.
func (c *Catalog) PermissionByCode(code string) (Permission, bool) {
	if c == nil {
		return Permission{}, false
	}
	p, ok := c.permByCode[normalize(code)]
	return p, ok
}

// RulesLen returns the number of compiled path rules.
func (c *Catalog) RulesLen() int {
	if c == nil {
		return 0
	}
	return c.rules.Len()
}

// CatalogHolder publishes the current Catalog to concurrent readers.
type CatalogHolder struct {
	current atomic.Pointer[Catalog]
}

// NewCatalogHolder returns a holder publishing c.
func NewCatalogHolder(c *Catalog) *CatalogHolder {
	h := &CatalogHolder{}
	h.current.Store(c)
	return h
}

// Load returns the current snapshot.
func (h *CatalogHolder) Load() *Catalog {
	if h == nil {
		return nil
	}
	return h.current.Load()
}

// Store replaces the current snapshot wholesale.
func (h *CatalogHolder) Store(c *Catalog) {
	h.current.Store(c)
}

func moduleOf(code string) string {
	if i := strings.IndexByte(code, '.'); i > 0 {
		return code[:i]
	}
	return code
}
