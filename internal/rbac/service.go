package rbac

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

var (
	// ErrNotFound indicates that the requested record does not exist.
	ErrNotFound = errors.New("rbac: not found")
	// ErrSystemRole is returned when changing the grants of a system role.
	ErrSystemRole = errors.New("rbac: system role is immutable")
	// ErrInvalidPermission is returned for unknown or inactive permission ids.
	ErrInvalidPermission = errors.New("rbac: invalid permission")
)

// RoleChangeFunc observes a committed change of a role's grants.
type RoleChangeFunc func(ctx context.Context, role string)

// RoleDetail is a role with its granted permissions.
type RoleDetail struct {
	Role
	Permissions []Permission `json:"permissions"`
}

// Service orchestrates RBAC operations and owns the published catalog.
type Service struct {
	store    Store
	rules    []PathRule
	catalogs *CatalogHolder
	logger   *slog.Logger

	mu       sync.Mutex
	onChange []RoleChangeFunc
}

// NewService loads the initial catalog from store and compiles rules.
func NewService(ctx context.Context, store Store, rules []PathRule, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:    store,
		rules:    append([]PathRule(nil), rules...),
		catalogs: NewCatalogHolder(nil),
		logger:   logger,
	}
	if err := s.Reload(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Catalogs exposes the holder read by the enforcement adapters.
func (s *Service) Catalogs() *CatalogHolder {
	return s.catalogs
}

// Catalog returns the current snapshot.
func (s *Service) Catalog() *Catalog {
	return s.catalogs.Load()
}

// OnRoleChange registers fn to run after a role's grants were replaced.
func (s *Service) OnRoleChange(fn RoleChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// Reload rebuilds the catalog from the store and publishes it.
func (s *Service) Reload(ctx context.Context) error {
	snap, err := s.store.LoadSnapshot(ctx)
	if err != nil {
		return err
	}
	catalog, err := NewCatalog(snap.Permissions, snap.Roles, snap.Links, s.rules)
	if err != nil {
		return err
	}
	s.catalogs.Store(catalog)
	return nil
}

// ListRoles returns all roles ordered by name.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.Catalog().Roles(), nil
}

// GetRole fetches a role and its permissions by ID.
func (s *Service) GetRole(ctx context.Context, id int64) (RoleDetail, error) {
	c := s.Catalog()
	role, ok := c.Role(id)
	if !ok {
		return RoleDetail{}, ErrNotFound
	}
	detail := RoleDetail{Role: role, Permissions: []Permission{}}
	for _, code := range c.RoleGrants(role.Name) {
		if p, ok := c.PermissionByCode(code); ok {
			detail.Permissions = append(detail.Permissions, p)
		}
	}
	return detail, nil
}

// ListPermissions returns all permissions ordered by module.
func (s *Service) ListPermissions(ctx context.Context) ([]Permission, error) {
	return s.Catalog().Permissions(), nil
}

// SetRolePermissions replaces the permission set of a role. An empty list
// clears it. The new catalog is published only after the store committed.
func (s *Service) SetRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) (RoleDetail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.Catalog()
	role, ok := c.Role(roleID)
	if !ok {
		return RoleDetail{}, ErrNotFound
	}
	if role.IsSystem {
		return RoleDetail{}, ErrSystemRole
	}
	ids := make([]int64, 0, len(permissionIDs))
	seen := make(map[int64]struct{}, len(permissionIDs))
	for _, id := range permissionIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		perm, ok := c.Permission(id)
		if !ok || !perm.Active {
			return RoleDetail{}, fmt.Errorf("%w: %d", ErrInvalidPermission, id)
		}
		if perm.Code == PermAll {
			return RoleDetail{}, fmt.Errorf("%w: universal grant is reserved for %s", ErrInvalidPermission, RoleAdmin)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	if err := s.store.ReplaceRolePermissions(ctx, roleID, ids); err != nil {
		return RoleDetail{}, err
	}
	if err := s.Reload(ctx); err != nil {
		s.logger.Error("rbac reload after role change", slog.Int64("role_id", roleID), slog.Any("error", err))
		return RoleDetail{}, err
	}
	for _, fn := range s.onChange {
		fn(ctx, role.Name)
	}
	s.logger.Info("role permissions replaced", slog.String("role", role.Name), slog.Int("count", len(ids)))
	return s.GetRole(ctx, roleID)
}
