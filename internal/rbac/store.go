package rbac

import (
	"context"
	"sync"
)

// Snapshot is the persisted part of a catalog.
type Snapshot struct {
	Permissions []Permission
	Roles       []Role
	Links       []RolePermission
}

// Store persists permissions, roles and role grants.
type Store interface {
	LoadSnapshot(ctx context.Context) (Snapshot, error)
	// ReplaceRolePermissions atomically replaces the grants of a role.
	ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error
}

// MemoryStore is an in-process Store seeded from a policy.
type MemoryStore struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewMemoryStore builds a MemoryStore holding seed.
func NewMemoryStore(seed Seed) *MemoryStore {
	return &MemoryStore{snap: Snapshot{
		Permissions: append([]Permission(nil), seed.Permissions...),
		Roles:       append([]Role(nil), seed.Roles...),
		Links:       append([]RolePermission(nil), seed.Links...),
	}}
}

// LoadSnapshot returns a copy of the stored snapshot.
func (s *MemoryStore) LoadSnapshot(ctx context.Context) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		Permissions: append([]Permission(nil), s.snap.Permissions...),
		Roles:       append([]Role(nil), s.snap.Roles...),
		Links:       append([]RolePermission(nil), s.snap.Links...),
	}, nil
}

// ReplaceRolePermissions swaps the link slice for a new one in a single step.
func (s *MemoryStore) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for _, r := range s.snap.Roles {
		if r.ID == roleID {
			found = true
			break
		}
	}
	if !found {
		return ErrNotFound
	}
	links := make([]RolePermission, 0, len(s.snap.Links)+len(permissionIDs))
	for _, l := range s.snap.Links {
		if l.RoleID != roleID {
			links = append(links, l)
		}
	}
	for _, id := range permissionIDs {
		links = append(links, RolePermission{RoleID: roleID, PermissionID: id})
	}
	s.snap.Links = links
	return nil
}

var _ Store = (*MemoryStore)(nil)
