package rbac

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labkeeper/labkeeper/internal/platform/db"
)

// PGStore implements Store on PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PostgreSQL store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// LoadSnapshot reads permissions, roles and grants in one repeatable-read
// transaction.
func (s *PGStore) LoadSnapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT id, code, module, display_name, sort_order, active FROM permissions ORDER BY module, sort_order, code`)
		if err != nil {
			return err
		}
		snap.Permissions, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Permission, error) {
			var p Permission
			err := row.Scan(&p.ID, &p.Code, &p.Module, &p.DisplayName, &p.SortOrder, &p.Active)
			return p, err
		})
		if err != nil {
			return err
		}
		rows, err = tx.Query(ctx, `SELECT id, name, display_name, is_system, active, created_at, updated_at FROM roles ORDER BY name`)
		if err != nil {
			return err
		}
		snap.Roles, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (Role, error) {
			var r Role
			err := row.Scan(&r.ID, &r.Name, &r.DisplayName, &r.IsSystem, &r.Active, &r.CreatedAt, &r.UpdatedAt)
			return r, err
		})
		if err != nil {
			return err
		}
		rows, err = tx.Query(ctx, `SELECT role_id, permission_id FROM role_permissions`)
		if err != nil {
			return err
		}
		snap.Links, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (RolePermission, error) {
			var l RolePermission
			err := row.Scan(&l.RoleID, &l.PermissionID)
			return l, err
		})
		return err
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("rbac: load snapshot: %w", err)
	}
	return snap, nil
}

// ReplaceRolePermissions deletes and reinserts the grants of a role inside
// one transaction, so concurrent readers see either the old or the new set.
func (s *PGStore) ReplaceRolePermissions(ctx context.Context, roleID int64, permissionIDs []int64) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM roles WHERE id = $1)`, roleID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		if _, err := tx.Exec(ctx, `DELETE FROM role_permissions WHERE role_id = $1`, roleID); err != nil {
			return err
		}
		for _, id := range permissionIDs {
			_, err := tx.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2)`, roleID, id)
			if err != nil {
				var pgErr *pgconn.PgError
				if errors.As(err, &pgErr) && pgErr.Code == "23503" {
					return fmt.Errorf("%w: %d", ErrInvalidPermission, id)
				}
				return err
			}
		}
		_, err := tx.Exec(ctx, `UPDATE roles SET updated_at = NOW() WHERE id = $1`, roleID)
		return err
	})
}

// Seed installs the policy catalog. Existing permissions and roles are kept;
// grants are only written for roles created by this call, so role
// administration done at runtime survives restarts.
func (s *PGStore) Seed(ctx context.Context, seed Seed) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		permIDs := make(map[int64]int64, len(seed.Permissions))
		for _, p := range seed.Permissions {
			var id int64
			err := tx.QueryRow(ctx, `INSERT INTO permissions (code, module, display_name, sort_order, active)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (code) DO UPDATE SET module = EXCLUDED.module, display_name = EXCLUDED.display_name, sort_order = EXCLUDED.sort_order
RETURNING id`, p.Code, p.Module, p.DisplayName, p.SortOrder, p.Active).Scan(&id)
			if err != nil {
				return fmt.Errorf("rbac: seed permission %s: %w", p.Code, err)
			}
			permIDs[p.ID] = id
		}
		for _, r := range seed.Roles {
			var id int64
			err := tx.QueryRow(ctx, `INSERT INTO roles (name, display_name, is_system, active)
VALUES ($1, $2, $3, $4)
ON CONFLICT (name) DO NOTHING
RETURNING id`, r.Name, r.DisplayName, r.IsSystem, r.Active).Scan(&id)
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("rbac: seed role %s: %w", r.Name, err)
			}
			for _, l := range seed.Links {
				if l.RoleID != r.ID {
					continue
				}
				if _, err := tx.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`, id, permIDs[l.PermissionID]); err != nil {
					return fmt.Errorf("rbac: seed grant %s: %w", r.Name, err)
				}
			}
		}
		// The administrator role always carries the universal grant.
		_, err := tx.Exec(ctx, `INSERT INTO role_permissions (role_id, permission_id)
SELECT r.id, p.id FROM roles r, permissions p WHERE r.name = $1 AND p.code = $2
ON CONFLICT DO NOTHING`, RoleAdmin, PermAll)
		return err
	})
}

var _ Store = (*PGStore)(nil)
