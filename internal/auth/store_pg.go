package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"github.com/labkeeper/labkeeper/internal/platform/db"
	"github.com/labkeeper/labkeeper/internal/shared"
)

// PGStore implements IdentityStore and AccountStore using PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PostgreSQL identity store.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const identityColumns = `u.id, u.email, u.password_hash, u.status, u.created_at, u.updated_at,
	COALESCE(ARRAY(SELECT r.name FROM user_roles ur JOIN roles r ON r.id = ur.role_id WHERE ur.user_id = u.id ORDER BY r.name), '{}')`

// GetIdentity fetches a user with its role names.
func (s *PGStore) GetIdentity(ctx context.Context, subjectID string) (Identity, error) {
	return s.queryIdentity(ctx, `SELECT `+identityColumns+` FROM users u WHERE u.id = $1`, subjectID)
}

// FindByEmail fetches a user by email.
func (s *PGStore) FindByEmail(ctx context.Context, email string) (Identity, error) {
	return s.queryIdentity(ctx, `SELECT `+identityColumns+` FROM users u WHERE u.email = $1`, strings.ToLower(strings.TrimSpace(email)))
}

func (s *PGStore) queryIdentity(ctx context.Context, query string, arg string) (Identity, error) {
	var ident Identity
	err := s.pool.QueryRow(ctx, query, arg).Scan(
		&ident.ID, &ident.Email, &ident.PasswordHash, &ident.Status, &ident.CreatedAt, &ident.UpdatedAt, &ident.Roles,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Identity{}, shared.ErrNotFound
		}
		return Identity{}, err
	}
	return ident, nil
}

// GetRoleGrants returns the active permission codes of an active role.
func (s *PGStore) GetRoleGrants(ctx context.Context, role string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT p.code FROM role_permissions rp
JOIN roles r ON r.id = rp.role_id
JOIN permissions p ON p.id = rp.permission_id
WHERE r.name = $1 AND r.active AND p.active
ORDER BY p.code`, role)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// GetDirectGrants returns the permission codes granted to the user directly.
func (s *PGStore) GetDirectGrants(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT p.code FROM user_permissions up
JOIN permissions p ON p.id = up.permission_id
WHERE up.user_id = $1 AND p.active
ORDER BY p.code`, userID)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// SeedUsers inserts development users that do not exist yet.
func (s *PGStore) SeedUsers(ctx context.Context, users []SeedUser) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		for _, u := range users {
			hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			tag, err := tx.Exec(ctx, `INSERT INTO users (id, email, password_hash, status) VALUES ($1, $2, $3, $4) ON CONFLICT (id) DO NOTHING`,
				u.ID, strings.ToLower(u.Email), string(hash), u.Status)
			if err != nil {
				return fmt.Errorf("auth: seed user %s: %w", u.ID, err)
			}
			if tag.RowsAffected() == 0 {
				continue
			}
			for _, role := range u.Roles {
				if _, err := tx.Exec(ctx, `INSERT INTO user_roles (user_id, role_id) SELECT $1, id FROM roles WHERE name = $2 ON CONFLICT DO NOTHING`, u.ID, role); err != nil {
					return fmt.Errorf("auth: seed role %s for %s: %w", role, u.ID, err)
				}
			}
			for _, code := range u.Grants {
				if _, err := tx.Exec(ctx, `INSERT INTO user_permissions (user_id, permission_id) SELECT $1, id FROM permissions WHERE code = $2 ON CONFLICT DO NOTHING`, u.ID, code); err != nil {
					return fmt.Errorf("auth: seed grant %s for %s: %w", code, u.ID, err)
				}
			}
		}
		return nil
	})
}

var (
	_ IdentityStore = (*PGStore)(nil)
	_ AccountStore  = (*PGStore)(nil)
)
