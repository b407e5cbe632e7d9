package auth

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/labkeeper/labkeeper/internal/shared"
)

// IdentityStore is the identity collaborator of the principal resolver.
type IdentityStore interface {
	GetIdentity(ctx context.Context, subjectID string) (Identity, error)
	GetRoleGrants(ctx context.Context, role string) ([]string, error)
	GetDirectGrants(ctx context.Context, userID string) ([]string, error)
}

// AccountStore finds accounts for password authentication.
type AccountStore interface {
	FindByEmail(ctx context.Context, email string) (Identity, error)
}

// RoleGrantSource answers role grants from an in-process catalog.
type RoleGrantSource interface {
	RoleGrants(role string) []string
}

// RoleGrantFunc adapts a function to RoleGrantSource.
type RoleGrantFunc func(role string) []string

// RoleGrants implements RoleGrantSource.
func (f RoleGrantFunc) RoleGrants(role string) []string { return f(role) }

// SeedUser is a development identity declared in the policy document.
type SeedUser struct {
	ID       string   `yaml:"id"`
	Email    string   `yaml:"email"`
	Password string   `yaml:"password"`
	Status   string   `yaml:"status,omitempty"`
	Roles    []string `yaml:"roles,omitempty"`
	Grants   []string `yaml:"grants,omitempty"`
}

// LoadUsers decodes the users section of a policy document.
func LoadUsers(r io.Reader) ([]SeedUser, error) {
	var doc struct {
		Users []SeedUser `yaml:"users"`
	}
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil && err != io.EOF {
		return nil, fmt.Errorf("%w: decode users: %v", shared.ErrConfiguration, err)
	}
	for i, u := range doc.Users {
		if strings.TrimSpace(u.ID) == "" || strings.TrimSpace(u.Email) == "" {
			return nil, fmt.Errorf("%w: user %d needs id and email", shared.ErrConfiguration, i)
		}
		if doc.Users[i].Status == "" {
			doc.Users[i].Status = StatusActive
		}
	}
	return doc.Users, nil
}

// MemoryStore is an in-process IdentityStore for development and tests.
// Role grants come from the live catalog so role administration applies
// immediately.
type MemoryStore struct {
	mu         sync.RWMutex
	identities map[string]Identity
	byEmail    map[string]string
	direct     map[string][]string
	roles      RoleGrantSource
}

// NewMemoryStore hashes the seed passwords with cost and indexes the users.
func NewMemoryStore(users []SeedUser, roles RoleGrantSource, cost int) (*MemoryStore, error) {
	s := &MemoryStore{
		identities: make(map[string]Identity, len(users)),
		byEmail:    make(map[string]string, len(users)),
		direct:     make(map[string][]string, len(users)),
		roles:      roles,
	}
	for _, u := range users {
		if err := s.Put(u, cost); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Put adds or replaces a user.
func (s *MemoryStore) Put(u SeedUser, cost int) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), cost)
	if err != nil {
		return fmt.Errorf("auth: hash password for %s: %w", u.ID, err)
	}
	status := u.Status
	if status == "" {
		status = StatusActive
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identities[u.ID] = Identity{
		ID:           u.ID,
		Email:        strings.ToLower(strings.TrimSpace(u.Email)),
		PasswordHash: string(hash),
		Status:       status,
		Roles:        append([]string(nil), u.Roles...),
	}
	s.byEmail[strings.ToLower(strings.TrimSpace(u.Email))] = u.ID
	s.direct[u.ID] = append([]string(nil), u.Grants...)
	return nil
}

// GetIdentity implements IdentityStore.
func (s *MemoryStore) GetIdentity(ctx context.Context, subjectID string) (Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ident, ok := s.identities[subjectID]
	if !ok {
		return Identity{}, shared.ErrNotFound
	}
	ident.Roles = append([]string(nil), ident.Roles...)
	return ident, nil
}

// GetRoleGrants implements IdentityStore.
func (s *MemoryStore) GetRoleGrants(ctx context.Context, role string) ([]string, error) {
	if s.roles == nil {
		return nil, nil
	}
	return s.roles.RoleGrants(role), nil
}

// GetDirectGrants implements IdentityStore.
func (s *MemoryStore) GetDirectGrants(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.direct[userID]...), nil
}

// FindByEmail implements AccountStore.
func (s *MemoryStore) FindByEmail(ctx context.Context, email string) (Identity, error) {
	s.mu.RLock()
	id, ok := s.byEmail[strings.ToLower(strings.TrimSpace(email))]
	s.mu.RUnlock()
	if !ok {
		return Identity{}, shared.ErrNotFound
	}
	return s.GetIdentity(ctx, id)
}

var (
	_ IdentityStore = (*MemoryStore)(nil)
	_ AccountStore  = (*MemoryStore)(nil)
)
