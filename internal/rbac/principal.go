package rbac

import (
	"sort"
	"strings"
	"time"
)

// Principal describes the authenticated actor with its computed role and
// permission sets. A Principal is immutable once built.
type Principal struct {
	UserID      string
	roles       map[string]struct{}
	permissions map[string]struct{}
	ResolvedAt  time.Time
	// ExpiresAt is the expiry of the credential the principal was resolved
	// from. Zero means the credential does not expire.
	ExpiresAt   time.Time
}

// NewPrincipal builds a Principal, normalizing and deduplicating roles and
// permissions.
func NewPrincipal(userID string, roles, permissions []string, resolvedAt time.Time) *Principal {
	return &Principal{
		UserID:      userID,
		roles:       toSet(roles),
		permissions: toSet(permissions),
		ResolvedAt:  resolvedAt,
	}
}

// Expired reports whether the credential behind p has expired at now. A nil
// principal is always expired.
func (p *Principal) Expired(now time.Time) bool {
	if p == nil {
		return true
	}
	return !p.ExpiresAt.IsZero() && !now.Before(p.ExpiresAt)
}

// HasPermission reports whether the principal is granted code, directly or
// through a grant pattern.
func (p *Principal) HasPermission(code string) bool {
	if p == nil {
		return false
	}
	return Grants(p.permissions, normalize(code))
}

// HasRole reports whether the principal holds role. Holders of the universal
// grant satisfy every role check.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	if _, ok := p.permissions[PermAll]; ok {
		return true
	}
	_, ok := p.roles[normalize(role)]
	return ok
}

// IsAdmin reports whether the principal carries the universal grant.
func (p *Principal) IsAdmin() bool {
	if p == nil {
		return false
	}
	_, ok := p.permissions[PermAll]
	return ok
}

// Roles returns the sorted role names.
func (p *Principal) Roles() []string {
	if p == nil {
		return nil
	}
	return sortedKeys(p.roles)
}

// Permissions returns the sorted permission codes and grant patterns.
func (p *Principal) Permissions() []string {
	if p == nil {
		return nil
	}
	return sortedKeys(p.permissions)
}

// Grants reports whether the set grants code. A set grants code when it holds
// PermAll, code itself, or a pattern "prefix.*" where prefix is a dotted
// prefix of code.
func Grants(set map[string]struct{}, code string) bool {
	if len(set) == 0 || code == "" {
		return false
	}
	if _, ok := set[PermAll]; ok {
		return true
	}
	if _, ok := set[code]; ok {
		return true
	}
	for i := 0; i < len(code); i++ {
		if code[i] != '.' {
			continue
		}
		if _, ok := set[code[:i]+".*"]; ok {
			return true
		}
	}
	return false
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = normalize(v)
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func normalize(s string) string {
	return strings.TrimSpace(strings.ToLower(s))
}
