// Package guard is the UI enforcement point. It answers the same questions as
// the API middleware by calling rbac.Evaluate and rbac.Decide, so a page the
// UI shows is a page the API serves.
package guard

import (
	"context"
	"html/template"
	"net/http"
	"strings"

	"github.com/labkeeper/labkeeper/internal/rbac"
)

// Guard answers permission questions for one principal against one catalog
// snapshot. The zero value denies everything.
type Guard struct {
	principal *rbac.Principal
	catalog   *rbac.Catalog
}

// New binds principal to catalog.
func New(catalog *rbac.Catalog, principal *rbac.Principal) Guard {
	return Guard{principal: principal, catalog: catalog}
}

// Principal returns the bound principal, nil when signed out.
func (g Guard) Principal() *rbac.Principal { return g.principal }

// Authenticated reports whether a principal is bound.
func (g Guard) Authenticated() bool { return g.principal != nil }

// UserID returns the principal's id or "".
func (g Guard) UserID() string {
	if g.principal == nil {
		return ""
	}
	return g.principal.UserID
}

// HasPermission reports whether the principal is granted code.
func (g Guard) HasPermission(code string) bool {
	return rbac.Decide(g.principal, rbac.AnyPermission(code)).Allowed
}

// HasAnyPermission reports whether any of codes is granted.
func (g Guard) HasAnyPermission(codes ...string) bool {
	return rbac.Decide(g.principal, rbac.AnyPermission(codes...)).Allowed
}

// HasAllPermissions reports whether every code is granted.
func (g Guard) HasAllPermissions(codes ...string) bool {
	return rbac.Decide(g.principal, rbac.AllPermissions(codes...)).Allowed
}

// HasRole reports whether the principal holds role.
func (g Guard) HasRole(role string) bool {
	return rbac.Decide(g.principal, rbac.AnyRole(role)).Allowed
}

// IsAdmin reports whether the principal carries the universal grant.
func (g Guard) IsAdmin() bool {
	return g.principal.IsAdmin()
}

// Can evaluates method and path exactly as the UI route guard does.
func (g Guard) Can(method, path string) rbac.Evaluation {
	return rbac.Evaluate(g.catalog, g.principal, method, path, rbac.UnmatchedDeny)
}

// CanAccessPage reports whether GET path is allowed. Unmapped pages are
// denied unless the principal is an administrator.
func (g Guard) CanAccessPage(path string) bool {
	return g.Can(http.MethodGet, path).Decision.Allowed
}

// CanRequest reports whether the API would admit method and path.
func (g Guard) CanRequest(method, path string) bool {
	return rbac.Evaluate(g.catalog, g.principal, method, path, rbac.UnmatchedAuthenticate).Decision.Allowed
}

// DisabledUnless returns the attributes that disable a control when code is
// not granted, or an empty attribute when it is.
func (g Guard) DisabledUnless(codes ...string) template.HTMLAttr {
	d := rbac.Decide(g.principal, rbac.AnyPermission(codes...))
	if d.Allowed {
		return ""
	}
	missing := template.HTMLEscapeString(strings.Join(d.MissingPermissions, ", "))
	return template.HTMLAttr(`disabled aria-disabled="true" class="is-disabled" title="Requires ` + missing + `" data-missing="` + missing + `"`)
}

type guardContextKey struct{}

// ContextWithGuard stores g in ctx.
func ContextWithGuard(ctx context.Context, g Guard) context.Context {
	return context.WithValue(ctx, guardContextKey{}, g)
}

// FromContext returns the guard stored in ctx, or a zero Guard.
func FromContext(ctx context.Context) Guard {
	g, _ := ctx.Value(guardContextKey{}).(Guard)
	return g
}
