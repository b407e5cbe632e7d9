package guard

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labkeeper/labkeeper/configs"
	"github.com/labkeeper/labkeeper/internal/rbac"
)

func defaultCatalog(t *testing.T) *rbac.Catalog {
	t.Helper()
	policy, err := rbac.LoadPolicy(bytes.NewReader(configs.DefaultPolicy))
	require.NoError(t, err)
	catalog, err := policy.Catalog()
	require.NoError(t, err)
	return catalog
}

func principalFor(c *rbac.Catalog, userID string, roles ...string) *rbac.Principal {
	var perms []string
	for _, role := range roles {
		perms = append(perms, c.RoleGrants(role)...)
	}
	return rbac.NewPrincipal(userID, roles, perms, time.Unix(0, 0))
}

func TestGuardQueries(t *testing.T) {
	catalog := defaultCatalog(t)
	tech := New(catalog, principalFor(catalog, "u-tech", "technician"))

	assert.True(t, tech.Authenticated())
	assert.Equal(t, "u-tech", tech.UserID())
	assert.True(t, tech.HasPermission("sample.delete"), "sample.* covers sample.delete")
	assert.False(t, tech.HasPermission("test.approve"))
	assert.True(t, tech.HasAnyPermission("test.approve", "test.view"))
	assert.False(t, tech.HasAllPermissions("test.approve", "test.view"))
	assert.True(t, tech.HasRole("technician"))
	assert.False(t, tech.IsAdmin())

	admin := New(catalog, principalFor(catalog, "u-admin", "admin"))
	assert.True(t, admin.IsAdmin())
	assert.True(t, admin.HasRole("qa_manager"), "universal grant satisfies role checks")
	assert.True(t, admin.HasAllPermissions("audit.view", "system.edit"))
}

func TestZeroGuardDeniesEverything(t *testing.T) {
	var g Guard
	assert.False(t, g.Authenticated())
	assert.False(t, g.HasPermission("sample.view"))
	assert.False(t, g.IsAdmin())
	assert.False(t, g.CanAccessPage("/ui"))
	assert.NotEmpty(t, string(g.DisabledUnless("sample.view")))
}

func TestCanAccessPageDeniesUnmapped(t *testing.T) {
	catalog := defaultCatalog(t)
	tech := New(catalog, principalFor(catalog, "u-tech", "technician"))
	admin := New(catalog, principalFor(catalog, "u-admin", "admin"))

	assert.True(t, tech.CanAccessPage("/ui"))
	assert.True(t, tech.CanAccessPage("/ui/samples"))
	assert.False(t, tech.CanAccessPage("/ui/users"))

	ev := tech.Can(http.MethodGet, "/ui/lab-notebook")
	assert.False(t, ev.Decision.Allowed)
	assert.Equal(t, rbac.ReasonUnmappedPath, ev.Decision.Reason)
	assert.True(t, admin.CanAccessPage("/ui/lab-notebook"))

	// The API lets authenticated callers through unmapped paths.
	assert.True(t, tech.CanRequest(http.MethodGet, "/api/lab-notebook"))
}

func TestDisabledUnless(t *testing.T) {
	catalog := defaultCatalog(t)
	analyst := New(catalog, principalFor(catalog, "u-analyst", "analyst"))

	assert.Empty(t, string(analyst.DisabledUnless("test.edit")))
	attr := string(analyst.DisabledUnless("sample.delete"))
	assert.Contains(t, attr, "disabled")
	assert.Contains(t, attr, `aria-disabled="true"`)
	assert.Contains(t, attr, "sample.delete")
}

// Every role must see the same answer from the UI guard as from the API
// middleware for the same method and path.
func TestGuardMatchesServerMiddleware(t *testing.T) {
	catalog := defaultCatalog(t)
	holder := rbac.NewCatalogHolder(catalog)
	roles := []string{"admin", "technician", "analyst", "qa_manager", "viewer"}
	requests := []struct{ method, path string }{
		{http.MethodGet, "/api/samples"},
		{http.MethodGet, "/api/samples/42"},
		{http.MethodPost, "/api/samples"},
		{http.MethodDelete, "/api/samples/42"},
		{http.MethodPut, "/api/tests/7"},
		{http.MethodPost, "/api/tests/7/approve"},
		{http.MethodGet, "/api/reports/export/monthly"},
		{http.MethodGet, "/api/users/u-1"},
		{http.MethodPut, "/api/system/settings"},
		{http.MethodGet, "/audit-logs"},
		{http.MethodPost, "/roles/2/permissions"},
		{http.MethodGet, "/api/unmapped"},
	}

	for _, role := range roles {
		principal := principalFor(catalog, "u-"+role, role)
		g := New(catalog, principal)

		r := chi.NewRouter()
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				next.ServeHTTP(w, req.WithContext(rbac.ContextWithPrincipal(req.Context(), principal)))
			})
		})
		r.Use(rbac.Middleware{Catalogs: holder}.Dynamic)
		r.HandleFunc("/*", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })

		for _, tc := range requests {
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(tc.method, tc.path, nil))
			server := rec.Code == http.StatusNoContent
			assert.Equal(t, server, g.CanRequest(tc.method, tc.path), "%s %s %s", role, tc.method, tc.path)
		}
	}
}

func TestNavigationFollowsPermissions(t *testing.T) {
	catalog := defaultCatalog(t)

	titles := func(items []NavItem) string {
		var out []string
		for _, it := range items {
			out = append(out, it.Title)
		}
		return strings.Join(out, ",")
	}

	viewer := New(catalog, principalFor(catalog, "u-viewer", "viewer"))
	assert.Equal(t, "Samples,Tests,Reports", titles(Navigation(viewer, "/ui/tests")))
	for _, item := range Navigation(viewer, "/ui/tests") {
		assert.Equal(t, item.Title == "Tests", item.Active)
	}

	admin := New(catalog, principalFor(catalog, "u-admin", "admin"))
	assert.Len(t, Navigation(admin, "/ui"), len(Sections))
}

func TestSafeReturnPath(t *testing.T) {
	cases := map[string]string{
		"/ui/samples":        "/ui/samples",
		"/ui":                "/ui",
		"/ui?tab=1":          "/ui?tab=1",
		"//evil.example/ui":  "",
		"https://evil.test/": "",
		"/api/samples":       "",
		"/ui\\..\\x":         "",
		"":                   "",
	}
	for in, want := range cases {
		assert.Equal(t, want, safeReturnPath(in), in)
	}
}
