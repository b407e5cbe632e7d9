package rbac

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecideModes(t *testing.T) {
	p := NewPrincipal("u1", []string{"analyst"}, []string{"sample.view", "test.view"}, time.Now())

	cases := []struct {
		name    string
		req     Requirement
		allowed bool
		reason  Reason
	}{
		{"empty", Requirement{}, true, ""},
		{"any hit", AnyPermission("sample.edit", "sample.view"), true, ""},
		{"any miss", AnyPermission("sample.edit"), false, ReasonPermissionDenied},
		{"all hit", AllPermissions("sample.view", "test.view"), true, ""},
		{"all partial", AllPermissions("sample.view", "test.edit"), false, ReasonPermissionDenied},
		{"role any", AnyRole("viewer", "analyst"), true, ""},
		{"role any miss", AnyRole("viewer"), false, ReasonRoleDenied},
		{"role all", AllRoles("analyst", "viewer"), false, ReasonRoleDenied},
		{"both pass", Requirement{Permissions: []string{"test.view"}, Roles: []string{"analyst"}, Mode: ModeBoth}, true, ""},
		{"both role miss", Requirement{Permissions: []string{"test.view"}, Roles: []string{"qa_manager"}, Mode: ModeBoth}, false, ReasonRoleDenied},
		{"both perm miss", Requirement{Permissions: []string{"test.approve"}, Roles: []string{"analyst"}, Mode: ModeBoth}, false, ReasonPermissionDenied},
		{"default mode is any", Requirement{Permissions: []string{"nope", "TEST.VIEW"}}, true, ""},
	}
	for _, tc := range cases {
		d := Decide(p, tc.req)
		assert.Equal(t, tc.allowed, d.Allowed, tc.name)
		assert.Equal(t, tc.reason, d.Reason, tc.name)
	}
}

func TestDecideReportsMissing(t *testing.T) {
	p := NewPrincipal("u1", []string{"analyst"}, []string{"sample.view"}, time.Now())
	d := Decide(p, Requirement{Permissions: []string{"sample.view", "test.edit"}, Roles: []string{"analyst", "qa_manager"}, Mode: ModePermissionAll})
	require.False(t, d.Allowed)
	assert.Equal(t, []string{"sample.view", "test.edit"}, d.Required)
	assert.Equal(t, []string{"test.edit"}, d.MissingPermissions)
	assert.Empty(t, d.MissingRoles)

	d = Decide(p, AllRoles("analyst", "qa_manager"))
	assert.Equal(t, []string{"qa_manager"}, d.MissingRoles)
}

func TestDecideNilPrincipal(t *testing.T) {
	d := Decide(nil, Requirement{})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonNotAuthenticated, d.Reason)

	d = Decide(nil, AnyPermission("sample.view"))
	assert.Equal(t, ReasonNotAuthenticated, d.Reason)
	assert.Equal(t, []string{"sample.view"}, d.Required)
}

func TestDecideGrantPatterns(t *testing.T) {
	p := NewPrincipal("tech", []string{"technician"}, []string{"sample.*"}, time.Now())
	assert.True(t, Decide(p, AnyPermission("sample.delete")).Allowed)
	assert.True(t, Decide(p, AnyPermission("sample.result.approve")).Allowed)
	assert.False(t, Decide(p, AnyPermission("samples.view")).Allowed)
	assert.False(t, Decide(p, AnyPermission("sample")).Allowed)
	assert.False(t, Decide(p, AnyPermission("user.delete")).Allowed)
}

func TestDecideIsPure(t *testing.T) {
	c := defaultCatalog(t)
	principals := []*Principal{
		nil,
		principalFor(c, "tech", []string{"technician"}),
		principalFor(c, "qa", []string{"qa_manager"}, "user.view"),
		principalFor(c, "admin", []string{RoleAdmin}),
	}
	reqs := []Requirement{
		{},
		AnyPermission("user.delete"),
		AllPermissions("sample.view", "test.approve"),
		AnyRole("qa_manager"),
		{Permissions: []string{"test.approve"}, Roles: []string{"qa_manager"}, Mode: ModeBoth},
	}
	for _, p := range principals {
		for _, req := range reqs {
			first := Decide(p, req)
			for i := 0; i < 5; i++ {
				assert.Equal(t, first, Decide(p, req))
			}
		}
	}
}

func TestAdminAllowedForEveryRequirement(t *testing.T) {
	c := defaultCatalog(t)
	admin := principalFor(c, "admin", []string{RoleAdmin})
	require.True(t, admin.IsAdmin())

	codes := []string{"user.delete", "system.edit", "made.up", "*"}
	roles := []string{"qa_manager", "technician", "ghost"}
	modes := []Mode{ModePermissionAny, ModePermissionAll, ModeRoleAny, ModeRoleAll, ModeBoth}
	for _, mode := range modes {
		for i := range codes {
			for j := range roles {
				req := Requirement{Permissions: codes[:i+1], Roles: roles[:j+1], Mode: mode}
				d := Decide(admin, req)
				assert.True(t, d.Allowed, "mode=%s req=%+v", mode, req)
			}
		}
	}
}

func TestEvaluateScenarioTechnicianDeleteUser(t *testing.T) {
	c := defaultCatalog(t)
	tech := principalFor(c, "u-tech", []string{"technician"})

	ev := Evaluate(c, tech, "DELETE", "/api/users/17", UnmatchedAuthenticate)
	assert.True(t, ev.Matched)
	assert.False(t, ev.Allowed)
	assert.Equal(t, ReasonPermissionDenied, ev.Reason)
	assert.Equal(t, []string{"user.delete"}, ev.Required)

	ev = Evaluate(c, tech, "DELETE", "/api/samples/17", UnmatchedAuthenticate)
	assert.True(t, ev.Allowed)
}

func TestEvaluateUnmatched(t *testing.T) {
	c := defaultCatalog(t)
	tech := principalFor(c, "u-tech", []string{"technician"})
	admin := principalFor(c, "admin", []string{RoleAdmin})

	ev := Evaluate(c, tech, "GET", "/api/not-mapped", UnmatchedAuthenticate)
	assert.False(t, ev.Matched)
	assert.True(t, ev.Allowed)

	ev = Evaluate(c, tech, "GET", "/ui/not-mapped", UnmatchedDeny)
	assert.False(t, ev.Allowed)
	assert.Equal(t, ReasonUnmappedPath, ev.Reason)
	assert.Empty(t, ev.MissingPermissions)

	ev = Evaluate(c, admin, "GET", "/ui/not-mapped", UnmatchedDeny)
	assert.True(t, ev.Allowed)

	ev = Evaluate(c, nil, "GET", "/api/not-mapped", UnmatchedAuthenticate)
	assert.Equal(t, ReasonNotAuthenticated, ev.Reason)
	ev = Evaluate(c, nil, "GET", "/ui/not-mapped", UnmatchedDeny)
	assert.Equal(t, ReasonNotAuthenticated, ev.Reason)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" Role:All ")
	require.NoError(t, err)
	assert.Equal(t, ModeRoleAll, m)
	m, err = ParseMode("all")
	require.NoError(t, err)
	assert.Equal(t, ModePermissionAll, m)
	_, err = ParseMode("majority")
	assert.Error(t, err)
}

func TestPrincipalExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	p := NewPrincipal("u-tech", []string{"technician"}, nil, now)
	assert.False(t, p.Expired(now.Add(24*time.Hour)), "zero expiry never expires")

	p.ExpiresAt = now.Add(time.Hour)
	assert.False(t, p.Expired(now))
	assert.True(t, p.Expired(now.Add(time.Hour)))
	assert.True(t, p.Expired(now.Add(2*time.Hour)))

	var missing *Principal
	assert.True(t, missing.Expired(now))
}
