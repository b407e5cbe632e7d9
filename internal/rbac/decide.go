package rbac

import (
	"fmt"
	"strings"
)

// Mode selects how a Requirement is evaluated.
type Mode string

const (
	ModePermissionAny Mode = "permission:any"
	ModePermissionAll Mode = "permission:all"
	ModeRoleAny       Mode = "role:any"
	ModeRoleAll       Mode = "role:all"
	// ModeBoth requires any listed permission and any listed role.
	ModeBoth Mode = "both"
)

// ParseMode converts a textual mode. Empty input yields "".
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "", ModePermissionAny, ModePermissionAll, ModeRoleAny, ModeRoleAll, ModeBoth:
		return m, nil
	case "any":
		return ModePermissionAny, nil
	case "all":
		return ModePermissionAll, nil
	}
	return "", fmt.Errorf("rbac: unknown mode %q", s)
}

// Requirement is what a route or UI element demands from a principal.
type Requirement struct {
	Permissions []string `json:"permissions,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Mode        Mode     `json:"mode,omitempty"`
}

// AnyPermission requires at least one of codes.
func AnyPermission(codes ...string) Requirement {
	return Requirement{Permissions: codes, Mode: ModePermissionAny}
}

// AllPermissions requires every code.
func AllPermissions(codes ...string) Requirement {
	return Requirement{Permissions: codes, Mode: ModePermissionAll}
}

// AnyRole requires at least one of roles.
func AnyRole(roles ...string) Requirement {
	return Requirement{Roles: roles, Mode: ModeRoleAny}
}

// AllRoles requires every role.
func AllRoles(roles ...string) Requirement {
	return Requirement{Roles: roles, Mode: ModeRoleAll}
}

// Normalize lowercases and deduplicates entries, preserving order, and fills
// in a default mode.
func (r Requirement) Normalize() Requirement {
	out := Requirement{
		Permissions: dedupe(r.Permissions),
		Roles:       dedupe(r.Roles),
		Mode:        r.Mode,
	}
	if out.Mode == "" {
		if len(out.Permissions) == 0 && len(out.Roles) > 0 {
			out.Mode = ModeRoleAny
		} else {
			out.Mode = ModePermissionAny
		}
	}
	return out
}

// IsZero reports whether the requirement demands nothing beyond
// authentication.
func (r Requirement) IsZero() bool {
	return len(dedupe(r.Permissions)) == 0 && len(dedupe(r.Roles)) == 0
}

// Reason is a machine-readable denial code.
type Reason string

const (
	ReasonNotAuthenticated Reason = "not_authenticated"
	ReasonPermissionDenied Reason = "permission_denied"
	ReasonRoleDenied       Reason = "role_denied"
	ReasonUnmappedPath     Reason = "unmapped_path"
)

// Decision is the outcome of Decide.
type Decision struct {
	Allowed            bool     `json:"allowed"`
	Reason             Reason   `json:"reason,omitempty"`
	Required           []string `json:"required,omitempty"`
	RequiredRoles      []string `json:"requiredRoles,omitempty"`
	MissingPermissions []string `json:"missingPermissions,omitempty"`
	MissingRoles       []string `json:"missingRoles,omitempty"`
}

// Decide evaluates req against p. It performs no I/O and identical inputs
// always produce identical output. A nil principal is denied with
// ReasonNotAuthenticated. A principal holding PermAll passes every check.
func Decide(p *Principal, req Requirement) Decision {
	req = req.Normalize()
	if p == nil {
		return Decision{
			Reason:        ReasonNotAuthenticated,
			Required:      req.Permissions,
			RequiredRoles: req.Roles,
		}
	}
	if len(req.Permissions) == 0 && len(req.Roles) == 0 {
		return Decision{Allowed: true}
	}

	heldPerms, missingPerms := partition(req.Permissions, p.HasPermission)
	heldRoles, missingRoles := partition(req.Roles, p.HasRole)

	var permOK, roleOK bool
	switch req.Mode {
	case ModePermissionAll:
		permOK, roleOK = len(missingPerms) == 0, true
	case ModeRoleAny:
		permOK, roleOK = true, len(req.Roles) == 0 || heldRoles > 0
	case ModeRoleAll:
		permOK, roleOK = true, len(missingRoles) == 0
	case ModeBoth:
		permOK = len(req.Permissions) == 0 || heldPerms > 0
		roleOK = len(req.Roles) == 0 || heldRoles > 0
	default:
		permOK, roleOK = len(req.Permissions) == 0 || heldPerms > 0, true
	}
	if permOK && roleOK {
		return Decision{Allowed: true}
	}

	d := Decision{Required: req.Permissions, RequiredRoles: req.Roles}
	if !permOK {
		d.Reason = ReasonPermissionDenied
		d.MissingPermissions = missingPerms
	}
	if !roleOK {
		if d.Reason == "" {
			d.Reason = ReasonRoleDenied
		}
		d.MissingRoles = missingRoles
	}
	return d
}

// Unmatched selects the outcome for paths no rule covers.
type Unmatched int

const (
	// UnmatchedAuthenticate lets any authenticated principal through. Server default.
	UnmatchedAuthenticate Unmatched = iota
	// UnmatchedDeny only lets universal grant holders through. UI default.
	UnmatchedDeny
)

// Evaluation is a Decision together with the rule that produced it.
type Evaluation struct {
	Decision
	Matched     bool        `json:"matched"`
	Pattern     string      `json:"pattern,omitempty"`
	Requirement Requirement `json:"requirement"`
}

// Evaluate resolves the requirement for method and path in c and decides it
// for p. It is the single entry point shared by the server middleware and
// the UI guard.
func Evaluate(c *Catalog, p *Principal, method, path string, unmatched Unmatched) Evaluation {
	req, pattern, ok := c.Resolve(method, path)
	if !ok {
		if unmatched == UnmatchedAuthenticate {
			return Evaluation{Decision: Decide(p, Requirement{})}
		}
		ev := Evaluation{Decision: Decide(p, AnyPermission(PermAll))}
		if !ev.Allowed && ev.Reason != ReasonNotAuthenticated {
			ev.Reason = ReasonUnmappedPath
			ev.Required, ev.MissingPermissions = nil, nil
		}
		return ev
	}
	return Evaluation{Decision: Decide(p, req), Matched: true, Pattern: pattern, Requirement: req}
}

func partition(values []string, has func(string) bool) (held int, missing []string) {
	for _, v := range values {
		if has(v) {
			held++
			continue
		}
		missing = append(missing, v)
	}
	return held, missing
}

func dedupe(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = normalize(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
