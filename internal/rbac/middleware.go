package rbac

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labkeeper/labkeeper/internal/platform/httpx"
	"github.com/labkeeper/labkeeper/internal/shared"
)

// TokenCookie carries the access token for clients that cannot set headers.
const TokenCookie = "lk_token"

// Authentication failure reasons reported next to the decision reasons.
const (
	ReasonInvalidToken      Reason = "invalid_token"
	ReasonPrincipalInactive Reason = "principal_inactive"
)

// Gate names used for metrics and logs.
const (
	GateStatic  = "static"
	GateDynamic = "dynamic"
)

// PrincipalResolver turns a credential into a fully built Principal.
type PrincipalResolver interface {
	Resolve(ctx context.Context, credential string) (*Principal, error)
}

// DecisionObserver receives authorization outcomes. Implementations must be
// safe for concurrent use.
type DecisionObserver interface {
	ObserveDecision(gate string, allowed bool, reason string)
	ObserveResolveFailure(kind string)
}

// Middleware wires RBAC authentication and authorization for HTTP handlers.
type Middleware struct {
	Resolver PrincipalResolver
	Catalogs *CatalogHolder
	Logger   *slog.Logger
	Metrics  DecisionObserver
}

// Authenticate resolves the request credential and attaches the Principal to
// the request context. Failures answer 401 before the handler runs.
func (m Middleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		lc := shared.LifecycleFromContext(ctx)
		_ = lc.Advance(shared.StateAuthenticating)

		token := BearerToken(r)
		if token == "" {
			m.unauthorized(w, r, ReasonNotAuthenticated, "credentials required")
			return
		}
		if m.Resolver == nil {
			m.logger().Error("rbac authenticate", slog.String("error", "resolver not configured"))
			m.unauthorized(w, r, ReasonNotAuthenticated, "authentication unavailable")
			return
		}
		principal, err := m.Resolver.Resolve(ctx, token)
		if err != nil {
			reason, kind := classifyResolveError(err)
			if m.Metrics != nil {
				m.Metrics.ObserveResolveFailure(kind)
			}
			if shared.TreatAsUnauthenticated(err) {
				m.logger().Error("rbac resolve principal", slog.String("kind", kind), slog.String("path", r.URL.Path), slog.Any("error", err))
			} else {
				m.logger().Info("rbac reject credential", slog.String("kind", kind), slog.String("path", r.URL.Path))
			}
			m.unauthorized(w, r, reason, "")
			return
		}
		lc.SetActor(principal.UserID)
		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(ctx, principal)))
	})
}

// RequireAny ensures the current principal has at least one of the permissions.
func (m Middleware) RequireAny(perms ...string) func(http.Handler) http.Handler {
	return m.Require(AnyPermission(perms...))
}

// RequireAll ensures the current principal has all required permissions.
func (m Middleware) RequireAll(perms ...string) func(http.Handler) http.Handler {
	return m.Require(AllPermissions(perms...))
}

// RequireRoles ensures the current principal holds at least one of the roles.
func (m Middleware) RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return m.Require(AnyRole(roles...))
}

// Require is the static gate: the route declares its requirement.
func (m Middleware) Require(req Requirement) func(http.Handler) http.Handler {
	req = req.Normalize()
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal := PrincipalFromContext(r.Context())
			d := Decide(principal, req)
			if !m.admit(w, r, GateStatic, d) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Dynamic is the dynamic gate: the requirement is resolved from the catalog
// for the actual method and path. Unmapped paths only need authentication.
func (m Middleware) Dynamic(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal := PrincipalFromContext(r.Context())
		ev := Evaluate(m.Catalogs.Load(), principal, r.Method, r.URL.Path, UnmatchedAuthenticate)
		if !m.admit(w, r, GateDynamic, ev.Decision) {
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Authorize decides req for p, returning a *DeniedError wrapping
// shared.ErrForbidden or shared.ErrUnauthenticated on denial.
func Authorize(p *Principal, req Requirement) error {
	d := Decide(p, req)
	if d.Allowed {
		return nil
	}
	return &DeniedError{Decision: d}
}

// DeniedError carries the denial for callers outside the HTTP pipeline.
type DeniedError struct {
	Decision Decision
}

func (e *DeniedError) Error() string {
	return "rbac: access denied: " + string(e.Decision.Reason)
}

func (e *DeniedError) Unwrap() error {
	if e.Decision.Reason == ReasonNotAuthenticated {
		return shared.ErrUnauthenticated
	}
	return shared.ErrForbidden
}

// BearerToken extracts the access token from the Authorization header or,
// failing that, from TokenCookie.
func BearerToken(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(TokenCookie); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

// WriteDenied renders a denial as a problem document.
func WriteDenied(w http.ResponseWriter, r *http.Request, d Decision) {
	status := http.StatusForbidden
	if d.Reason == ReasonNotAuthenticated {
		status = http.StatusUnauthorized
	}
	httpx.WriteProblem(w, httpx.ProblemDetail{
		Status:             status,
		Instance:           r.URL.Path,
		Reason:             string(d.Reason),
		Required:           d.Required,
		RequiredRoles:      d.RequiredRoles,
		MissingPermissions: d.MissingPermissions,
		MissingRoles:       d.MissingRoles,
	})
}

func (m Middleware) admit(w http.ResponseWriter, r *http.Request, gate string, d Decision) bool {
	if m.Metrics != nil {
		m.Metrics.ObserveDecision(gate, d.Allowed, string(d.Reason))
	}
	lc := shared.LifecycleFromContext(r.Context())
	if d.Allowed {
		_ = lc.Advance(shared.StateAuthorized)
		return true
	}
	_ = lc.Deny(string(d.Reason))
	m.logger().Info("rbac deny",
		slog.String("gate", gate),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("reason", string(d.Reason)),
		slog.Any("missing", d.MissingPermissions),
	)
	if d.Reason == ReasonNotAuthenticated {
		w.Header().Set("WWW-Authenticate", `Bearer realm="labkeeper"`)
	}
	WriteDenied(w, r, d)
	return false
}

func (m Middleware) unauthorized(w http.ResponseWriter, r *http.Request, reason Reason, detail string) {
	_ = shared.LifecycleFromContext(r.Context()).Deny(string(reason))
	if m.Metrics != nil {
		m.Metrics.ObserveDecision("authenticate", false, string(reason))
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="labkeeper"`)
	httpx.WriteProblem(w, httpx.ProblemDetail{
		Status:   http.StatusUnauthorized,
		Detail:   detail,
		Instance: r.URL.Path,
		Reason:   string(reason),
	})
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

func classifyResolveError(err error) (Reason, string) {
	switch {
	case errors.Is(err, shared.ErrInvalidToken):
		return ReasonInvalidToken, "invalid_token"
	case errors.Is(err, shared.ErrPrincipalInactive):
		return ReasonPrincipalInactive, "inactive"
	case errors.Is(err, shared.ErrResolutionLoop):
		return ReasonNotAuthenticated, "loop"
	case errors.Is(err, shared.ErrPrincipalUnavailable):
		return ReasonNotAuthenticated, "unavailable"
	case errors.Is(err, shared.ErrNotFound):
		return ReasonNotAuthenticated, "unknown_subject"
	default:
		return ReasonNotAuthenticated, "error"
	}
}
