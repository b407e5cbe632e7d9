package guard

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/labkeeper/labkeeper/internal/rbac"
	"github.com/labkeeper/labkeeper/internal/shared"
)

// Behavior selects what a denied page request sees.
type Behavior int

const (
	// Redirect sends the browser to the unauthorized page with the decision
	// carried in the query string.
	Redirect Behavior = iota
	// Hide answers 404 so the page's existence is not disclosed.
	Hide
)

// ParseBehavior maps "hide" and "redirect" to a Behavior.
func ParseBehavior(s string) Behavior {
	if strings.EqualFold(strings.TrimSpace(s), "hide") {
		return Hide
	}
	return Redirect
}

// Default UI locations.
const (
	LoginPath        = "/ui/login"
	UnauthorizedPath = "/ui/unauthorized"
	HomePath         = "/ui"
)

// GateUI labels UI decisions in metrics.
const GateUI = "ui"

// Middleware guards server-rendered pages.
type Middleware struct {
	Sessions *Sessions
	Catalogs *rbac.CatalogHolder
	Behavior Behavior
	Logger   *slog.Logger
	Metrics  rbac.DecisionObserver
}

// Page resolves the session principal and evaluates the page against the
// catalog with unmatched paths denied. Allowed requests carry the principal
// and a Guard in their context.
func (m Middleware) Page(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		lc := shared.LifecycleFromContext(ctx)
		_ = lc.Advance(shared.StateAuthenticating)

		sess := shared.SessionFromContext(ctx)
		token := ""
		if sess != nil {
			token = sess.Token()
		}
		if token == "" {
			m.toLogin(w, r, rbac.ReasonNotAuthenticated)
			return
		}

		principal, err := m.Sessions.Principal(ctx, sess.ID, token)
		if err != nil {
			switch {
			case errors.Is(err, shared.ErrInvalidToken):
				m.observeResolve("invalid_token")
				sess.ClearToken()
				m.Sessions.Forget(sess.ID)
				m.toLogin(w, r, rbac.ReasonInvalidToken)
			case errors.Is(err, shared.ErrPrincipalInactive):
				m.observeResolve("inactive")
				sess.ClearToken()
				m.Sessions.Forget(sess.ID)
				m.toLogin(w, r, rbac.ReasonPrincipalInactive)
			default:
				m.observeResolve("unavailable")
				m.logger().Error("ui resolve principal", slog.String("path", r.URL.Path), slog.Any("error", err))
				_ = lc.Deny(string(rbac.ReasonNotAuthenticated))
				http.Error(w, "Your permissions could not be loaded. Please try again shortly.", http.StatusServiceUnavailable)
			}
			return
		}
		lc.SetActor(principal.UserID)

		catalog := m.Catalogs.Load()
		ev := rbac.Evaluate(catalog, principal, r.Method, r.URL.Path, rbac.UnmatchedDeny)
		if m.Metrics != nil {
			m.Metrics.ObserveDecision(GateUI, ev.Decision.Allowed, string(ev.Decision.Reason))
		}
		if !ev.Decision.Allowed {
			_ = lc.Deny(string(ev.Decision.Reason))
			m.logger().Info("ui deny",
				slog.String("path", r.URL.Path),
				slog.String("user", principal.UserID),
				slog.String("reason", string(ev.Decision.Reason)),
				slog.Any("missing", ev.Decision.MissingPermissions),
			)
			if m.Behavior == Hide {
				http.NotFound(w, r)
				return
			}
			http.Redirect(w, r, UnauthorizedURL(r.URL.RequestURI(), ev.Decision), http.StatusSeeOther)
			return
		}
		_ = lc.Advance(shared.StateAuthorized)

		ctx = rbac.ContextWithPrincipal(ctx, principal)
		ctx = ContextWithGuard(ctx, New(catalog, principal))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// Optional attaches a Guard when the session resolves but never denies. Used
// by pages reachable while signed out.
func (m Middleware) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		catalog := m.Catalogs.Load()
		var principal *rbac.Principal
		if sess := shared.SessionFromContext(ctx); sess != nil && sess.Token() != "" {
			if p, err := m.Sessions.Principal(ctx, sess.ID, sess.Token()); err == nil {
				principal = p
				ctx = rbac.ContextWithPrincipal(ctx, p)
			}
		}
		ctx = ContextWithGuard(ctx, New(catalog, principal))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UnauthorizedURL encodes a denial for the unauthorized page.
func UnauthorizedURL(from string, d rbac.Decision) string {
	q := url.Values{}
	q.Set("reason", string(d.Reason))
	if len(d.MissingPermissions) > 0 {
		q.Set("missing", strings.Join(d.MissingPermissions, ","))
	}
	if len(d.MissingRoles) > 0 {
		q.Set("roles", strings.Join(d.MissingRoles, ","))
	}
	if from != "" {
		q.Set("from", from)
	}
	return UnauthorizedPath + "?" + q.Encode()
}

func (m Middleware) toLogin(w http.ResponseWriter, r *http.Request, reason rbac.Reason) {
	_ = shared.LifecycleFromContext(r.Context()).Deny(string(reason))
	if m.Metrics != nil {
		m.Metrics.ObserveDecision(GateUI, false, string(reason))
	}
	q := url.Values{}
	q.Set("from", r.URL.RequestURI())
	if reason != rbac.ReasonNotAuthenticated {
		q.Set("reason", string(reason))
	}
	http.Redirect(w, r, LoginPath+"?"+q.Encode(), http.StatusSeeOther)
}

func (m Middleware) observeResolve(kind string) {
	if m.Metrics != nil {
		m.Metrics.ObserveResolveFailure(kind)
	}
}

func (m Middleware) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}
