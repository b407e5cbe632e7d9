package audithttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"

	"github.com/labkeeper/labkeeper/internal/platform/httpx"
	"github.com/labkeeper/labkeeper/internal/rbac"
)

// Per-principal request budgets. Export renders the whole filtered trail, so
// it gets the tighter one.
const (
	listLimit   = 120
	exportLimit = 10
	limitWindow = time.Minute
)

// MountRoutes registers the audit trail, its CSV export and buffer stats.
// The router must already authenticate the request.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Group(func(gr chi.Router) {
		gr.Use(h.rbac.RequireAny(PermAuditView))
		gr.With(principalLimiter(listLimit)).Get("/", h.handleList)
		gr.With(principalLimiter(exportLimit)).Get("/export.csv", h.handleExport)
		gr.Get("/stats", h.handleStats)
	})
}

func principalLimiter(limit int) func(http.Handler) http.Handler {
	return httprate.Limit(limit, limitWindow,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "60")
			httpx.WriteProblem(w, httpx.ProblemDetail{Status: http.StatusTooManyRequests})
		}),
	)
}

func rateLimitKey(r *http.Request) (string, error) {
	if p := rbac.PrincipalFromContext(r.Context()); p != nil && p.UserID != "" {
		return "user:" + p.UserID, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
