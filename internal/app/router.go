package app

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewRouter constructs the chi.Router with labkeeper defaults.
//
// Browser pages live under /ui behind the session guard. The role
// administration API, the audit trail and job health sit behind the static
// and dynamic access gates, as does everything under /api.
func NewRouter(s *Services) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:   s.Logger,
		Config:   s.Config,
		Metrics:  s.Metrics,
		Recorder: s.Recorder,
	}) {
		r.Use(mw)
	}
	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	if s.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.Metrics.Handler())
	}

	mountStatic(r, s.Logger)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/ui", http.StatusSeeOther)
	})

	r.Route("/auth", s.AuthHandler.MountAPIRoutes)

	r.Route("/ui", func(r chi.Router) {
		r.Use(SessionMiddleware(s.Logger, s.SessionManager))
		r.Use(CSRFMiddleware(s.Logger, s.CSRFManager))
		s.AuthHandler.MountRoutes(r)
		s.GuardHandler.MountRoutes(r)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.RBACMiddleware.Authenticate)
		r.Use(s.RBACMiddleware.Dynamic)
		s.PermissionsHandler.MountRoutes(r)
		r.Route("/audit-logs", s.AuditHandler.MountRoutes)
		r.Route("/jobs", s.JobHandler.MountRoutes)
	})

	r.Route("/api", func(r chi.Router) {
		r.Use(CORSMiddleware(s.Config))
		r.Group(func(r chi.Router) {
			r.Use(s.RBACMiddleware.Authenticate)
			r.Use(s.RBACMiddleware.Dynamic)
			s.PermissionsHandler.MountSelfRoutes(r)
			r.Mount("/", s.Domain)
		})
	})

	return r
}
