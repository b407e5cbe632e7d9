package guard

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/labkeeper/labkeeper/internal/rbac"
	"github.com/labkeeper/labkeeper/internal/shared"
	"github.com/labkeeper/labkeeper/internal/view"
)

// Action is a control on a section page gated by a permission.
type Action struct {
	Label      string
	Permission string
}

// Section is one navigable area of the UI.
type Section struct {
	Slug    string
	Title   string
	Actions []Action
}

// Path returns the section's page path.
func (s Section) Path() string { return HomePath + "/" + s.Slug }

// Sections lists the UI areas in navigation order.
var Sections = []Section{
	{Slug: "samples", Title: "Samples", Actions: []Action{
		{Label: "Register sample", Permission: "sample.create"},
		{Label: "Edit sample", Permission: "sample.edit"},
		{Label: "Discard sample", Permission: "sample.delete"},
	}},
	{Slug: "tests", Title: "Tests", Actions: []Action{
		{Label: "Order test", Permission: "test.create"},
		{Label: "Enter results", Permission: "test.edit"},
		{Label: "Approve results", Permission: "test.approve"},
	}},
	{Slug: "reports", Title: "Reports", Actions: []Action{
		{Label: "Edit report", Permission: "report.edit"},
		{Label: "Export", Permission: "report.export"},
	}},
	{Slug: "users", Title: "Users", Actions: []Action{
		{Label: "Invite user", Permission: "user.create"},
		{Label: "Edit user", Permission: "user.edit"},
		{Label: "Remove user", Permission: "user.delete"},
	}},
	{Slug: "roles", Title: "Roles", Actions: []Action{
		{Label: "Edit role permissions", Permission: "role.edit"},
	}},
	{Slug: "audit", Title: "Audit log", Actions: []Action{
		{Label: "Export CSV", Permission: "audit.view"},
	}},
	{Slug: "settings", Title: "Settings", Actions: []Action{
		{Label: "Save settings", Permission: "system.edit"},
	}},
}

// NavItem is one visible navigation entry.
type NavItem struct {
	Title  string
	Path   string
	Active bool
}

// Navigation returns the sections g may open, in order.
func Navigation(g Guard, current string) []NavItem {
	items := make([]NavItem, 0, len(Sections))
	for _, s := range Sections {
		if !g.CanAccessPage(s.Path()) {
			continue
		}
		items = append(items, NavItem{
			Title:  s.Title,
			Path:   s.Path(),
			Active: current == s.Path() || strings.HasPrefix(current, s.Path()+"/"),
		})
	}
	return items
}

type pageData struct {
	Guard   Guard
	Nav     []NavItem
	Section *Section
	Denied  *deniedData
}

type deniedData struct {
	Reason          string
	Message         string
	Missing         []string
	MissingRoles    []string
	From            string
	Home            string
	RedirectSeconds int
}

// Handler serves the guarded UI pages.
type Handler struct {
	logger      *slog.Logger
	templates   *view.Engine
	sessions    *Sessions
	csrfManager *shared.CSRFManager
	guard       Middleware
}

// NewHandler constructs a UI handler.
func NewHandler(logger *slog.Logger, templates *view.Engine, csrf *shared.CSRFManager, guard Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:      logger,
		templates:   templates,
		sessions:    guard.Sessions,
		csrfManager: csrf,
		guard:       guard,
	}
}

// MountRoutes registers the UI pages on r, which is expected to be mounted
// at /ui.
func (h *Handler) MountRoutes(r chi.Router) {
	r.With(h.guard.Optional).Get("/unauthorized", h.showUnauthorized)
	r.Post("/session/refresh", h.refreshSession)
	r.Group(func(r chi.Router) {
		r.Use(h.guard.Page)
		r.Get("/", h.showDashboard)
		r.Get("/{section}", h.showSection)
	})
}

// SessionReset forgets the cached principal of a session. It matches the
// signature expected by the login handler.
func (h *Handler) SessionReset(sessionID string) {
	h.sessions.Forget(sessionID)
}

func (h *Handler) showDashboard(w http.ResponseWriter, r *http.Request) {
	g := FromContext(r.Context())
	h.render(w, r, http.StatusOK, "pages/dashboard.html", "Dashboard", pageData{
		Guard: g,
		Nav:   Navigation(g, r.URL.Path),
	})
}

func (h *Handler) showSection(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "section")
	var section *Section
	for i := range Sections {
		if Sections[i].Slug == slug {
			section = &Sections[i]
			break
		}
	}
	if section == nil {
		http.NotFound(w, r)
		return
	}
	g := FromContext(r.Context())
	h.render(w, r, http.StatusOK, "pages/section.html", section.Title, pageData{
		Guard:   g,
		Nav:     Navigation(g, r.URL.Path),
		Section: section,
	})
}

func (h *Handler) showUnauthorized(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	reason := rbac.Reason(q.Get("reason"))
	if reason == "" {
		reason = rbac.ReasonPermissionDenied
	}
	denied := &deniedData{
		Reason:          string(reason),
		Message:         reasonMessage(reason),
		Missing:         splitList(q.Get("missing")),
		MissingRoles:    splitList(q.Get("roles")),
		From:            safeReturnPath(q.Get("from")),
		Home:            HomePath,
		RedirectSeconds: 5,
	}
	g := FromContext(r.Context())
	h.render(w, r, http.StatusForbidden, "pages/unauthorized.html", "Access denied", pageData{
		Guard:  g,
		Nav:    Navigation(g, r.URL.Path),
		Denied: denied,
	})
}

func (h *Handler) refreshSession(w http.ResponseWriter, r *http.Request) {
	sess := shared.SessionFromContext(r.Context())
	if sess != nil {
		h.sessions.Refresh(sess.ID)
	}
	target := HomePath
	if err := r.ParseForm(); err == nil {
		if back := safeReturnPath(r.PostFormValue("from")); back != "" {
			target = back
		}
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, name, title string, data pageData) {
	sess := shared.SessionFromContext(r.Context())
	csrfToken, _ := h.csrfManager.EnsureToken(r.Context(), sess)
	var flash *shared.FlashMessage
	if sess != nil {
		flash = sess.PopFlash()
	}
	td := view.TemplateData{
		Title:       title,
		CSRFToken:   csrfToken,
		Flash:       flash,
		CurrentPath: r.URL.Path,
		Data:        data,
	}
	if data.Denied != nil {
		td.RedirectTo = data.Denied.Home
		td.RedirectAfter = data.Denied.RedirectSeconds
	}
	if err := h.templates.RenderStatus(w, status, name, td); err != nil {
		h.logger.Error("render page", slog.String("template", name), slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func reasonMessage(reason rbac.Reason) string {
	switch reason {
	case rbac.ReasonUnmappedPath:
		return "This page is not available to your account."
	case rbac.ReasonRoleDenied:
		return "This page requires a role you do not hold."
	case rbac.ReasonNotAuthenticated:
		return "Please sign in to continue."
	default:
		return "You do not have permission to open this page."
	}
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// safeReturnPath keeps return targets inside the UI.
func safeReturnPath(p string) string {
	if p == "" || strings.HasPrefix(p, "//") || strings.Contains(p, "\\") {
		return ""
	}
	if p == HomePath || strings.HasPrefix(p, HomePath+"/") || strings.HasPrefix(p, HomePath+"?") {
		return p
	}
	return ""
}
