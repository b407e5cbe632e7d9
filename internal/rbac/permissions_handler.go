package rbac

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/labkeeper/labkeeper/internal/platform/httpx"
)

// PermissionsHandler serves role administration and self-description.
type PermissionsHandler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	rbac      Middleware
}

// NewPermissionsHandler builds PermissionsHandler instance.
func NewPermissionsHandler(logger *slog.Logger, service *Service, rbac Middleware) *PermissionsHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PermissionsHandler{logger: logger, service: service, validator: validator.New(), rbac: rbac}
}

// MountRoutes registers role administration routes. The router must already
// authenticate requests.
func (h *PermissionsHandler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(PermRoleView, PermRoleEdit))
		r.Get("/permissions", h.listPermissions)
		r.Get("/roles", h.listRoles)
		r.Get("/roles/{id}", h.getRole)
	})
	r.With(h.rbac.RequireAny(PermRoleEdit)).Post("/roles/{id}/permissions", h.replaceRolePermissions)
}

// MountSelfRoutes registers /me and /access/check.
func (h *PermissionsHandler) MountSelfRoutes(r chi.Router) {
	r.Get("/me", h.me)
	r.Post("/access/check", h.checkAccess)
}

// Permission codes guarding the role administration API.
const (
	PermRoleView = "role.view"
	PermRoleEdit = "role.edit"
)

type replacePermissionsRequest struct {
	PermissionIDs []int64 `json:"permissionIds" validate:"required,dive,gt=0"`
}

type accessCheckRequest struct {
	Method string `json:"method" validate:"required,oneof=GET HEAD POST PUT PATCH DELETE OPTIONS"`
	Path   string `json:"path" validate:"required,startswith=/"`
}

type principalView struct {
	UserID      string   `json:"userId"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	IsAdmin     bool     `json:"isAdmin"`
}

func (h *PermissionsHandler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.service.ListPermissions(r.Context())
	if err != nil {
		h.serverError(w, "list permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *PermissionsHandler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.service.ListRoles(r.Context())
	if err != nil {
		h.serverError(w, "list roles", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *PermissionsHandler) getRole(w http.ResponseWriter, r *http.Request) {
	id, ok := roleIDParam(w, r)
	if !ok {
		return
	}
	role, err := h.service.GetRole(r.Context(), id)
	if err != nil {
		h.respondServiceError(w, "get role", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *PermissionsHandler) replaceRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, ok := roleIDParam(w, r)
	if !ok {
		return
	}
	var body replacePermissionsRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	if err := h.validator.Struct(body); err != nil {
		httpx.WriteProblem(w, httpx.ProblemDetail{Status: http.StatusBadRequest, Title: "Validation Failed", Fields: validationFields(err)})
		return
	}
	role, err := h.service.SetRolePermissions(r.Context(), id, body.PermissionIDs)
	if err != nil {
		h.respondServiceError(w, "replace role permissions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *PermissionsHandler) me(w http.ResponseWriter, r *http.Request) {
	p := PrincipalFromContext(r.Context())
	if p == nil {
		WriteDenied(w, r, Decide(nil, Requirement{}))
		return
	}
	httpx.JSON(w, http.StatusOK, principalView{
		UserID:      p.UserID,
		Roles:       p.Roles(),
		Permissions: p.Permissions(),
		IsAdmin:     p.IsAdmin(),
	})
}

func (h *PermissionsHandler) checkAccess(w http.ResponseWriter, r *http.Request) {
	var body accessCheckRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid JSON body")
		return
	}
	body.Method = strings.ToUpper(strings.TrimSpace(body.Method))
	if err := h.validator.Struct(body); err != nil {
		httpx.WriteProblem(w, httpx.ProblemDetail{Status: http.StatusBadRequest, Title: "Validation Failed", Fields: validationFields(err)})
		return
	}
	unmatched := UnmatchedAuthenticate
	if strings.HasPrefix(body.Path, "/ui") {
		unmatched = UnmatchedDeny
	}
	ev := Evaluate(h.service.Catalog(), PrincipalFromContext(r.Context()), body.Method, body.Path, unmatched)
	httpx.JSON(w, http.StatusOK, ev)
}

func (h *PermissionsHandler) respondServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "role not found")
	case errors.Is(err, ErrSystemRole):
		httpx.Problem(w, http.StatusConflict, "Conflict", "system roles cannot be modified")
	case errors.Is(err, ErrInvalidPermission):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.serverError(w, op, err)
	}
}

func (h *PermissionsHandler) serverError(w http.ResponseWriter, op string, err error) {
	h.logger.Error(op, slog.Any("error", err))
	httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
}

func roleIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid role id")
		return 0, false
	}
	return id, true
}

func validationFields(err error) map[string]string {
	fields := make(map[string]string)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			fields[fe.Field()] = fe.Tag()
		}
		return fields
	}
	fields["general"] = err.Error()
	return fields
}
