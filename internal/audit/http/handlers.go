package audithttp

import (
	"bytes"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/labkeeper/labkeeper/internal/audit"
	"github.com/labkeeper/labkeeper/internal/platform/httpx"
	"github.com/labkeeper/labkeeper/internal/rbac"
)

// PermAuditView guards the audit trail endpoints.
const PermAuditView = "audit.view"

const maxDateRange = 90 * 24 * time.Hour

// Service defines the business contract for audit queries.
type Service interface {
	List(filters audit.Filters) audit.Result
	Export(filters audit.Filters) []audit.Record
	Len() int
	Capacity() int
}

type statsResponse struct {
	Retained int `json:"retained"`
	Capacity int `json:"capacity"`
}

// Handler menangani permintaan audit trail.
type Handler struct {
	logger    *slog.Logger
	service   Service
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler membuat handler audit baru.
func NewHandler(logger *slog.Logger, service Service, rbac rbac.Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		rbac:      rbac,
		validator: validator.New(),
	}
}

type filterQuery struct {
	UserID        string `validate:"max=128"`
	Resource      string `validate:"max=64"`
	OperationType string `validate:"max=128"`
	Level         string `validate:"omitempty,oneof=info warning error critical"`
	Page          int    `validate:"gte=0"`
	PageSize      int    `validate:"gte=0,lte=50"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		h.handleFilterError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.service.List(filters))
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, statsResponse{Retained: h.service.Len(), Capacity: h.service.Capacity()})
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	filters, err := h.parseFilters(r)
	if err != nil {
		h.handleFilterError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := audit.WriteCSV(&buf, h.service.Export(filters)); err != nil {
		h.handleServerError(w, "encode csv", err)
		return
	}
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", "attachment; filename=\"audit-logs.csv\"")
	if _, err := w.Write(buf.Bytes()); err != nil {
		h.logger.Warn("write csv", slog.Any("error", err))
	}
}

func (h *Handler) parseFilters(r *http.Request) (audit.Filters, error) {
	q := r.URL.Query()
	query := filterQuery{
		UserID:        strings.TrimSpace(q.Get("userId")),
		Resource:      strings.TrimSpace(q.Get("resource")),
		OperationType: strings.TrimSpace(q.Get("operationType")),
		Level:         strings.ToLower(strings.TrimSpace(q.Get("level"))),
	}
	for field, raw := range map[string]string{"page": q.Get("page"), "pageSize": q.Get("pageSize")} {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return audit.Filters{}, validationError{field: field, tag: "number"}
		}
		if field == "page" {
			query.Page = n
		} else {
			query.PageSize = n
		}
	}
	if err := h.validator.Struct(query); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return audit.Filters{}, validationError{field: lowerFirst(verrs[0].Field()), tag: verrs[0].Tag()}
		}
		return audit.Filters{}, err
	}

	from, err := parseDate(q.Get("startDate"), false)
	if err != nil {
		return audit.Filters{}, validationError{field: "startDate", tag: "date"}
	}
	to, err := parseDate(q.Get("endDate"), true)
	if err != nil {
		return audit.Filters{}, validationError{field: "endDate", tag: "date"}
	}
	if !from.IsZero() && !to.IsZero() {
		if from.After(to) {
			return audit.Filters{}, validationError{field: "range", tag: "order"}
		}
		if to.Sub(from) > maxDateRange {
			return audit.Filters{}, validationError{field: "range", tag: "max"}
		}
	}

	level, _ := audit.ParseLevel(query.Level)
	return audit.Filters{
		UserID:        query.UserID,
		Resource:      query.Resource,
		OperationType: query.OperationType,
		Level:         level,
		From:          from,
		To:            to,
		Page:          query.Page,
		PageSize:      query.PageSize,
	}, nil
}

// parseDate accepts RFC3339 timestamps or plain dates. A plain end date
// covers the whole day.
func parseDate(raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, nil
}

func (h *Handler) handleFilterError(w http.ResponseWriter, err error) {
	var v validationError
	if errors.As(err, &v) {
		httpx.WriteProblem(w, httpx.ProblemDetail{
			Status: http.StatusBadRequest,
			Detail: "invalid filter",
			Fields: map[string]string{v.field: v.tag},
		})
		return
	}
	h.handleServerError(w, "validate filters", err)
}

func (h *Handler) handleServerError(w http.ResponseWriter, message string, err error) {
	h.logger.Error(message, slog.Any("error", err))
	httpx.WriteProblem(w, httpx.ProblemDetail{Status: http.StatusInternalServerError})
}

type validationError struct {
	field string
	tag   string
}

func (validationError) Error() string {
	return "validation failed"
}

func lowerFirst(s string) string {
	if s == "" {
		return s
	}
	return strings.ToLower(s[:1]) + s[1:]
}
