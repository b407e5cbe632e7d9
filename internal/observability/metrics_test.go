package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/labkeeper/labkeeper/internal/audit"
	"github.com/labkeeper/labkeeper/internal/rbac"
)

var (
	_ rbac.DecisionObserver = (*Metrics)(nil)
	_ audit.Observer        = (*Metrics)(nil)
)

func scrape(t *testing.T, metrics *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	metrics.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsHandlerExposesPrometheusMetrics(t *testing.T) {
	metrics := NewMetrics()
	_ = metrics.Jobs().Track(context.Background(), "audit_critical_alert").End(nil)

	body := scrape(t, metrics)
	if !strings.Contains(body, "labkeeper_jobs_total") {
		t.Fatalf("expected body to contain labkeeper_jobs_total, got: %s", body)
	}
	if !strings.Contains(body, "labkeeper_audit_buffer_records 0") {
		t.Fatalf("expected buffer gauge, got: %s", body)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	metricsBody := scrape(t, metrics)
	if !strings.Contains(metricsBody, "http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", metricsBody)
	}
	if !strings.Contains(metricsBody, "http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", metricsBody)
	}
}

func TestMetricsRecordAccessOutcomes(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveDecision("dynamic", false, "permission_denied")
	metrics.ObserveDecision("dynamic", true, "")
	metrics.ObserveResolveFailure("unavailable")
	metrics.ObserveAuditRecord("critical")
	metrics.ObserveAuditBuffer(7)
	metrics.ObserveNotification("sent")

	body := scrape(t, metrics)
	for _, want := range []string{
		`labkeeper_authz_decisions_total{gate="dynamic",outcome="deny",reason="permission_denied"} 1`,
		`labkeeper_authz_decisions_total{gate="dynamic",outcome="allow",reason=""} 1`,
		`labkeeper_principal_resolve_failures_total{kind="unavailable"} 1`,
		`labkeeper_audit_records_total{level="critical"} 1`,
		`labkeeper_audit_buffer_records 7`,
		`labkeeper_audit_notifications_total{outcome="sent"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics, got: %s", want, body)
		}
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var metrics *Metrics
	metrics.ObserveDecision("static", true, "")
	metrics.ObserveAuditRecord("info")
	if metrics.Jobs() != nil {
		t.Fatal("expected nil job metrics")
	}
}
