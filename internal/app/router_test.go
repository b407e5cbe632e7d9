package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/labkeeper/labkeeper/internal/app"
	"github.com/labkeeper/labkeeper/internal/audit"
	"github.com/labkeeper/labkeeper/jobs"
)

type fakeQueue struct {
	mu    sync.Mutex
	tasks []*asynq.Task
}

func (q *fakeQueue) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return &asynq.TaskInfo{ID: fmt.Sprintf("task-%d", len(q.tasks)), Queue: jobs.QueueCritical, Type: task.Type()}, nil
}

func (q *fakeQueue) types() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.tasks))
	for _, task := range q.tasks {
		out = append(out, task.Type())
	}
	return out
}

type fixture struct {
	services *app.Services
	handler  http.Handler
	queue    *fakeQueue
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	t.Setenv("LABKEEPER_TEST_MODE", "1")
	app.RefreshTestMode()
	t.Setenv("SESSION_SECRET", "session-secret")
	t.Setenv("CSRF_SECRET", "csrf-secret")
	t.Setenv("JWT_SECRET", strings.Repeat("k", 32))
	t.Setenv("IDENTITY_BACKEND", "memory")
	t.Setenv("AUDIT_SINK", "false")
	// Operator list without the header names; credential headers stay masked.
	t.Setenv("AUDIT_REDACT_FIELDS", "password,token,secret,key,smtp_password")

	cfg, err := app.LoadConfig()
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	queue := &fakeQueue{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc, err := app.Build(context.Background(), cfg, logger, app.Backends{Redis: client, Queue: queue}, nil)
	require.NoError(t, err)
	require.Nil(t, svc.Sink)

	return &fixture{services: svc, handler: app.NewRouter(svc), queue: queue}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "192.0.2.10:4000"
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) token(t *testing.T, email, password string) string {
	t.Helper()
	rr := f.do(t, http.MethodPost, "/auth/token", "", map[string]string{"email": email, "password": password})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var out struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.NotEmpty(t, out.AccessToken)
	return out.AccessToken
}

func decodeProblem(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out), rr.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.JSONEq(t, `{"status":"ok"}`, rr.Body.String())
	require.Equal(t, 0, f.services.Recorder.Len())
}

func TestStaticAssetsServedUnaudited(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodGet, "/static/css/app.css", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, strings.HasPrefix(rr.Header().Get("Content-Type"), "text/css"))
	require.Equal(t, "public, max-age=3600", rr.Header().Get("Cache-Control"))
	require.Equal(t, 0, f.services.Recorder.Len())
}

func TestTokenRejectsBadCredentials(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/auth/token", "", map[string]string{"email": "viewer@lab.local", "password": "not-the-password"})
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, "invalid_credentials", decodeProblem(t, rr)["reason"])
}

func TestAPIGates(t *testing.T) {
	f := newFixture(t)
	viewer := f.token(t, "viewer@lab.local", "labkeeper-viewer")
	tech := f.token(t, "tech@lab.local", "labkeeper-tech")

	rr := f.do(t, http.MethodGet, "/api/samples", "", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, "not_authenticated", decodeProblem(t, rr)["reason"])

	rr = f.do(t, http.MethodGet, "/api/samples", "not-a-token", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	// admitted requests reach the domain handler, which is not wired here
	rr = f.do(t, http.MethodGet, "/api/samples/17", viewer, nil)
	require.Equal(t, http.StatusNotImplemented, rr.Code)

	rr = f.do(t, http.MethodDelete, "/api/samples/17", viewer, nil)
	require.Equal(t, http.StatusForbidden, rr.Code)
	problem := decodeProblem(t, rr)
	require.Equal(t, "permission_denied", problem["reason"])
	require.Contains(t, problem["required"], "sample.delete")

	rr = f.do(t, http.MethodDelete, "/api/samples/17", tech, nil)
	require.Equal(t, http.StatusNotImplemented, rr.Code)

	// unmapped API paths only need authentication
	rr = f.do(t, http.MethodGet, "/api/instruments", viewer, nil)
	require.Equal(t, http.StatusNotImplemented, rr.Code)
}

func TestAPIApproveNeedsPermissionAndRole(t *testing.T) {
	f := newFixture(t)
	qa := f.token(t, "qa@lab.local", "labkeeper-qa")
	analyst := f.token(t, "analyst@lab.local", "labkeeper-analyst")

	rr := f.do(t, http.MethodPost, "/api/tests/9/approve", analyst, nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodPost, "/api/tests/9/approve", qa, nil)
	require.Equal(t, http.StatusNotImplemented, rr.Code)
}

func TestInactiveUserCannotSignIn(t *testing.T) {
	f := newFixture(t)
	rr := f.do(t, http.MethodPost, "/auth/token", "", map[string]string{"email": "former@lab.local", "password": "labkeeper-former"})
	require.NotEqual(t, http.StatusOK, rr.Code)
}

func TestMeReportsPrincipal(t *testing.T) {
	f := newFixture(t)
	qa := f.token(t, "qa@lab.local", "labkeeper-qa")

	rr := f.do(t, http.MethodGet, "/api/me", qa, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var me struct {
		UserID      string   `json:"userId"`
		Roles       []string `json:"roles"`
		Permissions []string `json:"permissions"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &me))
	require.Equal(t, "u-qa", me.UserID)
	require.Equal(t, []string{"qa_manager"}, me.Roles)
	require.Contains(t, me.Permissions, "user.view")
	require.Contains(t, me.Permissions, "report.*")
}

func TestCriticalOperationIsAuditedAndQueued(t *testing.T) {
	f := newFixture(t)
	admin := f.token(t, "admin@lab.local", "labkeeper-admin")
	viewer := f.token(t, "viewer@lab.local", "labkeeper-viewer")

	rr := f.do(t, http.MethodPut, "/api/system/settings", admin, map[string]string{"smtp_password": "hunter2", "site": "north"})
	require.Equal(t, http.StatusNotImplemented, rr.Code)
	f.services.Recorder.Wait()
	require.Equal(t, []string{jobs.TaskAuditCritical}, f.queue.types())

	rr = f.do(t, http.MethodGet, "/audit-logs?operationType=system.update", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var result audit.Result
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &result))
	require.Len(t, result.Records, 1)
	rec := result.Records[0]
	require.Equal(t, audit.LevelCritical, rec.Level)
	require.Equal(t, "u-admin", rec.Actor)
	require.NotContains(t, rr.Body.String(), "hunter2")

	rr = f.do(t, http.MethodGet, "/audit-logs", viewer, nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodGet, "/audit-logs/export.csv?operationType=system.update", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "system.update")
}

func TestRejectedCredentialIsNotStored(t *testing.T) {
	f := newFixture(t)

	rr := f.do(t, http.MethodGet, "/api/system/settings", "RAW-SECRET-JWT", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)
	f.services.Recorder.Wait()

	records := f.services.Recorder.Export(audit.Filters{})
	require.NotEmpty(t, records)
	raw, err := json.Marshal(records)
	require.NoError(t, err)
	require.NotContains(t, string(raw), "RAW-SECRET-JWT")

	admin := f.token(t, "admin@lab.local", "labkeeper-admin")
	rr = f.do(t, http.MethodGet, "/audit-logs/export.csv", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.NotContains(t, rr.Body.String(), "RAW-SECRET-JWT")
	require.NotContains(t, rr.Body.String(), admin)
}

func TestRoleChangeAppliesToNextRequest(t *testing.T) {
	f := newFixture(t)
	admin := f.token(t, "admin@lab.local", "labkeeper-admin")
	viewer := f.token(t, "viewer@lab.local", "labkeeper-viewer")

	rr := f.do(t, http.MethodGet, "/api/reports", viewer, nil)
	require.Equal(t, http.StatusNotImplemented, rr.Code)

	catalog := f.services.RBAC.Catalog()
	role, ok := catalog.RoleByName("viewer")
	require.True(t, ok)
	perm, ok := catalog.PermissionByCode("sample.view")
	require.True(t, ok)

	path := fmt.Sprintf("/roles/%d/permissions", role.ID)
	rr = f.do(t, http.MethodPost, path, viewer, map[string]any{"permissionIds": []int64{perm.ID}})
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodPost, path, admin, map[string]any{"permissionIds": []int64{perm.ID}})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = f.do(t, http.MethodGet, "/api/reports", viewer, nil)
	require.Equal(t, http.StatusForbidden, rr.Code)
	rr = f.do(t, http.MethodGet, "/api/samples", viewer, nil)
	require.Equal(t, http.StatusNotImplemented, rr.Code)

	f.services.Recorder.Wait()
	require.Contains(t, f.queue.types(), jobs.TaskAuditCritical)
}

func TestJobHealthWithoutInspector(t *testing.T) {
	f := newFixture(t)
	admin := f.token(t, "admin@lab.local", "labkeeper-admin")

	rr := f.do(t, http.MethodGet, "/jobs/health", "", nil)
	require.Equal(t, http.StatusUnauthorized, rr.Code)

	rr = f.do(t, http.MethodGet, "/jobs/health", admin, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), jobs.QueueCritical)
}

var csrfInput = regexp.MustCompile(`name="csrf_token" value="([^"]+)"`)

type browser struct {
	t       *testing.T
	handler http.Handler
	cookies map[string]*http.Cookie
}

func (b *browser) do(method, path string, form url.Values) *httptest.ResponseRecorder {
	b.t.Helper()
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "192.0.2.20:5000"
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	for _, c := range b.cookies {
		req.AddCookie(c)
	}
	rr := httptest.NewRecorder()
	b.handler.ServeHTTP(rr, req)
	for _, c := range rr.Result().Cookies() {
		b.cookies[c.Name] = c
	}
	return rr
}

func (b *browser) csrf() string {
	b.t.Helper()
	rr := b.do(http.MethodGet, "/ui/login", nil)
	require.Equal(b.t, http.StatusOK, rr.Code)
	m := csrfInput.FindStringSubmatch(rr.Body.String())
	require.Len(b.t, m, 2)
	return m[1]
}

func TestUILoginAndPageGuard(t *testing.T) {
	f := newFixture(t)
	b := &browser{t: t, handler: f.handler, cookies: map[string]*http.Cookie{}}

	rr := b.do(http.MethodGet, "/ui/samples", nil)
	require.Equal(t, http.StatusSeeOther, rr.Code)
	require.True(t, strings.HasPrefix(rr.Header().Get("Location"), "/ui/login"))

	token := b.csrf()
	require.Contains(t, b.cookies, app.SessionCookie)

	rr = b.do(http.MethodPost, "/ui/login", url.Values{"email": {"viewer@lab.local"}, "password": {"labkeeper-viewer"}})
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = b.do(http.MethodPost, "/ui/login", url.Values{
		"csrf_token": {token},
		"email":      {"viewer@lab.local"},
		"password":   {"labkeeper-viewer"},
	})
	require.Equal(t, http.StatusSeeOther, rr.Code)
	require.Equal(t, "/ui", rr.Header().Get("Location"))

	rr = b.do(http.MethodGet, "/ui/samples", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	m := csrfInput.FindStringSubmatch(rr.Body.String())
	require.Len(t, m, 2)
	require.NotEqual(t, token, m[1])
	signedIn := m[1]

	rr = b.do(http.MethodGet, "/ui/users", nil)
	require.Equal(t, http.StatusSeeOther, rr.Code)
	location, err := url.Parse(rr.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, "/ui/unauthorized", location.Path)
	require.Equal(t, "user.view", location.Query().Get("missing"))

	rr = b.do(http.MethodPost, "/ui/logout", url.Values{"csrf_token": {token}})
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = b.do(http.MethodPost, "/ui/logout", url.Values{"csrf_token": {signedIn}})
	require.Equal(t, http.StatusSeeOther, rr.Code)
	require.Equal(t, 0, f.services.UISessions.Len())
}

func TestMetricsExposeDecisions(t *testing.T) {
	f := newFixture(t)
	viewer := f.token(t, "viewer@lab.local", "labkeeper-viewer")
	rr := f.do(t, http.MethodDelete, "/api/samples/3", viewer, nil)
	require.Equal(t, http.StatusForbidden, rr.Code)

	rr = f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	body := rr.Body.String()
	require.Contains(t, body, `labkeeper_authz_decisions_total{gate="dynamic",outcome="deny",reason="permission_denied"}`)
	require.Contains(t, body, "labkeeper_audit_records_total")
}
