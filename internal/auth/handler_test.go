package auth_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/labkeeper/labkeeper/internal/auth"
	"github.com/labkeeper/labkeeper/internal/shared"
	"github.com/labkeeper/labkeeper/internal/view"
	labtest "github.com/labkeeper/labkeeper/testing"
)

const secret = labtest.JWTSecret

func newAuthHandler(t *testing.T) (*auth.Handler, *auth.JWTVerifier, *shared.SessionManager) {
	t.Helper()
	redisClient, _ := labtest.Redis(t)
	sessionManager := shared.NewSessionManager(redisClient, "test_session", "secret", time.Hour, false)
	csrfManager := shared.NewCSRFManager("csrfsecret")
	templates, err := view.NewEngine()
	if err != nil {
		t.Fatalf("templates: %v", err)
	}
	store, err := auth.NewMemoryStore([]auth.SeedUser{
		{ID: "u-tech", Email: "tech@lab.local", Password: "labkeeper-tech", Roles: []string{"technician"}},
		{ID: "u-former", Email: "former@lab.local", Password: "labkeeper-former", Status: auth.StatusInactive},
	}, nil, bcrypt.MinCost)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	verifier, err := auth.NewJWTVerifier(secret, "labkeeper", "", time.Hour)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	handler := auth.NewHandler(nil, auth.NewService(store, verifier), templates, sessionManager, csrfManager)
	return handler, verifier, sessionManager
}

func TestLoginPage(t *testing.T) {
	handler, _, sessionManager := newAuthHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/ui/login", nil)
	sess, err := sessionManager.Load(context.Background(), req)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	ctx := shared.ContextWithSession(req.Context(), sess)
	req = req.WithContext(ctx)

	res := httptest.NewRecorder()
	handler.ShowLoginForTest(res, req)
	if err := sessionManager.Commit(ctx, res, req, sess); err != nil {
		t.Fatalf("commit session: %v", err)
	}

	if res.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "<form") {
		t.Fatalf("expected login form in body")
	}
}

func postLogin(t *testing.T, handler *auth.Handler, sessionManager *shared.SessionManager, email, password string) (*httptest.ResponseRecorder, *shared.Session) {
	t.Helper()
	// Prime session and CSRF token via GET.
	getReq := httptest.NewRequest(http.MethodGet, "/ui/login", nil)
	sess, err := sessionManager.Load(context.Background(), getReq)
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	getCtx := shared.ContextWithSession(getReq.Context(), sess)
	getReq = getReq.WithContext(getCtx)
	getRes := httptest.NewRecorder()
	handler.ShowLoginForTest(getRes, getReq)
	if err := sessionManager.Commit(getCtx, getRes, getReq, sess); err != nil {
		t.Fatalf("commit session: %v", err)
	}

	token := sess.Get(shared.CSRFSessionKey)
	if token == "" {
		t.Fatalf("csrf token not set")
	}

	postData := url.Values{}
	postData.Set("email", email)
	postData.Set("password", password)
	postData.Set("csrf_token", token)

	postReq := httptest.NewRequest(http.MethodPost, "/ui/login", strings.NewReader(postData.Encode()))
	postReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for _, c := range getRes.Result().Cookies() {
		postReq.AddCookie(c)
	}

	loadedSess, err := sessionManager.Load(context.Background(), postReq)
	if err != nil {
		t.Fatalf("load session for post: %v", err)
	}
	postCtx := shared.ContextWithSession(postReq.Context(), loadedSess)
	postReq = postReq.WithContext(postCtx)

	res := httptest.NewRecorder()
	handler.HandleLoginForTest(res, postReq)
	if err := sessionManager.Commit(postCtx, res, postReq, loadedSess); err != nil {
		t.Fatalf("commit session post: %v", err)
	}
	return res, loadedSess
}

func TestLoginInvalidCredentials(t *testing.T) {
	handler, _, sessionManager := newAuthHandler(t)

	res, sess := postLogin(t, handler, sessionManager, "tech@lab.local", "wrongpass")
	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", res.Code)
	}
	if !strings.Contains(res.Body.String(), "Invalid email or password") {
		t.Fatalf("expected error message in response")
	}
	if sess.Token() != "" {
		t.Fatalf("expected no token in session")
	}
}

func TestLoginStoresTokenInSession(t *testing.T) {
	handler, verifier, sessionManager := newAuthHandler(t)
	var resets []string
	handler.OnSessionReset(func(id string) { resets = append(resets, id) })

	res, sess := postLogin(t, handler, sessionManager, "tech@lab.local", "labkeeper-tech")
	if res.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d", res.Code)
	}
	if loc := res.Header().Get("Location"); loc != "/ui" {
		t.Fatalf("expected redirect to /ui, got %q", loc)
	}
	cred, err := verifier.Verify(sess.Token())
	if err != nil {
		t.Fatalf("session token invalid: %v", err)
	}
	if cred.SubjectID != "u-tech" || sess.User() != "u-tech" {
		t.Fatalf("unexpected subject %q / %q", cred.SubjectID, sess.User())
	}
	if len(resets) != 1 || resets[0] != sess.ID {
		t.Fatalf("expected one session reset, got %v", resets)
	}
	if sess.Get(shared.CSRFSessionKey) == "" {
		t.Fatalf("expected a fresh csrf token after sign-in")
	}
}

func TestIssueToken(t *testing.T) {
	handler, verifier, _ := newAuthHandler(t)
	router := chi.NewRouter()
	router.Route("/auth", handler.MountAPIRoutes)

	cases := []struct {
		name   string
		body   string
		status int
	}{
		{"valid", `{"email":"tech@lab.local","password":"labkeeper-tech"}`, http.StatusOK},
		{"wrong password", `{"email":"tech@lab.local","password":"labkeeper-nope"}`, http.StatusUnauthorized},
		{"inactive", `{"email":"former@lab.local","password":"labkeeper-former"}`, http.StatusUnauthorized},
		{"invalid email", `{"email":"tech","password":"labkeeper-tech"}`, http.StatusBadRequest},
		{"unknown field", `{"email":"tech@lab.local","password":"labkeeper-tech","scope":"*"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/auth/token", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", "application/json")
			res := httptest.NewRecorder()
			router.ServeHTTP(res, req)
			if res.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, res.Code, res.Body.String())
			}
			if tc.status != http.StatusOK {
				return
			}
			var token auth.Token
			if err := json.NewDecoder(res.Body).Decode(&token); err != nil {
				t.Fatalf("decode: %v", err)
			}
			cred, err := verifier.Verify(token.AccessToken)
			if err != nil {
				t.Fatalf("issued token invalid: %v", err)
			}
			if cred.SubjectID != "u-tech" || token.TokenType != "Bearer" {
				t.Fatalf("unexpected token %+v", token)
			}
		})
	}
}
