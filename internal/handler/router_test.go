package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/adminisgo/adminis/internal/gate"
	"github.com/adminisgo/adminis/internal/identity"
	"github.com/adminisgo/adminis/internal/middleware"
	"github.com/adminisgo/adminis/internal/model"
	"github.com/adminisgo/adminis/internal/resolver"
	"github.com/adminisgo/adminis/internal/security"
	"github.com/adminisgo/adminis/internal/session"
)

const routerTestSecret = "router-test-secret"

type stubTenantUsers struct{}

func (stubTenantUsers) FetchCurrentTenantUser(ctx context.Context, subject string) (*model.TenantUser, error) {
	return nil, nil
}

type stubInviteSyncer struct{}

func (stubInviteSyncer) SyncInvitedUser(ctx context.Context, s *model.Session) error {
	return nil
}

// newIdentityServer はパスワードサインインとサインアウトだけに応答する認証サービスのフェイク。
func newIdentityServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.URL.Path == "/auth/v1/token" && r.URL.Query().Get("grant_type") == "password":
			var body map[string]string
			json.NewDecoder(r.Body).Decode(&body)
			if body["password"] != "correct-horse" {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant", "error_description": "Invalid login credentials"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"access_token":  "access-1",
				"token_type":    "bearer",
				"expires_in":    3600,
				"refresh_token": "refresh-1",
				"user": map[string]any{
					"id":    "user-1",
					"email": body["email"],
				},
			})
		case r.URL.Path == "/auth/v1/logout":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

type routerFixture struct {
	server   *httptest.Server
	client   *http.Client
	accounts *mockAccountDeleter
	verifier *identity.TokenVerifier
}

func newRouterFixture(t *testing.T, opts ...func(*RouterDeps)) *routerFixture {
	t.Helper()

	idp := newIdentityServer(t)
	verifier := identity.NewTokenVerifier(routerTestSecret, "")
	provider := identity.NewProvider(identity.Config{BaseURL: idp.URL, AnonKey: "anon"}, verifier, nil)

	registry := session.NewRegistry(session.RegistryConfig{
		NewClient: func(sessionID string) *identity.Client { return provider.NewClient(nil) },
		Users:     stubTenantUsers{},
		Syncer:    stubInviteSyncer{},
	})
	t.Cleanup(registry.Stop)

	limiter := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(limiter.Stop)

	noTenant := &mockTenantReader{
		fetchTenantFn: func(ctx context.Context, subject string) (*model.Tenant, error) {
			return nil, model.NewNoRowsError("comercios")
		},
	}
	accounts := &mockAccountDeleter{
		deleteFn: func(ctx context.Context, caller *model.Session) error { return nil },
	}

	deps := &RouterDeps{
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       limiter,
		Registry:          registry,
		TokenVerifier:     verifier,
		Gate:              gate.Options{Wait: 2 * time.Second},
		Validator:         security.NewValidator(),
		AuthProvider:      provider,
		Resolver:          resolver.New(noTenant, nil, nil),
		AuthConfig:        AuthHandlerConfig{BaseURL: "http://localhost:3000", ReadyTimeout: 2 * time.Second},
		Plans:             &mockPlans{},
		Registrar:         &mockRegistrar{},
		Tenants:           noTenant,
		Invites:           &mockInviteService{},
		Accounts:          accounts,
	}
	for _, opt := range opts {
		opt(deps)
	}

	srv := httptest.NewServer(NewRouter(deps))
	t.Cleanup(srv.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatalf("failed to create cookie jar: %v", err)
	}
	client := &http.Client{
		Jar: jar,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	return &routerFixture{server: srv, client: client, accounts: accounts, verifier: verifier}
}

func (f *routerFixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := f.client.Get(f.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (f *routerFixture) csrfToken(t *testing.T) string {
	t.Helper()
	resp := f.get(t, "/api/csrf-token")
	var body struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode csrf token: %v", err)
	}
	return body.Token
}

func (f *routerFixture) postJSON(t *testing.T, path, body, csrf string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, f.server.URL+path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if csrf != "" {
		req.Header.Set(middleware.CSRFHeaderName, csrf)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRouter_LoginFlow(t *testing.T) {
	f := newRouterFixture(t)

	// 未認証ではログインへ
	resp := f.get(t, "/dashboard")
	if resp.StatusCode != http.StatusSeeOther {
		t.Fatalf("anonymous /dashboard status = %d, want %d", resp.StatusCode, http.StatusSeeOther)
	}
	if loc := resp.Header.Get("Location"); loc != gate.LoginPath {
		t.Errorf("Location = %q, want %q", loc, gate.LoginPath)
	}

	token := f.csrfToken(t)
	if token == "" {
		t.Fatal("expected csrf token")
	}

	resp = f.postJSON(t, "/auth/login", `{"email":"owner@example.com","password":"correct-horse"}`, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var login redirectResponse
	if err := json.NewDecoder(resp.Body).Decode(&login); err != nil {
		t.Fatalf("failed to decode login response: %v", err)
	}
	if login.RedirectTo != string(resolver.TargetSelectPlan) {
		t.Errorf("redirect_to = %q, want %q", login.RedirectTo, resolver.TargetSelectPlan)
	}

	resp = f.get(t, "/dashboard")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("authenticated /dashboard status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	var dash map[string]any
	json.NewDecoder(resp.Body).Decode(&dash)
	if dash["comercio"] != nil {
		t.Errorf("comercio = %v, want null", dash["comercio"])
	}

	// ログアウト後は再びログインへ
	resp = f.postJSON(t, "/auth/logout", `{}`, token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	resp = f.get(t, "/dashboard")
	if resp.StatusCode != http.StatusSeeOther {
		t.Errorf("/dashboard after logout status = %d, want %d", resp.StatusCode, http.StatusSeeOther)
	}
}

func TestRouter_LoginWithoutCSRFToken_Returns403(t *testing.T) {
	f := newRouterFixture(t)

	resp := f.postJSON(t, "/auth/login", `{"email":"owner@example.com","password":"correct-horse"}`, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
}

func TestRouter_LoginWrongPassword_Returns401(t *testing.T) {
	f := newRouterFixture(t)
	token := f.csrfToken(t)

	resp := f.postJSON(t, "/auth/login", `{"email":"owner@example.com","password":"wrong-horse"}`, token)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}
}

func TestRouter_Functions_RequireBearerToken(t *testing.T) {
	f := newRouterFixture(t)

	resp := f.postJSON(t, "/functions/delete-tenant-account", `{}`, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("without token status = %d, want %d", resp.StatusCode, http.StatusUnauthorized)
	}

	token, err := f.verifier.Sign(model.SessionUser{ID: "user-1", Email: "owner@example.com"}, time.Hour)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, f.server.URL+"/functions/delete-tenant-account", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = f.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with token status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
}

func TestRouter_Health(t *testing.T) {
	f := newRouterFixture(t)

	resp := f.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if resp.Header.Get("X-Content-Type-Options") != "nosniff" {
		t.Error("expected security headers on operational routes")
	}
}

func TestRouter_PaymentRoutesDisabledWithoutService(t *testing.T) {
	f := newRouterFixture(t)

	resp := f.postJSON(t, "/api/payments/webhook", `{}`, "")
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 404 or 405", resp.StatusCode)
	}
}

func TestRouter_TokenAuthenticatedRoutes_SkipCSRF(t *testing.T) {
	payments := &mockPaymentService{}
	f := newRouterFixture(t, func(d *RouterDeps) { d.Payments = payments })

	// CSRFトークンなしでもWebhookは処理される
	resp := f.postJSON(t, "/api/payments/webhook", `{"type":"payment","data":{"id":"789"}}`, "")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("webhook status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if len(payments.received) != 1 {
		t.Errorf("webhook notifications = %d, want 1", len(payments.received))
	}

	token, err := f.verifier.Sign(model.SessionUser{ID: "user-1", Email: "owner@example.com"}, time.Hour)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, f.server.URL+"/functions/delete-tenant-account", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err = f.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusForbidden {
		t.Error("bearer routes must not require a CSRF token")
	}

	// ブラウザ向けの状態変更ルートは同じクライアントでも拒否される
	resp = f.postJSON(t, "/auth/logout", `{}`, "")
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("logout without CSRF status = %d, want %d", resp.StatusCode, http.StatusForbidden)
	}
}
