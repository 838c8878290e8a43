package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adminisgo/adminis/internal/model"
)

// --- モック定義 ---

type memStore struct {
	mu      sync.Mutex
	session *model.Session
	saves   int
	clears  int
	loadErr error
}

func (m *memStore) Load(_ context.Context) (*model.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	return m.session, nil
}

func (m *memStore) Save(_ context.Context, s *model.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = s
	m.saves++
	return nil
}

func (m *memStore) Clear(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session = nil
	m.clears++
	return nil
}

var _ TokenStore = (*memStore)(nil)

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) listener() Listener {
	return func(ev Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	}
}

func (r *eventRecorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		kinds[i] = ev.Kind
	}
	return kinds
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func tokenPayload(access, refresh string, expiresIn int) map[string]any {
	return map[string]any{
		"access_token":  access,
		"token_type":    "bearer",
		"expires_in":    expiresIn,
		"refresh_token": refresh,
		"user": map[string]any{
			"id":    "user-1",
			"email": "owner@example.com",
			"user_metadata": map[string]any{
				"comercio_id": "42",
				"rol_id":      2,
				"nombre":      "Ana",
			},
		},
	}
}

func newTestProvider(t *testing.T, h http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewProvider(Config{BaseURL: srv.URL, AnonKey: "anon"}, nil, nil)
}

// --- テスト ---

func TestSignIn_Success_SavesAndEmitsSignedIn(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/token" || r.URL.Query().Get("grant_type") != "password" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.String())
		}
		if r.Header.Get("apikey") != "anon" {
			t.Errorf("apikey header = %q, want %q", r.Header.Get("apikey"), "anon")
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["email"] != "owner@example.com" || body["password"] != "secret" {
			t.Errorf("unexpected body: %v", body)
		}
		writeJSON(w, http.StatusOK, tokenPayload("access-1", "refresh-1", 3600))
	})

	store := &memStore{}
	c := p.NewClient(store)
	rec := &eventRecorder{}
	c.Subscribe(rec.listener())

	s, err := c.SignIn(context.Background(), "owner@example.com", "secret")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}

	if s.User.ID != "user-1" {
		t.Errorf("user id = %q, want %q", s.User.ID, "user-1")
	}
	if s.User.Metadata.TenantID != "42" {
		t.Errorf("metadata tenant = %q, want %q", s.User.Metadata.TenantID, "42")
	}
	if s.User.Metadata.RoleID != 2 {
		t.Errorf("metadata role = %d, want 2", s.User.Metadata.RoleID)
	}
	if s.ExpiresAt.IsZero() {
		t.Error("expected ExpiresAt to be set from expires_in")
	}
	if store.saves != 1 {
		t.Errorf("store saves = %d, want 1", store.saves)
	}

	kinds := rec.kinds()
	if len(kinds) != 1 || kinds[0] != EventSignedIn {
		t.Errorf("events = %v, want [SIGNED_IN]", kinds)
	}
}

func TestSignIn_BadRequest_ReturnsInvalidCredentials(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error":             "invalid_grant",
			"error_description": "Invalid login credentials",
		})
	})

	c := p.NewClient(&memStore{})
	rec := &eventRecorder{}
	c.Subscribe(rec.listener())

	_, err := c.SignIn(context.Background(), "owner@example.com", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("error = %v, want ErrInvalidCredentials", err)
	}
	if len(rec.kinds()) != 0 {
		t.Errorf("no events expected on failed sign in, got %v", rec.kinds())
	}
}

func TestGetCurrentSession_RestoresFromStoreWithoutNetwork(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected, got %s %s", r.Method, r.URL.Path)
	})

	store := &memStore{session: &model.Session{
		AccessToken:  "access",
		RefreshToken: "refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
		User:         model.SessionUser{ID: "user-1"},
	}}
	c := p.NewClient(store)

	s, err := c.GetCurrentSession(context.Background())
	if err != nil {
		t.Fatalf("GetCurrentSession() error = %v", err)
	}
	if s == nil || s.User.ID != "user-1" {
		t.Fatalf("session = %+v, want restored user-1", s)
	}
}

func TestGetCurrentSession_NoStoredSession_ReturnsNil(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected")
	})

	c := p.NewClient(&memStore{})
	s, err := c.GetCurrentSession(context.Background())
	if err != nil {
		t.Fatalf("GetCurrentSession() error = %v", err)
	}
	if s != nil {
		t.Errorf("session = %+v, want nil", s)
	}
}

func TestGetCurrentSession_Expired_RefreshesAndEmitsTokenRefreshed(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("grant_type") != "refresh_token" {
			t.Errorf("grant_type = %q, want refresh_token", r.URL.Query().Get("grant_type"))
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["refresh_token"] != "refresh-old" {
			t.Errorf("refresh_token = %q, want %q", body["refresh_token"], "refresh-old")
		}
		writeJSON(w, http.StatusOK, tokenPayload("access-new", "refresh-new", 3600))
	})

	store := &memStore{session: &model.Session{
		AccessToken:  "access-old",
		RefreshToken: "refresh-old",
		ExpiresAt:    time.Now().Add(-time.Minute),
		User:         model.SessionUser{ID: "user-1"},
	}}
	c := p.NewClient(store)
	rec := &eventRecorder{}
	c.Subscribe(rec.listener())

	s, err := c.GetCurrentSession(context.Background())
	if err != nil {
		t.Fatalf("GetCurrentSession() error = %v", err)
	}
	if s.AccessToken != "access-new" {
		t.Errorf("access token = %q, want %q", s.AccessToken, "access-new")
	}
	if store.session == nil || store.session.RefreshToken != "refresh-new" {
		t.Errorf("store should hold the refreshed session, got %+v", store.session)
	}
	kinds := rec.kinds()
	if len(kinds) != 1 || kinds[0] != EventTokenRefreshed {
		t.Errorf("events = %v, want [TOKEN_REFRESHED]", kinds)
	}
}

func TestGetCurrentSession_RefreshFails_SignsOut(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error_code": "refresh_token_not_found"})
	})

	store := &memStore{session: &model.Session{
		AccessToken:  "access-old",
		RefreshToken: "refresh-old",
		ExpiresAt:    time.Now().Add(-time.Minute),
	}}
	c := p.NewClient(store)
	rec := &eventRecorder{}
	c.Subscribe(rec.listener())

	s, err := c.GetCurrentSession(context.Background())
	if !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("error = %v, want ErrRefreshFailed", err)
	}
	if s != nil {
		t.Errorf("session = %+v, want nil", s)
	}
	if store.clears != 1 {
		t.Errorf("store clears = %d, want 1", store.clears)
	}
	kinds := rec.kinds()
	if len(kinds) != 1 || kinds[0] != EventSignedOut {
		t.Errorf("events = %v, want [SIGNED_OUT]", kinds)
	}
}

func TestSignOut_RemoteFailure_StillClearsLocally(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer access" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		writeJSON(w, http.StatusInternalServerError, map[string]string{"msg": "boom"})
	})

	store := &memStore{session: &model.Session{
		AccessToken: "access",
		ExpiresAt:   time.Now().Add(time.Hour),
	}}
	c := p.NewClient(store)
	rec := &eventRecorder{}
	c.Subscribe(rec.listener())

	err := c.SignOut(context.Background())
	if err == nil {
		t.Fatal("expected remote error to be returned")
	}
	if store.session != nil {
		t.Error("stored session should be cleared")
	}
	kinds := rec.kinds()
	if len(kinds) != 1 || kinds[0] != EventSignedOut {
		t.Errorf("events = %v, want [SIGNED_OUT]", kinds)
	}

	s, _ := c.GetCurrentSession(context.Background())
	if s != nil {
		t.Errorf("session after sign out = %+v, want nil", s)
	}
}

func TestSubscribe_UnsubscribeStopsDelivery(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	c := p.NewClient(&memStore{})
	first := &eventRecorder{}
	second := &eventRecorder{}
	unsubscribe := c.Subscribe(first.listener())
	c.Subscribe(second.listener())

	unsubscribe()
	unsubscribe() // 2回目の呼び出しも安全

	c.SignOut(context.Background())

	if len(first.kinds()) != 0 {
		t.Errorf("unsubscribed listener received %v", first.kinds())
	}
	if len(second.kinds()) != 1 {
		t.Errorf("active listener events = %v, want 1", second.kinds())
	}
}

func TestEmit_DeliversInSubscriptionOrder(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	c := p.NewClient(&memStore{})

	var mu sync.Mutex
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		c.Subscribe(func(Event) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
	}

	c.SignOut(context.Background())

	for i, v := range order {
		if v != i {
			t.Fatalf("delivery order = %v, want ascending", order)
		}
	}
}

func TestSignUp_EmailConfirmationPending_ReturnsNilSession(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/auth/v1/signup" {
			t.Errorf("path = %q, want /auth/v1/signup", r.URL.Path)
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": "user-9", "email": "new@example.com"})
	})

	c := p.NewClient(&memStore{})
	rec := &eventRecorder{}
	c.Subscribe(rec.listener())

	s, err := c.SignUp(context.Background(), "new@example.com", "secret123", model.SessionMetadata{Nombre: "Nuevo"}, "")
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if s != nil {
		t.Errorf("session = %+v, want nil while confirmation is pending", s)
	}
	if len(rec.kinds()) != 0 {
		t.Errorf("no events expected, got %v", rec.kinds())
	}
}

func TestExchangeCode_SendsVerifier(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("grant_type") != "pkce" {
			t.Errorf("grant_type = %q, want pkce", r.URL.Query().Get("grant_type"))
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["auth_code"] != "code-1" || body["code_verifier"] != "verifier-1" {
			t.Errorf("unexpected body: %v", body)
		}
		writeJSON(w, http.StatusOK, tokenPayload("access", "refresh", 3600))
	})

	c := p.NewClient(&memStore{})
	s, err := c.ExchangeCode(context.Background(), "code-1", "verifier-1")
	if err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if s.User.ID != "user-1" {
		t.Errorf("user id = %q, want user-1", s.User.ID)
	}
}

func TestUpdatePassword_NoSession_ReturnsErrNoSession(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("no request expected")
	})
	c := p.NewClient(&memStore{})

	if err := c.UpdatePassword(context.Background(), "new-password"); !errors.Is(err, ErrNoSession) {
		t.Errorf("error = %v, want ErrNoSession", err)
	}
}

func TestOAuthURL_ContainsPKCEParams(t *testing.T) {
	p := NewProvider(Config{BaseURL: "https://auth.example.com"}, nil, nil)

	u := p.OAuthURL("google", "https://app.example.com/auth/callback", "challenge")

	for _, want := range []string{
		"https://auth.example.com/auth/v1/authorize?",
		"provider=google",
		"code_challenge=challenge",
		"code_challenge_method=s256",
		"redirect_to=https%3A%2F%2Fapp.example.com%2Fauth%2Fcallback",
	} {
		if !strings.Contains(u, want) {
			t.Errorf("URL %q should contain %q", u, want)
		}
	}
}

func TestGetCurrentSession_ConcurrentCallers_RefreshOnce(t *testing.T) {
	var refreshes atomic.Int32
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		refreshes.Add(1)
		time.Sleep(50 * time.Millisecond)
		writeJSON(w, http.StatusOK, tokenPayload("access-new", "refresh-new", 3600))
	})

	store := &memStore{session: &model.Session{
		AccessToken:  "access-old",
		RefreshToken: "refresh-old",
		ExpiresAt:    time.Now().Add(-time.Minute),
		User:         model.SessionUser{ID: "user-1"},
	}}
	c := p.NewClient(store)
	rec := &eventRecorder{}
	c.Subscribe(rec.listener())

	const callers = 5
	var wg sync.WaitGroup
	results := make([]*model.Session, callers)
	errs := make([]error, callers)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = c.GetCurrentSession(context.Background())
		}()
	}
	wg.Wait()

	if got := refreshes.Load(); got != 1 {
		t.Errorf("refresh requests = %d, want 1", got)
	}
	for i := range callers {
		if errs[i] != nil {
			t.Errorf("caller %d error = %v", i, errs[i])
			continue
		}
		if results[i] == nil || results[i].AccessToken != "access-new" {
			t.Errorf("caller %d session = %+v, want access-new", i, results[i])
		}
	}
	kinds := rec.kinds()
	if len(kinds) != 1 || kinds[0] != EventTokenRefreshed {
		t.Errorf("events = %v, want [TOKEN_REFRESHED]", kinds)
	}
}
