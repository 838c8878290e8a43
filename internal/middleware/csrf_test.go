package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// csrfProtected はCSRFミドルウェアで包んだハンドラーと、呼ばれたかどうかを返す。
func csrfProtected(config CSRFConfig) (http.Handler, *bool) {
	called := new(bool)
	h := NewCSRFMiddleware(config)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		w.WriteHeader(http.StatusOK)
	}))
	return h, called
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestCSRFMiddleware_BrowserReads_PassAndIssueToken(t *testing.T) {
	tests := []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/auth/me"},
		{http.MethodGet, "/dashboard"},
		{http.MethodHead, "/auth/select-plan"},
		{http.MethodOptions, "/auth/login"},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			h, called := csrfProtected(CSRFConfig{CookieSecure: true, CookieDomain: "adminis.example.com"})

			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))

			if !*called {
				t.Fatal("read request should reach the handler without a token")
			}
			c := findCookie(w.Result(), csrfCookieName)
			if c == nil || len(c.Value) != 64 {
				t.Fatalf("csrf cookie = %+v, want a 32-byte hex token", c)
			}
			if c.HttpOnly {
				t.Error("csrf cookie must be readable by the frontend")
			}
			if !c.Secure || c.Domain != "adminis.example.com" || c.Path != "/" {
				t.Errorf("cookie attributes = secure:%v domain:%q path:%q", c.Secure, c.Domain, c.Path)
			}
		})
	}
}

func TestCSRFMiddleware_ExistingToken_NotReissued(t *testing.T) {
	h, _ := csrfProtected(CSRFConfig{})

	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing"})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if c := findCookie(w.Result(), csrfCookieName); c != nil {
		t.Errorf("token should not be replaced, got %q", c.Value)
	}
}

func TestCSRFMiddleware_StateChangingRoutes(t *testing.T) {
	routes := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/auth/login"},
		{http.MethodPost, "/auth/signup"},
		{http.MethodPost, "/auth/logout"},
		{http.MethodPost, "/auth/register-tenant"},
		{http.MethodPost, "/auth/update-password"},
		{http.MethodPut, "/auth/update-password"},
		{http.MethodPatch, "/dashboard"},
		{http.MethodDelete, "/admin/users"},
	}
	cases := []struct {
		name       string
		cookie     string
		header     string
		wantPassed bool
	}{
		{"no cookie", "", "tok", false},
		{"no header", "tok", "", false},
		{"mismatch", "tok", "other", false},
		{"matching", "tok", "tok", true},
	}

	for _, rt := range routes {
		for _, tc := range cases {
			t.Run(rt.method+" "+rt.path+"/"+tc.name, func(t *testing.T) {
				h, called := csrfProtected(CSRFConfig{})

				req := httptest.NewRequest(rt.method, rt.path, nil)
				if tc.cookie != "" {
					req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tc.cookie})
				}
				if tc.header != "" {
					req.Header.Set(CSRFHeaderName, tc.header)
				}
				w := httptest.NewRecorder()
				h.ServeHTTP(w, req)

				if *called != tc.wantPassed {
					t.Fatalf("handler called = %v, want %v", *called, tc.wantPassed)
				}
				if tc.wantPassed {
					return
				}
				if w.Code != http.StatusForbidden {
					t.Errorf("status = %d, want %d", w.Code, http.StatusForbidden)
				}
				var body ErrorResponseBody
				if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
					t.Fatalf("failed to decode response: %v", err)
				}
				if body.Code != "CSRF_VALIDATION_FAILED" || body.Action == "" {
					t.Errorf("body = %+v, want CSRF_VALIDATION_FAILED with an action", body)
				}
			})
		}
	}
}

func TestCSRFFailure_Reasons(t *testing.T) {
	tests := []struct {
		name   string
		cookie string
		header string
		want   string
	}{
		{"missing cookie", "", "tok", "missing cookie token"},
		{"missing header", "tok", "", "missing header token"},
		{"mismatch", "tok", "TOK", "token mismatch"},
		{"ok", "tok", "tok", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: tt.cookie})
			}
			if tt.header != "" {
				req.Header.Set(CSRFHeaderName, tt.header)
			}
			if got := csrfFailure(req); got != tt.want {
				t.Errorf("csrfFailure() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCSRFTokenHandler(t *testing.T) {
	decodeToken := func(t *testing.T, w *httptest.ResponseRecorder) string {
		t.Helper()
		var body struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}
		return body.Token
	}

	t.Run("issues token matching cookie", func(t *testing.T) {
		w := httptest.NewRecorder()
		NewCSRFTokenHandler(CSRFConfig{}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil))

		token := decodeToken(t, w)
		c := findCookie(w.Result(), csrfCookieName)
		if c == nil || token == "" || c.Value != token {
			t.Errorf("token = %q, cookie = %+v, want equal values", token, c)
		}
		if w.Header().Get("Cache-Control") != "no-store" {
			t.Errorf("Cache-Control = %q, want no-store", w.Header().Get("Cache-Control"))
		}
	})

	t.Run("returns existing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/csrf-token", nil)
		req.AddCookie(&http.Cookie{Name: csrfCookieName, Value: "existing"})
		w := httptest.NewRecorder()
		NewCSRFTokenHandler(CSRFConfig{}).ServeHTTP(w, req)

		if got := decodeToken(t, w); got != "existing" {
			t.Errorf("token = %q, want existing", got)
		}
		if c := findCookie(w.Result(), csrfCookieName); c != nil {
			t.Error("existing token should not be reissued")
		}
	})
}
