// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"github.com/adminisgo/adminis/internal/gate"
	"github.com/adminisgo/adminis/internal/identity"
	"github.com/adminisgo/adminis/internal/middleware"
	"github.com/adminisgo/adminis/internal/model"
	"github.com/adminisgo/adminis/internal/resolver"
	"github.com/adminisgo/adminis/internal/session"
)

const (
	oauthVerifierCookie = "oauth_verifier"
	oauthCookieMaxAge   = 600 // 10分

	callbackPath       = "/auth/callback"
	updatePasswordPath = "/auth/update-password"
)

// AuthClient はブラウザセッションに紐づく認証クライアントの操作。
type AuthClient interface {
	SignIn(ctx context.Context, email, password string) (*model.Session, error)
	SignUp(ctx context.Context, email, password string, metadata model.SessionMetadata, redirectTo string) (*model.Session, error)
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*model.Session, error)
	SignOut(ctx context.Context) error
	UpdatePassword(ctx context.Context, password string) error
}

// SessionController はブラウザセッションの認証状態。
type SessionController interface {
	Snapshot() session.State
	WaitReady(ctx context.Context) error
	Refresh(ctx context.Context)
}

// BrowserSession はリクエストに対応するブラウザセッション。
type BrowserSession struct {
	ID         string
	Auth       AuthClient
	Controller SessionController
}

// SessionLookup はリクエストからブラウザセッションを引く。
type SessionLookup func(r *http.Request) (*BrowserSession, bool)

// EntrySession はコントローラーセッションミドルウェアが注入したエントリを返すSessionLookup。
func EntrySession(r *http.Request) (*BrowserSession, bool) {
	entry, ok := middleware.EntryFromContext(r.Context())
	if !ok || entry.Client == nil || entry.Controller == nil {
		return nil, false
	}
	return &BrowserSession{ID: entry.ID, Auth: entry.Client, Controller: entry.Controller}, true
}

// AuthProvider はブラウザセッションに依存しない認証サービスの操作。
type AuthProvider interface {
	OAuthURL(provider, redirectTo, codeChallenge string) string
	ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error
}

// SessionRemover はログアウトしたブラウザセッションのコントローラーを破棄する。
type SessionRemover interface {
	Remove(id string)
}

// TargetResolver は認証後の遷移先を決める。
type TargetResolver interface {
	Resolve(ctx context.Context, session *model.Session) resolver.Target
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	BaseURL string
	Cookie  middleware.CookieConfig
	// ReadyTimeout はサインイン後にコントローラーの準備完了を待つ上限。0の場合は10秒。
	ReadyTimeout time.Duration
	// OAuthProviders は許可するOAuthプロバイダー名。
	OAuthProviders []string
}

// AuthHandler はブラウザ向け認証フローのHTTPハンドラー。
type AuthHandler struct {
	lookup    SessionLookup
	provider  AuthProvider
	sessions  SessionRemover
	resolver  TargetResolver
	validator RequestValidator
	config    AuthHandlerConfig
	logger    *slog.Logger
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(
	lookup SessionLookup,
	provider AuthProvider,
	sessions SessionRemover,
	resolver TargetResolver,
	validator RequestValidator,
	config AuthHandlerConfig,
	logger *slog.Logger,
) *AuthHandler {
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = 10 * time.Second
	}
	if len(config.OAuthProviders) == 0 {
		config.OAuthProviders = []string{"google"}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		lookup:    lookup,
		provider:  provider,
		sessions:  sessions,
		resolver:  resolver,
		validator: validator,
		config:    config,
		logger:    logger,
	}
}

// credentialsRequest はログイン・サインアップのリクエストボディ。
type credentialsRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,min=6,max=72"`
	Nombre   string `json:"nombre,omitempty" validate:"max=120"`
}

func (c *credentialsRequest) fromForm(v url.Values) {
	c.Email = v.Get("email")
	c.Password = v.Get("password")
	c.Nombre = v.Get("nombre")
}

// emailRequest はパスワード再設定メールのリクエストボディ。
type emailRequest struct {
	Email string `json:"email" validate:"required,email,max=254"`
}

// passwordRequest はパスワード変更のリクエストボディ。
type passwordRequest struct {
	Password string `json:"password" validate:"required,min=6,max=72"`
}

// Login はメールアドレスとパスワードでサインインし、遷移先を返す。
// POST /auth/login
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	bs, ok := h.lookup(r)
	if !ok {
		writeUnauthorized(w)
		return
	}

	var req credentialsRequest
	if !decodeBody(w, r, &req, req.fromForm) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if !validateRequest(w, h.validator, &req) {
		return
	}

	sess, err := bs.Auth.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidCredentials) {
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewInvalidCredentialsError())
			return
		}
		h.logger.Error("sign in failed", slog.String("error", err.Error()))
		handleServiceError(w, r, err)
		return
	}

	h.waitReady(r.Context(), bs)
	respondRedirect(w, r, http.StatusOK, string(h.resolver.Resolve(r.Context(), sess)))
}

// SignUp はアカウントを登録する。
// メール確認が必要な場合はセッションが発行されないため202を返す。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	bs, ok := h.lookup(r)
	if !ok {
		writeUnauthorized(w)
		return
	}

	var req credentialsRequest
	if !decodeBody(w, r, &req, req.fromForm) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if !validateRequest(w, h.validator, &req) {
		return
	}

	metadata := model.SessionMetadata{Nombre: strings.TrimSpace(req.Nombre)}
	sess, err := bs.Auth.SignUp(r.Context(), req.Email, req.Password, metadata, h.absoluteURL(callbackPath))
	if err != nil {
		h.logger.Warn("sign up failed", slog.String("error", err.Error()))
		var apiErr *identity.APIError
		if errors.As(err, &apiErr) && apiErr.Status < http.StatusInternalServerError {
			middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewValidationError(apiErr.Message))
			return
		}
		handleServiceError(w, r, err)
		return
	}

	if sess == nil {
		writeJSON(w, http.StatusAccepted, map[string]bool{"confirmation_required": true})
		return
	}

	h.waitReady(r.Context(), bs)
	respondRedirect(w, r, http.StatusCreated, string(h.resolver.Resolve(r.Context(), sess)))
}

// Logout はセッションを破棄してログイン画面に戻す。
// リモートの失効に失敗してもローカルのセッションとCookieは必ず破棄する。
// POST /auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if bs, ok := h.lookup(r); ok {
		if err := bs.Auth.SignOut(r.Context()); err != nil {
			h.logger.Warn("remote sign out failed", slog.String("error", err.Error()))
		}
		h.sessions.Remove(bs.ID)
	}
	middleware.ClearSessionCookie(w, h.config.Cookie)
	respondRedirect(w, r, http.StatusOK, gate.LoginPath)
}

// ResetPassword はパスワード再設定メールを送信する。
// アカウントの存在を漏らさないため、送信結果にかかわらず202を返す。
// POST /auth/reset-password
func (h *AuthHandler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var req emailRequest
	if !decodeBody(w, r, &req, func(v url.Values) { req.Email = v.Get("email") }) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if !validateRequest(w, h.validator, &req) {
		return
	}

	if err := h.provider.ResetPasswordForEmail(r.Context(), req.Email, h.absoluteURL(updatePasswordPath)); err != nil {
		h.logger.Warn("password reset request failed", slog.String("error", err.Error()))
	}
	w.WriteHeader(http.StatusAccepted)
}

// UpdatePassword は現在のユーザーのパスワードを変更する。
// POST /auth/update-password
func (h *AuthHandler) UpdatePassword(w http.ResponseWriter, r *http.Request) {
	bs, ok := h.lookup(r)
	if !ok {
		writeUnauthorized(w)
		return
	}

	var req passwordRequest
	if !decodeBody(w, r, &req, func(v url.Values) { req.Password = v.Get("password") }) {
		return
	}
	if !validateRequest(w, h.validator, &req) {
		return
	}

	if err := bs.Auth.UpdatePassword(r.Context(), req.Password); err != nil {
		if errors.Is(err, identity.ErrNoSession) {
			writeUnauthorized(w)
			return
		}
		h.logger.Error("password update failed", slog.String("error", err.Error()))
		handleServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// OAuthStart はOAuth（PKCE）フローを開始する。
// GET /auth/oauth/{provider}
func (h *AuthHandler) OAuthStart(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if !h.oauthProviderAllowed(provider) {
		middleware.WriteErrorResponse(w, http.StatusNotFound,
			model.NewValidationError("proveedor no soportado"))
		return
	}

	verifier := oauth2.GenerateVerifier()

	// code_verifierはCookieに保存し、コールバックで照合する
	http.SetCookie(w, &http.Cookie{
		Name:     oauthVerifierCookie,
		Value:    verifier,
		Path:     "/auth",
		MaxAge:   oauthCookieMaxAge,
		HttpOnly: true,
		Secure:   h.config.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})

	target := h.provider.OAuthURL(provider, h.absoluteURL(callbackPath), oauth2.S256ChallengeFromVerifier(verifier))
	gate.WriteRedirect(w, r, target)
}

// Callback はOAuthコールバックで認可コードをセッションに交換し、
// コントローラーの準備完了を待ってから遷移先へリダイレクトする。
// GET /auth/callback?code=xxx
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	bs, ok := h.lookup(r)
	if !ok {
		gate.WriteRedirect(w, r, gate.LoginPath)
		return
	}

	q := r.URL.Query()
	if errParam := q.Get("error"); errParam != "" {
		h.logger.Warn("oauth provider returned error",
			slog.String("error", errParam),
			slog.String("description", q.Get("error_description")),
		)
		h.clearVerifierCookie(w)
		gate.WriteRedirect(w, r, gate.LoginPath)
		return
	}

	code := q.Get("code")
	verifierCookie, err := r.Cookie(oauthVerifierCookie)
	if code == "" || err != nil || verifierCookie.Value == "" {
		h.logger.Warn("oauth callback without code or verifier")
		h.clearVerifierCookie(w)
		gate.WriteRedirect(w, r, gate.LoginPath)
		return
	}
	h.clearVerifierCookie(w)

	sess, err := bs.Auth.ExchangeCode(r.Context(), code, verifierCookie.Value)
	if err != nil {
		h.logger.Error("oauth code exchange failed", slog.String("error", err.Error()))
		gate.WriteRedirect(w, r, gate.LoginPath)
		return
	}

	h.waitReady(r.Context(), bs)
	gate.WriteRedirect(w, r, string(h.resolver.Resolve(r.Context(), sess)))
}

// Landing は認証済みユーザーを遷移先へ振り分ける。Authenticatedゲートの内側に置く。
// GET /
func (h *AuthHandler) Landing(w http.ResponseWriter, r *http.Request) {
	bs, ok := h.lookup(r)
	if !ok {
		gate.WriteRedirect(w, r, gate.LoginPath)
		return
	}
	st := bs.Controller.Snapshot()
	gate.WriteRedirect(w, r, string(h.resolver.Resolve(r.Context(), st.Session)))
}

// Me は現在のブラウザセッションの状態を返す。
// GET /auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	bs, ok := h.lookup(r)
	if !ok {
		writeJSON(w, http.StatusOK, meResponse{})
		return
	}
	writeJSON(w, http.StatusOK, toMeResponse(bs.Controller.Snapshot()))
}

// waitReady はコントローラーがサインインの結果を反映し終えるまで待つ。
// 上限に達してもエラーにはせず、その時点の状態で続行する。
func (h *AuthHandler) waitReady(ctx context.Context, bs *BrowserSession) {
	ctx, cancel := context.WithTimeout(ctx, h.config.ReadyTimeout)
	defer cancel()
	if err := bs.Controller.WaitReady(ctx); err != nil {
		h.logger.Warn("session controller not ready", slog.String("error", err.Error()))
	}
}

func (h *AuthHandler) oauthProviderAllowed(provider string) bool {
	for _, p := range h.config.OAuthProviders {
		if p == provider {
			return true
		}
	}
	return false
}

func (h *AuthHandler) clearVerifierCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthVerifierCookie,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.config.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *AuthHandler) absoluteURL(path string) string {
	return strings.TrimRight(h.config.BaseURL, "/") + path
}

// meResponse はGET /auth/meのレスポンス。
type meResponse struct {
	Loading         bool               `json:"loading"`
	IsAuthenticated bool               `json:"is_authenticated"`
	IsAdmin         bool               `json:"is_admin"`
	User            *model.SessionUser `json:"user"`
	Usuario         *usuarioResponse   `json:"usuario"`
}

func toMeResponse(st session.State) meResponse {
	resp := meResponse{
		Loading:         st.Loading,
		IsAuthenticated: st.IsAuthenticated(),
		User:            st.User(),
	}
	// loading中のロールは信頼できない
	if !st.Loading {
		resp.IsAdmin = st.IsAdmin()
	}
	if st.Usuario != nil {
		u := toUsuarioResponse(st.Usuario)
		resp.Usuario = &u
	}
	return resp
}
