// Package identity は認証サービス（セッション発行元）とのやり取りを提供する。
// ブラウザセッションごとにClientを1つ生成し、トークンはTokenStoreに保存する。
package identity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/singleflight"

	"github.com/adminisgo/adminis/internal/model"
)

// 認証サービスのエラー
var (
	ErrInvalidCredentials = errors.New("invalid login credentials")
	ErrNoSession          = errors.New("no active session")
	ErrRefreshFailed      = errors.New("session refresh failed")
)

// ExpirySkew はアクセストークンを期限切れとみなす猶予。
// 有効期限のこの時間前からGetCurrentSessionはリフレッシュを行う。
const ExpirySkew = 30 * time.Second

// TokenStore はブラウザセッション単位のトークン保存領域。
type TokenStore interface {
	// Load は保存済みのセッションを返す。未保存の場合はnilを返す。
	Load(ctx context.Context) (*model.Session, error)
	// Save はセッションを保存する。
	Save(ctx context.Context, session *model.Session) error
	// Clear は保存済みのセッションを削除する。
	Clear(ctx context.Context) error
}

// Config は認証サービス接続の設定。
type Config struct {
	BaseURL string
	AnonKey string
	Timeout time.Duration
}

// Provider は認証サービスへのHTTPクライアントを共有し、
// ブラウザセッションごとのClientを生成する。
type Provider struct {
	http     *resty.Client
	verifier *TokenVerifier
	baseURL  string
	logger   *slog.Logger
	now      func() time.Time
}

// NewProvider はProviderを生成する。
func NewProvider(cfg Config, verifier *TokenVerifier, logger *slog.Logger) *Provider {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("apikey", cfg.AnonKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Provider{
		http:     httpClient,
		verifier: verifier,
		baseURL:  cfg.BaseURL,
		logger:   logger,
		now:      time.Now,
	}
}

// NewClient はTokenStoreに紐づくClientを生成する。
func (p *Provider) NewClient(store TokenStore) *Client {
	return &Client{
		provider:  p,
		store:     store,
		listeners: make(map[int]Listener),
	}
}

// OAuthURL はOAuthプロバイダーの認可URLを生成する（PKCE）。
func (p *Provider) OAuthURL(provider, redirectTo, codeChallenge string) string {
	params := url.Values{
		"provider":              {provider},
		"redirect_to":           {redirectTo},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {"s256"},
	}
	return p.baseURL + "/auth/v1/authorize?" + params.Encode()
}

// ResetPasswordForEmail はパスワード再設定メールを送信する。
// セッション状態には影響しない。
func (p *Provider) ResetPasswordForEmail(ctx context.Context, email, redirectTo string) error {
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParam("redirect_to", redirectTo).
		SetBody(map[string]string{"email": email}).
		SetError(&apiErrorBody{}).
		Post("/auth/v1/recover")
	if err != nil {
		return fmt.Errorf("recover request failed: %w", err)
	}
	if resp.IsError() {
		return newAPIError(resp)
	}
	return nil
}

// tokenResponse は /auth/v1/token と /auth/v1/signup のレスポンス。
type tokenResponse struct {
	AccessToken  string       `json:"access_token"`
	TokenType    string       `json:"token_type"`
	ExpiresIn    int64        `json:"expires_in"`
	ExpiresAt    int64        `json:"expires_at"`
	RefreshToken string       `json:"refresh_token"`
	User         *userPayload `json:"user"`

	// メール確認待ちのサインアップではuserの項目がトップレベルに返る
	ID    string `json:"id"`
	Email string `json:"email"`
}

type userPayload struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}

// toSession はトークンレスポンスをSessionに変換する。
// アクセストークンが無い場合はnilを返す。
func (p *Provider) toSession(tr *tokenResponse) *model.Session {
	if tr == nil || tr.AccessToken == "" {
		return nil
	}
	s := &model.Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		TokenType:    tr.TokenType,
	}
	switch {
	case tr.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(tr.ExpiresAt, 0)
	case tr.ExpiresIn > 0:
		s.ExpiresAt = p.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if tr.User != nil {
		s.User = model.SessionUser{
			ID:       tr.User.ID,
			Email:    tr.User.Email,
			Metadata: metadataFromMap(tr.User.UserMetadata),
		}
	} else if p.verifier != nil {
		if verified, err := p.verifier.Verify(tr.AccessToken); err == nil {
			s.User = verified.User
		}
	}
	return s
}

// Client はブラウザセッション1つ分の認証ハンドル。
// セッション変更イベントは受信順に1つずつ配信する。
type Client struct {
	provider *Provider
	store    TokenStore

	mu        sync.Mutex
	session   *model.Session
	loaded    bool
	listeners map[int]Listener
	nextID    int

	deliverMu    sync.Mutex
	refreshGroup singleflight.Group
}

// Subscribe はセッション変更イベントの購読を登録する。
func (c *Client) Subscribe(fn Listener) Unsubscribe {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.listeners, id)
			c.mu.Unlock()
		})
	}
}

// GetCurrentSession は現在のセッションを返す。セッションが無い場合はnilを返す。
// アクセストークンが期限切れ間近の場合はリフレッシュし、TOKEN_REFRESHEDを通知する。
// リフレッシュに失敗した場合はセッションを破棄し、SIGNED_OUTを通知する。
// 同時に呼ばれた場合もリフレッシュは1回だけ行う。
func (c *Client) GetCurrentSession(ctx context.Context) (*model.Session, error) {
	session, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil || !c.expired(session) {
		return session, nil
	}

	v, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		return c.refreshCurrent(ctx)
	})
	if err != nil {
		return nil, err
	}
	refreshed, _ := v.(*model.Session)
	return refreshed, nil
}

func (c *Client) expired(session *model.Session) bool {
	return session.Expired(c.provider.now().Add(ExpirySkew))
}

// refreshCurrent は保持中のセッションを読み直し、まだ期限切れ間近ならリフレッシュする。
// 直前の呼び出しで更新済みの場合はそのセッションを返す。
func (c *Client) refreshCurrent(ctx context.Context) (*model.Session, error) {
	session, err := c.current(ctx)
	if err != nil {
		return nil, err
	}
	if session == nil || !c.expired(session) {
		return session, nil
	}
	if session.RefreshToken == "" {
		c.dropSession(ctx)
		c.emit(Event{Kind: EventSignedOut})
		return nil, nil
	}

	refreshed, err := c.refresh(ctx, session.RefreshToken)
	if err != nil {
		c.provider.logger.Warn("session refresh failed",
			slog.String("user_id", session.User.ID),
			slog.String("error", err.Error()),
		)
		c.dropSession(ctx)
		c.emit(Event{Kind: EventSignedOut})
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	c.setSession(ctx, refreshed)
	c.emit(Event{Kind: EventTokenRefreshed, Session: refreshed})
	return refreshed, nil
}

// SignIn はメールアドレスとパスワードでサインインする。
func (c *Client) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	var tr tokenResponse
	resp, err := c.provider.http.R().
		SetContext(ctx).
		SetQueryParam("grant_type", "password").
		SetBody(map[string]string{"email": email, "password": password}).
		SetResult(&tr).
		SetError(&apiErrorBody{}).
		Post("/auth/v1/token")
	if err != nil {
		return nil, fmt.Errorf("sign in request failed: %w", err)
	}
	if resp.IsError() {
		if resp.StatusCode() == http.StatusBadRequest {
			return nil, ErrInvalidCredentials
		}
		return nil, newAPIError(resp)
	}

	session := c.provider.toSession(&tr)
	if session == nil {
		return nil, fmt.Errorf("sign in response without session")
	}

	c.setSession(ctx, session)
	c.emit(Event{Kind: EventSignedIn, Session: session})
	return session, nil
}

// SignUp はアカウントを登録する。
// メール確認が必要な設定ではセッションは発行されず、nilを返す。
func (c *Client) SignUp(ctx context.Context, email, password string, metadata model.SessionMetadata, redirectTo string) (*model.Session, error) {
	var tr tokenResponse
	req := c.provider.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"email":    email,
			"password": password,
			"data":     metadataToMap(metadata),
		}).
		SetResult(&tr).
		SetError(&apiErrorBody{})
	if redirectTo != "" {
		req.SetQueryParam("redirect_to", redirectTo)
	}

	resp, err := req.Post("/auth/v1/signup")
	if err != nil {
		return nil, fmt.Errorf("sign up request failed: %w", err)
	}
	if resp.IsError() {
		return nil, newAPIError(resp)
	}

	session := c.provider.toSession(&tr)
	if session == nil {
		return nil, nil
	}

	c.setSession(ctx, session)
	c.emit(Event{Kind: EventSignedIn, Session: session})
	return session, nil
}

// ExchangeCode はOAuthコールバックの認可コードをセッションに交換する。
func (c *Client) ExchangeCode(ctx context.Context, code, codeVerifier string) (*model.Session, error) {
	var tr tokenResponse
	resp, err := c.provider.http.R().
		SetContext(ctx).
		SetQueryParam("grant_type", "pkce").
		SetBody(map[string]string{"auth_code": code, "code_verifier": codeVerifier}).
		SetResult(&tr).
		SetError(&apiErrorBody{}).
		Post("/auth/v1/token")
	if err != nil {
		return nil, fmt.Errorf("code exchange request failed: %w", err)
	}
	if resp.IsError() {
		return nil, newAPIError(resp)
	}

	session := c.provider.toSession(&tr)
	if session == nil {
		return nil, fmt.Errorf("code exchange response without session")
	}

	c.setSession(ctx, session)
	c.emit(Event{Kind: EventSignedIn, Session: session})
	return session, nil
}

// SignOut はセッションを破棄する。
// リモートの失効に失敗してもローカルのセッションは必ず破棄し、SIGNED_OUTを通知する。
func (c *Client) SignOut(ctx context.Context) error {
	session, _ := c.current(ctx)

	var remoteErr error
	if session != nil && session.AccessToken != "" {
		resp, err := c.provider.http.R().
			SetContext(ctx).
			SetAuthToken(session.AccessToken).
			SetError(&apiErrorBody{}).
			Post("/auth/v1/logout")
		switch {
		case err != nil:
			remoteErr = fmt.Errorf("sign out request failed: %w", err)
		case resp.IsError() && resp.StatusCode() != http.StatusUnauthorized && resp.StatusCode() != http.StatusNotFound:
			remoteErr = newAPIError(resp)
		}
	}

	c.dropSession(ctx)
	c.emit(Event{Kind: EventSignedOut})
	return remoteErr
}

// UpdatePassword は現在のユーザーのパスワードを変更する。
func (c *Client) UpdatePassword(ctx context.Context, password string) error {
	session, err := c.GetCurrentSession(ctx)
	if err != nil {
		return err
	}
	if session == nil {
		return ErrNoSession
	}

	resp, err := c.provider.http.R().
		SetContext(ctx).
		SetAuthToken(session.AccessToken).
		SetBody(map[string]string{"password": password}).
		SetError(&apiErrorBody{}).
		Put("/auth/v1/user")
	if err != nil {
		return fmt.Errorf("update user request failed: %w", err)
	}
	if resp.IsError() {
		return newAPIError(resp)
	}

	c.emit(Event{Kind: EventUserUpdated, Session: session})
	return nil
}

// refresh はリフレッシュトークンで新しいセッションを取得する。
func (c *Client) refresh(ctx context.Context, refreshToken string) (*model.Session, error) {
	var tr tokenResponse
	resp, err := c.provider.http.R().
		SetContext(ctx).
		SetQueryParam("grant_type", "refresh_token").
		SetBody(map[string]string{"refresh_token": refreshToken}).
		SetResult(&tr).
		SetError(&apiErrorBody{}).
		Post("/auth/v1/token")
	if err != nil {
		return nil, fmt.Errorf("refresh request failed: %w", err)
	}
	if resp.IsError() {
		return nil, newAPIError(resp)
	}
	session := c.provider.toSession(&tr)
	if session == nil {
		return nil, fmt.Errorf("refresh response without session")
	}
	return session, nil
}

// current はメモリ上のセッションを返す。初回のみTokenStoreから復元する。
func (c *Client) current(ctx context.Context) (*model.Session, error) {
	c.mu.Lock()
	if c.loaded {
		s := c.session
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	var restored *model.Session
	if c.store != nil {
		s, err := c.store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load stored session: %w", err)
		}
		restored = s
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		c.session = restored
		c.loaded = true
	}
	return c.session, nil
}

func (c *Client) setSession(ctx context.Context, s *model.Session) {
	c.mu.Lock()
	c.session = s
	c.loaded = true
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Save(ctx, s); err != nil {
			c.provider.logger.Error("failed to persist session",
				slog.String("user_id", s.User.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (c *Client) dropSession(ctx context.Context) {
	c.mu.Lock()
	c.session = nil
	c.loaded = true
	c.mu.Unlock()

	if c.store != nil {
		if err := c.store.Clear(ctx); err != nil {
			c.provider.logger.Error("failed to clear stored session",
				slog.String("error", err.Error()),
			)
		}
	}
}

// emit は購読者にイベントを配信する。
// 配信はdeliverMuで直列化し、受信順序を保つ。
func (c *Client) emit(ev Event) {
	c.deliverMu.Lock()
	defer c.deliverMu.Unlock()

	c.mu.Lock()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	listeners := make([]Listener, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		listeners = append(listeners, c.listeners[id])
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn(ev)
	}
}

// apiErrorBody は認証サービスのエラーレスポンス。
type apiErrorBody struct {
	Code             any    `json:"code"`
	ErrorCode        string `json:"error_code"`
	Msg              string `json:"msg"`
	Message          string `json:"message"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// APIError は認証サービスが返したエラー。
type APIError struct {
	Status  int
	Code    string
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("identity api error (status %d, code %s): %s", e.Status, e.Code, e.Message)
}

func newAPIError(resp *resty.Response) *APIError {
	apiErr := &APIError{Status: resp.StatusCode()}
	body, _ := resp.Error().(*apiErrorBody)
	if body != nil {
		apiErr.Code = firstNonEmpty(body.ErrorCode, body.Error, stringValue(body.Code))
		apiErr.Message = firstNonEmpty(body.Msg, body.Message, body.ErrorDescription)
	}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode())
	}
	return apiErr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
