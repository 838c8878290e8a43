// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/adminisgo/adminis/internal/gate"
	"github.com/adminisgo/adminis/internal/session"
)

// SessionCookieName はブラウザセッションIDを保持するCookieの名前。
const SessionCookieName = "adminis_session"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

var (
	// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
	userIDContextKey = contextKey("user_id")
	// entryContextKey はブラウザセッションのレジストリエントリを格納するキー。
	entryContextKey = contextKey("session_entry")
)

// ControllerRegistry はブラウザセッションIDからコントローラーを引く。
type ControllerRegistry interface {
	GetOrCreate(id string) *session.Entry
}

// CookieConfig はセッションCookieの設定。
type CookieConfig struct {
	Secure bool
	Domain string
	MaxAge int
}

// NewControllerSessionMiddleware はHTTP Only CookieのブラウザセッションIDから
// セッションコントローラーを取得（なければ生成）し、リクエストコンテキストに注入する。
// Cookieがない場合は新しいIDを払い出す。
// コントローラーが認証済みであればユーザーIDもコンテキストに注入する。
func NewControllerSessionMiddleware(reg ControllerRegistry, cfg CookieConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := ""
			if cookie, err := r.Cookie(SessionCookieName); err == nil {
				if _, err := uuid.Parse(cookie.Value); err == nil {
					id = cookie.Value
				}
			}
			if id == "" {
				id = uuid.NewString()
				SetSessionCookie(w, id, cfg)
			}

			entry := reg.GetOrCreate(id)
			ctx := context.WithValue(r.Context(), entryContextKey, entry)
			userID := ""
			if st := entry.Controller.Snapshot(); st.IsAuthenticated() {
				userID = st.Session.Subject()
				ctx = context.WithValue(ctx, userIDContextKey, userID)
			}
			annotateLog(ctx, userID, id)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SetSessionCookie はブラウザセッションCookieを設定する。
func SetSessionCookie(w http.ResponseWriter, id string, cfg CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   cfg.MaxAge,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// ClearSessionCookie はブラウザセッションCookieを削除する。
func ClearSessionCookie(w http.ResponseWriter, cfg CookieConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   cfg.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   cfg.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// EntryFromContext はリクエストコンテキストからレジストリエントリを取得する。
// コントローラーセッションミドルウェアを通過したリクエストでのみ有効。
func EntryFromContext(ctx context.Context) (*session.Entry, bool) {
	entry, ok := ctx.Value(entryContextKey).(*session.Entry)
	return entry, ok && entry != nil
}

// ContextWithEntry はコンテキストにレジストリエントリを注入する。
func ContextWithEntry(ctx context.Context, entry *session.Entry) context.Context {
	return context.WithValue(ctx, entryContextKey, entry)
}

// GateLocator はゲートがリクエストのコントローラーを引くためのLocator。
func GateLocator(r *http.Request) (gate.StateSource, bool) {
	entry, ok := EntryFromContext(r.Context())
	if !ok {
		return nil, false
	}
	return entry.Controller, true
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// 認証済みのリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}
