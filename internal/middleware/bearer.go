package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/adminisgo/adminis/internal/model"
)

// bearerSessionContextKey はBearerトークンから復元したセッションを格納するキー。
var bearerSessionContextKey = contextKey("bearer_session")

// TokenVerifier はアクセストークンを検証してセッションを復元する。
type TokenVerifier interface {
	Verify(token string) (*model.Session, error)
}

// NewBearerAuthMiddleware はAuthorizationヘッダーのBearerトークンを検証するミドルウェアを返す。
// 検証に成功したセッションとユーザーIDをリクエストコンテキストに注入する。
// 検証に失敗した場合は401を返す。
func NewBearerAuthMiddleware(verifier TokenVerifier) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			sess, err := verifier.Verify(token)
			if err != nil {
				slog.Warn("bearer token rejected",
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
				return
			}

			ctx := context.WithValue(r.Context(), bearerSessionContextKey, sess)
			ctx = context.WithValue(ctx, userIDContextKey, sess.Subject())
			annotateLog(ctx, sess.Subject(), "")
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// BearerSessionFromContext はBearer認証ミドルウェアが注入したセッションを返す。
func BearerSessionFromContext(ctx context.Context) (*model.Session, bool) {
	sess, ok := ctx.Value(bearerSessionContextKey).(*model.Session)
	return sess, ok && sess != nil
}

// ContextWithBearerSession はコンテキストにセッションを注入する。テスト用。
func ContextWithBearerSession(ctx context.Context, sess *model.Session) context.Context {
	ctx = context.WithValue(ctx, bearerSessionContextKey, sess)
	return context.WithValue(ctx, userIDContextKey, sess.Subject())
}

func bearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
