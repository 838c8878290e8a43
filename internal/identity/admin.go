package identity

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/adminisgo/adminis/internal/model"
)

// AdminConfig は管理API（サービスキー）接続の設定。
type AdminConfig struct {
	BaseURL    string
	ServiceKey string
	Timeout    time.Duration
}

// Admin はサービスキーで認証サービスの管理APIを呼び出す。
// 招待メール送信とユーザー削除に使う。
type Admin struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewAdmin はAdminを生成する。
func NewAdmin(cfg AdminConfig, logger *slog.Logger) *Admin {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("apikey", cfg.ServiceKey).
		SetAuthToken(cfg.ServiceKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Admin{http: httpClient, logger: logger}
}

// InviteUserByEmail は招待メールを送信する。
// metadataはユーザーのuser_metadataとして保存され、
// 招待されたユーザーの初回ログイン時にsyncで使われる。
func (a *Admin) InviteUserByEmail(ctx context.Context, email string, metadata model.SessionMetadata, redirectTo string) (string, error) {
	var created userPayload
	req := a.http.R().
		SetContext(ctx).
		SetBody(map[string]any{
			"email": email,
			"data":  metadataToMap(metadata),
		}).
		SetResult(&created).
		SetError(&apiErrorBody{})
	if redirectTo != "" {
		req.SetQueryParam("redirect_to", redirectTo)
	}

	resp, err := req.Post("/auth/v1/invite")
	if err != nil {
		return "", fmt.Errorf("invite request failed: %w", err)
	}
	if resp.IsError() {
		return "", newAPIError(resp)
	}

	a.logger.Info("invitation sent",
		slog.String("invited_user_id", created.ID),
		slog.String("comercio_id", metadata.TenantID),
	)
	return created.ID, nil
}

// DeleteUser は認証サービスからユーザーを削除する。
// 既に存在しない場合は成功として扱う。
func (a *Admin) DeleteUser(ctx context.Context, userID string) error {
	resp, err := a.http.R().
		SetContext(ctx).
		SetPathParam("id", userID).
		SetError(&apiErrorBody{}).
		Delete("/auth/v1/admin/users/{id}")
	if err != nil {
		return fmt.Errorf("delete user request failed: %w", err)
	}
	if resp.IsError() {
		if resp.StatusCode() == http.StatusNotFound {
			return nil
		}
		return newAPIError(resp)
	}
	return nil
}
