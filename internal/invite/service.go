// Package invite は店舗ユーザーの招待と、招待されたユーザーのusuario同期を提供する。
package invite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/adminisgo/adminis/internal/identity"
	"github.com/adminisgo/adminis/internal/model"
	"github.com/adminisgo/adminis/internal/security"
)

// 招待時に指定できるロール。オーナーは招待できない。
const (
	RoleIDAdmin  int64 = 2
	RoleIDSeller int64 = 3
)

// Inviter は認証サービスへ招待メールを依頼する。
type Inviter interface {
	InviteUserByEmail(ctx context.Context, email string, metadata model.SessionMetadata, redirectTo string) (string, error)
}

// TenantUserStore は招待と同期で使うusuarioの参照・作成。
type TenantUserStore interface {
	FetchCurrentTenantUser(ctx context.Context, subject string) (*model.TenantUser, error)
	InsertTenantUser(ctx context.Context, user *model.TenantUser) (bool, error)
}

// Request は招待リクエストのボディ。
type Request struct {
	Email     string `json:"email" validate:"required,email,max=254"`
	Nombre    string `json:"nombre" validate:"required,max=120"`
	RolID     int64  `json:"rol_id" validate:"required,oneof=2 3"`
	Telefono  string `json:"telefono" validate:"max=40"`
	Direccion string `json:"direccion" validate:"max=200"`
}

// Result は招待の結果。
type Result struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	TenantID string `json:"comercio_id"`
	RolID    int64  `json:"rol_id"`
}

// Service は招待と同期のサービス層。
type Service struct {
	users      TenantUserStore
	inviter    Inviter
	sanitizer  security.TextSanitizerService
	validator  *security.Validator
	redirectTo string
	logger     *slog.Logger
}

// NewService はServiceを生成する。redirectToは招待メールのリンク先。
func NewService(
	users TenantUserStore,
	inviter Inviter,
	sanitizer security.TextSanitizerService,
	validator *security.Validator,
	redirectTo string,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		users:      users,
		inviter:    inviter,
		sanitizer:  sanitizer,
		validator:  validator,
		redirectTo: redirectTo,
		logger:     logger,
	}
}

// InviteUser は呼び出し元オーナーの店舗にユーザーを招待する。
// 招待メタデータには店舗ID・ロール・氏名・連絡先を載せ、初回ログイン時の同期で使う。
func (s *Service) InviteUser(ctx context.Context, caller *model.Session, req Request) (*Result, error) {
	if caller.Subject() == "" {
		return nil, model.NewUnauthorizedError()
	}

	req.Nombre = s.sanitizer.Sanitize(req.Nombre)
	req.Telefono = s.sanitizer.Sanitize(req.Telefono)
	req.Direccion = s.sanitizer.Sanitize(req.Direccion)
	if err := s.validator.Validate(req); err != nil {
		return nil, model.NewValidationError(err.Error())
	}

	owner, err := s.users.FetchCurrentTenantUser(ctx, caller.Subject())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch caller: %w", err)
	}
	if !owner.IsOwner() {
		return nil, model.NewForbiddenError()
	}

	metadata := model.SessionMetadata{
		TenantID:  owner.TenantID,
		RoleID:    req.RolID,
		Nombre:    req.Nombre,
		Telefono:  req.Telefono,
		Direccion: req.Direccion,
	}
	userID, err := s.inviter.InviteUserByEmail(ctx, req.Email, metadata, s.redirectTo)
	if err != nil {
		s.logger.Warn("invite failed",
			slog.String("comercio_id", owner.TenantID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewInviteFailedError(inviteFailureReason(err))
	}

	return &Result{UserID: userID, Email: req.Email, TenantID: owner.TenantID, RolID: req.RolID}, nil
}

// SyncInvitedUser はセッションの招待メタデータからusuarioを作成する。
// 招待でない場合と既に存在する場合は何もしない。
func (s *Service) SyncInvitedUser(ctx context.Context, session *model.Session) error {
	if session == nil || session.Subject() == "" {
		return model.NewUnauthorizedError()
	}
	md := session.User.Metadata
	if !md.IsInvitation() {
		return nil
	}

	roleID := md.RoleID
	if roleID != RoleIDAdmin && roleID != RoleIDSeller {
		roleID = RoleIDSeller
	}
	nombre := s.sanitizer.Sanitize(md.Nombre)
	if nombre == "" {
		nombre = session.User.Email
	}

	user := &model.TenantUser{
		ID:        session.Subject(),
		TenantID:  md.TenantID,
		Email:     session.User.Email,
		Nombre:    nombre,
		Telefono:  s.sanitizer.Sanitize(md.Telefono),
		Direccion: s.sanitizer.Sanitize(md.Direccion),
		Role:      model.Role{ID: roleID},
		Activo:    true,
	}
	inserted, err := s.users.InsertTenantUser(ctx, user)
	if err != nil {
		return fmt.Errorf("failed to sync invited user: %w", err)
	}
	if inserted {
		s.logger.Info("invited user synced",
			slog.String("user_id", user.ID),
			slog.String("comercio_id", user.TenantID),
			slog.Int64("rol_id", roleID),
		)
	}
	return nil
}

// inviteFailureReason は認証サービスのメッセージがあればそれを返す。
func inviteFailureReason(err error) string {
	var apiErr *identity.APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	return "servicio de autenticación no disponible"
}
