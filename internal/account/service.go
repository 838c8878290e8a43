// Package account は店舗アカウントの登録と削除のドメインロジックを提供する。
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/adminisgo/adminis/internal/model"
	"github.com/adminisgo/adminis/internal/repository"
	"github.com/adminisgo/adminis/internal/security"
)

// deleteConcurrency は認証サービスへのユーザー削除の同時実行数。
const deleteConcurrency = 4

// TenantStore は店舗の作成・参照・削除に使うリポジトリ。
type TenantStore interface {
	FetchCurrentTenantUser(ctx context.Context, subject string) (*model.TenantUser, error)
	CreateTenantAndUser(ctx context.Context, in repository.CreateTenantInput) (*model.Tenant, error)
	ListTenantUsers(ctx context.Context, tenantID string) ([]*model.TenantUser, error)
	DeleteTenant(ctx context.Context, tenantID string) error
}

// PlanFinder はプランの存在確認に使う。
type PlanFinder interface {
	FindByID(ctx context.Context, id int64) (*model.Plan, error)
}

// IdentityDeleter は認証サービスからユーザーを削除する。
type IdentityDeleter interface {
	DeleteUser(ctx context.Context, userID string) error
}

// RegisterRequest は店舗登録のリクエストボディ。
type RegisterRequest struct {
	Nombre      string `json:"nombre" validate:"required,max=120"`
	OwnerNombre string `json:"owner_nombre" validate:"max=120"`
	PlanID      int64  `json:"plan_id" validate:"required,gt=0"`
}

// Service は店舗アカウントのサービス層。
type Service struct {
	tenants   TenantStore
	plans     PlanFinder
	identity  IdentityDeleter
	sanitizer security.TextSanitizerService
	validator *security.Validator
	logger    *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	tenants TenantStore,
	plans PlanFinder,
	identity IdentityDeleter,
	sanitizer security.TextSanitizerService,
	validator *security.Validator,
	logger *slog.Logger,
) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		tenants:   tenants,
		plans:     plans,
		identity:  identity,
		sanitizer: sanitizer,
		validator: validator,
		logger:    logger,
	}
}

// RegisterTenant はセッションの主体をオーナーとして店舗を作成する。
func (s *Service) RegisterTenant(ctx context.Context, caller *model.Session, req RegisterRequest) (*model.Tenant, error) {
	if caller.Subject() == "" {
		return nil, model.NewUnauthorizedError()
	}

	req.Nombre = s.sanitizer.Sanitize(req.Nombre)
	req.OwnerNombre = s.sanitizer.Sanitize(req.OwnerNombre)
	if err := s.validator.Validate(req); err != nil {
		return nil, model.NewValidationError(err.Error())
	}

	plan, err := s.plans.FindByID(ctx, req.PlanID)
	if err != nil {
		return nil, fmt.Errorf("failed to find plan: %w", err)
	}
	if plan == nil || !plan.Activo {
		return nil, model.NewPlanNotFoundError(req.PlanID)
	}

	ownerName := req.OwnerNombre
	if ownerName == "" {
		ownerName = firstNonEmpty(caller.User.Metadata.Nombre, caller.User.Email)
	}

	tenant, err := s.tenants.CreateTenantAndUser(ctx, repository.CreateTenantInput{
		OwnerID:    caller.Subject(),
		OwnerEmail: caller.User.Email,
		OwnerName:  ownerName,
		TenantName: req.Nombre,
		PlanID:     plan.ID,
	})
	switch {
	case errors.Is(err, repository.ErrTenantUserExists):
		return nil, model.NewTenantExistsError()
	case errors.Is(err, repository.ErrPlanNotFound):
		return nil, model.NewPlanNotFoundError(req.PlanID)
	case err != nil:
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}

	s.logger.Info("tenant registered",
		slog.String("comercio_id", tenant.ID),
		slog.String("user_id", caller.Subject()),
		slog.Int64("plan_id", plan.ID),
	)
	return tenant, nil
}

// DeleteTenantAccount は呼び出し元オーナーの店舗を削除する。
// 削除順序: 全usuarioの認証サービス上のユーザー → comercios（+ CASCADE: usuarios, suscripciones）
// 認証サービスの削除に1件でも失敗した場合は店舗を残す。
func (s *Service) DeleteTenantAccount(ctx context.Context, caller *model.Session) error {
	if caller.Subject() == "" {
		return model.NewUnauthorizedError()
	}

	owner, err := s.tenants.FetchCurrentTenantUser(ctx, caller.Subject())
	if err != nil {
		return fmt.Errorf("failed to fetch caller: %w", err)
	}
	if owner == nil {
		return model.NewTenantNotFoundError()
	}
	if !owner.IsOwner() {
		return model.NewForbiddenError()
	}

	users, err := s.tenants.ListTenantUsers(ctx, owner.TenantID)
	if err != nil {
		return fmt.Errorf("failed to list tenant users: %w", err)
	}

	s.logger.Info("deleting tenant account",
		slog.String("comercio_id", owner.TenantID),
		slog.Int("usuarios", len(users)),
	)

	// 1. 認証サービス上のユーザーを削除
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(deleteConcurrency)
	for _, u := range users {
		g.Go(func() error {
			if err := s.identity.DeleteUser(gctx, u.ID); err != nil {
				return fmt.Errorf("failed to delete identity user %s: %w", u.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// 2. 店舗を削除（usuarios, suscripcionesはCASCADE削除）
	if err := s.tenants.DeleteTenant(ctx, owner.TenantID); err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}

	s.logger.Info("tenant account deleted",
		slog.String("comercio_id", owner.TenantID),
	)
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
