// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/adminisgo/adminis/internal/model"
)

// リポジトリのエラー
var (
	// ErrTenantUserExists は主体が既にいずれかの店舗に所属している場合のエラー。
	ErrTenantUserExists = errors.New("tenant user already exists")
	// ErrPlanNotFound は指定プランが存在しない場合のエラー。
	ErrPlanNotFound = errors.New("plan not found")
)

// CreateTenantInput は店舗とオーナーの同時作成に使う入力。
type CreateTenantInput struct {
	OwnerID    string // セッションのsub
	OwnerEmail string
	OwnerName  string
	TenantName string
	PlanID     int64
}

// TenantRepository は店舗（comercios）と店舗ユーザー（usuarios）の永続化インターフェース。
// 呼び出し元のセッションの主体（sub）をキーにする。
type TenantRepository interface {
	// FetchCurrentTenantUser は主体に対応するusuarioをロール付きで取得する。
	// 見つからない場合はnilを返す。
	FetchCurrentTenantUser(ctx context.Context, subject string) (*model.TenantUser, error)

	// FetchCurrentTenant は主体が所属する店舗を取得する。
	// 見つからない場合はコードPGRST116のRepositoryErrorを返す。
	FetchCurrentTenant(ctx context.Context, subject string) (*model.Tenant, error)

	// CreateTenantAndUser は店舗とオーナーのusuarioを同一トランザクションで作成する。
	CreateTenantAndUser(ctx context.Context, in CreateTenantInput) (*model.Tenant, error)

	// InsertTenantUser はusuarioを作成する。既に存在する場合は何もせずfalseを返す。
	InsertTenantUser(ctx context.Context, user *model.TenantUser) (bool, error)

	// ListTenantUsers は店舗に所属するusuarioを作成順に返す。
	ListTenantUsers(ctx context.Context, tenantID string) ([]*model.TenantUser, error)

	// DeleteTenant は店舗を削除する。usuarios、suscripcionesはCASCADE削除される。
	DeleteTenant(ctx context.Context, tenantID string) error
}

// PlanRepository は契約プランの参照インターフェース。
type PlanRepository interface {
	// ListActive は有効なプランを価格順に返す。
	ListActive(ctx context.Context) ([]*model.Plan, error)
	// FindByID は指定IDのプランを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id int64) (*model.Plan, error)
}

// SubscriptionRepository は店舗の契約（suscripciones）の永続化インターフェース。
type SubscriptionRepository interface {
	// Upsert はcomercio_idをキーに契約を作成または更新する。
	// 同じpayment_idが反映済みの場合は更新せずfalseを返す。
	Upsert(ctx context.Context, sub *model.Subscription) (bool, error)
	// FindByTenantID は店舗の契約を取得する。見つからない場合はnilを返す。
	FindByTenantID(ctx context.Context, tenantID string) (*model.Subscription, error)
	// ExpireLapsed はends_atを過ぎた有効な契約を期限切れにし、件数を返す。
	ExpireLapsed(ctx context.Context, now time.Time) (int64, error)
}

// AuthSessionRepository はブラウザセッションごとのトークン保存領域の永続化インターフェース。
type AuthSessionRepository interface {
	// FindByID は指定IDの行を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.AuthSession, error)
	// Upsert は行を作成または更新する。
	Upsert(ctx context.Context, s *model.AuthSession) error
	// DeleteByID は指定IDの行を削除する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteIdleBefore はupdated_atがbefore以前の行を削除し、件数を返す。
	DeleteIdleBefore(ctx context.Context, before time.Time) (int64, error)
}
