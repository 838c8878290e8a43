package model

import "time"

// RoleName はロールの名称。閉じた集合として扱う。
type RoleName string

const (
	// RoleOwner は店舗のオーナー。管理者ゲートを通過できる唯一のロール。
	RoleOwner RoleName = "owner"
	// RoleAdmin は店舗の管理担当者。
	RoleAdmin RoleName = "admin"
	// RoleSeller は販売担当者。
	RoleSeller RoleName = "vendedor"
)

// Role はTenantUserのアクセスレベル。
type Role struct {
	ID   int64
	Name RoleName
}

// Tenant は店舗（comercio）を表す。
// 現在のユーザーに対してTenantが存在することが登録完了のシグナルになる。
type Tenant struct {
	ID        string
	Nombre    string
	PlanID    int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TenantUser はセッションの主体を店舗とロールに結び付ける行（usuarios）。
// IDはセッションのsubと一致し、主体ごとに最大1行。
type TenantUser struct {
	ID        string
	TenantID  string
	Email     string
	Nombre    string
	Telefono  string
	Direccion string
	Role      Role
	Activo    bool
	CreatedAt time.Time
}

// IsOwner はオーナーロールかどうかを返す。nilセーフ。
func (u *TenantUser) IsOwner() bool {
	return u != nil && u.Role.Name == RoleOwner
}

// Plan は契約プランを表す。
type Plan struct {
	ID           int64
	Nombre       string
	Precio       float64
	MaxUsuarios  int
	MaxProductos int
	Activo       bool
}

// SubscriptionStatus は契約の状態。
type SubscriptionStatus string

const (
	// SubscriptionActive は有効な契約。
	SubscriptionActive SubscriptionStatus = "activa"
	// SubscriptionExpired は期限切れの契約。
	SubscriptionExpired SubscriptionStatus = "vencida"
)

// Subscription は店舗ごとの契約（suscripciones）。comercio_idで一意。
type Subscription struct {
	TenantID  string
	PlanID    int64
	Status    SubscriptionStatus
	PaymentID string
	StartsAt  time.Time
	EndsAt    time.Time
	UpdatedAt time.Time
}
