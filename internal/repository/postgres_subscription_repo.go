package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/adminisgo/adminis/internal/model"
)

// PostgresSubscriptionRepo はPostgreSQLを使用した契約リポジトリ。
type PostgresSubscriptionRepo struct {
	db *sql.DB
}

// NewPostgresSubscriptionRepo はPostgresSubscriptionRepoを生成する。
func NewPostgresSubscriptionRepo(db *sql.DB) *PostgresSubscriptionRepo {
	return &PostgresSubscriptionRepo{db: db}
}

// Upsert はcomercio_idをキーに契約を作成または更新する。
// 既存の行が同じpayment_idの場合は更新せずfalseを返す。
func (r *PostgresSubscriptionRepo) Upsert(ctx context.Context, sub *model.Subscription) (bool, error) {
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = time.Now()
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO suscripciones (comercio_id, plan_id, estado, payment_id, starts_at, ends_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (comercio_id) DO UPDATE SET
		   plan_id = EXCLUDED.plan_id,
		   estado = EXCLUDED.estado,
		   payment_id = EXCLUDED.payment_id,
		   starts_at = EXCLUDED.starts_at,
		   ends_at = EXCLUDED.ends_at,
		   updated_at = EXCLUDED.updated_at
		 WHERE suscripciones.payment_id IS DISTINCT FROM EXCLUDED.payment_id`,
		sub.TenantID, sub.PlanID, string(sub.Status), sub.PaymentID, sub.StartsAt, sub.EndsAt, sub.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n > 0, nil
}

// FindByTenantID は店舗の契約を取得する。見つからない場合はnilを返す。
func (r *PostgresSubscriptionRepo) FindByTenantID(ctx context.Context, tenantID string) (*model.Subscription, error) {
	sub := &model.Subscription{}
	var status string
	err := r.db.QueryRowContext(ctx,
		`SELECT comercio_id, plan_id, estado, payment_id, starts_at, ends_at, updated_at
		 FROM suscripciones
		 WHERE comercio_id = $1`,
		tenantID,
	).Scan(&sub.TenantID, &sub.PlanID, &status, &sub.PaymentID, &sub.StartsAt, &sub.EndsAt, &sub.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find subscription: %w", err)
	}
	sub.Status = model.SubscriptionStatus(status)
	return sub, nil
}

// ExpireLapsed はends_atを過ぎた有効な契約を期限切れにし、件数を返す。
func (r *PostgresSubscriptionRepo) ExpireLapsed(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE suscripciones
		 SET estado = $1, updated_at = $2
		 WHERE estado = $3 AND ends_at <= $2`,
		string(model.SubscriptionExpired), now, string(model.SubscriptionActive),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to expire subscriptions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ SubscriptionRepository = (*PostgresSubscriptionRepo)(nil)
