package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/adminisgo/adminis/internal/model"
)

// PostgresPlanRepo はPostgreSQLを使用したプランリポジトリ。
type PostgresPlanRepo struct {
	db *sql.DB
}

// NewPostgresPlanRepo はPostgresPlanRepoを生成する。
func NewPostgresPlanRepo(db *sql.DB) *PostgresPlanRepo {
	return &PostgresPlanRepo{db: db}
}

// ListActive は有効なプランを価格順に返す。
func (r *PostgresPlanRepo) ListActive(ctx context.Context) ([]*model.Plan, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, nombre, precio, max_usuarios, max_productos, activo
		 FROM planes
		 WHERE activo = true
		 ORDER BY precio ASC, id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*model.Plan
	for rows.Next() {
		p := &model.Plan{}
		if err := rows.Scan(&p.ID, &p.Nombre, &p.Precio, &p.MaxUsuarios, &p.MaxProductos, &p.Activo); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate plans: %w", err)
	}
	return plans, nil
}

// FindByID は指定IDのプランを取得する。見つからない場合はnilを返す。
func (r *PostgresPlanRepo) FindByID(ctx context.Context, id int64) (*model.Plan, error) {
	p := &model.Plan{}
	err := r.db.QueryRowContext(ctx,
		`SELECT id, nombre, precio, max_usuarios, max_productos, activo
		 FROM planes
		 WHERE id = $1`,
		id,
	).Scan(&p.ID, &p.Nombre, &p.Precio, &p.MaxUsuarios, &p.MaxProductos, &p.Activo)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find plan: %w", err)
	}
	return p, nil
}

// compile-time interface check
var _ PlanRepository = (*PostgresPlanRepo)(nil)
