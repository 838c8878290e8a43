package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/adminisgo/adminis/internal/model"
)

// PostgreSQLのエラーコード
const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"
)

const tenantUserColumns = `u.id, u.comercio_id, u.email, u.nombre, u.telefono, u.direccion,
		        u.rol_id, r.nombre, u.activo, u.created_at`

// PostgresTenantRepo はPostgreSQLを使用した店舗リポジトリ。
type PostgresTenantRepo struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresTenantRepo はPostgresTenantRepoを生成する。
func NewPostgresTenantRepo(db *sql.DB) *PostgresTenantRepo {
	return &PostgresTenantRepo{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenantUser(row rowScanner) (*model.TenantUser, error) {
	u := &model.TenantUser{}
	var roleName string
	err := row.Scan(
		&u.ID, &u.TenantID, &u.Email, &u.Nombre, &u.Telefono, &u.Direccion,
		&u.Role.ID, &roleName, &u.Activo, &u.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	u.Role.Name = model.RoleName(roleName)
	return u, nil
}

// FetchCurrentTenantUser は主体に対応するusuarioをロール付きで取得する。
// 見つからない場合はnilを返す。
func (r *PostgresTenantRepo) FetchCurrentTenantUser(ctx context.Context, subject string) (*model.TenantUser, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+tenantUserColumns+`
		 FROM usuarios u
		 JOIN roles r ON r.id = u.rol_id
		 WHERE u.id = $1`,
		subject,
	)
	u, err := scanTenantUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tenant user: %w", err)
	}
	return u, nil
}

// FetchCurrentTenant は主体が所属する店舗を取得する。
// 見つからない場合はコードPGRST116のRepositoryErrorを返す。
func (r *PostgresTenantRepo) FetchCurrentTenant(ctx context.Context, subject string) (*model.Tenant, error) {
	t := &model.Tenant{}
	err := r.db.QueryRowContext(ctx,
		`SELECT c.id, c.nombre, c.plan_id, c.created_at, c.updated_at
		 FROM comercios c
		 JOIN usuarios u ON u.comercio_id = c.id
		 WHERE u.id = $1`,
		subject,
	).Scan(&t.ID, &t.Nombre, &t.PlanID, &t.CreatedAt, &t.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, model.NewNoRowsError("comercios")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch tenant: %w", err)
	}
	return t, nil
}

// CreateTenantAndUser は店舗とオーナーのusuarioを同一トランザクションで作成する。
func (r *PostgresTenantRepo) CreateTenantAndUser(ctx context.Context, in CreateTenantInput) (*model.Tenant, error) {
	now := r.now()
	tenant := &model.Tenant{
		ID:        uuid.New().String(),
		Nombre:    in.TenantName,
		PlanID:    in.PlanID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO comercios (id, nombre, plan_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		tenant.ID, tenant.Nombre, tenant.PlanID, tenant.CreatedAt, tenant.UpdatedAt,
	)
	if err != nil {
		if pqCode(err) == pqForeignKeyViolation {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("failed to insert tenant: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO usuarios (id, comercio_id, email, nombre, rol_id, activo, created_at)
		 VALUES ($1, $2, $3, $4, (SELECT id FROM roles WHERE nombre = $5), true, $6)`,
		in.OwnerID, tenant.ID, in.OwnerEmail, in.OwnerName, string(model.RoleOwner), now,
	)
	if err != nil {
		if pqCode(err) == pqUniqueViolation {
			return nil, ErrTenantUserExists
		}
		return nil, fmt.Errorf("failed to insert owner: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return tenant, nil
}

// InsertTenantUser はusuarioを作成する。既に存在する場合は何もせずfalseを返す。
func (r *PostgresTenantRepo) InsertTenantUser(ctx context.Context, user *model.TenantUser) (bool, error) {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = r.now()
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO usuarios (id, comercio_id, email, nombre, telefono, direccion, rol_id, activo, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO NOTHING`,
		user.ID, user.TenantID, user.Email, user.Nombre, user.Telefono, user.Direccion,
		user.Role.ID, user.Activo, user.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert tenant user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n > 0, nil
}

// ListTenantUsers は店舗に所属するusuarioを作成順に返す。
func (r *PostgresTenantRepo) ListTenantUsers(ctx context.Context, tenantID string) ([]*model.TenantUser, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+tenantUserColumns+`
		 FROM usuarios u
		 JOIN roles r ON r.id = u.rol_id
		 WHERE u.comercio_id = $1
		 ORDER BY u.created_at ASC`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tenant users: %w", err)
	}
	defer rows.Close()

	var users []*model.TenantUser
	for rows.Next() {
		u, err := scanTenantUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan tenant user: %w", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tenant users: %w", err)
	}
	return users, nil
}

// DeleteTenant は店舗を削除する。usuarios、suscripcionesはCASCADE削除される。
func (r *PostgresTenantRepo) DeleteTenant(ctx context.Context, tenantID string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM comercios WHERE id = $1`,
		tenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}
	return nil
}

func pqCode(err error) pq.ErrorCode {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code
	}
	return ""
}

// compile-time interface check
var _ TenantRepository = (*PostgresTenantRepo)(nil)
