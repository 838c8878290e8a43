package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/adminisgo/adminis/internal/model"
)

// PostgresAuthSessionRepo はPostgreSQLを使用したトークン保存領域のリポジトリ。
type PostgresAuthSessionRepo struct {
	db *sql.DB
}

// NewPostgresAuthSessionRepo はPostgresAuthSessionRepoを生成する。
func NewPostgresAuthSessionRepo(db *sql.DB) *PostgresAuthSessionRepo {
	return &PostgresAuthSessionRepo{db: db}
}

// FindByID は指定IDの行を取得する。見つからない場合はnilを返す。
func (r *PostgresAuthSessionRepo) FindByID(ctx context.Context, id string) (*model.AuthSession, error) {
	s := &model.AuthSession{}
	var userData []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT id, access_token, refresh_token, expires_at, user_data, created_at, updated_at
		 FROM auth_sessions
		 WHERE id = $1`,
		id,
	).Scan(&s.ID, &s.AccessToken, &s.RefreshToken, &s.ExpiresAt, &userData, &s.CreatedAt, &s.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find auth session: %w", err)
	}
	if len(userData) > 0 {
		if err := json.Unmarshal(userData, &s.User); err != nil {
			return nil, fmt.Errorf("failed to decode auth session user: %w", err)
		}
	}
	return s, nil
}

// Upsert は行を作成または更新する。
func (r *PostgresAuthSessionRepo) Upsert(ctx context.Context, s *model.AuthSession) error {
	userData, err := json.Marshal(s.User)
	if err != nil {
		return fmt.Errorf("failed to encode auth session user: %w", err)
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	_, err = r.db.ExecContext(ctx,
		`INSERT INTO auth_sessions (id, access_token, refresh_token, expires_at, user_data, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   access_token = EXCLUDED.access_token,
		   refresh_token = EXCLUDED.refresh_token,
		   expires_at = EXCLUDED.expires_at,
		   user_data = EXCLUDED.user_data,
		   updated_at = EXCLUDED.updated_at`,
		s.ID, s.AccessToken, s.RefreshToken, s.ExpiresAt, userData, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert auth session: %w", err)
	}
	return nil
}

// DeleteByID は指定IDの行を削除する。
func (r *PostgresAuthSessionRepo) DeleteByID(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM auth_sessions WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete auth session: %w", err)
	}
	return nil
}

// DeleteIdleBefore はupdated_atがbefore以前の行を削除し、件数を返す。
func (r *PostgresAuthSessionRepo) DeleteIdleBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM auth_sessions WHERE updated_at <= $1`,
		before,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete idle auth sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ AuthSessionRepository = (*PostgresAuthSessionRepo)(nil)

// TokenStore は1つのブラウザセッションIDに束縛されたトークン保存領域。
// identity.Clientに渡して使う。
type TokenStore struct {
	repo AuthSessionRepository
	id   string
}

// NewTokenStore はTokenStoreを生成する。
func NewTokenStore(repo AuthSessionRepository, id string) *TokenStore {
	return &TokenStore{repo: repo, id: id}
}

// Load は保存済みのセッションを返す。未保存の場合はnilを返す。
func (s *TokenStore) Load(ctx context.Context) (*model.Session, error) {
	row, err := s.repo.FindByID(ctx, s.id)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}
	return &model.Session{
		AccessToken:  row.AccessToken,
		RefreshToken: row.RefreshToken,
		TokenType:    "bearer",
		ExpiresAt:    row.ExpiresAt,
		User:         row.User,
	}, nil
}

// Save はセッションを保存する。
func (s *TokenStore) Save(ctx context.Context, session *model.Session) error {
	if session == nil {
		return s.Clear(ctx)
	}
	return s.repo.Upsert(ctx, &model.AuthSession{
		ID:           s.id,
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		ExpiresAt:    session.ExpiresAt,
		User:         session.User,
	})
}

// Clear は保存済みのセッションを削除する。
func (s *TokenStore) Clear(ctx context.Context) error {
	return s.repo.DeleteByID(ctx, s.id)
}
