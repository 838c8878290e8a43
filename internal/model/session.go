package model

import "time"

// Session は認証サービスが発行したトークン一式を表す。
// コントローラーは値コピーとして保持し、書き換えない。
type Session struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	ExpiresAt    time.Time
	User         SessionUser
}

// SessionUser はセッションに含まれる認証済みユーザーの識別情報。
type SessionUser struct {
	ID       string          `json:"id"` // sub
	Email    string          `json:"email"`
	Metadata SessionMetadata `json:"user_metadata"`
}

// SessionMetadata は認証サービスがユーザーに保持するメタデータ。
// 招待フローでは comercio_id と rol_id がここに載る。
type SessionMetadata struct {
	TenantID  string `json:"comercio_id,omitempty"`
	RoleID    int64  `json:"rol_id,omitempty"`
	Nombre    string `json:"nombre,omitempty"`
	Telefono  string `json:"telefono,omitempty"`
	Direccion string `json:"direccion,omitempty"`
}

// IsInvitation は招待ユーザーのメタデータかどうかを返す。
func (m SessionMetadata) IsInvitation() bool {
	return m.TenantID != ""
}

// Subject はセッションの主体（sub）を返す。nilセーフ。
func (s *Session) Subject() string {
	if s == nil {
		return ""
	}
	return s.User.ID
}

// Expired はアクセストークンが期限切れかどうかを返す。
// 期限が不明（ゼロ値）の場合は期限切れとして扱わない。
func (s *Session) Expired(now time.Time) bool {
	if s == nil {
		return true
	}
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// AuthSession はブラウザセッションごとに永続化するトークン保存領域の行。
// Cookieで渡すIDとリフレッシュトークンを対応付ける。
type AuthSession struct {
	ID           string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	User         SessionUser
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
