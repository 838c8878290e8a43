// Package session はブラウザセッションごとの認証状態（セッション、usuario、loading）を管理する。
package session

import "github.com/adminisgo/adminis/internal/model"

// State はコントローラーが保持する状態の読み取り専用コピー。
type State struct {
	Session *model.Session
	Usuario *model.TenantUser
	Loading bool
}

// IsAuthenticated はセッションが存在するかを返す。usuarioや店舗の有無とは独立。
func (s State) IsAuthenticated() bool {
	return s.Session != nil
}

// IsAdmin はusuarioのロールがオーナーかどうかを返す。
// loading中の値は信頼できない。
func (s State) IsAdmin() bool {
	return s.Usuario.IsOwner()
}

// User はセッションの認証済みユーザーを返す。セッションが無い場合はnil。
func (s State) User() *model.SessionUser {
	if s.Session == nil {
		return nil
	}
	u := s.Session.User
	return &u
}

func (s State) clone() State {
	out := State{Loading: s.Loading}
	if s.Session != nil {
		sess := *s.Session
		out.Session = &sess
	}
	if s.Usuario != nil {
		u := *s.Usuario
		out.Usuario = &u
	}
	return out
}
