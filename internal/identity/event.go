package identity

import "github.com/adminisgo/adminis/internal/model"

// EventKind はセッション変更イベントの種別。
type EventKind string

const (
	// EventInitialSession は起動時に復元されたセッション。
	EventInitialSession EventKind = "INITIAL_SESSION"
	// EventSignedIn はサインイン（パスワード、OAuth、サインアップ確定）の完了。
	EventSignedIn EventKind = "SIGNED_IN"
	// EventSignedOut はサインアウトまたはセッション失効。
	EventSignedOut EventKind = "SIGNED_OUT"
	// EventTokenRefreshed はリフレッシュトークンによる更新。
	EventTokenRefreshed EventKind = "TOKEN_REFRESHED"
	// EventUserUpdated はユーザー属性（パスワード等）の更新。
	EventUserUpdated EventKind = "USER_UPDATED"
)

// Event はセッション変更通知。Sessionはnilの場合がある。
type Event struct {
	Kind    EventKind
	Session *model.Session
}

// Listener はセッション変更通知を受け取るコールバック。
type Listener func(Event)

// Unsubscribe は購読を解除する関数。複数回呼んでも安全。
type Unsubscribe func()
