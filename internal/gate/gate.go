// Package gate はルート単位の認可ゲートを提供する。
// ゲートはコントローラーの状態だけを見て、表示・読み込み中表示・リダイレクトのいずれかを決める。
package gate

import (
	"github.com/adminisgo/adminis/internal/session"
)

// 遷移先
const (
	LoginPath      = "/auth/login"
	DashboardPath  = "/dashboard"
	SelectPlanPath = "/auth/select-plan"
)

// Action はゲートの判定結果の種類。
type Action int

const (
	// Render は保護されたコンテンツを表示する。
	Render Action = iota
	// Placeholder は読み込み中の表示を返す。リダイレクトはしない。
	Placeholder
	// Redirect は履歴を置き換えて別のパスに遷移させる。
	Redirect
)

// String はメトリクスとログ用の名前を返す。
func (a Action) String() string {
	switch a {
	case Render:
		return "render"
	case Placeholder:
		return "placeholder"
	case Redirect:
		return "redirect"
	default:
		return "unknown"
	}
}

// Decision はゲートの判定結果。LocationはRedirectの場合のみ使う。
type Decision struct {
	Action   Action
	Location string
}

// Policy は状態から判定を導くゲートの種類。
type Policy interface {
	Decide(st session.State) Decision
	Name() string
}

// Authenticated はセッションを要求するゲート。
type Authenticated struct{}

// Decide はloading中はPlaceholder、認証済みならRender、それ以外はログインへのRedirectを返す。
func (Authenticated) Decide(st session.State) Decision {
	if st.Loading {
		return Decision{Action: Placeholder}
	}
	if !st.IsAuthenticated() {
		return Decision{Action: Redirect, Location: LoginPath}
	}
	return Decision{Action: Render}
}

// Name はゲート名を返す。
func (Authenticated) Name() string { return "authenticated" }

// Owner はセッションとオーナーロールを要求するゲート。
// loading中はAuthenticatedと同じ判定になり、管理者フラグは見ない。
type Owner struct{}

// Decide は未認証ならログイン、オーナーでなければダッシュボードへのRedirectを返す。
func (Owner) Decide(st session.State) Decision {
	if d := (Authenticated{}).Decide(st); d.Action != Render {
		return d
	}
	if !st.IsAdmin() {
		return Decision{Action: Redirect, Location: DashboardPath}
	}
	return Decision{Action: Render}
}

// Name はゲート名を返す。
func (Owner) Name() string { return "owner" }

var (
	_ Policy = Authenticated{}
	_ Policy = Owner{}
)
