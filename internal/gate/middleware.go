package gate

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/adminisgo/adminis/internal/session"
)

// StateSource はゲートが参照するコントローラーの読み取り面。
type StateSource interface {
	Snapshot() session.State
	WaitReady(ctx context.Context) error
}

// Locator はリクエストに紐づくStateSourceを返す。見つからない場合はfalse。
type Locator func(r *http.Request) (StateSource, bool)

// DecisionRecorder はゲートの判定を記録する。
type DecisionRecorder interface {
	RecordGateDecision(policy, action string)
}

// Options はゲートミドルウェアの設定。
type Options struct {
	// Wait はloading中に準備完了を待つ最大時間。0の場合は待たずにPlaceholderを返す。
	Wait time.Duration
	// RefreshAfter はPlaceholderが再読み込みを促すまでの秒数。
	RefreshAfter int
	Recorder     DecisionRecorder
}

// Middleware はpolicyの判定をHTTPリクエストに適用するミドルウェアを返す。
// コントローラーが見つからないリクエストは「セッションなし」として判定する。
func Middleware(policy Policy, locate Locator, opts Options) func(next http.Handler) http.Handler {
	if opts.RefreshAfter <= 0 {
		opts.RefreshAfter = 1
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			st := currentState(r, locate, opts.Wait)
			d := policy.Decide(st)

			if opts.Recorder != nil {
				opts.Recorder.RecordGateDecision(policy.Name(), d.Action.String())
			}

			switch d.Action {
			case Render:
				next.ServeHTTP(w, r)
			case Placeholder:
				writePlaceholder(w, r, opts.RefreshAfter)
			default:
				WriteRedirect(w, r, d.Location)
			}
		})
	}
}

func currentState(r *http.Request, locate Locator, wait time.Duration) session.State {
	src, ok := locate(r)
	if !ok || src == nil {
		return session.State{}
	}
	st := src.Snapshot()
	if !st.Loading || wait <= 0 {
		return st
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()
	// 待機が打ち切られてもその時点の状態で判定する
	_ = src.WaitReady(ctx)
	return src.Snapshot()
}

// WriteRedirect は303 See Otherでリダイレクトする。
// キャッシュさせないため、戻るボタンでゲートのURLに戻ることはない。
func WriteRedirect(w http.ResponseWriter, r *http.Request, location string) {
	w.Header().Set("Cache-Control", "no-store")
	http.Redirect(w, r, location, http.StatusSeeOther)
}

const placeholderHTML = `<!DOCTYPE html>
<html lang="es">
<head><meta charset="utf-8"><meta http-equiv="refresh" content="%d"><title>Adminis Go</title></head>
<body><p role="status">Cargando...</p></body>
</html>
`

func writePlaceholder(w http.ResponseWriter, r *http.Request, refreshAfter int) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Refresh", strconv.Itoa(refreshAfter))
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		fmt.Fprintf(w, placeholderHTML, refreshAfter)
	}
}
