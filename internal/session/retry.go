package session

import (
	"context"
	"time"
)

// RetryPolicy は招待ユーザー同期の再試行方針。
// Attemptsは同期と再取得の組を最大何回行うか。
// 既定は1回で、その結果を最終とする。2以上は再試行を明示的に有効にする場合のみ使う。
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryPolicy は同期と再取得を1回だけ行う。
var DefaultRetryPolicy = RetryPolicy{Attempts: 1}

// delay はattempt回目（0始まり）の前に待つ時間を返す。
func (p RetryPolicy) delay(attempt int) time.Duration {
	if attempt == 0 || p.Backoff <= 0 {
		return 0
	}
	return p.Backoff << (attempt - 1)
}

// Run はfnを最大Attempts回呼び出す。
// fnがtrueを返すか、ctxが終了した時点で止まる。
func (p RetryPolicy) Run(ctx context.Context, fn func(ctx context.Context) bool) {
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if d := p.delay(attempt); d > 0 {
			timer := time.NewTimer(d)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}
		if ctx.Err() != nil {
			return
		}
		if fn(ctx) {
			return
		}
	}
}
