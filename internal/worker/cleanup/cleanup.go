// Package cleanup は期限切れデータの定期処理ジョブを提供する。
// 長期間更新されていないトークン保存領域（auth_sessions）を削除し、
// ends_atを過ぎた契約（suscripciones）を期限切れにする。
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// SessionPurger は古いトークン保存領域を削除する。
type SessionPurger interface {
	DeleteIdleBefore(ctx context.Context, before time.Time) (int64, error)
}

// SubscriptionExpirer は期限を過ぎた契約を期限切れにする。
type SubscriptionExpirer interface {
	ExpireLapsed(ctx context.Context, now time.Time) (int64, error)
}

// Recorder は処理件数を記録する。
type Recorder interface {
	RecordCleanup(kind string, count int64)
}

// CleanupJob は期限切れデータの定期処理ジョブ。
// 冪等で、対象がない場合もエラーにならない。
type CleanupJob struct {
	sessions SessionPurger
	subs     SubscriptionExpirer
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time

	// MaxIdle はトークン保存領域を保持する期間（デフォルト: 7日）。
	MaxIdle time.Duration
}

// NewCleanupJob は新しいCleanupJobを生成する。recorderはnilでもよい。
func NewCleanupJob(sessions SessionPurger, subs SubscriptionExpirer, logger *slog.Logger, recorder Recorder) *CleanupJob {
	if logger == nil {
		logger = slog.Default()
	}
	return &CleanupJob{
		sessions: sessions,
		subs:     subs,
		logger:   logger,
		recorder: recorder,
		now:      time.Now,
		MaxIdle:  7 * 24 * time.Hour,
	}
}

// Run は両方の処理を実行する。片方が失敗してももう片方は実行する。
func (j *CleanupJob) Run(ctx context.Context) error {
	start := j.now()

	var errs []error
	purged, err := j.sessions.DeleteIdleBefore(ctx, start.Add(-j.MaxIdle))
	if err != nil {
		j.logger.Error("failed to purge idle auth sessions",
			slog.String("error", err.Error()),
		)
		errs = append(errs, fmt.Errorf("auth session cleanup: %w", err))
	} else {
		j.record("auth_sessions", purged)
	}

	expired, err := j.subs.ExpireLapsed(ctx, start)
	if err != nil {
		j.logger.Error("failed to expire lapsed subscriptions",
			slog.String("error", err.Error()),
		)
		errs = append(errs, fmt.Errorf("subscription expiry: %w", err))
	} else {
		j.record("suscripciones", expired)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	j.logger.Info("cleanup job completed",
		slog.Int64("auth_sessions_deleted", purged),
		slog.Int64("suscripciones_expired", expired),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return nil
}

func (j *CleanupJob) record(kind string, n int64) {
	if j.recorder != nil {
		j.recorder.RecordCleanup(kind, n)
	}
}

// Start はintervalごとにRunを実行する。ctxのキャンセルで終了する。
// 起動直後に1回実行する。
func (j *CleanupJob) Start(ctx context.Context, interval time.Duration) {
	_ = j.Run(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.Run(ctx)
		}
	}
}
