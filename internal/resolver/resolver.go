// Package resolver は認証直後の遷移先を店舗の有無から決定する。
package resolver

import (
	"context"
	"log/slog"

	"github.com/adminisgo/adminis/internal/gate"
	"github.com/adminisgo/adminis/internal/model"
)

// Target は認証後の遷移先。
type Target string

const (
	// TargetDashboard は店舗登録済みのユーザーの遷移先。
	TargetDashboard Target = gate.DashboardPath
	// TargetSelectPlan は店舗未登録のユーザーの遷移先。
	TargetSelectPlan Target = gate.SelectPlanPath
)

// 解決結果
const (
	OutcomeTenant   = "tenant"
	OutcomeNoTenant = "no_tenant"
	OutcomeError    = "error"
)

// TenantFetcher は主体が所属する店舗を取得する。
type TenantFetcher interface {
	FetchCurrentTenant(ctx context.Context, subject string) (*model.Tenant, error)
}

// OutcomeRecorder は解決結果を記録する。
type OutcomeRecorder interface {
	RecordResolverOutcome(outcome string)
}

// Decide は店舗取得の結果から遷移先を決める。
// 行なし（PGRST116）以外のエラーでもプラン選択へ進める。
func Decide(tenant *model.Tenant, err error) Target {
	target, _ := decide(tenant, err)
	return target
}

func decide(tenant *model.Tenant, err error) (Target, string) {
	switch {
	case err == nil && tenant != nil:
		return TargetDashboard, OutcomeTenant
	case err == nil, model.IsNoRows(err):
		return TargetSelectPlan, OutcomeNoTenant
	default:
		return TargetSelectPlan, OutcomeError
	}
}

// Resolver はリポジトリを引いてDecideを適用する。
type Resolver struct {
	tenants  TenantFetcher
	logger   *slog.Logger
	recorder OutcomeRecorder
}

// New はResolverを生成する。recorderはnilでもよい。
func New(tenants TenantFetcher, logger *slog.Logger, recorder OutcomeRecorder) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{tenants: tenants, logger: logger, recorder: recorder}
}

// Resolve はセッションの主体の遷移先を返す。セッションがない場合はプラン選択。
func (r *Resolver) Resolve(ctx context.Context, session *model.Session) Target {
	var (
		tenant *model.Tenant
		err    error
	)
	if subject := session.Subject(); subject != "" {
		tenant, err = r.tenants.FetchCurrentTenant(ctx, subject)
	}

	target, outcome := decide(tenant, err)
	if outcome == OutcomeError {
		r.logger.Error("failed to fetch current tenant",
			slog.String("user_id", session.Subject()),
			slog.String("error", err.Error()),
		)
	}
	if r.recorder != nil {
		r.recorder.RecordResolverOutcome(outcome)
	}
	return target
}
