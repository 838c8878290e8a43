package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/adminisgo/adminis/internal/model"
)

// Webhook処理の結果
const (
	OutcomeApplied     = "applied"
	OutcomeDuplicate   = "duplicate"
	OutcomeIgnored     = "ignored"
	OutcomeNotApproved = "not_approved"
	OutcomeInvalid     = "invalid"
	OutcomeError       = "error"
)

// Gateway は決済プロバイダーAPI。
type Gateway interface {
	CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error)
	GetPayment(ctx context.Context, paymentID string) (*Payment, error)
}

// TenantUserFetcher は呼び出し元のusuarioを取得する。
type TenantUserFetcher interface {
	FetchCurrentTenantUser(ctx context.Context, subject string) (*model.TenantUser, error)
}

// PlanFinder はプランを取得する。
type PlanFinder interface {
	FindByID(ctx context.Context, id int64) (*model.Plan, error)
}

// SubscriptionUpserter は契約を作成・更新する。
// 同じ決済IDが既に反映済みの場合は何もせずfalseを返す。
type SubscriptionUpserter interface {
	Upsert(ctx context.Context, sub *model.Subscription) (bool, error)
}

// WebhookRecorder はWebhook処理の結果を記録する。
type WebhookRecorder interface {
	RecordWebhook(outcome string)
}

// ServiceConfig はサービスの設定。
type ServiceConfig struct {
	// BaseURL は戻り先とWebhook通知先のURLの基点。
	BaseURL string
	// SubscriptionDays は承認済み決済1回で延長する日数。0の場合は30日。
	SubscriptionDays int
	// Currency はチェックアウトの通貨。空の場合は指定しない。
	Currency string
}

// PreferenceInput はチェックアウト作成のリクエストボディ。
type PreferenceInput struct {
	PlanID int64 `json:"plan_id" validate:"required,gt=0"`
}

// Notification はWebhookの通知ボディ。
type Notification struct {
	Type   string `json:"type"`
	Action string `json:"action"`
	Data   struct {
		ID string `json:"id"`
	} `json:"data"`
}

// Service はチェックアウト作成とWebhookによる契約反映のサービス層。
type Service struct {
	gateway  Gateway
	users    TenantUserFetcher
	plans    PlanFinder
	subs     SubscriptionUpserter
	cfg      ServiceConfig
	logger   *slog.Logger
	recorder WebhookRecorder
	now      func() time.Time
}

// NewService はServiceを生成する。recorderはnilでもよい。
func NewService(
	gateway Gateway,
	users TenantUserFetcher,
	plans PlanFinder,
	subs SubscriptionUpserter,
	cfg ServiceConfig,
	logger *slog.Logger,
	recorder WebhookRecorder,
) *Service {
	if cfg.SubscriptionDays <= 0 {
		cfg.SubscriptionDays = 30
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		gateway:  gateway,
		users:    users,
		plans:    plans,
		subs:     subs,
		cfg:      cfg,
		logger:   logger,
		recorder: recorder,
		now:      time.Now,
	}
}

// CreatePreference は呼び出し元の店舗に対するプランのチェックアウトを作成する。
// external_referenceは "comercio_id|plan_id"。
func (s *Service) CreatePreference(ctx context.Context, caller *model.Session, in PreferenceInput) (*Preference, error) {
	if caller.Subject() == "" {
		return nil, model.NewUnauthorizedError()
	}

	owner, err := s.users.FetchCurrentTenantUser(ctx, caller.Subject())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch caller: %w", err)
	}
	if owner == nil {
		return nil, model.NewTenantNotFoundError()
	}
	if !owner.IsOwner() {
		return nil, model.NewForbiddenError()
	}

	plan, err := s.plans.FindByID(ctx, in.PlanID)
	if err != nil {
		return nil, fmt.Errorf("failed to find plan: %w", err)
	}
	if plan == nil || !plan.Activo {
		return nil, model.NewPlanNotFoundError(in.PlanID)
	}

	base := strings.TrimRight(s.cfg.BaseURL, "/")
	req := PreferenceRequest{
		Items: []PreferenceItem{{
			ID:         strconv.FormatInt(plan.ID, 10),
			Title:      "Plan " + plan.Nombre,
			Quantity:   1,
			UnitPrice:  plan.Precio,
			CurrencyID: s.cfg.Currency,
		}},
		ExternalReference: externalReference(owner.TenantID, plan.ID),
		NotificationURL:   base + "/api/payments/webhook",
		BackURLs: BackURLs{
			Success: base + "/dashboard",
			Pending: base + "/dashboard",
			Failure: base + "/auth/select-plan",
		},
		AutoReturn: "approved",
		Payer:      &Payer{Email: caller.User.Email},
	}

	pref, err := s.gateway.CreatePreference(ctx, req)
	if err != nil {
		s.logger.Error("failed to create payment preference",
			slog.String("comercio_id", owner.TenantID),
			slog.String("error", err.Error()),
		)
		return nil, model.NewPaymentFailedError()
	}
	return pref, nil
}

// HandleWebhook は通知された決済を照会し、承認済みであれば契約を作成・延長する。
// 決済以外の通知は無視する。
func (s *Service) HandleWebhook(ctx context.Context, n Notification) (string, error) {
	outcome, err := s.handleWebhook(ctx, n)
	if s.recorder != nil {
		s.recorder.RecordWebhook(outcome)
	}
	return outcome, err
}

func (s *Service) handleWebhook(ctx context.Context, n Notification) (string, error) {
	if n.Type != "payment" || n.Data.ID == "" {
		return OutcomeIgnored, nil
	}

	p, err := s.gateway.GetPayment(ctx, n.Data.ID)
	if err != nil {
		return OutcomeError, fmt.Errorf("failed to get payment %s: %w", n.Data.ID, err)
	}
	if p.Status != PaymentStatusApproved {
		s.logger.Info("payment not approved",
			slog.String("payment_id", n.Data.ID),
			slog.String("status", p.Status),
		)
		return OutcomeNotApproved, nil
	}

	tenantID, planID, err := parseExternalReference(p.ExternalReference)
	if err != nil {
		s.logger.Warn("payment with unknown external reference",
			slog.String("payment_id", n.Data.ID),
			slog.String("external_reference", p.ExternalReference),
		)
		return OutcomeInvalid, nil
	}

	// 契約期間は承認日時から数える。再送された通知でも同じ期間になる。
	now := s.now()
	startsAt := now
	if p.DateApproved != nil && !p.DateApproved.IsZero() {
		startsAt = *p.DateApproved
	}
	sub := &model.Subscription{
		TenantID:  tenantID,
		PlanID:    planID,
		Status:    model.SubscriptionActive,
		PaymentID: strconv.FormatInt(p.ID, 10),
		StartsAt:  startsAt,
		EndsAt:    startsAt.AddDate(0, 0, s.cfg.SubscriptionDays),
		UpdatedAt: now,
	}
	applied, err := s.subs.Upsert(ctx, sub)
	if err != nil {
		return OutcomeError, fmt.Errorf("failed to upsert subscription: %w", err)
	}
	if !applied {
		s.logger.Info("payment already applied",
			slog.String("comercio_id", tenantID),
			slog.String("payment_id", sub.PaymentID),
		)
		return OutcomeDuplicate, nil
	}

	s.logger.Info("subscription activated",
		slog.String("comercio_id", tenantID),
		slog.Int64("plan_id", planID),
		slog.String("payment_id", sub.PaymentID),
	)
	return OutcomeApplied, nil
}

var errInvalidReference = errors.New("invalid external reference")

func externalReference(tenantID string, planID int64) string {
	return tenantID + "|" + strconv.FormatInt(planID, 10)
}

func parseExternalReference(ref string) (string, int64, error) {
	tenantID, planPart, ok := strings.Cut(ref, "|")
	if !ok || tenantID == "" {
		return "", 0, errInvalidReference
	}
	planID, err := strconv.ParseInt(planPart, 10, 64)
	if err != nil || planID <= 0 {
		return "", 0, errInvalidReference
	}
	return tenantID, planID, nil
}
