package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/adminisgo/adminis/internal/middleware"
	"github.com/adminisgo/adminis/internal/model"
	"github.com/adminisgo/adminis/internal/payment"
)

// Webhookの署名検証で拒否した通知の記録名
const outcomeRejected = "rejected"

// PaymentService はチェックアウト作成とWebhook処理を行う。
type PaymentService interface {
	CreatePreference(ctx context.Context, caller *model.Session, in payment.PreferenceInput) (*payment.Preference, error)
	HandleWebhook(ctx context.Context, n payment.Notification) (string, error)
}

// WebhookRecorder はWebhook処理の結果を記録する。
type WebhookRecorder interface {
	RecordWebhook(outcome string)
}

// PaymentHandlerConfig は決済ハンドラーの設定。
type PaymentHandlerConfig struct {
	// WebhookSecret はWebhook署名の共有秘密。空の場合は署名を検証しない。
	WebhookSecret string
}

// PaymentHandler は決済関連のHTTPハンドラー。
type PaymentHandler struct {
	service   PaymentService
	validator RequestValidator
	config    PaymentHandlerConfig
	recorder  WebhookRecorder
	logger    *slog.Logger
}

// NewPaymentHandler はPaymentHandlerを生成する。recorderはnilでもよい。
func NewPaymentHandler(service PaymentService, validator RequestValidator, config PaymentHandlerConfig, recorder WebhookRecorder, logger *slog.Logger) *PaymentHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PaymentHandler{
		service:   service,
		validator: validator,
		config:    config,
		recorder:  recorder,
		logger:    logger,
	}
}

// CreatePreference はプランのチェックアウトを作成する。
// POST /api/payments/create-preference
func (h *PaymentHandler) CreatePreference(w http.ResponseWriter, r *http.Request) {
	caller, ok := middleware.BearerSessionFromContext(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	var in payment.PreferenceInput
	if !decodeJSON(w, r, &in) {
		return
	}
	if !validateRequest(w, h.validator, &in) {
		return
	}

	pref, err := h.service.CreatePreference(r.Context(), caller, in)
	if err != nil {
		handleServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, pref)
}

// Webhook は決済プロバイダーからの通知を処理する。
// 処理に失敗した場合は500を返し、プロバイダーに再送させる。
// POST /api/payments/webhook
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	var n payment.Notification
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&n); err != nil {
		// 通知の一部はクエリパラメータのみで届く
		n = payment.Notification{}
	}
	q := r.URL.Query()
	if n.Type == "" {
		n.Type = q.Get("type")
	}
	dataID := q.Get("data.id")
	if dataID == "" {
		dataID = n.Data.ID
	}
	if n.Data.ID == "" {
		n.Data.ID = dataID
	}

	if h.config.WebhookSecret != "" {
		err := payment.VerifySignature(h.config.WebhookSecret,
			r.Header.Get("X-Signature"), r.Header.Get("X-Request-Id"), dataID)
		if err != nil {
			h.logger.Warn("webhook signature rejected", slog.String("data_id", dataID))
			if h.recorder != nil {
				h.recorder.RecordWebhook(outcomeRejected)
			}
			writeUnauthorized(w)
			return
		}
	}

	outcome, err := h.service.HandleWebhook(r.Context(), n)
	if err != nil {
		h.logger.Error("webhook processing failed",
			slog.String("data_id", n.Data.ID),
			slog.String("error", err.Error()),
		)
		middleware.WriteInternalServerError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": outcome})
}
