// Package payment は決済プロバイダー（Mercado Pago）との連携と契約の反映を提供する。
package payment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

// ClientConfig は決済プロバイダーAPIの接続設定。
type ClientConfig struct {
	BaseURL     string
	AccessToken string
	Timeout     time.Duration
	// RetryCount は通信エラー時の再試行回数。
	RetryCount int
}

// PreferenceItem はチェックアウトの明細1行。
type PreferenceItem struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id,omitempty"`
}

// BackURLs は決済後の戻り先。
type BackURLs struct {
	Success string `json:"success"`
	Pending string `json:"pending"`
	Failure string `json:"failure"`
}

// PreferenceRequest はチェックアウト作成のリクエスト。
type PreferenceRequest struct {
	Items             []PreferenceItem `json:"items"`
	ExternalReference string           `json:"external_reference"`
	NotificationURL   string           `json:"notification_url,omitempty"`
	BackURLs          BackURLs         `json:"back_urls"`
	AutoReturn        string           `json:"auto_return,omitempty"`
	Payer             *Payer           `json:"payer,omitempty"`
}

// Payer は支払者。
type Payer struct {
	Email string `json:"email"`
}

// Preference は作成されたチェックアウト。
type Preference struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

// Payment は決済の照会結果。
type Payment struct {
	ID                int64      `json:"id"`
	Status            string     `json:"status"`
	StatusDetail      string     `json:"status_detail"`
	ExternalReference string     `json:"external_reference"`
	TransactionAmount float64    `json:"transaction_amount"`
	DateApproved      *time.Time `json:"date_approved"`
}

// PaymentStatusApproved は承認済みの決済ステータス。
const PaymentStatusApproved = "approved"

// ProviderError は決済プロバイダーが返したエラー。
type ProviderError struct {
	Status  int
	Message string
}

// Error はerrorインターフェースを実装する。
func (e *ProviderError) Error() string {
	return fmt.Sprintf("payment provider error (status %d): %s", e.Status, e.Message)
}

type providerErrorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Client は決済プロバイダーのREST APIクライアント。
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewClient はClientを生成する。
func NewClient(cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetAuthToken(cfg.AccessToken).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &Client{http: httpClient, logger: logger}
}

// CreatePreference はチェックアウトを作成する。
func (c *Client) CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error) {
	var pref Preference
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&pref).
		SetError(&providerErrorBody{}).
		Post("/checkout/preferences")
	if err != nil {
		return nil, fmt.Errorf("create preference request failed: %w", err)
	}
	if resp.IsError() {
		return nil, newProviderError(resp)
	}

	c.logger.Info("payment preference created",
		slog.String("preference_id", pref.ID),
		slog.String("external_reference", req.ExternalReference),
	)
	return &pref, nil
}

// GetPayment は決済を照会する。
func (c *Client) GetPayment(ctx context.Context, paymentID string) (*Payment, error) {
	var p Payment
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", paymentID).
		SetResult(&p).
		SetError(&providerErrorBody{}).
		Get("/v1/payments/{id}")
	if err != nil {
		return nil, fmt.Errorf("get payment request failed: %w", err)
	}
	if resp.IsError() {
		return nil, newProviderError(resp)
	}
	return &p, nil
}

func newProviderError(resp *resty.Response) *ProviderError {
	pe := &ProviderError{Status: resp.StatusCode()}
	if body, ok := resp.Error().(*providerErrorBody); ok && body != nil {
		pe.Message = body.Message
		if pe.Message == "" {
			pe.Message = body.Error
		}
	}
	if pe.Message == "" {
		pe.Message = resp.Status()
	}
	return pe
}
