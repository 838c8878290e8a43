package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/adminisgo/adminis/internal/gate"
	"github.com/adminisgo/adminis/internal/metrics"
	"github.com/adminisgo/adminis/internal/middleware"
)

// SessionRegistry はブラウザセッションのコントローラーを管理する。
type SessionRegistry interface {
	middleware.ControllerRegistry
	SessionRemover
}

// Pinger はヘルスチェックで疎通を確認する依存先。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger
	// Metrics はnilの場合メトリクスを記録しない。
	Metrics        metrics.MetricsCollector
	MetricsHandler http.Handler
	DB             Pinger

	// ミドルウェア依存
	CORSAllowedOrigin string
	Cookie            middleware.CookieConfig
	RateLimiter       *middleware.RateLimiter
	Registry          SessionRegistry
	TokenVerifier     middleware.TokenVerifier
	Gate              gate.Options
	Validator         RequestValidator

	// 認証
	AuthProvider AuthProvider
	Resolver     TargetResolver
	AuthConfig   AuthHandlerConfig

	// 店舗
	Plans         PlanLister
	Registrar     TenantRegistrar
	Tenants       TenantReader
	Subscriptions SubscriptionReader

	// /functions/*
	Invites  InviteService
	Accounts AccountDeleter

	// 決済。nilの場合は決済ルートを公開しない。
	Payments      PaymentService
	PaymentConfig PaymentHandlerConfig
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS
//	  ブラウザ向け: CSRF → ControllerSession → RateLimit(General) → Gate
//	  /functions, 決済API: BearerAuth → RateLimit(General)
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var statusRecorder middleware.StatusRecorder
	var webhookRecorder WebhookRecorder
	gateOpts := deps.Gate
	if deps.Metrics != nil {
		statusRecorder = deps.Metrics
		webhookRecorder = deps.Metrics
		gateOpts.Recorder = deps.Metrics
	}

	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger, statusRecorder))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(EntrySession, deps.AuthProvider, deps.Registry, deps.Resolver, deps.Validator, deps.AuthConfig, logger)
	tenantHandler := NewTenantHandler(EntrySession, deps.Plans, deps.Registrar, deps.Tenants, deps.Subscriptions, deps.Resolver, logger)
	functionsHandler := NewFunctionsHandler(deps.Invites, deps.Accounts)
	var paymentHandler *PaymentHandler
	if deps.Payments != nil {
		paymentHandler = NewPaymentHandler(deps.Payments, deps.Validator, deps.PaymentConfig, webhookRecorder, logger)
	}

	// --- 運用エンドポイント ---
	r.Get("/health", healthHandler(deps.DB))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// --- Bearerトークンで呼び出すAPI ---
	// ミドルウェアスタック: BearerAuth → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewBearerAuthMiddleware(deps.TokenVerifier))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Route("/functions", func(r chi.Router) {
			r.Post("/invite-user", functionsHandler.InviteUser)
			r.Post("/sync-usuario-invite", functionsHandler.SyncUsuarioInvite)
			r.Post("/delete-tenant-account", functionsHandler.DeleteTenantAccount)
		})

		if paymentHandler != nil {
			r.Post("/api/payments/create-preference", paymentHandler.CreatePreference)
		}
	})

	// 決済プロバイダーからの通知。署名で認証する。
	if paymentHandler != nil {
		r.Post("/api/payments/webhook", paymentHandler.Webhook)
	}

	// --- ブラウザ向けルート ---
	// ミドルウェアスタック: CSRF → ControllerSession → RateLimit(General)
	csrfConfig := middleware.CSRFConfig{CookieSecure: deps.Cookie.Secure, CookieDomain: deps.Cookie.Domain}
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(csrfConfig))
		r.Use(middleware.NewControllerSessionMiddleware(deps.Registry, deps.Cookie))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Method(http.MethodGet, "/api/csrf-token", middleware.NewCSRFTokenHandler(csrfConfig))

		r.Get("/auth/me", authHandler.Me)
		r.Get("/auth/oauth/{provider}", authHandler.OAuthStart)
		r.Get("/auth/callback", authHandler.Callback)
		r.Post("/auth/logout", authHandler.Logout)

		// 資格情報を受け取るルートはIP単位のレート制限を追加
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.LoginMiddleware())
			r.Post("/auth/login", authHandler.Login)
			r.Post("/auth/signup", authHandler.SignUp)
			r.Post("/auth/reset-password", authHandler.ResetPassword)
		})

		// 認証済みのみ
		r.Group(func(r chi.Router) {
			r.Use(gate.Middleware(gate.Authenticated{}, middleware.GateLocator, gateOpts))
			r.Get("/", authHandler.Landing)
			r.Get("/auth/select-plan", tenantHandler.SelectPlan)
			r.Post("/auth/register-tenant", tenantHandler.RegisterTenant)
			r.Post("/auth/update-password", authHandler.UpdatePassword)
			r.Get("/dashboard", tenantHandler.Dashboard)
		})

		// オーナーのみ
		r.Group(func(r chi.Router) {
			r.Use(gate.Middleware(gate.Owner{}, middleware.GateLocator, gateOpts))
			r.Get("/admin/users", tenantHandler.AdminUsers)
		})
	})

	return r
}

// healthHandler はプロセスとデータベースの疎通を返す。
// GET /health
func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.PingContext(ctx); err != nil {
				slog.Error("health check failed", slog.String("error", err.Error()))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
