package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/adminisgo/adminis/internal/account"
	"github.com/adminisgo/adminis/internal/config"
	"github.com/adminisgo/adminis/internal/database"
	"github.com/adminisgo/adminis/internal/gate"
	"github.com/adminisgo/adminis/internal/handler"
	"github.com/adminisgo/adminis/internal/identity"
	"github.com/adminisgo/adminis/internal/invite"
	"github.com/adminisgo/adminis/internal/logger"
	"github.com/adminisgo/adminis/internal/metrics"
	"github.com/adminisgo/adminis/internal/middleware"
	"github.com/adminisgo/adminis/internal/payment"
	"github.com/adminisgo/adminis/internal/repository"
	"github.com/adminisgo/adminis/internal/resolver"
	"github.com/adminisgo/adminis/internal/security"
	"github.com/adminisgo/adminis/internal/session"
	"github.com/adminisgo/adminis/internal/worker/cleanup"
)

// cleanupInterval はワーカーのクリーンアップジョブの実行間隔。
const cleanupInterval = time.Hour

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	level := logger.SetupDefault(w)

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level.Set(logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	if !cmd.needsConfig() {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
	)

	switch cmd {
	case CommandServe:
		return runServe(cfg)
	case CommandWorker:
		return runWorker(cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// openDatabase はDB接続を開き、疎通を確認する。
func openDatabase(databaseURL string, pool database.PoolConfig) (*sql.DB, error) {
	db, err := database.Open(databaseURL, pool)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

// runServe はAPIサーバーモードで起動する。
// DB接続を開き、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	base := slog.Default()

	// 1. DB接続
	db, err := openDatabase(cfg.DatabaseURL, database.ServePool)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established")

	// 2. リポジトリの初期化
	tenantRepo := repository.NewPostgresTenantRepo(db)
	planRepo := repository.NewPostgresPlanRepo(db)
	subRepo := repository.NewPostgresSubscriptionRepo(db)
	authSessionRepo := repository.NewPostgresAuthSessionRepo(db)

	// 3. セキュリティサービスとメトリクスの初期化
	sanitizer := security.NewTextSanitizer()
	validator := security.NewValidator()

	promRegistry := prometheus.NewRegistry()
	collector := metrics.NewCollector(promRegistry)

	// 4. 認証サービスクライアントの初期化
	verifier := identity.NewTokenVerifier(cfg.IdentityJWTSecret, "")
	provider := identity.NewProvider(identity.Config{
		BaseURL: cfg.IdentityURL,
		AnonKey: cfg.IdentityAnonKey,
		Timeout: cfg.IdentityTimeout,
	}, verifier, logger.Component(base, "identity"))
	admin := identity.NewAdmin(identity.AdminConfig{
		BaseURL:    cfg.IdentityURL,
		ServiceKey: cfg.IdentityServiceKey,
		Timeout:    cfg.IdentityTimeout,
	}, logger.Component(base, "identity_admin"))

	// 5. ドメインサービスの初期化
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	inviteService := invite.NewService(tenantRepo, admin, sanitizer, validator,
		baseURL+gate.LoginPath, logger.Component(base, "invite"))
	accountService := account.NewService(tenantRepo, planRepo, admin, sanitizer, validator,
		logger.Component(base, "account"))
	targetResolver := resolver.New(tenantRepo, logger.Component(base, "resolver"), collector)

	var payments handler.PaymentService
	if cfg.PaymentsEnabled() {
		paymentClient := payment.NewClient(payment.ClientConfig{
			BaseURL:     cfg.PaymentAPIURL,
			AccessToken: cfg.PaymentAccessToken,
			RetryCount:  2,
		}, logger.Component(base, "payment"))
		payments = payment.NewService(paymentClient, tenantRepo, planRepo, subRepo, payment.ServiceConfig{
			BaseURL:          baseURL,
			SubscriptionDays: cfg.SubscriptionDays,
		}, logger.Component(base, "payment"), collector)
	} else {
		slog.Warn("payment provider not configured, payment routes disabled")
	}

	// 6. セッションコントローラーのレジストリ
	// トークンはブラウザセッションIDごとにauth_sessionsへ保存し、再起動後も復元する
	registry := session.NewRegistry(session.RegistryConfig{
		NewClient: func(sessionID string) *identity.Client {
			return provider.NewClient(repository.NewTokenStore(authSessionRepo, sessionID))
		},
		Users:  tenantRepo,
		Syncer: inviteService,
		Options: session.Options{
			Timeout: cfg.InitialSessionTimeout,
			Retry: session.RetryPolicy{
				Attempts: cfg.SyncRetryAttempts,
				Backoff:  cfg.SyncRetryBackoff,
			},
			Recorder: collector,
		},
		IdleTTL:    cfg.ControllerIdleTTL,
		MaxEntries: cfg.ControllerMaxEntries,
		Logger:     logger.Component(base, "session"),
	})
	defer registry.Stop()
	metrics.RegisterActiveControllers(promRegistry, registry.Len)

	rateLimiter := middleware.NewRateLimiter(
		middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral, cfg.RateLimitLogin),
	)
	defer rateLimiter.Stop()

	// 7. ルーターの構築
	cookie := middleware.CookieConfig{
		Secure: cfg.CookieSecure,
		Domain: cfg.CookieDomain,
		MaxAge: cfg.SessionMaxAge,
	}

	deps := &handler.RouterDeps{
		Logger:         base,
		Metrics:        collector,
		MetricsHandler: metrics.Handler(promRegistry),
		DB:             db,

		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		Cookie:            cookie,
		RateLimiter:       rateLimiter,
		Registry:          registry,
		TokenVerifier:     verifier,
		Gate:              gate.Options{Wait: cfg.GateWait},
		Validator:         validator,

		AuthProvider: provider,
		Resolver:     targetResolver,
		AuthConfig: handler.AuthHandlerConfig{
			BaseURL:      baseURL,
			Cookie:       cookie,
			ReadyTimeout: cfg.InitialSessionTimeout,
		},

		Plans:         planRepo,
		Registrar:     accountService,
		Tenants:       tenantRepo,
		Subscriptions: subRepo,

		Invites:  inviteService,
		Accounts: accountService,

		Payments:      payments,
		PaymentConfig: handler.PaymentHandlerConfig{WebhookSecret: cfg.PaymentWebhookSecret},
	}

	router := handler.NewRouter(deps)

	// 8. HTTPサーバーの起動
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// グレースフルシャットダウンのためのシグナルハンドリング
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("API server starting",
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server listen error", slog.String("error", err.Error()))
		}
	}()

	<-stop
	slog.Info("shutting down API server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// DB接続を開き、クリーンアップジョブを定期実行する。処理件数は/metricsで公開する。
// SIGINTまたはSIGTERMシグナルを受信するとシャットダウンする。
func runWorker(cfg *config.Config) error {
	// 1. DB接続
	db, err := openDatabase(cfg.DatabaseURL, database.WorkerPool)
	if err != nil {
		return err
	}
	defer db.Close()

	slog.Info("database connection established (worker)")

	// 2. リポジトリとメトリクスの初期化
	authSessionRepo := repository.NewPostgresAuthSessionRepo(db)
	subRepo := repository.NewPostgresSubscriptionRepo(db)

	promRegistry := prometheus.NewRegistry()
	collector := metrics.NewCollector(promRegistry)

	// 3. クリーンアップジョブの初期化
	job := cleanup.NewCleanupJob(authSessionRepo, subRepo, logger.Component(slog.Default(), "cleanup"), collector)

	metricsServer := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           metrics.SetupMetricsRoute(promRegistry),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()

	// グレースフルシャットダウンのためのシグナルハンドリング
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		slog.Info("shutting down worker...")
		cancel()
	}()

	slog.Info("worker starting",
		slog.Duration("cleanup_interval", cleanupInterval),
	)

	// クリーンアップジョブをメインgoroutineで実行（ブロッキング）
	job.Start(ctx, cleanupInterval)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("metrics server shutdown failed", slog.String("error", err.Error()))
	}

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully",
		slog.Uint64("schema_version", uint64(version)),
	)
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(url string) string {
	if len(url) > 20 {
		return url[:12] + "***@..."
	}
	return "***"
}
