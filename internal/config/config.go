// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string

	// Identity（認証サービス）
	IdentityURL        string
	IdentityAnonKey    string
	IdentityServiceKey string
	IdentityJWTSecret  string
	IdentityTimeout    time.Duration

	// Session
	SessionMaxAge         int
	ControllerIdleTTL     time.Duration
	ControllerMaxEntries  int
	InitialSessionTimeout time.Duration
	GateWait              time.Duration

	// Invited user sync
	SyncRetryAttempts int
	SyncRetryBackoff  time.Duration

	// Rate Limit
	RateLimitGeneral int
	RateLimitLogin   int

	// Payments
	PaymentAccessToken   string
	PaymentAPIURL        string
	PaymentWebhookSecret string
	SubscriptionDays     int

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// カレントディレクトリに.envがあれば先に読み込む（既存の環境変数は上書きしない）。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}

	// Required fields
	var missing []string

	required := []struct {
		key string
		dst *string
	}{
		{"DATABASE_URL", &cfg.DatabaseURL},
		{"IDENTITY_URL", &cfg.IdentityURL},
		{"IDENTITY_ANON_KEY", &cfg.IdentityAnonKey},
		{"IDENTITY_SERVICE_KEY", &cfg.IdentityServiceKey},
		{"IDENTITY_JWT_SECRET", &cfg.IdentityJWTSecret},
		{"BASE_URL", &cfg.BaseURL},
	}
	for _, r := range required {
		*r.dst = os.Getenv(r.key)
		if *r.dst == "" {
			missing = append(missing, r.key)
		}
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.IdentityTimeout = getEnvDuration("IDENTITY_TIMEOUT", 10*time.Second)
	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", 7*86400)
	cfg.ControllerIdleTTL = getEnvDuration("CONTROLLER_IDLE_TTL", 30*time.Minute)
	cfg.ControllerMaxEntries = getEnvInt("CONTROLLER_MAX_ENTRIES", 10000)
	cfg.InitialSessionTimeout = getEnvDuration("INITIAL_SESSION_TIMEOUT", 10*time.Second)
	cfg.GateWait = getEnvDuration("GATE_WAIT", 2*time.Second)
	cfg.SyncRetryAttempts = getEnvInt("SYNC_RETRY_ATTEMPTS", 1)
	cfg.SyncRetryBackoff = getEnvDuration("SYNC_RETRY_BACKOFF", 0)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitLogin = getEnvInt("RATE_LIMIT_LOGIN", 10)
	cfg.PaymentAccessToken = getEnvString("PAYMENT_ACCESS_TOKEN", "")
	cfg.PaymentAPIURL = getEnvString("PAYMENT_API_URL", "https://api.mercadopago.com")
	cfg.PaymentWebhookSecret = getEnvString("PAYMENT_WEBHOOK_SECRET", "")
	cfg.SubscriptionDays = getEnvInt("SUBSCRIPTION_DAYS", 30)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:5173")

	// 招待ユーザーの同期は最低1回行う
	if cfg.SyncRetryAttempts < 1 {
		cfg.SyncRetryAttempts = 1
	}

	return cfg, nil
}

// PaymentsEnabled は決済プロバイダーの認証情報が設定されているかを返す。
func (c *Config) PaymentsEnabled() bool {
	return c.PaymentAccessToken != ""
}

func getEnvString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
