// Package config は環境変数からアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Auth backend
	AuthURL                 string
	AuthAnonKey             string
	AuthAllowPrivateNetwork bool
	AuthRequestTimeout      time.Duration

	// Email
	EmailRatePerMinute      int
	EmailBurst              int
	RecoveryRedirectURL     string
	VerificationRedirectURL string

	// Confirmation
	ConfirmTimeout   time.Duration
	RedirectTo       string
	RedirectDelay    time.Duration
	ResetLinkMarkers []string
	VerifyLinkMarkers []string
	InitialURL       string

	// Screens
	MaxScreens    int
	ScreenIdleTTL time.Duration

	// Database（未設定の場合は確認履歴をメモリに保持する）
	DatabaseURL string

	// Rate Limit（req/min）
	RateLimitGeneral  int
	RateLimitDeepLink int

	// Logging
	LogLevel         string
	LogRetentionDays int
	CleanupInterval  time.Duration

	// Server
	ServerPort string

	// CORS
	CORSAllowedOrigin string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.AuthURL = strings.TrimRight(os.Getenv("AUTH_URL"), "/")
	if cfg.AuthURL == "" {
		missing = append(missing, "AUTH_URL")
	}

	cfg.AuthAnonKey = os.Getenv("AUTH_ANON_KEY")
	if cfg.AuthAnonKey == "" {
		missing = append(missing, "AUTH_ANON_KEY")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.AuthAllowPrivateNetwork = getEnvBool("AUTH_ALLOW_PRIVATE_NETWORK", false)
	cfg.AuthRequestTimeout = getEnvDuration("AUTH_REQUEST_TIMEOUT", 10*time.Second)
	cfg.EmailRatePerMinute = getEnvInt("EMAIL_RATE_PER_MINUTE", 5)
	cfg.EmailBurst = getEnvInt("EMAIL_BURST", 3)
	cfg.RecoveryRedirectURL = getEnvString("RECOVERY_REDIRECT_URL", "linkconfirm://reset-password")
	cfg.VerificationRedirectURL = getEnvString("VERIFICATION_REDIRECT_URL", "linkconfirm://verify-email")
	cfg.ConfirmTimeout = getEnvDuration("CONFIRM_TIMEOUT", 8*time.Second)
	cfg.RedirectTo = getEnvString("REDIRECT_TO", "/login")
	cfg.RedirectDelay = getEnvDuration("REDIRECT_DELAY", 2*time.Second)
	cfg.ResetLinkMarkers = getEnvList("RESET_LINK_MARKER")
	cfg.VerifyLinkMarkers = getEnvList("VERIFY_LINK_MARKER")
	cfg.InitialURL = getEnvString("INITIAL_URL", "")
	cfg.MaxScreens = getEnvInt("MAX_SCREENS", 1000)
	cfg.ScreenIdleTTL = getEnvDuration("SCREEN_IDLE_TTL", 30*time.Minute)
	cfg.DatabaseURL = getEnvString("DATABASE_URL", "")
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitDeepLink = getEnvInt("RATE_LIMIT_DEEP_LINK", 30)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.LogRetentionDays = getEnvInt("LOG_RETENTION_DAYS", 30)
	cfg.CleanupInterval = getEnvDuration("CLEANUP_INTERVAL", 24*time.Hour)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "")

	return cfg, nil
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

func getEnvBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
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

// getEnvList はカンマ区切りの環境変数を空要素を除いて返す。未設定の場合はnil。
func getEnvList(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
