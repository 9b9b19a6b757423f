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
	// Database
	DatabaseURL string

	// OAuth (Google Workspace委任)
	GoogleClientID     string
	GoogleClientSecret string
	GoogleRedirectURL  string

	// Mail sync
	MailSyncDefaultSinceDays int           // キャッシュが無い連絡先の初回同期範囲（日）
	MailSyncPageSize         int64         // メッセージ一覧の1ページあたり件数
	MailSyncMaxConcurrent    int           // メタデータ取得の最大並列数
	SyncTimeout              time.Duration

	// Calendar sync
	CalendarSyncCooldown      time.Duration // 通常同期のクールダウン
	CalendarForceSyncCooldown time.Duration // 強制同期のクールダウン
	CalendarFullWindowDays    int           // カーソル失効時のフル取得ウィンドウ（日）

	// Rate Limit
	RateLimitGeneral int
	RateLimitSync    int

	// Process (定期処理モード)
	ProcessInterval time.Duration // 予約送信・フォローアップ処理の実行間隔

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
// 必須環境変数が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	if cfg.GoogleClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}

	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	if cfg.GoogleClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}

	cfg.GoogleRedirectURL = os.Getenv("GOOGLE_REDIRECT_URL")
	if cfg.GoogleRedirectURL == "" {
		missing = append(missing, "GOOGLE_REDIRECT_URL")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.MailSyncDefaultSinceDays = getEnvInt("MAIL_SYNC_DEFAULT_SINCE_DAYS", 365)
	cfg.MailSyncPageSize = getEnvInt64("MAIL_SYNC_PAGE_SIZE", 100)
	cfg.MailSyncMaxConcurrent = getEnvInt("MAIL_SYNC_MAX_CONCURRENT", 10)
	cfg.SyncTimeout = getEnvDuration("SYNC_TIMEOUT", 120*time.Second)
	cfg.CalendarSyncCooldown = getEnvDuration("CALENDAR_SYNC_COOLDOWN", 5*time.Minute)
	cfg.CalendarForceSyncCooldown = getEnvDuration("CALENDAR_FORCE_SYNC_COOLDOWN", 5*time.Second)
	cfg.CalendarFullWindowDays = getEnvInt("CALENDAR_FULL_WINDOW_DAYS", 60)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", 120)
	cfg.RateLimitSync = getEnvInt("RATE_LIMIT_SYNC", 10)
	cfg.ProcessInterval = getEnvDuration("PROCESS_INTERVAL", time.Minute)
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", "http://localhost:3000")

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

func getEnvInt64(key string, defaultVal int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.ParseInt(v, 10, 64)
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
