package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/festival/internal/tokencrypt"
)

const (
	// StorageDriverPostgres はPostgreSQLに永続化するストレージドライバー。
	StorageDriverPostgres = "postgres"
	// StorageDriverMemory はプロセス内メモリに保持するストレージドライバー。ローカル開発用。
	StorageDriverMemory = "memory"
)

// Config はアプリケーション全体の設定を保持する。
// 環境変数から起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Storage
	StorageDriver     string
	DatabaseURL       string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// OAuth
	SpotifyClientID     string
	SpotifyClientSecret string
	SpotifyRedirectURL  string
	ProviderTimeout     time.Duration
	OAuthStateMaxAge    time.Duration

	// Token Cryptography
	TokenEncryptionKey []byte

	// Session
	SessionLifetime        time.Duration
	SessionRenewFraction   float64
	SessionCleanupInterval time.Duration

	// Rate Limit
	RateLimitAPI   int     // req/min
	SpotifyAPIRate float64 // req/sec

	// Logging
	LogLevel string

	// Server
	ServerPort string
	BaseURL    string

	// Cookie
	CookieSecure bool
	CookieDomain string
}

// Load は環境変数からConfigを読み込む。
// 必須環境変数が未設定の場合、または値が不正な場合はエラーを返す。
func Load() (*Config, error) {
	cfg := &Config{}

	// Required fields
	var missing []string

	cfg.StorageDriver = strings.ToLower(getEnvString("STORAGE_DRIVER", StorageDriverPostgres))

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" && cfg.StorageDriver != StorageDriverMemory {
		missing = append(missing, "DATABASE_URL")
	}

	cfg.SpotifyClientID = os.Getenv("SPOTIFY_CLIENT_ID")
	if cfg.SpotifyClientID == "" {
		missing = append(missing, "SPOTIFY_CLIENT_ID")
	}

	cfg.SpotifyClientSecret = os.Getenv("SPOTIFY_CLIENT_SECRET")
	if cfg.SpotifyClientSecret == "" {
		missing = append(missing, "SPOTIFY_CLIENT_SECRET")
	}

	cfg.SpotifyRedirectURL = os.Getenv("SPOTIFY_REDIRECT_URL")
	if cfg.SpotifyRedirectURL == "" {
		missing = append(missing, "SPOTIFY_REDIRECT_URL")
	}

	encodedKey := os.Getenv("TOKEN_ENCRYPTION_KEY")
	if encodedKey == "" {
		missing = append(missing, "TOKEN_ENCRYPTION_KEY")
	}

	cfg.BaseURL = os.Getenv("BASE_URL")
	if cfg.BaseURL == "" {
		missing = append(missing, "BASE_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("required environment variables are not set: %v", missing)
	}

	// Optional fields with defaults
	cfg.DBMaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", 10)
	cfg.DBMaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", 5)
	cfg.DBConnMaxLifetime = getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute)
	cfg.SessionLifetime = getEnvDuration("SESSION_LIFETIME", 720*time.Hour)
	cfg.SessionRenewFraction = getEnvFloat("SESSION_RENEW_FRACTION", 0.5)
	cfg.SessionCleanupInterval = getEnvDuration("SESSION_CLEANUP_INTERVAL", time.Hour)
	cfg.OAuthStateMaxAge = getEnvDuration("OAUTH_STATE_MAX_AGE", 10*time.Minute)
	cfg.ProviderTimeout = getEnvDuration("PROVIDER_TIMEOUT", 10*time.Second)
	cfg.RateLimitAPI = getEnvInt("RATE_LIMIT_API", 60)
	cfg.SpotifyAPIRate = getEnvFloat("SPOTIFY_API_RATE", 5)
	cfg.LogLevel = getEnvString("LOG_LEVEL", "info")
	cfg.ServerPort = getEnvString("SERVER_PORT", "8080")
	cfg.CookieSecure = strings.HasPrefix(cfg.BaseURL, "https://")
	cfg.CookieDomain = getEnvString("COOKIE_DOMAIN", "")

	// Validation
	var invalid []string

	if cfg.StorageDriver != StorageDriverPostgres && cfg.StorageDriver != StorageDriverMemory {
		invalid = append(invalid, "STORAGE_DRIVER")
	}

	key, err := tokencrypt.DecodeKey(encodedKey)
	if err != nil {
		invalid = append(invalid, "TOKEN_ENCRYPTION_KEY")
	}
	cfg.TokenEncryptionKey = key

	if u, err := url.Parse(cfg.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		invalid = append(invalid, "BASE_URL")
	}
	if cfg.DBMaxOpenConns <= 0 {
		invalid = append(invalid, "DB_MAX_OPEN_CONNS")
	}
	if cfg.DBMaxIdleConns < 0 || cfg.DBMaxIdleConns > cfg.DBMaxOpenConns {
		invalid = append(invalid, "DB_MAX_IDLE_CONNS")
	}
	if cfg.SessionLifetime <= 0 {
		invalid = append(invalid, "SESSION_LIFETIME")
	}
	if cfg.SessionRenewFraction <= 0 || cfg.SessionRenewFraction > 1 {
		invalid = append(invalid, "SESSION_RENEW_FRACTION")
	}

	if len(invalid) > 0 {
		return nil, fmt.Errorf("invalid environment variables: %v", invalid)
	}

	return cfg, nil
}

// AllowedOrigin はBASE_URLのオリジン（scheme://host[:port]）を返す。
// 状態変更リクエストのOriginヘッダー検証に使用する。
func (c *Config) AllowedOrigin() string {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return ""
	}
	return u.Scheme + "://" + u.Host
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

func getEnvFloat(key string, defaultVal float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return defaultVal
	}
	return f
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
