// Package config はアプリケーション設定を読み込む。
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する。
// 起動時に1回読み込み、イミュータブルとして扱う。
type Config struct {
	// Database
	DatabaseURL string `yaml:"database_url"`

	// Session
	SessionMaxAge int `yaml:"session_max_age"` // 秒

	// Fetch
	FetchTimeout           time.Duration `yaml:"fetch_timeout"`
	FetchMaxSize           int64         `yaml:"fetch_max_size"`
	FetchMaxConcurrent     int           `yaml:"fetch_max_concurrent"`
	FetchInterval          time.Duration `yaml:"fetch_interval"`
	FetchInlineRetries     int           `yaml:"fetch_inline_retries"`
	FetchRetryDelay        time.Duration `yaml:"fetch_retry_delay"`
	FetchMaxAttempts       int           `yaml:"fetch_max_attempts"`
	DefaultRefreshInterval int           `yaml:"default_refresh_interval"` // 分
	AllowPrivateFeeds      bool          `yaml:"allow_private_feeds"`

	// Rate Limit (req/min/user)
	RateLimitGeneral int `yaml:"rate_limit_general"`
	RateLimitRefresh int `yaml:"rate_limit_refresh"`

	// Retention
	ItemRetentionDays int `yaml:"item_retention_days"`

	// Events
	EventBuffer    int           `yaml:"event_buffer"`
	EventHeartbeat time.Duration `yaml:"event_heartbeat"`

	// Server
	ServerPort string `yaml:"server_port"`
	LogLevel   string `yaml:"log_level"`

	// CORS
	CORSAllowedOrigin string `yaml:"cors_allowed_origin"`
}

// Default はすべての任意項目にデフォルト値を設定したConfigを返す。
func Default() *Config {
	return &Config{
		SessionMaxAge:          86400,
		FetchTimeout:           15 * time.Second,
		FetchMaxSize:           5242880,
		FetchMaxConcurrent:     5,
		FetchInterval:          time.Minute,
		FetchInlineRetries:     2,
		FetchRetryDelay:        2 * time.Second,
		FetchMaxAttempts:       3,
		DefaultRefreshInterval: 60,
		RateLimitGeneral:       120,
		RateLimitRefresh:       6,
		ItemRetentionDays:      180,
		EventBuffer:            32,
		EventHeartbeat:         25 * time.Second,
		ServerPort:             "8080",
		LogLevel:               "info",
		CORSAllowedOrigin:      "http://localhost:3000",
	}
}

// Load は設定を読み込む。
// CONFIG_FILE が指定されていればYAMLファイルの値を先に適用し、環境変数で上書きする。
// 必須項目が未設定の場合はエラーを返す。
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.DatabaseURL = getEnvString("DATABASE_URL", cfg.DatabaseURL)
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("required environment variables are not set: %v", []string{"DATABASE_URL"})
	}

	cfg.SessionMaxAge = getEnvInt("SESSION_MAX_AGE", cfg.SessionMaxAge)
	cfg.FetchTimeout = getEnvDuration("FETCH_TIMEOUT", cfg.FetchTimeout)
	cfg.FetchMaxSize = getEnvInt64("FETCH_MAX_SIZE", cfg.FetchMaxSize)
	cfg.FetchMaxConcurrent = getEnvInt("FETCH_MAX_CONCURRENT", cfg.FetchMaxConcurrent)
	cfg.FetchInterval = getEnvDuration("FETCH_INTERVAL", cfg.FetchInterval)
	cfg.FetchInlineRetries = getEnvInt("FETCH_INLINE_RETRIES", cfg.FetchInlineRetries)
	cfg.FetchRetryDelay = getEnvDuration("FETCH_RETRY_DELAY", cfg.FetchRetryDelay)
	cfg.FetchMaxAttempts = getEnvInt("FETCH_MAX_ATTEMPTS", cfg.FetchMaxAttempts)
	cfg.DefaultRefreshInterval = getEnvInt("DEFAULT_REFRESH_INTERVAL", cfg.DefaultRefreshInterval)
	cfg.AllowPrivateFeeds = getEnvBool("ALLOW_PRIVATE_FEEDS", cfg.AllowPrivateFeeds)
	cfg.RateLimitGeneral = getEnvInt("RATE_LIMIT_GENERAL", cfg.RateLimitGeneral)
	cfg.RateLimitRefresh = getEnvInt("RATE_LIMIT_REFRESH", cfg.RateLimitRefresh)
	cfg.ItemRetentionDays = getEnvInt("ITEM_RETENTION_DAYS", cfg.ItemRetentionDays)
	cfg.EventBuffer = getEnvInt("EVENT_BUFFER", cfg.EventBuffer)
	cfg.EventHeartbeat = getEnvDuration("EVENT_HEARTBEAT", cfg.EventHeartbeat)
	cfg.ServerPort = getEnvString("SERVER_PORT", cfg.ServerPort)
	cfg.LogLevel = getEnvString("LOG_LEVEL", cfg.LogLevel)
	cfg.CORSAllowedOrigin = getEnvString("CORS_ALLOWED_ORIGIN", cfg.CORSAllowedOrigin)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate は time.NewTicker や http.Client に渡す値が正であることを確認する。
func (c *Config) validate() error {
	positive := []struct {
		name string
		d    time.Duration
	}{
		{"FETCH_INTERVAL", c.FetchInterval},
		{"FETCH_TIMEOUT", c.FetchTimeout},
		{"EVENT_HEARTBEAT", c.EventHeartbeat},
	}
	for _, p := range positive {
		if p.d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", p.name, p.d)
		}
	}
	if c.FetchRetryDelay < 0 {
		return fmt.Errorf("FETCH_RETRY_DELAY must not be negative, got %v", c.FetchRetryDelay)
	}
	return nil
}

// loadFile はYAMLファイルの値を c に適用する。ファイルにない項目は変更しない。
// durationは "15s" のような文字列で記述する。
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
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
