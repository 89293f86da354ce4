// Package config loads service settings from the environment (an
// optional .env file is loaded by main before this runs).
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the full service configuration.
type Config struct {
	APIKey  string
	Addr    string
	BaseURL string

	MaxConcurrentTasks int
	DefaultTimeout     time.Duration
	VideoTimeout       time.Duration

	Proxy    string
	UseProxy bool

	StorageDir   string
	CleanupHours int

	CookiesPath            string
	AccountsDir            string
	TasksPath              string
	PerAccountConcurrent   int
	AccountCooldownSeconds int

	RequestsPerHour int
	RequestBurst    int
}

// Load reads configuration from environment variables, applying defaults
// for everything but the API key.
func Load() (*Config, error) {
	cfg := &Config{
		APIKey:                 os.Getenv("API_KEY"),
		Addr:                   getEnv("ADDR", ":8000"),
		BaseURL:                getEnv("BASE_URL", "http://localhost:8000"),
		MaxConcurrentTasks:     getInt("MAX_CONCURRENT_TASKS", 5),
		DefaultTimeout:         time.Duration(getInt("DEFAULT_TIMEOUT", 80)) * time.Second,
		VideoTimeout:           time.Duration(getInt("VIDEO_TIMEOUT", 300)) * time.Second,
		Proxy:                  os.Getenv("PROXY"),
		UseProxy:               getBool("USE_PROXY", false),
		StorageDir:             getEnv("STORAGE_DIR", "./static/generated"),
		CleanupHours:           getInt("CLEANUP_HOURS", 24),
		CookiesPath:            getEnv("COOKIES_PATH", "./data/cookies.json"),
		AccountsDir:            getEnv("ACCOUNTS_DIR", "./data/accounts"),
		TasksPath:              getEnv("TASKS_PATH", "./data/video_tasks.json"),
		PerAccountConcurrent:   getInt("PER_ACCOUNT_CONCURRENT_TASKS", 1),
		AccountCooldownSeconds: getInt("ACCOUNT_COOLDOWN_SECONDS", 600),
		RequestsPerHour:        getInt("REQUESTS_PER_HOUR", 100),
		RequestBurst:           getInt("REQUEST_BURST", 10),
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("API_KEY is required")
	}
	return cfg, nil
}

// EffectiveProxy returns the proxy URL when enabled, empty otherwise.
func (c *Config) EffectiveProxy() string {
	if c.UseProxy {
		return c.Proxy
	}
	return ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
