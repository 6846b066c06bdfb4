package infra

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	JWTSecret   string

	StoragePath    string
	StorageBaseURL string
	GeoIPDBPath    string
	DefaultLocale  string

	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIModel      string
	FluxAPIKey       string
	FluxBaseURL      string
	NanoBananaAPIKey string
	NanoBananaURL    string
	SeedreamAPIKey   string
	SeedreamBaseURL  string
	StabilityAPIKey  string
	StabilityBaseURL string

	WorkerCount     int
	JobMaxAttempts  int
	JobBackoffBase  time.Duration
	JobLease        time.Duration
	JobPollInterval time.Duration
	ProviderTimeout time.Duration

	TierCapFree       int
	TierCapPro        int
	TierCapCreator    int
	TierCapEnterprise int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),

		StoragePath:    getEnv("STORAGE_PATH", "./storage"),
		StorageBaseURL: getEnv("STORAGE_BASE_URL", "http://localhost:8080/static"),
		GeoIPDBPath:    os.Getenv("GEOIP_DB_PATH"),
		DefaultLocale:  getEnv("DEFAULT_LOCALE", "en"),

		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:    getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		OpenAIModel:      getEnv("OPENAI_IMAGE_MODEL", "gpt-image-1"),
		FluxAPIKey:       os.Getenv("BFL_API_KEY"),
		FluxBaseURL:      getEnv("BFL_BASE_URL", "https://api.bfl.ml/v1"),
		NanoBananaAPIKey: os.Getenv("NANO_BANANA_API_KEY"),
		NanoBananaURL:    getEnv("NANO_BANANA_BASE_URL", "https://api.nanobanana.ai/v1"),
		SeedreamAPIKey:   os.Getenv("SEEDREAM_API_KEY"),
		SeedreamBaseURL:  getEnv("SEEDREAM_BASE_URL", "https://ark.ap-southeast.bytepluses.com/api/v3"),
		StabilityAPIKey:  os.Getenv("STABILITY_API_KEY"),
		StabilityBaseURL: getEnv("STABILITY_BASE_URL", "https://api.stability.ai/v2beta"),

		WorkerCount:     getEnvInt("WORKER_COUNT", 4),
		JobMaxAttempts:  getEnvInt("JOB_MAX_ATTEMPTS", 3),
		JobBackoffBase:  time.Millisecond * time.Duration(getEnvInt("JOB_BACKOFF_BASE_MS", 1500)),
		JobLease:        time.Second * time.Duration(getEnvInt("JOB_LEASE_SECONDS", 300)),
		JobPollInterval: time.Second * time.Duration(getEnvInt("JOB_POLL_INTERVAL_SECONDS", 2)),
		ProviderTimeout: time.Second * time.Duration(getEnvInt("PROVIDER_TIMEOUT_SECONDS", 120)),

		TierCapFree:       getEnvInt("TIER_CAP_FREE", 1),
		TierCapPro:        getEnvInt("TIER_CAP_PRO", 2),
		TierCapCreator:    getEnvInt("TIER_CAP_CREATOR", 2),
		TierCapEnterprise: getEnvInt("TIER_CAP_ENTERPRISE", 100),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}
