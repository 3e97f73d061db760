package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL         string
	HTTPAddr            string
	Environment         string
	LogLevel            string
	CronSecret          string
	RedisURL            string
	ProcessTriggerURL   string
	StripeAPIBaseURL    string
	LemonSqueezyBaseURL string
	PollInterval        int // seconds
	MaxRetries          int
	ShutdownTimeout     int // seconds
	BatchSize           int
	MaxConcurrency      int
	StaleAfter          int // minutes
	BackgroundTimeout   int // seconds
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	cronSecret := os.Getenv("CRON_SECRET")
	if cronSecret == "" {
		fmt.Println("Warning: CRON_SECRET not set, cron and admin endpoints are unauthenticated")
	}

	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		fmt.Println("Warning: REDIS_URL not set, queue stats will not be recorded")
	}

	port := getEnv("PORT", "8080")

	cfg := &Config{
		DatabaseURL:         dbURL,
		HTTPAddr:            ":" + port,
		Environment:         getEnv("APP_ENV", "development"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		CronSecret:          cronSecret,
		RedisURL:            redisURL,
		ProcessTriggerURL:   os.Getenv("PROCESS_TRIGGER_URL"),
		StripeAPIBaseURL:    os.Getenv("STRIPE_API_BASE_URL"),
		LemonSqueezyBaseURL: os.Getenv("LEMONSQUEEZY_API_BASE_URL"),
	}

	ints := []struct {
		key  string
		def  int
		dest *int
	}{
		{"POLL_INTERVAL_SECONDS", 60, &cfg.PollInterval},
		{"SYNC_MAX_RETRIES", 3, &cfg.MaxRetries},
		{"SHUTDOWN_TIMEOUT_SECONDS", 30, &cfg.ShutdownTimeout},
		{"SYNC_BATCH_SIZE", 10, &cfg.BatchSize},
		{"SYNC_MAX_CONCURRENCY", 3, &cfg.MaxConcurrency},
		{"SYNC_STALE_AFTER_MINUTES", 15, &cfg.StaleAfter},
		{"BACKGROUND_TIMEOUT_SECONDS", 600, &cfg.BackgroundTimeout},
	}
	for _, v := range ints {
		n, err := getEnvInt(v.key, v.def)
		if err != nil {
			return nil, err
		}
		*v.dest = n
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// getEnvInt requires a positive integer when the variable is set
func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("%s must be a positive integer, got %q", key, v)
	}
	return n, nil
}
