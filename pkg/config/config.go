package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port               string
	APIKey             string
	GoogleClientID     string
	GoogleClientSecret string
	GeminiAPIKey       string
	GeminiModel        string
	GeminiFallback     string
	DatabaseURL        string
	RedisAddr          string
	RedisPassword      string
	ProcessedLabelID   string
	ScanQuery          string
	ScanBatchSize      int
	ScanMaxResults     int
	ScanInterval       time.Duration
	StaleAfter         time.Duration
}

func Load() *Config {
	// Load .env file if it exists
	_ = godotenv.Load()

	scanInterval := 30 * time.Minute
	if v := os.Getenv("SCAN_INTERVAL"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			scanInterval = parsed
		}
	}

	staleAfter := 24 * time.Hour
	if v := os.Getenv("SCAN_STALE_AFTER"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			staleAfter = parsed
		}
	}

	return &Config{
		Port:               getEnv("PORT", "8080"),
		APIKey:             getEnv("API_KEY", ""),
		GoogleClientID:     getEnv("GOOGLE_CLIENT_ID", ""),
		GoogleClientSecret: getEnv("GOOGLE_CLIENT_SECRET", ""),
		GeminiAPIKey:       getEnv("GEMINI_API_KEY", ""),
		GeminiModel:        getEnv("GEMINI_MODEL", "gemini-2.5-flash"),
		GeminiFallback:     getEnv("GEMINI_FALLBACK_MODEL", "gemini-2.0-flash-lite"),
		DatabaseURL:        getEnv("DATABASE_URL", "host=localhost user=postgres password=postgres dbname=invoice_tracker port=5432 sslmode=disable"),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		ProcessedLabelID:   getEnv("PROCESSED_LABEL_ID", ""),
		ScanQuery:          getEnv("SCAN_QUERY", `(invoice OR receipt OR "tax invoice" OR billing) newer_than:90d`),
		ScanBatchSize:      getEnvInt("SCAN_BATCH_SIZE", 5),
		ScanMaxResults:     getEnvInt("SCAN_MAX_RESULTS", 500),
		ScanInterval:       scanInterval,
		StaleAfter:         staleAfter,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
