package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the engine.
type Config struct {
	Port     string
	Env      string // "production" disables the console writer
	LogLevel string
	Debug    bool

	// Localization of scanner logs
	Language string // "es" or "en"

	// Database
	DBDriver    string // "sqlite" or "postgres"
	DBPath      string
	DatabaseURL string

	// Outbox delivery
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	OutboxStream      string
	OutboxPollSeconds int

	// Scanners
	ScannersFile      string
	AutostartScanners bool

	// Exchange
	RecvWindowMs int64

	// Dry-run simulation
	DryRun            bool
	DryRunFeeRate     float64 // decimal (e.g. 0.001 = 10 bps)
	DryRunSlippageBps float64
	DryRunBalance     float64 // initial quote balance per api key
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	// Prefer DB_PATH, then DATABASE_PATH for older deployments.
	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/reversal.db")
	}

	return &Config{
		Port:              getEnv("PORT", "8080"),
		Env:               strings.ToLower(getEnv("ENV", "development")),
		LogLevel:          strings.ToLower(getEnv("LOG_LEVEL", "info")),
		Debug:             getEnv("DEBUG", "false") == "true",
		Language:          strings.ToLower(getEnv("LANGUAGE", "es")),
		DBDriver:          strings.ToLower(getEnv("DB_DRIVER", "sqlite")),
		DBPath:            dbPath,
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		RedisPassword:     os.Getenv("REDIS_PASSWORD"),
		RedisDB:           getEnvInt("REDIS_DB", 0),
		OutboxStream:      getEnv("OUTBOX_STREAM", "trading_events"),
		OutboxPollSeconds: getEnvInt("OUTBOX_POLL_SECONDS", 5),
		ScannersFile:      getEnv("SCANNERS_FILE", "./scanners.yaml"),
		AutostartScanners: getEnv("AUTOSTART_SCANNERS", "false") == "true",
		RecvWindowMs:      int64(getEnvInt("RECV_WINDOW_MS", 5000)),
		DryRun:            getEnv("DRY_RUN", "false") == "true",
		DryRunFeeRate:     getEnvFloat("DRY_RUN_FEE_RATE", 0.001),
		DryRunSlippageBps: getEnvFloat("DRY_RUN_SLIPPAGE_BPS", 2),
		DryRunBalance:     getEnvFloat("DRY_RUN_INITIAL_BALANCE", 10000.0),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
