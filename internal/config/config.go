package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/gommon/log"
)

type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string

	StripeSecretKey     string
	StripeWebhookSecret string
	GatewayTimeout      time.Duration
	DefaultCurrency     string

	// AppBaseURL is used to build the 3-D Secure return URL
	AppBaseURL string

	FirebaseCredentialsPath string

	WahaBaseURL string
	WahaAPIKey  string

	// Production enables secure cookies
	Production bool

	WorkerPollSpec string
	LogLevel       string
}

// LoadConfig reads .env (when present) and the process environment
func LoadConfig() *Config {
	if err := godotenv.Load(); err != nil {
		log.Info("No .env file found, using system environment")
	}

	return &Config{
		Port:                    getEnvOrDefault("PORT", "8080"),
		DatabaseURL:             os.Getenv("DATABASE_URL"),
		RedisURL:                os.Getenv("REDIS_URL"),
		StripeSecretKey:         os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:     os.Getenv("STRIPE_WEBHOOK_SECRET"),
		GatewayTimeout:          getDurationOrDefault("GATEWAY_TIMEOUT", 20*time.Second),
		DefaultCurrency:         strings.ToLower(getEnvOrDefault("DEFAULT_CURRENCY", "usd")),
		AppBaseURL:              strings.TrimRight(getEnvOrDefault("APP_BASE_URL", "http://localhost:3000"), "/"),
		FirebaseCredentialsPath: getEnvOrDefault("FIREBASE_CREDENTIALS_PATH", "./firebase-service-account.json"),
		WahaBaseURL:             getEnvOrDefault("WAHA_BASE_URL", "http://waha:3000"),
		WahaAPIKey:              os.Getenv("WAHA_API_KEY"),
		Production:              os.Getenv("ENV") == "production",
		WorkerPollSpec:          getEnvOrDefault("WORKER_POLL_SPEC", "@every 5m"),
		LogLevel:                getEnvOrDefault("LOG_LEVEL", "info"),
	}
}

// LogLvl maps LogLevel onto gommon levels
func (c *Config) LogLvl() log.Lvl {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return log.DEBUG
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	case "off":
		return log.OFF
	default:
		return log.INFO
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Warnf("Invalid %s %q, using %s", key, raw, defaultValue)
		return defaultValue
	}
	return d
}
